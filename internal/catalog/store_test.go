package catalog

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rfbdl/rfbdl/internal/engine/types"
)

func openStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "nested", "catalog.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, path
}

func descriptors(bucket string, names ...string) []types.Descriptor {
	out := make([]types.Descriptor, len(names))
	for i, n := range names {
		out[i] = types.Descriptor{
			Bucket:   bucket,
			FileName: n,
			URL:      "https://example.com/" + bucket + "/" + n,
			Size:     int64(100 * (i + 1)),
		}
	}
	return out
}

func TestStore_ReplaceAndList(t *testing.T) {
	ctx := context.Background()
	s, _ := openStore(t)

	modified := time.Date(2024, 5, 12, 10, 30, 0, 0, time.UTC)
	ds := descriptors("2024-05", "Socios0.zip", "Empresas0.zip")
	ds[0].LastModified = modified
	require.NoError(t, s.ReplaceBucket(ctx, "2024-05", ds))
	require.NoError(t, s.ReplaceBucket(ctx, "2023-11", descriptors("2023-11", "Cnaes.zip")))

	buckets, err := s.Buckets(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"2023-11", "2024-05"}, buckets)

	files, err := s.Files(ctx, "2024-05")
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "Socios0.zip", files[0].FileName, "listing order is kept")
	assert.Equal(t, int64(100), files[0].Size)
	assert.True(t, modified.Equal(files[0].LastModified))
	assert.True(t, files[1].LastModified.IsZero())
	assert.Equal(t, "2024-05", files[1].Bucket)

	latest, ok, err := s.Latest(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "2024-05", latest)
}

func TestStore_ReplaceDropsStaleFiles(t *testing.T) {
	ctx := context.Background()
	s, _ := openStore(t)

	require.NoError(t, s.ReplaceBucket(ctx, "2024-05", descriptors("2024-05", "a.zip", "b.zip")))
	require.NoError(t, s.ReplaceBucket(ctx, "2024-05", descriptors("2024-05", "c.zip")))

	files, err := s.Files(ctx, "2024-05")
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "c.zip", files[0].FileName)
}

func TestStore_EmptyCatalog(t *testing.T) {
	ctx := context.Background()
	s, _ := openStore(t)

	buckets, err := s.Buckets(ctx)
	require.NoError(t, err)
	assert.Empty(t, buckets)

	_, ok, err := s.Latest(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	files, err := s.Files(ctx, "2024-05")
	require.NoError(t, err)
	assert.Empty(t, files)

	_, ok, err = s.LastCheck(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_MergeRespectsThreshold(t *testing.T) {
	ctx := context.Background()
	s, _ := openStore(t)

	require.NoError(t, s.ReplaceBucket(ctx, "2024-03", descriptors("2024-03", "old.zip")))
	require.NoError(t, s.ReplaceBucket(ctx, "2024-04", descriptors("2024-04", "old.zip")))

	found := map[string][]types.Descriptor{
		"2024-03": descriptors("2024-03", "rewritten.zip"),
		"2024-04": descriptors("2024-04", "new.zip"),
		"2024-05": descriptors("2024-05", "new.zip"),
	}
	written, err := s.Merge(ctx, found, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"2024-04", "2024-05"}, written)

	march, err := s.Files(ctx, "2024-03")
	require.NoError(t, err)
	assert.Equal(t, "old.zip", march[0].FileName)

	april, err := s.Files(ctx, "2024-04")
	require.NoError(t, err)
	assert.Equal(t, "new.zip", april[0].FileName)

	buckets, err := s.Buckets(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"2024-03", "2024-04", "2024-05"}, buckets)
}

func TestStore_LastCheckPersists(t *testing.T) {
	ctx := context.Background()
	s, path := openStore(t)

	checked := time.Date(2024, 5, 12, 10, 30, 0, 0, time.UTC)
	require.NoError(t, s.SetLastCheck(ctx, checked))
	require.NoError(t, s.SetLastCheck(ctx, checked.Add(time.Hour)))
	require.NoError(t, s.ReplaceBucket(ctx, "2024-05", descriptors("2024-05", "a.zip")))
	require.NoError(t, s.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()

	got, ok, err := reopened.LastCheck(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, checked.Add(time.Hour).Equal(got))

	files, err := reopened.Files(ctx, "2024-05")
	require.NoError(t, err)
	assert.Len(t, files, 1)
}

package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/rfbdl/rfbdl/internal/engine/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS buckets (
	bucket TEXT PRIMARY KEY
);
CREATE TABLE IF NOT EXISTS files (
	bucket        TEXT    NOT NULL REFERENCES buckets(bucket) ON DELETE CASCADE,
	name          TEXT    NOT NULL,
	url           TEXT    NOT NULL,
	size          INTEGER NOT NULL DEFAULT 0,
	last_modified TEXT    NOT NULL DEFAULT '',
	position      INTEGER NOT NULL,
	PRIMARY KEY (bucket, name)
);
CREATE TABLE IF NOT EXISTS meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

const metaLastCheck = "last_check"

// Store caches the discovered buckets and their archives in sqlite.
type Store struct {
	db *sql.DB
}

// Open opens or creates the catalog database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create catalog directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	// One connection keeps sqlite writes serialized inside the process.
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
		schema,
	} {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("initialize catalog: %w", err)
		}
	}
	return &Store{db: db}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Buckets returns every cached bucket, oldest first.
func (s *Store) Buckets(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT bucket FROM buckets")
	if err != nil {
		return nil, fmt.Errorf("list buckets: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var b string
		if err := rows.Scan(&b); err != nil {
			return nil, fmt.Errorf("scan bucket: %w", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list buckets: %w", err)
	}
	SortBuckets(out)
	return out, nil
}

// Latest returns the newest cached bucket.
func (s *Store) Latest(ctx context.Context) (string, bool, error) {
	buckets, err := s.Buckets(ctx)
	if err != nil || len(buckets) == 0 {
		return "", false, err
	}
	return buckets[len(buckets)-1], true, nil
}

// Files returns the archives of bucket in listing order.
func (s *Store) Files(ctx context.Context, bucket string) ([]types.Descriptor, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, url, size, last_modified FROM files WHERE bucket = ? ORDER BY position`, bucket)
	if err != nil {
		return nil, fmt.Errorf("list files of %s: %w", bucket, err)
	}
	defer rows.Close()

	var out []types.Descriptor
	for rows.Next() {
		d := types.Descriptor{Bucket: bucket}
		var modified string
		if err := rows.Scan(&d.FileName, &d.URL, &d.Size, &modified); err != nil {
			return nil, fmt.Errorf("scan file: %w", err)
		}
		if modified != "" {
			if t, err := time.Parse(time.RFC3339, modified); err == nil {
				d.LastModified = t
			}
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list files of %s: %w", bucket, err)
	}
	return out, nil
}

// ReplaceBucket stores ds as the complete listing of bucket.
func (s *Store) ReplaceBucket(ctx context.Context, bucket string, ds []types.Descriptor) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return replaceBucket(ctx, tx, bucket, ds)
	})
}

// Merge stores every bucket in found that is at or after the threshold
// derived from the cached buckets. Older buckets are kept as cached.
// It returns the buckets written.
func (s *Store) Merge(ctx context.Context, found map[string][]types.Descriptor, recent int) ([]string, error) {
	known, err := s.Buckets(ctx)
	if err != nil {
		return nil, err
	}
	threshold, hasThreshold := Threshold(known, recent)

	var written []string
	for b := range found {
		if hasThreshold && bucketLess(b, threshold) {
			continue
		}
		written = append(written, b)
	}
	SortBuckets(written)

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		for _, b := range written {
			if err := replaceBucket(ctx, tx, b, found[b]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return written, nil
}

// LastCheck returns when the index was last crawled successfully.
func (s *Store) LastCheck(ctx context.Context) (time.Time, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM meta WHERE key = ?", metaLastCheck).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("read last check: %w", err)
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, false, nil
	}
	return t, true, nil
}

// SetLastCheck records t as the last successful crawl.
func (s *Store) SetLastCheck(ctx context.Context, t time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO meta (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		metaLastCheck, t.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("write last check: %w", err)
	}
	return nil
}

func (s *Store) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin catalog transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit catalog transaction: %w", err)
	}
	return nil
}

func replaceBucket(ctx context.Context, tx *sql.Tx, bucket string, ds []types.Descriptor) error {
	if _, err := tx.ExecContext(ctx, "INSERT OR IGNORE INTO buckets (bucket) VALUES (?)", bucket); err != nil {
		return fmt.Errorf("store bucket %s: %w", bucket, err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM files WHERE bucket = ?", bucket); err != nil {
		return fmt.Errorf("clear bucket %s: %w", bucket, err)
	}
	for i, d := range ds {
		var modified string
		if !d.LastModified.IsZero() {
			modified = d.LastModified.UTC().Format(time.RFC3339)
		}
		_, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO files (bucket, name, url, size, last_modified, position)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			bucket, d.FileName, d.URL, d.Size, modified, i)
		if err != nil {
			return fmt.Errorf("store %s/%s: %w", bucket, d.FileName, err)
		}
	}
	return nil
}

package catalog

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rfbdl/rfbdl/internal/log"
)

// DefaultRefreshInterval is how long a crawl stays fresh for automatic refreshes.
const DefaultRefreshInterval = time.Hour

// now is replaced in tests.
var now = time.Now

// RefreshResult describes one Refresh call.
type RefreshResult struct {
	Ran       bool
	CheckedAt time.Time
	Updated   []string // buckets rewritten by this crawl
}

// Refresh crawls the index and merges the result into store. Unless manual
// is set, it does nothing when the previous crawl is younger than interval.
func Refresh(ctx context.Context, c *Crawler, store *Store, manual bool, interval time.Duration) (*RefreshResult, error) {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}

	last, ok, err := store.LastCheck(ctx)
	if err != nil {
		return nil, err
	}
	if !manual && ok {
		if age := now().Sub(last); age < interval {
			log.Info("catalog").Dur("age", age).Dur("interval", interval).Msg("catalog is fresh, skipping refresh")
			return &RefreshResult{CheckedAt: last}, nil
		}
	}

	known, err := store.Buckets(ctx)
	if err != nil {
		return nil, err
	}
	found, err := c.Crawl(ctx, known)
	if err != nil {
		return nil, fmt.Errorf("crawl catalog: %w", err)
	}
	updated, err := store.Merge(ctx, found, c.Recent)
	if err != nil {
		return nil, err
	}

	checked := now()
	if err := store.SetLastCheck(ctx, checked); err != nil {
		return nil, err
	}
	log.Info("catalog").Strs("buckets", updated).Msg("catalog refreshed")
	return &RefreshResult{Ran: true, CheckedAt: checked, Updated: updated}, nil
}

// IsDownloaded reports whether <root>/<bucket>/<name> exists with exactly size bytes.
func IsDownloaded(root, bucket, name string, size int64) bool {
	if size <= 0 {
		return false
	}
	info, err := os.Stat(filepath.Join(root, bucket, name))
	return err == nil && info.Mode().IsRegular() && info.Size() == size
}

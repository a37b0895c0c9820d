package cmd

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/gofrs/flock"

	"github.com/rfbdl/rfbdl/internal/config"
)

// ErrAlreadyRunning is returned when another rfbdl process holds the instance lock.
var ErrAlreadyRunning = errors.New("another rfbdl download is already running")

// AcquireLock takes the per-user instance lock so two download sessions do
// not compete for the same catalog and download directory.
func AcquireLock() (*flock.Flock, error) {
	lock := flock.New(filepath.Join(config.GetAppDir(), "rfbdl.lock"))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire instance lock: %w", err)
	}
	if !locked {
		return nil, ErrAlreadyRunning
	}
	return lock, nil
}

// ReleaseLock drops a lock taken by AcquireLock.
func ReleaseLock(lock *flock.Flock) {
	if lock != nil {
		_ = lock.Unlock()
	}
}

package core

import (
	"context"

	"github.com/rfbdl/rfbdl/internal/engine/types"
)

// DownloadService defines the interface the presentation layer uses to
// drive the download engine. Views render from List snapshots and refresh
// on StreamEvents; they never touch tasks directly.
type DownloadService interface {
	// List returns a snapshot of every live task, in insertion order.
	List() ([]types.TaskStatus, error)

	// Add queues one archive. A file already complete on disk yields a
	// completed task that is not listed.
	Add(d types.Descriptor, force bool) (string, error)

	// Start runs every queued task in the background.
	Start(ctx context.Context) error

	// Wait blocks until the current run finishes.
	Wait() error

	// Running reports whether a run is in progress.
	Running() bool

	// CancelAll cancels every queued or downloading task.
	CancelAll() error

	// ClearCompleted drops finished tasks from the list.
	ClearCompleted() (int, error)

	// Retry requeues a failed task.
	Retry(id string) error

	// StreamEvents returns a channel that receives engine events.
	StreamEvents(ctx context.Context) (<-chan any, func(), error)

	// Shutdown cancels outstanding work, waits for it to stop and closes
	// every event stream.
	Shutdown() error
}

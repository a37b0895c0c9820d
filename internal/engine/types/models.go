package types

import "time"

// Status is the lifecycle state of a download task.
type Status int32

const (
	StatusQueued Status = iota
	StatusDownloading
	StatusCompleted
	StatusFailed
	StatusCancelled
)

// String returns a string representation of the status
func (s Status) String() string {
	switch s {
	case StatusQueued:
		return "queued"
	case StatusDownloading:
		return "downloading"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// IsTerminal reports whether no further automatic transition can leave s.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// IsRunnable reports whether a bulk start should pick up a task in state s.
func (s Status) IsRunnable() bool {
	return s == StatusQueued || s == StatusDownloading
}

// CanTransition reports whether from -> to is allowed by the task state machine.
// Failed -> Queued is only reachable through an explicit reset and is not
// accepted here.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusQueued:
		return to == StatusDownloading || to == StatusCancelled
	case StatusDownloading:
		return to == StatusDownloading || to.IsTerminal()
	default:
		return false
	}
}

// Descriptor is one remote archive as listed by the catalog.
type Descriptor struct {
	Bucket       string    `json:"bucket"`
	FileName     string    `json:"file_name"`
	URL          string    `json:"url"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"last_modified,omitzero"`
}

// TaskStatus is a point-in-time view of a task, used by the presentation layer
type TaskStatus struct {
	ID         string        `json:"id"`
	URL        string        `json:"url"`
	Bucket     string        `json:"bucket"`
	Filename   string        `json:"filename"`
	DestPath   string        `json:"dest_path"`
	TotalSize  int64         `json:"total_size"`
	Downloaded int64         `json:"downloaded"`
	Progress   float64       `json:"progress"` // Percentage 0-100
	Speed      float64       `json:"speed"`    // bytes per second
	ETA        time.Duration `json:"eta"`
	ETAKnown   bool          `json:"eta_known"`
	Status     Status        `json:"status"`
	Detail     string        `json:"detail,omitempty"`
	Error      string        `json:"error,omitempty"`
	Attempts   int           `json:"attempts"`
}

package download

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rfbdl/rfbdl/internal/engine/events"
	"github.com/rfbdl/rfbdl/internal/engine/types"
)

var (
	// ErrInvalidTransition is returned when a status change is not allowed
	// by the task state machine.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrTaskCancelled is returned when resetting a task whose cancellation was requested.
	ErrTaskCancelled = errors.New("task cancellation was requested")
)

// Task is the mutable state of one archive transfer.
type Task struct {
	id       string
	url      string
	destPath string
	bucket   string
	name     string
	declared int64 // size announced by the catalog

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.RWMutex
	expectedSize int64
	initialSize  int64
	downloaded   int64 // highest bytes-on-disk reported
	lastOnDisk   int64
	transferred  int64 // bytes received this session, across attempts
	status       types.Status
	detail       string
	errMsg       string
	attempts     int
	startTime    time.Time
	lastUpdate   time.Time

	bus     *events.Bus
	forward *events.Bus
	now     func() time.Time
}

// NewTask creates a queued task. expectedSize may be 0 when unknown.
func NewTask(url, destPath string, expectedSize int64, bucket, name string) *Task {
	ctx, cancel := context.WithCancel(context.Background())
	return &Task{
		id:           uuid.New().String(),
		url:          url,
		destPath:     destPath,
		bucket:       bucket,
		name:         name,
		declared:     expectedSize,
		ctx:          ctx,
		cancel:       cancel,
		expectedSize: expectedSize,
		status:       types.StatusQueued,
		bus:          events.NewBus(),
		now:          time.Now,
	}
}

func (t *Task) ID() string       { return t.id }
func (t *Task) URL() string      { return t.url }
func (t *Task) DestPath() string { return t.destPath }
func (t *Task) Bucket() string   { return t.bucket }
func (t *Task) Name() string     { return t.name }

// DeclaredSize is the size the task was created with.
func (t *Task) DeclaredSize() int64 { return t.declared }

// Context is done once cancellation has been requested.
func (t *Task) Context() context.Context { return t.ctx }

// Done is closed once cancellation has been requested.
func (t *Task) Done() <-chan struct{} { return t.ctx.Done() }

// Cancelled reports whether cancellation has been requested.
func (t *Task) Cancelled() bool { return t.ctx.Err() != nil }

// RequestCancel sets the cancellation signal. It is idempotent and never cleared.
func (t *Task) RequestCancel() { t.cancel() }

func (t *Task) Status() types.Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.status
}

func (t *Task) ExpectedSize() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.expectedSize
}

// SetExpectedSize refines the expected size from the server's content length.
func (t *Task) SetExpectedSize(n int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.expectedSize = n
}

func (t *Task) InitialSize() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.initialSize
}

// SetInitialSize records the bytes on disk at the start of the current attempt.
func (t *Task) SetInitialSize(n int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.initialSize = n
	t.lastOnDisk = n
}

func (t *Task) Downloaded() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.downloaded
}

// NextAttempt increments the attempt counter and returns the new value.
func (t *Task) NextAttempt() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.attempts++
	return t.attempts
}

func (t *Task) Attempts() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.attempts
}

// Error returns the failure message, empty unless the task failed.
func (t *Task) Error() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.errMsg
}

func (t *Task) Detail() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.detail
}

// RecordProgress stores the bytes on disk and emits a progress event.
// A value below the highest one seen updates speed bookkeeping only.
func (t *Task) RecordProgress(onDisk int64) {
	t.mu.Lock()
	now := t.now()
	if onDisk > t.lastOnDisk {
		t.transferred += onDisk - t.lastOnDisk
	}
	t.lastOnDisk = onDisk
	t.lastUpdate = now
	if onDisk < t.downloaded {
		t.mu.Unlock()
		return
	}
	t.downloaded = onDisk
	msg := t.progressLocked(now)
	t.mu.Unlock()

	t.publish(msg)
}

func (t *Task) progressLocked(now time.Time) events.ProgressMsg {
	msg := events.ProgressMsg{
		TaskID:     t.id,
		Name:       t.name,
		Downloaded: t.downloaded,
		Total:      t.expectedSize,
	}
	if t.expectedSize > 0 {
		msg.Percent = min(100, float64(t.downloaded)*100/float64(t.expectedSize))
	}
	if !t.startTime.IsZero() {
		if elapsed := now.Sub(t.startTime).Seconds(); elapsed > 0 {
			msg.Speed = float64(t.transferred) / elapsed
		}
	}
	if msg.Speed > 0 && t.expectedSize > 0 {
		remaining := max(0, t.expectedSize-t.downloaded)
		msg.ETA = time.Duration(float64(remaining) / msg.Speed * float64(time.Second))
		msg.ETAKnown = true
	}
	return msg
}

// SetStatus moves the task to status. err is recorded when failing.
func (t *Task) SetStatus(status types.Status, err error) error {
	t.mu.Lock()
	from := t.status
	if !types.CanTransition(from, status) {
		t.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, status)
	}

	now := t.now()
	if status == types.StatusDownloading && t.startTime.IsZero() {
		t.startTime = now
	}
	t.status = status
	t.lastUpdate = now
	if status == types.StatusFailed {
		t.errMsg = "unknown error"
		if err != nil {
			t.errMsg = err.Error()
		}
	}
	msg := t.statusLocked()
	t.mu.Unlock()

	t.publish(msg)
	return nil
}

// SetDetail changes the detail text of a downloading task and emits a status event.
func (t *Task) SetDetail(detail string) {
	t.mu.Lock()
	if t.status != types.StatusDownloading {
		t.mu.Unlock()
		return
	}
	t.detail = detail
	t.lastUpdate = t.now()
	msg := t.statusLocked()
	t.mu.Unlock()

	t.publish(msg)
}

func (t *Task) statusLocked() events.StatusMsg {
	return events.StatusMsg{
		TaskID: t.id,
		Name:   t.name,
		Status: t.status,
		Detail: t.detail,
		Err:    t.errMsg,
	}
}

// Reset moves a failed task back to Queued with a fresh attempt budget.
func (t *Task) Reset() error {
	if t.Cancelled() {
		return ErrTaskCancelled
	}

	t.mu.Lock()
	if t.status != types.StatusFailed {
		from := t.status
		t.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, types.StatusQueued)
	}
	t.status = types.StatusQueued
	t.errMsg = ""
	t.detail = ""
	t.attempts = 0
	t.lastUpdate = t.now()
	msg := t.statusLocked()
	t.mu.Unlock()

	t.publish(msg)
	return nil
}

// markCompleted makes a freshly created task Completed without a transfer.
func (t *Task) markCompleted(size int64) {
	t.mu.Lock()
	t.status = types.StatusCompleted
	t.expectedSize = size
	t.initialSize = size
	t.downloaded = size
	t.lastOnDisk = size
	t.lastUpdate = t.now()
	t.mu.Unlock()
}

// Subscribe returns this task's event stream.
func (t *Task) Subscribe(buf int) (<-chan any, func()) {
	return t.bus.Subscribe(buf)
}

func (t *Task) setForward(b *events.Bus) {
	t.mu.Lock()
	t.forward = b
	t.mu.Unlock()
}

func (t *Task) publish(msg any) {
	t.bus.Publish(msg)
	t.mu.RLock()
	fwd := t.forward
	t.mu.RUnlock()
	if fwd != nil {
		fwd.Publish(msg)
	}
}

// Snapshot returns a consistent copy of the task state.
func (t *Task) Snapshot() types.TaskStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p := t.progressLocked(t.now())
	if t.status.IsTerminal() {
		p.Speed, p.ETA, p.ETAKnown = 0, 0, false
	}
	return types.TaskStatus{
		ID:         t.id,
		URL:        t.url,
		Bucket:     t.bucket,
		Filename:   t.name,
		DestPath:   t.destPath,
		TotalSize:  t.expectedSize,
		Downloaded: t.downloaded,
		Progress:   p.Percent,
		Speed:      p.Speed,
		ETA:        p.ETA,
		ETAKnown:   p.ETAKnown,
		Status:     t.status,
		Detail:     t.detail,
		Error:      t.errMsg,
		Attempts:   t.attempts,
	}
}

package download

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/rfbdl/rfbdl/internal/engine/events"
	"github.com/rfbdl/rfbdl/internal/engine/retry"
	"github.com/rfbdl/rfbdl/internal/engine/transfer"
	"github.com/rfbdl/rfbdl/internal/engine/types"
	"github.com/rfbdl/rfbdl/internal/log"
)

var (
	// ErrAlreadyRunning is returned by StartAll while a previous call is in progress.
	ErrAlreadyRunning = errors.New("downloads already running")
	// ErrTaskNotFound is returned when an id does not name a live task.
	ErrTaskNotFound = errors.New("task not found")
)

// Runner drives one task to a terminal state.
type Runner interface {
	Run(ctx context.Context, t transfer.Task)
}

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	DownloadDir   string
	MaxConcurrent int
	Runtime       *types.RuntimeConfig
}

// Option customizes a Manager.
type Option func(*Manager)

// WithHTTPClient sets the client used by the default executor.
func WithHTTPClient(c *http.Client) Option {
	return func(m *Manager) { m.client = c }
}

// WithRetryPolicy sets the retry policy used by the default executor.
func WithRetryPolicy(p *retry.Policy) Option {
	return func(m *Manager) { m.policy = p }
}

// WithExecutor replaces the executor entirely.
func WithExecutor(r Runner) Option {
	return func(m *Manager) { m.runner = r }
}

// weightedGate adapts a weighted semaphore to transfer.Gate.
type weightedGate struct {
	sem *semaphore.Weighted
}

func (g weightedGate) Acquire(ctx context.Context) error { return g.sem.Acquire(ctx, 1) }
func (g weightedGate) Release()                          { g.sem.Release(1) }

// Manager owns the live task collection and runs transfers under a
// fixed concurrency bound.
type Manager struct {
	cfg    ManagerConfig
	client *http.Client
	policy *retry.Policy
	runner Runner
	gate   weightedGate
	bus    *events.Bus

	mu      sync.Mutex
	tasks   []*Task // insertion order
	byPath  map[string]*Task
	known   map[string]map[string]struct{}
	running bool
	active  map[*Task]struct{} // tasks owned by the current StartAll
}

// NewManager creates a manager. Zero config values fall back to defaults.
func NewManager(cfg ManagerConfig, opts ...Option) *Manager {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = cfg.Runtime.GetMaxConcurrent()
	}

	m := &Manager{
		cfg:    cfg,
		gate:   weightedGate{sem: semaphore.NewWeighted(int64(cfg.MaxConcurrent))},
		bus:    events.NewBus(),
		byPath: make(map[string]*Task),
		known:  make(map[string]map[string]struct{}),
		active: make(map[*Task]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.runner == nil {
		m.runner = transfer.New(m.client, m.gate, m.policy, cfg.Runtime)
	}
	return m
}

// DownloadDir returns the root directory tasks are written under.
func (m *Manager) DownloadDir() string { return m.cfg.DownloadDir }

// MaxConcurrent returns the concurrency bound.
func (m *Manager) MaxConcurrent() int { return m.cfg.MaxConcurrent }

// AddTask enqueues rawURL for download to <DownloadDir>/<bucket>/<name>.
//
// Unless force is set, a file already on disk with exactly expectedSize
// bytes yields a Completed task that is not added to the live set. A live
// task for the same destination is returned as-is. With force, any
// existing file is removed so the transfer starts fresh.
func (m *Manager) AddTask(rawURL, bucket, name string, expectedSize int64, force bool) (*Task, error) {
	if name == "" {
		name = nameFromURL(rawURL)
	}
	if name == "" || name == "." || name == "/" {
		return nil, fmt.Errorf("cannot determine file name for %q", rawURL)
	}

	dir := filepath.Join(m.cfg.DownloadDir, bucket)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create bucket directory: %w", err)
	}
	dest := filepath.Join(dir, name)

	m.mu.Lock()
	defer m.mu.Unlock()

	m.rememberLocked(bucket, name)

	if existing := m.byPath[dest]; existing != nil && !existing.Status().IsTerminal() {
		return existing, nil
	}

	t := NewTask(rawURL, dest, expectedSize, bucket, name)

	if force {
		if err := os.Remove(dest); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("remove existing file: %w", err)
		}
	} else if expectedSize > 0 {
		if info, err := os.Stat(dest); err == nil && info.Size() == expectedSize {
			t.markCompleted(expectedSize)
			log.Debug("manager").Str("file", dest).Msg("already downloaded")
			return t, nil
		}
	}

	if old := m.byPath[dest]; old != nil {
		m.removeLocked(old)
	}
	t.setForward(m.bus)
	m.tasks = append(m.tasks, t)
	m.byPath[dest] = t

	m.bus.Publish(events.TaskAddedMsg{TaskID: t.ID(), Bucket: bucket, Name: name, Status: t.Status()})
	return t, nil
}

// AddDescriptors enqueues every descriptor. It stops at the first error and
// returns the tasks created so far.
func (m *Manager) AddDescriptors(ds []types.Descriptor, force bool) ([]*Task, error) {
	out := make([]*Task, 0, len(ds))
	for _, d := range ds {
		t, err := m.AddTask(d.URL, d.Bucket, d.FileName, d.Size, force)
		if err != nil {
			return out, fmt.Errorf("%s/%s: %w", d.Bucket, d.FileName, err)
		}
		out = append(out, t)
	}
	return out, nil
}

// StartAll runs every Queued or Downloading task and waits for all of them
// to reach a terminal state. Tasks added meanwhile wait for the next call.
// Individual failures are recorded on the tasks, not returned.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return ErrAlreadyRunning
	}
	m.running = true
	var runnable []*Task
	for _, t := range m.tasks {
		if t.Status().IsRunnable() {
			runnable = append(runnable, t)
			m.active[t] = struct{}{}
		}
	}
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.running = false
		clear(m.active)
		m.mu.Unlock()
	}()

	log.Info("manager").Int("tasks", len(runnable)).Int("max_concurrent", m.cfg.MaxConcurrent).Msg("starting downloads")

	var g errgroup.Group
	for _, t := range runnable {
		g.Go(func() error {
			m.runner.Run(ctx, t)
			return nil
		})
	}
	return g.Wait()
}

// CancelAll requests cancellation of every Queued or Downloading task and
// returns without waiting. Queued tasks outside a running StartAll are
// settled as Cancelled before the lock is released, so a concurrent
// StartAll cannot claim them.
func (m *Manager) CancelAll() {
	m.mu.Lock()
	var owned, settled []*Task
	for _, t := range m.tasks {
		if !t.Status().IsRunnable() {
			continue
		}
		t.RequestCancel()
		if _, ok := m.active[t]; ok {
			owned = append(owned, t)
			continue
		}
		if err := t.SetStatus(types.StatusCancelled, nil); err == nil {
			settled = append(settled, t)
		}
	}
	m.mu.Unlock()

	for _, t := range settled {
		if err := os.Remove(t.DestPath()); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Warn("manager").Err(err).Str("path", t.DestPath()).Msg("failed to remove partial file")
		}
	}
	log.Info("manager").Int("running", len(owned)).Int("queued", len(settled)).Msg("cancel requested")
}

// Close ends every event subscription. Tasks keep their state.
func (m *Manager) Close() {
	m.bus.Close()
}

// ClearCompleted drops terminal tasks from the live set and returns how
// many were removed. Files on disk are untouched.
func (m *Manager) ClearCompleted() int {
	m.mu.Lock()
	var removed []string
	kept := m.tasks[:0]
	for _, t := range m.tasks {
		if t.Status().IsTerminal() {
			removed = append(removed, t.ID())
			if m.byPath[t.DestPath()] == t {
				delete(m.byPath, t.DestPath())
			}
			continue
		}
		kept = append(kept, t)
	}
	clear(m.tasks[len(kept):])
	m.tasks = kept
	m.mu.Unlock()

	if len(removed) > 0 {
		m.bus.Publish(events.TasksClearedMsg{TaskIDs: removed})
	}
	return len(removed)
}

// Retry resets a failed task to Queued. It runs on the next StartAll.
func (m *Manager) Retry(id string) error {
	t, ok := m.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return t.Reset()
}

// Get returns the live task with the given id.
func (m *Manager) Get(id string) (*Task, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tasks {
		if t.ID() == id {
			return t, true
		}
	}
	return nil, false
}

// Tasks returns the live tasks in insertion order.
func (m *Manager) Tasks() []*Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Task, len(m.tasks))
	copy(out, m.tasks)
	return out
}

// Snapshots returns a point-in-time view of every live task.
func (m *Manager) Snapshots() []types.TaskStatus {
	tasks := m.Tasks()
	out := make([]types.TaskStatus, len(tasks))
	for i, t := range tasks {
		out[i] = t.Snapshot()
	}
	return out
}

// Running reports whether a StartAll is in progress.
func (m *Manager) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Known returns the file names ever enqueued for bucket, sorted.
func (m *Manager) Known(bucket string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.known[bucket]))
	for name := range m.known[bucket] {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Subscribe returns the combined event stream of every task.
func (m *Manager) Subscribe(buf int) (<-chan any, func()) {
	return m.bus.Subscribe(buf)
}

func (m *Manager) rememberLocked(bucket, name string) {
	set, ok := m.known[bucket]
	if !ok {
		set = make(map[string]struct{})
		m.known[bucket] = set
	}
	set[name] = struct{}{}
}

func (m *Manager) removeLocked(t *Task) {
	for i, cur := range m.tasks {
		if cur == t {
			m.tasks = append(m.tasks[:i], m.tasks[i+1:]...)
			break
		}
	}
	delete(m.byPath, t.DestPath())
}

func nameFromURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return path.Base(u.Path)
}

package tui

import (
	"context"
	"errors"
	"time"

	"github.com/atotto/clipboard"
	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/rfbdl/rfbdl/internal/core"
	"github.com/rfbdl/rfbdl/internal/engine/types"
	"github.com/rfbdl/rfbdl/internal/log"
)

// TaskRow is the view state of one task.
type TaskRow struct {
	Status   types.TaskStatus
	progress progress.Model
}

func newTaskRow(s types.TaskStatus) *TaskRow {
	return &TaskRow{
		Status:   s,
		progress: progress.New(progress.WithDefaultGradient(), progress.WithoutPercentage()),
	}
}

// Options tune the dashboard.
type Options struct {
	// ExitWhenDone quits once no task is queued or downloading.
	ExitWhenDone bool
}

type RootModel struct {
	service core.DownloadService
	ctx     context.Context
	opts    Options

	events <-chan any
	stop   func()

	rows  []*TaskRow
	index map[string]int // task id -> position in rows

	SpeedHistory []float64 // aggregate MB/s per tick

	cursor       int
	width        int
	height       int
	notification string
	quitting     bool

	copyToClipboard func(string) error
}

type tickMsg struct{}

// eventsClosedMsg is sent when the event stream ends.
type eventsClosedMsg struct{}

// NewRootModel subscribes to svc and builds the initial rows from its snapshot.
func NewRootModel(ctx context.Context, svc core.DownloadService, opts Options) (RootModel, error) {
	ch, stop, err := svc.StreamEvents(ctx)
	if err != nil {
		return RootModel{}, err
	}
	m := RootModel{
		service:         svc,
		ctx:             ctx,
		opts:            opts,
		events:          ch,
		stop:            stop,
		index:           make(map[string]int),
		copyToClipboard: clipboard.WriteAll,
	}
	m.reconcile()
	return m, nil
}

// Close ends the event subscription.
func (m RootModel) Close() {
	if m.stop != nil {
		m.stop()
	}
}

func (m RootModel) Init() tea.Cmd {
	return tea.Batch(listenForActivity(m.events), tick())
}

func listenForActivity(sub <-chan any) tea.Cmd {
	return func() tea.Msg {
		msg, ok := <-sub
		if !ok {
			return eventsClosedMsg{}
		}
		return msg
	}
}

func tick() tea.Cmd {
	return tea.Tick(TickInterval, func(time.Time) tea.Msg { return tickMsg{} })
}

// reconcile rebuilds the rows from a fresh snapshot. Events can be dropped
// when a buffer is full, so the snapshot is the source of truth.
func (m *RootModel) reconcile() {
	list, err := m.service.List()
	if err != nil {
		log.Warn("tui").Err(err).Msg("cannot list tasks")
		return
	}
	rows := make([]*TaskRow, 0, len(list))
	index := make(map[string]int, len(list))
	for _, s := range list {
		row, ok := m.row(s.ID)
		if ok {
			row.Status = s
		} else {
			row = newTaskRow(s)
		}
		index[s.ID] = len(rows)
		rows = append(rows, row)
	}
	m.rows = rows
	m.index = index
	if m.cursor >= len(rows) {
		m.cursor = max(0, len(rows)-1)
	}
}

func (m *RootModel) row(id string) (*TaskRow, bool) {
	i, ok := m.index[id]
	if !ok || i >= len(m.rows) {
		return nil, false
	}
	return m.rows[i], true
}

// Selected returns the row under the cursor.
func (m RootModel) Selected() *TaskRow {
	if m.cursor < 0 || m.cursor >= len(m.rows) {
		return nil
	}
	return m.rows[m.cursor]
}

// Rows returns the current rows in display order.
func (m RootModel) Rows() []*TaskRow { return m.rows }

// Stats counts rows per state.
func (m RootModel) Stats() (queued, active, completed, failed, cancelled int) {
	for _, r := range m.rows {
		switch r.Status.Status {
		case types.StatusQueued:
			queued++
		case types.StatusDownloading:
			active++
		case types.StatusCompleted:
			completed++
		case types.StatusFailed:
			failed++
		case types.StatusCancelled:
			cancelled++
		}
	}
	return
}

func (m RootModel) totalSpeed() float64 {
	total := 0.0
	for _, r := range m.rows {
		if r.Status.Status == types.StatusDownloading {
			total += r.Status.Speed
		}
	}
	return total
}

func (m RootModel) pending() bool {
	for _, r := range m.rows {
		if r.Status.Status.IsRunnable() {
			return true
		}
	}
	return false
}

// Run shows the dashboard until the user quits or ctx is done.
func Run(ctx context.Context, svc core.DownloadService, opts Options) error {
	ConfigureColors()
	m, err := NewRootModel(ctx, svc, opts)
	if err != nil {
		return err
	}
	defer m.Close()

	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx))
	if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return err
	}
	return nil
}

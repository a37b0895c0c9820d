package tui

import (
	"errors"
	"fmt"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/rfbdl/rfbdl/internal/download"
	"github.com/rfbdl/rfbdl/internal/engine/events"
	"github.com/rfbdl/rfbdl/internal/engine/types"
	"github.com/rfbdl/rfbdl/internal/log"
)

// Update handles messages and updates the model
func (m RootModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case events.ProgressMsg:
		if row, ok := m.row(msg.TaskID); ok {
			s := &row.Status
			if msg.Downloaded >= s.Downloaded {
				s.Downloaded = msg.Downloaded
				s.TotalSize = msg.Total
				s.Progress = msg.Percent
				s.Speed = msg.Speed
				s.ETA = msg.ETA
				s.ETAKnown = msg.ETAKnown
			}
		} else {
			m.reconcile()
		}
		return m, listenForActivity(m.events)

	case events.StatusMsg:
		if row, ok := m.row(msg.TaskID); ok {
			row.Status.Status = msg.Status
			row.Status.Detail = msg.Detail
			row.Status.Error = msg.Err
			if msg.Status.IsTerminal() {
				row.Status.Speed = 0
				row.Status.ETAKnown = false
			}
		} else {
			m.reconcile()
		}
		return m, listenForActivity(m.events)

	case events.TaskAddedMsg, events.TasksClearedMsg:
		m.reconcile()
		return m, listenForActivity(m.events)

	case eventsClosedMsg:
		return m, nil

	case tickMsg:
		return m.onTick()

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tea.KeyMsg:
		return m.onKey(msg)
	}

	return m, nil
}

func (m RootModel) onTick() (tea.Model, tea.Cmd) {
	m.reconcile()

	m.SpeedHistory = append(m.SpeedHistory, m.totalSpeed()/Megabyte)
	if len(m.SpeedHistory) > SpeedHistoryLen {
		m.SpeedHistory = m.SpeedHistory[len(m.SpeedHistory)-SpeedHistoryLen:]
	}

	running := m.service.Running()
	switch {
	case m.quitting && !running:
		return m, tea.Quit
	case m.quitting:
	case !running && m.pending():
		// Retried tasks wait for a new run.
		if err := m.service.Start(m.ctx); err != nil && !errors.Is(err, download.ErrAlreadyRunning) {
			log.Warn("tui").Err(err).Msg("cannot start queued tasks")
		}
	case !running && m.opts.ExitWhenDone:
		return m, tea.Quit
	}
	return m, tick()
}

func (m RootModel) onKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		if m.quitting || (!m.service.Running() && !m.pending()) {
			return m, tea.Quit
		}
		if err := m.service.CancelAll(); err != nil {
			m.notification = fmt.Sprintf("cancel failed: %v", err)
			return m, nil
		}
		m.quitting = true
		m.notification = "Cancelling downloads... press q again to quit now"
		return m, nil

	case "up", "k":
		if m.cursor > 0 {
			m.cursor--
		}

	case "down", "j":
		if m.cursor < len(m.rows)-1 {
			m.cursor++
		}

	case "x":
		n, err := m.service.ClearCompleted()
		if err != nil {
			m.notification = fmt.Sprintf("clear failed: %v", err)
			return m, nil
		}
		m.reconcile()
		m.notification = fmt.Sprintf("Cleared %d finished task(s)", n)

	case "c":
		row := m.Selected()
		if row == nil {
			return m, nil
		}
		if err := m.copyToClipboard(row.Status.DestPath); err != nil {
			m.notification = fmt.Sprintf("copy failed: %v", err)
			return m, nil
		}
		m.notification = "Copied " + row.Status.DestPath

	case "r":
		row := m.Selected()
		if row == nil || row.Status.Status != types.StatusFailed {
			return m, nil
		}
		if err := m.service.Retry(row.Status.ID); err != nil {
			m.notification = fmt.Sprintf("retry failed: %v", err)
			return m, nil
		}
		m.reconcile()
		m.notification = "Requeued " + row.Status.Filename
		if m.service.Running() {
			m.notification += " (starts after the current run)"
		}
	}
	return m, nil
}

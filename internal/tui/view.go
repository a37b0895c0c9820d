package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/rfbdl/rfbdl/internal/engine/types"
	"github.com/rfbdl/rfbdl/internal/utils"
)

func (m RootModel) View() string {
	if m.width == 0 {
		return "Loading..."
	}
	width := max(m.width, MinWidth)

	queued, active, completed, failed, cancelled := m.Stats()
	header := HeaderStyle.Width(width - 2).Render(
		fmt.Sprintf("CNPJ open data  %s  %s",
			StatsStyle.Render(fmt.Sprintf("queued %d  active %d  done %d  failed %d  cancelled %d",
				queued, active, completed, failed, cancelled)),
			StatsStyle.Render(utils.FormatSpeed(m.totalSpeed())),
		))

	graph := m.renderGraph(width)

	var lines []string
	if len(m.rows) == 0 {
		lines = append(lines, StatsStyle.Render("No downloads"))
	}
	for i, r := range m.rows {
		lines = append(lines, renderRow(r, width-4, i == m.cursor))
	}
	list := renderBtopBox("Downloads", strings.Join(lines, "\n"), width, m.listHeight(), ColorSecondary, true)

	footer := FooterStyle.Render("[↑/↓] Select  [C] Copy path  [R] Retry  [X] Clear finished  [Q] Quit")
	if m.notification != "" {
		footer = NotificationStyle.Render(m.notification)
	}

	return AppStyle.Render(lipgloss.JoinVertical(lipgloss.Left, header, graph, list, footer))
}

func (m RootModel) listHeight() int {
	// header (2) + graph box + footer (1) + margins
	h := m.height - (GraphHeight + 2) - 5
	return max(h, 2*len(m.rows)+2, 4)
}

func (m RootModel) renderGraph(width int) string {
	maxSpeed := 1.0
	for _, v := range m.SpeedHistory {
		maxSpeed = max(maxSpeed, v)
	}
	maxSpeed *= 1.1

	axisWidth := 6
	axis := lipgloss.NewStyle().Width(axisWidth).Foreground(ColorSubtext).Align(lipgloss.Right)
	spaces := max(GraphHeight-2, 0)
	axisColumn := lipgloss.JoinVertical(lipgloss.Right,
		axis.Render(fmt.Sprintf("%.0f", maxSpeed)),
		strings.Repeat("\n", spaces),
		axis.Render("0"),
	)
	graph := renderMultiLineGraph(m.SpeedHistory, max(width-axisWidth-5, 10), GraphHeight, maxSpeed, ColorSecondary)
	content := lipgloss.JoinHorizontal(lipgloss.Top, axisColumn, lipgloss.NewStyle().MarginLeft(1).Render(graph))
	return renderBtopBox("Network Activity (MB/s)", content, width, GraphHeight+2, ColorCyan, false)
}

// renderRow draws two lines: name, bar and numbers, then status detail.
func renderRow(r *TaskRow, width int, selected bool) string {
	s := r.Status

	nameStyle := ItemStyle
	marker := "  "
	if selected {
		nameStyle = SelectedItemStyle
		marker = "> "
	}
	name := nameStyle.Width(NameColumnWidth).Render(truncateString(s.Bucket+"/"+s.Filename, NameColumnWidth-1))

	numbers := fmt.Sprintf("%5.1f%%  %s / %s  %s  ETA %s",
		s.Progress,
		utils.FormatBytes(s.Downloaded),
		totalLabel(s.TotalSize),
		utils.FormatSpeed(s.Speed),
		utils.FormatETA(s.ETA, s.ETAKnown),
	)

	barWidth := width - NameColumnWidth - lipgloss.Width(numbers) - 6
	r.progress.Width = max(barWidth, 10)
	bar := r.progress.ViewAs(s.Progress / 100)

	first := marker + name + " " + bar + " " + numbers

	label := statusLabel(s.Status)
	second := "    " + label
	switch {
	case s.Error != "":
		second += " " + ErrorTextStyle.Render(truncateString(s.Error, width-20))
	case s.Detail != "" && s.Status == types.StatusDownloading:
		second += " " + DetailStyle.Render(s.Detail)
	}
	return first + "\n" + second
}

func statusLabel(s types.Status) string {
	style, ok := statusStyles[s.String()]
	if !ok {
		style = ItemStyle
	}
	return style.Render(s.String())
}

func totalLabel(n int64) string {
	if n <= 0 {
		return "?"
	}
	return utils.FormatBytes(n)
}

func truncateString(s string, i int) string {
	runes := []rune(s)
	if i > 0 && len(runes) > i {
		return string(runes[:i]) + "..."
	}
	return s
}

// renderBtopBox creates a btop-style box with title embedded in the top border
// titleRight: if true, title appears on the right side; if false, title appears on the left
// Example (left):  ╭─ TITLE ─────────────────────────────────╮
// Example (right): ╭─────────────────────────────────── TITLE ─╮
func renderBtopBox(title string, content string, width, height int, borderColor lipgloss.Color, titleRight bool) string {
	const (
		topLeft     = "╭"
		topRight    = "╮"
		bottomLeft  = "╰"
		bottomRight = "╯"
		horizontal  = "─"
		vertical    = "│"
	)

	innerWidth := max(width-2, 1)

	titleText := fmt.Sprintf(" %s ", title)
	remainingWidth := max(innerWidth-lipgloss.Width(titleText)-1, 0)

	border := lipgloss.NewStyle().Foreground(borderColor)
	titleStyle := lipgloss.NewStyle().Foreground(ColorCyan).Bold(true)

	var topBorder string
	if titleRight {
		topBorder = border.Render(topLeft+strings.Repeat(horizontal, remainingWidth)) +
			titleStyle.Render(titleText) +
			border.Render(horizontal+topRight)
	} else {
		topBorder = border.Render(topLeft+horizontal) +
			titleStyle.Render(titleText) +
			border.Render(strings.Repeat(horizontal, remainingWidth)+topRight)
	}
	bottomBorder := border.Render(bottomLeft + strings.Repeat(horizontal, innerWidth) + bottomRight)

	contentLines := strings.Split(content, "\n")
	innerHeight := max(height-2, 1)

	wrapped := make([]string, 0, innerHeight)
	for i := 0; i < innerHeight; i++ {
		line := ""
		if i < len(contentLines) {
			line = contentLines[i]
		}
		if w := lipgloss.Width(line); w < innerWidth {
			line += strings.Repeat(" ", innerWidth-w)
		} else if w > innerWidth {
			line = lipgloss.NewStyle().MaxWidth(innerWidth).Render(line)
		}
		wrapped = append(wrapped, border.Render(vertical)+line+border.Render(vertical))
	}

	return lipgloss.JoinVertical(lipgloss.Left,
		topBorder,
		strings.Join(wrapped, "\n"),
		bottomBorder,
	)
}

package tui

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// blocks are the eighth-height bar glyphs, empty first.
var blocks = []string{" ", "▁", "▂", "▃", "▄", "▅", "▆", "▇", "█"}

// renderMultiLineGraph draws data as right-aligned vertical bars over a
// dashed grid. Values are scaled against maxVal and clamped to the height.
func renderMultiLineGraph(data []float64, width, height int, maxVal float64, color lipgloss.Color) string {
	if width < 1 || height < 1 {
		return ""
	}
	if maxVal <= 0 {
		maxVal = 1
	}

	grid := lipgloss.NewStyle().Foreground(ColorBorder).Render("╌")
	barStyle := lipgloss.NewStyle().Foreground(color)

	rows := make([][]string, height)
	for i := range rows {
		rows[i] = make([]string, width)
		for j := range rows[i] {
			if i%2 == 0 {
				rows[i][j] = grid
			} else {
				rows[i][j] = " "
			}
		}
	}

	visible := data
	if len(visible) > width {
		visible = visible[len(visible)-width:]
	}
	offset := width - len(visible)

	for x, val := range visible {
		pct := min(max(val, 0)/maxVal, 1.0)
		eighths := int(pct * float64(height) * 8)
		for y := 0; y < height && eighths > 0; y++ {
			n := min(eighths, 8)
			rows[height-1-y][offset+x] = barStyle.Render(blocks[n])
			eighths -= n
		}
	}

	lines := make([]string, height)
	for i, row := range rows {
		lines[i] = strings.Join(row, "")
	}
	return strings.Join(lines, "\n")
}

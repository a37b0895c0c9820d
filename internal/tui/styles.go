package tui

import (
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

var (
	// Colors
	ColorPrimary   = lipgloss.Color("#bd93f9") // Dracula Purple
	ColorSecondary = lipgloss.Color("#ff79c6") // Dracula Pink
	ColorSuccess   = lipgloss.Color("#50fa7b") // Dracula Green
	ColorError     = lipgloss.Color("#ff5555") // Dracula Red
	ColorWarning   = lipgloss.Color("#ffb86c") // Dracula Orange
	ColorCyan      = lipgloss.Color("#8be9fd") // Dracula Cyan
	ColorText      = lipgloss.Color("#f8f8f2") // Dracula Foreground
	ColorSubtext   = lipgloss.Color("#6272a4") // Dracula Comment
	ColorBorder    = lipgloss.Color("#44475a") // Dracula Selection

	AppStyle = lipgloss.NewStyle().
			Padding(DefaultPaddingY, DefaultPaddingX).
			Foreground(ColorText)

	HeaderStyle = lipgloss.NewStyle().
			Foreground(ColorText).
			Bold(true).
			Padding(DefaultPaddingY, DefaultPaddingX).
			BorderStyle(lipgloss.NormalBorder()).
			BorderForeground(ColorPrimary).
			BorderBottom(true)

	StatsStyle = lipgloss.NewStyle().
			Foreground(ColorSubtext).
			Padding(DefaultPaddingY, DefaultPaddingX)

	ItemStyle = lipgloss.NewStyle().
			Foreground(ColorText)

	SelectedItemStyle = lipgloss.NewStyle().
				Foreground(ColorSecondary).
				Bold(true)

	DetailStyle = lipgloss.NewStyle().
			Foreground(ColorSubtext).
			Italic(true)

	ErrorTextStyle = lipgloss.NewStyle().
			Foreground(ColorError)

	NotificationStyle = lipgloss.NewStyle().
				Foreground(ColorWarning).
				Bold(true)

	FooterStyle = lipgloss.NewStyle().
			Foreground(ColorSubtext).
			Padding(DefaultPaddingY, DefaultPaddingX)
)

// statusStyles colors the status label of each row
var statusStyles = map[string]lipgloss.Style{
	"queued":      lipgloss.NewStyle().Foreground(ColorSubtext),
	"downloading": lipgloss.NewStyle().Foreground(ColorCyan),
	"completed":   lipgloss.NewStyle().Foreground(ColorSuccess),
	"failed":      lipgloss.NewStyle().Foreground(ColorError),
	"cancelled":   lipgloss.NewStyle().Foreground(ColorWarning),
}

// ConfigureColors picks the renderer's color profile. NO_COLOR disables
// styling entirely.
func ConfigureColors() {
	if _, ok := os.LookupEnv("NO_COLOR"); ok {
		lipgloss.SetColorProfile(termenv.Ascii)
		return
	}
	lipgloss.SetColorProfile(termenv.EnvColorProfile())
}

package tui

import "time"

const (
	// Timeouts and Intervals
	TickInterval = 500 * time.Millisecond

	// Layout Offsets and Padding
	DefaultPaddingX = 1
	DefaultPaddingY = 0
	MinWidth        = 60
	NameColumnWidth = 28
	GraphHeight     = 6

	// SpeedHistoryLen is how many ticks of aggregate speed the graph keeps
	SpeedHistoryLen = 120

	// Units
	Megabyte = 1024.0 * 1024.0
)

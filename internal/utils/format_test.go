package utils

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "0 B", FormatBytes(0))
	assert.Equal(t, "0 B", FormatBytes(-5))
	assert.Equal(t, "1.0 KiB", FormatBytes(1024))
	assert.Equal(t, "10 MiB", FormatBytes(10*1024*1024))
}

func TestFormatSpeed(t *testing.T) {
	assert.Equal(t, "-", FormatSpeed(0))
	assert.Equal(t, "-", FormatSpeed(math.NaN()))
	assert.Equal(t, "-", FormatSpeed(math.Inf(1)))
	assert.Equal(t, "2.0 MiB/s", FormatSpeed(2*1024*1024))
}

func TestFormatETA(t *testing.T) {
	assert.Equal(t, "--:--", FormatETA(time.Minute, false))
	assert.Equal(t, "00:00", FormatETA(0, true))
	assert.Equal(t, "01:05", FormatETA(65*time.Second, true))
	assert.Equal(t, "2:00:09", FormatETA(2*time.Hour+9*time.Second, true))
	assert.Equal(t, "00:02", FormatETA(1600*time.Millisecond, true))
}

func TestFormatTime(t *testing.T) {
	assert.Equal(t, "never", FormatTime(time.Time{}))
	assert.Contains(t, FormatTime(time.Now().Add(-3*time.Hour)), "hours ago")
}

package log

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	mu  sync.RWMutex
	log zerolog.Logger
)

// LogLevel represents the logging level
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
	LevelNone  LogLevel = "none"
)

// LevelEnv selects the level when no explicit level is configured.
const LevelEnv = "RFBDL_LOG_LEVEL"

// FilePrefix names log files created by OpenFile.
const FilePrefix = "rfbdl-"

func init() {
	zerolog.TimeFieldFormat = time.RFC3339
	Configure(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}, envLevel())
}

// envLevel determines the log level from environment
func envLevel() LogLevel {
	if lvl := os.Getenv(LevelEnv); lvl != "" {
		return LogLevel(strings.ToLower(lvl))
	}
	return LevelInfo
}

// ParseLevel maps a settings value to a LogLevel. The environment wins
// over the settings file, and unknown values mean info.
func ParseLevel(s string) LogLevel {
	if os.Getenv(LevelEnv) != "" {
		return envLevel()
	}
	switch lvl := LogLevel(strings.ToLower(strings.TrimSpace(s))); lvl {
	case LevelDebug, LevelInfo, LevelWarn, LevelError, LevelNone:
		return lvl
	}
	return LevelInfo
}

// Configure replaces the output and level of the package logger.
func Configure(w io.Writer, level LogLevel) {
	mu.Lock()
	defer mu.Unlock()
	log = zerolog.New(w).With().Timestamp().Logger().Level(toZerolog(level))
}

func toZerolog(level LogLevel) zerolog.Level {
	switch level {
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelError:
		return zerolog.ErrorLevel
	case LevelNone:
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}

// SetLevel changes the level, keeping the current output.
func SetLevel(level LogLevel) {
	mu.Lock()
	defer mu.Unlock()
	log = log.Level(toZerolog(level))
}

func logger() *zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	l := log
	return &l
}

// Debug returns a new Debug level event logger with component context
func Debug(component string) *zerolog.Event {
	return logger().Debug().Str("component", component)
}

// Info returns a new Info level event logger with component context
func Info(component string) *zerolog.Event {
	return logger().Info().Str("component", component)
}

// Warn returns a new Warn level event logger with component context
func Warn(component string) *zerolog.Event {
	return logger().Warn().Str("component", component)
}

// Error returns a new Error level event logger with component context
func Error(component string) *zerolog.Event {
	return logger().Error().Str("component", component)
}

// OpenFile creates a timestamped log file in dir. The caller closes it.
func OpenFile(dir string) (*os.File, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	name := FilePrefix + time.Now().Format("20060102-150405") + ".log"
	f, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	return f, nil
}

// CleanupLogs keeps the newest keep log files in dir and removes the rest.
// Returns the number of files removed.
func CleanupLogs(dir string, keep int) (int, error) {
	if keep < 0 {
		keep = 0
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), FilePrefix) || filepath.Ext(e.Name()) != ".log" {
			continue
		}
		names = append(names, e.Name())
	}
	if len(names) <= keep {
		return 0, nil
	}

	// Timestamped names sort chronologically.
	sort.Strings(names)
	removed := 0
	for _, name := range names[:len(names)-keep] {
		if err := os.Remove(filepath.Join(dir, name)); err != nil {
			Warn("log").Err(err).Str("file", name).Msg("failed to remove old log")
			continue
		}
		removed++
	}
	return removed, nil
}

package types

import (
	"math/rand/v2"
	"time"
)

// Size constants
const (
	KB = 1024
	MB = 1024 * KB
	GB = 1024 * MB

	// Megabyte as float for display calculations
	Megabyte = 1024.0 * 1024.0

	// LockSuffix is appended to a destination path while an attempt owns it
	LockSuffix = ".lock"
)

// Transfer tuning
const (
	ChunkSize     = 10 * MB // Bytes read per chunk before writing and reporting
	MaxConcurrent = 10      // Simultaneous transfers performing network I/O

	ChunkTimeout   = 60 * time.Second // A chunk read that delivers nothing for this long is a stall
	ConnectTimeout = 5 * time.Minute  // Dial + response headers for one attempt
)

// HTTP Client Tuning
const (
	DefaultMaxIdleConns        = 32
	DefaultIdleConnTimeout     = 90 * time.Second
	DefaultTLSHandshakeTimeout = 30 * time.Second
	DialTimeout                = 30 * time.Second
	KeepAliveDuration          = 30 * time.Second
	ProbeTimeout               = 30 * time.Second
)

// Retry policy defaults. The file server drops connections often and
// recovers on its own.
const (
	MaxAttempts = 100
	BackoffMin  = 1500 * time.Millisecond
	BackoffMax  = 3500 * time.Millisecond
)

// Channel buffer sizes
const (
	EventChannelBuffer = 256
)

// userAgents is the pool request identification headers are drawn from.
var userAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Safari/605.1.15",
	"Mozilla/5.0 (X11; Linux x86_64; rv:125.0) Gecko/20100101 Firefox/125.0",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:125.0) Gecko/20100101 Firefox/125.0",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36 Edg/124.0.0.0",
}

// RuntimeConfig holds dynamic settings that can override defaults
type RuntimeConfig struct {
	MaxConcurrent  int
	UserAgent      string // Fixed User-Agent; empty means rotate through the pool
	ProxyURL       string // http, https or socks5 proxy; empty means the environment
	ChunkSize      int
	ChunkTimeout   time.Duration
	ConnectTimeout time.Duration
	MaxAttempts    int
	BackoffMin     time.Duration
	BackoffMax     time.Duration
}

// GetUserAgent returns the configured user agent or a random one from the pool
func (r *RuntimeConfig) GetUserAgent() string {
	if r == nil || r.UserAgent == "" {
		return userAgents[rand.IntN(len(userAgents))]
	}
	return r.UserAgent
}

// UserAgents returns a copy of the rotation pool
func UserAgents() []string {
	out := make([]string, len(userAgents))
	copy(out, userAgents)
	return out
}

// GetMaxConcurrent returns configured value or default
func (r *RuntimeConfig) GetMaxConcurrent() int {
	if r == nil || r.MaxConcurrent <= 0 {
		return MaxConcurrent
	}
	return r.MaxConcurrent
}

// GetChunkSize returns configured value or default
func (r *RuntimeConfig) GetChunkSize() int {
	if r == nil || r.ChunkSize <= 0 {
		return ChunkSize
	}
	return r.ChunkSize
}

// GetChunkTimeout returns configured value or default
func (r *RuntimeConfig) GetChunkTimeout() time.Duration {
	if r == nil || r.ChunkTimeout <= 0 {
		return ChunkTimeout
	}
	return r.ChunkTimeout
}

// GetConnectTimeout returns configured value or default
func (r *RuntimeConfig) GetConnectTimeout() time.Duration {
	if r == nil || r.ConnectTimeout <= 0 {
		return ConnectTimeout
	}
	return r.ConnectTimeout
}

// GetMaxAttempts returns configured value or default
func (r *RuntimeConfig) GetMaxAttempts() int {
	if r == nil || r.MaxAttempts <= 0 {
		return MaxAttempts
	}
	return r.MaxAttempts
}

// GetBackoffWindow returns the configured jitter window, falling back to the
// defaults when either bound is unset or the window is inverted.
func (r *RuntimeConfig) GetBackoffWindow() (time.Duration, time.Duration) {
	if r == nil || r.BackoffMin <= 0 || r.BackoffMax <= 0 || r.BackoffMax < r.BackoffMin {
		return BackoffMin, BackoffMax
	}
	return r.BackoffMin, r.BackoffMax
}

// Package retry holds the bounded retry policy shared by transfers.
package retry

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/rfbdl/rfbdl/internal/engine/types"
)

// Policy decides how many attempts a task gets and how long to wait between
// them. The attempt counter itself lives on the task.
type Policy struct {
	MaxAttempts int
	MinBackoff  time.Duration
	MaxBackoff  time.Duration

	// Rand returns a value in [0, 1). Defaults to math/rand/v2.
	Rand func() float64
	// Sleep waits for d or until ctx is done. Tests replace it to avoid real delays.
	Sleep func(ctx context.Context, d time.Duration) error
}

// New builds a policy from runtime settings, falling back to defaults.
func New(rc *types.RuntimeConfig) *Policy {
	lo, hi := rc.GetBackoffWindow()
	return &Policy{
		MaxAttempts: rc.GetMaxAttempts(),
		MinBackoff:  lo,
		MaxBackoff:  hi,
	}
}

// Attempts returns the attempt ceiling, at least 1.
func (p *Policy) Attempts() int {
	if p == nil || p.MaxAttempts <= 0 {
		return types.MaxAttempts
	}
	return p.MaxAttempts
}

// Exhausted reports whether a task that has made attempts tries may not try again.
func (p *Policy) Exhausted(attempts int) bool {
	return attempts >= p.Attempts()
}

// Backoff returns a delay drawn uniformly from [MinBackoff, MaxBackoff].
func (p *Policy) Backoff() time.Duration {
	lo, hi := p.MinBackoff, p.MaxBackoff
	if lo < 0 {
		lo = 0
	}
	if hi < lo {
		hi = lo
	}
	r := rand.Float64
	if p.Rand != nil {
		r = p.Rand
	}
	return lo + time.Duration(r()*float64(hi-lo))
}

// Wait sleeps for one backoff interval. It returns ctx.Err() if ctx ends first.
func (p *Policy) Wait(ctx context.Context) error {
	sleep := SleepContext
	if p.Sleep != nil {
		sleep = p.Sleep
	}
	return sleep(ctx, p.Backoff())
}

// SleepContext waits for d or until ctx is done.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

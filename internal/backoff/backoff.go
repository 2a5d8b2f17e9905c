// Package backoff holds the exponential retry policy shared by health polling
// and websocket reconnection.
package backoff

import (
	"context"
	"errors"
	"math"
	"time"
)

const (
	// DefaultBase is the delay before the first retry.
	DefaultBase = 100 * time.Millisecond
	// DefaultFactor is the growth applied per attempt.
	DefaultFactor = 1.5
	// DefaultMax caps a single delay.
	DefaultMax = 5 * time.Second
	// DefaultMaxAttempts bounds health polling.
	DefaultMaxAttempts = 25
)

// ErrInvalidPolicy is returned by Validate for unusable policies.
var ErrInvalidPolicy = errors.New("invalid backoff policy")

// Policy describes an exponential backoff schedule.
type Policy struct {
	// Base is the delay for attempt zero.
	Base time.Duration
	// Factor is the multiplier applied per attempt. Must be >= 1.
	Factor float64
	// Max caps any single delay.
	Max time.Duration
	// MaxAttempts is the total number of attempts before giving up. Zero
	// means unbounded (used by reconnection).
	MaxAttempts int
}

// Default returns the policy used when nothing is configured.
func Default() Policy {
	return Policy{
		Base:        DefaultBase,
		Factor:      DefaultFactor,
		Max:         DefaultMax,
		MaxAttempts: DefaultMaxAttempts,
	}
}

// Validate checks that the policy can produce delays.
func (p Policy) Validate() error {
	if p.Base <= 0 || p.Max < p.Base || p.Factor < 1 || p.MaxAttempts < 0 {
		return ErrInvalidPolicy
	}
	return nil
}

// Delay returns min(Base * Factor^attempt, Max).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := float64(p.Base) * math.Pow(p.Factor, float64(attempt))
	if d >= float64(p.Max) || math.IsInf(d, 0) || math.IsNaN(d) {
		return p.Max
	}
	return time.Duration(d)
}

// Exhausted reports whether attempt (1-based count of attempts already made)
// reached the ceiling.
func (p Policy) Exhausted(attempts int) bool {
	return p.MaxAttempts > 0 && attempts >= p.MaxAttempts
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep is the real SleepFunc.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// NoDelay skips waiting. Tests use it to make retry loops deterministic.
func NoDelay(ctx context.Context, _ time.Duration) error {
	return ctx.Err()
}

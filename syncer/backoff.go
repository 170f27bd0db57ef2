package syncer

import (
	"context"
	"time"
)

// BackoffPolicy is the retry configuration for page fetches. It is a value
// passed into the engine so retry behavior is testable without real timers.
type BackoffPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultBackoff matches the default sync configuration.
var DefaultBackoff = BackoffPolicy{
	MaxRetries: 3,
	BaseDelay:  5 * time.Second,
	MaxDelay:   2 * time.Minute,
}

// Delay computes the wait before retry attempt n (0-based). An upstream
// Retry-After hint wins over the exponential schedule when it is longer.
func (p BackoffPolicy) Delay(attempt int, hint time.Duration) time.Duration {
	delay := p.BaseDelay << uint(attempt)
	if delay > p.MaxDelay || delay <= 0 {
		delay = p.MaxDelay
	}
	if hint > delay {
		delay = hint
	}
	return delay
}

// Sleeper waits for a duration or until the context is cancelled. Tests
// inject one that returns immediately.
type Sleeper func(ctx context.Context, d time.Duration) error

func realSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

package worker

import (
	"context"
	"errors"
	"time"
)

// RetryPolicy decides whether a failed attempt is retried and how long to wait first.
type RetryPolicy interface {
	ShouldRetry(err error, attempt int) bool
	Backoff(attempt int) time.Duration
	MaxAttempts() int
}

// Default retry parameters.
const (
	DefaultMaxAttempts = 3
	DefaultBackoff     = 5 * time.Second
)

// FixedRetryPolicy retries up to maxAttempts with a constant delay between attempts.
type FixedRetryPolicy struct {
	maxAttempts int
	delay       time.Duration
}

// NewFixedRetryPolicy builds a policy. Non-positive values fall back to the defaults;
// a zero delay is allowed.
func NewFixedRetryPolicy(maxAttempts int, delay time.Duration) *FixedRetryPolicy {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if delay < 0 {
		delay = DefaultBackoff
	}
	return &FixedRetryPolicy{maxAttempts: maxAttempts, delay: delay}
}

// ShouldRetry reports whether another attempt is allowed after attempt failed with err.
func (p *FixedRetryPolicy) ShouldRetry(err error, attempt int) bool {
	if err == nil || attempt >= p.maxAttempts {
		return false
	}
	return !errors.Is(err, context.Canceled)
}

// Backoff returns the fixed delay.
func (p *FixedRetryPolicy) Backoff(int) time.Duration {
	return p.delay
}

// MaxAttempts returns the attempt ceiling.
func (p *FixedRetryPolicy) MaxAttempts() int {
	return p.maxAttempts
}

func sleepContext(ctx context.Context, d time.Duration) error {
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

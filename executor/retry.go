package executor

import (
	"context"
	"errors"
	"time"
)

// RetryConfig configures backoff between attempts of a step
type RetryConfig struct {
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// DefaultRetryConfig returns a default retry configuration
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		BaseDelay:     500 * time.Millisecond,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2.0,
	}
}

// Delay returns the wait before the attempt following failed attempt n
// (1-based): BaseDelay × factor^(n-1), capped at MaxDelay.
func (c RetryConfig) Delay(n int) time.Duration {
	factor := c.BackoffFactor
	if factor < 1 {
		factor = 2.0
	}
	delay := float64(c.BaseDelay)
	for i := 1; i < n; i++ {
		delay *= factor
		if c.MaxDelay > 0 && delay >= float64(c.MaxDelay) {
			return c.MaxDelay
		}
	}
	if c.MaxDelay > 0 && time.Duration(delay) > c.MaxDelay {
		return c.MaxDelay
	}
	return time.Duration(delay)
}

// shouldRetry decides whether a failed attempt gets another try. attempts is
// the number of attempts made so far.
func shouldRetry(buildCtx context.Context, err error, attempts, maxRetries int) bool {
	if buildCtx.Err() != nil {
		return false
	}
	if attempts > maxRetries {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return IsRetryable(err)
}

package generate

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Default limiter settings.
const (
	DefaultRequestsPerSecond = 2.0
	DefaultMinBuffer         = 1
)

// RateLimiter paces generation requests. It combines a token bucket with
// quota accounting: once the remaining quota drops below the buffer, Wait
// holds requests until the quota resets. One limiter is created per engine
// and shared by every step of a build.
type RateLimiter struct {
	mu        sync.Mutex
	bucket    *rate.Limiter
	remaining int
	quota     int
	resetTime time.Time
	window    time.Duration
	minBuffer int
	used      Usage
	now       func() time.Time
}

// RateLimiterConfig configures a RateLimiter.
type RateLimiterConfig struct {
	RequestsPerSecond float64
	// Quota is the number of requests allowed per Window. Zero disables
	// quota accounting.
	Quota     int
	Window    time.Duration
	MinBuffer int
}

// NewRateLimiter creates a limiter with a full quota.
func NewRateLimiter(cfg RateLimiterConfig) *RateLimiter {
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = DefaultRequestsPerSecond
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.MinBuffer <= 0 {
		cfg.MinBuffer = DefaultMinBuffer
	}
	return &RateLimiter{
		bucket:    rate.NewLimiter(rate.Limit(rps), 1),
		remaining: cfg.Quota,
		quota:     cfg.Quota,
		window:    cfg.Window,
		minBuffer: cfg.MinBuffer,
		now:       time.Now,
	}
}

// Wait blocks until a request may be sent and reserves one unit of the
// quota for it. A request that never reaches the provider hands the unit
// back with Release.
func (r *RateLimiter) Wait(ctx context.Context) error {
	for {
		if err := r.bucket.Wait(ctx); err != nil {
			return err
		}

		r.mu.Lock()
		r.refill()
		wait := time.Duration(0)
		if r.quota > 0 {
			if r.remaining >= r.minBuffer {
				r.reserve()
			} else if r.now().Before(r.resetTime) {
				wait = r.resetTime.Sub(r.now())
			}
		}
		r.mu.Unlock()

		if wait <= 0 {
			return nil
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// reserve takes one unit of the quota. Callers hold mu.
func (r *RateLimiter) reserve() {
	if r.resetTime.IsZero() {
		r.resetTime = r.now().Add(r.window)
	}
	r.remaining--
}

// Release returns the unit reserved by Wait.
func (r *RateLimiter) Release() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.quota > 0 && r.remaining < r.quota {
		r.remaining++
	}
}

// Record accounts for the tokens of one completed request. The request
// itself was counted when Wait reserved it.
func (r *RateLimiter) Record(u Usage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.used.PromptTokens += u.PromptTokens
	r.used.CompletionTokens += u.CompletionTokens
}

// Used returns the tokens recorded so far.
func (r *RateLimiter) Used() Usage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.used
}

// Update overrides the quota state with what the provider reported.
func (r *RateLimiter) Update(remaining int, reset time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.remaining = remaining
	r.resetTime = reset
	if r.quota == 0 {
		r.quota = max(remaining, 1)
	}
}

// Remaining returns the requests left in the current window.
func (r *RateLimiter) Remaining() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refill()
	return r.remaining
}

// ResetTime returns when the current window ends.
func (r *RateLimiter) ResetTime() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resetTime
}

// Exhausted reports whether requests would currently be held back.
func (r *RateLimiter) Exhausted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refill()
	return r.quota > 0 && r.remaining < r.minBuffer
}

// refill restores the quota once the window has passed. Callers hold mu.
func (r *RateLimiter) refill() {
	if r.quota == 0 || r.resetTime.IsZero() || r.now().Before(r.resetTime) {
		return
	}
	r.remaining = r.quota
	r.resetTime = time.Time{}
}

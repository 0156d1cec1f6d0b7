package generate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/smallnest/ragbuild/log"
	"github.com/smallnest/ragbuild/rag/assembler"
)

// Retry defaults for generation requests.
const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = 4 * time.Second
	DefaultMaxDelay    = 10 * time.Second
)

// Client sends generation requests through a rate limiter and retries
// retryable failures with exponential backoff.
type Client struct {
	generator   Generator
	limiter     *RateLimiter
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	logger      log.Logger
}

// ClientOption configures a Client
type ClientOption func(*Client)

// WithRateLimiter sets the limiter shared by all requests of the client
func WithRateLimiter(l *RateLimiter) ClientOption {
	return func(c *Client) {
		c.limiter = l
	}
}

// WithMaxAttempts sets how many times a request is tried
func WithMaxAttempts(n int) ClientOption {
	return func(c *Client) {
		c.maxAttempts = n
	}
}

// WithBackoff sets the first retry delay and the cap
func WithBackoff(base, maxDelay time.Duration) ClientOption {
	return func(c *Client) {
		c.baseDelay = base
		c.maxDelay = maxDelay
	}
}

// WithClientLogger sets the logger
func WithClientLogger(l log.Logger) ClientOption {
	return func(c *Client) {
		c.logger = l
	}
}

// NewClient wraps a generator.
func NewClient(g Generator, opts ...ClientOption) *Client {
	c := &Client{
		generator:   g,
		maxAttempts: DefaultMaxAttempts,
		baseDelay:   DefaultBaseDelay,
		maxDelay:    DefaultMaxDelay,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.maxAttempts <= 0 {
		c.maxAttempts = 1
	}
	if c.limiter == nil {
		c.limiter = NewRateLimiter(RateLimiterConfig{})
	}
	c.logger = log.OrDefault(c.logger)
	return c
}

// Limiter returns the client's rate limiter.
func (c *Client) Limiter() *RateLimiter {
	return c.limiter
}

// Generate runs one generation request. A rate limit that persists through
// every attempt is returned as a *RateLimitError; other errors keep their
// classification.
func (c *Client) Generate(ctx context.Context, payload *assembler.ContextPayload, instructions string) (*Result, error) {
	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		res, err := c.generator.Generate(ctx, payload, instructions)
		if err == nil {
			c.limiter.Record(res.Usage)
			return res, nil
		}
		err = Classify("generator", err)
		lastErr = err

		var rl *RateLimitError
		switch {
		case !errors.As(err, &rl):
			c.limiter.Release()
		case !rl.ResetAt.IsZero():
			c.limiter.Update(rl.Remaining, rl.ResetAt)
		}
		if ctx.Err() != nil || !IsRetryable(err) || attempt == c.maxAttempts {
			break
		}

		delay := c.backoff(attempt)
		c.logger.Info("generation attempt %d/%d failed, retrying in %s: %v", attempt, c.maxAttempts, delay, err)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	var rl *RateLimitError
	if errors.As(lastErr, &rl) {
		return nil, rl
	}
	if IsRetryable(lastErr) {
		return nil, fmt.Errorf("generation failed after %d attempts: %w", c.maxAttempts, lastErr)
	}
	return nil, lastErr
}

func (c *Client) backoff(attempt int) time.Duration {
	d := c.baseDelay << (attempt - 1)
	if c.maxDelay > 0 && (d > c.maxDelay || d <= 0) {
		return c.maxDelay
	}
	return d
}

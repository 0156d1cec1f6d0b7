package generate

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/tmc/langchaingo/llms"
)

// RateLimitError reports that the provider quota is exhausted.
type RateLimitError struct {
	ResetAt   time.Time
	Remaining int
	Err       error
}

func (e *RateLimitError) Error() string {
	msg := "generation rate limit exceeded"
	if !e.ResetAt.IsZero() {
		msg += fmt.Sprintf(", resets at %s", e.ResetAt.Format(time.RFC3339))
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RateLimitError) Unwrap() error {
	return e.Err
}

// ProviderError is a failure reported by the generation provider.
type ProviderError struct {
	Provider string
	Status   int
	Err      error
}

func (e *ProviderError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s: status %d: %v", e.Provider, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the same request may succeed later. Transport
// failures without a status are retryable, as are 429 and 5xx responses.
func (e *ProviderError) Retryable() bool {
	return e.Status == 0 || e.Status == http.StatusTooManyRequests || e.Status >= 500
}

// ValidationError means the request itself is wrong and retrying cannot help.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid generation request: " + e.Reason
}

// Classify maps an arbitrary provider error onto the typed errors above.
// Context errors and already typed errors are returned unchanged.
func Classify(provider string, err error) error {
	if err == nil {
		return nil
	}
	// llms.Error reports a timeout code as context.DeadlineExceeded, so it
	// is mapped before the context check.
	var llmErr *llms.Error
	if errors.As(err, &llmErr) && llmErr.Code != llms.ErrCodeCanceled {
		return classifyCode(provider, llmErr.Code, err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var (
		rl *RateLimitError
		pe *ProviderError
		ve *ValidationError
	)
	if errors.As(err, &rl) || errors.As(err, &pe) || errors.As(err, &ve) {
		return err
	}

	status := 0
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}

	switch {
	case status == http.StatusTooManyRequests:
		return &RateLimitError{Err: err}
	case status >= 400 && status < 500:
		return &ValidationError{Reason: fmt.Sprintf("%s: status %d: %v", provider, status, err)}
	default:
		return &ProviderError{Provider: provider, Status: status, Err: err}
	}
}

// classifyCode maps a langchaingo error code.
func classifyCode(provider string, code llms.ErrorCode, err error) error {
	switch code {
	case llms.ErrCodeRateLimit, llms.ErrCodeQuotaExceeded:
		return &RateLimitError{Err: err}
	case llms.ErrCodeInvalidRequest, llms.ErrCodeAuthentication, llms.ErrCodeTokenLimit,
		llms.ErrCodeContentFilter, llms.ErrCodeResourceNotFound, llms.ErrCodeNotImplemented:
		return &ValidationError{Reason: fmt.Sprintf("%s: %v", provider, err)}
	default:
		return &ProviderError{Provider: provider, Err: err}
	}
}

// IsRetryable reports whether a classified error may succeed on retry.
func IsRetryable(err error) bool {
	var (
		rl *RateLimitError
		pe *ProviderError
	)
	switch {
	case errors.As(err, &rl):
		return true
	case errors.As(err, &pe):
		return pe.Retryable()
	default:
		return false
	}
}

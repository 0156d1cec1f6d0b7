package executor

import (
	"errors"
	"fmt"
)

// StepExecutionError is a failed attempt of a step. Runners return it to
// mark an error as retryable or not; the executor returns it with Terminal
// set once a step has no attempts left.
type StepExecutionError struct {
	StepID    string
	Attempt   int
	Retryable bool
	Terminal  bool
	Err       error
}

func (e *StepExecutionError) Error() string {
	msg := e.Err.Error()
	if e.StepID != "" {
		msg = fmt.Sprintf("step %s attempt %d: %s", e.StepID, e.Attempt, msg)
	}
	if e.Terminal {
		msg += " (terminal)"
	}
	return msg
}

func (e *StepExecutionError) Unwrap() error {
	return e.Err
}

// Transient marks err as worth retrying.
func Transient(err error) error {
	return &StepExecutionError{Retryable: true, Err: err}
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	return &StepExecutionError{Retryable: false, Err: err}
}

// IsRetryable reports whether a failed attempt may be retried. Errors that
// are not a *StepExecutionError are retryable.
func IsRetryable(err error) bool {
	var se *StepExecutionError
	if errors.As(err, &se) {
		return se.Retryable
	}
	return true
}

// RollbackError is returned when a rollback step fails. The build is left
// Aborted and needs manual intervention.
type RollbackError struct {
	StepID string
	For    string
	Err    error
	Cause  error
}

func (e *RollbackError) Error() string {
	return fmt.Sprintf("rollback step %s (unwinding %s) failed: %v; manual intervention required", e.StepID, e.For, e.Err)
}

func (e *RollbackError) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Err}
	}
	return []error{e.Err, e.Cause}
}

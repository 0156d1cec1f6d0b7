package graph

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrDuplicateStep marks two steps declaring the same ID.
	ErrDuplicateStep = errors.New("duplicate step id")
	// ErrUnknownKind marks a step kind outside the supported set.
	ErrUnknownKind = errors.New("unknown step kind")
	// ErrMissingReference marks a dependency or rollback ID that names no step.
	ErrMissingReference = errors.New("reference to unknown step")
	// ErrInvalidPayload marks a step whose kind-specific fields are incomplete.
	ErrInvalidPayload = errors.New("invalid step payload")
	// ErrInvalidCondition marks a malformed step condition.
	ErrInvalidCondition = errors.New("invalid step condition")
)

// Severity grades a ValidationError.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// ValidationError is one problem found while building a graph.
type ValidationError struct {
	StepID   string
	Field    string
	Message  string
	Severity Severity
	Err      error
}

func (e ValidationError) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Severity))
	if e.StepID != "" {
		fmt.Fprintf(&b, ": step %s", e.StepID)
	}
	if e.Field != "" {
		fmt.Fprintf(&b, " (%s)", e.Field)
	}
	b.WriteString(": ")
	b.WriteString(e.Message)
	return b.String()
}

func (e ValidationError) Unwrap() error {
	return e.Err
}

// ValidationFailedError is returned when a document has error-severity
// validation problems.
type ValidationFailedError struct {
	Errors []ValidationError
}

func (e *ValidationFailedError) Error() string {
	if len(e.Errors) == 1 {
		return "invalid build document: " + e.Errors[0].Error()
	}
	return fmt.Sprintf("invalid build document: %d errors, first: %s", len(e.Errors), e.Errors[0].Error())
}

func (e *ValidationFailedError) Unwrap() []error {
	out := make([]error, len(e.Errors))
	for i, v := range e.Errors {
		out[i] = v
	}
	return out
}

// DependencyCycleError reports a cycle in the step graph. Cycle lists the
// step IDs along the cycle, starting and ending with the same ID.
type DependencyCycleError struct {
	Cycle []string
}

func (e *DependencyCycleError) Error() string {
	return "dependency cycle: " + strings.Join(e.Cycle, " -> ")
}

// CountBySeverity returns the number of errors and warnings in errs.
func CountBySeverity(errs []ValidationError) (errorCount, warningCount int) {
	for _, e := range errs {
		switch e.Severity {
		case SeverityError:
			errorCount++
		case SeverityWarning:
			warningCount++
		}
	}
	return errorCount, warningCount
}

package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unified error code across the engine.
type ErrorCode string

// Step error codes
const (
	ErrStepFailed    ErrorCode = "STEP_FAILED"
	ErrStepPanic     ErrorCode = "STEP_PANIC"
	ErrStepTimeout   ErrorCode = "STEP_TIMEOUT"
	ErrStepCancelled ErrorCode = "STEP_CANCELLED"
	ErrStepNotBound  ErrorCode = "STEP_NOT_BOUND"
	ErrInvalidStep   ErrorCode = "INVALID_STEP"
)

// Run error codes
const (
	ErrRunFailed          ErrorCode = "RUN_FAILED"
	ErrDependencyDeadlock ErrorCode = "DEPENDENCY_DEADLOCK"
	ErrStoreWrite         ErrorCode = "STORE_WRITE"
)

// Error represents a structured error with code, message, and metadata.
// Executors may return it to control retry behaviour: a step failing with
// Retryable=false is not retried even if retries remain.
type Error struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
	StepID    string    `json:"step_id,omitempty"`
	Cause     error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Permanent creates a non-retryable step error.
func Permanent(message string) *Error {
	return &Error{Code: ErrStepFailed, Message: message, Retryable: false}
}

// Transient creates a retryable step error.
func Transient(message string) *Error {
	return &Error{Code: ErrStepFailed, Message: message, Retryable: true}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithStep sets the step the error belongs to.
func (e *Error) WithStep(stepID string) *Error {
	e.StepID = stepID
	return e
}

// IsRetryable checks if an error is retryable. Errors that are not a
// structured *Error anywhere in their chain are treated as retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return true
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

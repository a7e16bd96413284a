package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unified error code across the core.
type ErrorCode string

// Task lifecycle error codes.
const (
	ErrInvalidTask        ErrorCode = "INVALID_TASK"
	ErrBlockedByValidator ErrorCode = "BLOCKED_BY_VALIDATOR"
	ErrNoCapableAgent     ErrorCode = "NO_CAPABLE_AGENT"
	ErrBackpressure       ErrorCode = "BACKPRESSURE"
	ErrPoolExhausted      ErrorCode = "POOL_EXHAUSTED"
	ErrTimeout            ErrorCode = "TIMEOUT"
	ErrResourceExceeded   ErrorCode = "RESOURCE_EXCEEDED"
	ErrSandboxFailure     ErrorCode = "SANDBOX_FAILURE"
	ErrCancelled          ErrorCode = "CANCELLED"
	ErrTaskNotFound       ErrorCode = "TASK_NOT_FOUND"
)

// Registry and lifecycle error codes.
const (
	ErrAgentExists       ErrorCode = "AGENT_EXISTS"
	ErrAgentNotFound     ErrorCode = "AGENT_NOT_FOUND"
	ErrRegistryFull      ErrorCode = "REGISTRY_FULL"
	ErrInvalidTransition ErrorCode = "INVALID_TRANSITION"
	ErrShuttingDown      ErrorCode = "SHUTTING_DOWN"
)

// Infrastructure error codes.
const (
	ErrStoreUnavailable ErrorCode = "STORE_UNAVAILABLE"
	ErrCacheUnavailable ErrorCode = "CACHE_UNAVAILABLE"
	ErrInternal         ErrorCode = "INTERNAL"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Stage     string    `json:"stage,omitempty"`
	Retryable bool      `json:"retryable"`
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

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithStage records the pipeline stage the error surfaced from.
func (e *Error) WithStage(stage string) *Error {
	e.Stage = stage
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// IsRetryable checks if an error is retryable. Wrapped errors are searched
// through their unwrap chain.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error. Wrapped errors are
// searched through their unwrap chain.
func GetErrorCode(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code ErrorCode) bool {
	return GetErrorCode(err) == code
}

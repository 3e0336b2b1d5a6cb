package types

import "fmt"

// ErrorCode represents a unified error code across the coordination layer.
type ErrorCode string

// Error codes, grouped by failure class.
const (
	// Capacity: a configured limit would be exceeded. Never retried internally.
	ErrCodeCapacity ErrorCode = "CAPACITY_EXCEEDED"

	// NotFound: unknown pool, engine, transaction or savepoint id.
	ErrCodeNotFound ErrorCode = "NOT_FOUND"

	// State: operation against a non-active or terminal transaction,
	// or against a draining pool.
	ErrCodeInvalidState ErrorCode = "INVALID_STATE"

	// Timeout: a transaction exceeded its deadline. Surfaced after the
	// automatic rollback side effect has run.
	ErrCodeTxTimeout ErrorCode = "TX_TIMEOUT"

	// Execution: the underlying engine failed. Feeds health scoring.
	ErrCodeExecution ErrorCode = "EXECUTION_FAILED"

	// PrepareFailed: a two-phase commit participant voted no; every
	// participant has been rolled back.
	ErrCodePrepareFailed ErrorCode = "PREPARE_FAILED"

	// Unavailable: no healthy pool or capable engine could serve the request.
	ErrCodeUnavailable ErrorCode = "UNAVAILABLE"

	// Config: invalid configuration detected at startup.
	ErrCodeConfig ErrorCode = "INVALID_CONFIG"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
	Resource  string    `json:"resource,omitempty"`
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

// WithResource records the id of the pool/engine/transaction involved.
func (e *Error) WithResource(resource string) *Error {
	e.Resource = resource
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	if e, ok := err.(*Error); ok {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	if e, ok := err.(*Error); ok {
		return e.Code
	}
	return ""
}

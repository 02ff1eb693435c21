package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unified error code across the engine.
type ErrorCode string

// Configuration error codes. Raised before any atom executes and never retried.
const (
	ErrUnknownIntent     ErrorCode = "UNKNOWN_INTENT"
	ErrTemplateCycle     ErrorCode = "TEMPLATE_CYCLE"
	ErrUnknownDependency ErrorCode = "UNKNOWN_DEPENDENCY"
	ErrInvalidTemplate   ErrorCode = "INVALID_TEMPLATE"
)

// Execution error codes
const (
	ErrAtomFailed       ErrorCode = "ATOM_FAILED"
	ErrAtomAborted      ErrorCode = "ATOM_ABORTED"
	ErrRetriesExhausted ErrorCode = "RETRIES_EXHAUSTED"
	ErrCircuitOpen      ErrorCode = "CIRCUIT_OPEN"
	ErrDependencyNotMet ErrorCode = "DEPENDENCY_NOT_MET"
	ErrInvalidInput     ErrorCode = "INVALID_INPUT"
	ErrInternalError    ErrorCode = "INTERNAL_ERROR"
)

// Run safety error codes. Fatal for the current run.
const (
	ErrDedupeBudgetExceeded    ErrorCode = "DEDUPE_BUDGET_EXCEEDED"
	ErrBacktrackBudgetExceeded ErrorCode = "BACKTRACK_BUDGET_EXCEEDED"
	ErrLoopUnrecoverable       ErrorCode = "LOOP_UNRECOVERABLE"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
	AtomID    string    `json:"atom_id,omitempty"`
	Attempts  int       `json:"attempts,omitempty"`
	Cause     error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	prefix := fmt.Sprintf("[%s]", e.Code)
	if e.AtomID != "" {
		prefix = fmt.Sprintf("[%s] atom %s:", e.Code, e.AtomID)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s %s: %v", prefix, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s %s", prefix, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Errorf creates a new Error with a formatted message.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
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

// WithAtom sets the atom the error belongs to.
func (e *Error) WithAtom(atomID string) *Error {
	e.AtomID = atomID
	return e
}

// WithAttempts records how many invocation attempts were made.
func (e *Error) WithAttempts(attempts int) *Error {
	e.Attempts = attempts
	return e
}

// AsError extracts a *Error from an error chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	if e, ok := AsError(err); ok {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	if e, ok := AsError(err); ok {
		return e.Code
	}
	return ""
}

// IsCode reports whether any error in the chain carries the given code.
func IsCode(err error, code ErrorCode) bool {
	return GetErrorCode(err) == code
}

// IsConfigurationError reports whether err was raised by template loading or validation.
func IsConfigurationError(err error) bool {
	switch GetErrorCode(err) {
	case ErrUnknownIntent, ErrTemplateCycle, ErrUnknownDependency, ErrInvalidTemplate:
		return true
	}
	return false
}

// IsFatal reports whether err must stop the current run instead of being recovered.
func IsFatal(err error) bool {
	switch GetErrorCode(err) {
	case ErrDedupeBudgetExceeded, ErrBacktrackBudgetExceeded, ErrLoopUnrecoverable:
		return true
	}
	return IsConfigurationError(err)
}

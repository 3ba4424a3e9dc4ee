// Package syncerr defines the error taxonomy shared by the queue, the
// dispatcher, and the local API. The code attached to an error decides
// whether the dispatcher retries it, fails the operation permanently, or
// surfaces it to the user as a hard local failure.
package syncerr

import (
	"errors"
	"fmt"
)

// Code classifies an error for retry and surfacing decisions
type Code string

const (
	// CodeTransient covers network timeouts and 5xx responses; retried with backoff
	CodeTransient Code = "TRANSIENT"

	// CodeValidation covers 4xx responses; terminal, requires manual correction
	CodeValidation Code = "VALIDATION"

	// CodeConflict marks duplicate content pending a user decision
	CodeConflict Code = "CONFLICT"

	// CodeStorage covers local persistence failures (quota, corruption)
	CodeStorage Code = "STORAGE"

	// CodeNotFound marks lookups of unknown operations
	CodeNotFound Code = "NOT_FOUND"

	// CodeState marks invalid status transitions or decisions
	CodeState Code = "STATE"
)

// Error carries a taxonomy code alongside the wrapped cause
type Error struct {
	Code    Code
	Message string
	Err     error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an error with a code and message
func New(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an existing error
func Wrap(code Code, err error, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// CodeOf extracts the taxonomy code from an error chain.
// Errors without a code are treated as transient so that unexpected
// failures are retried rather than silently dropped.
func CodeOf(err error) Code {
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	return CodeTransient
}

// IsTransient reports whether the dispatcher should retry the error
func IsTransient(err error) bool {
	return CodeOf(err) == CodeTransient
}

// IsValidation reports whether the error is a terminal server rejection
func IsValidation(err error) bool {
	return CodeOf(err) == CodeValidation
}

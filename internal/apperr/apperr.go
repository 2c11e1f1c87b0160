// Package apperr defines the structured error taxonomy shared by every
// keygate component. A single error shape carries the HTTP status, a
// client-safe message, and an operational flag; the HTTP layer masks
// non-operational errors as generic internal failures.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Error is the single domain error type propagated to the HTTP edge.
type Error struct {
	Status      int
	Message     string
	Operational bool
	Err         error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// New creates an operational error with the given status and message.
func New(status int, message string) *Error {
	return &Error{Status: status, Message: message, Operational: true}
}

// Wrap attaches a cause to an operational error.
func Wrap(status int, message string, err error) *Error {
	return &Error{Status: status, Message: message, Operational: true, Err: err}
}

// Internal creates a non-operational error. Its message is never shown to
// the client; the cause is logged with full context instead.
func Internal(err error) *Error {
	return &Error{
		Status:  http.StatusInternalServerError,
		Message: "internal server error",
		Err:     err,
	}
}

// Taxonomy constructors. Status codes follow the API contract:
// 400 validation, 401 unauthorized / session revoked, 403 forbidden,
// 404 not found, 409 conflict, 423 locked, 429 too many requests.

// ValidationFailed reports a client-correctable request problem.
func ValidationFailed(message string) *Error {
	return New(http.StatusBadRequest, message)
}

// Unauthorized reports a bad, missing, or expired credential.
func Unauthorized(message string) *Error {
	return New(http.StatusUnauthorized, message)
}

// SessionRevoked is terminal: refresh-token reuse was detected and every
// session for the user has been revoked.
func SessionRevoked(message string) *Error {
	return New(http.StatusUnauthorized, message)
}

// Forbidden reports a valid credential whose account may not act, such as
// an unverified email.
func Forbidden(message string) *Error {
	return New(http.StatusForbidden, message)
}

// AccountLocked reports a temporarily locked account.
func AccountLocked(message string) *Error {
	return New(http.StatusLocked, message)
}

// Conflict reports a duplicate identity.
func Conflict(message string) *Error {
	return New(http.StatusConflict, message)
}

// NotFound reports a missing resource.
func NotFound(message string) *Error {
	return New(http.StatusNotFound, message)
}

// TooManyRequests reports throttled request volume.
func TooManyRequests(message string) *Error {
	return New(http.StatusTooManyRequests, message)
}

// From extracts an *Error from err, or wraps it as an internal error.
func From(err error) *Error {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr
	}
	return Internal(err)
}

// StatusOf returns the HTTP status carried by err, defaulting to 500.
func StatusOf(err error) int {
	return From(err).Status
}

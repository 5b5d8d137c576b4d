// Package regerr provides structured error types for the banteng control plane.
//
// It defines standard error codes shared by the connection registry, the queue
// registry, the event relay and the command bus, and a structured Error type
// carrying component context, an error code, and a cause chain. It integrates
// with Go's standard errors package for wrapping and unwrapping.
package regerr

import (
	"errors"
	"fmt"
	"net/http"
)

// Standard error codes used across the control plane.
const (
	// CodeNotFound indicates a connection, queue or job lookup missed.
	CodeNotFound = "NOT_FOUND"

	// CodeDuplicateName indicates a friendly-name collision at creation time.
	CodeDuplicateName = "DUPLICATE_NAME"

	// CodeUnknownRole indicates a client-factory call with a role outside
	// client/subscriber/bclient. This is a contract violation from the
	// engine integration, not a user error.
	CodeUnknownRole = "UNKNOWN_ROLE"

	// CodePersistence indicates the config store is unreachable or a write failed.
	CodePersistence = "PERSISTENCE"

	// CodeLink indicates a best-effort Redis link operation failed.
	// Link errors are logged and never fatal for registry availability.
	CodeLink = "LINK"

	// CodeConnectionInUse indicates a connection removal was refused because
	// live queues are still bound to it.
	CodeConnectionInUse = "CONNECTION_IN_USE"
)

// Error is a structured error for control-plane operations.
// It records which component and operation failed, a standard code,
// and optionally the underlying cause.
type Error struct {
	// Component is the subsystem that produced the error (e.g. "conn", "queue").
	Component string

	// Operation is the specific operation that failed (e.g. "add", "remove").
	Operation string

	// Code is one of the Code* constants.
	Code string

	// Message is a human-readable description.
	Message string

	// Cause is the wrapped underlying error, if any.
	Cause error
}

// New creates a structured control-plane error.
//
// Example:
//
//	err := regerr.New("queue", "add", regerr.CodeDuplicateName, "queue with name Emails exists")
func New(component, operation, code, message string) *Error {
	return &Error{
		Component: component,
		Operation: operation,
		Code:      code,
		Message:   message,
	}
}

// WithCause attaches an underlying error and returns the same instance
// for chaining.
func (e *Error) WithCause(err error) *Error {
	e.Cause = err
	return e
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s/%s: %s: %s: %v", e.Component, e.Operation, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s/%s: %s: %s", e.Component, e.Operation, e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/errors.As chains.
func (e *Error) Unwrap() error {
	return e.Cause
}

// HTTPStatus maps the error code to the status an HTTP layer should return:
// 404 for missing resources, 409 for name conflicts and in-use removals,
// 500 otherwise.
func (e *Error) HTTPStatus() int {
	switch e.Code {
	case CodeNotFound:
		return http.StatusNotFound
	case CodeDuplicateName, CodeConnectionInUse:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// hasCode reports whether err is (or wraps) an *Error with the given code.
func hasCode(err error, code string) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == code
}

// IsNotFound reports whether err represents a missing connection, queue or job.
func IsNotFound(err error) bool { return hasCode(err, CodeNotFound) }

// IsDuplicateName reports whether err represents a friendly-name collision.
func IsDuplicateName(err error) bool { return hasCode(err, CodeDuplicateName) }

// IsUnknownRole reports whether err represents a client-factory contract violation.
func IsUnknownRole(err error) bool { return hasCode(err, CodeUnknownRole) }

// IsPersistence reports whether err represents a config-store failure.
func IsPersistence(err error) bool { return hasCode(err, CodePersistence) }

// IsLink reports whether err represents a best-effort link failure.
func IsLink(err error) bool { return hasCode(err, CodeLink) }

// IsConnectionInUse reports whether err represents a refused connection removal.
func IsConnectionInUse(err error) bool { return hasCode(err, CodeConnectionInUse) }

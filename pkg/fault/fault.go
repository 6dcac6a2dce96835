// Package fault defines the error taxonomy shared by the Cirkelline core.
//
// Every core operation returns either a success value or an error that
// resolves to one of the kinds below. Recovery decisions (fallback, degrade,
// surface) are made at the orchestrator, never deep in the stack.
package fault

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for propagation policy.
type Kind string

const (
	// AuthMissing means no credential was presented.
	AuthMissing Kind = "auth_missing"

	// AuthInvalid means the credential failed validation.
	AuthInvalid Kind = "auth_invalid"

	// AuthExpired means the credential carried an expiry in the past.
	AuthExpired Kind = "auth_expired"

	// Ownership means the caller asked for something it does not own.
	// Reported as NotFound externally to avoid existence leaks.
	Ownership Kind = "ownership"

	// NotFound means the requested entity does not exist.
	NotFound Kind = "not_found"

	// Busy means a rate limit or pool saturation rejected the request.
	Busy Kind = "busy"

	// ToolUnavailable means a tool's provider connection is absent or revoked.
	ToolUnavailable Kind = "tool_unavailable"

	// ToolTimeout means a tool call exceeded its deadline.
	ToolTimeout Kind = "tool_timeout"

	// DependencyFailure means a backing service (database, embedding or
	// model backend) failed.
	DependencyFailure Kind = "dependency_failure"

	// Malformed means input validation rejected the request.
	Malformed Kind = "malformed"

	// Cancelled means the caller disconnected or the deadline elapsed.
	Cancelled Kind = "cancelled"

	// Internal means a bug.
	Internal Kind = "internal"
)

// Error is a classified error with the operation that produced it.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil && e.Message != "":
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	case e.Message != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	default:
		return fmt.Sprintf("%s: %s", e.Op, string(e.Kind))
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a classified error.
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Wrap classifies an underlying error.
func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf walks the error chain and returns the first classified kind.
// Unclassified errors report Internal; nil reports the empty kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Internal
}

// Is reports whether err resolves to the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// External returns the kind as observed from outside the process.
// Ownership is indistinguishable from NotFound at the edge.
func External(kind Kind) Kind {
	if kind == Ownership {
		return NotFound
	}
	return kind
}

// HTTPStatus maps a kind to the status code used by the HTTP surface.
func HTTPStatus(kind Kind) int {
	switch External(kind) {
	case AuthMissing, AuthInvalid, AuthExpired:
		return http.StatusUnauthorized
	case NotFound:
		return http.StatusNotFound
	case Busy:
		return http.StatusTooManyRequests
	case Malformed:
		return http.StatusBadRequest
	case Cancelled:
		return 499
	case ToolUnavailable, ToolTimeout, DependencyFailure, Internal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

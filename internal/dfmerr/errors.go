// Package dfmerr defines the error taxonomy shared by every DFM component:
// DataError, MissingImplementation, ResourceError, and ServerError, each
// carrying an HTTP-like status code and an optional originating node id.
// Generalized from arkeep's package-level sentinel errors
// (server/internal/auth/errors.go, server/internal/repositories/errors.go)
// into parameterized constructors, since DFM errors are per-occurrence
// (they carry a message and a node id) rather than fixed singletons.
package dfmerr

import (
	"errors"
	"fmt"
)

// Kind identifies which bucket of the taxonomy an error belongs to.
type Kind string

const (
	KindData                   Kind = "data_error"
	KindMissingImplementation  Kind = "missing_implementation"
	KindResource               Kind = "resource_error"
	KindServer                 Kind = "server_error"
)

// StatusFor maps a Kind to the HTTP-like numeric code spec.md §7 assigns it.
func StatusFor(k Kind) int {
	switch k {
	case KindData:
		return 400
	case KindMissingImplementation:
		return 501
	case KindResource:
		return 503
	case KindServer:
		return 500
	default:
		return 500
	}
}

// Error is a taxonomy-classified error optionally tagged with the node
// identifier of the adapter that raised it. The runtime catches these at
// the per-adapter boundary (spec.md §7) and turns them into an ErrorResponse.
type Error struct {
	Kind    Kind
	NodeID  string // empty if not yet attached to a node
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// HTTPStatus returns the HTTP-like numeric status code for this error.
func (e *Error) HTTPStatus() int { return StatusFor(e.Kind) }

// WithNode returns a copy of e tagged with the given node identifier. Used
// by the stream/adapter runtime when it catches an error escaping an
// adapter body and needs to attach the adapter's node id before emitting
// an Error response.
func (e *Error) WithNode(nodeID string) *Error {
	cp := *e
	cp.NodeID = nodeID
	return &cp
}

// Data constructs a DataError: the client supplied bad data (invalid
// schema, an impossible field-advisor selection, a dangling node reference).
func Data(format string, args ...any) *Error {
	return &Error{Kind: KindData, Message: fmt.Sprintf(format, args...)}
}

// MissingImplementation constructs an error for an adapter method the
// concrete adapter type does not implement.
func MissingImplementation(format string, args ...any) *Error {
	return &Error{Kind: KindMissingImplementation, Message: fmt.Sprintf(format, args...)}
}

// Resource wraps cause as a ResourceError: an upstream dependency the
// adapter depends on (network, cache backend, broker) is unavailable.
func Resource(cause error, format string, args ...any) *Error {
	return &Error{Kind: KindResource, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// Server wraps cause as a ServerError: an internal invariant was violated.
func Server(cause error, format string, args ...any) *Error {
	return &Error{Kind: KindServer, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// FromError classifies an arbitrary error into the taxonomy. A *Error
// passes through unchanged; anything else becomes a generic 500, matching
// spec.md §7 ("Generic exception (500): anything uncaught; wrapped with the
// exception's message").
func FromError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Kind: KindServer, Message: err.Error(), Cause: err}
}

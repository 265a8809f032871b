// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"errors"
	"strings"
)

// kindError is a sentinel error that also carries the alphanumeric-only
// tag handleFailure attaches to the error-rate metric.
type kindError struct {
	kind string
	msg  string
}

func (e *kindError) Error() string { return e.msg }

// Kind returns the sanitized (alphanumerics-only) name used to tag
// metrics emitted for this error.
func (e *kindError) Kind() string { return e.kind }

func newKindError(kind, msg string) *kindError {
	return &kindError{kind: kind, msg: msg}
}

var (
	// ErrTimeout is returned when a request exceeds its configured
	// requestTimeout.
	ErrTimeout = newKindError("Timeout", "request timed out")

	// ErrOverloaded is returned by a server when the request queue is at
	// or above its configured requestBufferSize.
	ErrOverloaded = newKindError("Overloaded", "request queue is overloaded")

	// ErrClientOverloaded is returned by a client when the controller's
	// pending buffer is full.
	ErrClientOverloaded = newKindError("ClientOverloaded", "pending buffer is overloaded")

	// ErrNotConnected is returned when a send is attempted while the
	// client has no live writer, or after graceful disconnect has begun.
	ErrNotConnected = newKindError("NotConnected", "not connected")

	// ErrConnectionLost is returned to outstanding requests when the
	// connection drops while they were in transit.
	ErrConnectionLost = newKindError("ConnectionLost", "connection closed while request was in transit")

	// ErrStaleClient is returned by connect() on a client that has
	// already been manually/gracefully disconnected.
	ErrStaleClient = newKindError("StaleClient", "client has been manually disconnected")

	// ErrData indicates a protocol desynchronization, such as a response
	// arriving with no outstanding request.
	ErrData = newKindError("Data", "protocol desynchronization")

	// errSendFailed is returned to a SourcedRequest's handler when the
	// controller reports a write Failure while the request was still in
	// its pending buffer.
	errSendFailed = newKindError("NotConnected", "error while sending")
)

// UserError wraps an error returned by a user-provided ProcessRequest
// implementation, so it still carries a metrics-tag Kind of "User"
// regardless of the wrapped error's own message.
type UserError struct {
	Cause error
}

func (e *UserError) Error() string {
	if e.Cause == nil {
		return "user error"
	}
	return e.Cause.Error()
}

func (e *UserError) Kind() string { return "User" }

func (e *UserError) Unwrap() error { return e.Cause }

// kindOf returns the metrics-tag kind for err, sanitized to
// alphanumerics only, exactly as handleFailure does in the distilled
// spec. Errors that do not implement the Kind() string capability are
// tagged "Unknown".
func kindOf(err error) string {
	var k interface{ Kind() string }
	if errors.As(err, &k) {
		return sanitizeKind(k.Kind())
	}
	return "Unknown"
}

func sanitizeKind(s string) string {
	var b strings.Builder
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "Unknown"
	}
	return b.String()
}

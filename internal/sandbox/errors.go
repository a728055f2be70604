package sandbox

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Kind classifies a sandbox operation failure.
type Kind string

const (
	// KindTimeout indicates a network timeout or deadline exceeded.
	KindTimeout Kind = "timeout"

	// KindTransient indicates a retryable 5xx from the provider.
	KindTransient Kind = "transient"

	// KindNotFound indicates the sandbox or snapshot does not exist.
	KindNotFound Kind = "not_found"

	// KindConflict indicates the sandbox is already gone, typically a
	// pause racing sandbox expiry.
	KindConflict Kind = "conflict"

	// KindBadRequest indicates the provider rejected the request.
	KindBadRequest Kind = "bad_request"

	// KindUnauthorized indicates the provider secret was rejected.
	KindUnauthorized Kind = "unauthorized"
)

// Error is a kinded sandbox operation failure.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("sandbox %s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("sandbox %s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError wraps err with a kind and operation name.
func NewError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds a kinded error from a format string.
func Errorf(kind Kind, op, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the kind of err, classifying raw context and network
// timeouts as KindTimeout. Unclassified errors report KindTransient.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	return KindTransient
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Retryable reports whether the operation may be retried.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTimeout, KindTransient:
		return true
	}
	return false
}

// KindFromStatus maps an HTTP status code to a kind.
func KindFromStatus(status int) Kind {
	switch {
	case status == 401 || status == 403:
		return KindUnauthorized
	case status == 404:
		return KindNotFound
	case status == 409:
		return KindConflict
	case status == 408 || status == 504 || status == 524:
		return KindTimeout
	case status >= 500:
		return KindTransient
	default:
		return KindBadRequest
	}
}

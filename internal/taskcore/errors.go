package taskcore

import (
	"errors"
	"fmt"
)

// Kind classifies an error for transport-level handling. The API layer
// maps a Kind to an HTTP status code; nothing below the API layer speaks
// HTTP directly.
type Kind string

const (
	KindInvalidArgument Kind = "invalid_argument"
	KindNotFound        Kind = "not_found"
	KindConflict        Kind = "conflict"
	KindUnauthenticated Kind = "unauthenticated"
	KindForbidden       Kind = "forbidden"
	KindUnavailable     Kind = "unavailable"
	KindInternal        Kind = "internal"
)

// Error is a classified error carrying a Kind alongside an optional
// machine-readable reason (e.g. "already_claimed", "stale_claim").
type Error struct {
	Kind   Kind
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		if e.Reason != "" {
			return fmt.Sprintf("%s (%s): %v", e.Kind, e.Reason, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	if e.Reason != "" {
		return fmt.Sprintf("%s (%s)", e.Kind, e.Reason)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Wrap constructs a classified *Error.
func Wrap(kind Kind, reason string, err error) *Error {
	return &Error{Kind: kind, Reason: reason, Err: err}
}

// Newf constructs a classified *Error with a formatted message and no
// machine-readable reason.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the Kind of err, defaulting to KindInternal if err does
// not wrap a classified *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// ReasonOf extracts the machine-readable reason of err, or "" if none.
func ReasonOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return ""
}

// Reason constants for conflict-kind errors.
const (
	ReasonAlreadyClaimed    = "already_claimed"
	ReasonNotPending        = "not_pending"
	ReasonStaleClaim        = "stale_claim"
	ReasonInvalidTransition = "invalid_transition"
	ReasonAlreadyTerminal   = "already_terminal"
	ReasonDuplicateIdemKey  = "duplicate"
	ReasonRateLimited       = "rate_limited"
	ReasonUnknownCodebase   = "unknown_codebase"
)

// NotFound/Conflict/Invalid helpers used pervasively by Store implementations.

// NotFound builds a KindNotFound error.
func NotFound(format string, args ...any) *Error {
	return Newf(KindNotFound, format, args...)
}

// Conflict builds a KindConflict error with a machine-readable reason.
func Conflict(reason string, format string, args ...any) *Error {
	return Wrap(KindConflict, reason, fmt.Errorf(format, args...))
}

// Invalid builds a KindInvalidArgument error.
func Invalid(format string, args ...any) *Error {
	return Newf(KindInvalidArgument, format, args...)
}

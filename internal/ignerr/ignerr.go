// Package ignerr defines the error taxonomy shared by every layer of the
// control plane: store, pools, engine, state machine, controllers and proxy
// all report failures through a small tagged Kind instead of ad-hoc sentinel
// errors, so callers can branch on Kind without string matching.
package ignerr

import "fmt"

// Kind classifies an error for callers that need to branch on failure mode
// (controller backoff vs. terminal status, admission rejection, etc).
type Kind string

const (
	NotFound   Kind = "not_found"
	Validation Kind = "validation"
	Conflict   Kind = "conflict"
	IO         Kind = "io"
	Os         Kind = "os"
	Kvm        Kind = "kvm"
	External   Kind = "external"
	Internal   Kind = "internal"
)

// Error is a Kind-tagged error with an optional wrapped cause.
type Error struct {
	Kind    Kind
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

// Is lets errors.Is(err, ignerr.NotFound) work by comparing against a
// sentinel Error carrying only a Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Message == "" && t.Cause == nil {
		return e.Kind == t.Kind
	}
	return e.Kind == t.Kind && e.Message == t.Message
}

// New builds an Error of the given kind.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an Error of the given kind around an existing cause.
func Wrap(kind Kind, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// Sentinel returns a bare Error usable only with errors.Is to test Kind.
func Sentinel(kind Kind) *Error { return &Error{Kind: kind} }

// KindOf extracts the Kind from err, defaulting to Internal for untagged
// errors so callers always have something to switch on.
func KindOf(err error) Kind {
	var e *Error
	if as(err, &e) {
		return e.Kind
	}
	return Internal
}

func as(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// Package errs defines provman's error taxonomy (spec.md §7): a closed
// set of kinds shared by every layer, from path validation up through
// the broker's session-state checks.
package errs

import (
	"errors"
	"fmt"
)

// Kind is one of the transport-neutral error codes enumerated in
// spec.md §6/§7.
type Kind string

const (
	Unexpected Kind = "Unexpected"
	NotFound   Kind = "NotFound"
	BadArgs    Kind = "BadArgs"
	BadKey     Kind = "BadKey"
	Denied     Kind = "Denied"
	Corrupt    Kind = "Corrupt"
	Cancelled  Kind = "Cancelled"
	Died       Kind = "Died"
	IO         Kind = "IO"
	OOM        Kind = "OOM"
	Unknown    Kind = "Unknown"
)

// Error is provman's error type: a Kind plus a human-readable detail.
type Error struct {
	Kind   Kind
	Detail string
	// Wrapped is an optional underlying error (e.g. an os.PathError
	// from a failed metadata-file write), preserved for %w/errors.Is.
	Wrapped error
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *Error) Unwrap() error {
	return e.Wrapped
}

// Is reports whether target is an *Error with the same Kind, so
// callers can write errors.Is(err, errs.New(errs.NotFound, "")).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// New constructs an *Error of the given kind.
func New(kind Kind, detail string) *Error {
	return &Error{Kind: kind, Detail: detail}
}

// Wrap constructs an *Error of the given kind, preserving cause for
// unwrapping.
func Wrap(kind Kind, detail string, cause error) *Error {
	return &Error{Kind: kind, Detail: detail, Wrapped: cause}
}

// NotFoundf, BadArgsf, ... are formatted constructors for the
// kinds used directly by callers throughout the module.
func NotFoundf(format string, args ...any) *Error {
	return New(NotFound, fmt.Sprintf(format, args...))
}

func BadArgsf(format string, args ...any) *Error {
	return New(BadArgs, fmt.Sprintf(format, args...))
}

func BadKeyf(format string, args ...any) *Error {
	return New(BadKey, fmt.Sprintf(format, args...))
}

func Deniedf(format string, args ...any) *Error {
	return New(Denied, fmt.Sprintf(format, args...))
}

func Corruptf(format string, args ...any) *Error {
	return New(Corrupt, fmt.Sprintf(format, args...))
}

func Unexpectedf(format string, args ...any) *Error {
	return New(Unexpected, fmt.Sprintf(format, args...))
}

// OfKind reports whether err is a provman *Error of the given kind,
// unwrapping as needed.
func OfKind(err error, kind Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == kind
}

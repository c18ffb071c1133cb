// Package apperr implements the error taxonomy shared by all content engine
// components. Each error carries a Kind that the presentation layer maps to a
// status code; wrapping preserves the kind through fmt.Errorf("%w").
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for the caller.
type Kind int

const (
	// KindInternal covers I/O failures and validation infrastructure failures.
	KindInternal Kind = iota
	// KindNotFound means the package, resource or dataset is absent.
	KindNotFound
	// KindBadRequest means a malformed payload, unknown type or bad version string.
	KindBadRequest
	// KindConflict means a stale base revision or a VCS merge conflict.
	KindConflict
	// KindForbidden means the caller does not hold the edit lock.
	KindForbidden
	// KindPreconditionFailed means a duplicate resource id.
	KindPreconditionFailed
)

var kindNames = map[Kind]string{
	KindInternal:           "internal",
	KindNotFound:           "not_found",
	KindBadRequest:         "bad_request",
	KindConflict:           "conflict",
	KindForbidden:          "forbidden",
	KindPreconditionFailed: "precondition_failed",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Status returns the HTTP-style status code for the kind.
func (k Kind) Status() int {
	switch k {
	case KindNotFound:
		return 404
	case KindBadRequest:
		return 400
	case KindConflict:
		return 409
	case KindForbidden:
		return 403
	case KindPreconditionFailed:
		return 412
	default:
		return 500
	}
}

// Sentinels for errors.Is checks.
var (
	ErrNotFound           = &Error{Kind: KindNotFound}
	ErrBadRequest         = &Error{Kind: KindBadRequest}
	ErrConflict           = &Error{Kind: KindConflict}
	ErrForbidden          = &Error{Kind: KindForbidden}
	ErrPreconditionFailed = &Error{Kind: KindPreconditionFailed}
	ErrInternal           = &Error{Kind: KindInternal}
)

// Error is a classified error.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return e.Msg + ": " + e.Err.Error()
	case e.Msg != "":
		return e.Msg
	case e.Err != nil:
		return e.Err.Error()
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// New creates a classified error with a formatted message.
func New(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies err. A nil err yields nil.
func Wrap(kind Kind, err error, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// NotFound is shorthand for New(KindNotFound, ...).
func NotFound(format string, args ...any) error { return New(KindNotFound, format, args...) }

// BadRequest is shorthand for New(KindBadRequest, ...).
func BadRequest(format string, args ...any) error { return New(KindBadRequest, format, args...) }

// Conflict is shorthand for New(KindConflict, ...).
func Conflict(format string, args ...any) error { return New(KindConflict, format, args...) }

// Forbidden is shorthand for New(KindForbidden, ...).
func Forbidden(format string, args ...any) error { return New(KindForbidden, format, args...) }

// PreconditionFailed is shorthand for New(KindPreconditionFailed, ...).
func PreconditionFailed(format string, args ...any) error {
	return New(KindPreconditionFailed, format, args...)
}

// Internal wraps an infrastructure failure.
func Internal(err error, msg string) error { return Wrap(KindInternal, err, msg) }

// KindOf returns the kind of the first classified error in err's chain.
// Unclassified errors are internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

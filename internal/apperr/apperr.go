// Package apperr implements the error-kind taxonomy of the engine: every
// error surfaced across a component boundary is one of a small fixed set
// of kinds, each with a well-known HTTP status mapping. Handlers never
// invent ad-hoc status codes; they translate a kind.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is one of the taxonomy's error kinds (spec §7).
type Kind int

const (
	// KindValidation is malformed input or a missing id.
	KindValidation Kind = iota
	// KindPrecondition is a request made against the wrong state.
	KindPrecondition
	// KindAuthorization is a caller that is not a party to the resource.
	KindAuthorization
	// KindNotFound is an unknown id.
	KindNotFound
	// KindUpstream is a failure in an external collaborator (payment
	// gateway, media token issuer).
	KindUpstream
	// KindFatal is a Store write failure mid-transition.
	KindFatal
	// KindDuplicate is an idempotency collision that should be
	// acknowledged as a success with no mutation.
	KindDuplicate
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindPrecondition:
		return "precondition"
	case KindAuthorization:
		return "authorization"
	case KindNotFound:
		return "not_found"
	case KindUpstream:
		return "upstream"
	case KindFatal:
		return "fatal"
	case KindDuplicate:
		return "duplicate"
	default:
		return "unknown"
	}
}

// HTTPStatus maps a Kind onto the status code that a caller-facing HTTP
// response should carry.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindPrecondition:
		return http.StatusConflict
	case KindAuthorization:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindUpstream:
		return http.StatusBadGateway
	case KindFatal:
		return http.StatusInternalServerError
	case KindDuplicate:
		return http.StatusOK
	default:
		return http.StatusInternalServerError
	}
}

// Error is a kinded error carrying an operator-facing message and an
// optionally wrapped cause.
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

// New builds an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an Error of the given kind around a cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Validation is shorthand for New(KindValidation, ...).
func Validation(format string, args ...any) *Error {
	return New(KindValidation, fmt.Sprintf(format, args...))
}

// Precondition is shorthand for New(KindPrecondition, ...).
func Precondition(format string, args ...any) *Error {
	return New(KindPrecondition, fmt.Sprintf(format, args...))
}

// Authorization is shorthand for New(KindAuthorization, ...).
func Authorization(format string, args ...any) *Error {
	return New(KindAuthorization, fmt.Sprintf(format, args...))
}

// NotFound is shorthand for New(KindNotFound, ...).
func NotFound(format string, args ...any) *Error {
	return New(KindNotFound, fmt.Sprintf(format, args...))
}

// Upstream is shorthand for Wrap(KindUpstream, ...).
func Upstream(message string, cause error) *Error {
	return Wrap(KindUpstream, message, cause)
}

// Fatal is shorthand for Wrap(KindFatal, ...).
func Fatal(message string, cause error) *Error {
	return Wrap(KindFatal, message, cause)
}

// As extracts an *Error from err, if any is present in its chain.
func As(err error) (*Error, bool) {
	var target *Error
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// KindOf reports the Kind of err, defaulting to KindFatal when err does
// not carry a Kind (an unexpected/unclassified failure).
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return KindFatal
}

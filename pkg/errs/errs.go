// Package errs defines the engine's error taxonomy: a fixed set of kinds (not
// types) that every layer above storage converts its failures into, so that a
// single mapping function can turn any of them into an HTTP status or a socket
// error frame.
package errs

import (
	"errors"
	"fmt"
)

// Kind is one of the fixed error categories from the error-handling design.
type Kind string

const (
	KindNotFound        Kind = "not_found"
	KindForbidden       Kind = "forbidden"
	KindRateLimited     Kind = "rate_limited"
	KindTooManyRequests Kind = "too_many_requests"
	KindValidation      Kind = "validation"
	KindProviderError   Kind = "provider_error"
	KindTransient       Kind = "transient"
	KindInternal        Kind = "internal"
)

// Error is the concrete error type carrying a Kind plus a redacted,
// user-visible message. Internal details belong in the wrapped cause, which is
// logged but never rendered to a caller.
type Error struct {
	Kind    Kind
	Message string
	Reason  string // extra detail for RateLimited ("requests/minute", "executions/hour", "tokens/day")
	cause   error
}

func (e *Error) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Message, e.Reason)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Is supports errors.Is(err, errs.NotFound) style sentinel comparisons by Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Message == ""
}

func new_(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, cause: cause}
}

func NotFound(msg string) *Error  { return new_(KindNotFound, msg, nil) }
func Forbidden(msg string) *Error { return new_(KindForbidden, msg, nil) }
func RateLimited(reason string) *Error {
	return &Error{Kind: KindRateLimited, Message: "rate limit exceeded", Reason: reason}
}
func TooManyRequests(msg string) *Error { return new_(KindTooManyRequests, msg, nil) }
func Validation(msg string) *Error      { return new_(KindValidation, msg, nil) }
func ProviderError(status int, msg string) *Error {
	return &Error{Kind: KindProviderError, Message: msg, Reason: fmt.Sprintf("status=%d", status)}
}
func Transient(msg string, cause error) *Error { return new_(KindTransient, msg, cause) }
func Internal(msg string, cause error) *Error  { return new_(KindInternal, msg, cause) }

// Sentinels usable with errors.Is for kind-only comparisons, e.g.
// errors.Is(err, errs.ErrNotFound).
var (
	ErrNotFound        = &Error{Kind: KindNotFound}
	ErrForbidden       = &Error{Kind: KindForbidden}
	ErrRateLimited     = &Error{Kind: KindRateLimited}
	ErrTooManyRequests = &Error{Kind: KindTooManyRequests}
	ErrValidation      = &Error{Kind: KindValidation}
	ErrProviderError   = &Error{Kind: KindProviderError}
	ErrTransient       = &Error{Kind: KindTransient}
	ErrInternal        = &Error{Kind: KindInternal}
)

// As extracts the *Error from err, if any is present in its chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the Kind of err if it is (or wraps) an *Error, else KindInternal.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return KindInternal
}

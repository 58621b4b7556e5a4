// Package apperr defines the tagged error taxonomy every fallible operation
// in conduit returns. Retry policy and HTTP status mapping consult Kind,
// never the message text.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind categorizes a failure per spec §7.
type Kind string

const (
	Validation        Kind = "validation"
	Auth               Kind = "auth"
	NotFound           Kind = "not_found"
	Conflict           Kind = "conflict"
	RateLimited        Kind = "rate_limited"
	QuotaExceeded      Kind = "quota_exceeded"
	UpstreamTimeout    Kind = "upstream_timeout"
	UpstreamTransient  Kind = "upstream_transient"
	UpstreamPermanent  Kind = "upstream_permanent"
	Permission         Kind = "permission"
	Internal           Kind = "internal"
)

// Error is the tagged result every fallible operation returns on failure.
type Error struct {
	Kind       Kind
	Message    string
	Cause      error
	RetryAfter int // seconds; only meaningful for RateLimited
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New creates an *Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap creates an *Error of the given kind wrapping cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// WithRetryAfter returns a copy of e with RetryAfter set (rate_limited only).
func (e *Error) WithRetryAfter(seconds int) *Error {
	cp := *e
	cp.RetryAfter = seconds
	return &cp
}

// KindOf extracts the Kind of err, defaulting to Internal if err is not (or
// does not wrap) an *Error.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return Internal
}

// Retryable reports whether a failure of this kind should be retried with
// bounded backoff: only upstream timeouts and transient upstream errors are.
// Every other kind, rate_limited included, is returned without a retry.
func (k Kind) Retryable() bool {
	switch k {
	case UpstreamTimeout, UpstreamTransient:
		return true
	default:
		return false
	}
}

// HTTPStatus maps a Kind to the HTTP status code from spec §6.
func (k Kind) HTTPStatus() int {
	switch k {
	case Validation:
		return http.StatusUnprocessableEntity
	case Auth:
		return http.StatusUnauthorized
	case NotFound:
		return http.StatusNotFound
	case Conflict:
		return http.StatusConflict
	case RateLimited:
		return http.StatusTooManyRequests
	case QuotaExceeded:
		return http.StatusPaymentRequired
	case Permission:
		return http.StatusForbidden
	case UpstreamTimeout, UpstreamTransient:
		return http.StatusServiceUnavailable
	case UpstreamPermanent:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

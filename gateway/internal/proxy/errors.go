package proxy

import (
	"net/http"

	"github.com/pkg/errors"
)

// Kind classifies a failed call for callers and transports.
type Kind string

const (
	KindBadRequest          Kind = "BAD_REQUEST"
	KindNotFound            Kind = "NOT_FOUND"
	KindForbidden           Kind = "FORBIDDEN"
	KindPaymentRequired     Kind = "PAYMENT_REQUIRED"
	KindUpstreamTimeout     Kind = "UPSTREAM_TIMEOUT"
	KindUpstreamUnavailable Kind = "UPSTREAM_UNAVAILABLE"
	KindInternal            Kind = "INTERNAL"
)

// HTTPStatus is the status code a Kind maps to.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindBadRequest:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindForbidden:
		return http.StatusForbidden
	case KindPaymentRequired:
		return http.StatusPaymentRequired
	case KindUpstreamTimeout:
		return http.StatusGatewayTimeout
	case KindUpstreamUnavailable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Error is a failed call. It matches the Err* sentinels of the same Kind
// under errors.Is.
type Error struct {
	Kind          Kind
	Message       string
	CorrelationID string
	Err           error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

func newError(kind Kind, correlationID, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, CorrelationID: correlationID, Err: err}
}

// KindOf returns the Kind of err, or KindInternal for foreign errors.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindInternal
}

// CorrelationIDOf returns the correlation id carried by err, if any.
func CorrelationIDOf(err error) string {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.CorrelationID
	}
	return ""
}

// Sentinels for errors.Is.
var (
	ErrBadRequest          = &Error{Kind: KindBadRequest, Message: "bad request"}
	ErrNotFound            = &Error{Kind: KindNotFound, Message: "api not found"}
	ErrForbidden           = &Error{Kind: KindForbidden, Message: "api is private"}
	ErrPaymentRequired     = &Error{Kind: KindPaymentRequired, Message: "free quota exhausted"}
	ErrUpstreamTimeout     = &Error{Kind: KindUpstreamTimeout, Message: "upstream timed out"}
	ErrUpstreamUnavailable = &Error{Kind: KindUpstreamUnavailable, Message: "upstream unavailable"}
	ErrInternal            = &Error{Kind: KindInternal, Message: "internal error"}
)

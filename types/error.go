package types

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind is the stable identifier surfaced as error.kind.
type ErrorKind string

// Generation pipeline kinds
const (
	ErrValidation        ErrorKind = "validation_error"
	ErrPersonaNotFound   ErrorKind = "persona_not_found"
	ErrProviderTransient ErrorKind = "provider_transient_error"
	ErrProviderPermanent ErrorKind = "provider_permanent_error"
	ErrTimeout           ErrorKind = "timeout_error"
	ErrStore             ErrorKind = "store_error"
)

// HTTP surface kinds
const (
	ErrNotFound     ErrorKind = "not_found"
	ErrUnauthorized ErrorKind = "unauthorized"
	ErrRateLimited  ErrorKind = "rate_limited"
	ErrConflict     ErrorKind = "conflict"
	ErrUnavailable  ErrorKind = "service_unavailable"
	ErrInternal     ErrorKind = "internal_error"
)

// Error represents a structured error with kind, message, and metadata.
type Error struct {
	Kind       ErrorKind `json:"kind"`
	Message    string    `json:"message"`
	HTTPStatus int       `json:"-"`
	Retryable  bool      `json:"retryable,omitempty"`
	Provider   string    `json:"provider,omitempty"`
	Cause      error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports kind equality so sentinel-style checks work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Message == "" && t.Kind == e.Kind
}

// NewError creates a new Error with the given kind and message.
// Provider transient errors are retryable by default.
func NewError(kind ErrorKind, message string) *Error {
	return &Error{Kind: kind, Message: message, Retryable: kind == ErrProviderTransient}
}

// Errorf is NewError with formatting.
func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return NewError(kind, fmt.Sprintf(format, args...))
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithHTTPStatus sets the HTTP status code.
func (e *Error) WithHTTPStatus(status int) *Error {
	e.HTTPStatus = status
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithProvider sets the provider name.
func (e *Error) WithProvider(provider string) *Error {
	e.Provider = provider
	return e
}

// Kind sentinels, usable as errors.Is(err, types.KindTimeout).
var (
	KindValidation        = &Error{Kind: ErrValidation}
	KindPersonaNotFound   = &Error{Kind: ErrPersonaNotFound}
	KindProviderTransient = &Error{Kind: ErrProviderTransient}
	KindProviderPermanent = &Error{Kind: ErrProviderPermanent}
	KindTimeout           = &Error{Kind: ErrTimeout}
	KindStore             = &Error{Kind: ErrStore}
	KindNotFound          = &Error{Kind: ErrNotFound}
)

// AsError extracts the first *Error in the chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	if e, ok := AsError(err); ok {
		return e.Retryable
	}
	return false
}

// KindOf extracts the error kind, defaulting to internal_error.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	if e, ok := AsError(err); ok {
		return e.Kind
	}
	return ErrInternal
}

// HTTPStatusOf returns the explicit status if set, otherwise the kind mapping.
func HTTPStatusOf(err error) int {
	e, ok := AsError(err)
	if !ok {
		return http.StatusInternalServerError
	}
	if e.HTTPStatus != 0 {
		return e.HTTPStatus
	}
	return StatusForKind(e.Kind)
}

// StatusForKind maps an error kind to the HTTP status the API responds with.
func StatusForKind(kind ErrorKind) int {
	switch kind {
	case ErrValidation:
		return http.StatusBadRequest
	case ErrPersonaNotFound, ErrNotFound:
		return http.StatusNotFound
	case ErrUnauthorized:
		return http.StatusUnauthorized
	case ErrRateLimited:
		return http.StatusTooManyRequests
	case ErrConflict:
		return http.StatusConflict
	case ErrProviderTransient, ErrUnavailable:
		return http.StatusServiceUnavailable
	case ErrProviderPermanent:
		return http.StatusBadGateway
	case ErrTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// Validation is shorthand for a validation_error.
func Validation(format string, args ...any) *Error {
	return Errorf(ErrValidation, format, args...)
}

// NotFound is shorthand for a not_found error.
func NotFound(format string, args ...any) *Error {
	return Errorf(ErrNotFound, format, args...)
}

// StoreFailure wraps a backend error as store_error.
func StoreFailure(op string, cause error) *Error {
	return NewError(ErrStore, op).WithCause(cause)
}

// IsTransientHTTPStatus reports whether an upstream status is worth retrying:
// request timeout, rate limiting and any 5xx.
func IsTransientHTTPStatus(status int) bool {
	return status == http.StatusRequestTimeout ||
		status == http.StatusTooManyRequests ||
		status >= 500
}

// ProviderHTTPError normalizes a non-2xx upstream response.
func ProviderHTTPError(provider string, status int, body string) *Error {
	kind := ErrProviderPermanent
	if IsTransientHTTPStatus(status) {
		kind = ErrProviderTransient
	}
	msg := fmt.Sprintf("%s returned HTTP %d", provider, status)
	if body != "" {
		if len(body) > 512 {
			body = body[:512]
		}
		msg += ": " + body
	}
	return NewError(kind, msg).WithProvider(provider)
}

// ProviderNetworkError normalizes a transport failure (dial, TLS, reset).
func ProviderNetworkError(provider string, cause error) *Error {
	return NewError(ErrProviderTransient, provider+" request failed").
		WithCause(cause).
		WithProvider(provider)
}

// ProviderMalformed normalizes an unparseable upstream response.
func ProviderMalformed(provider string, cause error) *Error {
	return NewError(ErrProviderPermanent, provider+" returned a malformed response").
		WithCause(cause).
		WithProvider(provider)
}

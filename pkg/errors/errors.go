// Package errors defines the canonical error taxonomy for routing,
// admission and execution. All provider-specific failures are mapped
// onto these kinds before they leave an adapter.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"time"
)

// Kind is the closed classification every surfaced error carries.
type Kind string

// Canonical kinds. Retryability is fixed per kind; RATE_LIMITED and
// CAPACITY_EXHAUSTED additionally carry a wait hint.
const (
	KindInvalidRequest    Kind = "INVALID_REQUEST"
	KindUnauthorized      Kind = "UNAUTHORIZED"
	KindForbidden         Kind = "FORBIDDEN"
	KindNotFound          Kind = "NOT_FOUND"
	KindUnprocessable     Kind = "UNPROCESSABLE"
	KindRateLimited       Kind = "RATE_LIMITED"
	KindTimeout           Kind = "TIMEOUT"
	KindNetwork           Kind = "NETWORK"
	KindServerError       Kind = "SERVER_ERROR"
	KindCapacityExhausted Kind = "CAPACITY_EXHAUSTED"
	KindCancelled         Kind = "CANCELLED"
	KindQueueFull         Kind = "QUEUE_FULL"
)

// Error is the standardized failure shape for the whole control plane.
// It carries enough context for retry decisions, logging, and the
// client-facing response.
type Error struct {
	Kind       Kind          `json:"kind"`
	StatusCode int           `json:"statusCode,omitempty"`
	Message    string        `json:"message"`
	Provider   string        `json:"provider,omitempty"`
	Model      string        `json:"model,omitempty"`
	Retryable  bool          `json:"-"`
	RetryAfter time.Duration `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Provider != "" {
		return fmt.Sprintf("[%s] %s (provider=%s, model=%s, code=%d)",
			e.Kind, e.Message, e.Provider, e.Model, e.StatusCode)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// HTTPStatusCode returns the status code to surface to API clients.
func (e *Error) HTTPStatusCode() int {
	if e.StatusCode > 0 {
		return e.StatusCode
	}
	switch e.Kind {
	case KindInvalidRequest:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindUnprocessable:
		return http.StatusUnprocessableEntity
	case KindRateLimited, KindQueueFull:
		return http.StatusTooManyRequests
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindCapacityExhausted:
		return http.StatusServiceUnavailable
	case KindCancelled:
		return 499 // client closed request
	default:
		return http.StatusInternalServerError
	}
}

// NewInvalidRequest creates a validation or schema rejection error.
func NewInvalidRequest(provider, model, message string) *Error {
	return &Error{
		Kind:       KindInvalidRequest,
		StatusCode: http.StatusBadRequest,
		Message:    message,
		Provider:   provider,
		Model:      model,
		Retryable:  false,
	}
}

// NewUnauthorized creates a credential error (401).
func NewUnauthorized(provider, model, message string) *Error {
	return &Error{
		Kind:       KindUnauthorized,
		StatusCode: http.StatusUnauthorized,
		Message:    message,
		Provider:   provider,
		Model:      model,
		Retryable:  false,
	}
}

// NewForbidden creates a policy rejection error (403).
func NewForbidden(provider, model, message string) *Error {
	return &Error{
		Kind:       KindForbidden,
		StatusCode: http.StatusForbidden,
		Message:    message,
		Provider:   provider,
		Model:      model,
		Retryable:  false,
	}
}

// NewNotFound creates a missing model or provider error (404).
func NewNotFound(provider, model, message string) *Error {
	return &Error{
		Kind:       KindNotFound,
		StatusCode: http.StatusNotFound,
		Message:    message,
		Provider:   provider,
		Model:      model,
		Retryable:  false,
	}
}

// NewUnprocessable creates a content refusal error (422).
func NewUnprocessable(provider, model, message string) *Error {
	return &Error{
		Kind:       KindUnprocessable,
		StatusCode: http.StatusUnprocessableEntity,
		Message:    message,
		Provider:   provider,
		Model:      model,
		Retryable:  false,
	}
}

// NewRateLimited creates a limit rejection (429) with a wait hint.
func NewRateLimited(provider, message string, retryAfter time.Duration) *Error {
	return &Error{
		Kind:       KindRateLimited,
		StatusCode: http.StatusTooManyRequests,
		Message:    message,
		Provider:   provider,
		Retryable:  true,
		RetryAfter: retryAfter,
	}
}

// NewTimeout creates a deadline error (408).
func NewTimeout(provider, model, message string) *Error {
	return &Error{
		Kind:       KindTimeout,
		StatusCode: http.StatusRequestTimeout,
		Message:    message,
		Provider:   provider,
		Model:      model,
		Retryable:  true,
	}
}

// NewNetwork creates a transport failure error.
func NewNetwork(provider, message string) *Error {
	return &Error{
		Kind:       KindNetwork,
		StatusCode: http.StatusBadGateway,
		Message:    message,
		Provider:   provider,
		Retryable:  true,
	}
}

// NewServerError creates an upstream 5xx error.
func NewServerError(provider, model string, statusCode int, message string) *Error {
	if statusCode < 500 {
		statusCode = http.StatusInternalServerError
	}
	return &Error{
		Kind:       KindServerError,
		StatusCode: statusCode,
		Message:    message,
		Provider:   provider,
		Model:      model,
		Retryable:  true,
	}
}

// NewCapacityExhausted signals that no candidate provider can admit
// the request right now; retryAfter carries the router's wait hint.
func NewCapacityExhausted(message string, retryAfter time.Duration) *Error {
	return &Error{
		Kind:       KindCapacityExhausted,
		StatusCode: http.StatusServiceUnavailable,
		Message:    message,
		Retryable:  true,
		RetryAfter: retryAfter,
	}
}

// NewCancelled creates a terminal cancellation error.
func NewCancelled(message string) *Error {
	return &Error{
		Kind:      KindCancelled,
		Message:   message,
		Retryable: false,
	}
}

// NewQueueFull creates a backpressure rejection.
func NewQueueFull(message string) *Error {
	return &Error{
		Kind:       KindQueueFull,
		StatusCode: http.StatusTooManyRequests,
		Message:    message,
		Retryable:  false,
	}
}

// FromStatusCode maps a raw upstream HTTP status to the canonical
// taxonomy. Adapters use it for statuses without a provider-specific
// mapping.
func FromStatusCode(provider, model string, statusCode int, message string) *Error {
	switch {
	case statusCode == http.StatusUnauthorized:
		return NewUnauthorized(provider, model, message)
	case statusCode == http.StatusForbidden:
		return NewForbidden(provider, model, message)
	case statusCode == http.StatusNotFound:
		return NewNotFound(provider, model, message)
	case statusCode == http.StatusUnprocessableEntity:
		return NewUnprocessable(provider, model, message)
	case statusCode == http.StatusTooManyRequests:
		return NewRateLimited(provider, message, 0)
	case statusCode == http.StatusRequestTimeout:
		return NewTimeout(provider, model, message)
	case statusCode >= 500:
		return NewServerError(provider, model, statusCode, message)
	case statusCode >= 400:
		return NewInvalidRequest(provider, model, message)
	default:
		return NewServerError(provider, model, http.StatusInternalServerError, message)
	}
}

// KindOf extracts the canonical kind from any error chain. Unmapped
// errors report SERVER_ERROR.
func KindOf(err error) Kind {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind
	}
	return KindServerError
}

// IsRetryable reports whether the retry controller may reattempt after
// this error. Unmapped errors are treated as retryable server faults.
func IsRetryable(err error) bool {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Retryable
	}
	return true
}

// WaitHint extracts a suggested wait from the error chain, if any.
func WaitHint(err error) (time.Duration, bool) {
	var e *Error
	if stderrors.As(err, &e) && e.RetryAfter > 0 {
		return e.RetryAfter, true
	}
	return 0, false
}

// Package apperror defines the closed set of errors the gateway translates
// into its JSON error envelope.
package apperror

import (
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/jackc/pgx/v5/pgconn"

	"portare_gateway/internal/cache"
)

// Kind classifies an Error. The set is closed.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindAuth
	KindNotFound
	KindRateLimit
	KindResourceUnavailable
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuth:
		return "auth"
	case KindNotFound:
		return "not_found"
	case KindRateLimit:
		return "rate_limit"
	case KindResourceUnavailable:
		return "resource_unavailable"
	default:
		return "internal"
	}
}

// defaults returns the status, code and message used when an Error leaves them empty.
func (k Kind) defaults() (int, string, string) {
	switch k {
	case KindValidation:
		return http.StatusBadRequest, "VALIDATION_ERROR", "Invalid request"
	case KindAuth:
		return http.StatusUnauthorized, "UNAUTHORIZED", "Authentication required"
	case KindNotFound:
		return http.StatusNotFound, "NOT_FOUND", "Resource not found"
	case KindRateLimit:
		return http.StatusTooManyRequests, "RATE_LIMIT_EXCEEDED", "Too many requests, please try again later."
	case KindResourceUnavailable:
		return http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", "Service temporarily unavailable"
	default:
		return http.StatusInternalServerError, "INTERNAL_ERROR", "Internal Server Error"
	}
}

// Error is a classified request-level error.
type Error struct {
	Kind    Kind
	Status  int
	Code    string
	Message string
	// Detail is diagnostic text, only surfaced outside production.
	Detail string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return e.Code + ": " + e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// WithDetail returns a copy of e carrying detail.
func (e *Error) WithDetail(detail string) *Error {
	c := *e
	c.Detail = detail
	return &c
}

func newError(kind Kind, status int, code, message string, cause error) *Error {
	e := &Error{Kind: kind, Status: status, Code: code, Message: message, Err: cause}
	if cause != nil {
		e.Detail = cause.Error()
	}
	return e.normalize()
}

func (e *Error) normalize() *Error {
	status, code, message := e.Kind.defaults()
	if e.Status == 0 {
		e.Status = status
	}
	if e.Code == "" {
		e.Code = code
	}
	if e.Message == "" {
		e.Message = message
	}
	return e
}

func Validation(message string) *Error {
	return newError(KindValidation, 0, "", message, nil)
}

func PayloadTooLarge(limit int64) *Error {
	return newError(KindValidation, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE",
		fmt.Sprintf("Request body exceeds %d bytes", limit), nil)
}

func Unauthorized(message string) *Error {
	return newError(KindAuth, http.StatusUnauthorized, "UNAUTHORIZED", message, nil)
}

func Forbidden(message string) *Error {
	return newError(KindAuth, http.StatusForbidden, "FORBIDDEN", message, nil)
}

func NotFound(message string) *Error {
	return newError(KindNotFound, 0, "", message, nil)
}

// RouteNotFound is the error for an unmatched method and path.
func RouteNotFound(method, path string) *Error {
	return NotFound(fmt.Sprintf("Route %s %s not found", method, path))
}

func RateLimited(message string) *Error {
	return newError(KindRateLimit, 0, "", message, nil)
}

// Unavailable reports that resource (database, cache) could not serve the request.
func Unavailable(resource string, cause error) *Error {
	e := newError(KindResourceUnavailable, 0, "", "", cause)
	if e.Detail != "" {
		e.Detail = resource + ": " + e.Detail
	}
	return e
}

func Internal(cause error) *Error {
	return newError(KindInternal, 0, "", "", cause)
}

// From classifies any error. A nil error yields nil.
func From(err error) *Error {
	if err == nil {
		return nil
	}

	var appErr *Error
	if errors.As(err, &appErr) {
		c := *appErr
		return c.normalize()
	}

	var maxBytes *http.MaxBytesError
	if errors.As(err, &maxBytes) {
		return PayloadTooLarge(maxBytes.Limit)
	}

	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) || pgconn.Timeout(err) {
		return Unavailable("database", err)
	}

	var cacheErr *cache.CacheError
	if errors.As(err, &cacheErr) || errors.Is(err, cache.ErrUnavailable) || errors.Is(err, cache.ErrClosed) {
		return Unavailable("cache", err)
	}

	var netErr *net.OpError
	if errors.As(err, &netErr) {
		return Unavailable("network", err)
	}

	return Internal(err)
}

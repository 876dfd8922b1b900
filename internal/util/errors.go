package util

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Sentinel errors for the request pipeline. Every terminal state of a
// request that is not a successful proxy round trip maps onto exactly
// one of these, and Classify turns them into wire responses.
var (
	ErrNotFound          = errors.New("no matching route")
	ErrUnauthorized      = errors.New("authentication required")
	ErrTokenExpired      = errors.New("token expired")
	ErrForbidden         = errors.New("access denied")
	ErrRateLimited       = errors.New("rate limit exceeded")
	ErrCircuitOpen       = errors.New("circuit breaker open")
	ErrNoHealthyEndpoint = errors.New("no healthy endpoint")
	ErrUpstreamTimeout   = errors.New("upstream timeout")
	ErrUpstreamUnavail   = errors.New("upstream unavailable")
	ErrConfigInvalid     = errors.New("invalid configuration")
)

// Machine-readable error codes carried in the response envelope.
const (
	CodeNotFound          = "NOT_FOUND"
	CodeUnauthorized      = "UNAUTHORIZED"
	CodeTokenExpired      = "TOKEN_EXPIRED"
	CodeForbidden         = "FORBIDDEN"
	CodeRateLimited       = "RATE_LIMITED"
	CodeCircuitOpen       = "CIRCUIT_OPEN"
	CodeNoHealthyEndpoint = "NO_HEALTHY_ENDPOINT"
	CodeUpstreamTimeout   = "UPSTREAM_TIMEOUT"
	CodeUpstreamError     = "UPSTREAM_ERROR"
	CodeInternal          = "INTERNAL"
	CodeConfigInvalid     = "CONFIG_INVALID"
)

// Classify maps an error to the HTTP status and machine code used at
// the dispatcher boundary. Unknown errors are treated as internal.
func Classify(err error) (status int, code string) {
	switch {
	case err == nil:
		return http.StatusOK, ""
	case errors.Is(err, ErrTokenExpired):
		return http.StatusUnauthorized, CodeTokenExpired
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized, CodeUnauthorized
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden, CodeForbidden
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound, CodeNotFound
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests, CodeRateLimited
	case errors.Is(err, ErrCircuitOpen):
		return http.StatusServiceUnavailable, CodeCircuitOpen
	case errors.Is(err, ErrNoHealthyEndpoint):
		return http.StatusServiceUnavailable, CodeNoHealthyEndpoint
	case errors.Is(err, ErrUpstreamTimeout):
		return http.StatusGatewayTimeout, CodeUpstreamTimeout
	case errors.Is(err, ErrUpstreamUnavail):
		return http.StatusBadGateway, CodeUpstreamError
	default:
		return http.StatusInternalServerError, CodeInternal
	}
}

// ConfigError reports a configuration document that failed validation.
// The gateway must not serve traffic from a config carrying one.
type ConfigError struct {
	Field   string
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("config error at %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("config error: %s", e.Message)
}

// Unwrap returns the underlying error.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// Is reports whether the target is a ConfigError or the config sentinel.
func (e *ConfigError) Is(target error) bool {
	if target == ErrConfigInvalid {
		return true
	}
	_, ok := target.(*ConfigError)
	return ok || errors.Is(e.Cause, target)
}

// NewConfigError creates a ConfigError for the given field.
func NewConfigError(field, message string) *ConfigError {
	return &ConfigError{Field: field, Message: message}
}

// NewConfigErrorWithCause creates a ConfigError wrapping a cause.
func NewConfigErrorWithCause(field, message string, cause error) *ConfigError {
	return &ConfigError{Field: field, Message: message, Cause: cause}
}

// RouteNotFoundError records the request that matched no route.
type RouteNotFoundError struct {
	Method string
	Path   string
}

// Error implements the error interface.
func (e *RouteNotFoundError) Error() string {
	return fmt.Sprintf("no route for %s %s", e.Method, e.Path)
}

// Is matches the ErrNotFound sentinel.
func (e *RouteNotFoundError) Is(target error) bool {
	if target == ErrNotFound {
		return true
	}
	_, ok := target.(*RouteNotFoundError)
	return ok
}

// RateLimitError reports a denied admission with the wait until the
// next token becomes available.
type RateLimitError struct {
	Scope      string
	Limit      int
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s (limit %d, retry after %v)", e.Scope, e.Limit, e.RetryAfter)
}

// Is matches the ErrRateLimited sentinel.
func (e *RateLimitError) Is(target error) bool {
	if target == ErrRateLimited {
		return true
	}
	_, ok := target.(*RateLimitError)
	return ok
}

// CircuitOpenError reports a call rejected by an open breaker.
type CircuitOpenError struct {
	Backend string
}

// Error implements the error interface.
func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit breaker open for backend %s", e.Backend)
}

// Is matches the ErrCircuitOpen sentinel.
func (e *CircuitOpenError) Is(target error) bool {
	if target == ErrCircuitOpen {
		return true
	}
	_, ok := target.(*CircuitOpenError)
	return ok
}

// NoHealthyEndpointError reports a backend whose endpoints are all out
// of rotation.
type NoHealthyEndpointError struct {
	Backend string
}

// Error implements the error interface.
func (e *NoHealthyEndpointError) Error() string {
	return fmt.Sprintf("no healthy endpoint for backend %s", e.Backend)
}

// Is matches the ErrNoHealthyEndpoint sentinel.
func (e *NoHealthyEndpointError) Is(target error) bool {
	if target == ErrNoHealthyEndpoint {
		return true
	}
	_, ok := target.(*NoHealthyEndpointError)
	return ok
}

// UpstreamError reports a transport-level failure talking to an
// endpoint (refused, reset, DNS). Timeouts use ErrUpstreamTimeout.
type UpstreamError struct {
	Backend  string
	Endpoint string
	Cause    error
}

// Error implements the error interface.
func (e *UpstreamError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("upstream %s (%s): %v", e.Backend, e.Endpoint, e.Cause)
	}
	return fmt.Sprintf("upstream %s (%s) unavailable", e.Backend, e.Endpoint)
}

// Unwrap returns the underlying error.
func (e *UpstreamError) Unwrap() error {
	return e.Cause
}

// Is matches the ErrUpstreamUnavail sentinel.
func (e *UpstreamError) Is(target error) bool {
	if target == ErrUpstreamUnavail {
		return true
	}
	_, ok := target.(*UpstreamError)
	return ok || errors.Is(e.Cause, target)
}

// ServerError marks a backend response with a 5xx status so the
// breaker counts it as a failure without disturbing the response body.
type ServerError struct {
	StatusCode int
}

// Error implements the error interface.
func (e *ServerError) Error() string {
	return fmt.Sprintf("server error: status %d", e.StatusCode)
}

// NewServerError creates a ServerError for the given status code.
func NewServerError(statusCode int) *ServerError {
	return &ServerError{StatusCode: statusCode}
}

package api

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/deepfriedcyber/pgpool-runtime-manager/internal/autoscaler"
	"github.com/deepfriedcyber/pgpool-runtime-manager/internal/dbpool"
	"github.com/deepfriedcyber/pgpool-runtime-manager/internal/indexes"
)

// ErrorBuilder provides a fluent interface for building structured errors
type ErrorBuilder struct {
	code       string
	message    string
	statusCode int
	details    string
	context    map[string]interface{}
}

// NewError creates a new error builder
func NewError(code, message string) *ErrorBuilder {
	return &ErrorBuilder{
		code:    code,
		message: message,
		context: make(map[string]interface{}),
	}
}

// WithStatus sets the HTTP status code
func (e *ErrorBuilder) WithStatus(statusCode int) *ErrorBuilder {
	e.statusCode = statusCode
	return e
}

// WithDetails adds detailed error information
func (e *ErrorBuilder) WithDetails(details string) *ErrorBuilder {
	e.details = details
	return e
}

// WithContext adds contextual information
func (e *ErrorBuilder) WithContext(key string, value interface{}) *ErrorBuilder {
	e.context[key] = value
	return e
}

// Build creates the final BusinessError
func (e *ErrorBuilder) Build() *BusinessError {
	if e.statusCode == 0 {
		e.statusCode = http.StatusInternalServerError
	}

	var ctx map[string]interface{}
	if len(e.context) > 0 {
		ctx = e.context
	}

	return &BusinessError{
		Code:       e.code,
		Message:    e.message,
		Details:    e.details,
		StatusCode: e.statusCode,
		Context:    ctx,
		Timestamp:  time.Now(),
	}
}

// BusinessError is the error body returned by every failing endpoint
type BusinessError struct {
	Code       string                 `json:"code"`
	Message    string                 `json:"message"`
	Details    string                 `json:"details,omitempty"`
	StatusCode int                    `json:"-"`
	Context    map[string]interface{} `json:"context,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
}

func (e BusinessError) Error() string {
	return e.Message
}

// Common error builders
var (
	ErrAuthenticationFailed = func(details string) *BusinessError {
		return NewError("auth_failed", "Authentication failed").
			WithStatus(http.StatusUnauthorized).
			WithDetails(details).
			Build()
	}

	ErrAuthorizationFailed = func(scope string) *BusinessError {
		return NewError("auth_insufficient", "Insufficient permissions").
			WithStatus(http.StatusForbidden).
			WithContext("required_scope", scope).
			Build()
	}

	ErrInvalidJSON = func(parseError error) *BusinessError {
		return NewError("invalid_json", "Invalid JSON in request body").
			WithStatus(http.StatusBadRequest).
			WithDetails(parseError.Error()).
			Build()
	}

	ErrMissingParameter = func(paramName string) *BusinessError {
		return NewError("missing_parameter", "Required parameter missing").
			WithStatus(http.StatusBadRequest).
			WithContext("parameter", paramName).
			WithDetails(fmt.Sprintf("Parameter '%s' is required", paramName)).
			Build()
	}

	ErrInvalidParameter = func(paramName, reason string) *BusinessError {
		return NewError("invalid_parameter", "Invalid parameter value").
			WithStatus(http.StatusBadRequest).
			WithContext("parameter", paramName).
			WithDetails(reason).
			Build()
	}

	ErrRateLimited = func(retryAfter time.Duration) *BusinessError {
		return NewError("rate_limited", "Rate limit exceeded").
			WithStatus(http.StatusTooManyRequests).
			WithContext("retry_after_seconds", int(retryAfter.Seconds()+0.5)).
			Build()
	}

	ErrServiceUnavailable = func(service string) *BusinessError {
		return NewError("service_unavailable", "Service not configured").
			WithStatus(http.StatusServiceUnavailable).
			WithContext("service", service).
			Build()
	}

	ErrMethodNotAllowed = func(method string) *BusinessError {
		return NewError("method_not_allowed", "Method not allowed").
			WithStatus(http.StatusMethodNotAllowed).
			WithContext("method", method).
			Build()
	}
)

// classifyError maps a domain error onto a BusinessError
func classifyError(operation string, err error) *BusinessError {
	var (
		be          *BusinessError
		notFound    *indexes.NotFoundError
		poolInvalid *dbpool.ValidationError
		scaleErr    *autoscaler.ScalingError
	)

	switch {
	case errors.As(err, &be):
		return be
	case errors.As(err, &notFound):
		return NewError("index_not_found", "Index not found").
			WithStatus(http.StatusNotFound).
			WithContext("index", notFound.Name).
			WithDetails(notFound.Reason).
			Build()
	case errors.As(err, &poolInvalid), errors.Is(err, autoscaler.ErrInvalidConfiguration):
		return NewError("validation_failed", "Request validation failed").
			WithStatus(http.StatusBadRequest).
			WithDetails(err.Error()).
			Build()
	case errors.As(err, &scaleErr):
		return NewError("scaling_failed", "Pool resize failed").
			WithStatus(http.StatusBadGateway).
			WithContext("pool", scaleErr.Pool).
			WithDetails(err.Error()).
			Build()
	case dbpool.IsPoolExhausted(err):
		return NewError("pool_exhausted", "No database connection available").
			WithStatus(http.StatusServiceUnavailable).
			WithDetails(err.Error()).
			Build()
	default:
		return NewError("internal_error", "Internal server error").
			WithStatus(http.StatusInternalServerError).
			WithContext("operation", operation).
			Build()
	}
}

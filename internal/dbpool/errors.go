// Package dbpool error definitions classify connection, retry and statement
// failures so callers can tell backpressure apart from broken queries.
//
// Connection failures are the only ones retried locally. Query failures always
// surface to the caller because statements are not assumed to be idempotent.
package dbpool

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrPoolClosed indicates the source was closed before or during the call.
	ErrPoolClosed = errors.New("connection pool is closed")

	// ErrNilHandle indicates a nil handle was passed to Release.
	ErrNilHandle = errors.New("nil connection handle")
)

// ConnectionErrorKind distinguishes why a connection could not be obtained.
type ConnectionErrorKind string

const (
	// PoolExhausted means no slot below the current maximum became free in time.
	PoolExhausted ConnectionErrorKind = "pool_exhausted"
	// ConnectionTimeout means the database did not hand out a connection before the connect timeout.
	ConnectionTimeout ConnectionErrorKind = "connection_timeout"
	// NetworkFailure covers every other failure of the underlying pool.
	NetworkFailure ConnectionErrorKind = "network_failure"
)

// ConnectionError reports a failed acquisition.
type ConnectionError struct {
	Pool  string
	Kind  ConnectionErrorKind
	Cause error
}

func (e *ConnectionError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("connection error for pool '%s': %s", e.Pool, e.Kind)
	}
	return fmt.Sprintf("connection error for pool '%s': %s: %v", e.Pool, e.Kind, e.Cause)
}

func (e *ConnectionError) Unwrap() error {
	return e.Cause
}

// RetryExhaustedError wraps the last connection error after every attempt failed.
type RetryExhaustedError struct {
	Attempts int
	Cause    error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("connection retry exhausted after %d attempt(s): %v", e.Attempts, e.Cause)
}

func (e *RetryExhaustedError) Unwrap() error {
	return e.Cause
}

// QueryError wraps an engine error together with the statement that caused it.
type QueryError struct {
	Statement string
	Cause     error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("query failed: %v (statement: %s)", e.Cause, truncateStatement(e.Statement))
}

func (e *QueryError) Unwrap() error {
	return e.Cause
}

// ValidationError reports malformed pool options or an out-of-range pool size.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' with value '%v': %s", e.Field, e.Value, e.Message)
}

// NewConnectionError creates a connection error of the given kind.
func NewConnectionError(pool string, kind ConnectionErrorKind, cause error) *ConnectionError {
	return &ConnectionError{Pool: pool, Kind: kind, Cause: cause}
}

// NewQueryError creates a query error for statement.
func NewQueryError(statement string, cause error) *QueryError {
	return &QueryError{Statement: statement, Cause: cause}
}

// NewValidationError creates a validation error.
func NewValidationError(field string, value interface{}, message string) *ValidationError {
	return &ValidationError{Field: field, Value: value, Message: message}
}

// IsPoolExhausted reports whether err was caused by an exhausted pool.
func IsPoolExhausted(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce) && ce.Kind == PoolExhausted
}

// IsRetryable reports whether err is a transient connection failure that
// AcquireWithRetry would retry. Context cancellation by the caller is not.
func IsRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrPoolClosed) {
		return false
	}
	var ce *ConnectionError
	return errors.As(err, &ce)
}

func truncateStatement(statement string) string {
	const limit = 200
	if len(statement) <= limit {
		return statement
	}
	return statement[:limit] + "..."
}

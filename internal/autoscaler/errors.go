package autoscaler

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyRunning indicates the controller is already running.
	// This prevents two loops from resizing the same pool.
	ErrAlreadyRunning = errors.New("controller is already running")

	// ErrNotRunning indicates the controller is not running
	ErrNotRunning = errors.New("controller is not running")

	// ErrInvalidConfiguration indicates invalid scaling settings.
	// The controller refuses to start with it.
	ErrInvalidConfiguration = errors.New("invalid configuration")

	// ErrNilPool indicates the controller was constructed without a pool
	ErrNilPool = errors.New("pool is required")
)

// ValidationError represents a settings validation error with detailed context.
type ValidationError struct {
	Field   string      // The settings field that failed validation
	Value   interface{} // The invalid value that was provided
	Message string      // Human-readable explanation of the validation failure
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' with value '%v': %s", e.Field, e.Value, e.Message)
}

// Unwrap lets callers match any validation failure with ErrInvalidConfiguration.
func (e ValidationError) Unwrap() error {
	return ErrInvalidConfiguration
}

// ScalingError represents a failed resize with full context.
type ScalingError struct {
	Pool      string // The pool whose resize failed
	Operation string // "scale_up" or "scale_down"
	Cause     error  // The underlying error returned by the pool
}

func (e ScalingError) Error() string {
	return fmt.Sprintf("scaling error for pool '%s' during '%s': %v", e.Pool, e.Operation, e.Cause)
}

func (e ScalingError) Unwrap() error {
	return e.Cause
}

// NewValidationError creates a new validation error with the specified field,
// value, and descriptive message.
func NewValidationError(field string, value interface{}, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Value:   value,
		Message: message,
	}
}

// NewScalingError creates a new scaling error
func NewScalingError(pool, operation string, cause error) *ScalingError {
	return &ScalingError{
		Pool:      pool,
		Operation: operation,
		Cause:     cause,
	}
}

// IsCriticalError reports whether err should stop the controller rather than
// be logged and retried on the next tick.
func IsCriticalError(err error) bool {
	return errors.Is(err, ErrInvalidConfiguration) || errors.Is(err, ErrNilPool)
}

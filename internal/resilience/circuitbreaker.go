// Package resilience guards calls to optional outbound services so a broken
// dependency fails fast instead of slowing its callers.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/deepfriedcyber/pgpool-runtime-manager/internal/clock"
)

// CircuitState represents the state of a circuit breaker
type CircuitState int

const (
	StateClosed CircuitState = iota
	StateOpen
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is matched by every rejection from an open circuit
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreakerConfig contains configuration for circuit breaker behavior
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens the circuit
	FailureThreshold int `yaml:"failure_threshold" json:"failure_threshold"`

	// RecoveryTimeout is how long the circuit stays open before probing
	RecoveryTimeout time.Duration `yaml:"recovery_timeout" json:"recovery_timeout"`

	// SuccessThreshold is the number of half-open successes that closes the circuit
	SuccessThreshold int `yaml:"success_threshold" json:"success_threshold"`

	// Timeout bounds each call; zero means no limit beyond the caller's context
	Timeout time.Duration `yaml:"timeout" json:"timeout"`

	// MaxConcurrentRequests limits probes in the half-open state
	MaxConcurrentRequests int `yaml:"max_concurrent_requests" json:"max_concurrent_requests"`
}

// DefaultCircuitBreakerConfig returns defaults suited to event sinks
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold:      5,
		RecoveryTimeout:       30 * time.Second,
		SuccessThreshold:      2,
		Timeout:               2 * time.Second,
		MaxConcurrentRequests: 1,
	}
}

// CircuitBreakerStats provides metrics about circuit breaker operation
type CircuitBreakerStats struct {
	Name             string    `json:"name"`
	State            string    `json:"state"`
	FailureCount     int64     `json:"failure_count"`
	SuccessCount     int64     `json:"success_count"`
	RejectedCount    int64     `json:"rejected_count"`
	LastFailureTime  time.Time `json:"last_failure_time,omitempty"`
	LastSuccessTime  time.Time `json:"last_success_time,omitempty"`
	StateChangedTime time.Time `json:"state_changed_time"`
	NextRetryTime    time.Time `json:"next_retry_time,omitempty"`
}

// CircuitBreaker implements the closed / open / half-open pattern.
//
// Closed: calls pass; consecutive failures are counted.
// Open: calls fail fast with ErrCircuitOpen until RecoveryTimeout elapses.
// Half-open: up to MaxConcurrentRequests probes pass; SuccessThreshold
// successes close the circuit and any failure reopens it.
//
// Usage:
//
//	cb := NewCircuitBreaker("nats", config, logger)
//	err := cb.Execute(ctx, func(ctx context.Context) error {
//	    return conn.Publish(subject, payload)
//	})
type CircuitBreaker struct {
	config CircuitBreakerConfig
	logger *zap.Logger
	name   string
	clock  clock.Clock

	mu                   sync.Mutex
	state                CircuitState
	consecutiveFailures  int
	halfOpenSuccesses    int
	inFlight             int
	failureCount         int64
	successCount         int64
	rejectedCount        int64
	lastFailureTime      time.Time
	lastSuccessTime      time.Time
	stateChangedTime     time.Time
	nextRetryTime        time.Time
	stateChangeListeners []func(old, new CircuitState)
}

// NewCircuitBreaker creates a closed circuit breaker
func NewCircuitBreaker(name string, config CircuitBreakerConfig, logger *zap.Logger) *CircuitBreaker {
	return NewCircuitBreakerWithClock(name, config, logger, clock.Real)
}

// NewCircuitBreakerWithClock creates a circuit breaker driven by clk
func NewCircuitBreakerWithClock(name string, config CircuitBreakerConfig, logger *zap.Logger, clk clock.Clock) *CircuitBreaker {
	defaults := DefaultCircuitBreakerConfig()
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = defaults.FailureThreshold
	}
	if config.RecoveryTimeout <= 0 {
		config.RecoveryTimeout = defaults.RecoveryTimeout
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = defaults.SuccessThreshold
	}
	if config.MaxConcurrentRequests <= 0 {
		config.MaxConcurrentRequests = defaults.MaxConcurrentRequests
	}

	return &CircuitBreaker{
		config:           config,
		logger:           logger.Named("circuit-breaker").With(zap.String("name", name)),
		name:             name,
		clock:            clk,
		state:            StateClosed,
		stateChangedTime: clk.Now(),
	}
}

// Execute runs fn if the circuit allows it. fn receives a context bounded by
// the configured timeout.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	state, err := cb.admit()
	if err != nil {
		return err
	}

	execCtx := ctx
	if cb.config.Timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, cb.config.Timeout)
		defer cancel()
	}

	start := cb.clock.Now()
	err = fn(execCtx)
	if err == nil && execCtx.Err() != nil && ctx.Err() == nil {
		err = fmt.Errorf("operation timeout after %v: %w", cb.config.Timeout, execCtx.Err())
	}
	cb.record(state, err, cb.clock.Now().Sub(start))
	return err
}

// admit decides whether a call may proceed and reserves a half-open slot
func (cb *CircuitBreaker) admit() (CircuitState, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen && !cb.clock.Now().Before(cb.nextRetryTime) {
		cb.setState(StateHalfOpen)
	}

	switch cb.state {
	case StateClosed:
		return StateClosed, nil
	case StateHalfOpen:
		if cb.inFlight < cb.config.MaxConcurrentRequests {
			cb.inFlight++
			return StateHalfOpen, nil
		}
	}

	cb.rejectedCount++
	return cb.state, &CircuitBreakerError{Name: cb.name, State: cb.state, Reason: "circuit breaker is open"}
}

// record folds one call outcome into the state machine
func (cb *CircuitBreaker) record(admittedIn CircuitState, err error, duration time.Duration) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if admittedIn == StateHalfOpen {
		cb.inFlight--
	}

	now := cb.clock.Now()
	if err != nil {
		cb.failureCount++
		cb.lastFailureTime = now
		cb.consecutiveFailures++

		cb.logger.Warn("Circuit breaker recorded failure",
			zap.Error(err),
			zap.Duration("duration", duration),
			zap.Int("consecutive_failures", cb.consecutiveFailures))

		switch cb.state {
		case StateClosed:
			if cb.consecutiveFailures >= cb.config.FailureThreshold {
				cb.setState(StateOpen)
			}
		case StateHalfOpen:
			cb.setState(StateOpen)
		}
		return
	}

	cb.successCount++
	cb.lastSuccessTime = now
	cb.consecutiveFailures = 0

	if cb.state == StateHalfOpen {
		cb.halfOpenSuccesses++
		if cb.halfOpenSuccesses >= cb.config.SuccessThreshold {
			cb.setState(StateClosed)
		}
	}
}

// setState changes state and notifies listeners. Callers hold cb.mu.
func (cb *CircuitBreaker) setState(newState CircuitState) {
	oldState := cb.state
	if oldState == newState {
		return
	}

	now := cb.clock.Now()
	cb.state = newState
	cb.stateChangedTime = now
	cb.halfOpenSuccesses = 0

	switch newState {
	case StateClosed:
		cb.consecutiveFailures = 0
		cb.nextRetryTime = time.Time{}
	case StateOpen:
		cb.nextRetryTime = now.Add(cb.config.RecoveryTimeout)
	}

	cb.logger.Info("Circuit breaker state changed",
		zap.String("old_state", oldState.String()),
		zap.String("new_state", newState.String()),
		zap.Time("next_retry", cb.nextRetryTime))

	for _, listener := range cb.stateChangeListeners {
		go listener(oldState, newState)
	}
}

// State returns the current state, moving open to half-open once the
// recovery timeout has elapsed
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen && !cb.clock.Now().Before(cb.nextRetryTime) {
		cb.setState(StateHalfOpen)
	}
	return cb.state
}

// Stats returns a snapshot of the breaker's counters
func (cb *CircuitBreaker) Stats() CircuitBreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return CircuitBreakerStats{
		Name:             cb.name,
		State:            cb.state.String(),
		FailureCount:     cb.failureCount,
		SuccessCount:     cb.successCount,
		RejectedCount:    cb.rejectedCount,
		LastFailureTime:  cb.lastFailureTime,
		LastSuccessTime:  cb.lastSuccessTime,
		StateChangedTime: cb.stateChangedTime,
		NextRetryTime:    cb.nextRetryTime,
	}
}

// AddStateChangeListener adds a listener for state change events
func (cb *CircuitBreaker) AddStateChangeListener(listener func(old, new CircuitState)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.stateChangeListeners = append(cb.stateChangeListeners, listener)
}

// Reset manually closes the circuit
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.setState(StateClosed)
}

// ForceOpen manually opens the circuit
func (cb *CircuitBreaker) ForceOpen() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.setState(StateOpen)
}

// CircuitBreakerError represents a call rejected by the circuit breaker
type CircuitBreakerError struct {
	Name   string
	State  CircuitState
	Reason string
}

func (e *CircuitBreakerError) Error() string {
	return fmt.Sprintf("circuit breaker '%s' in state '%s': %s", e.Name, e.State.String(), e.Reason)
}

func (e *CircuitBreakerError) Unwrap() error {
	return ErrCircuitOpen
}

// IsCircuitBreakerError checks if an error is a circuit breaker rejection
func IsCircuitBreakerError(err error) bool {
	var cbErr *CircuitBreakerError
	return errors.As(err, &cbErr)
}

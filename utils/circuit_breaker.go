package utils

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var ErrCircuitOpen = errors.New("circuit breaker open")

type CircuitBreakerState string

const (
	CircuitClosed   CircuitBreakerState = "closed"
	CircuitOpen     CircuitBreakerState = "open"
	CircuitHalfOpen CircuitBreakerState = "half_open"
)

type CircuitBreakerConfig struct {
	// Failures within FailureWindow that open the circuit
	FailureThreshold int
	FailureWindow    time.Duration
	// How long the circuit stays open before letting probes through
	RecoveryTimeout time.Duration
	// Concurrent probes allowed while half open
	HalfOpenMaxCalls int
}

func DefaultCircuitBreakerConfig() *CircuitBreakerConfig {
	return &CircuitBreakerConfig{
		FailureThreshold: 8,
		FailureWindow:    time.Minute,
		RecoveryTimeout:  30 * time.Second,
		HalfOpenMaxCalls: 1,
	}
}

// CircuitBreaker stops calling a dependency after repeated failures and
// probes it again once RecoveryTimeout has passed.
type CircuitBreaker struct {
	name   string
	config *CircuitBreakerConfig
	logger *Logger
	now    func() time.Time

	// IsFailure decides whether an error counts against the circuit.
	// Defaults to any error except context cancellation.
	IsFailure func(error) bool

	mutex         sync.Mutex
	state         CircuitBreakerState
	failures      []time.Time
	openedAt      time.Time
	halfOpenCalls int

	totalCalls    int64
	totalFailures int64
	totalRejected int64
	stateChanges  map[CircuitBreakerState]int64
}

func NewCircuitBreaker(name string, config *CircuitBreakerConfig, logger *Logger) *CircuitBreaker {
	if config == nil {
		config = DefaultCircuitBreakerConfig()
	}
	return &CircuitBreaker{
		name:   name,
		config: config,
		logger: logger,
		now:    time.Now,
		IsFailure: func(err error) bool {
			return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
		},
		state:        CircuitClosed,
		stateChanges: make(map[CircuitBreakerState]int64),
	}
}

// Execute runs fn unless the circuit is open. fn runs without the breaker's
// lock held, so slow calls do not serialize.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error, description string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !cb.allowCall() {
		cb.logger.WithField("circuit_breaker", cb.name).
			WithField("description", description).
			Debug("Circuit breaker rejected call")
		return fmt.Errorf("%s: %w", cb.name, ErrCircuitOpen)
	}

	err := fn()
	cb.recordResult(err, description)
	return err
}

func (cb *CircuitBreaker) allowCall() bool {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	cb.totalCalls++
	switch cb.state {
	case CircuitOpen:
		if cb.now().Sub(cb.openedAt) < cb.config.RecoveryTimeout {
			cb.totalRejected++
			return false
		}
		cb.transitionTo(CircuitHalfOpen)
		fallthrough
	case CircuitHalfOpen:
		if cb.halfOpenCalls >= cb.config.HalfOpenMaxCalls {
			cb.totalRejected++
			return false
		}
		cb.halfOpenCalls++
	}
	return true
}

func (cb *CircuitBreaker) recordResult(err error, description string) {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	if cb.state == CircuitHalfOpen {
		cb.halfOpenCalls--
	}

	if err == nil || !cb.IsFailure(err) {
		if cb.state == CircuitHalfOpen {
			cb.transitionTo(CircuitClosed)
		}
		return
	}

	now := cb.now()
	cb.totalFailures++
	cb.failures = append(cb.failures, now)
	cb.cleanOldEntries(now)

	cb.logger.WithField("circuit_breaker", cb.name).
		WithField("state", cb.state).
		WithField("recent_failures", len(cb.failures)).
		WithField("description", description).
		WithError(err).
		Debug("Circuit breaker recorded failure")

	switch cb.state {
	case CircuitHalfOpen:
		cb.transitionTo(CircuitOpen)
	case CircuitClosed:
		if len(cb.failures) >= cb.config.FailureThreshold {
			cb.transitionTo(CircuitOpen)
		}
	}
}

// transitionTo changes state. Caller holds cb.mutex.
func (cb *CircuitBreaker) transitionTo(newState CircuitBreakerState) {
	if cb.state == newState {
		return
	}
	oldState := cb.state
	cb.state = newState
	cb.stateChanges[newState]++

	switch newState {
	case CircuitOpen:
		cb.openedAt = cb.now()
		cb.halfOpenCalls = 0
	case CircuitClosed:
		cb.failures = cb.failures[:0]
		cb.halfOpenCalls = 0
	}

	cb.logger.WithField("circuit_breaker", cb.name).
		WithField("old_state", oldState).
		WithField("new_state", newState).
		WithField("total_calls", cb.totalCalls).
		WithField("total_failures", cb.totalFailures).
		Info("Circuit breaker state transition")
}

// cleanOldEntries drops failures outside the window.
func (cb *CircuitBreaker) cleanOldEntries(now time.Time) {
	cutoff := now.Add(-cb.config.FailureWindow)
	i := 0
	for i < len(cb.failures) && !cb.failures[i].After(cutoff) {
		i++
	}
	cb.failures = cb.failures[i:]
}

func (cb *CircuitBreaker) GetState() CircuitBreakerState {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) GetMetrics() map[string]interface{} {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	changes := make(map[string]int64, len(cb.stateChanges))
	for s, n := range cb.stateChanges {
		changes[string(s)] = n
	}
	return map[string]interface{}{
		"name":            cb.name,
		"state":           string(cb.state),
		"total_calls":     cb.totalCalls,
		"total_failures":  cb.totalFailures,
		"total_rejected":  cb.totalRejected,
		"recent_failures": len(cb.failures),
		"state_changes":   changes,
	}
}

// Reset closes the circuit and forgets recorded failures.
func (cb *CircuitBreaker) Reset() {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	cb.transitionTo(CircuitClosed)
	cb.failures = cb.failures[:0]
}

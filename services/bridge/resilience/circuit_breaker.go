// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/convbridge/pkg/clock"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	// CircuitClosed allows requests through normally.
	CircuitClosed CircuitState = iota

	// CircuitOpen rejects all requests immediately.
	CircuitOpen

	// CircuitHalfOpen lets probe requests through to test recovery.
	CircuitHalfOpen
)

// String returns the human-readable name for the circuit state.
func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "CLOSED"
	case CircuitOpen:
		return "OPEN"
	case CircuitHalfOpen:
		return "HALF_OPEN"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(s))
	}
}

// CircuitBreakerConfig configures the circuit breaker behavior.
type CircuitBreakerConfig struct {
	// Name identifies the protected dependency in logs and metrics.
	Name string

	// FailureThreshold is the number of counted failures inside
	// FailureWindow that opens the circuit.
	// Default: 5
	FailureThreshold int

	// FailureWindow is the sliding window for counting failures.
	// Default: 30s
	FailureWindow time.Duration

	// RecoveryTimeout is how long the circuit stays open before a probe.
	// Default: 60s
	RecoveryTimeout time.Duration

	// SuccessThreshold is the consecutive half-open successes that close it.
	// Default: 3
	SuccessThreshold int

	// ExcludedKinds never count toward FailureThreshold while closed.
	// Default: {KindAuthService}
	ExcludedKinds []FailureKind

	// Clock is the time source. Default: clock.Real()
	Clock clock.Clock

	// Logger receives one line per state transition. Default: slog.Default()
	Logger *slog.Logger

	// OnStateChange is called after every transition, outside the lock.
	OnStateChange func(name string, from, to CircuitState)
}

// DefaultCircuitBreakerConfig returns sensible defaults for the circuit breaker.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		FailureWindow:    30 * time.Second,
		RecoveryTimeout:  60 * time.Second,
		SuccessThreshold: 3,
		ExcludedKinds:    []FailureKind{KindAuthService},
	}
}

// Validate checks the thresholds and durations.
func (c CircuitBreakerConfig) Validate() error {
	if c.FailureThreshold < 1 {
		return errors.New("failure_threshold must be at least 1")
	}
	if c.SuccessThreshold < 1 {
		return errors.New("success_threshold must be at least 1")
	}
	if c.FailureWindow <= 0 {
		return errors.New("failure_window must be positive")
	}
	if c.RecoveryTimeout <= 0 {
		return errors.New("recovery_timeout must be positive")
	}
	return nil
}

// applyDefaults fills in zero values with defaults.
func (c *CircuitBreakerConfig) applyDefaults() {
	defaults := DefaultCircuitBreakerConfig()
	if c.FailureThreshold == 0 {
		c.FailureThreshold = defaults.FailureThreshold
	}
	if c.FailureWindow == 0 {
		c.FailureWindow = defaults.FailureWindow
	}
	if c.RecoveryTimeout == 0 {
		c.RecoveryTimeout = defaults.RecoveryTimeout
	}
	if c.SuccessThreshold == 0 {
		c.SuccessThreshold = defaults.SuccessThreshold
	}
	if c.ExcludedKinds == nil {
		c.ExcludedKinds = defaults.ExcludedKinds
	}
	if c.Clock == nil {
		c.Clock = clock.Real()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// FailureRecord is one counted failure inside the sliding window.
type FailureRecord struct {
	At   time.Time
	Kind FailureKind
}

// CircuitMetrics is a read-only snapshot of breaker state and counters.
type CircuitMetrics struct {
	Name                 string
	State                CircuitState
	FailureCount         int64
	SuccessCount         int64
	RejectionCount       int64
	WindowFailures       int
	ConsecutiveSuccesses int
	LastFailureAt        time.Time
	LastStateChangeAt    time.Time
}

// CircuitBreaker implements the circuit breaker pattern with a sliding
// failure window and failure-kind exclusions.
//
// The circuit breaker has three states:
//   - Closed: requests pass through; counted failures inside the window
//     open the circuit once they reach the threshold
//   - Open: requests are rejected with ErrCircuitOpen until RecoveryTimeout
//     has passed since the state change
//   - Half-Open: probes pass through; one failure of any kind reopens,
//     SuccessThreshold consecutive successes close
//
// Thread Safety: Safe for concurrent use.
type CircuitBreaker struct {
	config   CircuitBreakerConfig
	excluded map[FailureKind]bool
	logger   *slog.Logger

	mu                   sync.Mutex
	state                CircuitState
	window               []FailureRecord
	consecutiveSuccesses int
	failureCount         int64
	successCount         int64
	rejectionCount       int64
	lastFailureAt        time.Time
	lastStateChangeAt    time.Time
}

// NewCircuitBreaker creates a new circuit breaker in the closed state.
//
// Inputs:
//   - config: Thresholds and timeouts. Zero values take defaults.
//
// Outputs:
//   - *CircuitBreaker: A new circuit breaker in closed state.
//   - error: Non-nil if the configuration is invalid after defaults.
func NewCircuitBreaker(config CircuitBreakerConfig) (*CircuitBreaker, error) {
	config.applyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid circuit breaker config: %w", err)
	}

	excluded := make(map[FailureKind]bool, len(config.ExcludedKinds))
	for _, k := range config.ExcludedKinds {
		excluded[k] = true
	}

	return &CircuitBreaker{
		config:            config,
		excluded:          excluded,
		logger:            config.Logger.With(slog.String("component", "circuit_breaker"), slog.String("breaker", config.Name)),
		state:             CircuitClosed,
		lastStateChangeAt: config.Clock.Now(),
	}, nil
}

// Name returns the configured breaker name.
func (cb *CircuitBreaker) Name() string {
	return cb.config.Name
}

// Execute runs op if the circuit allows it and records the outcome.
//
// Inputs:
//   - ctx: Passed through to op.
//   - op: The guarded operation.
//
// Outputs:
//   - error: A circuit-open *Error if rejected, otherwise op's error unchanged.
func (cb *CircuitBreaker) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	if err := cb.acquire(); err != nil {
		return err
	}

	err := op(ctx)
	cb.record(err)
	return err
}

// acquire admits or rejects one call, moving OPEN to HALF_OPEN once the
// recovery timeout has elapsed.
func (cb *CircuitBreaker) acquire() error {
	cb.mu.Lock()
	now := cb.config.Clock.Now()

	if cb.state != CircuitOpen {
		cb.mu.Unlock()
		return nil
	}

	if now.Sub(cb.lastStateChangeAt) >= cb.config.RecoveryTimeout {
		from := cb.transitionLocked(CircuitHalfOpen, now)
		cb.mu.Unlock()
		cb.notify(from, CircuitHalfOpen)
		return nil
	}

	err := cb.rejectLocked(now)
	cb.mu.Unlock()
	return err
}

// rejectLocked counts a rejection and builds the circuit-open error.
// Must be called with lock held.
func (cb *CircuitBreaker) rejectLocked(now time.Time) error {
	cb.rejectionCount++
	retryIn := cb.config.RecoveryTimeout - now.Sub(cb.lastStateChangeAt)
	if retryIn < 0 {
		retryIn = 0
	}
	return &Error{
		Kind: KindCircuitOpen,
		Op:   cb.config.Name,
		Err:  fmt.Errorf("%w (retry in %s)", ErrCircuitOpen, retryIn.Round(time.Millisecond)),
	}
}

// record applies the outcome of an admitted call.
func (cb *CircuitBreaker) record(err error) {
	// Caller cancellation says nothing about the dependency's health.
	if err != nil && errors.Is(err, context.Canceled) {
		return
	}

	cb.mu.Lock()
	now := cb.config.Clock.Now()
	from := cb.state
	var to CircuitState
	changed := false

	if err == nil {
		cb.successCount++
		if cb.state == CircuitHalfOpen {
			cb.consecutiveSuccesses++
			if cb.consecutiveSuccesses >= cb.config.SuccessThreshold {
				cb.transitionLocked(CircuitClosed, now)
				to, changed = CircuitClosed, true
			}
		}
		cb.mu.Unlock()
		if changed {
			cb.notify(from, to)
		}
		return
	}

	kind := Classify(err)
	cb.failureCount++
	cb.lastFailureAt = now

	switch cb.state {
	case CircuitHalfOpen:
		cb.transitionLocked(CircuitOpen, now)
		to, changed = CircuitOpen, true

	case CircuitClosed:
		if cb.excluded[kind] {
			break
		}
		cb.pruneLocked(now)
		cb.window = append(cb.window, FailureRecord{At: now, Kind: kind})
		if len(cb.window) >= cb.config.FailureThreshold {
			cb.transitionLocked(CircuitOpen, now)
			to, changed = CircuitOpen, true
		}
	}
	windowFailures := len(cb.window)
	cb.mu.Unlock()

	if changed {
		cb.logger.Warn("circuit breaker opened",
			slog.String("from", from.String()),
			slog.String("failure_kind", kind.String()),
			slog.Int("window_failures", windowFailures),
			slog.Duration("window", cb.config.FailureWindow))
		cb.notify(from, to)
	}
}

// pruneLocked drops window entries older than FailureWindow.
// Must be called with lock held.
func (cb *CircuitBreaker) pruneLocked(now time.Time) {
	cutoff := now.Add(-cb.config.FailureWindow)
	keep := cb.window[:0]
	for _, r := range cb.window {
		if r.At.After(cutoff) {
			keep = append(keep, r)
		}
	}
	cb.window = keep
}

// transitionLocked changes the circuit state and returns the old state.
// Must be called with lock held.
func (cb *CircuitBreaker) transitionLocked(to CircuitState, now time.Time) CircuitState {
	from := cb.state
	cb.state = to
	cb.lastStateChangeAt = now
	cb.consecutiveSuccesses = 0
	if to == CircuitClosed {
		cb.window = nil
	}
	return from
}

// notify logs the transition and calls the hook outside the lock.
func (cb *CircuitBreaker) notify(from, to CircuitState) {
	cb.logger.Info("circuit state transition",
		slog.String("from", from.String()),
		slog.String("to", to.String()))
	if cb.config.OnStateChange != nil {
		cb.config.OnStateChange(cb.config.Name, from, to)
	}
}

// IsOpen reports whether a call made now would be rejected.
//
// An open circuit whose recovery timeout has elapsed is not reported as
// open: the next call will be admitted as a probe.
func (cb *CircuitBreaker) IsOpen() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state != CircuitOpen {
		return false
	}
	return cb.config.Clock.Now().Sub(cb.lastStateChangeAt) < cb.config.RecoveryTimeout
}

// Reject returns the error a rejected call would receive and counts the
// rejection. The circuit-aware retry uses it when IsOpen is true.
func (cb *CircuitBreaker) Reject() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.rejectLocked(cb.config.Clock.Now())
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Metrics returns a snapshot of the breaker counters.
func (cb *CircuitBreaker) Metrics() CircuitMetrics {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.pruneLocked(cb.config.Clock.Now())
	return CircuitMetrics{
		Name:                 cb.config.Name,
		State:                cb.state,
		FailureCount:         cb.failureCount,
		SuccessCount:         cb.successCount,
		RejectionCount:       cb.rejectionCount,
		WindowFailures:       len(cb.window),
		ConsecutiveSuccesses: cb.consecutiveSuccesses,
		LastFailureAt:        cb.lastFailureAt,
		LastStateChangeAt:    cb.lastStateChangeAt,
	}
}

// Reset forces the breaker back to closed and clears the window.
//
// This is primarily for testing or manual intervention.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	from := cb.transitionLocked(CircuitClosed, cb.config.Clock.Now())
	cb.mu.Unlock()
	if from != CircuitClosed {
		cb.notify(from, CircuitClosed)
	}
}

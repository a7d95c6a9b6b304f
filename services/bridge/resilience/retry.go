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
	"log/slog"
	"math"
	"math/rand"
	"time"

	"github.com/AleutianAI/convbridge/pkg/clock"
)

// RetryPolicy configures retry behavior with exponential backoff.
type RetryPolicy struct {
	// MaxAttempts is the maximum number of attempts (including initial).
	// Default: 3
	MaxAttempts int

	// InitialDelay is the wait before the first retry.
	// Default: 1s
	InitialDelay time.Duration

	// MaxDelay caps the exponential delay before jitter is added.
	// Default: 30s
	MaxDelay time.Duration

	// Multiplier is the factor applied per attempt.
	// Default: 2.0
	Multiplier float64

	// Jitter is the maximum random addition as a fraction of the delay (0-1).
	// Adds randomness to prevent thundering herd. Default: 0.1
	Jitter float64

	// Retryable decides whether an error warrants another attempt.
	// Default: IsRetryable
	Retryable func(error) bool
}

// DefaultRetryPolicy returns sensible defaults for retry behavior.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  3,
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.1,
		Retryable:    IsRetryable,
	}
}

// Validate checks if the retry policy is valid.
func (p RetryPolicy) Validate() error {
	if p.MaxAttempts < 1 {
		return errors.New("max_attempts must be at least 1")
	}
	if p.InitialDelay <= 0 {
		return errors.New("initial_delay must be positive")
	}
	if p.MaxDelay < p.InitialDelay {
		return errors.New("max_delay must not be less than initial_delay")
	}
	if p.Multiplier < 1.0 {
		return errors.New("multiplier must be at least 1")
	}
	if p.Jitter < 0 || p.Jitter > 1 {
		return errors.New("jitter must be between 0 and 1")
	}
	return nil
}

// Delay returns the backoff before retry number n (n starts at 1), without
// jitter: min(MaxDelay, InitialDelay * Multiplier^(n-1)).
func (p RetryPolicy) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(n-1))
	if d > float64(p.MaxDelay) || math.IsInf(d, 0) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// RetryResult contains the outcome of a retry operation.
type RetryResult struct {
	// Attempts is the number of attempts made.
	Attempts int

	// Retries is Attempts-1 for operations that ran at least once.
	Retries int

	// Delays are the waits taken before each retry, jitter included.
	Delays []time.Duration

	// TotalDuration is the total time spent including waits.
	TotalDuration time.Duration

	// LastError is the error from the last attempt (nil if successful).
	LastError error
}

// RetryableFunc is a function that can be retried.
// attempt starts at 1.
type RetryableFunc func(ctx context.Context, attempt int) error

// RetrierConfig configures a Retrier.
type RetrierConfig struct {
	Policy RetryPolicy

	// Clock is the time source for deadlines and default sleeps.
	Clock clock.Clock

	// Sleep overrides the wait between attempts. Default: waits on Clock.
	Sleep clock.SleepFunc

	// Rand returns a value in [0,1) for jitter. Default: math/rand.
	Rand func() float64

	Logger *slog.Logger
}

// Retrier executes operations with exponential backoff retry.
//
// Thread Safety: Safe for concurrent use. The policy is immutable.
type Retrier struct {
	policy RetryPolicy
	clock  clock.Clock
	sleep  clock.SleepFunc
	rand   func() float64
	logger *slog.Logger
}

// NewRetrier creates a Retrier.
//
// Inputs:
//   - config: Policy and injectable time sources. A zero Policy takes
//     DefaultRetryPolicy.
//
// Outputs:
//   - *Retrier: Ready to run operations.
//   - error: Non-nil if the policy is invalid.
func NewRetrier(config RetrierConfig) (*Retrier, error) {
	if config.Policy.MaxAttempts == 0 {
		retryable := config.Policy.Retryable
		config.Policy = DefaultRetryPolicy()
		if retryable != nil {
			config.Policy.Retryable = retryable
		}
	}
	if config.Policy.Retryable == nil {
		config.Policy.Retryable = IsRetryable
	}
	if err := config.Policy.Validate(); err != nil {
		return nil, err
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Sleep == nil {
		config.Sleep = clock.SleeperFor(config.Clock)
	}
	if config.Rand == nil {
		config.Rand = rand.Float64
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Retrier{
		policy: config.Policy,
		clock:  config.Clock,
		sleep:  config.Sleep,
		rand:   config.Rand,
		logger: config.Logger.With(slog.String("component", "retrier")),
	}, nil
}

// Policy returns the retrier's policy.
func (r *Retrier) Policy() RetryPolicy {
	return r.policy
}

// Run executes fn with exponential backoff retry.
//
// Inputs:
//   - ctx: Context for cancellation. Must not be nil.
//   - fn: The function to execute and potentially retry.
//
// Outputs:
//   - RetryResult: Attempt metadata.
//   - error: The last error unchanged if all attempts failed, nil on success.
//
// Non-retryable errors cause immediate return without waiting.
//
// Example:
//
//	result, err := retrier.Run(ctx, func(ctx context.Context, attempt int) error {
//	    set, err = client.GetActivities(ctx, id, watermark, token)
//	    return err
//	})
func (r *Retrier) Run(ctx context.Context, fn RetryableFunc) (RetryResult, error) {
	return r.run(ctx, time.Time{}, nil, fn)
}

// RunUntil is Run bounded by a wall-clock deadline.
//
// No further attempt is started once the clock passes deadline, and a wait
// that would end past the deadline is not taken.
func (r *Retrier) RunUntil(ctx context.Context, deadline time.Time, fn RetryableFunc) (RetryResult, error) {
	return r.run(ctx, deadline, nil, fn)
}

// RunWithCircuit combines retry logic with circuit breaker protection.
//
// Inputs:
//   - ctx: Context for cancellation. Must not be nil.
//   - cb: Circuit breaker consulted before every attempt.
//   - fn: The function to execute. Each attempt runs through cb.Execute.
//
// Outputs:
//   - RetryResult: Attempt metadata.
//   - error: The breaker's rejection if it is open before an attempt,
//     otherwise as Run.
func (r *Retrier) RunWithCircuit(ctx context.Context, cb *CircuitBreaker, fn RetryableFunc) (RetryResult, error) {
	return r.run(ctx, time.Time{}, cb, fn)
}

// RunWithCircuitUntil is RunWithCircuit bounded by a deadline.
func (r *Retrier) RunWithCircuitUntil(ctx context.Context, deadline time.Time, cb *CircuitBreaker, fn RetryableFunc) (RetryResult, error) {
	return r.run(ctx, deadline, cb, fn)
}

func (r *Retrier) run(ctx context.Context, deadline time.Time, cb *CircuitBreaker, fn RetryableFunc) (RetryResult, error) {
	start := r.clock.Now()
	result := RetryResult{}
	finish := func(err error) (RetryResult, error) {
		result.LastError = err
		result.TotalDuration = r.clock.Since(start)
		if result.Attempts > 0 {
			result.Retries = result.Attempts - 1
		}
		return result, err
	}

	for attempt := 1; attempt <= r.policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return finish(err)
		}
		if attempt > 1 && !deadline.IsZero() && r.clock.Now().After(deadline) {
			return finish(result.LastError)
		}
		if cb != nil && cb.IsOpen() {
			return finish(cb.Reject())
		}

		result.Attempts = attempt
		var err error
		if cb != nil {
			err = cb.Execute(ctx, func(ctx context.Context) error { return fn(ctx, attempt) })
		} else {
			err = fn(ctx, attempt)
		}
		if err == nil {
			return finish(nil)
		}
		result.LastError = err

		if !r.policy.Retryable(err) {
			return finish(err)
		}

		// Don't wait after the last attempt
		if attempt == r.policy.MaxAttempts {
			break
		}

		wait := r.backoff(attempt, err)
		if !deadline.IsZero() && r.clock.Now().Add(wait).After(deadline) {
			return finish(err)
		}

		r.logger.Debug("retrying after failure",
			slog.Int("attempt", attempt),
			slog.Duration("wait", wait),
			slog.String("failure_kind", Classify(err).String()))

		if serr := r.sleep(ctx, wait); serr != nil {
			return finish(serr)
		}
		result.Delays = append(result.Delays, wait)
	}

	return finish(result.LastError)
}

// backoff returns the wait before retry number attempt, honoring a
// rate-limit hint and adding jitter.
func (r *Retrier) backoff(attempt int, err error) time.Duration {
	base := r.policy.Delay(attempt)
	if hint := RetryAfterHint(err); hint > base {
		base = hint
		if base > r.policy.MaxDelay {
			base = r.policy.MaxDelay
		}
	}
	if r.policy.Jitter <= 0 {
		return base
	}
	return base + time.Duration(r.rand()*r.policy.Jitter*float64(base))
}

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
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/convbridge/pkg/clock"
)

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

var errServer = &Error{Kind: KindServerError, Op: "test", StatusCode: 503}

func newTestBreaker(t *testing.T, c *clock.FakeClock, mutate func(*CircuitBreakerConfig)) *CircuitBreaker {
	t.Helper()
	cfg := DefaultCircuitBreakerConfig()
	cfg.Name = "test"
	cfg.Clock = c
	if mutate != nil {
		mutate(&cfg)
	}
	cb, err := NewCircuitBreaker(cfg)
	require.NoError(t, err)
	return cb
}

func fail(err error) func(context.Context) error {
	return func(context.Context) error { return err }
}

func succeed(context.Context) error { return nil }

func TestCircuitState_String(t *testing.T) {
	assert.Equal(t, "CLOSED", CircuitClosed.String())
	assert.Equal(t, "OPEN", CircuitOpen.String())
	assert.Equal(t, "HALF_OPEN", CircuitHalfOpen.String())
}

func TestNewCircuitBreaker_InvalidConfig(t *testing.T) {
	_, err := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: -1})
	assert.Error(t, err)
}

func TestCircuitBreaker_TripsAtThresholdWithinWindow(t *testing.T) {
	c := clock.Fake(epoch)
	cb := newTestBreaker(t, c, nil)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		err := cb.Execute(ctx, fail(errServer))
		assert.Same(t, errServer, err, "operation errors must propagate unchanged")
		c.Advance(5 * time.Second)
	}
	assert.Equal(t, CircuitClosed, cb.State())

	require.Error(t, cb.Execute(ctx, fail(errServer)))
	assert.Equal(t, CircuitOpen, cb.State())

	called := false
	err := cb.Execute(ctx, func(context.Context) error {
		called = true
		return nil
	})
	assert.False(t, called, "open circuit must not invoke the operation")
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, KindCircuitOpen, Classify(err))

	m := cb.Metrics()
	assert.Equal(t, int64(5), m.FailureCount)
	assert.Equal(t, int64(1), m.RejectionCount)
}

func TestCircuitBreaker_FailuresSpreadBeyondWindowDoNotTrip(t *testing.T) {
	c := clock.Fake(epoch)
	cb := newTestBreaker(t, c, nil)
	ctx := context.Background()

	// Five failures spread over more than 30s never have five inside one window.
	for i := 0; i < 5; i++ {
		_ = cb.Execute(ctx, fail(errServer))
		c.Advance(8 * time.Second)
	}
	assert.Equal(t, CircuitClosed, cb.State())
	assert.Less(t, cb.Metrics().WindowFailures, 5)
}

func TestCircuitBreaker_ExcludedKindsDoNotCount(t *testing.T) {
	c := clock.Fake(epoch)
	cb := newTestBreaker(t, c, nil)
	authErr := &Error{Kind: KindAuthService, StatusCode: 403}

	for i := 0; i < 10; i++ {
		_ = cb.Execute(context.Background(), fail(authErr))
	}
	assert.Equal(t, CircuitClosed, cb.State())
	assert.Equal(t, int64(10), cb.Metrics().FailureCount)
	assert.Equal(t, 0, cb.Metrics().WindowFailures)
}

func TestCircuitBreaker_CancellationIsNotAFailure(t *testing.T) {
	c := clock.Fake(epoch)
	cb := newTestBreaker(t, c, func(cfg *CircuitBreakerConfig) { cfg.FailureThreshold = 1 })

	err := cb.Execute(context.Background(), fail(context.Canceled))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, CircuitClosed, cb.State())

	m := cb.Metrics()
	assert.Zero(t, m.FailureCount)
	assert.Zero(t, m.SuccessCount)
}

func TestCircuitBreaker_HalfOpen(t *testing.T) {
	open := func(t *testing.T) (*clock.FakeClock, *CircuitBreaker) {
		c := clock.Fake(epoch)
		cb := newTestBreaker(t, c, func(cfg *CircuitBreakerConfig) { cfg.FailureThreshold = 1 })
		_ = cb.Execute(context.Background(), fail(errServer))
		require.Equal(t, CircuitOpen, cb.State())
		return c, cb
	}

	t.Run("stays open before recovery timeout", func(t *testing.T) {
		c, cb := open(t)
		c.Advance(59 * time.Second)
		assert.True(t, cb.IsOpen())
		assert.ErrorIs(t, cb.Execute(context.Background(), succeed), ErrCircuitOpen)
	})

	t.Run("single failure reopens", func(t *testing.T) {
		c, cb := open(t)
		c.Advance(60 * time.Second)
		assert.False(t, cb.IsOpen())

		authErr := &Error{Kind: KindAuthService}
		_ = cb.Execute(context.Background(), fail(authErr))
		assert.Equal(t, CircuitOpen, cb.State(), "excluded kinds still reopen a half-open circuit")

		// The recovery clock restarted at the reopen.
		c.Advance(30 * time.Second)
		assert.True(t, cb.IsOpen())
	})

	t.Run("success threshold closes", func(t *testing.T) {
		c, cb := open(t)
		c.Advance(60 * time.Second)

		for i := 0; i < 2; i++ {
			require.NoError(t, cb.Execute(context.Background(), succeed))
			assert.Equal(t, CircuitHalfOpen, cb.State())
		}
		require.NoError(t, cb.Execute(context.Background(), succeed))
		assert.Equal(t, CircuitClosed, cb.State())
		assert.Equal(t, 0, cb.Metrics().WindowFailures)
		assert.Equal(t, 0, cb.Metrics().ConsecutiveSuccesses)
	})
}

func TestCircuitBreaker_OnStateChange(t *testing.T) {
	c := clock.Fake(epoch)
	var mu sync.Mutex
	var transitions []string
	cb := newTestBreaker(t, c, func(cfg *CircuitBreakerConfig) {
		cfg.FailureThreshold = 1
		cfg.SuccessThreshold = 1
		cfg.OnStateChange = func(name string, from, to CircuitState) {
			mu.Lock()
			defer mu.Unlock()
			transitions = append(transitions, name+":"+from.String()+">"+to.String())
		}
	})

	_ = cb.Execute(context.Background(), fail(errServer))
	c.Advance(time.Minute)
	_ = cb.Execute(context.Background(), succeed)

	assert.Equal(t, []string{
		"test:CLOSED>OPEN",
		"test:OPEN>HALF_OPEN",
		"test:HALF_OPEN>CLOSED",
	}, transitions)
}

func TestCircuitBreaker_Reset(t *testing.T) {
	c := clock.Fake(epoch)
	cb := newTestBreaker(t, c, func(cfg *CircuitBreakerConfig) { cfg.FailureThreshold = 1 })
	_ = cb.Execute(context.Background(), fail(errors.New("boom")))
	require.Equal(t, CircuitOpen, cb.State())

	cb.Reset()
	assert.Equal(t, CircuitClosed, cb.State())
	assert.NoError(t, cb.Execute(context.Background(), succeed))
}

func TestCircuitBreaker_ConcurrentExecute(t *testing.T) {
	c := clock.Fake(epoch)
	cb := newTestBreaker(t, c, func(cfg *CircuitBreakerConfig) { cfg.FailureThreshold = 1000 })

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				_ = cb.Execute(context.Background(), succeed)
			} else {
				_ = cb.Execute(context.Background(), fail(errServer))
			}
		}(i)
	}
	wg.Wait()

	m := cb.Metrics()
	assert.Equal(t, int64(25), m.SuccessCount)
	assert.Equal(t, int64(25), m.FailureCount)
}

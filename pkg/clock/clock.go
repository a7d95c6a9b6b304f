// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package clock provides an injectable time source for components that
// schedule timers or measure deadlines.
//
// Production code uses Real(), which delegates to the time package. Tests
// use Fake(), whose time only moves when Advance is called, so idle
// timeouts, token refreshes, and polling deadlines can be exercised without
// real waits.
//
// # Timer Ownership
//
// TimerRegistry keys one pending timer per identifier. Owners (the token
// cache, the conversation manager) call Schedule and Cancel while holding
// their own mutex so a timer change is atomic with the state it guards.
package clock

import (
	"context"
	"time"
)

// Clock abstracts the current time and timer creation.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// Since returns the time elapsed since t.
	Since(t time.Time) time.Duration

	// After returns a channel that receives the current time once d has
	// elapsed. If d <= 0 the channel is ready immediately.
	After(d time.Duration) <-chan time.Time

	// AfterFunc calls f in its own goroutine (real) or from Advance (fake)
	// once d has elapsed. f is never called synchronously from AfterFunc.
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a pending AfterFunc call.
type Timer interface {
	// Stop prevents the call from firing. Returns false if the timer had
	// already fired or been stopped.
	Stop() bool
}

// Real returns a Clock backed by the time package.
func Real() Clock {
	return realClock{}
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) Since(t time.Time) time.Duration        { return time.Since(t) }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Sleep blocks for d on clock c, returning early with the context error if
// ctx is cancelled first.
//
// Inputs:
//   - ctx: Cancellation context. Must not be nil.
//   - c: Clock to wait on.
//   - d: Duration to wait. Non-positive durations return immediately.
//
// Outputs:
//   - error: ctx.Err() if cancelled, nil otherwise.
func Sleep(ctx context.Context, c Clock, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.After(d):
		return nil
	}
}

// SleepFunc is the signature of an injectable wait.
type SleepFunc func(ctx context.Context, d time.Duration) error

// SleeperFor returns a SleepFunc that waits on c.
func SleeperFor(c Clock) SleepFunc {
	return func(ctx context.Context, d time.Duration) error {
		return Sleep(ctx, c, d)
	}
}

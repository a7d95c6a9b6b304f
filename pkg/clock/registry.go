// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package clock

import (
	"sync"
	"time"
)

// TimerID identifies one scheduling of a key. A callback compares its id
// against the registry to detect that it was superseded or cancelled.
type TimerID uint64

// TimerRegistry holds at most one pending timer per key.
//
// # Description
//
// Schedule is the single mutation point: it stops the key's previous timer
// (if any) before installing the new one. Callbacks receive the TimerID
// they were scheduled with and should call IsCurrent (or Release) before
// mutating owner state, because a fire can race a concurrent Cancel.
//
// # Thread Safety
//
// Safe for concurrent use. Callbacks are invoked without the registry lock.
type TimerRegistry struct {
	clock  Clock
	mu     sync.Mutex
	timers map[string]registered
	seq    TimerID
}

type registered struct {
	id    TimerID
	timer Timer
}

// NewTimerRegistry creates an empty registry on clock c.
func NewTimerRegistry(c Clock) *TimerRegistry {
	if c == nil {
		c = Real()
	}
	return &TimerRegistry{
		clock:  c,
		timers: make(map[string]registered),
	}
}

// Schedule cancels any timer for key and schedules fn to run after d.
//
// Outputs:
//   - TimerID: The id passed to fn when it fires.
func (r *TimerRegistry) Schedule(key string, d time.Duration, fn func(id TimerID)) TimerID {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.timers[key]; ok {
		prev.timer.Stop()
	}
	r.seq++
	id := r.seq
	t := r.clock.AfterFunc(d, func() { fn(id) })
	r.timers[key] = registered{id: id, timer: t}
	return id
}

// IsCurrent reports whether id is still the pending timer for key.
func (r *TimerRegistry) IsCurrent(key string, id TimerID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.timers[key]
	return ok && cur.id == id
}

// Release removes key's entry if it still belongs to id. A fired callback
// calls this to claim its slot.
//
// Outputs:
//   - bool: False if the timer was cancelled or replaced meanwhile.
func (r *TimerRegistry) Release(key string, id TimerID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.timers[key]
	if !ok || cur.id != id {
		return false
	}
	delete(r.timers, key)
	return true
}

// Cancel stops and removes the timer for key.
func (r *TimerRegistry) Cancel(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.timers[key]
	if !ok {
		return false
	}
	cur.timer.Stop()
	delete(r.timers, key)
	return true
}

// CancelAll stops every timer and returns how many were pending.
func (r *TimerRegistry) CancelAll() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.timers)
	for key, cur := range r.timers {
		cur.timer.Stop()
		delete(r.timers, key)
	}
	return n
}

// Len returns the number of keys with a pending timer.
func (r *TimerRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.timers)
}

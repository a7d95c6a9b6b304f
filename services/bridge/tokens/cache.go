// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package tokens caches short-lived backend tokens and renews them before
// they expire.
package tokens

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/convbridge/pkg/clock"
	"github.com/AleutianAI/convbridge/services/bridge/backend"
	"github.com/AleutianAI/convbridge/services/bridge/resilience"
)

// DefaultRefreshMargin is how long before expiry a token is renewed.
const DefaultRefreshMargin = 5 * time.Minute

// ErrCacheClosed is returned by GetToken after Close.
var ErrCacheClosed = errors.New("token cache is closed")

// errRefreshDiscarded marks a refresh whose key was cleared or rescheduled
// while it was generating.
var errRefreshDiscarded = errors.New("refresh discarded")

// Generator obtains a new token from the backend.
type Generator func(ctx context.Context) (*backend.TokenResponse, error)

// CachedToken is one cached credential. Entries are replaced, never mutated.
type CachedToken struct {
	Value          string
	ExpiresAt      time.Time
	CreatedAt      time.Time
	ConversationID string
}

// ValidAt reports whether the token can still be used at now.
func (t CachedToken) ValidAt(now time.Time) bool {
	return now.Before(t.ExpiresAt)
}

// Metrics is a snapshot of cache counters.
type Metrics struct {
	GenerateAttempts   int64
	GenerateSuccesses  int64
	GenerateFailures   int64
	Hits               int64
	Misses             int64
	ProactiveRefreshes int64
	RefreshFailures    int64
	Entries            int
	PendingRefreshes   int
}

// Config configures a Cache.
type Config struct {
	// Generate fetches a raw token. Required.
	Generate Generator

	// Breaker guards Generate. Required.
	Breaker *resilience.CircuitBreaker

	// Retrier retries Generate. Required.
	Retrier *resilience.Retrier

	// RefreshMargin is subtracted from expiry to schedule renewal.
	// Default: 5m
	RefreshMargin time.Duration

	// Clock is the time source. Default: clock.Real()
	Clock clock.Clock

	Logger *slog.Logger
}

// Cache holds at most one token per key and renews each before it expires.
//
// # Description
//
// GetToken returns a valid cached token without touching the backend, or
// generates one through the breaker and retrier. Every stored entry gets a
// one-shot refresh at ExpiresAt - RefreshMargin. A refresh that fails keeps
// the still-valid entry; a refresh that finishes after its key was cleared
// or rescheduled is discarded. Concurrent misses for one key share a single
// generation.
//
// # Thread Safety
//
// Safe for concurrent use.
type Cache struct {
	config Config
	logger *slog.Logger
	timers *clock.TimerRegistry
	group  singleflight.Group

	// refreshCtx is cancelled by Close so in-flight refreshes stop.
	refreshCtx    context.Context
	cancelRefresh context.CancelFunc

	mu      sync.Mutex
	entries map[string]CachedToken
	metrics Metrics
	closed  bool
}

// NewCache creates a token cache.
//
// Outputs:
//   - *Cache: Ready for use. Call Close to stop refresh timers.
//   - error: Non-nil if a required dependency is missing.
func NewCache(config Config) (*Cache, error) {
	if config.Generate == nil {
		return nil, errors.New("token generator is required")
	}
	if config.Breaker == nil || config.Retrier == nil {
		return nil, errors.New("breaker and retrier are required")
	}
	if config.RefreshMargin <= 0 {
		config.RefreshMargin = DefaultRefreshMargin
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Cache{
		config:        config,
		logger:        config.Logger.With(slog.String("component", "token_cache")),
		timers:        clock.NewTimerRegistry(config.Clock),
		refreshCtx:    ctx,
		cancelRefresh: cancel,
		entries:       make(map[string]CachedToken),
	}, nil
}

// GetToken returns a valid token for key, generating one on a miss.
//
// Inputs:
//   - ctx: Bounds the caller's wait. A shared generation keeps running for
//     other waiters if this caller gives up.
//   - key: Opaque cache key.
//
// Outputs:
//   - CachedToken: A token with now < ExpiresAt.
//   - error: A token-generation error wrapping the last backend failure,
//     a circuit-open error, or the context error. No stale token is ever
//     returned.
func (c *Cache) GetToken(ctx context.Context, key string) (CachedToken, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return CachedToken{}, ErrCacheClosed
	}
	if tok, ok := c.entries[key]; ok && tok.ValidAt(c.config.Clock.Now()) {
		c.metrics.Hits++
		c.mu.Unlock()
		return tok, nil
	}
	c.metrics.Misses++
	c.mu.Unlock()

	ch := c.group.DoChan(key, func() (any, error) {
		// A flight that just finished may already have stored a token.
		if tok, ok := c.Peek(key); ok && tok.ValidAt(c.config.Clock.Now()) {
			return tok, nil
		}
		return c.generateAndStore(context.WithoutCancel(ctx), key, 0)
	})

	select {
	case <-ctx.Done():
		return CachedToken{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return CachedToken{}, res.Err
		}
		return res.Val.(CachedToken), nil
	}
}

// generateAndStore obtains a token and installs it with a refresh timer.
// refreshID is non-zero when called from a refresh timer; the result is then
// discarded unless that timer still owns the key.
func (c *Cache) generateAndStore(ctx context.Context, key string, refreshID clock.TimerID) (CachedToken, error) {
	resp, err := c.generate(ctx)
	if err != nil {
		return CachedToken{}, err
	}

	now := c.config.Clock.Now()
	tok := CachedToken{
		Value:          resp.Token,
		ExpiresAt:      now.Add(resp.TTL()),
		CreatedAt:      now,
		ConversationID: resp.ConversationID,
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return tok, nil
	}
	if refreshID != 0 && !c.timers.Release(key, refreshID) {
		return CachedToken{}, errRefreshDiscarded
	}
	c.entries[key] = tok
	c.scheduleLocked(key, resp.TTL())
	return tok, nil
}

// generate runs the generator through the breaker and retrier.
func (c *Cache) generate(ctx context.Context) (*backend.TokenResponse, error) {
	var resp *backend.TokenResponse
	_, err := c.config.Retrier.RunWithCircuit(ctx, c.config.Breaker, func(ctx context.Context, attempt int) error {
		c.mu.Lock()
		c.metrics.GenerateAttempts++
		c.mu.Unlock()

		r, err := c.config.Generate(ctx)
		if err != nil {
			return err
		}
		if r == nil || r.Token == "" {
			return resilience.NewError(resilience.KindTokenGeneration, backend.OpGenerateToken,
				errors.New("empty token"))
		}
		if r.ExpiresIn <= 0 {
			return resilience.NewError(resilience.KindTokenGeneration, backend.OpGenerateToken,
				fmt.Errorf("non-positive expires_in %d", r.ExpiresIn))
		}
		resp = r
		return nil
	})

	c.mu.Lock()
	if err != nil {
		c.metrics.GenerateFailures++
	} else {
		c.metrics.GenerateSuccesses++
	}
	c.mu.Unlock()

	if err != nil {
		if errors.Is(err, context.Canceled) || resilience.Classify(err) == resilience.KindCircuitOpen {
			return nil, err
		}
		return nil, &resilience.Error{
			Kind: resilience.KindTokenGeneration,
			Op:   backend.OpGenerateToken,
			Err:  fmt.Errorf("%w: %w", resilience.ErrTokenGeneration, err),
		}
	}
	return resp, nil
}

// scheduleLocked installs the refresh timer for key, replacing any previous
// one. Tokens that live no longer than the margin refresh lazily on expiry.
// Must be called with lock held.
func (c *Cache) scheduleLocked(key string, ttl time.Duration) {
	if ttl <= c.config.RefreshMargin {
		c.timers.Cancel(key)
		return
	}
	c.timers.Schedule(key, ttl-c.config.RefreshMargin, func(id clock.TimerID) {
		c.refresh(key, id)
	})
}

// refresh is the timer callback for key.
func (c *Cache) refresh(key string, id clock.TimerID) {
	if !c.timers.IsCurrent(key, id) {
		return
	}

	_, err := c.generateAndStore(c.refreshCtx, key, id)
	if errors.Is(err, errRefreshDiscarded) {
		c.logger.Debug("discarding stale refresh", slog.String("key", key))
		return
	}
	if err != nil {
		c.mu.Lock()
		c.metrics.RefreshFailures++
		c.timers.Release(key, id)
		c.mu.Unlock()
		c.logger.Warn("proactive token refresh failed; keeping current token",
			slog.String("key", key),
			slog.String("failure_kind", resilience.Classify(err).String()))
		return
	}

	c.mu.Lock()
	c.metrics.ProactiveRefreshes++
	c.mu.Unlock()
	c.logger.Debug("token refreshed", slog.String("key", key), slog.Bool("token_present", true))
}

// Peek returns the cached entry for key without generating or counting.
func (c *Cache) Peek(key string) (CachedToken, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tok, ok := c.entries[key]
	return tok, ok
}

// Clear removes key and cancels its refresh timer.
func (c *Cache) Clear(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	c.timers.Cancel(key)
}

// ClearAll removes every entry and cancels every refresh timer.
func (c *Cache) ClearAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]CachedToken)
	c.timers.CancelAll()
}

// Metrics returns a snapshot of the cache counters.
func (c *Cache) Metrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	m := c.metrics
	m.Entries = len(c.entries)
	m.PendingRefreshes = c.timers.Len()
	return m
}

// Close cancels all refresh timers and in-flight refreshes.
func (c *Cache) Close() {
	c.mu.Lock()
	c.closed = true
	c.entries = make(map[string]CachedToken)
	c.timers.CancelAll()
	c.mu.Unlock()
	c.cancelRefresh()
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package backend

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/AleutianAI/convbridge/services/bridge/resilience"
)

// Operations lists every backend operation guarded by its own breaker.
var Operations = []string{OpGenerateToken, OpStartConversation, OpSendActivity, OpGetActivities}

// ResilientClient wraps a Client with one circuit breaker per operation and
// a shared retrier.
//
// # Description
//
// Every call runs through Retrier.RunWithCircuit (or the deadline-bound
// variant when ctx carries a deadline) so transient failures are retried,
// an open circuit short-circuits without touching the backend, and the last
// error surfaces unchanged.
//
// # Thread Safety
//
// Safe for concurrent use.
type ResilientClient struct {
	inner    Client
	retrier  *resilience.Retrier
	breakers map[string]*resilience.CircuitBreaker
	logger   *slog.Logger
}

// NewResilientClient builds a breaker per operation from breakerConfig.
//
// Inputs:
//   - inner: The raw backend client.
//   - breakerConfig: Template for every breaker; Name is set per operation.
//   - retrier: Shared retry executor.
//   - logger: Optional; defaults to slog.Default().
//
// Outputs:
//   - *ResilientClient: Ready for use.
//   - error: Non-nil if the breaker configuration is invalid.
func NewResilientClient(inner Client, breakerConfig resilience.CircuitBreakerConfig, retrier *resilience.Retrier, logger *slog.Logger) (*ResilientClient, error) {
	if logger == nil {
		logger = slog.Default()
	}
	breakers := make(map[string]*resilience.CircuitBreaker, len(Operations))
	for _, op := range Operations {
		cfg := breakerConfig
		cfg.Name = op
		if cfg.Logger == nil {
			cfg.Logger = logger
		}
		cb, err := resilience.NewCircuitBreaker(cfg)
		if err != nil {
			return nil, fmt.Errorf("breaker %s: %w", op, err)
		}
		breakers[op] = cb
	}
	return &ResilientClient{
		inner:    inner,
		retrier:  retrier,
		breakers: breakers,
		logger:   logger.With(slog.String("component", "resilient_client")),
	}, nil
}

// Breaker returns the breaker guarding op, or nil for unknown operations.
func (c *ResilientClient) Breaker(op string) *resilience.CircuitBreaker {
	return c.breakers[op]
}

// Retrier returns the shared retry executor.
func (c *ResilientClient) Retrier() *resilience.Retrier {
	return c.retrier
}

// Inner returns the wrapped client.
func (c *ResilientClient) Inner() Client {
	return c.inner
}

// BreakerMetrics returns a snapshot of every breaker, sorted by name.
func (c *ResilientClient) BreakerMetrics() []resilience.CircuitMetrics {
	out := make([]resilience.CircuitMetrics, 0, len(c.breakers))
	for _, cb := range c.breakers {
		out = append(out, cb.Metrics())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (c *ResilientClient) run(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	cb := c.breakers[op]
	call := func(ctx context.Context, attempt int) error { return fn(ctx) }

	var (
		result resilience.RetryResult
		err    error
	)
	if deadline, ok := ctx.Deadline(); ok {
		result, err = c.retrier.RunWithCircuitUntil(ctx, deadline, cb, call)
	} else {
		result, err = c.retrier.RunWithCircuit(ctx, cb, call)
	}
	if err != nil && result.Attempts > 1 {
		c.logger.Warn("backend call failed after retries",
			slog.String("op", op),
			slog.Int("attempts", result.Attempts),
			slog.String("failure_kind", resilience.Classify(err).String()))
	}
	return err
}

// GenerateToken implements Client.
func (c *ResilientClient) GenerateToken(ctx context.Context) (*TokenResponse, error) {
	var out *TokenResponse
	err := c.run(ctx, OpGenerateToken, func(ctx context.Context) error {
		var err error
		out, err = c.inner.GenerateToken(ctx)
		return err
	})
	return out, err
}

// StartConversation implements Client.
func (c *ResilientClient) StartConversation(ctx context.Context, token string) (*Conversation, error) {
	var out *Conversation
	err := c.run(ctx, OpStartConversation, func(ctx context.Context) error {
		var err error
		out, err = c.inner.StartConversation(ctx, token)
		return err
	})
	return out, err
}

// SendActivity implements Client.
func (c *ResilientClient) SendActivity(ctx context.Context, conversationID string, activity Activity, token string) (string, error) {
	var out string
	err := c.run(ctx, OpSendActivity, func(ctx context.Context) error {
		var err error
		out, err = c.inner.SendActivity(ctx, conversationID, activity, token)
		return err
	})
	return out, err
}

// GetActivities implements Client.
func (c *ResilientClient) GetActivities(ctx context.Context, conversationID, watermark, token string) (*ActivitySet, error) {
	var out *ActivitySet
	err := c.run(ctx, OpGetActivities, func(ctx context.Context) error {
		var err error
		out, err = c.inner.GetActivities(ctx, conversationID, watermark, token)
		return err
	})
	return out, err
}

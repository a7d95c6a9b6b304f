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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/convbridge/pkg/clock"
	"github.com/AleutianAI/convbridge/services/bridge/resilience"
)

func newTestResilient(t *testing.T, c *clock.FakeClock, inner Client, threshold int) *ResilientClient {
	t.Helper()
	r, err := resilience.NewRetrier(resilience.RetrierConfig{
		Clock: c,
		Sleep: func(ctx context.Context, d time.Duration) error {
			c.Advance(d)
			return nil
		},
		Rand: func() float64 { return 0 },
	})
	require.NoError(t, err)

	cfg := resilience.DefaultCircuitBreakerConfig()
	cfg.Clock = c
	cfg.FailureThreshold = threshold
	rc, err := NewResilientClient(inner, cfg, r, nil)
	require.NoError(t, err)
	return rc
}

func TestResilientClient_RetriesTransientFailures(t *testing.T) {
	c := clock.Fake(epoch)
	m := NewMemoryClient(MemoryClientConfig{Clock: c})
	rc := newTestResilient(t, c, m, 5)

	m.InjectFault(OpGenerateToken,
		&resilience.Error{Kind: resilience.KindServerError, StatusCode: 500},
		&resilience.Error{Kind: resilience.KindNetwork})

	tok, err := rc.GenerateToken(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, tok.Token)
	assert.Equal(t, 3, m.Calls(OpGenerateToken))
	assert.Equal(t, epoch.Add(3*time.Second), c.Now(), "waited 1s then 2s")
}

func TestResilientClient_NotFoundIsNotRetried(t *testing.T) {
	c := clock.Fake(epoch)
	m := NewMemoryClient(MemoryClientConfig{Clock: c})
	rc := newTestResilient(t, c, m, 5)

	_, err := rc.GetActivities(context.Background(), "nope", "", "tok")
	assert.ErrorIs(t, err, resilience.ErrConversationNotFound)
	assert.Equal(t, 1, m.Calls(OpGetActivities))
}

func TestResilientClient_PerOperationBreakers(t *testing.T) {
	c := clock.Fake(epoch)
	m := NewMemoryClient(MemoryClientConfig{Clock: c})
	rc := newTestResilient(t, c, m, 3)

	m.InjectFault(OpSendActivity,
		&resilience.Error{Kind: resilience.KindServerError},
		&resilience.Error{Kind: resilience.KindServerError},
		&resilience.Error{Kind: resilience.KindServerError})

	_, err := rc.SendActivity(context.Background(), "x", Activity{Type: ActivityTypeMessage}, "tok")
	require.Error(t, err)
	assert.Equal(t, resilience.CircuitOpen, rc.Breaker(OpSendActivity).State())

	_, err = rc.SendActivity(context.Background(), "x", Activity{Type: ActivityTypeMessage}, "tok")
	assert.ErrorIs(t, err, resilience.ErrCircuitOpen)
	assert.Equal(t, 3, m.Calls(OpSendActivity), "open circuit does not reach the backend")

	_, err = rc.GenerateToken(context.Background())
	assert.NoError(t, err, "other operations keep their own breaker")

	metrics := rc.BreakerMetrics()
	require.Len(t, metrics, 4)
	assert.Equal(t, OpGetActivities, metrics[0].Name)
	assert.Equal(t, OpSendActivity, metrics[1].Name)
	assert.Equal(t, resilience.CircuitOpen, metrics[1].State)
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package conversation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/convbridge/pkg/clock"
	"github.com/AleutianAI/convbridge/services/bridge/backend"
	"github.com/AleutianAI/convbridge/services/bridge/events"
	"github.com/AleutianAI/convbridge/services/bridge/resilience"
	"github.com/AleutianAI/convbridge/services/bridge/tokens"
)

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// directTokens generates a fresh token per call without caching.
type directTokens struct {
	client backend.Client
	keys   []string
	err    error
}

func (d *directTokens) GetToken(ctx context.Context, key string) (tokens.CachedToken, error) {
	d.keys = append(d.keys, key)
	if d.err != nil {
		return tokens.CachedToken{}, d.err
	}
	resp, err := d.client.GenerateToken(ctx)
	if err != nil {
		return tokens.CachedToken{}, err
	}
	return tokens.CachedToken{Value: resp.Token, ExpiresAt: epoch.Add(resp.TTL())}, nil
}

// recorder collects published events.
type recorder struct {
	events []events.Event
}

func (r *recorder) Publish(e events.Event) { r.events = append(r.events, e) }

func (r *recorder) types() []events.Type {
	out := make([]events.Type, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

type managerFixture struct {
	clock   *clock.FakeClock
	backend *backend.MemoryClient
	tokens  *directTokens
	events  *recorder
	manager *Manager
}

func newManagerFixture(t *testing.T, mutate func(*ManagerConfig)) *managerFixture {
	t.Helper()
	c := clock.Fake(epoch)
	mem := backend.NewMemoryClient(backend.MemoryClientConfig{Clock: c, TokenTTL: 24 * time.Hour})
	f := &managerFixture{
		clock:   c,
		backend: mem,
		tokens:  &directTokens{client: mem},
		events:  &recorder{},
	}
	cfg := ManagerConfig{
		Tokens:  f.tokens,
		Backend: mem,
		Events:  f.events,
		Clock:   c,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	m, err := NewManager(cfg)
	require.NoError(t, err)
	t.Cleanup(m.Close)
	f.manager = m
	return f
}

func TestNewManager_RequiresDependencies(t *testing.T) {
	_, err := NewManager(ManagerConfig{})
	assert.Error(t, err)
}

func TestManager_CreateConversation(t *testing.T) {
	f := newManagerFixture(t, nil)

	st, err := f.manager.CreateConversation(context.Background(), "client-a")
	require.NoError(t, err)
	assert.NotEmpty(t, st.ConversationID)
	assert.NotEmpty(t, st.Token)
	assert.Equal(t, "client-a", st.ClientID)
	assert.Empty(t, st.Watermark)
	assert.Empty(t, st.History)
	assert.Equal(t, epoch, st.CreatedAt)
	assert.Equal(t, []string{"client-a"}, f.tokens.keys, "token cache is keyed by client")
	assert.Equal(t, []events.Type{events.ConversationCreated}, f.events.types())

	m := f.manager.Metrics()
	assert.Equal(t, 1, m.Active)
	assert.Equal(t, int64(1), m.Created)
}

func TestManager_CreateConversationPropagatesTokenFailure(t *testing.T) {
	f := newManagerFixture(t, nil)
	f.tokens.err = &resilience.Error{Kind: resilience.KindTokenGeneration, Err: resilience.ErrTokenGeneration}

	_, err := f.manager.CreateConversation(context.Background(), "client-a")
	assert.ErrorIs(t, err, resilience.ErrTokenGeneration)
	assert.Equal(t, 0, f.backend.Calls(backend.OpStartConversation))
	assert.Equal(t, 0, f.manager.Metrics().Active)
}

func TestManager_SlidingIdleTimeout(t *testing.T) {
	f := newManagerFixture(t, nil)
	st, err := f.manager.CreateConversation(context.Background(), "client-a")
	require.NoError(t, err)
	id := st.ConversationID

	f.clock.Advance(20 * time.Minute)
	got, err := f.manager.GetConversation(id)
	require.NoError(t, err)
	assert.Equal(t, epoch.Add(20*time.Minute), got.LastActivityAt)

	f.clock.Advance(20 * time.Minute)
	_, err = f.manager.GetConversation(id)
	require.NoError(t, err, "access at 20m pushed expiry to 50m")

	f.clock.Advance(30*time.Minute - time.Second)
	assert.Equal(t, 1, f.manager.Metrics().Active)

	f.clock.Advance(time.Second)
	_, err = f.manager.GetConversation(id)
	assert.ErrorIs(t, err, resilience.ErrConversationNotFound)
	assert.Equal(t, resilience.KindNotFound, resilience.Classify(err))

	m := f.manager.Metrics()
	assert.Equal(t, int64(1), m.Expired)
	assert.Equal(t, int64(0), m.Ended)
	assert.Equal(t, 70*time.Minute, m.AverageLifetime)
	assert.Equal(t, events.ConversationExpired, f.events.events[len(f.events.events)-1].Type)
}

func TestManager_EndConversationCancelsTimer(t *testing.T) {
	f := newManagerFixture(t, nil)
	st, err := f.manager.CreateConversation(context.Background(), "client-a")
	require.NoError(t, err)

	f.clock.Advance(10 * time.Minute)
	assert.True(t, f.manager.EndConversation(st.ConversationID))
	assert.False(t, f.manager.EndConversation(st.ConversationID))

	f.clock.Advance(time.Hour)
	m := f.manager.Metrics()
	assert.Equal(t, int64(1), m.Ended)
	assert.Equal(t, int64(0), m.Expired, "ended conversation never expires")
	assert.Equal(t, 10*time.Minute, m.AverageLifetime)
	assert.Equal(t, []events.Type{events.ConversationCreated, events.ConversationEnded}, f.events.types())

	err = f.manager.AddToHistory(st.ConversationID, backend.Activity{})
	assert.ErrorIs(t, err, resilience.ErrConversationNotFound)
}

func TestManager_AverageLifetime(t *testing.T) {
	f := newManagerFixture(t, nil)
	a, err := f.manager.CreateConversation(context.Background(), "a")
	require.NoError(t, err)
	f.clock.Advance(time.Minute)
	b, err := f.manager.CreateConversation(context.Background(), "b")
	require.NoError(t, err)

	f.clock.Advance(time.Minute)
	f.manager.EndConversation(a.ConversationID) // lived 2m
	f.clock.Advance(2 * time.Minute)
	f.manager.EndConversation(b.ConversationID) // lived 3m

	assert.Equal(t, 150*time.Second, f.manager.Metrics().AverageLifetime)
}

func TestManager_UpdateWatermark(t *testing.T) {
	f := newManagerFixture(t, nil)
	st, err := f.manager.CreateConversation(context.Background(), "client-a")
	require.NoError(t, err)
	id := st.ConversationID

	watermark := func() string {
		_, wm, err := f.manager.History(id)
		require.NoError(t, err)
		return wm
	}

	require.NoError(t, f.manager.UpdateWatermark(id, "5"))
	assert.Equal(t, "5", watermark())

	require.NoError(t, f.manager.UpdateWatermark(id, ""))
	assert.Equal(t, "5", watermark(), "empty watermark is ignored")

	err = f.manager.UpdateWatermark(id, "3")
	assert.True(t, errors.Is(err, ErrWatermarkRegression))
	assert.Equal(t, "5", watermark())

	require.NoError(t, f.manager.UpdateWatermark(id, "12"))
	assert.Equal(t, "12", watermark())

	require.NoError(t, f.manager.UpdateWatermark(id, "opaque-cursor"))
	assert.Equal(t, "opaque-cursor", watermark(), "opaque watermarks replace")

	assert.ErrorIs(t, f.manager.UpdateWatermark("missing", "1"), resilience.ErrConversationNotFound)
}

func TestManager_History(t *testing.T) {
	t.Run("keeps duplicates in order", func(t *testing.T) {
		f := newManagerFixture(t, nil)
		st, err := f.manager.CreateConversation(context.Background(), "client-a")
		require.NoError(t, err)

		a := backend.Activity{ID: "1", Text: "same"}
		require.NoError(t, f.manager.AddToHistory(st.ConversationID, a))
		require.NoError(t, f.manager.AddToHistory(st.ConversationID, a))
		require.NoError(t, f.manager.AddToHistory(st.ConversationID, backend.Activity{ID: "2"}))

		got, err := f.manager.GetConversation(st.ConversationID)
		require.NoError(t, err)
		require.Len(t, got.History, 3)
		assert.Equal(t, "2", got.History[2].ID)

		// Snapshots are copies.
		got.History[0].Text = "mutated"
		hist, _, err := f.manager.History(st.ConversationID)
		require.NoError(t, err)
		assert.Equal(t, "same", hist[0].Text)
	})

	t.Run("max history drops oldest", func(t *testing.T) {
		f := newManagerFixture(t, func(cfg *ManagerConfig) { cfg.MaxHistory = 2 })
		st, err := f.manager.CreateConversation(context.Background(), "client-a")
		require.NoError(t, err)

		for _, id := range []string{"1", "2", "3"} {
			require.NoError(t, f.manager.AddToHistory(st.ConversationID, backend.Activity{ID: id}))
		}
		hist, _, err := f.manager.History(st.ConversationID)
		require.NoError(t, err)
		require.Len(t, hist, 2)
		assert.Equal(t, "2", hist[0].ID)
		assert.Equal(t, "3", hist[1].ID)
	})
}

func TestManager_ListAndClose(t *testing.T) {
	f := newManagerFixture(t, nil)
	a, err := f.manager.CreateConversation(context.Background(), "a")
	require.NoError(t, err)
	f.clock.Advance(time.Second)
	b, err := f.manager.CreateConversation(context.Background(), "b")
	require.NoError(t, err)

	list := f.manager.List()
	require.Len(t, list, 2)
	assert.Equal(t, a.ConversationID, list[0].ConversationID)
	assert.Equal(t, b.ConversationID, list[1].ConversationID)

	f.manager.Close()
	assert.Empty(t, f.manager.List())
	assert.Equal(t, 0, f.clock.PendingCount())

	_, err = f.manager.CreateConversation(context.Background(), "c")
	assert.ErrorIs(t, err, ErrManagerClosed)
}

// boundBackend returns the first started conversation for every later start,
// the way a channel does for a token generated for one conversation.
type boundBackend struct {
	*backend.MemoryClient
	first *backend.Conversation
}

func (b *boundBackend) StartConversation(ctx context.Context, token string) (*backend.Conversation, error) {
	if b.first != nil {
		return b.first, nil
	}
	conv, err := b.MemoryClient.StartConversation(ctx, token)
	if err == nil {
		b.first = conv
	}
	return conv, err
}

func TestManager_CreateConversationKeepsTrackedState(t *testing.T) {
	var bound *boundBackend
	f := newManagerFixture(t, func(cfg *ManagerConfig) {
		bound = &boundBackend{MemoryClient: cfg.Backend.(*backend.MemoryClient)}
		cfg.Backend = bound
	})
	ctx := context.Background()

	first, err := f.manager.CreateConversation(ctx, "client-a")
	require.NoError(t, err)
	require.NoError(t, f.manager.UpdateWatermark(first.ConversationID, "7"))
	require.NoError(t, f.manager.AddToHistory(first.ConversationID, backend.Activity{ID: "m1", Text: "hello"}))

	f.clock.Advance(time.Minute)
	second, err := f.manager.CreateConversation(ctx, "client-a")
	require.NoError(t, err)
	assert.Equal(t, first.ConversationID, second.ConversationID)
	assert.Equal(t, epoch, second.CreatedAt)
	assert.Equal(t, epoch.Add(time.Minute), second.LastActivityAt)

	hist, wm, err := f.manager.History(first.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, "7", wm)
	require.Len(t, hist, 1)
	assert.Equal(t, "hello", hist[0].Text)

	m := f.manager.Metrics()
	assert.Equal(t, 1, m.Active)
	assert.Equal(t, int64(1), m.Created)
	assert.Equal(t, []events.Type{events.ConversationCreated}, f.events.types())

	_, err = f.manager.CreateConversation(ctx, "client-b")
	assert.ErrorIs(t, err, ErrConversationOwner)
	_, wm, err = f.manager.History(first.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, "7", wm)
}

func TestManager_LockExchange(t *testing.T) {
	f := newManagerFixture(t, nil)
	st, err := f.manager.CreateConversation(context.Background(), "client-a")
	require.NoError(t, err)

	unlock, err := f.manager.lockExchange(context.Background(), st.ConversationID)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = f.manager.lockExchange(ctx, st.ConversationID)
	assert.ErrorIs(t, err, context.DeadlineExceeded, "gate is held")

	unlock()
	again, err := f.manager.lockExchange(context.Background(), st.ConversationID)
	require.NoError(t, err)
	again()

	require.True(t, f.manager.EndConversation(st.ConversationID))
	assert.Empty(t, f.manager.exchanges, "ending drops the gate")
	_, err = f.manager.lockExchange(context.Background(), st.ConversationID)
	assert.ErrorIs(t, err, resilience.ErrConversationNotFound)
}

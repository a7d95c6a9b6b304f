// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package conversation tracks conversation sessions and turns the backend's
// watermark activity feed into a request/response exchange.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/AleutianAI/convbridge/pkg/clock"
	"github.com/AleutianAI/convbridge/services/bridge/backend"
	"github.com/AleutianAI/convbridge/services/bridge/events"
	"github.com/AleutianAI/convbridge/services/bridge/resilience"
	"github.com/AleutianAI/convbridge/services/bridge/tokens"
)

// DefaultIdleTimeout ends conversations with no activity for this long.
const DefaultIdleTimeout = 30 * time.Minute

// ErrWatermarkRegression is returned when a numeric watermark would move
// backwards.
var ErrWatermarkRegression = errors.New("watermark regression")

// ErrManagerClosed is returned by CreateConversation after Close.
var ErrManagerClosed = errors.New("conversation manager is closed")

// ErrConversationOwner is returned when a backend conversation id is already
// tracked for a different client.
var ErrConversationOwner = errors.New("conversation belongs to another client")

// TokenSource supplies backend tokens. *tokens.Cache implements it.
type TokenSource interface {
	GetToken(ctx context.Context, key string) (tokens.CachedToken, error)
}

// State is a snapshot of one conversation.
type State struct {
	ConversationID string             `json:"conversation_id"`
	Token          string             `json:"-"`
	ClientID       string             `json:"client_id"`
	Watermark      string             `json:"watermark"`
	CreatedAt      time.Time          `json:"created_at"`
	LastActivityAt time.Time          `json:"last_activity_at"`
	History        []backend.Activity `json:"history,omitempty"`
}

// Summary describes a conversation without its history.
type Summary struct {
	ConversationID string    `json:"conversation_id"`
	ClientID       string    `json:"client_id"`
	Watermark      string    `json:"watermark"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
	HistoryLen     int       `json:"history_len"`
}

// Metrics is a snapshot of lifecycle counters.
type Metrics struct {
	Active          int
	Created         int64
	Ended           int64
	Expired         int64
	AverageLifetime time.Duration
}

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	// Tokens supplies the token a conversation is started with. Required.
	Tokens TokenSource

	// Backend starts conversations. Should be the resilient client. Required.
	Backend backend.Client

	// IdleTimeout ends a conversation after this long without activity.
	// Default: 30m
	IdleTimeout time.Duration

	// MaxHistory bounds stored activities per conversation, dropping the
	// oldest. Default: 0 (unbounded)
	MaxHistory int

	// Events receives lifecycle events. Default: events.Nop{}
	Events events.Publisher

	// Clock is the time source. Default: clock.Real()
	Clock clock.Clock

	Logger *slog.Logger
}

// Manager owns conversation state and idle expiry.
//
// # Description
//
// Each conversation has one idle timer in the manager's TimerRegistry.
// GetConversation slides it; EndConversation and expiry both cancel it and
// remove the state. Timer changes happen under the manager's lock together
// with the state they guard, and a fired timer re-checks its id so an expiry
// racing an EndConversation is a no-op.
//
// A token generated for a client is bound to one backend conversation, so
// starting again under a cached token yields an id that is already tracked.
// CreateConversation then touches and returns the existing state.
//
// Exchanges (send plus polling) on one conversation are serialized through
// a per-conversation gate taken with lockExchange.
//
// # Thread Safety
//
// Safe for concurrent use.
type Manager struct {
	config ManagerConfig
	logger *slog.Logger
	timers *clock.TimerRegistry

	mu            sync.Mutex
	conversations map[string]*State
	exchanges     map[string]chan struct{}
	metrics       Metrics
	finished      int64
	closed        bool
}

// NewManager creates a conversation manager.
func NewManager(config ManagerConfig) (*Manager, error) {
	if config.Tokens == nil || config.Backend == nil {
		return nil, errors.New("token source and backend are required")
	}
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = DefaultIdleTimeout
	}
	if config.MaxHistory < 0 {
		return nil, errors.New("max_history must not be negative")
	}
	if config.Events == nil {
		config.Events = events.Nop{}
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Manager{
		config:        config,
		logger:        config.Logger.With(slog.String("component", "conversation_manager")),
		timers:        clock.NewTimerRegistry(config.Clock),
		conversations: make(map[string]*State),
		exchanges:     make(map[string]chan struct{}),
	}, nil
}

// notFound builds the error for an unknown or expired conversation.
func notFound(op, id string) error {
	return &resilience.Error{
		Kind: resilience.KindNotFound,
		Op:   op,
		Err:  fmt.Errorf("%w: %s", resilience.ErrConversationNotFound, id),
	}
}

// CreateConversation obtains a token, starts a backend conversation, and
// begins tracking it.
//
// Inputs:
//   - ctx: Bounds token generation and the start call.
//   - clientID: The caller's identity; also the token cache key.
//
// Outputs:
//   - State: Snapshot with empty watermark and history, or the existing
//     state when the backend returns an id already tracked for clientID.
//   - error: Token, breaker, or backend failure; ErrConversationOwner when
//     the id is tracked for another client.
func (m *Manager) CreateConversation(ctx context.Context, clientID string) (State, error) {
	tok, err := m.config.Tokens.GetToken(ctx, clientID)
	if err != nil {
		return State{}, err
	}

	conv, err := m.config.Backend.StartConversation(ctx, tok.Value)
	if err != nil {
		return State{}, err
	}

	token := conv.Token
	if token == "" {
		token = tok.Value
	}
	now := m.config.Clock.Now()
	st := &State{
		ConversationID: conv.ConversationID,
		Token:          token,
		ClientID:       clientID,
		CreatedAt:      now,
		LastActivityAt: now,
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return State{}, ErrManagerClosed
	}
	if existing, ok := m.conversations[st.ConversationID]; ok {
		if existing.ClientID != clientID {
			m.mu.Unlock()
			return State{}, fmt.Errorf("%w: %s", ErrConversationOwner, st.ConversationID)
		}
		existing.Token = token
		existing.LastActivityAt = now
		m.scheduleIdleLocked(existing.ConversationID)
		snapshot := existing.snapshot(false)
		m.mu.Unlock()
		m.logger.Debug("conversation already tracked",
			slog.String("conversation_id", existing.ConversationID),
			slog.String("client_id", clientID))
		return snapshot, nil
	}
	m.conversations[st.ConversationID] = st
	m.scheduleIdleLocked(st.ConversationID)
	m.metrics.Created++
	snapshot := st.snapshot(false)
	m.mu.Unlock()

	m.logger.Info("conversation created",
		slog.String("conversation_id", st.ConversationID),
		slog.String("client_id", clientID),
		slog.Bool("token_present", token != ""))
	m.config.Events.Publish(events.New(events.ConversationCreated, st.ConversationID, clientID, now))
	return snapshot, nil
}

// GetConversation returns a snapshot and marks the conversation active,
// restarting its idle timer.
func (m *Manager) GetConversation(id string) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.conversations[id]
	if !ok {
		return State{}, notFound("conversation.get", id)
	}
	st.LastActivityAt = m.config.Clock.Now()
	m.scheduleIdleLocked(id)
	return st.snapshot(true), nil
}

// lockExchange waits for exclusive use of id's exchange gate.
//
// Outputs:
//   - func(): Releases the gate. Must be called exactly once.
//   - error: Not-found for unknown conversations, or the context error.
func (m *Manager) lockExchange(ctx context.Context, id string) (func(), error) {
	m.mu.Lock()
	if _, ok := m.conversations[id]; !ok {
		m.mu.Unlock()
		return nil, notFound("conversation.exchange", id)
	}
	gate, ok := m.exchanges[id]
	if !ok {
		gate = make(chan struct{}, 1)
		m.exchanges[id] = gate
	}
	m.mu.Unlock()

	select {
	case gate <- struct{}{}:
		return func() { <-gate }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// UpdateWatermark records the latest watermark for id.
//
// An empty watermark is ignored. When both the stored and the new watermark
// are integers a smaller value is rejected with ErrWatermarkRegression;
// opaque watermarks simply replace the stored one.
func (m *Manager) UpdateWatermark(id, watermark string) error {
	if watermark == "" {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.conversations[id]
	if !ok {
		return notFound("conversation.watermark", id)
	}
	if regresses(st.Watermark, watermark) {
		return fmt.Errorf("%w: %q < %q", ErrWatermarkRegression, watermark, st.Watermark)
	}
	st.Watermark = watermark
	return nil
}

func regresses(current, next string) bool {
	cur, err1 := strconv.ParseInt(current, 10, 64)
	nxt, err2 := strconv.ParseInt(next, 10, 64)
	return err1 == nil && err2 == nil && nxt < cur
}

// AddToHistory appends activity to id's history. Duplicates are kept.
func (m *Manager) AddToHistory(id string, activity backend.Activity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.conversations[id]
	if !ok {
		return notFound("conversation.history", id)
	}
	st.History = append(st.History, activity)
	if limit := m.config.MaxHistory; limit > 0 && len(st.History) > limit {
		st.History = append([]backend.Activity(nil), st.History[len(st.History)-limit:]...)
	}
	return nil
}

// History returns a copy of id's history and current watermark.
func (m *Manager) History(id string) ([]backend.Activity, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.conversations[id]
	if !ok {
		return nil, "", notFound("conversation.history", id)
	}
	return append([]backend.Activity(nil), st.History...), st.Watermark, nil
}

// EndConversation cancels id's idle timer and discards its state.
//
// Outputs:
//   - bool: False if id was not active.
func (m *Manager) EndConversation(id string) bool {
	m.mu.Lock()
	st, ok := m.removeLocked(id)
	if ok {
		m.metrics.Ended++
	}
	m.mu.Unlock()
	if !ok {
		return false
	}

	m.logger.Info("conversation ended",
		slog.String("conversation_id", id),
		slog.Duration("lifetime", m.config.Clock.Since(st.CreatedAt)))
	m.config.Events.Publish(events.New(events.ConversationEnded, id, st.ClientID, m.config.Clock.Now()))
	return true
}

// expire is the idle timer callback for id.
func (m *Manager) expire(id string, timer clock.TimerID) {
	m.mu.Lock()
	if !m.timers.IsCurrent(id, timer) {
		m.mu.Unlock()
		return
	}
	st, ok := m.removeLocked(id)
	if ok {
		m.metrics.Expired++
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	m.logger.Info("conversation expired",
		slog.String("conversation_id", id),
		slog.Duration("idle", m.config.IdleTimeout))
	m.config.Events.Publish(events.New(events.ConversationExpired, id, st.ClientID, m.config.Clock.Now()))
}

// removeLocked deletes id, cancels its timer, and folds its lifetime into the
// running average. Must be called with lock held.
func (m *Manager) removeLocked(id string) (*State, bool) {
	st, ok := m.conversations[id]
	if !ok {
		return nil, false
	}
	delete(m.conversations, id)
	delete(m.exchanges, id)
	m.timers.Cancel(id)

	m.finished++
	lifetime := m.config.Clock.Since(st.CreatedAt)
	m.metrics.AverageLifetime += (lifetime - m.metrics.AverageLifetime) / time.Duration(m.finished)
	return st, true
}

// scheduleIdleLocked (re)starts id's idle timer. Must be called with lock held.
func (m *Manager) scheduleIdleLocked(id string) {
	m.timers.Schedule(id, m.config.IdleTimeout, func(timer clock.TimerID) {
		m.expire(id, timer)
	})
}

// List returns a summary of every active conversation, oldest first.
func (m *Manager) List() []Summary {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Summary, 0, len(m.conversations))
	for _, st := range m.conversations {
		out = append(out, Summary{
			ConversationID: st.ConversationID,
			ClientID:       st.ClientID,
			Watermark:      st.Watermark,
			CreatedAt:      st.CreatedAt,
			LastActivityAt: st.LastActivityAt,
			HistoryLen:     len(st.History),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ConversationID < out[j].ConversationID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Metrics returns a snapshot of lifecycle counters.
func (m *Manager) Metrics() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.metrics
	out.Active = len(m.conversations)
	return out
}

// Close cancels every idle timer and drops all state.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	n := m.timers.CancelAll()
	m.conversations = make(map[string]*State)
	m.exchanges = make(map[string]chan struct{})
	m.logger.Debug("conversation manager closed", slog.Int("cancelled_timers", n))
}

// snapshot copies st; history is copied only when withHistory is set.
func (st *State) snapshot(withHistory bool) State {
	out := *st
	out.History = nil
	if withHistory && len(st.History) > 0 {
		out.History = append([]backend.Activity(nil), st.History...)
	}
	return out
}

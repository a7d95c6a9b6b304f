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
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/convbridge/pkg/clock"
	"github.com/AleutianAI/convbridge/services/bridge/resilience"
)

// BotAccount is the sender of MemoryClient replies.
var BotAccount = ChannelAccount{ID: "bot", Name: "Echo Bot"}

// Responder produces the bot's reply to an incoming message. Returning ""
// means the bot stays silent.
type Responder func(in Activity) string

// EchoResponder replies with the message text prefixed by "echo: ".
func EchoResponder(in Activity) string {
	return "echo: " + in.Text
}

// MemoryClientConfig configures the in-process backend.
type MemoryClientConfig struct {
	// TokenTTL is the lifetime of generated tokens. Default: 30m
	TokenTTL time.Duration

	// ReplyDelay is how long after a message the reply becomes visible.
	// Default: 0 (visible on the next poll)
	ReplyDelay time.Duration

	// Responder builds replies. Default: EchoResponder
	Responder Responder

	// Clock is the time source. Default: clock.Real()
	Clock clock.Clock
}

type memoryConversation struct {
	token      string
	activities []Activity
	visibleAt  []time.Time
}

// MemoryClient is an in-process Client for local development and tests.
//
// Watermarks are the decimal count of activities already returned, so they
// increase monotonically like the real channel's.
//
// Thread Safety: Safe for concurrent use.
type MemoryClient struct {
	config MemoryClientConfig

	mu            sync.Mutex
	conversations map[string]*memoryConversation
	tokens        map[string]time.Time
	faults        map[string][]error
	calls         map[string]int
}

// NewMemoryClient creates an in-process backend.
func NewMemoryClient(config MemoryClientConfig) *MemoryClient {
	if config.TokenTTL <= 0 {
		config.TokenTTL = 30 * time.Minute
	}
	if config.Responder == nil {
		config.Responder = EchoResponder
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	return &MemoryClient{
		config:        config,
		conversations: make(map[string]*memoryConversation),
		tokens:        make(map[string]time.Time),
		faults:        make(map[string][]error),
		calls:         make(map[string]int),
	}
}

// InjectFault queues errors returned by the next calls to op, in order.
func (m *MemoryClient) InjectFault(op string, errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults[op] = append(m.faults[op], errs...)
}

// Calls returns how many times op was invoked, faults included.
func (m *MemoryClient) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// beginLocked counts a call and pops a queued fault. Must be called with lock held.
func (m *MemoryClient) beginLocked(op string) error {
	m.calls[op]++
	if q := m.faults[op]; len(q) > 0 {
		m.faults[op] = q[1:]
		return q[0]
	}
	return nil
}

func (m *MemoryClient) checkTokenLocked(op, token string) error {
	exp, ok := m.tokens[token]
	if !ok || !m.config.Clock.Now().Before(exp) {
		return &resilience.Error{Kind: resilience.KindAuthService, Op: op, StatusCode: 403,
			Err: fmt.Errorf("token rejected")}
	}
	return nil
}

// GenerateToken implements Client.
func (m *MemoryClient) GenerateToken(ctx context.Context) (*TokenResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.beginLocked(OpGenerateToken); err != nil {
		return nil, err
	}
	token := uuid.NewString()
	m.tokens[token] = m.config.Clock.Now().Add(m.config.TokenTTL)
	return &TokenResponse{
		Token:     token,
		ExpiresIn: int(m.config.TokenTTL / time.Second),
	}, nil
}

// StartConversation implements Client.
func (m *MemoryClient) StartConversation(ctx context.Context, token string) (*Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.beginLocked(OpStartConversation); err != nil {
		return nil, err
	}
	if err := m.checkTokenLocked(OpStartConversation, token); err != nil {
		return nil, err
	}
	id := uuid.NewString()
	m.conversations[id] = &memoryConversation{token: token}
	return &Conversation{
		ConversationID: id,
		Token:          token,
		ExpiresIn:      int(m.config.TokenTTL / time.Second),
	}, nil
}

// SendActivity implements Client.
func (m *MemoryClient) SendActivity(ctx context.Context, conversationID string, activity Activity, token string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.beginLocked(OpSendActivity); err != nil {
		return "", err
	}
	conv, err := m.lookupLocked(OpSendActivity, conversationID, token)
	if err != nil {
		return "", err
	}

	now := m.config.Clock.Now()
	activity.ID = conversationID + "|" + strconv.Itoa(len(conv.activities))
	if activity.Timestamp.IsZero() {
		activity.Timestamp = now
	}
	conv.activities = append(conv.activities, activity)
	conv.visibleAt = append(conv.visibleAt, now)

	if activity.Type == ActivityTypeMessage {
		if text := m.config.Responder(activity); text != "" {
			at := now.Add(m.config.ReplyDelay)
			conv.activities = append(conv.activities, Activity{
				ID:        conversationID + "|" + strconv.Itoa(len(conv.activities)),
				Type:      ActivityTypeMessage,
				From:      BotAccount,
				Text:      text,
				Timestamp: at,
			})
			conv.visibleAt = append(conv.visibleAt, at)
		}
	}
	return activity.ID, nil
}

// GetActivities implements Client.
func (m *MemoryClient) GetActivities(ctx context.Context, conversationID, watermark, token string) (*ActivitySet, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.beginLocked(OpGetActivities); err != nil {
		return nil, err
	}
	conv, err := m.lookupLocked(OpGetActivities, conversationID, token)
	if err != nil {
		return nil, err
	}

	from := 0
	if watermark != "" {
		n, err := strconv.Atoi(watermark)
		if err != nil || n < 0 {
			return nil, &resilience.Error{Kind: resilience.KindClientError, Op: OpGetActivities, StatusCode: 400,
				Err: fmt.Errorf("invalid watermark %q", watermark)}
		}
		from = n
	}

	now := m.config.Clock.Now()
	to := from
	for to < len(conv.activities) && !conv.visibleAt[to].After(now) {
		to++
	}
	set := &ActivitySet{Watermark: strconv.Itoa(to)}
	if from < to {
		set.Activities = append([]Activity(nil), conv.activities[from:to]...)
	}
	return set, nil
}

func (m *MemoryClient) lookupLocked(op, conversationID, token string) (*memoryConversation, error) {
	conv, ok := m.conversations[conversationID]
	if !ok {
		return nil, &resilience.Error{Kind: resilience.KindNotFound, Op: op, StatusCode: 404,
			Err: resilience.ErrConversationNotFound}
	}
	if err := m.checkTokenLocked(op, token); err != nil {
		return nil, err
	}
	return conv, nil
}

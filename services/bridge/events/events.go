// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package events fans conversation lifecycle events out to subscribers.
package events

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Type names a lifecycle event.
type Type string

const (
	ConversationCreated Type = "conversation.created"
	ConversationEnded   Type = "conversation.ended"
	ConversationExpired Type = "conversation.expired"
	MessageSent         Type = "message.sent"
	MessageReceived     Type = "message.received"
	PollTimeout         Type = "poll.timeout"
	BreakerStateChanged Type = "breaker.state_changed"
)

// Event is one lifecycle notification. Message text is never included.
type Event struct {
	ID             string         `json:"id"`
	Type           Type           `json:"type"`
	ConversationID string         `json:"conversation_id"`
	ClientID       string         `json:"client_id,omitempty"`
	At             time.Time      `json:"at"`
	Data           map[string]any `json:"data,omitempty"`
}

// New builds an event with a fresh id.
func New(t Type, conversationID, clientID string, at time.Time) Event {
	return Event{
		ID:             uuid.NewString(),
		Type:           t,
		ConversationID: conversationID,
		ClientID:       clientID,
		At:             at,
	}
}

// With returns a copy of e carrying key=value in Data.
func (e Event) With(key string, value any) Event {
	data := make(map[string]any, len(e.Data)+1)
	for k, v := range e.Data {
		data[k] = v
	}
	data[key] = value
	e.Data = data
	return e
}

// Publisher receives lifecycle events. Publish must not block.
type Publisher interface {
	Publish(Event)
}

// Nop discards every event.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(Event) {}

// Hub broadcasts events to every subscriber.
//
// Each subscriber has a bounded buffer; when it is full the event is dropped
// for that subscriber only, so a slow reader never stalls the publisher.
//
// Thread Safety: Safe for concurrent use.
type Hub struct {
	logger *slog.Logger

	mu     sync.RWMutex
	subs   map[uint64]chan Event
	next   uint64
	closed bool

	dropped atomic.Uint64
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger: logger.With(slog.String("component", "event_hub")),
		subs:   make(map[uint64]chan Event),
	}
}

// Subscribe registers a subscriber with the given buffer size.
//
// Outputs:
//   - <-chan Event: Closed on unsubscribe or Close.
//   - func(): Unsubscribe; safe to call more than once.
func (h *Hub) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	h.next++
	id := h.next
	h.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if c, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(c)
			}
		})
	}
}

// Publish implements Publisher.
func (h *Hub) Publish(e Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.subs {
		select {
		case ch <- e:
		default:
			h.dropped.Add(1)
		}
	}
}

// Subscribers returns the number of active subscribers.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped returns how many deliveries were skipped because a buffer was full.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

// Close closes every subscriber channel.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subs {
		close(ch)
		delete(h.subs, id)
	}
	h.logger.Debug("event hub closed")
}

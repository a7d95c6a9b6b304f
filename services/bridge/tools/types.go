// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tools

import (
	"time"

	"github.com/AleutianAI/convbridge/services/bridge/backend"
	"github.com/AleutianAI/convbridge/services/bridge/conversation"
	"github.com/AleutianAI/convbridge/services/bridge/resilience"
)

// StartConversationOutput is the start_conversation result.
type StartConversationOutput struct {
	ConversationID string    `json:"conversation_id"`
	ClientID       string    `json:"client_id"`
	CreatedAt      time.Time `json:"created_at"`
}

// SendMessageOutput is the send_message result.
type SendMessageOutput struct {
	ConversationID string `json:"conversation_id"`
	ActivityID     string `json:"activity_id"`

	// Response is the text of the last bot activity, empty on timeout.
	Response string `json:"response"`

	// Activities holds every bot activity of the answering poll.
	Activities []backend.Activity `json:"activities,omitempty"`

	TimedOut  bool  `json:"timed_out"`
	Polls     int   `json:"polls"`
	ElapsedMS int64 `json:"elapsed_ms"`
}

// HistoryOutput is the get_history result.
type HistoryOutput struct {
	ConversationID string             `json:"conversation_id"`
	Watermark      string             `json:"watermark"`
	Activities     []backend.Activity `json:"activities"`
}

// EndConversationOutput is the end_conversation result. Ended is false when
// the conversation was already gone.
type EndConversationOutput struct {
	ConversationID string `json:"conversation_id"`
	Ended          bool   `json:"ended"`
}

// ErrorOutput is the body of an error result.
type ErrorOutput struct {
	Error        string `json:"error"`
	Kind         string `json:"kind"`
	Retryable    bool   `json:"retryable"`
	RetryAfterMS int64  `json:"retry_after_ms,omitempty"`
}

// BreakerStatus describes one circuit breaker.
type BreakerStatus struct {
	Name                 string     `json:"name"`
	State                string     `json:"state"`
	FailureCount         int64      `json:"failure_count"`
	SuccessCount         int64      `json:"success_count"`
	RejectionCount       int64      `json:"rejection_count"`
	WindowFailures       int        `json:"window_failures"`
	ConsecutiveSuccesses int        `json:"consecutive_successes"`
	LastFailureAt        *time.Time `json:"last_failure_at,omitempty"`
	LastStateChangeAt    time.Time  `json:"last_state_change_at"`
}

// TokenStatus describes the token cache.
type TokenStatus struct {
	Entries            int   `json:"entries"`
	PendingRefreshes   int   `json:"pending_refreshes"`
	Hits               int64 `json:"hits"`
	Misses             int64 `json:"misses"`
	GenerateAttempts   int64 `json:"generate_attempts"`
	GenerateSuccesses  int64 `json:"generate_successes"`
	GenerateFailures   int64 `json:"generate_failures"`
	ProactiveRefreshes int64 `json:"proactive_refreshes"`
	RefreshFailures    int64 `json:"refresh_failures"`
}

// ConversationStatus describes the lifecycle manager.
type ConversationStatus struct {
	Active                 int                    `json:"active"`
	Created                int64                  `json:"created"`
	Ended                  int64                  `json:"ended"`
	Expired                int64                  `json:"expired"`
	AverageLifetimeSeconds float64                `json:"average_lifetime_seconds"`
	Open                   []conversation.Summary `json:"open"`
}

// Status is the bridge_status result and the /v1/status body.
type Status struct {
	// Healthy is false while any breaker is open.
	Healthy       bool               `json:"healthy"`
	Uptime        string             `json:"uptime"`
	Breakers      []BreakerStatus    `json:"breakers"`
	Tokens        *TokenStatus       `json:"tokens,omitempty"`
	Conversations ConversationStatus `json:"conversations"`
}

// Status snapshots every component.
func (b *Bridge) Status() Status {
	st := Status{
		Healthy:  true,
		Uptime:   b.config.Clock.Since(b.started).Round(time.Second).String(),
		Breakers: []BreakerStatus{},
	}

	if b.config.Breakers != nil {
		for _, m := range b.config.Breakers.BreakerMetrics() {
			bs := BreakerStatus{
				Name:                 m.Name,
				State:                m.State.String(),
				FailureCount:         m.FailureCount,
				SuccessCount:         m.SuccessCount,
				RejectionCount:       m.RejectionCount,
				WindowFailures:       m.WindowFailures,
				ConsecutiveSuccesses: m.ConsecutiveSuccesses,
				LastStateChangeAt:    m.LastStateChangeAt,
			}
			if !m.LastFailureAt.IsZero() {
				at := m.LastFailureAt
				bs.LastFailureAt = &at
			}
			if m.State == resilience.CircuitOpen {
				st.Healthy = false
			}
			st.Breakers = append(st.Breakers, bs)
		}
	}

	if b.config.Tokens != nil {
		m := b.config.Tokens.Metrics()
		st.Tokens = &TokenStatus{
			Entries:            m.Entries,
			PendingRefreshes:   m.PendingRefreshes,
			Hits:               m.Hits,
			Misses:             m.Misses,
			GenerateAttempts:   m.GenerateAttempts,
			GenerateSuccesses:  m.GenerateSuccesses,
			GenerateFailures:   m.GenerateFailures,
			ProactiveRefreshes: m.ProactiveRefreshes,
			RefreshFailures:    m.RefreshFailures,
		}
	}

	cm := b.manager.Metrics()
	st.Conversations = ConversationStatus{
		Active:                 cm.Active,
		Created:                cm.Created,
		Ended:                  cm.Ended,
		Expired:                cm.Expired,
		AverageLifetimeSeconds: cm.AverageLifetime.Seconds(),
		Open:                   b.manager.List(),
	}
	return st
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package backend talks to the polling conversational backend.
//
// The Client contract mirrors the Direct Line v3 channel: a secret is
// exchanged for a short-lived token, a token starts a conversation, and
// activities are posted and then read back incrementally using an opaque
// watermark. HTTPClient is the REST implementation, MemoryClient an
// in-process echo bot, and ResilientClient wraps either with circuit
// breakers and retry.
package backend

import (
	"context"
	"time"
)

// Operation names used for breakers, spans, and error Op fields.
const (
	OpGenerateToken     = "token"
	OpStartConversation = "conversation.start"
	OpSendActivity      = "activity.send"
	OpGetActivities     = "activity.list"
)

// ActivityTypeMessage is the only activity type the bridge sends.
const ActivityTypeMessage = "message"

// ChannelAccount identifies the sender of an activity.
type ChannelAccount struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// Attachment is passed through without interpretation.
type Attachment struct {
	ContentType string `json:"contentType,omitempty"`
	ContentURL  string `json:"contentUrl,omitempty"`
	Content     any    `json:"content,omitempty"`
	Name        string `json:"name,omitempty"`
}

// Activity is one message or event in a conversation.
type Activity struct {
	ID          string         `json:"id,omitempty"`
	Type        string         `json:"type"`
	From        ChannelAccount `json:"from"`
	Text        string         `json:"text,omitempty"`
	Timestamp   time.Time      `json:"timestamp,omitempty"`
	Attachments []Attachment   `json:"attachments,omitempty"`
}

// TokenResponse is the result of a token generation.
type TokenResponse struct {
	Token          string `json:"token"`
	ExpiresIn      int    `json:"expires_in"`
	ConversationID string `json:"conversationId,omitempty"`
}

// TTL returns the token lifetime.
func (t *TokenResponse) TTL() time.Duration {
	return time.Duration(t.ExpiresIn) * time.Second
}

// Conversation is the result of starting a conversation.
type Conversation struct {
	ConversationID string `json:"conversationId"`
	Token          string `json:"token,omitempty"`
	ExpiresIn      int    `json:"expires_in,omitempty"`
	StreamURL      string `json:"streamUrl,omitempty"`
}

// ActivitySet is one page of activities after a watermark.
type ActivitySet struct {
	Activities []Activity `json:"activities"`
	Watermark  string     `json:"watermark,omitempty"`
}

// Client is the backend API contract.
//
// Implementations return *resilience.Error values so callers can classify
// failures; context cancellation is returned as the context error.
type Client interface {
	// GenerateToken exchanges the channel secret for a short-lived token.
	GenerateToken(ctx context.Context) (*TokenResponse, error)

	// StartConversation opens a conversation with token.
	StartConversation(ctx context.Context, token string) (*Conversation, error)

	// SendActivity posts an activity and returns its backend id.
	SendActivity(ctx context.Context, conversationID string, activity Activity, token string) (string, error)

	// GetActivities returns activities after watermark (all when empty).
	GetActivities(ctx context.Context, conversationID, watermark, token string) (*ActivitySet, error)
}

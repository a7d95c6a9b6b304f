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
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/convbridge/services/bridge/resilience"
)

func newTestHTTPClient(t *testing.T, handler http.Handler) *HTTPClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := NewHTTPClient(HTTPClientConfig{
		BaseURL:           srv.URL,
		Secret:            []byte("s3cret"),
		RequestsPerSecond: 1000,
		Burst:             1000,
	})
	require.NoError(t, err)
	return c
}

func TestNewHTTPClient_RequiresSecret(t *testing.T) {
	_, err := NewHTTPClient(HTTPClientConfig{})
	assert.Error(t, err)
}

func TestHTTPClient_GenerateToken(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /tokens/generate", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer s3cret", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"conversationId": "c1",
			"token":          "tok-1",
			"expires_in":     1800,
		})
	})
	c := newTestHTTPClient(t, mux)

	tok, err := c.GenerateToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok.Token)
	assert.Equal(t, 30*time.Minute, tok.TTL())
	assert.Equal(t, "c1", tok.ConversationID)
}

func TestHTTPClient_ConversationFlow(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /conversations", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(Conversation{ConversationID: "abc", Token: "tok", ExpiresIn: 1800})
	})
	mux.HandleFunc("POST /conversations/abc/activities", func(w http.ResponseWriter, r *http.Request) {
		var a Activity
		require.NoError(t, json.NewDecoder(r.Body).Decode(&a))
		assert.Equal(t, "message", a.Type)
		assert.Equal(t, "user-1", a.From.ID)
		assert.Equal(t, "hello", a.Text)
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "abc|0001"})
	})
	mux.HandleFunc("GET /conversations/abc/activities", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "7", r.URL.Query().Get("watermark"))
		_ = json.NewEncoder(w).Encode(ActivitySet{
			Activities: []Activity{{ID: "abc|0002", Type: "message", From: ChannelAccount{ID: "bot"}, Text: "hi"}},
			Watermark:  "8",
		})
	})
	c := newTestHTTPClient(t, mux)
	ctx := context.Background()

	conv, err := c.StartConversation(ctx, "tok")
	require.NoError(t, err)
	assert.Equal(t, "abc", conv.ConversationID)

	id, err := c.SendActivity(ctx, "abc", Activity{Type: "message", From: ChannelAccount{ID: "user-1"}, Text: "hello"}, "tok")
	require.NoError(t, err)
	assert.Equal(t, "abc|0001", id)

	set, err := c.GetActivities(ctx, "abc", "7", "tok")
	require.NoError(t, err)
	assert.Equal(t, "8", set.Watermark)
	require.Len(t, set.Activities, 1)
	assert.Equal(t, "hi", set.Activities[0].Text)
}

func TestHTTPClient_StatusMapping(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		header     map[string]string
		wantKind   resilience.FailureKind
		wantRetry  bool
		wantHint   time.Duration
		wantNotFnd bool
	}{
		{name: "unauthorized", status: 401, wantKind: resilience.KindAuthService},
		{name: "forbidden", status: 403, wantKind: resilience.KindAuthService},
		{name: "not found", status: 404, wantKind: resilience.KindNotFound, wantNotFnd: true},
		{name: "rate limit", status: 429, header: map[string]string{"Retry-After": "7"},
			wantKind: resilience.KindRateLimit, wantRetry: true, wantHint: 7 * time.Second},
		{name: "server error", status: 502, wantKind: resilience.KindServerError, wantRetry: true},
		{name: "gateway timeout", status: 504, wantKind: resilience.KindTimeout, wantRetry: true},
		{name: "bad request", status: 400, wantKind: resilience.KindClientError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestHTTPClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				for k, v := range tt.header {
					w.Header().Set(k, v)
				}
				http.Error(w, "nope", tt.status)
			}))

			_, err := c.GetActivities(context.Background(), "abc", "", "tok")
			require.Error(t, err)

			var e *resilience.Error
			require.True(t, errors.As(err, &e))
			assert.Equal(t, tt.wantKind, e.Kind)
			assert.Equal(t, tt.status, e.StatusCode)
			assert.Equal(t, OpGetActivities, e.Op)
			assert.Equal(t, tt.wantRetry, resilience.IsRetryable(err))
			assert.Equal(t, tt.wantHint, e.RetryAfter)
			assert.Equal(t, tt.wantNotFnd, errors.Is(err, resilience.ErrConversationNotFound))
		})
	}
}

func TestHTTPClient_TransportErrors(t *testing.T) {
	t.Run("connection refused is network", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		url := srv.URL
		srv.Close()

		c, err := NewHTTPClient(HTTPClientConfig{BaseURL: url, Secret: []byte("x")})
		require.NoError(t, err)

		_, err = c.GenerateToken(context.Background())
		assert.Equal(t, resilience.KindNetwork, resilience.Classify(err))
	})

	t.Run("deadline is timeout", func(t *testing.T) {
		release := make(chan struct{})
		c := newTestHTTPClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-release:
			case <-r.Context().Done():
			}
		}))
		defer close(release)

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		_, err := c.GetActivities(ctx, "abc", "", "tok")
		assert.Equal(t, resilience.KindTimeout, resilience.Classify(err))
	})

	t.Run("cancellation is returned as is", func(t *testing.T) {
		c := newTestHTTPClient(t, http.NotFoundHandler())
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := c.GetActivities(ctx, "abc", "", "tok")
		assert.ErrorIs(t, err, context.Canceled)
		assert.False(t, resilience.IsRetryable(err))
	})
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, 3*time.Second, parseRetryAfter("3", now))
	assert.Equal(t, time.Duration(0), parseRetryAfter("", now))
	assert.Equal(t, time.Duration(0), parseRetryAfter("-4", now))
	assert.Equal(t, 90*time.Second, parseRetryAfter(now.Add(90*time.Second).Format(http.TimeFormat), now))
	assert.Equal(t, time.Duration(0), parseRetryAfter("soon", now))
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/convbridge/services/bridge/app"
	"github.com/AleutianAI/convbridge/services/bridge/backend"
	"github.com/AleutianAI/convbridge/services/bridge/config"
	"github.com/AleutianAI/convbridge/services/bridge/events"
	"github.com/AleutianAI/convbridge/services/bridge/tools"
)

const authToken = "route-test-token"

func init() {
	gin.SetMode(gin.TestMode)
}

func newApp(t *testing.T, token string) *app.App {
	t.Helper()
	cfg := config.Default()
	cfg.Backend.Type = config.BackendMemory
	cfg.Polling.Interval = 5 * time.Millisecond
	cfg.Polling.Timeout = 2 * time.Second
	cfg.Server.AuthToken = token

	a, err := app.New(context.Background(), cfg, app.Options{Version: "test", LogOutput: io.Discard})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(context.Background()) })
	return a
}

func serve(a *app.App, method, path, body string, header http.Header) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	w := httptest.NewRecorder()
	a.Router.ServeHTTP(w, req)
	return w
}

func bearer() http.Header {
	return http.Header{"Authorization": {"Bearer " + authToken}}
}

func TestHealth_NoAuthRequired(t *testing.T) {
	a := newApp(t, authToken)
	w := serve(a, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestProtectedRoutes_RequireToken(t *testing.T) {
	a := newApp(t, authToken)

	for _, tt := range []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/v1/status"},
		{http.MethodGet, "/v1/events/ws"},
		{http.MethodPost, "/mcp"},
	} {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			w := serve(a, tt.method, tt.path, "", nil)
			assert.Equal(t, http.StatusUnauthorized, w.Code)
		})
	}
}

func TestStatus(t *testing.T) {
	a := newApp(t, authToken)

	w := serve(a, http.MethodGet, "/v1/status", "", bearer())
	require.Equal(t, http.StatusOK, w.Code)

	var st tools.Status
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.True(t, st.Healthy)
	assert.Len(t, st.Breakers, len(backend.Operations))
}

func TestStatus_UnavailableWhileBreakerOpen(t *testing.T) {
	a := newApp(t, "")
	cb := a.Client.Breaker(backend.OpGetActivities)
	for i := 0; i < a.Config.Breaker.FailureThreshold; i++ {
		_ = cb.Execute(context.Background(), func(context.Context) error {
			return context.DeadlineExceeded
		})
	}
	require.True(t, cb.IsOpen())

	w := serve(a, http.MethodGet, "/v1/status", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), `"healthy":false`)
}

func TestMetrics(t *testing.T) {
	a := newApp(t, "")
	_, err := a.Messenger.Ask(context.Background(), "alice", "", "hi")
	require.NoError(t, err)

	w := serve(a, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, `convbridge_breaker_state{breaker="activity.send"} 0`)
	assert.Contains(t, body, "convbridge_conversations_active 1")
	assert.Contains(t, body, "convbridge_tokens_entries 1")
	assert.Contains(t, body, "go_goroutines")
}

func TestMCP_OverStreamableHTTP(t *testing.T) {
	a := newApp(t, authToken)
	header := bearer()
	header.Set("Content-Type", "application/json")
	header.Set("Accept", "application/json, text/event-stream")

	w := serve(a, http.MethodPost, "/mcp",
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-03-26","capabilities":{},"clientInfo":{"name":"test","version":"1"}}}`,
		header)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"serverInfo"`)

	if sessionID := w.Header().Get("Mcp-Session-Id"); sessionID != "" {
		header.Set("Mcp-Session-Id", sessionID)
	}
	w = serve(a, http.MethodPost, "/mcp",
		`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"send_message","arguments":{"client_id":"alice","message":"hello"}}}`,
		header)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), "echo: hello")
}

func TestEventStream(t *testing.T) {
	a := newApp(t, authToken)
	srv := httptest.NewServer(a.Router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/events/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, bearer())
	require.NoError(t, err)
	defer conn.Close()
	_ = resp.Body.Close()

	require.Eventually(t, func() bool { return a.Hub.Subscribers() == 1 },
		2*time.Second, 5*time.Millisecond)

	st, err := a.Manager.CreateConversation(context.Background(), "alice")
	require.NoError(t, err)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var e events.Event
	require.NoError(t, conn.ReadJSON(&e))
	assert.Equal(t, events.ConversationCreated, e.Type)
	assert.Equal(t, st.ConversationID, e.ConversationID)
	assert.Equal(t, "alice", e.ClientID)
}

func TestEventStream_RejectedWithoutToken(t *testing.T) {
	a := newApp(t, authToken)
	srv := httptest.NewServer(a.Router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/events/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

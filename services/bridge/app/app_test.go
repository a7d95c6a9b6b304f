// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package app

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/convbridge/services/bridge/backend"
	"github.com/AleutianAI/convbridge/services/bridge/config"
	"github.com/AleutianAI/convbridge/services/bridge/resilience"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// memoryConfig returns a valid configuration on the in-process backend with
// a short poll interval so exchanges finish quickly on the real clock.
func memoryConfig() config.Config {
	cfg := config.Default()
	cfg.Backend.Type = config.BackendMemory
	cfg.Polling.Interval = 5 * time.Millisecond
	cfg.Polling.Timeout = 2 * time.Second
	return cfg
}

func newTestApp(t *testing.T, cfg config.Config) (*App, *bytes.Buffer) {
	t.Helper()
	var logs bytes.Buffer
	a, err := New(context.Background(), cfg, Options{Version: "test", LogOutput: &logs})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(context.Background()) })
	return a, &logs
}

// lockedBuffer is a bytes.Buffer safe for a concurrent writer and reader.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Backend.Secret = ""

	_, err := New(context.Background(), cfg, Options{LogOutput: io.Discard})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid configuration")
	assert.Contains(t, err.Error(), "backend.secret")
}

func TestNew_MemoryBackend(t *testing.T) {
	a, logs := newTestApp(t, memoryConfig())

	_, isMemory := a.Raw.(*backend.MemoryClient)
	assert.True(t, isMemory)
	assert.Len(t, a.Client.BreakerMetrics(), len(backend.Operations))
	assert.Contains(t, logs.String(), "bridge assembled")
	assert.Contains(t, logs.String(), "backend=memory")
}

func TestNew_DirectLineBackend(t *testing.T) {
	cfg := config.Default()
	cfg.Backend.Secret = "channel-secret"

	a, logs := newTestApp(t, cfg)
	_, isHTTP := a.Raw.(*backend.HTTPClient)
	assert.True(t, isHTTP)
	assert.NotContains(t, logs.String(), "channel-secret")
}

func TestApp_ExchangeThroughMessenger(t *testing.T) {
	a, _ := newTestApp(t, memoryConfig())
	ctx := context.Background()

	reply, err := a.Messenger.Ask(ctx, "alice", "", "ping")
	require.NoError(t, err)
	require.False(t, reply.TimedOut)
	assert.Equal(t, "echo: ping", reply.Text())

	st := a.Bridge.Status()
	assert.True(t, st.Healthy)
	assert.Equal(t, 1, st.Conversations.Active)
	require.NotNil(t, st.Tokens)
	assert.Equal(t, 1, st.Tokens.Entries)
}

func TestApp_BreakerTransitionsArePublished(t *testing.T) {
	a, _ := newTestApp(t, memoryConfig())
	stream, unsubscribe := a.Hub.Subscribe(16)
	defer unsubscribe()

	cb := a.Client.Breaker(backend.OpSendActivity)
	failure := func(context.Context) error {
		return resilience.NewError(resilience.KindServerError, backend.OpSendActivity, errors.New("status 503"))
	}
	for i := 0; i < a.Config.Breaker.FailureThreshold; i++ {
		_ = cb.Execute(context.Background(), failure)
	}

	select {
	case e := <-stream:
		assert.Equal(t, "breaker.state_changed", string(e.Type))
		assert.Equal(t, backend.OpSendActivity, e.Data["breaker"])
		assert.Equal(t, "CLOSED", e.Data["from"])
		assert.Equal(t, "OPEN", e.Data["to"])
	case <-time.After(2 * time.Second):
		t.Fatal("no breaker event published")
	}
}

func TestApp_ServeStdio(t *testing.T) {
	a, _ := newTestApp(t, memoryConfig())

	in := strings.NewReader(
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-03-26","capabilities":{},"clientInfo":{"name":"test","version":"1"}}}` + "\n" +
			`{"jsonrpc":"2.0","id":2,"method":"tools/list"}` + "\n")
	out := &lockedBuffer{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = a.ServeStdio(ctx, in, out) }()

	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), `"serverInfo"`) &&
			strings.Contains(out.String(), `"send_message"`)
	}, 5*time.Second, 10*time.Millisecond)
	assert.Contains(t, out.String(), `"convbridge"`)
}

func TestApp_ServeHTTP(t *testing.T) {
	a, _ := newTestApp(t, memoryConfig())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/health")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestApp_CloseIsIdempotent(t *testing.T) {
	a, err := New(context.Background(), memoryConfig(), Options{LogOutput: io.Discard})
	require.NoError(t, err)

	require.NoError(t, a.Close(context.Background()))
	require.NoError(t, a.Close(context.Background()))

	_, err = a.Manager.CreateConversation(context.Background(), "alice")
	assert.Error(t, err)
}

func TestApp_ReloadChangesLogLevel(t *testing.T) {
	a, logs := newTestApp(t, memoryConfig())

	a.Logger.Slog().Debug("hidden before reload")
	next := a.Config
	next.Log.Level = "debug"
	a.Reload(next)
	a.Logger.Slog().Debug("visible after reload")

	out := logs.String()
	assert.NotContains(t, out, "hidden before reload")
	assert.Contains(t, out, "visible after reload")
	assert.Contains(t, out, "log level changed")
	assert.NotContains(t, out, "restart convbridge")

	next.Polling.Timeout = time.Minute
	a.Reload(next)
	assert.Contains(t, logs.String(), "restart convbridge")
}

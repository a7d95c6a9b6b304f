// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package events

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHub_PublishSubscribe(t *testing.T) {
	hub := NewHub(nil)
	a, unsubA := hub.Subscribe(4)
	b, unsubB := hub.Subscribe(4)
	defer unsubB()

	e := New(ConversationCreated, "c1", "client", time.Now()).With("polls", 3)
	hub.Publish(e)

	assert.Equal(t, e, <-a)
	assert.Equal(t, e, <-b)
	assert.Equal(t, 3, e.Data["polls"])

	unsubA()
	unsubA()
	_, open := <-a
	assert.False(t, open)
	assert.Equal(t, 1, hub.Subscribers())
}

func TestHub_SlowSubscriberDrops(t *testing.T) {
	hub := NewHub(nil)
	ch, unsub := hub.Subscribe(1)
	defer unsub()

	hub.Publish(New(MessageSent, "c1", "", time.Now()))
	hub.Publish(New(MessageSent, "c1", "", time.Now()))

	assert.Len(t, ch, 1)
	assert.Equal(t, uint64(1), hub.Dropped())
}

func TestHub_Close(t *testing.T) {
	hub := NewHub(nil)
	ch, unsub := hub.Subscribe(1)
	hub.Close()
	unsub()

	_, open := <-ch
	assert.False(t, open)

	late, _ := hub.Subscribe(1)
	_, open = <-late
	assert.False(t, open)
}

func TestEventWith_DoesNotShareData(t *testing.T) {
	base := New(PollTimeout, "c1", "", time.Now()).With("a", 1)
	derived := base.With("b", 2)
	assert.NotContains(t, base.Data, "b")
	assert.Contains(t, derived.Data, "a")
}

func TestHandleStream(t *testing.T) {
	gin.SetMode(gin.TestMode)
	hub := NewHub(nil)
	router := gin.New()
	router.GET("/events", HandleStream(hub, nil))
	srv := httptest.NewServer(router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.Subscribers() == 1 }, 2*time.Second, 5*time.Millisecond)

	sent := New(ConversationEnded, "c9", "client", time.Now().UTC().Truncate(time.Second))
	hub.Publish(sent)

	var got Event
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, sent.ID, got.ID)
	assert.Equal(t, ConversationEnded, got.Type)
	assert.Equal(t, "c9", got.ConversationID)
	assert.True(t, sent.At.Equal(got.At))

	hub.Close()
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway))
}

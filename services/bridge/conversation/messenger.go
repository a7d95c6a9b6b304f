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
	"log/slog"
	"time"

	"github.com/AleutianAI/convbridge/pkg/clock"
	"github.com/AleutianAI/convbridge/services/bridge/backend"
	"github.com/AleutianAI/convbridge/services/bridge/events"
)

const (
	// DefaultPollInterval is the wait before each activity poll.
	DefaultPollInterval = 1 * time.Second

	// DefaultPollTimeout bounds how long SendMessage waits for a reply.
	DefaultPollTimeout = 30 * time.Second
)

// Reply is the outcome of one SendMessage exchange.
type Reply struct {
	ConversationID string
	ActivityID     string

	// Response is the last non-self activity of the poll that found one.
	// Nil when TimedOut.
	Response *backend.Activity

	// Received holds every non-self activity from that poll, in order.
	Received []backend.Activity

	// TimedOut is set when no reply arrived before the poll deadline.
	TimedOut bool

	// Polls is the number of GetActivities calls made.
	Polls int

	Elapsed time.Duration
}

// Text returns the response text, or "" when there is none.
func (r *Reply) Text() string {
	if r == nil || r.Response == nil {
		return ""
	}
	return r.Response.Text
}

// MessengerConfig configures a Messenger.
type MessengerConfig struct {
	// Manager owns conversation state. Required.
	Manager *Manager

	// Backend sends and polls. Should be the resilient client. Required.
	Backend backend.Client

	// PollInterval is the wait before each poll. Default: 1s
	PollInterval time.Duration

	// PollTimeout is the reply deadline measured from the send. Default: 30s
	PollTimeout time.Duration

	// Events receives message and timeout events. Default: events.Nop{}
	Events events.Publisher

	// Clock is the time source for the deadline. Default: clock.Real()
	Clock clock.Clock

	// Sleep overrides the wait between polls. Default: waits on Clock.
	Sleep clock.SleepFunc

	Logger *slog.Logger
}

// Messenger turns the backend's asynchronous activity feed into a
// synchronous request/response call.
//
// Thread Safety: Safe for concurrent use. Exchanges on one conversation run
// one at a time; a second SendMessage waits until the first returns.
type Messenger struct {
	config MessengerConfig
	logger *slog.Logger
}

// NewMessenger creates a Messenger.
func NewMessenger(config MessengerConfig) (*Messenger, error) {
	if config.Manager == nil || config.Backend == nil {
		return nil, errors.New("manager and backend are required")
	}
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	if config.PollTimeout <= 0 {
		config.PollTimeout = DefaultPollTimeout
	}
	if config.Events == nil {
		config.Events = events.Nop{}
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Sleep == nil {
		config.Sleep = clock.SleeperFor(config.Clock)
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Messenger{
		config: config,
		logger: config.Logger.With(slog.String("component", "messenger")),
	}, nil
}

// Manager returns the conversation manager.
func (m *Messenger) Manager() *Manager {
	return m.config.Manager
}

// Ask sends text on conversationID, creating a conversation for clientID
// first when conversationID is empty.
func (m *Messenger) Ask(ctx context.Context, clientID, conversationID, text string) (*Reply, error) {
	if conversationID == "" {
		st, err := m.config.Manager.CreateConversation(ctx, clientID)
		if err != nil {
			return nil, err
		}
		conversationID = st.ConversationID
	}
	return m.SendMessage(ctx, conversationID, text)
}

// SendMessage posts text and polls until the backend replies or the poll
// deadline passes.
//
// # Description
//
// Exchanges on one conversation are serialized, so each starts from the
// watermark the previous one left. The outgoing message is posted as the
// conversation's client and appended to history. Then, until the deadline:
// wait PollInterval (cut short at the deadline), fetch activities
// after the stored watermark, record any new watermark, and keep activities
// not sent by the client. The first poll that yields any returns the last of
// them; all are appended to history.
//
// # Outputs
//
//   - *Reply: The response, or TimedOut with a nil error when the deadline
//     passes without one.
//   - error: Not-found for unknown conversations, backend failures that
//     survived retry, or the context error. The loop stops at the first.
func (m *Messenger) SendMessage(ctx context.Context, conversationID, text string) (*Reply, error) {
	mgr := m.config.Manager
	unlock, err := mgr.lockExchange(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	st, err := mgr.GetConversation(conversationID)
	if err != nil {
		return nil, err
	}

	start := m.config.Clock.Now()
	out := backend.Activity{
		Type:      backend.ActivityTypeMessage,
		From:      backend.ChannelAccount{ID: st.ClientID, Name: st.ClientID},
		Text:      text,
		Timestamp: start,
	}
	activityID, err := m.config.Backend.SendActivity(ctx, conversationID, out, st.Token)
	if err != nil {
		return nil, err
	}
	out.ID = activityID
	if err := mgr.AddToHistory(conversationID, out); err != nil {
		return nil, err
	}
	m.config.Events.Publish(events.New(events.MessageSent, conversationID, st.ClientID, start).
		With("activity_id", activityID))

	reply := &Reply{ConversationID: conversationID, ActivityID: activityID}
	deadline := start.Add(m.config.PollTimeout)
	watermark := st.Watermark

	for {
		wait := m.config.PollInterval
		if remaining := deadline.Sub(m.config.Clock.Now()); remaining < wait {
			wait = remaining
		}
		if wait > 0 {
			if err := m.config.Sleep(ctx, wait); err != nil {
				return nil, err
			}
		}

		reply.Polls++
		set, err := m.config.Backend.GetActivities(ctx, conversationID, watermark, st.Token)
		if err != nil {
			m.logger.Warn("activity poll failed",
				slog.String("conversation_id", conversationID),
				slog.Int("poll", reply.Polls),
				slog.String("error", err.Error()))
			return nil, err
		}

		if set.Watermark != "" {
			switch err := mgr.UpdateWatermark(conversationID, set.Watermark); {
			case err == nil:
				watermark = set.Watermark
			case errors.Is(err, ErrWatermarkRegression):
				m.logger.Warn("ignoring watermark regression",
					slog.String("conversation_id", conversationID),
					slog.String("watermark", set.Watermark))
			default:
				return nil, err
			}
		}

		for _, a := range set.Activities {
			if a.From.ID != st.ClientID {
				reply.Received = append(reply.Received, a)
			}
		}
		if len(reply.Received) > 0 {
			for _, a := range reply.Received {
				if err := mgr.AddToHistory(conversationID, a); err != nil {
					return nil, err
				}
			}
			last := reply.Received[len(reply.Received)-1]
			reply.Response = &last
			reply.Elapsed = m.config.Clock.Since(start)
			m.config.Events.Publish(events.New(events.MessageReceived, conversationID, st.ClientID, m.config.Clock.Now()).
				With("polls", reply.Polls).
				With("activity_id", last.ID))
			return reply, nil
		}

		if !m.config.Clock.Now().Before(deadline) {
			reply.TimedOut = true
			reply.Elapsed = m.config.Clock.Since(start)
			m.logger.Info("no reply before poll deadline",
				slog.String("conversation_id", conversationID),
				slog.Int("polls", reply.Polls),
				slog.Duration("timeout", m.config.PollTimeout))
			m.config.Events.Publish(events.New(events.PollTimeout, conversationID, st.ClientID, m.config.Clock.Now()).
				With("polls", reply.Polls))
			return reply, nil
		}
	}
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package tools exposes the conversation engine as MCP tools.
//
// # Description
//
// Bridge registers five tools on an mcp-go server: start_conversation,
// send_message, get_history, end_conversation and bridge_status. Arguments
// are validated before any backend call. Failures become MCP error results
// carrying the failure kind and whether retrying may help; a poll timeout is
// a successful result with timed_out set.
//
// The same server is served over stdio (ServeStdio) or streamable HTTP
// (HTTPHandler).
//
// # Thread Safety
//
// Safe for concurrent use.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/convbridge/pkg/clock"
	"github.com/AleutianAI/convbridge/services/bridge/conversation"
	"github.com/AleutianAI/convbridge/services/bridge/observability"
	"github.com/AleutianAI/convbridge/services/bridge/resilience"
)

// Tool names.
const (
	ToolStartConversation = "start_conversation"
	ToolSendMessage       = "send_message"
	ToolGetHistory        = "get_history"
	ToolEndConversation   = "end_conversation"
	ToolBridgeStatus      = "bridge_status"
)

// outcomeInvalidInput labels calls rejected before reaching the engine.
const outcomeInvalidInput = "invalid-input"

var tracer = otel.Tracer("convbridge.tools")

// Config configures a Bridge.
type Config struct {
	// Name and Version are reported to MCP clients during initialize.
	// Default: "convbridge", "dev"
	Name    string
	Version string

	// Messenger runs exchanges; its Manager owns conversations. Required.
	Messenger *conversation.Messenger

	// Breakers and Tokens feed bridge_status. Optional.
	Breakers observability.BreakerSource
	Tokens   observability.TokenSource

	// Metrics records tool calls. Optional.
	Metrics *observability.ToolMetrics

	// Clock is the time source for durations. Default: clock.Real()
	Clock clock.Clock

	Logger *slog.Logger
}

// Bridge owns the MCP server and its tool handlers.
type Bridge struct {
	config  Config
	manager *conversation.Manager
	server  *server.MCPServer
	logger  *slog.Logger
	started time.Time
}

// New creates a Bridge with every tool registered.
func New(config Config) (*Bridge, error) {
	if config.Messenger == nil {
		return nil, errors.New("messenger is required")
	}
	if config.Name == "" {
		config.Name = "convbridge"
	}
	if config.Version == "" {
		config.Version = "dev"
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	b := &Bridge{
		config:  config,
		manager: config.Messenger.Manager(),
		logger:  config.Logger.With(slog.String("component", "mcp_tools")),
		started: config.Clock.Now(),
	}
	b.server = server.NewMCPServer(config.Name, config.Version,
		server.WithToolCapabilities(true),
		server.WithLogging(),
		server.WithRecovery(),
	)

	b.server.AddTool(startConversationTool(), b.handle(ToolStartConversation, b.startConversation))
	b.server.AddTool(sendMessageTool(), b.handle(ToolSendMessage, b.sendMessage))
	b.server.AddTool(getHistoryTool(), b.handle(ToolGetHistory, b.getHistory))
	b.server.AddTool(endConversationTool(), b.handle(ToolEndConversation, b.endConversation))
	b.server.AddTool(bridgeStatusTool(), b.handle(ToolBridgeStatus, b.bridgeStatus))

	return b, nil
}

// MCPServer returns the underlying server.
func (b *Bridge) MCPServer() *server.MCPServer {
	return b.server
}

// ServeStdio serves newline-delimited JSON-RPC on in/out until ctx ends or
// in reaches EOF.
func (b *Bridge) ServeStdio(ctx context.Context, in io.Reader, out io.Writer) error {
	stdio := server.NewStdioServer(b.server)
	stdio.SetErrorLogger(slog.NewLogLogger(b.logger.Handler(), slog.LevelError))
	return stdio.Listen(ctx, in, out)
}

// HTTPHandler returns the streamable HTTP transport mounted at /mcp.
func (b *Bridge) HTTPHandler() http.Handler {
	return server.NewStreamableHTTPServer(b.server, server.WithEndpointPath("/mcp"))
}

// =============================================================================
// Tool Definitions
// =============================================================================

func startConversationTool() mcp.Tool {
	return mcp.NewTool(ToolStartConversation,
		mcp.WithDescription("Start a new conversation with the bot and return its id."),
		mcp.WithString("client_id", mcp.Required(), mcp.MaxLength(maxIDLength),
			mcp.Description("Stable identifier of the calling user; tokens are cached per client")),
	)
}

func sendMessageTool() mcp.Tool {
	return mcp.NewTool(ToolSendMessage,
		mcp.WithDescription("Send a message and wait for the bot's reply. "+
			"Starts a conversation when conversation_id is omitted. "+
			"Returns timed_out=true if the bot did not answer in time."),
		mcp.WithString("client_id", mcp.Required(), mcp.MaxLength(maxIDLength),
			mcp.Description("Identifier of the calling user")),
		mcp.WithString("message", mcp.Required(), mcp.MaxLength(MaxMessageBytes),
			mcp.Description("Message text, at most 32KB")),
		mcp.WithString("conversation_id", mcp.MaxLength(maxIDLength),
			mcp.Description("Existing conversation to continue")),
	)
}

func getHistoryTool() mcp.Tool {
	return mcp.NewTool(ToolGetHistory,
		mcp.WithDescription("Return every activity recorded for a conversation, in arrival order."),
		mcp.WithString("conversation_id", mcp.Required(), mcp.MaxLength(maxIDLength),
			mcp.Description("Conversation to read")),
	)
}

func endConversationTool() mcp.Tool {
	return mcp.NewTool(ToolEndConversation,
		mcp.WithDescription("End a conversation and discard its state."),
		mcp.WithString("conversation_id", mcp.Required(), mcp.MaxLength(maxIDLength),
			mcp.Description("Conversation to end")),
	)
}

func bridgeStatusTool() mcp.Tool {
	return mcp.NewTool(ToolBridgeStatus,
		mcp.WithDescription("Report circuit breaker, token cache and conversation metrics."),
	)
}

// =============================================================================
// Handlers
// =============================================================================

// toolFunc returns the JSON payload of a successful call and its metrics
// outcome label.
type toolFunc func(ctx context.Context, args map[string]any) (payload any, outcome string, err error)

// handle adapts fn to an MCP handler with tracing, metrics and error results.
func (b *Bridge) handle(name string, fn toolFunc) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		ctx, span := tracer.Start(ctx, "tool."+name,
			trace.WithAttributes(attribute.String("tool.name", name)))
		defer span.End()

		start := b.config.Clock.Now()
		payload, outcome, err := fn(ctx, req.GetArguments())
		if err != nil {
			outcome = outcomeOf(err)
			span.RecordError(err)
			span.SetStatus(codes.Error, outcome)
		}
		span.SetAttributes(attribute.String("tool.outcome", outcome))
		b.config.Metrics.RecordCall(name, outcome, b.config.Clock.Since(start))

		if err != nil {
			level := slog.LevelWarn
			if outcome == outcomeInvalidInput {
				level = slog.LevelDebug
			}
			b.logger.Log(ctx, level, "tool call failed",
				slog.String("tool", name),
				slog.String("outcome", outcome),
				slog.String("error", err.Error()))
			return errorResult(err, outcome), nil
		}
		return jsonResult(payload)
	}
}

func (b *Bridge) startConversation(ctx context.Context, args map[string]any) (any, string, error) {
	var in StartConversationInput
	if err := decodeArgs(args, &in); err != nil {
		return nil, "", err
	}
	st, err := b.manager.CreateConversation(ctx, in.ClientID)
	if err != nil {
		return nil, "", err
	}
	return StartConversationOutput{
		ConversationID: st.ConversationID,
		ClientID:       st.ClientID,
		CreatedAt:      st.CreatedAt,
	}, "success", nil
}

func (b *Bridge) sendMessage(ctx context.Context, args map[string]any) (any, string, error) {
	var in SendMessageInput
	if err := decodeArgs(args, &in); err != nil {
		return nil, "", err
	}
	if in.ConversationID != "" {
		st, err := b.manager.GetConversation(in.ConversationID)
		if err != nil {
			return nil, "", err
		}
		if st.ClientID != in.ClientID {
			return nil, "", fmt.Errorf("%w: conversation belongs to another client", ErrInvalidInput)
		}
	}

	reply, err := b.config.Messenger.Ask(ctx, in.ClientID, in.ConversationID, in.Message)
	if err != nil {
		return nil, "", err
	}
	b.config.Metrics.RecordPolls(reply.Polls)

	out := SendMessageOutput{
		ConversationID: reply.ConversationID,
		ActivityID:     reply.ActivityID,
		Response:       reply.Text(),
		TimedOut:       reply.TimedOut,
		Polls:          reply.Polls,
		ElapsedMS:      reply.Elapsed.Milliseconds(),
		Activities:     reply.Received,
	}
	if reply.TimedOut {
		return out, "timeout", nil
	}
	return out, "success", nil
}

func (b *Bridge) getHistory(_ context.Context, args map[string]any) (any, string, error) {
	var in ConversationInput
	if err := decodeArgs(args, &in); err != nil {
		return nil, "", err
	}
	history, watermark, err := b.manager.History(in.ConversationID)
	if err != nil {
		return nil, "", err
	}
	return HistoryOutput{
		ConversationID: in.ConversationID,
		Watermark:      watermark,
		Activities:     history,
	}, "success", nil
}

func (b *Bridge) endConversation(_ context.Context, args map[string]any) (any, string, error) {
	var in ConversationInput
	if err := decodeArgs(args, &in); err != nil {
		return nil, "", err
	}
	return EndConversationOutput{
		ConversationID: in.ConversationID,
		Ended:          b.manager.EndConversation(in.ConversationID),
	}, "success", nil
}

func (b *Bridge) bridgeStatus(context.Context, map[string]any) (any, string, error) {
	return b.Status(), "success", nil
}

// =============================================================================
// Results
// =============================================================================

func jsonResult(payload any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode tool result: %w", err)
	}
	return mcp.NewToolResultText(string(data)), nil
}

// errorResult renders err as an MCP error result with a JSON body.
func errorResult(err error, outcome string) *mcp.CallToolResult {
	body := ErrorOutput{Error: err.Error(), Kind: outcome}
	if outcome != outcomeInvalidInput {
		body.Retryable = resilience.IsRetryable(err) || resilience.Classify(err) == resilience.KindCircuitOpen
		if hint := resilience.RetryAfterHint(err); hint > 0 {
			body.RetryAfterMS = hint.Milliseconds()
		}
	}
	data, _ := json.Marshal(body)
	return mcp.NewToolResultError(string(data))
}

// outcomeOf labels a failure for metrics and error results.
func outcomeOf(err error) string {
	switch {
	case errors.Is(err, ErrInvalidInput):
		return outcomeInvalidInput
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return resilience.Classify(err).String()
	}
}

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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/awnumar/memguard"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/convbridge/services/bridge/resilience"
)

// DefaultBaseURL is the public Direct Line v3 endpoint.
const DefaultBaseURL = "https://directline.botframework.com/v3/directline"

// maxErrorBody bounds how much of an error response is kept for messages.
const maxErrorBody = 4096

var (
	tracer = otel.Tracer("convbridge.backend")
	meter  = otel.Meter("convbridge.backend")
)

// HTTPClientConfig configures the Direct Line REST client.
type HTTPClientConfig struct {
	// BaseURL is the Direct Line root, without trailing slash.
	// Default: DefaultBaseURL
	BaseURL string

	// Secret is the channel secret exchanged for tokens. Required.
	// The slice is wiped once it has been moved into protected memory.
	Secret []byte

	// RequestsPerSecond limits outbound calls. Default: 10
	RequestsPerSecond float64

	// Burst is the limiter bucket size. Default: 20
	Burst int

	// Timeout bounds each HTTP round trip. Default: 30s
	Timeout time.Duration

	// HTTPClient overrides the transport. Timeout is ignored when set.
	HTTPClient *http.Client

	Logger *slog.Logger
}

// HTTPClient implements Client against the Direct Line v3 REST API.
//
// Thread Safety: Safe for concurrent use.
type HTTPClient struct {
	baseURL string
	secret  *memguard.Enclave
	limiter *rate.Limiter
	http    *http.Client
	logger  *slog.Logger

	// duration records round trips by op and outcome.
	duration metric.Float64Histogram
}

// NewHTTPClient creates a Direct Line client.
//
// Inputs:
//   - config: Endpoint, secret, and limits. Zero values take defaults.
//
// Outputs:
//   - *HTTPClient: Ready for use.
//   - error: Non-nil if the secret is missing or the base URL is invalid.
func NewHTTPClient(config HTTPClientConfig) (*HTTPClient, error) {
	if len(config.Secret) == 0 {
		return nil, errors.New("directline secret is required")
	}
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	if _, err := url.ParseRequestURI(config.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if config.RequestsPerSecond <= 0 {
		config.RequestsPerSecond = 10
	}
	if config.Burst <= 0 {
		config.Burst = 20
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.HTTPClient == nil {
		config.HTTPClient = &http.Client{Timeout: config.Timeout}
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	duration, err := meter.Float64Histogram(
		"convbridge.backend.request.duration",
		metric.WithDescription("Direct Line request duration by operation and outcome"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("create duration histogram: %w", err)
	}

	return &HTTPClient{
		baseURL:  strings.TrimRight(config.BaseURL, "/"),
		secret:   memguard.NewEnclave(config.Secret),
		limiter:  rate.NewLimiter(rate.Limit(config.RequestsPerSecond), config.Burst),
		http:     config.HTTPClient,
		logger:   config.Logger.With(slog.String("component", "directline_client")),
		duration: duration,
	}, nil
}

// GenerateToken implements Client.
func (c *HTTPClient) GenerateToken(ctx context.Context) (*TokenResponse, error) {
	buf, err := c.secret.Open()
	if err != nil {
		return nil, resilience.NewError(resilience.KindTokenGeneration, OpGenerateToken,
			fmt.Errorf("open secret: %w", err))
	}
	defer buf.Destroy()

	var out TokenResponse
	if err := c.do(ctx, OpGenerateToken, http.MethodPost, "/tokens/generate", buf.String(), nil, &out); err != nil {
		return nil, err
	}
	if out.Token == "" {
		return nil, resilience.NewError(resilience.KindTokenGeneration, OpGenerateToken,
			errors.New("response carried no token"))
	}
	return &out, nil
}

// StartConversation implements Client.
func (c *HTTPClient) StartConversation(ctx context.Context, token string) (*Conversation, error) {
	var out Conversation
	if err := c.do(ctx, OpStartConversation, http.MethodPost, "/conversations", token, nil, &out); err != nil {
		return nil, err
	}
	if out.ConversationID == "" {
		return nil, resilience.NewError(resilience.KindServerError, OpStartConversation,
			errors.New("response carried no conversation id"))
	}
	return &out, nil
}

// SendActivity implements Client.
func (c *HTTPClient) SendActivity(ctx context.Context, conversationID string, activity Activity, token string) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	path := "/conversations/" + url.PathEscape(conversationID) + "/activities"
	if err := c.do(ctx, OpSendActivity, http.MethodPost, path, token, activity, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

// GetActivities implements Client.
func (c *HTTPClient) GetActivities(ctx context.Context, conversationID, watermark, token string) (*ActivitySet, error) {
	path := "/conversations/" + url.PathEscape(conversationID) + "/activities"
	if watermark != "" {
		path += "?watermark=" + url.QueryEscape(watermark)
	}
	var out ActivitySet
	if err := c.do(ctx, OpGetActivities, http.MethodGet, path, token, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// do performs one rate-limited, traced request and decodes the JSON reply.
func (c *HTTPClient) do(ctx context.Context, op, method, path, bearer string, body, out any) error {
	ctx, span := tracer.Start(ctx, "directline."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.method", method),
			attribute.String("directline.op", op),
		),
	)
	defer span.End()

	start := time.Now()
	err := c.roundTrip(ctx, span, op, method, path, bearer, body, out)
	outcome := "success"
	if err != nil {
		outcome = resilience.Classify(err).String()
	}
	c.duration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
		return err
	}
	span.SetStatus(codes.Ok, "")
	return nil
}

func (c *HTTPClient) roundTrip(ctx context.Context, span trace.Span, op, method, path, bearer string, body, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return transportError(op, ctxErr)
		}
		return resilience.NewError(resilience.KindRateLimit, op, err)
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return resilience.NewError(resilience.KindClientError, op, fmt.Errorf("encode request: %w", err))
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return resilience.NewError(resilience.KindClientError, op, err)
	}
	req.Header.Set("Authorization", "Bearer "+bearer)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return transportError(op, err)
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		c.logger.Debug("backend returned error status",
			slog.String("op", op),
			slog.Int("status", resp.StatusCode))
		return statusError(op, resp, snippet)
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return resilience.NewError(resilience.KindServerError, op, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

// transportError classifies a failure that produced no HTTP response.
func transportError(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	kind := resilience.Classify(err)
	if kind != resilience.KindTimeout {
		kind = resilience.KindNetwork
	}
	return resilience.NewError(kind, op, err)
}

// statusError maps an HTTP error status to a classified error.
func statusError(op string, resp *http.Response, body []byte) error {
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	e := &resilience.Error{Op: op, StatusCode: resp.StatusCode, Err: errors.New(msg)}

	switch code := resp.StatusCode; {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		e.Kind = resilience.KindAuthService
	case code == http.StatusNotFound:
		e.Kind = resilience.KindNotFound
		e.Err = fmt.Errorf("%w: %s", resilience.ErrConversationNotFound, msg)
	case code == http.StatusTooManyRequests:
		e.Kind = resilience.KindRateLimit
		e.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
	case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
		e.Kind = resilience.KindTimeout
	case code >= 500:
		e.Kind = resilience.KindServerError
	default:
		e.Kind = resilience.KindClientError
	}
	return e
}

// parseRetryAfter reads a Retry-After header in seconds or HTTP-date form.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

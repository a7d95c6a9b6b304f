// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides Prometheus metrics for the bridge.
//
// # Description
//
// Two kinds of metrics live here:
//   - BridgeCollector reads snapshots from the circuit breakers, token cache,
//     conversation manager, and event hub at scrape time. The components
//     keep their own counters; nothing is double-counted.
//   - ToolMetrics counts MCP tool calls and observes their latency as they
//     happen.
//
// # Integration
//
// Metrics are exposed via the /metrics endpoint.
//
// # Thread Safety
//
// All metric operations are thread-safe.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/AleutianAI/convbridge/services/bridge/conversation"
	"github.com/AleutianAI/convbridge/services/bridge/resilience"
	"github.com/AleutianAI/convbridge/services/bridge/tokens"
)

// Namespace for all metrics
const metricsNamespace = "convbridge"

// =============================================================================
// Snapshot Sources
// =============================================================================

// BreakerSource exposes per-operation breaker snapshots.
// *backend.ResilientClient implements it.
type BreakerSource interface {
	BreakerMetrics() []resilience.CircuitMetrics
}

// TokenSource exposes token cache counters. *tokens.Cache implements it.
type TokenSource interface {
	Metrics() tokens.Metrics
}

// ConversationSource exposes lifecycle counters.
// *conversation.Manager implements it.
type ConversationSource interface {
	Metrics() conversation.Metrics
}

// HubSource exposes event fan-out counters. *events.Hub implements it.
type HubSource interface {
	Subscribers() int
	Dropped() uint64
}

// Sources groups the components a BridgeCollector reads. Nil sources are
// skipped.
type Sources struct {
	Breakers      BreakerSource
	Tokens        TokenSource
	Conversations ConversationSource
	Events        HubSource
}

// =============================================================================
// Bridge Collector
// =============================================================================

// BridgeCollector is a prometheus.Collector over component snapshots.
//
// # Description
//
// Breaker metrics carry a "breaker" label with the operation name. The
// breaker state gauge is 0 closed, 1 open, 2 half-open.
//
// # Thread Safety
//
// Safe for concurrent scrapes; each source guards its own snapshot.
type BridgeCollector struct {
	sources Sources

	breakerState      *prometheus.Desc
	breakerFailures   *prometheus.Desc
	breakerSuccesses  *prometheus.Desc
	breakerRejections *prometheus.Desc
	breakerWindow     *prometheus.Desc

	tokenGenerations *prometheus.Desc
	tokenLookups     *prometheus.Desc
	tokenRefreshes   *prometheus.Desc
	tokenEntries     *prometheus.Desc

	conversationsActive   *prometheus.Desc
	conversationsTotal    *prometheus.Desc
	conversationsLifetime *prometheus.Desc

	eventSubscribers *prometheus.Desc
	eventsDropped    *prometheus.Desc
}

// NewBridgeCollector creates a collector. Register it with a
// prometheus.Registerer.
func NewBridgeCollector(sources Sources) *BridgeCollector {
	name := func(subsystem, metric string) string {
		return prometheus.BuildFQName(metricsNamespace, subsystem, metric)
	}
	breaker := []string{"breaker"}

	return &BridgeCollector{
		sources: sources,

		breakerState: prometheus.NewDesc(name("breaker", "state"),
			"Circuit state by operation (0 closed, 1 open, 2 half-open)", breaker, nil),
		breakerFailures: prometheus.NewDesc(name("breaker", "failures_total"),
			"Failures recorded by the breaker, excluded kinds included", breaker, nil),
		breakerSuccesses: prometheus.NewDesc(name("breaker", "successes_total"),
			"Successful calls through the breaker", breaker, nil),
		breakerRejections: prometheus.NewDesc(name("breaker", "rejections_total"),
			"Calls rejected while the circuit was open", breaker, nil),
		breakerWindow: prometheus.NewDesc(name("breaker", "window_failures"),
			"Counted failures currently inside the sliding window", breaker, nil),

		tokenGenerations: prometheus.NewDesc(name("tokens", "generations_total"),
			"Token generation outcomes", []string{"outcome"}, nil),
		tokenLookups: prometheus.NewDesc(name("tokens", "lookups_total"),
			"Token cache lookups by result", []string{"result"}, nil),
		tokenRefreshes: prometheus.NewDesc(name("tokens", "refreshes_total"),
			"Proactive token refreshes by outcome", []string{"outcome"}, nil),
		tokenEntries: prometheus.NewDesc(name("tokens", "entries"),
			"Cached tokens", nil, nil),

		conversationsActive: prometheus.NewDesc(name("conversations", "active"),
			"Conversations currently tracked", nil, nil),
		conversationsTotal: prometheus.NewDesc(name("conversations", "total"),
			"Conversation lifecycle transitions", []string{"event"}, nil),
		conversationsLifetime: prometheus.NewDesc(name("conversations", "average_lifetime_seconds"),
			"Mean lifetime of ended or expired conversations", nil, nil),

		eventSubscribers: prometheus.NewDesc(name("events", "subscribers"),
			"Connected lifecycle event subscribers", nil, nil),
		eventsDropped: prometheus.NewDesc(name("events", "dropped_total"),
			"Events dropped for slow subscribers", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *BridgeCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.breakerState, c.breakerFailures, c.breakerSuccesses, c.breakerRejections, c.breakerWindow,
		c.tokenGenerations, c.tokenLookups, c.tokenRefreshes, c.tokenEntries,
		c.conversationsActive, c.conversationsTotal, c.conversationsLifetime,
		c.eventSubscribers, c.eventsDropped,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *BridgeCollector) Collect(ch chan<- prometheus.Metric) {
	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
	}
	counter := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, v, labels...)
	}

	if c.sources.Breakers != nil {
		for _, m := range c.sources.Breakers.BreakerMetrics() {
			gauge(c.breakerState, float64(m.State), m.Name)
			counter(c.breakerFailures, float64(m.FailureCount), m.Name)
			counter(c.breakerSuccesses, float64(m.SuccessCount), m.Name)
			counter(c.breakerRejections, float64(m.RejectionCount), m.Name)
			gauge(c.breakerWindow, float64(m.WindowFailures), m.Name)
		}
	}

	if c.sources.Tokens != nil {
		m := c.sources.Tokens.Metrics()
		counter(c.tokenGenerations, float64(m.GenerateSuccesses), "success")
		counter(c.tokenGenerations, float64(m.GenerateFailures), "failure")
		counter(c.tokenLookups, float64(m.Hits), "hit")
		counter(c.tokenLookups, float64(m.Misses), "miss")
		counter(c.tokenRefreshes, float64(m.ProactiveRefreshes), "success")
		counter(c.tokenRefreshes, float64(m.RefreshFailures), "failure")
		gauge(c.tokenEntries, float64(m.Entries))
	}

	if c.sources.Conversations != nil {
		m := c.sources.Conversations.Metrics()
		gauge(c.conversationsActive, float64(m.Active))
		counter(c.conversationsTotal, float64(m.Created), "created")
		counter(c.conversationsTotal, float64(m.Ended), "ended")
		counter(c.conversationsTotal, float64(m.Expired), "expired")
		gauge(c.conversationsLifetime, m.AverageLifetime.Seconds())
	}

	if c.sources.Events != nil {
		gauge(c.eventSubscribers, float64(c.sources.Events.Subscribers()))
		counter(c.eventsDropped, float64(c.sources.Events.Dropped()))
	}
}

var _ prometheus.Collector = (*BridgeCollector)(nil)

// =============================================================================
// Tool Metrics
// =============================================================================

// ToolMetrics records MCP tool calls.
type ToolMetrics struct {
	// CallsTotal counts tool calls.
	// Labels: tool, outcome (success, timeout, or a failure kind)
	CallsTotal *prometheus.CounterVec

	// DurationSeconds measures tool call latency.
	// Labels: tool
	DurationSeconds *prometheus.HistogramVec

	// PollsPerReply observes how many polls send_message needed.
	PollsPerReply prometheus.Histogram
}

// NewToolMetrics creates and registers tool metrics on reg.
//
// # Limitations
//
//   - Panics if called twice with the same registerer (duplicate registration).
func NewToolMetrics(reg prometheus.Registerer) *ToolMetrics {
	factory := promauto.With(reg)
	return &ToolMetrics{
		CallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "tools",
				Name:      "calls_total",
				Help:      "Total MCP tool calls by tool and outcome",
			},
			[]string{"tool", "outcome"},
		),
		DurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: "tools",
				Name:      "duration_seconds",
				Help:      "MCP tool call duration in seconds",
				Buckets:   []float64{0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"tool"},
		),
		PollsPerReply: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: "tools",
				Name:      "polls_per_reply",
				Help:      "Activity polls made per send_message call",
				Buckets:   []float64{1, 2, 3, 5, 10, 20, 30},
			},
		),
	}
}

// RecordCall records one finished tool call. A nil receiver is a no-op.
func (m *ToolMetrics) RecordCall(tool, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.CallsTotal.WithLabelValues(tool, outcome).Inc()
	m.DurationSeconds.WithLabelValues(tool).Observe(elapsed.Seconds())
}

// RecordPolls observes the poll count of one send_message call.
func (m *ToolMetrics) RecordPolls(polls int) {
	if m == nil {
		return
	}
	m.PollsPerReply.Observe(float64(polls))
}

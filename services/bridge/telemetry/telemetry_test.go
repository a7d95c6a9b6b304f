// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestInit_NilContext(t *testing.T) {
	//nolint:staticcheck // nil context is the case under test
	_, err := Init(nil, Config{})
	assert.ErrorIs(t, err, ErrNilContext)
}

func TestInit_UnknownExporter(t *testing.T) {
	_, err := Init(context.Background(), Config{TraceExporter: "zipkin"})
	assert.True(t, errors.Is(err, ErrUnknownExporter))
}

func TestInit_StdoutTraces(t *testing.T) {
	var buf bytes.Buffer
	shutdown, err := Init(context.Background(), Config{
		ServiceName:   "convbridge",
		TraceExporter: "stdout",
		TraceWriter:   &buf,
	})
	require.NoError(t, err)

	_, span := otel.Tracer("test").Start(context.Background(), "directline.token")
	span.End()

	require.NoError(t, shutdown(context.Background()))
	assert.Contains(t, buf.String(), "directline.token")
}

func TestInit_MetricsBridge(t *testing.T) {
	reg := prometheus.NewRegistry()
	shutdown, err := Init(context.Background(), Config{
		ServiceName: "convbridge",
		Registerer:  reg,
	})
	require.NoError(t, err)
	defer func() { require.NoError(t, shutdown(context.Background())) }()

	counter, err := otel.Meter("test").Int64Counter("convbridge.test.calls")
	require.NoError(t, err)
	counter.Add(context.Background(), 2)

	families, err := reg.Gather()
	require.NoError(t, err)
	found := false
	for _, f := range families {
		if strings.HasPrefix(f.GetName(), "convbridge_test_calls") {
			found = true
		}
	}
	assert.True(t, found, "otel counter exported through the registry")
}

func TestInit_StdoutMetrics(t *testing.T) {
	var buf bytes.Buffer
	shutdown, err := Init(context.Background(), Config{
		ServiceName:   "convbridge",
		TraceExporter: "stdout",
		TraceWriter:   &buf,
	})
	require.NoError(t, err)

	counter, err := otel.Meter("test").Int64Counter("convbridge.backend.calls")
	require.NoError(t, err)
	counter.Add(context.Background(), 1)

	// Shutdown runs a final collection.
	require.NoError(t, shutdown(context.Background()))
	assert.Contains(t, buf.String(), "convbridge.backend.calls")
}

func TestInit_OTLPInsecureDialsLazily(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{
		ServiceName:   "convbridge",
		TraceExporter: "otlp",
		OTLPEndpoint:  "127.0.0.1:4317",
		OTLPInsecure:  true,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.NoError(t, shutdown(ctx))
}

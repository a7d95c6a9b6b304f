// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config holds the convbridge configuration file format, its
// defaults, and the environment overrides applied on top of it.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/AleutianAI/convbridge/pkg/logging"
	"github.com/AleutianAI/convbridge/services/bridge/backend"
	"github.com/AleutianAI/convbridge/services/bridge/resilience"
)

// Backend types.
const (
	BackendDirectLine = "directline"
	BackendMemory     = "memory"
)

// Telemetry exporters.
const (
	ExporterNone   = "none"
	ExporterStdout = "stdout"
	ExporterOTLP   = "otlp"
)

// Config is the root of convbridge.yaml.
type Config struct {
	Breaker      BreakerConfig      `yaml:"breaker"`
	Retry        RetryConfig        `yaml:"retry"`
	Tokens       TokensConfig       `yaml:"tokens"`
	Conversation ConversationConfig `yaml:"conversation"`
	Polling      PollingConfig      `yaml:"polling"`
	Backend      BackendConfig      `yaml:"backend"`
	Server       ServerConfig       `yaml:"server"`
	Log          LogConfig          `yaml:"log"`
	Telemetry    TelemetryConfig    `yaml:"telemetry"`
}

type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"` // e.g. 5
	FailureWindow    time.Duration `yaml:"failure_window"`    // e.g. 30s
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout"`  // e.g. 60s
	SuccessThreshold int           `yaml:"success_threshold"` // e.g. 3

	// ExcludedKinds never trip a closed breaker, e.g. ["auth-service"].
	ExcludedKinds []string `yaml:"excluded_kinds"`
}

type RetryConfig struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier"`
	Jitter       float64       `yaml:"jitter"`
}

type TokensConfig struct {
	RefreshMargin time.Duration `yaml:"refresh_margin"`
}

type ConversationConfig struct {
	IdleTimeout time.Duration `yaml:"idle_timeout"`
	MaxHistory  int           `yaml:"max_history"` // 0 keeps everything
}

type PollingConfig struct {
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
}

type BackendConfig struct {
	// Type is "directline" or "memory".
	Type    string `yaml:"type"`
	BaseURL string `yaml:"base_url,omitempty"`

	// Secret is the Direct Line channel secret. Prefer the
	// CONVBRIDGE_DIRECTLINE_SECRET environment variable.
	Secret string `yaml:"secret,omitempty"`

	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
	Timeout           time.Duration `yaml:"timeout"`

	// MemoryReplyDelay delays echo replies on the memory backend.
	MemoryReplyDelay time.Duration `yaml:"memory_reply_delay,omitempty"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`

	// AuthToken guards /mcp and /v1 when set.
	AuthToken string `yaml:"auth_token,omitempty"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	Dir   string `yaml:"dir,omitempty"`
	JSON  bool   `yaml:"json"`
}

type TelemetryConfig struct {
	// Exporter is "none", "stdout" or "otlp".
	Exporter    string `yaml:"exporter"`
	Endpoint    string `yaml:"endpoint,omitempty"`
	ServiceName string `yaml:"service_name"`
}

// Default returns the configuration written on first run.
func Default() Config {
	breaker := resilience.DefaultCircuitBreakerConfig()
	retry := resilience.DefaultRetryPolicy()

	excluded := make([]string, 0, len(breaker.ExcludedKinds))
	for _, k := range breaker.ExcludedKinds {
		excluded = append(excluded, k.String())
	}

	return Config{
		Breaker: BreakerConfig{
			FailureThreshold: breaker.FailureThreshold,
			FailureWindow:    breaker.FailureWindow,
			RecoveryTimeout:  breaker.RecoveryTimeout,
			SuccessThreshold: breaker.SuccessThreshold,
			ExcludedKinds:    excluded,
		},
		Retry: RetryConfig{
			MaxAttempts:  retry.MaxAttempts,
			InitialDelay: retry.InitialDelay,
			MaxDelay:     retry.MaxDelay,
			Multiplier:   retry.Multiplier,
			Jitter:       retry.Jitter,
		},
		Tokens:       TokensConfig{RefreshMargin: 5 * time.Minute},
		Conversation: ConversationConfig{IdleTimeout: 30 * time.Minute},
		Polling:      PollingConfig{Interval: time.Second, Timeout: 30 * time.Second},
		Backend: BackendConfig{
			Type:              BackendDirectLine,
			BaseURL:           backend.DefaultBaseURL,
			RequestsPerSecond: 10,
			Burst:             20,
			Timeout:           30 * time.Second,
		},
		Server:    ServerConfig{Addr: ":12310"},
		Log:       LogConfig{Level: "info"},
		Telemetry: TelemetryConfig{Exporter: ExporterNone, ServiceName: "convbridge"},
	}
}

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	if _, err := c.Breaker.CircuitBreakerConfig(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Retry.Policy().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("retry: %w", err))
	}
	check(c.Tokens.RefreshMargin > 0, "tokens.refresh_margin must be positive")
	check(c.Conversation.IdleTimeout > 0, "conversation.idle_timeout must be positive")
	check(c.Conversation.MaxHistory >= 0, "conversation.max_history must not be negative")
	check(c.Polling.Interval > 0, "polling.interval must be positive")
	check(c.Polling.Timeout > 0, "polling.timeout must be positive")
	check(c.Polling.Interval <= c.Polling.Timeout, "polling.interval must not exceed polling.timeout")

	switch c.Backend.Type {
	case BackendDirectLine:
		check(c.Backend.Secret != "", "backend.secret is required for the directline backend (set CONVBRIDGE_DIRECTLINE_SECRET)")
		check(c.Backend.BaseURL != "", "backend.base_url is required for the directline backend")
	case BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("backend.type %q must be %q or %q", c.Backend.Type, BackendDirectLine, BackendMemory))
	}
	check(c.Backend.RequestsPerSecond > 0, "backend.requests_per_second must be positive")
	check(c.Backend.Burst > 0, "backend.burst must be positive")

	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}

	switch c.Telemetry.Exporter {
	case ExporterNone, ExporterStdout:
	case ExporterOTLP:
		check(c.Telemetry.Endpoint != "", "telemetry.endpoint is required for the otlp exporter")
	default:
		errs = append(errs, fmt.Errorf("telemetry.exporter %q must be none, stdout or otlp", c.Telemetry.Exporter))
	}

	return errors.Join(errs...)
}

// CircuitBreakerConfig converts the section into the breaker's config,
// resolving excluded kind names.
func (b BreakerConfig) CircuitBreakerConfig() (resilience.CircuitBreakerConfig, error) {
	kinds := make([]resilience.FailureKind, 0, len(b.ExcludedKinds))
	for _, name := range b.ExcludedKinds {
		k, err := resilience.ParseFailureKind(strings.TrimSpace(name))
		if err != nil {
			return resilience.CircuitBreakerConfig{}, fmt.Errorf("breaker.excluded_kinds: %w", err)
		}
		kinds = append(kinds, k)
	}
	cfg := resilience.CircuitBreakerConfig{
		FailureThreshold: b.FailureThreshold,
		FailureWindow:    b.FailureWindow,
		RecoveryTimeout:  b.RecoveryTimeout,
		SuccessThreshold: b.SuccessThreshold,
		ExcludedKinds:    kinds,
	}
	if err := cfg.Validate(); err != nil {
		return resilience.CircuitBreakerConfig{}, fmt.Errorf("breaker: %w", err)
	}
	return cfg, nil
}

// Policy converts the section into a retry policy.
func (r RetryConfig) Policy() resilience.RetryPolicy {
	return resilience.RetryPolicy{
		MaxAttempts:  r.MaxAttempts,
		InitialDelay: r.InitialDelay,
		MaxDelay:     r.MaxDelay,
		Multiplier:   r.Multiplier,
		Jitter:       r.Jitter,
		Retryable:    resilience.IsRetryable,
	}
}

// LoggingConfig converts the section into a logger config.
func (l LogConfig) LoggingConfig(service string) logging.Config {
	level, _ := logging.ParseLevel(l.Level)
	return logging.Config{
		Level:   level,
		LogDir:  l.Dir,
		Service: service,
		JSON:    l.JSON,
	}
}

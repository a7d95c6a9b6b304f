// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package app assembles the bridge from a configuration.
//
// # Description
//
// New builds every component in dependency order:
//
//	logger → telemetry → backend → event hub → breakers/retrier
//	       → token cache → conversation manager → messenger → MCP tools → router
//
// and Close tears them down in reverse. The assembled App serves MCP over
// stdio (ServeStdio) or HTTP (Serve, ListenAndServe).
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"reflect"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/AleutianAI/convbridge/pkg/clock"
	"github.com/AleutianAI/convbridge/pkg/logging"
	"github.com/AleutianAI/convbridge/services/bridge/backend"
	"github.com/AleutianAI/convbridge/services/bridge/config"
	"github.com/AleutianAI/convbridge/services/bridge/conversation"
	"github.com/AleutianAI/convbridge/services/bridge/events"
	"github.com/AleutianAI/convbridge/services/bridge/observability"
	"github.com/AleutianAI/convbridge/services/bridge/resilience"
	"github.com/AleutianAI/convbridge/services/bridge/routes"
	"github.com/AleutianAI/convbridge/services/bridge/telemetry"
	"github.com/AleutianAI/convbridge/services/bridge/tokens"
	"github.com/AleutianAI/convbridge/services/bridge/tools"
)

const shutdownTimeout = 10 * time.Second

// Options carries process-level overrides that are not part of the file.
type Options struct {
	// Version is reported to MCP clients. Default: "dev"
	Version string

	// Clock drives every timer. Default: clock.Real()
	Clock clock.Clock

	// LogOutput receives console logs. Default: os.Stderr
	LogOutput io.Writer

	// TraceWriter receives spans for the stdout exporter. Default: os.Stderr
	TraceWriter io.Writer
}

// App is the assembled bridge.
type App struct {
	Config config.Config

	Logger    *logging.Logger
	Registry  *prometheus.Registry
	Raw       backend.Client
	Client    *backend.ResilientClient
	Tokens    *tokens.Cache
	Hub       *events.Hub
	Manager   *conversation.Manager
	Messenger *conversation.Messenger
	Bridge    *tools.Bridge
	Router    *gin.Engine

	shutdownTelemetry func(context.Context) error

	reloadMu sync.Mutex
	active   config.Config

	closeOnce sync.Once
	closeErr  error
}

// New validates cfg and builds the bridge it describes.
//
// # Outputs
//
//   - *App: Ready to serve. Call Close when done.
//   - error: Non-nil if any component fails to build; everything built so
//     far is released.
func New(ctx context.Context, cfg config.Config, opts Options) (a *App, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}

	a = &App{Config: cfg, active: cfg}
	defer func() {
		if err != nil {
			_ = a.Close(context.Background())
		}
	}()

	logCfg := cfg.Log.LoggingConfig(cfg.Telemetry.ServiceName)
	logCfg.Output = opts.LogOutput
	a.Logger = logging.New(logCfg)
	logger := a.Logger.Slog()

	a.Registry = prometheus.NewRegistry()
	a.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	a.shutdownTelemetry, err = telemetry.Init(ctx, telemetry.Config{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: opts.Version,
		TraceExporter:  cfg.Telemetry.Exporter,
		OTLPEndpoint:   cfg.Telemetry.Endpoint,
		OTLPInsecure:   true,
		TraceWriter:    opts.TraceWriter,
		Registerer:     a.Registry,
	})
	if err != nil {
		return nil, err
	}

	a.Raw, err = newBackend(cfg.Backend, opts.Clock, logger)
	if err != nil {
		return nil, err
	}

	breakerCfg, err := cfg.Breaker.CircuitBreakerConfig()
	if err != nil {
		return nil, err
	}
	breakerCfg.Clock = opts.Clock
	breakerCfg.Logger = logger
	a.Hub = events.NewHub(logger)
	breakerCfg.OnStateChange = func(name string, from, to resilience.CircuitState) {
		a.Hub.Publish(events.New(events.BreakerStateChanged, "", "", opts.Clock.Now()).
			With("breaker", name).
			With("from", from.String()).
			With("to", to.String()))
	}

	retrier, err := resilience.NewRetrier(resilience.RetrierConfig{
		Policy: cfg.Retry.Policy(),
		Clock:  opts.Clock,
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}

	a.Client, err = backend.NewResilientClient(a.Raw, breakerCfg, retrier, logger)
	if err != nil {
		return nil, err
	}

	// The cache applies its own breaker and retrier, so it calls the raw
	// client rather than the resilient one.
	a.Tokens, err = tokens.NewCache(tokens.Config{
		Generate:      a.Raw.GenerateToken,
		Breaker:       a.Client.Breaker(backend.OpGenerateToken),
		Retrier:       retrier,
		RefreshMargin: cfg.Tokens.RefreshMargin,
		Clock:         opts.Clock,
		Logger:        logger,
	})
	if err != nil {
		return nil, err
	}

	a.Manager, err = conversation.NewManager(conversation.ManagerConfig{
		Tokens:      a.Tokens,
		Backend:     a.Client,
		IdleTimeout: cfg.Conversation.IdleTimeout,
		MaxHistory:  cfg.Conversation.MaxHistory,
		Events:      a.Hub,
		Clock:       opts.Clock,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}

	a.Messenger, err = conversation.NewMessenger(conversation.MessengerConfig{
		Manager:      a.Manager,
		Backend:      a.Client,
		PollInterval: cfg.Polling.Interval,
		PollTimeout:  cfg.Polling.Timeout,
		Events:       a.Hub,
		Clock:        opts.Clock,
		Logger:       logger,
	})
	if err != nil {
		return nil, err
	}

	a.Bridge, err = tools.New(tools.Config{
		Name:      cfg.Telemetry.ServiceName,
		Version:   opts.Version,
		Messenger: a.Messenger,
		Breakers:  a.Client,
		Tokens:    a.Tokens,
		Metrics:   observability.NewToolMetrics(a.Registry),
		Clock:     opts.Clock,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}

	if err := a.Registry.Register(observability.NewBridgeCollector(observability.Sources{
		Breakers:      a.Client,
		Tokens:        a.Tokens,
		Conversations: a.Manager,
		Events:        a.Hub,
	})); err != nil {
		return nil, fmt.Errorf("register bridge collector: %w", err)
	}

	a.Router = routes.NewRouter(routes.Dependencies{
		Bridge:      a.Bridge,
		Hub:         a.Hub,
		Gatherer:    a.Registry,
		AuthToken:   cfg.Server.AuthToken,
		ServiceName: cfg.Telemetry.ServiceName,
		Logger:      logger,
	})

	logger.Info("bridge assembled",
		slog.String("backend", cfg.Backend.Type),
		slog.String("version", opts.Version),
		slog.Bool("auth_enabled", cfg.Server.AuthToken != ""),
		slog.String("trace_exporter", cfg.Telemetry.Exporter))
	return a, nil
}

func newBackend(cfg config.BackendConfig, clk clock.Clock, logger *slog.Logger) (backend.Client, error) {
	switch cfg.Type {
	case config.BackendMemory:
		return backend.NewMemoryClient(backend.MemoryClientConfig{
			ReplyDelay: cfg.MemoryReplyDelay,
			Clock:      clk,
		}), nil
	case config.BackendDirectLine:
		return backend.NewHTTPClient(backend.HTTPClientConfig{
			BaseURL:           cfg.BaseURL,
			Secret:            []byte(cfg.Secret),
			RequestsPerSecond: cfg.RequestsPerSecond,
			Burst:             cfg.Burst,
			Timeout:           cfg.Timeout,
			Logger:            logger,
		})
	default:
		return nil, fmt.Errorf("unknown backend type %q", cfg.Type)
	}
}

// Reload applies a reloaded configuration. Only the log level changes at
// runtime; any other difference is logged as needing a restart.
func (a *App) Reload(cfg config.Config) {
	level, err := logging.ParseLevel(cfg.Log.Level)
	if err == nil && level != a.Logger.Level() {
		a.Logger.SetLevel(level)
		a.Logger.Info("log level changed", slog.String("level", level.String()))
	}

	a.reloadMu.Lock()
	defer a.reloadMu.Unlock()
	current, next := a.active, cfg
	current.Log.Level, next.Log.Level = "", ""
	if !reflect.DeepEqual(current, next) {
		a.Logger.Warn("configuration changed; restart convbridge to apply changes other than log.level")
	}
	a.active = cfg
}

// =============================================================================
// Serving
// =============================================================================

// ServeStdio serves MCP over in/out until ctx ends or in closes.
func (a *App) ServeStdio(ctx context.Context, in io.Reader, out io.Writer) error {
	a.Logger.Info("serving MCP over stdio")
	return a.Bridge.ServeStdio(ctx, in, out)
}

// ListenAndServe serves HTTP on the configured address until ctx ends.
func (a *App) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.Config.Server.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", a.Config.Server.Addr, err)
	}
	return a.Serve(ctx, ln)
}

// Serve serves HTTP on ln until ctx ends, then shuts down gracefully.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           a.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.Logger.Info("serving HTTP", slog.String("addr", ln.Addr().String()))
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	// The event hub is closed first so websocket streams end and do not hold
	// the shutdown open.
	a.Hub.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Close releases every component. Safe to call more than once.
func (a *App) Close(ctx context.Context) error {
	a.closeOnce.Do(func() {
		var errs []error
		if a.Manager != nil {
			a.Manager.Close()
		}
		if a.Tokens != nil {
			a.Tokens.Close()
		}
		if a.Hub != nil {
			a.Hub.Close()
		}
		if a.shutdownTelemetry != nil {
			if err := a.shutdownTelemetry(ctx); err != nil {
				errs = append(errs, fmt.Errorf("shutdown telemetry: %w", err))
			}
		}
		if a.Logger != nil {
			if err := a.Logger.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close logger: %w", err))
			}
		}
		a.closeErr = errors.Join(errs...)
	})
	return a.closeErr
}

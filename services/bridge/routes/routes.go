// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package routes wires the bridge HTTP surface onto a gin engine.
package routes

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/convbridge/services/bridge/events"
	"github.com/AleutianAI/convbridge/services/bridge/middleware"
	"github.com/AleutianAI/convbridge/services/bridge/tools"
)

// Dependencies are the components the routes serve.
type Dependencies struct {
	// Bridge serves /mcp and /v1/status. Required.
	Bridge *tools.Bridge

	// Hub feeds /v1/events/ws. The route is omitted when nil.
	Hub *events.Hub

	// Gatherer backs /metrics. The route is omitted when nil.
	Gatherer prometheus.Gatherer

	// AuthToken guards /mcp and /v1 when non-empty.
	AuthToken string

	// ServiceName names the otelgin server spans. Default: "convbridge"
	ServiceName string

	Logger *slog.Logger
}

// NewRouter creates a gin engine with recovery, tracing and request logging
// and registers every route.
func NewRouter(deps Dependencies) *gin.Engine {
	if deps.ServiceName == "" {
		deps.ServiceName = "convbridge"
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(deps.ServiceName))
	router.Use(middleware.RequestLogger(deps.Logger))

	SetupRoutes(router, deps)
	return router
}

// SetupRoutes registers the bridge routes on router.
func SetupRoutes(router *gin.Engine, deps Dependencies) {
	router.GET("/health", HealthCheck)
	if deps.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}

	auth := middleware.AuthMiddleware(middleware.ProviderFor(deps.AuthToken))

	mcpHandler := gin.WrapH(deps.Bridge.HTTPHandler())
	router.Any("/mcp", auth, mcpHandler)

	// API version 1 group
	v1 := router.Group("/v1", auth)
	{
		v1.GET("/status", HandleStatus(deps.Bridge))
		if deps.Hub != nil {
			v1.GET("/events/ws", events.HandleStream(deps.Hub, deps.Logger))
		}
	}
}

// HealthCheck reports liveness.
func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// HandleStatus returns the bridge status snapshot. The response is 503 while
// any breaker is open so load balancers can route around a degraded bridge.
func HandleStatus(bridge *tools.Bridge) gin.HandlerFunc {
	return func(c *gin.Context) {
		st := bridge.Status()
		code := http.StatusOK
		if !st.Healthy {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, st)
	}
}

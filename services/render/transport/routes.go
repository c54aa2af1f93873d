// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package transport

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

// RegisterRoutes registers the /v1/render endpoints on rg.
//
// # Endpoints
//
//	GET /v1/render/health       - service health
//	GET /v1/render/connections  - connected clients
//	GET /v1/render/dump?arg=... - diagnostic report
//	GET /v1/render/connect?pid= - client session (websocket)
func RegisterRoutes(rg *gin.RouterGroup, h *Handlers) {
	render := rg.Group("/render")
	{
		render.GET("/health", h.HandleHealth)
		render.GET("/connections", h.HandleConnections)
		render.GET("/dump", h.HandleDump)
		render.GET("/connect", h.HandleConnect)
	}
}

// RouterConfig configures NewRouter.
type RouterConfig struct {
	// ServiceName names the HTTP spans. Default: "render-service".
	ServiceName string

	// MetricsHandler serves /metrics. Default: promhttp.Handler().
	MetricsHandler http.Handler
}

// NewRouter builds the gin engine with recovery, request tracing,
// /metrics and the /v1/render routes.
func NewRouter(h *Handlers, cfg RouterConfig) *gin.Engine {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "render-service"
	}
	if cfg.MetricsHandler == nil {
		cfg.MetricsHandler = promhttp.Handler()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(cfg.ServiceName))
	router.GET("/metrics", gin.WrapH(cfg.MetricsHandler))

	v1 := router.Group("/v1")
	RegisterRoutes(v1, h)
	return router
}

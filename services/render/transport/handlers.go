// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package transport exposes the render service over HTTP and websockets.
//
// Clients open a websocket on /v1/render/connect, which becomes their
// session. The socket closing is treated as the client dying. Operators
// use the plain HTTP endpoints for health, connection listing and
// diagnostic dumps.
package transport

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/AleutianRender/services/render/mainloop"
	"github.com/AleutianAI/AleutianRender/services/render/observability"
	"github.com/AleutianAI/AleutianRender/services/render/scene"
	"github.com/AleutianAI/AleutianRender/services/render/service"
	"github.com/AleutianAI/AleutianRender/services/render/telemetry"
)

// HandlersConfig configures Handlers.
type HandlersConfig struct {
	// Service owns the client connections. Required.
	Service *service.Service

	// Scheduler is queried for health. Required.
	Scheduler *mainloop.Scheduler

	// PushQueue is the per-client buffer of outgoing messages.
	// Default: DefaultPushQueue.
	PushQueue int

	// Metrics is optional.
	Metrics *observability.Metrics

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Handlers serves the /v1/render endpoints.
//
// # Thread Safety
//
// Safe for concurrent use.
type Handlers struct {
	cfg      HandlersConfig
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewHandlers creates the handlers.
func NewHandlers(cfg HandlersConfig) (*Handlers, error) {
	if cfg.Service == nil || cfg.Scheduler == nil {
		return nil, errors.New("transport: service and scheduler are required")
	}
	if cfg.PushQueue <= 0 {
		cfg.PushQueue = DefaultPushQueue
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Handlers{
		cfg:    cfg,
		logger: cfg.Logger.With(slog.String("component", "transport")),
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
		},
	}, nil
}

// HandleHealth handles GET /v1/render/health.
func (h *Handlers) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:      "healthy",
		Version:     ServiceVersion,
		UniRender:   h.cfg.Scheduler.UniRenderEnabled(),
		Connections: len(h.cfg.Service.Connections()),
	})
}

// HandleConnections handles GET /v1/render/connections.
func (h *Handlers) HandleConnections(c *gin.Context) {
	c.JSON(http.StatusOK, ConnectionsResponse{Connections: h.cfg.Service.Connections()})
}

// HandleDump handles GET /v1/render/dump.
//
// # Description
//
// Each arg query parameter is one dump keyword, in order.
//
// # Response
//
//	200 OK: DumpResponse
//	503 Service Unavailable: the scheduler has stopped
func (h *Handlers) HandleDump(c *gin.Context) {
	args := c.QueryArray("arg")
	report, err := h.cfg.Service.Dump(c.Request.Context(), args)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, DumpResponse{Args: args, Report: report})
	case errors.Is(err, mainloop.ErrSchedulerStopped):
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: err.Error(), Code: "STOPPED"})
	default:
		telemetry.LoggerWithTrace(c.Request.Context(), h.logger).
			Error("dump failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
	}
}

// HandleConnect handles GET /v1/render/connect?pid=N[&token=T].
//
// # Description
//
// Upgrades to a websocket and opens a session for pid. A token already
// in use replaces the previous session. The call returns when the
// socket closes, after the session has been cleaned up.
//
// # Response
//
//	101 Switching Protocols: the session runs on the socket
//	400 Bad Request: pid missing or not positive
func (h *Handlers) HandleConnect(c *gin.Context) {
	pid, err := strconv.ParseInt(c.Query("pid"), 10, 32)
	if err != nil || pid <= 0 {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "pid must be a positive integer", Code: "INVALID_PID"})
		return
	}

	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	conn, err := h.cfg.Service.CreateConnection(c.Query("token"), scene.Pid(pid))
	if err != nil {
		h.logger.Error("create connection failed", slog.String("error", err.Error()))
		_ = ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, err.Error()))
		_ = ws.Close()
		return
	}

	s := newWSSession(ws, conn, h.cfg.PushQueue, h.cfg.Metrics, h.logger)
	s.run()
}

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
	"github.com/AleutianAI/AleutianRender/services/render/mainloop"
	"github.com/AleutianAI/AleutianRender/services/render/scene"
	"github.com/AleutianAI/AleutianRender/services/render/screen"
	"github.com/AleutianAI/AleutianRender/services/render/service"
)

// ServiceVersion is reported by the health endpoint.
const ServiceVersion = "0.3.0"

// =============================================================================
// HTTP
// =============================================================================

// ErrorResponse is the body of every failed HTTP request.
type ErrorResponse struct {
	// Error is the error message.
	Error string `json:"error"`

	// Code is the error code (optional).
	Code string `json:"code,omitempty"`
}

// HealthResponse is returned by GET /v1/render/health.
type HealthResponse struct {
	Status      string `json:"status"`
	Version     string `json:"version"`
	UniRender   bool   `json:"uni_render"`
	Connections int    `json:"connections"`
}

// DumpResponse is returned by GET /v1/render/dump.
type DumpResponse struct {
	Args   []string `json:"args"`
	Report string   `json:"report"`
}

// ConnectionsResponse is returned by GET /v1/render/connections.
type ConnectionsResponse struct {
	Connections []service.ConnectionInfo `json:"connections"`
}

// =============================================================================
// Websocket actions
// =============================================================================

// Client request actions.
const (
	ActionCommitTransaction         = "commit_transaction"
	ActionCreateNode                = "create_node"
	ActionCreateNodeAndSurface      = "create_node_and_surface"
	ActionCreateVSyncConnection     = "create_vsync_connection"
	ActionRequestNextVSync          = "request_next_vsync"
	ActionRegisterBufferListener    = "register_buffer_listener"
	ActionFlushBuffer               = "flush_buffer"
	ActionRegisterOcclusionCallback = "register_occlusion_callback"
	ActionCreateVirtualScreen       = "create_virtual_screen"
	ActionRemoveVirtualScreen       = "remove_virtual_screen"
	ActionGetScreenIDs              = "get_screen_ids"
	ActionSetScreenPower            = "set_screen_power"
	ActionGetNode                   = "get_node"
	ActionUpdateRenderMode          = "update_render_mode"
	ActionSetFocusApp               = "set_focus_app"
	ActionDisconnect                = "disconnect"
)

// Server push actions.
const (
	PushSessionCreated    = "session_created"
	PushVSync             = "vsync"
	PushTransaction       = "transaction"
	PushBufferAvailable   = "buffer_available"
	PushOcclusionChanged  = "occlusion_changed"
	PushVisibilityChanged = "visibility_changed"
	PushRenderModeChanged = "render_mode_changed"
	PushScreenChanged     = "screen_changed"
)

// Request is one JSON text frame from a client. Which fields are read
// depends on Action.
type Request struct {
	Action    string `json:"action"`
	RequestID string `json:"request_id,omitempty"`

	// Payload is a base64 msgpack transaction for commit_transaction.
	Payload string `json:"payload,omitempty"`

	Node     *NodeSpec              `json:"node,omitempty"`
	NodeID   scene.NodeID           `json:"node_id,omitempty"`
	Buffer   *BufferSpec            `json:"buffer,omitempty"`
	Name     string                 `json:"name,omitempty"`
	Width    int32                  `json:"width,omitempty"`
	Height   int32                  `json:"height,omitempty"`
	ScreenID screen.ID              `json:"screen_id,omitempty"`
	Power    screen.PowerStatus     `json:"power,omitempty"`
	Unified  bool                   `json:"unified,omitempty"`
	Focus    *mainloop.FocusAppInfo `json:"focus,omitempty"`
}

// NodeSpec describes a surface for create_node and create_node_and_surface.
type NodeSpec struct {
	ID          scene.NodeID `json:"id"`
	Name        string       `json:"name"`
	Bounds      scene.Rect   `json:"bounds"`
	Transparent bool         `json:"transparent,omitempty"`
	AppWindow   bool         `json:"app_window,omitempty"`
}

func (n NodeSpec) surfaceConfig() scene.SurfaceConfig {
	return scene.SurfaceConfig{
		ID:          n.ID,
		Name:        n.Name,
		Bounds:      n.Bounds,
		Transparent: n.Transparent,
		AppWindow:   n.AppWindow,
	}
}

// BufferSpec describes a flushed buffer.
type BufferSpec struct {
	Seq       uint64 `json:"seq"`
	Width     int32  `json:"width"`
	Height    int32  `json:"height"`
	Size      int64  `json:"size"`
	Timestamp int64  `json:"timestamp"`
}

func (b BufferSpec) buffer() scene.Buffer {
	return scene.Buffer{Seq: b.Seq, Width: b.Width, Height: b.Height, Size: b.Size, Timestamp: b.Timestamp}
}

// Message is one JSON text frame to a client. Replies echo the request
// action and RequestID; pushes carry only Action and Data.
type Message struct {
	Action    string `json:"action"`
	RequestID string `json:"request_id,omitempty"`
	OK        bool   `json:"ok"`
	Error     string `json:"error,omitempty"`
	Data      any    `json:"data,omitempty"`
}

// SessionCreated is the data of the session_created push.
type SessionCreated struct {
	Token        string    `json:"token"`
	Pid          scene.Pid `json:"pid"`
	UniRender    bool      `json:"uni_render"`
	RTNeedRender bool      `json:"rt_need_render"`
}

// VSyncEvent is the data of the vsync push.
type VSyncEvent struct {
	Name      string `json:"name"`
	Timestamp int64  `json:"timestamp"`
}

// TransactionEvent is the data of the transaction push.
type TransactionEvent struct {
	// Payload is the base64 msgpack transaction.
	Payload string `json:"payload"`
}

// RenderModeEvent is the data of the render_mode_changed push. Complete
// is false when the path changed and true once the switch finished.
type RenderModeEvent struct {
	Unified  bool `json:"unified"`
	Complete bool `json:"complete"`
}

// ScreenEvent is the data of the screen_changed push.
type ScreenEvent struct {
	ScreenID screen.ID `json:"screen_id"`
	Event    string    `json:"event"`
}

// ScreenIDs is the reply data of get_screen_ids.
type ScreenIDs struct {
	Default screen.ID   `json:"default"`
	IDs     []screen.ID `json:"ids"`
}

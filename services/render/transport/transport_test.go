// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package transport

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianRender/services/render/command"
	"github.com/AleutianAI/AleutianRender/services/render/mainloop"
	"github.com/AleutianAI/AleutianRender/services/render/scene"
	"github.com/AleutianAI/AleutianRender/services/render/screen"
	"github.com/AleutianAI/AleutianRender/services/render/service"
	"github.com/AleutianAI/AleutianRender/services/render/transaction"
	"github.com/AleutianAI/AleutianRender/services/render/unmarshal"
	"github.com/AleutianAI/AleutianRender/services/render/vsync"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testServer struct {
	sched  *mainloop.Scheduler
	svc    *service.Service
	router *gin.Engine
	srv    *httptest.Server
}

func newTestServer(t *testing.T, mode mainloop.RenderMode) *testServer {
	t.Helper()
	dist := vsync.New(vsync.Config{Period: 2 * time.Millisecond})
	sched := mainloop.New(mainloop.Config{
		RenderMode:  mode,
		Distributor: dist,
		Screens:     screen.NewManager(screen.Config{}),
	})
	off := unmarshal.New(unmarshal.Config{Scheduler: sched})
	sched.SetCacheSource(off)

	ctx, cancel := context.WithCancel(context.Background())
	dist.Start(ctx)
	require.NoError(t, sched.Start(ctx))
	off.Start(ctx)

	svc, err := service.New(service.Config{Scheduler: sched, Distributor: dist, Dispatcher: off})
	require.NoError(t, err)
	h, err := NewHandlers(HandlersConfig{Service: svc, Scheduler: sched})
	require.NoError(t, err)
	router := NewRouter(h, RouterConfig{})
	srv := httptest.NewServer(router)

	t.Cleanup(func() {
		srv.Close()
		svc.Close()
		off.Stop()
		sched.Stop()
		dist.Stop()
		cancel()
	})
	return &testServer{sched: sched, svc: svc, router: router, srv: srv}
}

func (ts *testServer) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, path, nil)
	require.NoError(t, err)
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	return w
}

// reply mirrors Message with Data left undecoded.
type reply struct {
	Action    string          `json:"action"`
	RequestID string          `json:"request_id"`
	OK        bool            `json:"ok"`
	Error     string          `json:"error"`
	Data      json.RawMessage `json:"data"`
}

type wsClient struct {
	t       *testing.T
	ws      *websocket.Conn
	seq     int
	backlog []reply
}

func (ts *testServer) dial(t *testing.T, query string) *wsClient {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.srv.URL, "http") + "/v1/render/connect?" + query
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return &wsClient{t: t, ws: ws}
}

func (c *wsClient) read() reply {
	c.t.Helper()
	require.NoError(c.t, c.ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	var r reply
	require.NoError(c.t, c.ws.ReadJSON(&r))
	return r
}

// call sends a request and waits for its reply, keeping pushes that
// arrive in between.
func (c *wsClient) call(req Request) reply {
	c.t.Helper()
	c.seq++
	req.RequestID = strconv.Itoa(c.seq)
	require.NoError(c.t, c.ws.WriteJSON(req))
	for {
		r := c.read()
		if r.RequestID == req.RequestID {
			return r
		}
		c.backlog = append(c.backlog, r)
	}
}

func (c *wsClient) waitPush(action string) reply {
	c.t.Helper()
	for i, r := range c.backlog {
		if r.Action == action && r.RequestID == "" {
			c.backlog = append(c.backlog[:i], c.backlog[i+1:]...)
			return r
		}
	}
	for {
		r := c.read()
		if r.Action == action && r.RequestID == "" {
			return r
		}
		c.backlog = append(c.backlog, r)
	}
}

func decode[T any](t *testing.T, raw json.RawMessage) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(raw, &v))
	return v
}

func surfacePayload(t *testing.T, index uint64, id scene.NodeID) []byte {
	t.Helper()
	tx := &transaction.Transaction{Index: index, UniRender: true}
	tx.AddCommand(&command.SurfaceNodeCreate{ID: id, Name: "win", Bounds: scene.Rect{W: 100, H: 100}}, id, command.FollowNone)
	tx.AddCommand(&command.NodeAddChild{ID: scene.RootNodeID, Child: id, Index: -1}, scene.RootNodeID, command.FollowNone)
	data, err := transaction.Marshal(tx)
	require.NoError(t, err)
	return data
}

// =============================================================================
// HTTP
// =============================================================================

func TestHandleHealth(t *testing.T) {
	ts := newTestServer(t, mainloop.RenderModeEnabled)

	w := ts.get(t, "/v1/render/health")
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[HealthResponse](t, w.Body.Bytes())
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, ServiceVersion, resp.Version)
	assert.True(t, resp.UniRender)
	assert.Zero(t, resp.Connections)
}

func TestHandleDump(t *testing.T) {
	ts := newTestServer(t, mainloop.RenderModeEnabled)

	tests := []struct {
		name  string
		query string
		want  string
	}{
		{"help", "", "Usage:\n"},
		{"unknown keyword", "?arg=bogus", "Usage:\n"},
		{"screen", "?arg=screen", "-- ScreenInfo\n"},
		{"composer fps", "?arg=composer&arg=fps", "-- The recently fps records info of screens:\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := ts.get(t, "/v1/render/dump"+tt.query)
			require.Equal(t, http.StatusOK, w.Code)
			resp := decode[DumpResponse](t, w.Body.Bytes())
			assert.Contains(t, resp.Report, tt.want)
		})
	}
}

func TestHandleDump_SchedulerStopped(t *testing.T) {
	ts := newTestServer(t, mainloop.RenderModeEnabled)
	ts.sched.Stop()

	w := ts.get(t, "/v1/render/dump?arg=screen")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestHandleConnect_InvalidPid(t *testing.T) {
	ts := newTestServer(t, mainloop.RenderModeEnabled)

	for _, q := range []string{"", "?pid=abc", "?pid=0", "?pid=-4"} {
		t.Run(q, func(t *testing.T) {
			w := ts.get(t, "/v1/render/connect"+q)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Equal(t, "INVALID_PID", decode[ErrorResponse](t, w.Body.Bytes()).Code)
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t, mainloop.RenderModeEnabled)

	w := ts.get(t, "/metrics")
	assert.Equal(t, http.StatusOK, w.Code)
}

// =============================================================================
// Websocket sessions
// =============================================================================

func TestSession_Lifecycle(t *testing.T) {
	ts := newTestServer(t, mainloop.RenderModeEnabled)
	c := ts.dial(t, "pid=100&token=tok")

	created := c.waitPush(PushSessionCreated)
	info := decode[SessionCreated](t, created.Data)
	assert.Equal(t, SessionCreated{Token: "tok", Pid: 100, UniRender: true, RTNeedRender: false}, info)

	ev := decode[ScreenEvent](t, c.waitPush(PushScreenChanged).Data)
	assert.Equal(t, ScreenEvent{ScreenID: screen.DefaultScreenID, Event: "connected"}, ev)

	w := ts.get(t, "/v1/render/connections")
	conns := decode[ConnectionsResponse](t, w.Body.Bytes())
	assert.Equal(t, []service.ConnectionInfo{{Token: "tok", Pid: 100}}, conns.Connections)

	require.NoError(t, c.ws.Close())
	require.Eventually(t, func() bool {
		return len(ts.svc.Connections()) == 0
	}, 5*time.Second, 10*time.Millisecond, "socket close cleans the session up")
}

func TestSession_CommitTransaction(t *testing.T) {
	ts := newTestServer(t, mainloop.RenderModeEnabled)
	c := ts.dial(t, "pid=100")
	c.waitPush(PushSessionCreated)

	r := c.call(Request{
		Action:  ActionCommitTransaction,
		Payload: base64.StdEncoding.EncodeToString(surfacePayload(t, 1, 5)),
	})
	require.True(t, r.OK, r.Error)

	require.Eventually(t, func() bool {
		r := c.call(Request{Action: ActionGetNode, NodeID: 5})
		return r.OK && decode[map[string]any](t, r.Data)["on_tree"] == true
	}, 5*time.Second, 10*time.Millisecond)

	// Binary frames carry raw transactions.
	require.NoError(t, c.ws.WriteMessage(websocket.BinaryMessage, surfacePayload(t, 2, 6)))
	require.Eventually(t, func() bool {
		return c.call(Request{Action: ActionGetNode, NodeID: 6}).OK
	}, 5*time.Second, 10*time.Millisecond)

	r = c.call(Request{Action: ActionCommitTransaction, Payload: "not base64!"})
	assert.False(t, r.OK)
	assert.Contains(t, r.Error, "payload")
}

func TestSession_CreateNode(t *testing.T) {
	ts := newTestServer(t, mainloop.RenderModeEnabled)
	c := ts.dial(t, "pid=100")

	node := &NodeSpec{ID: 9, Name: "surface", Bounds: scene.Rect{W: 10, H: 10}}
	r := c.call(Request{Action: ActionCreateNode, Node: node})
	require.True(t, r.OK)
	assert.Equal(t, map[string]bool{"created": true}, decode[map[string]bool](t, r.Data))

	r = c.call(Request{Action: ActionCreateNode, Node: node})
	require.True(t, r.OK)
	assert.Equal(t, map[string]bool{"created": false}, decode[map[string]bool](t, r.Data))

	r = c.call(Request{Action: ActionCreateNode})
	assert.False(t, r.OK)
}

func TestSession_BufferAvailable(t *testing.T) {
	ts := newTestServer(t, mainloop.RenderModeEnabled)
	c := ts.dial(t, "pid=100")

	r := c.call(Request{Action: ActionCreateNodeAndSurface, Node: &NodeSpec{ID: 9, Name: "surface"}})
	require.True(t, r.OK, r.Error)
	assert.EqualValues(t, 9, decode[map[string]any](t, r.Data)["node_id"])

	r = c.call(Request{Action: ActionRegisterBufferListener, NodeID: 9})
	require.True(t, r.OK, r.Error)
	r = c.call(Request{Action: ActionFlushBuffer, NodeID: 9, Buffer: &BufferSpec{Seq: 1, Width: 10, Height: 10, Size: 400}})
	require.True(t, r.OK, r.Error)

	push := c.waitPush(PushBufferAvailable)
	assert.Equal(t, map[string]scene.NodeID{"node_id": 9}, decode[map[string]scene.NodeID](t, push.Data))
}

func TestSession_VSync(t *testing.T) {
	ts := newTestServer(t, mainloop.RenderModeEnabled)
	c := ts.dial(t, "pid=100")

	require.True(t, c.call(Request{Action: ActionCreateVSyncConnection, Name: "app"}).OK)
	assert.False(t, c.call(Request{Action: ActionCreateVSyncConnection, Name: "app"}).OK, "duplicate name")
	require.True(t, c.call(Request{Action: ActionRequestNextVSync, Name: "app"}).OK)

	ev := decode[VSyncEvent](t, c.waitPush(PushVSync).Data)
	assert.Equal(t, "app", ev.Name)
	assert.Positive(t, ev.Timestamp)

	assert.False(t, c.call(Request{Action: ActionRequestNextVSync, Name: "other"}).OK)
}

func TestSession_Screens(t *testing.T) {
	ts := newTestServer(t, mainloop.RenderModeEnabled)
	c := ts.dial(t, "pid=100")

	r := c.call(Request{Action: ActionCreateVirtualScreen, Name: "cast", Width: 640, Height: 480})
	require.True(t, r.OK, r.Error)
	id := decode[map[string]screen.ID](t, r.Data)["screen_id"]

	ids := decode[ScreenIDs](t, c.call(Request{Action: ActionGetScreenIDs}).Data)
	assert.Equal(t, screen.DefaultScreenID, ids.Default)
	assert.Contains(t, ids.IDs, id)

	require.True(t, c.call(Request{Action: ActionSetScreenPower, ScreenID: screen.DefaultScreenID, Power: screen.PowerOff}).OK)
	require.True(t, c.call(Request{Action: ActionRemoveVirtualScreen, ScreenID: id}).OK)

	ids = decode[ScreenIDs](t, c.call(Request{Action: ActionGetScreenIDs}).Data)
	assert.NotContains(t, ids.IDs, id)
}

func TestSession_RenderMode(t *testing.T) {
	t.Run("fixed", func(t *testing.T) {
		ts := newTestServer(t, mainloop.RenderModeEnabled)
		c := ts.dial(t, "pid=100")

		r := c.call(Request{Action: ActionUpdateRenderMode, Unified: false})
		assert.False(t, r.OK)
		assert.Contains(t, r.Error, mainloop.ErrRenderModeFixed.Error())
	})

	t.Run("dynamic", func(t *testing.T) {
		ts := newTestServer(t, mainloop.RenderModeDynamic)
		c := ts.dial(t, "pid=100")

		require.True(t, c.call(Request{Action: ActionUpdateRenderMode, Unified: false}).OK)
		ev := decode[RenderModeEvent](t, c.waitPush(PushRenderModeChanged).Data)
		assert.Equal(t, RenderModeEvent{Unified: false, Complete: false}, ev)
	})
}

func TestSession_FocusApp(t *testing.T) {
	ts := newTestServer(t, mainloop.RenderModeEnabled)
	c := ts.dial(t, "pid=100")

	assert.False(t, c.call(Request{Action: ActionSetFocusApp}).OK)
	r := c.call(Request{Action: ActionSetFocusApp, Focus: &mainloop.FocusAppInfo{Pid: 100, BundleName: "com.example"}})
	assert.True(t, r.OK, r.Error)
}

func TestSession_BadRequests(t *testing.T) {
	ts := newTestServer(t, mainloop.RenderModeEnabled)
	c := ts.dial(t, "pid=100")

	r := c.call(Request{Action: "teleport"})
	assert.False(t, r.OK)
	assert.Contains(t, r.Error, "unknown action")

	require.NoError(t, c.ws.WriteMessage(websocket.TextMessage, []byte("{not json")))
	for {
		r := c.read()
		if r.Action == "" {
			assert.Contains(t, r.Error, "invalid request")
			break
		}
	}
}

func TestSession_Disconnect(t *testing.T) {
	ts := newTestServer(t, mainloop.RenderModeEnabled)
	c := ts.dial(t, "pid=100&token=tok")

	r := c.call(Request{Action: ActionDisconnect})
	require.True(t, r.OK)
	assert.Empty(t, ts.svc.Connections())
	assert.False(t, ts.sched.HasTransactionSender(100))

	// The server closes the socket after the reply.
	require.NoError(t, c.ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), err.Error())
			break
		}
	}
}

func TestSession_ReplacedToken(t *testing.T) {
	ts := newTestServer(t, mainloop.RenderModeEnabled)
	first := ts.dial(t, "pid=100&token=tok")
	first.waitPush(PushSessionCreated)
	second := ts.dial(t, "pid=100&token=tok")
	second.waitPush(PushSessionCreated)

	r := first.call(Request{Action: ActionCreateVirtualScreen, Name: "v", Width: 1, Height: 1})
	assert.False(t, r.OK, "the replaced session is closed")

	r = second.call(Request{Action: ActionCreateNode, Node: &NodeSpec{ID: 3}})
	require.True(t, r.OK, r.Error)
	assert.Equal(t, []service.ConnectionInfo{{Token: "tok", Pid: 100}}, ts.svc.Connections())
}

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
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/AleutianRender/services/render/observability"
	"github.com/AleutianAI/AleutianRender/services/render/scene"
	"github.com/AleutianAI/AleutianRender/services/render/screen"
	"github.com/AleutianAI/AleutianRender/services/render/session"
	"github.com/AleutianAI/AleutianRender/services/render/transaction"
	"github.com/AleutianAI/AleutianRender/services/render/vsync"
)

const (
	// DefaultPushQueue is the default per-client outgoing buffer.
	DefaultPushQueue = 256

	// maxMessageSize bounds one incoming frame.
	maxMessageSize = 16 << 20

	writeWait = 10 * time.Second
)

var errUnknownAction = errors.New("unknown action")

// wsSession binds one websocket to one session.Connection.
//
// # Description
//
// A single writer goroutine owns the socket for writing. Replies to
// requests wait for queue space; pushes raised by the scheduler or the
// VSync distributor never block and are dropped when the client falls
// behind. The read loop runs on the handler goroutine and ends the
// session when the socket fails or the client disconnects.
type wsSession struct {
	ws      *websocket.Conn
	conn    *session.Connection
	metrics *observability.Metrics
	logger  *slog.Logger

	out        chan Message
	done       chan struct{}
	writerDone chan struct{}
	stopOnce   sync.Once

	mu     sync.Mutex
	vsyncs map[string]*vsync.Connection

	dropLog rate.Sometimes
}

func newWSSession(ws *websocket.Conn, conn *session.Connection, queue int, m *observability.Metrics, logger *slog.Logger) *wsSession {
	return &wsSession{
		ws:         ws,
		conn:       conn,
		metrics:    m,
		logger:     logger.With(slog.String("token", conn.Token()), slog.Int("pid", int(conn.Pid()))),
		out:        make(chan Message, queue),
		done:       make(chan struct{}),
		writerDone: make(chan struct{}),
		vsyncs:     make(map[string]*vsync.Connection),
		dropLog:    rate.Sometimes{Interval: 5 * time.Second},
	}
}

// run serves the session until the socket closes.
func (s *wsSession) run() {
	go s.writeLoop()
	defer s.teardown()

	s.push(PushSessionCreated, SessionCreated{
		Token:        s.conn.Token(),
		Pid:          s.conn.Pid(),
		UniRender:    s.conn.GetUniRenderEnabled(),
		RTNeedRender: s.conn.QueryIfRTNeedRender(),
	})
	if err := s.registerCallbacks(); err != nil {
		s.logger.Warn("session setup failed", slog.String("error", err.Error()))
		return
	}
	s.logger.Info("client session started")
	s.readLoop()
}

func (s *wsSession) registerCallbacks() error {
	if err := s.conn.RegisterApplicationAgent(s); err != nil {
		return err
	}
	if err := s.conn.RegisterVisibilityCallback(func(visible bool) {
		s.push(PushVisibilityChanged, map[string]bool{"visible": visible})
	}); err != nil {
		return err
	}
	if err := s.conn.SetRenderModeChangeCallback(func(unified bool) {
		s.push(PushRenderModeChanged, RenderModeEvent{Unified: unified, Complete: true})
	}); err != nil {
		return err
	}
	return s.conn.SetScreenChangeCallback(func(id screen.ID, ev screen.Event) {
		s.push(PushScreenChanged, ScreenEvent{ScreenID: id, Event: ev.String()})
	})
}

func (s *wsSession) readLoop() {
	s.ws.SetReadLimit(maxMessageSize)
	for {
		typ, data, err := s.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Info("client socket failed", slog.String("error", err.Error()))
			}
			return
		}

		switch typ {
		case websocket.BinaryMessage:
			if err := s.conn.CommitTransaction(data); err != nil {
				s.reply(Message{Action: ActionCommitTransaction, Error: err.Error()})
			}
		case websocket.TextMessage:
			var req Request
			if err := json.Unmarshal(data, &req); err != nil {
				s.reply(Message{Error: fmt.Sprintf("invalid request: %v", err)})
				continue
			}
			result, err := s.handle(req)
			msg := Message{Action: req.Action, RequestID: req.RequestID, OK: true, Data: result}
			if err != nil {
				msg.OK, msg.Error, msg.Data = false, err.Error(), nil
			}
			s.reply(msg)
			if req.Action == ActionDisconnect {
				return
			}
		}
	}
}

// handle runs one request and returns its reply data.
func (s *wsSession) handle(req Request) (any, error) {
	c := s.conn
	switch req.Action {
	case ActionCommitTransaction:
		raw, err := base64.StdEncoding.DecodeString(req.Payload)
		if err != nil {
			return nil, fmt.Errorf("payload: %w", err)
		}
		return nil, c.CommitTransaction(raw)

	case ActionCreateNode:
		if req.Node == nil {
			return nil, session.ErrInvalidArguments
		}
		return map[string]bool{"created": c.CreateNode(req.Node.surfaceConfig())}, nil

	case ActionCreateNodeAndSurface:
		if req.Node == nil {
			return nil, session.ErrInvalidArguments
		}
		return c.CreateNodeAndSurface(req.Node.surfaceConfig())

	case ActionCreateVSyncConnection:
		return nil, s.createVSync(req.Name)

	case ActionRequestNextVSync:
		s.mu.Lock()
		vc, ok := s.vsyncs[req.Name]
		s.mu.Unlock()
		if !ok {
			return nil, fmt.Errorf("%w: no vsync connection %q", session.ErrInvalidArguments, req.Name)
		}
		vc.RequestNextVSync()
		return nil, nil

	case ActionRegisterBufferListener:
		id := req.NodeID
		return nil, c.RegisterBufferAvailableListener(id, func() {
			s.push(PushBufferAvailable, map[string]scene.NodeID{"node_id": id})
		})

	case ActionFlushBuffer:
		if req.Buffer == nil {
			return nil, session.ErrInvalidArguments
		}
		return nil, c.FlushBuffer(req.NodeID, req.Buffer.buffer())

	case ActionRegisterOcclusionCallback:
		handle, err := c.RegisterOcclusionChangeCallback(func(visible []scene.NodeID) {
			s.push(PushOcclusionChanged, map[string][]scene.NodeID{"visible": visible})
		})
		if err != nil {
			return nil, err
		}
		return map[string]int{"handle": handle}, nil

	case ActionCreateVirtualScreen:
		id, err := c.CreateVirtualScreen(req.Name, req.Width, req.Height)
		if err != nil {
			return nil, err
		}
		return map[string]screen.ID{"screen_id": id}, nil

	case ActionRemoveVirtualScreen:
		return nil, c.RemoveVirtualScreen(req.ScreenID)

	case ActionGetScreenIDs:
		return ScreenIDs{Default: c.DefaultScreenID(), IDs: c.AllScreenIDs()}, nil

	case ActionSetScreenPower:
		return nil, c.SetScreenPowerStatus(req.ScreenID, req.Power)

	case ActionGetNode:
		return c.GetNode(req.NodeID)

	case ActionUpdateRenderMode:
		return nil, c.UpdateRenderMode(req.Unified)

	case ActionSetFocusApp:
		if req.Focus == nil {
			return nil, session.ErrInvalidArguments
		}
		c.SetFocusAppInfo(*req.Focus)
		return nil, nil

	case ActionDisconnect:
		c.CleanAll(true)
		return nil, nil

	default:
		return nil, fmt.Errorf("%w: %q", errUnknownAction, req.Action)
	}
}

func (s *wsSession) createVSync(name string) error {
	if name == "" {
		return session.ErrInvalidArguments
	}
	s.mu.Lock()
	_, exists := s.vsyncs[name]
	s.mu.Unlock()
	if exists {
		return fmt.Errorf("%w: vsync connection %q exists", session.ErrInvalidArguments, name)
	}
	vc, err := s.conn.CreateVSyncConnection(name, func(ts int64) {
		s.push(PushVSync, VSyncEvent{Name: name, Timestamp: ts})
	})
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.vsyncs[name] = vc
	s.mu.Unlock()
	return nil
}

// =============================================================================
// mainloop.ApplicationAgent
// =============================================================================

// OnTransaction forwards service-generated commands to the client.
func (s *wsSession) OnTransaction(tx *transaction.Transaction) {
	data, err := transaction.Marshal(tx)
	if err != nil {
		s.logger.Warn("encode outgoing transaction failed", slog.String("error", err.Error()))
		return
	}
	s.push(PushTransaction, TransactionEvent{Payload: base64.StdEncoding.EncodeToString(data)})
}

// OnRenderModeChanged tells the client the render path changed.
func (s *wsSession) OnRenderModeChanged(unified bool) {
	s.push(PushRenderModeChanged, RenderModeEvent{Unified: unified})
}

// =============================================================================
// Writing
// =============================================================================

// push queues a server event without blocking.
func (s *wsSession) push(action string, data any) {
	select {
	case <-s.done:
		return
	default:
	}
	select {
	case s.out <- Message{Action: action, OK: true, Data: data}:
	default:
		s.metrics.RecordPushDropped(action)
		s.dropLog.Do(func() {
			s.logger.Warn("client not reading, dropping push", slog.String("action", action))
		})
	}
}

// reply queues a request reply, waiting for room.
func (s *wsSession) reply(msg Message) {
	select {
	case s.out <- msg:
	case <-s.done:
	}
}

func (s *wsSession) writeLoop() {
	defer close(s.writerDone)
	for {
		select {
		case msg := <-s.out:
			if err := s.write(msg); err != nil {
				s.logger.Info("client write failed", slog.String("error", err.Error()))
				s.stop()
				// Unblocks the read loop.
				_ = s.ws.Close()
				return
			}
		case <-s.done:
			s.flush()
			return
		}
	}
}

// flush writes what is still queued and says goodbye.
func (s *wsSession) flush() {
	for {
		select {
		case msg := <-s.out:
			if err := s.write(msg); err != nil {
				return
			}
		default:
			_ = s.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}

func (s *wsSession) write(msg Message) error {
	_ = s.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return s.ws.WriteJSON(msg)
}

func (s *wsSession) stop() {
	s.stopOnce.Do(func() { close(s.done) })
}

// teardown treats the end of the socket as the client dying.
func (s *wsSession) teardown() {
	s.conn.OnRemoteDied(s.conn.Token())
	s.stop()
	<-s.writerDone
	_ = s.ws.Close()
	s.logger.Info("client session ended")
}

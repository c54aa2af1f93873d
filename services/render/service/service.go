// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package service is the front door of the render service: the table
// of client connections and the diagnostic dump command.
package service

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/AleutianRender/services/render/mainloop"
	"github.com/AleutianAI/AleutianRender/services/render/observability"
	"github.com/AleutianAI/AleutianRender/services/render/scene"
	"github.com/AleutianAI/AleutianRender/services/render/session"
	"github.com/AleutianAI/AleutianRender/services/render/vsync"
)

var (
	// ErrConnectionNotFound is returned for unknown tokens.
	ErrConnectionNotFound = errors.New("connection not found")
)

// Config configures a Service.
type Config struct {
	// Scheduler runs all scene work. Required.
	Scheduler *mainloop.Scheduler

	// Distributor serves client VSync connections. Optional.
	Distributor *vsync.Distributor

	// Dispatcher decodes committed transactions. Required.
	Dispatcher session.Dispatcher

	// Watcher probes local client processes. Optional.
	Watcher *session.ProcessWatcher

	// SyncTimeout bounds synchronous client requests.
	SyncTimeout time.Duration

	// Metrics is optional.
	Metrics *observability.Metrics

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// ConnectionInfo describes one connected client.
type ConnectionInfo struct {
	Token string    `json:"token"`
	Pid   scene.Pid `json:"pid"`
}

// Service owns the connections of all clients.
//
// # Thread Safety
//
// Safe for concurrent use.
type Service struct {
	cfg    Config
	logger *slog.Logger

	mu    sync.Mutex
	conns map[string]*session.Connection

	dumps singleflight.Group
}

// New creates a Service.
func New(cfg Config) (*Service, error) {
	if cfg.Scheduler == nil {
		return nil, errors.New("service: scheduler is required")
	}
	if cfg.Dispatcher == nil {
		return nil, errors.New("service: dispatcher is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Service{
		cfg:    cfg,
		logger: cfg.Logger.With(slog.String("component", "service")),
		conns:  make(map[string]*session.Connection),
	}, nil
}

// CreateConnection opens a session for the client pid.
//
// # Description
//
// An empty token gets a fresh one. A connection already registered
// under the same token is replaced and cleaned up without removing the
// new one from the table. The pid is then registered as a transaction
// sender.
//
// # Outputs
//
//   - *session.Connection: The new connection.
//   - error: Non-nil only for invalid configuration.
func (s *Service) CreateConnection(token string, pid scene.Pid) (*session.Connection, error) {
	if token == "" {
		token = uuid.NewString()
	}
	conn, err := session.New(session.Config{
		Token:       token,
		Pid:         pid,
		Scheduler:   s.cfg.Scheduler,
		Distributor: s.cfg.Distributor,
		Dispatcher:  s.cfg.Dispatcher,
		Owner:       s,
		SyncTimeout: s.cfg.SyncTimeout,
		Metrics:     s.cfg.Metrics,
		Logger:      s.cfg.Logger,
	})
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	old := s.conns[token]
	s.conns[token] = conn
	s.mu.Unlock()

	if old != nil {
		s.logger.Info("replacing connection", slog.String("token", token), slog.Int("old_pid", int(old.Pid())))
		old.CleanAll(false)
	}
	s.cfg.Scheduler.AddTransactionDataPidInfo(pid)
	if s.cfg.Watcher != nil {
		s.cfg.Watcher.Watch(conn)
	}
	s.logger.Info("connection created", slog.String("token", token), slog.Int("pid", int(pid)))
	return conn, nil
}

// RemoveConnection forgets the connection with token. It does not clean
// it up; connections call this from CleanAll.
func (s *Service) RemoveConnection(token string) {
	s.mu.Lock()
	_, ok := s.conns[token]
	delete(s.conns, token)
	s.mu.Unlock()
	if !ok {
		return
	}
	if s.cfg.Watcher != nil {
		s.cfg.Watcher.Unwatch(token)
	}
	s.logger.Info("connection removed", slog.String("token", token))
}

// Connection returns the connection with token.
func (s *Service) Connection(token string) (*session.Connection, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conns[token]
	return c, ok
}

// Connections lists connected clients sorted by token.
func (s *Service) Connections() []ConnectionInfo {
	s.mu.Lock()
	out := make([]ConnectionInfo, 0, len(s.conns))
	for token, c := range s.conns {
		out = append(out, ConnectionInfo{Token: token, Pid: c.Pid()})
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Token < out[j].Token })
	return out
}

// Close cleans up every connection.
func (s *Service) Close() {
	s.mu.Lock()
	conns := make([]*session.Connection, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	clear(s.conns)
	s.mu.Unlock()

	for _, c := range conns {
		c.CleanAll(false)
	}
}

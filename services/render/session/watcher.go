// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package session

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// DefaultWatchInterval is how often client processes are probed.
const DefaultWatchInterval = 2 * time.Second

// WatcherConfig configures a ProcessWatcher.
type WatcherConfig struct {
	// Interval between probes. Default: DefaultWatchInterval.
	Interval time.Duration

	// Alive reports whether a process exists. Default: a signal-0 probe
	// on unix.
	Alive func(pid int) bool

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// ProcessWatcher detects local clients whose process exited without
// closing their connection and tells the connection its remote died.
//
// # Thread Safety
//
// Safe for concurrent use.
type ProcessWatcher struct {
	cfg    WatcherConfig
	logger *slog.Logger

	mu      sync.Mutex
	watched map[string]*Connection
}

// NewProcessWatcher creates a watcher. Call Run to start probing.
func NewProcessWatcher(cfg WatcherConfig) *ProcessWatcher {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultWatchInterval
	}
	if cfg.Alive == nil {
		cfg.Alive = processAlive
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &ProcessWatcher{
		cfg:     cfg,
		logger:  cfg.Logger.With(slog.String("component", "process_watcher")),
		watched: make(map[string]*Connection),
	}
}

// Watch starts probing the process of c.
func (w *ProcessWatcher) Watch(c *Connection) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.watched[c.Token()] = c
}

// Unwatch stops probing the connection with token.
func (w *ProcessWatcher) Unwatch(token string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.watched, token)
}

// Watched returns the tokens being probed, sorted.
func (w *ProcessWatcher) Watched() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	tokens := make([]string, 0, len(w.watched))
	for t := range w.watched {
		tokens = append(tokens, t)
	}
	sort.Strings(tokens)
	return tokens
}

// Run probes every Interval until ctx is done.
func (w *ProcessWatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.Probe()
		}
	}
}

// Probe checks every watched process once and cleans up the dead ones.
func (w *ProcessWatcher) Probe() {
	w.mu.Lock()
	var dead []*Connection
	for token, c := range w.watched {
		if c.Closed() {
			delete(w.watched, token)
			continue
		}
		if !w.cfg.Alive(int(c.Pid())) {
			dead = append(dead, c)
			delete(w.watched, token)
		}
	}
	w.mu.Unlock()

	for _, c := range dead {
		w.logger.Info("client process gone", slog.Int("pid", int(c.Pid())))
		c.OnRemoteDied(c.Token())
	}
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package vsync provides a software VSync source and per-client
// subscriptions to it.
package vsync

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// DefaultPeriod is the software VSync interval.
const DefaultPeriod = 16 * time.Millisecond

var (
	// ErrConnectionExists is returned when adding a connection twice.
	ErrConnectionExists = errors.New("vsync connection already added")

	// ErrNilConnection is returned when adding a nil connection.
	ErrNilConnection = errors.New("nil vsync connection")
)

// Callback receives the VSync timestamp in nanoseconds.
type Callback func(timestamp int64)

// Config configures a Distributor.
type Config struct {
	// Period between ticks. Default: DefaultPeriod.
	Period time.Duration

	// Now returns the tick timestamp in ns. Default: time.Now().UnixNano.
	Now func() int64

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Connection is one subscriber to VSync events.
type Connection struct {
	name string
	cb   Callback

	mu sync.Mutex
	d  *Distributor

	// guarded by the owning Distributor's mu
	requested bool
}

// NewConnection creates a subscriber. It receives nothing until added
// to a Distributor and RequestNextVSync is called.
func NewConnection(name string, cb Callback) *Connection {
	return &Connection{name: name, cb: cb}
}

// Name returns the subscriber name.
func (c *Connection) Name() string { return c.name }

// RequestNextVSync asks for exactly one more callback. Repeated calls
// before the next tick coalesce. It is a no-op while the connection is
// not added to a Distributor.
func (c *Connection) RequestNextVSync() {
	d := c.distributor()
	if d == nil {
		return
	}
	d.request(c)
}

func (c *Connection) distributor() *Distributor {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.d
}

// Distributor ticks at a fixed period while any connection has an
// outstanding request, and delivers each tick to the requesters.
//
// # Thread Safety
//
// Safe for concurrent use. Callbacks run on the distributor goroutine
// and must not block.
type Distributor struct {
	cfg    Config
	logger *slog.Logger

	mu          sync.Mutex
	connections map[*Connection]struct{}
	outstanding int

	wake     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a Distributor. Call Start to begin delivering ticks.
func New(cfg Config) *Distributor {
	if cfg.Period <= 0 {
		cfg.Period = DefaultPeriod
	}
	if cfg.Now == nil {
		cfg.Now = func() int64 { return time.Now().UnixNano() }
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Distributor{
		cfg:         cfg,
		logger:      cfg.Logger.With(slog.String("component", "vsync")),
		connections: make(map[*Connection]struct{}),
		wake:        make(chan struct{}, 1),
		stop:        make(chan struct{}),
	}
}

// AddConnection subscribes c.
func (d *Distributor) AddConnection(c *Connection) error {
	if c == nil {
		return ErrNilConnection
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.connections[c]; ok {
		return ErrConnectionExists
	}
	c.mu.Lock()
	c.d = d
	c.mu.Unlock()
	d.connections[c] = struct{}{}
	return nil
}

// RemoveConnection unsubscribes c, dropping any outstanding request.
func (d *Distributor) RemoveConnection(c *Connection) {
	if c == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.connections[c]; !ok {
		return
	}
	if c.requested {
		c.requested = false
		d.outstanding--
	}
	delete(d.connections, c)
	c.mu.Lock()
	c.d = nil
	c.mu.Unlock()
}

// ConnectionNames returns the names of subscribed connections, sorted.
func (d *Distributor) ConnectionNames() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	names := make([]string, 0, len(d.connections))
	for c := range d.connections {
		names = append(names, c.name)
	}
	sort.Strings(names)
	return names
}

func (d *Distributor) request(c *Connection) {
	d.mu.Lock()
	if _, ok := d.connections[c]; !ok || c.requested {
		d.mu.Unlock()
		return
	}
	c.requested = true
	d.outstanding++
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Start launches the tick goroutine. It exits on Stop or when ctx is done.
func (d *Distributor) Start(ctx context.Context) {
	d.wg.Add(1)
	go d.run(ctx)
}

// Stop halts ticking and waits for the goroutine to exit.
func (d *Distributor) Stop() {
	d.stopOnce.Do(func() { close(d.stop) })
	d.wg.Wait()
}

func (d *Distributor) run(ctx context.Context) {
	defer d.wg.Done()
	d.logger.Info("vsync distributor started", slog.Duration("period", d.cfg.Period))

	for {
		// Idle until someone asks for a frame.
		select {
		case <-d.wake:
		case <-d.stop:
			return
		case <-ctx.Done():
			return
		}

		ticker := time.NewTicker(d.cfg.Period)
		for d.hasOutstanding() {
			select {
			case <-ticker.C:
				d.tick(d.cfg.Now())
			case <-d.stop:
				ticker.Stop()
				return
			case <-ctx.Done():
				ticker.Stop()
				return
			}
		}
		ticker.Stop()
	}
}

func (d *Distributor) hasOutstanding() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.outstanding > 0
}

func (d *Distributor) tick(ts int64) {
	d.mu.Lock()
	var due []*Connection
	for c := range d.connections {
		if c.requested {
			c.requested = false
			due = append(due, c)
		}
	}
	d.outstanding = 0
	d.mu.Unlock()

	for _, c := range due {
		if c.cb != nil {
			c.cb(ts)
		}
	}
}

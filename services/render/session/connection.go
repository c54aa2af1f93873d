// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package session holds the per-client side of the render service.
//
// A Connection translates client requests into scheduler tasks and owns
// everything the client created outside the scene: virtual screens,
// VSync subscriptions and callbacks. CleanAll releases all of it exactly
// once, whether the client disconnects, dies, or both at the same time.
package session

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/AleutianRender/services/render/mainloop"
	"github.com/AleutianAI/AleutianRender/services/render/observability"
	"github.com/AleutianAI/AleutianRender/services/render/scene"
	"github.com/AleutianAI/AleutianRender/services/render/screen"
	"github.com/AleutianAI/AleutianRender/services/render/vsync"
)

// DefaultSyncTimeout bounds how long a request waits for a scheduler task.
const DefaultSyncTimeout = 3 * time.Second

var (
	// ErrConnectionClosed is returned for requests after CleanAll.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrInvalidArguments is returned for nil callbacks and similar.
	ErrInvalidArguments = errors.New("invalid arguments")
)

// Dispatcher decodes committed transaction payloads.
type Dispatcher interface {
	Dispatch(pid scene.Pid, raw []byte) error
}

// Owner is the connection table a Connection removes itself from.
type Owner interface {
	RemoveConnection(token string)
}

// SyncTask is work run on the scheduler on behalf of a client.
type SyncTask interface {
	Process(ctx *scene.Context) error
}

// SyncTaskFunc adapts a function to SyncTask.
type SyncTaskFunc func(ctx *scene.Context) error

// Process calls f(ctx).
func (f SyncTaskFunc) Process(ctx *scene.Context) error { return f(ctx) }

// SurfaceHandle identifies the buffer queue of a surface created by
// CreateNodeAndSurface.
type SurfaceHandle struct {
	NodeID   scene.NodeID `json:"node_id"`
	Name     string       `json:"name"`
	UniqueID uint64       `json:"unique_id"`
}

var surfaceSeq atomic.Uint64

// Config configures a Connection.
type Config struct {
	// Token identifies the client. Required.
	Token string

	// Pid of the client process. Every node and transaction of the
	// connection is attributed to it.
	Pid scene.Pid

	// Scheduler runs all scene work. Required.
	Scheduler *mainloop.Scheduler

	// Distributor serves client VSync connections. Optional.
	Distributor *vsync.Distributor

	// Dispatcher decodes committed payloads. Required for CommitTransaction.
	Dispatcher Dispatcher

	// Owner is told to forget the connection by CleanAll(true). Optional.
	Owner Owner

	// SyncTimeout bounds synchronous requests. Default: DefaultSyncTimeout.
	SyncTimeout time.Duration

	// Metrics is optional.
	Metrics *observability.Metrics

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Connection is the service-side session of one client.
//
// # Description
//
// Requests that touch the scene are posted to the scheduler; screen
// requests go straight to the screen manager, which has its own lock.
// Resources the client creates are remembered so CleanAll can release
// them.
//
// # Thread Safety
//
// Safe for concurrent use. CleanAll must not be called from a scheduler
// task.
type Connection struct {
	cfg     Config
	logger  *slog.Logger
	sched   *mainloop.Scheduler
	screens *screen.Manager
	metrics *observability.Metrics

	mu             sync.Mutex
	virtualScreens map[screen.ID]struct{}
	screenCB       int
	vsyncConns     []*vsync.Connection
	occlusion      map[int]struct{}

	closed    atomic.Bool
	cleanOnce sync.Once
}

// New creates a Connection and counts it as active.
func New(cfg Config) (*Connection, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("%w: empty token", ErrInvalidArguments)
	}
	if cfg.Scheduler == nil {
		return nil, fmt.Errorf("%w: nil scheduler", ErrInvalidArguments)
	}
	if cfg.SyncTimeout <= 0 {
		cfg.SyncTimeout = DefaultSyncTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	c := &Connection{
		cfg: cfg,
		logger: cfg.Logger.With(
			slog.String("component", "session"),
			slog.Int("pid", int(cfg.Pid))),
		sched:          cfg.Scheduler,
		screens:        cfg.Scheduler.Screens(),
		metrics:        cfg.Metrics,
		virtualScreens: make(map[screen.ID]struct{}),
		occlusion:      make(map[int]struct{}),
	}
	c.metrics.ConnectionOpened()
	return c, nil
}

// Token returns the client token.
func (c *Connection) Token() string { return c.cfg.Token }

// Pid returns the client pid.
func (c *Connection) Pid() scene.Pid { return c.cfg.Pid }

// Closed reports whether CleanAll ran.
func (c *Connection) Closed() bool { return c.closed.Load() }

func (c *Connection) checkOpen() error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}
	return nil
}

// whileOpen runs register under c.mu if the connection is still open.
// CleanAll flips closed under the same lock, so a registration either
// lands before teardown starts and is released by it, or is refused.
// register must not call back into the connection.
func (c *Connection) whileOpen(register func() error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Load() {
		return ErrConnectionClosed
	}
	return register()
}

// =============================================================================
// Transactions and nodes
// =============================================================================

// CommitTransaction hands an encoded transaction to the decoder. The
// sending pid is always the connection's.
func (c *Connection) CommitTransaction(raw []byte) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	if c.cfg.Dispatcher == nil {
		return fmt.Errorf("%w: no dispatcher", ErrInvalidArguments)
	}
	return c.cfg.Dispatcher.Dispatch(c.cfg.Pid, raw)
}

// CreateNode registers a surface node owned by the client.
//
// # Outputs
//
//   - bool: false when the id is already taken, the wait timed out, or
//     the connection is closed.
func (c *Connection) CreateNode(cfg scene.SurfaceConfig) bool {
	return c.createSurface(cfg) == nil
}

// CreateNodeAndSurface registers a surface node and returns the handle
// the client flushes buffers to.
func (c *Connection) CreateNodeAndSurface(cfg scene.SurfaceConfig) (SurfaceHandle, error) {
	if err := c.createSurface(cfg); err != nil {
		return SurfaceHandle{}, err
	}
	h := SurfaceHandle{NodeID: cfg.ID, Name: cfg.Name, UniqueID: surfaceSeq.Add(1)}
	c.logger.Info("created node and surface",
		slog.Uint64("node_id", uint64(cfg.ID)),
		slog.String("name", cfg.Name),
		slog.Uint64("surface_id", h.UniqueID))
	return h, nil
}

func (c *Connection) createSurface(cfg scene.SurfaceConfig) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	node := scene.NewSurfaceNode(cfg, c.cfg.Pid)
	err := c.runSync(SyncTaskFunc(func(ctx *scene.Context) error {
		if !ctx.Registry().RegisterNode(node) {
			return fmt.Errorf("%w: %d", scene.ErrNodeExists, cfg.ID)
		}
		return nil
	}))
	if err != nil {
		c.logger.Warn("create node failed",
			slog.Uint64("node_id", uint64(cfg.ID)),
			slog.String("error", err.Error()))
	}
	return err
}

// ExecuteSynchronousTask runs task on the scheduler and waits up to
// timeout. ErrTaskTimeout means the outcome is unknown: the task may
// still run after the caller gave up.
func (c *Connection) ExecuteSynchronousTask(task SyncTask, timeout time.Duration) error {
	if task == nil {
		return ErrInvalidArguments
	}
	if err := c.checkOpen(); err != nil {
		return err
	}
	f := mainloop.ScheduleTask(c.sched, func(ctx *scene.Context) (struct{}, error) {
		// Tasks queued behind CleanAll must not touch the scene it released.
		if c.closed.Load() {
			return struct{}{}, ErrConnectionClosed
		}
		return struct{}{}, task.Process(ctx)
	})
	_, err := f.WaitFor(timeout)
	if errors.Is(err, mainloop.ErrTaskTimeout) {
		c.metrics.RecordTaskTimeout()
		c.logger.Warn("synchronous task timed out", slog.Duration("timeout", timeout))
	}
	return err
}

func (c *Connection) runSync(task SyncTask) error {
	return c.ExecuteSynchronousTask(task, c.cfg.SyncTimeout)
}

// NodeInfo is a snapshot of one node.
type NodeInfo struct {
	ID       scene.NodeID   `json:"id"`
	Kind     string         `json:"kind"`
	Owner    scene.Pid      `json:"owner"`
	OnTree   bool           `json:"on_tree"`
	Parent   *scene.NodeID  `json:"parent,omitempty"`
	Children []scene.NodeID `json:"children"`
	Name     string         `json:"name,omitempty"`
	Bounds   *scene.Rect    `json:"bounds,omitempty"`
	Alpha    *float64       `json:"alpha,omitempty"`
}

// GetNode reads a snapshot of node id.
func (c *Connection) GetNode(id scene.NodeID) (NodeInfo, error) {
	var info NodeInfo
	err := c.runSync(SyncTaskFunc(func(ctx *scene.Context) error {
		n, ok := ctx.Registry().GetRenderNode(id)
		if !ok {
			return fmt.Errorf("%w: %d", scene.ErrNodeNotFound, id)
		}
		info = NodeInfo{ID: n.ID(), Kind: n.Kind().String(), Owner: n.Owner(), OnTree: n.IsOnTree()}
		if p := n.Parent(); p != nil {
			pid := p.ID()
			info.Parent = &pid
		}
		for _, ch := range n.Children() {
			info.Children = append(info.Children, ch.ID())
		}
		if s, ok := n.(*scene.SurfaceNode); ok {
			r, a := s.DstRect(), s.Alpha()
			info.Name, info.Bounds, info.Alpha = s.Name, &r, &a
		}
		return nil
	}))
	return info, err
}

// =============================================================================
// Buffers and VSync
// =============================================================================

// RegisterBufferAvailableListener installs cb on surface id. cb runs on
// the scheduler goroutine once, when the first buffer is consumed.
func (c *Connection) RegisterBufferAvailableListener(id scene.NodeID, cb func()) error {
	if cb == nil {
		return ErrInvalidArguments
	}
	return c.runSync(SyncTaskFunc(func(ctx *scene.Context) error {
		s, ok := scene.GetNode[*scene.SurfaceNode](ctx.Registry(), id)
		if !ok {
			return fmt.Errorf("%w: surface %d", scene.ErrNodeNotFound, id)
		}
		s.SetBufferAvailableListener(cb)
		return nil
	}))
}

// FlushBuffer queues a client buffer on surface id and requests a frame.
// Buffers for surfaces the client does not own are ignored.
func (c *Connection) FlushBuffer(id scene.NodeID, buf scene.Buffer) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	pid := c.cfg.Pid
	err := c.sched.PostTask(func(ctx *scene.Context) {
		if c.closed.Load() {
			return
		}
		s, ok := scene.GetNode[*scene.SurfaceNode](ctx.Registry(), id)
		if !ok || s.Owner() != pid {
			c.logger.Debug("dropping buffer for unknown surface", slog.Uint64("node_id", uint64(id)))
			return
		}
		s.QueueBuffer(buf)
	})
	if err != nil {
		return err
	}
	c.sched.RequestNextVSync()
	return nil
}

// CreateVSyncConnection subscribes the client to VSync under name.
func (c *Connection) CreateVSyncConnection(name string, cb vsync.Callback) (*vsync.Connection, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	if c.cfg.Distributor == nil || cb == nil {
		return nil, ErrInvalidArguments
	}
	conn := vsync.NewConnection(name, cb)
	err := c.whileOpen(func() error {
		if err := c.cfg.Distributor.AddConnection(conn); err != nil {
			return err
		}
		c.vsyncConns = append(c.vsyncConns, conn)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// =============================================================================
// Callbacks and render mode
// =============================================================================

// RegisterApplicationAgent sets the endpoint outgoing commands go to.
func (c *Connection) RegisterApplicationAgent(agent mainloop.ApplicationAgent) error {
	return c.whileOpen(func() error {
		c.sched.RegisterApplicationAgent(c.cfg.Pid, agent)
		return nil
	})
}

// UnRegisterApplicationAgent removes the endpoint.
func (c *Connection) UnRegisterApplicationAgent() {
	c.sched.UnregisterApplicationAgent(c.cfg.Pid)
}

// RegisterOcclusionChangeCallback adds an occlusion listener and returns
// its handle.
func (c *Connection) RegisterOcclusionChangeCallback(cb mainloop.OcclusionListener) (int, error) {
	if cb == nil {
		return 0, ErrInvalidArguments
	}
	var h int
	err := c.whileOpen(func() error {
		h = c.sched.RegisterOcclusionListener(c.cfg.Pid, cb)
		c.occlusion[h] = struct{}{}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return h, nil
}

// UnRegisterOcclusionChangeCallback removes a listener added by this
// connection.
func (c *Connection) UnRegisterOcclusionChangeCallback(handle int) {
	c.mu.Lock()
	_, ok := c.occlusion[handle]
	delete(c.occlusion, handle)
	c.mu.Unlock()
	if ok {
		c.sched.UnregisterOcclusionListener(handle)
	}
}

// RegisterVisibilityCallback sets the callback told when the client's
// surfaces become visible or hidden.
func (c *Connection) RegisterVisibilityCallback(cb mainloop.VisibilityCallback) error {
	if cb == nil {
		return ErrInvalidArguments
	}
	return c.whileOpen(func() error {
		c.sched.RegisterVisibilityCallback(c.cfg.Pid, cb)
		return nil
	})
}

// SetRenderModeChangeCallback sets the callback told when a render
// path switch completed.
func (c *Connection) SetRenderModeChangeCallback(cb mainloop.RenderModeCallback) error {
	if cb == nil {
		return ErrInvalidArguments
	}
	return c.whileOpen(func() error {
		c.sched.SetRenderModeChangeCallback(c.cfg.Pid, cb)
		return nil
	})
}

// UpdateRenderMode asks the scheduler to switch the render path.
func (c *Connection) UpdateRenderMode(unified bool) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	return c.sched.NotifyRenderModeChanged(unified)
}

// GetUniRenderEnabled reports whether the unified path is active.
func (c *Connection) GetUniRenderEnabled() bool { return c.sched.UniRenderEnabled() }

// QueryIfRTNeedRender reports whether the client renders its own content.
func (c *Connection) QueryIfRTNeedRender() bool { return c.sched.QueryIfRTNeedRender() }

// SetFocusAppInfo records the application in focus.
func (c *Connection) SetFocusAppInfo(info mainloop.FocusAppInfo) {
	c.sched.SetFocusAppInfo(info)
}

// =============================================================================
// Screens
// =============================================================================

// DefaultScreenID returns the built-in screen id.
func (c *Connection) DefaultScreenID() screen.ID { return c.screens.DefaultScreenID() }

// AllScreenIDs returns every screen id in ascending order.
func (c *Connection) AllScreenIDs() []screen.ID { return c.screens.AllScreenIDs() }

// CreateVirtualScreen creates a virtual screen owned by the client. It is
// removed by CleanAll.
func (c *Connection) CreateVirtualScreen(name string, width, height int32) (screen.ID, error) {
	var id screen.ID
	err := c.whileOpen(func() error {
		var err error
		id, err = c.screens.CreateVirtualScreen(name, width, height, c.cfg.Pid)
		if err != nil {
			return err
		}
		c.virtualScreens[id] = struct{}{}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// RemoveVirtualScreen removes a virtual screen.
func (c *Connection) RemoveVirtualScreen(id screen.ID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.screens.RemoveVirtualScreen(id); err != nil {
		return err
	}
	delete(c.virtualScreens, id)
	return nil
}

// SetScreenChangeCallback replaces the client's screen change callback.
func (c *Connection) SetScreenChangeCallback(cb screen.ChangeCallback) error {
	if cb == nil {
		return ErrInvalidArguments
	}
	if err := c.checkOpen(); err != nil {
		return err
	}
	// cb runs synchronously inside AddScreenChangeCallback, so c.mu is
	// not held across it.
	h, err := c.screens.AddScreenChangeCallback(cb)
	if err != nil {
		return err
	}
	c.mu.Lock()
	if c.closed.Load() {
		c.mu.Unlock()
		c.screens.RemoveScreenChangeCallback(h)
		return ErrConnectionClosed
	}
	old := c.screenCB
	c.screenCB = h
	c.mu.Unlock()
	if old != 0 {
		c.screens.RemoveScreenChangeCallback(old)
	}
	return nil
}

// SetScreenActiveMode selects a supported mode of a physical screen.
func (c *Connection) SetScreenActiveMode(id screen.ID, modeID int32) error {
	return c.screens.SetScreenActiveMode(id, modeID)
}

// SetVirtualScreenResolution resizes a virtual screen.
func (c *Connection) SetVirtualScreenResolution(id screen.ID, width, height int32) error {
	return c.screens.SetVirtualScreenResolution(id, width, height)
}

// SetScreenPowerStatus changes the power state of a physical screen.
func (c *Connection) SetScreenPowerStatus(id screen.ID, status screen.PowerStatus) error {
	return c.screens.SetPowerStatus(id, status)
}

// SetScreenBacklight changes the backlight of a physical screen.
func (c *Connection) SetScreenBacklight(id screen.ID, level uint32) error {
	return c.screens.SetBacklight(id, level)
}

// ScreenData returns everything known about a screen.
func (c *Connection) ScreenData(id screen.ID) (screen.Data, error) {
	return c.screens.ScreenData(id)
}

// VirtualScreenResolution returns the size of a virtual screen.
func (c *Connection) VirtualScreenResolution(id screen.ID) (int32, int32, error) {
	return c.screens.GetVirtualScreenResolution(id)
}

// =============================================================================
// Teardown
// =============================================================================

// CleanAll releases every resource of the connection. Only the first
// call does anything; concurrent callers block until it finished.
//
// # Description
//
// One scheduler task removes the client's virtual screens and screen
// callback, removes every node it owns, drops its buffered transactions
// and unsubscribes its VSync connections. Scheduler tasks queued behind
// the teardown fail with ErrConnectionClosed, and registrations racing
// with it either land first and are released or are refused. Afterwards the client's agent and callbacks are
// unregistered. With toDelete the connection also removes itself from
// its Owner.
//
// # Thread Safety
//
// Safe for concurrent use. Must not be called from a scheduler task.
func (c *Connection) CleanAll(toDelete bool) {
	c.cleanOnce.Do(func() {
		c.mu.Lock()
		c.closed.Store(true)
		c.mu.Unlock()
		c.logger.Debug("clean all start")

		pid := c.cfg.Pid
		removed := 0
		err := c.sched.PostSyncTask(func(ctx *scene.Context) {
			c.cleanVirtualScreens()
			removed = ctx.Registry().FilterNodesByOwner(pid)
			c.sched.ClearTransactionDataPidInfo(pid)
			c.cleanVSyncConnections()
		})
		if err != nil {
			// The scheduler is gone and so is the scene; release the rest.
			c.logger.Warn("scheduler unavailable during cleanup", slog.String("error", err.Error()))
			c.cleanVirtualScreens()
			c.sched.ClearTransactionDataPidInfo(pid)
			c.cleanVSyncConnections()
		}
		c.sched.ClearListeners(pid)
		c.metrics.ConnectionClosed()
		c.logger.Info("connection cleaned", slog.Int("nodes_removed", removed))

		if toDelete && c.cfg.Owner != nil {
			c.cfg.Owner.RemoveConnection(c.cfg.Token)
		}
	})
}

func (c *Connection) cleanVirtualScreens() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id := range c.virtualScreens {
		if err := c.screens.RemoveVirtualScreen(id); err != nil {
			c.logger.Debug("virtual screen already gone", slog.Uint64("screen_id", uint64(id)))
		}
	}
	clear(c.virtualScreens)
	c.screens.RemoveVirtualScreensByOwner(c.cfg.Pid)
	if c.screenCB != 0 {
		c.screens.RemoveScreenChangeCallback(c.screenCB)
		c.screenCB = 0
	}
}

func (c *Connection) cleanVSyncConnections() {
	c.mu.Lock()
	conns := c.vsyncConns
	c.vsyncConns = nil
	clear(c.occlusion)
	c.mu.Unlock()
	if c.cfg.Distributor == nil {
		return
	}
	for _, conn := range conns {
		c.cfg.Distributor.RemoveConnection(conn)
	}
}

// OnRemoteDied handles the death of the client endpoint identified by
// token. A token that is not this connection's is ignored.
func (c *Connection) OnRemoteDied(token string) {
	if token != c.cfg.Token {
		c.logger.Info("remote died with foreign token, ignoring")
		return
	}
	c.logger.Info("remote died, cleaning up")
	c.CleanAll(true)
}

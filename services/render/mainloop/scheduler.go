// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package mainloop is the frame scheduler of the render service.
//
// One goroutine owns the scene context. Everything that touches the
// scene, from client requests to VSync-driven frames, is a task in a
// single FIFO queue run by that goroutine. A frame drains the pending
// transactions in per-sender index order, steps animations, consumes
// client buffers, recomputes occlusion, renders, and finally sends the
// messages produced during the frame back to their clients.
package mainloop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/AleutianRender/services/render/observability"
	"github.com/AleutianAI/AleutianRender/services/render/scene"
	"github.com/AleutianAI/AleutianRender/services/render/screen"
	badgerstore "github.com/AleutianAI/AleutianRender/services/render/storage/badger"
	"github.com/AleutianAI/AleutianRender/services/render/transaction"
	"github.com/AleutianAI/AleutianRender/services/render/vsync"
)

const (
	// VSyncRequestWarnLimit is the number of RequestNextVSync calls within
	// one frame above which a warning is logged.
	VSyncRequestWarnLimit = 10

	// DefaultCompositionTimeout is the frame duration that counts as a
	// composition timeout.
	DefaultCompositionTimeout = 100 * time.Millisecond

	// DefaultEventReportInterval is the minimum gap between two reports
	// of the same event.
	DefaultEventReportInterval = 60 * time.Second

	// VSyncConnectionName is the name of the scheduler's own connection.
	VSyncConnectionName = "rs"

	tracerName = "aleutian.render.mainloop"
)

// ErrRenderModeFixed is returned when switching the render path while the
// render mode is not dynamic.
var ErrRenderModeFixed = errors.New("render mode is not dynamically switchable")

// RenderMode selects the render path policy at startup.
type RenderMode uint8

const (
	// RenderModeDisabled renders only through the legacy path.
	RenderModeDisabled RenderMode = iota

	// RenderModeEnabled always uses the unified path.
	RenderModeEnabled

	// RenderModeDynamic starts unified and may switch at runtime.
	RenderModeDynamic
)

// String returns the configuration name of the mode.
func (m RenderMode) String() string {
	switch m {
	case RenderModeDisabled:
		return "disabled"
	case RenderModeEnabled:
		return "enabled"
	case RenderModeDynamic:
		return "dynamic"
	default:
		return fmt.Sprintf("RenderMode(%d)", uint8(m))
	}
}

// ParseRenderMode parses a configuration value.
func ParseRenderMode(s string) (RenderMode, error) {
	switch s {
	case "disabled":
		return RenderModeDisabled, nil
	case "enabled":
		return RenderModeEnabled, nil
	case "dynamic":
		return RenderModeDynamic, nil
	default:
		return 0, fmt.Errorf("unknown render mode %q", s)
	}
}

// ApplicationAgent is the client-side endpoint the scheduler talks back to.
type ApplicationAgent interface {
	// OnTransaction delivers commands generated by the service.
	OnTransaction(tx *transaction.Transaction)

	// OnRenderModeChanged reports the active render path.
	OnRenderModeChanged(unified bool)
}

// OcclusionListener receives the sorted ids of visible surfaces.
type OcclusionListener func(visible []scene.NodeID)

// VisibilityCallback reports whether any surface of a client is visible.
type VisibilityCallback func(visible bool)

// RenderModeCallback is told when a render path switch completed.
type RenderModeCallback func(unified bool)

// CacheSource supplies transactions decoded off the scheduler goroutine.
type CacheSource interface {
	GetCachedTransactionData() map[scene.Pid][]*transaction.Transaction

	// DiscardTransactionData drops what is cached or still being decoded
	// for pid and returns the number of cached transactions dropped.
	DiscardTransactionData(pid scene.Pid) int
}

// EventJournal persists diagnostic events.
type EventJournal interface {
	Append(ctx context.Context, ev badgerstore.Event) error
	Recent(ctx context.Context, limit int) ([]badgerstore.Event, error)
}

// Config configures a Scheduler.
type Config struct {
	// RenderMode is the startup render path policy.
	RenderMode RenderMode

	// Distributor delivers VSync. When nil, frames are driven by calling
	// OnVSync directly.
	Distributor *vsync.Distributor

	// Screens receives fps records and backs the screen dumps. Required.
	Screens *screen.Manager

	// Renderer draws the frame. Default: a Renderer recording fps into Screens.
	Renderer Renderer

	// Sequencer settings for per-sender ordering.
	RefreshPeriod       time.Duration
	SkipAfterPeriods    int
	MaxPendingPerSender int

	// CompositionTimeout. Default: DefaultCompositionTimeout.
	CompositionTimeout time.Duration

	// EventReportInterval. Default: DefaultEventReportInterval.
	EventReportInterval time.Duration

	// Journal stores diagnostic events. Optional.
	Journal EventJournal

	// Now is the wall clock. Default: time.Now.
	Now func() time.Time

	// Metrics is optional.
	Metrics *observability.Metrics

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// FocusAppInfo identifies the application in focus.
type FocusAppInfo struct {
	Pid         scene.Pid `json:"pid"`
	UID         int32     `json:"uid"`
	BundleName  string    `json:"bundle_name"`
	AbilityName string    `json:"ability_name"`
}

type occlusionEntry struct {
	pid scene.Pid
	cb  OcclusionListener
}

// Scheduler is the frame scheduler and cross-goroutine task facility.
//
// # Description
//
// All scene mutation happens in tasks run by one goroutine in FIFO
// order. Other goroutines post tasks, hand over transactions with
// RecvTransaction and request frames with RequestNextVSync.
//
// # Thread Safety
//
// Every exported method is safe for concurrent use. The scene context
// passed to tasks must not escape them.
type Scheduler struct {
	cfg     Config
	logger  *slog.Logger
	metrics *observability.Metrics
	tracer  trace.Tracer

	// Owned by the loop goroutine.
	ctx          *scene.Context
	legacy       *legacyCommands
	visibility   visibilityState
	windowAnim   bool
	pendingMode  *bool
	waitingBufs  bool
	lastFrameEnd time.Time
	lastReport   map[string]time.Time
	runCtx       context.Context

	qmu     sync.Mutex
	queue   []task
	stopped bool
	wake    chan struct{}
	done    chan struct{}
	started atomic.Bool
	stopOne sync.Once

	txMu      sync.Mutex
	pendingTx map[scene.Pid][]*transaction.Transaction
	seq       *transaction.Sequencer
	cache     CacheSource

	vsyncConn    *vsync.Connection
	vsyncMu      sync.Mutex
	vsyncPending bool
	vsyncCount   int
	frameQueued  atomic.Bool
	frameTS      atomic.Int64
	frames       atomic.Uint64

	unified atomic.Bool

	lmu            sync.Mutex
	agents         map[scene.Pid]ApplicationAgent
	occlusion      map[int]occlusionEntry
	nextOcclusion  int
	visibilityCBs  map[scene.Pid]VisibilityCallback
	renderModeCBs  map[scene.Pid]RenderModeCallback
	focus          FocusAppInfo
	vsyncWarnLog   rate.Sometimes
	missingAgentLg rate.Sometimes
}

// New creates a stopped Scheduler. Call Start to run it.
func New(cfg Config) *Scheduler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Screens == nil {
		cfg.Screens = screen.NewManager(screen.Config{Logger: cfg.Logger})
	}
	if cfg.Renderer == nil {
		cfg.Renderer = NewFpsRenderer(cfg.Screens)
	}
	if cfg.CompositionTimeout <= 0 {
		cfg.CompositionTimeout = DefaultCompositionTimeout
	}
	if cfg.EventReportInterval <= 0 {
		cfg.EventReportInterval = DefaultEventReportInterval
	}
	logger := cfg.Logger.With(slog.String("component", "mainloop"))

	s := &Scheduler{
		cfg:     cfg,
		logger:  logger,
		metrics: cfg.Metrics,
		tracer:  otel.Tracer(tracerName),
		ctx:     scene.NewContext(),
		legacy:  newLegacyCommands(),
		visibility: visibilityState{
			lastPidVisible: make(map[scene.Pid]bool),
		},
		lastReport: make(map[string]time.Time),
		runCtx:     context.Background(),
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
		pendingTx:  make(map[scene.Pid][]*transaction.Transaction),
		seq: transaction.NewSequencer(transaction.SequencerConfig{
			RefreshPeriod:       cfg.RefreshPeriod,
			SkipAfterPeriods:    cfg.SkipAfterPeriods,
			MaxPendingPerSender: cfg.MaxPendingPerSender,
			Logger:              cfg.Logger,
		}),
		agents:         make(map[scene.Pid]ApplicationAgent),
		occlusion:      make(map[int]occlusionEntry),
		visibilityCBs:  make(map[scene.Pid]VisibilityCallback),
		renderModeCBs:  make(map[scene.Pid]RenderModeCallback),
		vsyncWarnLog:   rate.Sometimes{Interval: time.Second},
		missingAgentLg: rate.Sometimes{Interval: 10 * time.Second},
	}
	s.unified.Store(cfg.RenderMode != RenderModeDisabled)
	if cfg.Distributor != nil {
		s.vsyncConn = vsync.NewConnection(VSyncConnectionName, s.OnVSync)
	}
	return s
}

// SetCacheSource installs the source of offloaded transactions. Call
// before Start.
func (s *Scheduler) SetCacheSource(src CacheSource) {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	s.cache = src
}

// Screens returns the screen manager.
func (s *Scheduler) Screens() *screen.Manager { return s.cfg.Screens }

// RenderMode returns the startup render mode.
func (s *Scheduler) RenderMode() RenderMode { return s.cfg.RenderMode }

// Start launches the loop goroutine. ctx cancellation stops it.
func (s *Scheduler) Start(ctx context.Context) error {
	s.qmu.Lock()
	stopped := s.stopped
	s.qmu.Unlock()
	if stopped {
		return ErrSchedulerStopped
	}
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("scheduler already started")
	}
	if s.vsyncConn != nil {
		if err := s.cfg.Distributor.AddConnection(s.vsyncConn); err != nil {
			return fmt.Errorf("add vsync connection: %w", err)
		}
	}
	s.runCtx = ctx
	go s.run(ctx)
	s.logger.Info("scheduler started", slog.String("render_mode", s.cfg.RenderMode.String()))
	return nil
}

// Stop rejects new work, runs every task already queued and waits for
// the loop to exit. Safe to call more than once.
func (s *Scheduler) Stop() {
	s.stopOne.Do(func() {
		s.qmu.Lock()
		s.stopped = true
		s.qmu.Unlock()
		select {
		case s.wake <- struct{}{}:
		default:
		}
		if s.vsyncConn != nil {
			s.cfg.Distributor.RemoveConnection(s.vsyncConn)
		}
		if !s.started.Load() {
			s.rejectQueued(ErrSchedulerStopped)
			close(s.done)
		}
	})
	<-s.done
}

func (s *Scheduler) rejectQueued(err error) {
	for {
		t, ok := s.dequeue()
		if !ok {
			return
		}
		if t.reject != nil {
			t.reject(err)
		}
	}
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case <-s.wake:
		case <-ctx.Done():
			s.qmu.Lock()
			s.stopped = true
			s.qmu.Unlock()
		}
		for {
			t, ok := s.dequeue()
			if !ok {
				break
			}
			s.runTask(t)
		}
		s.qmu.Lock()
		exit := s.stopped && len(s.queue) == 0
		s.qmu.Unlock()
		if exit {
			s.logger.Info("scheduler stopped", slog.Uint64("frames", s.frames.Load()))
			return
		}
	}
}

// =============================================================================
// VSync
// =============================================================================

// RequestNextVSync asks for exactly one more frame. Calls coalesce.
func (s *Scheduler) RequestNextVSync() {
	s.vsyncMu.Lock()
	s.vsyncPending = true
	s.vsyncCount++
	count := s.vsyncCount
	s.vsyncMu.Unlock()

	s.metrics.RecordVSyncRequest()
	if count > VSyncRequestWarnLimit {
		s.vsyncWarnLog.Do(func() {
			s.logger.Warn("too many vsync requests in one frame", slog.Int("requests", count))
		})
	}
	if s.vsyncConn != nil {
		s.vsyncConn.RequestNextVSync()
	}
}

// VSyncPending reports whether a frame was requested since the last one
// started.
func (s *Scheduler) VSyncPending() bool {
	s.vsyncMu.Lock()
	defer s.vsyncMu.Unlock()
	return s.vsyncPending
}

// OnVSync queues a frame for timestamp ts (ns). While a frame is queued
// and not yet started, further calls only update its timestamp.
func (s *Scheduler) OnVSync(ts int64) {
	s.frameTS.Store(ts)
	if !s.frameQueued.CompareAndSwap(false, true) {
		return
	}
	err := s.enqueue(task{name: "frame", run: func(ctx *scene.Context) {
		s.frameQueued.Store(false)
		s.runFrame(ctx, s.frameTS.Load())
	}})
	if err != nil {
		s.frameQueued.Store(false)
	}
}

// Frames returns the number of completed frames.
func (s *Scheduler) Frames() uint64 { return s.frames.Load() }

// =============================================================================
// Transactions
// =============================================================================

// RecvTransaction queues a decoded transaction for the next frame and
// requests one.
func (s *Scheduler) RecvTransaction(tx *transaction.Transaction) {
	if tx == nil {
		return
	}
	s.txMu.Lock()
	s.pendingTx[tx.SendingPid] = append(s.pendingTx[tx.SendingPid], tx)
	s.txMu.Unlock()
	s.RequestNextVSync()
}

// AddTransactionDataPidInfo registers pid as a transaction sender with
// last index 0.
func (s *Scheduler) AddTransactionDataPidInfo(pid scene.Pid) {
	s.seq.AddSender(pid)
}

// ClearTransactionDataPidInfo forgets pid and every transaction buffered
// for it.
func (s *Scheduler) ClearTransactionDataPidInfo(pid scene.Pid) {
	s.txMu.Lock()
	queued := len(s.pendingTx[pid])
	delete(s.pendingTx, pid)
	src := s.cache
	s.txMu.Unlock()

	// A pid can be reused by the next client; nothing decoded for the
	// old one may reach the new sender.
	var cached int
	if src != nil {
		cached = src.DiscardTransactionData(pid)
	}

	buffered := s.seq.RemoveSender(pid)
	if dropped := queued + cached + buffered; dropped > 0 {
		s.metrics.RecordDropped(observability.DropDisconnected, dropped)
		s.logger.Info("cleared pending transactions",
			slog.Int("pid", int(pid)),
			slog.Int("dropped", dropped))
	}
}

// HasTransactionSender reports whether pid is registered.
func (s *Scheduler) HasTransactionSender(pid scene.Pid) bool {
	return s.seq.HasSender(pid)
}

// SenderStates returns the ordering state of every sender.
func (s *Scheduler) SenderStates() []transaction.SenderState {
	return s.seq.Snapshot()
}

// =============================================================================
// Client endpoints
// =============================================================================

// RegisterApplicationAgent sets the agent of pid, replacing any previous one.
func (s *Scheduler) RegisterApplicationAgent(pid scene.Pid, agent ApplicationAgent) {
	s.lmu.Lock()
	defer s.lmu.Unlock()
	if agent == nil {
		delete(s.agents, pid)
		return
	}
	s.agents[pid] = agent
}

// UnregisterApplicationAgent removes the agent of pid.
func (s *Scheduler) UnregisterApplicationAgent(pid scene.Pid) {
	s.lmu.Lock()
	defer s.lmu.Unlock()
	delete(s.agents, pid)
}

func (s *Scheduler) agent(pid scene.Pid) ApplicationAgent {
	s.lmu.Lock()
	defer s.lmu.Unlock()
	return s.agents[pid]
}

// RegisterOcclusionListener adds cb for pid and returns its handle.
func (s *Scheduler) RegisterOcclusionListener(pid scene.Pid, cb OcclusionListener) int {
	s.lmu.Lock()
	defer s.lmu.Unlock()
	s.nextOcclusion++
	s.occlusion[s.nextOcclusion] = occlusionEntry{pid: pid, cb: cb}
	return s.nextOcclusion
}

// UnregisterOcclusionListener removes a listener by handle.
func (s *Scheduler) UnregisterOcclusionListener(handle int) {
	s.lmu.Lock()
	defer s.lmu.Unlock()
	delete(s.occlusion, handle)
}

// RegisterVisibilityCallback sets the visibility callback of pid.
func (s *Scheduler) RegisterVisibilityCallback(pid scene.Pid, cb VisibilityCallback) {
	s.lmu.Lock()
	defer s.lmu.Unlock()
	if cb == nil {
		delete(s.visibilityCBs, pid)
		return
	}
	s.visibilityCBs[pid] = cb
}

// SetRenderModeChangeCallback sets the render-mode callback of pid.
func (s *Scheduler) SetRenderModeChangeCallback(pid scene.Pid, cb RenderModeCallback) {
	s.lmu.Lock()
	defer s.lmu.Unlock()
	if cb == nil {
		delete(s.renderModeCBs, pid)
		return
	}
	s.renderModeCBs[pid] = cb
}

// ClearListeners removes the agent and every callback registered by pid.
func (s *Scheduler) ClearListeners(pid scene.Pid) {
	s.lmu.Lock()
	defer s.lmu.Unlock()
	delete(s.agents, pid)
	delete(s.visibilityCBs, pid)
	delete(s.renderModeCBs, pid)
	for h, e := range s.occlusion {
		if e.pid == pid {
			delete(s.occlusion, h)
		}
	}
}

func (s *Scheduler) occlusionListeners() []OcclusionListener {
	s.lmu.Lock()
	defer s.lmu.Unlock()
	handles := make([]int, 0, len(s.occlusion))
	for h := range s.occlusion {
		handles = append(handles, h)
	}
	sort.Ints(handles)
	out := make([]OcclusionListener, 0, len(handles))
	for _, h := range handles {
		out = append(out, s.occlusion[h].cb)
	}
	return out
}

// SetFocusAppInfo records the application in focus, reported with
// diagnostic events.
func (s *Scheduler) SetFocusAppInfo(info FocusAppInfo) {
	s.lmu.Lock()
	defer s.lmu.Unlock()
	s.focus = info
}

// FocusApp returns the application in focus.
func (s *Scheduler) FocusApp() FocusAppInfo {
	s.lmu.Lock()
	defer s.lmu.Unlock()
	return s.focus
}

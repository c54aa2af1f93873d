// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides Prometheus metrics for the render service.
//
// # Description
//
// Metrics cover the frame loop (frames, frame duration, composition
// timeouts), the transaction pipeline (received, applied, dropped,
// skipped, offloaded), the task facility (executed, timed out) and
// client sessions (active connections, VSync requests).
//
// # Integration
//
// Metrics are registered on the registry passed to New and exposed via
// the /metrics endpoint of the transport package.
//
// # Thread Safety
//
// All metric operations are thread-safe. Every method is safe to call on
// a nil *Metrics, which makes instrumentation optional in tests.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Metric Definitions
// =============================================================================

// Namespace for all metrics
const metricsNamespace = "aleutian"

// Subsystem for render service metrics
const renderSubsystem = "render"

// Metrics holds all Prometheus metrics for the render service.
type Metrics struct {
	// FramesTotal counts completed frame cycles.
	FramesTotal prometheus.Counter

	// FrameDurationSeconds measures one full frame cycle.
	FrameDurationSeconds prometheus.Histogram

	// CompositionTimeoutsTotal counts frames slower than the timeout threshold.
	CompositionTimeoutsTotal prometheus.Counter

	// TransactionsReceivedTotal counts received transactions.
	// Labels: path (sync, offload)
	TransactionsReceivedTotal *prometheus.CounterVec

	// TransactionsAppliedTotal counts transactions applied to the scene.
	// Labels: render_path (unified, legacy)
	TransactionsAppliedTotal *prometheus.CounterVec

	// TransactionsDroppedTotal counts dropped transactions.
	// Labels: reason (corrupt, stale, unknown_sender, disconnected)
	TransactionsDroppedTotal *prometheus.CounterVec

	// TransactionIndicesSkippedTotal counts indices given up on after a bounded wait.
	TransactionIndicesSkippedTotal prometheus.Counter

	// CommandErrorsTotal counts commands that failed to apply.
	CommandErrorsTotal prometheus.Counter

	// PayloadsOffloadedTotal counts payloads decoded on the worker.
	PayloadsOffloadedTotal prometheus.Counter

	// TasksTotal counts scheduler tasks by outcome.
	// Labels: outcome (ok, error, panic, rejected)
	TasksTotal *prometheus.CounterVec

	// TaskTimeoutsTotal counts waits that gave up before the task finished.
	TaskTimeoutsTotal prometheus.Counter

	// VSyncRequestsTotal counts RequestNextVSync calls.
	VSyncRequestsTotal prometheus.Counter

	// ActiveConnections tracks connected client sessions.
	ActiveConnections prometheus.Gauge

	// PushesDroppedTotal counts server pushes dropped because a client
	// was not reading, by push action.
	PushesDroppedTotal *prometheus.CounterVec
}

// New creates and registers all metrics on reg.
//
// # Inputs
//
//   - reg: Registerer to use. nil means prometheus.DefaultRegisterer.
//
// # Limitations
//
//   - Panics if the same metrics are registered twice on one registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		FramesTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: renderSubsystem,
			Name:      "frames_total",
			Help:      "Total number of completed frame cycles",
		}),
		FrameDurationSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: renderSubsystem,
			Name:      "frame_duration_seconds",
			Help:      "Duration of one frame cycle in seconds",
			Buckets:   []float64{0.001, 0.004, 0.008, 0.016, 0.033, 0.05, 0.1, 0.25, 1},
		}),
		CompositionTimeoutsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: renderSubsystem,
			Name:      "composition_timeouts_total",
			Help:      "Frames that exceeded the composition timeout",
		}),
		TransactionsReceivedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: renderSubsystem,
			Name:      "transactions_received_total",
			Help:      "Transactions received by decode path",
		}, []string{"path"}),
		TransactionsAppliedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: renderSubsystem,
			Name:      "transactions_applied_total",
			Help:      "Transactions applied by render path",
		}, []string{"render_path"}),
		TransactionsDroppedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: renderSubsystem,
			Name:      "transactions_dropped_total",
			Help:      "Transactions dropped by reason",
		}, []string{"reason"}),
		TransactionIndicesSkippedTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: renderSubsystem,
			Name:      "transaction_indices_skipped_total",
			Help:      "Missing transaction indices skipped after the bounded wait",
		}),
		CommandErrorsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: renderSubsystem,
			Name:      "command_errors_total",
			Help:      "Commands that failed to apply",
		}),
		PayloadsOffloadedTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: renderSubsystem,
			Name:      "payloads_offloaded_total",
			Help:      "Large payloads decoded on the unmarshal worker",
		}),
		TasksTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: renderSubsystem,
			Name:      "tasks_total",
			Help:      "Scheduler tasks by outcome",
		}, []string{"outcome"}),
		TaskTimeoutsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: renderSubsystem,
			Name:      "task_timeouts_total",
			Help:      "Synchronous task waits that timed out",
		}),
		VSyncRequestsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: renderSubsystem,
			Name:      "vsync_requests_total",
			Help:      "RequestNextVSync calls",
		}),
		ActiveConnections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: renderSubsystem,
			Name:      "active_connections",
			Help:      "Connected client sessions",
		}),
		PushesDroppedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: renderSubsystem,
			Name:      "pushes_dropped_total",
			Help:      "Server pushes dropped for slow clients",
		}, []string{"action"}),
	}
}

// =============================================================================
// Label values
// =============================================================================

// DropReason labels TransactionsDroppedTotal.
type DropReason string

const (
	DropCorrupt       DropReason = "corrupt"
	DropStale         DropReason = "stale"
	DropUnknownSender DropReason = "unknown_sender"
	DropDisconnected  DropReason = "disconnected"
)

// TaskOutcome labels TasksTotal.
type TaskOutcome string

const (
	TaskOK       TaskOutcome = "ok"
	TaskError    TaskOutcome = "error"
	TaskPanic    TaskOutcome = "panic"
	TaskRejected TaskOutcome = "rejected"
)

// =============================================================================
// Helper Methods
// =============================================================================

// RecordFrame records a completed frame cycle.
func (m *Metrics) RecordFrame(d time.Duration) {
	if m == nil {
		return
	}
	m.FramesTotal.Inc()
	m.FrameDurationSeconds.Observe(d.Seconds())
}

// RecordCompositionTimeout counts a frame over the timeout threshold.
func (m *Metrics) RecordCompositionTimeout() {
	if m == nil {
		return
	}
	m.CompositionTimeoutsTotal.Inc()
}

// RecordReceived counts a received transaction.
//
// # Inputs
//
//   - offloaded: Whether the payload went through the unmarshal worker.
func (m *Metrics) RecordReceived(offloaded bool) {
	if m == nil {
		return
	}
	path := "sync"
	if offloaded {
		path = "offload"
		m.PayloadsOffloadedTotal.Inc()
	}
	m.TransactionsReceivedTotal.WithLabelValues(path).Inc()
}

// RecordApplied counts an applied transaction.
func (m *Metrics) RecordApplied(unified bool) {
	if m == nil {
		return
	}
	path := "legacy"
	if unified {
		path = "unified"
	}
	m.TransactionsAppliedTotal.WithLabelValues(path).Inc()
}

// RecordDropped counts n dropped transactions.
func (m *Metrics) RecordDropped(reason DropReason, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.TransactionsDroppedTotal.WithLabelValues(string(reason)).Add(float64(n))
}

// RecordSkipped counts skipped transaction indices.
func (m *Metrics) RecordSkipped(n uint64) {
	if m == nil || n == 0 {
		return
	}
	m.TransactionIndicesSkippedTotal.Add(float64(n))
}

// RecordCommandError counts a failed command.
func (m *Metrics) RecordCommandError() {
	if m == nil {
		return
	}
	m.CommandErrorsTotal.Inc()
}

// RecordTask counts a finished or rejected task.
func (m *Metrics) RecordTask(outcome TaskOutcome) {
	if m == nil {
		return
	}
	m.TasksTotal.WithLabelValues(string(outcome)).Inc()
}

// RecordTaskTimeout counts a wait that timed out.
func (m *Metrics) RecordTaskTimeout() {
	if m == nil {
		return
	}
	m.TaskTimeoutsTotal.Inc()
}

// RecordVSyncRequest counts a RequestNextVSync call.
func (m *Metrics) RecordVSyncRequest() {
	if m == nil {
		return
	}
	m.VSyncRequestsTotal.Inc()
}

// ConnectionOpened increments the active connections gauge.
func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.ActiveConnections.Inc()
}

// ConnectionClosed decrements the active connections gauge.
func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.ActiveConnections.Dec()
}

// RecordPushDropped counts one dropped server push.
func (m *Metrics) RecordPushDropped(action string) {
	if m == nil {
		return
	}
	m.PushesDroppedTotal.WithLabelValues(action).Inc()
}

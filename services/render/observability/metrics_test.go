// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// newTestMetrics registers metrics on an isolated registry so tests can
// run in parallel without duplicate registration panics.
func newTestMetrics(t *testing.T) (*Metrics, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return New(reg), reg
}

func TestRecordFrame(t *testing.T) {
	m, reg := newTestMetrics(t)

	m.RecordFrame(10 * time.Millisecond)
	m.RecordFrame(20 * time.Millisecond)

	if got := testutil.ToFloat64(m.FramesTotal); got != 2 {
		t.Errorf("FramesTotal = %v, want 2", got)
	}
	if n, err := testutil.GatherAndCount(reg, "aleutian_render_frame_duration_seconds"); err != nil || n != 1 {
		t.Errorf("frame histogram series = %d (err %v), want 1", n, err)
	}
}

func TestRecordReceived(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordReceived(false)
	m.RecordReceived(true)
	m.RecordReceived(true)

	if got := testutil.ToFloat64(m.TransactionsReceivedTotal.WithLabelValues("sync")); got != 1 {
		t.Errorf("sync = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.TransactionsReceivedTotal.WithLabelValues("offload")); got != 2 {
		t.Errorf("offload = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.PayloadsOffloadedTotal); got != 2 {
		t.Errorf("PayloadsOffloadedTotal = %v, want 2", got)
	}
}

func TestRecordDroppedAndSkipped(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordDropped(DropStale, 3)
	m.RecordDropped(DropStale, 0)
	m.RecordDropped(DropCorrupt, 1)
	m.RecordSkipped(4)
	m.RecordSkipped(0)

	if got := testutil.ToFloat64(m.TransactionsDroppedTotal.WithLabelValues("stale")); got != 3 {
		t.Errorf("stale = %v, want 3", got)
	}
	if got := testutil.ToFloat64(m.TransactionsDroppedTotal.WithLabelValues("corrupt")); got != 1 {
		t.Errorf("corrupt = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.TransactionIndicesSkippedTotal); got != 4 {
		t.Errorf("skipped = %v, want 4", got)
	}
}

func TestConnectionsGauge(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.ConnectionOpened()
	m.ConnectionOpened()
	m.ConnectionClosed()

	if got := testutil.ToFloat64(m.ActiveConnections); got != 1 {
		t.Errorf("ActiveConnections = %v, want 1", got)
	}
}

func TestTasks(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordTask(TaskOK)
	m.RecordTask(TaskPanic)
	m.RecordTaskTimeout()
	m.RecordApplied(true)
	m.RecordCommandError()
	m.RecordVSyncRequest()
	m.RecordCompositionTimeout()

	if got := testutil.ToFloat64(m.TasksTotal.WithLabelValues("panic")); got != 1 {
		t.Errorf("panic tasks = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.TaskTimeoutsTotal); got != 1 {
		t.Errorf("timeouts = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.TransactionsAppliedTotal.WithLabelValues("unified")); got != 1 {
		t.Errorf("unified applied = %v, want 1", got)
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.RecordFrame(time.Millisecond)
	m.RecordReceived(true)
	m.RecordApplied(false)
	m.RecordDropped(DropCorrupt, 1)
	m.RecordSkipped(1)
	m.RecordCommandError()
	m.RecordTask(TaskOK)
	m.RecordTaskTimeout()
	m.RecordVSyncRequest()
	m.RecordCompositionTimeout()
	m.ConnectionOpened()
	m.ConnectionClosed()
}

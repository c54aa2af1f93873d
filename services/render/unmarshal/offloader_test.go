// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package unmarshal

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianRender/services/render/command"
	"github.com/AleutianAI/AleutianRender/services/render/scene"
	"github.com/AleutianAI/AleutianRender/services/render/transaction"
)

type fakeScheduler struct {
	mu       sync.Mutex
	received []*transaction.Transaction
	wakeups  int
}

func (f *fakeScheduler) RecvTransaction(tx *transaction.Transaction) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.received = append(f.received, tx)
}

func (f *fakeScheduler) RequestNextVSync() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.wakeups++
}

// bigTransaction builds a transaction whose encoding exceeds the default
// threshold by padding a surface name.
func bigTransaction(t *testing.T, index uint64) (*transaction.Transaction, []byte) {
	t.Helper()
	tx := &transaction.Transaction{SendingPid: 999, Index: index, Timestamp: 5}
	tx.AddCommand(&command.SurfaceNodeCreate{ID: 7, Name: strings.Repeat("x", DefaultThreshold)}, 7, command.FollowNone)
	tx.AddCommand(&command.NodeAddChild{ID: 0, Child: 7, Index: -1}, 0, command.FollowNone)
	data, err := transaction.Marshal(tx)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(data), DefaultThreshold)
	return tx, data
}

func TestDispatch_SmallPayloadIsSynchronous(t *testing.T) {
	sched := &fakeScheduler{}
	o := New(Config{Scheduler: sched})

	tx := &transaction.Transaction{SendingPid: 999, Index: 1}
	tx.AddCommand(&command.CanvasNodeCreate{ID: 1}, 1, command.FollowNone)
	data, err := transaction.Marshal(tx)
	require.NoError(t, err)

	require.NoError(t, o.Dispatch(42, data))

	require.Len(t, sched.received, 1)
	assert.Equal(t, scene.Pid(42), sched.received[0].SendingPid, "pid comes from the connection")
	assert.Nil(t, o.GetCachedTransactionData())
}

func TestDispatch_CorruptSmallPayload(t *testing.T) {
	sched := &fakeScheduler{}
	o := New(Config{Scheduler: sched})

	err := o.Dispatch(1, []byte{0x01, 0x02})
	assert.ErrorIs(t, err, transaction.ErrCorruptPayload)
	assert.Empty(t, sched.received)
}

func TestDispatch_LargePayloadMatchesSynchronousDecode(t *testing.T) {
	sched := &fakeScheduler{}
	o := New(Config{Scheduler: sched})
	o.Start(context.Background())

	_, data := bigTransaction(t, 1)
	want, err := transaction.Unmarshal(data)
	require.NoError(t, err)
	want.SendingPid = 42

	require.NoError(t, o.Dispatch(42, data))
	// The caller may reuse its buffer immediately.
	for i := range data {
		data[i] = 0
	}
	o.Stop()

	cached := o.GetCachedTransactionData()
	require.Len(t, cached[42], 1)
	assert.Equal(t, want, cached[42][0])
	assert.Empty(t, sched.received)
	assert.Equal(t, 1, sched.wakeups)

	assert.Nil(t, o.GetCachedTransactionData(), "cache is swapped out whole")
}

func TestDispatch_LargeCorruptPayloadIsNotCached(t *testing.T) {
	sched := &fakeScheduler{}
	o := New(Config{Scheduler: sched, Threshold: 4})
	o.Start(context.Background())

	require.NoError(t, o.Dispatch(1, []byte("definitely not msgpack")))
	o.Stop()

	assert.Nil(t, o.GetCachedTransactionData())
	assert.Equal(t, 0, sched.wakeups)
}

func TestStop_DrainsAndRejects(t *testing.T) {
	sched := &fakeScheduler{}
	o := New(Config{Scheduler: sched, QueueSize: 8})

	// Queue before the worker runs so Stop has to drain.
	for i := uint64(1); i <= 3; i++ {
		_, data := bigTransaction(t, i)
		require.NoError(t, o.Dispatch(5, data))
	}
	o.Start(context.Background())
	o.Stop()
	o.Stop()

	cached := o.GetCachedTransactionData()
	require.Len(t, cached[5], 3)
	for i, tx := range cached[5] {
		assert.Equal(t, uint64(i+1), tx.Index, "worker preserves arrival order")
	}

	_, data := bigTransaction(t, 4)
	assert.ErrorIs(t, o.Dispatch(5, data), ErrStopped)
}

// dispatchAsync runs Dispatch on its own goroutine and reports the result.
func dispatchAsync(o *Offloader, pid scene.Pid, data []byte) <-chan error {
	done := make(chan error, 1)
	go func() { done <- o.Dispatch(pid, data) }()
	return done
}

func TestDispatch_ContextCancelReleasesBlockedCallers(t *testing.T) {
	sched := &fakeScheduler{}
	o := New(Config{Scheduler: sched, QueueSize: 1})
	ctx, cancel := context.WithCancel(context.Background())
	o.Start(ctx)
	cancel()

	_, data := bigTransaction(t, 1)
	results := []<-chan error{dispatchAsync(o, 5, data), dispatchAsync(o, 5, data), dispatchAsync(o, 5, data)}
	for i, r := range results {
		select {
		case err := <-r:
			if err != nil {
				assert.ErrorIs(t, err, ErrStopped)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("dispatch %d blocked after the worker exited", i)
		}
	}

	stopped := make(chan struct{})
	go func() {
		o.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop blocked after context cancel")
	}
	assert.ErrorIs(t, o.Dispatch(5, data), ErrStopped)
}

func TestStop_ReleasesDispatchOnFullQueue(t *testing.T) {
	sched := &fakeScheduler{}
	o := New(Config{Scheduler: sched, QueueSize: 1})

	// No worker: the first payload fills the queue, the second waits.
	_, data := bigTransaction(t, 1)
	require.NoError(t, o.Dispatch(5, data))
	blocked := dispatchAsync(o, 5, data)

	select {
	case err := <-blocked:
		t.Fatalf("dispatch returned %v with a full queue", err)
	case <-time.After(50 * time.Millisecond):
	}

	o.Stop()
	select {
	case err := <-blocked:
		assert.ErrorIs(t, err, ErrStopped)
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not release the blocked dispatch")
	}
}

func TestDiscardTransactionData_DropsCachedAndQueued(t *testing.T) {
	sched := &fakeScheduler{}
	o := New(Config{Scheduler: sched, QueueSize: 8})

	// Cached for pid 5 and 6.
	o.Start(context.Background())
	_, first := bigTransaction(t, 1)
	require.NoError(t, o.Dispatch(5, first))
	require.NoError(t, o.Dispatch(6, first))
	require.Eventually(t, func() bool {
		sched.mu.Lock()
		defer sched.mu.Unlock()
		return sched.wakeups == 2
	}, 5*time.Second, time.Millisecond)
	o.Stop()

	assert.Equal(t, 1, o.DiscardTransactionData(5))
	assert.Zero(t, o.DiscardTransactionData(5))
	cached := o.GetCachedTransactionData()
	assert.NotContains(t, cached, scene.Pid(5))
	assert.Len(t, cached[6], 1, "other senders are untouched")
}

func TestDiscardTransactionData_InvalidatesQueuedPayloads(t *testing.T) {
	sched := &fakeScheduler{}
	o := New(Config{Scheduler: sched, QueueSize: 8})

	// Queued before the worker runs, then the sender goes away.
	_, stale := bigTransaction(t, 1)
	require.NoError(t, o.Dispatch(5, stale))
	assert.Zero(t, o.DiscardTransactionData(5))

	// A new client reusing the pid.
	_, fresh := bigTransaction(t, 2)
	require.NoError(t, o.Dispatch(5, fresh))

	o.Start(context.Background())
	o.Stop()

	cached := o.GetCachedTransactionData()
	require.Len(t, cached[5], 1)
	assert.Equal(t, uint64(2), cached[5][0].Index)
	assert.Equal(t, 1, sched.wakeups)
}

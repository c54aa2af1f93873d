// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package vsync

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startDistributor(t *testing.T) *Distributor {
	t.Helper()
	d := New(Config{Period: time.Millisecond})
	d.Start(context.Background())
	t.Cleanup(d.Stop)
	return d
}

func TestAddConnection_Duplicate(t *testing.T) {
	d := New(Config{})
	c := NewConnection("app", nil)

	require.NoError(t, d.AddConnection(c))
	assert.ErrorIs(t, d.AddConnection(c), ErrConnectionExists)
	assert.ErrorIs(t, d.AddConnection(nil), ErrNilConnection)
	assert.Equal(t, []string{"app"}, d.ConnectionNames())

	d.RemoveConnection(c)
	d.RemoveConnection(c)
	assert.Empty(t, d.ConnectionNames())
}

func TestRequestNextVSync_OneShot(t *testing.T) {
	d := startDistributor(t)
	ticks := make(chan int64, 16)
	c := NewConnection("app", func(ts int64) { ticks <- ts })
	require.NoError(t, d.AddConnection(c))

	c.RequestNextVSync()
	c.RequestNextVSync()
	c.RequestNextVSync()

	select {
	case ts := <-ticks:
		assert.Positive(t, ts)
	case <-time.After(2 * time.Second):
		t.Fatal("no vsync delivered")
	}

	// Coalesced requests produce exactly one callback.
	select {
	case <-ticks:
		t.Fatal("unexpected second vsync")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRequestNextVSync_RepeatedFromCallback(t *testing.T) {
	d := startDistributor(t)
	var count atomic.Int32
	done := make(chan struct{})
	var c *Connection
	c = NewConnection("animator", func(int64) {
		if count.Add(1) < 5 {
			c.RequestNextVSync()
			return
		}
		close(done)
	})
	require.NoError(t, d.AddConnection(c))
	c.RequestNextVSync()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("only %d vsyncs delivered", count.Load())
	}
	assert.Equal(t, int32(5), count.Load())
}

func TestRequestNextVSync_NotAddedIsNoop(t *testing.T) {
	d := startDistributor(t)
	var fired atomic.Bool
	c := NewConnection("orphan", func(int64) { fired.Store(true) })
	c.RequestNextVSync()

	other := make(chan struct{}, 1)
	o := NewConnection("other", func(int64) { other <- struct{}{} })
	require.NoError(t, d.AddConnection(o))
	o.RequestNextVSync()
	<-other

	assert.False(t, fired.Load())
}

func TestRemoveConnection_DropsOutstanding(t *testing.T) {
	d := New(Config{Period: time.Millisecond})
	var fired atomic.Bool
	c := NewConnection("gone", func(int64) { fired.Store(true) })
	require.NoError(t, d.AddConnection(c))
	c.RequestNextVSync()
	d.RemoveConnection(c)
	assert.False(t, d.hasOutstanding())

	d.Start(context.Background())
	time.Sleep(20 * time.Millisecond)
	d.Stop()
	assert.False(t, fired.Load())
}

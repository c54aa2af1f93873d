// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package service

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianRender/services/render/command"
	"github.com/AleutianAI/AleutianRender/services/render/mainloop"
	"github.com/AleutianAI/AleutianRender/services/render/scene"
	"github.com/AleutianAI/AleutianRender/services/render/screen"
	"github.com/AleutianAI/AleutianRender/services/render/session"
	"github.com/AleutianAI/AleutianRender/services/render/transaction"
	"github.com/AleutianAI/AleutianRender/services/render/unmarshal"
)

func newTestService(t *testing.T) (*Service, *mainloop.Scheduler) {
	t.Helper()
	sched := mainloop.New(mainloop.Config{
		RenderMode: mainloop.RenderModeEnabled,
		Screens:    screen.NewManager(screen.Config{}),
	})
	off := unmarshal.New(unmarshal.Config{Scheduler: sched})
	sched.SetCacheSource(off)
	require.NoError(t, sched.Start(context.Background()))
	off.Start(context.Background())
	t.Cleanup(func() {
		off.Stop()
		sched.Stop()
	})
	svc, err := New(Config{Scheduler: sched, Dispatcher: off})
	require.NoError(t, err)
	return svc, sched
}

func frame(t *testing.T, sched *mainloop.Scheduler, ts int64) {
	t.Helper()
	sched.OnVSync(ts)
	require.NoError(t, sched.PostSyncTask(func(*scene.Context) {}))
	require.NoError(t, sched.PostSyncTask(func(*scene.Context) {}))
}

func commitSurface(t *testing.T, c *session.Connection, index uint64, id scene.NodeID, name string, onTree bool) {
	t.Helper()
	tx := &transaction.Transaction{Index: index, UniRender: true}
	tx.AddCommand(&command.SurfaceNodeCreate{ID: id, Name: name, Bounds: scene.Rect{W: 100, H: 100}}, id, command.FollowNone)
	if onTree {
		tx.AddCommand(&command.NodeAddChild{ID: scene.RootNodeID, Child: id, Index: -1}, scene.RootNodeID, command.FollowNone)
	}
	data, err := transaction.Marshal(tx)
	require.NoError(t, err)
	require.NoError(t, c.CommitTransaction(data))
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestCreateConnection(t *testing.T) {
	svc, sched := newTestService(t)

	c, err := svc.CreateConnection("", 100)
	require.NoError(t, err)
	assert.NotEmpty(t, c.Token(), "an empty token gets a fresh one")
	assert.True(t, sched.HasTransactionSender(100))

	got, ok := svc.Connection(c.Token())
	require.True(t, ok)
	assert.Same(t, c, got)
	assert.Equal(t, []ConnectionInfo{{Token: c.Token(), Pid: 100}}, svc.Connections())
}

func TestCreateConnection_ReplacesSameToken(t *testing.T) {
	svc, sched := newTestService(t)

	old, err := svc.CreateConnection("tok", 100)
	require.NoError(t, err)
	commitSurface(t, old, 1, 5, "old", true)
	frame(t, sched, 1)

	fresh, err := svc.CreateConnection("tok", 100)
	require.NoError(t, err)

	assert.True(t, old.Closed())
	assert.False(t, fresh.Closed())
	got, ok := svc.Connection("tok")
	require.True(t, ok)
	assert.Same(t, fresh, got, "cleaning the old connection does not remove the new one")
	assert.True(t, sched.HasTransactionSender(100))

	_, err = fresh.GetNode(5)
	assert.ErrorIs(t, err, scene.ErrNodeNotFound)

	// The sender restarts at index 1.
	commitSurface(t, fresh, 1, 6, "new", true)
	frame(t, sched, 2)
	_, err = fresh.GetNode(6)
	assert.NoError(t, err)
}

func TestRemoteDeathRemovesConnection(t *testing.T) {
	svc, _ := newTestService(t)

	c, err := svc.CreateConnection("tok", 100)
	require.NoError(t, err)
	c.OnRemoteDied("tok")

	_, ok := svc.Connection("tok")
	assert.False(t, ok)
	assert.Empty(t, svc.Connections())
}

func TestClose_CleansAllConnections(t *testing.T) {
	svc, _ := newTestService(t)
	a, err := svc.CreateConnection("a", 100)
	require.NoError(t, err)
	b, err := svc.CreateConnection("b", 200)
	require.NoError(t, err)

	svc.Close()
	assert.True(t, a.Closed())
	assert.True(t, b.Closed())
	assert.Empty(t, svc.Connections())
}

// =============================================================================
// Dump
// =============================================================================

func TestDump_HelpText(t *testing.T) {
	svc, _ := newTestService(t)

	tests := []struct {
		name string
		args []string
	}{
		{"no args", nil},
		{"h", []string{"h"}},
		{"unknown keyword", []string{"bogus"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := svc.Dump(context.Background(), tt.args)
			require.NoError(t, err)
			assert.True(t, strings.HasPrefix(out, "------Graphic2D--RenderSerice ------\nUsage:\n"))
			assert.Contains(t, out, "allInfo                        |dump all info\n")
		})
	}
}

func TestDump_Keywords(t *testing.T) {
	svc, sched := newTestService(t)
	c, err := svc.CreateConnection("tok", 100)
	require.NoError(t, err)
	commitSurface(t, c, 1, 5, "window", true)
	commitSurface(t, c, 2, 6, "offscreen", false)
	frame(t, sched, 16_666_667)

	tests := []struct {
		args []string
		want []string
	}{
		{[]string{"screen"}, []string{"-- ScreenInfo\n", "screen[0]: id=0"}},
		{[]string{"surface"}, []string{"\n-- LayerInfo of screen [Id:0]\n", "Name[window]"}},
		{[]string{"nodeNotOnTree"}, []string{"\n-- Node Not On Tree\n", "offscreen"}},
		{[]string{"allSurfacesMem"}, []string{"\n-- All Surfaces Memory Size\n"}},
		{[]string{"RSTree"}, []string{"\n-- RenderServiceTreeDump: \n", "Animating Node: [", "pid[100]"}},
		{[]string{"EventParamList"}, []string{"\n-- EventParamListDump: \n", "-- QosDump: \n"}},
		{[]string{"composer", "fps"}, []string{"\nThe fps of screen [Id:0] is:\n", "\n16666667\n"}},
		{[]string{"fps", "missing"}, []string{"There is no fps record of layer [missing]."}},
	}
	for _, tt := range tests {
		t.Run(strings.Join(tt.args, " "), func(t *testing.T) {
			out, err := svc.Dump(context.Background(), tt.args)
			require.NoError(t, err)
			for _, w := range tt.want {
				assert.Contains(t, out, w)
			}
			assert.NotContains(t, out, "Usage:")
		})
	}
}

func TestDump_AllInfo(t *testing.T) {
	svc, _ := newTestService(t)

	out, err := svc.Dump(context.Background(), []string{"allInfo"})
	require.NoError(t, err)
	for _, header := range []string{
		"-- ScreenInfo\n",
		"-- LayerInfo of screen",
		"-- Node Not On Tree\n",
		"-- All Surfaces Memory Size\n",
		"-- RenderServiceTreeDump: \n",
		"-- EventParamListDump: \n",
	} {
		assert.Contains(t, out, header)
	}
	assert.Less(t, strings.Index(out, "-- ScreenInfo"), strings.Index(out, "-- EventParamListDump"))
}

func TestDump_FpsClear(t *testing.T) {
	svc, sched := newTestService(t)
	frame(t, sched, 42)

	out, err := svc.Dump(context.Background(), []string{"composer", "fpsClear"})
	require.NoError(t, err)
	assert.Contains(t, out, "\nThe fps info of screen [Id:0] is cleared.\n")

	records := sched.Screens().FpsRecords(screen.ComposerLayer)
	assert.NotContains(t, records, int64(42))
}

func TestDump_ConcurrentRequests(t *testing.T) {
	svc, _ := newTestService(t)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := svc.Dump(context.Background(), []string{"screen"})
			assert.NoError(t, err)
			assert.Contains(t, out, "-- ScreenInfo\n")
		}()
	}
	wg.Wait()
}

func TestDump_AfterSchedulerStopped(t *testing.T) {
	svc, sched := newTestService(t)
	sched.Stop()

	_, err := svc.Dump(context.Background(), []string{"screen"})
	assert.ErrorIs(t, err, mainloop.ErrSchedulerStopped)
}

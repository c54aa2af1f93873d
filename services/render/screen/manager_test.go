// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package screen

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianRender/services/render/scene"
)

func newTestManager() *Manager {
	return NewManager(Config{Width: 1280, Height: 720, RefreshRate: 60,
		ExtraModes: []Mode{{Width: 1920, Height: 1080, RefreshRate: 120}}})
}

func TestNewManager_DefaultScreen(t *testing.T) {
	m := newTestManager()

	assert.Equal(t, []ID{DefaultScreenID}, m.AllScreenIDs())
	mode, err := m.ScreenActiveMode(DefaultScreenID)
	require.NoError(t, err)
	assert.Equal(t, Mode{ID: 0, Width: 1280, Height: 720, RefreshRate: 60}, mode)

	modes, err := m.SupportedModes(DefaultScreenID)
	require.NoError(t, err)
	assert.Len(t, modes, 2)
	assert.Equal(t, int32(1), modes[1].ID)
}

func TestUnknownScreen(t *testing.T) {
	m := newTestManager()
	const bogus ID = 77

	_, err := m.ScreenActiveMode(bogus)
	assert.ErrorIs(t, err, ErrInvalidScreen)
	_, err = m.Capability(bogus)
	assert.ErrorIs(t, err, ErrInvalidScreen)
	_, err = m.PowerStatus(bogus)
	assert.ErrorIs(t, err, ErrInvalidScreen)
	assert.ErrorIs(t, m.SetBacklight(bogus, 1), ErrInvalidScreen)
	_, err = m.ScreenData(bogus)
	assert.ErrorIs(t, err, ErrInvalidScreen)
	assert.ErrorIs(t, m.RemoveVirtualScreen(bogus), ErrInvalidScreen)
}

func TestVirtualScreens(t *testing.T) {
	m := newTestManager()

	id1, err := m.CreateVirtualScreen("cast", 640, 480, 100)
	require.NoError(t, err)
	id2, err := m.CreateVirtualScreen("record", 320, 240, 200)
	require.NoError(t, err)
	assert.Equal(t, VirtualScreenIDBase, id1)
	assert.Equal(t, VirtualScreenIDBase+1, id2)

	_, err = m.CreateVirtualScreen("bad", 0, 10, 1)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	require.NoError(t, m.SetVirtualScreenResolution(id1, 800, 600))
	w, h, err := m.GetVirtualScreenResolution(id1)
	require.NoError(t, err)
	assert.Equal(t, [2]int32{800, 600}, [2]int32{w, h})

	assert.ErrorIs(t, m.SetVirtualScreenResolution(DefaultScreenID, 1, 1), ErrNotSupported)
	assert.ErrorIs(t, m.SetPowerStatus(id1, PowerOff), ErrNotSupported)
	assert.ErrorIs(t, m.RemoveVirtualScreen(DefaultScreenID), ErrNotSupported)

	assert.Equal(t, []ID{id1}, m.RemoveVirtualScreensByOwner(100))
	assert.Empty(t, m.RemoveVirtualScreensByOwner(100))
	assert.Equal(t, []ID{DefaultScreenID, id2}, m.AllScreenIDs())
}

func TestPowerAndBacklight(t *testing.T) {
	m := newTestManager()

	require.NoError(t, m.SetPowerStatus(DefaultScreenID, PowerSuspend))
	p, err := m.PowerStatus(DefaultScreenID)
	require.NoError(t, err)
	assert.Equal(t, PowerSuspend, p)
	assert.ErrorIs(t, m.SetPowerStatus(DefaultScreenID, PowerStatus(9)), ErrInvalidArgument)

	require.NoError(t, m.SetBacklight(DefaultScreenID, 10))
	level, err := m.Backlight(DefaultScreenID)
	require.NoError(t, err)
	assert.Equal(t, uint32(10), level)
	assert.ErrorIs(t, m.SetBacklight(DefaultScreenID, 256), ErrInvalidArgument)
}

func TestSetScreenActiveMode(t *testing.T) {
	m := newTestManager()
	require.NoError(t, m.SetScreenActiveMode(DefaultScreenID, 1))
	mode, _ := m.ScreenActiveMode(DefaultScreenID)
	assert.Equal(t, uint32(120), mode.RefreshRate)
	assert.ErrorIs(t, m.SetScreenActiveMode(DefaultScreenID, 5), ErrInvalidArgument)

	data, err := m.ScreenData(DefaultScreenID)
	require.NoError(t, err)
	assert.Equal(t, mode, data.ActiveMode)
	assert.Equal(t, TypeBuiltIn, data.Capability.Type)
}

func TestScreenChangeCallbacks(t *testing.T) {
	m := newTestManager()
	type change struct {
		id ID
		ev Event
	}
	var got []change
	handle, err := m.AddScreenChangeCallback(func(id ID, ev Event) { got = append(got, change{id, ev}) })
	require.NoError(t, err)
	assert.Equal(t, []change{{DefaultScreenID, EventConnected}}, got, "existing screens are announced")

	require.NoError(t, m.ConnectScreen(5, "hdmi", Mode{Width: 800, Height: 600, RefreshRate: 60}))
	require.NoError(t, m.DisconnectScreen(5))
	assert.Equal(t, change{5, EventDisconnected}, got[len(got)-1])

	m.RemoveScreenChangeCallback(handle)
	require.NoError(t, m.ConnectScreen(6, "dp", Mode{Width: 1, Height: 1}))
	assert.Len(t, got, 3)

	_, err = m.AddScreenChangeCallback(nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	assert.ErrorIs(t, m.ConnectScreen(VirtualScreenIDBase, "x", Mode{}), ErrInvalidArgument)
}

func TestFpsRecords(t *testing.T) {
	m := newTestManager()
	for i := int64(1); i <= FpsRecordCount+5; i++ {
		m.RecordFrame(ComposerLayer, i)
	}
	m.RecordFrame("launcher", 42)

	records := m.FpsRecords(ComposerLayer)
	require.Len(t, records, FpsRecordCount)
	assert.Equal(t, int64(6), records[0], "oldest surviving record first")
	assert.Equal(t, int64(FpsRecordCount+5), records[FpsRecordCount-1])
	assert.Equal(t, []string{"composer", "launcher"}, m.FpsLayers())

	var sb strings.Builder
	m.FpsDump(&sb, "launcher")
	assert.Contains(t, sb.String(), "surface [launcher]")
	assert.Contains(t, sb.String(), "\n42\n")

	sb.Reset()
	m.ClearFpsDump(&sb, ComposerLayer)
	assert.Contains(t, sb.String(), "The fps info of screen [Id:0] is cleared.")
	assert.Equal(t, int64(0), m.FpsRecords(ComposerLayer)[FpsRecordCount-1])

	sb.Reset()
	m.FpsDump(&sb, "nobody")
	assert.Contains(t, sb.String(), "no fps record")
}

func TestDumps(t *testing.T) {
	m := newTestManager()
	_, err := m.CreateVirtualScreen("cast", 640, 480, 100)
	require.NoError(t, err)

	var sb strings.Builder
	m.DisplayDump(&sb)
	out := sb.String()
	assert.Contains(t, out, "screen[0]: id=0, powerstatus=POWER_STATUS_ON")
	assert.Contains(t, out, "supportedMode[1]: 1920x1080, refreshrate=120")
	assert.Contains(t, out, "screen[1]: id=1000, name=cast, ownerPid=100, 640x480, isvirtual=true")

	reg := scene.NewRegistry()
	s := scene.NewSurfaceNode(scene.SurfaceConfig{ID: 3, Name: "win", Bounds: scene.Rect{W: 10, H: 10}}, 9)
	reg.RegisterNode(s)
	require.NoError(t, reg.AddChild(reg.Root(), s, -1))

	sb.Reset()
	m.SurfaceDump(&sb, reg)
	assert.Contains(t, sb.String(), "LayerInfo of screen [Id:0]")
	assert.Contains(t, sb.String(), "SurfaceNode[3] Name[win] Pid[9]")
}

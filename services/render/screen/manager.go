// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package screen manages the physical and virtual screens the render
// service composes onto, together with their modes, power state and
// recent frame timestamps.
package screen

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/AleutianAI/AleutianRender/services/render/scene"
)

// ID identifies a screen.
type ID uint64

const (
	// DefaultScreenID is the id of the built-in screen.
	DefaultScreenID ID = 0

	// VirtualScreenIDBase is the first id handed to virtual screens.
	VirtualScreenIDBase ID = 1000

	// MaxBacklight is the highest accepted backlight level.
	MaxBacklight = 255
)

var (
	// ErrInvalidScreen is returned for unknown screen ids.
	ErrInvalidScreen = errors.New("invalid screen id")

	// ErrInvalidArgument is returned for out-of-range parameters.
	ErrInvalidArgument = errors.New("invalid screen argument")

	// ErrNotSupported is returned for operations a screen type cannot do.
	ErrNotSupported = errors.New("operation not supported on this screen")
)

// Mode is one display resolution and refresh rate.
type Mode struct {
	ID          int32  `json:"id" msgpack:"id"`
	Width       int32  `json:"width" msgpack:"width"`
	Height      int32  `json:"height" msgpack:"height"`
	RefreshRate uint32 `json:"refresh_rate" msgpack:"refresh_rate"`
}

// PowerStatus is the power state of a physical screen.
type PowerStatus uint8

const (
	PowerOn PowerStatus = iota
	PowerStandby
	PowerSuspend
	PowerOff
)

// String returns the dump name of the power status.
func (p PowerStatus) String() string {
	switch p {
	case PowerOn:
		return "POWER_STATUS_ON"
	case PowerStandby:
		return "POWER_STATUS_STANDBY"
	case PowerSuspend:
		return "POWER_STATUS_SUSPEND"
	case PowerOff:
		return "POWER_STATUS_OFF"
	default:
		return "INVALID_POWER_STATUS"
	}
}

// Type distinguishes physical and virtual screens.
type Type uint8

const (
	TypeBuiltIn Type = iota
	TypeExternal
	TypeVirtual
)

// String returns the dump name of the screen type.
func (t Type) String() string {
	switch t {
	case TypeBuiltIn:
		return "BUILT_IN_TYPE"
	case TypeExternal:
		return "EXTERNAL_TYPE"
	case TypeVirtual:
		return "VIRTUAL_TYPE"
	default:
		return "UNKNOWN_TYPE"
	}
}

// Capability describes static properties of a screen.
type Capability struct {
	Name          string `json:"name"`
	Type          Type   `json:"type"`
	PhyWidth      uint32 `json:"phy_width"`
	PhyHeight     uint32 `json:"phy_height"`
	SupportLayers uint32 `json:"support_layers"`
}

// Data is everything known about one screen.
type Data struct {
	ID             ID          `json:"id"`
	Capability     Capability  `json:"capability"`
	ActiveMode     Mode        `json:"active_mode"`
	SupportedModes []Mode      `json:"supported_modes"`
	PowerStatus    PowerStatus `json:"power_status"`
}

// Event is a screen connection change.
type Event uint8

const (
	EventConnected Event = iota
	EventDisconnected
)

// String returns the event name.
func (e Event) String() string {
	if e == EventConnected {
		return "connected"
	}
	return "disconnected"
}

// ChangeCallback is notified when screens are added or removed.
type ChangeCallback func(id ID, event Event)

// Config describes the built-in screen.
type Config struct {
	Name        string
	Width       int32
	Height      int32
	RefreshRate uint32

	// ExtraModes are offered in addition to the default mode.
	ExtraModes []Mode

	Logger *slog.Logger
}

type screen struct {
	id         ID
	name       string
	typ        Type
	ownerPid   scene.Pid
	width      int32
	height     int32
	modes      []Mode
	activeMode int
	power      PowerStatus
	backlight  uint32
	phyWidth   uint32
	phyHeight  uint32
}

func (s *screen) virtual() bool { return s.typ == TypeVirtual }

// Manager owns every screen and the fps records.
//
// # Thread Safety
//
// Safe for concurrent use. Change callbacks run without the lock held.
type Manager struct {
	logger *slog.Logger

	mu        sync.Mutex
	screens   map[ID]*screen
	nextVID   ID
	callbacks map[int]ChangeCallback
	nextCB    int
	fps       *fpsRecords
}

// NewManager creates a manager with the built-in screen connected.
func NewManager(cfg Config) *Manager {
	if cfg.Width <= 0 {
		cfg.Width = 1920
	}
	if cfg.Height <= 0 {
		cfg.Height = 1080
	}
	if cfg.RefreshRate == 0 {
		cfg.RefreshRate = 60
	}
	if cfg.Name == "" {
		cfg.Name = "builtin"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	modes := []Mode{{ID: 0, Width: cfg.Width, Height: cfg.Height, RefreshRate: cfg.RefreshRate}}
	for i, m := range cfg.ExtraModes {
		m.ID = int32(i + 1)
		modes = append(modes, m)
	}

	m := &Manager{
		logger:    cfg.Logger.With(slog.String("component", "screen")),
		screens:   make(map[ID]*screen),
		nextVID:   VirtualScreenIDBase,
		callbacks: make(map[int]ChangeCallback),
		fps:       newFpsRecords(),
	}
	m.screens[DefaultScreenID] = &screen{
		id:        DefaultScreenID,
		name:      cfg.Name,
		typ:       TypeBuiltIn,
		width:     cfg.Width,
		height:    cfg.Height,
		modes:     modes,
		power:     PowerOn,
		backlight: MaxBacklight,
		phyWidth:  uint32(cfg.Width),
		phyHeight: uint32(cfg.Height),
	}
	return m
}

// DefaultScreenID returns the id of the built-in screen.
func (m *Manager) DefaultScreenID() ID { return DefaultScreenID }

// AllScreenIDs returns every screen id in ascending order.
func (m *Manager) AllScreenIDs() []ID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sortedIDsLocked()
}

func (m *Manager) sortedIDsLocked() []ID {
	ids := make([]ID, 0, len(m.screens))
	for id := range m.screens {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (m *Manager) getLocked(id ID) (*screen, error) {
	s, ok := m.screens[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrInvalidScreen, id)
	}
	return s, nil
}

// =============================================================================
// Virtual screens
// =============================================================================

// CreateVirtualScreen adds a virtual screen owned by ownerPid.
func (m *Manager) CreateVirtualScreen(name string, width, height int32, ownerPid scene.Pid) (ID, error) {
	if width <= 0 || height <= 0 {
		return 0, fmt.Errorf("%w: %dx%d", ErrInvalidArgument, width, height)
	}
	m.mu.Lock()
	id := m.nextVID
	m.nextVID++
	m.screens[id] = &screen{
		id:       id,
		name:     name,
		typ:      TypeVirtual,
		ownerPid: ownerPid,
		width:    width,
		height:   height,
		modes:    []Mode{{ID: 0, Width: width, Height: height}},
		power:    PowerOn,
	}
	m.mu.Unlock()

	m.logger.Info("virtual screen created",
		slog.Uint64("screen_id", uint64(id)),
		slog.String("name", name),
		slog.Int("owner_pid", int(ownerPid)))
	return id, nil
}

// RemoveVirtualScreen removes a virtual screen. Physical screens cannot
// be removed.
func (m *Manager) RemoveVirtualScreen(id ID) error {
	m.mu.Lock()
	s, err := m.getLocked(id)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	if !s.virtual() {
		m.mu.Unlock()
		return fmt.Errorf("%w: screen %d is physical", ErrNotSupported, id)
	}
	delete(m.screens, id)
	m.mu.Unlock()
	return nil
}

// RemoveVirtualScreensByOwner removes every virtual screen owned by pid
// and returns their ids.
func (m *Manager) RemoveVirtualScreensByOwner(pid scene.Pid) []ID {
	m.mu.Lock()
	defer m.mu.Unlock()
	var removed []ID
	for _, id := range m.sortedIDsLocked() {
		s := m.screens[id]
		if s.virtual() && s.ownerPid == pid {
			delete(m.screens, id)
			removed = append(removed, id)
		}
	}
	return removed
}

// SetVirtualScreenResolution resizes a virtual screen.
func (m *Manager) SetVirtualScreenResolution(id ID, width, height int32) error {
	if width <= 0 || height <= 0 {
		return fmt.Errorf("%w: %dx%d", ErrInvalidArgument, width, height)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.getLocked(id)
	if err != nil {
		return err
	}
	if !s.virtual() {
		return fmt.Errorf("%w: screen %d is physical", ErrNotSupported, id)
	}
	s.width, s.height = width, height
	s.modes[0].Width, s.modes[0].Height = width, height
	return nil
}

// GetVirtualScreenResolution returns the size of a virtual screen.
func (m *Manager) GetVirtualScreenResolution(id ID) (int32, int32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.getLocked(id)
	if err != nil {
		return 0, 0, err
	}
	if !s.virtual() {
		return 0, 0, fmt.Errorf("%w: screen %d is physical", ErrNotSupported, id)
	}
	return s.width, s.height, nil
}

// =============================================================================
// Queries and mutations
// =============================================================================

// ScreenActiveMode returns the active mode of a screen.
func (m *Manager) ScreenActiveMode(id ID) (Mode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.getLocked(id)
	if err != nil {
		return Mode{}, err
	}
	return s.modes[s.activeMode], nil
}

// SetScreenActiveMode switches a screen to one of its supported modes.
func (m *Manager) SetScreenActiveMode(id ID, modeID int32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.getLocked(id)
	if err != nil {
		return err
	}
	for i, mode := range s.modes {
		if mode.ID == modeID {
			s.activeMode = i
			s.width, s.height = mode.Width, mode.Height
			return nil
		}
	}
	return fmt.Errorf("%w: mode %d", ErrInvalidArgument, modeID)
}

// SupportedModes returns a copy of the modes a screen supports.
func (m *Manager) SupportedModes(id ID) ([]Mode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.getLocked(id)
	if err != nil {
		return nil, err
	}
	return append([]Mode(nil), s.modes...), nil
}

// Capability returns static properties of a screen.
func (m *Manager) Capability(id ID) (Capability, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.getLocked(id)
	if err != nil {
		return Capability{}, err
	}
	return s.capability(), nil
}

func (s *screen) capability() Capability {
	c := Capability{Name: s.name, Type: s.typ, PhyWidth: s.phyWidth, PhyHeight: s.phyHeight}
	if !s.virtual() {
		c.SupportLayers = 8
	}
	return c
}

// PowerStatus returns the power state of a screen.
func (m *Manager) PowerStatus(id ID) (PowerStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.getLocked(id)
	if err != nil {
		return PowerOff, err
	}
	return s.power, nil
}

// SetPowerStatus changes the power state of a physical screen.
func (m *Manager) SetPowerStatus(id ID, status PowerStatus) error {
	if status > PowerOff {
		return fmt.Errorf("%w: power status %d", ErrInvalidArgument, status)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.getLocked(id)
	if err != nil {
		return err
	}
	if s.virtual() {
		return fmt.Errorf("%w: screen %d is virtual", ErrNotSupported, id)
	}
	s.power = status
	return nil
}

// Backlight returns the backlight level of a physical screen.
func (m *Manager) Backlight(id ID) (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.getLocked(id)
	if err != nil {
		return 0, err
	}
	if s.virtual() {
		return 0, fmt.Errorf("%w: screen %d is virtual", ErrNotSupported, id)
	}
	return s.backlight, nil
}

// SetBacklight sets the backlight level (0..MaxBacklight) of a physical screen.
func (m *Manager) SetBacklight(id ID, level uint32) error {
	if level > MaxBacklight {
		return fmt.Errorf("%w: backlight %d", ErrInvalidArgument, level)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.getLocked(id)
	if err != nil {
		return err
	}
	if s.virtual() {
		return fmt.Errorf("%w: screen %d is virtual", ErrNotSupported, id)
	}
	s.backlight = level
	return nil
}

// ScreenData returns a snapshot of one screen.
func (m *Manager) ScreenData(id ID) (Data, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.getLocked(id)
	if err != nil {
		return Data{}, err
	}
	return Data{
		ID:             s.id,
		Capability:     s.capability(),
		ActiveMode:     s.modes[s.activeMode],
		SupportedModes: append([]Mode(nil), s.modes...),
		PowerStatus:    s.power,
	}, nil
}

// =============================================================================
// Change callbacks
// =============================================================================

// AddScreenChangeCallback registers cb and returns a handle for removal.
// cb is immediately told about every connected physical screen.
func (m *Manager) AddScreenChangeCallback(cb ChangeCallback) (int, error) {
	if cb == nil {
		return 0, fmt.Errorf("%w: nil callback", ErrInvalidArgument)
	}
	m.mu.Lock()
	m.nextCB++
	handle := m.nextCB
	m.callbacks[handle] = cb
	var physical []ID
	for _, id := range m.sortedIDsLocked() {
		if !m.screens[id].virtual() {
			physical = append(physical, id)
		}
	}
	m.mu.Unlock()

	for _, id := range physical {
		cb(id, EventConnected)
	}
	return handle, nil
}

// RemoveScreenChangeCallback unregisters a callback handle.
func (m *Manager) RemoveScreenChangeCallback(handle int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.callbacks, handle)
}

// ConnectScreen adds or replaces a physical screen and notifies callbacks.
func (m *Manager) ConnectScreen(id ID, name string, mode Mode) error {
	if id >= VirtualScreenIDBase {
		return fmt.Errorf("%w: id %d is reserved for virtual screens", ErrInvalidArgument, id)
	}
	m.mu.Lock()
	m.screens[id] = &screen{
		id:        id,
		name:      name,
		typ:       TypeExternal,
		width:     mode.Width,
		height:    mode.Height,
		modes:     []Mode{mode},
		power:     PowerOn,
		backlight: MaxBacklight,
		phyWidth:  uint32(mode.Width),
		phyHeight: uint32(mode.Height),
	}
	m.mu.Unlock()
	m.notify(id, EventConnected)
	return nil
}

// DisconnectScreen removes a physical screen and notifies callbacks.
func (m *Manager) DisconnectScreen(id ID) error {
	m.mu.Lock()
	s, err := m.getLocked(id)
	if err == nil && s.virtual() {
		err = fmt.Errorf("%w: screen %d is virtual", ErrNotSupported, id)
	}
	if err != nil {
		m.mu.Unlock()
		return err
	}
	delete(m.screens, id)
	m.mu.Unlock()
	m.notify(id, EventDisconnected)
	return nil
}

func (m *Manager) notify(id ID, ev Event) {
	m.mu.Lock()
	handles := make([]int, 0, len(m.callbacks))
	for h := range m.callbacks {
		handles = append(handles, h)
	}
	sort.Ints(handles)
	cbs := make([]ChangeCallback, 0, len(handles))
	for _, h := range handles {
		cbs = append(cbs, m.callbacks[h])
	}
	m.mu.Unlock()

	for _, cb := range cbs {
		cb(id, ev)
	}
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package scene

import (
	"sort"
	"time"
)

// =============================================================================
// Identifiers
// =============================================================================

// NodeID addresses a node process-wide.
type NodeID uint64

// Pid identifies a client process.
type Pid int32

// RootNodeID is the id of the global root node created with every registry.
const RootNodeID NodeID = 0

// NodeKind discriminates the concrete node types.
type NodeKind uint8

const (
	// KindBase is a plain structural node.
	KindBase NodeKind = iota

	// KindCanvas is a node with client-drawn content.
	KindCanvas

	// KindSurface is a node backed by a client buffer queue.
	KindSurface

	// KindDisplay is the root of one screen's subtree.
	KindDisplay

	// KindRoot is the global root.
	KindRoot
)

// String returns the node kind name used in dumps.
func (k NodeKind) String() string {
	switch k {
	case KindBase:
		return "BaseNode"
	case KindCanvas:
		return "CanvasNode"
	case KindSurface:
		return "SurfaceNode"
	case KindDisplay:
		return "DisplayNode"
	case KindRoot:
		return "RootNode"
	default:
		return "UnknownNode"
	}
}

// =============================================================================
// Node
// =============================================================================

// Node is an entity in the scene graph.
//
// # Description
//
// Every concrete node embeds BaseNode, which carries identity, ownership
// and tree links. Nodes are only touched on the scheduler goroutine;
// other goroutines refer to them by NodeID.
type Node interface {
	ID() NodeID
	Owner() Pid
	Kind() NodeKind
	Parent() Node
	Children() []Node
	IsOnTree() bool
	Base() *BaseNode
}

// BaseNode holds the state shared by all node kinds.
type BaseNode struct {
	id         NodeID
	owner      Pid
	kind       NodeKind
	parent     Node
	children   []Node
	onTree     bool
	properties map[string]float64
	animations map[AnimationID]*PropertyAnimation
}

func newBaseNode(id NodeID, owner Pid, kind NodeKind) BaseNode {
	return BaseNode{
		id:         id,
		owner:      owner,
		kind:       kind,
		properties: make(map[string]float64),
		animations: make(map[AnimationID]*PropertyAnimation),
	}
}

// NewBaseNode creates a structural node owned by owner.
func NewBaseNode(id NodeID, owner Pid) *BaseNode {
	n := newBaseNode(id, owner, KindBase)
	return &n
}

// ID returns the node id.
func (n *BaseNode) ID() NodeID { return n.id }

// Owner returns the declared owning process.
func (n *BaseNode) Owner() Pid { return n.owner }

// Kind returns the concrete node kind.
func (n *BaseNode) Kind() NodeKind { return n.kind }

// Base returns the node itself.
func (n *BaseNode) Base() *BaseNode { return n }

// Parent returns the parent node, or nil when detached.
func (n *BaseNode) Parent() Node { return n.parent }

// Children returns the children in z-order (last is topmost).
// The returned slice must not be modified.
func (n *BaseNode) Children() []Node { return n.children }

// IsOnTree reports whether the node is reachable from the global root.
func (n *BaseNode) IsOnTree() bool { return n.onTree }

// Property returns a float property and whether it was set.
func (n *BaseNode) Property(name string) (float64, bool) {
	v, ok := n.properties[name]
	return v, ok
}

// HasAnimations reports whether any animation is attached.
func (n *BaseNode) HasAnimations() bool { return len(n.animations) > 0 }

// Animation returns the animation with the given id.
func (n *BaseNode) Animation(id AnimationID) (*PropertyAnimation, bool) {
	a, ok := n.animations[id]
	return a, ok
}

// AnimationIDs returns attached animation ids in ascending order.
func (n *BaseNode) AnimationIDs() []AnimationID {
	ids := make([]AnimationID, 0, len(n.animations))
	for id := range n.animations {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (n *BaseNode) indexOf(child Node) int {
	for i, c := range n.children {
		if c.ID() == child.ID() {
			return i
		}
	}
	return -1
}

// =============================================================================
// Concrete kinds
// =============================================================================

// RootNode is the global root of the scene graph.
type RootNode struct {
	BaseNode
}

func newRootNode() *RootNode {
	r := &RootNode{BaseNode: newBaseNode(RootNodeID, 0, KindRoot)}
	r.onTree = true
	return r
}

// CanvasNode is a node whose content is drawn by the client.
type CanvasNode struct {
	BaseNode
}

// NewCanvasNode creates a canvas node owned by owner.
func NewCanvasNode(id NodeID, owner Pid) *CanvasNode {
	return &CanvasNode{BaseNode: newBaseNode(id, owner, KindCanvas)}
}

// DisplayNode is the subtree root for one screen.
type DisplayNode struct {
	BaseNode
	ScreenID uint64
}

// NewDisplayNode creates a display node bound to screenID.
func NewDisplayNode(id NodeID, owner Pid, screenID uint64) *DisplayNode {
	return &DisplayNode{BaseNode: newBaseNode(id, owner, KindDisplay), ScreenID: screenID}
}

// Buffer is one client-produced frame queued on a surface.
type Buffer struct {
	Seq       uint64
	Width     int32
	Height    int32
	Size      int64
	Timestamp int64
}

// SurfaceNode is a node backed by a client buffer queue.
//
// # Description
//
// Carries the geometry and opacity used by occlusion, a FIFO of
// flushed buffers, and an optional buffer-available listener that fires
// once when the first buffer is consumed.
type SurfaceNode struct {
	BaseNode

	Name string

	dstRect     Rect
	alpha       float64
	transparent bool
	appWindow   bool

	dstRectChanged bool
	alphaChanged   bool

	queue           []Buffer
	current         *Buffer
	bufferTimestamp int64
	consumedThisRun bool
	released        uint64

	bufferListener func()
	listenerFired  bool

	visibleRegion Region
}

// SurfaceConfig describes a surface node at creation time.
type SurfaceConfig struct {
	ID          NodeID
	Name        string
	Bounds      Rect
	Transparent bool
	AppWindow   bool
}

// NewSurfaceNode creates a surface node owned by owner.
func NewSurfaceNode(cfg SurfaceConfig, owner Pid) *SurfaceNode {
	return &SurfaceNode{
		BaseNode:       newBaseNode(cfg.ID, owner, KindSurface),
		Name:           cfg.Name,
		dstRect:        cfg.Bounds,
		alpha:          1.0,
		transparent:    cfg.Transparent,
		appWindow:      cfg.AppWindow,
		dstRectChanged: true,
	}
}

// DstRect returns the destination rectangle on screen.
func (s *SurfaceNode) DstRect() Rect { return s.dstRect }

// SetDstRect moves or resizes the surface.
func (s *SurfaceNode) SetDstRect(r Rect) {
	if r != s.dstRect {
		s.dstRect = r
		s.dstRectChanged = true
	}
}

// Alpha returns the surface opacity in [0, 1].
func (s *SurfaceNode) Alpha() float64 { return s.alpha }

// SetAlpha changes the surface opacity, clamped to [0, 1].
func (s *SurfaceNode) SetAlpha(a float64) {
	if a < 0 {
		a = 0
	}
	if a > 1 {
		a = 1
	}
	if a != s.alpha {
		s.alpha = a
		s.alphaChanged = true
	}
}

// IsTransparent reports whether the surface lets lower surfaces show through.
func (s *SurfaceNode) IsTransparent() bool { return s.transparent || s.alpha < 1 }

// SetTransparent marks the surface content as (non-)opaque.
func (s *SurfaceNode) SetTransparent(t bool) {
	if t != s.transparent {
		s.transparent = t
		s.alphaChanged = true
	}
}

// IsAppWindow reports whether the surface is an application window.
func (s *SurfaceNode) IsAppWindow() bool { return s.appWindow }

// SetAppWindow marks the surface as an application window.
func (s *SurfaceNode) SetAppWindow(v bool) { s.appWindow = v }

// VisibleRegion returns the region computed by the last visibility pass.
func (s *SurfaceNode) VisibleRegion() Region { return s.visibleRegion }

// SetVisibleRegion stores the result of a visibility pass.
func (s *SurfaceNode) SetVisibleRegion(r Region) { s.visibleRegion = r }

// TakeGeometryChanged reports and clears the geometry/opacity change flags.
func (s *SurfaceNode) TakeGeometryChanged() bool {
	changed := s.dstRectChanged || s.alphaChanged
	s.dstRectChanged = false
	s.alphaChanged = false
	return changed
}

// QueueBuffer appends a client-flushed buffer.
func (s *SurfaceNode) QueueBuffer(b Buffer) {
	s.queue = append(s.queue, b)
}

// AvailableBufferCount returns the number of queued, unconsumed buffers.
func (s *SurfaceNode) AvailableBufferCount() int { return len(s.queue) }

// ConsumeBuffer makes the oldest queued buffer current, releasing the
// previous one. Returns false when nothing was queued.
func (s *SurfaceNode) ConsumeBuffer() bool {
	s.consumedThisRun = false
	if len(s.queue) == 0 {
		return false
	}
	next := s.queue[0]
	s.queue = s.queue[1:]
	if s.current != nil {
		s.released++
	}
	s.current = &next
	s.bufferTimestamp = next.Timestamp
	s.consumedThisRun = true
	return true
}

// Buffer returns the current buffer, or nil before the first consume.
func (s *SurfaceNode) Buffer() *Buffer { return s.current }

// BufferTimestamp returns the timestamp of the current buffer.
func (s *SurfaceNode) BufferTimestamp() int64 { return s.bufferTimestamp }

// ConsumedThisFrame reports whether the last ConsumeBuffer call succeeded.
func (s *SurfaceNode) ConsumedThisFrame() bool { return s.consumedThisRun }

// ReleasedBuffers returns how many buffers were released back to the client.
func (s *SurfaceNode) ReleasedBuffers() uint64 { return s.released }

// MemorySize returns the bytes held by the current and queued buffers.
func (s *SurfaceNode) MemorySize() int64 {
	var total int64
	if s.current != nil {
		total += s.current.Size
	}
	for _, b := range s.queue {
		total += b.Size
	}
	return total
}

// SetBufferAvailableListener installs cb, which fires once the first
// buffer is consumed. If a buffer is already current it fires on the
// next NotifyBufferAvailable call.
func (s *SurfaceNode) SetBufferAvailableListener(cb func()) {
	s.bufferListener = cb
	s.listenerFired = false
}

// NotifyBufferAvailable fires the listener once if a buffer is current.
func (s *SurfaceNode) NotifyBufferAvailable() bool {
	if s.bufferListener == nil || s.listenerFired || s.current == nil {
		return false
	}
	s.listenerFired = true
	s.bufferListener()
	return true
}

// elapsedSince returns the duration between two ns timestamps, never negative.
func elapsedSince(now, then int64) time.Duration {
	if now <= then {
		return 0
	}
	return time.Duration(now - then)
}

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
	"errors"
	"sort"
)

var (
	// ErrNodeNotFound is returned when an id is not registered.
	ErrNodeNotFound = errors.New("node not found")

	// ErrNodeExists is returned when registering an id that is taken.
	ErrNodeExists = errors.New("node already exists")

	// ErrCycle is returned when an AddChild would make a node its own ancestor.
	ErrCycle = errors.New("operation would create a cycle")

	// ErrRootImmutable is returned for operations that would detach the root.
	ErrRootImmutable = errors.New("root node cannot be moved or removed")
)

// Registry maps node ids to nodes and owns the tree structure.
//
// # Description
//
// The registry is created with the global root already registered under
// RootNodeID. It also tracks which nodes are currently animating and a
// dirty flag set by every structural change, which the visibility pass
// uses to skip recomputation.
//
// # Thread Safety
//
// Not safe for concurrent use. The registry is owned by the scheduler
// goroutine; everything else reaches it through posted tasks.
type Registry struct {
	nodes     map[NodeID]Node
	root      *RootNode
	animating map[NodeID]Node
	dirty     bool
}

// NewRegistry creates a registry containing only the root node.
func NewRegistry() *Registry {
	root := newRootNode()
	return &Registry{
		nodes:     map[NodeID]Node{RootNodeID: root},
		root:      root,
		animating: make(map[NodeID]Node),
	}
}

// Root returns the global root node.
func (r *Registry) Root() *RootNode { return r.root }

// Len returns the number of registered nodes including the root.
func (r *Registry) Len() int { return len(r.nodes) }

// RegisterNode adds n. Returns false if n is nil or its id is taken.
func (r *Registry) RegisterNode(n Node) bool {
	if n == nil {
		return false
	}
	if _, exists := r.nodes[n.ID()]; exists {
		return false
	}
	r.nodes[n.ID()] = n
	return true
}

// UnregisterNode detaches and removes the node with id. The root cannot
// be removed. Children of the removed node stay registered but become
// detached.
func (r *Registry) UnregisterNode(id NodeID) bool {
	if id == RootNodeID {
		return false
	}
	n, ok := r.nodes[id]
	if !ok {
		return false
	}
	if n != nil {
		r.detach(n)
		b := n.Base()
		for _, c := range append([]Node(nil), b.children...) {
			r.detach(c)
		}
	}
	delete(r.nodes, id)
	delete(r.animating, id)
	return true
}

// GetRenderNode returns the node registered under id.
func (r *Registry) GetRenderNode(id NodeID) (Node, bool) {
	n, ok := r.nodes[id]
	if !ok || n == nil {
		return nil, false
	}
	return n, true
}

// GetNode returns the node under id if it has concrete type T.
//
// # Examples
//
//	surface, ok := scene.GetNode[*scene.SurfaceNode](reg, 7)
func GetNode[T Node](r *Registry, id NodeID) (T, bool) {
	var zero T
	n, ok := r.GetRenderNode(id)
	if !ok {
		return zero, false
	}
	t, ok := n.(T)
	if !ok {
		return zero, false
	}
	return t, true
}

// FilterNodesByOwner removes every node owned by pid and returns how
// many were removed. The root is never removed.
func (r *Registry) FilterNodesByOwner(pid Pid) int {
	var ids []NodeID
	for id, n := range r.nodes {
		if n != nil && id != RootNodeID && n.Owner() == pid {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		r.UnregisterNode(id)
	}
	return len(ids)
}

// sortedIDs returns all registered ids in ascending order.
func (r *Registry) sortedIDs() []NodeID {
	ids := make([]NodeID, 0, len(r.nodes))
	for id := range r.nodes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// TraverseNodes calls fn for every registered node in id order. Empty
// entries are skipped.
func (r *Registry) TraverseNodes(fn func(Node)) {
	for _, id := range r.sortedIDs() {
		n := r.nodes[id]
		if n == nil {
			continue
		}
		fn(n)
	}
}

// TraverseSurfaceNodes calls fn for every registered surface node in id order.
func (r *Registry) TraverseSurfaceNodes(fn func(*SurfaceNode)) {
	r.TraverseNodes(func(n Node) {
		if s, ok := n.(*SurfaceNode); ok {
			fn(s)
		}
	})
}

// =============================================================================
// Tree operations
// =============================================================================

// AddChild attaches child under parent at index. A negative or
// out-of-range index appends (topmost). The child is first detached from
// any previous parent.
func (r *Registry) AddChild(parent, child Node, index int) error {
	if child.ID() == RootNodeID {
		return ErrRootImmutable
	}
	for p := parent; p != nil; p = p.Base().parent {
		if p.ID() == child.ID() {
			return ErrCycle
		}
	}
	r.detach(child)

	pb := parent.Base()
	if index < 0 || index >= len(pb.children) {
		pb.children = append(pb.children, child)
	} else {
		pb.children = append(pb.children, nil)
		copy(pb.children[index+1:], pb.children[index:])
		pb.children[index] = child
	}
	child.Base().parent = parent
	setOnTree(child, pb.onTree)
	r.dirty = true
	return nil
}

// RemoveChild detaches child from parent. It is a no-op when child is
// not a child of parent.
func (r *Registry) RemoveChild(parent, child Node) {
	if child.Base().parent == nil || child.Base().parent.ID() != parent.ID() {
		return
	}
	r.detach(child)
}

// RemoveFromTree detaches n from its parent, whatever it is.
func (r *Registry) RemoveFromTree(n Node) error {
	if n.ID() == RootNodeID {
		return ErrRootImmutable
	}
	r.detach(n)
	return nil
}

func (r *Registry) detach(n Node) {
	b := n.Base()
	if b.parent == nil {
		return
	}
	pb := b.parent.Base()
	if i := pb.indexOf(n); i >= 0 {
		pb.children = append(pb.children[:i], pb.children[i+1:]...)
	}
	b.parent = nil
	setOnTree(n, false)
	r.dirty = true
}

func setOnTree(n Node, on bool) {
	b := n.Base()
	b.onTree = on
	for _, c := range b.children {
		setOnTree(c, on)
	}
}

// CollectSurfacesInZOrder returns on-tree surfaces in paint order, the
// last element being topmost.
func (r *Registry) CollectSurfacesInZOrder() []*SurfaceNode {
	var out []*SurfaceNode
	var walk func(Node)
	walk = func(n Node) {
		if s, ok := n.(*SurfaceNode); ok {
			out = append(out, s)
		}
		for _, c := range n.Base().children {
			walk(c)
		}
	}
	walk(r.root)
	return out
}

// =============================================================================
// Animation tracking
// =============================================================================

// AddAnimatingNode marks n as animating so the next frame advances it.
func (r *Registry) AddAnimatingNode(n Node) {
	if n != nil {
		r.animating[n.ID()] = n
	}
}

// AnimatingNodeIDs returns the ids of animating nodes in ascending order.
func (r *Registry) AnimatingNodeIDs() []NodeID {
	ids := make([]NodeID, 0, len(r.animating))
	for id := range r.animating {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// =============================================================================
// Dirty tracking
// =============================================================================

// MarkDirty forces the next visibility pass to recompute.
func (r *Registry) MarkDirty() { r.dirty = true }

// TakeDirty reports and clears the structural dirty flag.
func (r *Registry) TakeDirty() bool {
	d := r.dirty
	r.dirty = false
	return d
}

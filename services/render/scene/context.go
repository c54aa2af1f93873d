// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package scene holds the render service's scene graph: nodes, the
// node registry, region algebra for occlusion and the per-frame
// Context that commands mutate.
//
// Everything in this package is owned by the scheduler goroutine and
// performs no locking.
package scene

// Message is an outgoing notification addressed to the client that owns
// a node. Payload is interpreted by the dispatcher.
type Message struct {
	Pid     Pid
	NodeID  NodeID
	Payload any
}

// AnimationFinished is the payload sent when an animation completes.
type AnimationFinished struct {
	NodeID      NodeID
	AnimationID AnimationID
}

// AnimateResult summarizes one animation pass.
type AnimateResult struct {
	// NeedFrame is true while any animation is still running.
	NeedFrame bool

	// WindowAnimating is true while an app-window surface is animating.
	WindowAnimating bool

	// Finished counts animations that completed this pass.
	Finished int
}

// Context is the mutable world that commands are applied to.
//
// # Description
//
// Bundles the registry with the timestamps of the frame being built and
// an outbox of messages for clients. The scheduler creates one Context
// at startup and reuses it for every frame.
type Context struct {
	registry *Registry

	// CurrentTimestamp is the vsync timestamp (ns) of the frame in progress.
	CurrentTimestamp int64

	// TransactionTimestamp is the timestamp of the transaction being applied.
	TransactionTimestamp int64

	// SenderPid is the pid of the connection whose commands are being
	// applied. Nodes created by those commands are owned by it.
	SenderPid Pid

	outbox []Message
}

// NewContext creates a context around a fresh registry.
func NewContext() *Context {
	return &Context{registry: NewRegistry()}
}

// Registry returns the node registry.
func (c *Context) Registry() *Registry { return c.registry }

// SendMessage queues m for dispatch at the end of the frame.
func (c *Context) SendMessage(m Message) {
	c.outbox = append(c.outbox, m)
}

// TakeMessages returns and clears the outbox.
func (c *Context) TakeMessages() []Message {
	out := c.outbox
	c.outbox = nil
	return out
}

// PendingMessages returns the number of queued outgoing messages.
func (c *Context) PendingMessages() int { return len(c.outbox) }

// Animate advances every animating node to CurrentTimestamp.
//
// # Description
//
// Nodes whose animations all finished leave the animating set. Each
// finished animation queues an AnimationFinished message to the node's
// owner. Nodes that were unregistered since the last pass are dropped.
func (c *Context) Animate() AnimateResult {
	var res AnimateResult
	now := c.CurrentTimestamp
	reg := c.registry
	for _, id := range reg.AnimatingNodeIDs() {
		n, ok := reg.GetRenderNode(id)
		if !ok {
			delete(reg.animating, id)
			continue
		}
		has, needFrame, finished := animateNode(n, now)
		for _, aid := range finished {
			c.SendMessage(Message{
				Pid:     n.Owner(),
				NodeID:  id,
				Payload: AnimationFinished{NodeID: id, AnimationID: aid},
			})
		}
		res.Finished += len(finished)
		if !has {
			delete(reg.animating, id)
			continue
		}
		if needFrame {
			res.NeedFrame = true
			if s, ok := n.(*SurfaceNode); ok && s.IsAppWindow() {
				res.WindowAnimating = true
			}
		}
	}
	return res
}

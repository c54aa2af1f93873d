// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package command defines the closed set of scene commands a client can
// send inside a transaction, and the commands the service sends back.
//
// Every command targets exactly one node and knows how to apply itself
// to a scene.Context. A command that targets a missing node returns an
// error wrapping scene.ErrNodeNotFound; the caller logs it and moves on
// to the next command.
package command

import (
	"fmt"
	"time"

	"github.com/AleutianAI/AleutianRender/services/render/scene"
)

// Kind identifies a command type on the wire.
type Kind uint16

const (
	KindInvalid Kind = iota
	KindBaseNodeCreate
	KindCanvasNodeCreate
	KindSurfaceNodeCreate
	KindNodeAddChild
	KindNodeRemoveChild
	KindNodeRemoveFromTree
	KindNodeDestroy
	KindSurfaceSetBounds
	KindSurfaceSetAlpha
	KindSurfaceSetTransparent
	KindSurfaceSetAppWindow
	KindAnimationCreate
	KindAnimationPause
	KindAnimationResume
	KindAnimationFinish
	KindAnimationFinishCallback
)

var kindNames = map[Kind]string{
	KindBaseNodeCreate:          "BaseNodeCreate",
	KindCanvasNodeCreate:        "CanvasNodeCreate",
	KindSurfaceNodeCreate:       "SurfaceNodeCreate",
	KindNodeAddChild:            "NodeAddChild",
	KindNodeRemoveChild:         "NodeRemoveChild",
	KindNodeRemoveFromTree:      "NodeRemoveFromTree",
	KindNodeDestroy:             "NodeDestroy",
	KindSurfaceSetBounds:        "SurfaceSetBounds",
	KindSurfaceSetAlpha:         "SurfaceSetAlpha",
	KindSurfaceSetTransparent:   "SurfaceSetTransparent",
	KindSurfaceSetAppWindow:     "SurfaceSetAppWindow",
	KindAnimationCreate:         "AnimationCreate",
	KindAnimationPause:          "AnimationPause",
	KindAnimationResume:         "AnimationResume",
	KindAnimationFinish:         "AnimationFinish",
	KindAnimationFinishCallback: "AnimationFinishCallback",
}

// String returns the command name.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", uint16(k))
}

// FollowType controls which downstream path a command is also routed to.
type FollowType uint8

const (
	// FollowNone applies the command once, in order.
	FollowNone FollowType = iota

	// FollowToParent caches the command against the target's parent.
	FollowToParent

	// FollowToVisitor defers the command while the render path waits for
	// client buffers.
	FollowToVisitor
)

// String returns the follow type name.
func (f FollowType) String() string {
	switch f {
	case FollowNone:
		return "none"
	case FollowToParent:
		return "followToParent"
	case FollowToVisitor:
		return "followToVisitor"
	default:
		return fmt.Sprintf("FollowType(%d)", uint8(f))
	}
}

// Command is a unit of work against one node.
type Command interface {
	Kind() Kind
	TargetID() scene.NodeID
	Process(ctx *scene.Context) error
}

func notFound(id scene.NodeID) error {
	return fmt.Errorf("%w: %d", scene.ErrNodeNotFound, id)
}

func lookup(ctx *scene.Context, id scene.NodeID) (scene.Node, error) {
	n, ok := ctx.Registry().GetRenderNode(id)
	if !ok {
		return nil, notFound(id)
	}
	return n, nil
}

func lookupSurface(ctx *scene.Context, id scene.NodeID) (*scene.SurfaceNode, error) {
	s, ok := scene.GetNode[*scene.SurfaceNode](ctx.Registry(), id)
	if !ok {
		return nil, notFound(id)
	}
	return s, nil
}

func register(ctx *scene.Context, n scene.Node) error {
	if !ctx.Registry().RegisterNode(n) {
		return fmt.Errorf("%w: %d", scene.ErrNodeExists, n.ID())
	}
	return nil
}

// =============================================================================
// Node lifecycle
// =============================================================================

// BaseNodeCreate registers a structural node owned by the sender.
type BaseNodeCreate struct {
	ID scene.NodeID `msgpack:"id"`
}

func (c *BaseNodeCreate) Kind() Kind             { return KindBaseNodeCreate }
func (c *BaseNodeCreate) TargetID() scene.NodeID { return c.ID }
func (c *BaseNodeCreate) Process(ctx *scene.Context) error {
	return register(ctx, scene.NewBaseNode(c.ID, ctx.SenderPid))
}

// CanvasNodeCreate registers a canvas node owned by the sender.
type CanvasNodeCreate struct {
	ID scene.NodeID `msgpack:"id"`
}

func (c *CanvasNodeCreate) Kind() Kind             { return KindCanvasNodeCreate }
func (c *CanvasNodeCreate) TargetID() scene.NodeID { return c.ID }
func (c *CanvasNodeCreate) Process(ctx *scene.Context) error {
	return register(ctx, scene.NewCanvasNode(c.ID, ctx.SenderPid))
}

// SurfaceNodeCreate registers a surface node owned by the sender.
type SurfaceNodeCreate struct {
	ID          scene.NodeID `msgpack:"id"`
	Name        string       `msgpack:"name"`
	Bounds      scene.Rect   `msgpack:"bounds"`
	Transparent bool         `msgpack:"transparent"`
	AppWindow   bool         `msgpack:"app_window"`
}

func (c *SurfaceNodeCreate) Kind() Kind             { return KindSurfaceNodeCreate }
func (c *SurfaceNodeCreate) TargetID() scene.NodeID { return c.ID }
func (c *SurfaceNodeCreate) Process(ctx *scene.Context) error {
	return register(ctx, scene.NewSurfaceNode(scene.SurfaceConfig{
		ID:          c.ID,
		Name:        c.Name,
		Bounds:      c.Bounds,
		Transparent: c.Transparent,
		AppWindow:   c.AppWindow,
	}, ctx.SenderPid))
}

// NodeDestroy unregisters a node.
type NodeDestroy struct {
	ID scene.NodeID `msgpack:"id"`
}

func (c *NodeDestroy) Kind() Kind             { return KindNodeDestroy }
func (c *NodeDestroy) TargetID() scene.NodeID { return c.ID }
func (c *NodeDestroy) Process(ctx *scene.Context) error {
	if !ctx.Registry().UnregisterNode(c.ID) {
		return notFound(c.ID)
	}
	return nil
}

// =============================================================================
// Tree
// =============================================================================

// NodeAddChild attaches Child under the target at Index (-1 appends).
type NodeAddChild struct {
	ID    scene.NodeID `msgpack:"id"`
	Child scene.NodeID `msgpack:"child"`
	Index int          `msgpack:"index"`
}

func (c *NodeAddChild) Kind() Kind             { return KindNodeAddChild }
func (c *NodeAddChild) TargetID() scene.NodeID { return c.ID }
func (c *NodeAddChild) Process(ctx *scene.Context) error {
	parent, err := lookup(ctx, c.ID)
	if err != nil {
		return err
	}
	child, err := lookup(ctx, c.Child)
	if err != nil {
		return err
	}
	return ctx.Registry().AddChild(parent, child, c.Index)
}

// NodeRemoveChild detaches Child from the target.
type NodeRemoveChild struct {
	ID    scene.NodeID `msgpack:"id"`
	Child scene.NodeID `msgpack:"child"`
}

func (c *NodeRemoveChild) Kind() Kind             { return KindNodeRemoveChild }
func (c *NodeRemoveChild) TargetID() scene.NodeID { return c.ID }
func (c *NodeRemoveChild) Process(ctx *scene.Context) error {
	parent, err := lookup(ctx, c.ID)
	if err != nil {
		return err
	}
	child, err := lookup(ctx, c.Child)
	if err != nil {
		return err
	}
	ctx.Registry().RemoveChild(parent, child)
	return nil
}

// NodeRemoveFromTree detaches the target from whatever parent it has.
type NodeRemoveFromTree struct {
	ID scene.NodeID `msgpack:"id"`
}

func (c *NodeRemoveFromTree) Kind() Kind             { return KindNodeRemoveFromTree }
func (c *NodeRemoveFromTree) TargetID() scene.NodeID { return c.ID }
func (c *NodeRemoveFromTree) Process(ctx *scene.Context) error {
	n, err := lookup(ctx, c.ID)
	if err != nil {
		return err
	}
	return ctx.Registry().RemoveFromTree(n)
}

// =============================================================================
// Surface properties
// =============================================================================

// SurfaceSetBounds moves or resizes a surface.
type SurfaceSetBounds struct {
	ID     scene.NodeID `msgpack:"id"`
	Bounds scene.Rect   `msgpack:"bounds"`
}

func (c *SurfaceSetBounds) Kind() Kind             { return KindSurfaceSetBounds }
func (c *SurfaceSetBounds) TargetID() scene.NodeID { return c.ID }
func (c *SurfaceSetBounds) Process(ctx *scene.Context) error {
	s, err := lookupSurface(ctx, c.ID)
	if err != nil {
		return err
	}
	s.SetDstRect(c.Bounds)
	return nil
}

// SurfaceSetAlpha changes surface opacity.
type SurfaceSetAlpha struct {
	ID    scene.NodeID `msgpack:"id"`
	Alpha float64      `msgpack:"alpha"`
}

func (c *SurfaceSetAlpha) Kind() Kind             { return KindSurfaceSetAlpha }
func (c *SurfaceSetAlpha) TargetID() scene.NodeID { return c.ID }
func (c *SurfaceSetAlpha) Process(ctx *scene.Context) error {
	s, err := lookupSurface(ctx, c.ID)
	if err != nil {
		return err
	}
	s.SetAlpha(c.Alpha)
	return nil
}

// SurfaceSetTransparent marks surface content as non-opaque.
type SurfaceSetTransparent struct {
	ID          scene.NodeID `msgpack:"id"`
	Transparent bool         `msgpack:"transparent"`
}

func (c *SurfaceSetTransparent) Kind() Kind             { return KindSurfaceSetTransparent }
func (c *SurfaceSetTransparent) TargetID() scene.NodeID { return c.ID }
func (c *SurfaceSetTransparent) Process(ctx *scene.Context) error {
	s, err := lookupSurface(ctx, c.ID)
	if err != nil {
		return err
	}
	s.SetTransparent(c.Transparent)
	return nil
}

// SurfaceSetAppWindow marks a surface as an application window.
type SurfaceSetAppWindow struct {
	ID        scene.NodeID `msgpack:"id"`
	AppWindow bool         `msgpack:"app_window"`
}

func (c *SurfaceSetAppWindow) Kind() Kind             { return KindSurfaceSetAppWindow }
func (c *SurfaceSetAppWindow) TargetID() scene.NodeID { return c.ID }
func (c *SurfaceSetAppWindow) Process(ctx *scene.Context) error {
	s, err := lookupSurface(ctx, c.ID)
	if err != nil {
		return err
	}
	s.SetAppWindow(c.AppWindow)
	return nil
}

// =============================================================================
// Animation
// =============================================================================

// AnimationCreate attaches a linear property animation and starts it.
type AnimationCreate struct {
	ID          scene.NodeID      `msgpack:"id"`
	AnimationID scene.AnimationID `msgpack:"animation_id"`
	Property    string            `msgpack:"property"`
	From        float64           `msgpack:"from"`
	To          float64           `msgpack:"to"`
	DurationMs  int64             `msgpack:"duration_ms"`
}

func (c *AnimationCreate) Kind() Kind             { return KindAnimationCreate }
func (c *AnimationCreate) TargetID() scene.NodeID { return c.ID }
func (c *AnimationCreate) Process(ctx *scene.Context) error {
	n, err := lookup(ctx, c.ID)
	if err != nil {
		return err
	}
	anim := &scene.PropertyAnimation{
		ID:           c.AnimationID,
		Property:     c.Property,
		From:         c.From,
		To:           c.To,
		Duration:     time.Duration(c.DurationMs) * time.Millisecond,
		Interpolator: scene.LinearInterpolator{},
	}
	if err := scene.AttachAnimation(n, anim); err != nil {
		return fmt.Errorf("node %d animation %d: %w", c.ID, c.AnimationID, err)
	}
	ctx.Registry().AddAnimatingNode(n)
	return nil
}

// AnimationPause pauses a running animation.
type AnimationPause struct {
	ID          scene.NodeID      `msgpack:"id"`
	AnimationID scene.AnimationID `msgpack:"animation_id"`
}

func (c *AnimationPause) Kind() Kind             { return KindAnimationPause }
func (c *AnimationPause) TargetID() scene.NodeID { return c.ID }
func (c *AnimationPause) Process(ctx *scene.Context) error {
	n, err := lookup(ctx, c.ID)
	if err != nil {
		return err
	}
	return scene.PauseAnimation(n, c.AnimationID)
}

// AnimationResume resumes a paused animation.
type AnimationResume struct {
	ID          scene.NodeID      `msgpack:"id"`
	AnimationID scene.AnimationID `msgpack:"animation_id"`
}

func (c *AnimationResume) Kind() Kind             { return KindAnimationResume }
func (c *AnimationResume) TargetID() scene.NodeID { return c.ID }
func (c *AnimationResume) Process(ctx *scene.Context) error {
	n, err := lookup(ctx, c.ID)
	if err != nil {
		return err
	}
	if err := scene.ResumeAnimation(n, c.AnimationID); err != nil {
		return err
	}
	ctx.Registry().AddAnimatingNode(n)
	return nil
}

// AnimationFinish jumps an animation to its end value.
type AnimationFinish struct {
	ID          scene.NodeID      `msgpack:"id"`
	AnimationID scene.AnimationID `msgpack:"animation_id"`
}

func (c *AnimationFinish) Kind() Kind             { return KindAnimationFinish }
func (c *AnimationFinish) TargetID() scene.NodeID { return c.ID }
func (c *AnimationFinish) Process(ctx *scene.Context) error {
	n, err := lookup(ctx, c.ID)
	if err != nil {
		return err
	}
	if err := scene.FinishAnimation(n, c.AnimationID); err != nil {
		return err
	}
	ctx.Registry().AddAnimatingNode(n)
	return nil
}

// AnimationFinishCallback tells the owning client an animation ended.
// It is only sent by the service; processing it server-side is a no-op.
type AnimationFinishCallback struct {
	ID          scene.NodeID      `msgpack:"id"`
	AnimationID scene.AnimationID `msgpack:"animation_id"`
}

func (c *AnimationFinishCallback) Kind() Kind             { return KindAnimationFinishCallback }
func (c *AnimationFinishCallback) TargetID() scene.NodeID { return c.ID }
func (c *AnimationFinishCallback) Process(*scene.Context) error {
	return nil
}

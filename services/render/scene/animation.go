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
	"time"
)

// AnimationID identifies an animation within its node.
type AnimationID uint64

// AnimationState is the lifecycle position of an animation.
type AnimationState uint8

const (
	AnimationStateRunning AnimationState = iota
	AnimationStatePaused
	AnimationStateFinished
)

// String returns the state name used in dumps.
func (s AnimationState) String() string {
	switch s {
	case AnimationStateRunning:
		return "running"
	case AnimationStatePaused:
		return "paused"
	case AnimationStateFinished:
		return "finished"
	default:
		return "unknown"
	}
}

var (
	// ErrAnimationExists is returned when attaching a duplicate animation id.
	ErrAnimationExists = errors.New("animation already attached")

	// ErrAnimationNotFound is returned when an animation id is unknown.
	ErrAnimationNotFound = errors.New("animation not found")
)

// Interpolator maps an animation fraction in [0, 1] to a value.
type Interpolator interface {
	Interpolate(from, to, fraction float64) float64
}

// LinearInterpolator interpolates at constant speed.
type LinearInterpolator struct{}

// Interpolate implements Interpolator.
func (LinearInterpolator) Interpolate(from, to, fraction float64) float64 {
	return from + (to-from)*fraction
}

// PropertyAnimation drives one float property of a node from From to To.
type PropertyAnimation struct {
	ID           AnimationID
	Property     string
	From         float64
	To           float64
	Duration     time.Duration
	Interpolator Interpolator

	elapsed  time.Duration
	state    AnimationState
	lastTick int64
}

// State returns the current lifecycle state.
func (a *PropertyAnimation) State() AnimationState { return a.state }

// Elapsed returns the animated time so far.
func (a *PropertyAnimation) Elapsed() time.Duration { return a.elapsed }

// Fraction returns progress in [0, 1].
func (a *PropertyAnimation) Fraction() float64 {
	if a.Duration <= 0 {
		return 1
	}
	f := float64(a.elapsed) / float64(a.Duration)
	if f > 1 {
		return 1
	}
	return f
}

// step advances the animation to the frame timestamp now (ns) and
// returns the new value. The first step after attaching advances nothing.
func (a *PropertyAnimation) step(now int64) float64 {
	var delta time.Duration
	if a.lastTick != 0 {
		delta = elapsedSince(now, a.lastTick)
	}
	a.lastTick = now
	if a.state == AnimationStateRunning {
		a.elapsed += delta
		if a.elapsed >= a.Duration {
			a.elapsed = a.Duration
			a.state = AnimationStateFinished
		}
	}
	interp := a.Interpolator
	if interp == nil {
		interp = LinearInterpolator{}
	}
	return interp.Interpolate(a.From, a.To, a.Fraction())
}

// =============================================================================
// Node animation operations
// =============================================================================

// AttachAnimation adds anim to node n in the running state.
func AttachAnimation(n Node, anim *PropertyAnimation) error {
	b := n.Base()
	if _, exists := b.animations[anim.ID]; exists {
		return ErrAnimationExists
	}
	anim.state = AnimationStateRunning
	b.animations[anim.ID] = anim
	SetProperty(n, anim.Property, anim.From)
	return nil
}

// PauseAnimation pauses a running animation.
func PauseAnimation(n Node, id AnimationID) error {
	a, ok := n.Base().animations[id]
	if !ok {
		return ErrAnimationNotFound
	}
	if a.state == AnimationStateRunning {
		a.state = AnimationStatePaused
	}
	return nil
}

// ResumeAnimation resumes a paused animation.
func ResumeAnimation(n Node, id AnimationID) error {
	a, ok := n.Base().animations[id]
	if !ok {
		return ErrAnimationNotFound
	}
	if a.state == AnimationStatePaused {
		a.state = AnimationStateRunning
	}
	return nil
}

// FinishAnimation jumps an animation to its end value. The animation is
// removed on the next animate pass.
func FinishAnimation(n Node, id AnimationID) error {
	a, ok := n.Base().animations[id]
	if !ok {
		return ErrAnimationNotFound
	}
	a.elapsed = a.Duration
	a.state = AnimationStateFinished
	SetProperty(n, a.Property, a.To)
	return nil
}

// animateNode advances every animation on n to the timestamp now.
//
// Returns whether the node still has animations, whether any of them is
// running (and so needs another frame), and the ids that finished.
func animateNode(n Node, now int64) (hasAnimations, needFrame bool, finished []AnimationID) {
	b := n.Base()
	for _, id := range b.AnimationIDs() {
		a := b.animations[id]
		SetProperty(n, a.Property, a.step(now))
		switch a.state {
		case AnimationStateFinished:
			delete(b.animations, id)
			finished = append(finished, id)
		case AnimationStateRunning:
			needFrame = true
		}
	}
	return len(b.animations) > 0, needFrame, finished
}

// SetProperty writes a float property, routing the well-known surface
// properties to the surface geometry.
func SetProperty(n Node, name string, v float64) {
	if s, ok := n.(*SurfaceNode); ok {
		r := s.DstRect()
		switch name {
		case "alpha":
			s.SetAlpha(v)
			return
		case "x":
			r.X = int32(v)
			s.SetDstRect(r)
			return
		case "y":
			r.Y = int32(v)
			s.SetDstRect(r)
			return
		case "width":
			r.W = int32(v)
			s.SetDstRect(r)
			return
		case "height":
			r.H = int32(v)
			s.SetDstRect(r)
			return
		}
	}
	n.Base().properties[name] = v
}

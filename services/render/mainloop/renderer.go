// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package mainloop

import (
	"context"
	"sync/atomic"

	"github.com/AleutianAI/AleutianRender/services/render/scene"
	"github.com/AleutianAI/AleutianRender/services/render/screen"
)

// Frame is what the renderer draws.
type Frame struct {
	// Root of the scene.
	Root *scene.RootNode

	// Timestamp is the VSync timestamp (ns).
	Timestamp int64

	// Unified is true when the frame is rendered on the unified path.
	Unified bool

	// Surfaces are the on-tree surfaces in z-order, topmost last.
	Surfaces []*scene.SurfaceNode
}

// Renderer composes a frame. Render returns once composition is
// submitted; the scheduler does not wait for it to finish on the GPU.
type Renderer interface {
	Render(ctx context.Context, frame Frame) error
}

// FpsRenderer stands in for a compositing backend: it counts frames and
// records fps samples for the composer and every surface that consumed
// a buffer this frame.
type FpsRenderer struct {
	screens *screen.Manager
	frames  atomic.Uint64
}

// NewFpsRenderer creates a renderer recording into screens.
func NewFpsRenderer(screens *screen.Manager) *FpsRenderer {
	return &FpsRenderer{screens: screens}
}

// Render implements Renderer.
func (r *FpsRenderer) Render(_ context.Context, frame Frame) error {
	r.frames.Add(1)
	r.screens.RecordFrame(screen.ComposerLayer, frame.Timestamp)
	for _, s := range frame.Surfaces {
		if s.ConsumedThisFrame() {
			r.screens.RecordFrame(s.Name, frame.Timestamp)
		}
	}
	return nil
}

// Frames returns how many frames were rendered.
func (r *FpsRenderer) Frames() uint64 { return r.frames.Load() }

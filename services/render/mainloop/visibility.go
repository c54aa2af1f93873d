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
	"slices"
	"sort"

	"github.com/AleutianAI/AleutianRender/services/render/scene"
)

// visibilityState is the result of the last occlusion pass. Loop
// goroutine only.
type visibilityState struct {
	computed       bool
	surfaceCount   int
	lastVisible    []scene.NodeID
	lastPidVisible map[scene.Pid]bool
}

// computeVisibility recomputes which surfaces are visible and notifies
// listeners about changes.
//
// # Description
//
// On-tree surfaces are walked topmost first. Each surface is visible
// where its rect is not covered by the opaque surfaces above it. The
// pass is skipped while a window animation runs on the legacy path,
// and when neither the surface count nor the scene changed.
// Occlusion listeners get the sorted visible set once per frame when it
// changed. Visibility callbacks fire once for each client whose
// visibility flipped.
func (s *Scheduler) computeVisibility(ctx *scene.Context) {
	if s.windowAnim && !s.unified.Load() {
		return
	}
	reg := ctx.Registry()
	surfaces := reg.CollectSurfacesInZOrder()
	dirty := reg.TakeDirty()
	for _, sn := range surfaces {
		if sn.TakeGeometryChanged() {
			dirty = true
		}
	}
	if s.visibility.computed && !dirty && len(surfaces) == s.visibility.surfaceCount {
		return
	}
	s.visibility.computed = true
	s.visibility.surfaceCount = len(surfaces)

	var covered scene.Region
	visible := make([]scene.NodeID, 0, len(surfaces))
	pidVisible := make(map[scene.Pid]bool)
	for i := len(surfaces) - 1; i >= 0; i-- {
		sn := surfaces[i]
		rect := sn.DstRect()
		region := scene.NewRegion(rect).Sub(covered)
		sn.SetVisibleRegion(region)
		if !region.IsEmpty() {
			visible = append(visible, sn.ID())
			pidVisible[sn.Owner()] = true
		} else if _, seen := pidVisible[sn.Owner()]; !seen {
			pidVisible[sn.Owner()] = false
		}
		if !sn.IsTransparent() {
			covered = covered.Or(scene.NewRegion(rect))
		}
	}
	sort.Slice(visible, func(i, j int) bool { return visible[i] < visible[j] })

	if !slices.Equal(visible, s.visibility.lastVisible) {
		s.visibility.lastVisible = visible
		for _, l := range s.occlusionListeners() {
			l(slices.Clone(visible))
		}
	}
	s.notifyVisibilityFlips(pidVisible)
}

func (s *Scheduler) notifyVisibilityFlips(now map[scene.Pid]bool) {
	prev := s.visibility.lastPidVisible
	type flip struct {
		pid     scene.Pid
		visible bool
	}
	var flips []flip
	for pid, v := range now {
		if prev[pid] != v {
			flips = append(flips, flip{pid, v})
		}
	}
	for pid, v := range prev {
		if _, still := now[pid]; !still && v {
			flips = append(flips, flip{pid, false})
		}
	}
	s.visibility.lastPidVisible = now
	if len(flips) == 0 {
		return
	}
	sort.Slice(flips, func(i, j int) bool { return flips[i].pid < flips[j].pid })

	s.lmu.Lock()
	cbs := make([]VisibilityCallback, len(flips))
	for i, f := range flips {
		cbs[i] = s.visibilityCBs[f.pid]
	}
	s.lmu.Unlock()

	for i, f := range flips {
		if cbs[i] != nil {
			cbs[i](f.visible)
		}
	}
}

// VisibleSurfaces returns the visible surface ids of the last pass.
// Call from a task.
func (s *Scheduler) VisibleSurfaces() []scene.NodeID {
	return slices.Clone(s.visibility.lastVisible)
}

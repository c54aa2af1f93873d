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
	"log/slog"
	"sort"

	"github.com/AleutianAI/AleutianRender/services/render/scene"
)

// UniRenderEnabled reports whether frames currently use the unified path.
func (s *Scheduler) UniRenderEnabled() bool { return s.unified.Load() }

// QueryIfRTNeedRender reports whether clients must render their own
// content, which is the case on the legacy path.
func (s *Scheduler) QueryIfRTNeedRender() bool { return !s.unified.Load() }

// NotifyRenderModeChanged requests a switch of the render path.
//
// # Description
//
// Only allowed in dynamic mode. A request for the active path is a
// no-op. While a window animation runs the switch is deferred until it
// ends; otherwise it is applied by a posted task.
//
// # Outputs
//
//   - error: ErrRenderModeFixed outside dynamic mode, ErrSchedulerStopped
//     after Stop.
func (s *Scheduler) NotifyRenderModeChanged(unified bool) error {
	if s.cfg.RenderMode != RenderModeDynamic {
		return ErrRenderModeFixed
	}
	return s.PostTask(func(*scene.Context) {
		if s.unified.Load() == unified {
			s.pendingMode = nil
			return
		}
		if s.windowAnim {
			s.logger.Info("deferring render mode switch during window animation",
				slog.Bool("unified", unified))
			s.pendingMode = &unified
			return
		}
		s.applyRenderMode(unified)
	})
}

// applyRenderMode switches the path. Switching to legacy waits for every
// on-tree app window to show a buffer before the change callbacks run.
func (s *Scheduler) applyRenderMode(unified bool) {
	if s.waitingBufs {
		s.logger.Warn("render mode switched before the previous switch finished")
	}
	s.unified.Store(unified)
	s.waitingBufs = !unified
	s.visibility.computed = false
	s.logger.Info("render mode changed", slog.Bool("unified", unified))

	s.lmu.Lock()
	pids := make([]scene.Pid, 0, len(s.agents))
	for pid := range s.agents {
		pids = append(pids, pid)
	}
	sort.Slice(pids, func(i, j int) bool { return pids[i] < pids[j] })
	agents := make([]ApplicationAgent, len(pids))
	for i, pid := range pids {
		agents[i] = s.agents[pid]
	}
	s.lmu.Unlock()

	for _, a := range agents {
		a.OnRenderModeChanged(unified)
	}
	if unified {
		s.fireRenderModeCallbacks(true)
	}
	s.RequestNextVSync()
}

// checkBuffersAvailable ends the wait after a switch to legacy once
// every on-tree app window has a buffer.
func (s *Scheduler) checkBuffersAvailable(ctx *scene.Context) {
	if !s.waitingBufs {
		return
	}
	ready := true
	ctx.Registry().TraverseSurfaceNodes(func(sn *scene.SurfaceNode) {
		if sn.IsOnTree() && sn.IsAppWindow() && sn.Buffer() == nil {
			ready = false
		}
	})
	if !ready {
		return
	}
	s.waitingBufs = false
	s.logger.Info("all app windows have buffers, legacy path active")
	s.fireRenderModeCallbacks(false)
	s.RequestNextVSync()
}

// WaitingForBuffers reports whether a switch to legacy is still waiting
// on client buffers. Call from a task.
func (s *Scheduler) WaitingForBuffers() bool { return s.waitingBufs }

func (s *Scheduler) fireRenderModeCallbacks(unified bool) {
	s.lmu.Lock()
	pids := make([]scene.Pid, 0, len(s.renderModeCBs))
	for pid := range s.renderModeCBs {
		pids = append(pids, pid)
	}
	sort.Slice(pids, func(i, j int) bool { return pids[i] < pids[j] })
	cbs := make([]RenderModeCallback, len(pids))
	for i, pid := range pids {
		cbs[i] = s.renderModeCBs[pid]
	}
	s.lmu.Unlock()

	for _, cb := range cbs {
		cb(unified)
	}
}

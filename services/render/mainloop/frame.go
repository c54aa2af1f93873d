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
	"log/slog"
	"sort"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianRender/services/render/command"
	"github.com/AleutianAI/AleutianRender/services/render/scene"
	"github.com/AleutianAI/AleutianRender/services/render/transaction"
)

// runFrame runs one frame cycle for VSync timestamp ts.
func (s *Scheduler) runFrame(ctx *scene.Context, ts int64) {
	start := s.cfg.Now()

	s.vsyncMu.Lock()
	s.vsyncPending = false
	s.vsyncCount = 0
	s.vsyncMu.Unlock()

	ctx.CurrentTimestamp = ts
	spanCtx, span := s.tracer.Start(s.runCtx, "mainloop.Frame",
		trace.WithAttributes(attribute.Int64("vsync.timestamp", ts)))

	s.phase(spanCtx, "DrainTransactions", func(context.Context) { s.drainTransactions(ctx, ts) })
	s.phase(spanCtx, "Animate", func(context.Context) { s.animate(ctx) })
	s.phase(spanCtx, "ConsumeClientBuffers", func(context.Context) { s.consumeClientBuffers(ctx) })
	s.phase(spanCtx, "ComputeVisibility", func(context.Context) { s.computeVisibility(ctx) })
	s.phase(spanCtx, "Render", func(c context.Context) { s.render(c, ctx, span) })
	s.phase(spanCtx, "DispatchOutgoing", func(context.Context) { s.dispatchOutgoing(ctx, ts) })
	span.End()

	end := s.cfg.Now()
	d := end.Sub(start)
	s.lastFrameEnd = end
	s.frames.Add(1)
	s.metrics.RecordFrame(d)
	s.detectCompositionTimeout(ctx, d, end)
}

func (s *Scheduler) phase(ctx context.Context, name string, fn func(context.Context)) {
	c, span := s.tracer.Start(ctx, "mainloop."+name)
	defer span.End()
	fn(c)
}

// animate steps every animating node and keeps frames coming while
// anything still runs.
func (s *Scheduler) animate(ctx *scene.Context) {
	res := ctx.Animate()
	s.windowAnim = res.WindowAnimating
	if res.NeedFrame {
		s.RequestNextVSync()
	}
	if !s.windowAnim && s.pendingMode != nil {
		unified := *s.pendingMode
		s.pendingMode = nil
		s.applyRenderMode(unified)
	}
}

// consumeClientBuffers lets every surface latch at most one queued buffer.
func (s *Scheduler) consumeClientBuffers(ctx *scene.Context) {
	clear(s.legacy.bufferTS)
	needFrame := false
	ctx.Registry().TraverseSurfaceNodes(func(sn *scene.SurfaceNode) {
		if sn.ConsumeBuffer() {
			s.legacy.bufferTS[sn.ID()] = sn.BufferTimestamp()
			if sn.IsOnTree() {
				ctx.Registry().MarkDirty()
			}
		}
		sn.NotifyBufferAvailable()
		if sn.AvailableBufferCount() > 0 {
			needFrame = true
		}
	})
	if needFrame {
		s.RequestNextVSync()
	}
	s.checkBuffersAvailable(ctx)
}

func (s *Scheduler) render(c context.Context, ctx *scene.Context, frameSpan trace.Span) {
	frame := Frame{
		Root:      ctx.Registry().Root(),
		Timestamp: ctx.CurrentTimestamp,
		Unified:   s.unified.Load(),
		Surfaces:  ctx.Registry().CollectSurfacesInZOrder(),
	}
	if err := s.cfg.Renderer.Render(c, frame); err != nil {
		frameSpan.RecordError(err)
		frameSpan.SetStatus(codes.Error, err.Error())
		s.logger.Error("render failed", slog.String("error", err.Error()))
	}
}

// dispatchOutgoing turns the messages queued during the frame into one
// transaction per client and posts their delivery.
func (s *Scheduler) dispatchOutgoing(ctx *scene.Context, ts int64) {
	msgs := ctx.TakeMessages()
	if len(msgs) == 0 {
		return
	}
	out := make(map[scene.Pid]*transaction.Transaction)
	for _, m := range msgs {
		tx, ok := out[m.Pid]
		if !ok {
			tx = &transaction.Transaction{Timestamp: ts, SendingPid: m.Pid, UniRender: s.unified.Load()}
			out[m.Pid] = tx
		}
		switch p := m.Payload.(type) {
		case scene.AnimationFinished:
			tx.AddCommand(&command.AnimationFinishCallback{ID: p.NodeID, AnimationID: p.AnimationID},
				p.NodeID, command.FollowNone)
		default:
			s.logger.Debug("dropping unknown outgoing message", slog.Int("pid", int(m.Pid)))
		}
	}

	pids := make([]scene.Pid, 0, len(out))
	for pid := range out {
		pids = append(pids, pid)
	}
	sort.Slice(pids, func(i, j int) bool { return pids[i] < pids[j] })
	for _, pid := range pids {
		tx := out[pid]
		if tx.IsEmpty() {
			continue
		}
		err := s.PostTask(func(*scene.Context) { s.deliver(pid, tx) })
		if err != nil {
			s.logger.Debug("outgoing transaction not delivered", slog.Int("pid", int(pid)), slog.String("error", err.Error()))
		}
	}
}

func (s *Scheduler) deliver(pid scene.Pid, tx *transaction.Transaction) {
	agent := s.agent(pid)
	if agent == nil {
		s.missingAgentLg.Do(func() {
			s.logger.Warn("no application agent, dropping outgoing commands",
				slog.Int("pid", int(pid)),
				slog.Int("commands", len(tx.Payload)))
		})
		return
	}
	agent.OnTransaction(tx)
}

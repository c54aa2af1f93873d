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

	"github.com/AleutianAI/AleutianRender/services/render/command"
	"github.com/AleutianAI/AleutianRender/services/render/observability"
	"github.com/AleutianAI/AleutianRender/services/render/scene"
	"github.com/AleutianAI/AleutianRender/services/render/transaction"
)

// legacyCommand remembers who sent a command so nodes it creates get
// the right owner.
type legacyCommand struct {
	pid scene.Pid
	cmd command.Command
}

// byTimestamp groups commands by their transaction timestamp.
type byTimestamp map[int64][]legacyCommand

func (b byTimestamp) add(ts int64, c legacyCommand) {
	b[ts] = append(b[ts], c)
}

// legacyCommands holds legacy-path commands between arrival and the
// frame in which they take effect. Loop goroutine only.
type legacyCommands struct {
	pending       byTimestamp
	followVisitor byTimestamp
	cached        map[scene.NodeID]byTimestamp

	// bufferTS holds the buffer timestamp of every surface that consumed
	// a buffer in the previous frame.
	bufferTS map[scene.NodeID]int64
}

func newLegacyCommands() *legacyCommands {
	return &legacyCommands{
		pending:       make(byTimestamp),
		followVisitor: make(byTimestamp),
		cached:        make(map[scene.NodeID]byTimestamp),
		bufferTS:      make(map[scene.NodeID]int64),
	}
}

// cachedCount returns the number of commands waiting on a surface buffer.
func (l *legacyCommands) cachedCount() int {
	n := 0
	for _, m := range l.cached {
		for _, cmds := range m {
			n += len(cmds)
		}
	}
	return n
}

// classify sorts the commands of one legacy transaction into the
// pending, follow-visitor and per-node caches.
//
// # Description
//
// A command without a target or without a follow type takes effect in
// this frame. A follow-visitor command waits while the service waits
// for client buffers after a switch to the legacy path. A
// follow-to-parent command is cached under the parent of its node, or
// takes effect now if the node has no parent. Everything else is cached
// under its target until that surface shows a buffer at least as new as
// the transaction.
func (l *legacyCommands) classify(reg *scene.Registry, tx *transaction.Transaction, waitingBuffers bool) {
	ts := tx.Timestamp
	for _, e := range tx.Payload {
		c := legacyCommand{pid: tx.SendingPid, cmd: e.Command}
		if e.NodeID == 0 || e.FollowType == command.FollowNone {
			l.pending.add(ts, c)
			continue
		}
		node, ok := reg.GetRenderNode(e.NodeID)
		if waitingBuffers && ok && e.FollowType == command.FollowToVisitor {
			l.followVisitor.add(ts, c)
			continue
		}
		target := e.NodeID
		if ok && e.FollowType == command.FollowToParent {
			parent := node.Parent()
			if parent == nil {
				l.pending.add(ts, c)
				continue
			}
			target = parent.ID()
		}
		m, ok := l.cached[target]
		if !ok {
			m = make(byTimestamp)
			l.cached[target] = m
		}
		m.add(ts, c)
	}
}

// takeEffective removes and returns every command due this frame.
func (l *legacyCommands) takeEffective(reg *scene.Registry, unified, waitingBuffers bool) byTimestamp {
	effective := l.pending
	l.pending = make(byTimestamp)

	if !waitingBuffers && len(l.followVisitor) > 0 {
		for ts, cmds := range l.followVisitor {
			effective[ts] = append(effective[ts], cmds...)
		}
		l.followVisitor = make(byTimestamp)
	}

	ids := make([]scene.NodeID, 0, len(l.cached))
	for id := range l.cached {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		m := l.cached[id]
		surface, isSurface := scene.GetNode[*scene.SurfaceNode](reg, id)
		bufferTS, hasBuffer := l.bufferTS[id]
		releaseAll := !isSurface || !surface.IsOnTree() || !hasBuffer || unified
		for ts, cmds := range m {
			if releaseAll || ts <= bufferTS {
				effective[ts] = append(effective[ts], cmds...)
				delete(m, ts)
			}
		}
		if len(m) == 0 {
			delete(l.cached, id)
		}
	}
	return effective
}

// drainTransactions moves every received transaction into the
// sequencer and applies what it releases.
func (s *Scheduler) drainTransactions(ctx *scene.Context, now int64) {
	s.txMu.Lock()
	incoming := s.pendingTx
	s.pendingTx = make(map[scene.Pid][]*transaction.Transaction)
	src := s.cache
	s.txMu.Unlock()

	if src != nil {
		for pid, txs := range src.GetCachedTransactionData() {
			incoming[pid] = append(incoming[pid], txs...)
		}
	}

	pids := make([]scene.Pid, 0, len(incoming))
	for pid := range incoming {
		pids = append(pids, pid)
	}
	sort.Slice(pids, func(i, j int) bool { return pids[i] < pids[j] })

	for _, pid := range pids {
		txs := incoming[pid]
		dropped, err := s.seq.Push(pid, txs...)
		if err != nil {
			s.metrics.RecordDropped(observability.DropUnknownSender, len(txs))
			s.logger.Warn("dropping transactions from unregistered sender",
				slog.Int("pid", int(pid)),
				slog.Int("count", len(txs)))
			continue
		}
		if dropped > 0 {
			s.metrics.RecordDropped(observability.DropStale, dropped)
		}
	}

	unified := s.unified.Load()
	for _, batch := range s.seq.Release(now) {
		s.metrics.RecordSkipped(batch.Skipped)
		for _, tx := range batch.Transactions {
			if tx.UniRender {
				s.applyUnified(ctx, tx)
				continue
			}
			s.legacy.classify(ctx.Registry(), tx, s.waitingBufs)
			s.metrics.RecordApplied(false)
		}
	}
	s.applyLegacy(ctx, unified)

	// A sender blocked on a gap needs frames for its wait to expire.
	for _, st := range s.seq.Snapshot() {
		if st.Pending > 0 {
			s.RequestNextVSync()
			break
		}
	}
}

func (s *Scheduler) applyUnified(ctx *scene.Context, tx *transaction.Transaction) {
	tx.Process(ctx, func(e transaction.Entry, err error) {
		s.metrics.RecordCommandError()
		s.logger.Debug("command failed",
			slog.Int("pid", int(tx.SendingPid)),
			slog.Uint64("index", tx.Index),
			slog.String("command", e.Command.Kind().String()),
			slog.String("error", err.Error()))
	})
	s.metrics.RecordApplied(true)
}

func (s *Scheduler) applyLegacy(ctx *scene.Context, unified bool) {
	effective := s.legacy.takeEffective(ctx.Registry(), unified, s.waitingBufs)
	if len(effective) == 0 {
		return
	}
	stamps := make([]int64, 0, len(effective))
	for ts := range effective {
		stamps = append(stamps, ts)
	}
	sort.Slice(stamps, func(i, j int) bool { return stamps[i] < stamps[j] })

	for _, ts := range stamps {
		ctx.TransactionTimestamp = ts
		for _, c := range effective[ts] {
			if c.cmd == nil {
				continue
			}
			ctx.SenderPid = c.pid
			if err := c.cmd.Process(ctx); err != nil {
				s.metrics.RecordCommandError()
				s.logger.Debug("command failed",
					slog.Int("pid", int(c.pid)),
					slog.String("command", c.cmd.Kind().String()),
					slog.String("error", err.Error()))
			}
		}
	}
}

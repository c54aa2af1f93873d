// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package transaction

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/AleutianAI/AleutianRender/services/render/scene"
)

const (
	// DefaultRefreshPeriod is one frame at 60 Hz.
	DefaultRefreshPeriod = 16666667 * time.Nanosecond

	// DefaultSkipAfterPeriods is how many refresh periods a sender may
	// wait on a missing index before it is skipped.
	DefaultSkipAfterPeriods = 30

	// DefaultMaxPendingPerSender bounds the out-of-order buffer per sender.
	DefaultMaxPendingPerSender = 256
)

// ErrUnknownSender is returned when pushing for a pid that was never added.
var ErrUnknownSender = errors.New("unknown transaction sender")

// SequencerConfig configures a Sequencer.
type SequencerConfig struct {
	// RefreshPeriod is the length of one frame. Default: DefaultRefreshPeriod.
	RefreshPeriod time.Duration

	// SkipAfterPeriods is the bounded wait, in refresh periods, before a
	// missing index is given up on. Default: DefaultSkipAfterPeriods.
	SkipAfterPeriods int

	// MaxPendingPerSender forces a skip when a sender buffers more
	// out-of-order transactions than this. Default: DefaultMaxPendingPerSender.
	MaxPendingPerSender int

	// Logger receives gap and skip warnings. Default: slog.Default().
	Logger *slog.Logger
}

func (c *SequencerConfig) applyDefaults() {
	if c.RefreshPeriod <= 0 {
		c.RefreshPeriod = DefaultRefreshPeriod
	}
	if c.SkipAfterPeriods <= 0 {
		c.SkipAfterPeriods = DefaultSkipAfterPeriods
	}
	if c.MaxPendingPerSender <= 0 {
		c.MaxPendingPerSender = DefaultMaxPendingPerSender
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Batch is the run of transactions released for one sender, in index order.
type Batch struct {
	Pid          scene.Pid
	Transactions []*Transaction

	// Skipped counts indices given up on while producing this batch.
	Skipped uint64
}

// SenderState is a point-in-time view of one sender, used by dumps.
type SenderState struct {
	Pid       scene.Pid
	LastIndex uint64
	Pending   int
	Waiting   bool
	WaitStart int64
	Skipped   uint64
	Stale     uint64
}

type senderState struct {
	lastIndex uint64
	pending   map[uint64]*Transaction
	waiting   bool
	waitStart int64
	skipped   uint64
	stale     uint64
}

// Sequencer releases each sender's transactions strictly in index order.
//
// # Description
//
// Transactions are pushed in arrival order and buffered per sender
// until the next expected index (last applied + 1) is present. A sender
// blocked on a missing index starts a wait; once the wait exceeds
// SkipAfterPeriods refresh periods, or the buffer exceeds
// MaxPendingPerSender, the sender skips forward to its lowest buffered
// index. Senders never block each other.
//
// # Thread Safety
//
// Safe for concurrent use.
type Sequencer struct {
	mu      sync.Mutex
	cfg     SequencerConfig
	senders map[scene.Pid]*senderState
	logger  *slog.Logger
	gapLog  rate.Sometimes
}

// NewSequencer creates a Sequencer with no senders.
func NewSequencer(cfg SequencerConfig) *Sequencer {
	cfg.applyDefaults()
	return &Sequencer{
		cfg:     cfg,
		senders: make(map[scene.Pid]*senderState),
		logger:  cfg.Logger.With(slog.String("component", "sequencer")),
		gapLog:  rate.Sometimes{Interval: time.Second},
	}
}

// AddSender registers pid with last index 0. Re-adding resets its state.
func (s *Sequencer) AddSender(pid scene.Pid) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.senders[pid] = &senderState{pending: make(map[uint64]*Transaction)}
}

// RemoveSender drops pid and returns how many buffered transactions
// were discarded.
func (s *Sequencer) RemoveSender(pid scene.Pid) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.senders[pid]
	if !ok {
		return 0
	}
	delete(s.senders, pid)
	return len(st.pending)
}

// HasSender reports whether pid is registered.
func (s *Sequencer) HasSender(pid scene.Pid) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.senders[pid]
	return ok
}

// Push buffers txs for pid. Transactions at or below the last released
// index, and duplicates of an already buffered index, are dropped; the
// number dropped is returned.
func (s *Sequencer) Push(pid scene.Pid, txs ...*Transaction) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.senders[pid]
	if !ok {
		return len(txs), ErrUnknownSender
	}
	dropped := 0
	for _, tx := range txs {
		if tx == nil {
			continue
		}
		if tx.Index <= st.lastIndex {
			st.stale++
			dropped++
			continue
		}
		if _, dup := st.pending[tx.Index]; dup {
			st.stale++
			dropped++
			continue
		}
		st.pending[tx.Index] = tx
	}
	return dropped, nil
}

// Release returns, per sender, every transaction that is now in order.
//
// # Inputs
//
//   - now: Current frame timestamp in ns, used to time gap waits.
//
// # Outputs
//
//   - []Batch: Non-empty batches sorted by pid.
func (s *Sequencer) Release(now int64) []Batch {
	s.mu.Lock()
	defer s.mu.Unlock()

	pids := make([]scene.Pid, 0, len(s.senders))
	for pid := range s.senders {
		pids = append(pids, pid)
	}
	sort.Slice(pids, func(i, j int) bool { return pids[i] < pids[j] })

	var out []Batch
	for _, pid := range pids {
		b := s.releaseSender(pid, s.senders[pid], now)
		if len(b.Transactions) > 0 || b.Skipped > 0 {
			out = append(out, b)
		}
	}
	return out
}

func (s *Sequencer) releaseSender(pid scene.Pid, st *senderState, now int64) Batch {
	b := Batch{Pid: pid}
	for {
		next := st.lastIndex + 1
		if tx, ok := st.pending[next]; ok {
			delete(st.pending, next)
			st.lastIndex = next
			st.waiting = false
			b.Transactions = append(b.Transactions, tx)
			continue
		}
		if len(st.pending) == 0 {
			st.waiting = false
			return b
		}
		if !st.waiting {
			st.waiting = true
			st.waitStart = now
			s.gapLog.Do(func() {
				s.logger.Warn("transaction index gap",
					slog.Int("pid", int(pid)),
					slog.Uint64("expected", next),
					slog.Int("pending", len(st.pending)))
			})
		}
		overflow := len(st.pending) > s.cfg.MaxPendingPerSender
		if !overflow && !s.waitExpired(st, now) {
			return b
		}
		lowest := lowestIndex(st.pending)
		gap := lowest - next
		st.skipped += gap
		b.Skipped += gap
		st.lastIndex = lowest - 1
		st.waiting = false
		s.logger.Warn("skipping missing transactions",
			slog.Int("pid", int(pid)),
			slog.Uint64("from", next),
			slog.Uint64("to", lowest-1),
			slog.Bool("overflow", overflow))
	}
}

func (s *Sequencer) waitExpired(st *senderState, now int64) bool {
	waited := now - st.waitStart
	if waited <= 0 {
		return false
	}
	return waited/int64(s.cfg.RefreshPeriod) > int64(s.cfg.SkipAfterPeriods)
}

func lowestIndex(pending map[uint64]*Transaction) uint64 {
	first := true
	var low uint64
	for idx := range pending {
		if first || idx < low {
			low = idx
			first = false
		}
	}
	return low
}

// Pending returns how many transactions pid has buffered.
func (s *Sequencer) Pending(pid scene.Pid) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.senders[pid]; ok {
		return len(st.pending)
	}
	return 0
}

// Snapshot returns the state of every sender sorted by pid.
func (s *Sequencer) Snapshot() []SenderState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SenderState, 0, len(s.senders))
	for pid, st := range s.senders {
		out = append(out, SenderState{
			Pid:       pid,
			LastIndex: st.lastIndex,
			Pending:   len(st.pending),
			Waiting:   st.waiting,
			WaitStart: st.waitStart,
			Skipped:   st.skipped,
			Stale:     st.stale,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Pid < out[j].Pid })
	return out
}

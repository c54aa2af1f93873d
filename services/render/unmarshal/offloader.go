// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package unmarshal moves decoding of large transaction payloads off the
// connection goroutines onto a dedicated worker.
package unmarshal

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/AleutianAI/AleutianRender/services/render/observability"
	"github.com/AleutianAI/AleutianRender/services/render/scene"
	"github.com/AleutianAI/AleutianRender/services/render/transaction"
)

const (
	// DefaultThreshold is the payload size at or above which decoding is
	// offloaded.
	DefaultThreshold = 30 * 1024

	// DefaultQueueSize bounds the number of payloads waiting for the worker.
	DefaultQueueSize = 64
)

// ErrStopped is returned by Dispatch after Stop.
var ErrStopped = errors.New("unmarshal offloader stopped")

// Scheduler is the part of the frame scheduler the offloader feeds.
type Scheduler interface {
	// RecvTransaction hands over a synchronously decoded transaction.
	RecvTransaction(tx *transaction.Transaction)

	// RequestNextVSync wakes the scheduler to collect cached transactions.
	RequestNextVSync()
}

// Config configures an Offloader.
type Config struct {
	// Threshold in bytes. Default: DefaultThreshold.
	Threshold int

	// QueueSize of the worker inbox. Default: DefaultQueueSize.
	QueueSize int

	// Scheduler receives decoded transactions and wake-ups. Required.
	Scheduler Scheduler

	// Metrics is optional.
	Metrics *observability.Metrics

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

type job struct {
	pid   scene.Pid
	epoch uint64
	data  []byte
}

// Offloader decodes small payloads inline and large ones on a worker.
//
// # Description
//
// Large payloads are deep-copied so the caller can reuse its read
// buffer, decoded on the worker goroutine, and stored in a per-pid
// cache that the scheduler swaps out once per frame. The sending pid
// always comes from the connection, never from the payload.
//
// # Thread Safety
//
// Dispatch and GetCachedTransactionData are safe for concurrent use.
type Offloader struct {
	cfg    Config
	logger *slog.Logger

	queue   chan job
	stop    chan struct{}
	exiting chan struct{}
	wg      sync.WaitGroup

	lifecycle sync.RWMutex
	stopped   bool
	stopOnce  sync.Once

	mu    sync.Mutex
	cache map[scene.Pid][]*transaction.Transaction
	// epochs counts discards per pid. Jobs queued under an older epoch
	// are dropped when decoded.
	epochs map[scene.Pid]uint64
}

// New creates an Offloader. Call Start before dispatching large payloads.
func New(cfg Config) *Offloader {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Offloader{
		cfg:    cfg,
		logger: cfg.Logger.With(slog.String("component", "unmarshal")),
		queue:  make(chan job, cfg.QueueSize),
		stop:    make(chan struct{}),
		exiting: make(chan struct{}),
		cache:   make(map[scene.Pid][]*transaction.Transaction),
		epochs:  make(map[scene.Pid]uint64),
	}
}

// Start launches the worker goroutine. It exits on Stop or when ctx is done.
func (o *Offloader) Start(ctx context.Context) {
	o.wg.Add(1)
	go o.run(ctx)
}

// Stop rejects new payloads, decodes everything already queued and
// waits for the worker to exit. Safe to call more than once.
func (o *Offloader) Stop() {
	o.stopOnce.Do(func() {
		// Release dispatchers blocked on a full queue before taking the
		// write lock they would otherwise hold off.
		close(o.stop)
		o.lifecycle.Lock()
		o.stopped = true
		o.lifecycle.Unlock()
	})
	o.wg.Wait()
}

// Dispatch decodes or enqueues a payload received from pid.
//
// # Inputs
//
//   - pid: Pid of the connection the payload arrived on.
//   - raw: Encoded transaction. Not retained after return.
//
// # Outputs
//
//   - error: transaction.ErrCorruptPayload for a bad inline payload,
//     ErrStopped after Stop or once the worker has exited. Offloaded
//     corrupt payloads are only logged. A full queue blocks until the
//     worker makes room or shuts down, never longer.
func (o *Offloader) Dispatch(pid scene.Pid, raw []byte) error {
	if len(raw) < o.cfg.Threshold {
		tx, err := transaction.Unmarshal(raw)
		if err != nil {
			o.cfg.Metrics.RecordDropped(observability.DropCorrupt, 1)
			o.logger.Warn("dropping corrupt transaction",
				slog.Int("pid", int(pid)),
				slog.Int("bytes", len(raw)),
				slog.String("error", err.Error()))
			return err
		}
		tx.SendingPid = pid
		o.cfg.Metrics.RecordReceived(false)
		o.cfg.Scheduler.RecvTransaction(tx)
		return nil
	}

	o.lifecycle.RLock()
	defer o.lifecycle.RUnlock()
	if o.stopped {
		return ErrStopped
	}
	o.mu.Lock()
	epoch := o.epochs[pid]
	o.mu.Unlock()
	select {
	case o.queue <- job{pid: pid, epoch: epoch, data: bytes.Clone(raw)}:
		return nil
	case <-o.stop:
		return ErrStopped
	case <-o.exiting:
		return ErrStopped
	}
}

// GetCachedTransactionData swaps out and returns every cached transaction.
func (o *Offloader) GetCachedTransactionData() map[scene.Pid][]*transaction.Transaction {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.cache) == 0 {
		return nil
	}
	out := o.cache
	o.cache = make(map[scene.Pid][]*transaction.Transaction)
	return out
}

// DiscardTransactionData drops the cached transactions of pid and
// invalidates its payloads still queued for the worker. Payloads
// dispatched afterwards are kept.
//
// # Outputs
//
//   - int: Number of cached transactions dropped. Queued payloads are
//     counted in the drop metric when the worker reaches them.
func (o *Offloader) DiscardTransactionData(pid scene.Pid) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := len(o.cache[pid])
	delete(o.cache, pid)
	o.epochs[pid]++
	return n
}

func (o *Offloader) run(ctx context.Context) {
	defer o.wg.Done()
	for {
		select {
		case j := <-o.queue:
			o.process(j)
		case <-o.stop:
			o.shutdown()
			return
		case <-ctx.Done():
			o.shutdown()
			return
		}
	}
}

// shutdown rejects new payloads and decodes the ones already queued.
// Taking the write lock waits out every Dispatch still sending, so
// nothing is enqueued after the final drain.
func (o *Offloader) shutdown() {
	close(o.exiting)
	o.lifecycle.Lock()
	o.stopped = true
	o.lifecycle.Unlock()
	o.drain()
}

func (o *Offloader) drain() {
	for {
		select {
		case j := <-o.queue:
			o.process(j)
		default:
			return
		}
	}
}

func (o *Offloader) process(j job) {
	tx, err := transaction.Unmarshal(j.data)
	if err != nil {
		o.cfg.Metrics.RecordDropped(observability.DropCorrupt, 1)
		o.logger.Warn("dropping corrupt offloaded transaction",
			slog.Int("pid", int(j.pid)),
			slog.Int("bytes", len(j.data)),
			slog.String("error", err.Error()))
		return
	}
	tx.SendingPid = j.pid

	o.mu.Lock()
	if j.epoch != o.epochs[j.pid] {
		o.mu.Unlock()
		o.cfg.Metrics.RecordDropped(observability.DropDisconnected, 1)
		o.logger.Debug("dropping transaction of a discarded sender", slog.Int("pid", int(j.pid)))
		return
	}
	o.cache[j.pid] = append(o.cache[j.pid], tx)
	o.mu.Unlock()

	o.cfg.Metrics.RecordReceived(true)
	o.cfg.Scheduler.RequestNextVSync()
}

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
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/AleutianAI/AleutianRender/services/render/observability"
	"github.com/AleutianAI/AleutianRender/services/render/scene"
)

var (
	// ErrSchedulerStopped is returned for work posted after Stop.
	ErrSchedulerStopped = errors.New("scheduler stopped")

	// ErrTaskTimeout is returned by Future.WaitFor when the wait elapsed.
	// The task may still run; the outcome is unknown, not failed.
	ErrTaskTimeout = errors.New("task wait timed out, outcome unknown")

	// ErrTaskPanicked wraps the value recovered from a panicking task.
	ErrTaskPanicked = errors.New("scheduled task panicked")
)

// Task is work run on the scheduler goroutine with exclusive access to
// the scene context.
type Task func(ctx *scene.Context)

// task is one queue entry. reject is called instead of run when the
// scheduler shuts down before reaching it.
type task struct {
	name   string
	run    Task
	reject func(error)
}

// Future is the one-shot result of a scheduled task.
//
// # Thread Safety
//
// Safe for concurrent use. Any number of goroutines may wait.
type Future[T any] struct {
	done chan struct{}
	val  T
	err  error
}

func newFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

func (f *Future[T]) complete(v T, err error) {
	f.val, f.err = v, err
	close(f.done)
}

// Done is closed once the result is available.
func (f *Future[T]) Done() <-chan struct{} { return f.done }

// Wait blocks until the task completed.
func (f *Future[T]) Wait() (T, error) {
	<-f.done
	return f.val, f.err
}

// WaitFor blocks up to d. On timeout it returns ErrTaskTimeout and the
// task keeps running.
func (f *Future[T]) WaitFor(d time.Duration) (T, error) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-f.done:
		return f.val, f.err
	case <-timer.C:
		var zero T
		return zero, ErrTaskTimeout
	}
}

// WaitContext blocks until the task completed or ctx is done.
func (f *Future[T]) WaitContext(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, fmt.Errorf("%w: %v", ErrTaskTimeout, ctx.Err())
	}
}

// ScheduleTask runs fn on the scheduler goroutine after every task
// posted before it and returns a future for its result. A panic in fn
// is recovered and reported as ErrTaskPanicked.
//
// # Inputs
//
//   - s: The scheduler.
//   - fn: Work to run. Must not block on other scheduler tasks.
//
// # Outputs
//
//   - *Future[T]: Completes with fn's result, ErrTaskPanicked, or
//     ErrSchedulerStopped.
//
// # Thread Safety
//
// Safe to call from any goroutine except the scheduler's own: waiting
// on the future from inside a task deadlocks.
func ScheduleTask[T any](s *Scheduler, fn func(ctx *scene.Context) (T, error)) *Future[T] {
	f := newFuture[T]()
	var zero T
	err := s.enqueue(task{
		name: "scheduled",
		run: func(ctx *scene.Context) {
			var (
				v        T
				err      error
				finished bool
			)
			defer func() {
				if finished {
					return
				}
				r := recover()
				s.logger.Error("scheduled task panicked",
					slog.Any("panic", r),
					slog.String("stack", string(debug.Stack())))
				s.metrics.RecordTask(observability.TaskPanic)
				f.complete(zero, fmt.Errorf("%w: %v", ErrTaskPanicked, r))
			}()
			v, err = fn(ctx)
			finished = true
			if err != nil {
				s.metrics.RecordTask(observability.TaskError)
			} else {
				s.metrics.RecordTask(observability.TaskOK)
			}
			f.complete(v, err)
		},
		reject: func(err error) { f.complete(zero, err) },
	})
	if err != nil {
		s.metrics.RecordTask(observability.TaskRejected)
		f.complete(zero, err)
	}
	return f
}

// PostTask queues fn without waiting. Tasks run in FIFO order.
func (s *Scheduler) PostTask(fn Task) error {
	if err := s.enqueue(task{name: "posted", run: fn}); err != nil {
		s.metrics.RecordTask(observability.TaskRejected)
		return err
	}
	return nil
}

// PostSyncTask queues fn and blocks until it ran.
func (s *Scheduler) PostSyncTask(fn Task) error {
	_, err := ScheduleTask(s, func(ctx *scene.Context) (struct{}, error) {
		fn(ctx)
		return struct{}{}, nil
	}).Wait()
	return err
}

// enqueue appends t to the FIFO and wakes the loop.
func (s *Scheduler) enqueue(t task) error {
	s.qmu.Lock()
	if s.stopped {
		s.qmu.Unlock()
		return ErrSchedulerStopped
	}
	s.queue = append(s.queue, t)
	s.qmu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return nil
}

// dequeue pops the oldest task.
func (s *Scheduler) dequeue() (task, bool) {
	s.qmu.Lock()
	defer s.qmu.Unlock()
	if len(s.queue) == 0 {
		return task{}, false
	}
	t := s.queue[0]
	s.queue[0] = task{}
	s.queue = s.queue[1:]
	return t, true
}

// runTask executes t, keeping the loop alive across panics.
func (s *Scheduler) runTask(t task) {
	defer func() {
		if r := recover(); r != nil {
			s.metrics.RecordTask(observability.TaskPanic)
			s.logger.Error("task panicked",
				slog.String("task", t.name),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
		}
	}()
	t.run(s.ctx)
}

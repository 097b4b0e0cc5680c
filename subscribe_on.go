// Copyright 2025 samber.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// https://github.com/samber/ro/blob/main/licenses/LICENSE.apache.md
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package flow

import (
	"context"
	"sync"
)

// SubscribeOn returns an operator that moves the upstream Subscribe call
// (and, depending on requestOn, every subsequent Request call) onto
// scheduler. Two independent bits select one of four behaviors (spec
// §4.4):
//
//   - eagerCancel=false, requestOn=false: schedule a single task that
//     performs source.Subscribe(sink) on the scheduler.
//   - eagerCancel=false, requestOn=true: as above, but every Request(n)
//     the downstream issues is individually re-scheduled too.
//   - eagerCancel=true, requestOn=false: the downstream is handed a
//     DeferredSubscription before anything is scheduled, so it can cancel
//     before the scheduled subscribe has even run; the scheduled task
//     itself is cancellable.
//   - eagerCancel=true, requestOn=true: eager-cancel plus every Request(n)
//     is individually scheduled and individually cancellable.
func SubscribeOn[T any](scheduler Scheduler, eagerCancel bool, requestOn bool) func(Source[T]) Source[T] {
	return func(source Source[T]) Source[T] {
		return &subscribeOnSource[T]{
			source:      source,
			scheduler:   scheduler,
			eagerCancel: eagerCancel,
			requestOn:   requestOn,
		}
	}
}

type subscribeOnSource[T any] struct {
	source      Source[T]
	scheduler   Scheduler
	eagerCancel bool
	requestOn   bool
}

func (s *subscribeOnSource[T]) Subscribe(sink Sink[T]) {
	s.SubscribeWithContext(context.Background(), sink)
}

func (s *subscribeOnSource[T]) SubscribeWithContext(ctx context.Context, sink Sink[T]) {
	switch {
	case !s.eagerCancel && !s.requestOn:
		s.subscribeClassic(ctx, sink)
	case !s.eagerCancel && s.requestOn:
		s.subscribeRequestOn(ctx, sink)
	case s.eagerCancel && !s.requestOn:
		s.subscribeEager(ctx, sink)
	default:
		s.subscribeEagerRequestOn(ctx, sink)
	}
}

func (s *subscribeOnSource[T]) subscribeClassic(ctx context.Context, sink Sink[T]) {
	s.scheduler.Schedule(func() {
		s.source.SubscribeWithContext(ctx, sink)
	})
}

func (s *subscribeOnSource[T]) subscribeRequestOn(ctx context.Context, sink Sink[T]) {
	wrapped := &requestOnSink[T]{downstream: sink, scheduler: s.scheduler}

	s.scheduler.Schedule(func() {
		s.source.SubscribeWithContext(ctx, wrapped)
	})
}

func (s *subscribeOnSource[T]) subscribeEager(ctx context.Context, sink Sink[T]) {
	deferred := NewDeferredSubscription()
	registry := newTaskRegistry()

	sink.OnSubscribeWithContext(ctx, &eagerSubscription[T]{deferred: deferred, registry: registry})

	scheduleTracked(s.scheduler, registry, func() {
		s.source.SubscribeWithContext(ctx, &setOnSubscribeSink[T]{downstream: sink, deferred: deferred})
	})
}

func (s *subscribeOnSource[T]) subscribeEagerRequestOn(ctx context.Context, sink Sink[T]) {
	deferred := NewDeferredSubscription()
	registry := newTaskRegistry()

	sub := &eagerRequestOnSubscription[T]{deferred: deferred, registry: registry, scheduler: s.scheduler}
	sink.OnSubscribeWithContext(ctx, sub)

	scheduleTracked(s.scheduler, registry, func() {
		s.source.SubscribeWithContext(ctx, &setOnSubscribeSink[T]{downstream: sink, deferred: deferred})
	})
}

// setOnSubscribeSink forwards every signal to downstream unchanged, except
// OnSubscribe: the downstream Sink was already given its Subscription (a
// DeferredSubscription) eagerly, before the scheduled subscribe ran, so the
// real upstream subscription is installed into it via Set instead of being
// delivered as a second OnSubscribe call.
type setOnSubscribeSink[T any] struct {
	downstream Sink[T]
	deferred   *DeferredSubscription
}

func (k *setOnSubscribeSink[T]) OnSubscribe(sub Subscription) {
	k.OnSubscribeWithContext(context.Background(), sub)
}

func (k *setOnSubscribeSink[T]) OnSubscribeWithContext(ctx context.Context, sub Subscription) {
	k.deferred.SetWithContext(ctx, sub)
}

func (k *setOnSubscribeSink[T]) OnNext(value T) { k.downstream.OnNext(value) }
func (k *setOnSubscribeSink[T]) OnNextWithContext(ctx context.Context, value T) {
	k.downstream.OnNextWithContext(ctx, value)
}

func (k *setOnSubscribeSink[T]) OnError(err error) { k.downstream.OnError(err) }
func (k *setOnSubscribeSink[T]) OnErrorWithContext(ctx context.Context, err error) {
	k.downstream.OnErrorWithContext(ctx, err)
}

func (k *setOnSubscribeSink[T]) OnComplete() { k.downstream.OnComplete() }
func (k *setOnSubscribeSink[T]) OnCompleteWithContext(ctx context.Context) {
	k.downstream.OnCompleteWithContext(ctx)
}

// requestOnSink wraps a downstream Sink so that the Subscription it
// receives re-schedules every Request(n) onto the scheduler, instead of
// forwarding it on the calling thread.
type requestOnSink[T any] struct {
	downstream Sink[T]
	scheduler  Scheduler
}

func (k *requestOnSink[T]) OnSubscribe(sub Subscription) {
	k.OnSubscribeWithContext(context.Background(), sub)
}

func (k *requestOnSink[T]) OnSubscribeWithContext(ctx context.Context, sub Subscription) {
	k.downstream.OnSubscribeWithContext(ctx, &requestOnSubscription{upstream: sub, scheduler: k.scheduler})
}

func (k *requestOnSink[T]) OnNext(value T) { k.downstream.OnNext(value) }
func (k *requestOnSink[T]) OnNextWithContext(ctx context.Context, value T) {
	k.downstream.OnNextWithContext(ctx, value)
}

func (k *requestOnSink[T]) OnError(err error) { k.downstream.OnError(err) }
func (k *requestOnSink[T]) OnErrorWithContext(ctx context.Context, err error) {
	k.downstream.OnErrorWithContext(ctx, err)
}

func (k *requestOnSink[T]) OnComplete() { k.downstream.OnComplete() }
func (k *requestOnSink[T]) OnCompleteWithContext(ctx context.Context) {
	k.downstream.OnCompleteWithContext(ctx)
}

// requestOnSubscription reschedules every Request(n) onto the scheduler;
// Cancel is forwarded directly since only Request is scheduled in this
// (non-eager) mode.
type requestOnSubscription struct {
	upstream  Subscription
	scheduler Scheduler
}

func (r *requestOnSubscription) Request(n int64) {
	r.RequestWithContext(context.Background(), n)
}

func (r *requestOnSubscription) RequestWithContext(ctx context.Context, n int64) {
	r.scheduler.Schedule(func() {
		r.upstream.RequestWithContext(ctx, n)
	})
}

func (r *requestOnSubscription) Cancel() { r.upstream.Cancel() }
func (r *requestOnSubscription) CancelWithContext(ctx context.Context) {
	r.upstream.CancelWithContext(ctx)
}

// eagerSubscription is handed to the downstream before the scheduled
// subscribe runs. Cancel drains and cancels every tracked task (here, just
// the single subscribe task) and cancels the deferred upstream subscription
// (a no-op if the upstream was never set).
type eagerSubscription[T any] struct {
	deferred *DeferredSubscription
	registry *taskRegistry
}

func (e *eagerSubscription[T]) Request(n int64) { e.deferred.Request(n) }
func (e *eagerSubscription[T]) RequestWithContext(ctx context.Context, n int64) {
	e.deferred.RequestWithContext(ctx, n)
}

func (e *eagerSubscription[T]) Cancel() { e.CancelWithContext(context.Background()) }
func (e *eagerSubscription[T]) CancelWithContext(ctx context.Context) {
	e.registry.cancelAll()
	e.deferred.CancelWithContext(ctx)
}

// eagerRequestOnSubscription is the eagerCancel=true, requestOn=true
// variant: every Request(n) is itself a tracked, individually cancellable
// scheduled task.
type eagerRequestOnSubscription[T any] struct {
	deferred  *DeferredSubscription
	registry  *taskRegistry
	scheduler Scheduler
}

func (e *eagerRequestOnSubscription[T]) Request(n int64) {
	e.RequestWithContext(context.Background(), n)
}

func (e *eagerRequestOnSubscription[T]) RequestWithContext(ctx context.Context, n int64) {
	scheduleTracked(e.scheduler, e.registry, func() {
		e.deferred.RequestWithContext(ctx, n)
	})
}

func (e *eagerRequestOnSubscription[T]) Cancel() { e.CancelWithContext(context.Background()) }
func (e *eagerRequestOnSubscription[T]) CancelWithContext(ctx context.Context) {
	e.registry.cancelAll()
	e.deferred.CancelWithContext(ctx)
}

// --- eager-cancel task tracking (spec §4.4) ---

// taskState is the three-plus-one state a trackedTask's scheduler handle
// passes through: pending (handle not known yet), scheduled (handle known,
// task may still run), finished, or cancelled.
type taskState uint8

const (
	taskPending taskState = iota
	taskScheduled
	taskFinished
	taskCancelled
)

// trackedTask holds one in-flight scheduled unit of work. A small mutex
// guards its two-field state instead of a lock-free CAS loop: this mirrors
// subscriber.go's own rationale ("Mutex are much much faster than channels"
// — and, at this granularity, than juggling a tagged atomic reference) for
// a structure that is touched twice per task lifetime, not once per item.
type trackedTask struct {
	mu     sync.Mutex
	state  taskState
	handle CancelHandle
}

// setHandle installs the scheduler's cancel handle once Schedule returns
// it. If the task was already cancelled in the meantime, the handle lost
// the race and is invoked immediately by this, the losing, side — the
// race discipline spec §4.4 requires to guarantee at-most-one invocation.
func (t *trackedTask) setHandle(h CancelHandle) {
	t.mu.Lock()
	if t.state == taskCancelled {
		t.mu.Unlock()
		if h != nil {
			h()
		}
		return
	}

	t.state = taskScheduled
	t.handle = h
	t.mu.Unlock()
}

// finish transitions the task to FINISHED unless it was already cancelled.
// Returns false if the task must not run its body (it lost the race to a
// cancel).
func (t *trackedTask) finish() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state == taskCancelled {
		return false
	}

	t.state = taskFinished
	return true
}

// cancel transitions the task to CANCELLED and invokes the scheduler's
// cancel handle if it is already known. If the handle is not yet known,
// setHandle invokes it immediately once it arrives.
func (t *trackedTask) cancel() {
	t.mu.Lock()
	if t.state == taskFinished || t.state == taskCancelled {
		t.mu.Unlock()
		return
	}

	handle := t.handle
	known := t.state == taskScheduled
	t.state = taskCancelled
	t.mu.Unlock()

	if known && handle != nil {
		handle()
	}
}

// taskRegistry is the "collection of in-flight per-request scheduled
// tasks" of spec §4.4. A master cancel performs a single ownership
// transfer (swap the live map for nil, mark closed) and then walks the
// captured snapshot; no task can be added after the swap.
type taskRegistry struct {
	mu     sync.Mutex
	tasks  map[*trackedTask]struct{}
	closed bool
}

func newTaskRegistry() *taskRegistry {
	return &taskRegistry{tasks: map[*trackedTask]struct{}{}}
}

// add registers t. If the registry was already drained by cancelAll, t is
// cancelled immediately instead and add returns false.
func (r *taskRegistry) add(t *trackedTask) bool {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		t.cancel()
		return false
	}

	r.tasks[t] = struct{}{}
	r.mu.Unlock()
	return true
}

// remove drops t once it has run to completion. Harmless no-op if called
// after cancelAll has already swapped the map out from under it — deleting
// from a nil map is valid in Go and this race is explicitly benign (spec
// §9): the task is operating on a collection no longer referenced by
// anyone else.
func (r *taskRegistry) remove(t *trackedTask) {
	r.mu.Lock()
	delete(r.tasks, t)
	r.mu.Unlock()
}

// cancelAll performs the single ownership transfer described above, then
// cancels every task in the captured snapshot.
func (r *taskRegistry) cancelAll() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}

	r.closed = true
	snapshot := r.tasks
	r.tasks = nil
	r.mu.Unlock()

	for t := range snapshot {
		t.cancel()
	}
}

// scheduleTracked registers fn as a tracked task and schedules it,
// wiring the scheduler's returned cancel handle into the task's state
// machine. If the registry has already been drained (a master cancel
// already ran), fn is never scheduled at all.
func scheduleTracked(scheduler Scheduler, registry *taskRegistry, fn func()) {
	task := &trackedTask{}
	if !registry.add(task) {
		return
	}

	handle := scheduler.Schedule(func() {
		if !task.finish() {
			return
		}

		registry.remove(task)
		fn()
	})

	task.setHandle(handle)
}

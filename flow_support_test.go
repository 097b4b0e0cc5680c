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

// sliceSource is a synchronous, demand-respecting Source[int] test double:
// every Request(n) emits up to n still-unsent items immediately, on the
// calling goroutine, and completes once exhausted.
type sliceSource struct {
	items []int

	// sub is the last subscription handed out, kept for tests that need to
	// inspect how much demand the operator under test requested upstream
	// (e.g. Publish's refill replenishment).
	sub *sliceSubscription
}

func newSliceSource(items ...int) *sliceSource {
	return &sliceSource{items: items}
}

var _ Source[int] = (*sliceSource)(nil)

func (s *sliceSource) Subscribe(sink Sink[int]) {
	s.SubscribeWithContext(context.Background(), sink)
}

func (s *sliceSource) SubscribeWithContext(ctx context.Context, sink Sink[int]) {
	sub := &sliceSubscription{items: s.items, sink: sink}
	s.sub = sub
	sink.OnSubscribeWithContext(ctx, sub)
}

// totalRequested reports the cumulative n passed to the upstream
// subscription's Request across every call so far.
func (s *sliceSource) totalRequested() int64 {
	return s.sub.totalRequested
}

type sliceSubscription struct {
	items []int
	pos   int
	sink  Sink[int]

	done      bool
	cancelled bool

	totalRequested int64
}

var _ Subscription = (*sliceSubscription)(nil)

func (s *sliceSubscription) Request(n int64) { s.RequestWithContext(context.Background(), n) }

func (s *sliceSubscription) RequestWithContext(ctx context.Context, n int64) {
	s.totalRequested += n

	if s.done || s.cancelled {
		return
	}

	// Emits the whole requested burst in one synchronous pass, ignoring
	// cancellation signalled by the downstream mid-burst (as a real
	// interrupt-checking source would not) so tests can exercise items
	// delivered to an already-terminated operator.
	var emitted int64
	for emitted < n && s.pos < len(s.items) {
		value := s.items[s.pos]
		s.pos++
		emitted++
		s.sink.OnNextWithContext(ctx, value)
	}

	if !s.done && !s.cancelled && s.pos >= len(s.items) {
		s.done = true
		s.sink.OnCompleteWithContext(ctx)
	}
}

func (s *sliceSubscription) Cancel() { s.CancelWithContext(context.Background()) }

func (s *sliceSubscription) CancelWithContext(context.Context) {
	s.cancelled = true
}

// recordingSink collects every signal delivered to it so tests can assert
// on the exact sequence received.
type recordingSink[T any] struct {
	mu sync.Mutex

	sub       Subscription
	next      []T
	err       error
	errored   bool
	completed bool

	// onSubscribe, if set, runs synchronously with the subscription
	// in hand — e.g. to request a fixed amount immediately, or to cancel
	// before returning, exercising the "client cancelled during its own
	// onSubscribe" path.
	onSubscribe func(ctx context.Context, sub Subscription)
}

var _ Sink[int] = (*recordingSink[int])(nil)

func (r *recordingSink[T]) OnSubscribe(sub Subscription) {
	r.OnSubscribeWithContext(context.Background(), sub)
}

func (r *recordingSink[T]) OnSubscribeWithContext(ctx context.Context, sub Subscription) {
	r.mu.Lock()
	r.sub = sub
	hook := r.onSubscribe
	r.mu.Unlock()

	if hook != nil {
		hook(ctx, sub)
	}
}

func (r *recordingSink[T]) OnNext(value T) { r.OnNextWithContext(context.Background(), value) }

func (r *recordingSink[T]) OnNextWithContext(_ context.Context, value T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next = append(r.next, value)
}

func (r *recordingSink[T]) OnError(err error) { r.OnErrorWithContext(context.Background(), err) }

func (r *recordingSink[T]) OnErrorWithContext(_ context.Context, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
	r.errored = true
}

func (r *recordingSink[T]) OnComplete() { r.OnCompleteWithContext(context.Background()) }

func (r *recordingSink[T]) OnCompleteWithContext(_ context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completed = true
}

func (r *recordingSink[T]) values() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]T{}, r.next...)
}

func (r *recordingSink[T]) subscription() Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sub
}

func (r *recordingSink[T]) isCompleted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.completed
}

func (r *recordingSink[T]) isErrored() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.errored
}

func (r *recordingSink[T]) error() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// manualScheduler is a Scheduler test double whose tasks only run when
// runAll is called explicitly, letting tests control dispatch timing
// deterministically (e.g. to race a cancel against a not-yet-run task).
// Not exported: scheduler implementations and test utilities are both
// out of this library's scope (consumed, not shipped).
type manualScheduler struct {
	mu    sync.Mutex
	tasks []func()
}

var _ Scheduler = (*manualScheduler)(nil)

func (s *manualScheduler) Schedule(task func()) CancelHandle {
	cancelled := &onceFlag{}

	s.mu.Lock()
	s.tasks = append(s.tasks, func() {
		if cancelled.isSet() {
			return
		}

		task()
	})
	s.mu.Unlock()

	return func() {
		cancelled.tryAcquire()
	}
}

// runAll runs every task scheduled so far, in order, draining the queue
// first so tasks scheduled by a running task are not run re-entrantly.
func (s *manualScheduler) runAll() {
	s.mu.Lock()
	tasks := s.tasks
	s.tasks = nil
	s.mu.Unlock()

	for _, task := range tasks {
		task()
	}
}

func (s *manualScheduler) pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

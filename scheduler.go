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

import "context"

// CancelHandle best-effort cancels a task scheduled via Scheduler.Schedule.
// It is safe to call more than once and safe to call after the task has
// already run.
type CancelHandle func()

// Scheduler is the abstract collaborator SubscribeOn moves subscription
// (and optionally request) work onto. The only contract: a scheduled task
// runs at most once, and the returned CancelHandle, called before the task
// starts, prevents it from starting at all. This package does not specify
// scheduler implementations beyond the one default below — callers
// typically hand in a scheduler backed by a worker pool, an event loop, or
// a platform-specific executor.
type Scheduler interface {
	Schedule(task func()) CancelHandle
}

// recoverToUnhandled runs fn, converting a non-fatal panic into a call to
// OnUnhandledError instead of letting it escape (mirroring
// source_watch.go's `go recoverUnhandledError(func() { ... })` pattern for
// goroutines that have no Sink of their own to report errors to). A fatal
// panic (see isFatalPanic) is re-raised.
func recoverToUnhandled(ctx context.Context, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			if isFatalPanic(r) {
				panic(r)
			}

			OnUnhandledError(ctx, recoverValueToError(r))
		}
	}()

	fn()
}

// GoroutineScheduler is the default Scheduler: every task runs on its own
// goroutine. Cancellation is best-effort: if the cancel handle runs before
// the goroutine observes it, the task never starts; once started, it runs
// to completion (Go has no mechanism to preempt a running goroutine, so
// this matches the "best-effort" contract rather than a stronger
// guarantee).
type GoroutineScheduler struct{}

var _ Scheduler = GoroutineScheduler{}

// NewGoroutineScheduler creates the default goroutine-per-task Scheduler.
func NewGoroutineScheduler() GoroutineScheduler {
	return GoroutineScheduler{}
}

// Schedule implements Scheduler.
func (GoroutineScheduler) Schedule(task func()) CancelHandle {
	cancelled := &onceFlag{}

	go recoverToUnhandled(context.Background(), func() {
		if cancelled.isSet() {
			return
		}

		task()
	})

	return func() {
		cancelled.tryAcquire()
	}
}

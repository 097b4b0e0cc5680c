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
	"sync/atomic"
)

// Drop returns an operator that relieves backpressure by silently
// discarding items the downstream has not requested, instead of buffering
// or blocking the upstream. Every discarded item is handed to onDrop.
//
// Drop requests MaxDemand from its upstream as soon as it subscribes: the
// upstream is free to produce at will, and it is Drop's own internal
// counter — credited by the downstream's Request calls — that decides
// whether each item is forwarded or dropped. Drop therefore places no bound
// on upstream demand; it exposes no prefetch value for other stages to query.
func Drop[T any](onDrop func(value T)) func(Source[T]) Source[T] {
	return func(source Source[T]) Source[T] {
		return &dropSource[T]{source: source, onDrop: onDrop}
	}
}

type dropSource[T any] struct {
	source Source[T]
	onDrop func(value T)
}

func (s *dropSource[T]) Subscribe(sink Sink[T]) {
	s.SubscribeWithContext(context.Background(), sink)
}

func (s *dropSource[T]) SubscribeWithContext(ctx context.Context, sink Sink[T]) {
	op := &dropOperator[T]{downstream: sink, onDrop: s.onDrop}
	s.source.SubscribeWithContext(ctx, op)
}

// dropOperator is both a Sink (it subscribes to the upstream) and a
// Subscription (it is handed to the downstream). This dual role is the
// standard shape of every operator in this package: it sits on the
// boundary between two protocol instances.
type dropOperator[T any] struct {
	downstream Sink[T]
	onDrop     func(value T)

	upstream Subscription

	requested int64 // atomic; credited by downstream Request, debited per forwarded item

	cancelled  onceFlag
	terminated onceFlag
	done       bool // set by whichever path wins the terminated latch
}

var _ Sink[int] = (*dropOperator[int])(nil)
var _ Subscription = (*dropOperator[int])(nil)

// OnSubscribe implements Sink: receives the upstream subscription.
func (op *dropOperator[T]) OnSubscribe(sub Subscription) {
	op.OnSubscribeWithContext(context.Background(), sub)
}

func (op *dropOperator[T]) OnSubscribeWithContext(ctx context.Context, sub Subscription) {
	op.upstream = sub
	op.downstream.OnSubscribeWithContext(ctx, op)
	sub.RequestWithContext(ctx, MaxDemand)
}

// OnNext implements Sink.
func (op *dropOperator[T]) OnNext(value T) {
	op.OnNextWithContext(context.Background(), value)
}

func (op *dropOperator[T]) OnNextWithContext(ctx context.Context, value T) {
	if op.done || op.cancelled.isSet() {
		droppedNext[T](ctx, value)
		return
	}

	if atomic.LoadInt64(&op.requested) != 0 {
		subCap(&op.requested, 1)

		// The downstream's own OnNext is not a callback this operator owns
		// the way onDrop is, but a non-compliant Sink that panics here must
		// not be allowed to take the whole subscription down with it: the
		// item was already "delivered" as far as Drop's contract is
		// concerned, so the failure is swallowed to the dropped-signals
		// sink and the subscription otherwise continues (spec §4.3,
		// "delivered path").
		if err := callUserFunc(func() { op.downstream.OnNextWithContext(ctx, value) }); err != nil {
			droppedNext[T](ctx, value)
		}

		return
	}

	// Undelivered (dropped) path: onDrop is genuinely user code, and its
	// failure is fatal to the subscription (spec §4.3, "undelivered path").
	if err := callUserFunc(func() { op.onDrop(value) }); err != nil {
		op.terminateWithError(ctx, err)
	}
}

// OnError implements Sink.
func (op *dropOperator[T]) OnError(err error) {
	op.OnErrorWithContext(context.Background(), err)
}

func (op *dropOperator[T]) OnErrorWithContext(ctx context.Context, err error) {
	if !op.terminated.tryAcquire() {
		droppedError[T](ctx, err)
		return
	}

	op.done = true
	op.downstream.OnErrorWithContext(ctx, err)
}

// OnComplete implements Sink.
func (op *dropOperator[T]) OnComplete() {
	op.OnCompleteWithContext(context.Background())
}

func (op *dropOperator[T]) OnCompleteWithContext(ctx context.Context) {
	if !op.terminated.tryAcquire() {
		droppedComplete[T](ctx)
		return
	}

	op.done = true
	op.downstream.OnCompleteWithContext(ctx)
}

// terminateWithError is the fatal path: cancel upstream, then deliver
// OnError downstream exactly once. Also resolves spec §9's open question
// about a protocol-violating simultaneous terminal: whichever of "onDrop
// threw" and "upstream delivered its own terminal" wins the terminated
// latch terminates the subscription; the loser's signal is routed to the
// dropped-signals sink instead of being delivered twice.
func (op *dropOperator[T]) terminateWithError(ctx context.Context, err error) {
	if !op.terminated.tryAcquire() {
		droppedError[T](ctx, err)
		return
	}

	op.done = true

	if op.upstream != nil {
		op.upstream.CancelWithContext(ctx)
	}

	op.downstream.OnErrorWithContext(ctx, err)
}

// Request implements Subscription: the downstream's Request credits Drop's
// internal counter. Drop never forwards this upstream — it already asked
// for MaxDemand on subscribe.
func (op *dropOperator[T]) Request(n int64) {
	op.RequestWithContext(context.Background(), n)
}

func (op *dropOperator[T]) RequestWithContext(ctx context.Context, n int64) {
	if !validateRequest(n) {
		op.terminateWithError(ctx, ErrIllegalArgument)
		return
	}

	addCap(&op.requested, n)
}

// Cancel implements Subscription.
func (op *dropOperator[T]) Cancel() {
	op.CancelWithContext(context.Background())
}

func (op *dropOperator[T]) CancelWithContext(ctx context.Context) {
	if !op.cancelled.tryAcquire() {
		return
	}

	if op.upstream != nil {
		op.upstream.CancelWithContext(ctx)
	}
}

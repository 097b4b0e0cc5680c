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

// Package flow implements the operator runtime of a demand-regulated,
// push-based stream: the Source/Sink/Subscription protocol, and three
// representative operators (Drop, Publish, SubscribeOn) built on top of it.
//
// Unlike a plain Observable, every Source here is backpressure-aware: a
// downstream Sink receives items only up to the amount it has requested via
// its Subscription, and adjacent operators may negotiate a fast-path
// "fusion" protocol that bypasses onNext dispatch entirely.
package flow

import "context"

// Source is a producer of a stream of values. Calling Subscribe (or
// SubscribeWithContext) must call sink.OnSubscribe before any other signal
// on that sink, exactly once.
type Source[T any] interface {
	Subscribe(sink Sink[T])
	SubscribeWithContext(ctx context.Context, sink Sink[T])
}

// Sink is the consumer of a stream. It receives OnSubscribe exactly once,
// first; then zero or more OnNext; then at most one of OnComplete or
// OnError. No method is called again after a terminal signal.
//
// Implementations must not be reentrant: a Sink must finish processing one
// signal before the next is delivered. Operators in this package enforce
// that by construction (the drain loop, the subscriber's own CAS-guarded
// terminal transition), not by requiring the Sink itself to lock.
type Sink[T any] interface {
	OnSubscribe(sub Subscription)
	OnSubscribeWithContext(ctx context.Context, sub Subscription)

	OnNext(value T)
	OnNextWithContext(ctx context.Context, value T)

	OnError(err error)
	OnErrorWithContext(ctx context.Context, err error)

	OnComplete()
	OnCompleteWithContext(ctx context.Context)
}

// Subscription is the handle a Source gives a Sink for flow control:
// Request(n) asks for up to n more OnNext calls (n must be > 0); Cancel
// asks the Source to stop, idempotently.
type Subscription interface {
	Request(n int64)
	RequestWithContext(ctx context.Context, n int64)

	Cancel()
	CancelWithContext(ctx context.Context)
}

// FusionMode is a bitmask of fusion modes negotiable between adjacent
// operators. NONE means no fusion; SYNC means the upstream's items are
// always immediately available via Poll/IsEmpty, with onNext never called;
// ASYNC means items are delivered through a queue the upstream owns, with
// OnNext repurposed as a content-free wake-up signal. ANY is only ever used
// as a requested mode (meaning "either works"), never as a negotiated
// result.
type FusionMode uint8

const (
	FusionNone  FusionMode = 0
	FusionSync  FusionMode = 1 << 0
	FusionAsync FusionMode = 1 << 1
	FusionAny              = FusionSync | FusionAsync
)

// String implements fmt.Stringer for FusionMode, mirroring Kind's String
// method in flow.go.
func (m FusionMode) String() string {
	switch m {
	case FusionNone:
		return "NONE"
	case FusionSync:
		return "SYNC"
	case FusionAsync:
		return "ASYNC"
	case FusionAny:
		return "ANY"
	default:
		return "UNKNOWN"
	}
}

// FusedSource is the optional fast-path extension of Subscription. A
// Source that also implements FusedSource for the Subscription it hands to
// a Sink lets that Sink negotiate fusion instead of receiving plain OnNext
// calls.
//
// RequestFusion proposes a requestedMode (usually FusionAny) and returns
// the negotiated mode. If the result is FusionSync, the caller must poll
// with Poll/IsEmpty instead of waiting for OnNext; Poll returning (zero,
// false, nil) signals completion exactly once and must never be called
// again afterwards. If the result is FusionAsync, OnNext calls continue to
// arrive but carry no meaningful value — they are wake-ups telling the Sink
// to drain the queue via Poll — and OnComplete/OnError are still delivered
// through the normal Sink methods. FusionNone means fusion was refused and
// the plain protocol applies.
type FusedSource[T any] interface {
	Subscription

	RequestFusion(requestedMode FusionMode) FusionMode

	// Poll returns the next queued item. ok is false when the queue is
	// currently empty; if err is also nil this is either "try again later"
	// (ASYNC) or "stream complete" (SYNC) depending on the negotiated mode.
	// A non-nil err is a fatal poll failure: the caller must treat it like
	// an upstream OnError and stop polling.
	Poll() (value T, ok bool, err error)

	// IsEmpty reports whether Poll would currently return ok=false. It must
	// be O(1) and free of side effects.
	IsEmpty() bool

	// Clear discards any buffered items without delivering them. Used on
	// termination and cancellation.
	Clear()
}

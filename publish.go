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

	"github.com/samber/lo"
	"golang.org/x/exp/slices"
)

// Publish returns an operator that shares one upstream subscription among
// every downstream that subscribes to it, through a bounded prefetch
// queue, throttled to whichever current subscriber has the least
// outstanding demand. It connects to the upstream exactly once, on the
// first downstream Subscribe call.
//
// Unlike Drop and SubscribeOn, the Source Publish returns carries its own
// shared state: calling Subscribe on it more than once fans out to
// multiple subscribers against a single upstream subscription, rather than
// creating independent ones.
func Publish[T any](prefetch int, queueFactory QueueFactory[T]) func(Source[T]) Source[T] {
	return func(source Source[T]) Source[T] {
		return &publishSource[T]{mc: newMulticaster[T](source, prefetch, queueFactory)}
	}
}

// publishSource is the Source Publish hands back. It is a thin handle
// around the shared multicaster.
type publishSource[T any] struct {
	mc *multicaster[T]
}

var _ Source[int] = (*publishSource[int])(nil)

func (p *publishSource[T]) Subscribe(sink Sink[T]) {
	p.mc.subscribeClient(context.Background(), sink)
}

func (p *publishSource[T]) SubscribeWithContext(ctx context.Context, sink Sink[T]) {
	p.mc.subscribeClient(ctx, sink)
}

// Cancel tears down the whole multicast point — the "entry from the
// transform side" of spec §4.5, distinct from any one client's own Cancel.
// It cancels the upstream, swaps the subscriber array straight to
// TERMINATED (no further joins, no further signals to whoever is still
// attached), and clears the queue.
func (p *publishSource[T]) Cancel() { p.mc.cancelMulticast(context.Background()) }
func (p *publishSource[T]) CancelWithContext(ctx context.Context) {
	p.mc.cancelMulticast(ctx)
}

// subscriberArray is the copy-on-write array of client subscriptions, with
// the EMPTY (subs == nil, terminated == false) and TERMINATED
// (terminated == true) sentinels spec §3 calls for.
type subscriberArray[T any] struct {
	subs       []*publishClient[T]
	terminated bool
}

// multicastQueue unifies the two shapes Publish's prefetch buffer can take:
// a plain Queue[T] obtained from a QueueFactory, or a fused upstream's own
// FusedSource acting as the queue. Both are driven identically by drain.
type multicastQueue[T any] interface {
	Offer(value T) bool
	Poll() (value T, ok bool, err error)
	IsEmpty() bool
	Clear()
}

type plainQueueAdapter[T any] struct{ q Queue[T] }

func (a plainQueueAdapter[T]) Offer(value T) bool { return a.q.Offer(value) }
func (a plainQueueAdapter[T]) Poll() (T, bool, error) {
	value, ok := a.q.Poll()
	return value, ok, nil
}
func (a plainQueueAdapter[T]) IsEmpty() bool { return a.q.IsEmpty() }
func (a plainQueueAdapter[T]) Clear()        { a.q.Clear() }

type fusedQueueAdapter[T any] struct{ f FusedSource[T] }

func (a fusedQueueAdapter[T]) Offer(T) bool           { return true }
func (a fusedQueueAdapter[T]) Poll() (T, bool, error) { return a.f.Poll() }
func (a fusedQueueAdapter[T]) IsEmpty() bool          { return a.f.IsEmpty() }
func (a fusedQueueAdapter[T]) Clear()                 { a.f.Clear() }

// multicaster is the shared state behind one Publish call: a single
// upstream subscription, a copy-on-write array of client subscriptions,
// and a wip-serialized drain loop that moves items from the prefetch queue
// to every current subscriber at once.
type multicaster[T any] struct {
	upstreamSource Source[T]
	prefetch       int
	queueFactory   QueueFactory[T]
	limit          int64

	upstream   atomic.Pointer[subscriptionBox]
	sourceMode FusionMode
	mq         multicastQueue[T]

	subscribers atomic.Pointer[subscriberArray[T]]

	connected onceFlag
	cancelled onceFlag

	// err mirrors subject_publish.go's own lo.Tuple2[context.Context, error]
	// field: the terminal error alongside the context it arrived on. It is
	// written by the upstream signal handlers (OnError, or OnNext on queue
	// overflow) just before they set done, or by the drain loop on a poll
	// error, and always before terminateArray swaps the array to TERMINATED;
	// it is read afterwards by the terminal broadcast and by any goroutine
	// entering subscribeClient against the now-TERMINATED array. No lock
	// guards it.
	err  lo.Tuple2[context.Context, error]
	done int32 // atomic bool

	wip      int32 // atomic; serializes drain entry
	produced int64 // touched only inside drain, which wip makes single-threaded
}

func newMulticaster[T any](source Source[T], prefetch int, queueFactory QueueFactory[T]) *multicaster[T] {
	if prefetch < 1 {
		prefetch = 1
	}

	limit := int64(prefetch) - int64(prefetch)/4
	if limit < 1 {
		limit = 1
	}

	m := &multicaster[T]{
		upstreamSource: source,
		prefetch:       prefetch,
		queueFactory:   queueFactory,
		limit:          limit,
	}
	m.subscribers.Store(&subscriberArray[T]{})
	return m
}

// connectOnce subscribes to the upstream exactly once, the first time any
// client subscribes.
func (m *multicaster[T]) connectOnce(ctx context.Context) {
	if !m.connected.tryAcquire() {
		return
	}

	m.upstreamSource.SubscribeWithContext(ctx, &multicasterSink[T]{parent: m})
}

// subscribeClient implements the "Subscription lifecycle of a client" of
// spec §4.5: create the ClientSub, hand it to the sink, then CAS it into
// the subscriber array, with three possible outcomes.
func (m *multicaster[T]) subscribeClient(ctx context.Context, sink Sink[T]) {
	client := &publishClient[T]{parent: m, downstream: sink}
	sink.OnSubscribeWithContext(ctx, client)

	for {
		old := m.subscribers.Load()
		if old.terminated {
			// Outcome 1: array already TERMINATED.
			if m.err.B != nil {
				sink.OnErrorWithContext(ctx, m.err.B)
			} else {
				sink.OnCompleteWithContext(ctx)
			}
			return
		}

		grown := append(slices.Clone(old.subs), client)

		if m.subscribers.CompareAndSwap(old, &subscriberArray[T]{subs: grown}) {
			break
		}
	}

	m.connectOnce(ctx)

	if client.cancelled.isSet() {
		// Outcome 2: the client cancelled synchronously during its own
		// OnSubscribe, before we even finished adding it.
		m.removeAndDrain(ctx, client)
		return
	}

	// Outcome 3: added, nothing unusual; let the drain loop pick it up.
	m.drain(ctx)
}

// removeAndDrain CAS-loop searches the subscriber array for client,
// produces a new array with that slot removed (EMPTY if it was the last
// one), CAS-replaces it, then drains.
func (m *multicaster[T]) removeAndDrain(ctx context.Context, client *publishClient[T]) {
	for {
		old := m.subscribers.Load()
		if old.terminated {
			return
		}

		idx := slices.IndexFunc(old.subs, func(c *publishClient[T]) bool { return c == client })
		if idx < 0 {
			return
		}

		var next *subscriberArray[T]
		if len(old.subs) == 1 {
			next = &subscriberArray[T]{}
		} else {
			next = &subscriberArray[T]{subs: slices.Delete(slices.Clone(old.subs), idx, idx+1)}
		}

		if m.subscribers.CompareAndSwap(old, next) {
			break
		}
	}

	m.drain(ctx)
}

// cancelMulticast is the whole-operator cancel of spec §4.5, distinct from
// any one client's Cancel.
func (m *multicaster[T]) cancelMulticast(ctx context.Context) {
	if !m.cancelled.tryAcquire() {
		return
	}

	if box := m.upstream.Load(); box != nil {
		box.sub.CancelWithContext(ctx)
	}

	for {
		old := m.subscribers.Load()
		if old.terminated {
			break
		}

		if m.subscribers.CompareAndSwap(old, &subscriberArray[T]{terminated: true}) {
			break
		}
	}

	if atomic.AddInt32(&m.wip, 1) == 1 {
		if m.mq != nil {
			m.mq.Clear()
		}

		atomic.AddInt32(&m.wip, -1)
	}
}

// drain is the wip-serialized entry point: if wip was 0, the caller drains
// one or more passes itself; otherwise it just registers a missed signal
// for the current drainer to notice.
func (m *multicaster[T]) drain(ctx context.Context) {
	if atomic.AddInt32(&m.wip, 1) != 1 {
		return
	}

	missed := int32(1)
	for {
		if m.cancelled.isSet() {
			if m.mq != nil {
				m.mq.Clear()
			}
		} else if m.sourceMode == FusionSync {
			m.drainSync(ctx)
		} else {
			m.drainAsync(ctx)
		}

		missed = atomic.AddInt32(&m.wip, -missed)
		if missed == 0 {
			return
		}
	}
}

// drainSync is the SYNC-fusion drain variant: the upstream holds the
// queue, and completion is "poll returned empty".
func (m *multicaster[T]) drainSync(ctx context.Context) {
	arr := m.subscribers.Load()
	if arr.terminated {
		return
	}

	// The upstream's OnSubscribe (which allocates mq) may not have run yet
	// — e.g. the upstream subscribes asynchronously (SubscribeOn), and a
	// client requested demand from inside its own OnSubscribe before that
	// happens. Nothing to drain until mq exists; after it is allocated, the
	// fused branch of OnSubscribeWithContext drains once itself, and every
	// later OnNext/OnError/OnComplete from the upstream drains again.
	if m.mq == nil {
		return
	}

	r := minRequested(arr.subs)
	var e int64

	for e < r {
		if m.cancelled.isSet() {
			m.mq.Clear()
			return
		}

		value, ok, err := m.mq.Poll()
		if err != nil {
			m.err = lo.T2(ctx, err)
			m.terminateArray(ctx, arr)
			return
		}

		if !ok {
			m.terminateArray(ctx, arr)
			return
		}

		m.broadcastNext(ctx, arr.subs, value)
		e++
	}

	if e > 0 {
		for _, c := range arr.subs {
			c.markProduced(e)
		}
	}
}

// drainAsync is the default drain variant: items arrive via OnNext into an
// owned queue (or a wake-up signal, under ASYNC fusion); done is sampled
// before each poll, emptiness after.
func (m *multicaster[T]) drainAsync(ctx context.Context) {
	arr := m.subscribers.Load()
	if arr.terminated {
		return
	}

	// See drainSync: mq is nil until the upstream's OnSubscribe runs, which
	// an asynchronous upstream may defer past this drain call.
	if m.mq == nil {
		return
	}

	r := minRequested(arr.subs)
	var e int64

	for e < r {
		if m.cancelled.isSet() {
			m.mq.Clear()
			return
		}

		doneSnapshot := atomic.LoadInt32(&m.done) == 1

		value, ok, err := m.mq.Poll()
		if err != nil {
			m.err = lo.T2(ctx, err)
			m.terminateArray(ctx, arr)
			return
		}

		if doneSnapshot && !ok {
			m.terminateArray(ctx, arr)
			return
		}

		if !ok {
			break
		}

		m.broadcastNext(ctx, arr.subs, value)
		e++

		m.produced++
		if m.produced == m.limit {
			m.produced = 0

			if box := m.upstream.Load(); box != nil {
				box.sub.RequestWithContext(ctx, m.limit)
			}
		}
	}

	if e > 0 {
		for _, c := range arr.subs {
			c.markProduced(e)
		}
	}

	if atomic.LoadInt32(&m.done) == 1 && m.mq.IsEmpty() {
		m.terminateArray(ctx, arr)
	}
}

// terminateArray performs the termination swap of spec §4.5: CAS the
// subscriber array (still equal to observed) to TERMINATED, cancel the
// upstream, clear the queue, and broadcast the one terminal signal every
// still-attached subscriber gets.
func (m *multicaster[T]) terminateArray(ctx context.Context, observed *subscriberArray[T]) {
	if !m.subscribers.CompareAndSwap(observed, &subscriberArray[T]{terminated: true}) {
		return
	}

	if box := m.upstream.Load(); box != nil {
		box.sub.CancelWithContext(ctx)
	}

	m.mq.Clear()

	if m.err.B != nil {
		m.broadcastError(ctx, observed.subs, m.err.B)
	} else {
		m.broadcastComplete(ctx, observed.subs)
	}
}

func (m *multicaster[T]) broadcastNext(ctx context.Context, subs []*publishClient[T], value T) {
	for _, c := range subs {
		if c.cancelled.isSet() {
			continue
		}

		c.downstream.OnNextWithContext(ctx, value)
	}
}

func (m *multicaster[T]) broadcastError(ctx context.Context, subs []*publishClient[T], err error) {
	for _, c := range subs {
		if c.cancelled.isSet() {
			continue
		}

		c.downstream.OnErrorWithContext(ctx, err)
	}
}

func (m *multicaster[T]) broadcastComplete(ctx context.Context, subs []*publishClient[T]) {
	for _, c := range subs {
		if c.cancelled.isSet() {
			continue
		}

		c.downstream.OnCompleteWithContext(ctx)
	}
}

// minRequested computes the throttle: the minimum outstanding demand
// across every current subscriber. An empty set never emits (r = 0):
// mathematically the min over an empty set is unbounded, but with no one
// to deliver to there is nothing useful to poll yet.
func minRequested[T any](subs []*publishClient[T]) int64 {
	if len(subs) == 0 {
		return 0
	}

	r := MaxDemand
	for _, c := range subs {
		d := atomic.LoadInt64(&c.requested)
		if d < r {
			r = d
		}
	}

	return r
}

// multicasterSink is the Sink the multicaster itself presents to the real
// upstream source.
type multicasterSink[T any] struct {
	parent *multicaster[T]
}

func (s *multicasterSink[T]) OnSubscribe(sub Subscription) {
	s.OnSubscribeWithContext(context.Background(), sub)
}

func (s *multicasterSink[T]) OnSubscribeWithContext(ctx context.Context, sub Subscription) {
	m := s.parent
	m.upstream.Store(&subscriptionBox{sub: sub})

	if fused, ok := sub.(FusedSource[T]); ok {
		if mode := fused.RequestFusion(FusionAny); mode == FusionSync || mode == FusionAsync {
			m.sourceMode = mode
			m.mq = fusedQueueAdapter[T]{f: fused}

			if mode == FusionSync {
				sub.RequestWithContext(ctx, MaxDemand)
			} else {
				sub.RequestWithContext(ctx, int64(m.prefetch))
			}

			m.drain(ctx)
			return
		}
	}

	m.sourceMode = FusionNone
	m.mq = plainQueueAdapter[T]{q: m.queueFactory(m.prefetch)}
	sub.RequestWithContext(ctx, int64(m.prefetch))
}

func (s *multicasterSink[T]) OnNext(value T) { s.OnNextWithContext(context.Background(), value) }

func (s *multicasterSink[T]) OnNextWithContext(ctx context.Context, value T) {
	m := s.parent

	if m.sourceMode == FusionNone {
		if !m.mq.Offer(value) {
			m.err = lo.T2(ctx, ErrIllegalState)
			atomic.StoreInt32(&m.done, 1)
			m.drain(ctx)
			return
		}
	}

	// Under FusionAsync, value is an ignored wake-up: the item already
	// lives in the fused upstream's own queue. Under FusionSync, OnNext is
	// not expected to be called at all; treating it as a harmless wake-up
	// keeps a non-compliant upstream from wedging the drain.
	m.drain(ctx)
}

func (s *multicasterSink[T]) OnError(err error) { s.OnErrorWithContext(context.Background(), err) }

func (s *multicasterSink[T]) OnErrorWithContext(ctx context.Context, err error) {
	m := s.parent
	m.err = lo.T2(ctx, err)
	atomic.StoreInt32(&m.done, 1)
	m.drain(ctx)
}

func (s *multicasterSink[T]) OnComplete() { s.OnCompleteWithContext(context.Background()) }

func (s *multicasterSink[T]) OnCompleteWithContext(ctx context.Context) {
	m := s.parent
	atomic.StoreInt32(&m.done, 1)
	m.drain(ctx)
}

// publishClient is the Subscription handed to one downstream of Publish.
// Per spec §4.6, it deliberately does not implement FusedSource: the
// multicaster's client-facing subscription rejects fusion requests by
// default, which falls out naturally here since there is no
// RequestFusion method for a downstream's type assertion to find.
type publishClient[T any] struct {
	parent     *multicaster[T]
	downstream Sink[T]

	requested int64 // atomic
	cancelled onceFlag
}

var _ Subscription = (*publishClient[int])(nil)

func (c *publishClient[T]) Request(n int64) { c.RequestWithContext(context.Background(), n) }

func (c *publishClient[T]) RequestWithContext(ctx context.Context, n int64) {
	if !validateRequest(n) {
		if c.cancelled.tryAcquire() {
			c.downstream.OnErrorWithContext(ctx, ErrIllegalArgument)
			c.parent.removeAndDrain(ctx, c)
		}

		return
	}

	addCap(&c.requested, n)
	c.parent.drain(ctx)
}

func (c *publishClient[T]) Cancel() { c.CancelWithContext(context.Background()) }

func (c *publishClient[T]) CancelWithContext(ctx context.Context) {
	if !c.cancelled.tryAcquire() {
		return
	}

	c.parent.removeAndDrain(ctx, c)
}

// markProduced subtracts n from the client's outstanding demand, unless it
// is at the MaxDemand sentinel.
func (c *publishClient[T]) markProduced(n int64) {
	subCap(&c.requested, n)
}

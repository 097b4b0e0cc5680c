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

// subscriptionBox boxes a Subscription so it can be CAS-swapped through an
// atomic.Pointer. A plain atomic.Value cannot be used here because it
// panics when successive Store calls carry different concrete types, and
// the upstream Subscription's concrete type varies by operator.
type subscriptionBox struct {
	sub Subscription
}

// DeferredSubscription is a Subscription that exists before the real
// upstream is known. It buffers Request and Cancel calls and replays them
// exactly once against the real upstream when Set is finally called.
//
// This is the building block SubscribeOn's eager-cancel modes use to let a
// downstream cancel before the scheduled subscribe has even run, and it is
// a useful standalone arbiter for any operator shape that separates "who
// subscribed" from "when the upstream subscription became available".
type DeferredSubscription struct {
	upstream  atomic.Pointer[subscriptionBox]
	requested int64
	cancelled onceFlag
}

var _ Subscription = (*DeferredSubscription)(nil)

// NewDeferredSubscription creates an empty DeferredSubscription with no
// upstream set yet.
func NewDeferredSubscription() *DeferredSubscription {
	return &DeferredSubscription{}
}

// Set installs the real upstream subscription, one-shot. If a upstream was
// already set, or this DeferredSubscription was already cancelled, the
// newcomer is cancelled immediately and Set returns false. Otherwise, any
// requested amount accumulated so far is forwarded to it exactly once, and
// Set returns true.
func (d *DeferredSubscription) Set(upstream Subscription) bool {
	return d.SetWithContext(context.Background(), upstream)
}

// SetWithContext is Set with an explicit context, threaded through to the
// upstream's Cancel/Request calls it may trigger.
func (d *DeferredSubscription) SetWithContext(ctx context.Context, upstream Subscription) bool {
	if upstream == nil {
		return false
	}

	box := &subscriptionBox{sub: upstream}
	if !d.upstream.CompareAndSwap(nil, box) {
		upstream.CancelWithContext(ctx)
		return false
	}

	// The cancel may have raced us and landed between our CAS and this
	// check; since cancelled is a one-shot latch, re-reading it here is
	// sufficient to decide whether the newcomer should have been cancelled.
	if d.cancelled.isSet() {
		upstream.CancelWithContext(ctx)
		return false
	}

	if r := atomic.SwapInt64(&d.requested, 0); r != 0 {
		upstream.RequestWithContext(ctx, r)
	}

	return true
}

// Request implements Subscription.
func (d *DeferredSubscription) Request(n int64) {
	d.RequestWithContext(context.Background(), n)
}

// RequestWithContext implements Subscription.
func (d *DeferredSubscription) RequestWithContext(ctx context.Context, n int64) {
	if !validateRequest(n) {
		return
	}

	if box := d.upstream.Load(); box != nil {
		box.sub.RequestWithContext(ctx, n)
		return
	}

	addCap(&d.requested, n)

	// The upstream may have been installed concurrently with the addCap
	// above; if so, drain whatever is pending now. SwapInt64(...,0) ensures
	// exactly one of this goroutine and a concurrent Set forwards the
	// accumulated amount, never both and never neither.
	if box := d.upstream.Load(); box != nil {
		if r := atomic.SwapInt64(&d.requested, 0); r != 0 {
			box.sub.RequestWithContext(ctx, r)
		}
	}
}

// Cancel implements Subscription. Idempotent: only the first call has any
// effect.
func (d *DeferredSubscription) Cancel() {
	d.CancelWithContext(context.Background())
}

// CancelWithContext implements Subscription.
func (d *DeferredSubscription) CancelWithContext(ctx context.Context) {
	if !d.cancelled.tryAcquire() {
		return
	}

	if box := d.upstream.Load(); box != nil {
		box.sub.CancelWithContext(ctx)
	}
}

// IsCancelled reports whether Cancel has been called.
func (d *DeferredSubscription) IsCancelled() bool {
	return d.cancelled.isSet()
}

// IsSet reports whether the real upstream has been installed via Set.
func (d *DeferredSubscription) IsSet() bool {
	return d.upstream.Load() != nil
}

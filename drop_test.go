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
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Scenario 1 (spec §8): Drop, starved downstream. Source emits 1..10
// synchronously. Downstream requests 3, then no more. Sink receives
// [1,2,3]; onDrop receives [4..10]; onComplete follows the last drop.
func TestDropStarvedDownstream(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var dropped []int

	source := newSliceSource(1, 2, 3, 4, 5, 6, 7, 8, 9, 10)
	op := Drop[int](func(value int) {
		mu.Lock()
		defer mu.Unlock()
		dropped = append(dropped, value)
	})(source)

	sink := &recordingSink[int]{
		onSubscribe: func(ctx context.Context, sub Subscription) {
			sub.RequestWithContext(ctx, 3)
		},
	}

	op.Subscribe(sink)

	assert.Equal(t, []int{1, 2, 3}, sink.values())
	mu.Lock()
	assert.Equal(t, []int{4, 5, 6, 7, 8, 9, 10}, dropped)
	mu.Unlock()
	assert.True(t, sink.isCompleted())
	assert.False(t, sink.isErrored())
}

// Scenario 2 (spec §8): Drop, onDrop throws. Source emits 1,2,3; downstream
// requests 0 (never requests); onDrop(2) throws E. Sink receives
// onError(E); upstream is cancelled; 3 goes to the dropped-signals sink.
func TestDropOnDropThrows(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	source := newSliceSource(1, 2, 3)

	var seen []int
	op := Drop[int](func(value int) {
		seen = append(seen, value)
		if value == 2 {
			panic(boom)
		}
	})(source)

	var droppedNotifications []Notification[int]
	sink := &recordingSink[int]{}

	WithDroppedNotification(t, func(ctx context.Context, n fmt.Stringer) {
		if typed, ok := n.(Notification[int]); ok {
			droppedNotifications = append(droppedNotifications, typed)
		}
	}, func() {
		op.Subscribe(sink)
	})

	require.True(t, sink.isErrored())
	assert.Same(t, boom, sink.error())
	assert.Equal(t, []int{1, 2}, seen)
	require.Len(t, droppedNotifications, 1)
	assert.Equal(t, KindNext, droppedNotifications[0].Kind)
	assert.Equal(t, 3, droppedNotifications[0].Value)
}

// Round-trip (spec §8): source -> drop(onDrop=collect) -> subscribe with
// sufficient demand reproduces the source sequence exactly, and collect is
// empty.
func TestDropRoundTrip(t *testing.T) {
	t.Parallel()

	var collected []int
	source := newSliceSource(1, 2, 3, 4, 5)
	op := Drop[int](func(value int) {
		collected = append(collected, value)
	})(source)

	sink := &recordingSink[int]{
		onSubscribe: func(ctx context.Context, sub Subscription) {
			sub.RequestWithContext(ctx, MaxDemand)
		},
	}

	op.Subscribe(sink)

	assert.Equal(t, []int{1, 2, 3, 4, 5}, sink.values())
	assert.Empty(t, collected)
	assert.True(t, sink.isCompleted())
}

// Post-terminal onNext/onComplete are routed to the dropped-signals sink, not
// redelivered.
func TestDropPostTerminalSignalsAreDropped(t *testing.T) {
	t.Parallel()

	source := newSliceSource(1, 2)
	op := Drop[int](func(int) {})(source)

	sink := &recordingSink[int]{
		onSubscribe: func(ctx context.Context, sub Subscription) {
			sub.RequestWithContext(ctx, MaxDemand)
		},
	}

	op.Subscribe(sink)
	require.True(t, sink.isCompleted())

	// Deliver a late, protocol-violating signal directly to the already
	// terminated operator via its captured Subscription's owning Sink
	// interface (simulating a non-compliant upstream sending twice).
	dropOp, ok := sink.subscription().(*dropOperator[int])
	require.True(t, ok)

	var droppedKinds []Kind
	WithDroppedNotification(t, func(ctx context.Context, n fmt.Stringer) {
		if typed, ok := n.(Notification[int]); ok {
			droppedKinds = append(droppedKinds, typed.Kind)
		}
	}, func() {
		dropOp.OnNextWithContext(context.Background(), 99)
		dropOp.OnCompleteWithContext(context.Background())
	})

	assert.Equal(t, []Kind{KindNext, KindComplete}, droppedKinds)
	assert.Equal(t, []int{1, 2}, sink.values())
}

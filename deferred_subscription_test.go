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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSubscription struct {
	requested int64
	cancelled bool
}

func (f *fakeSubscription) Request(n int64) { f.RequestWithContext(context.Background(), n) }
func (f *fakeSubscription) RequestWithContext(_ context.Context, n int64) {
	f.requested += n
}

func (f *fakeSubscription) Cancel() { f.CancelWithContext(context.Background()) }
func (f *fakeSubscription) CancelWithContext(context.Context) {
	f.cancelled = true
}

var _ Subscription = (*fakeSubscription)(nil)

func TestDeferredSubscriptionBuffersRequestUntilSet(t *testing.T) {
	t.Parallel()

	d := NewDeferredSubscription()
	d.Request(5)
	d.Request(2)

	assert.False(t, d.IsSet())

	real := &fakeSubscription{}
	require.True(t, d.Set(real))

	assert.Equal(t, int64(7), real.requested)
	assert.True(t, d.IsSet())

	d.Request(3)
	assert.Equal(t, int64(10), real.requested)
}

func TestDeferredSubscriptionCancelBeforeSetCancelsNewcomer(t *testing.T) {
	t.Parallel()

	d := NewDeferredSubscription()
	d.Cancel()

	real := &fakeSubscription{}
	assert.False(t, d.Set(real))
	assert.True(t, real.cancelled)
}

func TestDeferredSubscriptionSetIsOneShot(t *testing.T) {
	t.Parallel()

	d := NewDeferredSubscription()

	first := &fakeSubscription{}
	require.True(t, d.Set(first))

	second := &fakeSubscription{}
	assert.False(t, d.Set(second))
	assert.True(t, second.cancelled)
	assert.False(t, first.cancelled)
}

func TestDeferredSubscriptionCancelIsIdempotent(t *testing.T) {
	t.Parallel()

	d := NewDeferredSubscription()
	real := &fakeSubscription{}
	require.True(t, d.Set(real))

	d.Cancel()
	d.Cancel()

	assert.True(t, real.cancelled)
}

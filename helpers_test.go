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
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddCap(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		curr int64
		n    int64
		want int64
	}{
		{"simple add", 1, 2, 3},
		{"add to zero", 0, 5, 5},
		{"saturates at overflow", MaxDemand - 1, 10, MaxDemand},
		{"exactly saturates", MaxDemand - 3, 3, MaxDemand},
		{"already saturated is a no-op", MaxDemand, 5, MaxDemand},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			field := tt.curr
			addCap(&field, tt.n)
			assert.Equal(t, tt.want, field)
		})
	}
}

func TestSubCap(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		curr int64
		n    int64
		want int64
	}{
		{"simple subtract", 5, 2, 3},
		{"floors at zero", 2, 5, 0},
		{"exact to zero", 5, 5, 0},
		{"sentinel is a no-op", MaxDemand, 5, MaxDemand},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			field := tt.curr
			subCap(&field, tt.n)
			assert.Equal(t, tt.want, field)
		})
	}
}

func TestValidateRequest(t *testing.T) {
	t.Parallel()

	assert.True(t, validateRequest(1))
	assert.True(t, validateRequest(MaxDemand))
	assert.False(t, validateRequest(0))
	assert.False(t, validateRequest(-1))
}

func TestIsFatalPanic(t *testing.T) {
	t.Parallel()

	assert.False(t, isFatalPanic(errors.New("boom")))
	assert.False(t, isFatalPanic("boom"))
	assert.False(t, isFatalPanic(42))

	var arr []int
	fatal := func() (r any) {
		defer func() { r = recover() }()
		_ = arr[1] //nolint:staticcheck
		return nil
	}()
	assert.True(t, isFatalPanic(fatal))
}

func TestCallUserFuncNonFatal(t *testing.T) {
	t.Parallel()

	err := callUserFunc(func() { panic("boom") })
	require.Error(t, err)
	assert.Equal(t, "boom", err.Error())

	sentinel := errors.New("sentinel")
	err = callUserFunc(func() { panic(sentinel) })
	assert.Same(t, sentinel, err)

	err = callUserFunc(func() {})
	assert.NoError(t, err)
}

func TestCallUserFuncFatalRepanics(t *testing.T) {
	t.Parallel()

	var arr []int

	assert.Panics(t, func() {
		_ = callUserFunc(func() {
			_ = arr[1] //nolint:staticcheck
		})
	})
}

func TestOnceFlag(t *testing.T) {
	t.Parallel()

	var f onceFlag
	assert.False(t, f.isSet())
	assert.True(t, f.tryAcquire())
	assert.True(t, f.isSet())
	assert.False(t, f.tryAcquire())

	// Concurrent callers: exactly one must win.
	var f2 onceFlag
	var wg sync.WaitGroup
	wins := make(chan bool, 16)

	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			wins <- f2.tryAcquire()
		}()
	}

	wg.Wait()
	close(wins)

	count := 0
	for w := range wins {
		if w {
			count++
		}
	}

	assert.Equal(t, 1, count)
}

func TestFusionModeString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "NONE", FusionNone.String())
	assert.Equal(t, "SYNC", FusionSync.String())
	assert.Equal(t, "ASYNC", FusionAsync.String())
	assert.Equal(t, "ANY", FusionAny.String())
}

func TestKindString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "Next", KindNext.String())
	assert.Equal(t, "Error", KindError.String())
	assert.Equal(t, "Complete", KindComplete.String())
}

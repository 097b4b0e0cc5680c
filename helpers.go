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
	"fmt"
	"math"
	"runtime"
	"sync/atomic"

	"github.com/samber/lo"
)

// MaxDemand is the sentinel demand value meaning "unbounded". Once a
// subscription's demand reaches MaxDemand, further Request calls are
// no-ops and per-emission decrements are skipped.
const MaxDemand = int64(math.MaxInt64)

// ErrIllegalArgument is the error wrapped into OnError when a downstream
// issues a protocol-violating Request(n) with n <= 0.
var ErrIllegalArgument = errors.New("flow: request(n) must be positive")

// ErrIllegalState is the error wrapped into OnError when a queue reports
// overflow (Offer returning false), a protocol break the spec treats as
// fatal to the affected subscription(s).
var ErrIllegalState = errors.New("flow: queue overflow")

// addCap atomically adds n to *field, saturating at MaxDemand. n must be
// positive; overflow (curr+n wrapping past MaxDemand) saturates instead of
// wrapping. It is a lock-free CAS loop, per spec §4.1.
func addCap(field *int64, n int64) {
	for {
		curr := atomic.LoadInt64(field)
		if curr == MaxDemand {
			return
		}

		var next int64
		if n > MaxDemand-curr {
			next = MaxDemand
		} else {
			next = curr + n
		}

		if atomic.CompareAndSwapInt64(field, curr, next) {
			return
		}
	}
}

// subCap atomically subtracts n from *field unless *field is already at the
// MaxDemand sentinel, in which case it is a no-op. Used to account for
// emitted items against outstanding demand.
func subCap(field *int64, n int64) {
	for {
		curr := atomic.LoadInt64(field)
		if curr == MaxDemand {
			return
		}

		next := curr - n
		if next < 0 {
			next = 0
		}

		if atomic.CompareAndSwapInt64(field, curr, next) {
			return
		}
	}
}

// validateRequest reports whether n is a legal argument to Request. Per the
// reactive-streams alphabet (spec §3), n <= 0 is a protocol violation that
// is never honored: Drop and Publish's clients surface it as
// OnError(ErrIllegalArgument), while DeferredSubscription, which has no Sink
// of its own, ignores the request.
func validateRequest(n int64) bool {
	return n > 0
}

// recoverValueToError converts a recovered panic value into an error. If
// the value already is an error, it is returned unwrapped; otherwise it is
// formatted.
func recoverValueToError(v any) error {
	if err, ok := v.(error); ok {
		return err
	}

	return fmt.Errorf("%v", v)
}

// isFatalPanic reports whether a recovered panic value represents a fatal
// platform condition that must be re-raised rather than converted to an
// OnError signal. In Go, the closest analogue to the JVM's
// OutOfMemoryError/ThreadDeath class is runtime.Error: nil dereferences,
// out-of-bounds indexing, failed type assertions, and similar conditions
// that indicate the program's invariants are already broken. Ordinary
// errors and arbitrary panic values returned by user callbacks (onDrop,
// transform, a scheduler's task) are not fatal and are safe to convert.
func isFatalPanic(v any) bool {
	_, ok := v.(runtime.Error)
	return ok
}

// callUserFunc invokes fn, capturing any panic via the same
// lo.TryCatchWithErrorValue mechanism the teacher's Observer uses for its
// own callbacks. A fatal panic (see isFatalPanic) is re-raised to the
// caller once unwinding completes; anything else is returned as a non-nil
// error so callers can route it to OnError or the dropped-signals sink per
// spec §7.
func callUserFunc(fn func()) (err error) {
	var fatal any

	lo.TryCatchWithErrorValue(
		func() error {
			fn()
			return nil
		},
		func(e any) {
			if isFatalPanic(e) {
				fatal = e
				return
			}

			err = recoverValueToError(e)
		},
	)

	if fatal != nil {
		panic(fatal)
	}

	return err
}

// onceFlag is a tiny CAS-guarded latch used to make an operation idempotent
// (Cancel, Drop's terminal transition, Publish's one-time upstream connect,
// a scheduler's cancel handle). It is the minimal
// building block spec §4.1 calls "once-only subscription latching".
type onceFlag struct {
	done int32
}

// tryAcquire returns true exactly once across all callers, for the first
// caller to invoke it.
func (f *onceFlag) tryAcquire() bool {
	return atomic.CompareAndSwapInt32(&f.done, 0, 1)
}

// isSet reports whether tryAcquire has already succeeded once.
func (f *onceFlag) isSet() bool {
	return atomic.LoadInt32(&f.done) == 1
}

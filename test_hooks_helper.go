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
	"fmt"
	"sync"
	"testing"
)

// hooksMu serializes test-time overrides of the package-level
// OnDroppedNotification/OnUnhandledError hooks so concurrent tests never
// race on the shared atomic.Value they are backed by.
var hooksMu sync.Mutex

// WithDroppedNotification temporarily sets OnDroppedNotification to handler
// while fn runs, restoring the previous handler afterwards (even if fn
// panics).
func WithDroppedNotification(t *testing.T, handler func(ctx context.Context, notification fmt.Stringer), fn func()) {
	t.Helper()

	hooksMu.Lock()
	prev := GetOnDroppedNotification()
	SetOnDroppedNotification(handler)

	defer func() {
		SetOnDroppedNotification(prev)
		hooksMu.Unlock()
	}()

	fn()
}

// WithUnhandledError temporarily sets OnUnhandledError to handler while fn
// runs, restoring the previous handler afterwards (even if fn panics).
func WithUnhandledError(t *testing.T, handler func(ctx context.Context, err error), fn func()) {
	t.Helper()

	hooksMu.Lock()
	prev := GetOnUnhandledError()
	SetOnUnhandledError(handler)

	defer func() {
		SetOnUnhandledError(prev)
		hooksMu.Unlock()
	}()

	fn()
}

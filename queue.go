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

import "github.com/streamkit/flow/internal/queue"

// Queue is the bounded, thread-safe collaborator Publish uses for its
// prefetch buffer: Offer is safe to call concurrently with the
// single-consumer Poll/IsEmpty/Clear trio. Offer returning false signals
// overflow, which the multicaster treats as a fatal protocol break
// (ErrIllegalState, spec §7).
type Queue[T any] interface {
	Offer(value T) bool
	Poll() (value T, ok bool)
	IsEmpty() bool
	Clear()
}

// QueueFactory produces a Queue sized to hold capacity items. Publish calls
// it once per subscription, at onSubscribe.
type QueueFactory[T any] func(capacity int) Queue[T]

// NewRingQueueFactory returns the default QueueFactory: each call allocates
// a fixed-capacity ring buffer. Passed to Publish when the caller has no
// reason to supply a specialized queue.
func NewRingQueueFactory[T any]() QueueFactory[T] {
	return func(capacity int) Queue[T] {
		return queue.NewRing[T](capacity)
	}
}

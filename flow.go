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
	"log"
	"sync/atomic"
)

var (
	// onUnhandledError stores the current handler for unhandled errors. It is
	// accessed via atomic.Value so concurrent readers (every operator's error
	// path) and writers (SetOnUnhandledError, usually from test setup) never
	// race.
	onUnhandledError atomic.Value // func(context.Context, error)

	// onDroppedNotification stores the current handler for signals that
	// arrive after a Sink has already reached a terminal state.
	onDroppedNotification atomic.Value // func(context.Context, fmt.Stringer)
)

func init() {
	onUnhandledError.Store(IgnoreOnUnhandledError)
	onDroppedNotification.Store(IgnoreOnDroppedNotification)
}

// SetOnUnhandledError sets the handler invoked when an error cannot be
// delivered to any Sink (for instance, a scheduler task panics after its
// subscription was already cancelled). Passing nil restores the default,
// which ignores the error.
func SetOnUnhandledError(fn func(ctx context.Context, err error)) {
	if fn == nil {
		fn = IgnoreOnUnhandledError
	}
	onUnhandledError.Store(fn)
}

// GetOnUnhandledError returns the currently configured unhandled-error handler.
func GetOnUnhandledError() func(ctx context.Context, err error) {
	return onUnhandledError.Load().(func(context.Context, error))
}

// OnUnhandledError calls the currently configured unhandled-error handler.
func OnUnhandledError(ctx context.Context, err error) {
	GetOnUnhandledError()(ctx, err)
}

// SetOnDroppedNotification sets the handler invoked for post-terminal
// signals: an OnNext/OnError/OnComplete delivered to a Sink that has
// already reached its terminal state. This is the "dropped-signals sink"
// referenced throughout the operator specs. Passing nil restores the
// default, which ignores the notification.
func SetOnDroppedNotification(fn func(ctx context.Context, notification fmt.Stringer)) {
	if fn == nil {
		fn = IgnoreOnDroppedNotification
	}
	onDroppedNotification.Store(fn)
}

// GetOnDroppedNotification returns the currently configured dropped-notification handler.
func GetOnDroppedNotification() func(ctx context.Context, notification fmt.Stringer) {
	return onDroppedNotification.Load().(func(context.Context, fmt.Stringer))
}

// OnDroppedNotification calls the currently configured dropped-notification handler.
func OnDroppedNotification(ctx context.Context, notification fmt.Stringer) {
	GetOnDroppedNotification()(ctx, notification)
}

// IgnoreOnUnhandledError is the default implementation of OnUnhandledError.
func IgnoreOnUnhandledError(ctx context.Context, err error) {}

// IgnoreOnDroppedNotification is the default implementation of OnDroppedNotification.
func IgnoreOnDroppedNotification(ctx context.Context, notification fmt.Stringer) {}

// DefaultOnUnhandledError logs the error. Pass it to SetOnUnhandledError to
// opt into visibility instead of silent drops.
func DefaultOnUnhandledError(ctx context.Context, err error) {
	if err != nil {
		// bearer:disable go_lang_logger_leak
		log.Printf("flow: unhandled error: %s\n", err.Error())
	}
}

var _ fmt.Stringer = (*Notification[int])(nil)

// DefaultOnDroppedNotification logs the dropped notification. Pass it to
// SetOnDroppedNotification to opt into visibility instead of silent drops.
//
// Since a generic callback cannot be stored in a single atomic.Value across
// every instantiation of Notification[T], the handler is typed on
// fmt.Stringer instead.
func DefaultOnDroppedNotification(ctx context.Context, notification fmt.Stringer) {
	// bearer:disable go_lang_logger_leak
	log.Printf("flow: dropped notification: %s\n", notification.String())
}

// Kind identifies which signal a Notification carries.
type Kind uint8

// String returns the human-readable name of a Kind.
func (k Kind) String() string {
	switch k {
	case KindNext:
		return "Next"
	case KindError:
		return "Error"
	case KindComplete:
		return "Complete"
	}

	panic("flow: invalid Kind")
}

// Kind constants.
const (
	KindNext Kind = iota
	KindError
	KindComplete
)

// Notification reifies one of OnNext/OnError/OnComplete as a value, used to
// describe signals passed to the dropped-notification hook.
type Notification[T any] struct {
	Kind  Kind
	Value T
	Err   error
}

// String implements fmt.Stringer.
func (n Notification[T]) String() string {
	switch n.Kind {
	case KindNext:
		return fmt.Sprintf("Next(%+v)", n.Value)
	case KindError:
		if n.Err == nil {
			return "Error(nil)"
		}

		return fmt.Sprintf("Error(%s)", n.Err.Error())
	case KindComplete:
		return "Complete()"
	}

	panic("flow: invalid Kind")
}

// NewNotificationNext creates a Notification carrying a Next value.
func NewNotificationNext[T any](value T) Notification[T] {
	return Notification[T]{Kind: KindNext, Value: value}
}

// NewNotificationError creates a Notification carrying an Error.
func NewNotificationError[T any](err error) Notification[T] {
	return Notification[T]{Kind: KindError, Err: err}
}

// NewNotificationComplete creates a Notification carrying a Complete signal.
func NewNotificationComplete[T any]() Notification[T] {
	return Notification[T]{Kind: KindComplete}
}

// droppedNext routes a post-terminal OnNext to the dropped-signals sink.
func droppedNext[T any](ctx context.Context, value T) {
	OnDroppedNotification(ctx, NewNotificationNext(value))
}

// droppedError routes a post-terminal OnError to the dropped-signals sink.
func droppedError[T any](ctx context.Context, err error) {
	OnDroppedNotification(ctx, NewNotificationError[T](err))
}

// droppedComplete routes a post-terminal OnComplete to the dropped-signals sink.
func droppedComplete[T any](ctx context.Context) {
	OnDroppedNotification(ctx, NewNotificationComplete[T]())
}

package pubsub

import "context"

// Listener wraps a broker subscription with a blocking receive helper.
// It replaces ad-hoc channel plumbing in callers that want to consume
// events one at a time.
type Listener[T any] struct {
	ctx context.Context
	ch  <-chan Event[T]
}

// NewListener subscribes to the broker. The subscription is released when
// the context is cancelled.
func NewListener[T any](ctx context.Context, broker *Broker[T]) *Listener[T] {
	return &Listener[T]{
		ctx: ctx,
		ch:  broker.Subscribe(ctx),
	}
}

// Next blocks until the next event arrives. Returns (zero, false) when the
// context is cancelled or the broker is closed.
func (l *Listener[T]) Next() (Event[T], bool) {
	select {
	case <-l.ctx.Done():
		return Event[T]{}, false
	case event, ok := <-l.ch:
		if !ok {
			return Event[T]{}, false
		}
		return event, true
	}
}

// C exposes the underlying channel for select-based consumers.
func (l *Listener[T]) C() <-chan Event[T] {
	return l.ch
}

package runner

import (
	"context"
	"sync"
)

// Latch is a single-assignment cell. The first Resolve wins; later calls are
// discarded. Readers block on Done or Wait until a value is set.
type Latch[T any] struct {
	once sync.Once
	done chan struct{}
	val  T
}

// NewLatch returns an unresolved Latch.
func NewLatch[T any]() *Latch[T] {
	return &Latch[T]{done: make(chan struct{})}
}

// Resolve sets the value if none has been set yet and reports whether this
// call was the one that set it.
func (l *Latch[T]) Resolve(v T) bool {
	won := false
	l.once.Do(func() {
		l.val = v
		won = true
		close(l.done)
	})
	return won
}

// Done is closed once the value is set.
func (l *Latch[T]) Done() <-chan struct{} { return l.done }

// Wait blocks until the value is set or ctx is done.
func (l *Latch[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-l.done:
		return l.val, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

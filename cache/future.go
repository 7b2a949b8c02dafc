package cache

import (
	"context"
)

// Future is the pending result of an asynchronous call
type Future[T any] struct {
	done   chan struct{}
	cancel context.CancelFunc
	value  T
	err    error
}

func newFuture[T any](ctx context.Context, fn func(ctx context.Context) (T, error)) *Future[T] {
	ctx, cancel := context.WithCancel(ctx)
	future := &Future[T]{done: make(chan struct{}), cancel: cancel}

	go func() {
		defer cancel()
		defer close(future.done)

		future.value, future.err = fn(ctx)
	}()

	return future
}

// Get waits for the call to finish and returns its result.
// It returns ctx.Err() if ctx is done first, in which case
// the call keeps running.
func (future *Future[T]) Get(ctx context.Context) (T, error) {
	select {
	case <-future.done:
		return future.value, future.err
	case <-ctx.Done():
		var zero T

		return zero, ctx.Err()
	}
}

// Done is closed when the call finishes
func (future *Future[T]) Done() <-chan struct{} {
	return future.done
}

// Cancel asks the call to stop. Invocations that have not started
// applying their changes are abandoned and the call finishes with
// context.Canceled. Invocations that already started applying run
// to completion. Cancel returns false if the call already finished.
func (future *Future[T]) Cancel() bool {
	select {
	case <-future.done:
		return false
	default:
	}

	future.cancel()

	return true
}

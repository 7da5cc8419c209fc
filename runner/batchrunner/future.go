package batchrunner

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Future is a value that is resolved or rejected exactly once.
type Future[T any] struct {
	once sync.Once
	done chan struct{}

	value T
	err   error
}

func NewFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Resolve completes the future with v. It reports false if the future was
// already completed.
func (f *Future[T]) Resolve(v T) bool {
	return f.complete(v, nil)
}

// Reject completes the future with err. It reports false if the future was
// already completed.
func (f *Future[T]) Reject(err error) bool {
	var zero T
	return f.complete(zero, err)
}

func (f *Future[T]) complete(v T, err error) bool {
	completed := false
	f.once.Do(func() {
		f.value, f.err = v, err
		close(f.done)
		completed = true
	})
	return completed
}

func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

func (f *Future[T]) IsDone() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the future completes or ctx is done.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// AllOf waits for every future. Values are returned in order; the error is
// whichever rejection happened first in time, which need not be the one with
// the lowest index. A rejection does not stop the wait for the others.
func AllOf[T any](ctx context.Context, futures ...*Future[T]) ([]T, error) {
	values := make([]T, len(futures))

	var g errgroup.Group
	for i, f := range futures {
		g.Go(func() error {
			v, err := f.Wait(ctx)
			values[i] = v
			return err
		})
	}

	return values, g.Wait()
}

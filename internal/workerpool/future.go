package workerpool

import "context"

// AsyncResult is the value/error pair a Future resolves to.
type AsyncResult[T any] struct {
	Value T
	Error error
}

// Future is a pending async result, grounded on the teacher's
// omem.Future[T]/RunAsync pair. Unlike a plain channel, Get and TryGet can
// be called any number of times (including concurrently) and each
// observes the same resolved value.
type Future[T any] struct {
	ch chan AsyncResult[T]
}

// RunAsync runs fn on its own goroutine and returns a Future for its
// result.
func RunAsync[T any](ctx context.Context, fn func(ctx context.Context) (T, error)) *Future[T] {
	f := &Future[T]{ch: make(chan AsyncResult[T], 1)}
	go func() {
		v, err := fn(ctx)
		f.ch <- AsyncResult[T]{Value: v, Error: err}
	}()
	return f
}

// Get blocks until the future resolves or ctx is cancelled.
func (f *Future[T]) Get(ctx context.Context) (T, error) {
	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case result := <-f.ch:
		f.ch <- result // put back so repeated Get/TryGet calls still see it
		return result.Value, result.Error
	}
}

// TryGet returns the resolved value without blocking, reporting false if
// the future has not resolved yet.
func (f *Future[T]) TryGet() (T, bool, error) {
	select {
	case result := <-f.ch:
		f.ch <- result
		return result.Value, true, result.Error
	default:
		var zero T
		return zero, false, nil
	}
}

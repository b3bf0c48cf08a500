package future

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	ErrCanceled  = errors.New("future canceled")
	ErrTimeout   = errors.New("future timed out")
	ErrNoFutures = errors.New("no futures to collect")
)

// A Promise is the producing side of a Future. Resolve and Fail may be
// called from any goroutine; the first call wins and later calls are
// ignored.
type Promise[T any] struct {
	future *Future[T]
}

func NewPromise[T any]() *Promise[T] {
	f := Future[T]{
		done: make(chan struct{}),
	}

	return &Promise[T]{future: &f}
}

func (p *Promise[T]) Future() *Future[T] {
	return p.future
}

func (p *Promise[T]) Resolve(value T) bool {
	return p.future.complete(value, nil)
}

func (p *Promise[T]) Fail(err error) bool {
	var zero T
	return p.future.complete(zero, err)
}

// A Future is a value which becomes available later, either as a result or
// as an error. Futures are one-shot: once completed they never change.
type Future[T any] struct {
	mu        sync.Mutex
	done      chan struct{}
	value     T
	err       error
	completed bool
	callbacks []func(T, error)
}

func Resolved[T any](value T) *Future[T] {
	p := NewPromise[T]()
	p.Resolve(value)
	return p.Future()
}

func Failed[T any](err error) *Future[T] {
	p := NewPromise[T]()
	p.Fail(err)
	return p.Future()
}

func (f *Future[T]) complete(value T, err error) bool {
	f.mu.Lock()

	if f.completed {
		f.mu.Unlock()
		return false
	}

	f.value = value
	f.err = err
	f.completed = true

	callbacks := f.callbacks
	f.callbacks = nil

	close(f.done)
	f.mu.Unlock()

	for _, callback := range callbacks {
		callback(value, err)
	}

	return true
}

// Done is closed once the future has completed.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Result blocks until the future completes.
func (f *Future[T]) Result() (T, error) {
	<-f.done

	f.mu.Lock()
	defer f.mu.Unlock()

	return f.value, f.err
}

func (f *Future[T]) ResultContext(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.Result()

	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Poll returns the result without blocking; the boolean indicates whether
// the future has completed.
func (f *Future[T]) Poll() (T, error, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.value, f.err, f.completed
}

// Cancel fails the future with ErrCanceled. It has no effect if the future
// already completed. Producers which support cancellation watch Done and
// stop working once the future is settled.
func (f *Future[T]) Cancel() bool {
	var zero T
	return f.complete(zero, ErrCanceled)
}

func (f *Future[T]) Canceled() bool {
	_, err, completed := f.Poll()
	return completed && errors.Is(err, ErrCanceled)
}

// IsCanceled reports whether an error comes from a cancelled future.
func IsCanceled(err error) bool {
	return errors.Is(err, ErrCanceled)
}

// Subscribe registers a callback executed when the future completes. If the
// future has already completed, the callback runs synchronously.
func (f *Future[T]) Subscribe(callback func(T, error)) {
	f.mu.Lock()

	if f.completed {
		value, err := f.value, f.err
		f.mu.Unlock()

		callback(value, err)
		return
	}

	f.callbacks = append(f.callbacks, callback)
	f.mu.Unlock()
}

// Then chains a continuation executed on success. Errors propagate to the
// returned future unchanged.
func Then[T, U any](f *Future[T], fn func(T) (U, error)) *Future[U] {
	p := NewPromise[U]()

	f.Subscribe(func(value T, err error) {
		if err != nil {
			p.Fail(err)
			return
		}

		result, err := fn(value)
		if err != nil {
			p.Fail(err)
			return
		}

		p.Resolve(result)
	})

	return p.Future()
}

// WithTimeout derives a future which fails with ErrTimeout if the source
// has not completed after the given duration. The source future is left
// running; cancelling it is the caller's decision.
func WithTimeout[T any](f *Future[T], timeout time.Duration) *Future[T] {
	p := NewPromise[T]()

	timer := time.AfterFunc(timeout, func() {
		p.Fail(ErrTimeout)
	})

	f.Subscribe(func(value T, err error) {
		timer.Stop()

		if err != nil {
			p.Fail(err)
		} else {
			p.Resolve(value)
		}
	})

	return p.Future()
}

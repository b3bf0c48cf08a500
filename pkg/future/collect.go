package future

import "sync"

// A Settled value is the outcome of one future in an AllSettled aggregate.
type Settled[T any] struct {
	Value T
	Err   error
}

// All resolves with every value once all futures have succeeded, in input
// order. The first failure fails the aggregate and cancels the futures
// still pending.
func All[T any](futures []*Future[T]) *Future[[]T] {
	p := NewPromise[[]T]()

	if len(futures) == 0 {
		p.Resolve(nil)
		return p.Future()
	}

	var mu sync.Mutex
	values := make([]T, len(futures))
	nbPending := len(futures)

	for i, f := range futures {
		i, f := i, f

		f.Subscribe(func(value T, err error) {
			if err != nil {
				if p.Fail(err) {
					cancelAll(futures)
				}
				return
			}

			mu.Lock()
			values[i] = value
			nbPending--
			last := nbPending == 0
			mu.Unlock()

			if last {
				p.Resolve(values)
			}
		})
	}

	return p.Future()
}

// AllSettled resolves once every future has completed, with per-future
// outcomes in input order. It never fails.
func AllSettled[T any](futures []*Future[T]) *Future[[]Settled[T]] {
	p := NewPromise[[]Settled[T]]()

	if len(futures) == 0 {
		p.Resolve(nil)
		return p.Future()
	}

	var mu sync.Mutex
	outcomes := make([]Settled[T], len(futures))
	nbPending := len(futures)

	for i, f := range futures {
		i, f := i, f

		f.Subscribe(func(value T, err error) {
			mu.Lock()
			outcomes[i] = Settled[T]{Value: value, Err: err}
			nbPending--
			last := nbPending == 0
			mu.Unlock()

			if last {
				p.Resolve(outcomes)
			}
		})
	}

	return p.Future()
}

// Any completes with the outcome of the first future to complete, success
// or failure, and cancels the rest.
func Any[T any](futures []*Future[T]) *Future[T] {
	p := NewPromise[T]()

	if len(futures) == 0 {
		p.Fail(ErrNoFutures)
		return p.Future()
	}

	for _, f := range futures {
		f.Subscribe(func(value T, err error) {
			var won bool

			if err != nil {
				won = p.Fail(err)
			} else {
				won = p.Resolve(value)
			}

			if won {
				cancelAll(futures)
			}
		})
	}

	return p.Future()
}

// FirstSuccess completes with the first future to succeed and cancels the
// rest. If every future fails, it fails with the last error observed.
func FirstSuccess[T any](futures []*Future[T]) *Future[T] {
	p := NewPromise[T]()

	if len(futures) == 0 {
		p.Fail(ErrNoFutures)
		return p.Future()
	}

	var mu sync.Mutex
	nbPending := len(futures)
	var lastErr error

	for _, f := range futures {
		f.Subscribe(func(value T, err error) {
			if err == nil {
				if p.Resolve(value) {
					cancelAll(futures)
				}
				return
			}

			mu.Lock()
			lastErr = err
			nbPending--
			last := nbPending == 0
			mu.Unlock()

			if last {
				p.Fail(lastErr)
			}
		})
	}

	return p.Future()
}

func cancelAll[T any](futures []*Future[T]) {
	for _, f := range futures {
		f.Cancel()
	}
}

package correlation

import (
	"context"
	"errors"
	"sync"
)

var ErrPending = errors.New("correlation: result pending")

// Future is a single-assignment result slot. The first settle wins; later
// attempts are reported as false and have no effect.
type Future[T any] struct {
	done chan struct{}

	mu      sync.Mutex
	settled bool
	value   T
	err     error
	outcome Outcome
}

func NewFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Done is closed once the future is settled.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Result returns the settled value or ErrPending if the future is still open.
func (f *Future[T]) Result() (T, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.settled {
		var zero T
		return zero, ErrPending
	}
	return f.value, f.err
}

// Wait blocks until the future settles or ctx is done. A done ctx does not
// settle the future.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.Result()
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Cancel settles the future with err from outside the owning table.
func (f *Future[T]) Cancel(err error) bool {
	var zero T
	return f.settle(zero, err, OutcomeCancelled)
}

func (f *Future[T]) Outcome() Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.outcome
}

func (f *Future[T]) Settled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.settled
}

func (f *Future[T]) settle(value T, err error, outcome Outcome) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.settled {
		return false
	}
	f.settled = true
	f.value = value
	f.err = err
	f.outcome = outcome
	close(f.done)
	return true
}

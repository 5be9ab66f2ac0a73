// Package async runs cancellable operations whose results are applied only
// while they are still the latest invocation.
package async

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrSuperseded is returned to a Run whose result was discarded because a
	// newer Run started before it finished.
	ErrSuperseded = errors.New("async: superseded")
	// ErrClosed is returned once the Runner has been closed.
	ErrClosed = errors.New("async: closed")
)

type State[T any] struct {
	Data    T
	Loading bool
	Err     error
}

// Runner owns at most one in-flight invocation. Starting a new one cancels
// the previous invocation's context; Close discards every later result.
type Runner[T any] struct {
	mu       sync.Mutex
	gen      uint64
	cancel   context.CancelFunc
	closed   bool
	state    State[T]
	onChange func(State[T])
}

// NewRunner creates a Runner. onChange, if non-nil, receives every applied
// state change and is never called after Close returns.
func NewRunner[T any](onChange func(State[T])) *Runner[T] {
	return &Runner[T]{onChange: onChange}
}

// Run executes fn, blocking until it returns. Its result is applied to State
// only if no other Run started meanwhile and the Runner is still open;
// otherwise ErrSuperseded or ErrClosed is returned and the result dropped.
func (r *Runner[T]) Run(ctx context.Context, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return zero, ErrClosed
	}
	if r.cancel != nil {
		r.cancel()
	}
	runCtx, cancel := context.WithCancel(ctx)
	r.gen++
	gen := r.gen
	r.cancel = cancel
	r.state.Loading = true
	r.state.Err = nil
	r.notifyLocked()
	r.mu.Unlock()

	data, err := fn(runCtx)

	r.mu.Lock()
	defer r.mu.Unlock()
	cancel()
	if r.closed {
		return zero, ErrClosed
	}
	if gen != r.gen {
		return zero, ErrSuperseded
	}
	r.cancel = nil
	r.state.Loading = false
	if err != nil {
		r.state.Err = err
	} else {
		r.state.Data = data
	}
	r.notifyLocked()
	return data, err
}

// State returns a snapshot of the latest applied state.
func (r *Runner[T]) State() State[T] {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Close cancels the in-flight invocation and discards its result.
func (r *Runner[T]) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
}

// notifyLocked runs the callback under the lock so that no notification can
// interleave with, or follow, Close.
func (r *Runner[T]) notifyLocked() {
	if r.onChange != nil && !r.closed {
		r.onChange(r.state)
	}
}

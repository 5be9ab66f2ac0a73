// Package retry runs an operation with a bounded number of attempts and a
// constant or exponential delay between them, exposing progress as state.
package retry

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/leonardcser/pulse-edge/internal/clock"
)

const (
	DefaultMaxAttempts = 3
	DefaultDelay       = 1 * time.Second
)

// Operation is the unit of work retried by a Retrier.
type Operation[T any] func(ctx context.Context) (T, error)

type Options struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int
	// Delay is the wait after the first failure. With ExponentialBackoff the
	// wait after attempt n is Delay*2^(n-1).
	Delay              time.Duration
	ExponentialBackoff bool
	Clock              clock.Clock
}

// State is the observable progress of a Retrier.
type State[T any] struct {
	Data    T
	Loading bool
	Err     error
	Attempt int
}

// Retrier is safe for concurrent use, although overlapping Execute calls
// share one State.
type Retrier[T any] struct {
	op    Operation[T]
	opts  Options
	clock clock.Clock

	mu     sync.Mutex
	state  State[T]
	nextID int
	subs   map[int]func(State[T])
}

func New[T any](op Operation[T], opts Options) *Retrier[T] {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.Delay <= 0 {
		opts.Delay = DefaultDelay
	}
	c := opts.Clock
	if c == nil {
		c = clock.Real{}
	}
	return &Retrier[T]{op: op, opts: opts, clock: c, subs: make(map[int]func(State[T]))}
}

func (r *Retrier[T]) newBackOff() backoff.BackOff {
	if !r.opts.ExponentialBackoff {
		return backoff.NewConstantBackOff(r.opts.Delay)
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.opts.Delay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = r.opts.Delay << uint(r.opts.MaxAttempts)
	b.Reset()
	return b
}

// Execute runs the operation until it succeeds or MaxAttempts is reached.
// The last error is stored in State and returned. A done ctx cuts the wait
// between attempts short; an attempt already running is never interrupted by
// the Retrier itself.
func (r *Retrier[T]) Execute(ctx context.Context) (T, error) {
	var zero T
	b := r.newBackOff()
	r.update(func(s *State[T]) {
		s.Loading = true
		s.Err = nil
		s.Attempt = 0
	})

	var lastErr error
	for attempt := 1; attempt <= r.opts.MaxAttempts; attempt++ {
		data, err := r.op(ctx)
		if err == nil {
			r.update(func(s *State[T]) {
				s.Data = data
				s.Loading = false
				s.Err = nil
				s.Attempt = attempt
			})
			return data, nil
		}
		lastErr = err
		final := attempt == r.opts.MaxAttempts
		r.update(func(s *State[T]) {
			s.Err = err
			s.Attempt = attempt
			s.Loading = !final
		})
		if final {
			break
		}
		if !clock.Sleep(r.clock, b.NextBackOff(), ctx.Done()) {
			cerr := ctx.Err()
			r.update(func(s *State[T]) {
				s.Err = cerr
				s.Loading = false
			})
			return zero, cerr
		}
	}
	return zero, lastErr
}

// Reset clears all retry state back to its initial value.
func (r *Retrier[T]) Reset() {
	r.update(func(s *State[T]) { *s = State[T]{} })
}

// State returns a snapshot of the current progress.
func (r *Retrier[T]) State() State[T] {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Subscribe registers fn to receive every state change. The returned func
// unregisters it.
func (r *Retrier[T]) Subscribe(fn func(State[T])) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextID
	r.nextID++
	r.subs[id] = fn
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.subs, id)
	}
}

func (r *Retrier[T]) update(mutate func(*State[T])) {
	r.mu.Lock()
	mutate(&r.state)
	snap := r.state
	subs := make([]func(State[T]), 0, len(r.subs))
	for _, fn := range r.subs {
		subs = append(subs, fn)
	}
	r.mu.Unlock()
	for _, fn := range subs {
		fn(snap)
	}
}

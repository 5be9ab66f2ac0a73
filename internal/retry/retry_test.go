package retry

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leonardcser/pulse-edge/internal/clock"
)

type result struct {
	val string
	err error
}

func TestExecute_ExponentialBackoffDelays(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	var calls atomic.Int32
	boom := errors.New("upstream down")
	r := New(func(context.Context) (string, error) {
		n := calls.Add(1)
		return "", errors.Join(boom, errors.New(string(rune('0'+n))))
	}, Options{MaxAttempts: 3, Delay: time.Second, ExponentialBackoff: true, Clock: fc})

	done := make(chan result, 1)
	go func() {
		v, err := r.Execute(context.Background())
		done <- result{v, err}
	}()

	require.Eventually(t, func() bool { return fc.Pending() == 1 }, time.Second, time.Millisecond)
	assert.EqualValues(t, 1, calls.Load())

	fc.Advance(999 * time.Millisecond)
	assert.EqualValues(t, 1, calls.Load(), "second attempt must wait the full 1000ms")
	fc.Advance(time.Millisecond)

	require.Eventually(t, func() bool { return calls.Load() == 2 && fc.Pending() == 1 }, time.Second, time.Millisecond)
	fc.Advance(1999 * time.Millisecond)
	assert.EqualValues(t, 2, calls.Load(), "third attempt must wait the full 2000ms")
	fc.Advance(time.Millisecond)

	var res result
	select {
	case res = <-done:
	case <-time.After(time.Second):
		t.Fatal("Execute did not return")
	}

	require.Error(t, res.err)
	assert.ErrorIs(t, res.err, boom)
	assert.Contains(t, res.err.Error(), "3", "the last error is re-raised")
	assert.EqualValues(t, 3, calls.Load())
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, fc.Scheduled())

	st := r.State()
	assert.Equal(t, 3, st.Attempt)
	assert.False(t, st.Loading)
	assert.Equal(t, res.err, st.Err)
}

func TestExecute_ConstantDelay(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	var calls atomic.Int32
	r := New(func(context.Context) (int, error) {
		if calls.Add(1) < 3 {
			return 0, errors.New("flaky")
		}
		return 42, nil
	}, Options{MaxAttempts: 4, Delay: 500 * time.Millisecond, Clock: fc})

	done := make(chan int, 1)
	go func() {
		v, err := r.Execute(context.Background())
		assert.NoError(t, err)
		done <- v
	}()

	for i := 0; i < 2; i++ {
		require.Eventually(t, func() bool { return fc.Pending() == 1 }, time.Second, time.Millisecond)
		fc.Advance(500 * time.Millisecond)
	}

	select {
	case v := <-done:
		assert.Equal(t, 42, v)
	case <-time.After(time.Second):
		t.Fatal("Execute did not return")
	}
	assert.Equal(t, []time.Duration{500 * time.Millisecond, 500 * time.Millisecond}, fc.Scheduled())

	st := r.State()
	assert.Equal(t, 42, st.Data)
	assert.Equal(t, 3, st.Attempt)
	assert.NoError(t, st.Err)
}

func TestExecute_StateUpdatedAfterEveryAttempt(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	r := New(func(context.Context) (int, error) {
		return 0, errors.New("nope")
	}, Options{MaxAttempts: 2, Delay: time.Second, Clock: fc})

	var mu sync.Mutex
	var seen []State[int]
	unsubscribe := r.Subscribe(func(s State[int]) {
		mu.Lock()
		seen = append(seen, s)
		mu.Unlock()
	})
	defer unsubscribe()

	go func() { _, _ = r.Execute(context.Background()) }()
	require.Eventually(t, func() bool { return fc.Pending() == 1 }, time.Second, time.Millisecond)
	fc.Advance(time.Second)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 3
	}, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 3)
	assert.True(t, seen[0].Loading)
	assert.Equal(t, 0, seen[0].Attempt)
	assert.Equal(t, 1, seen[1].Attempt)
	assert.True(t, seen[1].Loading, "still retrying after attempt 1 of 2")
	assert.Equal(t, 2, seen[2].Attempt)
	assert.False(t, seen[2].Loading)
}

func TestExecute_ContextCancelsWait(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	r := New(func(context.Context) (int, error) {
		return 0, errors.New("nope")
	}, Options{MaxAttempts: 5, Delay: time.Minute, Clock: fc})

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := r.Execute(ctx)
		errc <- err
	}()
	require.Eventually(t, func() bool { return fc.Pending() == 1 }, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Execute did not return")
	}
	assert.Equal(t, 1, r.State().Attempt)
}

func TestReset_ClearsState(t *testing.T) {
	r := New(func(context.Context) (string, error) {
		return "", errors.New("x")
	}, Options{MaxAttempts: 1})

	_, err := r.Execute(context.Background())
	require.Error(t, err)
	require.Equal(t, 1, r.State().Attempt)

	r.Reset()
	assert.Equal(t, State[string]{}, r.State())
}

func TestNew_Defaults(t *testing.T) {
	r := New(func(context.Context) (int, error) { return 1, nil }, Options{})
	assert.Equal(t, DefaultMaxAttempts, r.opts.MaxAttempts)
	assert.Equal(t, DefaultDelay, r.opts.Delay)
}

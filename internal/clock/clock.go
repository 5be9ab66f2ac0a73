// Package clock abstracts wall time and one-shot timers so that heartbeat,
// reconnect and backoff schedules can be driven deterministically in tests.
package clock

import "time"

// Clock schedules callbacks against a time source.
type Clock interface {
	Now() time.Time
	// AfterFunc calls fn in its own goroutine (Real) or in the goroutine
	// that advances time (Fake) once d has elapsed.
	AfterFunc(d time.Duration, fn func()) Timer
}

// Timer is a cancellable pending callback.
type Timer interface {
	// Stop prevents the callback from firing. It reports whether the call
	// stopped the timer, false if it had already fired or been stopped.
	Stop() bool
}

// Real is the production Clock backed by package time.
type Real struct{}

func (Real) Now() time.Time { return time.Now() }

func (Real) AfterFunc(d time.Duration, fn func()) Timer { return time.AfterFunc(d, fn) }

// Sleep blocks for d on c. It returns false when done is closed first.
func Sleep(c Clock, d time.Duration, done <-chan struct{}) bool {
	fired := make(chan struct{})
	t := c.AfterFunc(d, func() { close(fired) })
	select {
	case <-fired:
		return true
	case <-done:
		t.Stop()
		return false
	}
}

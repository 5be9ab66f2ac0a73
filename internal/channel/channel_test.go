package channel

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leonardcser/pulse-edge/internal/clock"
)

const (
	waitFor = time.Second
	tick    = time.Millisecond
)

var errRefused = errors.New("connection refused")

type fakeConn struct {
	in     chan []byte
	closed chan struct{}
	once   sync.Once

	mu   sync.Mutex
	sent [][]byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte, 16), closed: make(chan struct{})}
}

func (c *fakeConn) Receive() ([]byte, error) {
	select {
	case b := <-c.in:
		return b, nil
	case <-c.closed:
		return nil, io.EOF
	}
}

func (c *fakeConn) Send(b []byte) error {
	select {
	case <-c.closed:
		return io.ErrClosedPipe
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, append([]byte(nil), b...))
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) sentFrames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.sent))
	for i, b := range c.sent {
		out[i] = string(b)
	}
	return out
}

// fakeDialer answers dial n with script[n], or with fallback once the script
// is exhausted.
type fakeDialer struct {
	mu       sync.Mutex
	dials    int
	script   []func(ctx context.Context) (Conn, error)
	fallback func(ctx context.Context) (Conn, error)
}

func (d *fakeDialer) Dial(ctx context.Context, _ string) (Conn, error) {
	d.mu.Lock()
	n := d.dials
	d.dials++
	fn := d.fallback
	if n < len(d.script) {
		fn = d.script[n]
	}
	d.mu.Unlock()
	return fn(ctx)
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func refuse(context.Context) (Conn, error) { return nil, errRefused }

func accept(conn *fakeConn) func(context.Context) (Conn, error) {
	return func(context.Context) (Conn, error) { return conn, nil }
}

func newTestChannel(t *testing.T, d Dialer, fc *clock.Fake, opts ...Option) *Channel {
	t.Helper()
	opts = append([]Option{WithClock(fc)}, opts...)
	c := New(d, "ws://app.test/ws", opts...)
	t.Cleanup(c.Close)
	return c
}

func waitPhase(t *testing.T, c *Channel, p Phase) {
	t.Helper()
	require.Eventually(t, func() bool { return c.State().Phase == p }, waitFor, tick, "want phase %s, have %s", p, c.State().Phase)
}

func TestChannel_ExhaustsReconnectBudget(t *testing.T) {
	// Pinned convention: the initial connect does not count toward
	// MaxReconnectAttempts, so max=3 means 1 initial dial + 3 reconnects.
	fc := clock.NewFake(time.Unix(0, 0))
	d := &fakeDialer{fallback: refuse}
	c := newTestChannel(t, d, fc, WithMaxReconnectAttempts(3), WithReconnectInterval(3*time.Second))

	c.Start()
	for i := 1; i <= 3; i++ {
		require.Eventually(t, func() bool { return fc.Pending() == 1 }, waitFor, tick)
		assert.Equal(t, i, c.State().Attempts)
		assert.Equal(t, i, d.count())
		fc.Advance(3 * time.Second)
	}

	waitPhase(t, c, PhaseTerminal)
	assert.Equal(t, 4, d.count())
	assert.Equal(t, 3, c.State().Attempts)
	assert.False(t, c.State().Connected)
	assert.ErrorIs(t, c.State().Err, errRefused)

	fc.Advance(time.Hour)
	assert.Equal(t, 4, d.count(), "no automatic reconnect after the budget is spent")
	assert.Zero(t, fc.Pending())
}

func TestChannel_RetryWaitsFixedInterval(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	d := &fakeDialer{fallback: refuse}
	c := newTestChannel(t, d, fc, WithMaxReconnectAttempts(3), WithReconnectInterval(3*time.Second))

	c.Start()
	require.Eventually(t, func() bool { return fc.Pending() == 1 }, waitFor, tick)
	fc.Advance(2999 * time.Millisecond)
	assert.Equal(t, 1, d.count())
	fc.Advance(time.Millisecond)
	require.Eventually(t, func() bool { return d.count() == 2 }, waitFor, tick)
	require.Eventually(t, func() bool { return fc.Pending() == 1 }, waitFor, tick)

	for _, delay := range fc.Scheduled() {
		assert.Equal(t, 3*time.Second, delay, "reconnect delay is fixed, not exponential")
	}
}

func TestChannel_ReconnectDisabled(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	d := &fakeDialer{fallback: refuse}
	c := newTestChannel(t, d, fc, WithReconnect(false))

	c.Start()
	waitPhase(t, c, PhaseTerminal)
	assert.Equal(t, 1, d.count())
	assert.Zero(t, fc.Pending())
}

func TestChannel_OpenResetsAttemptBudget(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	conn := newFakeConn()
	d := &fakeDialer{
		script:   []func(context.Context) (Conn, error){refuse, refuse, accept(conn)},
		fallback: refuse,
	}
	c := newTestChannel(t, d, fc,
		WithMaxReconnectAttempts(3),
		WithReconnectInterval(time.Second),
		WithHeartbeatInterval(0),
	)

	c.Start()
	for i := 0; i < 2; i++ {
		require.Eventually(t, func() bool { return fc.Pending() == 1 }, waitFor, tick)
		fc.Advance(time.Second)
	}
	waitPhase(t, c, PhaseOpen)
	assert.Equal(t, 0, c.State().Attempts)
	assert.True(t, c.State().Connected)

	// Server drops the connection; the full budget of 3 is available again.
	_ = conn.Close()
	for i := 1; i <= 3; i++ {
		require.Eventually(t, func() bool { return fc.Pending() == 1 }, waitFor, tick)
		assert.Equal(t, i, c.State().Attempts)
		fc.Advance(time.Second)
	}
	waitPhase(t, c, PhaseTerminal)
	assert.Equal(t, 6, d.count())
}

func TestChannel_HeartbeatWhileOpen(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	conn := newFakeConn()
	d := &fakeDialer{fallback: accept(conn)}
	c := newTestChannel(t, d, fc, WithHeartbeatInterval(30*time.Second), WithReconnect(false))

	c.Start()
	waitPhase(t, c, PhaseOpen)
	require.Equal(t, 1, fc.Pending(), "exactly one heartbeat timer")

	fc.Advance(30 * time.Second)
	fc.Advance(30 * time.Second)
	assert.Equal(t, []string{`{"type":"ping"}`, `{"type":"ping"}`}, conn.sentFrames())
	assert.Equal(t, 1, fc.Pending(), "heartbeat timer is replaced, never stacked")

	_ = conn.Close()
	waitPhase(t, c, PhaseTerminal)
	assert.Zero(t, fc.Pending(), "heartbeat is torn down on close")
	fc.Advance(time.Minute)
	assert.Len(t, conn.sentFrames(), 2)
}

func TestChannel_InboundMessagesInOrder(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	conn := newFakeConn()
	d := &fakeDialer{fallback: accept(conn)}
	c := newTestChannel(t, d, fc, WithHeartbeatInterval(0))

	var mu sync.Mutex
	var got []string
	var lastSeq uint64
	c.Subscribe(func(s State) {
		mu.Lock()
		defer mu.Unlock()
		if s.LastMessage != nil && s.Seq > lastSeq {
			lastSeq = s.Seq
			got = append(got, s.LastMessage.Title)
		}
	})

	c.Start()
	waitPhase(t, c, PhaseOpen)

	conn.in <- []byte(`{"type":"notification","title":"one"}`)
	conn.in <- []byte(`not json`)
	conn.in <- []byte(`[1,2,3]`)
	conn.in <- []byte(`{"type":"notification","title":"two"}`)
	conn.in <- []byte(`{"type":"notification","title":"three"}`)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	}, waitFor, tick)
	mu.Lock()
	assert.Equal(t, []string{"one", "two", "three"}, got)
	mu.Unlock()

	st := c.State()
	assert.Equal(t, PhaseOpen, st.Phase, "malformed frames do not change connection state")
	assert.EqualValues(t, 3, st.Seq)
}

func TestChannel_SendOnlyWhileOpen(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	conn := newFakeConn()
	gate := make(chan struct{})
	d := &fakeDialer{fallback: func(ctx context.Context) (Conn, error) {
		<-gate
		return conn, nil
	}}
	c := newTestChannel(t, d, fc, WithHeartbeatInterval(0))

	assert.False(t, c.Send(map[string]string{"type": "hello"}), "idle")
	c.Start()
	assert.False(t, c.Send(map[string]string{"type": "hello"}), "connecting")
	close(gate)
	waitPhase(t, c, PhaseOpen)

	require.True(t, c.Send(map[string]string{"type": "hello"}))
	frames := conn.sentFrames()
	require.Len(t, frames, 1)
	var m map[string]string
	require.NoError(t, json.Unmarshal([]byte(frames[0]), &m))
	assert.Equal(t, "hello", m["type"])
}

func TestChannel_ManualReconnectIsSingleFlight(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	conn := newFakeConn()
	d := &fakeDialer{
		script:   []func(context.Context) (Conn, error){refuse},
		fallback: accept(conn),
	}
	c := newTestChannel(t, d, fc, WithReconnectInterval(time.Minute), WithHeartbeatInterval(0))

	c.Start()
	require.Eventually(t, func() bool { return fc.Pending() == 1 }, waitFor, tick)
	require.Equal(t, PhaseClosed, c.State().Phase)

	// Manual reconnect while an automatic retry is scheduled cancels it.
	c.Reconnect()
	assert.Zero(t, fc.Pending())
	waitPhase(t, c, PhaseOpen)
	assert.Equal(t, 2, d.count())

	c.Reconnect()
	c.Start()
	assert.Equal(t, 2, d.count(), "no second transport while open")
	assert.False(t, conn.isClosed())
}

func TestChannel_ManualReconnectLeavesTerminal(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	conn := newFakeConn()
	d := &fakeDialer{
		script:   []func(context.Context) (Conn, error){refuse},
		fallback: accept(conn),
	}
	c := newTestChannel(t, d, fc, WithMaxReconnectAttempts(0), WithHeartbeatInterval(0))

	c.Start()
	waitPhase(t, c, PhaseTerminal)
	c.Reconnect()
	waitPhase(t, c, PhaseOpen)
}

func TestChannel_CloseDuringDialDiscardsEverything(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	dialing := make(chan struct{})
	late := newFakeConn()
	d := &fakeDialer{fallback: func(ctx context.Context) (Conn, error) {
		close(dialing)
		<-ctx.Done()
		return late, nil
	}}
	c := New(d, "ws://app.test/ws", WithClock(fc))

	var mu sync.Mutex
	var deliveries []State
	c.Subscribe(func(s State) {
		mu.Lock()
		defer mu.Unlock()
		deliveries = append(deliveries, s)
	})

	c.Start()
	<-dialing
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(deliveries) == 1
	}, waitFor, tick)

	c.Close()
	require.Eventually(t, late.isClosed, waitFor, tick, "a connection that opens after Close is closed")

	mu.Lock()
	assert.Len(t, deliveries, 1, "no state delivered after Close")
	mu.Unlock()
	assert.Zero(t, fc.Pending())
	assert.False(t, c.State().Connected)
	assert.ErrorIs(t, c.State().Err, ErrClosed)

	c.Start()
	c.Reconnect()
	assert.Equal(t, 1, d.count())
}

func TestChannel_CloseWhileOpen(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	conn := newFakeConn()
	d := &fakeDialer{fallback: accept(conn)}
	c := New(d, "ws://app.test/ws", WithClock(fc))

	c.Start()
	waitPhase(t, c, PhaseOpen)
	require.Equal(t, 1, fc.Pending())

	c.Close()
	assert.True(t, conn.isClosed())
	assert.Zero(t, fc.Pending(), "heartbeat timer released")
	assert.False(t, c.Send(map[string]string{"type": "x"}))
}

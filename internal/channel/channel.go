// Package channel maintains a push-notification connection that recovers on
// its own: a heartbeat keeps it alive while open and a bounded number of
// fixed-delay reconnects follow every drop.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/leonardcser/pulse-edge/internal/clock"
	"github.com/leonardcser/pulse-edge/internal/logger"
)

const (
	DefaultMaxReconnectAttempts = 5
	DefaultReconnectInterval    = 3 * time.Second
	DefaultHeartbeatInterval    = 30 * time.Second
)

// Phase is the connection lifecycle position.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseConnecting
	PhaseOpen
	// PhaseClosed means the connection dropped and a reconnect is scheduled.
	PhaseClosed
	// PhaseTerminal means no automatic reconnect will happen; only Reconnect
	// leaves it.
	PhaseTerminal
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseConnecting:
		return "connecting"
	case PhaseOpen:
		return "open"
	case PhaseClosed:
		return "closed"
	case PhaseTerminal:
		return "terminal"
	}
	return "unknown"
}

// ErrClosed is reported by State after Close.
var ErrClosed = errors.New("channel: closed")

// State is a snapshot delivered to subscribers.
type State struct {
	Phase       Phase
	Connected   bool
	LastMessage *Message
	Err         error
	// Attempts is the reconnect counter, in [0, MaxReconnectAttempts].
	Attempts int
	// Seq increments on every accepted inbound message.
	Seq uint64
}

type Option func(*Channel)

func WithReconnect(enabled bool) Option { return func(c *Channel) { c.reconnect = enabled } }

func WithMaxReconnectAttempts(n int) Option {
	return func(c *Channel) { c.maxAttempts = n }
}

func WithReconnectInterval(d time.Duration) Option {
	return func(c *Channel) { c.reconnectInterval = d }
}

// WithHeartbeatInterval sets the ping period; d <= 0 disables the heartbeat.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(c *Channel) { c.heartbeatInterval = d }
}

func WithClock(cl clock.Clock) Option { return func(c *Channel) { c.clock = cl } }

// Channel owns at most one connection, one heartbeat timer and one reconnect
// timer at a time. Close must be called to release it.
type Channel struct {
	url               string
	dialer            Dialer
	clock             clock.Clock
	reconnect         bool
	maxAttempts       int
	reconnectInterval time.Duration
	heartbeatInterval time.Duration

	mu         sync.Mutex
	state      State
	conn       Conn
	gen        uint64
	dialCancel context.CancelFunc
	heartbeat  clock.Timer
	retry      clock.Timer
	closed     bool

	writeMu sync.Mutex

	dispatch *dispatcher
}

// New creates an idle channel. Call Start to connect.
func New(dialer Dialer, url string, opts ...Option) *Channel {
	c := &Channel{
		url:               url,
		dialer:            dialer,
		clock:             clock.Real{},
		reconnect:         true,
		maxAttempts:       DefaultMaxReconnectAttempts,
		reconnectInterval: DefaultReconnectInterval,
		heartbeatInterval: DefaultHeartbeatInterval,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.maxAttempts < 0 {
		c.maxAttempts = 0
	}
	c.dispatch = newDispatcher()
	return c
}

// URL returns the endpoint the channel dials.
func (c *Channel) URL() string { return c.url }

// Start begins connecting. It is a no-op while connecting or open.
func (c *Channel) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.connectLocked()
}

// Reconnect is the manual recovery path: it cancels any scheduled retry,
// restores the full attempt budget and connects. It is a no-op while
// connecting or open, so two transports never coexist.
func (c *Channel) Reconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.busyLocked() {
		return
	}
	c.state.Attempts = 0
	c.connectLocked()
}

// Send marshals v and writes it while the channel is open. Outside of the
// open phase the message is dropped with a warning and false is returned.
func (c *Channel) Send(v any) bool {
	b, err := json.Marshal(v)
	if err != nil {
		logger.Warnf("channel: encode outbound message: %v", err)
		return false
	}
	c.mu.Lock()
	conn := c.conn
	phase := c.state.Phase
	c.mu.Unlock()
	if phase != PhaseOpen || conn == nil {
		logger.Warnf("channel: send while %s dropped", phase)
		return false
	}
	if err := c.write(conn, b); err != nil {
		logger.Warnf("channel: send failed: %v", err)
		return false
	}
	return true
}

// State returns a snapshot of the current state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Subscribe registers fn for every state change, delivered in order on a
// dedicated goroutine. The returned func unregisters it.
func (c *Channel) Subscribe(fn func(State)) func() {
	return c.dispatch.subscribe(fn)
}

// Close tears down the connection, any in-flight dial and every timer. No
// state is delivered to subscribers afterwards.
func (c *Channel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.gen++
	c.dispatch.close()
	if c.dialCancel != nil {
		c.dialCancel()
		c.dialCancel = nil
	}
	c.stopRetryLocked()
	c.stopHeartbeatLocked()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.state.Phase = PhaseClosed
	c.state.Connected = false
	c.state.Err = ErrClosed
}

func (c *Channel) busyLocked() bool {
	return c.state.Phase == PhaseConnecting || c.state.Phase == PhaseOpen
}

func (c *Channel) connectLocked() {
	if c.busyLocked() {
		return
	}
	c.stopRetryLocked()
	c.gen++
	gen := c.gen
	ctx, cancel := context.WithCancel(context.Background())
	c.dialCancel = cancel
	c.state.Phase = PhaseConnecting
	c.publishLocked()
	go c.dial(ctx, cancel, gen)
}

func (c *Channel) dial(ctx context.Context, cancel context.CancelFunc, gen uint64) {
	conn, err := c.dialer.Dial(ctx, c.url)
	cancel()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || gen != c.gen {
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	c.dialCancel = nil
	if err != nil {
		logger.Warnf("channel: dial %s: %v", c.url, err)
		c.dropLocked(err)
		return
	}
	c.conn = conn
	c.state.Phase = PhaseOpen
	c.state.Connected = true
	c.state.Err = nil
	c.state.Attempts = 0
	c.startHeartbeatLocked(gen)
	c.publishLocked()
	logger.Infof("channel: connected to %s", c.url)
	go c.readLoop(conn, gen)
}

func (c *Channel) readLoop(conn Conn, gen uint64) {
	for {
		b, err := conn.Receive()
		if err != nil {
			c.mu.Lock()
			if !c.closed && gen == c.gen && c.conn == conn {
				logger.Warnf("channel: connection lost: %v", err)
				c.dropLocked(err)
			}
			c.mu.Unlock()
			return
		}
		msg, err := ParseMessage(b)
		if err != nil {
			logger.Warnf("channel: dropping inbound frame: %v", err)
			continue
		}
		c.mu.Lock()
		if c.closed || gen != c.gen {
			c.mu.Unlock()
			return
		}
		c.state.LastMessage = msg
		c.state.Seq++
		c.publishLocked()
		c.mu.Unlock()
	}
}

// dropLocked moves an open or connecting channel to Closed with a scheduled
// retry, or to Terminal once the budget is spent.
func (c *Channel) dropLocked(err error) {
	c.stopHeartbeatLocked()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.state.Connected = false
	c.state.Err = err
	if c.reconnect && c.state.Attempts < c.maxAttempts {
		c.state.Attempts++
		c.state.Phase = PhaseClosed
		gen := c.gen
		c.stopRetryLocked()
		c.retry = c.clock.AfterFunc(c.reconnectInterval, func() { c.retryFired(gen) })
		logger.Infof("channel: reconnect %d/%d in %s", c.state.Attempts, c.maxAttempts, c.reconnectInterval)
	} else {
		c.state.Phase = PhaseTerminal
		logger.Warnf("channel: giving up after %d reconnect attempts", c.state.Attempts)
	}
	c.publishLocked()
}

func (c *Channel) retryFired(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || gen != c.gen || c.state.Phase != PhaseClosed {
		return
	}
	c.retry = nil
	c.connectLocked()
}

func (c *Channel) startHeartbeatLocked(gen uint64) {
	c.stopHeartbeatLocked()
	if c.heartbeatInterval <= 0 {
		return
	}
	c.heartbeat = c.clock.AfterFunc(c.heartbeatInterval, func() { c.beat(gen) })
}

func (c *Channel) beat(gen uint64) {
	c.mu.Lock()
	if c.closed || gen != c.gen || c.state.Phase != PhaseOpen || c.conn == nil {
		c.mu.Unlock()
		return
	}
	conn := c.conn
	c.heartbeat = c.clock.AfterFunc(c.heartbeatInterval, func() { c.beat(gen) })
	c.mu.Unlock()
	if err := c.write(conn, pingPayload); err != nil {
		logger.Warnf("channel: heartbeat failed: %v", err)
	}
}

func (c *Channel) stopHeartbeatLocked() {
	if c.heartbeat != nil {
		c.heartbeat.Stop()
		c.heartbeat = nil
	}
}

func (c *Channel) stopRetryLocked() {
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
}

func (c *Channel) write(conn Conn, b []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.Send(b)
}

func (c *Channel) publishLocked() {
	c.dispatch.push(c.state)
}

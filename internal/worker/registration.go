package worker

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/leonardcser/pulse-edge/internal/logger"
)

// Page to worker control messages.
const MessageSkipWaiting = "skip-waiting"

// Worker to page message types.
const (
	MessageUpdateAvailable  = "update-available"
	MessageControllerChange = "controller-change"
)

var ErrUnknownMessage = errors.New("worker: unknown control message")

// Message is sent from the registration to connected pages.
type Message struct {
	Type    string `json:"type"`
	Version string `json:"version,omitempty"`
}

// Client is one connected page.
type Client struct {
	ID string

	messages chan Message

	mu         sync.Mutex
	controller string
}

// Messages delivers worker to page messages. Messages are dropped when the
// page falls more than the buffer behind.
func (c *Client) Messages() <-chan Message { return c.messages }

// Controller returns the version of the worker controlling the page, or ""
// when uncontrolled.
func (c *Client) Controller() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.controller
}

func (c *Client) deliver(m Message) {
	select {
	case c.messages <- m:
	default:
		logger.Warnf("worker: client %s is not reading, dropped %s", c.ID, m.Type)
	}
}

// Registration tracks the active and waiting worker versions and the pages
// they control.
type Registration struct {
	eager bool

	// activation serializes promotions of the waiting worker.
	activation sync.Mutex

	mu      sync.Mutex
	active  *Worker
	waiting *Worker
	clients map[string]*Client
}

// NewRegistration creates an empty registration. With eager set, a newly
// installed worker activates immediately instead of waiting for
// MessageSkipWaiting.
func NewRegistration(eager bool) *Registration {
	return &Registration{eager: eager, clients: make(map[string]*Client)}
}

// Connect registers a page. It is controlled by the active worker, if any.
func (r *Registration) Connect() *Client {
	c := &Client{ID: uuid.NewString(), messages: make(chan Message, 8)}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active != nil {
		c.controller = r.active.Version()
	}
	r.clients[c.ID] = c
	return c
}

func (r *Registration) Disconnect(c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clients, c.ID)
}

func (r *Registration) Active() *Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

func (r *Registration) Waiting() *Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.waiting
}

func (r *Registration) ClientCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// Update installs w. The first worker, or any worker when eager, activates
// right away; otherwise it waits and pages are told an update is available.
func (r *Registration) Update(ctx context.Context, w *Worker) error {
	if err := w.Install(ctx); err != nil {
		return err
	}
	r.mu.Lock()
	if prev := r.waiting; prev != nil {
		prev.setPhase(PhaseRedundant)
	}
	r.waiting = w
	activateNow := r.eager || r.active == nil
	if !activateNow {
		r.broadcastLocked(Message{Type: MessageUpdateAvailable, Version: w.Version()})
	}
	r.mu.Unlock()

	if activateNow {
		return r.activateWaiting(ctx)
	}
	logger.Infof("worker %s: installed and waiting", w.Version())
	return nil
}

// PostMessage handles a page to worker control message.
func (r *Registration) PostMessage(ctx context.Context, msg string) error {
	switch strings.TrimSpace(msg) {
	case MessageSkipWaiting:
		return r.activateWaiting(ctx)
	default:
		logger.Warnf("worker: ignoring unknown message %q", msg)
		return ErrUnknownMessage
	}
}

// activateWaiting promotes the waiting worker, drops stale generations and
// claims every connected page. Without a waiting worker it is a no-op.
func (r *Registration) activateWaiting(ctx context.Context) error {
	r.activation.Lock()
	defer r.activation.Unlock()

	r.mu.Lock()
	w := r.waiting
	r.mu.Unlock()
	if w == nil {
		return nil
	}
	if err := w.Activate(ctx); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.waiting == w {
		r.waiting = nil
	}
	prev := r.active
	r.active = w
	for _, c := range r.clients {
		c.mu.Lock()
		c.controller = w.Version()
		c.mu.Unlock()
	}
	r.broadcastLocked(Message{Type: MessageControllerChange, Version: w.Version()})
	if prev != nil && prev != w {
		prev.setPhase(PhaseRedundant)
	}
	logger.Infof("worker %s: activated, controlling %d clients", w.Version(), len(r.clients))
	return nil
}

func (r *Registration) broadcastLocked(m Message) {
	for _, c := range r.clients {
		c.deliver(m)
	}
}

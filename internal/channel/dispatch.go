package channel

import "sync"

// dispatcher delivers state snapshots to subscribers in push order, outside
// of the channel lock, on a single goroutine.
type dispatcher struct {
	mu     sync.Mutex
	queue  []State
	subs   []subscriber
	nextID int
	closed bool

	wake chan struct{}
	done chan struct{}
	once sync.Once
}

type subscriber struct {
	id int
	fn func(State)
}

func newDispatcher() *dispatcher {
	d := &dispatcher{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go d.loop()
	return d
}

func (d *dispatcher) subscribe(fn func(State)) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.nextID
	d.nextID++
	d.subs = append(d.subs, subscriber{id: id, fn: fn})
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		for i, s := range d.subs {
			if s.id == id {
				d.subs = append(d.subs[:i:i], d.subs[i+1:]...)
				return
			}
		}
	}
}

func (d *dispatcher) push(s State) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.queue = append(d.queue, s)
	d.mu.Unlock()
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *dispatcher) close() {
	d.mu.Lock()
	d.closed = true
	d.queue = nil
	d.mu.Unlock()
	d.once.Do(func() { close(d.done) })
}

func (d *dispatcher) loop() {
	for {
		select {
		case <-d.done:
			return
		case <-d.wake:
		}
		for {
			d.mu.Lock()
			if d.closed {
				d.mu.Unlock()
				return
			}
			if len(d.queue) == 0 {
				d.mu.Unlock()
				break
			}
			s := d.queue[0]
			d.queue = d.queue[1:]
			subs := append([]subscriber(nil), d.subs...)
			d.mu.Unlock()
			for _, sub := range subs {
				sub.fn(s)
			}
		}
	}
}

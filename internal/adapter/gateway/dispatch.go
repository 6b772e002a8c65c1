package gateway

import "sync"

// dispatcher runs event delivery for one connection on its own goroutine,
// in arrival order. Handlers may call Request without stalling the read loop.
// The queue is unbounded.
type dispatcher struct {
	mu     sync.Mutex
	queue  []func()
	closed bool
	wake   chan struct{}
	done   chan struct{}
}

func newDispatcher() *dispatcher {
	d := &dispatcher{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go d.run()
	return d
}

// push queues fn. It reports false once the dispatcher is closed.
func (d *dispatcher) push(fn func()) bool {
	if d == nil {
		return false
	}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return false
	}
	d.queue = append(d.queue, fn)
	d.mu.Unlock()
	d.signal()
	return true
}

// close stops accepting work. Already queued work still runs.
func (d *dispatcher) close() {
	if d == nil {
		return
	}
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.signal()
}

func (d *dispatcher) signal() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *dispatcher) run() {
	defer close(d.done)
	for {
		d.mu.Lock()
		batch := d.queue
		d.queue = nil
		closed := d.closed
		d.mu.Unlock()

		for _, fn := range batch {
			fn()
		}
		if len(batch) > 0 {
			continue
		}
		if closed {
			return
		}
		<-d.wake
	}
}

// takeDispatcherLocked detaches the current dispatcher. The caller closes it
// after releasing the lock.
func (c *Client) takeDispatcherLocked() *dispatcher {
	d := c.disp
	c.disp = nil
	return d
}

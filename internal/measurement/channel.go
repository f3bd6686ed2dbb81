package measurement

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"codeberg.org/mutker/frothctl/internal/errors"
)

// DefaultCapacity keeps at most two measurements between vision and control.
const DefaultCapacity = 2

// Stats are the channel counters. Reads are lock-free.
type Stats struct {
	Sent     uint64 `json:"sent"`
	Dropped  uint64 `json:"dropped"`
	Buffered int    `json:"buffered"`
}

// Channel hands measurements from the vision producer to the controller.
//
// Send never blocks: when the buffer is full the oldest measurement is
// evicted. A stalled controller therefore cannot stall image capture, and a
// stalled producer is only ever noticed by the safety watchdog.
type Channel struct {
	mu     sync.Mutex
	buf    []Measurement
	head   int
	size   int
	closed bool

	// notify holds at most one pending wake-up for a blocked Receive.
	notify chan struct{}
	done   chan struct{}

	sent    atomic.Uint64
	dropped atomic.Uint64
}

// NewChannel creates a Channel with the given capacity.
func NewChannel(capacity int) *Channel {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}

	return &Channel{
		buf:    make([]Measurement, capacity),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Send enqueues m, evicting the oldest buffered value when full.
// It reports false once the channel is closed.
func (c *Channel) Send(m Measurement) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}

	if c.size == len(c.buf) {
		c.head = (c.head + 1) % len(c.buf)
		c.size--
		c.dropped.Add(1)
	}
	c.buf[(c.head+c.size)%len(c.buf)] = m
	c.size++
	c.mu.Unlock()

	c.sent.Add(1)

	select {
	case c.notify <- struct{}{}:
	default:
	}

	return true
}

// TryReceive returns the oldest buffered measurement without blocking.
func (c *Channel) TryReceive() (Measurement, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.size == 0 {
		return Measurement{}, false
	}

	m := c.buf[c.head]
	c.buf[c.head] = Measurement{}
	c.head = (c.head + 1) % len(c.buf)
	c.size--

	return m, true
}

// Receive returns the oldest buffered measurement, waiting up to timeout.
// It fails with ErrTimeout when nothing arrives in time and with ErrShutdown
// as soon as ctx is cancelled or the channel is closed.
func (c *Channel) Receive(ctx context.Context, timeout time.Duration) (Measurement, error) {
	errFactory := errors.New()

	if ctx.Err() != nil {
		return Measurement{}, errFactory.Wrap(errors.ErrShutdown, ctx.Err())
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		if m, ok := c.TryReceive(); ok {
			return m, nil
		}

		select {
		case <-ctx.Done():
			return Measurement{}, errFactory.Wrap(errors.ErrShutdown, ctx.Err())
		case <-c.done:
			return Measurement{}, errFactory.WithMessage(errors.ErrShutdown, "measurement channel closed")
		case <-timer.C:
			return Measurement{}, errFactory.New(errors.ErrTimeout)
		case <-c.notify:
		}
	}
}

// Close wakes any blocked receiver. Buffered values stay readable through
// TryReceive.
func (c *Channel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	close(c.done)
}

// Len returns the number of buffered measurements.
func (c *Channel) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

// Cap returns the channel capacity.
func (c *Channel) Cap() int {
	return len(c.buf)
}

func (c *Channel) Stats() Stats {
	return Stats{
		Sent:     c.sent.Load(),
		Dropped:  c.dropped.Load(),
		Buffered: c.Len(),
	}
}

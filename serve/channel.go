// Unbounded ordered message channel used for the in-memory edition of the
// request/response/cancel protocol, and for the per-request response sinks
// inside the engine queue. Send never blocks; Recv suspends until a message,
// channel close, or context cancellation.

package serve

import (
	"context"
	"errors"
	"sync"
)

// ErrChannelClosed is returned by Send and Recv once the channel is closed
// and drained.
var ErrChannelClosed = errors.New("channel closed")

// Channel is a single-producer/single-consumer FIFO with no capacity bound.
// It is safe for concurrent use by multiple senders and receivers, but the
// protocol only ever attaches one of each per direction.
type Channel[T any] struct {
	mu     sync.Mutex
	buf    []T
	closed bool
	notify chan struct{} // capacity 1, poked on every Send and Close
}

func NewChannel[T any]() *Channel[T] {
	return &Channel[T]{notify: make(chan struct{}, 1)}
}

// Send appends v to the channel. It fails only if the channel is closed.
func (c *Channel[T]) Send(v T) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrChannelClosed
	}
	c.buf = append(c.buf, v)
	c.mu.Unlock()
	c.poke()
	return nil
}

// Recv removes and returns the oldest message. It blocks until a message
// arrives, the channel closes (ErrChannelClosed once the buffer drains),
// or ctx is done.
func (c *Channel[T]) Recv(ctx context.Context) (T, error) {
	var zero T
	for {
		c.mu.Lock()
		if len(c.buf) > 0 {
			v := c.buf[0]
			c.buf = c.buf[1:]
			c.mu.Unlock()
			return v, nil
		}
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return zero, ErrChannelClosed
		}
		select {
		case <-c.notify:
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}

// TryRecv removes and returns the oldest message without blocking.
func (c *Channel[T]) TryRecv() (T, bool) {
	var zero T
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.buf) == 0 {
		return zero, false
	}
	v := c.buf[0]
	c.buf = c.buf[1:]
	return v, true
}

// Len returns the number of buffered messages.
func (c *Channel[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buf)
}

// Close marks the channel closed. Buffered messages remain receivable;
// subsequent Sends fail. Safe to call more than once.
func (c *Channel[T]) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.poke()
}

func (c *Channel[T]) poke() {
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

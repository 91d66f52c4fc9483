// Package ringchan provides a bounded channel that never blocks its producer:
// when the buffer is full the oldest element is discarded.
package ringchan

import (
	"sync"
	"sync/atomic"
)

// Chan wraps a buffered channel with overwrite-oldest semantics.
//
//	rc := ringchan.New[Event](8)
//	rc.Send(ev)           // never blocks
//	for ev := range rc.C() {
//	    ...
//	}
//
// Send and Close may be called from different goroutines; a Send after
// Close is dropped.
type Chan[T any] struct {
	mu     sync.Mutex
	ch     chan T
	closed bool

	written     atomic.Int64
	overwritten atomic.Int64
}

// New creates a Chan with the given capacity
func New[T any](capacity int) *Chan[T] {
	if capacity <= 0 {
		panic("ringchan: capacity must be > 0")
	}
	return &Chan[T]{ch: make(chan T, capacity)}
}

// C returns the receive side. It is closed by Close.
func (c *Chan[T]) C() <-chan T {
	return c.ch
}

// Send inserts v, discarding the oldest buffered element if needed.
// It reports whether an element was discarded.
func (c *Chan[T]) Send(v T) (dropped bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}

	select {
	case c.ch <- v:
	default:
		select {
		case <-c.ch:
			c.overwritten.Add(1)
			dropped = true
		default:
		}
		c.ch <- v
	}
	c.written.Add(1)
	return dropped
}

// Close closes the receive side. Buffered elements remain readable.
func (c *Chan[T]) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.ch)
	}
}

// Len returns how many elements are buffered and unread
func (c *Chan[T]) Len() int { return len(c.ch) }

// Stats returns how many elements were written and how many were overwritten
// before being read
func (c *Chan[T]) Stats() (written, overwritten int64) {
	return c.written.Load(), c.overwritten.Load()
}

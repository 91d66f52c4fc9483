package board

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/smallnest/ringbuffer"
	"github.com/srg/biomon/internal/link"
)

// DefaultRxBufferSize is large enough for a handful of full-size frames
const DefaultRxBufferSize = 4096

// RxBuffer queues bytes received from a transport (notification callback or
// reader goroutine) until the client consumes them. Feed never blocks: when the
// buffer is full the excess is dropped and counted.
type RxBuffer struct {
	buf      *ringbuffer.RingBuffer
	notify   chan struct{}
	lost     chan struct{}
	lostOnce sync.Once
	dropped  atomic.Uint64
}

// NewRxBuffer creates a receive buffer with the given capacity in bytes
func NewRxBuffer(size int) *RxBuffer {
	if size <= 0 {
		size = DefaultRxBufferSize
	}
	return &RxBuffer{
		buf:    ringbuffer.New(size),
		notify: make(chan struct{}, 1),
		lost:   make(chan struct{}),
	}
}

// Feed appends received bytes and wakes a pending Recv
func (b *RxBuffer) Feed(p []byte) {
	if len(p) == 0 {
		return
	}
	n, err := b.buf.Write(p)
	if err != nil && (errors.Is(err, ringbuffer.ErrIsFull) || errors.Is(err, ringbuffer.ErrTooMuchDataToWrite)) {
		b.dropped.Add(uint64(len(p) - n))
	}
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

// Recv copies buffered bytes into p, blocking until at least one byte is
// available, the buffer is marked lost, or ctx is done. Bytes received before
// the loss are still delivered.
func (b *RxBuffer) Recv(ctx context.Context, p []byte) (int, error) {
	for {
		n, err := b.buf.TryRead(p)
		if err != nil && !errors.Is(err, ringbuffer.ErrIsEmpty) {
			return 0, err
		}
		if n > 0 {
			return n, nil
		}

		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-b.notify:
		case <-b.lost:
			if b.buf.IsEmpty() {
				return 0, link.ErrConnectionLost
			}
		}
	}
}

// MarkLost signals that no more bytes will arrive. Safe to call repeatedly.
func (b *RxBuffer) MarkLost() {
	b.lostOnce.Do(func() { close(b.lost) })
}

// Lost is closed once MarkLost has been called
func (b *RxBuffer) Lost() <-chan struct{} {
	return b.lost
}

// Dropped returns how many bytes were discarded because the buffer was full
func (b *RxBuffer) Dropped() uint64 {
	return b.dropped.Load()
}

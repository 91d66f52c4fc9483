package board

import (
	"context"
	"io"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/srg/biomon/internal/groutine"
	"github.com/srg/biomon/internal/link"
)

// Conn is the byte pipe a Client talks through
type Conn interface {
	// Send writes a complete encoded frame
	Send(ctx context.Context, p []byte) error
	// Recv blocks until bytes are available (see RxBuffer.Recv)
	Recv(ctx context.Context, p []byte) (int, error)
	// Lost is closed when the underlying transport is gone
	Lost() <-chan struct{}
	// Close releases the transport and waits for its goroutines
	Close(ctx context.Context) error
}

// StreamConn adapts a plain io.ReadWriteCloser (serial port, pipe) to Conn.
// A reader goroutine moves incoming bytes into an RxBuffer; any read error
// marks the connection lost.
type StreamConn struct {
	rwc    io.ReadWriteCloser
	rx     *RxBuffer
	logger *logrus.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
	readDone  <-chan struct{}
}

// NewStreamConn starts reading from rwc
func NewStreamConn(name string, rwc io.ReadWriteCloser, logger *logrus.Logger) *StreamConn {
	if logger == nil {
		logger = logrus.New()
	}
	s := &StreamConn{
		rwc:    rwc,
		rx:     NewRxBuffer(DefaultRxBufferSize),
		logger: logger,
	}
	s.readDone = groutine.Go(context.Background(), name+"-reader", s.readLoop)
	return s
}

func (s *StreamConn) readLoop(ctx context.Context) {
	logger := s.logger.WithField("goroutine", groutine.GetName(ctx))
	buf := make([]byte, 256)
	for {
		n, err := s.rwc.Read(buf)
		if n > 0 {
			s.rx.Feed(buf[:n])
		}
		if err != nil {
			logger.WithField("error", err).Debug("Stream reader stopped")
			s.rx.MarkLost()
			return
		}
		// go.bug.st/serial without a read timeout returns (0, nil) only once the
		// port has been closed
		if n == 0 {
			logger.Debug("Stream reader stopped")
			s.rx.MarkLost()
			return
		}
	}
}

// Send writes p in full. Writes are not interruptible once started.
func (s *StreamConn) Send(ctx context.Context, p []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-s.rx.Lost():
		return link.ErrConnectionLost
	default:
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	for len(p) > 0 {
		n, err := s.rwc.Write(p)
		if err != nil {
			return link.NormalizeError(err)
		}
		p = p[n:]
	}
	return nil
}

func (s *StreamConn) Recv(ctx context.Context, p []byte) (int, error) {
	return s.rx.Recv(ctx, p)
}

func (s *StreamConn) Lost() <-chan struct{} {
	return s.rx.Lost()
}

// Close closes the stream and waits for the reader to exit or ctx to be done
func (s *StreamConn) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.rx.MarkLost()
		s.closeErr = s.rwc.Close()
	})
	select {
	case <-s.readDone:
	case <-ctx.Done():
		return ctx.Err()
	}
	return s.closeErr
}

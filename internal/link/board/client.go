package board

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/biomon/internal/link"
)

// Info is the board identity returned by the hello exchange
type Info struct {
	Version uint8
	BoardID uint8
}

// Client is a link.Board speaking the framed protocol over a Conn.
// Requests are serialized; responses are matched by sequence number and
// late answers to timed-out requests are discarded.
type Client struct {
	kind    link.Kind
	conn    Conn
	logger  *logrus.Logger
	timeout time.Duration

	mu   sync.Mutex
	seq  uint8
	dec  Decoder
	rbuf []byte

	disconnectOnce sync.Once
	disconnectErr  error
}

// NewClient wraps conn. A zero requestTimeout lets each request wait for its ctx.
func NewClient(kind link.Kind, conn Conn, requestTimeout time.Duration, logger *logrus.Logger) *Client {
	if logger == nil {
		logger = logrus.New()
	}
	return &Client{
		kind:    kind,
		conn:    conn,
		logger:  logger,
		timeout: requestTimeout,
		rbuf:    make([]byte, 256),
	}
}

func (c *Client) Kind() link.Kind { return c.kind }

func (c *Client) Lost() <-chan struct{} { return c.conn.Lost() }

// Hello checks that a board is answering and returns its identity
func (c *Client) Hello(ctx context.Context) (Info, error) {
	resp, err := c.roundTrip(ctx, OpHello, nil)
	if err != nil {
		return Info{}, err
	}
	if len(resp) < 2 {
		return Info{}, fmt.Errorf("%s: short response (%d bytes)", OpHello, len(resp))
	}
	return Info{Version: resp[0], BoardID: resp[1]}, nil
}

func (c *Client) OpenOutput(ctx context.Context, pin int) (link.OutputChannel, error) {
	p, err := pinByte(pin)
	if err != nil {
		return nil, err
	}
	if _, err := c.roundTrip(ctx, OpOpenOutput, []byte{p}); err != nil {
		return nil, err
	}
	return &output{client: c, pin: p}, nil
}

func (c *Client) OpenAnalogInput(ctx context.Context, pin int) (link.AnalogInput, error) {
	p, err := pinByte(pin)
	if err != nil {
		return nil, err
	}
	if _, err := c.roundTrip(ctx, OpOpenAnalog, []byte{p}); err != nil {
		return nil, err
	}
	return &analogInput{client: c, pin: p}, nil
}

func (c *Client) OpenBus(ctx context.Context, bus int, rate link.BusRate) (link.BusChannel, error) {
	b, err := pinByte(bus)
	if err != nil {
		return nil, err
	}
	if _, err := c.roundTrip(ctx, OpOpenBus, []byte{b, byte(rate)}); err != nil {
		return nil, err
	}
	return &busChannel{client: c, bus: b}, nil
}

// Disconnect sends a best-effort close request and releases the conn
func (c *Client) Disconnect(ctx context.Context) error {
	c.disconnectOnce.Do(func() {
		select {
		case <-c.conn.Lost():
		default:
			if _, err := c.roundTrip(ctx, OpClose, nil); err != nil {
				c.logger.WithField("error", err).Debug("Close request not acknowledged")
			}
		}
		c.disconnectErr = c.conn.Close(ctx)
	})
	return c.disconnectErr
}

func (c *Client) roundTrip(ctx context.Context, op Op, payload []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.conn.Lost():
		return nil, fmt.Errorf("%s: %w", op, link.ErrConnectionLost)
	default:
	}

	reqCtx := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	c.seq++
	seq := c.seq
	frame, err := Encode(Frame{Op: op, Seq: seq, Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err := c.conn.Send(reqCtx, frame); err != nil {
		return nil, c.requestError(ctx, op, err)
	}

	for {
		f, ok := c.dec.Next()
		if !ok {
			n, err := c.conn.Recv(reqCtx, c.rbuf)
			if err != nil {
				return nil, c.requestError(ctx, op, err)
			}
			c.dec.Feed(c.rbuf[:n])
			continue
		}

		if f.Seq != seq {
			c.logger.WithFields(logrus.Fields{
				"op":       f.Op.String(),
				"seq":      f.Seq,
				"expected": seq,
			}).Debug("Discarding stale frame")
			continue
		}
		switch f.Op {
		case op.Response():
			return f.Payload, nil
		case OpError:
			return nil, codeError(op, f.Payload)
		default:
			return nil, fmt.Errorf("%s: unexpected response %s", op, f.Op)
		}
	}
}

// requestError keeps caller cancellation distinguishable from a request timeout
func (c *Client) requestError(ctx context.Context, op Op, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w after %s", op, link.ErrTimeout, c.timeout)
	}
	return fmt.Errorf("%s: %w", op, link.NormalizeError(err))
}

func pinByte(pin int) (byte, error) {
	if pin < 0 || pin > 0xFF {
		return 0, fmt.Errorf("%w: %d", ErrBadPin, pin)
	}
	return byte(pin), nil
}

type output struct {
	client *Client
	pin    byte
}

func (o *output) Write(ctx context.Context, level bool) error {
	var v byte
	if level {
		v = 1
	}
	_, err := o.client.roundTrip(ctx, OpWriteDigital, []byte{o.pin, v})
	return err
}

type analogInput struct {
	client *Client
	pin    byte
}

// ReadVoltage returns the pin voltage in volts
func (a *analogInput) ReadVoltage(ctx context.Context) (float64, error) {
	resp, err := a.client.roundTrip(ctx, OpReadAnalog, []byte{a.pin})
	if err != nil {
		return 0, err
	}
	if len(resp) != 2 {
		return 0, fmt.Errorf("%s: expected 2 bytes, got %d", OpReadAnalog, len(resp))
	}
	return float64(binary.BigEndian.Uint16(resp)) / 1000, nil
}

type busChannel struct {
	client *Client
	bus    byte
}

func (b *busChannel) WriteRead(ctx context.Context, address uint8, w, r []byte) error {
	if len(w) > MaxPayload-4 || len(r) > MaxPayload {
		return fmt.Errorf("%s: %w", OpBusWriteRead, ErrPayloadTooLarge)
	}
	payload := make([]byte, 0, 4+len(w))
	payload = append(payload, b.bus, address, byte(len(w)), byte(len(r)))
	payload = append(payload, w...)

	resp, err := b.client.roundTrip(ctx, OpBusWriteRead, payload)
	if err != nil {
		return err
	}
	if len(resp) != len(r) {
		return fmt.Errorf("%s: expected %d bytes, got %d", OpBusWriteRead, len(r), len(resp))
	}
	copy(r, resp)
	return nil
}

// Package cable reaches the sensor board over a USB serial cable and speaks
// the framed board protocol on the port.
package cable

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/biomon/internal/link"
	"github.com/srg/biomon/internal/link/board"
	"go.bug.st/serial"
)

// PollInterval is how often Connect looks for the port to appear
const PollInterval = 500 * time.Millisecond

var (
	openPort = func(name string, mode *serial.Mode) (io.ReadWriteCloser, error) {
		return serial.Open(name, mode)
	}
	listPorts = serial.GetPortsList
)

// ListPorts returns the serial ports currently present
func ListPorts() ([]string, error) {
	ports, err := listPorts()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate serial ports: %w", err)
	}
	return ports, nil
}

// Factory creates serial cable transports
type Factory struct {
	Logger *logrus.Logger
}

func (f *Factory) Type() string    { return string(link.KindCable) }
func (f *Factory) Kind() link.Kind { return link.KindCable }

func (f *Factory) NewTransport(opts *link.Options) (link.Transport, error) {
	if opts.BaudRate < 0 {
		return nil, fmt.Errorf("invalid baud rate %d", opts.BaudRate)
	}
	logger := f.Logger
	if logger == nil {
		logger = logrus.New()
	}
	baud := opts.BaudRate
	if baud == 0 {
		baud = 115200
	}
	return &Transport{
		port:           opts.Port,
		baudRate:       baud,
		requestTimeout: opts.RequestTimeout,
		logger:         logger,
	}, nil
}

// Transport connects to one board on a serial port. An empty port name picks
// the first port found.
type Transport struct {
	port           string
	baudRate       int
	requestTimeout time.Duration
	logger         *logrus.Logger
}

func (t *Transport) Kind() link.Kind { return link.KindCable }

// Connect waits for the port to appear, opens it and completes a hello
// exchange. A missing or busy port is polled until ctx is done.
func (t *Transport) Connect(ctx context.Context) (link.Board, error) {
	name, port, err := t.waitForPort(ctx)
	if err != nil {
		return nil, err
	}

	conn := board.NewStreamConn("serial "+name, port, t.logger)
	b := board.NewClient(link.KindCable, conn, t.requestTimeout, t.logger)
	info, err := b.Hello(ctx)
	if err != nil {
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
		defer cancel()
		_ = b.Disconnect(dctx)
		return nil, err
	}

	t.logger.WithFields(logrus.Fields{
		"port":     name,
		"baud":     t.baudRate,
		"version":  info.Version,
		"board_id": info.BoardID,
	}).Info("Serial board connected")
	return b, nil
}

func (t *Transport) waitForPort(ctx context.Context) (string, io.ReadWriteCloser, error) {
	mode := &serial.Mode{
		BaudRate: t.baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()
	waiting := false
	for {
		name, err := t.portName()
		if err == nil {
			var port io.ReadWriteCloser
			port, err = openPort(name, mode)
			if err == nil {
				return name, port, nil
			}
		}
		if !retryable(err) {
			return "", nil, fmt.Errorf("failed to open serial port %s: %w", name, err)
		}
		if !waiting {
			t.logger.WithFields(logrus.Fields{
				"port":  t.port,
				"error": err,
			}).Info("Waiting for serial port...")
			waiting = true
		}

		select {
		case <-ctx.Done():
			return "", nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

var errNoPorts = errors.New("no serial ports found")

func (t *Transport) portName() (string, error) {
	if t.port != "" {
		return t.port, nil
	}
	ports, err := listPorts()
	if err != nil {
		return "", err
	}
	if len(ports) == 0 {
		return "", errNoPorts
	}
	return ports[0], nil
}

// retryable reports whether the port may still show up or become free
func retryable(err error) bool {
	if errors.Is(err, errNoPorts) || errors.Is(err, fs.ErrNotExist) {
		return true
	}
	var portErr serial.PortError
	if errors.As(err, &portErr) {
		switch portErr.Code() {
		case serial.PortNotFound, serial.PortBusy, serial.PortClosed, serial.ErrorEnumeratingPorts:
			return true
		}
	}
	return false
}

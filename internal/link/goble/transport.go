// Package goble reaches the sensor board over a Bluetooth LE UART service
// (Nordic UART: notifications on TX, writes on RX) and speaks the framed
// board protocol on top of it.
package goble

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/biomon/internal/groutine"
	"github.com/srg/biomon/internal/link"
	"github.com/srg/biomon/internal/link/board"
)

var (
	// ServiceUUID is the Nordic UART service the board firmware exposes
	ServiceUUID = ble.MustParse("6E400001-B5A3-F393-E0A9-E50E24DCCA9E")
	// TxCharUUID carries board -> host notifications
	TxCharUUID = ble.MustParse("6E400003-B5A3-F393-E0A9-E50E24DCCA9E")
	// RxCharUUID accepts host -> board writes
	RxCharUUID = ble.MustParse("6E400002-B5A3-F393-E0A9-E50E24DCCA9E")
)

const (
	maxChunkSize = 20
	chunkDelay   = 10 * time.Millisecond
)

// DeviceFactory creates the HCI device (can be overridden in tests)
var DeviceFactory = defaultDevice

// client is the part of ble.Client the transport uses
type client interface {
	DiscoverProfile(force bool) (*ble.Profile, error)
	Subscribe(c *ble.Characteristic, ind bool, h ble.NotificationHandler) error
	WriteCharacteristic(c *ble.Characteristic, value []byte, noRsp bool) error
	CancelConnection() error
	Disconnected() <-chan struct{}
}

var (
	deviceMu    sync.Mutex
	deviceReady bool
)

func initDevice() error {
	deviceMu.Lock()
	defer deviceMu.Unlock()
	if deviceReady {
		return nil
	}
	dev, err := DeviceFactory()
	if err != nil {
		return fmt.Errorf("%w: failed to create BLE device: %v", link.ErrNoTransport, err)
	}
	ble.SetDefaultDevice(dev)
	deviceReady = true
	return nil
}

// dial connects to address, or to the first peripheral advertising the UART
// service when address is empty
var dial = func(ctx context.Context, address string) (client, error) {
	if err := initDevice(); err != nil {
		return nil, err
	}
	if address != "" {
		return ble.Dial(ctx, ble.NewAddr(address))
	}
	return ble.Connect(ctx, advertisesUART)
}

func advertisesUART(a ble.Advertisement) bool {
	for _, u := range a.Services() {
		if u.Equal(ServiceUUID) {
			return true
		}
	}
	return false
}

// Factory creates Bluetooth LE transports
type Factory struct {
	Logger *logrus.Logger
}

func (f *Factory) Type() string    { return string(link.KindRadio) }
func (f *Factory) Kind() link.Kind { return link.KindRadio }

func (f *Factory) NewTransport(opts *link.Options) (link.Transport, error) {
	logger := f.Logger
	if logger == nil {
		logger = logrus.New()
	}
	return &Transport{
		address:        opts.Address,
		requestTimeout: opts.RequestTimeout,
		logger:         logger,
	}, nil
}

// Transport connects to one board over BLE
type Transport struct {
	address        string
	requestTimeout time.Duration
	logger         *logrus.Logger
}

func (t *Transport) Kind() link.Kind { return link.KindRadio }

// Connect dials the peripheral, locates the UART characteristics and
// completes a hello exchange before returning the board.
func (t *Transport) Connect(ctx context.Context) (link.Board, error) {
	target := t.address
	if target == "" {
		target = "any " + ServiceUUID.String()
	}
	t.logger.WithField("address", target).Info("Connecting to BLE board...")

	cln, err := dial(ctx, t.address)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if link.IsConnectionState(err, link.NoTransport) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", link.ErrNotConnected, err)
	}

	tx, rx, err := findUART(cln)
	if err != nil {
		_ = cln.CancelConnection()
		return nil, err
	}

	conn := newConn(cln, rx, t.logger)
	if err := cln.Subscribe(tx, false, conn.rx.Feed); err != nil {
		_ = conn.Close(context.Background())
		return nil, fmt.Errorf("failed to subscribe to TX characteristic: %w", link.NormalizeError(err))
	}

	b := board.NewClient(link.KindRadio, conn, t.requestTimeout, t.logger)
	info, err := b.Hello(ctx)
	if err != nil {
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
		defer cancel()
		_ = b.Disconnect(dctx)
		return nil, err
	}

	t.logger.WithFields(logrus.Fields{
		"address":  target,
		"version":  info.Version,
		"board_id": info.BoardID,
	}).Info("BLE board connected")
	return b, nil
}

func findUART(cln client) (tx, rx *ble.Characteristic, err error) {
	profile, err := cln.DiscoverProfile(true)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to discover profile: %w", link.NormalizeError(err))
	}

	for _, svc := range profile.Services {
		if !svc.UUID.Equal(ServiceUUID) {
			continue
		}
		for _, c := range svc.Characteristics {
			switch {
			case c.UUID.Equal(TxCharUUID):
				tx = c
			case c.UUID.Equal(RxCharUUID):
				rx = c
			}
		}
		if tx == nil || rx == nil {
			return nil, nil, fmt.Errorf("%w: UART service is missing its TX or RX characteristic", link.ErrUnsupported)
		}
		return tx, rx, nil
	}
	return nil, nil, fmt.Errorf("%w: UART service %s not found", link.ErrUnsupported, ServiceUUID)
}

// conn is a board.Conn over the UART characteristics
type conn struct {
	client client
	rxChar *ble.Characteristic
	rx     *board.RxBuffer
	logger *logrus.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
	stop      chan struct{}
	watchDone <-chan struct{}
}

func newConn(cln client, rxChar *ble.Characteristic, logger *logrus.Logger) *conn {
	c := &conn{
		client: cln,
		rxChar: rxChar,
		rx:     board.NewRxBuffer(board.DefaultRxBufferSize),
		logger: logger,
		stop:   make(chan struct{}),
	}
	c.watchDone = groutine.Go(context.Background(), "ble-disconnect-watch", c.watch)
	return c
}

func (c *conn) watch(_ context.Context) {
	select {
	case <-c.client.Disconnected():
		c.logger.Debug("BLE peripheral disconnected")
		c.rx.MarkLost()
	case <-c.stop:
	}
}

// Send writes p in MTU-sized chunks
func (c *conn) Send(ctx context.Context, p []byte) error {
	select {
	case <-c.rx.Lost():
		return link.ErrConnectionLost
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	for len(p) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		n := min(len(p), maxChunkSize)
		if err := c.client.WriteCharacteristic(c.rxChar, p[:n], false); err != nil {
			return link.NormalizeError(err)
		}
		p = p[n:]
		if len(p) > 0 {
			time.Sleep(chunkDelay)
		}
	}
	return nil
}

func (c *conn) Recv(ctx context.Context, p []byte) (int, error) {
	return c.rx.Recv(ctx, p)
}

func (c *conn) Lost() <-chan struct{} {
	return c.rx.Lost()
}

// Close cancels the BLE connection and stops the disconnect watcher
func (c *conn) Close(ctx context.Context) error {
	c.closeOnce.Do(func() {
		c.rx.MarkLost()
		c.closeErr = c.client.CancelConnection()
		close(c.stop)
	})
	select {
	case <-c.watchDone:
	case <-ctx.Done():
		return ctx.Err()
	}
	return c.closeErr
}

// Package host drives the sensors straight from a Linux single-board
// computer: the status LED on a GPIO, the analog sensors through an ADS1115
// converter and the heart-rate interface on the I2C bus.
package host

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/srg/biomon/internal/link"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/conn/v3/physic"
	periphhost "periph.io/x/host/v3"
)

var (
	initHost = func() error {
		_, err := periphhost.Init()
		return err
	}
	openBus   = i2creg.Open
	pinByName = func(name string) gpio.PinOut {
		p := gpioreg.ByName(name)
		if p == nil {
			return nil
		}
		return p
	}
)

// Factory creates host GPIO/I2C transports
type Factory struct {
	Logger *logrus.Logger
}

func (f *Factory) Type() string    { return string(link.KindHost) }
func (f *Factory) Kind() link.Kind { return link.KindHost }

func (f *Factory) NewTransport(opts *link.Options) (link.Transport, error) {
	logger := f.Logger
	if logger == nil {
		logger = logrus.New()
	}
	addr := opts.ADCAddress
	if addr == 0 {
		addr = DefaultADCAddress
	}
	channels := opts.AnalogChannels
	if channels == nil {
		channels = map[int]int{}
	}
	return &Transport{
		bus:      opts.Bus,
		ledPin:   opts.LEDPin,
		adcAddr:  addr,
		channels: channels,
		logger:   logger,
	}, nil
}

// Transport opens the local I2C bus. Connect does not wait for a missing bus;
// it reports link.ErrNoTransport and leaves the retry to the worker.
type Transport struct {
	bus      string
	ledPin   string
	adcAddr  uint16
	channels map[int]int
	logger   *logrus.Logger
}

func (t *Transport) Kind() link.Kind { return link.KindHost }

func (t *Transport) Connect(ctx context.Context) (link.Board, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := initHost(); err != nil {
		return nil, fmt.Errorf("%w: failed to initialize host drivers: %v", link.ErrNoTransport, err)
	}
	bus, err := openBus(t.bus)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open I2C bus %q: %v", link.ErrNoTransport, t.bus, err)
	}

	t.logger.WithFields(logrus.Fields{
		"bus":     bus.String(),
		"adc":     fmt.Sprintf("0x%02x", t.adcAddr),
		"led_pin": t.ledPin,
	}).Info("Host board connected")

	return &Board{
		bus:      bus,
		adc:      newADS1115(bus, t.adcAddr),
		ledPin:   t.ledPin,
		channels: t.channels,
		logger:   t.logger,
		lost:     make(chan struct{}),
	}, nil
}

// Board serializes every bus access; the ADC and the heart-rate interface
// share the bus.
type Board struct {
	bus      i2c.BusCloser
	adc      *ads1115
	ledPin   string
	channels map[int]int
	logger   *logrus.Logger

	mu       sync.Mutex
	lost     chan struct{}
	lostOnce sync.Once
	closed   bool
}

func (b *Board) Kind() link.Kind { return link.KindHost }

func (b *Board) Lost() <-chan struct{} { return b.lost }

func (b *Board) markLost() {
	b.lostOnce.Do(func() { close(b.lost) })
}

// busError marks the board lost: the worker then reopens the bus
func (b *Board) busError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	b.markLost()
	return fmt.Errorf("%w: %v", link.ErrConnectionLost, err)
}

func (b *Board) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if b.closed {
		return link.ErrNotConnected
	}
	select {
	case <-b.lost:
		return link.ErrConnectionLost
	default:
		return nil
	}
}

// OpenOutput resolves pin 0 to the configured LED GPIO and any other pin to GPIO<pin>
func (b *Board) OpenOutput(ctx context.Context, pin int) (link.OutputChannel, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(ctx); err != nil {
		return nil, err
	}

	name := fmt.Sprintf("GPIO%d", pin)
	if pin == 0 && b.ledPin != "" {
		name = b.ledPin
	}
	p := pinByName(name)
	if p == nil {
		return nil, fmt.Errorf("%w: no GPIO named %s", link.ErrUnsupported, name)
	}
	return &output{board: b, pin: p}, nil
}

func (b *Board) OpenAnalogInput(ctx context.Context, pin int) (link.AnalogInput, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(ctx); err != nil {
		return nil, err
	}
	ch, ok := b.channels[pin]
	if !ok {
		return nil, fmt.Errorf("%w: analog pin %d is not wired to the ADC", link.ErrUnsupported, pin)
	}
	return &analogInput{board: b, channel: ch}, nil
}

// OpenBus sets the bus clock. Buses that cannot change speed keep theirs.
func (b *Board) OpenBus(ctx context.Context, bus int, rate link.BusRate) (link.BusChannel, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(ctx); err != nil {
		return nil, err
	}
	if err := b.bus.SetSpeed(physic.Frequency(rate.Hz()) * physic.Hertz); err != nil {
		b.logger.WithFields(logrus.Fields{
			"bus":   bus,
			"rate":  rate.Hz(),
			"error": err,
		}).Debug("I2C bus speed not changed")
	}
	return &busChannel{board: b}, nil
}

// Disconnect closes the bus. The LED is left as last written.
func (b *Board) Disconnect(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	b.markLost()
	return b.bus.Close()
}

type output struct {
	board *Board
	pin   gpio.PinOut
}

func (o *output) Write(ctx context.Context, level bool) error {
	o.board.mu.Lock()
	defer o.board.mu.Unlock()
	if err := o.board.check(ctx); err != nil {
		return err
	}
	if err := o.pin.Out(gpio.Level(level)); err != nil {
		return fmt.Errorf("failed to drive %s: %w", o.pin, err)
	}
	return nil
}

type analogInput struct {
	board   *Board
	channel int
}

func (a *analogInput) ReadVoltage(ctx context.Context) (float64, error) {
	a.board.mu.Lock()
	defer a.board.mu.Unlock()
	if err := a.board.check(ctx); err != nil {
		return 0, err
	}
	v, err := a.board.adc.read(ctx, a.channel)
	if err != nil {
		return 0, a.board.busError(err)
	}
	return v, nil
}

type busChannel struct {
	board *Board
}

func (c *busChannel) WriteRead(ctx context.Context, address uint8, w, r []byte) error {
	c.board.mu.Lock()
	defer c.board.mu.Unlock()
	if err := c.board.check(ctx); err != nil {
		return err
	}
	if err := c.board.bus.Tx(uint16(address), w, r); err != nil {
		return c.board.busError(err)
	}
	return nil
}

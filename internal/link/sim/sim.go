// Package sim provides an in-process sensor board. It backs the "sim"
// transport of the CLI and lets tests script connection faults, link loss and
// interrupted reads without hardware.
package sim

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/srg/biomon/internal/link"
)

// HMRIAddress is the bus address the simulated heart-rate peripheral answers on
const HMRIAddress = 127

// Config scripts the behaviour of a simulated transport
type Config struct {
	// Voltages per analog pin. Opening a pin that is not listed fails with
	// link.ErrUnsupported.
	Voltages map[int]float64
	// HeartRates are cycled through, one per bus transaction
	HeartRates []int8
	// LossSchedule[i] is the number of bus transactions the i-th connected
	// board serves before dropping the link (0 or missing = never).
	LossSchedule []int
	// ConnectErrors are returned by successive Connect calls before one succeeds
	ConnectErrors []error
	// BlockConnect makes Connect wait for its context
	BlockConnect bool
	// ConnectDelay is waited before every successful Connect
	ConnectDelay time.Duration
}

// DefaultConfig is a resting adult: 37.0°C and a slow breathing signal
func DefaultConfig() Config {
	return Config{
		Voltages: map[int]float64{
			45: 0.87,
			43: 1.25,
		},
		HeartRates:   []int8{72, 73, 75, 74, 72, 70, 71, 73},
		ConnectDelay: 200 * time.Millisecond,
	}
}

// Transport hands out simulated boards
type Transport struct {
	mu       sync.Mutex
	cfg      Config
	attempts int
	boards   []*Board
}

func NewTransport(cfg Config) *Transport {
	return &Transport{cfg: cfg}
}

func (t *Transport) Kind() link.Kind { return link.KindSimulated }

func (t *Transport) Connect(ctx context.Context) (link.Board, error) {
	t.mu.Lock()
	attempt := t.attempts
	t.attempts++
	cfg := t.cfg
	t.mu.Unlock()

	if cfg.BlockConnect {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if attempt < len(cfg.ConnectErrors) && cfg.ConnectErrors[attempt] != nil {
		return nil, cfg.ConnectErrors[attempt]
	}
	if cfg.ConnectDelay > 0 {
		select {
		case <-time.After(cfg.ConnectDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	lossAfter := 0
	if n := len(t.boards); n < len(cfg.LossSchedule) {
		lossAfter = cfg.LossSchedule[n]
	}
	b := newBoard(cfg, lossAfter)
	t.boards = append(t.boards, b)
	return b, nil
}

// Attempts returns how many times Connect was called
func (t *Transport) Attempts() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.attempts
}

// Boards returns every board handed out so far, oldest first
func (t *Transport) Boards() []*Board {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*Board(nil), t.boards...)
}

// Factory registers a simulated transport under the "sim" selector. All
// discoveries share the same Transport so tests can inspect it.
type Factory struct {
	Transport *Transport
}

func (f *Factory) Type() string    { return string(link.KindSimulated) }
func (f *Factory) Kind() link.Kind { return link.KindSimulated }

func (f *Factory) NewTransport(_ *link.Options) (link.Transport, error) {
	if f.Transport == nil {
		f.Transport = NewTransport(DefaultConfig())
	}
	return f.Transport, nil
}

// Board is a connected simulated board
type Board struct {
	mu        sync.Mutex
	voltages  map[int]float64
	rates     []int8
	lossAfter int

	busCalls         int
	busRequests      [][]byte
	ledLevels        []bool
	interruptAnalog  map[int]int
	interruptBus     int
	disconnectCalled bool

	lost     chan struct{}
	lostOnce sync.Once
}

func newBoard(cfg Config, lossAfter int) *Board {
	voltages := make(map[int]float64, len(cfg.Voltages))
	for k, v := range cfg.Voltages {
		voltages[k] = v
	}
	return &Board{
		voltages:        voltages,
		rates:           append([]int8(nil), cfg.HeartRates...),
		lossAfter:       lossAfter,
		interruptAnalog: make(map[int]int),
		lost:            make(chan struct{}),
	}
}

func (b *Board) Kind() link.Kind { return link.KindSimulated }

func (b *Board) Lost() <-chan struct{} { return b.lost }

// Drop simulates the link going away
func (b *Board) Drop() {
	b.lostOnce.Do(func() { close(b.lost) })
}

func (b *Board) Disconnect(ctx context.Context) error {
	b.mu.Lock()
	b.disconnectCalled = true
	b.mu.Unlock()
	b.Drop()
	return nil
}

// check reports cancellation or loss before an operation
func (b *Board) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-b.lost:
		return link.ErrConnectionLost
	default:
		return nil
	}
}

func (b *Board) OpenOutput(ctx context.Context, pin int) (link.OutputChannel, error) {
	if err := b.check(ctx); err != nil {
		return nil, err
	}
	return &output{board: b}, nil
}

func (b *Board) OpenAnalogInput(ctx context.Context, pin int) (link.AnalogInput, error) {
	if err := b.check(ctx); err != nil {
		return nil, err
	}
	b.mu.Lock()
	_, ok := b.voltages[pin]
	b.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: analog pin %d", link.ErrUnsupported, pin)
	}
	return &analogInput{board: b, pin: pin}, nil
}

func (b *Board) OpenBus(ctx context.Context, bus int, rate link.BusRate) (link.BusChannel, error) {
	if err := b.check(ctx); err != nil {
		return nil, err
	}
	return &busChannel{board: b}, nil
}

// SetVoltage changes the level reported by an analog pin
func (b *Board) SetVoltage(pin int, v float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.voltages[pin] = v
}

// InterruptReads makes the next n reads of pin fail with link.ErrInterrupted
func (b *Board) InterruptReads(pin, n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.interruptAnalog[pin] += n
}

// InterruptBus makes the next n bus transactions fail with link.ErrInterrupted
func (b *Board) InterruptBus(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.interruptBus += n
}

// LEDLevels returns every level written to the LED output
func (b *Board) LEDLevels() []bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]bool(nil), b.ledLevels...)
}

// BusRequests returns the write half of every completed bus transaction
func (b *Board) BusRequests() [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([][]byte, len(b.busRequests))
	copy(out, b.busRequests)
	return out
}

// Disconnected reports whether Disconnect was called
func (b *Board) Disconnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.disconnectCalled
}

type output struct {
	board *Board
}

func (o *output) Write(ctx context.Context, level bool) error {
	if err := o.board.check(ctx); err != nil {
		return err
	}
	o.board.mu.Lock()
	defer o.board.mu.Unlock()
	o.board.ledLevels = append(o.board.ledLevels, level)
	return nil
}

type analogInput struct {
	board *Board
	pin   int
}

func (a *analogInput) ReadVoltage(ctx context.Context) (float64, error) {
	if err := a.board.check(ctx); err != nil {
		return 0, err
	}
	a.board.mu.Lock()
	defer a.board.mu.Unlock()
	if a.board.interruptAnalog[a.pin] > 0 {
		a.board.interruptAnalog[a.pin]--
		return 0, link.ErrInterrupted
	}
	return a.board.voltages[a.pin], nil
}

type busChannel struct {
	board *Board
}

func (c *busChannel) WriteRead(ctx context.Context, address uint8, w, r []byte) error {
	b := c.board
	if err := b.check(ctx); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if address != HMRIAddress {
		return fmt.Errorf("no peripheral at address %d", address)
	}
	if b.interruptBus > 0 {
		b.interruptBus--
		return link.ErrInterrupted
	}
	if b.lossAfter > 0 && b.busCalls >= b.lossAfter {
		b.Drop()
		return link.ErrConnectionLost
	}

	b.busRequests = append(b.busRequests, append([]byte(nil), w...))
	idx := b.busCalls
	b.busCalls++

	for i := range r {
		r[i] = 0
	}
	if len(r) > 1 {
		r[1] = byte(len(b.rates))
	}
	for k := 0; len(b.rates) > 0 && 2+k < len(r); k++ {
		r[2+k] = byte(b.rates[(idx+k)%len(b.rates)])
	}
	return nil
}

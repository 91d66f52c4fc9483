// Package worker implements the connection worker: a finite state machine that
// owns the board link and drives it through discover, connect, configure,
// sample and disconnect, reconnecting after transport loss.
//
// The worker is the only goroutine that touches the link. Readings leave it
// exclusively through a reading.Store.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/biomon/internal/link"
	"github.com/srg/biomon/internal/reading"
)

// ErrFault marks an unexpected fault during connect or configure. The worker
// does not retry after one.
var ErrFault = errors.New("unexpected fault")

// Options configures a Worker. Use DefaultOptions as a starting point.
type Options struct {
	Selector    string        // transport type to discover
	LinkOptions *link.Options // passed to the transport factory

	LEDPin         int
	TemperaturePin int
	BreathingPin   int
	Bus            int
	BusRate        link.BusRate
	HMRIAddress    uint8

	Tick              time.Duration // pause between sampling iterations
	BusDelay          time.Duration // extra pause after each completed bus transaction
	RetryDelay        time.Duration // pause before rediscovering after a failed connect/configure
	ConnectTimeout    time.Duration // 0 = wait until connected or aborted
	DisconnectTimeout time.Duration

	// OnTransition is called from the worker goroutine on every state change
	OnTransition func(from, to State)
}

// DefaultOptions returns the board wiring and timing of the reference hardware
func DefaultOptions() Options {
	return Options{
		Selector:          string(link.KindRadio),
		LinkOptions:       &link.Options{},
		LEDPin:            0,
		TemperaturePin:    45,
		BreathingPin:      43,
		Bus:               0,
		BusRate:           link.Rate100kHz,
		HMRIAddress:       127,
		Tick:              100 * time.Millisecond,
		BusDelay:          1000 * time.Millisecond,
		RetryDelay:        time.Second,
		DisconnectTimeout: 5 * time.Second,
	}
}

// Worker runs the link lifecycle. A Worker is single-use: call Run once.
type Worker struct {
	registry *link.Registry
	store    *reading.Store
	opts     Options
	logger   *logrus.Logger

	state atomic.Int32

	// owned by the Run goroutine
	transport   link.Transport
	discoverErr error
	board       link.Board
	led         link.OutputChannel
	temperature link.AnalogInput
	breathing   link.AnalogInput
	bus         link.BusChannel
	snap        reading.Snapshot
	cursor      Cursor
	retry       bool
	fault       error
}

func New(registry *link.Registry, store *reading.Store, opts Options, logger *logrus.Logger) *Worker {
	if logger == nil {
		logger = logrus.New()
	}
	if opts.LinkOptions == nil {
		opts.LinkOptions = &link.Options{}
	}
	w := &Worker{
		registry: registry,
		store:    store,
		opts:     opts,
		logger:   logger,
		snap:     store.Current(),
	}
	w.state.Store(int32(Idle))
	return w
}

// State returns the current state. Safe for concurrent use.
func (w *Worker) State() State {
	return State(w.state.Load())
}

// Run drives the state machine until ctx is cancelled or an unexpected fault
// occurs. Cancelling ctx is the abort request: any pending connect, read or
// sleep unblocks, the board is disconnected and Run returns nil.
func (w *Worker) Run(ctx context.Context) error {
	for {
		var next State
		switch cur := w.State(); cur {
		case Idle:
			next = w.idle(ctx)
		case Discovering:
			next = w.discover()
		case Connecting:
			next = w.connect(ctx)
		case Configuring:
			next = w.configure(ctx)
		case Sampling:
			next = w.sample(ctx)
		case Disconnecting:
			next = w.disconnect(ctx)
		case Aborted:
			return w.fault
		default:
			panic(fmt.Sprintf("worker: unknown state %s", cur))
		}
		w.transition(next)
	}
}

func (w *Worker) transition(to State) {
	from := w.State()
	if from == to {
		return
	}
	if !CanTransition(from, to) {
		panic(fmt.Sprintf("worker: illegal transition %s -> %s", from, to))
	}
	w.state.Store(int32(to))
	w.logger.WithFields(logrus.Fields{
		"from": from.String(),
		"to":   to.String(),
	}).Debug("Worker state changed")
	if w.opts.OnTransition != nil {
		w.opts.OnTransition(from, to)
	}
}

func (w *Worker) idle(ctx context.Context) State {
	if ctx.Err() != nil {
		return Aborted
	}
	if w.retry {
		w.retry = false
		if err := sleep(ctx, nil, w.opts.RetryDelay); err != nil {
			return Aborted
		}
	}
	return Discovering
}

func (w *Worker) discover() State {
	w.transport, w.discoverErr = w.registry.Discover(w.opts.Selector, w.opts.LinkOptions)
	if w.discoverErr != nil {
		w.logger.WithFields(logrus.Fields{
			"selector": w.opts.Selector,
			"error":    w.discoverErr,
		}).Warn("No transport discovered")
	}
	return Connecting
}

func (w *Worker) connect(ctx context.Context) State {
	if w.transport == nil {
		w.retry = true
		return Disconnecting
	}

	connCtx := ctx
	if w.opts.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		connCtx, cancel = context.WithTimeout(ctx, w.opts.ConnectTimeout)
		defer cancel()
	}

	w.logger.WithField("transport", w.transport.Kind()).Info("Waiting for board connection...")
	board, err := w.transport.Connect(connCtx)
	switch {
	case err == nil:
		w.board = board
		w.logger.WithField("transport", board.Kind()).Info("Board connected")
		return Configuring
	case ctx.Err() != nil:
		return Disconnecting
	case retryable(err):
		w.logger.WithField("error", err).Warn("Connect attempt failed, will retry")
		w.retry = true
		return Disconnecting
	default:
		w.fault = fmt.Errorf("%w while connecting: %w", ErrFault, err)
		w.logger.WithField("error", err).Error("Unexpected connect fault, giving up")
		return Disconnecting
	}
}

func (w *Worker) configure(ctx context.Context) State {
	var err error
	if w.led, err = w.board.OpenOutput(ctx, w.opts.LEDPin); err != nil {
		return w.configureFailed(ctx, "status LED", err)
	}
	if w.temperature, err = w.board.OpenAnalogInput(ctx, w.opts.TemperaturePin); err != nil {
		return w.configureFailed(ctx, "temperature input", err)
	}
	if w.breathing, err = w.board.OpenAnalogInput(ctx, w.opts.BreathingPin); err != nil {
		return w.configureFailed(ctx, "breathing input", err)
	}
	if w.bus, err = w.board.OpenBus(ctx, w.opts.Bus, w.opts.BusRate); err != nil {
		return w.configureFailed(ctx, "HMRI bus", err)
	}

	w.snap.Connected = true
	w.snap.Transport = w.board.Kind()
	w.snap.Updated = time.Now()
	w.store.Publish(w.snap)
	return Sampling
}

func (w *Worker) configureFailed(ctx context.Context, channel string, err error) State {
	logger := w.logger.WithFields(logrus.Fields{"channel": channel, "error": err})
	switch {
	case ctx.Err() != nil:
	case retryable(err):
		logger.Warn("Lost board while configuring")
		w.retry = true
	default:
		w.fault = fmt.Errorf("%w while opening %s: %w", ErrFault, channel, err)
		logger.Error("Unexpected configure fault, giving up")
	}
	return Disconnecting
}

// sample runs one sampling iteration
func (w *Worker) sample(ctx context.Context) State {
	ledOn := w.store.LedRequest()
	if err := w.led.Write(ctx, !ledOn); err != nil {
		if w.samplingFailed(ctx, "led", err) {
			return Disconnecting
		}
	} else {
		w.snap.LedOn = ledOn
	}

	if v, err := w.temperature.ReadVoltage(ctx); err != nil {
		if w.samplingFailed(ctx, "temperature", err) {
			return Disconnecting
		}
	} else {
		w.snap.Temperature = Celsius(v)
	}

	if v, err := w.breathing.ReadVoltage(ctx); err != nil {
		if w.samplingFailed(ctx, "breathing", err) {
			return Disconnecting
		}
	} else {
		w.snap.BreathingRate = v
	}

	resp := make([]byte, HMRIResponseLen)
	busErr := w.bus.WriteRead(ctx, w.opts.HMRIAddress, w.cursor.Request(), resp)
	if busErr != nil {
		if w.samplingFailed(ctx, "heart_rate", busErr) {
			return Disconnecting
		}
	} else {
		w.snap.HeartRate = HeartRate(resp)
		w.cursor.Advance()
	}

	w.snap.Updated = time.Now()
	w.store.Publish(w.snap)

	if busErr == nil {
		if err := sleep(ctx, w.board.Lost(), w.opts.BusDelay); err != nil {
			return w.sleepInterrupted(err)
		}
	}
	if err := sleep(ctx, w.board.Lost(), w.opts.Tick); err != nil {
		return w.sleepInterrupted(err)
	}
	return Sampling
}

// samplingFailed logs a sampling fault and reports whether the loop must stop.
// Interrupted reads leave the field stale and the loop continues.
func (w *Worker) samplingFailed(ctx context.Context, field string, err error) bool {
	if ctx.Err() != nil {
		return true
	}
	logger := w.logger.WithFields(logrus.Fields{"field": field, "error": err})
	if errors.Is(err, link.ErrInterrupted) {
		logger.Warn("Sensor read interrupted, keeping previous value")
		return false
	}
	if errors.Is(err, link.ErrConnectionLost) {
		logger.Warn("Board connection lost")
	} else {
		logger.Error("Sampling failed, reconnecting")
	}
	return true
}

func (w *Worker) sleepInterrupted(err error) State {
	if errors.Is(err, link.ErrConnectionLost) {
		w.logger.Warn("Board connection lost")
	}
	return Disconnecting
}

func (w *Worker) disconnect(ctx context.Context) State {
	if w.board != nil {
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.opts.DisconnectTimeout)
		if err := w.board.Disconnect(dctx); err != nil {
			w.logger.WithField("error", err).Warn("Board disconnect did not complete cleanly")
		} else {
			w.logger.Info("Board disconnected")
		}
		cancel()
	}
	w.board, w.transport = nil, nil
	w.led, w.temperature, w.breathing, w.bus = nil, nil, nil, nil

	w.snap.Connected = false
	w.snap.Transport = link.KindNone
	w.snap.Updated = time.Now()
	w.store.Publish(w.snap)

	if ctx.Err() != nil || w.fault != nil {
		return Aborted
	}
	return Idle
}

func retryable(err error) bool {
	return errors.Is(err, link.ErrConnectionLost) ||
		errors.Is(err, link.ErrNotConnected) ||
		errors.Is(err, link.ErrNoTransport) ||
		errors.Is(err, link.ErrInterrupted) ||
		errors.Is(err, link.ErrTimeout) ||
		errors.Is(err, context.DeadlineExceeded)
}

// sleep waits for d unless ctx is done or lost is closed first
func sleep(ctx context.Context, lost <-chan struct{}, d time.Duration) error {
	if d <= 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-lost:
			return link.ErrConnectionLost
		default:
			return nil
		}
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-lost:
		return link.ErrConnectionLost
	case <-t.C:
		return nil
	}
}

// Package monitor is the single access point to the sensor board: it starts
// and stops the connection worker and exposes the latest readings.
//
// A Monitor is constructed once by main and handed to every consumer.
//
//	m := monitor.New(registry, monitor.DefaultOptions(), logger)
//	m.Start()
//	defer m.Stop()
//	fmt.Println(m.HeartRate(), m.Temperature())
package monitor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
	"github.com/srg/biomon/internal/groutine"
	"github.com/srg/biomon/internal/link"
	"github.com/srg/biomon/internal/reading"
	"github.com/srg/biomon/internal/worker"
)

// DefaultWatchInterval matches the polling rate of the status display
const DefaultWatchInterval = 100 * time.Millisecond

// Options configures a Monitor
type Options struct {
	Worker        worker.Options
	WatchInterval time.Duration
}

func DefaultOptions() Options {
	return Options{
		Worker:        worker.DefaultOptions(),
		WatchInterval: DefaultWatchInterval,
	}
}

// Monitor owns the connection worker and the reading store
type Monitor struct {
	registry *link.Registry
	store    *reading.Store
	opts     Options
	logger   *logrus.Logger

	lifeMu sync.Mutex // serializes Start and Stop
	cancel context.CancelFunc
	done   <-chan struct{}

	current atomic.Pointer[worker.Worker]
	errMu   sync.RWMutex
	err     error

	watchMu    sync.Mutex
	watchers   *hashmap.Map[uint64, *Subscription]
	nextID     atomic.Uint64
	pollCancel context.CancelFunc
	pollDone   <-chan struct{}
}

// New creates a stopped monitor
func New(registry *link.Registry, opts Options, logger *logrus.Logger) *Monitor {
	if logger == nil {
		logger = logrus.New()
	}
	if opts.WatchInterval <= 0 {
		opts.WatchInterval = DefaultWatchInterval
	}
	return &Monitor{
		registry: registry,
		store:    reading.NewStore(),
		opts:     opts,
		logger:   logger,
		watchers: hashmap.New[uint64, *Subscription](),
	}
}

// Start launches the connection worker. It is a no-op while a worker is running.
func (m *Monitor) Start() {
	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()

	if m.runningLocked() {
		return
	}

	w := worker.New(m.registry, m.store, m.opts.Worker, m.logger)
	m.current.Store(w)
	m.setErr(nil)

	if m.cancel != nil {
		m.cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = groutine.Go(ctx, "link-worker", func(ctx context.Context) {
		err := w.Run(ctx)
		m.setErr(err)
		if err != nil {
			m.logger.WithField("error", err).Error("Connection worker stopped")
		} else {
			m.logger.Debug("Connection worker stopped")
		}
	})
	m.logger.WithField("selector", m.opts.Worker.Selector).Info("Connection worker started")
}

// Stop aborts the worker and waits for it to finish disconnecting. Safe to
// call when Start was never called.
func (m *Monitor) Stop() {
	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()

	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done
	m.cancel = nil
}

// Running reports whether a worker goroutine is active
func (m *Monitor) Running() bool {
	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()
	return m.runningLocked()
}

func (m *Monitor) runningLocked() bool {
	if m.done == nil {
		return false
	}
	select {
	case <-m.done:
		return false
	default:
		return true
	}
}

// State returns the worker state, Idle when never started
func (m *Monitor) State() worker.State {
	if w := m.current.Load(); w != nil {
		return w.State()
	}
	return worker.Idle
}

// Err returns the fault that terminated the last worker, if any
func (m *Monitor) Err() error {
	m.errMu.RLock()
	defer m.errMu.RUnlock()
	return m.err
}

func (m *Monitor) setErr(err error) {
	m.errMu.Lock()
	defer m.errMu.Unlock()
	m.err = err
}

// Snapshot returns the latest published readings
func (m *Monitor) Snapshot() reading.Snapshot { return m.store.Current() }

// IsConnected reports whether a board is currently sampling
func (m *Monitor) IsConnected() bool { return m.store.Current().Connected }

// HeartRate returns the last heart rate in beats per minute
func (m *Monitor) HeartRate() int { return m.store.Current().HeartRate }

// Temperature returns the last body temperature in degrees Celsius
func (m *Monitor) Temperature() float64 { return m.store.Current().Temperature }

// BreathingRate returns the last breathing sensor voltage
func (m *Monitor) BreathingRate() float64 { return m.store.Current().BreathingRate }

// ConnectionType returns the kind of the active transport, KindNone when disconnected
func (m *Monitor) ConnectionType() link.Kind { return m.store.Current().Transport }

// LedStatus returns the requested LED state
func (m *Monitor) LedStatus() bool { return m.store.LedRequest() }

// SetLedOn requests the status LED state. The worker applies it on its next
// sampling iteration.
func (m *Monitor) SetLedOn(on bool) { m.store.SetLedRequest(on) }

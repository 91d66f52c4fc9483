package monitor

import (
	"errors"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/biomon/internal/link"
	"github.com/srg/biomon/internal/link/sim"
	"github.com/srg/biomon/internal/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

const eventually = 3 * time.Second

type MonitorTestSuite struct {
	suite.Suite
	transport *sim.Transport
	monitor   *Monitor
}

func (s *MonitorTestSuite) newMonitor(cfg sim.Config) *Monitor {
	s.transport = sim.NewTransport(cfg)

	opts := DefaultOptions()
	opts.Worker.Selector = "sim"
	opts.Worker.Tick = time.Millisecond
	opts.Worker.BusDelay = 2 * time.Millisecond
	opts.Worker.RetryDelay = 5 * time.Millisecond
	opts.WatchInterval = 5 * time.Millisecond

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	s.monitor = New(link.NewRegistry(&sim.Factory{Transport: s.transport}), opts, logger)
	return s.monitor
}

func (s *MonitorTestSuite) TearDownTest() {
	if s.monitor != nil {
		s.monitor.Stop()
		s.monitor = nil
	}
}

func (s *MonitorTestSuite) TestStopWithoutStart() {
	m := s.newMonitor(sim.Config{})

	done := make(chan struct{})
	go func() {
		m.Stop()
		m.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		s.FailNow("Stop blocked without Start")
	}
	s.False(m.Running())
	s.Equal(worker.Idle, m.State())
	s.NoError(m.Err())
}

func (s *MonitorTestSuite) TestStartStop() {
	m := s.newMonitor(sim.Config{
		Voltages:   map[int]float64{45: 0.83, 43: 1.1},
		HeartRates: []int8{64},
	})

	m.Start()
	m.Start()

	s.Require().Eventually(func() bool {
		return m.IsConnected() && m.HeartRate() == 64
	}, eventually, time.Millisecond)
	s.True(m.Running())
	s.InDelta(33.0, m.Temperature(), 1e-9)
	s.InDelta(1.1, m.BreathingRate(), 1e-9)
	s.Equal(link.KindSimulated, m.ConnectionType())
	s.Equal(worker.Sampling, m.State())
	s.Equal(1, s.transport.Attempts())

	m.Stop()

	s.False(m.Running())
	s.False(m.IsConnected())
	s.Equal(link.KindNone, m.ConnectionType())
	s.Equal(worker.Aborted, m.State())
	s.NoError(m.Err())
	// Readings freeze at their last value
	s.Equal(64, m.HeartRate())
}

func (s *MonitorTestSuite) TestLedRequest() {
	m := s.newMonitor(sim.Config{Voltages: map[int]float64{45: 0.9, 43: 1}})

	s.False(m.LedStatus())
	m.SetLedOn(true)
	s.True(m.LedStatus())

	m.Start()
	s.Require().Eventually(func() bool {
		return m.Snapshot().LedOn
	}, eventually, time.Millisecond)
	levels := s.transport.Boards()[0].LEDLevels()
	s.False(levels[len(levels)-1])
}

func (s *MonitorTestSuite) TestFaultStopsWorkerAndRestartIsPossible() {
	boom := errors.New("board rejected handshake")
	m := s.newMonitor(sim.Config{
		Voltages:      map[int]float64{45: 0.9, 43: 1},
		ConnectErrors: []error{boom},
	})

	m.Start()
	s.Require().Eventually(func() bool { return !m.Running() }, eventually, time.Millisecond)
	s.ErrorIs(m.Err(), worker.ErrFault)
	s.ErrorIs(m.Err(), boom)

	m.Start()
	s.Require().Eventually(m.IsConnected, eventually, time.Millisecond)
	s.NoError(m.Err())
	s.Equal(2, s.transport.Attempts())
}

func (s *MonitorTestSuite) TestRestartAfterFaultReleasesPreviousContext() {
	m := s.newMonitor(sim.Config{
		Voltages:      map[int]float64{45: 0.9, 43: 1},
		ConnectErrors: []error{errors.New("board rejected handshake")},
	})

	m.Start()
	s.Require().Eventually(func() bool { return !m.Running() }, eventually, time.Millisecond)

	released := false
	m.lifeMu.Lock()
	m.cancel = func() { released = true }
	m.lifeMu.Unlock()

	m.Start()
	s.True(released, "previous worker context must be cancelled on restart")
	s.Require().Eventually(m.IsConnected, eventually, time.Millisecond)
}

// GOAL: watchers see connection edges in order
//
// TEST SCENARIO: subscribe before start, expect a connected edge, then a
// disconnected edge after the simulated link drops
func (s *MonitorTestSuite) TestWatchDeliversEdges() {
	// the connect delay keeps the outage visible to the 5ms poller
	m := s.newMonitor(sim.Config{
		Voltages:     map[int]float64{45: 0.9, 43: 1},
		ConnectDelay: 50 * time.Millisecond,
	})
	sub := m.Watch()
	defer sub.Close()

	m.Start()

	next := func() Event {
		select {
		case ev := <-sub.Events():
			return ev
		case <-time.After(eventually):
			s.FailNow("no watch event")
			return Event{}
		}
	}

	ev := next()
	s.True(ev.Connected)
	s.Equal(link.KindSimulated, ev.Snapshot.Transport)

	s.Require().Eventually(func() bool { return len(s.transport.Boards()) > 0 }, eventually, time.Millisecond)
	s.transport.Boards()[0].Drop()

	ev = next()
	s.False(ev.Connected)
	s.False(ev.At.IsZero())

	ev = next()
	s.True(ev.Connected)
}

func (s *MonitorTestSuite) TestWatchCloseStopsPoller() {
	m := s.newMonitor(sim.Config{})

	a := m.Watch()
	b := m.Watch()
	s.NotEqual(a.id, b.id)

	a.Close()
	a.Close()
	_, ok := <-a.Events()
	s.False(ok)
	s.NotNil(m.pollCancel)

	b.Close()
	s.Nil(m.pollCancel)
	s.Zero(m.watchers.Len())
}

func TestMonitorTestSuite(t *testing.T) {
	suite.Run(t, new(MonitorTestSuite))
}

func TestDefaultOptions(t *testing.T) {
	opts := DefaultOptions()

	require.Equal(t, DefaultWatchInterval, opts.WatchInterval)
	assert.Equal(t, 100*time.Millisecond, opts.Worker.Tick)
	assert.Equal(t, time.Second, opts.Worker.BusDelay)
	assert.Equal(t, uint8(127), opts.Worker.HMRIAddress)
}

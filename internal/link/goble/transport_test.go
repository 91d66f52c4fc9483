package goble

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-ble/ble"
	"github.com/srg/biomon/internal/link"
	"github.com/srg/biomon/internal/link/board"
	"github.com/srg/biomon/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

// fakePeripheral emulates the board firmware behind the UART characteristics.
// Responses are notified in two halves to exercise frame reassembly.
type fakePeripheral struct {
	profile *ble.Profile

	mu           sync.Mutex
	dec          board.Decoder
	notify       ble.NotificationHandler
	chunks       []int
	requests     []board.Frame
	cancelled    int
	disconnected chan struct{}
	dropOnce     sync.Once
}

func newFakePeripheral() *fakePeripheral {
	return &fakePeripheral{
		profile: &ble.Profile{Services: []*ble.Service{{
			UUID: ServiceUUID,
			Characteristics: []*ble.Characteristic{
				{UUID: TxCharUUID},
				{UUID: RxCharUUID},
			},
		}}},
		disconnected: make(chan struct{}),
	}
}

func (p *fakePeripheral) DiscoverProfile(bool) (*ble.Profile, error) { return p.profile, nil }

func (p *fakePeripheral) Subscribe(c *ble.Characteristic, _ bool, h ble.NotificationHandler) error {
	if !c.UUID.Equal(TxCharUUID) {
		return errors.New("not notifiable")
	}
	p.mu.Lock()
	p.notify = h
	p.mu.Unlock()
	return nil
}

func (p *fakePeripheral) WriteCharacteristic(c *ble.Characteristic, value []byte, _ bool) error {
	if !c.UUID.Equal(RxCharUUID) {
		return errors.New("not writable")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.chunks = append(p.chunks, len(value))
	p.dec.Feed(value)
	for {
		req, ok := p.dec.Next()
		if !ok {
			return nil
		}
		p.requests = append(p.requests, req)
		wire, err := board.Encode(p.answer(req))
		if err != nil {
			return err
		}
		h := p.notify
		go func() {
			h(wire[:len(wire)/2])
			h(wire[len(wire)/2:])
		}()
	}
}

func (p *fakePeripheral) answer(req board.Frame) board.Frame {
	resp := board.Frame{Op: req.Op.Response(), Seq: req.Seq}
	switch req.Op {
	case board.OpHello:
		resp.Payload = []byte{1, 7}
	case board.OpReadAnalog:
		resp.Payload = binary.BigEndian.AppendUint16(nil, 870)
	case board.OpBusWriteRead:
		rlen := int(req.Payload[3])
		resp.Payload = make([]byte, rlen)
	}
	return resp
}

func (p *fakePeripheral) CancelConnection() error {
	p.mu.Lock()
	p.cancelled++
	p.mu.Unlock()
	p.drop()
	return nil
}

func (p *fakePeripheral) Disconnected() <-chan struct{} { return p.disconnected }

func (p *fakePeripheral) drop() {
	p.dropOnce.Do(func() { close(p.disconnected) })
}

type TransportTestSuite struct {
	suite.Suite
	peripheral *fakePeripheral
	dialed     []string
	dialErr    error
	origDial   func(context.Context, string) (client, error)
	transport  link.Transport
}

func (s *TransportTestSuite) SetupTest() {
	s.peripheral = newFakePeripheral()
	s.dialed = nil
	s.dialErr = nil
	s.origDial = dial
	dial = func(ctx context.Context, address string) (client, error) {
		s.dialed = append(s.dialed, address)
		if s.dialErr != nil {
			return nil, s.dialErr
		}
		return s.peripheral, nil
	}

	f := &Factory{Logger: testutils.NewQuietLogger()}
	tr, err := f.NewTransport(&link.Options{Address: "AA:BB:CC:DD:EE:FF", RequestTimeout: time.Second})
	s.Require().NoError(err)
	s.transport = tr
}

func (s *TransportTestSuite) TearDownTest() {
	dial = s.origDial
}

func (s *TransportTestSuite) connect() link.Board {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	b, err := s.transport.Connect(ctx)
	s.Require().NoError(err)
	s.T().Cleanup(func() { _ = b.Disconnect(context.Background()) })
	return b
}

func (s *TransportTestSuite) TestConnectPerformsHello() {
	b := s.connect()

	s.Equal(link.KindRadio, b.Kind())
	s.Equal([]string{"AA:BB:CC:DD:EE:FF"}, s.dialed)
	s.peripheral.mu.Lock()
	defer s.peripheral.mu.Unlock()
	s.Require().Len(s.peripheral.requests, 1)
	s.Equal(board.OpHello, s.peripheral.requests[0].Op)
}

func (s *TransportTestSuite) TestReadsThroughNotifications() {
	b := s.connect()
	ctx := context.Background()

	in, err := b.OpenAnalogInput(ctx, 45)
	s.Require().NoError(err)
	v, err := in.ReadVoltage(ctx)
	s.Require().NoError(err)
	s.InDelta(0.87, v, 1e-9)
}

func (s *TransportTestSuite) TestLargeWritesAreChunked() {
	b := s.connect()
	ctx := context.Background()

	bus, err := b.OpenBus(ctx, 0, link.Rate100kHz)
	s.Require().NoError(err)
	w := make([]byte, 30)
	r := make([]byte, 4)
	s.Require().NoError(bus.WriteRead(ctx, 127, w, r))

	s.peripheral.mu.Lock()
	defer s.peripheral.mu.Unlock()
	for _, n := range s.peripheral.chunks {
		s.LessOrEqual(n, maxChunkSize)
	}
	// hello, open bus, then a 39 byte transaction frame in two writes
	s.Equal([]int{5, 7, 20, 19}, s.peripheral.chunks)
}

func (s *TransportTestSuite) TestPeripheralDisconnectMarksLost() {
	b := s.connect()

	s.peripheral.drop()
	select {
	case <-b.Lost():
	case <-time.After(time.Second):
		s.Fail("board not reported lost")
	}

	_, err := b.OpenOutput(context.Background(), 0)
	s.ErrorIs(err, link.ErrConnectionLost)
}

func (s *TransportTestSuite) TestDisconnectSendsCloseAndCancels() {
	b := s.connect()

	s.Require().NoError(b.Disconnect(context.Background()))
	s.peripheral.mu.Lock()
	defer s.peripheral.mu.Unlock()
	s.Equal(board.OpClose, s.peripheral.requests[len(s.peripheral.requests)-1].Op)
	s.Equal(1, s.peripheral.cancelled)
}

func (s *TransportTestSuite) TestDialFailureIsRetryable() {
	s.dialErr = errors.New("no peripheral answered")

	_, err := s.transport.Connect(context.Background())
	s.ErrorIs(err, link.ErrNotConnected)
	s.Contains(err.Error(), "no peripheral answered")
}

func (s *TransportTestSuite) TestMissingServiceIsUnsupported() {
	s.peripheral.profile = &ble.Profile{}

	_, err := s.transport.Connect(context.Background())
	s.ErrorIs(err, link.ErrUnsupported)
	s.Equal(1, s.peripheral.cancelled)
}

func (s *TransportTestSuite) TestCancelledDialReturnsContextError() {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s.dialErr = errors.New("scan aborted")

	_, err := s.transport.Connect(ctx)
	s.ErrorIs(err, context.Canceled)
}

func TestTransportTestSuite(t *testing.T) {
	suite.Run(t, new(TransportTestSuite))
}

func TestFactory(t *testing.T) {
	f := &Factory{}
	assert.Equal(t, "bluetooth", f.Type())
	assert.Equal(t, link.KindRadio, f.Kind())
}

type fakeAdvertisement struct {
	ble.Advertisement
	services []ble.UUID
}

func (a fakeAdvertisement) Services() []ble.UUID { return a.services }

func TestAdvertisesUART(t *testing.T) {
	require.True(t, advertisesUART(fakeAdvertisement{services: []ble.UUID{ble.UUID16(0x180D), ServiceUUID}}))
	require.False(t, advertisesUART(fakeAdvertisement{services: []ble.UUID{ble.UUID16(0x180D)}}))
	require.False(t, advertisesUART(fakeAdvertisement{}))
}

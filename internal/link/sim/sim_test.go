package sim

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/srg/biomon/internal/link"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransport_ConnectErrorsThenSuccess(t *testing.T) {
	boom := errors.New("no board")
	tr := NewTransport(Config{ConnectErrors: []error{boom, link.ErrConnectionLost}})
	ctx := context.Background()

	_, err := tr.Connect(ctx)
	assert.ErrorIs(t, err, boom)
	_, err = tr.Connect(ctx)
	assert.ErrorIs(t, err, link.ErrConnectionLost)

	b, err := tr.Connect(ctx)
	require.NoError(t, err)
	assert.Equal(t, link.KindSimulated, b.Kind())
	assert.Equal(t, 3, tr.Attempts())
	assert.Len(t, tr.Boards(), 1)
}

func TestTransport_BlockingConnectHonoursContext(t *testing.T) {
	tr := NewTransport(Config{BlockConnect: true})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := tr.Connect(ctx)

	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBoard_HeartRateAndLossSchedule(t *testing.T) {
	tr := NewTransport(Config{HeartRates: []int8{70, -1}, LossSchedule: []int{2}})
	ctx := context.Background()

	lb, err := tr.Connect(ctx)
	require.NoError(t, err)
	bus, err := lb.OpenBus(ctx, 0, link.Rate100kHz)
	require.NoError(t, err)

	resp := make([]byte, 34)
	require.NoError(t, bus.WriteRead(ctx, HMRIAddress, []byte{'G', 0}, resp))
	assert.Equal(t, byte(70), resp[2])
	require.NoError(t, bus.WriteRead(ctx, HMRIAddress, []byte{'G', 1}, resp))
	assert.Equal(t, int8(-1), int8(resp[2]))

	err = bus.WriteRead(ctx, HMRIAddress, []byte{'G', 2}, resp)
	assert.ErrorIs(t, err, link.ErrConnectionLost)
	select {
	case <-lb.Lost():
	default:
		assert.Fail(t, "board should report loss")
	}

	board := tr.Boards()[0]
	assert.Equal(t, [][]byte{{'G', 0}, {'G', 1}}, board.BusRequests())

	// Second board has no scheduled loss
	lb2, err := tr.Connect(ctx)
	require.NoError(t, err)
	bus2, err := lb2.OpenBus(ctx, 0, link.Rate100kHz)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		require.NoError(t, bus2.WriteRead(ctx, HMRIAddress, []byte{'G', byte(i)}, resp))
	}
}

func TestBoard_InterruptsAndUnknownPins(t *testing.T) {
	tr := NewTransport(Config{Voltages: map[int]float64{45: 0.9}})
	ctx := context.Background()
	lb, err := tr.Connect(ctx)
	require.NoError(t, err)
	board := tr.Boards()[0]

	_, err = lb.OpenAnalogInput(ctx, 43)
	assert.ErrorIs(t, err, link.ErrUnsupported)

	in, err := lb.OpenAnalogInput(ctx, 45)
	require.NoError(t, err)
	board.InterruptReads(45, 1)
	_, err = in.ReadVoltage(ctx)
	assert.ErrorIs(t, err, link.ErrInterrupted)

	board.SetVoltage(45, 1.1)
	v, err := in.ReadVoltage(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 1.1, v, 1e-9)

	bus, err := lb.OpenBus(ctx, 0, link.Rate100kHz)
	require.NoError(t, err)
	board.InterruptBus(1)
	assert.ErrorIs(t, bus.WriteRead(ctx, HMRIAddress, []byte{'G', 0}, make([]byte, 34)), link.ErrInterrupted)
	assert.Error(t, bus.WriteRead(ctx, 12, nil, make([]byte, 34)))
}

func TestBoard_DisconnectRecordsAndDrops(t *testing.T) {
	tr := NewTransport(Config{})
	ctx := context.Background()
	lb, err := tr.Connect(ctx)
	require.NoError(t, err)

	led, err := lb.OpenOutput(ctx, 0)
	require.NoError(t, err)
	require.NoError(t, led.Write(ctx, false))

	require.NoError(t, lb.Disconnect(ctx))
	require.NoError(t, lb.Disconnect(ctx))

	board := tr.Boards()[0]
	assert.True(t, board.Disconnected())
	assert.Equal(t, []bool{false}, board.LEDLevels())
	assert.ErrorIs(t, led.Write(ctx, true), link.ErrConnectionLost)
}

func TestFactory_SharesTransport(t *testing.T) {
	f := &Factory{}
	a, err := f.NewTransport(nil)
	require.NoError(t, err)
	b, err := f.NewTransport(&link.Options{})
	require.NoError(t, err)

	assert.Same(t, a, b)
	assert.Equal(t, "sim", f.Type())
}

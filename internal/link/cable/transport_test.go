package cable

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/srg/biomon/internal/link"
	"github.com/srg/biomon/internal/link/board"
	"github.com/srg/biomon/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial"
)

// serveHello answers every request on the board side of a pipe with an
// empty ack, and hello with version 1 board 3
func serveHello(conn net.Conn) {
	var dec board.Decoder
	buf := make([]byte, 256)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			return
		}
		dec.Feed(buf[:n])
		for {
			req, ok := dec.Next()
			if !ok {
				break
			}
			resp := board.Frame{Op: req.Op.Response(), Seq: req.Seq}
			if req.Op == board.OpHello {
				resp.Payload = []byte{1, 3}
			}
			wire, _ := board.Encode(resp)
			if _, err := conn.Write(wire); err != nil {
				return
			}
		}
	}
}

type portStub struct {
	mu     sync.Mutex
	opened []string
	modes  []serial.Mode
	fail   []error
	ports  []string
}

func (s *portStub) install(t *testing.T) {
	origOpen, origList := openPort, listPorts
	t.Cleanup(func() { openPort, listPorts = origOpen, origList })

	listPorts = func() ([]string, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.ports, nil
	}
	openPort = func(name string, mode *serial.Mode) (io.ReadWriteCloser, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.opened = append(s.opened, name)
		s.modes = append(s.modes, *mode)
		if len(s.fail) > 0 {
			err := s.fail[0]
			s.fail = s.fail[1:]
			return nil, err
		}
		boardSide, hostSide := net.Pipe()
		go serveHello(boardSide)
		t.Cleanup(func() { _ = boardSide.Close() })
		return hostSide, nil
	}
}

func newTransport(t *testing.T, opts *link.Options) link.Transport {
	t.Helper()
	f := &Factory{Logger: testutils.NewQuietLogger()}
	tr, err := f.NewTransport(opts)
	require.NoError(t, err)
	return tr
}

func connect(t *testing.T, tr link.Transport, timeout time.Duration) (link.Board, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	b, err := tr.Connect(ctx)
	if err == nil {
		t.Cleanup(func() { _ = b.Disconnect(context.Background()) })
	}
	return b, err
}

func TestConnectOpensConfiguredPort(t *testing.T) {
	stub := &portStub{}
	stub.install(t)

	b, err := connect(t, newTransport(t, &link.Options{Port: "/dev/ttyUSB0", BaudRate: 57600}), 2*time.Second)
	require.NoError(t, err)

	assert.Equal(t, link.KindCable, b.Kind())
	assert.Equal(t, []string{"/dev/ttyUSB0"}, stub.opened)
	assert.Equal(t, 57600, stub.modes[0].BaudRate)
	assert.Equal(t, 8, stub.modes[0].DataBits)

	out, err := b.OpenOutput(context.Background(), 0)
	require.NoError(t, err)
	require.NoError(t, out.Write(context.Background(), true))
}

func TestConnectPicksFirstPortAndDefaultsBaud(t *testing.T) {
	stub := &portStub{ports: []string{"/dev/ttyACM0", "/dev/ttyACM1"}}
	stub.install(t)

	_, err := connect(t, newTransport(t, &link.Options{}), 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, []string{"/dev/ttyACM0"}, stub.opened)
	assert.Equal(t, 115200, stub.modes[0].BaudRate)
}

func TestConnectWaitsForPortToAppear(t *testing.T) {
	missing := &fs.PathError{Op: "open", Path: "/dev/ttyUSB0", Err: fs.ErrNotExist}
	stub := &portStub{fail: []error{missing, missing}}
	stub.install(t)

	start := time.Now()
	_, err := connect(t, newTransport(t, &link.Options{Port: "/dev/ttyUSB0"}), 5*time.Second)
	require.NoError(t, err)
	assert.Len(t, stub.opened, 3)
	assert.GreaterOrEqual(t, time.Since(start), 2*PollInterval)
}

func TestConnectWithoutPortsHonoursContext(t *testing.T) {
	stub := &portStub{}
	stub.install(t)

	_, err := connect(t, newTransport(t, &link.Options{}), 100*time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, stub.opened)
}

func TestConnectFailsOnPermanentError(t *testing.T) {
	stub := &portStub{fail: []error{errors.New("permission denied")}}
	stub.install(t)

	_, err := connect(t, newTransport(t, &link.Options{Port: "/dev/ttyS0"}), time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to open serial port /dev/ttyS0")
	assert.Len(t, stub.opened, 1)
}

func TestListPorts(t *testing.T) {
	stub := &portStub{ports: []string{"COM3"}}
	stub.install(t)

	ports, err := ListPorts()
	require.NoError(t, err)
	assert.Equal(t, []string{"COM3"}, ports)

	listPorts = func() ([]string, error) { return nil, fmt.Errorf("boom") }
	_, err = ListPorts()
	assert.EqualError(t, err, "failed to enumerate serial ports: boom")
}

func TestFactory(t *testing.T) {
	f := &Factory{}
	assert.Equal(t, "cable", f.Type())
	_, err := f.NewTransport(&link.Options{BaudRate: -1})
	assert.Error(t, err)
}

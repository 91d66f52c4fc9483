// Package board implements the framed request/response protocol spoken by the
// sensor board firmware over byte-stream transports (radio serial service and
// accessory cable), and a link.Board client built on top of it.
//
// # Frame layout
//
//	0xA5 | op | seq | len | payload[len] | xor(op, seq, len, payload...)
//
// Responses echo the request sequence number with op|0x80. Failures are reported
// with op 0xFF and a one-byte error code.
package board

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/srg/biomon/internal/link"
)

// Op is a protocol operation code
type Op byte

const (
	OpHello        Op = 0x01 // -> [version, boardID]
	OpOpenOutput   Op = 0x10 // [pin]
	OpWriteDigital Op = 0x11 // [pin, level]
	OpOpenAnalog   Op = 0x20 // [pin]
	OpReadAnalog   Op = 0x21 // [pin] -> uint16 BE millivolts
	OpOpenBus      Op = 0x30 // [bus, rate]
	OpBusWriteRead Op = 0x31 // [bus, addr, wlen, rlen, w...] -> r
	OpClose        Op = 0x7E
	OpError        Op = 0xFF // -> [code]

	responseFlag Op = 0x80
)

// Response returns the op code the board answers op with
func (o Op) Response() Op { return o | responseFlag }

func (o Op) String() string {
	switch o {
	case OpHello:
		return "hello"
	case OpOpenOutput:
		return "open-output"
	case OpWriteDigital:
		return "write-digital"
	case OpOpenAnalog:
		return "open-analog"
	case OpReadAnalog:
		return "read-analog"
	case OpOpenBus:
		return "open-bus"
	case OpBusWriteRead:
		return "bus-write-read"
	case OpClose:
		return "close"
	case OpError:
		return "error"
	}
	if o&responseFlag != 0 {
		return (o &^ responseFlag).String() + "-ack"
	}
	return fmt.Sprintf("op(0x%02x)", byte(o))
}

// Error codes carried in OpError frames
const (
	CodeInterrupted byte = 0x01
	CodeBadPin      byte = 0x02
	CodeUnsupported byte = 0x03
)

const (
	frameStart = 0xA5
	headerLen  = 4 // start, op, seq, len
	MaxPayload = 255
)

var (
	ErrPayloadTooLarge = errors.New("payload exceeds 255 bytes")
	ErrBadPin          = errors.New("bad pin")
)

// Frame is one decoded protocol frame
type Frame struct {
	Op      Op
	Seq     uint8
	Payload []byte
}

// Encode serializes f into its wire form
func Encode(f Frame) ([]byte, error) {
	if len(f.Payload) > MaxPayload {
		return nil, ErrPayloadTooLarge
	}
	out := make([]byte, 0, headerLen+len(f.Payload)+1)
	out = append(out, frameStart, byte(f.Op), f.Seq, byte(len(f.Payload)))
	out = append(out, f.Payload...)
	out = append(out, checksum(out[1:]))
	return out, nil
}

func checksum(p []byte) byte {
	var x byte
	for _, b := range p {
		x ^= b
	}
	return x
}

// Decoder reassembles frames from an arbitrarily chunked byte stream. Garbage
// and frames with a bad checksum are skipped by resyncing on the next start byte.
type Decoder struct {
	buf     []byte
	dropped int
}

// Feed appends received bytes
func (d *Decoder) Feed(p []byte) {
	d.buf = append(d.buf, p...)
}

// Dropped returns how many bytes were discarded while resyncing
func (d *Decoder) Dropped() int { return d.dropped }

// Next returns the next complete frame, or false when more bytes are needed
func (d *Decoder) Next() (Frame, bool) {
	for {
		i := bytes.IndexByte(d.buf, frameStart)
		if i < 0 {
			d.dropped += len(d.buf)
			d.buf = d.buf[:0]
			return Frame{}, false
		}
		if i > 0 {
			d.dropped += i
			d.buf = d.buf[i:]
		}
		if len(d.buf) < headerLen+1 {
			return Frame{}, false
		}
		total := headerLen + int(d.buf[3]) + 1
		if len(d.buf) < total {
			return Frame{}, false
		}
		if checksum(d.buf[1:total-1]) != d.buf[total-1] {
			d.dropped++
			d.buf = d.buf[1:]
			continue
		}

		f := Frame{
			Op:      Op(d.buf[1]),
			Seq:     d.buf[2],
			Payload: append([]byte(nil), d.buf[headerLen:total-1]...),
		}
		d.buf = d.buf[total:]
		return f, true
	}
}

// Reset discards any partially received frame
func (d *Decoder) Reset() {
	d.buf = d.buf[:0]
}

// codeError maps an OpError payload onto the link error taxonomy
func codeError(op Op, payload []byte) error {
	if len(payload) == 0 {
		return fmt.Errorf("%s: board reported an error without a code", op)
	}
	switch payload[0] {
	case CodeInterrupted:
		return fmt.Errorf("%s: %w", op, link.ErrInterrupted)
	case CodeBadPin:
		return fmt.Errorf("%s: %w", op, ErrBadPin)
	case CodeUnsupported:
		return fmt.Errorf("%s: %w", op, link.ErrUnsupported)
	default:
		return fmt.Errorf("%s: board error code 0x%02x", op, payload[0])
	}
}

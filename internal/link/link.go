// Package link defines the contract between the connection worker and the
// physical sensor board: transport discovery, connect/disconnect and the
// output, analog-input and addressed-bus channels opened on a connected board.
//
// Concrete transports live in sub-packages (goble, cable, host, sim) and are
// made available to the worker through a Registry.
package link

import (
	"context"
	"time"
)

// Kind identifies the physical flavour of a transport
type Kind string

const (
	KindNone      Kind = "none"
	KindRadio     Kind = "bluetooth"
	KindCable     Kind = "cable"
	KindHost      Kind = "host"
	KindSimulated Kind = "sim"
)

// BusRate is the clock rate of an addressed (I2C/TWI) bus
type BusRate int

const (
	Rate100kHz BusRate = iota
	Rate400kHz
	Rate1MHz
)

// Hz returns the bus clock frequency in hertz
func (r BusRate) Hz() int {
	switch r {
	case Rate400kHz:
		return 400_000
	case Rate1MHz:
		return 1_000_000
	default:
		return 100_000
	}
}

// Options carries transport-specific settings. Each transport reads only the
// fields it understands.
type Options struct {
	Address        string        // radio: peripheral address
	Port           string        // cable: serial port name
	BaudRate       int           // cable: serial baud rate
	Bus            string        // host: I2C bus name ("" = first available)
	LEDPin         string        // host: GPIO name of the status LED
	ADCAddress     uint16        // host: ADS1115 address
	AnalogChannels map[int]int   // host: analog pin -> ADC channel
	RequestTimeout time.Duration // stream transports: per-request response timeout (0 = wait for ctx)
}

// Factory creates transports of a single type. Factories are enumerated in
// registration order during discovery.
type Factory interface {
	// Type is the selector string matched during discovery (e.g. "bluetooth")
	Type() string
	Kind() Kind
	NewTransport(opts *Options) (Transport, error)
}

// Transport is an unconnected transport instance produced by discovery
type Transport interface {
	Kind() Kind
	// Connect blocks until the board is reachable or ctx is done.
	Connect(ctx context.Context) (Board, error)
}

// Board is a live session with the sensor board. It exists only between a
// successful Connect and its Disconnect or loss.
type Board interface {
	Kind() Kind
	OpenOutput(ctx context.Context, pin int) (OutputChannel, error)
	OpenAnalogInput(ctx context.Context, pin int) (AnalogInput, error)
	OpenBus(ctx context.Context, bus int, rate BusRate) (BusChannel, error)

	// Lost is closed when the transport reports the connection as gone.
	Lost() <-chan struct{}

	// Disconnect requests a disconnect and waits for it to be confirmed or for
	// ctx to be done. Calling it on an already lost board is not an error.
	Disconnect(ctx context.Context) error
}

// OutputChannel drives a digital output pin
type OutputChannel interface {
	Write(ctx context.Context, level bool) error
}

// AnalogInput samples an analog pin
type AnalogInput interface {
	ReadVoltage(ctx context.Context) (float64, error)
}

// BusChannel performs combined write/read transactions on an addressed bus
type BusChannel interface {
	WriteRead(ctx context.Context, address uint8, w, r []byte) error
}

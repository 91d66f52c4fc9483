package link

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ConnectionState represents the specific kind of link failure
type ConnectionState string

const (
	Lost         ConnectionState = "connection_lost"
	NotConnected ConnectionState = "not_connected"
	Interrupted  ConnectionState = "interrupted"
	NoTransport  ConnectionState = "no_transport"
)

// ConnectionError represents any link-related problem
type ConnectionError struct {
	State ConnectionState
	Msg   string
}

// Error implements the error interface
func (e *ConnectionError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Msg == "" {
		return string(e.State)
	}
	return fmt.Sprintf("%s: %s", e.State, e.Msg)
}

// Is allows errors.Is to compare ConnectionError values by State
func (e *ConnectionError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*ConnectionError)
	if !ok {
		return false
	}
	return e.State == t.State
}

// Predefined sentinel errors for link states
var (
	ErrConnectionLost = &ConnectionError{State: Lost}
	ErrNotConnected   = &ConnectionError{State: NotConnected}
	ErrInterrupted    = &ConnectionError{State: Interrupted}
	ErrNoTransport    = &ConnectionError{State: NoTransport}
)

// Operation errors
var (
	ErrTimeout     = errors.New("timeout")
	ErrUnsupported = errors.New("unsupported")
)

// NormalizeError maps driver and stream errors onto the link sentinels.
// Context errors are returned untouched so callers can tell an abort apart
// from a transport failure.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var cerr *ConnectionError
	if errors.As(err, &cerr) {
		return err
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.ErrClosedPipe) {
		return fmt.Errorf("%w: %v", ErrConnectionLost, err)
	}

	msg := err.Error()
	switch {
	case containsIgnoreCase(msg, "device not connected"):
		return fmt.Errorf("%w: %v", ErrConnectionLost, err)
	case containsIgnoreCase(msg, "disconnected"):
		return fmt.Errorf("%w: %v", ErrConnectionLost, err)
	case containsIgnoreCase(msg, "port has been closed"), containsIgnoreCase(msg, "port closed"):
		return fmt.Errorf("%w: %v", ErrConnectionLost, err)
	case containsIgnoreCase(msg, "no such device"):
		return fmt.Errorf("%w: %v", ErrConnectionLost, err)
	case containsIgnoreCase(msg, "interrupted"):
		return fmt.Errorf("%w: %v", ErrInterrupted, err)
	default:
		return err
	}
}

// containsIgnoreCase checks substring case-insensitively
func containsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

// IsConnectionState reports whether err is a ConnectionError with the given state
func IsConnectionState(err error, state ConnectionState) bool {
	var cerr *ConnectionError
	if errors.As(err, &cerr) {
		return cerr.State == state
	}
	return false
}

// Package reading holds the latest sensor readings shared between the
// connection worker (single writer) and any number of readers.
package reading

import (
	"sync/atomic"
	"time"

	"github.com/srg/biomon/internal/link"
)

// Snapshot is one consistent set of readings. Snapshots are immutable once
// published.
type Snapshot struct {
	Connected     bool
	LedOn         bool
	HeartRate     int     // beats/min, 0 = unknown
	Temperature   float64 // °C
	BreathingRate float64 // raw sensor voltage
	Transport     link.Kind
	Updated       time.Time
}

var emptySnapshot = &Snapshot{Transport: link.KindNone}

// Store publishes snapshots atomically. No operation blocks.
type Store struct {
	current    atomic.Pointer[Snapshot]
	ledRequest atomic.Bool
}

// NewStore returns a store holding the empty, disconnected snapshot
func NewStore() *Store {
	s := &Store{}
	s.current.Store(emptySnapshot)
	return s
}

// Publish replaces the current snapshot
func (s *Store) Publish(snap Snapshot) {
	s.current.Store(&snap)
}

// Current returns a copy of the latest snapshot
func (s *Store) Current() Snapshot {
	if p := s.current.Load(); p != nil {
		return *p
	}
	return *emptySnapshot
}

// SetLedRequest records the LED state requested by a consumer
func (s *Store) SetLedRequest(on bool) {
	s.ledRequest.Store(on)
}

// LedRequest returns the LED state last requested by a consumer
func (s *Store) LedRequest() bool {
	return s.ledRequest.Load()
}

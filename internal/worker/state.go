package worker

import "fmt"

// State is a connection worker lifecycle state
type State int32

const (
	Idle State = iota
	Discovering
	Connecting
	Configuring
	Sampling
	Disconnecting
	Aborted
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Discovering:
		return "discovering"
	case Connecting:
		return "connecting"
	case Configuring:
		return "configuring"
	case Sampling:
		return "sampling"
	case Disconnecting:
		return "disconnecting"
	case Aborted:
		return "aborted"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Terminal reports whether no transition leaves s
func (s State) Terminal() bool { return s == Aborted }

var transitions = map[State][]State{
	Idle:          {Discovering, Aborted},
	Discovering:   {Connecting},
	Connecting:    {Configuring, Disconnecting},
	Configuring:   {Sampling, Disconnecting},
	Sampling:      {Disconnecting},
	Disconnecting: {Idle, Aborted},
}

// CanTransition reports whether the worker may move from one state to another
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

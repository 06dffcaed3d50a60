package relay

import (
	"errors"
	"fmt"
)

// State is the lifecycle state of a Session.
type State int32

// Session states.
const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateStreaming
	StateClosing
	StateClosed
	StateError
)

var stateNames = [...]string{
	StateIdle:       "idle",
	StateConnecting: "connecting",
	StateOpen:       "open",
	StateStreaming:  "streaming",
	StateClosing:    "closing",
	StateClosed:     "closed",
	StateError:      "error",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateClosed
}

// ErrIllegalTransition is returned by CheckTransition for edges not in the
// transition table.
var ErrIllegalTransition = errors.New("relay: illegal state transition")

var transitions = map[State][]State{
	StateIdle:       {StateConnecting, StateClosing, StateError},
	StateConnecting: {StateOpen, StateClosing, StateError},
	StateOpen:       {StateStreaming, StateClosing, StateError},
	StateStreaming:  {StateClosing, StateError},
	StateError:      {StateClosing},
	StateClosing:    {StateClosed},
}

// CanTransition reports whether from → to is a legal edge.
func CanTransition(from, to State) bool {
	return CheckTransition(from, to) == nil
}

// CheckTransition returns ErrIllegalTransition, naming both states, when
// from cannot move to to.
func CheckTransition(from, to State) error {
	for _, s := range transitions[from] {
		if s == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
}

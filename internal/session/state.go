package session

import (
	"errors"
	"fmt"
)

// State is the connection state of a session's feed.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateError        State = "error"
)

// ErrInvalidTransition is returned for a state change the machine forbids.
var ErrInvalidTransition = errors.New("invalid connection state transition")

var transitions = map[State][]State{
	StateDisconnected: {StateConnecting},
	StateConnecting:   {StateConnected, StateError, StateDisconnected},
	StateConnected:    {StateDisconnected, StateError},
	StateError:        {StateConnecting, StateDisconnected},
}

// CanTransition reports whether the machine allows moving from s to next.
func (s State) CanTransition(next State) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Transition returns next if the move is allowed, or an error wrapping
// ErrInvalidTransition.
func (s State) Transition(next State) (State, error) {
	if !s.CanTransition(next) {
		return s, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s, next)
	}
	return next, nil
}

// DisconnectPolicy decides what a user-initiated disconnect does to the
// accumulated points. Transport failures never clear.
type DisconnectPolicy string

const (
	// DisconnectKeep leaves the points in place for the next connection.
	DisconnectKeep DisconnectPolicy = "keep"
	// DisconnectClear empties the store when the user disconnects.
	DisconnectClear DisconnectPolicy = "clear"
)

// ParseDisconnectPolicy parses a policy name. The empty string means keep.
func ParseDisconnectPolicy(s string) (DisconnectPolicy, error) {
	switch DisconnectPolicy(s) {
	case "", DisconnectKeep:
		return DisconnectKeep, nil
	case DisconnectClear:
		return DisconnectClear, nil
	}
	return "", fmt.Errorf("unknown disconnect policy %q (want keep or clear)", s)
}

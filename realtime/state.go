package realtime

import (
	"fmt"

	chaterrors "github.com/alexjbarnes/chatsync/internal/errors"
)

// State is the connection lifecycle state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateErrored
)

// String returns the string representation of a State.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// StateEvent describes one state transition.
type StateEvent struct {
	Old State
	New State
	Err error // cause of the transition, if any
}

// NotConnectedError reports an operation attempted while the connection
// is not in StateConnected. It matches errors.ErrNotConnected.
type NotConnectedError struct {
	Op    string
	State State
}

func (e *NotConnectedError) Error() string {
	return fmt.Sprintf("%s: not connected (state %s)", e.Op, e.State)
}

func (e *NotConnectedError) Unwrap() error { return chaterrors.ErrNotConnected }

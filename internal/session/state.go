package session

import "errors"

type State int32

const (
	Idle State = iota
	Connecting
	Authenticated
	Active
	Closing
	Closed
	Error
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Authenticated:
		return "authenticated"
	case Active:
		return "active"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	case Error:
		return "error"
	}
	return "unknown"
}

var (
	// ErrClosed is returned by operations on a session that has shut down.
	ErrClosed = errors.New("session: closed")

	// ErrNotActive is returned when an operation needs the initial
	// snapshot to have been applied.
	ErrNotActive = errors.New("session: not active")
)

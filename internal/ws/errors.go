package ws

import (
	"errors"
	"fmt"
)

var (
	// ErrHandshakeRejected means the server refused the token or room.
	// It is terminal: the transport does not retry.
	ErrHandshakeRejected = errors.New("ws: handshake rejected")

	// ErrClosed is returned by Emit after Close.
	ErrClosed = errors.New("ws: connection closed")

	// ErrNotConnected is returned by Emit while the transport is between
	// connections.
	ErrNotConnected = errors.New("ws: not connected")
)

// Close codes the server uses to reject a handshake.
const (
	CloseUnauthorized = 4401
	CloseForbidden    = 4403
)

// TransportError wraps a failure of one transport step (dial, token,
// handshake, read, write).
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("ws: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsTerminal reports whether the transport gives up after err rather than
// reconnecting.
func IsTerminal(err error) bool {
	var te *TransportError
	if !errors.As(err, &te) {
		return false
	}
	return te.Op == "token" || errors.Is(err, ErrHandshakeRejected)
}

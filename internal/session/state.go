package session

import "time"

// State is the connection lifecycle state of a session.
type State int

const (
	// StateDisconnected means no transport handle exists.
	StateDisconnected State = iota
	// StateConnecting means a dial is in flight.
	StateConnecting
	// StateAwaitingPairing means the transport issued a pairing code that
	// the user has not yet scanned.
	StateAwaitingPairing
	// StateConnected means the transport is open and authenticated.
	StateConnected
)

// String returns the wire representation used in status and admin views.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAwaitingPairing:
		return "awaiting_pairing"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Status is a read-only snapshot of a session's lifecycle state. It never
// carries the pairing payload or message content.
type Status struct {
	State                State
	PairingAvailable     bool
	LastDisconnectReason string
	ReconnectAttempts    int
	LastActivity         time.Time
}

// Package transport defines the chat transport capability consumed by
// sessions: a per-session connection that emits pairing codes, lifecycle
// events and inbound messages, and accepts outbound sends.
//
// The bridge never implements the chat-network protocol itself. It dials
// the network's websocket gateway and translates the gateway's frames into
// the typed events below. Each Conn belongs to exactly one session.
package transport

import (
	"context"
	"time"
)

// Credentials is the persisted pairing material for one linked device.
// It is opaque to the rest of the bridge: sessions only load it, hand it
// to Dial, and store back whatever the gateway returns on open.
type Credentials struct {
	ClientID   string    `json:"client_id"`
	Secret     string    `json:"secret"`
	Registered bool      `json:"registered"`
	IssuedAt   time.Time `json:"issued_at"`
}

// Event is the union of events a Conn delivers. Events for one Conn are
// delivered in the order the transport emits them.
type Event interface {
	isEvent()
}

// QREvent carries a pairing code to be presented to the user out-of-band.
// The gateway reissues codes until pairing completes or the socket closes.
type QREvent struct {
	Code string
}

// OpenedEvent signals a fully authenticated connection. Credentials is
// non-nil when the gateway issued or refreshed pairing material that
// should be persisted for the next dial.
type OpenedEvent struct {
	Credentials *Credentials
}

// ClosedEvent signals the connection is gone. LoggedOut means the user
// unlinked this device from their primary; the credential set is dead and
// a fresh pairing is required.
type ClosedEvent struct {
	Code      int
	Reason    string
	LoggedOut bool
}

// MessageEvent is an inbound chat message.
type MessageEvent struct {
	ID              string
	ConversationID  string
	Sender          string
	Text            string
	TimestampMillis int64
	FromSelf        bool
}

func (QREvent) isEvent()      {}
func (OpenedEvent) isEvent()  {}
func (ClosedEvent) isEvent()  {}
func (MessageEvent) isEvent() {}

// Conn is a live connection to the chat network for one session.
type Conn interface {
	// Events returns the connection's event stream. The channel is closed
	// after a ClosedEvent has been delivered; callers must drain it.
	Events() <-chan Event

	// Send delivers a text message to the given canonical address.
	Send(ctx context.Context, to, text string) error

	// Logout unlinks the device on the network side. Best-effort; the
	// connection is unusable afterwards either way.
	Logout(ctx context.Context) error

	// Close tears down the socket without unlinking.
	Close() error
}

// Dialer opens connections. creds may be nil for a fresh pairing, in
// which case the gateway emits QR events until the user links the device.
type Dialer interface {
	Dial(ctx context.Context, creds *Credentials) (Conn, error)
}

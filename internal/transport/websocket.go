package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lewisedginton/whatsapp_bridge/pkg/logger"
)

// Gateway close codes with bridge-level meaning.
const (
	// closeCodeLoggedOut is sent by the gateway when the user unlinked
	// this device. The stored credentials are no longer valid.
	closeCodeLoggedOut = 4401
)

// frame is the wire format spoken with the chat-network gateway. One JSON
// object per websocket text message, discriminated by Type.
type frame struct {
	Type        string       `json:"type"`
	Code        string       `json:"code,omitempty"`
	Credentials *Credentials `json:"credentials,omitempty"`
	Reason      string       `json:"reason,omitempty"`

	// message fields
	ID              string `json:"id,omitempty"`
	ConversationID  string `json:"conversation_id,omitempty"`
	Sender          string `json:"sender,omitempty"`
	Text            string `json:"text,omitempty"`
	TimestampMillis int64  `json:"timestamp_millis,omitempty"`
	FromSelf        bool   `json:"from_self,omitempty"`

	// outbound fields
	To string `json:"to,omitempty"`
}

const (
	frameQR      = "qr"
	frameOpen    = "open"
	frameMessage = "message"
	frameSend    = "send"
	frameLogout  = "logout"
)

// WebsocketDialer dials the chat-network gateway over a websocket and
// adapts its frames to the Conn interface.
type WebsocketDialer struct {
	GatewayURL       string
	HandshakeTimeout time.Duration
	Logger           logger.Logger
}

// NewWebsocketDialer creates a dialer for the given gateway URL.
func NewWebsocketDialer(gatewayURL string, log logger.Logger) (*WebsocketDialer, error) {
	if gatewayURL == "" {
		return nil, fmt.Errorf("gateway URL is required")
	}
	if log == nil {
		return nil, fmt.Errorf("logger is required")
	}
	return &WebsocketDialer{
		GatewayURL:       gatewayURL,
		HandshakeTimeout: 20 * time.Second,
		Logger:           log,
	}, nil
}

// Dial opens the websocket and, when credentials are present, sends them
// as the first frame so the gateway can resume the linked device instead
// of starting a pairing flow.
func (d *WebsocketDialer) Dial(ctx context.Context, creds *Credentials) (Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: d.HandshakeTimeout}

	ws, resp, err := dialer.DialContext(ctx, d.GatewayURL, http.Header{})
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("gateway handshake failed (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("gateway dial failed: %w", err)
	}

	c := &wsConn{
		ws:     ws,
		events: make(chan Event, 32),
		send:   make(chan frame, 32),
		done:   make(chan struct{}),
		log:    d.Logger,
	}

	if creds != nil && creds.Registered {
		if err := ws.WriteJSON(frame{Type: "resume", Credentials: creds}); err != nil {
			_ = ws.Close()
			return nil, fmt.Errorf("failed to send resume frame: %w", err)
		}
	} else {
		if err := ws.WriteJSON(frame{Type: "pair"}); err != nil {
			_ = ws.Close()
			return nil, fmt.Errorf("failed to send pair frame: %w", err)
		}
	}

	go c.readPump()
	go c.writePump()

	return c, nil
}

// wsConn adapts one websocket to the Conn interface. A single reader
// goroutine translates frames into events; a single writer goroutine
// drains the send queue (the websocket package allows at most one
// concurrent writer).
type wsConn struct {
	ws     *websocket.Conn
	events chan Event
	send   chan frame
	log    logger.Logger

	closeOnce sync.Once
	done      chan struct{}
}

func (c *wsConn) Events() <-chan Event {
	return c.events
}

func (c *wsConn) Send(ctx context.Context, to, text string) error {
	f := frame{Type: frameSend, To: to, Text: text}
	select {
	case c.send <- f:
		return nil
	case <-c.done:
		return fmt.Errorf("connection closed")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *wsConn) Logout(ctx context.Context) error {
	select {
	case c.send <- frame{Type: frameLogout}:
		return nil
	case <-c.done:
		return fmt.Errorf("connection closed")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.ws.Close()
	})
	return err
}

// readPump translates gateway frames into typed events until the socket
// dies, then emits a ClosedEvent and closes the event channel.
func (c *wsConn) readPump() {
	defer close(c.events)

	for {
		var f frame
		if err := c.ws.ReadJSON(&f); err != nil {
			c.events <- closedEventFromError(err)
			_ = c.Close()
			return
		}

		switch f.Type {
		case frameQR:
			c.events <- QREvent{Code: f.Code}
		case frameOpen:
			c.events <- OpenedEvent{Credentials: f.Credentials}
		case frameMessage:
			c.events <- MessageEvent{
				ID:              f.ID,
				ConversationID:  f.ConversationID,
				Sender:          f.Sender,
				Text:            f.Text,
				TimestampMillis: f.TimestampMillis,
				FromSelf:        f.FromSelf,
			}
		default:
			c.log.Debug("Ignoring unknown gateway frame",
				logger.StringField("frame_type", f.Type))
		}
	}
}

// writePump is the sole websocket writer.
func (c *wsConn) writePump() {
	for {
		select {
		case f := <-c.send:
			if err := c.ws.WriteJSON(f); err != nil {
				c.log.Warn("Gateway write failed", logger.ErrorField(err))
				_ = c.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}

func closedEventFromError(err error) ClosedEvent {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return ClosedEvent{
			Code:      closeErr.Code,
			Reason:    closeErr.Text,
			LoggedOut: closeErr.Code == closeCodeLoggedOut,
		}
	}
	return ClosedEvent{Reason: err.Error()}
}

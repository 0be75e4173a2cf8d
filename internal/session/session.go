// Package session implements the per-user connection state machine: QR
// pairing, reconnect with jittered exponential backoff, bounded message
// history with periodic flush, and send/query operations.
//
// Each session owns exactly one transport handle at a time. Transport
// events are applied sequentially by a single goroutine per handle; HTTP
// handlers touch the session only through the mutex-guarded methods
// below.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/lewisedginton/whatsapp_bridge/internal/history"
	"github.com/lewisedginton/whatsapp_bridge/internal/storage_manager"
	"github.com/lewisedginton/whatsapp_bridge/internal/transport"
	"github.com/lewisedginton/whatsapp_bridge/pkg/logger"
	"github.com/lewisedginton/whatsapp_bridge/pkg/prefixed_uuid"
)

// ErrNotConnected is returned by operations that require an open,
// authenticated transport.
var ErrNotConnected = fmt.Errorf("session is not connected")

// ErrSendFailed wraps transport delivery failures on an established
// connection, keeping them distinguishable from validation errors.
var ErrSendFailed = fmt.Errorf("transport send failed")

const (
	dialTimeout        = 30 * time.Second
	historyLoadTimeout = 10 * time.Second
)

// Counters are optional prometheus counters shared by all sessions. A
// zero Counters value disables instrumentation.
type Counters struct {
	MessagesSent     prometheus.Counter
	MessagesReceived prometheus.Counter
	Reconnects       prometheus.Counter
}

func inc(c prometheus.Counter) {
	if c != nil {
		c.Inc()
	}
}

// Config holds everything a session needs. UserID must already be
// validated by the caller, it is used as a storage key.
type Config struct {
	UserID          string
	Dialer          transport.Dialer
	CredentialStore storage_manager.FileProvider
	HistoryStore    storage_manager.FileProvider
	Logger          logger.Logger

	HistoryMaxMessages      int
	HistoryMaxConversations int
	FlushInterval           time.Duration

	ReconnectBase      time.Duration
	ReconnectCap       time.Duration
	BackoffMaxAttempts int

	Counters Counters
}

// Session is the per-user unit of connection state, pairing data and
// message history.
type Session struct {
	cfg  Config
	log  logger.Logger
	hist *history.Store

	mu                   sync.Mutex
	state                State
	qrPayload            string
	lastDisconnectReason string
	reconnectAttempts    int
	lastActivity         time.Time
	conn                 transport.Conn
	dialGen              uint64
	reconnectTimer       *time.Timer
	closed               bool

	flushStop chan struct{}
	stopFlush sync.Once

	jitter func() float64 // injectable for tests
}

// New creates a session in the Disconnected state, loading any previously
// persisted history. Missing or corrupt history yields an empty log
// rather than an error. The periodic flush loop starts immediately.
func New(cfg Config) (*Session, error) {
	if cfg.UserID == "" {
		return nil, fmt.Errorf("user ID is required")
	}
	if cfg.Dialer == nil {
		return nil, fmt.Errorf("transport dialer is required")
	}
	if cfg.CredentialStore == nil {
		return nil, fmt.Errorf("credential store is required")
	}
	if cfg.HistoryStore == nil {
		return nil, fmt.Errorf("history store is required")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	hist, err := history.NewStore(cfg.HistoryMaxMessages, cfg.HistoryMaxConversations)
	if err != nil {
		return nil, fmt.Errorf("failed to create history store: %w", err)
	}

	s := &Session{
		cfg:          cfg,
		log:          cfg.Logger.WithFields(logger.StringField("user_id", cfg.UserID)),
		hist:         hist,
		state:        StateDisconnected,
		lastActivity: time.Now(),
		flushStop:    make(chan struct{}),
		jitter:       rand.Float64,
	}

	ctx, cancel := context.WithTimeout(context.Background(), historyLoadTimeout)
	s.loadHistory(ctx)
	cancel()

	go s.flushLoop()

	return s, nil
}

// Connect transitions the session to Connecting and dials the transport
// asynchronously. It is a no-op while a dial is in flight, a pairing code
// is pending, or the session is connected, unless force is set, in which
// case the existing handle is discarded and a fresh dial begins. A
// connect also supersedes any pending reconnect timer.
func (s *Session) Connect(force bool) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("session for %s is closed", s.cfg.UserID)
	}
	if s.state != StateDisconnected && !force {
		s.mu.Unlock()
		return nil
	}

	s.cancelReconnectTimerLocked()
	stale := s.conn
	s.conn = nil
	s.state = StateConnecting
	s.qrPayload = ""
	s.dialGen++
	gen := s.dialGen
	s.mu.Unlock()

	if stale != nil {
		_ = stale.Close()
	}

	go s.dial(gen)
	return nil
}

// dial loads persisted credentials and opens the transport. Failures feed
// the backoff-reconnect path rather than a caller, connection
// establishment is asynchronous. The generation token ties the dial to
// the Connect that started it: if a newer connect has since begun, the
// socket is discarded instead of installed, so two racing forced
// connects can never leave an orphaned live handle.
func (s *Session) dial(gen uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()

	creds := s.loadCredentials(ctx)

	conn, err := s.cfg.Dialer.Dial(ctx, creds)
	if err != nil {
		s.log.Warn("Transport dial failed", logger.ErrorField(err))
		s.handleDialFailure(gen, err)
		return
	}

	s.mu.Lock()
	if s.closed || s.state != StateConnecting || gen != s.dialGen {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.conn = conn
	s.mu.Unlock()

	go s.eventLoop(conn)
}

// eventLoop applies one connection's events in emission order. The
// conn argument lets each handler ignore events from a handle that a
// forced reconnect already replaced.
func (s *Session) eventLoop(conn transport.Conn) {
	for ev := range conn.Events() {
		switch ev := ev.(type) {
		case transport.QREvent:
			s.handleQR(conn, ev)
		case transport.OpenedEvent:
			s.handleOpened(conn, ev)
		case transport.MessageEvent:
			s.handleMessage(ev)
		case transport.ClosedEvent:
			s.handleClosed(conn, ev)
		}
	}
}

func (s *Session) handleQR(conn transport.Conn, ev transport.QREvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != conn {
		return
	}
	s.state = StateAwaitingPairing
	s.qrPayload = ev.Code
	s.log.Info("Pairing code issued")
}

func (s *Session) handleOpened(conn transport.Conn, ev transport.OpenedEvent) {
	s.mu.Lock()
	if s.conn != conn {
		s.mu.Unlock()
		return
	}
	s.state = StateConnected
	s.qrPayload = ""
	s.reconnectAttempts = 0
	s.lastDisconnectReason = ""
	s.lastActivity = time.Now()
	s.mu.Unlock()

	s.log.Info("Transport connection opened")

	if ev.Credentials != nil {
		s.saveCredentials(context.Background(), ev.Credentials)
	}
}

// handleMessage appends inbound messages to history. It does not take
// the session mutex: the store has its own lock, and recording must
// never contend with pairing or backoff transitions.
func (s *Session) handleMessage(ev transport.MessageEvent) {
	s.hist.Record(ev.ConversationID, history.Entry{
		ID:              ev.ID,
		ConversationID:  ev.ConversationID,
		TimestampMillis: ev.TimestampMillis,
		FromSelf:        ev.FromSelf,
		Sender:          ev.Sender,
		Text:            ev.Text,
	})
	inc(s.cfg.Counters.MessagesReceived)
}

// handleClosed records the disconnect and either schedules a reconnect
// or, when the gateway reported a logout, discards the dead credential
// set so the next connect starts a fresh pairing.
func (s *Session) handleClosed(conn transport.Conn, ev transport.ClosedEvent) {
	s.mu.Lock()
	if s.conn != conn {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	s.state = StateDisconnected
	s.qrPayload = ""
	s.lastDisconnectReason = closeReason(ev)

	if !ev.LoggedOut && !s.closed {
		s.scheduleReconnectLocked()
	}
	s.mu.Unlock()

	s.log.Info("Transport connection closed",
		logger.StringField("reason", closeReason(ev)),
		logger.BoolField("logged_out", ev.LoggedOut))

	if ev.LoggedOut {
		s.deleteCredentials(context.Background())
	}
}

func closeReason(ev transport.ClosedEvent) string {
	if ev.Code != 0 {
		return fmt.Sprintf("%d: %s", ev.Code, ev.Reason)
	}
	return ev.Reason
}

func (s *Session) handleDialFailure(gen uint64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// A newer connect superseded this dial; its outcome no longer matters.
	if s.closed || gen != s.dialGen {
		return
	}
	s.state = StateDisconnected
	s.lastDisconnectReason = err.Error()
	s.scheduleReconnectLocked()
}

// scheduleReconnectLocked arms the session's single reconnect timer,
// replacing any pending one. The attempt counter saturates at
// BackoffMaxAttempts so the shift arithmetic stays bounded through
// arbitrarily long outages. Caller holds the lock.
func (s *Session) scheduleReconnectLocked() {
	if s.reconnectAttempts < s.cfg.BackoffMaxAttempts {
		s.reconnectAttempts++
	}
	delay := s.backoffDelay(s.reconnectAttempts)

	s.cancelReconnectTimerLocked()
	s.reconnectTimer = time.AfterFunc(delay, func() {
		if err := s.Connect(false); err != nil {
			s.log.Debug("Reconnect skipped", logger.ErrorField(err))
		}
	})

	inc(s.cfg.Counters.Reconnects)
	s.log.Info("Reconnect scheduled",
		logger.IntField("attempt", s.reconnectAttempts),
		logger.DurationField("delay", delay))
}

// backoffDelay computes min(base * 2^(attempt-1), cap) plus a random
// 20-40% of that value, spreading synchronized retry storms while
// keeping the total under 1.4x the cap.
func (s *Session) backoffDelay(attempt int) time.Duration {
	d := s.cfg.ReconnectBase << (attempt - 1)
	if d <= 0 || d > s.cfg.ReconnectCap {
		d = s.cfg.ReconnectCap
	}
	frac := 0.2 + 0.2*s.jitter()
	return d + time.Duration(float64(d)*frac)
}

func (s *Session) cancelReconnectTimerLocked() {
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
	}
}

// SendText normalizes the destination, forwards the message over the
// transport and records it to history. Returns ErrNotConnected unless
// the session is connected. A transport failure is reported to the
// caller but does not tear the session down.
func (s *Session) SendText(ctx context.Context, to, text string) (history.Entry, error) {
	addr, err := NormalizeAddress(to)
	if err != nil {
		return history.Entry{}, err
	}

	s.mu.Lock()
	if s.state != StateConnected || s.conn == nil {
		s.mu.Unlock()
		return history.Entry{}, ErrNotConnected
	}
	conn := s.conn
	s.mu.Unlock()

	if err := conn.Send(ctx, addr, text); err != nil {
		return history.Entry{}, fmt.Errorf("%w: %v", ErrSendFailed, err)
	}

	entry := history.Entry{
		ID:              prefixed_uuid.New("msg").String(),
		ConversationID:  addr,
		TimestampMillis: time.Now().UnixMilli(),
		FromSelf:        true,
		Sender:          s.cfg.UserID,
		Text:            text,
	}
	s.hist.Record(addr, entry)
	inc(s.cfg.Counters.MessagesSent)
	s.Touch()

	return entry, nil
}

// Messages returns up to limit of the most recent entries for a
// conversation, oldest first. Unknown conversations yield an empty
// result, not an error.
func (s *Session) Messages(conversationID string, limit int) ([]history.Entry, error) {
	addr, err := NormalizeAddress(conversationID)
	if err != nil {
		return nil, err
	}
	return s.hist.Query(addr, limit), nil
}

// Touch marks authenticated activity for idle-eviction purposes.
// Transport-internal events never count as activity.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// LastActivity returns the time of the last authenticated operation.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Status returns a diagnostic snapshot carrying no pairing payload or
// message content.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		State:                s.state,
		PairingAvailable:     s.state == StateAwaitingPairing && s.qrPayload != "",
		LastDisconnectReason: s.lastDisconnectReason,
		ReconnectAttempts:    s.reconnectAttempts,
		LastActivity:         s.lastActivity,
	}
}

// QRPayload returns the current pairing payload. The second return is
// false unless the session is awaiting pairing with a payload present.
func (s *Session) QRPayload() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateAwaitingPairing || s.qrPayload == "" {
		return "", false
	}
	return s.qrPayload, true
}

// Flush serializes the full history to durable storage. The in-memory
// copy stays authoritative; a failed flush is retried on the next tick.
func (s *Session) Flush(ctx context.Context) error {
	data, err := s.hist.Serialize()
	if err != nil {
		return fmt.Errorf("failed to serialize history: %w", err)
	}
	if err := s.cfg.HistoryStore.Write(ctx, s.storageKey(), data); err != nil {
		return fmt.Errorf("failed to write history: %w", err)
	}
	return nil
}

func (s *Session) flushLoop() {
	interval := s.cfg.FlushInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.Flush(context.Background()); err != nil {
				s.log.Warn("Periodic history flush failed", logger.ErrorField(err))
			}
		case <-s.flushStop:
			return
		}
	}
}

// Close permanently tears the session down: cancels the reconnect and
// flush timers, flushes history, requests a best-effort transport logout
// and drops the socket. Safe to call more than once.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.cancelReconnectTimerLocked()
	conn := s.conn
	s.conn = nil
	s.state = StateDisconnected
	s.qrPayload = ""
	s.mu.Unlock()

	s.stopFlush.Do(func() { close(s.flushStop) })

	if err := s.Flush(ctx); err != nil {
		s.log.Warn("History flush on close failed", logger.ErrorField(err))
	}

	if conn != nil {
		if err := conn.Logout(ctx); err != nil {
			s.log.Warn("Transport logout failed", logger.ErrorField(err))
		}
		_ = conn.Close()
	}

	return nil
}

// Shutdown persists state for a process exit without unlinking the
// user: timers stop and history is flushed synchronously, but no logout
// is sent and durable storage is kept.
func (s *Session) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.cancelReconnectTimerLocked()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	s.stopFlush.Do(func() { close(s.flushStop) })

	if conn != nil {
		_ = conn.Close()
	}

	return s.Flush(ctx)
}

// DeleteStorage removes the session's durable footprint, persisted
// credentials and history both. The registry calls this after Close on
// unlink and idle eviction.
func (s *Session) DeleteStorage(ctx context.Context) error {
	var firstErr error
	if err := s.cfg.CredentialStore.Delete(ctx, s.storageKey()); err != nil {
		firstErr = fmt.Errorf("failed to delete credentials: %w", err)
	}
	if err := s.cfg.HistoryStore.Delete(ctx, s.storageKey()); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("failed to delete history: %w", err)
	}
	return firstErr
}

func (s *Session) storageKey() string {
	return s.cfg.UserID + ".json"
}

func (s *Session) loadHistory(ctx context.Context) {
	exists, err := s.cfg.HistoryStore.Exists(ctx, s.storageKey())
	if err != nil || !exists {
		return
	}
	data, err := s.cfg.HistoryStore.Read(ctx, s.storageKey())
	if err != nil {
		s.log.Warn("Failed to read persisted history", logger.ErrorField(err))
		return
	}
	if err := s.hist.Load(data); err != nil {
		s.log.Warn("Discarding corrupt persisted history", logger.ErrorField(err))
	}
}

func (s *Session) loadCredentials(ctx context.Context) *transport.Credentials {
	exists, err := s.cfg.CredentialStore.Exists(ctx, s.storageKey())
	if err != nil || !exists {
		return nil
	}
	data, err := s.cfg.CredentialStore.Read(ctx, s.storageKey())
	if err != nil {
		s.log.Warn("Failed to read persisted credentials", logger.ErrorField(err))
		return nil
	}
	var creds transport.Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		s.log.Warn("Discarding corrupt persisted credentials", logger.ErrorField(err))
		return nil
	}
	return &creds
}

func (s *Session) saveCredentials(ctx context.Context, creds *transport.Credentials) {
	data, err := json.Marshal(creds)
	if err != nil {
		s.log.Error("Failed to serialize credentials", logger.ErrorField(err))
		return
	}
	if err := s.cfg.CredentialStore.Write(ctx, s.storageKey(), data); err != nil {
		s.log.Error("Failed to persist credentials", logger.ErrorField(err))
	}
}

func (s *Session) deleteCredentials(ctx context.Context) {
	if err := s.cfg.CredentialStore.Delete(ctx, s.storageKey()); err != nil {
		s.log.Warn("Failed to delete credentials after logout", logger.ErrorField(err))
	}
}

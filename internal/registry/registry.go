// Package registry owns the table of live sessions: bounded creation,
// lookup, idempotent removal and a periodic sweep that evicts idle
// sessions and reclaims their durable storage.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/lewisedginton/whatsapp_bridge/internal/session"
	"github.com/lewisedginton/whatsapp_bridge/internal/storage_manager"
	"github.com/lewisedginton/whatsapp_bridge/internal/transport"
	"github.com/lewisedginton/whatsapp_bridge/pkg/logger"
)

// ErrCapacityExceeded is returned when creating a session would exceed
// the configured maximum. Existing sessions are unaffected.
var ErrCapacityExceeded = fmt.Errorf("session capacity exceeded")

// Config holds registry settings plus the template applied to every
// session it creates.
type Config struct {
	Dialer          transport.Dialer
	CredentialStore storage_manager.FileProvider
	HistoryStore    storage_manager.FileProvider
	Logger          logger.Logger

	MaxSessions   int
	IdleTimeout   time.Duration
	SweepInterval time.Duration

	HistoryMaxMessages      int
	HistoryMaxConversations int
	FlushInterval           time.Duration

	ReconnectBase      time.Duration
	ReconnectCap       time.Duration
	BackoffMaxAttempts int

	Counters session.Counters
}

// Info is one row of the admin session listing.
type Info struct {
	UserID string
	Status session.Status
}

// Registry is the bounded table of live sessions.
type Registry struct {
	cfg Config
	log logger.Logger

	mu       sync.RWMutex
	sessions map[string]*session.Session
	creating map[string]*creation

	sweepStop chan struct{}
	stopSweep sync.Once
}

// creation is an in-flight session construction. It reserves the user's
// slot (and a unit of capacity) while the constructor runs outside the
// registry lock; concurrent callers for the same user wait on done and
// share the result.
type creation struct {
	done chan struct{}
	s    *session.Session
	err  error
}

// New creates a registry and starts its idle sweep loop.
func New(cfg Config) (*Registry, error) {
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
	if cfg.MaxSessions <= 0 {
		return nil, fmt.Errorf("max sessions must be positive, got %d", cfg.MaxSessions)
	}

	r := &Registry{
		cfg:       cfg,
		log:       cfg.Logger,
		sessions:  make(map[string]*session.Session),
		creating:  make(map[string]*creation),
		sweepStop: make(chan struct{}),
	}

	if cfg.SweepInterval > 0 && cfg.IdleTimeout > 0 {
		go r.sweepLoop()
	}

	return r, nil
}

// GetOrCreate returns the live session for a user, creating one if none
// exists. Creation respects the capacity bound; lookups of existing
// sessions always succeed regardless of capacity.
//
// Session construction reads persisted history, which can be a remote
// storage round-trip, so it runs outside the registry lock: a stalled
// backend for one user never delays lookups or creations for another.
// The lock only guards the reservation and the final insert.
func (r *Registry) GetOrCreate(userID string) (*session.Session, error) {
	r.mu.RLock()
	s, ok := r.sessions[userID]
	r.mu.RUnlock()
	if ok {
		return s, nil
	}

	r.mu.Lock()
	if s, ok := r.sessions[userID]; ok {
		r.mu.Unlock()
		return s, nil
	}
	if c, ok := r.creating[userID]; ok {
		r.mu.Unlock()
		<-c.done
		return c.s, c.err
	}
	if len(r.sessions)+len(r.creating) >= r.cfg.MaxSessions {
		r.mu.Unlock()
		return nil, ErrCapacityExceeded
	}
	c := &creation{done: make(chan struct{})}
	r.creating[userID] = c
	r.mu.Unlock()

	s, err := session.New(session.Config{
		UserID:                  userID,
		Dialer:                  r.cfg.Dialer,
		CredentialStore:         r.cfg.CredentialStore,
		HistoryStore:            r.cfg.HistoryStore,
		Logger:                  r.cfg.Logger,
		HistoryMaxMessages:      r.cfg.HistoryMaxMessages,
		HistoryMaxConversations: r.cfg.HistoryMaxConversations,
		FlushInterval:           r.cfg.FlushInterval,
		ReconnectBase:           r.cfg.ReconnectBase,
		ReconnectCap:            r.cfg.ReconnectCap,
		BackoffMaxAttempts:      r.cfg.BackoffMaxAttempts,
		Counters:                r.cfg.Counters,
	})
	if err != nil {
		err = fmt.Errorf("failed to create session for %s: %w", userID, err)
	}

	r.mu.Lock()
	delete(r.creating, userID)
	if err == nil {
		r.sessions[userID] = s
	}
	r.mu.Unlock()

	c.s, c.err = s, err
	close(c.done)

	if err != nil {
		return nil, err
	}
	r.log.Info("Session created", logger.StringField("user_id", userID))
	return s, nil
}

// Get returns the live session for a user, or nil when none exists.
func (r *Registry) Get(userID string) *session.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[userID]
}

// Remove unlinks a user: the session is closed with a best-effort
// transport logout and its durable storage is deleted. Removing an
// unknown user is a no-op; the second return reports whether a live
// session existed.
func (r *Registry) Remove(ctx context.Context, userID string) (bool, error) {
	r.mu.Lock()
	s, ok := r.sessions[userID]
	delete(r.sessions, userID)
	r.mu.Unlock()

	if !ok {
		return false, nil
	}

	if err := s.Close(ctx); err != nil {
		r.log.Warn("Session close during removal failed",
			logger.StringField("user_id", userID), logger.ErrorField(err))
	}
	if err := s.DeleteStorage(ctx); err != nil {
		return true, fmt.Errorf("failed to delete storage for %s: %w", userID, err)
	}

	r.log.Info("Session removed", logger.StringField("user_id", userID))
	return true, nil
}

// List returns a snapshot of all live sessions, ordered by user ID.
func (r *Registry) List() []Info {
	r.mu.RLock()
	infos := make([]Info, 0, len(r.sessions))
	for userID, s := range r.sessions {
		infos = append(infos, Info{UserID: userID, Status: s.Status()})
	}
	r.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].UserID < infos[j].UserID })
	return infos
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// MaxSessions returns the configured capacity bound.
func (r *Registry) MaxSessions() int {
	return r.cfg.MaxSessions
}

func (r *Registry) sweepLoop() {
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.sweep(context.Background())
		case <-r.sweepStop:
			return
		}
	}
}

// sweep evicts every session idle past the timeout. Eviction is the
// same as an explicit unlink: close with logout, then delete storage.
func (r *Registry) sweep(ctx context.Context) {
	cutoff := time.Now().Add(-r.cfg.IdleTimeout)

	r.mu.RLock()
	var idle []string
	for userID, s := range r.sessions {
		if s.LastActivity().Before(cutoff) {
			idle = append(idle, userID)
		}
	}
	r.mu.RUnlock()

	for _, userID := range idle {
		r.log.Info("Evicting idle session", logger.StringField("user_id", userID))
		if _, err := r.Remove(ctx, userID); err != nil {
			r.log.Warn("Idle eviction failed",
				logger.StringField("user_id", userID), logger.ErrorField(err))
		}
	}
}

// Shutdown stops the sweep loop and flushes every session without
// logging anyone out, so linked devices survive a process restart.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.stopSweep.Do(func() { close(r.sweepStop) })

	r.mu.Lock()
	sessions := make(map[string]*session.Session, len(r.sessions))
	for userID, s := range r.sessions {
		sessions[userID] = s
	}
	r.sessions = make(map[string]*session.Session)
	r.mu.Unlock()

	var firstErr error
	for userID, s := range sessions {
		if err := s.Shutdown(ctx); err != nil {
			r.log.Warn("Session shutdown flush failed",
				logger.StringField("user_id", userID), logger.ErrorField(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

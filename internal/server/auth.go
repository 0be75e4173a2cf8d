package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"net"
	"net/http"
	"regexp"
	"strings"

	"github.com/lewisedginton/whatsapp_bridge/internal/ratelimit"
	"github.com/lewisedginton/whatsapp_bridge/pkg/logger"
)

// userIDHeader carries the caller's user identifier on user endpoints.
const userIDHeader = "X-User-ID"

// userIDPattern bounds the identifier to a storage-safe character set.
// The id doubles as a durable storage key, so anything resembling path
// syntax is rejected outright.
var userIDPattern = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,64}$`)

type contextKey string

const userIDContextKey contextKey = "bridge_user_id"

// userIDFromContext returns the validated user ID set by userAuth.
func userIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(userIDContextKey).(string)
	return id
}

// validBearer extracts the bearer token and compares it in constant
// time. An empty configured token always fails: an unset secret means
// the surface is disabled, never open.
func validBearer(r *http.Request, configured string) bool {
	if configured == "" {
		return false
	}
	auth := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(configured)) == 1
}

// userAuth authenticates user endpoints: bearer credential, syntactic
// user-ID validation, then one rate-limiter unit, all before any
// registry or session work.
func (s *Server) userAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Security.AuthToken == "" {
			writeError(w, http.StatusServiceUnavailable, "user API is not configured")
			return
		}
		if !validBearer(r, s.cfg.Security.AuthToken) {
			writeError(w, http.StatusUnauthorized, "invalid or missing bearer token")
			return
		}

		userID := r.Header.Get(userIDHeader)
		if !userIDPattern.MatchString(userID) {
			writeError(w, http.StatusBadRequest, "invalid or missing user ID")
			return
		}

		if err := s.limiter.Allow(userID, clientAddr(r)); err != nil {
			if errors.Is(err, ratelimit.ErrRateLimited) {
				s.rateLimited.Inc()
				s.log.Warn("Request rate limited", logger.StringField("user_id", userID))
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			writeError(w, http.StatusInternalServerError, "rate limiter failure")
			return
		}

		ctx := context.WithValue(r.Context(), userIDContextKey, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// adminAuth authenticates the admin surface against its own credential.
// No admin token configured means no admin surface.
func (s *Server) adminAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Security.AdminToken == "" {
			writeError(w, http.StatusServiceUnavailable, "admin API is not configured")
			return
		}
		if !validBearer(r, s.cfg.Security.AdminToken) {
			writeError(w, http.StatusUnauthorized, "invalid or missing admin token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientAddr returns the caller's address without the ephemeral port so
// rate-limit buckets survive across connections. The RealIP middleware
// has already resolved forwarded headers by the time this runs.
func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

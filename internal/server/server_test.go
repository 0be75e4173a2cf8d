package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appconfig "github.com/lewisedginton/whatsapp_bridge/internal/config"
	"github.com/lewisedginton/whatsapp_bridge/internal/session"
	"github.com/lewisedginton/whatsapp_bridge/pkg/logger"
)

const (
	testUserToken  = "user-secret"
	testAdminToken = "admin-secret"
)

func testBridgeConfig(t *testing.T) *appconfig.BridgeConfig {
	t.Helper()
	return &appconfig.BridgeConfig{
		ServiceName:    "whatsapp-bridge",
		Version:        "test",
		Environment:    "development",
		Port:           0,
		RequestTimeout: 5 * time.Second,
		IdleTimeout:    time.Minute,
		Gateway: appconfig.GatewayConfig{
			// Nothing listens here; dials fail fast and feed the backoff path
			URL:              "ws://127.0.0.1:1/ws",
			HandshakeTimeout: 100 * time.Millisecond,
		},
		Sessions: appconfig.SessionsConfig{
			MaxSessions:             10,
			IdleTimeout:             time.Hour,
			SweepInterval:           time.Hour,
			ReconnectBase:           time.Hour,
			ReconnectCap:            2 * time.Hour,
			BackoffMaxAttempts:      10,
			HistoryMaxMessages:      50,
			HistoryMaxConversations: 10,
			FlushInterval:           time.Hour,
		},
		Logging:    appconfig.LoggingConfig{Level: "error", Format: "json"},
		Monitoring: appconfig.MonitoringConfig{HealthCheckTimeout: 2 * time.Second, MetricsEnabled: false},
		Storage:    appconfig.StorageConfig{Backend: "local", LocalDir: t.TempDir()},
		Security: appconfig.SecurityConfig{
			AuthToken:    testUserToken,
			AdminToken:   testAdminToken,
			RateLimitRPM: 1000,
		},
	}
}

func newTestServer(t *testing.T, cfg *appconfig.BridgeConfig) *Server {
	t.Helper()
	log := logger.NewLogger(logger.Config{Level: logger.ErrorLevel, Format: "json", Output: io.Discard})

	s, err := New(context.Background(), cfg, log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.registry.Shutdown(context.Background()) })
	return s
}

func doRequest(t *testing.T, s *Server, method, path, userID, token string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}

	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m))
	return m
}

func TestHealthEndpointUnauthenticated(t *testing.T) {
	s := newTestServer(t, testBridgeConfig(t))

	rec := doRequest(t, s, http.MethodGet, "/health", "", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, "healthy", body["status"])

	sessions, ok := body["sessions"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(0), sessions["active"])
	assert.Equal(t, float64(10), sessions["max"])
}

func TestUserAuthRejectsMissingToken(t *testing.T) {
	s := newTestServer(t, testBridgeConfig(t))

	rec := doRequest(t, s, http.MethodGet, "/status", "alice", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestUserAuthRejectsWrongToken(t *testing.T) {
	s := newTestServer(t, testBridgeConfig(t))

	rec := doRequest(t, s, http.MethodGet, "/status", "alice", "wrong-token", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestUserAuthFailsClosedWhenTokenUnset(t *testing.T) {
	cfg := testBridgeConfig(t)
	cfg.Security.AuthToken = ""
	s := newTestServer(t, cfg)

	rec := doRequest(t, s, http.MethodGet, "/status", "alice", "anything", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestUserAuthRejectsBadUserID(t *testing.T) {
	s := newTestServer(t, testBridgeConfig(t))

	longID := make([]byte, 65)
	for i := range longID {
		longID[i] = 'a'
	}

	testCases := []struct {
		name   string
		userID string
	}{
		{"missing", ""},
		{"path traversal", "../etc/passwd"},
		{"slash", "a/b"},
		{"space", "a b"},
		{"too long", string(longID)},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			rec := doRequest(t, s, http.MethodGet, "/status", tc.userID, testUserToken, nil)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestRateLimitEnforced(t *testing.T) {
	cfg := testBridgeConfig(t)
	cfg.Security.RateLimitRPM = 2
	s := newTestServer(t, cfg)

	for i := 0; i < 2; i++ {
		rec := doRequest(t, s, http.MethodGet, "/status", "alice", testUserToken, nil)
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := doRequest(t, s, http.MethodGet, "/status", "alice", testUserToken, nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	// Other users are unaffected
	rec = doRequest(t, s, http.MethodGet, "/status", "bob", testUserToken, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStatusDoesNotCreateSession(t *testing.T) {
	s := newTestServer(t, testBridgeConfig(t))

	rec := doRequest(t, s, http.MethodGet, "/status", "alice", testUserToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, false, body["session_exists"])
	assert.Equal(t, "disconnected", body["state"])
	assert.Equal(t, false, body["connected"])
	assert.Equal(t, 0, s.registry.Count())
}

func TestStatusCountsAsActivity(t *testing.T) {
	s := newTestServer(t, testBridgeConfig(t))

	rec := doRequest(t, s, http.MethodPost, "/start", "alice", testUserToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	sess := s.registry.Get("alice")
	require.NotNil(t, sess)
	before := sess.LastActivity()
	time.Sleep(10 * time.Millisecond)

	rec = doRequest(t, s, http.MethodGet, "/status", "alice", testUserToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// A polling host is live activity; the idle sweep must not see it as idle
	assert.True(t, sess.LastActivity().After(before))
}

func TestStatusResponseStateFlags(t *testing.T) {
	testCases := []struct {
		state      session.State
		connected  bool
		connecting bool
	}{
		{session.StateDisconnected, false, false},
		{session.StateConnecting, false, true},
		{session.StateAwaitingPairing, false, false},
		{session.StateConnected, true, false},
	}

	for _, tc := range testCases {
		resp := statusToResponse(true, session.Status{State: tc.state})
		assert.Equal(t, tc.connected, resp.Connected, "connected for %s", tc.state)
		assert.Equal(t, tc.connecting, resp.Connecting, "connecting for %s", tc.state)
	}
}

func TestStartCreatesSession(t *testing.T) {
	s := newTestServer(t, testBridgeConfig(t))

	rec := doRequest(t, s, http.MethodPost, "/start", "alice", testUserToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, true, body["started"])
	assert.Equal(t, 1, s.registry.Count())

	rec = doRequest(t, s, http.MethodGet, "/status", "alice", testUserToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decodeBody(t, rec)["session_exists"])
}

func TestCapacityExceeded(t *testing.T) {
	cfg := testBridgeConfig(t)
	cfg.Sessions.MaxSessions = 1
	s := newTestServer(t, cfg)

	rec := doRequest(t, s, http.MethodPost, "/start", "alice", testUserToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, s, http.MethodPost, "/start", "bob", testUserToken, nil)
	assert.Equal(t, http.StatusInsufficientStorage, rec.Code)
}

func TestQRBeforePairingCodeIssued(t *testing.T) {
	s := newTestServer(t, testBridgeConfig(t))

	rec := doRequest(t, s, http.MethodGet, "/qr", "alice", testUserToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "application/json")

	body := decodeBody(t, rec)
	assert.Contains(t, body["message"], "not ready")
	assert.Equal(t, 1, s.registry.Count())
}

func TestSendRequiresFields(t *testing.T) {
	s := newTestServer(t, testBridgeConfig(t))

	testCases := []struct {
		name string
		body map[string]string
	}{
		{"empty body", map[string]string{}},
		{"missing message", map[string]string{"to": "15551234567"}},
		{"missing to", map[string]string{"message": "hi"}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			rec := doRequest(t, s, http.MethodPost, "/send", "alice", testUserToken, tc.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestSendWhileDisconnected(t *testing.T) {
	s := newTestServer(t, testBridgeConfig(t))

	rec := doRequest(t, s, http.MethodPost, "/send", "alice", testUserToken,
		map[string]string{"to": "15551234567", "message": "hello"})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestSendErrorMapping(t *testing.T) {
	s := newTestServer(t, testBridgeConfig(t))

	testCases := []struct {
		name     string
		err      error
		wantCode int
	}{
		{"not connected", session.ErrNotConnected, http.StatusServiceUnavailable},
		{"delivery failure", fmt.Errorf("%w: socket reset", session.ErrSendFailed), http.StatusBadGateway},
		{"bad address", errors.New("address must contain only digits"), http.StatusBadRequest},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			s.writeSendError(rec, "alice", tc.err)
			assert.Equal(t, tc.wantCode, rec.Code)
		})
	}
}

func TestStartForceAcceptsQueryParam(t *testing.T) {
	s := newTestServer(t, testBridgeConfig(t))

	rec := doRequest(t, s, http.MethodPost, "/start?force=true", "alice", testUserToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decodeBody(t, rec)["started"])

	// A forced start never short-circuits to {"connected": true}
	rec = doRequest(t, s, http.MethodPost, "/start?force=true", "alice", testUserToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decodeBody(t, rec)["started"])
	assert.Equal(t, 1, s.registry.Count())
}

func TestMessagesValidation(t *testing.T) {
	s := newTestServer(t, testBridgeConfig(t))

	rec := doRequest(t, s, http.MethodPost, "/messages", "alice", testUserToken, map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMessagesEmptyConversation(t *testing.T) {
	s := newTestServer(t, testBridgeConfig(t))

	rec := doRequest(t, s, http.MethodPost, "/messages", "alice", testUserToken,
		map[string]any{"conversation_id": "15551234567", "limit": 10})
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	messages, ok := body["messages"].([]any)
	require.True(t, ok)
	assert.Empty(t, messages)
}

func TestMessagesAcceptsChatIDAlias(t *testing.T) {
	s := newTestServer(t, testBridgeConfig(t))

	rec := doRequest(t, s, http.MethodPost, "/messages", "alice", testUserToken,
		map[string]any{"chat_id": "15551234567"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestUnlinkIdempotent(t *testing.T) {
	s := newTestServer(t, testBridgeConfig(t))

	// No session yet
	rec := doRequest(t, s, http.MethodDelete, "/session", "alice", testUserToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decodeBody(t, rec)["removed"])

	rec = doRequest(t, s, http.MethodPost, "/start", "alice", testUserToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, s, http.MethodDelete, "/session", "alice", testUserToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decodeBody(t, rec)["removed"])
	assert.Equal(t, 0, s.registry.Count())
}

func TestAdminAuthSeparateFromUserAuth(t *testing.T) {
	s := newTestServer(t, testBridgeConfig(t))

	rec := doRequest(t, s, http.MethodGet, "/sessions", "", testUserToken, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doRequest(t, s, http.MethodGet, "/sessions", "", testAdminToken, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAdminAuthFailsClosedWhenTokenUnset(t *testing.T) {
	cfg := testBridgeConfig(t)
	cfg.Security.AdminToken = ""
	s := newTestServer(t, cfg)

	rec := doRequest(t, s, http.MethodGet, "/sessions", "", "anything", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestAdminListSessions(t *testing.T) {
	s := newTestServer(t, testBridgeConfig(t))

	for _, id := range []string{"carol", "alice"} {
		rec := doRequest(t, s, http.MethodPost, "/start", id, testUserToken, nil)
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := doRequest(t, s, http.MethodGet, "/sessions", "", testAdminToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, float64(2), body["count"])
	assert.Equal(t, float64(10), body["max"])

	rows, ok := body["sessions"].([]any)
	require.True(t, ok)
	require.Len(t, rows, 2)
	first, ok := rows[0].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "alice", first["user_id"])
}

func TestAdminEvictUnknownUser(t *testing.T) {
	s := newTestServer(t, testBridgeConfig(t))

	rec := doRequest(t, s, http.MethodDelete, "/sessions/nobody", "", testAdminToken, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdminEvictRemovesSession(t *testing.T) {
	s := newTestServer(t, testBridgeConfig(t))

	rec := doRequest(t, s, http.MethodPost, "/start", "alice", testUserToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, s, http.MethodDelete, "/sessions/alice", "", testAdminToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, s.registry.Count())
}

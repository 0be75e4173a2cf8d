package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	qrcode "github.com/skip2/go-qrcode"

	"github.com/lewisedginton/whatsapp_bridge/internal/history"
	"github.com/lewisedginton/whatsapp_bridge/internal/registry"
	"github.com/lewisedginton/whatsapp_bridge/internal/session"
	"github.com/lewisedginton/whatsapp_bridge/pkg/logger"
)

const (
	defaultMessageLimit = 20
	maxMessageLimit     = 200
	qrImageSize         = 256
)

// statusResponse is the wire form of a session status snapshot.
type statusResponse struct {
	SessionExists        bool   `json:"session_exists"`
	State                string `json:"state"`
	Connected            bool   `json:"connected"`
	Connecting           bool   `json:"connecting"`
	PairingAvailable     bool   `json:"pairing_available"`
	LastDisconnectReason string `json:"last_disconnect_reason,omitempty"`
	ReconnectAttempts    int    `json:"reconnect_attempts"`
	LastActivity         string `json:"last_activity,omitempty"`
}

func statusToResponse(exists bool, st session.Status) statusResponse {
	resp := statusResponse{
		SessionExists: exists,
		State:         session.StateDisconnected.String(),
	}
	if exists {
		resp.State = st.State.String()
		resp.Connected = st.State == session.StateConnected
		resp.Connecting = st.State == session.StateConnecting
		resp.PairingAvailable = st.PairingAvailable
		resp.LastDisconnectReason = st.LastDisconnectReason
		resp.ReconnectAttempts = st.ReconnectAttempts
		resp.LastActivity = st.LastActivity.Format(time.RFC3339)
	}
	return resp
}

// handleStatus reports the session's lifecycle state. It never creates a
// session, but polling an existing one counts as authenticated activity,
// so a host that only watches /status keeps its session off the idle
// sweep.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	userID := userIDFromContext(r.Context())

	sess := s.registry.Get(userID)
	if sess == nil {
		writeJSON(w, http.StatusOK, statusToResponse(false, session.Status{}))
		return
	}
	sess.Touch()
	writeJSON(w, http.StatusOK, statusToResponse(true, sess.Status()))
}

// handleStart ensures a session exists and is connecting. Calling it
// while connected is a harmless no-op, unless "?force=true" is given, in
// which case the current connection is dropped and a fresh dial begins.
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	userID := userIDFromContext(r.Context())
	force := r.URL.Query().Get("force") == "true"

	sess, err := s.registry.GetOrCreate(userID)
	if err != nil {
		s.writeRegistryError(w, userID, err)
		return
	}
	sess.Touch()

	if !force && sess.Status().State == session.StateConnected {
		writeJSON(w, http.StatusOK, map[string]bool{"connected": true})
		return
	}

	if err := sess.Connect(force); err != nil {
		s.log.Error("Connect failed", logger.StringField("user_id", userID), logger.ErrorField(err))
		writeError(w, http.StatusInternalServerError, "failed to start session")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"started": true})
}

// handleQR serves the current pairing code as a PNG. When the session is
// already connected there is nothing to pair, and before the gateway has
// issued a code the caller is told to poll again.
func (s *Server) handleQR(w http.ResponseWriter, r *http.Request) {
	userID := userIDFromContext(r.Context())

	sess, err := s.registry.GetOrCreate(userID)
	if err != nil {
		s.writeRegistryError(w, userID, err)
		return
	}
	sess.Touch()

	if err := sess.Connect(false); err != nil {
		s.log.Error("Connect failed", logger.StringField("user_id", userID), logger.ErrorField(err))
		writeError(w, http.StatusInternalServerError, "failed to start session")
		return
	}

	if sess.Status().State == session.StateConnected {
		writeJSON(w, http.StatusOK, map[string]bool{"connected": true})
		return
	}

	payload, ok := sess.QRPayload()
	if !ok {
		writeJSON(w, http.StatusOK, map[string]string{"message": "pairing code not ready, try again shortly"})
		return
	}

	png, err := qrcode.Encode(payload, qrcode.Medium, qrImageSize)
	if err != nil {
		s.log.Error("QR encoding failed", logger.StringField("user_id", userID), logger.ErrorField(err))
		writeError(w, http.StatusInternalServerError, "failed to render pairing code")
		return
	}

	// Pairing payloads are credentials-in-waiting; nothing between the
	// bridge and the user's screen may cache them.
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(png)
}

type sendRequest struct {
	To      string `json:"to"`
	Message string `json:"message"`
}

// handleSend forwards one text message over the user's session.
func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	userID := userIDFromContext(r.Context())

	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.To == "" || req.Message == "" {
		writeError(w, http.StatusBadRequest, "both 'to' and 'message' are required")
		return
	}

	sess, err := s.registry.GetOrCreate(userID)
	if err != nil {
		s.writeRegistryError(w, userID, err)
		return
	}

	entry, err := sess.SendText(r.Context(), req.To, req.Message)
	if err != nil {
		s.writeSendError(w, userID, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"id":               entry.ID,
		"conversation_id":  entry.ConversationID,
		"timestamp_millis": entry.TimestampMillis,
	})
}

type messagesRequest struct {
	ConversationID string `json:"conversation_id"`
	ChatID         string `json:"chat_id"`
	Limit          int    `json:"limit"`
}

// handleMessages returns recent history for one conversation. "chat_id"
// is accepted as an alias for "conversation_id" for older clients.
func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	userID := userIDFromContext(r.Context())

	var req messagesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	conversationID := req.ConversationID
	if conversationID == "" {
		conversationID = req.ChatID
	}
	if conversationID == "" {
		writeError(w, http.StatusBadRequest, "'conversation_id' is required")
		return
	}

	limit := req.Limit
	if limit <= 0 {
		limit = defaultMessageLimit
	}
	if limit > maxMessageLimit {
		limit = maxMessageLimit
	}

	sess, err := s.registry.GetOrCreate(userID)
	if err != nil {
		s.writeRegistryError(w, userID, err)
		return
	}
	sess.Touch()

	entries, err := sess.Messages(conversationID, limit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if entries == nil {
		entries = []history.Entry{}
	}

	writeJSON(w, http.StatusOK, map[string]any{"messages": entries})
}

// handleUnlink removes the user's session, logging the device out and
// deleting its stored credentials and history. Unlinking a user with no
// session succeeds and reports that nothing was removed.
func (s *Server) handleUnlink(w http.ResponseWriter, r *http.Request) {
	userID := userIDFromContext(r.Context())

	removed, err := s.registry.Remove(r.Context(), userID)
	if err != nil {
		s.log.Error("Unlink failed", logger.StringField("user_id", userID), logger.ErrorField(err))
		writeError(w, http.StatusInternalServerError, "failed to remove session")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"removed": removed})
}

type sessionRow struct {
	UserID            string `json:"user_id"`
	State             string `json:"state"`
	LastActivity      string `json:"last_activity"`
	ReconnectAttempts int    `json:"reconnect_attempts"`
}

// handleListSessions returns the admin view of every live session.
func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	infos := s.registry.List()

	rows := make([]sessionRow, 0, len(infos))
	for _, info := range infos {
		rows = append(rows, sessionRow{
			UserID:            info.UserID,
			State:             info.Status.State.String(),
			LastActivity:      info.Status.LastActivity.Format(time.RFC3339),
			ReconnectAttempts: info.Status.ReconnectAttempts,
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": rows,
		"count":    len(rows),
		"max":      s.registry.MaxSessions(),
	})
}

// handleEvictSession force-removes a specific user's session. Unlike the
// user-facing unlink this is not idempotent: evicting an unknown user is
// a 404 so operators notice typos.
func (s *Server) handleEvictSession(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if !userIDPattern.MatchString(userID) {
		writeError(w, http.StatusBadRequest, "invalid user ID")
		return
	}

	removed, err := s.registry.Remove(r.Context(), userID)
	if err != nil {
		s.log.Error("Eviction failed", logger.StringField("user_id", userID), logger.ErrorField(err))
		writeError(w, http.StatusInternalServerError, "failed to remove session")
		return
	}
	if !removed {
		writeError(w, http.StatusNotFound, "no session for user")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"removed": true})
}

// writeSendError maps send failures onto status codes: 503 when the
// session has no open transport, 502 when the transport accepted the
// session but delivery failed, 400 for everything else (bad addresses).
func (s *Server) writeSendError(w http.ResponseWriter, userID string, err error) {
	switch {
	case errors.Is(err, session.ErrNotConnected):
		writeError(w, http.StatusServiceUnavailable, "session is not connected")
	case errors.Is(err, session.ErrSendFailed):
		s.log.Error("Send failed", logger.StringField("user_id", userID), logger.ErrorField(err))
		writeError(w, http.StatusBadGateway, "message delivery failed")
	default:
		writeError(w, http.StatusBadRequest, err.Error())
	}
}

// writeRegistryError maps registry creation failures onto status codes.
func (s *Server) writeRegistryError(w http.ResponseWriter, userID string, err error) {
	if errors.Is(err, registry.ErrCapacityExceeded) {
		writeError(w, http.StatusInsufficientStorage, "session capacity exceeded")
		return
	}
	s.log.Error("Session lookup failed", logger.StringField("user_id", userID), logger.ErrorField(err))
	writeError(w, http.StatusInternalServerError, "failed to obtain session")
}

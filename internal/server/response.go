package server

import (
	"encoding/json"
	"net/http"
)

// writeJSON renders v with the given status. Encoding failures after the
// header is committed can only be logged by the caller, so they are
// swallowed here.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError renders a uniform error envelope.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

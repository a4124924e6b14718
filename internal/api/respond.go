// Package api is the HTTP surface of the bridge: the /api/smartly
// routes behind the auth gate, and the loopback admin listener.
package api

import (
	"encoding/json"
	"net/http"
	"time"
)

// timeLayout is the wire form for every timestamp the bridge emits.
const timeLayout = time.RFC3339Nano

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

// respondError emits the closed-taxonomy error body. The kind strings
// are wire-stable; raw detail stays in the log.
func respondError(w http.ResponseWriter, status int, kind string) {
	respondJSON(w, status, map[string]string{"error": kind})
}

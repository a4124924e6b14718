package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/smartly-home/smartly-bridge/internal/cameras"
	"github.com/smartly-home/smartly-bridge/internal/config"
	"github.com/smartly-home/smartly-bridge/internal/webrtc"
)

// WebRTCHandler runs the two-phase WebRTC flow: a signed token request,
// then token- and session-scoped signaling that skips the HMAC gate so
// browsers can talk to it directly.
type WebRTCHandler struct {
	broker  *webrtc.Broker
	cameras *cameras.Manager
	store   *config.Store
}

func NewWebRTCHandler(b *webrtc.Broker, mgr *cameras.Manager, store *config.Store) *WebRTCHandler {
	return &WebRTCHandler{broker: b, cameras: mgr, store: store}
}

// Token is POST /api/smartly/camera/{entity_id}/webrtc. This one sits
// behind the auth gate; everything the response points at does not.
func (h *WebRTCHandler) Token(w http.ResponseWriter, r *http.Request) {
	grant, ok := GrantFrom(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "missing_headers")
		return
	}

	entityID := chi.URLParam(r, "entity_id")
	if !h.cameras.IsCamera(entityID) {
		respondError(w, http.StatusNotFound, "camera_not_found")
		return
	}

	tok := h.broker.Issue(entityID, grant.ClientID)
	base := "/api/smartly/camera/" + entityID + "/webrtc"

	respondJSON(w, http.StatusOK, map[string]any{
		"token":           tok.Value,
		"expires_at":      tok.ExpiresAt.UTC().Format(timeLayout),
		"expires_in":      int(webrtc.TokenTTL.Seconds()),
		"offer_endpoint":  base + "/offer",
		"ice_endpoint":    base + "/ice",
		"hangup_endpoint": base + "/hangup",
		"ice_servers":     webrtc.ICEServers(h.store.Current().TURN),
	})
}

type offerRequest struct {
	Token string `json:"token"`
	Type  string `json:"type"`
	SDP   string `json:"sdp"`
}

// Offer is POST /api/smartly/camera/{entity_id}/webrtc/offer. The token
// is the capability; it burns on use whatever the outcome.
func (h *WebRTCHandler) Offer(w http.ResponseWriter, r *http.Request) {
	entityID := chi.URLParam(r, "entity_id")

	var req offerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	if req.Token == "" || req.SDP == "" {
		respondError(w, http.StatusBadRequest, "missing_required_fields")
		return
	}
	if req.Type != "offer" {
		respondError(w, http.StatusBadRequest, "invalid_service_data")
		return
	}

	clientID := h.store.Current().ClientID
	answer, sess, err := h.broker.Offer(r.Context(), entityID, clientID, req.Token, req.SDP)
	if err != nil {
		switch {
		case errors.Is(err, webrtc.ErrInvalidToken):
			respondError(w, http.StatusUnauthorized, "invalid_or_expired_token")
		case errors.Is(err, webrtc.ErrNoStreamSource):
			respondError(w, http.StatusInternalServerError, "stream_source_not_found")
		case errors.Is(err, webrtc.ErrMediaServerDown):
			respondError(w, http.StatusServiceUnavailable, "go2rtc_not_available")
		default:
			log.Printf("[ERROR] WebRTC: offer for %s failed: %v", entityID, err)
			respondError(w, http.StatusInternalServerError, "webrtc_failed")
		}
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"type":       "answer",
		"sdp":        answer,
		"session_id": sess.ID,
	})
}

type iceRequest struct {
	SessionID string            `json:"session_id"`
	Candidate *webrtc.Candidate `json:"candidate"`
}

// ICE is POST /api/smartly/camera/{entity_id}/webrtc/ice.
func (h *WebRTCHandler) ICE(w http.ResponseWriter, r *http.Request) {
	entityID := chi.URLParam(r, "entity_id")

	var req iceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	if req.SessionID == "" || req.Candidate == nil {
		respondError(w, http.StatusBadRequest, "missing_required_fields")
		return
	}

	if err := h.broker.AddCandidate(entityID, req.SessionID, *req.Candidate); err != nil {
		respondError(w, http.StatusNotFound, "session_not_found")
		return
	}

	// go2rtc negotiates trickle-less; candidates are held for diagnostics
	respondJSON(w, http.StatusOK, map[string]any{
		"status":     "accepted",
		"candidates": []any{},
	})
}

type hangupRequest struct {
	SessionID string `json:"session_id"`
}

// Hangup is POST /api/smartly/camera/{entity_id}/webrtc/hangup.
func (h *WebRTCHandler) Hangup(w http.ResponseWriter, r *http.Request) {
	entityID := chi.URLParam(r, "entity_id")

	var req hangupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	if req.SessionID == "" {
		respondError(w, http.StatusBadRequest, "missing_required_fields")
		return
	}

	if err := h.broker.Hangup(r.Context(), entityID, req.SessionID); err != nil {
		respondError(w, http.StatusNotFound, "session_not_found")
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{"status": "closed"})
}

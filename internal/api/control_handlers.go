package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/smartly-home/smartly-bridge/internal/acl"
	"github.com/smartly-home/smartly-bridge/internal/audit"
	"github.com/smartly-home/smartly-bridge/internal/format"
	"github.com/smartly-home/smartly-bridge/internal/hub"
	"github.com/smartly-home/smartly-bridge/internal/metrics"
)

const (
	callTimeout = 30 * time.Second

	// settleDelay is how long the post-call state read waits before its
	// one retry, so fast hubs report the settled state.
	settleDelay = 150 * time.Millisecond
)

// ControlHandler invokes hub services on allowed entities.
type ControlHandler struct {
	hub     HubService
	audits  *audit.Recorder
	metrics *metrics.Collector
}

func NewControlHandler(h HubService, audits *audit.Recorder, m *metrics.Collector) *ControlHandler {
	return &ControlHandler{hub: h, audits: audits, metrics: m}
}

type controlRequest struct {
	EntityID    string         `json:"entity_id"`
	Action      string         `json:"action"`
	ServiceData map[string]any `json:"service_data"`
	Actor       *audit.Actor   `json:"actor,omitempty"`
}

// Control is POST /api/smartly/control.
func (h *ControlHandler) Control(w http.ResponseWriter, r *http.Request) {
	grant, ok := GrantFrom(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "missing_headers")
		return
	}

	var req controlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	if req.EntityID == "" || req.Action == "" {
		respondError(w, http.StatusBadRequest, "missing_required_fields")
		return
	}
	if !acl.ValidEntityID(req.EntityID) {
		respondError(w, http.StatusBadRequest, "invalid_entity_id")
		return
	}

	deny := func(status int, kind string) {
		h.audits.Deny(grant.ClientID, req.EntityID, req.Action, kind, grant.SourceIP, req.Actor)
		h.metrics.ControlResult(kind)
		respondError(w, status, kind)
	}

	if _, exists := h.hub.State(req.EntityID); !exists {
		deny(http.StatusNotFound, "entity_not_found")
		return
	}

	entry, registered := h.hub.Entity(req.EntityID)
	if !registered || !acl.IsEntityAllowed(&entry) {
		deny(http.StatusForbidden, "entity_not_allowed")
		return
	}

	domain := hub.Domain(req.EntityID)
	if !acl.IsServiceAllowed(domain, req.Action) {
		deny(http.StatusForbidden, "service_not_allowed")
		return
	}

	data := make(map[string]any, len(req.ServiceData)+1)
	for k, v := range req.ServiceData {
		data[k] = v
	}
	data["entity_id"] = req.EntityID

	ctx, cancel := context.WithTimeout(r.Context(), callTimeout)
	defer cancel()
	if err := h.hub.CallService(ctx, domain, req.Action, data); err != nil {
		log.Printf("[ERROR] Control: %s.%s on %s failed: %v", domain, req.Action, req.EntityID, err)
		h.audits.Control(grant.ClientID, req.EntityID, req.Action, "service_call_failed", grant.SourceIP, req.Actor)
		h.metrics.ControlResult("service_call_failed")
		respondError(w, http.StatusInternalServerError, "service_call_failed")
		return
	}

	state := h.settledState(req.EntityID)
	h.audits.Control(grant.ClientID, req.EntityID, req.Action, "success", grant.SourceIP, req.Actor)
	h.metrics.ControlResult("success")

	resp := map[string]any{
		"success":   true,
		"entity_id": req.EntityID,
		"action":    req.Action,
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	}
	if state != nil {
		resp["new_state"] = format.StateForEntity(state.State, state.DeviceClass(), state.Unit())
		resp["new_attributes"] = format.Attributes(state.Attributes)
	}
	respondJSON(w, http.StatusOK, resp)
}

// settledState reads the post-call state, retrying once after a short
// delay in case the first read races the hub's state machine.
func (h *ControlHandler) settledState(entityID string) *hub.State {
	first, ok := h.hub.State(entityID)
	time.Sleep(settleDelay)
	second, ok2 := h.hub.State(entityID)
	if ok2 {
		return &second
	}
	if ok {
		return &first
	}
	return nil
}

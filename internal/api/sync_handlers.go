package api

import (
	"net/http"

	"github.com/smartly-home/smartly-bridge/internal/acl"
	"github.com/smartly-home/smartly-bridge/internal/format"
	"github.com/smartly-home/smartly-bridge/internal/hub"
)

// SyncHandler serves the read-only topology and state projections.
type SyncHandler struct {
	hub HubService
}

func NewSyncHandler(h HubService) *SyncHandler {
	return &SyncHandler{hub: h}
}

// Structure is GET /api/smartly/sync/structure.
func (h *SyncHandler) Structure(w http.ResponseWriter, r *http.Request) {
	reg := h.hub.Registry()
	respondJSON(w, http.StatusOK, acl.BuildStructure(&reg))
}

type stateEntry struct {
	EntityID    string         `json:"entity_id"`
	State       any            `json:"state"`
	Attributes  map[string]any `json:"attributes"`
	LastChanged string         `json:"last_changed"`
	LastUpdated string         `json:"last_updated"`
	Icon        *string        `json:"icon"`
}

// States is GET /api/smartly/sync/states: the flat current state of
// every allowed entity, numeric values display-formatted.
func (h *SyncHandler) States(w http.ResponseWriter, r *http.Request) {
	reg := h.hub.Registry()

	states := []stateEntry{}
	for i := range reg.Entities {
		entry := &reg.Entities[i]
		if !entry.HasLabel(acl.ControlLabel) {
			continue
		}
		state, ok := h.hub.State(entry.EntityID)
		if !ok {
			continue
		}
		states = append(states, stateEntry{
			EntityID:    entry.EntityID,
			State:       format.StateForEntity(state.State, state.DeviceClass(), state.Unit()),
			Attributes:  format.Attributes(state.Attributes),
			LastChanged: state.LastChanged.UTC().Format(timeLayout),
			LastUpdated: state.LastUpdated.UTC().Format(timeLayout),
			Icon:        entityIcon(entry),
		})
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"states": states,
		"count":  len(states),
	})
}

// entityIcon resolves the state-list icon: user icon, then the
// integration's, then null.
func entityIcon(entry *hub.EntityEntry) *string {
	if entry.Icon != "" {
		icon := entry.Icon
		return &icon
	}
	if entry.OriginalIcon != "" {
		icon := entry.OriginalIcon
		return &icon
	}
	return nil
}

// Package hub is the adapter to the home-automation hub: a WebSocket
// client for states, registries, service calls and the event bus, plus
// the REST camera proxy.
package hub

import (
	"strings"
	"time"
)

// State is one entity state as the hub reports it.
type State struct {
	EntityID    string         `json:"entity_id"`
	State       string         `json:"state"`
	Attributes  map[string]any `json:"attributes"`
	LastChanged time.Time      `json:"last_changed"`
	LastUpdated time.Time      `json:"last_updated"`
}

// AttrString returns a string attribute, or "" when absent or non-string.
func (s *State) AttrString(key string) string {
	if s == nil || s.Attributes == nil {
		return ""
	}
	v, _ := s.Attributes[key].(string)
	return v
}

func (s *State) DeviceClass() string { return s.AttrString("device_class") }

func (s *State) Unit() string { return s.AttrString("unit_of_measurement") }

// FriendlyName returns the display name, falling back to the entity id.
func (s *State) FriendlyName() string {
	if name := s.AttrString("friendly_name"); name != "" {
		return name
	}
	return s.EntityID
}

// Domain extracts the part of an entity id before the first dot.
func Domain(entityID string) string {
	domain, _, found := strings.Cut(entityID, ".")
	if !found {
		return ""
	}
	return domain
}

// Event is one state_changed event from the hub bus.
type Event struct {
	EventType string
	EntityID  string
	OldState  *State
	NewState  *State
	TimeFired time.Time
}

// EntityEntry is an entity registry row.
type EntityEntry struct {
	EntityID       string   `json:"entity_id"`
	DeviceID       string   `json:"device_id"`
	AreaID         string   `json:"area_id"`
	Name           string   `json:"name"`
	OriginalName   string   `json:"original_name"`
	Icon           string   `json:"icon"`
	OriginalIcon   string   `json:"original_icon"`
	Platform       string   `json:"platform"`
	Labels         []string `json:"labels"`
	DisabledBy     string   `json:"disabled_by"`
	HiddenBy       string   `json:"hidden_by"`
	EntityCategory string   `json:"entity_category"`
}

// DisplayName prefers the user-set name over the integration's.
func (e *EntityEntry) DisplayName() string {
	if e.Name != "" {
		return e.Name
	}
	return e.OriginalName
}

// HasLabel reports an exact, case-sensitive label match.
func (e *EntityEntry) HasLabel(label string) bool {
	for _, l := range e.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// DeviceEntry is a device registry row.
type DeviceEntry struct {
	ID           string   `json:"id"`
	AreaID       string   `json:"area_id"`
	Name         string   `json:"name"`
	NameByUser   string   `json:"name_by_user"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model"`
	Labels       []string `json:"labels"`
}

func (d *DeviceEntry) DisplayName() string {
	if d.NameByUser != "" {
		return d.NameByUser
	}
	return d.Name
}

// AreaEntry is an area registry row.
type AreaEntry struct {
	AreaID  string `json:"area_id"`
	FloorID string `json:"floor_id"`
	Name    string `json:"name"`
	Icon    string `json:"icon"`
}

// FloorEntry is a floor registry row.
type FloorEntry struct {
	FloorID string `json:"floor_id"`
	Name    string `json:"name"`
	Level   int    `json:"level"`
	Icon    string `json:"icon"`
}

// RegistrySnapshot is a point-in-time copy of the four registries, with
// lookup maps keyed by id.
type RegistrySnapshot struct {
	Entities []EntityEntry
	Devices  map[string]DeviceEntry
	Areas    map[string]AreaEntry
	Floors   map[string]FloorEntry
}

// Entity finds a registry entry by entity id.
func (r *RegistrySnapshot) Entity(entityID string) (EntityEntry, bool) {
	for _, e := range r.Entities {
		if e.EntityID == entityID {
			return e, true
		}
	}
	return EntityEntry{}, false
}

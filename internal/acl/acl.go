// Package acl decides what the platform may touch: the entity allow-list,
// the per-domain action allow-list, and the topology projection of the
// allowed set.
package acl

import (
	"regexp"

	"github.com/smartly-home/smartly-bridge/internal/hub"
)

// ControlLabel marks an entity as platform-controllable. Exact,
// case-sensitive match; no wildcards.
const ControlLabel = "smartly"

// allowedServices is the static action allow-list per domain. An action
// outside its domain's list is denied no matter what the entity allows.
var allowedServices = map[string][]string{
	"switch":     {"turn_on", "turn_off", "toggle"},
	"light":      {"turn_on", "turn_off", "toggle"},
	"cover":      {"open_cover", "close_cover", "stop_cover", "set_cover_position"},
	"climate":    {"set_temperature", "set_hvac_mode", "set_fan_mode"},
	"fan":        {"turn_on", "turn_off", "set_percentage", "set_preset_mode"},
	"lock":       {"lock", "unlock"},
	"scene":      {"turn_on"},
	"script":     {"turn_on", "turn_off"},
	"automation": {"trigger", "turn_on", "turn_off"},
	"camera":     {"enable_motion_detection", "disable_motion_detection", "record", "snapshot"},
}

var entityIDPattern = regexp.MustCompile(`^[a-z0-9_]+\.[a-z0-9_]+$`)

// ValidEntityID reports whether id has the domain.object shape.
func ValidEntityID(id string) bool {
	return entityIDPattern.MatchString(id)
}

// IsEntityAllowed reports whether the registry entry carries the control
// label. A missing entry is never allowed.
func IsEntityAllowed(entry *hub.EntityEntry) bool {
	return entry != nil && entry.HasLabel(ControlLabel)
}

// IsServiceAllowed reports whether action is allow-listed for domain.
func IsServiceAllowed(domain, action string) bool {
	for _, a := range allowedServices[domain] {
		if a == action {
			return true
		}
	}
	return false
}

// AllowedEntities returns the ids of every labeled entity in the
// registry snapshot.
func AllowedEntities(reg *hub.RegistrySnapshot) []string {
	var out []string
	for i := range reg.Entities {
		if reg.Entities[i].HasLabel(ControlLabel) {
			out = append(out, reg.Entities[i].EntityID)
		}
	}
	return out
}

package history

import (
	"strings"

	"github.com/smartly-home/smartly-bridge/internal/format"
	"github.com/smartly-home/smartly-bridge/internal/hub"
	"github.com/smartly-home/smartly-bridge/internal/recorder"
)

// Metadata describes how the platform should render an entity's
// history.
type Metadata struct {
	Domain            string         `json:"domain"`
	DeviceClass       *string        `json:"device_class"`
	UnitOfMeasurement *string        `json:"unit_of_measurement"`
	FriendlyName      string         `json:"friendly_name"`
	IsNumeric         bool           `json:"is_numeric"`
	DecimalPlaces     int            `json:"decimal_places"`
	Visualization     map[string]any `json:"visualization"`
}

// buildMetadata resolves display metadata. Device class falls back in
// three stages: the newest row's attributes, then any row's, then the
// hub's current state for the entity.
func (s *Service) buildMetadata(entityID string, rows []recorder.StateRow) *Metadata {
	domain := hub.Domain(entityID)

	deviceClass := ""
	unit := ""
	friendly := entityID

	if len(rows) > 0 && rows[0].Attributes != nil {
		deviceClass = attrString(rows[0].Attributes, "device_class")
		unit = attrString(rows[0].Attributes, "unit_of_measurement")
		if name := attrString(rows[0].Attributes, "friendly_name"); name != "" {
			friendly = name
		}
	}
	if deviceClass == "" {
		for i := range rows {
			if dc := attrString(rows[i].Attributes, "device_class"); dc != "" {
				deviceClass = dc
				break
			}
		}
	}

	var current *hub.State
	if state, ok := s.states.State(entityID); ok {
		current = &state
	}
	if current != nil {
		if deviceClass == "" {
			deviceClass = current.DeviceClass()
		}
		if unit == "" {
			unit = current.Unit()
		}
		if friendly == entityID {
			friendly = current.FriendlyName()
		}
	}

	numeric := anyNumericRow(rows)
	if !numeric && current != nil {
		numeric = format.IsNumeric(current.State)
	}

	meta := &Metadata{
		Domain:            domain,
		DeviceClass:       nullable(deviceClass),
		UnitOfMeasurement: nullable(unit),
		FriendlyName:      friendly,
		IsNumeric:         numeric,
		DecimalPlaces:     decimalPlaces(entityID, deviceClass, unit),
		Visualization:     visualizationRule(deviceClass, domain, numeric),
	}
	return meta
}

// decimalPlaces resolves precision: the device class first, then a
// measurement keyword in the object id, then the numeric default.
func decimalPlaces(entityID, deviceClass, unit string) int {
	if p := format.Places(deviceClass, unit); p >= 0 {
		return p
	}
	_, object, _ := strings.Cut(entityID, ".")
	for _, keyword := range format.NameKeywords {
		if strings.Contains(object, keyword) {
			return format.PlacesOrDefault(keyword, unit)
		}
	}
	return format.DefaultPlaces
}

func anyNumericRow(rows []recorder.StateRow) bool {
	for i := range rows {
		if format.IsNumeric(rows[i].State) {
			return true
		}
	}
	return false
}

func attrString(attrs map[string]any, key string) string {
	if attrs == nil {
		return ""
	}
	v, _ := attrs[key].(string)
	return v
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

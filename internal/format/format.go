// Package format renders numeric states and attributes with the decimal
// precision the platform expects. Control, sync, history and push all
// share these tables so a value reads the same on every path.
package format

import (
	"math"
	"strconv"
)

// DefaultPlaces applies when a value is numeric but no table entry
// matches.
const DefaultPlaces = 2

type classUnit struct {
	key  string
	unit string
}

// unitPrecision is keyed by (device class or attribute name, unit).
var unitPrecision = map[classUnit]int{
	{"current", "mA"}:     1,
	{"voltage", "V"}:      2,
	{"power", "W"}:        2,
	{"temperature", "°C"}: 1,
	{"battery", "%"}:      0,
}

// basePrecision backs unit-agnostic lookups for the measurement classes
// the platform charts.
var basePrecision = map[string]int{
	"current":      2,
	"voltage":      2,
	"power":        2,
	"energy":       2,
	"temperature":  1,
	"humidity":     0,
	"battery":      0,
	"pressure":     1,
	"power_factor": 2,
	"frequency":    2,
}

// NameKeywords is the ordered scan list used to infer a measurement
// class from an entity's object id when the device class is absent.
var NameKeywords = []string{
	"current",
	"voltage",
	"power",
	"energy",
	"temperature",
	"humidity",
	"battery",
	"pressure",
	"power_factor",
	"frequency",
}

// Places resolves decimal places for a device class or attribute key and
// unit. Unit-specific entries win over the base table. Returns -1 when
// neither table knows the key.
func Places(key, unit string) int {
	if key == "" {
		return -1
	}
	if unit != "" {
		if p, ok := unitPrecision[classUnit{key, unit}]; ok {
			return p
		}
	}
	if p, ok := basePrecision[key]; ok {
		return p
	}
	return -1
}

// PlacesOrDefault is Places with the numeric fallback applied.
func PlacesOrDefault(key, unit string) int {
	if p := Places(key, unit); p >= 0 {
		return p
	}
	return DefaultPlaces
}

// IsNumeric reports whether state carries a number. The hub's sentinel
// states are not numbers even when a sensor is otherwise numeric.
func IsNumeric(state string) bool {
	switch state {
	case "", "unknown", "unavailable":
		return false
	}
	_, err := strconv.ParseFloat(state, 64)
	return err == nil
}

// Round rounds half away from zero to places decimals.
func Round(v float64, places int) float64 {
	if places < 0 {
		return v
	}
	pow := math.Pow(10, float64(places))
	return math.Round(v*pow) / pow
}

// StateValue renders a state string for a response. Sentinels and
// non-numeric states pass through untouched; numeric states become
// floats rounded to places (places < 0 leaves them unrounded).
func StateValue(state string, places int) any {
	switch state {
	case "", "unknown", "unavailable":
		return state
	}
	v, err := strconv.ParseFloat(state, 64)
	if err != nil {
		return state
	}
	return Round(v, places)
}

// StateForEntity formats a state using the entity's device class and
// unit, falling back to DefaultPlaces for unclassified numbers.
func StateForEntity(state, deviceClass, unit string) any {
	if !IsNumeric(state) {
		return state
	}
	return StateValue(state, PlacesOrDefault(deviceClass, unit))
}

// Attributes returns a copy of attrs with the known measurement
// attributes rounded per the tables. The unit context comes from the
// entity's own unit_of_measurement attribute.
func Attributes(attrs map[string]any) map[string]any {
	if attrs == nil {
		return nil
	}
	unit, _ := attrs["unit_of_measurement"].(string)

	out := make(map[string]any, len(attrs))
	for k, v := range attrs {
		out[k] = v
	}
	for key := range basePrecision {
		raw, ok := out[key]
		if !ok {
			continue
		}
		num, ok := toFloat(raw)
		if !ok {
			continue
		}
		out[key] = Round(num, PlacesOrDefault(key, unit))
	}
	return out
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

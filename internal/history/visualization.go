package history

// classRules maps a device class to its visualization. The platform
// renders straight from these objects; keys and colors are wire-stable.
var classRules = map[string]map[string]any{
	"current": {
		"type": "chart", "chart_type": "line", "color": "#FFA726",
		"show_points": true, "interpolation": "linear",
	},
	"voltage": {
		"type": "chart", "chart_type": "line", "color": "#42A5F5",
		"show_points": true, "interpolation": "linear",
	},
	"power": {
		"type": "chart", "chart_type": "area", "color": "#EF5350",
		"show_points": false, "interpolation": "linear",
	},
	"energy": {
		"type": "chart", "chart_type": "bar", "color": "#26A69A",
	},
	"temperature": {
		"type": "chart", "chart_type": "line", "color": "#FF7043",
		"show_points": false, "interpolation": "smooth",
	},
	"humidity": {
		"type": "chart", "chart_type": "line", "color": "#29B6F6",
		"show_points": false, "interpolation": "smooth",
	},
	"battery": {
		"type": "chart", "chart_type": "line", "color": "#9CCC65",
		"show_points": false, "interpolation": "step",
	},
	"pressure": {
		"type": "chart", "chart_type": "line", "color": "#8D6E63",
		"show_points": false, "interpolation": "smooth",
	},
	"power_factor": {
		"type": "gauge", "min": 0, "max": 1, "color": "#7E57C2",
	},
	"frequency": {
		"type": "chart", "chart_type": "line", "color": "#78909C",
		"show_points": false, "interpolation": "linear",
	},
}

// domainRules applies when no device class matched.
var domainRules = map[string]map[string]any{
	"switch": {
		"type": "timeline", "on_color": "#66BB6A", "off_color": "#BDBDBD",
	},
	"light": {
		"type": "timeline", "on_color": "#FFEE58", "off_color": "#BDBDBD",
	},
	"binary_sensor": {
		"type": "timeline", "on_color": "#66BB6A", "off_color": "#BDBDBD",
	},
	"lock": {
		"type": "timeline", "on_color": "#EF5350", "off_color": "#66BB6A",
	},
	"cover": {
		"type": "timeline", "on_color": "#42A5F5", "off_color": "#BDBDBD",
	},
}

var (
	defaultNumericRule = map[string]any{
		"type": "chart", "chart_type": "line", "color": "#607D8B",
		"show_points": false, "interpolation": "linear",
	}
	defaultTimelineRule = map[string]any{
		"type": "timeline", "on_color": "#66BB6A", "off_color": "#BDBDBD",
	}
)

// visualizationRule looks up the render rule: device class first,
// domain second, then a neutral default by numeric-ness.
func visualizationRule(deviceClass, domain string, numeric bool) map[string]any {
	if rule, ok := classRules[deviceClass]; ok {
		return rule
	}
	if rule, ok := domainRules[domain]; ok {
		return rule
	}
	if numeric {
		return defaultNumericRule
	}
	return defaultTimelineRule
}

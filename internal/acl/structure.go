package acl

import (
	"sort"

	"github.com/smartly-home/smartly-bridge/internal/hub"
)

// Placeholder ids for entities whose registry links are incomplete. An
// entity with no device lands under the virtual device in the
// unassigned area of the unassigned floor.
const (
	UnassignedFloorID = "_unassigned"
	UnassignedAreaID  = "_unassigned"
	VirtualDeviceID   = "_virtual"

	unassignedFloorName = "No Floor"
	unassignedAreaName  = "Unassigned"
	virtualDeviceName   = "Virtual"
)

// domainIcons backs the last stage of icon resolution: user icon, then
// registry original icon, then this map, then null.
var domainIcons = map[string]string{
	"light":         "mdi:lightbulb",
	"switch":        "mdi:toggle-switch",
	"sensor":        "mdi:gauge",
	"binary_sensor": "mdi:radiobox-marked",
	"cover":         "mdi:window-shutter",
	"climate":       "mdi:thermostat",
	"fan":           "mdi:fan",
	"lock":          "mdi:lock",
	"camera":        "mdi:video",
	"scene":         "mdi:palette",
	"script":        "mdi:script-text",
	"automation":    "mdi:robot",
	"media_player":  "mdi:speaker",
}

// Structure is the topology payload: the nested tree plus flat
// projections with foreign keys.
type Structure struct {
	Floors   []*FloorNode `json:"floors"`
	Areas    []FlatArea   `json:"areas"`
	Devices  []FlatDevice `json:"devices"`
	Entities []EntityNode `json:"entities"`
}

type FloorNode struct {
	ID    string      `json:"id"`
	Name  string      `json:"name"`
	Areas []*AreaNode `json:"areas"`

	level       int
	placeholder bool
}

type AreaNode struct {
	ID      string        `json:"id"`
	Name    string        `json:"name"`
	Devices []*DeviceNode `json:"devices"`

	placeholder bool
}

type DeviceNode struct {
	ID       string       `json:"id"`
	Name     string       `json:"name"`
	Entities []EntityNode `json:"entities"`

	placeholder bool
}

type EntityNode struct {
	EntityID string  `json:"entity_id"`
	Domain   string  `json:"domain"`
	Name     string  `json:"name"`
	DeviceID string  `json:"device_id,omitempty"`
	Icon     *string `json:"icon"`
}

type FlatArea struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	FloorID string `json:"floor_id"`
}

type FlatDevice struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	AreaID string `json:"area_id"`
}

// BuildStructure assembles the floors/areas/devices tree for every
// allowed entity in the snapshot. Placement follows the device chain:
// entity -> device -> area -> floor; any missing link drops the entity
// into the placeholder branch at that level.
func BuildStructure(reg *hub.RegistrySnapshot) *Structure {
	floors := make(map[string]*FloorNode)
	areas := make(map[string]map[string]*AreaNode)     // keyed by floor id
	devices := make(map[string]map[string]*DeviceNode) // keyed by floor/area

	var flatEntities []EntityNode

	for i := range reg.Entities {
		entry := &reg.Entities[i]
		if !entry.HasLabel(ControlLabel) {
			continue
		}

		deviceID := entry.DeviceID
		areaID := ""
		floorID := ""
		if deviceID != "" {
			if dev, ok := reg.Devices[deviceID]; ok {
				areaID = dev.AreaID
			}
		}
		if areaID != "" {
			if area, ok := reg.Areas[areaID]; ok {
				floorID = area.FloorID
			}
		}

		floor := ensureFloor(floors, reg, floorID)
		area := ensureArea(areas, reg, floor, areaID)
		device := ensureDevice(devices, reg, floor, area, deviceID)

		node := EntityNode{
			EntityID: entry.EntityID,
			Domain:   hub.Domain(entry.EntityID),
			Name:     entry.DisplayName(),
			DeviceID: deviceID,
			Icon:     resolveIcon(entry),
		}
		device.Entities = append(device.Entities, node)
		flatEntities = append(flatEntities, node)
	}

	return assemble(floors, flatEntities)
}

func ensureFloor(floors map[string]*FloorNode, reg *hub.RegistrySnapshot, floorID string) *FloorNode {
	key := floorID
	if key == "" {
		key = UnassignedFloorID
	}
	if f, ok := floors[key]; ok {
		return f
	}

	f := &FloorNode{ID: key, Name: unassignedFloorName, placeholder: floorID == ""}
	if floorID != "" {
		f.Name = floorID
		if entry, ok := reg.Floors[floorID]; ok {
			f.Name = entry.Name
			f.level = entry.Level
		}
	}
	floors[key] = f
	return f
}

func ensureArea(areas map[string]map[string]*AreaNode, reg *hub.RegistrySnapshot, floor *FloorNode, areaID string) *AreaNode {
	key := areaID
	if key == "" {
		key = UnassignedAreaID
	}
	byFloor := areas[floor.ID]
	if byFloor == nil {
		byFloor = make(map[string]*AreaNode)
		areas[floor.ID] = byFloor
	}
	if a, ok := byFloor[key]; ok {
		return a
	}

	a := &AreaNode{ID: key, Name: unassignedAreaName, placeholder: areaID == ""}
	if areaID != "" {
		a.Name = areaID
		if entry, ok := reg.Areas[areaID]; ok {
			a.Name = entry.Name
		}
	}
	byFloor[key] = a
	floor.Areas = append(floor.Areas, a)
	return a
}

func ensureDevice(devices map[string]map[string]*DeviceNode, reg *hub.RegistrySnapshot, floor *FloorNode, area *AreaNode, deviceID string) *DeviceNode {
	key := deviceID
	if key == "" {
		key = VirtualDeviceID
	}
	scope := floor.ID + "/" + area.ID
	byArea := devices[scope]
	if byArea == nil {
		byArea = make(map[string]*DeviceNode)
		devices[scope] = byArea
	}
	if d, ok := byArea[key]; ok {
		return d
	}

	d := &DeviceNode{ID: key, Name: virtualDeviceName, placeholder: deviceID == ""}
	if deviceID != "" {
		d.Name = deviceID
		if entry, ok := reg.Devices[deviceID]; ok {
			d.Name = entry.DisplayName()
		}
	}
	byArea[key] = d
	area.Devices = append(area.Devices, d)
	return d
}

func resolveIcon(entry *hub.EntityEntry) *string {
	if entry.Icon != "" {
		icon := entry.Icon
		return &icon
	}
	if entry.OriginalIcon != "" {
		icon := entry.OriginalIcon
		return &icon
	}
	if icon, ok := domainIcons[hub.Domain(entry.EntityID)]; ok {
		return &icon
	}
	return nil
}

// assemble orders everything deterministically: real floors by level
// then name, placeholders last at every level, entities by id. The flat
// projections are derived from the ordered tree.
func assemble(floors map[string]*FloorNode, flatEntities []EntityNode) *Structure {
	s := &Structure{
		Floors:   make([]*FloorNode, 0, len(floors)),
		Areas:    []FlatArea{},
		Devices:  []FlatDevice{},
		Entities: flatEntities,
	}
	for _, f := range floors {
		s.Floors = append(s.Floors, f)
	}
	sort.Slice(s.Floors, func(i, j int) bool {
		a, b := s.Floors[i], s.Floors[j]
		if a.placeholder != b.placeholder {
			return b.placeholder
		}
		if a.level != b.level {
			return a.level < b.level
		}
		return a.Name < b.Name
	})

	for _, f := range s.Floors {
		sort.Slice(f.Areas, func(i, j int) bool {
			a, b := f.Areas[i], f.Areas[j]
			if a.placeholder != b.placeholder {
				return b.placeholder
			}
			return a.Name < b.Name
		})
		for _, a := range f.Areas {
			s.Areas = append(s.Areas, FlatArea{ID: a.ID, Name: a.Name, FloorID: f.ID})
			sort.Slice(a.Devices, func(i, j int) bool {
				x, y := a.Devices[i], a.Devices[j]
				if x.placeholder != y.placeholder {
					return y.placeholder
				}
				return x.Name < y.Name
			})
			for _, d := range a.Devices {
				s.Devices = append(s.Devices, FlatDevice{ID: d.ID, Name: d.Name, AreaID: a.ID})
				sort.Slice(d.Entities, func(i, j int) bool {
					return d.Entities[i].EntityID < d.Entities[j].EntityID
				})
			}
		}
	}

	sort.Slice(s.Entities, func(i, j int) bool {
		return s.Entities[i].EntityID < s.Entities[j].EntityID
	})
	return s
}

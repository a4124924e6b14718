package acl

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartly-home/smartly-bridge/internal/hub"
)

func TestValidEntityID(t *testing.T) {
	valid := []string{"switch.room_101_light", "sensor.temp_1", "a.b"}
	for _, id := range valid {
		assert.True(t, ValidEntityID(id), id)
	}

	invalid := []string{
		"",
		"switch",
		"switch.",
		".light",
		"Switch.Light",
		"switch.room-101",
		"switch.room.light",
		"switch.room light",
		"light.kitchen\n",
	}
	for _, id := range invalid {
		assert.False(t, ValidEntityID(id), id)
	}
}

func TestIsEntityAllowed(t *testing.T) {
	assert.False(t, IsEntityAllowed(nil))
	assert.False(t, IsEntityAllowed(&hub.EntityEntry{EntityID: "switch.a"}))
	assert.False(t, IsEntityAllowed(&hub.EntityEntry{Labels: []string{"smartly_extra", "other"}}))
	assert.False(t, IsEntityAllowed(&hub.EntityEntry{Labels: []string{"Smartly"}}), "label match is case-sensitive")
	assert.True(t, IsEntityAllowed(&hub.EntityEntry{Labels: []string{"other", "smartly"}}))
}

func TestIsServiceAllowed(t *testing.T) {
	allowed := [][2]string{
		{"switch", "turn_on"},
		{"switch", "toggle"},
		{"cover", "set_cover_position"},
		{"climate", "set_hvac_mode"},
		{"lock", "unlock"},
		{"scene", "turn_on"},
		{"automation", "trigger"},
		{"camera", "snapshot"},
	}
	for _, pair := range allowed {
		assert.True(t, IsServiceAllowed(pair[0], pair[1]), "%s.%s", pair[0], pair[1])
	}

	denied := [][2]string{
		{"switch", "set_temperature"},
		{"scene", "turn_off"},
		{"lock", "toggle"},
		{"vacuum", "start"},
		{"", "turn_on"},
		{"switch", ""},
	}
	for _, pair := range denied {
		assert.False(t, IsServiceAllowed(pair[0], pair[1]), "%s.%s", pair[0], pair[1])
	}
}

func testRegistry() *hub.RegistrySnapshot {
	return &hub.RegistrySnapshot{
		Entities: []hub.EntityEntry{
			{
				EntityID: "switch.room_101_light",
				DeviceID: "d1",
				Name:     "Room 101 Light",
				Labels:   []string{"smartly"},
			},
			{
				EntityID:     "sensor.unassigned_temp",
				OriginalName: "Temp",
				Labels:       []string{"smartly"},
			},
			{
				EntityID: "switch.unlabeled",
				DeviceID: "d1",
				Labels:   []string{"other"},
			},
		},
		Devices: map[string]hub.DeviceEntry{
			"d1": {ID: "d1", AreaID: "a1", Name: "Relay Module"},
		},
		Areas: map[string]hub.AreaEntry{
			"a1": {AreaID: "a1", FloorID: "f1", Name: "Room 101"},
		},
		Floors: map[string]hub.FloorEntry{
			"f1": {FloorID: "f1", Name: "First Floor", Level: 1},
		},
	}
}

func TestAllowedEntities(t *testing.T) {
	got := AllowedEntities(testRegistry())
	assert.ElementsMatch(t, []string{"switch.room_101_light", "sensor.unassigned_temp"}, got)
}

func TestBuildStructure_TreeShape(t *testing.T) {
	s := BuildStructure(testRegistry())

	require.Len(t, s.Floors, 2)

	f1 := s.Floors[0]
	assert.Equal(t, "f1", f1.ID)
	assert.Equal(t, "First Floor", f1.Name)
	require.Len(t, f1.Areas, 1)
	a1 := f1.Areas[0]
	assert.Equal(t, "a1", a1.ID)
	assert.Equal(t, "Room 101", a1.Name)
	require.Len(t, a1.Devices, 1)
	d1 := a1.Devices[0]
	assert.Equal(t, "d1", d1.ID)
	assert.Equal(t, "Relay Module", d1.Name)
	require.Len(t, d1.Entities, 1)
	assert.Equal(t, "switch.room_101_light", d1.Entities[0].EntityID)
	assert.Equal(t, "switch", d1.Entities[0].Domain)
	assert.Equal(t, "Room 101 Light", d1.Entities[0].Name)

	orphans := s.Floors[1]
	assert.Equal(t, UnassignedFloorID, orphans.ID)
	assert.Equal(t, "No Floor", orphans.Name)
	require.Len(t, orphans.Areas, 1)
	assert.Equal(t, UnassignedAreaID, orphans.Areas[0].ID)
	assert.Equal(t, "Unassigned", orphans.Areas[0].Name)
	require.Len(t, orphans.Areas[0].Devices, 1)
	virtual := orphans.Areas[0].Devices[0]
	assert.Equal(t, VirtualDeviceID, virtual.ID)
	assert.Equal(t, "Virtual", virtual.Name)
	require.Len(t, virtual.Entities, 1)
	assert.Equal(t, "sensor.unassigned_temp", virtual.Entities[0].EntityID)
	assert.Equal(t, "Temp", virtual.Entities[0].Name, "falls back to the original name")
}

func TestBuildStructure_FlatProjections(t *testing.T) {
	s := BuildStructure(testRegistry())

	require.Len(t, s.Areas, 2)
	assert.Equal(t, FlatArea{ID: "a1", Name: "Room 101", FloorID: "f1"}, s.Areas[0])
	assert.Equal(t, FlatArea{ID: UnassignedAreaID, Name: "Unassigned", FloorID: UnassignedFloorID}, s.Areas[1])

	require.Len(t, s.Devices, 2)
	assert.Equal(t, FlatDevice{ID: "d1", Name: "Relay Module", AreaID: "a1"}, s.Devices[0])
	assert.Equal(t, FlatDevice{ID: VirtualDeviceID, Name: "Virtual", AreaID: UnassignedAreaID}, s.Devices[1])

	require.Len(t, s.Entities, 2)
	assert.Equal(t, "sensor.unassigned_temp", s.Entities[0].EntityID)
	assert.Equal(t, "switch.room_101_light", s.Entities[1].EntityID)
}

func TestBuildStructure_ExcludesUnlabeled(t *testing.T) {
	s := BuildStructure(testRegistry())
	for _, e := range s.Entities {
		assert.NotEqual(t, "switch.unlabeled", e.EntityID)
	}
}

func TestResolveIcon_Precedence(t *testing.T) {
	userSet := &hub.EntityEntry{EntityID: "light.desk", Icon: "mdi:custom", OriginalIcon: "mdi:orig"}
	require.NotNil(t, resolveIcon(userSet))
	assert.Equal(t, "mdi:custom", *resolveIcon(userSet))

	original := &hub.EntityEntry{EntityID: "light.desk", OriginalIcon: "mdi:orig"}
	assert.Equal(t, "mdi:orig", *resolveIcon(original))

	domainDefault := &hub.EntityEntry{EntityID: "light.desk"}
	assert.Equal(t, "mdi:lightbulb", *resolveIcon(domainDefault))

	unknown := &hub.EntityEntry{EntityID: "weirddomain.x"}
	assert.Nil(t, resolveIcon(unknown))
}

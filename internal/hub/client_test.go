package hub_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartly-home/smartly-bridge/internal/hub"
)

// fakeHub speaks just enough of the hub WebSocket protocol for the
// client: auth handshake, id-correlated results, pushed events, and the
// REST camera proxy.
type fakeHub struct {
	t           *testing.T
	rejectAuth  bool
	failService bool

	mu           sync.Mutex
	conn         *websocket.Conn
	serviceCalls []map[string]any

	snapshot []byte
}

func (f *fakeHub) handler() http.Handler {
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()

	mux.HandleFunc("/api/websocket", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		f.mu.Lock()
		f.conn = conn
		f.mu.Unlock()

		f.write(conn, map[string]any{"type": "auth_required"})
		var auth map[string]any
		if err := conn.ReadJSON(&auth); err != nil {
			return
		}
		if f.rejectAuth || auth["access_token"] != "token-1" {
			f.write(conn, map[string]any{"type": "auth_invalid"})
			conn.Close()
			return
		}
		f.write(conn, map[string]any{"type": "auth_ok"})

		for {
			var msg map[string]any
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			id := int64(msg["id"].(float64))
			switch msg["type"] {
			case "subscribe_events":
				f.result(conn, id, nil)
			case "get_states":
				f.result(conn, id, []map[string]any{{
					"entity_id":    "switch.room_101_light",
					"state":        "off",
					"attributes":   map[string]any{"friendly_name": "Room 101 Light"},
					"last_changed": "2026-08-01T10:00:00Z",
					"last_updated": "2026-08-01T10:00:00Z",
				}})
			case "config/entity_registry/list":
				f.result(conn, id, []map[string]any{{
					"entity_id": "switch.room_101_light",
					"device_id": "d1",
					"labels":    []string{"smartly"},
					"name":      "Room 101 Light",
				}})
			case "config/device_registry/list":
				f.result(conn, id, []map[string]any{{"id": "d1", "area_id": "a1", "name": "Relay"}})
			case "config/area_registry/list":
				f.result(conn, id, []map[string]any{{"area_id": "a1", "floor_id": "f1", "name": "Room 101"}})
			case "config/floor_registry/list":
				f.result(conn, id, []map[string]any{{"floor_id": "f1", "name": "First Floor", "level": 1}})
			case "call_service":
				f.mu.Lock()
				f.serviceCalls = append(f.serviceCalls, msg)
				f.mu.Unlock()
				if f.failService {
					f.write(conn, map[string]any{
						"id": id, "type": "result", "success": false,
						"error": map[string]any{"code": "unknown_error", "message": "boom"},
					})
				} else {
					f.result(conn, id, nil)
				}
			case "ping":
				f.write(conn, map[string]any{"id": id, "type": "pong"})
			}
		}
	})

	mux.HandleFunc("/api/camera_proxy/", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer token-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if f.snapshot == nil {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "image/jpeg")
		w.Write(f.snapshot)
	})

	return mux
}

func (f *fakeHub) write(conn *websocket.Conn, v any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := conn.WriteJSON(v); err != nil {
		f.t.Logf("fake hub write: %v", err)
	}
}

func (f *fakeHub) result(conn *websocket.Conn, id int64, result any) {
	f.write(conn, map[string]any{"id": id, "type": "result", "success": true, "result": result})
}

func (f *fakeHub) pushStateChanged(entityID, from, to string) {
	f.mu.Lock()
	conn := f.conn
	f.mu.Unlock()
	ev := map[string]any{
		"type": "event",
		"id":   1,
		"event": map[string]any{
			"event_type": "state_changed",
			"time_fired": time.Now().UTC().Format(time.RFC3339Nano),
			"data": map[string]any{
				"entity_id": entityID,
				"old_state": map[string]any{"entity_id": entityID, "state": from},
				"new_state": map[string]any{"entity_id": entityID, "state": to},
			},
		},
	}
	f.write(conn, ev)
}

func startClient(t *testing.T, f *fakeHub) *hub.Client {
	t.Helper()
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)

	c := hub.NewClient(srv.URL, "token-1")
	c.Start()
	t.Cleanup(c.Stop)
	return c
}

func TestClient_BootstrapFillsCaches(t *testing.T) {
	f := &fakeHub{t: t}
	c := startClient(t, f)

	require.True(t, c.Connected())

	s, ok := c.State("switch.room_101_light")
	require.True(t, ok)
	assert.Equal(t, "off", s.State)
	assert.Equal(t, "Room 101 Light", s.FriendlyName())

	e, ok := c.Entity("switch.room_101_light")
	require.True(t, ok)
	assert.True(t, e.HasLabel("smartly"))
	assert.Equal(t, "d1", e.DeviceID)

	reg := c.Registry()
	assert.Len(t, reg.Entities, 1)
	assert.Equal(t, "Room 101", reg.Areas["a1"].Name)
	assert.Equal(t, "f1", reg.Areas["a1"].FloorID)
	assert.Equal(t, "First Floor", reg.Floors["f1"].Name)
}

func TestClient_CallService(t *testing.T) {
	f := &fakeHub{t: t}
	c := startClient(t, f)

	err := c.CallService(context.Background(), "switch", "turn_on", map[string]any{
		"entity_id": "switch.room_101_light",
	})
	require.NoError(t, err)

	f.mu.Lock()
	defer f.mu.Unlock()
	require.Len(t, f.serviceCalls, 1)
	assert.Equal(t, "switch", f.serviceCalls[0]["domain"])
	assert.Equal(t, "turn_on", f.serviceCalls[0]["service"])
}

func TestClient_CallServiceFailure(t *testing.T) {
	f := &fakeHub{t: t, failService: true}
	c := startClient(t, f)

	err := c.CallService(context.Background(), "switch", "turn_on", map[string]any{
		"entity_id": "switch.room_101_light",
	})
	require.Error(t, err)
	var cmdErr *hub.CommandError
	require.ErrorAs(t, err, &cmdErr)
	assert.Equal(t, "unknown_error", cmdErr.Code)
}

func TestClient_EventsReachSubscribersAndCache(t *testing.T) {
	f := &fakeHub{t: t}
	c := startClient(t, f)

	got := make(chan hub.Event, 1)
	cancel := c.SubscribeStateChanges(func(ev hub.Event) { got <- ev })
	defer cancel()

	f.pushStateChanged("switch.room_101_light", "off", "on")

	select {
	case ev := <-got:
		assert.Equal(t, "switch.room_101_light", ev.EntityID)
		require.NotNil(t, ev.NewState)
		assert.Equal(t, "on", ev.NewState.State)
		require.NotNil(t, ev.OldState)
		assert.Equal(t, "off", ev.OldState.State)
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}

	s, ok := c.State("switch.room_101_light")
	require.True(t, ok)
	assert.Equal(t, "on", s.State)
}

func TestClient_AuthRejected(t *testing.T) {
	f := &fakeHub{t: t, rejectAuth: true}
	srv := httptest.NewServer(f.handler())
	defer srv.Close()

	c := hub.NewClient(srv.URL, "token-1")
	c.Start()
	defer c.Stop()

	assert.False(t, c.Connected())
}

func TestClient_CameraSnapshot(t *testing.T) {
	f := &fakeHub{t: t, snapshot: []byte{0xff, 0xd8, 0xff, 0xe0}}
	c := startClient(t, f)

	img, contentType, err := c.CameraSnapshot(context.Background(), "camera.front_door")
	require.NoError(t, err)
	assert.Equal(t, "image/jpeg", contentType)
	assert.Equal(t, f.snapshot, img)
}

func TestClient_CameraSnapshotMissing(t *testing.T) {
	f := &fakeHub{t: t}
	c := startClient(t, f)

	_, _, err := c.CameraSnapshot(context.Background(), "camera.gone")
	assert.ErrorIs(t, err, hub.ErrEntityGone)
}

func TestDomain(t *testing.T) {
	assert.Equal(t, "switch", hub.Domain("switch.room_101_light"))
	assert.Equal(t, "camera", hub.Domain("camera.front_door"))
	assert.Equal(t, "", hub.Domain("no-dot"))
}

func TestTokenExpiry(t *testing.T) {
	exp := time.Now().Add(48 * time.Hour).Truncate(time.Second)
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"iss": "hub",
		"exp": exp.Unix(),
	})
	signed, err := tok.SignedString([]byte("local-key"))
	require.NoError(t, err)

	got, ok := hub.TokenExpiry(signed)
	require.True(t, ok)
	assert.True(t, got.Equal(exp))

	_, ok = hub.TokenExpiry("not-a-jwt")
	assert.False(t, ok)
}

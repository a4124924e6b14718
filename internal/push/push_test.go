package push

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartly-home/smartly-bridge/internal/acl"
	"github.com/smartly-home/smartly-bridge/internal/authgate"
	"github.com/smartly-home/smartly-bridge/internal/config"
	"github.com/smartly-home/smartly-bridge/internal/hub"
)

func pushStore(webhookURL string) *config.Store {
	return config.NewStore(&config.Config{
		InstanceID:        "inst-test",
		ClientID:          "ha_pushclient",
		ClientSecret:      "push-secret",
		WebhookURL:        webhookURL,
		PushBatchInterval: 0.05,
	})
}

// webhook records batches and answers per the scripted status list.
type webhook struct {
	mu       sync.Mutex
	statuses []int
	calls    int
	batches  [][]Event
	headers  []http.Header
	bodies   [][]byte
}

func (wh *webhook) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		wh.mu.Lock()
		defer wh.mu.Unlock()

		var payload struct {
			Events []Event `json:"events"`
		}
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &payload)
		wh.batches = append(wh.batches, payload.Events)
		wh.headers = append(wh.headers, r.Header.Clone())
		wh.bodies = append(wh.bodies, body)

		status := http.StatusOK
		if wh.calls < len(wh.statuses) {
			status = wh.statuses[wh.calls]
		}
		wh.calls++
		if status == http.StatusTooManyRequests {
			w.Header().Set("Retry-After", "2")
		}
		w.WriteHeader(status)
	}
}

func (wh *webhook) callCount() int {
	wh.mu.Lock()
	defer wh.mu.Unlock()
	return wh.calls
}

func testDeliverer(store *config.Store) (*Deliverer, *[]time.Duration) {
	d := NewDeliverer(store, nil)
	var slept []time.Duration
	d.sleep = func(dur time.Duration) { slept = append(slept, dur) }
	return d, &slept
}

func TestEventsURL(t *testing.T) {
	assert.Equal(t, "https://x.example/hook/events", EventsURL("https://x.example/hook"))
	assert.Equal(t, "https://x.example/hook/events", EventsURL("https://x.example/hook/"))
	assert.Equal(t, "https://x.example/hook/events", EventsURL("https://x.example/hook/events"))
}

func TestDeliver_SignsOutbound(t *testing.T) {
	wh := &webhook{}
	srv := httptest.NewServer(wh.handler())
	defer srv.Close()

	store := pushStore(srv.URL + "/hook")
	d, _ := testDeliverer(store)

	batch := []Event{{EventType: EventStateChanged, EntityID: "light.kitchen", Timestamp: "2026-08-25T12:00:00Z"}}
	require.NoError(t, d.Deliver(batch))
	require.Equal(t, 1, wh.callCount())

	h := wh.headers[0]
	assert.Equal(t, "inst-test", h.Get("X-HA-Instance-Id"))
	assert.Equal(t, "ha_pushclient", h.Get("X-Client-Id"))
	assert.NotEmpty(t, h.Get("X-Timestamp"))
	assert.NotEmpty(t, h.Get("X-Nonce"))

	// signature verifies against the same canonical string shape
	canonical := authgate.CanonicalString(
		http.MethodPost, "/hook/events",
		h.Get("X-Timestamp"), h.Get("X-Nonce"), wh.bodies[0],
	)
	assert.True(t, authgate.VerifySignature("push-secret", canonical, h.Get("X-Signature")))
}

func TestDeliver_RetriesWithBackoff(t *testing.T) {
	wh := &webhook{statuses: []int{500, 500, 200}}
	srv := httptest.NewServer(wh.handler())
	defer srv.Close()

	d, slept := testDeliverer(pushStore(srv.URL))
	require.NoError(t, d.Deliver([]Event{{EventType: EventHeartbeat}}))

	assert.Equal(t, 3, wh.callCount())
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, *slept)
}

func TestDeliver_DropsAfterThreeFailures(t *testing.T) {
	wh := &webhook{statuses: []int{500, 500, 500, 500}}
	srv := httptest.NewServer(wh.handler())
	defer srv.Close()

	d, slept := testDeliverer(pushStore(srv.URL))
	err := d.Deliver([]Event{{EventType: EventHeartbeat}})
	require.Error(t, err)

	assert.Equal(t, 3, wh.callCount(), "exactly three attempts")
	assert.Len(t, *slept, 3)
}

func TestDeliver_RetryAfterReplacesBackoff(t *testing.T) {
	wh := &webhook{statuses: []int{429, 200}}
	srv := httptest.NewServer(wh.handler())
	defer srv.Close()

	d, slept := testDeliverer(pushStore(srv.URL))
	require.NoError(t, d.Deliver([]Event{{EventType: EventHeartbeat}}))

	require.Len(t, *slept, 1)
	assert.Equal(t, 2*time.Second, (*slept)[0], "Retry-After: 2 wins over the 1 s backoff")
}

// fakeBus hands the subscription callback back to the test.
type fakeBus struct {
	mu       sync.Mutex
	fn       func(hub.Event)
	entities map[string]hub.EntityEntry
}

func (f *fakeBus) SubscribeStateChanges(fn func(hub.Event)) func() {
	f.mu.Lock()
	f.fn = fn
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		f.fn = nil
		f.mu.Unlock()
	}
}

func (f *fakeBus) Entity(entityID string) (hub.EntityEntry, bool) {
	e, ok := f.entities[entityID]
	return e, ok
}

func (f *fakeBus) emit(ev hub.Event) {
	f.mu.Lock()
	fn := f.fn
	f.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}

func allowedEntity(entityID string) hub.EntityEntry {
	return hub.EntityEntry{EntityID: entityID, Labels: []string{acl.ControlLabel}}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestPipeline_BatchesBurstIntoOneDelivery(t *testing.T) {
	wh := &webhook{}
	srv := httptest.NewServer(wh.handler())
	defer srv.Close()

	bus := &fakeBus{entities: map[string]hub.EntityEntry{
		"light.a": allowedEntity("light.a"),
		"light.b": allowedEntity("light.b"),
	}}
	store := pushStore(srv.URL)
	d, _ := testDeliverer(store)
	p := NewPipeline(store, bus, d, nil, nil)
	p.Start()
	defer p.Stop()

	on := &hub.State{EntityID: "light.a", State: "on"}
	bus.emit(hub.Event{EntityID: "light.a", NewState: on, TimeFired: time.Now()})
	bus.emit(hub.Event{EntityID: "light.b", NewState: on, TimeFired: time.Now()})

	waitFor(t, func() bool { return wh.callCount() >= 1 })

	wh.mu.Lock()
	defer wh.mu.Unlock()
	require.Len(t, wh.batches, 1, "burst inside the debounce window is one batch")
	assert.Len(t, wh.batches[0], 2)
	assert.Equal(t, "light.a", wh.batches[0][0].EntityID)
	assert.Equal(t, "light.b", wh.batches[0][1].EntityID, "bus order preserved")
}

func TestPipeline_FiltersUnlabeledEntities(t *testing.T) {
	wh := &webhook{}
	srv := httptest.NewServer(wh.handler())
	defer srv.Close()

	bus := &fakeBus{entities: map[string]hub.EntityEntry{
		"light.allowed": allowedEntity("light.allowed"),
		"light.hidden":  {EntityID: "light.hidden"},
	}}
	store := pushStore(srv.URL)
	d, _ := testDeliverer(store)
	p := NewPipeline(store, bus, d, nil, nil)
	p.Start()
	defer p.Stop()

	on := &hub.State{State: "on"}
	bus.emit(hub.Event{EntityID: "light.hidden", NewState: on, TimeFired: time.Now()})
	bus.emit(hub.Event{EntityID: "light.allowed", NewState: on, TimeFired: time.Now()})

	waitFor(t, func() bool { return wh.callCount() >= 1 })

	wh.mu.Lock()
	defer wh.mu.Unlock()
	require.Len(t, wh.batches[0], 1)
	assert.Equal(t, "light.allowed", wh.batches[0][0].EntityID)
}

func TestPipeline_StopFlushesPending(t *testing.T) {
	wh := &webhook{}
	srv := httptest.NewServer(wh.handler())
	defer srv.Close()

	bus := &fakeBus{entities: map[string]hub.EntityEntry{
		"light.a": allowedEntity("light.a"),
	}}
	// long debounce so the event is still buffered at Stop
	store := config.NewStore(&config.Config{
		InstanceID:        "inst-test",
		ClientSecret:      "push-secret",
		WebhookURL:        srv.URL,
		PushBatchInterval: 30,
	})
	d, _ := testDeliverer(store)
	p := NewPipeline(store, bus, d, nil, nil)
	p.Start()

	bus.emit(hub.Event{EntityID: "light.a", NewState: &hub.State{State: "on"}, TimeFired: time.Now()})
	p.Stop()

	assert.Equal(t, 1, wh.callCount(), "pending buffer flushed once on shutdown")
}

func TestStateView_FormatsNumbers(t *testing.T) {
	s := &hub.State{
		EntityID: "sensor.power",
		State:    "123.456",
		Attributes: map[string]any{
			"device_class":        "power",
			"unit_of_measurement": "W",
			"voltage":             230.1234,
		},
		LastUpdated: time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC),
	}
	view := stateView(s)
	require.NotNil(t, view)
	assert.Equal(t, 123.46, view.State)
	assert.Equal(t, 230.12, view.Attributes["voltage"])
	assert.Equal(t, "2026-08-25T12:00:00Z", view.LastUpdated)

	assert.Nil(t, stateView(nil))
}

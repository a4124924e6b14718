package api

import (
	"context"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/smartly-home/smartly-bridge/internal/acl"
	"github.com/smartly-home/smartly-bridge/internal/audit"
	"github.com/smartly-home/smartly-bridge/internal/authgate"
	"github.com/smartly-home/smartly-bridge/internal/hub"
)

// fakeHub backs the handler tests. It satisfies both HubService and the
// camera manager's hub slice.
type fakeHub struct {
	connected bool
	states    map[string]hub.State
	entities  map[string]hub.EntityEntry
	registry  hub.RegistrySnapshot

	callErr error
	calls   []serviceCall

	snapshot []byte
	snapErr  error

	stream     io.ReadCloser
	streamType string
	streamErr  error
}

type serviceCall struct {
	domain  string
	service string
	data    map[string]any
}

func (f *fakeHub) Connected() bool { return f.connected }

func (f *fakeHub) State(entityID string) (hub.State, bool) {
	s, ok := f.states[entityID]
	return s, ok
}

func (f *fakeHub) States() []hub.State {
	out := make([]hub.State, 0, len(f.states))
	for _, s := range f.states {
		out = append(out, s)
	}
	return out
}

func (f *fakeHub) Entity(entityID string) (hub.EntityEntry, bool) {
	e, ok := f.entities[entityID]
	return e, ok
}

func (f *fakeHub) Registry() hub.RegistrySnapshot { return f.registry }

func (f *fakeHub) CallService(_ context.Context, domain, service string, data map[string]any) error {
	f.calls = append(f.calls, serviceCall{domain: domain, service: service, data: data})
	return f.callErr
}

func (f *fakeHub) CameraSnapshot(context.Context, string) ([]byte, string, error) {
	if f.snapErr != nil {
		return nil, "", f.snapErr
	}
	return f.snapshot, "image/jpeg", nil
}

func (f *fakeHub) OpenCameraStream(context.Context, string) (io.ReadCloser, string, error) {
	if f.streamErr != nil {
		return nil, "", f.streamErr
	}
	return f.stream, f.streamType, nil
}

func labeledEntity(entityID string) hub.EntityEntry {
	return hub.EntityEntry{EntityID: entityID, Labels: []string{acl.ControlLabel}}
}

// noopAudits keeps the log-line path only; no database behind it.
func noopAudits() *audit.Recorder {
	return audit.NewRecorder(nil, nil)
}

// asGranted attaches the identity the auth middleware would have stored.
func asGranted(r *http.Request) *http.Request {
	g := &authgate.Grant{ClientID: "ha_test", SourceIP: "203.0.113.9"}
	return r.WithContext(context.WithValue(r.Context(), grantKey, g))
}

// withURLParam injects a chi route parameter for direct handler calls.
func withURLParam(r *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

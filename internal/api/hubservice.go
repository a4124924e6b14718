package api

import (
	"context"

	"github.com/smartly-home/smartly-bridge/internal/hub"
)

// HubService is the hub-adapter surface the handlers consume. The live
// implementation is *hub.Client; tests use a fake.
type HubService interface {
	Connected() bool
	State(entityID string) (hub.State, bool)
	States() []hub.State
	Entity(entityID string) (hub.EntityEntry, bool)
	Registry() hub.RegistrySnapshot
	CallService(ctx context.Context, domain, service string, data map[string]any) error
}

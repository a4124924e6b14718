// Package cameras is the media plane helper: the per-camera source
// registry, the snapshot cache, the MJPEG proxy source, and HLS session
// bookkeeping. Credentials live in process memory only.
package cameras

import (
	"errors"
	"sort"
	"sync"
)

var (
	// ErrCameraNotFound names an entity that is not a known camera.
	ErrCameraNotFound = errors.New("cameras: camera not found")

	// ErrSnapshotUnavailable wraps every upstream snapshot failure.
	ErrSnapshotUnavailable = errors.New("cameras: snapshot unavailable")

	// ErrNoStreamSource means neither a registered stream URL nor the
	// hub proxy can serve the camera.
	ErrNoStreamSource = errors.New("cameras: no stream source")
)

// Config is one registered camera source. A camera without a registry
// entry falls back to the hub's camera proxy.
type Config struct {
	EntityID     string            `json:"entity_id"`
	Name         string            `json:"name,omitempty"`
	SnapshotURL  string            `json:"snapshot_url,omitempty"`
	StreamURL    string            `json:"stream_url,omitempty"`
	Username     string            `json:"username,omitempty"`
	Password     string            `json:"password,omitempty"`
	VerifySSL    bool              `json:"verify_ssl"`
	ExtraHeaders map[string]string `json:"extra_headers,omitempty"`
}

// Registry holds camera configs keyed by entity id. Mutations are
// serialized; reads get copies.
type Registry struct {
	mu      sync.RWMutex
	cameras map[string]Config
}

func NewRegistry() *Registry {
	return &Registry{cameras: make(map[string]Config)}
}

// Register inserts or replaces a camera config.
func (r *Registry) Register(cfg Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cameras[cfg.EntityID] = cfg
}

// Unregister removes a camera config. Reports whether it existed.
func (r *Registry) Unregister(entityID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.cameras[entityID]
	delete(r.cameras, entityID)
	return ok
}

// Get returns the config for one camera.
func (r *Registry) Get(entityID string) (Config, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.cameras[entityID]
	return cfg, ok
}

// List returns every config ordered by entity id, passwords masked.
func (r *Registry) List() []Config {
	r.mu.RLock()
	out := make([]Config, 0, len(r.cameras))
	for _, cfg := range r.cameras {
		if cfg.Password != "" {
			cfg.Password = "***"
		}
		out = append(out, cfg)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].EntityID < out[j].EntityID })
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.cameras)
}

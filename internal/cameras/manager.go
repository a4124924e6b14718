package cameras

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/smartly-home/smartly-bridge/internal/hub"
	"github.com/smartly-home/smartly-bridge/internal/metrics"
)

const snapshotTimeout = 10 * time.Second

// HubSource is the slice of the hub adapter the manager needs: cached
// states plus the camera proxy endpoints.
type HubSource interface {
	State(entityID string) (hub.State, bool)
	CameraSnapshot(ctx context.Context, entityID string) ([]byte, string, error)
	OpenCameraStream(ctx context.Context, entityID string) (io.ReadCloser, string, error)
}

// Manager resolves snapshots and streams for cameras: a registered
// HTTP source wins, the hub's camera proxy is the fallback.
type Manager struct {
	hub      HubSource
	registry *Registry
	cache    *SnapshotCache
	hls      *HLSTracker
	metrics  *metrics.Collector

	// client skips per-camera TLS verification when verify_ssl is off;
	// secureClient is for everything else.
	secureClient   *http.Client
	insecureClient *http.Client
	streamClient   *http.Client
	insecureStream *http.Client
}

func NewManager(h HubSource, reg *Registry, cache *SnapshotCache, hls *HLSTracker, m *metrics.Collector) *Manager {
	insecureTransport := &http.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
	}
	return &Manager{
		hub:            h,
		registry:       reg,
		cache:          cache,
		hls:            hls,
		metrics:        m,
		secureClient:   &http.Client{Timeout: snapshotTimeout},
		insecureClient: &http.Client{Timeout: snapshotTimeout, Transport: insecureTransport},
		streamClient:   &http.Client{},
		insecureStream: &http.Client{Transport: insecureTransport},
	}
}

func (m *Manager) Registry() *Registry   { return m.registry }
func (m *Manager) Cache() *SnapshotCache { return m.cache }
func (m *Manager) HLS() *HLSTracker      { return m.hls }

// IsCamera reports whether the entity id names a camera the hub knows.
func (m *Manager) IsCamera(entityID string) bool {
	if hub.Domain(entityID) != "camera" {
		return false
	}
	if _, ok := m.registry.Get(entityID); ok {
		return true
	}
	_, ok := m.hub.State(entityID)
	return ok
}

// Snapshot returns a JPEG for the camera, from cache unless refresh is
// set or the cached frame expired.
func (m *Manager) Snapshot(ctx context.Context, entityID string, refresh bool) (*Snapshot, error) {
	if !m.IsCamera(entityID) {
		return nil, ErrCameraNotFound
	}

	if !refresh {
		if snap := m.cache.Get(entityID); snap != nil {
			m.metrics.SnapshotCache("hit")
			return snap, nil
		}
		m.metrics.SnapshotCache("miss")
	} else {
		m.metrics.SnapshotCache("refresh")
	}

	image, contentType, err := m.fetchSnapshot(ctx, entityID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSnapshotUnavailable, err)
	}
	return m.cache.Put(entityID, image, contentType), nil
}

func (m *Manager) fetchSnapshot(ctx context.Context, entityID string) ([]byte, string, error) {
	cfg, ok := m.registry.Get(entityID)
	if ok && cfg.SnapshotURL != "" {
		return m.fetchRegistered(ctx, cfg)
	}
	return m.hub.CameraSnapshot(ctx, entityID)
}

func (m *Manager) fetchRegistered(ctx context.Context, cfg Config) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.SnapshotURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build request: %w", err)
	}
	applyAuth(req, cfg)

	client := m.secureClient
	if !cfg.VerifySSL {
		client = m.insecureClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("upstream status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("read body: %w", err)
	}
	return body, resp.Header.Get("Content-Type"), nil
}

// OpenStream opens the camera's MJPEG source. The caller owns the body
// and must close it; ctx cancellation tears the upstream read down.
func (m *Manager) OpenStream(ctx context.Context, entityID string) (io.ReadCloser, string, error) {
	if !m.IsCamera(entityID) {
		return nil, "", ErrCameraNotFound
	}

	cfg, ok := m.registry.Get(entityID)
	if ok && cfg.StreamURL != "" {
		return m.openRegisteredStream(ctx, cfg)
	}
	return m.hub.OpenCameraStream(ctx, entityID)
}

func (m *Manager) openRegisteredStream(ctx context.Context, cfg Config) (io.ReadCloser, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.StreamURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build request: %w", err)
	}
	applyAuth(req, cfg)

	client := m.streamClient
	if !cfg.VerifySSL {
		client = m.insecureStream
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, "", err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, "", fmt.Errorf("upstream status %d", resp.StatusCode)
	}
	return resp.Body, resp.Header.Get("Content-Type"), nil
}

// StreamSource returns the RTSP/HTTP source URL go2rtc should pull
// from: the registered stream URL, else the hub's own proxy stream.
func (m *Manager) StreamSource(entityID string) string {
	if cfg, ok := m.registry.Get(entityID); ok && cfg.StreamURL != "" {
		return cfg.StreamURL
	}
	if state, ok := m.hub.State(entityID); ok {
		// integrations expose the raw source under stream_source
		if src := state.AttrString("stream_source"); src != "" {
			return src
		}
	}
	return ""
}

// Info is one camera in the list response.
type Info struct {
	EntityID          string            `json:"entity_id"`
	Name              string            `json:"name"`
	State             string            `json:"state"`
	IsStreaming       bool              `json:"is_streaming"`
	Brand             string            `json:"brand,omitempty"`
	Model             string            `json:"model,omitempty"`
	SupportedFeatures int               `json:"supported_features"`
	Registered        bool              `json:"registered"`
	Capabilities      map[string]any    `json:"capabilities,omitempty"`
	Endpoints         map[string]string `json:"endpoints,omitempty"`
}

// List enumerates every camera the hub reports plus every registered
// one, alphabetical. With capabilities set each entry carries the
// capability map and endpoint paths.
func (m *Manager) List(reg *hub.RegistrySnapshot, states []hub.State, capabilities bool) []Info {
	seen := make(map[string]bool)
	var out []Info

	for i := range states {
		s := &states[i]
		if hub.Domain(s.EntityID) != "camera" {
			continue
		}
		seen[s.EntityID] = true
		out = append(out, m.infoFromState(s, capabilities))
	}
	for _, cfg := range m.registry.List() {
		if seen[cfg.EntityID] {
			continue
		}
		info := Info{
			EntityID:   cfg.EntityID,
			Name:       cfg.Name,
			State:      "unknown",
			Registered: true,
		}
		if info.Name == "" {
			info.Name = cfg.EntityID
		}
		if capabilities {
			m.attachCapabilities(&info)
		}
		out = append(out, info)
	}

	for i := range out {
		if _, ok := m.registry.Get(out[i].EntityID); ok {
			out[i].Registered = true
		}
	}
	sortInfos(out)
	return out
}

func (m *Manager) infoFromState(s *hub.State, capabilities bool) Info {
	features := 0
	if f, ok := s.Attributes["supported_features"].(float64); ok {
		features = int(f)
	}
	info := Info{
		EntityID:          s.EntityID,
		Name:              s.FriendlyName(),
		State:             s.State,
		IsStreaming:       s.State == "streaming" || s.State == "recording",
		Brand:             s.AttrString("brand"),
		Model:             s.AttrString("model_name"),
		SupportedFeatures: features,
	}
	if capabilities {
		m.attachCapabilities(&info)
	}
	return info
}

func (m *Manager) attachCapabilities(info *Info) {
	base := "/api/smartly/camera/" + info.EntityID
	info.Capabilities = map[string]any{
		"snapshot": true,
		"mjpeg":    true,
		"hls":      true,
		"webrtc":   true,
	}
	info.Endpoints = map[string]string{
		"snapshot": base + "/snapshot",
		"stream":   base + "/stream",
		"hls":      base + "/stream/hls",
		"webrtc":   base + "/webrtc",
	}
}

func applyAuth(req *http.Request, cfg Config) {
	if cfg.Username != "" || cfg.Password != "" {
		req.SetBasicAuth(cfg.Username, cfg.Password)
	}
	for k, v := range cfg.ExtraHeaders {
		req.Header.Set(k, v)
	}
}

func sortInfos(infos []Info) {
	sort.Slice(infos, func(i, j int) bool { return infos[i].EntityID < infos[j].EntityID })
}

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/smartly-home/smartly-bridge/internal/audit"
	"github.com/smartly-home/smartly-bridge/internal/authgate"
	"github.com/smartly-home/smartly-bridge/internal/metrics"
)

// Handlers bundles the route handlers the router mounts.
type Handlers struct {
	Control *ControlHandler
	Sync    *SyncHandler
	History *HistoryHandler
	Camera  *CameraHandler
	WebRTC  *WebRTCHandler
}

// NewRouter mounts the /api/smartly surface. Everything sits behind the
// HMAC gate except the WebRTC signaling routes, which carry their own
// capability (the single-use token, then the session id).
func NewRouter(h Handlers, verifier *authgate.Verifier, audits *audit.Recorder, m *metrics.Collector) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(RequestLogger)

	r.Route("/api/smartly", func(r chi.Router) {
		// Token- and session-scoped signaling, outside the gate.
		r.Post("/camera/{entity_id}/webrtc/offer", h.WebRTC.Offer)
		r.Post("/camera/{entity_id}/webrtc/ice", h.WebRTC.ICE)
		r.Post("/camera/{entity_id}/webrtc/hangup", h.WebRTC.Hangup)

		r.Group(func(r chi.Router) {
			r.Use(AuthGate(verifier, audits, m))

			r.Post("/control", h.Control.Control)

			r.Get("/sync/structure", h.Sync.Structure)
			r.Get("/sync/states", h.Sync.States)

			r.Get("/history/{entity_id}", h.History.Entity)
			r.Post("/history/batch", h.History.Batch)
			r.Post("/history/statistics", h.History.Statistics)

			r.Get("/camera/list", h.Camera.List)
			r.Get("/camera/{entity_id}/snapshot", h.Camera.Snapshot)
			r.Get("/camera/{entity_id}/stream", h.Camera.Stream)
			r.Get("/camera/{entity_id}/stream/hls", h.Camera.HLS)
			r.Post("/camera/config", h.Camera.Config)

			r.Post("/camera/{entity_id}/webrtc", h.WebRTC.Token)
		})
	})

	return r
}

// NewAdminRouter serves the loopback-only operational surface.
func NewAdminRouter(hub HubService, m *metrics.Collector, recorderConfigured bool) http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		status := "ok"
		code := http.StatusOK
		if !hub.Connected() {
			status = "degraded"
			code = http.StatusServiceUnavailable
		}
		respondJSON(w, code, map[string]any{
			"status":              status,
			"hub_connected":       hub.Connected(),
			"recorder_configured": recorderConfigured,
			"time":                time.Now().UTC().Format(timeLayout),
		})
	})

	r.Method(http.MethodGet, "/metrics", m.Handler())

	return r
}

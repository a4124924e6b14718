package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/smartly-home/smartly-bridge/internal/cameras"
	"github.com/smartly-home/smartly-bridge/internal/metrics"
)

// mjpegChunk is the proxy copy size. Frames pass through byte-verbatim;
// the chunking is invisible on the wire.
const mjpegChunk = 8 * 1024

// CameraHandler serves the camera plane: snapshots, MJPEG proxying, HLS
// bookkeeping and registration.
type CameraHandler struct {
	hub     HubService
	cameras *cameras.Manager
	metrics *metrics.Collector
}

func NewCameraHandler(h HubService, mgr *cameras.Manager, m *metrics.Collector) *CameraHandler {
	return &CameraHandler{hub: h, cameras: mgr, metrics: m}
}

// List is GET /api/smartly/camera/list.
func (h *CameraHandler) List(w http.ResponseWriter, r *http.Request) {
	withCaps := r.URL.Query().Get("capabilities") == "true"

	reg := h.hub.Registry()
	infos := h.cameras.List(&reg, h.hub.States(), withCaps)

	respondJSON(w, http.StatusOK, map[string]any{
		"cameras":     infos,
		"count":       len(infos),
		"cache_stats": h.cameras.Cache().Stats(),
		"hls_stats":   h.cameras.HLS().Stats(),
	})
}

// Snapshot is GET /api/smartly/camera/{entity_id}/snapshot. ETags are
// content hashes; If-None-Match short-circuits to 304.
func (h *CameraHandler) Snapshot(w http.ResponseWriter, r *http.Request) {
	entityID := chi.URLParam(r, "entity_id")
	refresh := r.URL.Query().Get("refresh") == "true"

	snap, err := h.cameras.Snapshot(r.Context(), entityID, refresh)
	if err != nil {
		if errors.Is(err, cameras.ErrCameraNotFound) {
			respondError(w, http.StatusNotFound, "camera_not_found")
			return
		}
		log.Printf("[ERROR] Camera: snapshot for %s failed: %v", entityID, err)
		respondError(w, http.StatusNotFound, "snapshot_unavailable")
		return
	}

	// bare content hash, not a quoted validator
	etag := snap.ETag
	if match := r.Header.Get("If-None-Match"); match != "" && match == etag {
		w.Header().Set("ETag", etag)
		w.WriteHeader(http.StatusNotModified)
		return
	}

	ttl := int(h.cameras.Cache().TTL().Seconds())
	w.Header().Set("Content-Type", snap.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(snap.Image)))
	w.Header().Set("ETag", etag)
	w.Header().Set("Cache-Control", fmt.Sprintf("private, max-age=%d", ttl))
	w.Header().Set("X-Snapshot-Timestamp", snap.CapturedAt.UTC().Format(timeLayout))
	w.WriteHeader(http.StatusOK)
	w.Write(snap.Image)
}

// Stream is GET /api/smartly/camera/{entity_id}/stream: the MJPEG
// proxy. Bytes from the upstream pass through untouched; the response
// is unchunked and the connection closes when either side ends.
func (h *CameraHandler) Stream(w http.ResponseWriter, r *http.Request) {
	entityID := chi.URLParam(r, "entity_id")

	body, contentType, err := h.cameras.OpenStream(r.Context(), entityID)
	if err != nil {
		if errors.Is(err, cameras.ErrCameraNotFound) {
			respondError(w, http.StatusNotFound, "camera_not_found")
			return
		}
		log.Printf("[ERROR] Camera: stream for %s failed: %v", entityID, err)
		respondError(w, http.StatusBadGateway, "stream_source_not_found")
		return
	}
	defer body.Close()

	if contentType == "" {
		contentType = "multipart/x-mixed-replace"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Transfer-Encoding", "identity")
	w.Header().Set("Connection", "close")
	w.Header().Set("Cache-Control", "no-cache, no-store")
	w.WriteHeader(http.StatusOK)

	h.metrics.StreamOpened()
	defer h.metrics.StreamClosed()

	flusher, _ := w.(http.Flusher)
	buf := make([]byte, mjpegChunk)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			if err != io.EOF && r.Context().Err() == nil {
				log.Printf("[WARN] Camera: stream for %s ended: %v", entityID, err)
			}
			return
		}
	}
}

// HLS is GET /api/smartly/camera/{entity_id}/stream/hls with an action
// query: start, stop, info or stats.
func (h *CameraHandler) HLS(w http.ResponseWriter, r *http.Request) {
	entityID := chi.URLParam(r, "entity_id")
	action := r.URL.Query().Get("action")
	if action == "" {
		action = "start"
	}

	if action == "stats" {
		respondJSON(w, http.StatusOK, h.cameras.HLS().Stats())
		return
	}

	if !h.cameras.IsCamera(entityID) {
		respondError(w, http.StatusNotFound, "camera_not_found")
		return
	}

	switch action {
	case "start":
		sess, urls := h.cameras.HLS().Start(entityID)
		respondJSON(w, http.StatusOK, map[string]any{
			"status":            "started",
			"entity_id":         entityID,
			"stream_id":         sess.StreamID,
			"hls_url":           urls.HLSURL,
			"master_playlist":   urls.MasterPlaylist,
			"playlist":          urls.Playlist,
			"init":              urls.Init,
			"clients_connected": sess.ClientsConnected,
		})
	case "stop":
		if !h.cameras.HLS().Stop(entityID) {
			respondError(w, http.StatusNotFound, "session_not_found")
			return
		}
		respondJSON(w, http.StatusOK, map[string]any{
			"success":   true,
			"action":    "stopped",
			"entity_id": entityID,
		})
	case "info":
		sess, ok := h.cameras.HLS().Session(entityID)
		if !ok {
			respondJSON(w, http.StatusOK, map[string]any{
				"entity_id": entityID,
				"active":    false,
			})
			return
		}
		respondJSON(w, http.StatusOK, map[string]any{
			"entity_id":         entityID,
			"active":            true,
			"stream_id":         sess.StreamID,
			"started_at":        sess.StartedAt.UTC().Format(timeLayout),
			"last_activity":     sess.LastActivity.UTC().Format(timeLayout),
			"clients_connected": sess.ClientsConnected,
		})
	default:
		respondError(w, http.StatusBadRequest, "invalid_action")
	}
}

type cameraConfigRequest struct {
	Action string         `json:"action"`
	Camera cameras.Config `json:"camera"`
}

// Config is POST /api/smartly/camera/config: register, unregister,
// clear_cache or list.
func (h *CameraHandler) Config(w http.ResponseWriter, r *http.Request) {
	var req cameraConfigRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json")
		return
	}

	switch req.Action {
	case "register":
		if req.Camera.EntityID == "" {
			respondError(w, http.StatusBadRequest, "missing_required_fields")
			return
		}
		h.cameras.Registry().Register(req.Camera)
		respondJSON(w, http.StatusOK, map[string]any{
			"success":   true,
			"action":    "registered",
			"entity_id": req.Camera.EntityID,
		})
	case "unregister":
		if req.Camera.EntityID == "" {
			respondError(w, http.StatusBadRequest, "missing_required_fields")
			return
		}
		removed := h.cameras.Registry().Unregister(req.Camera.EntityID)
		h.cameras.Cache().Clear()
		respondJSON(w, http.StatusOK, map[string]any{
			"success":   true,
			"action":    "unregistered",
			"entity_id": req.Camera.EntityID,
			"removed":   removed,
		})
	case "clear_cache":
		cleared := h.cameras.Cache().Clear()
		respondJSON(w, http.StatusOK, map[string]any{
			"success": true,
			"action":  "cache_cleared",
			"cleared": cleared,
		})
	case "list":
		respondJSON(w, http.StatusOK, map[string]any{
			"success": true,
			"action":  "list",
			"cameras": h.cameras.Registry().List(),
			"count":   h.cameras.Registry().Len(),
		})
	default:
		respondError(w, http.StatusBadRequest, "invalid_action")
	}
}

package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartly-home/smartly-bridge/internal/cameras"
	"github.com/smartly-home/smartly-bridge/internal/hub"
)

func cameraFixture(h *fakeHub) *CameraHandler {
	mgr := cameras.NewManager(
		h,
		cameras.NewRegistry(),
		cameras.NewSnapshotCache(cameras.DefaultSnapshotTTL),
		cameras.NewHLSTracker("http://media:1984", nil),
		nil,
	)
	return NewCameraHandler(h, mgr, nil)
}

func frontDoorHub() *fakeHub {
	return &fakeHub{
		states: map[string]hub.State{
			"camera.front": {
				EntityID:   "camera.front",
				State:      "streaming",
				Attributes: map[string]any{"friendly_name": "Front Door"},
			},
		},
		snapshot: []byte("jpeg-frame"),
	}
}

func cameraGet(handler http.HandlerFunc, entityID, query string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/api/smartly/camera/"+entityID+query, nil)
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	w := httptest.NewRecorder()
	handler(w, withURLParam(asGranted(req), "entity_id", entityID))
	return w
}

func TestSnapshot_HeadersAndConditionalGet(t *testing.T) {
	handler := cameraFixture(frontDoorHub())

	w := cameraGet(handler.Snapshot, "camera.front", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "jpeg-frame", w.Body.String())
	assert.Equal(t, "image/jpeg", w.Header().Get("Content-Type"))
	assert.Equal(t, "10", w.Header().Get("Content-Length"))
	assert.Equal(t, "private, max-age=30", w.Header().Get("Cache-Control"))
	assert.NotEmpty(t, w.Header().Get("X-Snapshot-Timestamp"))

	// the validator is the bare lowercase hex digest, unquoted
	etag := w.Header().Get("ETag")
	require.Len(t, etag, 64)
	assert.Regexp(t, `^[0-9a-f]{64}$`, etag)

	w = cameraGet(handler.Snapshot, "camera.front", "", http.Header{"If-None-Match": {etag}})
	assert.Equal(t, http.StatusNotModified, w.Code)
	assert.Empty(t, w.Body.String())
	assert.Equal(t, etag, w.Header().Get("ETag"))
}

func TestSnapshot_Errors(t *testing.T) {
	h := frontDoorHub()
	handler := cameraFixture(h)

	w := cameraGet(handler.Snapshot, "camera.ghost", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "camera_not_found", errorKind(t, w))

	h.snapErr = errors.New("hub timeout")
	w = cameraGet(handler.Snapshot, "camera.front", "?refresh=true", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "snapshot_unavailable", errorKind(t, w))
}

func TestStream_ByteVerbatimProxy(t *testing.T) {
	frames := "--frame\r\nContent-Type: image/jpeg\r\n\r\nAAABBB\r\n--frame--"
	h := frontDoorHub()
	h.stream = io.NopCloser(strings.NewReader(frames))
	h.streamType = `multipart/x-mixed-replace; boundary=frame`
	handler := cameraFixture(h)

	w := cameraGet(handler.Stream, "camera.front", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, frames, w.Body.String(), "upstream bytes pass through untouched")
	assert.Equal(t, h.streamType, w.Header().Get("Content-Type"))
	assert.Equal(t, "identity", w.Header().Get("Transfer-Encoding"))
	assert.Equal(t, "close", w.Header().Get("Connection"))
	assert.Equal(t, "no-cache, no-store", w.Header().Get("Cache-Control"))
}

func TestStream_Errors(t *testing.T) {
	h := frontDoorHub()
	h.streamErr = errors.New("upstream refused")
	handler := cameraFixture(h)

	w := cameraGet(handler.Stream, "camera.ghost", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = cameraGet(handler.Stream, "camera.front", "", nil)
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Equal(t, "stream_source_not_found", errorKind(t, w))
}

func TestHLS_Actions(t *testing.T) {
	handler := cameraFixture(frontDoorHub())

	w := cameraGet(handler.HLS, "camera.front", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var started map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &started))
	assert.Equal(t, "started", started["status"])
	assert.Equal(t, float64(1), started["clients_connected"])
	assert.Contains(t, started["hls_url"], "camera.front")

	w = cameraGet(handler.HLS, "camera.front", "?action=info", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var info map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &info))
	assert.Equal(t, true, info["active"])
	assert.Equal(t, started["stream_id"], info["stream_id"])

	w = cameraGet(handler.HLS, "camera.front", "?action=stop", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var stopped map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stopped))
	assert.Equal(t, true, stopped["success"])
	assert.Equal(t, "stopped", stopped["action"])

	w = cameraGet(handler.HLS, "camera.front", "?action=info", nil)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &info))
	assert.Equal(t, false, info["active"])

	// stopping an already-stopped stream is a 404
	w = cameraGet(handler.HLS, "camera.front", "?action=stop", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "session_not_found", errorKind(t, w))

	w = cameraGet(handler.HLS, "camera.ghost", "?action=start", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = cameraGet(handler.HLS, "camera.front", "?action=rewind", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_action", errorKind(t, w))

	// stats answers even without a camera id
	w = cameraGet(handler.HLS, "", "?action=stats", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func postCameraConfig(handler *CameraHandler, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/smartly/camera/config", strings.NewReader(body))
	w := httptest.NewRecorder()
	handler.Config(w, asGranted(req))
	return w
}

func TestCameraConfig_Lifecycle(t *testing.T) {
	handler := cameraFixture(frontDoorHub())

	w := postCameraConfig(handler, `{"action":"register","camera":{"entity_id":"camera.side","snapshot_url":"http://cam/snap","password":"secret"}}`)
	require.Equal(t, http.StatusOK, w.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "registered", resp["action"])

	w = postCameraConfig(handler, `{"action":"list"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "camera.side")
	assert.NotContains(t, w.Body.String(), "secret", "list masks passwords")

	w = postCameraConfig(handler, `{"action":"unregister","camera":{"entity_id":"camera.side"}}`)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, true, resp["removed"])

	w = postCameraConfig(handler, `{"action":"clear_cache"}`)
	assert.Equal(t, http.StatusOK, w.Code)

	w = postCameraConfig(handler, `{"action":"register","camera":{}}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "missing_required_fields", errorKind(t, w))

	w = postCameraConfig(handler, `{"action":"reboot"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_action", errorKind(t, w))
}

func TestCameraList_Envelope(t *testing.T) {
	handler := cameraFixture(frontDoorHub())

	req := httptest.NewRequest(http.MethodGet, "/api/smartly/camera/list?capabilities=true", nil)
	w := httptest.NewRecorder()
	handler.List(w, asGranted(req))
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Cameras []cameras.Info `json:"cameras"`
		Count   int            `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, 1, resp.Count)
	assert.Equal(t, "camera.front", resp.Cameras[0].EntityID)
	assert.Contains(t, w.Body.String(), "cache_stats")
	assert.Contains(t, w.Body.String(), "hls_stats")
}

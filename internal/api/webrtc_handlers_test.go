package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartly-home/smartly-bridge/internal/cameras"
	"github.com/smartly-home/smartly-bridge/internal/config"
	"github.com/smartly-home/smartly-bridge/internal/hub"
	"github.com/smartly-home/smartly-bridge/internal/webrtc"
)

// mediaServer answers every offer so the signaling flow can complete.
func mediaServer() *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && r.URL.Path == "/api/webrtc" {
			json.NewEncoder(w).Encode(map[string]string{"type": "answer", "sdp": "v=0 answer"})
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
}

func webrtcFixture(t *testing.T) (*WebRTCHandler, *webrtc.Broker) {
	t.Helper()
	srv := mediaServer()
	t.Cleanup(srv.Close)

	h := &fakeHub{states: map[string]hub.State{
		"camera.front": {
			EntityID:   "camera.front",
			State:      "streaming",
			Attributes: map[string]any{"stream_source": "rtsp://cam/main"},
		},
	}}
	mgr := cameras.NewManager(h, cameras.NewRegistry(),
		cameras.NewSnapshotCache(cameras.DefaultSnapshotTTL),
		cameras.NewHLSTracker(srv.URL, nil), nil)

	broker := webrtc.NewBroker(webrtc.NewGo2RTC(srv.URL), mgr, nil)
	store := config.NewStore(&config.Config{ClientID: "ha_test", ClientSecret: "s"})
	return NewWebRTCHandler(broker, mgr, store), broker
}

func webrtcPost(handler http.HandlerFunc, entityID, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/smartly/camera/"+entityID+"/webrtc"+path, strings.NewReader(body))
	w := httptest.NewRecorder()
	handler(w, withURLParam(asGranted(req), "entity_id", entityID))
	return w
}

func TestWebRTCToken(t *testing.T) {
	handler, _ := webrtcFixture(t)

	w := webrtcPost(handler.Token, "camera.ghost", "", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "camera_not_found", errorKind(t, w))

	w = webrtcPost(handler.Token, "camera.front", "", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Token          string           `json:"token"`
		ExpiresIn      int              `json:"expires_in"`
		OfferEndpoint  string           `json:"offer_endpoint"`
		ICEEndpoint    string           `json:"ice_endpoint"`
		HangupEndpoint string           `json:"hangup_endpoint"`
		ICEServers     []map[string]any `json:"ice_servers"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.GreaterOrEqual(t, len(resp.Token), 43)
	assert.Equal(t, 300, resp.ExpiresIn)
	assert.Equal(t, "/api/smartly/camera/camera.front/webrtc/offer", resp.OfferEndpoint)
	assert.Equal(t, "/api/smartly/camera/camera.front/webrtc/ice", resp.ICEEndpoint)
	assert.Equal(t, "/api/smartly/camera/camera.front/webrtc/hangup", resp.HangupEndpoint)
	require.Len(t, resp.ICEServers, 1, "STUN only without a TURN relay")
}

func TestWebRTCOffer_Validation(t *testing.T) {
	handler, _ := webrtcFixture(t)

	cases := []struct {
		name   string
		body   string
		status int
		kind   string
	}{
		{"invalid json", `{`, http.StatusBadRequest, "invalid_json"},
		{"missing token", `{"type":"offer","sdp":"v=0"}`, http.StatusBadRequest, "missing_required_fields"},
		{"wrong type", `{"token":"x","type":"answer","sdp":"v=0"}`, http.StatusBadRequest, "invalid_service_data"},
		{"unknown token", `{"token":"x","type":"offer","sdp":"v=0"}`, http.StatusUnauthorized, "invalid_or_expired_token"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := webrtcPost(handler.Offer, "camera.front", "/offer", tc.body)
			assert.Equal(t, tc.status, w.Code)
			assert.Equal(t, tc.kind, errorKind(t, w))
		})
	}
}

func TestWebRTCFlow(t *testing.T) {
	handler, broker := webrtcFixture(t)

	tok := broker.Issue("camera.front", "ha_test")
	raw, _ := json.Marshal(map[string]string{"token": tok.Value, "type": "offer", "sdp": "v=0 offer"})

	w := webrtcPost(handler.Offer, "camera.front", "/offer", string(raw))
	require.Equal(t, http.StatusOK, w.Code)

	var offer struct {
		Type      string `json:"type"`
		SDP       string `json:"sdp"`
		SessionID string `json:"session_id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &offer))
	assert.Equal(t, "answer", offer.Type)
	assert.Equal(t, "v=0 answer", offer.SDP)
	require.NotEmpty(t, offer.SessionID)

	ice := `{"session_id":"` + offer.SessionID + `","candidate":{"candidate":"candidate:1 1 udp 1 192.0.2.5 54321 typ host"}}`
	w = webrtcPost(handler.ICE, "camera.front", "/ice", ice)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"accepted"`)

	w = webrtcPost(handler.ICE, "camera.front", "/ice", `{"session_id":"nope","candidate":{"candidate":"c"}}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "session_not_found", errorKind(t, w))

	w = webrtcPost(handler.ICE, "camera.front", "/ice", `{"session_id":"x"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "missing_required_fields", errorKind(t, w))

	w = webrtcPost(handler.Hangup, "camera.front", "/hangup", `{"session_id":"`+offer.SessionID+`"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"closed"`)

	w = webrtcPost(handler.Hangup, "camera.front", "/hangup", `{"session_id":"`+offer.SessionID+`"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

// Package webrtc brokers SDP/ICE exchange between the platform and the
// local go2rtc media server. Access is capability-based: an HMAC-issued
// single-use token opens the session, the session id drives it after.
package webrtc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const go2rtcTimeout = 10 * time.Second

var (
	// ErrStreamUnknown means go2rtc has no stream under that name yet.
	ErrStreamUnknown = errors.New("webrtc: stream unknown to media server")

	// ErrMediaServerDown wraps connection failures to go2rtc.
	ErrMediaServerDown = errors.New("webrtc: media server unavailable")
)

// Go2RTC is the thin client for the media server's HTTP API.
type Go2RTC struct {
	baseURL string
	client  *http.Client
}

func NewGo2RTC(baseURL string) *Go2RTC {
	return &Go2RTC{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: go2rtcTimeout},
	}
}

// Exchange posts an SDP offer for src and returns the answer SDP.
func (g *Go2RTC) Exchange(ctx context.Context, src, offerSDP string) (string, error) {
	payload, err := json.Marshal(map[string]string{"type": "offer", "sdp": offerSDP})
	if err != nil {
		return "", fmt.Errorf("webrtc: marshal offer: %w", err)
	}

	endpoint := g.baseURL + "/api/webrtc?src=" + url.QueryEscape(src)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("webrtc: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrMediaServerDown, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", ErrStreamUnknown
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("webrtc: media server status %d", resp.StatusCode)
	}

	var answer struct {
		Type string `json:"type"`
		SDP  string `json:"sdp"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&answer); err != nil {
		return "", fmt.Errorf("webrtc: decode answer: %w", err)
	}
	if answer.SDP == "" {
		return "", fmt.Errorf("webrtc: empty answer from media server")
	}
	return answer.SDP, nil
}

// RegisterStream creates (or replaces) a named stream pulling from src.
func (g *Go2RTC) RegisterStream(ctx context.Context, name, src string) error {
	endpoint := g.baseURL + "/api/streams?name=" + url.QueryEscape(name) + "&src=" + url.QueryEscape(src)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, nil)
	if err != nil {
		return fmt.Errorf("webrtc: build request: %w", err)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMediaServerDown, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webrtc: stream registration status %d", resp.StatusCode)
	}
	return nil
}

// RemoveStream drops a named stream. Best-effort cleanup on hangup.
func (g *Go2RTC) RemoveStream(ctx context.Context, name string) error {
	endpoint := g.baseURL + "/api/streams?src=" + url.QueryEscape(name)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, endpoint, nil)
	if err != nil {
		return fmt.Errorf("webrtc: build request: %w", err)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMediaServerDown, err)
	}
	resp.Body.Close()
	return nil
}

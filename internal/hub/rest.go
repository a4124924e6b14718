package hub

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

// CameraSnapshot fetches one JPEG via the hub's camera proxy. Returns
// the image bytes and content type.
func (c *Client) CameraSnapshot(ctx context.Context, entityID string) ([]byte, string, error) {
	resp, err := c.restGet(ctx, "/api/camera_proxy/"+url.PathEscape(entityID))
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, "", ErrEntityGone
	}
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("hub: camera proxy status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("hub: read snapshot: %w", err)
	}
	return body, resp.Header.Get("Content-Type"), nil
}

// OpenCameraStream opens the hub's MJPEG proxy stream. The caller owns
// the returned body and must close it. The stream client carries no
// overall timeout; cancellation comes from ctx.
func (c *Client) OpenCameraStream(ctx context.Context, entityID string) (io.ReadCloser, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/camera_proxy_stream/"+url.PathEscape(entityID), nil)
	if err != nil {
		return nil, "", fmt.Errorf("hub: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.streamClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("hub: %w", err)
	}

	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		return nil, "", ErrEntityGone
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, "", fmt.Errorf("hub: camera stream status %d", resp.StatusCode)
	}
	return resp.Body, resp.Header.Get("Content-Type"), nil
}

func (c *Client) restGet(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("hub: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("hub: %w", err)
	}
	return resp, nil
}

package push

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/smartly-home/smartly-bridge/internal/authgate"
	"github.com/smartly-home/smartly-bridge/internal/config"
	"github.com/smartly-home/smartly-bridge/internal/metrics"
)

const (
	// attemptTimeout bounds one webhook POST.
	attemptTimeout = 10 * time.Second

	maxAttempts = 3

	// retryAfterCap bounds how long a 429 Retry-After is honored.
	retryAfterCap = 4 * time.Second
)

// backoffs are the sleeps after the 1st, 2nd and 3rd failed attempt.
var backoffs = []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}

// Deliverer signs and posts batches to the platform webhook. The
// outbound canonical string matches the inbound one, signed with the
// bridge's own secret.
type Deliverer struct {
	store   *config.Store
	client  *http.Client
	metrics *metrics.Collector

	sleep func(time.Duration)
}

func NewDeliverer(store *config.Store, m *metrics.Collector) *Deliverer {
	return &Deliverer{
		store:   store,
		client:  &http.Client{Timeout: attemptTimeout},
		metrics: m,
		sleep:   time.Sleep,
	}
}

// Deliver posts one batch with the full retry policy: up to three
// attempts backed off 1 s, 2 s, 4 s. A 2xx ends the attempt; a 429
// with Retry-After replaces the backoff sleep (capped). The batch is
// dropped after the third failure, never re-queued.
func (d *Deliverer) Deliver(batch []Event) error {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		retryAfter, err := d.post(batch)
		if err == nil {
			d.metrics.PushAttempt("success")
			return nil
		}
		lastErr = err
		d.metrics.PushAttempt("failure")

		sleep := backoffs[attempt]
		if retryAfter > 0 {
			sleep = retryAfter
			if sleep > retryAfterCap {
				sleep = retryAfterCap
			}
		}
		d.sleep(sleep)
	}
	return fmt.Errorf("push: %d attempts failed: %w", maxAttempts, lastErr)
}

// Attempt posts one batch exactly once, for the shutdown flush.
func (d *Deliverer) Attempt(batch []Event) error {
	_, err := d.post(batch)
	if err == nil {
		d.metrics.PushAttempt("success")
	} else {
		d.metrics.PushAttempt("failure")
	}
	return err
}

// post returns a positive duration when the webhook answered 429 with
// a parsable Retry-After.
func (d *Deliverer) post(batch []Event) (time.Duration, error) {
	cfg := d.store.Current()
	if cfg.WebhookURL == "" {
		return 0, fmt.Errorf("push: webhook_url not configured")
	}
	endpoint := EventsURL(cfg.WebhookURL)

	body, err := json.Marshal(map[string]any{"events": batch})
	if err != nil {
		return 0, fmt.Errorf("push: marshal batch: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("push: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	signRequest(req, cfg, body)

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("push: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return 0, nil
	}

	var retryAfter time.Duration
	if resp.StatusCode == http.StatusTooManyRequests {
		if secs, parseErr := strconv.Atoi(resp.Header.Get("Retry-After")); parseErr == nil && secs > 0 {
			retryAfter = time.Duration(secs) * time.Second
		}
	}
	return retryAfter, fmt.Errorf("push: webhook status %d", resp.StatusCode)
}

// signRequest attaches the HMAC header set the platform verifies:
// instance id, timestamp, fresh nonce and the signature over the same
// canonical string shape as inbound requests.
func signRequest(req *http.Request, cfg *config.Config, body []byte) {
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	nonce := uuid.NewString()

	canonical := authgate.CanonicalString(req.Method, req.URL.RequestURI(), ts, nonce, body)
	req.Header.Set("X-HA-Instance-Id", cfg.InstanceID)
	req.Header.Set("X-Timestamp", ts)
	req.Header.Set("X-Nonce", nonce)
	req.Header.Set("X-Signature", authgate.Sign(cfg.ClientSecret, canonical))
	if cfg.ClientID != "" {
		req.Header.Set("X-Client-Id", cfg.ClientID)
	}
}

// EventsURL normalizes the configured webhook URL to its /events
// delivery endpoint.
func EventsURL(webhookURL string) string {
	trimmed := strings.TrimRight(webhookURL, "/")
	if strings.HasSuffix(trimmed, "/events") {
		return trimmed
	}
	if _, err := url.Parse(trimmed); err != nil {
		return trimmed
	}
	return trimmed + "/events"
}

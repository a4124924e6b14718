// Package metrics exposes the bridge's operational counters on the
// admin listener. The registry is private so the page carries only
// bridge series.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns every bridge metric. A nil Collector is a no-op so
// components can run without one in tests.
type Collector struct {
	registry *prometheus.Registry

	authDenials   *prometheus.CounterVec
	authGranted   prometheus.Counter
	rateLimited   prometheus.Counter
	controlCalls  *prometheus.CounterVec
	historyDur    prometheus.Histogram
	snapshotCache *prometheus.CounterVec
	streamsOpen   prometheus.Gauge
	hlsSessions   prometheus.Gauge
	webrtcTokens  prometheus.Counter
	webrtcActive  prometheus.Gauge
	pushBatches   prometheus.Counter
	pushEvents    prometheus.Counter
	pushAttempts  *prometheus.CounterVec
	pushDropped   prometheus.Counter
	hubConnected  prometheus.Gauge
}

func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	c := &Collector{registry: reg}

	c.authDenials = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_auth_denials_total",
		Help: "Requests rejected by the auth gate, by reason",
	}, []string{"reason"})
	c.authGranted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bridge_auth_granted_total",
		Help: "Requests that passed the auth gate",
	})
	c.rateLimited = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bridge_rate_limited_total",
		Help: "Requests rejected by the per-client rate limiter",
	})
	c.controlCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_control_calls_total",
		Help: "Control requests by outcome",
	}, []string{"result"})
	c.historyDur = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "bridge_history_query_seconds",
		Help:    "Recorder query duration",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
	})
	c.snapshotCache = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_snapshot_cache_total",
		Help: "Snapshot cache lookups by outcome (hit, miss, refresh)",
	}, []string{"outcome"})
	c.streamsOpen = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bridge_mjpeg_streams_open",
		Help: "MJPEG proxy streams currently open",
	})
	c.hlsSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bridge_hls_sessions",
		Help: "HLS sessions currently tracked",
	})
	c.webrtcTokens = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bridge_webrtc_tokens_issued_total",
		Help: "WebRTC signalling tokens issued",
	})
	c.webrtcActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bridge_webrtc_sessions",
		Help: "WebRTC sessions currently tracked",
	})
	c.pushBatches = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bridge_push_batches_total",
		Help: "Event batches flushed toward the platform webhook",
	})
	c.pushEvents = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bridge_push_events_total",
		Help: "State-change events queued for delivery",
	})
	c.pushAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_push_attempts_total",
		Help: "Webhook delivery attempts by outcome",
	}, []string{"outcome"})
	c.pushDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bridge_push_batches_dropped_total",
		Help: "Batches dropped after exhausting retries",
	})
	c.hubConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bridge_hub_connected",
		Help: "Whether the hub WebSocket session is authenticated (1/0)",
	})

	reg.MustRegister(
		c.authDenials, c.authGranted, c.rateLimited, c.controlCalls,
		c.historyDur, c.snapshotCache, c.streamsOpen, c.hlsSessions,
		c.webrtcTokens, c.webrtcActive, c.pushBatches, c.pushEvents,
		c.pushAttempts, c.pushDropped, c.hubConnected,
	)
	return c
}

// Handler serves the metrics page. Mount on the admin listener only.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) AuthDenied(reason string) {
	if c == nil {
		return
	}
	c.authDenials.WithLabelValues(reason).Inc()
	if reason == "rate_limited" {
		c.rateLimited.Inc()
	}
}

func (c *Collector) AuthGranted() {
	if c == nil {
		return
	}
	c.authGranted.Inc()
}

func (c *Collector) ControlResult(result string) {
	if c == nil {
		return
	}
	c.controlCalls.WithLabelValues(result).Inc()
}

func (c *Collector) HistoryQuerySeconds(sec float64) {
	if c == nil {
		return
	}
	c.historyDur.Observe(sec)
}

func (c *Collector) SnapshotCache(outcome string) {
	if c == nil {
		return
	}
	c.snapshotCache.WithLabelValues(outcome).Inc()
}

func (c *Collector) StreamOpened() {
	if c == nil {
		return
	}
	c.streamsOpen.Inc()
}

func (c *Collector) StreamClosed() {
	if c == nil {
		return
	}
	c.streamsOpen.Dec()
}

func (c *Collector) SetHLSSessions(n int) {
	if c == nil {
		return
	}
	c.hlsSessions.Set(float64(n))
}

func (c *Collector) WebRTCTokenIssued() {
	if c == nil {
		return
	}
	c.webrtcTokens.Inc()
}

func (c *Collector) SetWebRTCSessions(n int) {
	if c == nil {
		return
	}
	c.webrtcActive.Set(float64(n))
}

func (c *Collector) PushQueued(events int) {
	if c == nil {
		return
	}
	c.pushEvents.Add(float64(events))
}

func (c *Collector) PushBatch() {
	if c == nil {
		return
	}
	c.pushBatches.Inc()
}

func (c *Collector) PushAttempt(outcome string) {
	if c == nil {
		return
	}
	c.pushAttempts.WithLabelValues(outcome).Inc()
}

func (c *Collector) PushBatchDropped() {
	if c == nil {
		return
	}
	c.pushDropped.Inc()
}

func (c *Collector) SetHubConnected(up bool) {
	if c == nil {
		return
	}
	if up {
		c.hubConnected.Set(1)
	} else {
		c.hubConnected.Set(0)
	}
}

package cameras

import (
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/smartly-home/smartly-bridge/internal/metrics"
)

const (
	// hlsIdleTimeout drops sessions nobody has touched.
	hlsIdleTimeout = 10 * time.Minute

	hlsSweepInterval = time.Minute
)

// HLSSession is one tracked playlist session. The media server does the
// actual segmenting; the bridge only keeps the books.
type HLSSession struct {
	EntityID         string
	StreamID         string
	StartedAt        time.Time
	LastActivity     time.Time
	ClientsConnected int
}

// HLSStats is the stats action payload.
type HLSStats struct {
	ActiveStreams int              `json:"active_streams"`
	Streams       []HLSStreamStats `json:"streams"`
}

type HLSStreamStats struct {
	EntityID         string  `json:"entity_id"`
	StreamID         string  `json:"stream_id"`
	AgeSeconds       float64 `json:"age_seconds"`
	IdleSeconds      float64 `json:"idle_seconds"`
	ClientsConnected int     `json:"clients_connected"`
}

// HLSURLs are the playlist endpoints the media server exposes for one
// source.
type HLSURLs struct {
	HLSURL         string `json:"hls_url"`
	MasterPlaylist string `json:"master_playlist"`
	Playlist       string `json:"playlist"`
	Init           string `json:"init"`
}

// HLSTracker keeps one session per camera. Starting twice joins the
// existing session and bumps the client count.
type HLSTracker struct {
	mediaURL string
	metrics  *metrics.Collector

	mu       sync.Mutex
	sessions map[string]*HLSSession

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once

	now func() time.Time
}

func NewHLSTracker(mediaURL string, m *metrics.Collector) *HLSTracker {
	return &HLSTracker{
		mediaURL: strings.TrimRight(mediaURL, "/"),
		metrics:  m,
		sessions: make(map[string]*HLSSession),
		stopCh:   make(chan struct{}),
		now:      time.Now,
	}
}

// Start begins (or joins) the session for a camera and returns it with
// the playlist URLs.
func (t *HLSTracker) Start(entityID string) (*HLSSession, HLSURLs) {
	t.mu.Lock()
	defer t.mu.Unlock()

	sess, ok := t.sessions[entityID]
	if ok {
		sess.ClientsConnected++
		sess.LastActivity = t.now()
	} else {
		now := t.now()
		sess = &HLSSession{
			EntityID:         entityID,
			StreamID:         uuid.NewString(),
			StartedAt:        now,
			LastActivity:     now,
			ClientsConnected: 1,
		}
		t.sessions[entityID] = sess
	}
	t.metrics.SetHLSSessions(len(t.sessions))

	out := *sess
	return &out, t.urls(entityID)
}

// Stop removes the session. Reports whether one existed.
func (t *HLSTracker) Stop(entityID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.sessions[entityID]
	delete(t.sessions, entityID)
	t.metrics.SetHLSSessions(len(t.sessions))
	return ok
}

// Session returns a copy of the active session, if any, refreshing its
// activity stamp.
func (t *HLSTracker) Session(entityID string) (*HLSSession, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	sess, ok := t.sessions[entityID]
	if !ok {
		return nil, false
	}
	sess.LastActivity = t.now()
	out := *sess
	return &out, true
}

func (t *HLSTracker) Stats() HLSStats {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	stats := HLSStats{ActiveStreams: len(t.sessions), Streams: []HLSStreamStats{}}
	for _, sess := range t.sessions {
		stats.Streams = append(stats.Streams, HLSStreamStats{
			EntityID:         sess.EntityID,
			StreamID:         sess.StreamID,
			AgeSeconds:       now.Sub(sess.StartedAt).Seconds(),
			IdleSeconds:      now.Sub(sess.LastActivity).Seconds(),
			ClientsConnected: sess.ClientsConnected,
		})
	}
	sort.Slice(stats.Streams, func(i, j int) bool {
		return stats.Streams[i].EntityID < stats.Streams[j].EntityID
	})
	return stats
}

func (t *HLSTracker) urls(entityID string) HLSURLs {
	src := url.QueryEscape(entityID)
	return HLSURLs{
		HLSURL:         t.mediaURL + "/api/stream.m3u8?src=" + src,
		MasterPlaylist: t.mediaURL + "/api/stream.m3u8?src=" + src,
		Playlist:       t.mediaURL + "/api/hls/playlist.m3u8?src=" + src,
		Init:           t.mediaURL + "/api/hls/init.mp4?src=" + src,
	}
}

// StartSweeper launches the idle-session sweep. Call Stop to end it.
func (t *HLSTracker) StartSweeper(interval time.Duration) {
	if interval <= 0 {
		interval = hlsSweepInterval
	}
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				t.sweep()
			case <-t.stopCh:
				return
			}
		}
	}()
}

func (t *HLSTracker) StopSweeper() {
	t.once.Do(func() { close(t.stopCh) })
	t.wg.Wait()
}

func (t *HLSTracker) sweep() {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.now().Add(-hlsIdleTimeout)
	for id, sess := range t.sessions {
		if sess.LastActivity.Before(cutoff) {
			delete(t.sessions, id)
		}
	}
	t.metrics.SetHLSSessions(len(t.sessions))
}

package webrtc

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/smartly-home/smartly-bridge/internal/config"
	"github.com/smartly-home/smartly-bridge/internal/metrics"
)

const (
	// TokenTTL bounds how long an issued token can wait for its offer.
	TokenTTL = 5 * time.Minute

	// sessionIdleTimeout drops sessions with no ICE or hangup activity.
	sessionIdleTimeout = 10 * time.Minute

	sweepInterval = time.Minute

	tokenBytes = 32
)

var (
	// ErrInvalidToken covers every token failure: unknown, expired,
	// consumed, or bound to a different camera or client.
	ErrInvalidToken = errors.New("webrtc: invalid or expired token")

	// ErrSessionNotFound names an unknown or swept session id.
	ErrSessionNotFound = errors.New("webrtc: session not found")

	// ErrNoStreamSource means the camera has no resolvable source URL.
	ErrNoStreamSource = errors.New("webrtc: stream source not found")
)

// Token is a single-use capability to open one SDP exchange for one
// camera, bound to the client that requested it.
type Token struct {
	Value     string
	EntityID  string
	ClientID  string
	CreatedAt time.Time
	ExpiresAt time.Time
	Consumed  bool
}

// Session is the post-SDP capability. ICE and hangup ride on it; no
// HMAC re-authentication happens.
type Session struct {
	ID           string
	EntityID     string
	CreatedAt    time.Time
	LastActivity time.Time
	Candidates   []Candidate
}

// Candidate is one ICE candidate as the platform sends it.
type Candidate struct {
	Candidate     string `json:"candidate"`
	SDPMid        string `json:"sdpMid,omitempty"`
	SDPMLineIndex *int   `json:"sdpMLineIndex,omitempty"`
}

// SourceResolver is the camera-manager slice the broker needs.
type SourceResolver interface {
	IsCamera(entityID string) bool
	StreamSource(entityID string) string
}

// Broker owns the token and session tables and the go2rtc flow.
type Broker struct {
	media   *Go2RTC
	cameras SourceResolver
	metrics *metrics.Collector

	mu       sync.Mutex
	tokens   map[string]*Token
	sessions map[string]*Session

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once

	now func() time.Time
}

func NewBroker(media *Go2RTC, cameras SourceResolver, m *metrics.Collector) *Broker {
	return &Broker{
		media:    media,
		cameras:  cameras,
		metrics:  m,
		tokens:   make(map[string]*Token),
		sessions: make(map[string]*Session),
		stopCh:   make(chan struct{}),
		now:      time.Now,
	}
}

// Issue allocates a fresh token for clientID to open entityID.
func (b *Broker) Issue(entityID, clientID string) *Token {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand never fails on supported platforms
		panic(fmt.Sprintf("webrtc: rand.Read: %v", err))
	}
	now := b.now()
	tok := &Token{
		Value:     base64.RawURLEncoding.EncodeToString(buf),
		EntityID:  entityID,
		ClientID:  clientID,
		CreatedAt: now,
		ExpiresAt: now.Add(TokenTTL),
	}

	b.mu.Lock()
	b.tokens[tok.Value] = tok
	b.mu.Unlock()

	b.metrics.WebRTCTokenIssued()
	out := *tok
	return &out
}

// ICEServers returns the fixed STUN set plus the configured TURN relay.
func ICEServers(turn *config.TURN) []map[string]any {
	servers := []map[string]any{
		{"urls": []string{"stun:stun.l.google.com:19302", "stun:stun1.l.google.com:19302"}},
	}
	if turn != nil && turn.URL != "" {
		servers = append(servers, map[string]any{
			"urls":       []string{turn.URL},
			"username":   turn.Username,
			"credential": turn.Credential,
		})
	}
	return servers
}

// Offer consumes the token and exchanges the SDP offer with the media
// server, auto-registering the stream on first use. Returns the answer
// SDP and a fresh session.
func (b *Broker) Offer(ctx context.Context, entityID, clientID, tokenValue, offerSDP string) (string, *Session, error) {
	if err := b.consumeToken(entityID, clientID, tokenValue); err != nil {
		return "", nil, err
	}

	source := b.cameras.StreamSource(entityID)
	if source == "" {
		return "", nil, ErrNoStreamSource
	}

	answer, err := b.media.Exchange(ctx, entityID, offerSDP)
	if errors.Is(err, ErrStreamUnknown) {
		if regErr := b.media.RegisterStream(ctx, entityID, source); regErr != nil {
			return "", nil, regErr
		}
		answer, err = b.media.Exchange(ctx, entityID, offerSDP)
	}
	if err != nil {
		return "", nil, err
	}

	now := b.now()
	sess := &Session{
		ID:           uuid.NewString(),
		EntityID:     entityID,
		CreatedAt:    now,
		LastActivity: now,
	}
	b.mu.Lock()
	b.sessions[sess.ID] = sess
	n := len(b.sessions)
	b.mu.Unlock()
	b.metrics.SetWebRTCSessions(n)

	out := *sess
	return answer, &out, nil
}

// consumeToken validates and burns the token in one step so two racing
// offers cannot both win.
func (b *Broker) consumeToken(entityID, clientID, tokenValue string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	tok, ok := b.tokens[tokenValue]
	if !ok || tok.Consumed || b.now().After(tok.ExpiresAt) {
		return ErrInvalidToken
	}
	if tok.EntityID != entityID || tok.ClientID != clientID {
		return ErrInvalidToken
	}
	tok.Consumed = true
	return nil
}

// AddCandidate records an ICE candidate against the session for the
// named camera and refreshes its activity stamp.
func (b *Broker) AddCandidate(entityID, sessionID string, cand Candidate) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	sess, ok := b.sessions[sessionID]
	if !ok || sess.EntityID != entityID {
		return ErrSessionNotFound
	}
	sess.LastActivity = b.now()
	sess.Candidates = append(sess.Candidates, cand)
	return nil
}

// Hangup tears the session down and asks the media server to drop the
// stream consumer. Media-server failure does not fail the hangup.
func (b *Broker) Hangup(ctx context.Context, entityID, sessionID string) error {
	b.mu.Lock()
	sess, ok := b.sessions[sessionID]
	if ok && sess.EntityID == entityID {
		delete(b.sessions, sessionID)
	} else {
		ok = false
	}
	n := len(b.sessions)
	b.mu.Unlock()

	if !ok {
		return ErrSessionNotFound
	}
	b.metrics.SetWebRTCSessions(n)

	if err := b.media.RemoveStream(ctx, entityID); err != nil {
		log.Printf("[WARN] WebRTC: stream cleanup for %s failed: %v", entityID, err)
	}
	return nil
}

// StartSweeper launches the periodic expiry sweep. Call Stop to end it.
func (b *Broker) StartSweeper(interval time.Duration) {
	if interval <= 0 {
		interval = sweepInterval
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				b.sweep()
			case <-b.stopCh:
				return
			}
		}
	}()
}

func (b *Broker) Stop() {
	b.once.Do(func() { close(b.stopCh) })
	b.wg.Wait()
}

func (b *Broker) sweep() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	for v, tok := range b.tokens {
		if now.After(tok.ExpiresAt) {
			delete(b.tokens, v)
		}
	}
	idleCutoff := now.Add(-sessionIdleTimeout)
	for id, sess := range b.sessions {
		if sess.LastActivity.Before(idleCutoff) {
			delete(b.sessions, id)
		}
	}
	b.metrics.SetWebRTCSessions(len(b.sessions))
}

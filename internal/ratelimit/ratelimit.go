// Package ratelimit admits or rejects requests per client over a sliding
// window. The memory limiter is the default; the Redis limiter shares the
// window across replicas.
package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrUnavailable reports that the backing store could not be reached.
// Callers decide the failure policy; the auth gate fails open on it.
var ErrUnavailable = errors.New("ratelimit: backend unavailable")

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	Reset      time.Time
	RetryAfter int // seconds; > 0 only when denied
}

// Limiter admits one request for clientID, or explains the denial.
type Limiter interface {
	Allow(ctx context.Context, clientID string) (*Decision, error)
}

// Memory keeps an ordered timestamp window per client. Entries older than
// the window are dropped on each check; a client key disappears once its
// window drains.
type Memory struct {
	limit  int
	window time.Duration

	mu   sync.Mutex
	seen map[string][]time.Time

	now func() time.Time
}

func NewMemory(limit int, window time.Duration) *Memory {
	return &Memory{
		limit:  limit,
		window: window,
		seen:   make(map[string][]time.Time),
		now:    time.Now,
	}
}

func (m *Memory) Allow(_ context.Context, clientID string) (*Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	cutoff := now.Add(-m.window)

	win := m.seen[clientID]
	keep := win[:0]
	for _, t := range win {
		if t.After(cutoff) {
			keep = append(keep, t)
		}
	}

	if len(keep) >= m.limit {
		oldest := keep[0]
		reset := oldest.Add(m.window)
		retry := int(reset.Sub(now)/time.Second) + 1
		m.seen[clientID] = keep
		return &Decision{
			Allowed:    false,
			Limit:      m.limit,
			Remaining:  0,
			Reset:      reset,
			RetryAfter: retry,
		}, nil
	}

	keep = append(keep, now)
	m.seen[clientID] = keep

	reset := keep[0].Add(m.window)
	return &Decision{
		Allowed:   true,
		Limit:     m.limit,
		Remaining: m.limit - len(keep),
		Reset:     reset,
	}, nil
}

// Drop removes a client's window. Used when credentials rotate.
func (m *Memory) Drop(clientID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.seen, clientID)
}

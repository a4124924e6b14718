// Package nonce remembers recently seen request nonces so a captured
// signature cannot be replayed inside the timestamp window.
package nonce

import (
	"context"
	"errors"
	"sync"
	"time"
)

const (
	// DefaultTTL must outlive the signature timestamp skew, otherwise a
	// replayed request could pass once the nonce is forgotten.
	DefaultTTL = 5 * time.Minute

	// DefaultSweepInterval bounds how long expired entries linger.
	DefaultSweepInterval = time.Minute
)

// ErrUnavailable reports that the backing store could not be reached.
// The auth gate fails closed on it.
var ErrUnavailable = errors.New("nonce: backend unavailable")

// Store records nonces. CheckAndAdd returns true exactly once per nonce
// within the TTL; the check and the insert are a single step so two
// concurrent requests cannot both win.
type Store interface {
	CheckAndAdd(ctx context.Context, nonce string) (bool, error)
}

// Memory is the process-local store. Entries expire after ttl and are
// physically removed by a background sweep.
type Memory struct {
	ttl time.Duration

	mu      sync.Mutex
	entries map[string]time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once

	now func() time.Time
}

func NewMemory(ttl time.Duration) *Memory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Memory{
		ttl:     ttl,
		entries: make(map[string]time.Time),
		stopCh:  make(chan struct{}),
		now:     time.Now,
	}
}

func (m *Memory) CheckAndAdd(_ context.Context, nonce string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if seen, ok := m.entries[nonce]; ok && now.Sub(seen) < m.ttl {
		return false, nil
	}
	m.entries[nonce] = now
	return true, nil
}

// StartSweeper launches the background sweep. Call Stop to end it.
func (m *Memory) StartSweeper(interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.sweep()
			case <-m.stopCh:
				return
			}
		}
	}()
}

func (m *Memory) Stop() {
	m.once.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

func (m *Memory) sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := m.now().Add(-m.ttl)
	for n, seen := range m.entries {
		if seen.Before(cutoff) {
			delete(m.entries, n)
		}
	}
}

// size is a test hook.
func (m *Memory) size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

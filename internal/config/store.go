package config

import (
	"sync"
)

// Store hands out the current config snapshot and fans out reload
// notifications. Handlers read a snapshot per request so a hot reload
// (rotated secret, new CIDR list) applies to the next request without
// tearing down in-flight ones.
type Store struct {
	mu   sync.RWMutex
	cur  *Config
	subs []func(*Config)
}

func NewStore(initial *Config) *Store {
	return &Store{cur: initial}
}

// Current returns the active config. The returned value must be treated
// as read-only.
func (s *Store) Current() *Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur
}

// Replace swaps in a new config and notifies subscribers in order.
func (s *Store) Replace(next *Config) {
	s.mu.Lock()
	s.cur = next
	subs := make([]func(*Config), len(s.subs))
	copy(subs, s.subs)
	s.mu.Unlock()

	for _, fn := range subs {
		fn(next)
	}
}

// Subscribe registers a callback invoked on every Replace. Registration
// order is notification order.
func (s *Store) Subscribe(fn func(*Config)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = append(s.subs, fn)
}

package cameras

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	// DefaultSnapshotTTL is how long a cached JPEG stays servable.
	DefaultSnapshotTTL = 30 * time.Second

	// DefaultSweepInterval bounds how long expired snapshots linger.
	DefaultSweepInterval = time.Minute

	// cacheEntries bounds the cache; the LRU evicts the coldest camera
	// when a hub exceeds it.
	cacheEntries = 128
)

// Snapshot is one cached camera frame. ETag is the lowercase hex
// SHA-256 of the image bytes.
type Snapshot struct {
	EntityID    string
	Image       []byte
	ContentType string
	CapturedAt  time.Time
	ETag        string
}

// CacheStats reports cache occupancy for the list envelope.
type CacheStats struct {
	Entries int     `json:"entries"`
	Hits    uint64  `json:"hits"`
	Misses  uint64  `json:"misses"`
	TTL     float64 `json:"ttl_seconds"`
}

// SnapshotCache is the bounded snapshot store. Entries expire by age
// and are evicted LRU-style under memory pressure; a sweeper removes
// expired entries so dead cameras do not pin memory.
type SnapshotCache struct {
	ttl   time.Duration
	cache *lru.Cache[string, *Snapshot]

	mu     sync.Mutex
	hits   uint64
	misses uint64

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once

	now func() time.Time
}

func NewSnapshotCache(ttl time.Duration) *SnapshotCache {
	if ttl <= 0 {
		ttl = DefaultSnapshotTTL
	}
	cache, err := lru.New[string, *Snapshot](cacheEntries)
	if err != nil {
		// only fails on a non-positive size
		panic(err)
	}
	return &SnapshotCache{
		ttl:    ttl,
		cache:  cache,
		stopCh: make(chan struct{}),
		now:    time.Now,
	}
}

func (c *SnapshotCache) TTL() time.Duration { return c.ttl }

// Get returns a still-fresh snapshot, or nil.
func (c *SnapshotCache) Get(entityID string) *Snapshot {
	snap, ok := c.cache.Get(entityID)
	if !ok || c.now().Sub(snap.CapturedAt) > c.ttl {
		if ok {
			c.cache.Remove(entityID)
		}
		c.mu.Lock()
		c.misses++
		c.mu.Unlock()
		return nil
	}
	c.mu.Lock()
	c.hits++
	c.mu.Unlock()
	return snap
}

// Put stores a fresh snapshot and returns it with the ETag filled in.
func (c *SnapshotCache) Put(entityID string, image []byte, contentType string) *Snapshot {
	if contentType == "" {
		contentType = "image/jpeg"
	}
	sum := sha256.Sum256(image)
	snap := &Snapshot{
		EntityID:    entityID,
		Image:       image,
		ContentType: contentType,
		CapturedAt:  c.now(),
		ETag:        hex.EncodeToString(sum[:]),
	}
	c.cache.Add(entityID, snap)
	return snap
}

// Clear drops every entry and returns how many were removed.
func (c *SnapshotCache) Clear() int {
	n := c.cache.Len()
	c.cache.Purge()
	return n
}

func (c *SnapshotCache) Stats() CacheStats {
	c.mu.Lock()
	hits, misses := c.hits, c.misses
	c.mu.Unlock()
	return CacheStats{
		Entries: c.cache.Len(),
		Hits:    hits,
		Misses:  misses,
		TTL:     c.ttl.Seconds(),
	}
}

// StartSweeper launches the periodic expiry sweep. Call Stop to end it.
func (c *SnapshotCache) StartSweeper(interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.sweep()
			case <-c.stopCh:
				return
			}
		}
	}()
}

func (c *SnapshotCache) Stop() {
	c.once.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

func (c *SnapshotCache) sweep() {
	cutoff := c.now().Add(-c.ttl)
	for _, key := range c.cache.Keys() {
		if snap, ok := c.cache.Peek(key); ok && snap.CapturedAt.Before(cutoff) {
			c.cache.Remove(key)
		}
	}
}

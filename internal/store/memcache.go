package store

import (
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/measurement-factory/squid-sub000/internal/config"
)

// MemCache holds completed public entries in process memory so repeat hits
// skip both coordination and disk. Only objects at or below the configured
// size cap are admitted.
type MemCache struct {
	cache *gocache.Cache

	mu        sync.RWMutex
	ttl       time.Duration
	maxObject int64
}

// NewMemCache builds the completed-entry cache from configuration.
func NewMemCache(cfg config.MemoryCacheConfig) *MemCache {
	ttl := time.Duration(cfg.TTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	cleanup := 2 * ttl
	if cleanup < time.Minute {
		cleanup = time.Minute
	}
	return &MemCache{
		cache:     gocache.New(ttl, cleanup),
		ttl:       ttl,
		maxObject: int64(cfg.MaxObjectKiB) << 10,
	}
}

// SetLimits re-applies the live-reloadable tunables. Already cached objects
// keep their original expiry.
func (m *MemCache) SetLimits(cfg config.MemoryCacheConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cfg.TTLSeconds > 0 {
		m.ttl = time.Duration(cfg.TTLSeconds) * time.Second
	}
	m.maxObject = int64(cfg.MaxObjectKiB) << 10
}

// Offer admits a just-completed entry if it qualifies: finished, public, and
// within the object size cap.
func (m *MemCache) Offer(e *StoreEntry) {
	if e.Status() != StatusOK || e.HasFlag(FlagPrivate) || e.HasFlag(FlagReleaseRequested) {
		return
	}
	e.mu.Lock()
	body := make([]byte, len(e.mem.data))
	copy(body, e.mem.data)
	e.mu.Unlock()

	m.mu.RLock()
	ttl := m.ttl
	maxObject := m.maxObject
	m.mu.RUnlock()
	if maxObject > 0 && int64(len(body)) > maxObject {
		return
	}
	m.cache.Set(e.key.String(), body, ttl)
}

// Lookup returns a copy of a cached object's bytes.
func (m *MemCache) Lookup(key Key) ([]byte, bool) {
	v, ok := m.cache.Get(key.String())
	if !ok {
		return nil, false
	}
	body := v.([]byte)
	out := make([]byte, len(body))
	copy(out, body)
	return out, true
}

// Unlink drops a key so purges never serve stale memory hits.
func (m *MemCache) Unlink(key Key) {
	m.cache.Delete(key.String())
}

// Len counts cached objects, expired ones included until the next sweep.
func (m *MemCache) Len() int {
	return m.cache.ItemCount()
}

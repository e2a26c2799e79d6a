package auth

import (
	"sync"
	"sync/atomic"
	"time"
)

// Cache is a TTL-based in-memory cache for verification results. Uses
// sync.Map for lock-free reads on the hot path.
//
// Stale-while-revalidate: when an entry expires, Get() still returns the
// stale value immediately and signals that a background refresh is
// needed. No request ever blocks on bcrypt after the first cold start.
type Cache struct {
	store sync.Map      // map[string]*cacheEntry
	ttl   time.Duration // Default: 30s
}

type cacheEntry struct {
	principal  *Principal // nil for a cached negative result
	expiresAt  time.Time
	refreshing atomic.Bool // prevents duplicate background refreshes
}

// NewCache creates a cache with the given TTL.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{ttl: ttl}
}

// GetResult holds the result of a cache lookup.
type GetResult struct {
	Principal    *Principal
	Hit          bool // true if a value was found (fresh or stale)
	NeedsRefresh bool // true if the entry is expired and should be refreshed in the background
}

// Get looks up the API key in the cache.
//
// Returns:
//   - Fresh hit:  {Principal, Hit=true,  NeedsRefresh=false}
//   - Stale hit:  {Principal, Hit=true,  NeedsRefresh=true}  (serve stale, refresh in background)
//   - Miss:       {nil,       Hit=false, NeedsRefresh=false}
//
// When NeedsRefresh=true, the caller should refresh in a background
// goroutine. The refreshing flag is set atomically so only one goroutine
// refreshes per key.
func (c *Cache) Get(apiKey string) GetResult {
	val, ok := c.store.Load(apiKey)
	if !ok {
		return GetResult{}
	}

	entry := val.(*cacheEntry)

	if time.Now().Before(entry.expiresAt) {
		return GetResult{Principal: entry.principal, Hit: true}
	}

	// Stale hit — return the value but signal refresh needed.
	// CompareAndSwap ensures only one goroutine triggers the refresh.
	needsRefresh := entry.refreshing.CompareAndSwap(false, true)
	return GetResult{
		Principal:    entry.principal,
		Hit:          true,
		NeedsRefresh: needsRefresh,
	}
}

// Set stores a verification result with the configured TTL. principal
// may be nil to cache a rejection.
func (c *Cache) Set(apiKey string, principal *Principal) {
	c.store.Store(apiKey, &cacheEntry{
		principal: principal,
		expiresAt: time.Now().Add(c.ttl),
	})
}

// Delete removes an entry from the cache.
func (c *Cache) Delete(apiKey string) {
	c.store.Delete(apiKey)
}

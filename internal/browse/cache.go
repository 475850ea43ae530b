// Package browse answers "get me this URL's data" by reusing everything
// the tool already knows: cached results first, then a disk skill file
// replayed live. When nothing applies it returns guidance instead of an
// error so callers can decide what to do next.
package browse

import (
	"context"
	"sync"
	"time"

	"apitap/internal/constants"
)

// Cache remembers rendered browse results per exact URL. Entries are
// scoped by domain so a skills-dir change can evict everything learned
// from a stale file.
type Cache interface {
	Get(ctx context.Context, domain, url string) (*Result, bool)
	Set(ctx context.Context, domain, url string, res *Result, ttl time.Duration)
	EvictDomain(ctx context.Context, domain string) int
}

type memoryEntry struct {
	res     Result
	domain  string
	expires time.Time
}

// MemoryCache is the default in-process cache.
type MemoryCache struct {
	mu         sync.Mutex
	entries    map[string]memoryEntry
	maxEntries int
}

// NewMemoryCache caps the cache at maxEntries; zero or negative applies
// the default.
func NewMemoryCache(maxEntries int) *MemoryCache {
	if maxEntries <= 0 {
		maxEntries = constants.BrowseSessionMaxEntries
	}
	return &MemoryCache{
		entries:    make(map[string]memoryEntry),
		maxEntries: maxEntries,
	}
}

func memoryKey(domain, url string) string { return domain + "\x00" + url }

// Get returns a copy of the cached result, expiring lazily.
func (c *MemoryCache) Get(_ context.Context, domain, url string) (*Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := memoryKey(domain, url)
	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if time.Now().After(entry.expires) {
		delete(c.entries, key)
		return nil, false
	}
	res := entry.res
	return &res, true
}

// Set stores a copy of res for ttl.
func (c *MemoryCache) Set(_ context.Context, domain, url string, res *Result, ttl time.Duration) {
	if res == nil || ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.entries) >= c.maxEntries {
		c.evictSoonestLocked()
	}
	c.entries[memoryKey(domain, url)] = memoryEntry{
		res:     *res,
		domain:  domain,
		expires: time.Now().Add(ttl),
	}
}

// EvictDomain drops every entry for domain and returns how many went.
func (c *MemoryCache) EvictDomain(_ context.Context, domain string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	evicted := 0
	for key, entry := range c.entries {
		if entry.domain == domain {
			delete(c.entries, key)
			evicted++
		}
	}
	return evicted
}

// Len returns the live entry count.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// evictSoonestLocked removes the entry closest to expiry to make room.
func (c *MemoryCache) evictSoonestLocked() {
	var victim string
	var soonest time.Time
	for key, entry := range c.entries {
		if victim == "" || entry.expires.Before(soonest) {
			victim = key
			soonest = entry.expires
		}
	}
	if victim != "" {
		delete(c.entries, victim)
	}
}

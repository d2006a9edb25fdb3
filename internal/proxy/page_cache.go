package proxy

import (
	"sync"
	"time"
)

type cacheEntry struct {
	html    []byte
	created time.Time
}

// pageCache holds recently rewritten pages so repeated requests for the same
// url skip the upstream fetch and rewrite entirely. Entries expire by ttl;
// the image handle cache underneath is unbounded and survives expiry.
type pageCache struct {
	mu   sync.RWMutex
	now  func() time.Time
	ttl  time.Duration
	data map[string]cacheEntry
}

func newPageCache(now func() time.Time, ttl time.Duration) *pageCache {
	if now == nil {
		now = time.Now
	}
	return &pageCache{
		now:  now,
		ttl:  ttl,
		data: make(map[string]cacheEntry),
	}
}

func cacheKey(target string, prerendered bool) string {
	if prerendered {
		return target + "|js"
	}
	return target
}

func (c *pageCache) Store(target string, prerendered bool, html []byte) {
	if len(html) == 0 {
		return
	}
	entry := cacheEntry{
		html:    append([]byte(nil), html...),
		created: c.now(),
	}
	c.mu.Lock()
	c.data[cacheKey(target, prerendered)] = entry
	c.mu.Unlock()
}

func (c *pageCache) Select(target string, prerendered bool) ([]byte, bool) {
	key := cacheKey(target, prerendered)
	c.mu.RLock()
	entry, ok := c.data[key]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if c.ttl > 0 && c.now().Sub(entry.created) > c.ttl {
		c.mu.Lock()
		delete(c.data, key)
		c.mu.Unlock()
		return nil, false
	}
	return append([]byte(nil), entry.html...), true
}

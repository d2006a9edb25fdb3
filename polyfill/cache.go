package polyfill

import (
	"crypto/sha1"
	"encoding/base64"
	"sync"
)

// Handle is a locally derived, directly renderable substitute for a target
// resource: the decoded PNG bytes plus an opaque id under which the proxy can
// mount them.
type Handle struct {
	ID          string
	ContentType string
	Data        []byte
	Width       int
	Height      int
}

// DataURI renders the handle as a data: URI, the default rewrite target when
// no external mount point is configured.
func (h *Handle) DataURI() string {
	return "data:" + h.ContentType + ";base64," + base64.StdEncoding.EncodeToString(h.Data)
}

func newHandle(url string, data []byte, w, ht int) *Handle {
	sum := sha1.Sum([]byte(url))
	const hexd = "0123456789abcdef"
	hex := make([]byte, 40)
	for i, b := range sum[:] {
		hex[i*2] = hexd[b>>4]
		hex[i*2+1] = hexd[b&0xF]
	}
	return &Handle{
		ID:          string(hex),
		ContentType: "image/png",
		Data:        data,
		Width:       w,
		Height:      ht,
	}
}

// ResultCache maps reference urls to handles for the lifetime of the engine.
// It is unbounded and never evicts: candidate count is bounded by page
// content and lifetime by the session, a documented simplicity trade-off.
type ResultCache struct {
	mu    sync.RWMutex
	byURL map[string]*Handle
	byID  map[string]*Handle
}

func newResultCache() *ResultCache {
	return &ResultCache{
		byURL: make(map[string]*Handle),
		byID:  make(map[string]*Handle),
	}
}

func (c *ResultCache) Get(url string) (*Handle, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	h, ok := c.byURL[url]
	return h, ok
}

func (c *ResultCache) Set(url string, h *Handle) {
	if h == nil {
		return
	}
	c.mu.Lock()
	c.byURL[url] = h
	c.byID[h.ID] = h
	c.mu.Unlock()
}

// ByID looks a handle up by its opaque id, the index the proxy's blob
// endpoint serves from.
func (c *ResultCache) ByID(id string) (*Handle, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	h, ok := c.byID[id]
	return h, ok
}

func (c *ResultCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.byURL)
}

package polyfill

import "sync/atomic"

// Stats is a read-only snapshot of the engine's counters.
type Stats struct {
	ImagesConverted int `json:"imagesConverted"`
	CacheHits       int `json:"cacheHits"`
	CacheSize       int `json:"cacheSize"`
}

type statsRegistry struct {
	converted atomic.Int64
	hits      atomic.Int64
}

func (s *statsRegistry) snapshot(cacheSize int) Stats {
	return Stats{
		ImagesConverted: int(s.converted.Load()),
		CacheHits:       int(s.hits.Load()),
		CacheSize:       cacheSize,
	}
}

// Package cache holds the short-TTL playlist cache and the optional
// whole-segment cache. Both store post-processed bytes keyed by canonical
// upstream URL, so a hit is served verbatim with no parsing.
package cache

import (
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// Playlists caches rewritten manifest bodies. TTL is short because live
// playlists roll their segment lists every few seconds; capacity bounds
// memory on wide channel lineups.
type Playlists struct {
	c *ttlcache.Cache[string, []byte]
}

// NewPlaylists creates the playlist cache and starts its eviction loop.
// Call Stop during shutdown.
func NewPlaylists(ttl time.Duration, capacity uint64) *Playlists {
	c := ttlcache.New[string, []byte](
		ttlcache.WithTTL[string, []byte](ttl),
		ttlcache.WithCapacity[string, []byte](capacity),
		ttlcache.WithDisableTouchOnHit[string, []byte](),
	)
	go c.Start()
	return &Playlists{c: c}
}

// Get returns the cached rewritten manifest for the canonical URL, or
// (nil, false) on miss or expiry.
func (p *Playlists) Get(url string) ([]byte, bool) {
	item := p.c.Get(url)
	if item == nil {
		return nil, false
	}
	return item.Value(), true
}

// Set stores a rewritten manifest, overwriting any previous entry and
// resetting its TTL.
func (p *Playlists) Set(url string, body []byte) {
	p.c.Set(url, body, ttlcache.DefaultTTL)
}

// Flush drops every entry.
func (p *Playlists) Flush() {
	p.c.DeleteAll()
}

// Stats reports cumulative hit/miss/eviction counters.
func (p *Playlists) Stats() (hits, misses, evictions uint64) {
	m := p.c.Metrics()
	return m.Hits, m.Misses, m.Evictions
}

// Stop terminates the background eviction loop.
func (p *Playlists) Stop() {
	p.c.Stop()
}

// Segments optionally caches complete (non-range) segment responses.
// Disabled by default; when off every method is a cheap no-op, which keeps
// the segment handler free of nil checks.
type Segments struct {
	c *ttlcache.Cache[string, Segment]
}

// Segment is one cached upstream response.
type Segment struct {
	Body        []byte
	ContentType string
}

// NewSegments creates the segment cache. With enabled=false the cache is
// inert and Get always misses.
func NewSegments(enabled bool, ttl time.Duration, capacity uint64) *Segments {
	if !enabled {
		return &Segments{}
	}
	c := ttlcache.New[string, Segment](
		ttlcache.WithTTL[string, Segment](ttl),
		ttlcache.WithCapacity[string, Segment](capacity),
		ttlcache.WithDisableTouchOnHit[string, Segment](),
	)
	go c.Start()
	return &Segments{c: c}
}

// Enabled reports whether the cache stores anything.
func (s *Segments) Enabled() bool { return s.c != nil }

func (s *Segments) Get(url string) (Segment, bool) {
	if s.c == nil {
		return Segment{}, false
	}
	item := s.c.Get(url)
	if item == nil {
		return Segment{}, false
	}
	return item.Value(), true
}

func (s *Segments) Set(url string, seg Segment) {
	if s.c == nil {
		return
	}
	s.c.Set(url, seg, ttlcache.DefaultTTL)
}

func (s *Segments) Flush() {
	if s.c != nil {
		s.c.DeleteAll()
	}
}

func (s *Segments) Stop() {
	if s.c != nil {
		s.c.Stop()
	}
}

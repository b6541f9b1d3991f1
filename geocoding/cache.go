package geocoding

import (
	"sync"
	"time"

	"report-signal-service/geo"
)

const (
	// s2 level 16 cells are roughly 150 m across
	CacheCellLevel = 16
	CacheTTL       = 30 * 24 * time.Hour
)

type cacheEntry struct {
	place   Place
	expires time.Time
}

// Cache keeps resolved places per s2 cell so nearby lookups hit the
// providers once
type Cache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
	ttl     time.Duration
	now     func() time.Time
}

func NewCache(ttl time.Duration) *Cache {
	return &Cache{
		entries: make(map[string]cacheEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

func key(lat, lng float64) string {
	return geo.CellToken(geo.Point{Lat: lat, Lng: lng}, CacheCellLevel)
}

func (c *Cache) Get(lat, lng float64) (Place, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key(lat, lng)]
	if !ok || c.now().After(e.expires) {
		return Place{}, false
	}
	return e.place, true
}

func (c *Cache) Put(lat, lng float64, p Place) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key(lat, lng)] = cacheEntry{place: p, expires: c.now().Add(c.ttl)}
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

package publish

import (
	"math"
	"sync"
	"time"
)

// ValueCache is a simple in-memory TTL cache of the last published values
// keyed by sensor id. It is thread-safe and sits on the publish hot path.
type ValueCache struct {
	mu   sync.Mutex
	ttl  time.Duration
	data map[string]entry
	now  func() time.Time
}

type entry struct {
	primary, derived float64
	at               time.Time
}

// NewValueCache creates a new cache with the given TTL. If ttl <= 0, it defaults to 1h.
func NewValueCache(ttl time.Duration) *ValueCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &ValueCache{ttl: ttl, data: make(map[string]entry, 64), now: time.Now}
}

// Unchanged reports whether the pair equals the cached one and the entry has
// not expired. Expired entries are evicted.
func (c *ValueCache) Unchanged(key string, primary, derived float64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.data[key]
	if !ok {
		return false
	}
	if c.now().Sub(e.at) > c.ttl {
		delete(c.data, key)
		return false
	}
	return floatsEqual(e.primary, primary) && floatsEqual(e.derived, derived)
}

// Set stores the pair with the current timestamp.
func (c *ValueCache) Set(key string, primary, derived float64) {
	c.mu.Lock()
	c.data[key] = entry{primary: primary, derived: derived, at: c.now()}
	c.mu.Unlock()
}

// floatsEqual compares with a relative tolerance, treating tiny jitter from
// float32 registers as no change.
func floatsEqual(a, b float64) bool {
	if a == b {
		return true
	}
	diff := math.Abs(a - b)
	scale := math.Max(math.Abs(a), math.Abs(b))
	return diff <= 1e-9*math.Max(1, scale)
}

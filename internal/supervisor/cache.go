package supervisor

import (
	"sync"
	"time"

	"github.com/lyger/matsuri-monitor/internal/metrics"
	"golang.org/x/sync/singleflight"
)

// snapshotCache holds one serialized document for a fixed TTL. Concurrent misses share a
// single rebuild.
type snapshotCache struct {
	name string
	ttl  time.Duration
	now  func() time.Time

	group singleflight.Group

	mu      sync.RWMutex
	body    []byte
	expires time.Time
}

func newSnapshotCache(name string, ttl time.Duration, now func() time.Time) *snapshotCache {
	return &snapshotCache{name: name, ttl: ttl, now: now}
}

func (c *snapshotCache) get(build func() ([]byte, error)) ([]byte, error) {
	c.mu.RLock()
	if c.body != nil && c.now().Before(c.expires) {
		body := c.body
		c.mu.RUnlock()
		metrics.SnapshotCacheHits.WithLabelValues(c.name).Inc()
		return body, nil
	}
	c.mu.RUnlock()

	metrics.SnapshotCacheMisses.WithLabelValues(c.name).Inc()
	v, err, _ := c.group.Do(c.name, func() (any, error) {
		c.mu.RLock()
		if c.body != nil && c.now().Before(c.expires) {
			body := c.body
			c.mu.RUnlock()
			return body, nil
		}
		c.mu.RUnlock()

		body, err := build()
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.body = body
		c.expires = c.now().Add(c.ttl)
		c.mu.Unlock()
		return body, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

func (c *snapshotCache) invalidate() {
	c.mu.Lock()
	c.body = nil
	c.mu.Unlock()
}

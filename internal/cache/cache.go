// Package cache provides the short-TTL response cache that sits between the
// sync engine and the rate-limited remote client.
//
// Values are opaque serialized responses. Concurrent fetches for the same key
// collapse into one remote call (single-flight); errors are never cached.
package cache

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/backlinehq/syncd/internal/metrics"
	"github.com/backlinehq/syncd/lru"
)

// FetchFunc produces the value on a cache miss. It is expected to go through
// the rate limiter and remote client.
type FetchFunc func(ctx context.Context) ([]byte, error)

// entry is one cached response.
type entry struct {
	value      []byte
	insertedAt time.Time
	expiresAt  time.Time
}

// flight tracks one in-progress fetch that later callers can wait on.
type flight struct {
	done chan struct{}
	val  []byte
	err  error
}

// Manager is the size-bounded, TTL- and LRU-evicting response cache.
type Manager struct {
	mu       sync.Mutex
	store    *lru.Cache[string, *entry]
	inflight map[string]*flight
	logger   zerolog.Logger
	metrics  *metrics.Metrics

	now func() time.Time
}

// New creates a cache manager with a hard capacity limit on entry count.
// metrics may be nil.
func New(capacity int, m *metrics.Metrics, logger zerolog.Logger) *Manager {
	store := lru.New[string, *entry](capacity)
	mgr := &Manager{
		store:    store,
		inflight: make(map[string]*flight),
		logger:   logger.With().Str("component", "cache").Logger(),
		metrics:  m,
		now:      time.Now,
	}
	if m != nil {
		store.OnEvict(func(string, *entry) { m.CacheEvictionsTotal.Inc() })
	}
	return mgr
}

// Key derives a deterministic cache key from the logical request shape.
// The target id leads so that Invalidate can clear by resource prefix.
func Key(target, op string, params ...string) string {
	parts := append([]string{target, op}, params...)
	return strings.Join(parts, "/")
}

// GetOrFetch returns the cached value for key if present and fresh, otherwise
// calls fetch, stores the result with the given ttl, and returns it. If a
// fetch for the same key is already in flight the caller waits on it and
// shares its result instead of issuing a duplicate.
func (c *Manager) GetOrFetch(ctx context.Context, key string, ttl time.Duration, fetch FetchFunc) ([]byte, error) {
	c.mu.Lock()
	if e, ok := c.store.Get(key); ok {
		if c.now().Before(e.expiresAt) {
			c.mu.Unlock()
			c.record("hit")
			return e.value, nil
		}
		c.store.Delete(key)
	}

	if f, ok := c.inflight[key]; ok {
		c.mu.Unlock()
		c.record("shared")
		select {
		case <-f.done:
			return f.val, f.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f := &flight{done: make(chan struct{})}
	c.inflight[key] = f
	c.mu.Unlock()
	c.record("miss")

	val, err := fetch(ctx)

	c.mu.Lock()
	delete(c.inflight, key)
	if err == nil {
		now := c.now()
		c.store.Put(key, &entry{
			value:      val,
			insertedAt: now,
			expiresAt:  now.Add(ttl),
		})
	}
	c.mu.Unlock()

	f.val, f.err = val, err
	close(f.done)
	return val, err
}

// Invalidate removes every entry whose key starts with prefix. Used when the
// engine learns a resource changed, so the next read bypasses stale cache.
func (c *Manager) Invalidate(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for _, k := range c.store.Keys() {
		if strings.HasPrefix(k, prefix) {
			c.store.Delete(k)
			removed++
		}
	}
	if removed > 0 {
		c.logger.Debug().Str("prefix", prefix).Int("removed", removed).Msg("cache invalidated")
	}
	return removed
}

// Len returns the current number of cached entries.
func (c *Manager) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.Len()
}

func (c *Manager) record(result string) {
	if c.metrics != nil {
		c.metrics.RecordCache(result)
	}
}

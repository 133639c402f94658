// Package settings caches the panel's CMS configuration. The CMS endpoints
// are slow and polled frequently, so reads inside the TTL are served from
// memory and concurrent misses share a single fetch.
package settings

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"abodebridge/internal/clock"
)

// FetchFunc retrieves a settings map from one API endpoint.
type FetchFunc func(ctx context.Context) (map[string]any, error)

// Known CMS setting keys, in the vendor's canonical camelCase form.
var knownKeys = []string{
	"monitoringActive",
	"testModeActive",
	"sendMedia",
	"dispatchWithoutVerification",
	"dispatchPolice",
	"dispatchFire",
	"dispatchMedical",
}

// CanonicalKey normalizes a settings key so differing casings from the two
// endpoints converge on one canonical spelling. Unknown keys pass through.
func CanonicalKey(key string) string {
	for _, known := range knownKeys {
		if strings.EqualFold(known, key) {
			return known
		}
	}
	return key
}

// Cache is a time-bounded cache of CMS settings merged from a primary and a
// secondary endpoint. Primary values win; the secondary only fills gaps.
type Cache struct {
	ttl       time.Duration
	primary   FetchFunc
	secondary FetchFunc
	clk       clock.Clock
	logger    *zap.Logger

	mu        sync.Mutex
	values    map[string]any
	fetchedAt time.Time

	group singleflight.Group
}

// New creates a Cache. A ttl of 0 disables caching entirely: every read
// goes to the network (concurrent readers still share one fetch).
func New(ttl time.Duration, primary, secondary FetchFunc, clk clock.Clock, logger *zap.Logger) *Cache {
	return &Cache{
		ttl:       ttl,
		primary:   primary,
		secondary: secondary,
		clk:       clk,
		logger:    logger,
	}
}

// Get returns the merged settings map, fetching when the cache is cold or
// the TTL has expired. The returned map is a copy.
func (c *Cache) Get(ctx context.Context) (map[string]any, error) {
	c.mu.Lock()
	if c.fresh() {
		snapshot := copyMap(c.values)
		c.mu.Unlock()
		return snapshot, nil
	}
	c.mu.Unlock()

	// All concurrent misses await the same fetch.
	result, err, _ := c.group.Do("cms", func() (any, error) {
		c.mu.Lock()
		if c.fresh() {
			snapshot := copyMap(c.values)
			c.mu.Unlock()
			return snapshot, nil
		}
		c.mu.Unlock()

		merged, err := c.fetch(ctx)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		c.values = merged
		c.fetchedAt = c.clk.Now()
		c.mu.Unlock()

		return copyMap(merged), nil
	})
	if err != nil {
		return nil, err
	}
	return result.(map[string]any), nil
}

// Lookup returns a single setting by key, fetching if needed.
func (c *Cache) Lookup(ctx context.Context, key string) (any, bool, error) {
	values, err := c.Get(ctx)
	if err != nil {
		return nil, false, err
	}
	value, ok := values[CanonicalKey(key)]
	return value, ok, nil
}

// Put records a value just written through the API so a read immediately
// after a write reflects it, without waiting for a refetch.
func (c *Cache) Put(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.values == nil {
		return
	}
	c.values[CanonicalKey(key)] = value
}

// Invalidate drops the cache so the next read fetches fresh state.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values = nil
	c.fetchedAt = time.Time{}
}

// fresh reports whether the cached values may be served. Caller holds mu.
func (c *Cache) fresh() bool {
	if c.values == nil || c.ttl <= 0 {
		return false
	}
	return c.clk.Since(c.fetchedAt) < c.ttl
}

// fetch pulls from the primary endpoint, and from the secondary only when
// an expected key is missing. Secondary values never override primary ones.
func (c *Cache) fetch(ctx context.Context) (map[string]any, error) {
	primary, err := c.primary(ctx)
	if err != nil {
		return nil, err
	}

	merged := make(map[string]any, len(primary))
	for key, value := range primary {
		merged[CanonicalKey(key)] = value
	}

	if c.complete(merged) {
		return merged, nil
	}

	secondary, err := c.secondary(ctx)
	if err != nil {
		c.logger.Warn("Secondary settings endpoint failed, serving primary only", zap.Error(err))
		return merged, nil
	}
	for key, value := range secondary {
		canonical := CanonicalKey(key)
		if _, ok := merged[canonical]; !ok {
			merged[canonical] = value
		}
	}

	return merged, nil
}

func (c *Cache) complete(values map[string]any) bool {
	for _, key := range knownKeys {
		if _, ok := values[key]; !ok {
			return false
		}
	}
	return true
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

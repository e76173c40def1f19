// Package kvcache is the TTL-bound key/value layer under the post and
// share-id caches. A Cache binds a Store to a namespace and a fixed TTL and
// swallows backing-store failures: callers only ever see hit or miss.
package kvcache

import (
	"context"
	"log/slog"
	"time"

	"github.com/gramfix/gramfix/internal/observability"
)

// TTLs for the two cache instances.
const (
	PostTTL    = 86400 * time.Second    // one day
	ShareIDTTL = 31536000 * time.Second // one year
)

// Store is a TTL-aware byte store. Get reports absent for expired or
// missing entries. Evict removes every expired entry and returns how many
// it dropped; stores whose backend expires keys itself may make it a no-op.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Evict(ctx context.Context) (int, error)
	Close() error
}

type Cache struct {
	name  string
	ttl   time.Duration
	store Store
	log   *slog.Logger
}

func New(name string, ttl time.Duration, store Store, log *slog.Logger) *Cache {
	return &Cache{name: name, ttl: ttl, store: store, log: log}
}

// caches sharing one store stay disjoint through the namespace
func (c *Cache) key(k string) string { return c.name + ":" + k }

// Get returns the cached value, or nil/false on miss. Store errors are
// logged and reported as a miss.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool) {
	v, ok, err := c.store.Get(ctx, c.key(key))
	observability.ObserveCacheOp(c.name, "get", err)
	if err != nil {
		c.log.WarnContext(ctx, "cache get failed", "cache", c.name, "key", key, "err", err)
		observability.IncCacheMiss(c.name)
		return nil, false
	}
	if !ok {
		observability.IncCacheMiss(c.name)
		return nil, false
	}
	observability.IncCacheHit(c.name)
	return v, true
}

// Set stores the value under the cache's TTL. Store errors are logged, not
// returned; the entry simply misses on the next Get.
func (c *Cache) Set(ctx context.Context, key string, value []byte) {
	err := c.store.Set(ctx, c.key(key), value, c.ttl)
	observability.ObserveCacheOp(c.name, "set", err)
	if err != nil {
		c.log.WarnContext(ctx, "cache set failed", "cache", c.name, "key", key, "err", err)
	}
}

func (c *Cache) Close() error { return c.store.Close() }

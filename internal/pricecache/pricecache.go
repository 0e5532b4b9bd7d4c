// Package pricecache is the Redis-backed canonical price cache plus the
// pub/sub fan-out. Only the aggregator writes; the RPC surface and any
// external consumer read. Keys and channels share the price:{pair} name.
package pricecache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"priceverse/internal/core"
	"priceverse/internal/core/errs"
)

// Key returns the cache key / pub-sub channel for a pair.
func Key(pair core.Pair) string {
	return "price:" + pair.String()
}

// Cache stores the latest canonical price per pair with a TTL and
// broadcasts each write on the matching channel.
type Cache struct {
	rdb        redis.Cmdable
	ttl        time.Duration
	staleAfter time.Duration
}

// New creates the cache. ttl bounds the key lifetime; staleAfter is the age
// past which a cached price is treated as a miss.
func New(rdb redis.Cmdable, ttl, staleAfter time.Duration) *Cache {
	return &Cache{rdb: rdb, ttl: ttl, staleAfter: staleAfter}
}

// Put caches the update and publishes it to subscribers.
func (c *Cache) Put(ctx context.Context, update core.PriceUpdate) error {
	payload, err := json.Marshal(update)
	if err != nil {
		return fmt.Errorf("failed to marshal price update: %w", err)
	}
	key := Key(update.Pair)
	if err := c.rdb.Set(ctx, key, payload, c.ttl).Err(); err != nil {
		return errs.Wrap(errs.CodeRedisError, err, "failed to cache %s", key)
	}
	if err := c.rdb.Publish(ctx, key, payload).Err(); err != nil {
		return errs.Wrap(errs.CodeRedisError, err, "failed to publish %s", key)
	}
	return nil
}

// Get returns the cached price for a pair. A missing key or a price older
// than staleAfter is a miss, not an error.
func (c *Cache) Get(ctx context.Context, pair core.Pair) (*core.PriceUpdate, error) {
	raw, err := c.rdb.Get(ctx, Key(pair)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Wrap(errs.CodeRedisError, err, "failed to read %s", Key(pair))
	}

	var update core.PriceUpdate
	if err := json.Unmarshal([]byte(raw), &update); err != nil {
		return nil, fmt.Errorf("failed to parse cached price for %s: %w", pair, err)
	}

	age := time.Since(time.UnixMilli(update.EventTime))
	if c.staleAfter > 0 && age > c.staleAfter {
		return nil, nil
	}
	return &update, nil
}

// Ping probes connectivity for health checks.
func (c *Cache) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

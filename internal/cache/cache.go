// Package cache provides a short-lived Redis cache for orderbook snapshots.
// With no Redis address configured every operation is a no-op, so callers
// never branch on whether caching is enabled.
package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Cache stores JSON-encoded values under a TTL.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

// New connects to addr. An empty addr disables caching.
func New(addr string, ttl time.Duration) *Cache {
	if addr == "" {
		return &Cache{}
	}
	if ttl == 0 {
		ttl = 2 * time.Second
	}
	return &Cache{
		client: redis.NewClient(&redis.Options{Addr: addr}),
		ttl:    ttl,
	}
}

// Enabled reports whether a backend is configured.
func (c *Cache) Enabled() bool { return c.client != nil }

// Get loads key into out, reporting whether it was present. Cache errors
// are logged and treated as misses.
func (c *Cache) Get(ctx context.Context, key string, out any) bool {
	if c.client == nil {
		return false
	}
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			log.Warn().Err(err).Str("key", key).Msg("cache read failed")
		}
		return false
	}
	if err := json.Unmarshal(data, out); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("cache decode failed")
		return false
	}
	return true
}

// Set stores value under key for the configured TTL.
func (c *Cache) Set(ctx context.Context, key string, value any) {
	if c.client == nil {
		return
	}
	data, err := json.Marshal(value)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("cache write failed")
	}
}

// Close releases the client.
func (c *Cache) Close() error {
	if c.client == nil {
		return nil
	}
	return c.client.Close()
}

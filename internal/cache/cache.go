// Package cache is the short-TTL read cache fronting the replica store. Every
// write to an entity kind invalidates that kind, so staleness is bounded by
// the TTL. A nil Cache (or one built without a reachable Redis) disables
// caching; callers never need to check availability themselves.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

type Cache struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

func New(client *redis.Client, ttl time.Duration) *Cache {
	return &Cache{client: client, ttl: ttl, prefix: "kind:"}
}

// NewFromURL connects to Redis and returns a ready Cache. The connection is
// verified with a short ping so a dead Redis is detected at startup.
func NewFromURL(redisURL string, ttl time.Duration) (*Cache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return New(client, ttl), nil
}

func (c *Cache) key(kind string) string {
	return c.prefix + kind
}

// Get loads the cached snapshot for a kind into v. It reports a miss for any
// error; a flaky cache must never fail a read path.
func (c *Cache) Get(ctx context.Context, kind string, v any) bool {
	if c == nil || c.client == nil {
		return false
	}
	raw, err := c.client.Get(ctx, c.key(kind)).Bytes()
	if err != nil {
		return false
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false
	}
	return true
}

// Set stores a kind snapshot with the configured TTL. Failures are logged and
// swallowed.
func (c *Cache) Set(ctx context.Context, kind string, v any) {
	if c == nil || c.client == nil {
		return
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, c.key(kind), raw, c.ttl).Err(); err != nil {
		log.Printf("cache set %s failed: %v", kind, err)
	}
}

// Invalidate drops the cached snapshots for the given kinds.
func (c *Cache) Invalidate(ctx context.Context, kinds ...string) {
	if c == nil || c.client == nil {
		return
	}
	keys := make([]string, len(kinds))
	for i, kind := range kinds {
		keys[i] = c.key(kind)
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		log.Printf("cache invalidate failed: %v", err)
	}
}

func (c *Cache) Ping(ctx context.Context) error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Ping(ctx).Err()
}

func (c *Cache) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}

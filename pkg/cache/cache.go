// Package cache is the read-through TTL cache in front of the workflow
// store's catalog reads and execution snapshots. The backend is Redis so
// every replica shares one cache; when Redis is unreachable reads degrade
// to store pass-through instead of failing.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/codeready-toolchain/squadron/pkg/config"
)

// Entity names used for keys and per-entity counters.
const (
	EntityUser      = "user"
	EntityOrg       = "org"
	EntitySquad     = "squad"
	EntityMembers   = "members"
	EntityTask      = "task"
	EntityExecution = "execution"
)

const keyPrefix = "squadron:"

// Cache wraps a Redis client with per-entity TTLs, request coalescing,
// and hit/miss accounting.
type Cache struct {
	rdb      *redis.Client
	ttls     map[string]time.Duration
	sf       singleflight.Group
	counters *counterSet
}

// New connects to Redis and verifies the connection. A failed ping is not
// fatal: the cache starts degraded and recovers when Redis comes back.
func New(ctx context.Context, cfg config.CacheConfig) *Cache {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		slog.Warn("Cache backend unreachable, starting in pass-through mode",
			"addr", cfg.Addr, "error", err)
	}
	return NewWithClient(rdb, cfg)
}

// NewWithClient wraps an existing Redis client. Used by tests.
func NewWithClient(rdb *redis.Client, cfg config.CacheConfig) *Cache {
	return &Cache{
		rdb: rdb,
		ttls: map[string]time.Duration{
			EntityUser:      cfg.TTLUser,
			EntityOrg:       cfg.TTLOrg,
			EntitySquad:     cfg.TTLSquad,
			EntityMembers:   cfg.TTLMembers,
			EntityTask:      cfg.TTLTask,
			EntityExecution: cfg.TTLExecution,
		},
		counters: newCounterSet(),
	}
}

// Close releases the Redis connection.
func (c *Cache) Close() error {
	return c.rdb.Close()
}

func cacheKey(entity, id string) string {
	return keyPrefix + entity + ":" + id
}

// lookup is the read-through core: Redis GET, on miss coalesce concurrent
// loads per key, fill with the entity's TTL, and count the outcome. Any
// Redis failure degrades that one read to a direct store load.
func lookup[T any](ctx context.Context, c *Cache, entity, id string, load func(context.Context) (T, error)) (T, error) {
	var zero T
	key := cacheKey(entity, id)

	raw, err := c.rdb.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var v T
		if uerr := json.Unmarshal(raw, &v); uerr == nil {
			c.counters.hit(entity)
			return v, nil
		}
		// Corrupt entry: drop it and reload.
		_ = c.rdb.Del(ctx, key).Err()
	case err == redis.Nil:
		// Miss, fall through to the loader.
	default:
		c.counters.backendError(entity)
		c.counters.miss(entity)
		slog.Warn("Cache read failed, passing through to store",
			"entity", entity, "key", key, "error", err)
		return load(ctx)
	}

	// Every caller that reaches the loader is a miss, including those
	// coalesced onto an in-flight load, so hits+misses always equals the
	// number of reads.
	c.counters.miss(entity)
	v, err, _ := c.sf.Do(key, func() (any, error) {
		loaded, err := load(ctx)
		if err != nil {
			return nil, err
		}
		if data, merr := json.Marshal(loaded); merr == nil {
			if serr := c.rdb.Set(ctx, key, data, c.ttls[entity]).Err(); serr != nil {
				c.counters.backendError(entity)
				slog.Warn("Cache fill failed", "entity", entity, "key", key, "error", serr)
			}
		}
		return loaded, nil
	})
	if err != nil {
		return zero, err
	}
	return v.(T), nil
}

// Invalidate removes one cached entry.
func (c *Cache) Invalidate(ctx context.Context, entity, id string) error {
	c.counters.invalidation(entity)
	if err := c.rdb.Del(ctx, cacheKey(entity, id)).Err(); err != nil {
		c.counters.backendError(entity)
		return fmt.Errorf("failed to invalidate %s/%s: %w", entity, id, err)
	}
	return nil
}

// InvalidateSquad removes a squad's definition and roster entries.
// In-flight executions keep the configuration they started with; only
// future loads observe the change.
func (c *Cache) InvalidateSquad(ctx context.Context, squadID string) error {
	if err := c.Invalidate(ctx, EntitySquad, squadID); err != nil {
		return err
	}
	return c.Invalidate(ctx, EntityMembers, squadID)
}

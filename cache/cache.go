// Package cache is the TTL-bounded key/value cache (component H) fronting
// post aggregates, viewer state, thread contexts, labels, and list
// mute/block sets. Every operation degrades silently on cache-store
// unavailability — the system stays correct without it, just slower.
package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"atview.dev/common"
)

// Named cache TTLs per §4.H.
const (
	TTLPostAggregate = 5 * time.Minute
	TTLViewerState   = 10 * time.Minute
	TTLThreadContext = 30 * time.Minute
	TTLLabels        = time.Hour
	TTLListMembers   = 30 * time.Minute
)

// Config configures the Redis connection backing the cache.
type Config struct {
	Addr string
	DB   int
}

// Cache wraps a Redis client with the prefix-per-type key convention and
// silent degrade-on-error semantics §4.H requires.
type Cache struct {
	client *redis.Client
	log    *common.ContextLogger
}

// New creates the Redis client without pinging it, so an unreachable
// server does not prevent construction — the cache degrades to
// always-miss rather than blocking startup on a non-critical dependency.
func New(cfg Config) *Cache {
	client := redis.NewClient(&redis.Options{Addr: cfg.Addr, DB: cfg.DB})
	return &Cache{client: client, log: common.ComponentLogger("cache")}
}

func (c *Cache) Close() error {
	return c.client.Close()
}

// Get reads key into dest (a pointer), reporting whether it was found.
// Redis errors are logged and treated as a miss.
func (c *Cache) Get(ctx context.Context, key string, dest interface{}) bool {
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.log.WithError(err).WithField("key", key).Debug("cache get failed, treating as miss")
		}
		return false
	}
	if err := json.Unmarshal(data, dest); err != nil {
		c.log.WithError(err).WithField("key", key).Warn("cache value unmarshal failed")
		return false
	}
	return true
}

// Set writes value under key with the given TTL. Errors are logged, never
// returned — a cache write failure must never fail the caller's request.
func (c *Cache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) {
	data, err := json.Marshal(value)
	if err != nil {
		c.log.WithError(err).WithField("key", key).Warn("cache value marshal failed")
		return
	}
	if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
		c.log.WithError(err).WithField("key", key).Debug("cache set failed")
	}
}

// GetMany reads several keys at once via MGET, returning a key->raw-bytes
// map containing only the keys that were present.
func (c *Cache) GetMany(ctx context.Context, keys []string) map[string][]byte {
	out := make(map[string][]byte, len(keys))
	if len(keys) == 0 {
		return out
	}
	results, err := c.client.MGet(ctx, keys...).Result()
	if err != nil {
		c.log.WithError(err).Debug("cache getMany failed")
		return out
	}
	for i, r := range results {
		s, ok := r.(string)
		if !ok {
			continue
		}
		out[keys[i]] = []byte(s)
	}
	return out
}

// SetMany writes several key/value pairs sharing one TTL via a pipeline.
func (c *Cache) SetMany(ctx context.Context, values map[string]interface{}, ttl time.Duration) {
	if len(values) == 0 {
		return
	}
	pipe := c.client.Pipeline()
	for key, value := range values {
		data, err := json.Marshal(value)
		if err != nil {
			continue
		}
		pipe.Set(ctx, key, data, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		c.log.WithError(err).Debug("cache setMany failed")
	}
}

func (c *Cache) Delete(ctx context.Context, key string) {
	if err := c.client.Del(ctx, key).Err(); err != nil {
		c.log.WithError(err).WithField("key", key).Debug("cache delete failed")
	}
}

// invalidateScanBatch bounds how many keys SCAN returns per iteration, so
// invalidatePattern never blocks Redis with an unbounded KEYS-style scan.
const invalidateScanBatch = 100

// InvalidatePattern deletes every key matching a glob pattern using
// incremental SCAN cursoring in bounded batches, deleting in batches of
// invalidateScanBatch rather than collecting the full match set first.
func (c *Cache) InvalidatePattern(ctx context.Context, pattern string) {
	var cursor uint64
	for {
		keys, next, err := c.client.Scan(ctx, cursor, pattern, invalidateScanBatch).Result()
		if err != nil {
			c.log.WithError(err).WithField("pattern", pattern).Debug("cache scan failed")
			return
		}
		if len(keys) > 0 {
			if err := c.client.Del(ctx, keys...).Err(); err != nil {
				c.log.WithError(err).Debug("cache batch delete failed")
			}
		}
		cursor = next
		if cursor == 0 {
			return
		}
	}
}

// Key-building helpers, one per named cache (§4.H's prefix-per-type
// convention).

func PostAggregateKey(postURI string) string { return "post-agg:" + postURI }

func ViewerStateKey(viewerDID, postURI string) string { return "viewer:" + viewerDID + ":" + postURI }

// ViewerStatePrefix matches every post a given viewer's block state was
// cached against, for bulk invalidation when a block relationship changes
// rather than a single post's view of it.
func ViewerStatePrefix(viewerDID string) string { return "viewer:" + viewerDID + ":*" }

func ThreadContextKey(postURI string) string { return "thread:" + postURI }

func LabelsKey(subjectURI string) string { return "labels:" + subjectURI }

func ListMembersKey(listURI string) string { return "list-members:" + listURI }

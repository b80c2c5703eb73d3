package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub015/types"
)

const keyPrefix = "llmcache:"

// RedisCache implements types.Cache over a Redis string value holding a
// JSON-encoded result, keyed by fingerprint.
type RedisCache struct {
	rdb redis.Cmdable
}

func NewRedisCache(rdb redis.Cmdable) *RedisCache {
	return &RedisCache{rdb: rdb}
}

var _ types.Cache = (*RedisCache)(nil)

func (c *RedisCache) Get(ctx context.Context, fingerprint string) (map[string]any, bool, error) {
	raw, err := c.rdb.Get(ctx, keyPrefix+fingerprint).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var result map[string]any
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		return nil, false, err
	}
	return result, true, nil
}

func (c *RedisCache) Set(ctx context.Context, fingerprint string, result map[string]any, ttl time.Duration) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, keyPrefix+fingerprint, raw, ttl).Err()
}

func (c *RedisCache) ClearAll(ctx context.Context) (int, error) {
	iter := c.rdb.Scan(ctx, 0, keyPrefix+"*", 0).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return 0, err
	}
	if len(keys) == 0 {
		return 0, nil
	}
	if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
		return 0, err
	}
	return len(keys), nil
}

package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache is the optional shared cache tier for multi-instance
// deployments, using the teacher's chosen go-redis client. Values are
// JSON-encoded; callers needing typed results re-decode after Get.
type RedisCache struct {
	client *redis.Client
	prefix string
}

// NewRedisCache wraps an existing client; prefix namespaces all keys
// (e.g. "oracle:agg:").
func NewRedisCache(client *redis.Client, prefix string) *RedisCache {
	return &RedisCache{client: client, prefix: prefix}
}

func (c *RedisCache) Get(ctx context.Context, key string) (any, bool) {
	data, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if err != nil {
		return nil, false
	}
	var value any
	if json.Unmarshal(data, &value) != nil {
		return nil, false
	}
	return value, true
}

func (c *RedisCache) Set(ctx context.Context, key string, value any, ttl time.Duration) {
	data, err := json.Marshal(value)
	if err != nil {
		return
	}
	c.client.Set(ctx, c.prefix+key, data, ttl)
}

func (c *RedisCache) Delete(ctx context.Context, key string) {
	c.client.Del(ctx, c.prefix+key)
}

func (c *RedisCache) Len() int {
	ctx := context.Background()
	n, err := c.client.DBSize(ctx).Result()
	if err != nil {
		return 0
	}
	return int(n)
}

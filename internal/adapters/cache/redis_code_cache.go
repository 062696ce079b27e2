package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCodeCache caches referral code to subject resolution.
type RedisCodeCache struct {
	client *redis.Client
}

func NewRedisCodeCache(client *redis.Client) *RedisCodeCache {
	return &RedisCodeCache{client: client}
}

func (c *RedisCodeCache) Get(ctx context.Context, code string) (string, bool, error) {
	subjectID, err := c.client.Get(ctx, "refcode:"+code).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		return "", false, err
	}
	return subjectID, true, nil
}

func (c *RedisCodeCache) Put(ctx context.Context, code, subjectID string, ttl time.Duration) error {
	return c.client.Set(ctx, "refcode:"+code, subjectID, ttl).Err()
}

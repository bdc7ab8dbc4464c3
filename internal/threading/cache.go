package threading

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"switchboard/internal/config"
	"switchboard/pkg/circuitbreaker"
)

// Cache is the fast path of the deduplicator.
type Cache interface {
	SetNX(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error)
	Del(ctx context.Context, key string) error
}

type RedisCache struct {
	client redis.UniversalClient
}

func NewRedisCache(client redis.UniversalClient) *RedisCache {
	return &RedisCache{client: client}
}

func (r *RedisCache) SetNX(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error) {
	success, err := r.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis SetNX failed: %w", err)
	}
	return success, nil
}

func (r *RedisCache) Del(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis DEL failed: %w", err)
	}
	return nil
}

// BreakerCache trips after repeated cache failures so the deduplicator falls
// through to the message store without waiting on Redis.
type BreakerCache struct {
	cache Cache
	cb    *circuitbreaker.Breaker
}

func NewBreakerCache(cache Cache, cfg config.CircuitBreakerConfig) Cache {
	if !cfg.Enabled {
		return cache
	}
	return &BreakerCache{cache: cache, cb: circuitbreaker.New("redis-dedup", cfg)}
}

func (r *BreakerCache) SetNX(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error) {
	return circuitbreaker.Do(ctx, r.cb, func() (bool, error) {
		return r.cache.SetNX(ctx, key, value, ttl)
	})
}

func (r *BreakerCache) Del(ctx context.Context, key string) error {
	_, err := circuitbreaker.Do(ctx, r.cb, func() (struct{}, error) {
		return struct{}{}, r.cache.Del(ctx, key)
	})
	return err
}

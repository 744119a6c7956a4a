package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore is the shared-cache CounterStore for multi-instance
// deployments. Counters are plain INCR keys whose TTL realizes the window;
// locks are separate keys whose TTL realizes the lock duration.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
}

func NewRedisStore(rdb *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "rl"
	}
	return &RedisStore{rdb: rdb, prefix: prefix}
}

func (s *RedisStore) counterKey(key string) string { return s.prefix + ":" + key }
func (s *RedisStore) lockKey(key string) string    { return s.prefix + ":" + key + ":lock" }

func (s *RedisStore) Bump(ctx context.Context, key string, window time.Duration, now time.Time) (Counter, error) {
	count, err := s.rdb.Incr(ctx, s.counterKey(key)).Result()
	if err != nil {
		return Counter{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	// First failure in a fresh window starts the TTL clock; expiry of the
	// key is what resets the window.
	if count == 1 {
		if err := s.rdb.Expire(ctx, s.counterKey(key), window).Err(); err != nil {
			return Counter{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
	}

	return Counter{Count: count, WindowStart: now}, nil
}

func (s *RedisStore) Lock(ctx context.Context, key string, until time.Time) error {
	ttl := time.Until(until)
	if ttl <= 0 {
		return nil
	}
	if err := s.rdb.Set(ctx, s.lockKey(key), "1", ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (Counter, error) {
	var c Counter

	count, err := s.rdb.Get(ctx, s.counterKey(key)).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return Counter{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	c.Count = count

	ttl, err := s.rdb.PTTL(ctx, s.lockKey(key)).Result()
	if err != nil {
		return Counter{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if ttl > 0 {
		c.LockedUntil = time.Now().Add(ttl)
	}

	return c, nil
}

func (s *RedisStore) Reset(ctx context.Context, key string) error {
	if err := s.rdb.Del(ctx, s.counterKey(key), s.lockKey(key)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

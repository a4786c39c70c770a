package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisKV stores keys in a Redis hash per session so one session's state expires as a
// unit. Every write refreshes the hash TTL.
type RedisKV struct {
	Client *redis.Client
	Prefix string
	TTL    time.Duration
}

// ForSession returns a copy of r scoped to the given session identifier.
func (r RedisKV) ForSession(sessionID string) RedisKV {
	prefix := r.Prefix
	if prefix == "" {
		prefix = "storefront:session:"
	}
	r.Prefix = prefix + sessionID
	return r
}

func (r RedisKV) hashKey() string {
	if r.Prefix == "" {
		return "storefront:session:default"
	}
	return r.Prefix
}

// Get returns the stored value and whether it existed.
func (r RedisKV) Get(ctx context.Context, key string) (string, bool, error) {
	if r.Client == nil {
		return "", false, ErrNotConfigured
	}
	val, err := r.Client.HGet(ctx, r.hashKey(), key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis hget %s: %w", key, err)
	}
	return val, true, nil
}

// Set stores value under key.
func (r RedisKV) Set(ctx context.Context, key, value string) error {
	if r.Client == nil {
		return ErrNotConfigured
	}
	pipe := r.Client.TxPipeline()
	pipe.HSet(ctx, r.hashKey(), key, value)
	if r.TTL > 0 {
		pipe.Expire(ctx, r.hashKey(), r.TTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis hset %s: %w", key, err)
	}
	return nil
}

// Delete removes keys; missing keys are ignored.
func (r RedisKV) Delete(ctx context.Context, keys ...string) error {
	if r.Client == nil {
		return ErrNotConfigured
	}
	if len(keys) == 0 {
		return nil
	}
	if err := r.Client.HDel(ctx, r.hashKey(), keys...).Err(); err != nil {
		return fmt.Errorf("redis hdel: %w", err)
	}
	return nil
}

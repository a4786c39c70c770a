// Package lock serializes work across edge server instances with Redis.
package lock

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrHeld is returned by TryWithLock when another holder owns the key.
var ErrHeld = errors.New("lock: held by another request")

const releaseScript = `if redis.call("get", KEYS[1]) == ARGV[1] then
  return redis.call("del", KEYS[1])
else
  return 0
end`

// Locker provides a Redis-backed mutual exclusion keyed by string.
type Locker struct {
	R            *redis.Client
	RetryBackoff time.Duration
	TTL          time.Duration
}

// SessionKey is the lock guarding one shopper session's cart and checkout state.
func SessionKey(sessionID string) string {
	return "storefront:lock:session:" + sessionID
}

// SubmissionKey is the lock guarding one gateway transaction handle during verification.
func SubmissionKey(handle string) string {
	return "storefront:lock:submission:" + handle
}

func (l Locker) ttl(ttl time.Duration) time.Duration {
	switch {
	case ttl > 0:
		return ttl
	case l.TTL > 0:
		return l.TTL
	default:
		return 30 * time.Second
	}
}

// WithLock runs fn while holding key, waiting for the current holder to finish. The
// lock is released even when fn fails; ctx cancellation aborts the wait.
func (l Locker) WithLock(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) error) error {
	if l.R == nil {
		return errors.New("lock: redis client not configured")
	}
	if fn == nil {
		return errors.New("lock: callback not provided")
	}
	ttl = l.ttl(ttl)
	token := uuid.NewString()
	retry := l.RetryBackoff
	if retry <= 0 {
		retry = 50 * time.Millisecond
	}

	for {
		ok, err := l.R.SetNX(ctx, key, token, ttl).Result()
		if err != nil {
			return err
		}
		if ok {
			defer l.release(context.WithoutCancel(ctx), key, token)
			return fn(ctx)
		}
		timer := time.NewTimer(retry)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// TryWithLock runs fn only if key is free right now; otherwise it returns ErrHeld.
func (l Locker) TryWithLock(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) error) error {
	if l.R == nil {
		return errors.New("lock: redis client not configured")
	}
	token := uuid.NewString()
	ok, err := l.R.SetNX(ctx, key, token, l.ttl(ttl)).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrHeld
	}
	defer l.release(context.WithoutCancel(ctx), key, token)
	return fn(ctx)
}

func (l Locker) release(ctx context.Context, key, token string) {
	if err := l.R.Eval(ctx, releaseScript, []string{key}, token).Err(); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "unknown command") {
			_ = l.R.Del(ctx, key).Err()
		}
	}
}

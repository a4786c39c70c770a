// Package ratelimit throttles edge requests per client address and per session.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	limiter "github.com/ulule/limiter/v3"
	limiterredis "github.com/ulule/limiter/v3/drivers/store/redis"
)

// Decision is the outcome of one rate check.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// Limiter decides whether the caller identified by key may proceed.
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
}

// Fixed is a fixed-window limiter backed by ulule/limiter's Redis store. It guards
// the whole edge API per client address.
type Fixed struct {
	l *limiter.Limiter
}

// NewFixed allows max requests per period for every key.
func NewFixed(client *redis.Client, prefix string, max int, period time.Duration) (*Fixed, error) {
	if prefix == "" {
		prefix = "storefront:ratelimit"
	}
	store, err := limiterredis.NewStoreWithOptions(client, limiter.StoreOptions{Prefix: prefix})
	if err != nil {
		return nil, fmt.Errorf("ratelimit: redis store: %w", err)
	}
	return &Fixed{l: limiter.New(store, limiter.Rate{Period: period, Limit: int64(max)})}, nil
}

// Allow counts one request for key.
func (f *Fixed) Allow(ctx context.Context, key string) (Decision, error) {
	res, err := f.l.Get(ctx, key)
	if err != nil {
		return Decision{Allowed: true}, err
	}
	return Decision{
		Allowed:   !res.Reached,
		Limit:     int(res.Limit),
		Remaining: int(res.Remaining),
		ResetAt:   time.Unix(res.Reset, 0),
	}, nil
}

// Sliding is a sliding-window limiter on a Redis sorted set. It throttles sensitive
// per-session actions such as coupon attempts, where a fixed window would allow a
// burst across the boundary.
type Sliding struct {
	Client *redis.Client
	Prefix string
	Window time.Duration
	Max    int
	Now    func() time.Time
}

func (s Sliding) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Allow records an attempt for key and reports whether it is within the window.
func (s Sliding) Allow(ctx context.Context, key string) (Decision, error) {
	now := s.now()
	reset := now.Add(s.Window)
	if s.Client == nil || s.Max <= 0 || s.Window <= 0 {
		return Decision{Allowed: true, Limit: s.Max, Remaining: s.Max, ResetAt: reset}, nil
	}

	redisKey := s.Prefix + key
	cutoff := float64(now.Add(-s.Window).UnixNano())
	pipe := s.Client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, redisKey, "-inf", fmt.Sprintf("%f", cutoff))
	pipe.ZAdd(ctx, redisKey, redis.Z{Score: float64(now.UnixNano()), Member: uuid.NewString()})
	count := pipe.ZCard(ctx, redisKey)
	pipe.PExpire(ctx, redisKey, s.Window)
	if _, err := pipe.Exec(ctx); err != nil {
		return Decision{Allowed: true, Limit: s.Max, ResetAt: reset}, err
	}

	current := int(count.Val())
	return Decision{
		Allowed:   current <= s.Max,
		Limit:     s.Max,
		Remaining: max(s.Max-current, 0),
		ResetAt:   reset,
	}, nil
}

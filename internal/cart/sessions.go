package cart

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/vibethread/storefront/internal/lock"
	"github.com/vibethread/storefront/internal/storage"
)

// Sessions hands the edge server one store per shopper session. Session state lives in
// Redis so any instance can serve any request; mutations of one session are
// serialized with a Redis lock.
type Sessions struct {
	Redis       *redis.Client
	Locker      lock.Locker
	TTL         time.Duration
	LockTTL     time.Duration
	MaxQuantity int
	Now         func() time.Time
	Logger      zerolog.Logger
}

// KV returns the key/value view of one session.
func (s Sessions) KV(sessionID string) storage.KV {
	ttl := s.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return storage.RedisKV{Client: s.Redis, TTL: ttl}.ForSession(sessionID)
}

// Open loads the session's cart without taking the session lock. Use it for reads.
func (s Sessions) Open(ctx context.Context, sessionID string) (*Store, error) {
	st := &Store{
		KV:          s.KV(sessionID),
		TTL:         s.TTL,
		MaxQuantity: s.MaxQuantity,
		Now:         s.Now,
		Logger:      s.Logger.With().Str("session_id", sessionID).Logger(),
	}
	if err := st.Load(ctx); err != nil {
		return nil, err
	}
	return st, nil
}

// WithStore runs fn with the session's cart while holding the session lock, so two
// requests of the same shopper never interleave their read-modify-write.
func (s Sessions) WithStore(ctx context.Context, sessionID string, fn func(context.Context, *Store) error) error {
	return s.Locker.WithLock(ctx, lock.SessionKey(sessionID), s.LockTTL, func(ctx context.Context) error {
		st, err := s.Open(ctx, sessionID)
		if err != nil {
			return err
		}
		return fn(ctx, st)
	})
}

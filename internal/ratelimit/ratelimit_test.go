package ratelimit_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/vibethread/storefront/internal/common"
	"github.com/vibethread/storefront/internal/ratelimit"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func TestSlidingWindow(t *testing.T) {
	_, rdb := newRedis(t)
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	s := ratelimit.Sliding{Client: rdb, Prefix: "rl:", Window: time.Minute, Max: 2, Now: func() time.Time { return now }}
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		d, err := s.Allow(ctx, "coupon:s1")
		require.NoError(t, err)
		require.True(t, d.Allowed)
	}
	d, err := s.Allow(ctx, "coupon:s1")
	require.NoError(t, err)
	require.False(t, d.Allowed)
	require.Zero(t, d.Remaining)

	d, err = s.Allow(ctx, "coupon:s2")
	require.NoError(t, err)
	require.True(t, d.Allowed)

	now = now.Add(61 * time.Second)
	d, err = s.Allow(ctx, "coupon:s1")
	require.NoError(t, err)
	require.True(t, d.Allowed)
}

func TestSlidingDisabledWithoutRedis(t *testing.T) {
	d, err := ratelimit.Sliding{Max: 1, Window: time.Second}.Allow(context.Background(), "k")
	require.NoError(t, err)
	require.True(t, d.Allowed)
}

func TestFixedMiddlewareRejectsOverLimit(t *testing.T) {
	_, rdb := newRedis(t)
	fixed, err := ratelimit.NewFixed(rdb, "", 1, time.Minute)
	require.NoError(t, err)

	h := ratelimit.Middleware{Limiter: fixed, Key: ratelimit.ByIP, Logger: zerolog.Nop()}.Handler(
		http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) }),
	)
	req := httptest.NewRequest(http.MethodGet, "/api/products", nil)
	req.RemoteAddr = "203.0.113.9:5000"

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "1", rec.Header().Get("X-RateLimit-Limit"))

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.NotEmpty(t, rec.Header().Get("Retry-After"))

	other := req.Clone(req.Context())
	other.RemoteAddr = "203.0.113.10:5000"
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, other)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestMiddlewareFailsOpen(t *testing.T) {
	mr, rdb := newRedis(t)
	s := ratelimit.Sliding{Client: rdb, Window: time.Minute, Max: 1}
	mr.Close()

	h := ratelimit.Middleware{Limiter: s, Key: ratelimit.BySession, Logger: zerolog.Nop()}.Handler(
		http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) }),
	)
	req := httptest.NewRequest(http.MethodPost, "/api/cart/discount", nil)
	req = req.WithContext(common.WithSessionID(req.Context(), "s1"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)
}

package session_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/vibethread/storefront/internal/backend"
	"github.com/vibethread/storefront/internal/common"
	"github.com/vibethread/storefront/internal/session"
	"github.com/vibethread/storefront/internal/storage"
)

func TestMiddlewareIssuesAndResolvesSession(t *testing.T) {
	var seen []string
	h := session.Manager{Logger: zerolog.Nop()}.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := common.SessionID(r.Context())
		require.True(t, ok)
		seen = append(seen, id)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	require.Equal(t, "vt_session", cookies[0].Name)
	require.True(t, cookies[0].HttpOnly)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(cookies[0])
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Empty(t, rec.Result().Cookies())
	require.Equal(t, seen[0], seen[1])

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: "vt_session", Value: "../../etc"})
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Len(t, rec.Result().Cookies(), 1)
	require.NotEqual(t, "../../etc", seen[2])
}

func TestMiddlewarePersistsBackendLogin(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	kvOf := func(id string) storage.KV { return storage.RedisKV{Client: rdb}.ForSession(id) }

	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := r.Cookie("token"); err != nil {
			http.SetCookie(w, &http.Cookie{Name: "token", Value: "t-1", MaxAge: 3600})
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(api.Close)
	cl, err := backend.New(backend.Options{BaseURL: api.URL, MaxAttempts: 1, BreakerMinReq: 100, BreakerRatio: 0.9, Logger: zerolog.Nop()})
	require.NoError(t, err)

	var statuses []int
	h := session.Manager{KV: kvOf, Logger: zerolog.Nop()}.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp, err := cl.Fetch(r.Context(), backend.Request{Path: "/api/auth/me"})
		require.NoError(t, err)
		statuses = append(statuses, resp.Status)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	sess := rec.Result().Cookies()[0]

	_, ok, err := kvOf(sess.Value).Get(context.Background(), storage.KeyBackendCookies)
	require.NoError(t, err)
	require.True(t, ok)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(sess)
	h.ServeHTTP(httptest.NewRecorder(), req)
	require.Equal(t, []int{http.StatusOK, http.StatusNoContent}, statuses)
}

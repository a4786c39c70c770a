package health_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/vibethread/storefront/internal/backend"
	"github.com/vibethread/storefront/internal/health"
)

func newBackend(t *testing.T, status int) *backend.Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{}`))
	}))
	t.Cleanup(srv.Close)
	cl, err := backend.New(backend.Options{
		BaseURL:        srv.URL,
		Timeout:        time.Second,
		MaxAttempts:    1,
		Backoff:        time.Millisecond,
		BreakerMinReq:  100,
		BreakerRatio:   0.9,
		BreakerOpenFor: time.Second,
		Logger:         zerolog.Nop(),
	})
	require.NoError(t, err)
	return cl
}

func ready(t *testing.T, h health.Handler) (int, map[string]string) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.Ready(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return rec.Code, body
}

func TestLive(t *testing.T) {
	rec := httptest.NewRecorder()
	health.Handler{}.Live(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok", rec.Body.String())
}

func TestReadyChecksRedisAndBackend(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	h := health.Handler{Probes: []health.Probe{
		health.RedisProbe{Client: rdb},
		health.BackendProbe{Backend: newBackend(t, http.StatusNotFound)},
	}}
	code, body := ready(t, h)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, map[string]string{"redis": "ok", "backend": "ok"}, body)

	mr.Close()
	code, body = ready(t, h)
	require.Equal(t, http.StatusServiceUnavailable, code)
	require.NotEqual(t, "ok", body["redis"])
}

func TestReadyFailsOnBackendOutage(t *testing.T) {
	h := health.Handler{Probes: []health.Probe{health.BackendProbe{Backend: newBackend(t, http.StatusBadGateway)}}}
	code, body := ready(t, h)
	require.Equal(t, http.StatusServiceUnavailable, code)
	require.NotEqual(t, "ok", body["backend"])
}

func TestReadyWhileDraining(t *testing.T) {
	health.SetReady(false)
	t.Cleanup(func() { health.SetReady(true) })
	code, body := ready(t, health.Handler{})
	require.Equal(t, http.StatusServiceUnavailable, code)
	require.Equal(t, "draining", body["status"])
}

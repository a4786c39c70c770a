package obs_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/vibethread/storefront/internal/common"
	"github.com/vibethread/storefront/internal/obs"
)

func TestHTTPMetricsLabels(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := obs.NewHTTPMetrics("storefront", []float64{1, 10}, registry)

	r := chi.NewRouter()
	r.Use(obs.HTTPObs{Metrics: metrics}.Middleware)
	r.Get("/cart/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/cart/abc", nil))
	require.Equal(t, http.StatusNoContent, rr.Code)

	total := testutil.ToFloat64(metrics.ReqTotal.WithLabelValues(http.MethodGet, "/cart/{id}", "204"))
	require.Equal(t, 1.0, total)
	require.NotZero(t, testutil.CollectAndCount(metrics.ReqDur))
	require.Equal(t, 0.0, testutil.ToFloat64(metrics.InFlight))
}

func TestHTTPMetricsReuseRegistration(t *testing.T) {
	registry := prometheus.NewRegistry()
	first := obs.NewHTTPMetrics("storefront", nil, registry)
	second := obs.NewHTTPMetrics("storefront", nil, registry)
	require.Same(t, first.ReqTotal, second.ReqTotal)
}

func TestRequestLoggerAttachesContextLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	var sawLogger bool
	handler := middleware.RequestID(obs.RequestLogger{Logger: logger}.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawLogger = zerolog.Ctx(r.Context()).GetLevel() != zerolog.Disabled
		w.WriteHeader(http.StatusAccepted)
	})))

	req := httptest.NewRequest(http.MethodPost, "/checkout", nil)
	req = req.WithContext(common.WithSessionID(req.Context(), "sess-1"))
	handler.ServeHTTP(httptest.NewRecorder(), req)

	require.True(t, sawLogger)
	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	require.Equal(t, "http_request", entry["message"])
	require.Equal(t, float64(http.StatusAccepted), entry["status"])
	require.Equal(t, "sess-1", entry["session_id"])
	require.NotEmpty(t, entry["request_id"])
}

func TestClientMetricsObserve(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := obs.NewClientMetrics("storefront", registry)
	m.Observe(http.MethodGet, "/api/shipping", "ok", 0)
	require.Equal(t, 1.0, testutil.ToFloat64(m.Calls.WithLabelValues(http.MethodGet, "/api/shipping", "ok")))

	var nilMetrics *obs.ClientMetrics
	require.NotPanics(t, func() { nilMetrics.Observe(http.MethodGet, "/x", "ok", 0) })
}

func TestParseBucketsCSV(t *testing.T) {
	require.Equal(t, []float64{5, 50}, obs.ParseBucketsCSV("5, nope, -1, 50"))
	require.Nil(t, obs.ParseBucketsCSV("  "))
}

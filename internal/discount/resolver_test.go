package discount_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/vibethread/storefront/internal/backend"
	"github.com/vibethread/storefront/internal/common"
	"github.com/vibethread/storefront/internal/discount"
)

func newResolver(t *testing.T, h http.Handler) discount.Resolver {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	cl, err := backend.New(backend.Options{BaseURL: srv.URL, Timeout: time.Second, MaxAttempts: 1, Logger: zerolog.Nop()})
	require.NoError(t, err)
	return discount.Resolver{
		Backend: cl,
		Logger:  zerolog.Nop(),
		Now:     func() time.Time { return time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC) },
	}
}

func TestValidateAppliesPercentage(t *testing.T) {
	codes := make(chan any, 1)
	r := newResolver(t, http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(req.Body).Decode(&body)
		codes <- body["code"]
		_, _ = w.Write([]byte(`{"success":true,"discountAmount":24,"discount":{"code":"VIBE10","discountType":"percentage","discountValue":10}}`))
	}))

	res, err := r.Validate(context.Background(), " vibe10 ", dec("240"))
	require.NoError(t, err)
	require.Equal(t, "VIBE10", <-codes)
	require.Equal(t, "VIBE10", res.Code)
	require.Equal(t, discount.Percentage, res.Kind)
	require.True(t, dec("24").Equal(res.ComputedAmount))
	require.True(t, dec("24").Equal(res.Applied().Amount))
}

func TestValidateLegacyAnswerCapsFixedAmount(t *testing.T) {
	r := newResolver(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"success":true,"discountAmount":500,"discountType":"fixed"}`))
	}))
	res, err := r.Validate(context.Background(), "BIG500", dec("240"))
	require.NoError(t, err)
	require.Equal(t, discount.FixedAmount, res.Kind)
	require.True(t, dec("240").Equal(res.ComputedAmount))
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		reason discount.Reason
		kind   common.Kind
	}{
		{"unknown code", http.StatusNotFound, `{"message":"Discount code not found"}`, discount.CodeNotFound, common.KindRemoteRejection},
		{"expired", http.StatusBadRequest, `{"message":"This code has expired"}`, discount.CodeExpired, common.KindRemoteRejection},
		{"minimum", http.StatusBadRequest, `{"message":"Minimum order amount is 999"}`, discount.MinimumNotMet, common.KindRemoteRejection},
		{"success false", http.StatusOK, `{"success":false,"message":"Invalid code"}`, discount.CodeNotFound, common.KindRemoteRejection},
		{"server down", http.StatusInternalServerError, `{}`, discount.ServerError, common.KindNetwork},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := newResolver(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			_, err := r.Validate(context.Background(), "NOPE", dec("100"))
			require.Error(t, err)
			require.Equal(t, tc.reason, discount.ReasonOf(err))
			require.Equal(t, tc.kind, common.KindOf(err))
		})
	}
}

func TestValidateEmptyCodeSkipsNetwork(t *testing.T) {
	var calls atomic.Int32
	r := newResolver(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
	}))
	_, err := r.Validate(context.Background(), "   ", dec("100"))
	require.ErrorIs(t, err, discount.ErrCodeRequired)
	require.Zero(t, calls.Load())
}

func TestListAvailableDropsExpired(t *testing.T) {
	r := newResolver(t, http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Path != "/api/discounts/available" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(`[
			{"_id":"1","code":"vibe10","discountType":"percentage","discountValue":10},
			{"_id":"2","code":"OLD","discountType":"fixed","discountValue":50,"expiresAt":"2026-01-01T00:00:00Z"}
		]`))
	}))
	list, err := r.ListAvailable(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, "VIBE10", list[0].Code)
}

func TestSelectValidatesTheCode(t *testing.T) {
	r := newResolver(t, http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(req.Body).Decode(&body)
		if body["code"] != "FLAT50" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(`{"success":true,"discountAmount":50,"discount":{"code":"FLAT50","discountType":"fixed","discountValue":50}}`))
	}))
	res, err := r.Select(context.Background(), discount.Discount{Code: "flat50"}, dec("300"))
	require.NoError(t, err)
	require.True(t, dec("50").Equal(res.ComputedAmount))
}

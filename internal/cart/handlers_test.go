package cart_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/vibethread/storefront/internal/cart"
	"github.com/vibethread/storefront/internal/common"
	"github.com/vibethread/storefront/internal/discount"
	"github.com/vibethread/storefront/internal/lock"
)

type flatShipping struct {
	calls int
	last  decimal.Decimal
}

func (f *flatShipping) Quote(_ context.Context, orderValue decimal.Decimal) decimal.Decimal {
	f.calls++
	f.last = orderValue
	return decimal.NewFromInt(40)
}

type stubResolver struct{}

func (stubResolver) Validate(_ context.Context, code string, amount decimal.Decimal) (discount.Resolution, error) {
	if discount.NormalizeCode(code) != "VIBE10" {
		return discount.Resolution{}, &discount.Rejection{Code: code, Reason: discount.CodeNotFound, Message: "Invalid code",
			Err: common.Rejection("Invalid code", http.StatusNotFound, nil)}
	}
	d := discount.Discount{Code: "VIBE10", Kind: discount.Percentage, Value: decimal.NewFromInt(10)}
	return discount.Resolution{Discount: d, ComputedAmount: d.Amount(amount)}, nil
}

func (stubResolver) ListAvailable(context.Context) ([]discount.Discount, error) {
	return []discount.Discount{{Code: "VIBE10", Kind: discount.Percentage, Value: decimal.NewFromInt(10)}}, nil
}

type harness struct {
	router   http.Handler
	shipping *flatShipping
}

func newHarness(t *testing.T) harness {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	ship := &flatShipping{}
	h := &cart.Handler{
		Sessions: cart.Sessions{
			Redis:   rdb,
			Locker:  lock.Locker{R: rdb, RetryBackoff: time.Millisecond},
			TTL:     time.Hour,
			LockTTL: time.Second,
			Logger:  zerolog.Nop(),
		},
		Discounts: stubResolver{},
		Shipping:  ship,
		Currency:  "INR",
	}
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if id := req.Header.Get("X-Test-Session"); id != "" {
				req = req.WithContext(common.WithSessionID(req.Context(), id))
			}
			next.ServeHTTP(w, req)
		})
	})
	r.Route("/cart", h.Routes)
	return harness{router: r, shipping: ship}
}

func (h harness) do(t *testing.T, method, path, session string, body any) (int, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if session != "" {
		req.Header.Set("X-Test-Session", session)
	}
	rr := httptest.NewRecorder()
	h.router.ServeHTTP(rr, req)
	var out map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))
	return rr.Code, out
}

func dataOf(t *testing.T, body map[string]any) map[string]any {
	t.Helper()
	data, ok := body["data"].(map[string]any)
	require.True(t, ok, "missing data in %v", body)
	return data
}

func TestHandlerAddAndView(t *testing.T) {
	h := newHarness(t)
	item := map[string]any{"slug": "red-tee", "selectedColor": "Red", "selectedSize": "M", "price": 240, "countInStock": 3}

	for i := 0; i < 4; i++ {
		code, _ := h.do(t, http.MethodPost, "/cart/items", "s1", item)
		require.Equal(t, http.StatusOK, code)
	}
	code, body := h.do(t, http.MethodGet, "/cart", "s1", nil)
	require.Equal(t, http.StatusOK, code)
	data := dataOf(t, body)
	summary := data["summary"].(map[string]any)
	require.Equal(t, float64(3), summary["totalItems"])
	pricing := data["pricing"].(map[string]any)
	require.Equal(t, "₹760.00", pricing["finalTotal"])

	code, body = h.do(t, http.MethodGet, "/cart", "other", nil)
	require.Equal(t, http.StatusOK, code)
	require.Empty(t, dataOf(t, body)["items"])
}

func TestHandlerEmptyCartSkipsShippingQuote(t *testing.T) {
	h := newHarness(t)
	code, _ := h.do(t, http.MethodGet, "/cart", "s1", nil)
	require.Equal(t, http.StatusOK, code)
	require.Zero(t, h.shipping.calls)
}

func TestHandlerDiscountLifecycle(t *testing.T) {
	h := newHarness(t)
	item := map[string]any{"slug": "red-tee", "selectedColor": "Red", "selectedSize": "M", "price": 200, "countInStock": 3}
	code, _ := h.do(t, http.MethodPost, "/cart/items", "s1", item)
	require.Equal(t, http.StatusOK, code)

	code, body := h.do(t, http.MethodPost, "/cart/discount", "s1", map[string]any{"code": "nope"})
	require.Equal(t, http.StatusNotFound, code)
	require.Equal(t, string(common.KindRemoteRejection), body["error"].(map[string]any)["code"])

	code, body = h.do(t, http.MethodPost, "/cart/discount", "s1", map[string]any{"code": "vibe10"})
	require.Equal(t, http.StatusOK, code)
	disc := dataOf(t, body)["discount"].(map[string]any)
	require.Equal(t, "VIBE10", disc["code"])
	require.Equal(t, "20.00", disc["discountAmount"])

	code, _ = h.do(t, http.MethodPost, "/cart/discount", "s1", map[string]any{"code": "vibe10"})
	require.Equal(t, http.StatusConflict, code)

	code, body = h.do(t, http.MethodDelete, "/cart/discount", "s1", nil)
	require.Equal(t, http.StatusOK, code)
	require.Nil(t, dataOf(t, body)["discount"])
}

func TestHandlerValidation(t *testing.T) {
	h := newHarness(t)
	code, body := h.do(t, http.MethodPost, "/cart/items", "s1", map[string]any{"price": 10})
	require.Equal(t, http.StatusBadRequest, code)
	require.Equal(t, string(common.KindValidation), body["error"].(map[string]any)["code"])

	code, _ = h.do(t, http.MethodPatch, "/cart/items/quantity", "s1", map[string]any{"slug": "ghost", "direction": "increase", "stockLimit": 2})
	require.Equal(t, http.StatusNotFound, code)

	code, _ = h.do(t, http.MethodPatch, "/cart/items/quantity", "s1", map[string]any{"slug": "ghost", "direction": "sideways"})
	require.Equal(t, http.StatusBadRequest, code)

	code, _ = h.do(t, http.MethodGet, "/cart", "", nil)
	require.Equal(t, http.StatusUnauthorized, code)
}

func TestHandlerAvailableDiscounts(t *testing.T) {
	h := newHarness(t)
	code, body := h.do(t, http.MethodGet, "/cart/discounts/available", "s1", nil)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, body["data"], 1)
}

func TestHandlerQuotesShippingAfterCoupon(t *testing.T) {
	h := newHarness(t)
	item := map[string]any{"slug": "red-tee", "selectedColor": "Red", "selectedSize": "M", "price": 200, "countInStock": 3}
	code, _ := h.do(t, http.MethodPost, "/cart/items", "s1", item)
	require.Equal(t, http.StatusOK, code)
	code, _ = h.do(t, http.MethodPost, "/cart/discount", "s1", map[string]any{"code": "vibe10"})
	require.Equal(t, http.StatusOK, code)

	code, body := h.do(t, http.MethodGet, "/cart", "s1", nil)
	require.Equal(t, http.StatusOK, code)
	require.True(t, decimal.NewFromInt(180).Equal(h.shipping.last), "quoted on %s", h.shipping.last)
	require.Equal(t, "₹220.00", dataOf(t, body)["pricing"].(map[string]any)["finalTotal"])
}

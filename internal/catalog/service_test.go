package catalog_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"

	"github.com/vibethread/storefront/internal/backend"
	"github.com/vibethread/storefront/internal/cart"
	"github.com/vibethread/storefront/internal/catalog"
	"github.com/vibethread/storefront/internal/common"
)

const redTee = `{"product":{"_id":"p1","name":"Red Tee","slug":"red-tee","price":250,"discountPrice":240,"countInStock":7,
"images":["/img/tee.jpg"],
"colors":[{"name":"Red","images":["/img/red.jpg"],"sizes":{"M":{"quantity":3,"sku":"TEE-RED-M"},"L":{"quantity":0,"sku":"TEE-RED-L"}}}]}}`

func newFixture(t *testing.T, handler http.HandlerFunc) (*catalog.Service, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		handler(w, r)
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

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	svc, err := catalog.NewService(catalog.ServiceConfig{
		Backend: cl,
		Cache:   catalog.NewCache(rdb, "", time.Minute),
		Logger:  zerolog.Nop(),
		Workers: 2,
	})
	require.NoError(t, err)
	return svc, &hits
}

func TestGetCachesProduct(t *testing.T) {
	svc, hits := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/products/red-tee" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(redTee))
	})

	for i := 0; i < 3; i++ {
		p, err := svc.Get(context.Background(), "red-tee")
		require.NoError(t, err)
		require.Equal(t, "TEE-RED-M", p.SKU("red", "M"))
		require.True(t, p.DiscountPrice.Decimal.Equal(decimal.NewFromInt(240)))
	}
	require.Equal(t, int32(1), hits.Load())

	_, err := svc.Get(context.Background(), "  ")
	require.ErrorIs(t, err, catalog.ErrSlugRequired)
}

func TestProductVariantHelpers(t *testing.T) {
	var wrapped struct {
		Product catalog.Product `json:"product"`
	}
	require.NoError(t, json.Unmarshal([]byte(redTee), &wrapped))
	p := wrapped.Product

	require.Equal(t, 3, p.Stock("Red", "M"))
	require.Equal(t, 0, p.Stock("Red", "L"))
	require.Equal(t, 7, p.Stock("Blue", "M"))
	require.Equal(t, "/img/red.jpg", p.Image("Blue"))
	require.Empty(t, p.SKU("Blue", "M"))
}

func TestEnrichCollectsPartialFailures(t *testing.T) {
	svc, _ := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/products/red-tee":
			_, _ = w.Write([]byte(redTee))
		case "/api/products/blue-cap":
			_, _ = w.Write([]byte(`{"product":{"_id":"p2","name":"Blue Cap","slug":"blue-cap","price":199}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"message":"Product not found"}`))
		}
	})

	lines := []cart.LineItem{
		{Slug: "red-tee", Color: "red", Size: "M", Quantity: 2, UnitPrice: decimal.NewFromInt(240)},
		{Slug: "ghost", Color: "Black", Size: "S", Quantity: 1, UnitPrice: decimal.NewFromInt(100)},
		{Slug: "blue-cap", Color: "Blue", Size: "Free", Quantity: 1, UnitPrice: decimal.NewFromInt(199)},
	}
	out, err := svc.Enrich(context.Background(), lines)
	require.Error(t, err)
	require.Len(t, multierr.Errors(err), 1)
	var ee *catalog.EnrichError
	require.ErrorAs(t, err, &ee)
	require.Equal(t, "ghost-Black-S", ee.Key)
	require.Equal(t, common.KindRemoteRejection, common.KindOf(ee.Err))

	require.Len(t, out, 2)
	require.Equal(t, "red-tee", out[0].Slug)
	require.Equal(t, "TEE-RED-M", out[0].SKU)
	require.Equal(t, "p1", out[0].ProductID)
	require.Equal(t, 2, out[0].Quantity)
	require.Equal(t, "red", out[0].Color)
	require.Equal(t, "blue-cap", out[1].Slug)
	require.Empty(t, out[1].SKU)
}

func TestSuggestFetchesBothSources(t *testing.T) {
	svc, hits := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/products/suggestions":
			_, _ = w.Write([]byte(`{"products":[{"_id":"p1","name":"Red Tee","slug":"red-tee","price":250}]}`))
		case "/api/products/tags/suggestions":
			_, _ = w.Write([]byte(`["tee",{"name":"oversized"}]`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	out, err := svc.Suggest(context.Background(), "te")
	require.NoError(t, err)
	require.Empty(t, out.Products)
	require.Zero(t, hits.Load())

	out, err = svc.Suggest(context.Background(), "tee")
	require.NoError(t, err)
	require.Len(t, out.Products, 1)
	require.Equal(t, []string{"tee", "oversized"}, out.Tags)
	require.Equal(t, int32(2), hits.Load())
}

func TestSearchFallsBackToTopProducts(t *testing.T) {
	svc, _ := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/products":
			if r.URL.Query().Get("color") != "Red,Blue" {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			_, _ = w.Write([]byte(`{"products":[],"page":1,"pages":0}`))
		case "/api/products/top":
			_, _ = w.Write([]byte(`{"products":[{"_id":"p9","slug":"best","name":"Best","price":500}]}`))
		}
	})
	params, err := svc.ParseListParams(url.Values{"query": {"nothing"}, "color": {"Red, Blue"}, "sort": {"pricelowhigh"}})
	require.NoError(t, err)
	require.Equal(t, "priceLowHigh", params.Sort)

	page, top, err := svc.Search(context.Background(), params)
	require.NoError(t, err)
	require.Empty(t, page.Products)
	require.False(t, page.HasMore())
	require.Len(t, top, 1)
}

func TestParseListParamsRejectsBadPaging(t *testing.T) {
	svc, _ := newFixture(t, func(http.ResponseWriter, *http.Request) {})
	_, err := svc.ParseListParams(url.Values{"page": {"0"}, "limit": {"x"}})
	require.Error(t, err)
	require.Equal(t, common.KindValidation, common.KindOf(err))

	params, err := svc.ParseListParams(url.Values{"limit": {"1000"}})
	require.NoError(t, err)
	require.Equal(t, 60, params.Limit)
}

func TestReviewInvalidatesCache(t *testing.T) {
	var reviewed atomic.Bool
	svc, hits := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/api/products/red-tee/review":
			reviewed.Store(true)
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{"message":"Review added"}`))
		case r.URL.Path == "/api/products/red-tee":
			body := redTee
			if reviewed.Load() {
				body = strings.Replace(redTee, `"price":250`, `"price":250,"numReviews":1`, 1)
			}
			_, _ = w.Write([]byte(body))
		}
	})
	ctx := context.Background()
	_, err := svc.Get(ctx, "red-tee")
	require.NoError(t, err)

	err = svc.Review(ctx, "red-tee", 6, "")
	require.Equal(t, common.KindValidation, common.KindOf(err))

	require.NoError(t, svc.Review(ctx, "red-tee", 5, "Great fit"))
	p, err := svc.Get(ctx, "red-tee")
	require.NoError(t, err)
	require.Equal(t, 1, p.NumReviews)
	require.Equal(t, int32(3), hits.Load())
}

func TestHandlerProductDetail(t *testing.T) {
	svc, _ := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/products/red-tee" {
			_, _ = w.Write([]byte(redTee))
			return
		}
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"message":"Product not found"}`))
	})
	router := chi.NewRouter()
	router.Route("/products", catalog.NewHandler(catalog.HandlerConfig{Service: svc}).Routes)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/products/red-tee", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	var body struct {
		Data catalog.Product `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Equal(t, "Red Tee", body.Data.Name)

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/products/ghost", nil))
	require.Equal(t, http.StatusNotFound, rr.Code)
	require.Contains(t, rr.Body.String(), "Product not found")
}

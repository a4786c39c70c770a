package orders_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/vibethread/storefront/internal/backend"
	"github.com/vibethread/storefront/internal/common"
	"github.com/vibethread/storefront/internal/events"
	"github.com/vibethread/storefront/internal/lock"
	"github.com/vibethread/storefront/internal/orders"
	"github.com/vibethread/storefront/internal/storage"
)

type recorded struct {
	method string
	path   string
	query  string
	body   map[string]any
}

func newService(t *testing.T, h http.HandlerFunc) (orders.Service, *[]recorded) {
	t.Helper()
	var (
		mu  sync.Mutex
		log []recorded
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := recorded{method: r.Method, path: r.URL.Path, query: r.URL.RawQuery}
		if r.Body != nil {
			data, _ := io.ReadAll(r.Body)
			if len(data) > 0 {
				_ = json.Unmarshal(data, &rec.body)
			}
		}
		mu.Lock()
		log = append(log, rec)
		mu.Unlock()
		h(w, r)
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
	return orders.Service{Backend: cl, Logger: zerolog.Nop()}, &log
}

func writeJSON(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(body))
}

func TestHistoryPagesUntilEmpty(t *testing.T) {
	svc, log := newService(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page") == "1" {
			writeJSON(w, `{"orders":[{"_id":"a1","orderId":"VT-1001","status":"Shipped","totalPrice":1008,"products":[{"product":{"_id":"p1","name":"Red Tee","slug":"red-tee"},"quantity":2,"price":449}]}]}`)
			return
		}
		writeJSON(w, `{"orders":[]}`)
	})
	ctx := context.Background()

	first, err := svc.History(ctx, 0, " tee ")
	require.NoError(t, err)
	require.True(t, first.HasMore)
	require.Equal(t, 1, first.Page)
	require.Len(t, first.Orders, 1)
	o := first.Orders[0]
	require.Equal(t, "VT-1001", o.Key())
	require.Equal(t, "red-tee", o.Products[0].Product.Slug)
	require.True(t, o.TotalPrice.Equal(decimal.NewFromInt(1008)))

	second, err := svc.History(ctx, 2, "tee")
	require.NoError(t, err)
	require.False(t, second.HasMore)
	require.Empty(t, second.Orders)

	require.Equal(t, "/api/orders/myorders", (*log)[0].path)
	require.Equal(t, "page=1&product=tee", (*log)[0].query)
}

func TestProductRefAcceptsBareID(t *testing.T) {
	var line orders.Line
	require.NoError(t, json.Unmarshal([]byte(`{"product":"p9","quantity":1,"price":10}`), &line))
	require.Equal(t, "p9", line.Product.ID)
}

func TestOrderStatusRules(t *testing.T) {
	require.True(t, orders.Order{Status: orders.StatusDelivered}.InvoiceAvailable())
	require.False(t, orders.Order{Status: orders.StatusShipped}.InvoiceAvailable())
	require.True(t, orders.Order{Status: orders.StatusPending}.Cancellable())
	require.False(t, orders.Order{Status: orders.StatusShipped}.Cancellable())
	require.True(t, orders.Order{Status: orders.StatusDelivered}.Returnable())
	require.False(t, orders.Order{Status: orders.StatusDelivered, ReturnRequest: &orders.ReturnState{Status: "Pending"}}.Returnable())
}

func TestReturnsAndCancellation(t *testing.T) {
	svc, log := newService(t, func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, `{"message":"ok"}`)
	})
	ctx := context.Background()

	err := svc.RequestReturn(ctx, orders.ReturnRequest{OrderID: "a1", IssueType: "Wrong size", Resolution: orders.Replacement})
	var verr *common.ValidationError
	require.ErrorAs(t, err, &verr)
	require.Empty(t, *log)

	require.NoError(t, svc.RequestReturn(ctx, orders.ReturnRequest{
		OrderID: "a1", ProductID: "p1", IssueType: "Wrong size", Resolution: orders.Replacement, Color: "Red", Size: "L",
	}))
	require.NoError(t, svc.RequestReturn(ctx, orders.ReturnRequest{OrderID: "a1", IssueType: "Damaged", Resolution: orders.Refund}))
	require.NoError(t, svc.CancelReturn(ctx, "a1", "p1"))
	require.NoError(t, svc.CancelReturn(ctx, "a1", ""))
	require.NoError(t, svc.Cancel(ctx, "a1"))
	require.ErrorIs(t, svc.Cancel(ctx, " "), orders.ErrOrderIDRequired)

	got := *log
	require.Len(t, got, 5)
	require.Equal(t, "/api/orders/a1/return/p1", got[0].path)
	require.Equal(t, "Replacement", got[0].body["returnResolutionType"])
	require.Equal(t, "L", got[0].body["selectedSize"])
	require.Equal(t, "/api/orders/a1/return", got[1].path)
	require.Equal(t, "/api/orders/a1/cancel-return/p1", got[2].path)
	require.Equal(t, "/api/orders/a1/cancel-return", got[3].path)
	require.Equal(t, http.MethodPut, got[4].method)
	require.Equal(t, "/api/orders/a1/status", got[4].path)
	require.Equal(t, "Cancelled", got[4].body["status"])
}

func TestInvoiceDownload(t *testing.T) {
	svc, _ := newService(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/invoices/a1" {
			w.Header().Set("Content-Type", "application/pdf")
			_, _ = w.Write([]byte("%PDF-1.4 invoice"))
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	pdf, err := svc.Invoice(context.Background(), "a1")
	require.NoError(t, err)
	require.Equal(t, "%PDF-1.4 invoice", string(pdf))

	_, err = svc.Invoice(context.Background(), "a2")
	require.ErrorIs(t, err, orders.ErrEmptyInvoice)
}

func TestPlaceCOD(t *testing.T) {
	svc, log := newService(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusCreated)
		writeJSON(w, `{"message":"Order placed","order":{"_id":"a7","orderId":"VT-1007","status":"Pending"}}`)
	})
	order := orders.CODOrder{
		ProductSlug:     "red-tee",
		SKU:             "TEE-RED-M",
		Color:           "Red",
		Size:            "M",
		Quantity:        1,
		Amount:          decimal.NewFromInt(509),
		ShippingAddress: "12B Rose Villa, Bengaluru",
		Name:            "Asha Rao",
		Phone:           "9876543210",
		Email:           "asha@example.com",
		Pincode:         "560001",
		ShippingCost:    decimal.NewFromInt(60),
	}
	placed, err := svc.PlaceCOD(context.Background(), order)
	require.NoError(t, err)
	require.Equal(t, "VT-1007", placed.Key())
	require.Equal(t, "COD", (*log)[0].body["paymentMethod"])

	order.Phone = "12"
	_, err = svc.PlaceCOD(context.Background(), order)
	require.Equal(t, common.KindValidation, common.KindOf(err))
	require.Len(t, *log, 1)
}

type statusFeed struct {
	mu     sync.Mutex
	status string
	calls  int
	onMine func()
}

func (f *statusFeed) set(s string) {
	f.mu.Lock()
	f.status = s
	f.mu.Unlock()
}

func (f *statusFeed) Mine(context.Context) ([]orders.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.onMine != nil {
		f.onMine()
	}
	return []orders.Order{{ID: "a1", OrderID: "VT-1001", Status: f.status}}, nil
}

type captureNotifier struct {
	events []events.Event
}

func (c *captureNotifier) Notify(_ context.Context, ev events.Event) error {
	c.events = append(c.events, ev)
	return nil
}

func TestWatcherEmitsOnStatusChange(t *testing.T) {
	feed := &statusFeed{status: orders.StatusProcessing}
	capture := &captureNotifier{}
	w := &orders.Watcher{
		Orders: feed,
		Targets: orders.TargetsFunc(func(context.Context) ([]orders.Target, error) {
			return []orders.Target{{Session: "s1"}}, nil
		}),
		Bus:    &events.Bus{Notifiers: []events.Notifier{capture}},
		Logger: zerolog.Nop(),
	}
	ctx := context.Background()

	updates, err := w.Poll(ctx)
	require.NoError(t, err)
	require.Empty(t, updates)

	updates, err = w.Poll(ctx)
	require.NoError(t, err)
	require.Empty(t, updates)

	feed.set(orders.StatusShipped)
	updates, err = w.Poll(ctx)
	require.NoError(t, err)
	require.Len(t, updates, 1)
	require.Equal(t, orders.StatusProcessing, updates[0].Previous)
	require.Len(t, capture.events, 1)
	require.Equal(t, events.TopicOrderUpdated, capture.events[0].Topic)
	require.Equal(t, "VT-1001", capture.events[0].Subject)

	var payload orders.Update
	require.NoError(t, json.Unmarshal(capture.events[0].Payload, &payload))
	require.Equal(t, "s1", payload.Session)
	require.Equal(t, orders.StatusShipped, payload.Order.Status)
}

func TestWatchersShareSeenStatusAcrossReplicas(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	feed := &statusFeed{status: orders.StatusProcessing}
	capture := &captureNotifier{}
	replica := func() *orders.Watcher {
		return &orders.Watcher{
			Orders: feed,
			Targets: orders.TargetsFunc(func(context.Context) ([]orders.Target, error) {
				return []orders.Target{{Session: "s1"}}, nil
			}),
			Bus:    &events.Bus{Notifiers: []events.Notifier{capture}},
			Seen:   rdb,
			Logger: zerolog.Nop(),
		}
	}
	a, b := replica(), replica()
	ctx := context.Background()

	updates, err := a.Poll(ctx)
	require.NoError(t, err)
	require.Empty(t, updates)

	feed.set(orders.StatusShipped)
	updates, err = b.Poll(ctx)
	require.NoError(t, err)
	require.Len(t, updates, 1)
	require.Equal(t, orders.StatusProcessing, updates[0].Previous)

	feed.set(orders.StatusDelivered)
	updates, err = b.Poll(ctx)
	require.NoError(t, err)
	require.Len(t, updates, 1)
	require.Equal(t, orders.StatusShipped, updates[0].Previous)

	updates, err = a.Poll(ctx)
	require.NoError(t, err)
	require.Empty(t, updates)
	require.Len(t, capture.events, 2)
	require.Equal(t, orders.StatusDelivered, mr.HGet("storefront:orders:seen", "s1/VT-1001"))
}

func TestWatcherPollsOnlyWhenLeader(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	feed := &statusFeed{status: orders.StatusProcessing}
	w := &orders.Watcher{
		Orders: feed,
		Targets: orders.TargetsFunc(func(context.Context) ([]orders.Target, error) {
			return []orders.Target{{Session: "s1"}}, nil
		}),
		Interval: 10 * time.Millisecond,
		Locker:   &lock.Locker{R: rdb},
		Logger:   zerolog.Nop(),
	}

	require.NoError(t, mr.Set("storefront:lock:order-watch", "other-replica"))
	held, cancelHeld := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancelHeld()
	require.ErrorIs(t, w.Run(held), context.DeadlineExceeded)
	require.Zero(t, feed.calls)

	mr.Del("storefront:lock:order-watch")
	free, cancelFree := context.WithCancel(context.Background())
	feed.onMine = cancelFree
	require.ErrorIs(t, w.Run(free), context.Canceled)
	require.Equal(t, 1, feed.calls)
	require.False(t, mr.Exists("storefront:lock:order-watch"))
}

func TestRedisTargetsSkipsLoggedOutSessions(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	kvOf := func(s string) storage.KV { return storage.RedisKV{Client: rdb}.ForSession(s) }
	ctx := context.Background()

	require.NoError(t, kvOf("in").Set(ctx, storage.KeyBackendCookies, `[{"name":"token","value":"abc"}]`))
	targets := orders.RedisTargets{Client: rdb, KV: kvOf}
	require.NoError(t, targets.Register(ctx, "in"))
	require.NoError(t, targets.Register(ctx, "out"))

	got, err := targets.Targets(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "in", got[0].Session)
	require.Equal(t, 1, got[0].Cookies.Len())

	members, err := rdb.SMembers(ctx, "storefront:orders:watch").Result()
	require.NoError(t, err)
	require.Equal(t, []string{"in"}, members)
}

type failingSRem struct{}

func (failingSRem) DialHook(next redis.DialHook) redis.DialHook { return next }

func (failingSRem) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		if cmd.Name() == "srem" {
			return errors.New("READONLY replica")
		}
		return next(ctx, cmd)
	}
}

func (failingSRem) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return next
}

func TestRedisTargetsReportsUnregisterFailure(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	kvOf := func(s string) storage.KV { return storage.RedisKV{Client: rdb}.ForSession(s) }
	ctx := context.Background()

	require.NoError(t, kvOf("in").Set(ctx, storage.KeyBackendCookies, `[{"name":"token","value":"abc"}]`))
	require.NoError(t, orders.RedisTargets{Client: rdb, KV: kvOf}.Register(ctx, "in"))
	require.NoError(t, orders.RedisTargets{Client: rdb, KV: kvOf}.Register(ctx, "out"))

	readonly := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = readonly.Close() })
	readonly.AddHook(failingSRem{})

	got, err := orders.RedisTargets{Client: readonly, KV: kvOf}.Targets(ctx)
	require.ErrorContains(t, err, "unregister out")
	require.Len(t, got, 1)
	require.Equal(t, "in", got[0].Session)
	require.True(t, mr.Exists("storefront:orders:watch"))
}

func TestInvoiceHandler(t *testing.T) {
	svc, _ := newService(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("%PDF-1.4"))
	})
	r := chi.NewRouter()
	(&orders.Handler{Service: svc}).Routes(r)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/a1/invoice", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "application/pdf", rec.Header().Get("Content-Type"))
	require.Contains(t, rec.Header().Get("Content-Disposition"), "Invoice-a1.pdf")

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stream", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

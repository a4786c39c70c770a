package events_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/vibethread/storefront/internal/events"
)

type captureNotifier struct {
	events []events.Event
}

func (c *captureNotifier) Notify(_ context.Context, event events.Event) error {
	c.events = append(c.events, event)
	return nil
}

func TestEmitDispatchesEvent(t *testing.T) {
	notifier := &captureNotifier{}
	at := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	bus := events.Bus{Notifiers: []events.Notifier{notifier}, Now: func() time.Time { return at }}

	event, err := bus.Emit(context.Background(), events.TopicCheckoutCompleted, "order_1", map[string]any{"orderId": "123"})
	require.NoError(t, err)
	require.NotEmpty(t, event.ID)
	require.Equal(t, at, event.OccurredAt)
	require.Len(t, notifier.events, 1)
	require.Equal(t, event.ID, notifier.events[0].ID)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(event.Payload, &decoded))
	require.Equal(t, "123", decoded["orderId"])
}

func TestEmitJoinsNotifierFailures(t *testing.T) {
	failing := events.NotifierFunc(func(context.Context, events.Event) error { return errors.New("down") })
	ok := &captureNotifier{}
	bus := events.Bus{Notifiers: []events.Notifier{failing, ok}}

	_, err := bus.Emit(context.Background(), events.TopicCheckoutFailed, "order_1", nil)
	require.ErrorContains(t, err, "down")
	require.Len(t, ok.events, 1)
}

func TestEmitRejectsBadInput(t *testing.T) {
	var bus *events.Bus
	_, err := bus.Emit(context.Background(), " ", "", nil)
	require.Error(t, err)
	_, err = bus.Emit(context.Background(), events.TopicOrderUpdated, "", "{not json")
	require.Error(t, err)

	ev, err := bus.Emit(context.Background(), events.TopicOrderUpdated, "o", nil)
	require.NoError(t, err)
	require.JSONEq(t, `{}`, string(ev.Payload))
}

func TestRedisNotifierReachesSubscribers(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub, err := events.Subscribe(ctx, rdb, "", events.TopicOrderUpdated)
	require.NoError(t, err)
	defer sub.Close()

	var logs bytes.Buffer
	bus := events.Bus{Notifiers: []events.Notifier{
		events.RedisNotifier{Client: rdb},
		events.LogNotifier{Logger: zerolog.New(&logs)},
	}}
	_, err = bus.Emit(ctx, events.TopicOrderUpdated, "order_1", map[string]string{"status": "Shipped"})
	require.NoError(t, err)

	select {
	case ev := <-sub.C:
		require.Equal(t, "order_1", ev.Subject)
		require.JSONEq(t, `{"status":"Shipped"}`, string(ev.Payload))
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}
	require.Contains(t, logs.String(), `"topic":"orderUpdated"`)
}

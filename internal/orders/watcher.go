package orders

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"

	"github.com/vibethread/storefront/internal/backend"
	"github.com/vibethread/storefront/internal/events"
	"github.com/vibethread/storefront/internal/lock"
	"github.com/vibethread/storefront/internal/storage"
)

const (
	defaultPollInterval = 30 * time.Second
	defaultWatchKey     = "storefront:orders:watch"
	defaultSeenKey      = "storefront:orders:seen"
	watchLockKey        = "storefront:lock:order-watch"
)

// Target is one signed-in shopper whose orders are watched.
type Target struct {
	Session string
	Cookies *backend.Cookies
}

// Targets lists the shoppers to poll.
type Targets interface {
	Targets(ctx context.Context) ([]Target, error)
}

// TargetsFunc adapts a function to Targets.
type TargetsFunc func(ctx context.Context) ([]Target, error)

func (f TargetsFunc) Targets(ctx context.Context) ([]Target, error) { return f(ctx) }

// RedisTargets keeps the set of edge sessions that asked for order updates. The
// backend cookie of each session is read from its KV.
type RedisTargets struct {
	Client *redis.Client
	Key    string
	KV     func(session string) storage.KV
}

func (r RedisTargets) key() string {
	if r.Key == "" {
		return defaultWatchKey
	}
	return r.Key
}

// Register adds a session to the watch set.
func (r RedisTargets) Register(ctx context.Context, session string) error {
	return r.Client.SAdd(ctx, r.key(), session).Err()
}

// Unregister removes a session from the watch set.
func (r RedisTargets) Unregister(ctx context.Context, session string) error {
	return r.Client.SRem(ctx, r.key(), session).Err()
}

// Targets returns the registered sessions that still hold a backend login. Sessions
// whose login is gone are dropped from the set.
func (r RedisTargets) Targets(ctx context.Context) ([]Target, error) {
	sessions, err := r.Client.SMembers(ctx, r.key()).Result()
	if err != nil {
		return nil, fmt.Errorf("list watched sessions: %w", err)
	}
	out := make([]Target, 0, len(sessions))
	var errs error
	for _, s := range sessions {
		jar, err := backend.LoadCookies(ctx, r.KV(s))
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("session %s: %w", s, err))
			continue
		}
		if jar.Len() == 0 {
			if err := r.Unregister(ctx, s); err != nil {
				errs = multierr.Append(errs, fmt.Errorf("unregister %s: %w", s, err))
			}
			continue
		}
		out = append(out, Target{Session: s, Cookies: jar})
	}
	return out, errs
}

// Lister fetches the orders of the shopper authenticated in ctx.
type Lister interface {
	Mine(ctx context.Context) ([]Order, error)
}

// Watcher polls order status and emits orderUpdated when an order's status changes
// between polls. The first sighting of an order only records it.
type Watcher struct {
	Orders   Lister
	Targets  Targets
	Bus      *events.Bus
	Interval time.Duration
	Logger   zerolog.Logger
	// Locker, when set, lets only one worker replica poll per tick.
	Locker *lock.Locker
	// Seen, when set, keeps the last polled status of every order in the hash SeenKey
	// so all replicas compare against the same history.
	Seen    *redis.Client
	SeenKey string

	mu   sync.Mutex
	seen map[string]string
}

// swapStatus sets a hash field and returns its previous value, or false when the
// field did not exist.
var swapStatus = redis.NewScript(`
local prev = redis.call('HGET', KEYS[1], ARGV[1])
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
if prev then return {1, prev} end
return {0, ''}
`)

// Update is the payload of an orderUpdated event.
type Update struct {
	Session  string `json:"session,omitempty"`
	Previous string `json:"previousStatus"`
	Order    Order  `json:"order"`
}

// Poll checks every target once and returns the updates it emitted.
func (w *Watcher) Poll(ctx context.Context) ([]Update, error) {
	targets, err := w.Targets.Targets(ctx)
	var errs error
	errs = multierr.Append(errs, err)

	var updates []Update
	for _, t := range targets {
		tctx := ctx
		if t.Cookies != nil {
			tctx = backend.WithCookies(ctx, t.Cookies)
		}
		list, err := w.Orders.Mine(tctx)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("poll %s: %w", t.Session, err))
			continue
		}
		for _, o := range list {
			prev, changed, err := w.observe(ctx, t.Session+"/"+o.Key(), o.Status)
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("record %s: %w", o.Key(), err))
				continue
			}
			if !changed {
				continue
			}
			u := Update{Session: t.Session, Previous: prev, Order: o}
			if _, err := w.Bus.Emit(ctx, events.TopicOrderUpdated, o.Key(), u); err != nil {
				errs = multierr.Append(errs, err)
			}
			updates = append(updates, u)
		}
	}
	return updates, errs
}

func (w *Watcher) observe(ctx context.Context, field, status string) (string, bool, error) {
	if w.Seen != nil {
		key := w.SeenKey
		if key == "" {
			key = defaultSeenKey
		}
		res, err := swapStatus.Run(ctx, w.Seen, []string{key}, field, status).Slice()
		if err != nil {
			return "", false, err
		}
		if len(res) != 2 {
			return "", false, fmt.Errorf("unexpected seen reply %v", res)
		}
		known, _ := res[0].(int64)
		prev, _ := res[1].(string)
		return prev, known == 1 && prev != status, nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.seen == nil {
		w.seen = make(map[string]string)
	}
	prev, known := w.seen[field]
	w.seen[field] = status
	return prev, known && prev != status, nil
}

// Run polls until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	interval := w.Interval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := w.tick(ctx, interval); err != nil {
			w.Logger.Warn().Err(err).Msg("order_poll_failed")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (w *Watcher) tick(ctx context.Context, interval time.Duration) error {
	poll := func(ctx context.Context) error {
		updates, err := w.Poll(ctx)
		if len(updates) > 0 {
			w.Logger.Info().Int("updates", len(updates)).Msg("order_updates_emitted")
		}
		return err
	}
	if w.Locker == nil {
		return poll(ctx)
	}
	err := w.Locker.TryWithLock(ctx, watchLockKey, interval, poll)
	if errors.Is(err, lock.ErrHeld) {
		w.Logger.Debug().Msg("order_poll_skipped")
		return nil
	}
	return err
}

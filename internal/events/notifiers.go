package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const defaultChannelPrefix = "storefront:events:"

// RedisNotifier publishes events on a Redis channel per topic.
type RedisNotifier struct {
	Client *redis.Client
	Prefix string
}

func channelPrefix(prefix string) string {
	if prefix == "" {
		return defaultChannelPrefix
	}
	return prefix
}

// Notify publishes event as JSON.
func (n RedisNotifier) Notify(ctx context.Context, event Event) error {
	if n.Client == nil {
		return nil
	}
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return n.Client.Publish(ctx, channelPrefix(n.Prefix)+event.Topic, data).Err()
}

// LogNotifier writes every event to the log.
type LogNotifier struct {
	Logger zerolog.Logger
}

// Notify logs event at info level.
func (n LogNotifier) Notify(_ context.Context, event Event) error {
	n.Logger.Info().
		Str("event_id", event.ID).
		Str("topic", event.Topic).
		Str("subject", event.Subject).
		RawJSON("payload", event.Payload).
		Msg("domain_event")
	return nil
}

// Subscription is a live feed of events from Redis.
type Subscription struct {
	C      <-chan Event
	pubsub *redis.PubSub
}

// Close stops the feed.
func (s *Subscription) Close() error {
	return s.pubsub.Close()
}

// Subscribe relays events of the given topics published by any RedisNotifier using
// the same prefix. The channel closes when ctx ends or the subscription is closed.
// Messages that fail to decode are skipped.
func Subscribe(ctx context.Context, client *redis.Client, prefix string, topics ...string) (*Subscription, error) {
	if len(topics) == 0 {
		topics = DefaultTopics()
	}
	channels := make([]string, len(topics))
	for i, t := range topics {
		channels[i] = channelPrefix(prefix) + t
	}
	pubsub := client.Subscribe(ctx, channels...)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("events: subscribe: %w", err)
	}
	out := make(chan Event, 16)
	go func() {
		defer close(out)
		msgs := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				_ = pubsub.Close()
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					_ = pubsub.Close()
					return
				}
			}
		}
	}()
	return &Subscription{C: out, pubsub: pubsub}, nil
}

// DefaultNotifiers is the server-side fan-out: Redis pub/sub, the log, and hook when
// it has a URL.
func DefaultNotifiers(client *redis.Client, logger zerolog.Logger, hook WebhookNotifier) []Notifier {
	notifiers := []Notifier{RedisNotifier{Client: client}, LogNotifier{Logger: logger}}
	if hook.URL != "" {
		notifiers = append(notifiers, hook)
	}
	return notifiers
}

package events

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/vibethread/storefront/internal/resilience"
)

// WebhookNotifier posts signed events to an external endpoint, such as the store's
// fulfilment or CRM hook.
type WebhookNotifier struct {
	URL    string
	Secret string
	// Topics limits delivery; empty means every topic.
	Topics      []string
	Client      *http.Client
	MaxAttempts int
	Backoff     time.Duration
	// Replay, when set, suppresses a second delivery of the same event within ReplayTTL.
	Replay    *redis.Client
	ReplayTTL time.Duration
	Now       func() time.Time
}

// WebhookClient returns an HTTP client for webhook delivery.
func WebhookClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &http.Client{Timeout: timeout, Transport: otelhttp.NewTransport(http.DefaultTransport)}
}

type webhookBody struct {
	EventID    string          `json:"eventId"`
	Topic      string          `json:"topic"`
	Subject    string          `json:"subject,omitempty"`
	Data       json.RawMessage `json:"data"`
	OccurredAt time.Time       `json:"occurredAt"`
}

// Notify delivers event, retrying transport errors and 5xx answers with backoff.
func (n WebhookNotifier) Notify(ctx context.Context, event Event) error {
	if n.URL == "" || (len(n.Topics) > 0 && !slices.Contains(n.Topics, event.Topic)) {
		return nil
	}
	if err := validateWebhookURL(n.URL); err != nil {
		return err
	}
	ctx, span := otel.Tracer("events.WebhookNotifier").Start(ctx, "WebhookNotifier.Notify")
	defer span.End()
	span.SetAttributes(attribute.String("webhook.topic", event.Topic), attribute.String("webhook.event_id", event.ID))

	if n.Replay != nil && n.ReplayTTL > 0 {
		fresh, err := n.Replay.SetNX(ctx, "storefront:webhook:"+event.ID, 1, n.ReplayTTL).Result()
		if err != nil {
			span.RecordError(err)
			return fmt.Errorf("webhook replay guard: %w", err)
		}
		if !fresh {
			span.AddEvent("delivery replay prevented")
			return nil
		}
	}

	body, err := json.Marshal(webhookBody{
		EventID:    event.ID,
		Topic:      event.Topic,
		Subject:    event.Subject,
		Data:       event.Payload,
		OccurredAt: event.OccurredAt,
	})
	if err != nil {
		return err
	}

	attempts := n.MaxAttempts
	if attempts <= 0 {
		attempts = 3
	}
	base := n.Backoff
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		status, err := n.deliver(ctx, event.ID, body)
		switch {
		case err == nil && status >= 200 && status < 300:
			return nil
		case err == nil && status < 500:
			return fmt.Errorf("webhook rejected event %s: status %d", event.ID, status)
		case err == nil:
			lastErr = fmt.Errorf("webhook status %d", status)
		default:
			lastErr = err
		}
		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return errors.Join(lastErr, ctx.Err())
		case <-time.After(resilience.Backoff(base, attempt, 0.2)):
		}
	}
	span.RecordError(lastErr)
	return fmt.Errorf("webhook delivery of %s failed after %d attempts: %w", event.ID, attempts, lastErr)
}

func (n WebhookNotifier) deliver(ctx context.Context, eventID string, body []byte) (int, error) {
	client := n.Client
	if client == nil {
		client = WebhookClient(0)
	}
	now := time.Now
	if n.Now != nil {
		now = n.Now
	}
	ts := now().Unix()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.URL, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "vibethread-storefront-webhooks/1.0")
	req.Header.Set("X-Event-ID", eventID)
	req.Header.Set("X-Timestamp", strconv.FormatInt(ts, 10))
	req.Header.Set("X-Idempotency-Key", eventID)
	req.Header.Set("X-Signature", WebhookSignature(n.Secret, ts, eventID, body))
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}

// WebhookSignature is the hex HMAC-SHA256 of "<ts>.<eventID>.<body>" keyed by secret.
func WebhookSignature(secret string, ts int64, eventID string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(strconv.FormatInt(ts, 10)))
	_, _ = mac.Write([]byte("."))
	_, _ = mac.Write([]byte(eventID))
	_, _ = mac.Write([]byte("."))
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func validateWebhookURL(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid webhook url: %w", err)
	}
	if parsed.Host == "" {
		return errors.New("webhook url must include host")
	}
	switch parsed.Scheme {
	case "https":
		return nil
	case "http":
		if host := parsed.Hostname(); host == "localhost" || host == "127.0.0.1" {
			return nil
		}
		return errors.New("http webhook only allowed for localhost")
	default:
		return errors.New("webhook url must be http or https")
	}
}

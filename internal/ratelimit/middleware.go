package ratelimit

import (
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/vibethread/storefront/internal/common"
)

// KeyFunc derives the rate limit key of a request. An empty key skips the check.
type KeyFunc func(*http.Request) string

// ByIP keys requests by client address.
func ByIP(r *http.Request) string {
	return "ip:" + common.ClientIP(r)
}

// BySession keys requests by shopper session, falling back to the client address.
func BySession(r *http.Request) string {
	if id, ok := common.SessionID(r.Context()); ok {
		return "session:" + id
	}
	return ByIP(r)
}

// Middleware enforces a Limiter in front of a handler. Limiter failures let the
// request through and are logged.
type Middleware struct {
	Limiter Limiter
	Key     KeyFunc
	Logger  zerolog.Logger
}

// Handler wraps next.
func (m Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.Limiter == nil || m.Key == nil {
			next.ServeHTTP(w, r)
			return
		}
		key := m.Key(r)
		if key == "" {
			next.ServeHTTP(w, r)
			return
		}
		d, err := m.Limiter.Allow(r.Context(), key)
		if err != nil {
			m.Logger.Warn().Err(err).Str("key", key).Msg("rate_limit_unavailable")
			next.ServeHTTP(w, r)
			return
		}

		h := w.Header()
		h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
		h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
		h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
		if !d.Allowed {
			retry := int(time.Until(d.ResetAt).Seconds())
			h.Set("Retry-After", strconv.Itoa(max(retry, 0)))
			common.JSONError(w, http.StatusTooManyRequests, "RATE_LIMITED", "too many requests, please slow down", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

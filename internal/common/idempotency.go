package common

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Idem provides an Idempotency-Key middleware backed by Redis. Keys are scoped to the
// storefront session so two shoppers never collide.
type Idem struct {
	R   *redis.Client
	TTL time.Duration
}

func hashKey(session, key string) string {
	sum := sha256.Sum256([]byte(session + ":" + key))
	return "idem:" + hex.EncodeToString(sum[:])
}

type statusCapture struct {
	http.ResponseWriter
	status int
}

func (s *statusCapture) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// Middleware rejects a replayed write while the first one is still in flight or succeeded.
// A failed request releases its key so the shopper can retry with the same one.
func (i Idem) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Idempotency-Key")
		if header == "" || i.R == nil {
			next.ServeHTTP(w, r)
			return
		}
		ttl := i.TTL
		if ttl <= 0 {
			ttl = 10 * time.Minute
		}
		session, _ := SessionID(r.Context())
		key := hashKey(session, header)
		ok, err := i.R.SetNX(r.Context(), key, "locked", ttl).Result()
		if err != nil {
			JSONError(w, http.StatusInternalServerError, string(KindInternal), "idempotency store error", nil)
			return
		}
		if !ok {
			JSONError(w, http.StatusConflict, string(KindConflict), "duplicate request", nil)
			return
		}
		capture := &statusCapture{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(capture, r)
		if capture.status >= http.StatusBadRequest {
			_ = i.R.Del(context.WithoutCancel(r.Context()), key).Err()
		}
	})
}

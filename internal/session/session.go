// Package session gives every browser an opaque shopper session. The session id is
// carried in a cookie and keys the shopper's state in Redis; the backend login stored
// there is attached to the request context for outbound calls.
package session

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vibethread/storefront/internal/backend"
	"github.com/vibethread/storefront/internal/common"
	"github.com/vibethread/storefront/internal/storage"
)

// Manager issues and resolves session cookies.
type Manager struct {
	Cookie   string
	Secure   bool
	SameSite http.SameSite
	MaxAge   time.Duration
	// KV returns the state of a session. When set, the backend cookie jar of the
	// session is loaded before the request and saved after it.
	KV     func(sessionID string) storage.KV
	Logger zerolog.Logger
}

func (m Manager) cookieName() string {
	if name := strings.TrimSpace(m.Cookie); name != "" {
		return name
	}
	return "vt_session"
}

// Resolve returns the session id carried by r, or "" when it has none or it is not a
// well-formed id.
func (m Manager) Resolve(r *http.Request) string {
	c, err := r.Cookie(m.cookieName())
	if err != nil {
		return ""
	}
	id, err := uuid.Parse(strings.TrimSpace(c.Value))
	if err != nil {
		return ""
	}
	return id.String()
}

func (m Manager) issue(w http.ResponseWriter) string {
	id := uuid.NewString()
	sameSite := m.SameSite
	if sameSite == 0 {
		sameSite = http.SameSiteLaxMode
	}
	c := &http.Cookie{
		Name:     m.cookieName(),
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		Secure:   m.Secure,
		SameSite: sameSite,
	}
	if m.MaxAge > 0 {
		c.MaxAge = int(m.MaxAge.Seconds())
	}
	http.SetCookie(w, c)
	return id
}

// Middleware resolves or issues the session and injects it into the request context.
func (m Manager) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := m.Resolve(r)
		if id == "" {
			id = m.issue(w)
		}
		ctx := common.WithSessionID(r.Context(), id)
		if m.KV == nil {
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		kv := m.KV(id)
		jar, err := backend.LoadCookies(ctx, kv)
		if err != nil {
			m.Logger.Warn().Err(err).Str("session_id", id).Msg("session_cookies_unreadable")
		}
		next.ServeHTTP(w, r.WithContext(backend.WithCookies(ctx, jar)))
		if err := jar.Save(ctx, kv); err != nil {
			m.Logger.Error().Err(err).Str("session_id", id).Msg("session_cookies_save_failed")
		}
	})
}

// Package security holds the edge server's protective middleware: response headers,
// request body limits and CSRF checks for cookie-authenticated mutations.
package security

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/vibethread/storefront/internal/common"
)

// Headers sets browser hardening headers on every response.
type Headers struct {
	HSTS       bool
	HSTSMaxAge int
}

// Middleware wraps next.
func (h Headers) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hdr := w.Header()
		hdr.Set("X-Content-Type-Options", "nosniff")
		hdr.Set("X-Frame-Options", "DENY")
		hdr.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		hdr.Set("Content-Security-Policy", "frame-ancestors 'none'")
		if h.HSTS && r.TLS != nil {
			age := h.HSTSMaxAge
			if age <= 0 {
				age = 31536000
			}
			hdr.Set("Strict-Transport-Security", "max-age="+strconv.Itoa(age)+"; includeSubDomains")
		}
		next.ServeHTTP(w, r)
	})
}

// BodyLimit caps request bodies at Max bytes.
type BodyLimit struct {
	Max int64
}

// Middleware rejects declared oversize bodies up front and cuts off streamed ones at
// the limit.
func (b BodyLimit) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if b.Max <= 0 || r.Body == nil || r.Body == http.NoBody {
			next.ServeHTTP(w, r)
			return
		}
		if r.ContentLength > b.Max {
			common.JSONError(w, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", "request body is too large", nil)
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, b.Max)
		next.ServeHTTP(w, r)
	})
}

// IsTooLarge reports whether err came from reading past a BodyLimit.
func IsTooLarge(err error) bool {
	var mbe *http.MaxBytesError
	return errors.As(err, &mbe)
}

// CSRF is a double-submit token check. Safe requests receive the token cookie; unsafe
// ones must echo it in Header.
type CSRF struct {
	Cookie   string
	Header   string
	Secure   bool
	SameSite http.SameSite
}

func (c CSRF) names() (string, string) {
	cookie, header := strings.TrimSpace(c.Cookie), strings.TrimSpace(c.Header)
	if cookie == "" {
		cookie = "vt_csrf"
	}
	if header == "" {
		header = "X-CSRF-Token"
	}
	return cookie, header
}

func safeMethod(m string) bool {
	switch m {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
		return true
	}
	return false
}

// Middleware wraps next.
func (c CSRF) Middleware(next http.Handler) http.Handler {
	cookieName, headerName := c.names()
	sameSite := c.SameSite
	if sameSite == 0 {
		sameSite = http.SameSiteLaxMode
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		existing, _ := r.Cookie(cookieName)
		if safeMethod(r.Method) {
			if existing == nil || existing.Value == "" {
				http.SetCookie(w, &http.Cookie{
					Name:     cookieName,
					Value:    uuid.NewString(),
					Path:     "/",
					Secure:   c.Secure,
					SameSite: sameSite,
				})
			}
			next.ServeHTTP(w, r)
			return
		}
		token := strings.TrimSpace(r.Header.Get(headerName))
		if existing == nil || token == "" ||
			subtle.ConstantTimeCompare([]byte(token), []byte(existing.Value)) != 1 {
			common.JSONError(w, http.StatusForbidden, "CSRF_REJECTED", "missing or invalid csrf token", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

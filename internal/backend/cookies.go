package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/vibethread/storefront/internal/storage"
)

// Cookies is the backend session jar of one shopper. The backend authenticates with an
// opaque cookie; this type carries it between calls and persists it in the shopper's
// KV so the CLI and the edge server keep the login across invocations.
type Cookies struct {
	mu      sync.Mutex
	jar     map[string]storedCookie
	changed bool
}

type storedCookie struct {
	Name    string    `json:"name"`
	Value   string    `json:"value"`
	Expires time.Time `json:"expires,omitempty"`
}

type cookiesKey struct{}

// WithCookies attaches a jar to ctx; every backend call made with ctx sends and updates it.
func WithCookies(ctx context.Context, c *Cookies) context.Context {
	return context.WithValue(ctx, cookiesKey{}, c)
}

// CookiesFrom returns the jar attached to ctx, or nil.
func CookiesFrom(ctx context.Context) *Cookies {
	c, _ := ctx.Value(cookiesKey{}).(*Cookies)
	return c
}

// NewCookies returns an empty jar.
func NewCookies() *Cookies {
	return &Cookies{jar: map[string]storedCookie{}}
}

// LoadCookies restores the jar persisted in kv.
func LoadCookies(ctx context.Context, kv storage.KV) (*Cookies, error) {
	c := NewCookies()
	raw, ok, err := kv.Get(ctx, storage.KeyBackendCookies)
	if err != nil || !ok {
		return c, err
	}
	var stored []storedCookie
	if err := json.Unmarshal([]byte(raw), &stored); err != nil {
		return c, fmt.Errorf("decode backend cookies: %w", err)
	}
	for _, sc := range stored {
		c.jar[sc.Name] = sc
	}
	return c, nil
}

// Save persists the jar when a response changed it.
func (c *Cookies) Save(ctx context.Context, kv storage.KV) error {
	c.mu.Lock()
	if !c.changed {
		c.mu.Unlock()
		return nil
	}
	stored := c.sortedLocked()
	c.changed = false
	c.mu.Unlock()

	if len(stored) == 0 {
		return kv.Delete(ctx, storage.KeyBackendCookies)
	}
	raw, err := json.Marshal(stored)
	if err != nil {
		return err
	}
	return kv.Set(ctx, storage.KeyBackendCookies, string(raw))
}

// Clear drops every cookie, as on logout.
func (c *Cookies) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.jar) > 0 {
		c.changed = true
	}
	c.jar = map[string]storedCookie{}
}

// Len reports how many live cookies the jar holds.
func (c *Cookies) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.jar)
}

func (c *Cookies) apply(req *http.Request, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for name, sc := range c.jar {
		if !sc.Expires.IsZero() && now.After(sc.Expires) {
			delete(c.jar, name)
			c.changed = true
			continue
		}
		req.AddCookie(&http.Cookie{Name: sc.Name, Value: sc.Value})
	}
}

func (c *Cookies) update(resp *http.Response, now time.Time) {
	set := resp.Cookies()
	if len(set) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ck := range set {
		c.changed = true
		expired := ck.MaxAge < 0 || (!ck.Expires.IsZero() && !now.Before(ck.Expires)) || ck.Value == ""
		if expired {
			delete(c.jar, ck.Name)
			continue
		}
		sc := storedCookie{Name: ck.Name, Value: ck.Value, Expires: ck.Expires}
		if ck.MaxAge > 0 {
			sc.Expires = now.Add(time.Duration(ck.MaxAge) * time.Second)
		}
		c.jar[ck.Name] = sc
	}
}

func (c *Cookies) sortedLocked() []storedCookie {
	out := make([]storedCookie, 0, len(c.jar))
	for _, sc := range c.jar {
		out = append(out, sc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

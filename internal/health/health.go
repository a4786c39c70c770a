// Package health serves liveness and readiness probes for the edge server.
package health

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vibethread/storefront/internal/backend"
	"github.com/vibethread/storefront/internal/common"
)

var ready atomic.Bool

func init() { ready.Store(true) }

// SetReady flips readiness; the server marks itself unready while draining.
func SetReady(v bool) { ready.Store(v) }

// Probe checks one dependency.
type Probe interface {
	Name() string
	Check(ctx context.Context) error
}

// RedisProbe pings Redis.
type RedisProbe struct {
	Client *redis.Client
}

func (RedisProbe) Name() string { return "redis" }

func (p RedisProbe) Check(ctx context.Context) error {
	return p.Client.Ping(ctx).Err()
}

// Fetcher is the raw call the backend probe makes.
type Fetcher interface {
	Fetch(ctx context.Context, req backend.Request) (backend.Response, error)
}

// BackendProbe checks that the storefront backend answers. A rejection still proves
// the backend is reachable.
type BackendProbe struct {
	Backend Fetcher
	Path    string
}

func (BackendProbe) Name() string { return "backend" }

func (p BackendProbe) Check(ctx context.Context) error {
	path := p.Path
	if path == "" {
		path = "/api/products/filters"
	}
	_, err := p.Backend.Fetch(ctx, backend.Request{Method: http.MethodGet, Path: path, Route: "health"})
	if common.KindOf(err) == common.KindRemoteRejection {
		return nil
	}
	return err
}

// Handler serves /live and /ready.
type Handler struct {
	Probes  []Probe
	Timeout time.Duration
}

// Live reports the process is up.
func (h Handler) Live(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// Ready runs every probe and reports 503 if any fails or the server is draining.
func (h Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if !ready.Load() {
		common.JSON(w, http.StatusServiceUnavailable, map[string]string{"status": "draining"})
		return
	}
	timeout := h.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	status := http.StatusOK
	out := make(map[string]string, len(h.Probes))
	for _, p := range h.Probes {
		if err := p.Check(ctx); err != nil {
			out[p.Name()] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		out[p.Name()] = "ok"
	}
	common.JSON(w, status, out)
}

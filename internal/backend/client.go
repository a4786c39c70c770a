// Package backend is the transport to the remote storefront REST API.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/vibethread/storefront/internal/common"
	"github.com/vibethread/storefront/internal/obs"
	"github.com/vibethread/storefront/internal/resilience"
)

const maxBodyBytes = 8 << 20

// Request describes one backend call. Route is the low-cardinality path template used
// for metrics and logs; it defaults to Path.
type Request struct {
	Method string
	Path   string
	Route  string
	Query  url.Values
	Body   any
	Header http.Header
}

// Response is a raw backend answer, used for binary payloads such as invoices.
type Response struct {
	Status      int
	ContentType string
	Body        []byte
}

// Client talks JSON to the storefront backend.
type Client struct {
	BaseURL string
	HTTP    resilience.HTTPClient
	Metrics *obs.ClientMetrics
	Logger  zerolog.Logger
	Now     func() time.Time
}

// Options configures New.
type Options struct {
	BaseURL        string
	Timeout        time.Duration
	MaxAttempts    int
	Backoff        time.Duration
	Jitter         float64
	BreakerMinReq  int
	BreakerRatio   float64
	BreakerOpenFor time.Duration
	Metrics        *obs.ClientMetrics
	Logger         zerolog.Logger
}

// New builds a client with a traced transport behind a circuit breaker.
func New(opts Options) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		return nil, errors.New("backend: base url is required")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("backend: parse base url: %w", err)
	}
	breaker := resilience.NewBreaker(opts.BreakerMinReq, opts.BreakerRatio, opts.BreakerOpenFor).
		WithTarget("storefront-backend").
		WithLogger(opts.Logger)
	return &Client{
		BaseURL: base,
		HTTP: resilience.HTTPClient{
			Client:      &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
			Breaker:     breaker,
			BaseBackoff: opts.Backoff,
			MaxAttempts: opts.MaxAttempts,
			Jitter:      opts.Jitter,
			Timeout:     opts.Timeout,
		},
		Metrics: opts.Metrics,
		Logger:  opts.Logger,
	}, nil
}

func (c *Client) now() time.Time {
	if c != nil && c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// Get issues a GET and decodes the JSON answer into dst (which may be nil).
func (c *Client) Get(ctx context.Context, req Request, dst any) error {
	req.Method = http.MethodGet
	return c.JSON(ctx, req, dst)
}

// Post issues a POST with a JSON body and decodes the JSON answer into dst.
func (c *Client) Post(ctx context.Context, req Request, dst any) error {
	req.Method = http.MethodPost
	return c.JSON(ctx, req, dst)
}

// JSON performs req and decodes a 2xx JSON answer into dst. Failures are mapped onto
// the storefront error taxonomy: transport problems become network errors and 4xx
// answers become remote rejections wrapping a *RemoteError.
func (c *Client) JSON(ctx context.Context, req Request, dst any) error {
	resp, err := c.Fetch(ctx, req)
	if err != nil {
		return err
	}
	if dst == nil || len(bytes.TrimSpace(resp.Body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Body, dst); err != nil {
		return common.Network("the store sent an unexpected response", fmt.Errorf("decode %s: %w", routeOf(req), err))
	}
	return nil
}

// Fetch performs req and returns the raw 2xx answer.
func (c *Client) Fetch(ctx context.Context, req Request) (Response, error) {
	if c == nil || c.BaseURL == "" {
		return Response{}, errors.New("backend client not configured")
	}
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	route := routeOf(req)

	httpReq, err := c.build(ctx, req)
	if err != nil {
		return Response{}, err
	}
	jar := CookiesFrom(ctx)
	if jar != nil {
		jar.apply(httpReq, c.now())
	}

	start := time.Now()
	resp, err := c.HTTP.Do(ctx, httpReq)
	if err != nil {
		c.observe(ctx, req.Method, route, "network", 0, time.Since(start))
		if errors.Is(err, context.Canceled) {
			return Response{}, err
		}
		return Response{}, common.Network("we could not reach the store, please try again", fmt.Errorf("%s %s: %w", req.Method, route, err))
	}
	defer func() { _ = resp.Body.Close() }()
	if jar != nil {
		jar.update(resp, c.now())
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		c.observe(ctx, req.Method, route, "network", resp.StatusCode, time.Since(start))
		return Response{}, common.Network("the store connection dropped, please try again", err)
	}

	switch {
	case resp.StatusCode >= http.StatusInternalServerError:
		c.observe(ctx, req.Method, route, "server_error", resp.StatusCode, time.Since(start))
		remote := &RemoteError{Method: req.Method, Route: route, Status: resp.StatusCode, Message: extractMessage(resp.StatusCode, body), Body: body}
		appErr := common.Network("the store is having trouble right now, please try again", remote)
		return Response{}, appErr
	case resp.StatusCode >= http.StatusBadRequest:
		c.observe(ctx, req.Method, route, "rejected", resp.StatusCode, time.Since(start))
		remote := &RemoteError{Method: req.Method, Route: route, Status: resp.StatusCode, Message: extractMessage(resp.StatusCode, body), Body: body}
		return Response{}, common.Rejection(remote.Message, resp.StatusCode, remote)
	}

	c.observe(ctx, req.Method, route, "ok", resp.StatusCode, time.Since(start))
	return Response{Status: resp.StatusCode, ContentType: resp.Header.Get("Content-Type"), Body: body}, nil
}

func (c *Client) build(ctx context.Context, req Request) (*http.Request, error) {
	target := c.BaseURL + "/" + strings.TrimLeft(req.Path, "/")
	if len(req.Query) > 0 {
		target += "?" + req.Query.Encode()
	}
	var body io.Reader
	if req.Body != nil {
		payload, err := json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("encode %s body: %w", routeOf(req), err)
		}
		body = bytes.NewReader(payload)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target, body)
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", routeOf(req), err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if req.Body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	for key, values := range req.Header {
		for _, v := range values {
			httpReq.Header.Add(key, v)
		}
	}
	return httpReq, nil
}

func (c *Client) observe(ctx context.Context, method, route, outcome string, status int, d time.Duration) {
	c.Metrics.Observe(method, route, outcome, d)
	obs.LoggerFrom(ctx, c.Logger).Debug().
		Str("method", method).
		Str("route", route).
		Str("outcome", outcome).
		Int("status", status).
		Int64("duration_ms", d.Milliseconds()).
		Msg("backend_call")
}

func routeOf(req Request) string {
	if req.Route != "" {
		return req.Route
	}
	return req.Path
}

// PathEscape escapes one path segment.
func PathEscape(segment string) string {
	return url.PathEscape(strings.TrimSpace(segment))
}

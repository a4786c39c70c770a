// Package catalog reads products from the storefront backend: listings, search,
// suggestions, details and the per-line enrichment the cart and checkout rely on.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/vibethread/storefront/internal/backend"
	"github.com/vibethread/storefront/internal/common"
	"github.com/vibethread/storefront/internal/debounce"
)

// ErrSlugRequired is returned for a lookup without a product slug.
var ErrSlugRequired = errors.New("product slug is required")

// MinSuggestionQuery is the shortest query that triggers typeahead.
const MinSuggestionQuery = 3

// Backend is the slice of the REST client the catalog needs.
type Backend interface {
	Get(ctx context.Context, req backend.Request, dst any) error
	Post(ctx context.Context, req backend.Request, dst any) error
}

// Service orchestrates catalog queries and caching.
type Service struct {
	backend      Backend
	cache        *Cache
	logger       zerolog.Logger
	defaultLimit int
	maxLimit     int
	workers      int
}

// ServiceConfig groups Service dependencies.
type ServiceConfig struct {
	Backend      Backend
	Cache        *Cache
	Logger       zerolog.Logger
	DefaultLimit int
	MaxLimit     int
	// Workers bounds parallel product lookups during enrichment.
	Workers int
}

// NewService constructs a Service instance.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Backend == nil {
		return nil, errors.New("catalog: backend is required")
	}
	defaultLimit := cfg.DefaultLimit
	if defaultLimit < 1 {
		defaultLimit = 12
	}
	maxLimit := cfg.MaxLimit
	if maxLimit < 1 {
		maxLimit = 60
	}
	if defaultLimit > maxLimit {
		defaultLimit = maxLimit
	}
	workers := cfg.Workers
	if workers < 1 {
		workers = 8
	}
	return &Service{
		backend:      cfg.Backend,
		cache:        cfg.Cache,
		logger:       cfg.Logger,
		defaultLimit: defaultLimit,
		maxLimit:     maxLimit,
		workers:      workers,
	}, nil
}

// ParseListParams normalises raw query values into typed filters.
func (s *Service) ParseListParams(values url.Values) (ListParams, error) {
	params := ListParams{Page: 1, Limit: s.defaultLimit}
	params.Query = strings.TrimSpace(firstOf(values, "q", "query"))
	params.Category = strings.TrimSpace(values.Get("category"))
	params.Colors = splitCSV(values.Get("color"))
	params.Sizes = splitCSV(values.Get("size"))
	params.Fabrics = splitCSV(values.Get("fabric"))
	params.Sort = normalizeSort(values.Get("sort"))

	verr := &common.ValidationError{}
	if v := strings.TrimSpace(values.Get("page")); v != "" {
		page, err := strconv.Atoi(v)
		if err != nil || page < 1 {
			verr.Add("page", "must be a positive integer")
		} else {
			params.Page = page
		}
	}
	if v := strings.TrimSpace(values.Get("limit")); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 1 {
			verr.Add("limit", "must be a positive integer")
		} else {
			params.Limit = min(limit, s.maxLimit)
		}
	}
	return params, verr.OrNil()
}

func (p ListParams) values() url.Values {
	v := url.Values{}
	set := func(k, val string) {
		if val != "" {
			v.Set(k, val)
		}
	}
	set("query", p.Query)
	set("category", p.Category)
	set("color", strings.Join(p.Colors, ","))
	set("size", strings.Join(p.Sizes, ","))
	set("fabric", strings.Join(p.Fabrics, ","))
	set("sort", p.Sort)
	if p.Page > 0 {
		v.Set("page", strconv.Itoa(p.Page))
	}
	if p.Limit > 0 {
		v.Set("limit", strconv.Itoa(p.Limit))
	}
	return v
}

// List returns one page of products for a collection or search.
func (s *Service) List(ctx context.Context, params ListParams) (Page, error) {
	var page Page
	if err := s.backend.Get(ctx, backend.Request{Path: "/api/products", Query: params.values()}, &page); err != nil {
		return Page{}, fmt.Errorf("list products: %w", err)
	}
	if page.Page == 0 {
		page.Page = params.Page
	}
	if page.Products == nil {
		page.Products = []Product{}
	}
	return page, nil
}

// Search lists products and, when nothing matches, falls back to the top sellers so
// the results page is never empty.
func (s *Service) Search(ctx context.Context, params ListParams) (Page, []Product, error) {
	page, err := s.List(ctx, params)
	if err != nil {
		return Page{}, nil, err
	}
	if len(page.Products) > 0 || params.Page > 1 {
		return page, nil, nil
	}
	top, err := s.Top(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("top_products_fallback_failed")
		return page, nil, nil
	}
	return page, top, nil
}

// Get returns one product by slug, served from the cache when possible.
func (s *Service) Get(ctx context.Context, slug string) (Product, error) {
	slug = strings.TrimSpace(slug)
	if slug == "" {
		return Product{}, ErrSlugRequired
	}
	var cached Product
	if ok, err := s.cache.GetJSON(ctx, productKey(slug), &cached); err == nil && ok {
		return cached, nil
	} else if err != nil {
		s.logger.Debug().Err(err).Str("slug", slug).Msg("catalog_cache_read_failed")
	}

	var raw struct {
		Product  *Product  `json:"product"`
		Products []Product `json:"products"`
	}
	err := s.backend.Get(ctx, backend.Request{
		Path:  "/api/products/" + backend.PathEscape(slug),
		Route: "/api/products/{slug}",
	}, &raw)
	if err != nil {
		return Product{}, fmt.Errorf("get product %q: %w", slug, err)
	}
	var product Product
	switch {
	case raw.Product != nil:
		product = *raw.Product
	case len(raw.Products) > 0:
		product = raw.Products[0]
	default:
		return Product{}, common.Rejection("product not found", http.StatusNotFound, nil)
	}
	if err := s.cache.SetJSON(ctx, productKey(slug), product); err != nil {
		s.logger.Debug().Err(err).Str("slug", slug).Msg("catalog_cache_write_failed")
	}
	return product, nil
}

// Filters returns the search facets. Failures degrade to empty facets.
func (s *Service) Filters(ctx context.Context) Filters {
	var f Filters
	if err := s.backend.Get(ctx, backend.Request{Path: "/api/products/filters"}, &f); err != nil {
		s.logger.Warn().Err(err).Msg("product_filters_failed")
		return Filters{Categories: []string{}, Colors: []string{}, Sizes: []string{}, Fabrics: []string{}}
	}
	return f
}

// Top returns the best sellers.
func (s *Service) Top(ctx context.Context) ([]Product, error) {
	var out struct {
		Products []Product `json:"products"`
	}
	if err := s.backend.Get(ctx, backend.Request{Path: "/api/products/top"}, &out); err != nil {
		return nil, fmt.Errorf("top products: %w", err)
	}
	return out.Products, nil
}

// NewArrivals pages through the listing and keeps products flagged as new.
func (s *Service) NewArrivals(ctx context.Context, page, limit int) ([]Product, bool, error) {
	p, err := s.List(ctx, ListParams{Page: page, Limit: limit})
	if err != nil {
		return nil, false, err
	}
	out := make([]Product, 0, len(p.Products))
	for _, prod := range p.Products {
		if prod.NewArrival {
			out = append(out, prod)
		}
	}
	return out, len(p.Products) >= limit && p.HasMore(), nil
}

// Suggest fetches product and tag suggestions in parallel. Queries shorter than
// MinSuggestionQuery return nothing without a request.
func (s *Service) Suggest(ctx context.Context, query string) (Suggestions, error) {
	query = strings.TrimSpace(query)
	out := Suggestions{Products: []Product{}, Tags: []string{}}
	if len([]rune(query)) < MinSuggestionQuery {
		return out, nil
	}
	q := url.Values{"query": {query}}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var resp struct {
			Products []Product `json:"products"`
		}
		if err := s.backend.Get(gctx, backend.Request{Path: "/api/products/suggestions", Query: q}, &resp); err != nil {
			return fmt.Errorf("product suggestions: %w", err)
		}
		if resp.Products != nil {
			out.Products = resp.Products
		}
		return nil
	})
	g.Go(func() error {
		var raw json.RawMessage
		if err := s.backend.Get(gctx, backend.Request{Path: "/api/products/tags/suggestions", Query: q}, &raw); err != nil {
			return fmt.Errorf("tag suggestions: %w", err)
		}
		out.Tags = decodeTags(raw)
		return nil
	})
	if err := g.Wait(); err != nil {
		return Suggestions{Products: []Product{}, Tags: []string{}}, err
	}
	return out, nil
}

// Review posts a rating for a product and drops the cached document so the next read
// shows it.
func (s *Service) Review(ctx context.Context, slug string, rating int, comment string) error {
	slug = strings.TrimSpace(slug)
	if slug == "" {
		return ErrSlugRequired
	}
	verr := &common.ValidationError{}
	if rating < 1 || rating > 5 {
		verr.Add("rating", "must be between 1 and 5")
	}
	if strings.TrimSpace(comment) == "" {
		verr.Add("comment", "is required")
	}
	if err := verr.OrNil(); err != nil {
		return err
	}
	err := s.backend.Post(ctx, backend.Request{
		Path:  "/api/products/" + backend.PathEscape(slug) + "/review",
		Route: "/api/products/{slug}/review",
		Body:  map[string]any{"rating": rating, "comment": strings.TrimSpace(comment)},
	}, nil)
	if err != nil {
		return fmt.Errorf("review product %q: %w", slug, err)
	}
	if err := s.cache.Delete(ctx, productKey(slug)); err != nil {
		s.logger.Debug().Err(err).Str("slug", slug).Msg("catalog_cache_invalidate_failed")
	}
	return nil
}

// Searcher debounces typeahead so a burst of keystrokes issues one suggestion lookup.
type Searcher struct {
	d *debounce.Debouncer[string, Suggestions]
}

// NewSearcher wraps svc.Suggest with a debounce window.
func NewSearcher(svc *Service, window time.Duration) *Searcher {
	return &Searcher{d: debounce.New("search", window, svc.Suggest)}
}

// Suggest returns suggestions for query, or debounce.ErrSuperseded when a newer query
// replaced it.
func (s *Searcher) Suggest(ctx context.Context, query string) (Suggestions, error) {
	return s.d.Do(ctx, query)
}

func decodeTags(raw json.RawMessage) []string {
	tags := []string{}
	var list []json.RawMessage
	if err := json.Unmarshal(raw, &list); err != nil {
		var wrapped struct {
			Tags []json.RawMessage `json:"tags"`
		}
		if json.Unmarshal(raw, &wrapped) != nil {
			return tags
		}
		list = wrapped.Tags
	}
	for _, item := range list {
		var s string
		if json.Unmarshal(item, &s) == nil {
			if s = strings.TrimSpace(s); s != "" {
				tags = append(tags, s)
			}
			continue
		}
		var obj struct {
			Name string `json:"name"`
			Tag  string `json:"tag"`
		}
		if json.Unmarshal(item, &obj) == nil {
			if name := strings.TrimSpace(obj.Name + obj.Tag); name != "" {
				tags = append(tags, name)
			}
		}
	}
	return tags
}

func firstOf(values url.Values, keys ...string) string {
	for _, k := range keys {
		if v := values.Get(k); v != "" {
			return v
		}
	}
	return ""
}

func splitCSV(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func normalizeSort(s string) string {
	s = strings.TrimSpace(s)
	for _, known := range []string{"newest", "priceLowHigh", "priceHighLow", "nameAZ", "nameZA"} {
		if strings.EqualFold(s, known) {
			return known
		}
	}
	return ""
}

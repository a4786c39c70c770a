package catalog

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/multierr"

	"github.com/vibethread/storefront/internal/cart"
	"github.com/vibethread/storefront/internal/obs"
)

// EnrichError records the cart line whose product lookup failed.
type EnrichError struct {
	Key string
	Err error
}

func (e *EnrichError) Error() string {
	return fmt.Sprintf("enrich %s: %v", e.Key, e.Err)
}

func (e *EnrichError) Unwrap() error { return e.Err }

// Enrich looks up every line's product in parallel and fills in the product id, name,
// image and the variant SKU. Lines whose lookup failed are left out of the result and
// their errors are combined; successful lines keep their cart order. Quantity and
// selected options always come from the cart, never from the product.
func (s *Service) Enrich(ctx context.Context, lines []cart.LineItem) ([]cart.LineItem, error) {
	results := make([]*cart.LineItem, len(lines))
	errs := make([]error, len(lines))
	sem := make(chan struct{}, s.workers)
	var wg sync.WaitGroup

	for i, line := range lines {
		if line.Slug == "" {
			continue
		}
		wg.Add(1)
		go func(i int, line cart.LineItem) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				errs[i] = &EnrichError{Key: line.Key(), Err: ctx.Err()}
				return
			}
			defer func() { <-sem }()

			product, err := s.Get(ctx, line.Slug)
			if err != nil {
				errs[i] = &EnrichError{Key: line.Key(), Err: err}
				return
			}
			enriched := merge(line, product)
			results[i] = &enriched
		}(i, line)
	}
	wg.Wait()

	out := make([]cart.LineItem, 0, len(lines))
	for _, r := range results {
		if r != nil {
			out = append(out, *r)
		}
	}
	err := multierr.Combine(errs...)
	if failed := len(multierr.Errors(err)); failed > 0 {
		obs.EnrichmentFailuresTotal.Add(float64(failed))
		obs.LoggerFrom(ctx, s.logger).Warn().Err(err).Int("failed", failed).Int("lines", len(lines)).Msg("cart_enrichment_partial")
	}
	return out, err
}

func merge(line cart.LineItem, p Product) cart.LineItem {
	if p.ID != "" {
		line.ProductID = p.ID
	}
	if line.Name == "" {
		line.Name = p.Name
	}
	if line.Image == "" {
		line.Image = p.Image(line.Color)
	}
	if sku := p.SKU(line.Color, line.Size); sku != "" {
		line.SKU = sku
	}
	if line.Slug == "" {
		line.Slug = p.Slug
	}
	return line
}

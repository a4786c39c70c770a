package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"maps"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/urfave/cli/v3"

	"github.com/vibethread/storefront/internal/catalog"
	"github.com/vibethread/storefront/internal/debounce"
)

func (a *app) catalog() (*catalog.Service, error) {
	return catalog.NewService(catalog.ServiceConfig{Backend: a.api, Logger: a.logger})
}

func (a *app) printProducts(products []catalog.Product) {
	for _, p := range products {
		price := a.money.Format(p.Price)
		if p.DiscountPrice.Valid && p.DiscountPrice.Decimal.IsPositive() {
			price = fmt.Sprintf("%s (was %s)", a.money.Format(p.DiscountPrice.Decimal), price)
		}
		a.printf("%-32s %-40s %s\n", p.Slug, p.Name, price)
	}
}

func (a *app) productsCommand() *cli.Command {
	return &cli.Command{
		Name:    "products",
		Aliases: []string{"p"},
		Usage:   "browse the catalog",
		Commands: []*cli.Command{
			{
				Name:  "list",
				Usage: "list or search products",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "query", Aliases: []string{"q"}},
					&cli.StringFlag{Name: "category"},
					&cli.StringFlag{Name: "color", Usage: "comma separated"},
					&cli.StringFlag{Name: "size", Usage: "comma separated"},
					&cli.StringFlag{Name: "fabric", Usage: "comma separated"},
					&cli.StringFlag{Name: "sort", Usage: "newest, priceAsc, priceDesc or popularity"},
					&cli.IntFlag{Name: "page", Value: 1},
					&cli.IntFlag{Name: "limit"},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					svc, err := a.catalog()
					if err != nil {
						return err
					}
					values := url.Values{}
					for _, name := range []string{"query", "category", "color", "size", "fabric", "sort"} {
						if v := cmd.String(name); v != "" {
							values.Set(name, v)
						}
					}
					values.Set("page", strconv.Itoa(int(cmd.Int("page"))))
					if limit := int(cmd.Int("limit")); limit > 0 {
						values.Set("limit", strconv.Itoa(limit))
					}
					params, err := svc.ParseListParams(values)
					if err != nil {
						return err
					}
					page, fallback, err := svc.Search(a.ctx(ctx), params)
					if err != nil {
						return err
					}
					if len(page.Products) == 0 && len(fallback) > 0 {
						a.printf("Nothing matched. Our best sellers:\n")
						a.printProducts(fallback)
						return nil
					}
					a.printProducts(page.Products)
					if page.HasMore() {
						a.printf("-- more on page %d\n", page.Page+1)
					}
					return nil
				},
			},
			{
				Name:      "show",
				Usage:     "show one product",
				ArgsUsage: "<slug>",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					svc, err := a.catalog()
					if err != nil {
						return err
					}
					p, err := svc.Get(a.ctx(ctx), cmd.Args().First())
					if err != nil {
						return err
					}
					a.printProducts([]catalog.Product{p})
					if p.Description != "" {
						a.printf("\n%s\n", p.Description)
					}
					for _, c := range p.Colors {
						sizes := make([]string, 0, len(c.Sizes))
						for _, size := range slices.Sorted(maps.Keys(c.Sizes)) {
							sizes = append(sizes, fmt.Sprintf("%s:%d", size, c.Sizes[size].Quantity))
						}
						a.printf("  %-12s %s\n", c.Name, strings.Join(sizes, " "))
					}
					if p.NumReviews > 0 {
						a.printf("Rated %.1f from %d reviews\n", p.Rating, p.NumReviews)
					}
					return nil
				},
			},
			{
				Name:  "filters",
				Usage: "list the available facets",
				Action: func(ctx context.Context, _ *cli.Command) error {
					svc, err := a.catalog()
					if err != nil {
						return err
					}
					return a.printJSON(svc.Filters(a.ctx(ctx)))
				},
			},
			{
				Name:  "top",
				Usage: "best sellers",
				Action: func(ctx context.Context, _ *cli.Command) error {
					svc, err := a.catalog()
					if err != nil {
						return err
					}
					top, err := svc.Top(a.ctx(ctx))
					if err != nil {
						return err
					}
					a.printProducts(top)
					return nil
				},
			},
			{
				Name:  "new",
				Usage: "new arrivals",
				Flags: []cli.Flag{&cli.IntFlag{Name: "page", Value: 1}},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					svc, err := a.catalog()
					if err != nil {
						return err
					}
					products, more, err := svc.NewArrivals(a.ctx(ctx), int(cmd.Int("page")), 12)
					if err != nil {
						return err
					}
					a.printProducts(products)
					if more {
						a.printf("-- more on page %d\n", int(cmd.Int("page"))+1)
					}
					return nil
				},
			},
			{
				Name:      "review",
				Usage:     "rate a product (requires login)",
				ArgsUsage: "<slug>",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "rating", Required: true},
					&cli.StringFlag{Name: "comment"},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					svc, err := a.catalog()
					if err != nil {
						return err
					}
					if err := svc.Review(a.ctx(ctx), cmd.Args().First(), int(cmd.Int("rating")), cmd.String("comment")); err != nil {
						return err
					}
					a.printf("Thanks for your review.\n")
					return nil
				},
			},
		},
	}
}

// searchCommand is an interactive typeahead: every line typed replaces the previous
// query, and only the latest query's suggestions are printed.
func (a *app) searchCommand() *cli.Command {
	return &cli.Command{
		Name:  "search",
		Usage: "interactive typeahead, one query per line",
		Action: func(ctx context.Context, _ *cli.Command) error {
			svc, err := a.catalog()
			if err != nil {
				return err
			}
			searcher := catalog.NewSearcher(svc, a.cfg.SearchDebounce)
			ctx = a.ctx(ctx)

			var (
				wg  sync.WaitGroup
				mu  sync.Mutex
				out = func(q string, s catalog.Suggestions) {
					mu.Lock()
					defer mu.Unlock()
					a.printf("%q: %d products, tags %s\n", q, len(s.Products), strings.Join(s.Tags, ", "))
					a.printProducts(s.Products)
				}
			)
			sc := bufio.NewScanner(cliIn)
			for sc.Scan() {
				q := strings.TrimSpace(sc.Text())
				if q == "" {
					continue
				}
				wg.Add(1)
				go func() {
					defer wg.Done()
					s, err := searcher.Suggest(ctx, q)
					switch {
					case errors.Is(err, debounce.ErrSuperseded):
						return
					case err != nil:
						a.logger.Warn().Err(err).Str("query", q).Msg("suggestions failed")
						return
					}
					out(q, s)
				}()
			}
			wg.Wait()
			return sc.Err()
		},
	}
}

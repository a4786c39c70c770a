package cart_test

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/cucumber/godog"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/vibethread/storefront/internal/cart"
	"github.com/vibethread/storefront/internal/discount"
	"github.com/vibethread/storefront/internal/storage"
)

type cartWorld struct {
	kv    storage.KV
	clock *clock
	store *cart.Store
}

func (w *cartWorld) reset(dir string) error {
	w.kv = &storage.FileKV{Path: filepath.Join(dir, "state.json")}
	w.clock = &clock{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	return w.reload()
}

func (w *cartWorld) reload() error {
	w.store = &cart.Store{KV: w.kv, Now: w.clock.Now, Logger: zerolog.Nop()}
	return w.store.Load(context.Background())
}

func variant(slug, color, size string) cart.LineItem {
	return cart.LineItem{Slug: slug, Color: color, Size: size, UnitPrice: decimal.NewFromInt(240)}
}

func (w *cartWorld) addTimes(slug, color, size string, stock, times int) error {
	item := variant(slug, color, size)
	item.CountInStock = stock
	for i := 0; i < times; i++ {
		if _, err := w.store.Add(context.Background(), item); err != nil {
			return err
		}
	}
	return nil
}

func (w *cartWorld) step(slug, color, size string, dir cart.Direction, limit int) error {
	_, err := w.store.UpdateQuantity(context.Background(), variant(slug, color, size), dir, limit)
	return err
}

func (w *cartWorld) linesAre(n int) error {
	if got := len(w.store.Items()); got != n {
		return fmt.Errorf("expected %d lines, got %d", n, got)
	}
	return nil
}

func (w *cartWorld) quantityIs(slug, color, size string, want int) error {
	key := cart.VariantKey(slug, color, size)
	for _, l := range w.store.Items() {
		if l.Key() == key {
			if l.Quantity != want {
				return fmt.Errorf("expected quantity %d, got %d", want, l.Quantity)
			}
			return nil
		}
	}
	return fmt.Errorf("no line for %s", key)
}

func (w *cartWorld) applyFixed(code string, value int) error {
	d := discount.Discount{Code: code, Kind: discount.FixedAmount, Value: decimal.NewFromInt(int64(value))}
	b, err := w.store.Price(decimal.Zero, false, decimal.Zero)
	if err != nil {
		return err
	}
	return w.store.ApplyDiscount(context.Background(), discount.Applied{Amount: d.Amount(b.DiscountedSubtotal), Discount: d})
}

func (w *cartWorld) finalTotalIs(shipping, want int) error {
	b, err := w.store.Price(decimal.NewFromInt(int64(shipping)), false, decimal.Zero)
	if err != nil {
		return err
	}
	if !b.FinalTotal.Equal(decimal.NewFromInt(int64(want))) {
		return fmt.Errorf("expected final total %d, got %s", want, b.FinalTotal)
	}
	return nil
}

func initializeCartScenario(t *testing.T) func(*godog.ScenarioContext) {
	return func(ctx *godog.ScenarioContext) {
		w := &cartWorld{}

		ctx.Before(func(ctx context.Context, _ *godog.Scenario) (context.Context, error) {
			return ctx, w.reset(t.TempDir())
		})

		ctx.Step(`^an empty cart$`, func() error { return w.linesAre(0) })
		ctx.Step(`^I add "([^"]*)" in color "([^"]*)" size "([^"]*)" with (\d+) in stock (\d+) times$`, w.addTimes)
		ctx.Step(`^I increase "([^"]*)" "([^"]*)" "([^"]*)" with a stock limit of (\d+)$`, func(slug, color, size string, limit int) error {
			return w.step(slug, color, size, cart.Increase, limit)
		})
		ctx.Step(`^I decrease "([^"]*)" "([^"]*)" "([^"]*)"$`, func(slug, color, size string) error {
			return w.step(slug, color, size, cart.Decrease, 0)
		})
		ctx.Step(`^I remove "([^"]*)" "([^"]*)" "([^"]*)"$`, func(slug, color, size string) error {
			return w.store.Remove(context.Background(), variant(slug, color, size))
		})
		ctx.Step(`^(\d+) days pass$`, func(days int) error {
			w.clock.now = w.clock.now.Add(time.Duration(days) * 24 * time.Hour)
			return nil
		})
		ctx.Step(`^the cart is reloaded$`, w.reload)
		ctx.Step(`^the cart has (\d+) lines?$`, w.linesAre)
		ctx.Step(`^the quantity of "([^"]*)" "([^"]*)" "([^"]*)" is (\d+)$`, w.quantityIs)
		ctx.Step(`^I apply a fixed coupon "([^"]*)" worth (\d+)$`, w.applyFixed)
		ctx.Step(`^the final total with (\d+) shipping is (\d+)$`, w.finalTotalIs)
	}
}

func TestCartFeatures(t *testing.T) {
	suite := godog.TestSuite{
		ScenarioInitializer: initializeCartScenario(t),
		Options: &godog.Options{
			Format:   "pretty",
			Paths:    []string{"features/cart.feature"},
			TestingT: t,
		},
	}

	if suite.Run() != 0 {
		t.Fatal("non-zero status returned, failed to run feature tests")
	}
}

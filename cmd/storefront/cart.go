package main

import (
	"context"
	"errors"
	"strconv"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/urfave/cli/v3"

	"github.com/vibethread/storefront/internal/cart"
	"github.com/vibethread/storefront/internal/debounce"
	"github.com/vibethread/storefront/internal/discount"
	"github.com/vibethread/storefront/internal/pricing"
	"github.com/vibethread/storefront/internal/shipping"
)

func (a *app) shipping() shipping.Service {
	return shipping.Service{Backend: a.api, Default: a.cfg.DefaultShipping, Logger: a.logger}
}

func (a *app) resolver() discount.Resolver {
	return discount.Resolver{Backend: a.api, Logger: a.logger}
}

// shippingBase is the order value delivery is quoted on, or false for an empty cart.
func (a *app) shippingBase(st *cart.Store) (decimal.Decimal, bool) {
	b, err := st.Price(decimal.Zero, false, a.cfg.GiftWrapFee)
	if err != nil || b.Empty() {
		return decimal.Zero, false
	}
	return b.ShippingBase(), true
}

// quote prices delivery for the cart after its coupon; an empty cart ships free.
func (a *app) quote(ctx context.Context, st *cart.Store) decimal.Decimal {
	base, ok := a.shippingBase(st)
	if !ok {
		return decimal.Zero
	}
	return a.shipping().Quote(ctx, base)
}

func (a *app) printCart(st *cart.Store, shippingCost decimal.Decimal, giftWrap bool) error {
	items := st.Items()
	if len(items) == 0 {
		a.printf("Your cart is empty.\n")
		return nil
	}
	for _, it := range items {
		line := it.PricingLine()
		a.printf("%-40s %-8s %-4s x%-3d %s\n", it.Name+" ("+it.Slug+")", it.Color, it.Size, it.Quantity,
			a.money.Format(line.EffectivePrice().Mul(decimal.NewFromInt(int64(it.Quantity)))))
	}
	b, err := st.Price(shippingCost, giftWrap, a.cfg.GiftWrapFee)
	if err != nil {
		return err
	}
	d := a.money.Display(b)
	a.printf("\nItems %d   Original %s   You save %s\n", d.Items, d.OriginalTotal, d.Savings)
	a.printf("Subtotal  %s\n", d.DiscountedSubtotal)
	if applied, ok := st.AppliedDiscount(); ok {
		a.printf("Coupon    -%s  %s (%s)\n", d.CouponReduction, applied.Discount.Code, applied.Discount.Label())
	}
	a.printf("Shipping  %s\n", d.Shipping)
	if giftWrap {
		a.printf("Gift wrap %s\n", d.GiftWrap)
	}
	a.printf("Total     %s\n", d.FinalTotal)
	return nil
}

func variantArgs(cmd *cli.Command) (cart.LineItem, error) {
	args := cmd.Args()
	if args.Len() < 3 {
		return cart.LineItem{}, errors.New("expected <slug> <color> <size>")
	}
	return cart.LineItem{Slug: args.Get(0), Color: args.Get(1), Size: args.Get(2)}, nil
}

func (a *app) cartCommand() *cli.Command {
	giftWrap := &cli.BoolFlag{Name: "gift-wrap", Usage: "include gift wrapping"}
	return &cli.Command{
		Name:  "cart",
		Usage: "view and change the cart",
		Flags: []cli.Flag{giftWrap},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			st, err := a.cart(ctx)
			if err != nil {
				return err
			}
			return a.printCart(st, a.quote(a.ctx(ctx), st), cmd.Bool("gift-wrap"))
		},
		Commands: []*cli.Command{
			{
				Name:      "add",
				Usage:     "add one unit of a variant",
				ArgsUsage: "<slug> <color> <size>",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					want, err := variantArgs(cmd)
					if err != nil {
						return err
					}
					svc, err := a.catalog()
					if err != nil {
						return err
					}
					p, err := svc.Get(a.ctx(ctx), want.Slug)
					if err != nil {
						return err
					}
					st, err := a.cart(ctx)
					if err != nil {
						return err
					}
					line, err := st.Add(ctx, cart.LineItem{
						ProductID:     p.ID,
						Slug:          p.Slug,
						Name:          p.Name,
						Image:         p.Image(want.Color),
						Color:         want.Color,
						Size:          want.Size,
						SKU:           p.SKU(want.Color, want.Size),
						UnitPrice:     p.Price,
						DiscountPrice: p.DiscountPrice,
						CountInStock:  p.Stock(want.Color, want.Size),
					})
					if err != nil {
						return err
					}
					a.printf("%s now x%d\n", line.Key(), line.Quantity)
					return nil
				},
			},
			{
				Name:      "remove",
				Usage:     "remove a variant",
				ArgsUsage: "<slug> <color> <size>",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					item, err := variantArgs(cmd)
					if err != nil {
						return err
					}
					st, err := a.cart(ctx)
					if err != nil {
						return err
					}
					return st.Remove(ctx, item)
				},
			},
			{
				Name:      "qty",
				Usage:     "step quantities, e.g. qty red-tee red M + + -",
				ArgsUsage: "<slug> <color> <size> <+|->...",
				Flags:     []cli.Flag{&cli.IntFlag{Name: "stock", Usage: "stock limit; 0 uses the stored stock"}},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					item, err := variantArgs(cmd)
					if err != nil {
						return err
					}
					st, err := a.cart(ctx)
					if err != nil {
						return err
					}
					return a.stepQuantities(a.ctx(ctx), st, item, cmd.Args().Slice()[3:], int(cmd.Int("stock")), cmd.Bool("gift-wrap"))
				},
			},
			{
				Name:  "clear",
				Usage: "empty the cart",
				Action: func(ctx context.Context, _ *cli.Command) error {
					st, err := a.cart(ctx)
					if err != nil {
						return err
					}
					return st.Clear(ctx)
				},
			},
			a.discountCommand(),
		},
	}
}

// stepQuantities applies each step in order. Every step asks for a fresh shipping
// quote; the debouncer keeps only the quote for the final quantity.
func (a *app) stepQuantities(ctx context.Context, st *cart.Store, item cart.LineItem, steps []string, stock int, giftWrap bool) error {
	quoter := shipping.NewQuoter(a.shipping(), a.cfg.ShippingDebounce)
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		latest = decimal.Zero
	)
	for _, step := range steps {
		dir := cart.Increase
		if step == "-" {
			dir = cart.Decrease
		} else if step != "+" {
			return errors.New("steps are + or -, got " + strconv.Quote(step))
		}
		if _, err := st.UpdateQuantity(ctx, item, dir, stock); err != nil {
			return err
		}
		base, _ := a.shippingBase(st)
		wg.Add(1)
		go func() {
			defer wg.Done()
			cost, err := quoter.Quote(ctx, base)
			if errors.Is(err, debounce.ErrSuperseded) {
				return
			}
			mu.Lock()
			latest = cost
			mu.Unlock()
		}()
	}
	wg.Wait()
	return a.printCart(st, latest, giftWrap)
}

func (a *app) discountCommand() *cli.Command {
	return &cli.Command{
		Name:  "discount",
		Usage: "manage the cart coupon",
		Commands: []*cli.Command{
			{
				Name:      "apply",
				Usage:     "apply a coupon code",
				ArgsUsage: "<code>",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return a.applyDiscount(ctx, func(ctx context.Context, subtotal decimal.Decimal) (discount.Resolution, error) {
						return a.resolver().Validate(ctx, cmd.Args().First(), subtotal)
					})
				},
			},
			{
				Name:      "pick",
				Usage:     "apply one of the listed coupons by number",
				ArgsUsage: "<n>",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					n, err := strconv.Atoi(cmd.Args().First())
					if err != nil || n < 1 {
						return errors.New("pick a coupon number from `cart discount list`")
					}
					list, err := a.resolver().ListAvailable(a.ctx(ctx))
					if err != nil {
						return err
					}
					if n > len(list) {
						return errors.New("no coupon with that number")
					}
					return a.applyDiscount(ctx, func(ctx context.Context, subtotal decimal.Decimal) (discount.Resolution, error) {
						return a.resolver().Select(ctx, list[n-1], subtotal)
					})
				},
			},
			{
				Name:  "list",
				Usage: "coupons available right now",
				Action: func(ctx context.Context, _ *cli.Command) error {
					list, err := a.resolver().ListAvailable(a.ctx(ctx))
					if err != nil {
						return err
					}
					for i, d := range list {
						a.printf("%2d. %-14s %s\n", i+1, d.Code, d.Label())
					}
					return nil
				},
			},
			{
				Name:  "remove",
				Usage: "drop the applied coupon",
				Action: func(ctx context.Context, _ *cli.Command) error {
					st, err := a.cart(ctx)
					if err != nil {
						return err
					}
					return st.RemoveDiscount(ctx)
				},
			},
		},
	}
}

func (a *app) applyDiscount(ctx context.Context, resolve func(context.Context, decimal.Decimal) (discount.Resolution, error)) error {
	st, err := a.cart(ctx)
	if err != nil {
		return err
	}
	if _, ok := st.AppliedDiscount(); ok {
		return cart.ErrDiscountActive
	}
	_, subtotal := pricing.Subtotals(st.PricingLines())
	if !subtotal.IsPositive() {
		return cart.ErrEmptyCart
	}
	res, err := resolve(a.ctx(ctx), subtotal)
	if err != nil {
		return err
	}
	if err := st.ApplyDiscount(ctx, res.Applied()); err != nil {
		return err
	}
	a.printf("%s applied: -%s\n", res.Code, a.money.Format(res.ComputedAmount))
	return nil
}

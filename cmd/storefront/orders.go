package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"github.com/urfave/cli/v3"

	"github.com/vibethread/storefront/internal/orders"
)

func (a *app) orders() orders.Service {
	return orders.Service{Backend: a.api, Logger: a.logger}
}

func (a *app) printOrders(list []orders.Order) {
	if len(list) == 0 {
		a.printf("No orders.\n")
		return
	}
	for _, o := range list {
		a.printf("%-14s %-18s %-10s %s  %s\n", o.Key(), o.Status, o.PaymentMethod, a.money.Format(o.TotalPrice), o.CreatedAt.Format("02 Jan 2006"))
		for _, l := range o.Products {
			name := l.Name
			if name == "" {
				name = l.Product.Name
			}
			a.printf("    %-36s %-8s %-4s x%d\n", name, l.Color, l.Size, l.Quantity)
		}
	}
}

func orderArg(cmd *cli.Command) (string, error) {
	id := cmd.Args().First()
	if id == "" {
		return "", orders.ErrOrderIDRequired
	}
	return id, nil
}

func (a *app) ordersCommand() *cli.Command {
	return &cli.Command{
		Name:  "orders",
		Usage: "your orders",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "page", Value: 1},
			&cli.StringFlag{Name: "product", Usage: "only orders containing this product"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			page, err := a.orders().History(a.ctx(ctx), int(cmd.Int("page")), cmd.String("product"))
			if err != nil {
				return err
			}
			a.printOrders(page.Orders)
			if page.HasMore {
				a.printf("-- try page %d for older orders\n", page.Page+1)
			}
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:  "track",
				Usage: "orders in flight; guests pass --order-id and --email",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "order-id"},
					&cli.StringFlag{Name: "email"},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					list, err := a.orders().Track(a.ctx(ctx), orders.TrackQuery{OrderID: cmd.String("order-id"), Email: cmd.String("email")})
					if err != nil {
						return err
					}
					a.printOrders(list)
					return nil
				},
			},
			{
				Name:      "courier",
				Usage:     "courier tracking of an order",
				ArgsUsage: "<order id>",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					id, err := orderArg(cmd)
					if err != nil {
						return err
					}
					tracking, err := a.orders().Courier(a.ctx(ctx), id)
					if err != nil {
						return err
					}
					return a.printJSON(tracking)
				},
			},
			{
				Name:      "cancel",
				Usage:     "cancel an order that has not shipped",
				ArgsUsage: "<order id>",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					id, err := orderArg(cmd)
					if err != nil {
						return err
					}
					if err := a.orders().Cancel(a.ctx(ctx), id); err != nil {
						return err
					}
					a.printf("Order %s cancelled.\n", id)
					return nil
				},
			},
			{
				Name:      "return",
				Usage:     "request a return of an order or one of its products",
				ArgsUsage: "<order id> [product id]",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "issue", Required: true, Usage: "what went wrong"},
					&cli.StringFlag{Name: "description"},
					&cli.StringFlag{Name: "resolution", Value: string(orders.Refund), Usage: "Refund or Replacement"},
					&cli.StringFlag{Name: "color", Usage: "wanted colour for a replacement"},
					&cli.StringFlag{Name: "size", Usage: "wanted size for a replacement"},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					err := a.orders().RequestReturn(a.ctx(ctx), orders.ReturnRequest{
						OrderID:     cmd.Args().Get(0),
						ProductID:   cmd.Args().Get(1),
						IssueType:   cmd.String("issue"),
						Description: cmd.String("description"),
						Resolution:  orders.Resolution(cmd.String("resolution")),
						Color:       cmd.String("color"),
						Size:        cmd.String("size"),
					})
					if err != nil {
						return err
					}
					a.printf("Return requested.\n")
					return nil
				},
			},
			{
				Name:      "cancel-return",
				Usage:     "withdraw a return request",
				ArgsUsage: "<order id> [product id]",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					if err := a.orders().CancelReturn(a.ctx(ctx), cmd.Args().Get(0), cmd.Args().Get(1)); err != nil {
						return err
					}
					a.printf("Return withdrawn.\n")
					return nil
				},
			},
			{
				Name:      "invoice",
				Usage:     "download the invoice PDF",
				ArgsUsage: "<order id>",
				Flags:     []cli.Flag{&cli.StringFlag{Name: "out", Usage: "file to write; defaults to Invoice-<id>.pdf"}},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					id, err := orderArg(cmd)
					if err != nil {
						return err
					}
					pdf, err := a.orders().Invoice(a.ctx(ctx), id)
					if err != nil {
						return err
					}
					path := cmd.String("out")
					if path == "" {
						path = fmt.Sprintf("Invoice-%s.pdf", id)
					}
					if err := os.WriteFile(path, pdf, 0o644); err != nil {
						return fmt.Errorf("write invoice: %w", err)
					}
					a.printf("Saved %s\n", path)
					return nil
				},
			},
			{
				Name:      "cod",
				Usage:     "order one item cash on delivery",
				ArgsUsage: "<slug> <color> <size>",
				Flags: append([]cli.Flag{
					&cli.IntFlag{Name: "quantity", Value: 1},
					&cli.StringFlag{Name: "discount-code"},
				}, detailFlags...),
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
					sku := p.SKU(want.Color, want.Size)
					if sku == "" {
						return errors.New("that colour and size is not sold")
					}
					d := a.details(ctx, cmd).Normalize()
					if err := d.Validate(); err != nil {
						return err
					}
					qty := int(cmd.Int("quantity"))
					unit := p.Price
					if p.DiscountPrice.Valid && p.DiscountPrice.Decimal.IsPositive() {
						unit = p.DiscountPrice.Decimal
					}
					placed, err := a.orders().PlaceCOD(a.ctx(ctx), orders.CODOrder{
						ProductSlug:     p.Slug,
						SKU:             sku,
						Color:           want.Color,
						Size:            want.Size,
						Quantity:        qty,
						Amount:          unit.Mul(decimal.NewFromInt(int64(qty))),
						ShippingAddress: d.Address(),
						Name:            d.Name,
						Phone:           d.Phone,
						Email:           d.Email,
						Pincode:         d.Pincode,
						DiscountCode:    cmd.String("discount-code"),
					})
					if err != nil {
						return err
					}
					a.printf("Order placed: %s (pay on delivery)\n", placed.Key())
					return nil
				},
			},
		},
	}
}

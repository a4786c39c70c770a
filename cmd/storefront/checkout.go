package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/vibethread/storefront/internal/account"
	"github.com/vibethread/storefront/internal/checkout"
	"github.com/vibethread/storefront/internal/events"
	"github.com/vibethread/storefront/internal/payment"
	"github.com/vibethread/storefront/internal/pricing"
)

var detailFlags = []cli.Flag{
	&cli.StringFlag{Name: "name"},
	&cli.StringFlag{Name: "email"},
	&cli.StringFlag{Name: "phone", Usage: "10 digit delivery phone"},
	&cli.StringFlag{Name: "flat", Usage: "flat or house number"},
	&cli.StringFlag{Name: "street"},
	&cli.StringFlag{Name: "landmark"},
	&cli.StringFlag{Name: "city"},
	&cli.StringFlag{Name: "state"},
	&cli.StringFlag{Name: "pincode"},
}

// details reads the shipping form from flags, falling back to the signed-in profile
// for name, email and phone.
func (a *app) details(ctx context.Context, cmd *cli.Command) checkout.Details {
	d := checkout.Details{
		Name:     cmd.String("name"),
		Email:    cmd.String("email"),
		Phone:    cmd.String("phone"),
		Flat:     cmd.String("flat"),
		Street:   cmd.String("street"),
		Landmark: cmd.String("landmark"),
		City:     cmd.String("city"),
		State:    cmd.String("state"),
		Pincode:  cmd.String("pincode"),
	}
	if u, ok := (account.Account{KV: a.kv, Logger: a.logger}).Cached(ctx); ok {
		if d.Name == "" {
			d.Name = u.Name
		}
		if d.Email == "" {
			d.Email = u.Email
		}
		if d.Phone == "" {
			d.Phone = u.PhoneNumber
		}
	}
	return d
}

func (a *app) gateway(cmd *cli.Command) (payment.Gateway, error) {
	switch name := strings.ToLower(cmd.String("gateway")); name {
	case "", "prompt":
		return payment.PromptGateway{In: cliIn, Out: a.out, Display: func(minor int64) string {
			return a.money.Format(pricing.FromMinorUnits(minor))
		}}, nil
	case "browser":
		return payment.CallbackGateway{
			Logger: a.logger,
			OnReady: func(url string) {
				a.printf("Open %s in your browser to pay.\n", url)
			},
		}, nil
	case "sandbox":
		secret := cmd.String("sandbox-secret")
		if secret == "" {
			return nil, fmt.Errorf("the sandbox gateway needs --sandbox-secret")
		}
		return &payment.SandboxGateway{Secret: secret}, nil
	default:
		return nil, fmt.Errorf("unknown gateway %q, use prompt, browser or sandbox", name)
	}
}

// orchestrator resumes the persisted checkout over the local cart.
func (a *app) orchestrator(ctx context.Context) (*checkout.Orchestrator, error) {
	st, err := a.cart(ctx)
	if err != nil {
		return nil, err
	}
	snap, err := checkout.LoadSnapshot(ctx, a.kv)
	if err != nil {
		return nil, err
	}
	svc, err := a.catalog()
	if err != nil {
		return nil, err
	}
	ship := a.shipping()
	deps := checkout.Deps{
		Backend:     a.api,
		Shipping:    ship,
		Pincodes:    ship,
		Enricher:    svc,
		Events:      &events.Bus{Notifiers: []events.Notifier{events.LogNotifier{Logger: a.logger}}},
		Logger:      a.logger,
		GatewayKey:  a.cfg.RazorpayKeyID,
		Currency:    a.cfg.Currency,
		StoreName:   "THE VIBE THREAD",
		GiftWrapFee: a.cfg.GiftWrapFee,
	}
	return checkout.Restore(deps, st, snap), nil
}

func (a *app) saveCheckout(ctx context.Context, o *checkout.Orchestrator) {
	if err := checkout.SaveSnapshot(ctx, a.kv, o.Snapshot()); err != nil {
		a.logger.Error().Err(err).Msg("could not save checkout state")
	}
}

func (a *app) printResult(res checkout.Result) {
	a.printf("Order placed: %s\n", res.OrderID)
	if res.Totals != nil {
		a.printf("Paid %s\n", a.money.Format(res.Totals.FinalTotal))
	}
	if res.Message != "" {
		a.printf("%s\n", res.Message)
	}
}

func (a *app) checkoutCommand() *cli.Command {
	flags := append([]cli.Flag{
		&cli.BoolFlag{Name: "gift-wrap"},
		&cli.StringFlag{Name: "gateway", Value: "prompt", Usage: "prompt, browser or sandbox"},
		&cli.StringFlag{Name: "sandbox-secret", Sources: cli.EnvVars("RAZORPAY_SANDBOX_SECRET")},
	}, detailFlags...)

	return &cli.Command{
		Name:  "checkout",
		Usage: "pay for the cart",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			gw, err := a.gateway(cmd)
			if err != nil {
				return err
			}
			o, err := a.orchestrator(ctx)
			if err != nil {
				return err
			}
			defer a.saveCheckout(context.WithoutCancel(ctx), o)
			res, err := o.Run(a.ctx(ctx), a.details(ctx, cmd), cmd.Bool("gift-wrap"), gw)
			if err != nil {
				return err
			}
			a.printResult(res)
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:  "status",
				Usage: "show the checkout in progress",
				Action: func(ctx context.Context, _ *cli.Command) error {
					snap, err := checkout.LoadSnapshot(ctx, a.kv)
					if err != nil {
						return err
					}
					a.printf("State: %s\n", snap.State)
					if snap.Reason != "" {
						a.printf("Reason: %s (%s)\n", snap.Reason, snap.Message)
					}
					if snap.Handle != "" {
						a.printf("Gateway order: %s\n", snap.Handle)
					}
					if snap.Totals != nil {
						a.printf("Total: %s\n", a.money.Format(snap.Totals.FinalTotal))
					}
					if snap.OrderID != "" {
						a.printf("Order: %s\n", snap.OrderID)
					}
					return nil
				},
			},
			{
				Name:  "confirm",
				Usage: "submit a payment made outside this client",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "payment-id", Required: true},
					&cli.StringFlag{Name: "order-id"},
					&cli.StringFlag{Name: "signature", Required: true},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					o, err := a.orchestrator(ctx)
					if err != nil {
						return err
					}
					defer a.saveCheckout(context.WithoutCancel(ctx), o)
					orderID := cmd.String("order-id")
					if orderID == "" {
						orderID = o.Snapshot().Handle
					}
					res, err := o.Confirm(a.ctx(ctx), payment.Confirmation{
						PaymentID: cmd.String("payment-id"),
						OrderID:   orderID,
						Signature: cmd.String("signature"),
					})
					if err != nil {
						return err
					}
					a.printResult(res)
					return nil
				},
			},
			{
				Name:  "reset",
				Usage: "abandon the checkout and start over",
				Action: func(ctx context.Context, _ *cli.Command) error {
					o, err := a.orchestrator(ctx)
					if err != nil {
						return err
					}
					if err := o.Reset(ctx); err != nil {
						return err
					}
					a.saveCheckout(ctx, o)
					return nil
				},
			},
			{
				Name:      "pincode",
				Usage:     "check delivery to a pincode",
				ArgsUsage: "<pincode>",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					res, err := a.shipping().Serviceable(a.ctx(ctx), cmd.Args().First())
					if err != nil {
						return err
					}
					if !res.Serviceable {
						a.printf("Not serviceable: %s\n", res.Message)
						return nil
					}
					a.printf("We deliver to %s %s\n", res.City, res.State)
					return nil
				},
			},
		},
	}
}

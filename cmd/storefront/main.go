// Command storefront is a terminal client for the storefront. Cart, coupon, checkout
// and login state persist in a local state file between invocations.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"

	"github.com/vibethread/storefront/internal/backend"
	"github.com/vibethread/storefront/internal/cart"
	"github.com/vibethread/storefront/internal/common"
	"github.com/vibethread/storefront/internal/config"
	"github.com/vibethread/storefront/internal/obs"
	"github.com/vibethread/storefront/internal/pricing"
	"github.com/vibethread/storefront/internal/storage"
)

// cliIn is where interactive commands read shopper input.
var cliIn io.Reader = os.Stdin

// app is the state shared by every command of one invocation.
type app struct {
	cfg    *config.Config
	logger zerolog.Logger
	kv     *storage.FileKV
	jar    *backend.Cookies
	api    *backend.Client
	money  pricing.Formatter
	out    io.Writer
}

func (a *app) before(ctx context.Context, cmd *cli.Command) (context.Context, error) {
	cfg, err := config.Load()
	if err != nil {
		return ctx, err
	}
	if path := cmd.String("state"); path != "" {
		cfg.StateFile = path
	}
	level := cfg.LogLevel
	if cmd.Bool("verbose") {
		level = "debug"
	} else if level == "info" {
		level = "warn"
	}
	a.cfg = cfg
	a.logger = obs.NewLoggerTo(os.Stderr, "console", level)
	a.kv = &storage.FileKV{Path: cfg.StateFile}
	a.money = pricing.NewFormatter(cfg.Currency)

	a.jar, err = backend.LoadCookies(ctx, a.kv)
	if err != nil {
		a.logger.Warn().Err(err).Msg("discarding unreadable login")
		a.jar = backend.NewCookies()
	}
	a.api, err = backend.New(backend.Options{
		BaseURL:        cfg.BackendBaseURL,
		Timeout:        cfg.HTTPClientTimeout,
		MaxAttempts:    cfg.HTTPClientMaxAttempts,
		Backoff:        cfg.HTTPClientBackoff,
		Jitter:         cfg.HTTPClientJitter,
		BreakerMinReq:  cfg.BreakerMinRequests,
		BreakerRatio:   cfg.BreakerFailureRatio,
		BreakerOpenFor: cfg.BreakerOpenFor,
		Logger:         a.logger,
	})
	if err != nil {
		return ctx, err
	}
	return a.ctx(ctx), nil
}

func (a *app) after(ctx context.Context, _ *cli.Command) error {
	if a.jar == nil || a.kv == nil {
		return nil
	}
	return a.jar.Save(ctx, a.kv)
}

// ctx attaches the persisted backend login to ctx.
func (a *app) ctx(ctx context.Context) context.Context {
	return backend.WithCookies(ctx, a.jar)
}

func (a *app) cart(ctx context.Context) (*cart.Store, error) {
	return cart.Open(ctx, a.kv, a.cfg.CartTTL, a.cfg.CartMaxQuantity, a.logger)
}

func (a *app) printf(format string, args ...any) {
	fmt.Fprintf(a.out, format, args...)
}

func (a *app) printJSON(v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func main() {
	a := &app{out: os.Stdout}
	root := &cli.Command{
		Name:   "storefront",
		Usage:  "shop THE VIBE THREAD from the terminal",
		Writer: os.Stdout,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "state", Usage: "path of the local state file", Sources: cli.EnvVars("STATE_FILE")},
			&cli.BoolFlag{Name: "verbose", Aliases: []string{"v"}, Usage: "log backend calls"},
		},
		Before: a.before,
		After:  a.after,
		Commands: []*cli.Command{
			a.productsCommand(),
			a.searchCommand(),
			a.cartCommand(),
			a.checkoutCommand(),
			a.ordersCommand(),
			a.accountCommand(),
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := root.Run(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, describe(err))
		stop()
		os.Exit(1)
	}
}

// describe renders err for the shopper: field problems are listed, other failures show
// their user-facing message.
func describe(err error) string {
	var fields *common.ValidationError
	if errors.As(err, &fields) {
		msg := "please fix the following:"
		for _, f := range fields.Fields {
			msg += fmt.Sprintf("\n  %s: %s", f.Field, f.Message)
		}
		return msg
	}
	var appErr *common.AppError
	if errors.As(err, &appErr) && appErr.Message != "" {
		return appErr.Message
	}
	return err.Error()
}

package main

import (
	"context"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/vibethread/storefront/internal/account"
)

func (a *app) account() account.Account {
	return account.Account{Backend: a.api, KV: a.kv, Logger: a.logger}
}

func (a *app) printUser(u account.User) {
	a.printf("%s <%s>  %s\n", u.Name, u.Email, u.PhoneNumber)
	if u.Address != "" {
		a.printf("  %s\n", u.Address)
	}
	for _, addr := range u.Addresses {
		if addr != u.Address {
			a.printf("  %s\n", addr)
		}
	}
}

func (a *app) accountCommand() *cli.Command {
	return &cli.Command{
		Name:  "account",
		Usage: "sign in and manage your profile",
		Action: func(ctx context.Context, _ *cli.Command) error {
			u, ok, err := a.account().Me(a.ctx(ctx))
			if err != nil {
				return err
			}
			if !ok {
				a.printf("Not signed in.\n")
				return nil
			}
			a.printUser(u)
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:      "login",
				Usage:     "email a one-time password",
				ArgsUsage: "<email>",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					if err := a.account().Login(a.ctx(ctx), cmd.Args().First()); err != nil {
						return err
					}
					a.printf("Check your inbox, then run: storefront account verify %s <otp>\n", cmd.Args().First())
					return nil
				},
			},
			{
				Name:      "verify",
				Usage:     "finish signing in with the one-time password",
				ArgsUsage: "<email> <otp>",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					v, err := a.account().VerifyOTP(a.ctx(ctx), cmd.Args().Get(0), cmd.Args().Get(1))
					if err != nil {
						return err
					}
					if !v.Exists || v.User == nil {
						a.printf("No account for this email yet; create one with: storefront account signup\n")
						return nil
					}
					a.printf("Signed in as %s.\n", v.User.Name)
					return nil
				},
			},
			{
				Name:  "signup",
				Usage: "create an account after verifying your email",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "name", Required: true},
					&cli.StringFlag{Name: "email", Required: true},
					&cli.StringFlag{Name: "phone", Required: true},
					&cli.StringFlag{Name: "flat", Required: true},
					&cli.StringFlag{Name: "landmark"},
					&cli.StringFlag{Name: "city", Required: true},
					&cli.StringFlag{Name: "state", Required: true},
					&cli.StringFlag{Name: "pincode", Required: true},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					err := a.account().Register(a.ctx(ctx), account.Signup{
						Name:        cmd.String("name"),
						Email:       cmd.String("email"),
						PhoneNumber: cmd.String("phone"),
						Flat:        cmd.String("flat"),
						Landmark:    cmd.String("landmark"),
						City:        cmd.String("city"),
						State:       cmd.String("state"),
						Pincode:     cmd.String("pincode"),
					})
					if err != nil {
						return err
					}
					a.printf("Account created. Sign in with: storefront account login %s\n", cmd.String("email"))
					return nil
				},
			},
			{
				Name:  "logout",
				Usage: "sign out",
				Action: func(ctx context.Context, _ *cli.Command) error {
					if err := a.account().Logout(a.ctx(ctx)); err != nil {
						a.logger.Warn().Err(err).Msg("backend logout failed, signed out locally")
					}
					a.printf("Signed out.\n")
					return nil
				},
			},
			{
				Name:  "profile",
				Usage: "update your name, contact details and saved addresses",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "name", Required: true},
					&cli.StringFlag{Name: "email"},
					&cli.StringFlag{Name: "phone"},
					&cli.StringSliceFlag{Name: "address", Usage: "repeat for each saved address"},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					addrs := make([]string, 0, len(cmd.StringSlice("address")))
					for _, addr := range cmd.StringSlice("address") {
						if addr = strings.TrimSpace(addr); addr != "" {
							addrs = append(addrs, addr)
						}
					}
					u, err := a.account().UpdateProfile(a.ctx(ctx), account.ProfileUpdate{
						Name:        cmd.String("name"),
						Email:       cmd.String("email"),
						PhoneNumber: cmd.String("phone"),
						Addresses:   addrs,
					})
					if err != nil {
						return err
					}
					a.printUser(u)
					return nil
				},
			},
		},
	}
}

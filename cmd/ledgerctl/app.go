package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/storefront/checkout-api/internal/services"
)

type globalOptions struct {
	envFile  string
	logLevel string
}

type walletOpener func(ctx context.Context, opts globalOptions) (services.WalletService, func(), error)

func newApp(open walletOpener, out io.Writer) *cli.App {
	return &cli.App{
		Name:  "ledgerctl",
		Usage: "inspect and repair customer wallet ledgers",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "env-file",
				Usage:   "dotenv file with API_* settings",
				EnvVars: []string{"LEDGERCTL_ENV_FILE"},
			},
			&cli.StringFlag{
				Name:    "log-level",
				Value:   "warn",
				EnvVars: []string{"LOG_LEVEL"},
			},
		},
		Writer: out,
		Commands: []*cli.Command{
			{
				Name:      "balance",
				Usage:     "print the stored balance and recent ledger entries",
				ArgsUsage: "<user-id>",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "limit", Value: 10, Usage: "ledger entries to show"},
				},
				Action: func(c *cli.Context) error {
					return withWallets(c, open, func(wallets services.WalletService, userID string) error {
						view, err := wallets.GetWallet(c.Context, userID)
						if err != nil {
							return err
						}
						printBalance(c.App.Writer, view, c.Int("limit"))
						return nil
					})
				},
			},
			{
				Name:      "reconcile",
				Usage:     "fold the ledger and correct the stored balance when it drifted",
				ArgsUsage: "<user-id> [<user-id>...]",
				Action: func(c *cli.Context) error {
					if c.NArg() == 0 {
						return errors.New("at least one user id is required")
					}
					wallets, cleanup, err := open(c.Context, optionsFrom(c))
					if err != nil {
						return err
					}
					defer cleanup()

					var failed []error
					for _, userID := range c.Args().Slice() {
						result, err := wallets.ReconcileBalance(c.Context, userID)
						if err != nil {
							fmt.Fprintf(c.App.Writer, "%s\terror\t%v\n", userID, err)
							failed = append(failed, fmt.Errorf("%s: %w", userID, err))
							continue
						}
						printReconcile(c.App.Writer, result)
					}
					if len(failed) > 0 {
						return errors.Join(failed...)
					}
					return nil
				},
			},
		},
	}
}

func optionsFrom(c *cli.Context) globalOptions {
	return globalOptions{envFile: c.String("env-file"), logLevel: c.String("log-level")}
}

func withWallets(c *cli.Context, open walletOpener, fn func(services.WalletService, string) error) error {
	userID := strings.TrimSpace(c.Args().First())
	if userID == "" {
		return errors.New("user id is required")
	}
	wallets, cleanup, err := open(c.Context, optionsFrom(c))
	if err != nil {
		return err
	}
	defer cleanup()
	return fn(wallets, userID)
}

func printBalance(w io.Writer, view services.WalletView, limit int) {
	fmt.Fprintf(w, "user %s balance %s\n", view.UserID, view.Balance.StringFixed(2))
	entries := view.Transactions
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	for _, tx := range entries {
		marker := ""
		if tx.Adjustment {
			marker = " (adjustment)"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s%s\n",
			tx.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"),
			tx.ID,
			tx.Type,
			tx.Amount.StringFixed(2),
			tx.Status,
			marker,
		)
	}
}

func printReconcile(w io.Writer, result services.ReconcileResult) {
	if !result.Adjusted {
		fmt.Fprintf(w, "%s\tok\t%s\n", result.UserID, result.Stored.StringFixed(2))
		return
	}
	adjustmentID := ""
	if result.Adjustment != nil {
		adjustmentID = result.Adjustment.ID
	}
	fmt.Fprintf(w, "%s\tadjusted\t%s -> %s\t%s\n",
		result.UserID,
		result.Stored.StringFixed(2),
		result.Computed.StringFixed(2),
		adjustmentID,
	)
}

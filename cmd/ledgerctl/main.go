// Package main implements ledgerctl, the operator CLI for the XP ledger
// integrity engine.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"xp-ledger/internal/config"
	"xp-ledger/internal/identity"
	"xp-ledger/internal/pkg/db"
	"xp-ledger/internal/pkg/lock"
	"xp-ledger/internal/repository"
	"xp-ledger/internal/service"
)

// services bundles everything a one-shot command needs.
type services struct {
	pool      *db.Pool
	merge     *service.MergeService
	reconcile *service.ReconcileService
}

func connect(ctx context.Context, configPath string) (*services, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	pool, err := db.NewPool(ctx, &cfg.Database)
	if err != nil {
		return nil, err
	}

	accountRepo := repository.NewAccountRepository(pool.Pool, cfg.Legacy.EmailDomain)
	ledgerRepo := repository.NewLedgerRepository(pool.Pool)
	awardRepo := repository.NewAwardRepository(pool.Pool)
	mergeRepo := repository.NewMergeRepository(pool.Pool)

	matcher := identity.NewMatcher(accountRepo, cfg.Legacy.EmailDomain,
		cfg.Legacy.DiscriminatorSeparator, cfg.Legacy.MaxEditDistance)

	return &services{
		pool:      pool,
		merge:     service.NewMergeService(mergeRepo, matcher, lock.NewAccountLock(), cfg.Merge.LockTimeout),
		reconcile: service.NewReconcileService(awardRepo, ledgerRepo, accountRepo, cfg.Reconcile.Location()),
	}, nil
}

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	var configPath string

	root := &cobra.Command{
		Use:           "ledgerctl",
		Short:         "Operator tooling for the XP ledger integrity engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "config", "config directory")

	root.AddCommand(
		newReconcileCmd(&configPath),
		newRevokeCmd(&configPath),
		newMergeCmd(&configPath),
	)

	if err := root.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

func newReconcileCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile <period>",
		Short: "Ensure every award for a period has a matching ledger entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			svc, err := connect(ctx, *configPath)
			if err != nil {
				return err
			}
			defer svc.pool.Close()

			inserted, err := svc.reconcile.TopUpAwards(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("period %s: %d ledger entries inserted\n", args[0], inserted)
			return nil
		},
	}
}

func newRevokeCmd(configPath *string) *cobra.Command {
	var awardID, period string
	var all bool

	cmd := &cobra.Command{
		Use:   "revoke",
		Short: "Reverse previously granted awards",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			svc, err := connect(ctx, *configPath)
			if err != nil {
				return err
			}
			defer svc.pool.Close()

			switch {
			case awardID != "":
				if err := svc.reconcile.RevokeAward(ctx, awardID); err != nil {
					return err
				}
				fmt.Printf("award %s revoked\n", awardID)
			case period != "":
				revoked, err := svc.reconcile.RevokeAwardsForPeriod(ctx, period)
				if err != nil {
					return err
				}
				fmt.Printf("period %s: %d awards revoked\n", period, revoked)
			case all:
				revoked, err := svc.reconcile.RevokeAllAwards(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("%d awards revoked\n", revoked)
			default:
				return errors.New("one of --award, --period or --all is required")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&awardID, "award", "", "award record ID to revoke")
	cmd.Flags().StringVar(&period, "period", "", "revoke every award for this period key")
	cmd.Flags().BoolVar(&all, "all", false, "revoke every award on record")
	return cmd
}

func newMergeCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "merge",
		Short: "Inspect and retry legacy-account merges",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "status <account-id>",
		Short: "Show the latest merge attempt for an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			svc, err := connect(ctx, *configPath)
			if err != nil {
				return err
			}
			defer svc.pool.Close()

			info, err := svc.merge.GetMergeStatus(ctx, args[0])
			if err != nil {
				if errors.Is(err, repository.ErrMergeNotFound) {
					fmt.Println("no merge history for this account")
					return nil
				}
				return err
			}
			fmt.Printf("status:    %s\n", info.Status)
			fmt.Printf("started:   %s\n", info.StartedAt.Format(time.RFC3339))
			if info.CompletedAt != nil {
				fmt.Printf("completed: %s\n", info.CompletedAt.Format(time.RFC3339))
			}
			if info.ErrorMessage != nil {
				fmt.Printf("error:     %s\n", *info.ErrorMessage)
			}
			fmt.Printf("progress:  %d entries, %d XP, %d activity records\n",
				info.Progress.EntriesMoved, info.Progress.XPMoved, info.Progress.ActivityMoved)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "retry <merge-id>",
		Short: "Retry a failed merge with its original parameters",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			svc, err := connect(ctx, *configPath)
			if err != nil {
				return err
			}
			defer svc.pool.Close()

			result := svc.merge.RetryFailedMerge(ctx, args[0])
			fmt.Printf("status:  %s\n", result.Status)
			fmt.Printf("message: %s\n", result.Message)
			if !result.Success {
				return fmt.Errorf("retry failed: %s", result.ErrorCode)
			}
			return nil
		},
	})

	return cmd
}

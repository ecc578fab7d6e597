// Package main is the entry point for the XP ledger reconciliation daemon.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"xp-ledger/internal/config"
	"xp-ledger/internal/model"
	"xp-ledger/internal/pkg/db"
	"xp-ledger/internal/repository"
	"xp-ledger/internal/service"
)

func main() {
	// Configure zerolog
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	cfg, err := config.Load("config")
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log.Info().Msg("Configuration loaded successfully")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dbPool, err := db.NewPool(ctx, &cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer dbPool.Close()

	if err := runMigrations(ctx, dbPool); err != nil {
		log.Fatal().Err(err).Msg("Failed to run database migrations")
	}

	accountRepo := repository.NewAccountRepository(dbPool.Pool, cfg.Legacy.EmailDomain)
	ledgerRepo := repository.NewLedgerRepository(dbPool.Pool)
	awardRepo := repository.NewAwardRepository(dbPool.Pool)

	loc := cfg.Reconcile.Location()
	reconciler := service.NewReconcileService(awardRepo, ledgerRepo, accountRepo, loc)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go runReconcileLoop(ctx, reconciler, cfg.Reconcile.Interval, loc)
	go runWeeklyResetLoop(ctx, accountRepo, loc)

	sig := <-sigChan
	log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")

	cancel()
	log.Info().Msg("Daemon stopped gracefully")
}

// runReconcileLoop periodically tops up award ledger entries for the current
// period. The operation is idempotent, so overlapping or repeated runs are
// harmless.
func runReconcileLoop(ctx context.Context, reconciler *service.ReconcileService, interval time.Duration, loc *time.Location) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	reconcileCurrentPeriod(ctx, reconciler, loc)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reconcileCurrentPeriod(ctx, reconciler, loc)
		}
	}
}

func reconcileCurrentPeriod(ctx context.Context, reconciler *service.ReconcileService, loc *time.Location) {
	period := model.PeriodKeyFor(time.Now().In(loc))
	inserted, err := reconciler.TopUpAwards(ctx, period)
	if err != nil {
		log.Error().Err(err).Str("period", period).Msg("Scheduled reconciliation failed")
		return
	}
	if inserted > 0 {
		log.Info().Str("period", period).Int("inserted", inserted).Msg("Scheduled reconciliation inserted entries")
	}
}

// runWeeklyResetLoop zeroes every account's current-week aggregate at the
// start of each week (Monday 00:00 in the configured timezone).
func runWeeklyResetLoop(ctx context.Context, accounts *repository.AccountRepository, loc *time.Location) {
	for {
		next := nextWeekStart(time.Now().In(loc))
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Until(next)):
			reset, err := accounts.ResetWeeklyXP(ctx)
			if err != nil {
				log.Error().Err(err).Msg("Weekly XP reset failed")
				continue
			}
			log.Info().Int64("accounts", reset).Msg("Weekly XP reset completed")
		}
	}
}

// nextWeekStart returns the next Monday 00:00 strictly after now.
func nextWeekStart(now time.Time) time.Time {
	day := now
	for {
		day = day.AddDate(0, 0, 1)
		if day.Weekday() == time.Monday {
			return time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, now.Location())
		}
	}
}

// runMigrations executes database migrations.
func runMigrations(ctx context.Context, pool *db.Pool) error {
	log.Info().Msg("Running database migrations...")

	// Migration 1: accounts table (real and legacy accounts share it;
	// legacy accounts carry the reserved email domain)
	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS accounts (
			id UUID PRIMARY KEY,
			handle VARCHAR(255) NOT NULL,
			external_id BIGINT,
			email VARCHAR(320) NOT NULL,
			display_name VARCHAR(255) NOT NULL DEFAULT '',
			total_xp BIGINT NOT NULL DEFAULT 0,
			current_week_xp BIGINT NOT NULL DEFAULT 0,
			role VARCHAR(50) NOT NULL DEFAULT 'member',
			merged_into UUID REFERENCES accounts(id),
			merged_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_accounts_handle ON accounts(handle);
		CREATE INDEX IF NOT EXISTS idx_accounts_email ON accounts(email);
		CREATE INDEX IF NOT EXISTS idx_accounts_external_id ON accounts(external_id);
	`)
	if err != nil {
		return err
	}
	log.Info().Msg("Migration 1: accounts table created")

	// Migration 2: append-only ledger. period_key and entry_type are
	// first-class indexed columns.
	_, err = pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS ledger_entries (
			id BIGSERIAL PRIMARY KEY,
			account_id UUID NOT NULL REFERENCES accounts(id),
			amount BIGINT NOT NULL,
			entry_type VARCHAR(50) NOT NULL,
			description TEXT,
			period_key VARCHAR(10),
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_ledger_account_time ON ledger_entries(account_id, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_ledger_type_time ON ledger_entries(entry_type, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_ledger_period ON ledger_entries(period_key);
	`)
	if err != nil {
		return err
	}
	log.Info().Msg("Migration 2: ledger_entries table created")

	// Migration 3: merge history. The partial unique index is the durable
	// guard against two concurrent merges for the same account; the unique
	// completed-pair index backs exactly-once-per-pair.
	_, err = pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS merge_records (
			id UUID PRIMARY KEY,
			real_account_id UUID NOT NULL REFERENCES accounts(id),
			legacy_account_id UUID REFERENCES accounts(id),
			status VARCHAR(20) NOT NULL,
			initiator VARCHAR(20) NOT NULL,
			legacy_handle VARCHAR(255) NOT NULL DEFAULT '',
			external_id BIGINT,
			email VARCHAR(320) NOT NULL DEFAULT '',
			display_name VARCHAR(255) NOT NULL DEFAULT '',
			started_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			completed_at TIMESTAMPTZ,
			error_message TEXT,
			entries_transferred BIGINT NOT NULL DEFAULT 0,
			xp_transferred BIGINT NOT NULL DEFAULT 0,
			activity_transferred BIGINT NOT NULL DEFAULT 0
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_merge_active_per_account
			ON merge_records(real_account_id)
			WHERE status IN ('PENDING', 'IN_PROGRESS');
		CREATE UNIQUE INDEX IF NOT EXISTS idx_merge_completed_pair
			ON merge_records(real_account_id, legacy_account_id)
			WHERE status = 'COMPLETED';
	`)
	if err != nil {
		return err
	}
	log.Info().Msg("Migration 3: merge_records table created")

	// Migration 4: period-level awards consumed by reconciliation
	_, err = pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS award_records (
			id UUID PRIMARY KEY,
			period_key VARCHAR(10) NOT NULL,
			account_id UUID NOT NULL REFERENCES accounts(id),
			rank INT NOT NULL,
			amount BIGINT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_awards_period ON award_records(period_key);
	`)
	if err != nil {
		return err
	}
	log.Info().Msg("Migration 4: award_records table created")

	// Migration 5: activity tables owned by the platform, re-keyed by the
	// merge procedure
	_, err = pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS weekly_stats (
			id BIGSERIAL PRIMARY KEY,
			account_id UUID NOT NULL REFERENCES accounts(id),
			week_start DATE NOT NULL,
			xp_earned BIGINT NOT NULL DEFAULT 0,
			reviews_done INT NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_weekly_stats_account ON weekly_stats(account_id);

		CREATE TABLE IF NOT EXISTS submissions (
			id BIGSERIAL PRIMARY KEY,
			author_id UUID NOT NULL REFERENCES accounts(id),
			title TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_submissions_author ON submissions(author_id);
	`)
	if err != nil {
		return err
	}
	log.Info().Msg("Migration 5: activity tables created")

	log.Info().Msg("All migrations completed successfully")
	return nil
}

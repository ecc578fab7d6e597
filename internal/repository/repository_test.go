// Package repository provides data access layer implementations.
// Tests use testcontainers-go to spin up a PostgreSQL container.
package repository

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"xp-ledger/internal/model"
)

// checkDockerAvailable checks if Docker is available and running
func checkDockerAvailable() bool {
	cmd := exec.Command("docker", "info")
	err := cmd.Run()
	return err == nil
}

// setupTestDB creates a PostgreSQL container and returns a connection pool
// Skips the test if Docker is not available
func setupTestDB(t *testing.T) (*pgxpool.Pool, func()) {
	if !checkDockerAvailable() {
		t.Skip("Docker is not available, skipping integration test")
	}

	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err)

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)

	require.NoError(t, applySchema(ctx, pool))

	cleanup := func() {
		pool.Close()
		_ = pgContainer.Terminate(ctx)
	}

	return pool, cleanup
}

// applySchema mirrors the daemon's migrations.
func applySchema(ctx context.Context, pool *pgxpool.Pool) error {
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

		CREATE TABLE IF NOT EXISTS ledger_entries (
			id BIGSERIAL PRIMARY KEY,
			account_id UUID NOT NULL REFERENCES accounts(id),
			amount BIGINT NOT NULL,
			entry_type VARCHAR(50) NOT NULL,
			description TEXT,
			period_key VARCHAR(10),
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

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

		CREATE TABLE IF NOT EXISTS award_records (
			id UUID PRIMARY KEY,
			period_key VARCHAR(10) NOT NULL,
			account_id UUID NOT NULL REFERENCES accounts(id),
			rank INT NOT NULL,
			amount BIGINT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS weekly_stats (
			id BIGSERIAL PRIMARY KEY,
			account_id UUID NOT NULL REFERENCES accounts(id),
			week_start DATE NOT NULL,
			xp_earned BIGINT NOT NULL DEFAULT 0,
			reviews_done INT NOT NULL DEFAULT 0
		);

		CREATE TABLE IF NOT EXISTS submissions (
			id BIGSERIAL PRIMARY KEY,
			author_id UUID NOT NULL REFERENCES accounts(id),
			title TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
	`)
	return err
}

func createRealAccount(t *testing.T, repo *AccountRepository, handle string) *model.Account {
	t.Helper()
	a, err := repo.Create(context.Background(), &model.Account{
		Handle:      handle,
		Email:       handle + "@example.com",
		DisplayName: handle,
	})
	require.NoError(t, err)
	return a
}

func createLegacyAccount(t *testing.T, repo *AccountRepository, handle string, totalXP int64) *model.Account {
	t.Helper()
	a, err := repo.Create(context.Background(), &model.Account{
		Handle:      handle,
		Email:       handle + "@" + model.LegacyEmailDomain,
		DisplayName: handle,
		TotalXP:     totalXP,
	})
	require.NoError(t, err)
	return a
}

// ============================================================================
// AccountRepository Tests
// ============================================================================

func TestAccountRepository_CreateAndGet(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	repo := NewAccountRepository(pool, model.LegacyEmailDomain)
	ctx := context.Background()

	created, err := repo.Create(ctx, &model.Account{
		Handle:      "alice",
		Email:       "alice@example.com",
		DisplayName: "Alice",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, "member", created.Role)
	assert.False(t, created.CreatedAt.IsZero())

	got, err := repo.GetByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Handle)

	_, err = repo.GetByID(ctx, "00000000-0000-0000-0000-000000000000")
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

func TestAccountRepository_LegacyDirectoryQueries(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	repo := NewAccountRepository(pool, model.LegacyEmailDomain)
	ctx := context.Background()

	extID := int64(777)
	withExt, err := repo.Create(ctx, &model.Account{
		Handle:     "bob",
		ExternalID: &extID,
		Email:      "bob@" + model.LegacyEmailDomain,
	})
	require.NoError(t, err)
	low := createLegacyAccount(t, repo, "carol", 100)
	high := createLegacyAccount(t, repo, "caro", 9000)
	createRealAccount(t, repo, "dave")

	// External ID lookup
	found, err := repo.FindLegacyByExternalID(ctx, 777)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, withExt.ID, found.ID)

	found, err = repo.FindLegacyByExternalID(ctx, 12345)
	require.NoError(t, err)
	assert.Nil(t, found)

	// Exact handle + reserved email lookup
	found, err = repo.FindLegacyByHandleEmail(ctx, "carol", "carol@"+model.LegacyEmailDomain)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, low.ID, found.ID)

	// Real accounts never surface even when the handle matches
	found, err = repo.FindLegacyByHandleEmail(ctx, "dave", "dave@example.com")
	require.NoError(t, err)
	assert.Nil(t, found)

	// Local-part set lookup, highest XP first
	matches, err := repo.FindLegacyByEmailLocalParts(ctx, []string{"carol", "caro", "nobody"})
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, high.ID, matches[0].ID)
	assert.Equal(t, low.ID, matches[1].ID)

	// Display name lookup is case-insensitive
	matches, err = repo.FindLegacyByDisplayName(ctx, "CAROL")
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, low.ID, matches[0].ID)
}

func TestAccountRepository_ConsumedLegacyAccountsAreExcluded(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	repo := NewAccountRepository(pool, model.LegacyEmailDomain)
	mergeRepo := NewMergeRepository(pool)
	ctx := context.Background()

	legacy := createLegacyAccount(t, repo, "erin", 500)
	real := createRealAccount(t, repo, "erin_new")

	_, err := mergeRepo.ExecuteMerge(ctx, real.ID, legacy.ID)
	require.NoError(t, err)

	found, err := repo.FindLegacyByHandleEmail(ctx, "erin", "erin@"+model.LegacyEmailDomain)
	require.NoError(t, err)
	assert.Nil(t, found, "consumed legacy accounts must not match again")

	matches, err := repo.FindLegacyByEmailLocalParts(ctx, []string{"erin"})
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestAccountRepository_WeekXPFloorsAtZero(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	repo := NewAccountRepository(pool, model.LegacyEmailDomain)
	ctx := context.Background()

	account := createRealAccount(t, repo, "frank")
	require.NoError(t, repo.AddWeekXP(ctx, account.ID, 500))

	require.NoError(t, repo.SubWeekXPFloored(ctx, account.ID, 2000))
	got, err := repo.GetByID(ctx, account.ID)
	require.NoError(t, err)
	assert.Zero(t, got.CurrentWeekXP, "decrement past zero clamps")

	assert.ErrorIs(t, repo.SubWeekXPFloored(ctx, "00000000-0000-0000-0000-000000000000", 1), ErrAccountNotFound)
}

func TestAccountRepository_ResetWeeklyXP(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	repo := NewAccountRepository(pool, model.LegacyEmailDomain)
	ctx := context.Background()

	a := createRealAccount(t, repo, "gina")
	b := createRealAccount(t, repo, "hank")
	require.NoError(t, repo.AddWeekXP(ctx, a.ID, 100))
	require.NoError(t, repo.AddWeekXP(ctx, b.ID, 200))

	reset, err := repo.ResetWeeklyXP(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), reset)

	got, err := repo.GetByID(ctx, a.ID)
	require.NoError(t, err)
	assert.Zero(t, got.CurrentWeekXP)

	// Second reset touches nothing
	reset, err = repo.ResetWeeklyXP(ctx)
	require.NoError(t, err)
	assert.Zero(t, reset)
}

// ============================================================================
// LedgerRepository Tests
// ============================================================================

func TestLedgerRepository_InsertAndSum(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	accountRepo := NewAccountRepository(pool, model.LegacyEmailDomain)
	ledgerRepo := NewLedgerRepository(pool)
	ctx := context.Background()

	account := createRealAccount(t, accountRepo, "ivy")

	desc := "submission approved"
	_, err := ledgerRepo.Insert(ctx, account.ID, 100, model.EntryTypeReward, &desc, nil)
	require.NoError(t, err)
	_, err = ledgerRepo.Insert(ctx, account.ID, -30, model.EntryTypePenalty, nil, nil)
	require.NoError(t, err)
	_, err = ledgerRepo.Insert(ctx, account.ID, 50, model.EntryTypeReviewBonus, nil, nil)
	require.NoError(t, err)

	sum, err := ledgerRepo.SumByAccount(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(120), sum)

	count, err := ledgerRepo.CountByAccount(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)

	entries, err := ledgerRepo.GetByAccount(ctx, account.ID, 10)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, int64(50), entries[0].Amount, "newest first")

	// Empty account sums to zero
	other := createRealAccount(t, accountRepo, "jack")
	sum, err = ledgerRepo.SumByAccount(ctx, other.ID)
	require.NoError(t, err)
	assert.Zero(t, sum)
}

func TestLedgerRepository_HasAwardEntry(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	accountRepo := NewAccountRepository(pool, model.LegacyEmailDomain)
	ledgerRepo := NewLedgerRepository(pool)
	ctx := context.Background()

	account := createRealAccount(t, accountRepo, "kate")
	start := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	inside := time.Date(2026, 7, 31, 23, 59, 59, 0, time.UTC)

	exists, err := ledgerRepo.HasAwardEntry(ctx, account.ID, 2000, "2026-07", start, end)
	require.NoError(t, err)
	assert.False(t, exists)

	// A typed bonus_award entry inside the window matches.
	periodKey := "2026-07"
	_, err = ledgerRepo.InsertWithTime(ctx, account.ID, 2000, model.EntryTypeBonusAward, nil, &periodKey, inside)
	require.NoError(t, err)

	exists, err = ledgerRepo.HasAwardEntry(ctx, account.ID, 2000, "2026-07", start, end)
	require.NoError(t, err)
	assert.True(t, exists)

	// A different amount does not.
	exists, err = ledgerRepo.HasAwardEntry(ctx, account.ID, 999, "2026-07", start, end)
	require.NoError(t, err)
	assert.False(t, exists)

	// An entry outside the window does not, even with a matching description.
	account2 := createRealAccount(t, accountRepo, "liam")
	desc := "Monthly winner bonus for 2026-07 (rank 1)"
	_, err = ledgerRepo.InsertWithTime(ctx, account2.ID, 2000, model.EntryTypeReward, &desc, nil,
		time.Date(2026, 8, 2, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	exists, err = ledgerRepo.HasAwardEntry(ctx, account2.ID, 2000, "2026-07", start, end)
	require.NoError(t, err)
	assert.False(t, exists)

	// A generically typed entry inside the window matches by description.
	_, err = ledgerRepo.InsertWithTime(ctx, account2.ID, 2000, model.EntryTypeReward, &desc, nil, inside)
	require.NoError(t, err)
	exists, err = ledgerRepo.HasAwardEntry(ctx, account2.ID, 2000, "2026-07", start, end)
	require.NoError(t, err)
	assert.True(t, exists)
}

// ============================================================================
// AwardRepository Tests
// ============================================================================

func TestAwardRepository_Lifecycle(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	accountRepo := NewAccountRepository(pool, model.LegacyEmailDomain)
	awardRepo := NewAwardRepository(pool)
	ctx := context.Background()

	a := createRealAccount(t, accountRepo, "mia")
	b := createRealAccount(t, accountRepo, "noah")

	first, err := awardRepo.Create(ctx, &model.AwardRecord{
		PeriodKey: "2026-07", AccountID: a.ID, Rank: 1, Amount: 2000,
	})
	require.NoError(t, err)
	_, err = awardRepo.Create(ctx, &model.AwardRecord{
		PeriodKey: "2026-07", AccountID: b.ID, Rank: 2, Amount: 1000,
	})
	require.NoError(t, err)
	_, err = awardRepo.Create(ctx, &model.AwardRecord{
		PeriodKey: "2026-06", AccountID: a.ID, Rank: 1, Amount: 2000,
	})
	require.NoError(t, err)

	got, err := awardRepo.GetByID(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Rank)

	byPeriod, err := awardRepo.ListByPeriod(ctx, "2026-07")
	require.NoError(t, err)
	require.Len(t, byPeriod, 2)
	assert.Equal(t, 1, byPeriod[0].Rank, "best rank first")

	all, err := awardRepo.ListAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	deleted, err := awardRepo.Delete(ctx, first.ID)
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = awardRepo.Delete(ctx, first.ID)
	require.NoError(t, err)
	assert.False(t, deleted, "double delete reports already gone")

	_, err = awardRepo.GetByID(ctx, first.ID)
	assert.ErrorIs(t, err, ErrAwardNotFound)
}

// ============================================================================
// MergeRepository Tests
// ============================================================================

func TestMergeRepository_RecordLifecycle(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	accountRepo := NewAccountRepository(pool, model.LegacyEmailDomain)
	mergeRepo := NewMergeRepository(pool)
	ctx := context.Background()

	real := createRealAccount(t, accountRepo, "olga")
	legacy := createLegacyAccount(t, accountRepo, "olga_old", 100)

	record, err := mergeRepo.Create(ctx, &model.MergeRecord{
		RealAccountID:   real.ID,
		LegacyAccountID: &legacy.ID,
		Status:          model.MergeStatusPending,
		Initiator:       model.InitiatorUser,
		LegacyHandle:    "olga_old",
		Email:           "olga@example.com",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, record.ID)
	assert.False(t, record.StartedAt.IsZero())

	active, err := mergeRepo.FindActiveByAccount(ctx, real.ID)
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, record.ID, active.ID)

	require.NoError(t, mergeRepo.UpdateStatus(ctx, record.ID, model.MergeStatusInProgress))

	outcome := &model.MergeOutcome{Status: model.MergeStatusCompleted, EntriesMoved: 5, XPMoved: 100}
	require.NoError(t, mergeRepo.Finalize(ctx, record.ID, model.MergeStatusCompleted, nil, outcome))

	active, err = mergeRepo.FindActiveByAccount(ctx, real.ID)
	require.NoError(t, err)
	assert.Nil(t, active, "finalized records are no longer in flight")

	latest, err := mergeRepo.GetLatestByAccount(ctx, real.ID)
	require.NoError(t, err)
	assert.Equal(t, model.MergeStatusCompleted, latest.Status)
	assert.Equal(t, int64(5), latest.EntriesMoved)
	assert.NotNil(t, latest.CompletedAt)

	_, err = mergeRepo.GetLatestByAccount(ctx, legacy.ID)
	assert.ErrorIs(t, err, ErrMergeNotFound)

	assert.ErrorIs(t, mergeRepo.UpdateStatus(ctx, "00000000-0000-0000-0000-000000000000", model.MergeStatusFailed), ErrMergeNotFound)
}

func TestMergeRepository_ActiveIndexRejectsSecondAttempt(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	accountRepo := NewAccountRepository(pool, model.LegacyEmailDomain)
	mergeRepo := NewMergeRepository(pool)
	ctx := context.Background()

	real := createRealAccount(t, accountRepo, "pete")

	_, err := mergeRepo.Create(ctx, &model.MergeRecord{
		RealAccountID: real.ID,
		Status:        model.MergeStatusPending,
		Initiator:     model.InitiatorUser,
	})
	require.NoError(t, err)

	_, err = mergeRepo.Create(ctx, &model.MergeRecord{
		RealAccountID: real.ID,
		Status:        model.MergeStatusPending,
		Initiator:     model.InitiatorUser,
	})
	assert.Error(t, err, "partial unique index rejects a second in-flight record")
}

func TestMergeRepository_ExecuteMerge(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	accountRepo := NewAccountRepository(pool, model.LegacyEmailDomain)
	ledgerRepo := NewLedgerRepository(pool)
	mergeRepo := NewMergeRepository(pool)
	ctx := context.Background()

	real := createRealAccount(t, accountRepo, "quinn_new")
	legacy := createLegacyAccount(t, accountRepo, "quinn", 0)

	// Legacy history: 300 XP across two entries plus some week XP.
	_, err := ledgerRepo.Insert(ctx, legacy.ID, 200, model.EntryTypeLegacyImport, nil, nil)
	require.NoError(t, err)
	_, err = ledgerRepo.Insert(ctx, legacy.ID, 100, model.EntryTypeReward, nil, nil)
	require.NoError(t, err)
	require.NoError(t, accountRepo.SetTotalXP(ctx, legacy.ID, 300))
	require.NoError(t, accountRepo.AddWeekXP(ctx, legacy.ID, 40))

	// The real account has its own history.
	_, err = ledgerRepo.Insert(ctx, real.ID, 50, model.EntryTypeReward, nil, nil)
	require.NoError(t, err)
	require.NoError(t, accountRepo.SetTotalXP(ctx, real.ID, 50))
	require.NoError(t, accountRepo.AddWeekXP(ctx, real.ID, 10))

	// Legacy activity rows to re-key.
	_, err = pool.Exec(ctx, `INSERT INTO weekly_stats (account_id, week_start, xp_earned) VALUES ($1, '2026-08-24', 40)`, legacy.ID)
	require.NoError(t, err)
	_, err = pool.Exec(ctx, `INSERT INTO submissions (author_id, title) VALUES ($1, 'old post')`, legacy.ID)
	require.NoError(t, err)

	outcome, err := mergeRepo.ExecuteMerge(ctx, real.ID, legacy.ID)
	require.NoError(t, err)
	assert.Equal(t, model.MergeStatusCompleted, outcome.Status)
	assert.Equal(t, int64(2), outcome.EntriesMoved)
	assert.Equal(t, int64(2), outcome.ActivityMoved)
	assert.Equal(t, int64(300), outcome.XPMoved)

	// The real account's aggregate equals the combined ledger sum.
	got, err := accountRepo.GetByID(ctx, real.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(350), got.TotalXP)
	assert.Equal(t, int64(50), got.CurrentWeekXP)

	sum, err := ledgerRepo.SumByAccount(ctx, real.ID)
	require.NoError(t, err)
	assert.Equal(t, got.TotalXP, sum)

	count, err := ledgerRepo.CountByAccount(ctx, real.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)

	// The legacy account is consumed and zeroed, but still exists.
	gotLegacy, err := accountRepo.GetByID(ctx, legacy.ID)
	require.NoError(t, err)
	assert.True(t, gotLegacy.IsConsumed())
	require.NotNil(t, gotLegacy.MergedInto)
	assert.Equal(t, real.ID, *gotLegacy.MergedInto)
	assert.NotNil(t, gotLegacy.MergedAt)
	assert.Zero(t, gotLegacy.TotalXP)
	assert.Zero(t, gotLegacy.CurrentWeekXP)

	legacyCount, err := ledgerRepo.CountByAccount(ctx, legacy.ID)
	require.NoError(t, err)
	assert.Zero(t, legacyCount, "entries belong to the real account now")

	// Re-running the procedure is a no-op.
	outcome, err = mergeRepo.ExecuteMerge(ctx, real.ID, legacy.ID)
	require.NoError(t, err)
	assert.Equal(t, model.MergeStatusAlreadyCompleted, outcome.Status)

	got, err = accountRepo.GetByID(ctx, real.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(350), got.TotalXP, "re-run must not double-transfer")
	assert.Equal(t, int64(50), got.CurrentWeekXP)
}

func TestMergeRepository_ExecuteMerge_CompletedRecordShortCircuits(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	accountRepo := NewAccountRepository(pool, model.LegacyEmailDomain)
	ledgerRepo := NewLedgerRepository(pool)
	mergeRepo := NewMergeRepository(pool)
	ctx := context.Background()

	real := createRealAccount(t, accountRepo, "rita_new")
	legacy := createLegacyAccount(t, accountRepo, "rita", 100)
	_, err := ledgerRepo.Insert(ctx, legacy.ID, 100, model.EntryTypeLegacyImport, nil, nil)
	require.NoError(t, err)

	// A COMPLETED record for this exact pair short-circuits the procedure
	// before any row is touched.
	record, err := mergeRepo.Create(ctx, &model.MergeRecord{
		RealAccountID:   real.ID,
		LegacyAccountID: &legacy.ID,
		Status:          model.MergeStatusPending,
		Initiator:       model.InitiatorUser,
	})
	require.NoError(t, err)
	require.NoError(t, mergeRepo.Finalize(ctx, record.ID, model.MergeStatusCompleted, nil, nil))

	outcome, err := mergeRepo.ExecuteMerge(ctx, real.ID, legacy.ID)
	require.NoError(t, err)
	assert.Equal(t, model.MergeStatusAlreadyCompleted, outcome.Status)

	gotLegacy, err := accountRepo.GetByID(ctx, legacy.ID)
	require.NoError(t, err)
	assert.False(t, gotLegacy.IsConsumed(), "short-circuit applies no mutation")
	assert.Equal(t, int64(100), gotLegacy.TotalXP)
}

func TestMergeRepository_ExecuteMerge_MissingAccounts(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	accountRepo := NewAccountRepository(pool, model.LegacyEmailDomain)
	mergeRepo := NewMergeRepository(pool)
	ctx := context.Background()

	real := createRealAccount(t, accountRepo, "sam")

	_, err := mergeRepo.ExecuteMerge(ctx, real.ID, "00000000-0000-0000-0000-000000000000")
	assert.ErrorIs(t, err, ErrAccountNotFound)

	legacy := createLegacyAccount(t, accountRepo, "sam_old", 0)
	_, err = mergeRepo.ExecuteMerge(ctx, "00000000-0000-0000-0000-000000000000", legacy.ID)
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

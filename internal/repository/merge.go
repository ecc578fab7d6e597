package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"xp-ledger/internal/model"
)

// Merge-related errors.
var (
	ErrMergeNotFound = errors.New("merge record not found")
)

const mergeColumns = `id, real_account_id, legacy_account_id, status, initiator,
	legacy_handle, external_id, email, display_name, started_at, completed_at,
	error_message, entries_transferred, xp_transferred, activity_transferred`

// MergeRepository handles merge-history records and the atomic merge
// procedure itself.
type MergeRepository struct {
	pool *pgxpool.Pool
}

// NewMergeRepository creates a new MergeRepository instance.
func NewMergeRepository(pool *pgxpool.Pool) *MergeRepository {
	return &MergeRepository{pool: pool}
}

func scanMerge(row pgx.Row) (*model.MergeRecord, error) {
	var m model.MergeRecord
	err := row.Scan(
		&m.ID,
		&m.RealAccountID,
		&m.LegacyAccountID,
		&m.Status,
		&m.Initiator,
		&m.LegacyHandle,
		&m.ExternalID,
		&m.Email,
		&m.DisplayName,
		&m.StartedAt,
		&m.CompletedAt,
		&m.ErrorMessage,
		&m.EntriesMoved,
		&m.XPMoved,
		&m.ActivityMoved,
	)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// Create inserts a new merge record. An empty ID is assigned a fresh UUID.
// The partial unique index on (real_account_id) for PENDING/IN_PROGRESS rows
// rejects a second concurrent attempt at the store level.
func (r *MergeRepository) Create(ctx context.Context, m *model.MergeRecord) (*model.MergeRecord, error) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	const query = `
		INSERT INTO merge_records (id, real_account_id, legacy_account_id, status,
			initiator, legacy_handle, external_id, email, display_name, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
		RETURNING ` + mergeColumns

	created, err := scanMerge(r.pool.QueryRow(ctx, query,
		m.ID, m.RealAccountID, m.LegacyAccountID, m.Status,
		m.Initiator, m.LegacyHandle, m.ExternalID, m.Email, m.DisplayName,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to create merge record: %w", err)
	}
	return created, nil
}

// UpdateStatus transitions a merge record's status without touching progress.
func (r *MergeRepository) UpdateStatus(ctx context.Context, id string, status model.MergeStatus) error {
	const query = `UPDATE merge_records SET status = $2 WHERE id = $1`

	result, err := r.pool.Exec(ctx, query, id, status)
	if err != nil {
		return fmt.Errorf("failed to update merge status: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrMergeNotFound
	}
	return nil
}

// Finalize records the terminal outcome of a merge attempt.
func (r *MergeRepository) Finalize(ctx context.Context, id string, status model.MergeStatus, errorMessage *string, outcome *model.MergeOutcome) error {
	var entries, xp, activity int64
	if outcome != nil {
		entries, xp, activity = outcome.EntriesMoved, outcome.XPMoved, outcome.ActivityMoved
	}
	const query = `
		UPDATE merge_records
		SET status = $2, completed_at = NOW(), error_message = $3,
			entries_transferred = $4, xp_transferred = $5, activity_transferred = $6
		WHERE id = $1
	`

	result, err := r.pool.Exec(ctx, query, id, status, errorMessage, entries, xp, activity)
	if err != nil {
		return fmt.Errorf("failed to finalize merge record: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrMergeNotFound
	}
	return nil
}

// GetByID retrieves a merge record by ID.
// Returns ErrMergeNotFound if the record does not exist.
func (r *MergeRepository) GetByID(ctx context.Context, id string) (*model.MergeRecord, error) {
	const query = `SELECT ` + mergeColumns + ` FROM merge_records WHERE id = $1`

	m, err := scanMerge(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrMergeNotFound
		}
		return nil, fmt.Errorf("failed to get merge record: %w", err)
	}
	return m, nil
}

// FindActiveByAccount finds an in-flight (PENDING or IN_PROGRESS) merge for
// a real account. Returns (nil, nil) when none exists.
func (r *MergeRepository) FindActiveByAccount(ctx context.Context, realAccountID string) (*model.MergeRecord, error) {
	const query = `
		SELECT ` + mergeColumns + `
		FROM merge_records
		WHERE real_account_id = $1 AND status IN ($2, $3)
		LIMIT 1
	`

	m, err := scanMerge(r.pool.QueryRow(ctx, query, realAccountID,
		model.MergeStatusPending, model.MergeStatusInProgress))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find active merge: %w", err)
	}
	return m, nil
}

// GetLatestByAccount retrieves the most recent merge record for a real
// account, used by the status query.
// Returns ErrMergeNotFound if the account has no merge history.
func (r *MergeRepository) GetLatestByAccount(ctx context.Context, realAccountID string) (*model.MergeRecord, error) {
	const query = `
		SELECT ` + mergeColumns + `
		FROM merge_records
		WHERE real_account_id = $1
		ORDER BY started_at DESC
		LIMIT 1
	`

	m, err := scanMerge(r.pool.QueryRow(ctx, query, realAccountID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrMergeNotFound
		}
		return nil, fmt.Errorf("failed to get latest merge record: %w", err)
	}
	return m, nil
}

// ExecuteMerge runs the atomic merge procedure: in one transaction it
// re-keys the legacy account's ledger entries and activity records to the
// real account, recomputes the real account's aggregates, and marks the
// legacy account consumed. If a COMPLETED record already exists for this
// exact pair, it returns ALREADY_COMPLETED without applying any mutation.
// Any failure rolls the whole unit of work back.
func (r *MergeRepository) ExecuteMerge(ctx context.Context, realAccountID, legacyAccountID string) (*model.MergeOutcome, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return nil, fmt.Errorf("failed to begin merge transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	// Idempotency guard: a completed merge for this pair is never re-applied.
	var alreadyDone bool
	err = tx.QueryRow(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM merge_records
			WHERE real_account_id = $1 AND legacy_account_id = $2 AND status = $3
		)
	`, realAccountID, legacyAccountID, model.MergeStatusCompleted).Scan(&alreadyDone)
	if err != nil {
		return nil, fmt.Errorf("failed to check for completed merge: %w", err)
	}
	if alreadyDone {
		return &model.MergeOutcome{Status: model.MergeStatusAlreadyCompleted}, nil
	}

	// Lock both account rows for the duration of the transaction.
	var legacyTotalXP, legacyWeekXP int64
	var mergedInto *string
	err = tx.QueryRow(ctx, `
		SELECT total_xp, current_week_xp, merged_into
		FROM accounts
		WHERE id = $1
		FOR UPDATE
	`, legacyAccountID).Scan(&legacyTotalXP, &legacyWeekXP, &mergedInto)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to lock legacy account: %w", err)
	}
	if mergedInto != nil {
		// Consumed by a prior merge with no COMPLETED record for this pair;
		// treat as already done rather than double-transferring.
		return &model.MergeOutcome{Status: model.MergeStatusAlreadyCompleted}, nil
	}

	var realID string
	err = tx.QueryRow(ctx,
		`SELECT id FROM accounts WHERE id = $1 FOR UPDATE`, realAccountID,
	).Scan(&realID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to lock real account: %w", err)
	}

	// Re-key the ledger and activity records.
	res, err := tx.Exec(ctx,
		`UPDATE ledger_entries SET account_id = $1 WHERE account_id = $2`,
		realAccountID, legacyAccountID)
	if err != nil {
		return nil, fmt.Errorf("failed to re-key ledger entries: %w", err)
	}
	entriesMoved := res.RowsAffected()

	var activityMoved int64
	res, err = tx.Exec(ctx,
		`UPDATE weekly_stats SET account_id = $1 WHERE account_id = $2`,
		realAccountID, legacyAccountID)
	if err != nil {
		return nil, fmt.Errorf("failed to re-key weekly stats: %w", err)
	}
	activityMoved += res.RowsAffected()

	res, err = tx.Exec(ctx,
		`UPDATE submissions SET author_id = $1 WHERE author_id = $2`,
		realAccountID, legacyAccountID)
	if err != nil {
		return nil, fmt.Errorf("failed to re-key submissions: %w", err)
	}
	activityMoved += res.RowsAffected()

	// Recompute the real account's total from the combined ledger rather
	// than adding the legacy cached value, so a drifted legacy aggregate
	// cannot propagate into the real account.
	_, err = tx.Exec(ctx, `
		UPDATE accounts
		SET total_xp = (SELECT COALESCE(SUM(amount), 0) FROM ledger_entries WHERE account_id = $1),
			current_week_xp = current_week_xp + $2,
			updated_at = NOW()
		WHERE id = $1
	`, realAccountID, legacyWeekXP)
	if err != nil {
		return nil, fmt.Errorf("failed to update real account aggregates: %w", err)
	}

	// Mark the legacy account consumed. It is kept for auditability.
	_, err = tx.Exec(ctx, `
		UPDATE accounts
		SET merged_into = $2, merged_at = NOW(), total_xp = 0, current_week_xp = 0,
			updated_at = NOW()
		WHERE id = $1
	`, legacyAccountID, realAccountID)
	if err != nil {
		return nil, fmt.Errorf("failed to mark legacy account consumed: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit merge transaction: %w", err)
	}

	return &model.MergeOutcome{
		Status:        model.MergeStatusCompleted,
		EntriesMoved:  entriesMoved,
		ActivityMoved: activityMoved,
		XPMoved:       legacyTotalXP,
	}, nil
}

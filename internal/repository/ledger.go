package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"xp-ledger/internal/model"
)

// LedgerRepository handles the append-only XP ledger.
// No operation here ever updates or deletes an entry.
type LedgerRepository struct {
	pool *pgxpool.Pool
}

// NewLedgerRepository creates a new LedgerRepository instance.
func NewLedgerRepository(pool *pgxpool.Pool) *LedgerRepository {
	return &LedgerRepository{pool: pool}
}

func scanEntry(row pgx.Row) (*model.LedgerEntry, error) {
	var e model.LedgerEntry
	err := row.Scan(
		&e.ID,
		&e.AccountID,
		&e.Amount,
		&e.EntryType,
		&e.Description,
		&e.PeriodKey,
		&e.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// Insert appends a new ledger entry timestamped now.
func (r *LedgerRepository) Insert(ctx context.Context, accountID string, amount int64, entryType string, description, periodKey *string) (*model.LedgerEntry, error) {
	const query = `
		INSERT INTO ledger_entries (account_id, amount, entry_type, description, period_key, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		RETURNING id, account_id, amount, entry_type, description, period_key, created_at
	`

	e, err := scanEntry(r.pool.QueryRow(ctx, query, accountID, amount, entryType, description, periodKey))
	if err != nil {
		return nil, fmt.Errorf("failed to insert ledger entry: %w", err)
	}
	return e, nil
}

// InsertWithTime appends a new ledger entry with a specific timestamp.
// Used for period-attributed entries (awards, reversals) and tests.
func (r *LedgerRepository) InsertWithTime(ctx context.Context, accountID string, amount int64, entryType string, description, periodKey *string, createdAt time.Time) (*model.LedgerEntry, error) {
	const query = `
		INSERT INTO ledger_entries (account_id, amount, entry_type, description, period_key, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, account_id, amount, entry_type, description, period_key, created_at
	`

	e, err := scanEntry(r.pool.QueryRow(ctx, query, accountID, amount, entryType, description, periodKey, createdAt))
	if err != nil {
		return nil, fmt.Errorf("failed to insert ledger entry: %w", err)
	}
	return e, nil
}

// GetByAccount retrieves an account's entries, newest first.
func (r *LedgerRepository) GetByAccount(ctx context.Context, accountID string, limit int) ([]*model.LedgerEntry, error) {
	const query = `
		SELECT id, account_id, amount, entry_type, description, period_key, created_at
		FROM ledger_entries
		WHERE account_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`

	rows, err := r.pool.Query(ctx, query, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get ledger entries: %w", err)
	}
	defer rows.Close()

	var entries []*model.LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating ledger entries: %w", err)
	}
	return entries, nil
}

// SumByAccount computes the ledger sum for an account. This is the source of
// truth the cached total_xp aggregate must equal.
func (r *LedgerRepository) SumByAccount(ctx context.Context, accountID string) (int64, error) {
	const query = `
		SELECT COALESCE(SUM(amount), 0)
		FROM ledger_entries
		WHERE account_id = $1
	`

	var sum int64
	if err := r.pool.QueryRow(ctx, query, accountID).Scan(&sum); err != nil {
		return 0, fmt.Errorf("failed to sum ledger entries: %w", err)
	}
	return sum, nil
}

// CountByAccount returns the number of entries owned by an account.
func (r *LedgerRepository) CountByAccount(ctx context.Context, accountID string) (int64, error) {
	const query = `SELECT COUNT(*) FROM ledger_entries WHERE account_id = $1`

	var count int64
	if err := r.pool.QueryRow(ctx, query, accountID).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count ledger entries: %w", err)
	}
	return count, nil
}

// HasAwardEntry reports whether an award-matching entry already exists:
// same account, same amount, timestamped within [periodStart, periodEnd),
// and either typed bonus_award or tagged with the period key. Entries
// written before period_key became a first-class column are matched by the
// key appearing in the description.
func (r *LedgerRepository) HasAwardEntry(ctx context.Context, accountID string, amount int64, periodKey string, periodStart, periodEnd time.Time) (bool, error) {
	const query = `
		SELECT EXISTS(
			SELECT 1
			FROM ledger_entries
			WHERE account_id = $1
			  AND amount = $2
			  AND created_at >= $3
			  AND created_at < $4
			  AND (entry_type = $5 OR period_key = $6 OR description LIKE '%' || $6 || '%')
		)
	`

	var exists bool
	err := r.pool.QueryRow(ctx, query,
		accountID, amount, periodStart, periodEnd, model.EntryTypeBonusAward, periodKey,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check for award entry: %w", err)
	}
	return exists, nil
}

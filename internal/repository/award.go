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

// Award-related errors.
var (
	ErrAwardNotFound = errors.New("award record not found")
)

// AwardRepository handles period-level award records.
type AwardRepository struct {
	pool *pgxpool.Pool
}

// NewAwardRepository creates a new AwardRepository instance.
func NewAwardRepository(pool *pgxpool.Pool) *AwardRepository {
	return &AwardRepository{pool: pool}
}

func scanAward(row pgx.Row) (*model.AwardRecord, error) {
	var a model.AwardRecord
	err := row.Scan(&a.ID, &a.PeriodKey, &a.AccountID, &a.Rank, &a.Amount, &a.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// Create inserts a new award record. An empty ID is assigned a fresh UUID.
func (r *AwardRepository) Create(ctx context.Context, a *model.AwardRecord) (*model.AwardRecord, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	const query = `
		INSERT INTO award_records (id, period_key, account_id, rank, amount, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		RETURNING id, period_key, account_id, rank, amount, created_at
	`

	created, err := scanAward(r.pool.QueryRow(ctx, query, a.ID, a.PeriodKey, a.AccountID, a.Rank, a.Amount))
	if err != nil {
		return nil, fmt.Errorf("failed to create award record: %w", err)
	}
	return created, nil
}

// GetByID retrieves an award record by ID.
// Returns ErrAwardNotFound if the record does not exist.
func (r *AwardRepository) GetByID(ctx context.Context, id string) (*model.AwardRecord, error) {
	const query = `
		SELECT id, period_key, account_id, rank, amount, created_at
		FROM award_records
		WHERE id = $1
	`

	a, err := scanAward(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAwardNotFound
		}
		return nil, fmt.Errorf("failed to get award record: %w", err)
	}
	return a, nil
}

// ListByPeriod retrieves every award record for a period, best rank first.
func (r *AwardRepository) ListByPeriod(ctx context.Context, periodKey string) ([]*model.AwardRecord, error) {
	const query = `
		SELECT id, period_key, account_id, rank, amount, created_at
		FROM award_records
		WHERE period_key = $1
		ORDER BY rank ASC
	`

	rows, err := r.pool.Query(ctx, query, periodKey)
	if err != nil {
		return nil, fmt.Errorf("failed to list award records: %w", err)
	}
	defer rows.Close()

	return collectAwards(rows)
}

// ListAll retrieves every award record, newest period first.
func (r *AwardRepository) ListAll(ctx context.Context) ([]*model.AwardRecord, error) {
	const query = `
		SELECT id, period_key, account_id, rank, amount, created_at
		FROM award_records
		ORDER BY period_key DESC, rank ASC
	`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list award records: %w", err)
	}
	defer rows.Close()

	return collectAwards(rows)
}

func collectAwards(rows pgx.Rows) ([]*model.AwardRecord, error) {
	var awards []*model.AwardRecord
	for rows.Next() {
		a, err := scanAward(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan award record: %w", err)
		}
		awards = append(awards, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating award records: %w", err)
	}
	return awards, nil
}

// Delete removes an award record after it has been reversed in the ledger.
// Returns false when the record was already gone.
func (r *AwardRepository) Delete(ctx context.Context, id string) (bool, error) {
	const query = `DELETE FROM award_records WHERE id = $1`

	result, err := r.pool.Exec(ctx, query, id)
	if err != nil {
		return false, fmt.Errorf("failed to delete award record: %w", err)
	}
	return result.RowsAffected() > 0, nil
}

// Package repository provides data access layer implementations.
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

// Common errors for repository operations.
var (
	ErrAccountNotFound = errors.New("account not found")
)

const accountColumns = `id, handle, external_id, email, display_name, total_xp,
	current_week_xp, role, merged_into, merged_at, created_at, updated_at`

// AccountRepository handles account data persistence, including the legacy
// directory queries used by identity matching.
type AccountRepository struct {
	pool         *pgxpool.Pool
	legacyDomain string
}

// NewAccountRepository creates a new AccountRepository instance.
// legacyDomain is the reserved email domain marking bulk-imported accounts.
func NewAccountRepository(pool *pgxpool.Pool, legacyDomain string) *AccountRepository {
	if legacyDomain == "" {
		legacyDomain = model.LegacyEmailDomain
	}
	return &AccountRepository{pool: pool, legacyDomain: legacyDomain}
}

func scanAccount(row pgx.Row) (*model.Account, error) {
	var a model.Account
	err := row.Scan(
		&a.ID,
		&a.Handle,
		&a.ExternalID,
		&a.Email,
		&a.DisplayName,
		&a.TotalXP,
		&a.CurrentWeekXP,
		&a.Role,
		&a.MergedInto,
		&a.MergedAt,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// Create inserts a new account. An empty ID is assigned a fresh UUID.
func (r *AccountRepository) Create(ctx context.Context, a *model.Account) (*model.Account, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Role == "" {
		a.Role = "member"
	}
	const query = `
		INSERT INTO accounts (id, handle, external_id, email, display_name,
			total_xp, current_week_xp, role, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())
		RETURNING ` + accountColumns

	created, err := scanAccount(r.pool.QueryRow(ctx, query,
		a.ID, a.Handle, a.ExternalID, a.Email, a.DisplayName,
		a.TotalXP, a.CurrentWeekXP, a.Role,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to create account: %w", err)
	}
	return created, nil
}

// GetByID retrieves an account by its ID.
// Returns ErrAccountNotFound if the account does not exist.
func (r *AccountRepository) GetByID(ctx context.Context, id string) (*model.Account, error) {
	const query = `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1`

	a, err := scanAccount(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return a, nil
}

// legacyFilter restricts a query to unconsumed bulk-imported accounts.
const legacyFilter = `email LIKE '%@' || $1 AND merged_into IS NULL`

// FindLegacyByExternalID looks up an unconsumed legacy account by its
// external-provider numeric ID. Returns (nil, nil) when no match exists.
func (r *AccountRepository) FindLegacyByExternalID(ctx context.Context, externalID int64) (*model.Account, error) {
	const query = `
		SELECT ` + accountColumns + `
		FROM accounts
		WHERE ` + legacyFilter + ` AND external_id = $2
		LIMIT 1
	`

	a, err := scanAccount(r.pool.QueryRow(ctx, query, r.legacyDomain, externalID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find legacy account by external id: %w", err)
	}
	return a, nil
}

// FindLegacyByHandleEmail looks up an unconsumed legacy account whose handle
// and email both match exactly. Returns (nil, nil) when no match exists.
func (r *AccountRepository) FindLegacyByHandleEmail(ctx context.Context, handle, email string) (*model.Account, error) {
	const query = `
		SELECT ` + accountColumns + `
		FROM accounts
		WHERE ` + legacyFilter + ` AND handle = $2 AND email = $3
		LIMIT 1
	`

	a, err := scanAccount(r.pool.QueryRow(ctx, query, r.legacyDomain, handle, email))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find legacy account by handle: %w", err)
	}
	return a, nil
}

// FindLegacyByEmailLocalParts retrieves unconsumed legacy accounts whose
// email local-part is in the given candidate set.
func (r *AccountRepository) FindLegacyByEmailLocalParts(ctx context.Context, localParts []string) ([]*model.Account, error) {
	const query = `
		SELECT ` + accountColumns + `
		FROM accounts
		WHERE ` + legacyFilter + ` AND split_part(email, '@', 1) = ANY($2)
		ORDER BY total_xp DESC
	`

	rows, err := r.pool.Query(ctx, query, r.legacyDomain, localParts)
	if err != nil {
		return nil, fmt.Errorf("failed to find legacy accounts by email local-part: %w", err)
	}
	defer rows.Close()

	return collectAccounts(rows)
}

// FindLegacyByDisplayName retrieves unconsumed legacy accounts matching the
// given display name.
func (r *AccountRepository) FindLegacyByDisplayName(ctx context.Context, displayName string) ([]*model.Account, error) {
	const query = `
		SELECT ` + accountColumns + `
		FROM accounts
		WHERE ` + legacyFilter + ` AND LOWER(display_name) = LOWER($2)
		ORDER BY total_xp DESC
	`

	rows, err := r.pool.Query(ctx, query, r.legacyDomain, displayName)
	if err != nil {
		return nil, fmt.Errorf("failed to find legacy accounts by display name: %w", err)
	}
	defer rows.Close()

	return collectAccounts(rows)
}

func collectAccounts(rows pgx.Rows) ([]*model.Account, error) {
	var accounts []*model.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		accounts = append(accounts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating accounts: %w", err)
	}
	return accounts, nil
}

// SetTotalXP writes the cached total-XP aggregate as a single atomic update.
func (r *AccountRepository) SetTotalXP(ctx context.Context, id string, totalXP int64) error {
	const query = `
		UPDATE accounts
		SET total_xp = $2, updated_at = NOW()
		WHERE id = $1
	`

	result, err := r.pool.Exec(ctx, query, id, totalXP)
	if err != nil {
		return fmt.Errorf("failed to set total xp: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// AddWeekXP adds amount to the cached current-week aggregate.
func (r *AccountRepository) AddWeekXP(ctx context.Context, id string, amount int64) error {
	const query = `
		UPDATE accounts
		SET current_week_xp = current_week_xp + $2, updated_at = NOW()
		WHERE id = $1
	`

	result, err := r.pool.Exec(ctx, query, id, amount)
	if err != nil {
		return fmt.Errorf("failed to add week xp: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// SubWeekXPFloored subtracts amount from the cached current-week aggregate,
// flooring the result at zero.
func (r *AccountRepository) SubWeekXPFloored(ctx context.Context, id string, amount int64) error {
	const query = `
		UPDATE accounts
		SET current_week_xp = GREATEST(current_week_xp - $2, 0), updated_at = NOW()
		WHERE id = $1
	`

	result, err := r.pool.Exec(ctx, query, id, amount)
	if err != nil {
		return fmt.Errorf("failed to subtract week xp: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// ResetWeeklyXP zeroes every account's current-week aggregate.
// Returns the number of accounts reset.
func (r *AccountRepository) ResetWeeklyXP(ctx context.Context) (int64, error) {
	const query = `
		UPDATE accounts
		SET current_week_xp = 0, updated_at = NOW()
		WHERE current_week_xp <> 0
	`

	result, err := r.pool.Exec(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("failed to reset weekly xp: %w", err)
	}
	return result.RowsAffected(), nil
}

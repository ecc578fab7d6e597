// Package model defines the data models for the XP ledger integrity engine.
package model

import (
	"strings"
	"time"
)

// LegacyEmailDomain is the reserved domain marking accounts created by the
// historical bulk import. A legacy account's email is <handle>@legacy.import.
const LegacyEmailDomain = "legacy.import"

// Account represents an authenticated identity and its cached XP aggregates.
// TotalXP and CurrentWeekXP are derived values: they must always be
// reconstructible as the sum of the account's ledger entries.
type Account struct {
	ID            string     `db:"id"`
	Handle        string     `db:"handle"`
	ExternalID    *int64     `db:"external_id"`
	Email         string     `db:"email"`
	DisplayName   string     `db:"display_name"`
	TotalXP       int64      `db:"total_xp"`
	CurrentWeekXP int64      `db:"current_week_xp"`
	Role          string     `db:"role"`
	MergedInto    *string    `db:"merged_into"`
	MergedAt      *time.Time `db:"merged_at"`
	CreatedAt     time.Time  `db:"created_at"`
	UpdatedAt     time.Time  `db:"updated_at"`
}

// IsLegacy reports whether the account was created by the bulk import,
// identified by the reserved email domain convention.
func (a *Account) IsLegacy() bool {
	return strings.HasSuffix(a.Email, "@"+LegacyEmailDomain)
}

// IsConsumed reports whether a legacy account has already been merged away.
func (a *Account) IsConsumed() bool {
	return a.MergedInto != nil
}

// LedgerEntry is an immutable, append-only XP credit or debit.
// Entries are never updated or deleted; a reversal is a new entry with the
// negated amount.
type LedgerEntry struct {
	ID          int64     `db:"id"`
	AccountID   string    `db:"account_id"`
	Amount      int64     `db:"amount"`
	EntryType   string    `db:"entry_type"`
	Description *string   `db:"description"`
	PeriodKey   *string   `db:"period_key"`
	CreatedAt   time.Time `db:"created_at"`
}

// Ledger entry types.
const (
	EntryTypeReward        = "reward"         // XP earned from a reviewed submission
	EntryTypePenalty       = "penalty"        // XP deducted by moderation
	EntryTypeReviewBonus   = "review_bonus"   // XP earned for completing a peer review
	EntryTypeBonusAward    = "bonus_award"    // Period-level award (e.g. monthly winner)
	EntryTypeBonusReversal = "bonus_reversal" // Revocation of a previously granted award
	EntryTypeLegacyImport  = "legacy_import"  // Entry created during the historical bulk import
	EntryTypeAdminAdjust   = "admin_adjust"   // Manual admin correction
)

// MergeStatus is the lifecycle state of a merge attempt.
// PENDING -> IN_PROGRESS -> {COMPLETED, FAILED, ROLLED_BACK, CANCELLED}.
// Only FAILED admits a retry.
type MergeStatus string

const (
	MergeStatusPending          MergeStatus = "PENDING"
	MergeStatusInProgress       MergeStatus = "IN_PROGRESS"
	MergeStatusCompleted        MergeStatus = "COMPLETED"
	MergeStatusAlreadyCompleted MergeStatus = "ALREADY_COMPLETED"
	MergeStatusFailed           MergeStatus = "FAILED"
	MergeStatusRolledBack       MergeStatus = "ROLLED_BACK"
	MergeStatusCancelled        MergeStatus = "CANCELLED"
	MergeStatusNoLegacyAccount  MergeStatus = "NO_LEGACY_ACCOUNT"
)

// Merge initiators.
const (
	InitiatorSystem = "system"
	InitiatorAdmin  = "admin"
	InitiatorUser   = "user"
)

// MergeRecord tracks one merge attempt between a real account and a legacy
// account. The original request fields are kept so a failed attempt can be
// replayed verbatim by an admin.
type MergeRecord struct {
	ID              string      `db:"id"`
	RealAccountID   string      `db:"real_account_id"`
	LegacyAccountID *string     `db:"legacy_account_id"`
	Status          MergeStatus `db:"status"`
	Initiator       string      `db:"initiator"`
	LegacyHandle    string      `db:"legacy_handle"`
	ExternalID      *int64      `db:"external_id"`
	Email           string      `db:"email"`
	DisplayName     string      `db:"display_name"`
	StartedAt       time.Time   `db:"started_at"`
	CompletedAt     *time.Time  `db:"completed_at"`
	ErrorMessage    *string     `db:"error_message"`
	EntriesMoved    int64       `db:"entries_transferred"`
	XPMoved         int64       `db:"xp_transferred"`
	ActivityMoved   int64       `db:"activity_transferred"`
}

// MergeOutcome is the result of the atomic merge procedure.
type MergeOutcome struct {
	Status        MergeStatus
	EntriesMoved  int64
	ActivityMoved int64
	XPMoved       int64
}

// AwardRecord is a period-level award (e.g. a monthly winner entry) produced
// by the award-granting step. The reconciliation engine guarantees each one
// has a matching bonus_award ledger entry.
type AwardRecord struct {
	ID        string    `db:"id"`
	PeriodKey string    `db:"period_key"`
	AccountID string    `db:"account_id"`
	Rank      int       `db:"rank"`
	Amount    int64     `db:"amount"`
	CreatedAt time.Time `db:"created_at"`
}

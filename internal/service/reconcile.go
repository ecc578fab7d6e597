package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"xp-ledger/internal/model"
	"xp-ledger/internal/repository"
)

// AwardStore is the award-record surface of the ledger store.
type AwardStore interface {
	GetByID(ctx context.Context, id string) (*model.AwardRecord, error)
	ListByPeriod(ctx context.Context, periodKey string) ([]*model.AwardRecord, error)
	ListAll(ctx context.Context) ([]*model.AwardRecord, error)
	Delete(ctx context.Context, id string) (bool, error)
}

// LedgerStore is the append-only ledger surface of the ledger store.
type LedgerStore interface {
	InsertWithTime(ctx context.Context, accountID string, amount int64, entryType string, description, periodKey *string, createdAt time.Time) (*model.LedgerEntry, error)
	SumByAccount(ctx context.Context, accountID string) (int64, error)
	HasAwardEntry(ctx context.Context, accountID string, amount int64, periodKey string, periodStart, periodEnd time.Time) (bool, error)
}

// AccountStore is the aggregate-write surface of the ledger store. Every
// write is a single atomic update.
type AccountStore interface {
	GetByID(ctx context.Context, id string) (*model.Account, error)
	SetTotalXP(ctx context.Context, id string, totalXP int64) error
	AddWeekXP(ctx context.Context, id string, amount int64) error
	SubWeekXPFloored(ctx context.Context, id string, amount int64) error
}

// ReconcileService keeps the cached XP aggregates consistent with the
// append-only ledger. Every operation is idempotent: re-running it any
// number of times converges to the same state.
type ReconcileService struct {
	awards   AwardStore
	ledger   LedgerStore
	accounts AccountStore
	loc      *time.Location
}

// NewReconcileService creates a new ReconcileService instance.
func NewReconcileService(awards AwardStore, ledger LedgerStore, accounts AccountStore, loc *time.Location) *ReconcileService {
	if loc == nil {
		loc = time.UTC
	}
	return &ReconcileService{awards: awards, ledger: ledger, accounts: accounts, loc: loc}
}

// TopUpAwards ensures every award record for the period has a matching
// bonus_award ledger entry, and heals each affected account's total-XP
// aggregate against the ledger sum. Returns the number of entries newly
// inserted; a pure re-run returns 0. A failure on one award does not abort
// the batch.
func (s *ReconcileService) TopUpAwards(ctx context.Context, periodKey string) (int, error) {
	if !model.ValidPeriodKey(periodKey) {
		return 0, fmt.Errorf("invalid period key %q", periodKey)
	}
	periodStart, periodEnd, err := model.PeriodBounds(periodKey, s.loc)
	if err != nil {
		return 0, err
	}
	lastInstant := periodEnd.Add(-time.Second)

	awards, err := s.awards.ListByPeriod(ctx, periodKey)
	if err != nil {
		return 0, fmt.Errorf("failed to list awards for %s: %w", periodKey, err)
	}

	inserted := 0
	for _, award := range awards {
		didInsert, err := s.topUpOne(ctx, award, periodStart, periodEnd, lastInstant)
		if err != nil {
			log.Warn().Err(err).
				Str("award_id", award.ID).
				Str("account_id", award.AccountID).
				Str("period", periodKey).
				Msg("failed to reconcile award")
			continue
		}
		if didInsert {
			inserted++
		}
	}

	log.Info().
		Str("period", periodKey).
		Int("awards", len(awards)).
		Int("inserted", inserted).
		Msg("award reconciliation finished")
	return inserted, nil
}

func (s *ReconcileService) topUpOne(ctx context.Context, award *model.AwardRecord, periodStart, periodEnd, lastInstant time.Time) (bool, error) {
	exists, err := s.ledger.HasAwardEntry(ctx, award.AccountID, award.Amount, award.PeriodKey, periodStart, periodEnd)
	if err != nil {
		return false, err
	}

	didInsert := false
	if !exists {
		desc := fmt.Sprintf("Monthly winner bonus for %s (rank %d)", award.PeriodKey, award.Rank)
		periodKey := award.PeriodKey
		_, err := s.ledger.InsertWithTime(ctx, award.AccountID, award.Amount,
			model.EntryTypeBonusAward, &desc, &periodKey, lastInstant)
		if err != nil {
			return false, fmt.Errorf("failed to insert award entry: %w", err)
		}
		// Bump the week aggregate only when an entry was actually inserted,
		// so re-runs never double-add.
		if err := s.accounts.AddWeekXP(ctx, award.AccountID, award.Amount); err != nil {
			return true, fmt.Errorf("failed to bump week xp: %w", err)
		}
		didInsert = true
	}

	// Self-healing step: runs whether or not this call inserted anything,
	// so drift from prior partial failures is repaired too.
	if err := s.healTotalXP(ctx, award.AccountID); err != nil {
		return didInsert, err
	}
	return didInsert, nil
}

// healTotalXP recomputes an account's total-XP aggregate from the ledger sum
// and writes it back only when it differs from the cached value.
func (s *ReconcileService) healTotalXP(ctx context.Context, accountID string) error {
	sum, err := s.ledger.SumByAccount(ctx, accountID)
	if err != nil {
		return fmt.Errorf("failed to sum ledger: %w", err)
	}
	account, err := s.accounts.GetByID(ctx, accountID)
	if err != nil {
		return fmt.Errorf("failed to load account: %w", err)
	}
	if account.TotalXP == sum {
		return nil
	}
	log.Warn().
		Str("account_id", accountID).
		Int64("cached", account.TotalXP).
		Int64("ledger_sum", sum).
		Msg("aggregate drift detected, healing total xp")
	if err := s.accounts.SetTotalXP(ctx, accountID, sum); err != nil {
		return fmt.Errorf("failed to heal total xp: %w", err)
	}
	return nil
}

// RevokeAward reverses a previously granted award: it appends a
// bonus_reversal entry with the negated amount, heals the total-XP
// aggregate, decrements the week aggregate floored at zero, and deletes the
// award record. Revoking an already-revoked award is a no-op.
func (s *ReconcileService) RevokeAward(ctx context.Context, awardID string) error {
	award, err := s.awards.GetByID(ctx, awardID)
	if err != nil {
		if errors.Is(err, repository.ErrAwardNotFound) {
			log.Info().Str("award_id", awardID).Msg("award already revoked, nothing to do")
			return nil
		}
		return fmt.Errorf("failed to load award: %w", err)
	}

	lastInstant, err := model.PeriodLastInstant(award.PeriodKey, s.loc)
	if err != nil {
		return err
	}

	desc := fmt.Sprintf("Reversal of monthly winner bonus for %s", award.PeriodKey)
	periodKey := award.PeriodKey
	_, err = s.ledger.InsertWithTime(ctx, award.AccountID, -award.Amount,
		model.EntryTypeBonusReversal, &desc, &periodKey, lastInstant)
	if err != nil {
		return fmt.Errorf("failed to insert reversal entry: %w", err)
	}

	if err := s.healTotalXP(ctx, award.AccountID); err != nil {
		return err
	}
	if err := s.accounts.SubWeekXPFloored(ctx, award.AccountID, award.Amount); err != nil {
		return fmt.Errorf("failed to decrement week xp: %w", err)
	}

	if _, err := s.awards.Delete(ctx, awardID); err != nil {
		return fmt.Errorf("failed to delete award record: %w", err)
	}

	log.Info().
		Str("award_id", awardID).
		Str("account_id", award.AccountID).
		Str("period", award.PeriodKey).
		Int64("amount", award.Amount).
		Msg("award revoked")
	return nil
}

// RevokeAwardsForPeriod revokes every award for a period. Individual
// failures are logged and skipped; the success count is returned.
func (s *ReconcileService) RevokeAwardsForPeriod(ctx context.Context, periodKey string) (int, error) {
	if !model.ValidPeriodKey(periodKey) {
		return 0, fmt.Errorf("invalid period key %q", periodKey)
	}
	awards, err := s.awards.ListByPeriod(ctx, periodKey)
	if err != nil {
		return 0, fmt.Errorf("failed to list awards for %s: %w", periodKey, err)
	}
	return s.revokeEach(ctx, awards), nil
}

// RevokeAllAwards revokes every award record. Individual failures are
// logged and skipped; the success count is returned.
func (s *ReconcileService) RevokeAllAwards(ctx context.Context) (int, error) {
	awards, err := s.awards.ListAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list awards: %w", err)
	}
	return s.revokeEach(ctx, awards), nil
}

func (s *ReconcileService) revokeEach(ctx context.Context, awards []*model.AwardRecord) int {
	revoked := 0
	for _, award := range awards {
		if err := s.RevokeAward(ctx, award.ID); err != nil {
			log.Warn().Err(err).Str("award_id", award.ID).Msg("failed to revoke award")
			continue
		}
		revoked++
	}
	return revoked
}

// Package service provides the merge orchestration and reconciliation logic.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"xp-ledger/internal/identity"
	"xp-ledger/internal/model"
	"xp-ledger/internal/pkg/lock"
	"xp-ledger/internal/repository"
)

// Merge error codes surfaced in structured results.
const (
	ErrCodeValidationFailed = "VALIDATION_FAILED"
	ErrCodeMergeInProgress  = "MERGE_IN_PROGRESS"
	ErrCodeDatabaseError    = "DATABASE_ERROR"
	ErrCodeUnexpectedStatus = "UNEXPECTED_STATUS"
	ErrCodeInternalError    = "INTERNAL_ERROR"
)

// MergeRequest describes a merge initiation.
type MergeRequest struct {
	RealAccountID       string
	LegacyHandle        string
	ExternalID          *int64
	Email               string
	FallbackDisplayName string
	Initiator           string
}

// MergeDetails reports what the atomic procedure transferred.
type MergeDetails struct {
	LegacyAccountID string
	EntriesMoved    int64
	ActivityMoved   int64
	XPMoved         int64
	Duration        time.Duration
}

// MergeResult is the structured outcome of a merge initiation. Store errors
// are folded into it; callers never see a raw error from InitiateMerge.
type MergeResult struct {
	Success   bool
	Status    model.MergeStatus
	MergeID   string
	Message   string
	Details   *MergeDetails
	ErrorCode string
}

// MergeProgress reports per-entity transfer counters for a merge attempt.
type MergeProgress struct {
	EntriesMoved  int64
	XPMoved       int64
	ActivityMoved int64
}

// MergeStatusInfo is the response to a merge status query.
type MergeStatusInfo struct {
	Status       model.MergeStatus
	StartedAt    time.Time
	CompletedAt  *time.Time
	ErrorMessage *string
	Progress     MergeProgress
}

// Resolver is the identity-matching surface the orchestrator consumes.
type Resolver interface {
	Resolve(ctx context.Context, c identity.Criteria) identity.Result
}

// MergeStore is the merge-record and atomic-procedure surface of the ledger
// store.
type MergeStore interface {
	Create(ctx context.Context, m *model.MergeRecord) (*model.MergeRecord, error)
	UpdateStatus(ctx context.Context, id string, status model.MergeStatus) error
	Finalize(ctx context.Context, id string, status model.MergeStatus, errorMessage *string, outcome *model.MergeOutcome) error
	GetByID(ctx context.Context, id string) (*model.MergeRecord, error)
	FindActiveByAccount(ctx context.Context, realAccountID string) (*model.MergeRecord, error)
	GetLatestByAccount(ctx context.Context, realAccountID string) (*model.MergeRecord, error)
	ExecuteMerge(ctx context.Context, realAccountID, legacyAccountID string) (*model.MergeOutcome, error)
}

// MergeService orchestrates legacy-account merges: it validates requests,
// enforces single-flight per account, invokes the atomic merge procedure,
// and persists a merge-history record for every attempt.
type MergeService struct {
	store       MergeStore
	resolver    Resolver
	locks       *lock.AccountLock
	lockTimeout time.Duration
}

// NewMergeService creates a new MergeService instance. A positive lockTimeout
// makes an initiation wait that long for the per-account lock; zero makes it
// fail fast.
func NewMergeService(store MergeStore, resolver Resolver, locks *lock.AccountLock, lockTimeout time.Duration) *MergeService {
	if locks == nil {
		locks = lock.NewAccountLock()
	}
	return &MergeService{store: store, resolver: resolver, locks: locks, lockTimeout: lockTimeout}
}

func (s *MergeService) acquireLock(ctx context.Context, accountID string) bool {
	if s.lockTimeout > 0 {
		return s.locks.LockWithTimeout(ctx, accountID, s.lockTimeout)
	}
	return s.locks.TryLock(accountID)
}

// InitiateMerge runs the full merge flow for one request. It always returns
// a structured result; failures are never propagated as raw errors.
func (s *MergeService) InitiateMerge(ctx context.Context, req MergeRequest) (result *MergeResult) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("account_id", req.RealAccountID).Msg("merge initiation panicked")
			result = &MergeResult{
				Success:   false,
				Status:    model.MergeStatusFailed,
				Message:   fmt.Sprintf("internal error: %v", r),
				ErrorCode: ErrCodeInternalError,
			}
		}
	}()

	if err := validateMergeRequest(&req); err != nil {
		return &MergeResult{
			Success:   false,
			Status:    model.MergeStatusFailed,
			Message:   err.Error(),
			ErrorCode: ErrCodeValidationFailed,
		}
	}

	// In-process single-flight guard; held for the whole attempt.
	if !s.acquireLock(ctx, req.RealAccountID) {
		return &MergeResult{
			Success:   false,
			Status:    model.MergeStatusFailed,
			Message:   "a merge for this account is already running",
			ErrorCode: ErrCodeMergeInProgress,
		}
	}
	defer s.locks.Unlock(req.RealAccountID)

	// Durable in-flight guard: an existing PENDING/IN_PROGRESS record wins.
	active, err := s.store.FindActiveByAccount(ctx, req.RealAccountID)
	if err != nil {
		log.Error().Err(err).Str("account_id", req.RealAccountID).Msg("failed to check for in-flight merge")
		return s.databaseFailure("failed to check for in-flight merge", err)
	}
	if active != nil {
		return &MergeResult{
			Success:   false,
			Status:    model.MergeStatusFailed,
			MergeID:   active.ID,
			Message:   fmt.Sprintf("merge %s is already %s", active.ID, active.Status),
			ErrorCode: ErrCodeMergeInProgress,
		}
	}

	resolution := s.resolver.Resolve(ctx, identity.Criteria{
		ExternalID:          req.ExternalID,
		Handle:              req.LegacyHandle,
		Email:               req.Email,
		FallbackDisplayName: req.FallbackDisplayName,
	})
	if resolution.Account == nil {
		// A successful no-op: most accounts have no legacy history.
		log.Info().
			Str("account_id", req.RealAccountID).
			Str("handle", req.LegacyHandle).
			Strs("warnings", resolution.Warnings).
			Msg("no legacy account found")
		return &MergeResult{
			Success: true,
			Status:  model.MergeStatusNoLegacyAccount,
			Message: "no legacy account matched this identity",
		}
	}
	legacyID := resolution.Account.ID

	record, err := s.store.Create(ctx, &model.MergeRecord{
		RealAccountID:   req.RealAccountID,
		LegacyAccountID: &legacyID,
		Status:          model.MergeStatusPending,
		Initiator:       req.Initiator,
		LegacyHandle:    req.LegacyHandle,
		ExternalID:      req.ExternalID,
		Email:           req.Email,
		DisplayName:     req.FallbackDisplayName,
	})
	if err != nil {
		log.Error().Err(err).Str("account_id", req.RealAccountID).Msg("failed to create merge record")
		return s.databaseFailure("failed to create merge record", err)
	}

	if err := s.store.UpdateStatus(ctx, record.ID, model.MergeStatusInProgress); err != nil {
		return s.failMerge(ctx, record.ID, "failed to mark merge in progress", err)
	}

	started := time.Now()
	outcome, err := s.store.ExecuteMerge(ctx, req.RealAccountID, legacyID)
	if err != nil {
		return s.failMerge(ctx, record.ID, "merge procedure failed", err)
	}

	switch outcome.Status {
	case model.MergeStatusCompleted, model.MergeStatusAlreadyCompleted:
		if err := s.store.Finalize(ctx, record.ID, outcome.Status, nil, outcome); err != nil {
			// The procedure committed; the history record is best-effort.
			log.Error().Err(err).Str("merge_id", record.ID).Msg("failed to finalize merge record")
		}
		duration := time.Since(started)
		log.Info().
			Str("merge_id", record.ID).
			Str("account_id", req.RealAccountID).
			Str("legacy_account_id", legacyID).
			Str("status", string(outcome.Status)).
			Int64("entries_moved", outcome.EntriesMoved).
			Int64("xp_moved", outcome.XPMoved).
			Dur("duration", duration).
			Msg("merge finished")
		return &MergeResult{
			Success: true,
			Status:  outcome.Status,
			MergeID: record.ID,
			Message: mergeMessage(outcome),
			Details: &MergeDetails{
				LegacyAccountID: legacyID,
				EntriesMoved:    outcome.EntriesMoved,
				ActivityMoved:   outcome.ActivityMoved,
				XPMoved:         outcome.XPMoved,
				Duration:        duration,
			},
		}
	default:
		// Never assume an unknown result code succeeded.
		msg := fmt.Sprintf("merge procedure returned unexpected status %q", outcome.Status)
		if err := s.store.Finalize(ctx, record.ID, model.MergeStatusFailed, &msg, outcome); err != nil {
			log.Error().Err(err).Str("merge_id", record.ID).Msg("failed to finalize merge record")
		}
		log.Error().Str("merge_id", record.ID).Str("status", string(outcome.Status)).Msg("unexpected merge procedure status")
		return &MergeResult{
			Success:   false,
			Status:    model.MergeStatusFailed,
			MergeID:   record.ID,
			Message:   msg,
			ErrorCode: ErrCodeUnexpectedStatus,
		}
	}
}

// GetMergeStatus returns the latest merge attempt for a real account.
// Returns repository.ErrMergeNotFound when the account has no merge history.
func (s *MergeService) GetMergeStatus(ctx context.Context, realAccountID string) (*MergeStatusInfo, error) {
	if _, err := uuid.Parse(realAccountID); err != nil {
		return nil, fmt.Errorf("malformed account id %q", realAccountID)
	}
	record, err := s.store.GetLatestByAccount(ctx, realAccountID)
	if err != nil {
		return nil, err
	}
	return &MergeStatusInfo{
		Status:       record.Status,
		StartedAt:    record.StartedAt,
		CompletedAt:  record.CompletedAt,
		ErrorMessage: record.ErrorMessage,
		Progress: MergeProgress{
			EntriesMoved:  record.EntriesMoved,
			XPMoved:       record.XPMoved,
			ActivityMoved: record.ActivityMoved,
		},
	}, nil
}

// RetryFailedMerge replays a failed merge attempt with its original request
// parameters and the initiator forced to admin. Only FAILED records admit a
// retry. Authorization (elevated role only) is the caller's precondition.
func (s *MergeService) RetryFailedMerge(ctx context.Context, mergeID string) *MergeResult {
	record, err := s.store.GetByID(ctx, mergeID)
	if err != nil {
		if errors.Is(err, repository.ErrMergeNotFound) {
			return &MergeResult{
				Success:   false,
				Status:    model.MergeStatusFailed,
				Message:   fmt.Sprintf("merge record %s not found", mergeID),
				ErrorCode: ErrCodeValidationFailed,
			}
		}
		return s.databaseFailure("failed to load merge record", err)
	}
	if record.Status != model.MergeStatusFailed {
		return &MergeResult{
			Success:   false,
			Status:    record.Status,
			MergeID:   record.ID,
			Message:   fmt.Sprintf("merge %s is %s; only failed merges can be retried", record.ID, record.Status),
			ErrorCode: ErrCodeValidationFailed,
		}
	}

	// Supersede the failed record so the new attempt owns the active slot.
	if err := s.store.UpdateStatus(ctx, record.ID, model.MergeStatusRolledBack); err != nil {
		return s.databaseFailure("failed to supersede failed merge record", err)
	}

	return s.InitiateMerge(ctx, MergeRequest{
		RealAccountID:       record.RealAccountID,
		LegacyHandle:        record.LegacyHandle,
		ExternalID:          record.ExternalID,
		Email:               record.Email,
		FallbackDisplayName: record.DisplayName,
		Initiator:           model.InitiatorAdmin,
	})
}

func (s *MergeService) failMerge(ctx context.Context, mergeID, message string, cause error) *MergeResult {
	full := fmt.Sprintf("%s: %v", message, cause)
	if err := s.store.Finalize(ctx, mergeID, model.MergeStatusFailed, &full, nil); err != nil {
		log.Error().Err(err).Str("merge_id", mergeID).Msg("failed to record merge failure")
	}
	log.Error().Err(cause).Str("merge_id", mergeID).Msg(message)
	return &MergeResult{
		Success:   false,
		Status:    model.MergeStatusFailed,
		MergeID:   mergeID,
		Message:   full,
		ErrorCode: ErrCodeDatabaseError,
	}
}

func (s *MergeService) databaseFailure(message string, cause error) *MergeResult {
	return &MergeResult{
		Success:   false,
		Status:    model.MergeStatusFailed,
		Message:   fmt.Sprintf("%s: %v", message, cause),
		ErrorCode: ErrCodeDatabaseError,
	}
}

func validateMergeRequest(req *MergeRequest) error {
	if req.RealAccountID == "" {
		return errors.New("real account id is required")
	}
	if _, err := uuid.Parse(req.RealAccountID); err != nil {
		return fmt.Errorf("malformed real account id %q", req.RealAccountID)
	}
	if req.LegacyHandle == "" {
		return errors.New("legacy handle is required")
	}
	if req.Email == "" {
		return errors.New("email is required")
	}
	switch req.Initiator {
	case model.InitiatorSystem, model.InitiatorAdmin, model.InitiatorUser:
	case "":
		req.Initiator = model.InitiatorUser
	default:
		return fmt.Errorf("unknown initiator %q", req.Initiator)
	}
	return nil
}

func mergeMessage(outcome *model.MergeOutcome) string {
	if outcome.Status == model.MergeStatusAlreadyCompleted {
		return "this legacy account was already merged"
	}
	return fmt.Sprintf("merged %d ledger entries, %d activity records, %d XP",
		outcome.EntriesMoved, outcome.ActivityMoved, outcome.XPMoved)
}

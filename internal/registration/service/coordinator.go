// Package service implements voter registration: the local record is stored
// first and its content hash is then notarized on the ledger, with the
// outcome tracked on the record itself.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/voterledger/voterledger/internal/biometric"
	"github.com/voterledger/voterledger/internal/lock"
	"github.com/voterledger/voterledger/internal/notary"
	"github.com/voterledger/voterledger/internal/registration/model"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrDeferred is returned by Notarize when the ledger outcome could not be
// observed before the commit timeout. The record stays pending and the next
// recovery pass settles it.
var ErrDeferred = errors.New("notarization outcome unknown, record left pending")

// Store is the persistence interface for the coordinator.
// *repository.MemoryStore and *repository.PostgresStore satisfy it.
type Store interface {
	Insert(ctx context.Context, rec *model.VoterRecord) (uuid.UUID, error)
	UpdateStatus(ctx context.Context, voterID string, u model.StatusUpdate) error
	Reopen(ctx context.Context, voterID string) error
	Get(ctx context.Context, voterID string) (*model.VoterRecord, error)
	ListPending(ctx context.Context) ([]*model.VoterRecord, error)
	ListRetryable(ctx context.Context, maxAttempts int) ([]*model.VoterRecord, error)
	CountByStatus(ctx context.Context) (map[model.NotarizationStatus]int, error)
}

// Notarizer commits a content hash for a voter ID. *notary.Notary satisfies
// this interface.
type Notarizer interface {
	Commit(ctx context.Context, voterID, contentHash string) (*notary.Receipt, error)
}

// Config holds coordinator tuning.
type Config struct {
	// CommitTimeout bounds how long a single notarization may block,
	// independent of the notary's own retry budget.
	CommitTimeout       time.Duration
	RecoveryConcurrency int
	// MaxRecoveryAttempts stops recovery from reopening a failed record
	// once it has been attempted this many times. Zero means no cap.
	MaxRecoveryAttempts int
}

// OutcomeRecordFunc is an optional callback invoked once per settled
// notarization with "notarized", "failed_unavailable", "failed_rejected"
// or "deferred".
type OutcomeRecordFunc func(outcome string)

// RecoveryRecordFunc is an optional callback invoked after each recovery
// pass with the number of records processed.
type RecoveryRecordFunc func(processed int)

// Coordinator sequences registration against the store and the notary.
type Coordinator struct {
	store      Store
	notary     Notarizer
	locks      lock.Locker
	validator  *biometric.Validator
	cfg        Config
	onOutcome  OutcomeRecordFunc
	onRecovery RecoveryRecordFunc
	logger     *zap.Logger
}

// NewCoordinator creates a Coordinator. A nil locker selects an in-process
// keyed mutex and a nil validator selects the default signature dimension.
func NewCoordinator(store Store, n Notarizer, locker lock.Locker, validator *biometric.Validator, cfg Config, logger *zap.Logger) *Coordinator {
	if cfg.CommitTimeout <= 0 {
		cfg.CommitTimeout = 2 * time.Minute
	}
	if cfg.RecoveryConcurrency <= 0 {
		cfg.RecoveryConcurrency = 4
	}
	if locker == nil {
		locker = lock.NewKeyedMutex()
	}
	if validator == nil {
		validator = biometric.NewValidator(biometric.DefaultDimension)
	}
	return &Coordinator{
		store:     store,
		notary:    n,
		locks:     locker,
		validator: validator,
		cfg:       cfg,
		logger:    logger,
	}
}

// SetOutcomeRecord configures the notarization outcome callback.
func (c *Coordinator) SetOutcomeRecord(fn OutcomeRecordFunc) {
	c.onOutcome = fn
}

// SetRecoveryRecord configures the recovery pass callback.
func (c *Coordinator) SetRecoveryRecord(fn RecoveryRecordFunc) {
	c.onRecovery = fn
}

// Register validates and stores a new voter, then notarizes its content
// hash. The returned record reflects the notarization outcome: notarized,
// failed, or still pending when the commit timed out or ctx was cancelled.
// Storage and validation errors are returned; ledger errors never are.
func (c *Coordinator) Register(ctx context.Context, fields model.BiographicalFields, signature []float64) (*model.VoterRecord, error) {
	if err := c.validator.Validate(signature); err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrInvalidBiometric, err)
	}
	if err := validateFields(fields); err != nil {
		return nil, err
	}

	rec := &model.VoterRecord{
		VoterID:            fields.VoterID,
		Name:               fields.Name,
		Address:            fields.Address,
		DOB:                fields.DOB,
		BiometricSignature: append([]float64(nil), signature...),
		ContentHash:        fields.ContentHash(),
	}
	if _, err := c.store.Insert(ctx, rec); err != nil {
		if errors.Is(err, model.ErrDuplicateID) {
			return nil, err
		}
		return nil, fmt.Errorf("insert voter: %w", err)
	}

	c.logger.Info("voter registered",
		zap.String("voter_id", rec.VoterID),
		zap.String("content_hash", rec.ContentHash),
	)

	out, err := c.notarizeLocked(ctx, rec.VoterID, false)
	if errors.Is(err, ErrDeferred) {
		return out, nil
	}
	return out, err
}

// Get returns the record for voterID.
func (c *Coordinator) Get(ctx context.Context, voterID string) (*model.VoterRecord, error) {
	return c.store.Get(ctx, voterID)
}

// Notarize retries notarization for a single voter on operator request.
// A notarized record is returned unchanged. A record failed as unavailable
// is reopened regardless of MaxRecoveryAttempts; a rejected one yields
// model.ErrInvalidTransition.
func (c *Coordinator) Notarize(ctx context.Context, voterID string) (*model.VoterRecord, error) {
	return c.notarizeLocked(ctx, voterID, true)
}

// Counts returns the number of records in each notarization status.
func (c *Coordinator) Counts(ctx context.Context) (map[model.NotarizationStatus]int, error) {
	return c.store.CountByStatus(ctx)
}

// RecoverPending settles every pending record and every failed record that
// is still eligible for retry. It returns the number of records for which a
// commit was attempted. Work is spread over at most RecoveryConcurrency
// goroutines; per-record failures are logged, not returned.
func (c *Coordinator) RecoverPending(ctx context.Context) (int, error) {
	pending, err := c.store.ListPending(ctx)
	if err != nil {
		return 0, fmt.Errorf("list pending: %w", err)
	}
	retryable, err := c.store.ListRetryable(ctx, c.cfg.MaxRecoveryAttempts)
	if err != nil {
		return 0, fmt.Errorf("list retryable: %w", err)
	}

	seen := make(map[string]bool, len(pending)+len(retryable))
	ids := make([]string, 0, len(pending)+len(retryable))
	for _, r := range append(pending, retryable...) {
		if !seen[r.VoterID] {
			seen[r.VoterID] = true
			ids = append(ids, r.VoterID)
		}
	}
	if len(ids) == 0 {
		return 0, nil
	}

	var processed int64
	var g errgroup.Group
	g.SetLimit(c.cfg.RecoveryConcurrency)

	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			attempted, err := c.recoverOne(ctx, id)
			if attempted {
				atomic.AddInt64(&processed, 1)
			}
			if err != nil && !errors.Is(err, ErrDeferred) {
				c.logger.Warn("recovery: voter not settled",
					zap.String("voter_id", id),
					zap.Error(err),
				)
			}
			return nil
		})
	}
	_ = g.Wait()

	n := int(atomic.LoadInt64(&processed))
	if c.onRecovery != nil {
		c.onRecovery(n)
	}
	c.logger.Info("recovery pass complete",
		zap.Int("candidates", len(ids)),
		zap.Int("processed", n),
	)
	return n, ctx.Err()
}

// StartRecovery runs RecoverPending every interval until ctx is done.
func (c *Coordinator) StartRecovery(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := c.RecoverPending(ctx); err != nil && ctx.Err() == nil {
				c.logger.Error("recovery pass failed", zap.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}

// recoverOne settles a single voter picked up by recovery. The status is
// re-read under the lock; another worker or a live Register may have
// settled it since the listing.
func (c *Coordinator) recoverOne(ctx context.Context, voterID string) (bool, error) {
	unlock, err := c.locks.Lock(ctx, voterID)
	if err != nil {
		return false, fmt.Errorf("lock voter: %w", err)
	}
	defer unlock()

	rec, err := c.store.Get(ctx, voterID)
	if err != nil {
		return false, fmt.Errorf("get voter: %w", err)
	}

	switch rec.Status {
	case model.StatusPending:
	case model.StatusFailed:
		if rec.FailureReason != model.FailureUnavailable {
			return false, nil
		}
		if limit := c.cfg.MaxRecoveryAttempts; limit > 0 && rec.Attempts >= limit {
			return false, nil
		}
		if err := c.store.Reopen(ctx, voterID); err != nil {
			return false, c.integrity("reopen", voterID, err)
		}
	default:
		return false, nil
	}

	_, err = c.settle(ctx, rec)
	return true, err
}

// notarizeLocked takes the voter lock and settles the record if it is still
// pending. With reopen set, a record failed as unavailable is reopened first.
func (c *Coordinator) notarizeLocked(ctx context.Context, voterID string, reopen bool) (*model.VoterRecord, error) {
	unlock, err := c.locks.Lock(ctx, voterID)
	if err != nil {
		// Lock not acquired before the caller gave up; recovery will pick
		// the record up.
		rec, getErr := c.store.Get(context.WithoutCancel(ctx), voterID)
		if getErr != nil {
			return nil, fmt.Errorf("get voter: %w", getErr)
		}
		c.record("deferred")
		return rec, ErrDeferred
	}
	defer unlock()

	rec, err := c.store.Get(ctx, voterID)
	if err != nil {
		return nil, err
	}

	switch {
	case rec.Status == model.StatusNotarized:
		return rec, nil
	case rec.Status == model.StatusFailed && !reopen:
		return rec, nil
	case rec.Status == model.StatusFailed && rec.FailureReason != model.FailureUnavailable:
		return rec, fmt.Errorf("%w: voter %s was rejected by the ledger", model.ErrInvalidTransition, voterID)
	case rec.Status == model.StatusFailed:
		if err := c.store.Reopen(ctx, voterID); err != nil {
			return nil, c.integrity("reopen", voterID, err)
		}
	}

	return c.settle(ctx, rec)
}

// settle commits rec's content hash and records the outcome. The caller
// holds the voter lock and the stored record is pending.
func (c *Coordinator) settle(ctx context.Context, rec *model.VoterRecord) (*model.VoterRecord, error) {
	commitCtx, cancel := context.WithTimeout(ctx, c.cfg.CommitTimeout)
	defer cancel()

	rcpt, err := c.notary.Commit(commitCtx, rec.VoterID, rec.ContentHash)

	var u model.StatusUpdate
	var outcome string
	switch {
	case err == nil:
		u = model.StatusUpdate{Status: model.StatusNotarized, Receipt: rcpt.Reference}
		outcome = "notarized"
	case errors.Is(err, notary.ErrRejected):
		u = model.StatusUpdate{Status: model.StatusFailed, Reason: model.FailureRejected}
		outcome = "failed_rejected"
	case errors.Is(err, notary.ErrUnavailable):
		u = model.StatusUpdate{Status: model.StatusFailed, Reason: model.FailureUnavailable}
		outcome = "failed_unavailable"
	default:
		// Timed out or cancelled: the write may still land. Leave the
		// record pending.
		c.logger.Info("notarization deferred",
			zap.String("voter_id", rec.VoterID),
			zap.Error(err),
		)
		c.record("deferred")
		cur, getErr := c.store.Get(context.WithoutCancel(ctx), rec.VoterID)
		if getErr != nil {
			return nil, fmt.Errorf("get voter: %w", getErr)
		}
		return cur, ErrDeferred
	}

	// The ledger outcome is final; record it even if the caller has gone.
	storeCtx := context.WithoutCancel(ctx)
	if err := c.store.UpdateStatus(storeCtx, rec.VoterID, u); err != nil {
		return nil, c.integrity("update status", rec.VoterID, err)
	}
	c.record(outcome)

	if err != nil {
		c.logger.Warn("notarization failed",
			zap.String("voter_id", rec.VoterID),
			zap.String("reason", string(u.Reason)),
			zap.Error(err),
		)
	} else {
		c.logger.Info("voter notarized",
			zap.String("voter_id", rec.VoterID),
			zap.String("receipt", rcpt.Reference),
			zap.Bool("already_notarized", rcpt.AlreadyNotarized),
		)
	}

	return c.store.Get(storeCtx, rec.VoterID)
}

// integrity logs store errors that should be impossible while the voter
// lock is held.
func (c *Coordinator) integrity(op, voterID string, err error) error {
	if errors.Is(err, model.ErrNotFound) || errors.Is(err, model.ErrInvalidTransition) {
		c.logger.Error("record integrity failure",
			zap.String("op", op),
			zap.String("voter_id", voterID),
			zap.Error(err),
		)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func (c *Coordinator) record(outcome string) {
	if c.onOutcome != nil {
		c.onOutcome(outcome)
	}
}

func validateFields(f model.BiographicalFields) error {
	switch {
	case strings.TrimSpace(f.VoterID) == "":
		return &model.ErrValidation{Msg: "voter_id is required"}
	case strings.TrimSpace(f.Name) == "":
		return &model.ErrValidation{Msg: "name is required"}
	case strings.TrimSpace(f.Address) == "":
		return &model.ErrValidation{Msg: "address is required"}
	case strings.TrimSpace(f.DOB) == "":
		return &model.ErrValidation{Msg: "dob is required"}
	}
	return nil
}

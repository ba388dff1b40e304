package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/voterledger/voterledger/internal/registration/model"
)

// MemoryStore is an in-memory, thread-safe voter store. It is useful for
// tests and single-process development runs that do not need durability.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*model.VoterRecord
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*model.VoterRecord)}
}

// Insert stores rec with status pending. The check for an existing voter ID
// and the write happen under one lock, so concurrent inserts of the same ID
// yield exactly one success.
func (s *MemoryStore) Insert(_ context.Context, rec *model.VoterRecord) (uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[rec.VoterID]; exists {
		return uuid.Nil, model.ErrDuplicateID
	}

	now := time.Now().UTC()
	rec.ID = uuid.New()
	rec.Status = model.StatusPending
	rec.LedgerReceipt = ""
	rec.FailureReason = model.FailureNone
	rec.Attempts = 0
	rec.CreatedAt = now
	rec.UpdatedAt = now

	s.records[rec.VoterID] = rec.Clone()
	return rec.ID, nil
}

// UpdateStatus applies a pending → notarized|failed transition.
func (s *MemoryStore) UpdateStatus(_ context.Context, voterID string, u model.StatusUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[voterID]
	if !ok {
		return model.ErrNotFound
	}
	if err := model.CheckTransition(rec.Status, u); err != nil {
		return err
	}
	rec.Status = u.Status
	rec.LedgerReceipt = u.Receipt
	rec.FailureReason = u.Reason
	rec.Attempts++
	rec.UpdatedAt = time.Now().UTC()
	return nil
}

// Reopen moves a retriable failed record back to pending.
func (s *MemoryStore) Reopen(_ context.Context, voterID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[voterID]
	if !ok {
		return model.ErrNotFound
	}
	if rec.Status != model.StatusFailed || rec.FailureReason != model.FailureUnavailable {
		return model.ErrInvalidTransition
	}
	rec.Status = model.StatusPending
	rec.FailureReason = model.FailureNone
	rec.UpdatedAt = time.Now().UTC()
	return nil
}

// Get returns a copy of the record for voterID.
func (s *MemoryStore) Get(_ context.Context, voterID string) (*model.VoterRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[voterID]
	if !ok {
		return nil, model.ErrNotFound
	}
	return rec.Clone(), nil
}

// ListPending returns a snapshot of all pending records, oldest first.
func (s *MemoryStore) ListPending(_ context.Context) ([]*model.VoterRecord, error) {
	return s.filter(func(r *model.VoterRecord) bool {
		return r.Status == model.StatusPending
	}), nil
}

// ListRetryable returns failed records whose failure was transient and that
// have been attempted fewer than maxAttempts times. maxAttempts <= 0 means
// no limit.
func (s *MemoryStore) ListRetryable(_ context.Context, maxAttempts int) ([]*model.VoterRecord, error) {
	return s.filter(func(r *model.VoterRecord) bool {
		return r.Status == model.StatusFailed &&
			r.FailureReason == model.FailureUnavailable &&
			(maxAttempts <= 0 || r.Attempts < maxAttempts)
	}), nil
}

// CountByStatus returns the number of records in each status.
func (s *MemoryStore) CountByStatus(_ context.Context) (map[model.NotarizationStatus]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[model.NotarizationStatus]int, 3)
	for _, r := range s.records {
		counts[r.Status]++
	}
	return counts, nil
}

func (s *MemoryStore) filter(keep func(*model.VoterRecord) bool) []*model.VoterRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.VoterRecord
	for _, r := range s.records {
		if keep(r) {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

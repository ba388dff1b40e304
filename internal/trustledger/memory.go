package trustledger

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryLedger is an in-memory, thread-safe Ledger implementation.
// It is primarily useful for testing and for single-process deployments
// that do not require durable persistence across restarts.
type MemoryLedger struct {
	mu      sync.RWMutex
	entries []*Entry
	byVoter map[string]int
	byHash  map[string]int
}

// New creates a MemoryLedger initialised with the canonical genesis entry.
// The genesis entry is at index 0 and its hash is GenesisHash.
func New() *MemoryLedger {
	l := &MemoryLedger{
		byVoter: make(map[string]int),
		byHash:  make(map[string]int),
	}
	genesis := &Entry{
		Index:       0,
		Timestamp:   time.Now().UTC(),
		ContentHash: GenesisHash,
		PrevHash:    GenesisHash,
		Hash:        GenesisHash, // genesis hash is the well-known constant, not computed
	}
	l.entries = append(l.entries, genesis)
	return l
}

// Append implements Ledger.
func (l *MemoryLedger) Append(_ context.Context, voterID, contentHash string) (*Entry, error) {
	if err := validate(voterID, contentHash); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if idx, ok := l.byVoter[voterID]; ok {
		e := *l.entries[idx]
		return &e, ErrAlreadyAnchored
	}

	prev := l.entries[len(l.entries)-1]
	entry := &Entry{
		Index:       len(l.entries),
		Timestamp:   time.Now().UTC(),
		VoterID:     voterID,
		ContentHash: contentHash,
		PrevHash:    prev.Hash,
	}
	entry.Hash = hashEntry(entry)
	l.entries = append(l.entries, entry)
	l.byVoter[voterID] = entry.Index
	l.byHash[entry.Hash] = entry.Index

	e := *entry
	return &e, nil
}

// Get implements Ledger.
func (l *MemoryLedger) Get(_ context.Context, index int) (*Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if index < 0 || index >= len(l.entries) {
		return nil, fmt.Errorf("index %d out of range: %w", index, ErrEntryNotFound)
	}
	e := *l.entries[index]
	return &e, nil
}

// FindByVoter implements Ledger.
func (l *MemoryLedger) FindByVoter(_ context.Context, voterID string) (*Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	idx, ok := l.byVoter[voterID]
	if !ok {
		return nil, ErrEntryNotFound
	}
	e := *l.entries[idx]
	return &e, nil
}

// FindByHash implements Ledger.
func (l *MemoryLedger) FindByHash(_ context.Context, hash string) (*Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	idx, ok := l.byHash[hash]
	if !ok {
		return nil, ErrEntryNotFound
	}
	e := *l.entries[idx]
	return &e, nil
}

// Len implements Ledger.
func (l *MemoryLedger) Len(_ context.Context) (int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries), nil
}

// Verify implements Ledger. It walks the chain and checks that all hashes
// are consistent. The genesis entry (index 0) is validated against GenesisHash.
func (l *MemoryLedger) Verify(_ context.Context) error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	for i, curr := range l.entries {
		if i == 0 {
			if curr.Hash != GenesisHash {
				return fmt.Errorf("genesis entry has wrong hash: got %q", curr.Hash)
			}
			continue
		}

		prev := l.entries[i-1]
		if curr.PrevHash != prev.Hash {
			return fmt.Errorf("hash chain broken at index %d", curr.Index)
		}
		if curr.Hash != hashEntry(curr) {
			return fmt.Errorf("entry %d has invalid hash", curr.Index)
		}
	}
	return nil
}

// Root implements Ledger.
func (l *MemoryLedger) Root(_ context.Context) (string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.entries) == 0 {
		return "", nil
	}
	return l.entries[len(l.entries)-1].Hash, nil
}


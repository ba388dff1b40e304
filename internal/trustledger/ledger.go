package trustledger

import "context"

// Ledger is the interface for the append-only hash-chain notarization log.
// Both MemoryLedger and PostgresLedger implement this interface.
type Ledger interface {
	// Append anchors contentHash for voterID as a new entry chained to the
	// previous one. A voter ID already present yields its existing entry and
	// ErrAlreadyAnchored.
	Append(ctx context.Context, voterID, contentHash string) (*Entry, error)

	// Get returns the entry at the given zero-based index.
	Get(ctx context.Context, index int) (*Entry, error)

	// FindByVoter returns the entry anchoring voterID, or ErrEntryNotFound.
	FindByVoter(ctx context.Context, voterID string) (*Entry, error)

	// FindByHash returns the entry whose chain hash is hash, or ErrEntryNotFound.
	FindByHash(ctx context.Context, hash string) (*Entry, error)

	// Len returns the total number of entries (including the genesis entry).
	Len(ctx context.Context) (int, error)

	// Verify walks the entire chain and checks hash consistency.
	// Returns nil if the chain is intact.
	Verify(ctx context.Context) error

	// Root returns the hash of the most recent entry (the chain tip).
	Root(ctx context.Context) (string, error)
}

package trustledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/voterledger/voterledger/internal/notary"
)

// Backend adapts a trust Ledger to notary.Ledger. Appends are synchronous,
// so a submitted entry is confirmed on the first check. Receipts are entry
// chain hashes.
type Backend struct {
	ledger Ledger
}

// NewBackend wraps l for use by a notary.Notary.
func NewBackend(l Ledger) *Backend {
	return &Backend{ledger: l}
}

// Lookup implements notary.Ledger.
func (b *Backend) Lookup(ctx context.Context, voterID string) (*notary.Anchor, error) {
	e, err := b.ledger.FindByVoter(ctx, voterID)
	if errors.Is(err, ErrEntryNotFound) {
		return nil, notary.ErrNotAnchored
	}
	if err != nil {
		return nil, err
	}
	return &notary.Anchor{VoterID: e.VoterID, ContentHash: e.ContentHash, Receipt: e.Hash}, nil
}

// Submit implements notary.Ledger. Re-submitting an identical anchor
// returns the existing entry's reference.
func (b *Backend) Submit(ctx context.Context, voterID, contentHash string) (notary.PendingRef, error) {
	e, err := b.ledger.Append(ctx, voterID, contentHash)
	switch {
	case errors.Is(err, ErrMalformed):
		return "", fmt.Errorf("%w: %v", notary.ErrRejected, err)
	case errors.Is(err, ErrAlreadyAnchored):
		if e.ContentHash != contentHash {
			return "", fmt.Errorf("%w: voter %s anchored at index %d with a different hash",
				notary.ErrRejected, voterID, e.Index)
		}
	case err != nil:
		return "", err
	}
	return notary.PendingRef(e.Hash), nil
}

// Confirm implements notary.Ledger.
func (b *Backend) Confirm(ctx context.Context, ref notary.PendingRef) (notary.Confirmation, error) {
	e, err := b.ledger.FindByHash(ctx, string(ref))
	if errors.Is(err, ErrEntryNotFound) {
		return notary.Confirmation{State: notary.Rejected, Reason: "unknown ledger entry " + string(ref)}, nil
	}
	if err != nil {
		return notary.Confirmation{}, err
	}
	return notary.Confirmation{State: notary.Confirmed, Receipt: e.Hash}, nil
}

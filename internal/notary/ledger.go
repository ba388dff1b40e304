package notary

import (
	"context"
	"errors"
)

var (
	// ErrUnavailable is returned by Commit when the ledger could not be
	// reached or did not confirm within the retry budget. The caller may try
	// again later.
	ErrUnavailable = errors.New("notarization unavailable")

	// ErrRejected is returned when the ledger explicitly refuses the write.
	// Backends wrap their permanent failures with it; everything else is
	// treated as transient.
	ErrRejected = errors.New("notarization rejected")

	// ErrNotAnchored is returned by Ledger.Lookup when no anchor exists for
	// the voter ID.
	ErrNotAnchored = errors.New("voter not anchored on ledger")
)

// PendingRef identifies a submitted but not yet confirmed ledger write,
// e.g. a transaction hash.
type PendingRef string

// ConfirmState is the outcome of a single confirmation check.
type ConfirmState int

const (
	StillPending ConfirmState = iota
	Confirmed
	Rejected
)

func (s ConfirmState) String() string {
	switch s {
	case Confirmed:
		return "confirmed"
	case Rejected:
		return "rejected"
	default:
		return "pending"
	}
}

// Confirmation is returned by Ledger.Confirm.
type Confirmation struct {
	State   ConfirmState
	Receipt string // set when State == Confirmed
	Reason  string // set when State == Rejected
}

// Anchor is an existing notarization found on the ledger.
type Anchor struct {
	VoterID     string
	ContentHash string
	Receipt     string
}

// Ledger is the boundary to an append-only notarization service.
// The Ethereum contract backend and the local trust ledger implement it.
type Ledger interface {
	// Lookup returns the anchor already recorded for voterID, or
	// ErrNotAnchored.
	Lookup(ctx context.Context, voterID string) (*Anchor, error)

	// Submit requests that contentHash be recorded against voterID.
	Submit(ctx context.Context, voterID, contentHash string) (PendingRef, error)

	// Confirm checks whether a submitted write has been included.
	Confirm(ctx context.Context, ref PendingRef) (Confirmation, error)
}

package trustledger

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"time"
)

// GenesisHash is the canonical well-known hash of the genesis entry.
// It serves as the trust anchor of the chain; all subsequent entry hashes
// chain from this constant rather than from a computed value.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

var (
	// ErrAlreadyAnchored is returned by Append when the voter ID already has
	// an entry. The existing entry is returned alongside it.
	ErrAlreadyAnchored = errors.New("voter already anchored")
	// ErrEntryNotFound is returned when no entry matches a lookup.
	ErrEntryNotFound = errors.New("ledger entry not found")
	// ErrMalformed is returned for an empty voter ID or a content hash that
	// is not 64 lowercase hex characters.
	ErrMalformed = errors.New("malformed ledger entry")
)

var contentHashRE = regexp.MustCompile(`^[0-9a-f]{64}$`)

// Entry is a single notarization record in the trust ledger.
type Entry struct {
	Index       int       `json:"index"`
	Timestamp   time.Time `json:"timestamp"`
	VoterID     string    `json:"voter_id"`
	ContentHash string    `json:"content_hash"`
	PrevHash    string    `json:"prev_hash"`
	Hash        string    `json:"hash"`
}

// hashEntry computes a deterministic SHA-256 hash over an entry's fields.
// This function must never be called on the genesis entry (index 0).
func hashEntry(e *Entry) string {
	h := sha256.New()
	fmt.Fprintf(h, "%d|%s|%s|%s|%s",
		e.Index, e.Timestamp.Format(time.RFC3339Nano),
		e.VoterID, e.ContentHash, e.PrevHash,
	)
	return hex.EncodeToString(h.Sum(nil))
}

func validate(voterID, contentHash string) error {
	if voterID == "" {
		return fmt.Errorf("%w: empty voter id", ErrMalformed)
	}
	if !contentHashRE.MatchString(contentHash) {
		return fmt.Errorf("%w: content hash %q", ErrMalformed, contentHash)
	}
	return nil
}

// Package notary commits voter content hashes to an external ledger.
//
// Commit is idempotent for a (voter ID, content hash) pair: an anchor that
// already exists is detected through Ledger.Lookup and returned instead of
// being written twice, and a write that was submitted but not yet confirmed
// is re-checked rather than resubmitted.
package notary

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Config controls the retry budget of a single Commit call.
type Config struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// MaxPendingChecks and PendingTTL bound how long an unconfirmed write is
	// re-checked, across Commit calls, before it is treated as dropped and the
	// voter is looked up and submitted again.
	MaxPendingChecks int
	PendingTTL       time.Duration
}

// Receipt is the proof of a confirmed notarization.
//
// AlreadyNotarized is true when the anchor existed before the Commit call.
type Receipt struct {
	VoterID          string    `json:"voter_id"`
	ContentHash      string    `json:"content_hash"`
	Reference        string    `json:"reference"`
	AlreadyNotarized bool      `json:"already_notarized"`
	ConfirmedAt      time.Time `json:"confirmed_at"`
}

// MetricsRecordFunc is an optional callback invoked once per Commit with
// "confirmed", "already_notarized", "rejected", "unavailable" or "cancelled".
type MetricsRecordFunc func(result string)

type inflightKey struct {
	voterID     string
	contentHash string
}

type inflightWrite struct {
	ref         PendingRef
	submittedAt time.Time
	checks      int
}

// Notary wraps a Ledger with retries, backoff and idempotency bookkeeping.
type Notary struct {
	ledger    Ledger
	cfg       Config
	mu        sync.Mutex
	inflight  map[inflightKey]*inflightWrite
	onMetrics MetricsRecordFunc
	logger    *zap.Logger
}

// New creates a Notary. Zero config values fall back to defaults.
func New(ledger Ledger, cfg Config, logger *zap.Logger) *Notary {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 8
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	if cfg.MaxPendingChecks <= 0 {
		cfg.MaxPendingChecks = 24
	}
	if cfg.PendingTTL <= 0 {
		cfg.PendingTTL = 15 * time.Minute
	}
	return &Notary{
		ledger:   ledger,
		cfg:      cfg,
		inflight: make(map[inflightKey]*inflightWrite),
		logger:   logger,
	}
}

// SetMetricsRecord configures the metrics callback.
func (n *Notary) SetMetricsRecord(fn MetricsRecordFunc) {
	n.onMetrics = fn
}

// Commit records contentHash against voterID and blocks until the ledger
// confirms it, the retry budget is spent (ErrUnavailable), the ledger
// rejects it (ErrRejected), or ctx is done (ctx.Err()).
func (n *Notary) Commit(ctx context.Context, voterID, contentHash string) (*Receipt, error) {
	rcpt, err := n.commit(ctx, voterID, contentHash)
	if n.onMetrics != nil {
		n.onMetrics(resultLabel(rcpt, err))
	}
	return rcpt, err
}

func (n *Notary) commit(ctx context.Context, voterID, contentHash string) (*Receipt, error) {
	key := inflightKey{voterID: voterID, contentHash: contentHash}
	var lastErr error

	for attempt := 1; attempt <= n.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			if err := sleep(ctx, n.backoff(attempt-1)); err != nil {
				return nil, err
			}
		}

		rcpt, err := n.attempt(ctx, key)
		if err == nil {
			return rcpt, nil
		}
		if errors.Is(err, ErrRejected) {
			return nil, err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}

		lastErr = err
		n.logger.Warn("notarization attempt failed",
			zap.String("voter_id", voterID),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", n.cfg.MaxAttempts),
			zap.Error(err),
		)
	}
	return nil, fmt.Errorf("%w: %d attempts: %v", ErrUnavailable, n.cfg.MaxAttempts, lastErr)
}

// errStillPending marks a confirmation check that saw no inclusion yet.
var errStillPending = errors.New("ledger write not yet confirmed")

// attempt runs one step of the protocol: re-check an in-flight write if one
// exists, otherwise look for an existing anchor and submit when there is none.
func (n *Notary) attempt(ctx context.Context, key inflightKey) (*Receipt, error) {
	ref, inflight := n.pending(key)

	if !inflight {
		anchor, err := n.ledger.Lookup(ctx, key.voterID)
		switch {
		case err == nil:
			return n.fromAnchor(key, anchor)
		case !errors.Is(err, ErrNotAnchored):
			return nil, fmt.Errorf("lookup anchor: %w", err)
		}

		ref, err = n.ledger.Submit(ctx, key.voterID, key.contentHash)
		if err != nil {
			return nil, fmt.Errorf("submit: %w", err)
		}
		n.setPending(key, ref)
		n.logger.Debug("notarization submitted",
			zap.String("voter_id", key.voterID),
			zap.String("ref", string(ref)),
		)
	}

	conf, err := n.ledger.Confirm(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("confirm %s: %w", ref, err)
	}

	switch conf.State {
	case Confirmed:
		n.clearPending(key)
		return &Receipt{
			VoterID:     key.voterID,
			ContentHash: key.contentHash,
			Reference:   conf.Receipt,
			ConfirmedAt: time.Now().UTC(),
		}, nil

	case Rejected:
		n.clearPending(key)
		// A competing write for the same voter may have landed first, e.g. a
		// submission from before a restart. That counts as success when it
		// carries the same hash.
		anchor, lookupErr := n.ledger.Lookup(ctx, key.voterID)
		switch {
		case lookupErr == nil:
			return n.fromAnchor(key, anchor)
		case !errors.Is(lookupErr, ErrNotAnchored):
			return nil, fmt.Errorf("lookup after rejection: %w", lookupErr)
		}
		return nil, fmt.Errorf("%w: %s", ErrRejected, conf.Reason)

	default:
		if n.pendingExpired(key) {
			n.logger.Warn("unconfirmed ledger write abandoned, will resubmit",
				zap.String("voter_id", key.voterID),
				zap.String("ref", string(ref)),
			)
		}
		return nil, errStillPending
	}
}

func (n *Notary) fromAnchor(key inflightKey, anchor *Anchor) (*Receipt, error) {
	n.clearPending(key)
	if anchor.ContentHash != key.contentHash {
		return nil, fmt.Errorf("%w: voter %s already anchored with a different hash", ErrRejected, key.voterID)
	}
	return &Receipt{
		VoterID:          key.voterID,
		ContentHash:      key.contentHash,
		Reference:        anchor.Receipt,
		AlreadyNotarized: true,
		ConfirmedAt:      time.Now().UTC(),
	}, nil
}

// backoff returns the delay before retry number n (1-based), doubling from
// InitialBackoff and capped at MaxBackoff.
func (n *Notary) backoff(retry int) time.Duration {
	d := n.cfg.InitialBackoff
	for i := 1; i < retry; i++ {
		d *= 2
		if d >= n.cfg.MaxBackoff {
			return n.cfg.MaxBackoff
		}
	}
	if d > n.cfg.MaxBackoff {
		return n.cfg.MaxBackoff
	}
	return d
}

func (n *Notary) pending(key inflightKey) (PendingRef, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	w, ok := n.inflight[key]
	if !ok {
		return "", false
	}
	return w.ref, true
}

func (n *Notary) setPending(key inflightKey, ref PendingRef) {
	n.mu.Lock()
	n.inflight[key] = &inflightWrite{ref: ref, submittedAt: time.Now()}
	n.mu.Unlock()
}

func (n *Notary) clearPending(key inflightKey) {
	n.mu.Lock()
	delete(n.inflight, key)
	n.mu.Unlock()
}

// pendingExpired counts a StillPending check and drops the in-flight write once
// it has used up its check budget or outlived PendingTTL. The next attempt
// then starts again from Lookup.
func (n *Notary) pendingExpired(key inflightKey) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	w, ok := n.inflight[key]
	if !ok {
		return false
	}
	w.checks++
	if w.checks < n.cfg.MaxPendingChecks && time.Since(w.submittedAt) < n.cfg.PendingTTL {
		return false
	}
	delete(n.inflight, key)
	return true
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func resultLabel(rcpt *Receipt, err error) string {
	switch {
	case err == nil && rcpt.AlreadyNotarized:
		return "already_notarized"
	case err == nil:
		return "confirmed"
	case errors.Is(err, ErrRejected):
		return "rejected"
	case errors.Is(err, ErrUnavailable):
		return "unavailable"
	default:
		return "cancelled"
	}
}

package service_test

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/voterledger/voterledger/internal/biometric"
	"github.com/voterledger/voterledger/internal/notary"
	"github.com/voterledger/voterledger/internal/registration/model"
	"github.com/voterledger/voterledger/internal/registration/repository"
	"github.com/voterledger/voterledger/internal/registration/service"
	"github.com/voterledger/voterledger/internal/trustledger"
	"go.uber.org/zap"
)

// ── Test ledger ───────────────────────────────────────────────────────────

// flakyLedger wraps the in-memory trust ledger. It can be taken down to
// simulate network failures, or made to hang on Submit until the caller
// gives up.
type flakyLedger struct {
	chain *trustledger.MemoryLedger
	inner *trustledger.Backend

	mu      sync.Mutex
	down    bool
	hang    bool
	calls   int
	submits int
}

func newFlakyLedger() *flakyLedger {
	chain := trustledger.New()
	return &flakyLedger{chain: chain, inner: trustledger.NewBackend(chain)}
}

func (f *flakyLedger) setDown(v bool) { f.mu.Lock(); f.down = v; f.mu.Unlock() }
func (f *flakyLedger) setHang(v bool) { f.mu.Lock(); f.hang = v; f.mu.Unlock() }

func (f *flakyLedger) counts() (calls, submits int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls, f.submits
}

func (f *flakyLedger) enter() (down, hang bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.down, f.hang
}

func (f *flakyLedger) Lookup(ctx context.Context, voterID string) (*notary.Anchor, error) {
	if down, _ := f.enter(); down {
		return nil, errors.New("connection refused")
	}
	return f.inner.Lookup(ctx, voterID)
}

func (f *flakyLedger) Submit(ctx context.Context, voterID, contentHash string) (notary.PendingRef, error) {
	down, hang := f.enter()
	f.mu.Lock()
	f.submits++
	f.mu.Unlock()
	if down {
		return "", errors.New("connection refused")
	}
	if hang {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return f.inner.Submit(ctx, voterID, contentHash)
}

func (f *flakyLedger) Confirm(ctx context.Context, ref notary.PendingRef) (notary.Confirmation, error) {
	if down, _ := f.enter(); down {
		return notary.Confirmation{}, errors.New("connection refused")
	}
	return f.inner.Confirm(ctx, ref)
}

func (f *flakyLedger) entries(t *testing.T) int {
	t.Helper()
	n, err := f.chain.Len(context.Background())
	if err != nil {
		t.Fatalf("ledger length: %v", err)
	}
	return n - 1 // genesis
}

// ── Fixtures ──────────────────────────────────────────────────────────────

type fixture struct {
	store  *repository.MemoryStore
	ledger *flakyLedger
	coord  *service.Coordinator
}

func newFixture(t *testing.T, cfg service.Config) *fixture {
	t.Helper()
	store := repository.NewMemoryStore()
	ledger := newFlakyLedger()
	n := notary.New(ledger, notary.Config{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
	}, zap.NewNop())
	coord := service.NewCoordinator(store, n, nil, biometric.NewValidator(4), cfg, zap.NewNop())
	return &fixture{store: store, ledger: ledger, coord: coord}
}

func (f *fixture) register(t *testing.T, ctx context.Context, voterID string) *model.VoterRecord {
	t.Helper()
	rec, err := f.coord.Register(ctx, fields(voterID), signature)
	if err != nil {
		t.Fatalf("Register %s: %v", voterID, err)
	}
	return rec
}

func (f *fixture) get(t *testing.T, voterID string) *model.VoterRecord {
	t.Helper()
	rec, err := f.coord.Get(context.Background(), voterID)
	if err != nil {
		t.Fatalf("Get %s: %v", voterID, err)
	}
	return rec
}

func (f *fixture) recoverAll(t *testing.T, ctx context.Context) int {
	t.Helper()
	n, err := f.coord.RecoverPending(ctx)
	if err != nil {
		t.Fatalf("RecoverPending: %v", err)
	}
	return n
}

func fields(voterID string) model.BiographicalFields {
	return model.BiographicalFields{Name: "Alice", Address: "1 Main St", DOB: "1990-01-01", VoterID: voterID}
}

var signature = []float64{0.1, -0.2, 0.3, -0.4}

// ── Register ──────────────────────────────────────────────────────────────

func TestRegister_aliceExample(t *testing.T) {
	f := newFixture(t, service.Config{})
	ctx := context.Background()

	rec := f.register(t, ctx, "V123")
	if rec.VoterID != "V123" || rec.Status != model.StatusNotarized {
		t.Errorf("got %s/%s, want V123/notarized", rec.VoterID, rec.Status)
	}
	if rec.LedgerReceipt == "" {
		t.Error("expected a ledger receipt")
	}

	sum := sha256.Sum256([]byte("Alice" + "1 Main St" + "1990-01-01" + "V123"))
	if want := hex.EncodeToString(sum[:]); rec.ContentHash != want {
		t.Errorf("ContentHash: got %s, want %s", rec.ContentHash, want)
	}

	other := model.BiographicalFields{Name: "Bob", Address: "2 Side St", DOB: "1985-05-05", VoterID: "V123"}
	if _, err := f.coord.Register(ctx, other, signature); !errors.Is(err, model.ErrDuplicateID) {
		t.Errorf("expected ErrDuplicateID, got %v", err)
	}
	if stored := f.get(t, "V123"); stored.Name != "Alice" {
		t.Errorf("duplicate must not mutate the stored record, got name %q", stored.Name)
	}
}

func TestRegister_distinctVotersBothNotarized(t *testing.T) {
	f := newFixture(t, service.Config{})
	ctx := context.Background()

	a := f.register(t, ctx, "V1")
	b := f.register(t, ctx, "V2")

	if a.Status != model.StatusNotarized || b.Status != model.StatusNotarized {
		t.Errorf("statuses: got %s and %s", a.Status, b.Status)
	}
	if a.LedgerReceipt == b.LedgerReceipt {
		t.Error("distinct voters must get distinct receipts")
	}
	if a.ContentHash == b.ContentHash {
		t.Error("distinct voters must get distinct content hashes")
	}
	if got := f.ledger.entries(t); got != 2 {
		t.Errorf("ledger entries: got %d, want 2", got)
	}
}

func TestRegister_duplicateMakesNoLedgerCalls(t *testing.T) {
	f := newFixture(t, service.Config{})
	ctx := context.Background()

	f.register(t, ctx, "V1")
	before, _ := f.ledger.counts()

	if _, err := f.coord.Register(ctx, fields("V1"), signature); !errors.Is(err, model.ErrDuplicateID) {
		t.Fatalf("expected ErrDuplicateID, got %v", err)
	}
	if after, _ := f.ledger.counts(); after != before {
		t.Errorf("duplicate made %d ledger calls", after-before)
	}
}

func TestRegister_invalidBiometricStoresNothing(t *testing.T) {
	f := newFixture(t, service.Config{})
	ctx := context.Background()

	for _, sig := range [][]float64{nil, {0.1, 0.2}, {0.1, 0.2, 0.3, 1.5}} {
		if _, err := f.coord.Register(ctx, fields("V1"), sig); !errors.Is(err, model.ErrInvalidBiometric) {
			t.Errorf("signature %v: expected ErrInvalidBiometric, got %v", sig, err)
		}
	}

	if _, err := f.coord.Get(ctx, "V1"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if calls, _ := f.ledger.counts(); calls != 0 {
		t.Errorf("expected no ledger calls, got %d", calls)
	}
}

func TestRegister_invalidInput(t *testing.T) {
	f := newFixture(t, service.Config{})

	in := fields("V1")
	in.Name = "  "
	_, err := f.coord.Register(context.Background(), in, signature)
	if !errors.Is(err, model.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
	var verr *model.ErrValidation
	if !errors.As(err, &verr) {
		t.Errorf("expected *model.ErrValidation, got %T", err)
	}
}

func TestRegister_concurrentSameID(t *testing.T) {
	f := newFixture(t, service.Config{})
	const n = 10

	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.coord.Register(context.Background(), fields("V1"), signature)
		}(i)
	}
	wg.Wait()

	var ok, dup int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, model.ErrDuplicateID):
			dup++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if ok != 1 || dup != n-1 {
		t.Errorf("got %d successes and %d duplicates, want 1 and %d", ok, dup, n-1)
	}
	if got := f.ledger.entries(t); got != 1 {
		t.Errorf("ledger entries: got %d, want 1", got)
	}
}

// ── Failure and recovery ──────────────────────────────────────────────────

func TestRegister_unavailableThenRecovered(t *testing.T) {
	f := newFixture(t, service.Config{})
	ctx := context.Background()

	f.ledger.setDown(true)
	rec, err := f.coord.Register(ctx, fields("V1"), signature)
	if err != nil {
		t.Fatalf("ledger failure must not fail the registration: %v", err)
	}
	if rec.Status != model.StatusFailed || rec.FailureReason != model.FailureUnavailable {
		t.Errorf("got %s/%s, want failed/unavailable", rec.Status, rec.FailureReason)
	}
	if rec.LedgerReceipt != "" {
		t.Errorf("unexpected receipt %q", rec.LedgerReceipt)
	}

	f.ledger.setDown(false)
	if n := f.recoverAll(t, ctx); n != 1 {
		t.Errorf("recovered: got %d, want 1", n)
	}

	rec = f.get(t, "V1")
	if rec.Status != model.StatusNotarized || rec.LedgerReceipt == "" {
		t.Errorf("after recovery: status %s, receipt %q", rec.Status, rec.LedgerReceipt)
	}
	if rec.Attempts != 2 {
		t.Errorf("Attempts: got %d, want 2", rec.Attempts)
	}
	if got := f.ledger.entries(t); got != 1 {
		t.Errorf("ledger entries: got %d, want 1", got)
	}

	// A second pass finds nothing to do and writes nothing.
	if n := f.recoverAll(t, ctx); n != 0 {
		t.Errorf("second pass recovered %d", n)
	}
	if got := f.ledger.entries(t); got != 1 {
		t.Errorf("ledger entries after second pass: got %d, want 1", got)
	}
}

func TestRegister_commitTimeoutLeavesPending(t *testing.T) {
	f := newFixture(t, service.Config{CommitTimeout: 30 * time.Millisecond})
	ctx := context.Background()

	f.ledger.setHang(true)
	rec := f.register(t, ctx, "V1")
	if rec.Status != model.StatusPending || rec.Attempts != 0 {
		t.Errorf("got %s with %d attempts, want pending with 0", rec.Status, rec.Attempts)
	}

	f.ledger.setHang(false)
	if n := f.recoverAll(t, ctx); n != 1 {
		t.Errorf("recovered: got %d, want 1", n)
	}
	if rec := f.get(t, "V1"); rec.Status != model.StatusNotarized {
		t.Errorf("status: got %s, want notarized", rec.Status)
	}
}

func TestRegister_callerCancelLeavesPending(t *testing.T) {
	f := newFixture(t, service.Config{})
	f.ledger.setHang(true)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for {
			if _, submits := f.ledger.counts(); submits > 0 {
				cancel()
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()

	rec := f.register(t, ctx, "V1")
	if rec.Status != model.StatusPending {
		t.Errorf("status: got %s, want pending", rec.Status)
	}
	if stored := f.get(t, "V1"); stored.Status != model.StatusPending {
		t.Errorf("cancellation must not roll back or fail the record, got %s", stored.Status)
	}
}

func TestRecoverPending_crashAfterLedgerWrite(t *testing.T) {
	f := newFixture(t, service.Config{})
	ctx := context.Background()

	// The ledger write landed but the process died before the status update.
	rec := &model.VoterRecord{VoterID: "V7", Name: "Alice", Address: "1 Main St", DOB: "1990-01-01",
		BiometricSignature: signature, ContentHash: fields("V7").ContentHash()}
	if _, err := f.store.Insert(ctx, rec); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	entry, err := f.ledger.chain.Append(ctx, "V7", rec.ContentHash)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	if n := f.recoverAll(t, ctx); n != 1 {
		t.Errorf("recovered: got %d, want 1", n)
	}

	got := f.get(t, "V7")
	if got.Status != model.StatusNotarized {
		t.Errorf("status: got %s, want notarized", got.Status)
	}
	if got.LedgerReceipt != entry.Hash {
		t.Errorf("receipt: got %q, want %q", got.LedgerReceipt, entry.Hash)
	}
	if n := f.ledger.entries(t); n != 1 {
		t.Errorf("recovery must not write a second anchor, got %d entries", n)
	}
	if _, submits := f.ledger.counts(); submits != 0 {
		t.Errorf("expected no submits, got %d", submits)
	}
}

func TestRecoverPending_rejectedNotRetried(t *testing.T) {
	f := newFixture(t, service.Config{})
	ctx := context.Background()

	// Someone else anchored V9 with a different fingerprint.
	if _, err := f.ledger.chain.Append(ctx, "V9", fields("other").ContentHash()); err != nil {
		t.Fatalf("Append: %v", err)
	}

	rec := f.register(t, ctx, "V9")
	if rec.Status != model.StatusFailed || rec.FailureReason != model.FailureRejected {
		t.Errorf("got %s/%s, want failed/rejected", rec.Status, rec.FailureReason)
	}

	if n := f.recoverAll(t, ctx); n != 0 {
		t.Errorf("rejected record must not be recovered, got %d", n)
	}
	if _, err := f.coord.Notarize(ctx, "V9"); !errors.Is(err, model.ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestRecoverPending_respectsMaxAttempts(t *testing.T) {
	f := newFixture(t, service.Config{MaxRecoveryAttempts: 2})
	ctx := context.Background()
	f.ledger.setDown(true)

	f.register(t, ctx, "V1")

	if n := f.recoverAll(t, ctx); n != 1 {
		t.Errorf("first pass: got %d, want 1", n)
	}
	if n := f.recoverAll(t, ctx); n != 0 {
		t.Errorf("record at the attempt cap must be left alone, got %d", n)
	}

	rec := f.get(t, "V1")
	if rec.Status != model.StatusFailed || rec.Attempts != 2 {
		t.Errorf("got %s with %d attempts, want failed with 2", rec.Status, rec.Attempts)
	}
}

func TestRecoverPending_manyVoters(t *testing.T) {
	f := newFixture(t, service.Config{RecoveryConcurrency: 3})
	ctx := context.Background()
	f.ledger.setDown(true)

	ids := []string{"V1", "V2", "V3", "V4", "V5", "V6", "V7"}
	for _, id := range ids {
		f.register(t, ctx, id)
	}

	f.ledger.setDown(false)
	if n := f.recoverAll(t, ctx); n != len(ids) {
		t.Errorf("recovered: got %d, want %d", n, len(ids))
	}
	if n := f.ledger.entries(t); n != len(ids) {
		t.Errorf("ledger entries: got %d, want %d", n, len(ids))
	}

	counts, err := f.coord.Counts(ctx)
	if err != nil {
		t.Fatalf("Counts: %v", err)
	}
	if counts[model.StatusNotarized] != len(ids) {
		t.Errorf("notarized: got %d, want %d", counts[model.StatusNotarized], len(ids))
	}
}

// ── Operator ──────────────────────────────────────────────────────────────

func TestNotarize_operatorRetry(t *testing.T) {
	f := newFixture(t, service.Config{MaxRecoveryAttempts: 1})
	ctx := context.Background()

	f.ledger.setDown(true)
	f.register(t, ctx, "V1")

	f.ledger.setDown(false)
	rec, err := f.coord.Notarize(ctx, "V1")
	if err != nil {
		t.Fatalf("Notarize: %v", err)
	}
	if rec.Status != model.StatusNotarized {
		t.Errorf("status: got %s, want notarized", rec.Status)
	}

	// Notarizing again is a no-op.
	again, err := f.coord.Notarize(ctx, "V1")
	if err != nil {
		t.Fatalf("second Notarize: %v", err)
	}
	if again.LedgerReceipt != rec.LedgerReceipt {
		t.Errorf("receipt changed: %q -> %q", rec.LedgerReceipt, again.LedgerReceipt)
	}
	if n := f.ledger.entries(t); n != 1 {
		t.Errorf("ledger entries: got %d, want 1", n)
	}

	if _, err := f.coord.Notarize(ctx, "missing"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestOutcomeCallback(t *testing.T) {
	f := newFixture(t, service.Config{})
	var mu sync.Mutex
	var outcomes []string
	f.coord.SetOutcomeRecord(func(o string) {
		mu.Lock()
		outcomes = append(outcomes, o)
		mu.Unlock()
	})

	ctx := context.Background()
	f.register(t, ctx, "V1")
	f.ledger.setDown(true)
	f.register(t, ctx, "V2")

	mu.Lock()
	defer mu.Unlock()
	if len(outcomes) != 2 || outcomes[0] != "notarized" || outcomes[1] != "failed_unavailable" {
		t.Errorf("outcomes: got %v", outcomes)
	}
}

func TestStartRecovery_stopsOnCancel(t *testing.T) {
	f := newFixture(t, service.Config{})
	f.ledger.setDown(true)
	f.register(t, context.Background(), "V1")
	f.ledger.setDown(false)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.coord.StartRecovery(ctx, 5*time.Millisecond)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		rec, err := f.coord.Get(context.Background(), "V1")
		if err == nil && rec.Status == model.StatusNotarized {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("record was not notarized by the recovery loop")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("StartRecovery did not return after cancel")
	}
}

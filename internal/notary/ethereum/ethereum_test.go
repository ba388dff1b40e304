package ethereum

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	goethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/voterledger/voterledger/internal/notary"
	"go.uber.org/zap"
)

const testContract = "0x5FbDB2315678afecb367f032d93F642f64180aa3"

// ── Fake backend ──────────────────────────────────────────────────────────

type fakeBackend struct {
	mu       sync.Mutex
	chainID  *big.Int
	nonce    uint64
	sent     []*types.Transaction
	sendErr  error
	sendErr1 error // returned by the next send only
	lagging  bool  // pending nonce does not advance on send
	nonceRds int
	autoMine bool
	receipts map[common.Hash]*types.Receipt
	logs     []types.Log
	queries  []goethereum.FilterQuery
	closed   bool
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		chainID:  big.NewInt(1337),
		receipts: map[common.Hash]*types.Receipt{},
	}
}

func (f *fakeBackend) ChainID(context.Context) (*big.Int, error) { return f.chainID, nil }

func (f *fakeBackend) BlockNumber(context.Context) (uint64, error) { return 100, nil }

func (f *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nonceRds++
	return f.nonce, nil
}

func (f *fakeBackend) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (f *fakeBackend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr1 != nil {
		err := f.sendErr1
		f.sendErr1 = nil
		return err
	}
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, tx)
	if !f.lagging {
		f.nonce++
	}
	if f.autoMine {
		f.receipts[tx.Hash()] = &types.Receipt{
			Status:      types.ReceiptStatusSuccessful,
			TxHash:      tx.Hash(),
			BlockNumber: big.NewInt(int64(len(f.sent))),
		}
	}
	return nil
}

func (f *fakeBackend) TransactionReceipt(_ context.Context, h common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.receipts[h]
	if !ok {
		return nil, goethereum.NotFound
	}
	return r, nil
}

func (f *fakeBackend) FilterLogs(_ context.Context, q goethereum.FilterQuery) ([]types.Log, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	return f.logs, nil
}

func (f *fakeBackend) Close() { f.closed = true }

func newTestLedger(t *testing.T, backend *fakeBackend) *Ledger {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	l, err := NewWithBackend(context.Background(), backend, Config{
		ContractAddress: testContract,
		SigningKey:      key,
		FromBlock:       7,
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("NewWithBackend: %v", err)
	}
	return l
}

// ── Construction ──────────────────────────────────────────────────────────

func TestNewWithBackend_validation(t *testing.T) {
	key, _ := crypto.GenerateKey()

	if _, err := NewWithBackend(context.Background(), newFakeBackend(), Config{ContractAddress: testContract}, zap.NewNop()); err == nil {
		t.Error("expected error for missing signing key")
	}
	if _, err := NewWithBackend(context.Background(), newFakeBackend(), Config{ContractAddress: "nope", SigningKey: key}, zap.NewNop()); err == nil {
		t.Error("expected error for bad contract address")
	}

	l, err := NewWithBackend(context.Background(), newFakeBackend(), Config{ContractAddress: testContract, SigningKey: key}, zap.NewNop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if l.gasLimit != DefaultGasLimit {
		t.Errorf("gasLimit = %d, want %d", l.gasLimit, DefaultGasLimit)
	}
	if l.ChainID().Int64() != 1337 {
		t.Errorf("ChainID = %v", l.ChainID())
	}
}

// ── Submit ────────────────────────────────────────────────────────────────

func TestSubmit_signsRegisterVoterCall(t *testing.T) {
	backend := newFakeBackend()
	backend.nonce = 42
	l := newTestLedger(t, backend)

	ref, err := l.Submit(context.Background(), "V123", "abc123")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if len(backend.sent) != 1 {
		t.Fatalf("sent %d transactions, want 1", len(backend.sent))
	}

	tx := backend.sent[0]
	if string(ref) != tx.Hash().Hex() {
		t.Errorf("ref = %s, want tx hash %s", ref, tx.Hash().Hex())
	}
	if tx.Nonce() != 42 {
		t.Errorf("nonce = %d, want 42", tx.Nonce())
	}
	if tx.Gas() != DefaultGasLimit {
		t.Errorf("gas = %d, want %d", tx.Gas(), DefaultGasLimit)
	}
	if *tx.To() != common.HexToAddress(testContract) {
		t.Errorf("to = %s", tx.To().Hex())
	}

	sender, err := types.Sender(types.LatestSignerForChainID(backend.chainID), tx)
	if err != nil {
		t.Fatalf("recover sender: %v", err)
	}
	if sender != l.From() {
		t.Errorf("sender = %s, want %s", sender.Hex(), l.From().Hex())
	}

	method, err := l.abi.MethodById(tx.Data()[:4])
	if err != nil {
		t.Fatalf("MethodById: %v", err)
	}
	if method.Name != methodRegister {
		t.Errorf("method = %s, want %s", method.Name, methodRegister)
	}
	args, err := method.Inputs.Unpack(tx.Data()[4:])
	if err != nil {
		t.Fatalf("unpack args: %v", err)
	}
	if args[0].(string) != "V123" || args[1].(string) != "abc123" {
		t.Errorf("args = %v", args)
	}
}

func TestSubmit_alreadyKnownReturnsRef(t *testing.T) {
	backend := newFakeBackend()
	backend.sendErr = errors.New("already known")
	l := newTestLedger(t, backend)

	ref, err := l.Submit(context.Background(), "V1", "h")
	if err != nil {
		t.Fatalf("expected nil error for already-known tx, got %v", err)
	}
	if ref == "" {
		t.Error("expected non-empty ref")
	}
}

func TestSubmit_sendFailureIsTransient(t *testing.T) {
	backend := newFakeBackend()
	backend.sendErr = errors.New("connection refused")
	l := newTestLedger(t, backend)

	_, err := l.Submit(context.Background(), "V1", "h")
	if err == nil {
		t.Fatal("expected error")
	}
	if errors.Is(err, notary.ErrRejected) {
		t.Error("network failure must not be reported as a rejection")
	}
}

func TestSubmit_concurrentVotersGetDistinctNonces(t *testing.T) {
	backend := newFakeBackend()
	backend.nonce = 3
	backend.lagging = true
	l := newTestLedger(t, backend)

	const n = 10
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := l.Submit(context.Background(), fmt.Sprintf("V%d", i), "h")
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}

	if len(backend.sent) != n {
		t.Fatalf("sent %d transactions, want %d", len(backend.sent), n)
	}
	seen := map[uint64]bool{}
	for _, tx := range backend.sent {
		if seen[tx.Nonce()] {
			t.Errorf("nonce %d used twice", tx.Nonce())
		}
		seen[tx.Nonce()] = true
	}
	for want := uint64(3); want < 3+n; want++ {
		if !seen[want] {
			t.Errorf("nonce %d never used", want)
		}
	}
	if backend.nonceRds != 1 {
		t.Errorf("pending nonce read %d times, want 1", backend.nonceRds)
	}
}

func TestSubmit_nonceTooLowResyncs(t *testing.T) {
	backend := newFakeBackend()
	l := newTestLedger(t, backend)
	ctx := context.Background()

	if _, err := l.Submit(ctx, "V1", "h"); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	// Another signer consumed nonces 1..4 behind our back.
	backend.mu.Lock()
	backend.nonce = 5
	backend.sendErr1 = errors.New("nonce too low: next nonce 5, tx nonce 1")
	backend.mu.Unlock()

	if _, err := l.Submit(ctx, "V2", "h"); err == nil || errors.Is(err, notary.ErrRejected) {
		t.Fatalf("expected transient send error, got %v", err)
	}
	if _, err := l.Submit(ctx, "V2", "h"); err != nil {
		t.Fatalf("Submit after resync: %v", err)
	}

	if len(backend.sent) != 2 {
		t.Fatalf("sent %d transactions, want 2", len(backend.sent))
	}
	if got := backend.sent[1].Nonce(); got != 5 {
		t.Errorf("nonce after resync = %d, want 5", got)
	}
}

// ── Confirm ───────────────────────────────────────────────────────────────

func TestConfirm_states(t *testing.T) {
	backend := newFakeBackend()
	l := newTestLedger(t, backend)
	ctx := context.Background()

	pending := common.HexToHash("0x01")
	c, err := l.Confirm(ctx, notary.PendingRef(pending.Hex()))
	if err != nil || c.State != notary.StillPending {
		t.Fatalf("unmined tx: state=%v err=%v", c.State, err)
	}

	ok := common.HexToHash("0x02")
	backend.receipts[ok] = &types.Receipt{Status: types.ReceiptStatusSuccessful, TxHash: ok, BlockNumber: big.NewInt(10)}
	c, err = l.Confirm(ctx, notary.PendingRef(ok.Hex()))
	if err != nil || c.State != notary.Confirmed {
		t.Fatalf("mined tx: state=%v err=%v", c.State, err)
	}
	if c.Receipt != ok.Hex() {
		t.Errorf("receipt = %s, want %s", c.Receipt, ok.Hex())
	}

	reverted := common.HexToHash("0x03")
	backend.receipts[reverted] = &types.Receipt{Status: types.ReceiptStatusFailed, TxHash: reverted, BlockNumber: big.NewInt(11)}
	c, err = l.Confirm(ctx, notary.PendingRef(reverted.Hex()))
	if err != nil || c.State != notary.Rejected {
		t.Fatalf("reverted tx: state=%v err=%v", c.State, err)
	}
	if c.Reason == "" {
		t.Error("expected a rejection reason")
	}
}

// ── Lookup ────────────────────────────────────────────────────────────────

func TestLookup(t *testing.T) {
	backend := newFakeBackend()
	l := newTestLedger(t, backend)
	ctx := context.Background()

	if _, err := l.Lookup(ctx, "V123"); !errors.Is(err, notary.ErrNotAnchored) {
		t.Fatalf("expected ErrNotAnchored, got %v", err)
	}

	ev := l.abi.Events[eventRegistered]
	data, err := ev.Inputs.NonIndexed().Pack("abc123")
	if err != nil {
		t.Fatalf("pack event data: %v", err)
	}
	topic := crypto.Keccak256Hash([]byte("V123"))
	backend.logs = []types.Log{
		{Topics: []common.Hash{ev.ID, topic}, Data: data, TxHash: common.HexToHash("0xdead"), Removed: true},
		{Topics: []common.Hash{ev.ID, topic}, Data: data, TxHash: common.HexToHash("0xbeef")},
	}

	a, err := l.Lookup(ctx, "V123")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if a.ContentHash != "abc123" {
		t.Errorf("ContentHash = %q, want abc123", a.ContentHash)
	}
	if a.Receipt != common.HexToHash("0xbeef").Hex() {
		t.Errorf("Receipt = %s, removed log must be skipped", a.Receipt)
	}

	q := backend.queries[len(backend.queries)-1]
	if q.FromBlock.Uint64() != 7 {
		t.Errorf("FromBlock = %v, want 7", q.FromBlock)
	}
	if len(q.Topics) != 2 || q.Topics[0][0] != ev.ID || q.Topics[1][0] != topic {
		t.Errorf("unexpected topic filter: %v", q.Topics)
	}
}

// ── Through the notary ────────────────────────────────────────────────────

func TestNotaryCommit_overEthereum(t *testing.T) {
	backend := newFakeBackend()
	backend.autoMine = true
	l := newTestLedger(t, backend)
	n := notary.New(l, notary.Config{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond}, zap.NewNop())

	rcpt, err := n.Commit(context.Background(), "V9", "hash9")
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if len(backend.sent) != 1 {
		t.Fatalf("sent %d transactions, want 1", len(backend.sent))
	}
	if rcpt.Reference != backend.sent[0].Hash().Hex() {
		t.Errorf("Reference = %s, want %s", rcpt.Reference, backend.sent[0].Hash().Hex())
	}
	if rcpt.AlreadyNotarized {
		t.Error("fresh write must not be flagged as already notarized")
	}
}

func TestPing(t *testing.T) {
	backend := newFakeBackend()
	l := newTestLedger(t, backend)
	if err := l.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}

	backend.chainID = big.NewInt(1)
	if err := l.Ping(context.Background()); err == nil {
		t.Error("expected error after chain switch")
	}
}

func TestClose(t *testing.T) {
	backend := newFakeBackend()
	l := newTestLedger(t, backend)
	l.Close()
	if !backend.closed {
		t.Error("expected backend to be closed")
	}
}

// Package ethereum anchors voter content hashes in a registry contract on an
// Ethereum-compatible chain.
package ethereum

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	goethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/voterledger/voterledger/internal/notary"
	"go.uber.org/zap"
)

// DefaultGasLimit is the gas limit attached to registerVoter transactions.
const DefaultGasLimit = 2_000_000

// Backend is the subset of the JSON-RPC client the ledger needs.
// *ethclient.Client satisfies this interface.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	FilterLogs(ctx context.Context, q goethereum.FilterQuery) ([]types.Log, error)
	Close()
}

// Config holds the contract coordinates and signing material.
type Config struct {
	Endpoint        string
	ContractAddress string
	SigningKey      *ecdsa.PrivateKey
	GasLimit        uint64
	// FromBlock bounds anchor lookups to blocks at or after the contract
	// deployment.
	FromBlock uint64
}

// Ledger implements notary.Ledger against the registry contract.
type Ledger struct {
	backend  Backend
	abi      abi.ABI
	contract common.Address
	key      *ecdsa.PrivateKey
	from     common.Address
	chainID  *big.Int
	gasLimit uint64
	fromBlk  uint64
	logger   *zap.Logger

	// nonceMu serializes nonce allocation and broadcast for the signing
	// account. nextNonce is valid only while nonceSet is true.
	nonceMu   sync.Mutex
	nextNonce uint64
	nonceSet  bool
}

// Dial connects to cfg.Endpoint and returns a Ledger bound to the configured
// contract.
func Dial(ctx context.Context, cfg Config, logger *zap.Logger) (*Ledger, error) {
	client, err := ethclient.DialContext(ctx, cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.Endpoint, err)
	}
	l, err := NewWithBackend(ctx, client, cfg, logger)
	if err != nil {
		client.Close()
		return nil, err
	}
	return l, nil
}

// NewWithBackend builds a Ledger over an existing backend. The chain ID is
// read once from the backend.
func NewWithBackend(ctx context.Context, backend Backend, cfg Config, logger *zap.Logger) (*Ledger, error) {
	if cfg.SigningKey == nil {
		return nil, errors.New("ethereum ledger: signing key is required")
	}
	if !common.IsHexAddress(cfg.ContractAddress) {
		return nil, fmt.Errorf("ethereum ledger: invalid contract address %q", cfg.ContractAddress)
	}
	parsed, err := abi.JSON(strings.NewReader(registryABI))
	if err != nil {
		return nil, fmt.Errorf("parse registry ABI: %w", err)
	}
	chainID, err := backend.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("read chain id: %w", err)
	}
	if cfg.GasLimit == 0 {
		cfg.GasLimit = DefaultGasLimit
	}

	return &Ledger{
		backend:  backend,
		abi:      parsed,
		contract: common.HexToAddress(cfg.ContractAddress),
		key:      cfg.SigningKey,
		from:     crypto.PubkeyToAddress(cfg.SigningKey.PublicKey),
		chainID:  chainID,
		gasLimit: cfg.GasLimit,
		fromBlk:  cfg.FromBlock,
		logger:   logger,
	}, nil
}

// ChainID returns the chain the ledger signs for.
func (l *Ledger) ChainID() *big.Int { return new(big.Int).Set(l.chainID) }

// From returns the account that signs registry transactions.
func (l *Ledger) From() common.Address { return l.from }

// Ping checks that the node answers and is still on the expected chain.
func (l *Ledger) Ping(ctx context.Context) error {
	id, err := l.backend.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("chain id: %w", err)
	}
	if id.Cmp(l.chainID) != 0 {
		return fmt.Errorf("node switched chain: got %v, want %v", id, l.chainID)
	}
	if _, err := l.backend.BlockNumber(ctx); err != nil {
		return fmt.Errorf("block number: %w", err)
	}
	return nil
}

// Close releases the RPC connection.
func (l *Ledger) Close() { l.backend.Close() }

// Lookup implements notary.Ledger by scanning VoterRegistered logs for the
// voter ID topic.
func (l *Ledger) Lookup(ctx context.Context, voterID string) (*notary.Anchor, error) {
	ev := l.abi.Events[eventRegistered]
	q := goethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(l.fromBlk),
		Addresses: []common.Address{l.contract},
		Topics:    [][]common.Hash{{ev.ID}, {crypto.Keccak256Hash([]byte(voterID))}},
	}
	logs, err := l.backend.FilterLogs(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("filter logs: %w", err)
	}

	for _, lg := range logs {
		if lg.Removed {
			continue
		}
		out, err := l.abi.Unpack(eventRegistered, lg.Data)
		if err != nil || len(out) != 1 {
			l.logger.Warn("undecodable registry log",
				zap.String("tx", lg.TxHash.Hex()),
				zap.Error(err),
			)
			continue
		}
		hash, _ := out[0].(string)
		return &notary.Anchor{VoterID: voterID, ContentHash: hash, Receipt: lg.TxHash.Hex()}, nil
	}
	return nil, notary.ErrNotAnchored
}

// Submit implements notary.Ledger by signing and broadcasting a
// registerVoter transaction. The returned ref is the transaction hash.
func (l *Ledger) Submit(ctx context.Context, voterID, contentHash string) (notary.PendingRef, error) {
	data, err := l.abi.Pack(methodRegister, voterID, contentHash)
	if err != nil {
		return "", fmt.Errorf("%w: pack registerVoter: %v", notary.ErrRejected, err)
	}

	gasPrice, err := l.backend.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("suggest gas price: %w", err)
	}

	l.nonceMu.Lock()
	defer l.nonceMu.Unlock()

	if !l.nonceSet {
		pending, err := l.backend.PendingNonceAt(ctx, l.from)
		if err != nil {
			return "", fmt.Errorf("pending nonce: %w", err)
		}
		l.nextNonce, l.nonceSet = pending, true
	}
	nonce := l.nextNonce

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &l.contract,
		Value:    big.NewInt(0),
		Gas:      l.gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(l.chainID), l.key)
	if err != nil {
		return "", fmt.Errorf("sign transaction: %w", err)
	}

	ref := notary.PendingRef(signed.Hash().Hex())
	if err := l.backend.SendTransaction(ctx, signed); err != nil {
		// The node already holds this exact transaction in its pool.
		if strings.Contains(err.Error(), "already known") {
			l.nextNonce++
			return ref, nil
		}
		// The node's view of the account may differ from ours after a
		// failed send; re-read it on the next submit.
		l.nonceSet = false
		if strings.Contains(err.Error(), "nonce too low") {
			l.logger.Warn("registry nonce out of sync, resyncing from node",
				zap.Uint64("nonce", nonce), zap.Error(err))
		}
		return "", fmt.Errorf("send transaction: %w", err)
	}
	l.nextNonce++

	l.logger.Debug("registry transaction sent",
		zap.String("voter_id", voterID),
		zap.String("tx", string(ref)),
		zap.Uint64("nonce", nonce),
	)
	return ref, nil
}

// Confirm implements notary.Ledger by fetching the transaction receipt.
func (l *Ledger) Confirm(ctx context.Context, ref notary.PendingRef) (notary.Confirmation, error) {
	receipt, err := l.backend.TransactionReceipt(ctx, common.HexToHash(string(ref)))
	if errors.Is(err, goethereum.NotFound) {
		return notary.Confirmation{State: notary.StillPending}, nil
	}
	if err != nil {
		return notary.Confirmation{}, fmt.Errorf("transaction receipt: %w", err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return notary.Confirmation{
			State:  notary.Rejected,
			Reason: fmt.Sprintf("transaction %s reverted in block %v", ref, receipt.BlockNumber),
		}, nil
	}
	return notary.Confirmation{State: notary.Confirmed, Receipt: receipt.TxHash.Hex()}, nil
}

// ParseKey decodes a hex-encoded secp256k1 private key, with or without a
// 0x prefix.
func ParseKey(hexKey string) (*ecdsa.PrivateKey, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse signing key: %w", err)
	}
	return key, nil
}

// Package chainservice talks to the supported chains: balance reads, contract
// reads and transaction submission with receipt monitoring. The rest of the
// core consumes the Service interface; the EVM implementation lives alongside.
package chainservice

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// TransactionRequest is a prepared transaction ready for submission on a
// specific chain. FuncSig is informational, carried through to logs.
type TransactionRequest struct {
	ChainID uint64
	To      common.Address
	Data    []byte
	Value   *big.Int
	From    common.Address
	FuncSig string
}

// TransactionResult pairs the submitted hash with its confirmed receipt.
type TransactionResult struct {
	Hash    common.Hash
	Receipt *types.Receipt
}

var (
	// ErrUnknownChain is returned for chain ids outside the configured set.
	ErrUnknownChain = errors.New("chain not configured")
	// ErrTxReverted is returned when a confirmed receipt carries a failed status.
	ErrTxReverted = errors.New("transaction reverted")
	// ErrReceiptTimeout is returned when a submitted transaction does not
	// confirm within the monitoring window.
	ErrReceiptTimeout = errors.New("timed out waiting for receipt")
)

// Service is the chain collaborator contract.
type Service interface {
	// GetBalance reads the token balance of owner on a chain. The native
	// asset is addressed by the configured sentinel.
	GetBalance(ctx context.Context, chainID uint64, owner, token common.Address) (*big.Int, error)

	// SubmitAndMonitor submits a prepared transaction and blocks until a
	// confirmed receipt or failure.
	SubmitAndMonitor(ctx context.Context, req TransactionRequest) (*TransactionResult, error)

	// ReadTx executes a read-only call on a chain.
	ReadTx(ctx context.Context, chainID uint64, to common.Address, data []byte) ([]byte, error)

	// GasBalance reads the native gas balance of an address. Chains with a
	// dual-resource model report both entries.
	GasBalance(ctx context.Context, chainID uint64, owner common.Address) (map[string]*big.Int, error)
}

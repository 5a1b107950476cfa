// Package store persists earmarks and rebalance operations in postgres. Rows
// are owned by the store; the rest of the core holds them by value per tick
// and references across the two tables travel by id only.
package store

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
)

// EarmarkStatus is the lifecycle state of an earmark.
type EarmarkStatus string

const (
	EarmarkInitiating EarmarkStatus = "INITIATING"
	EarmarkPending    EarmarkStatus = "PENDING"
	EarmarkReady      EarmarkStatus = "READY"
	EarmarkCompleted  EarmarkStatus = "COMPLETED"
	EarmarkCancelled  EarmarkStatus = "CANCELLED"
	EarmarkFailed     EarmarkStatus = "FAILED"
	EarmarkExpired    EarmarkStatus = "EXPIRED"
)

// Active reports whether the status counts against the one-active-earmark-
// per-invoice constraint.
func (s EarmarkStatus) Active() bool {
	return s == EarmarkPending || s == EarmarkReady
}

// OperationStatus is the lifecycle state of a rebalance operation.
type OperationStatus string

const (
	OpPending          OperationStatus = "PENDING"
	OpAwaitingCallback OperationStatus = "AWAITING_CALLBACK"
	OpCompleted        OperationStatus = "COMPLETED"
	OpFailed           OperationStatus = "FAILED"
	OpExpired          OperationStatus = "EXPIRED"
	OpCancelled        OperationStatus = "CANCELLED"
)

// Terminal reports whether an operation can still move.
func (s OperationStatus) Terminal() bool {
	switch s {
	case OpCompleted, OpFailed, OpExpired, OpCancelled:
		return true
	}
	return false
}

// Cancellable reports whether the status permits an administrative cancel.
func (s OperationStatus) Cancellable() bool {
	return s == OpPending || s == OpAwaitingCallback
}

// OperationTTL is the wall-clock window an operation has to reach a terminal
// status before it is eligible for expiry.
const OperationTTL = 24 * time.Hour

// TransactionEntry records one chain-side transaction of an operation. The
// origin entry always carries the confirmed receipt; destination entries are
// merged in as callbacks complete.
type TransactionEntry struct {
	Hash     common.Hash       `json:"hash"`
	Receipt  *types.Receipt    `json:"receipt,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// MarshalJSON defaults a receipt's nil log slice to empty. Receipt decoding
// treats "logs":null as a missing required field, which would poison every
// later scan of the row.
func (e TransactionEntry) MarshalJSON() ([]byte, error) {
	type entry TransactionEntry
	out := entry(e)
	if out.Receipt != nil && out.Receipt.Logs == nil {
		receipt := *out.Receipt
		receipt.Logs = []*types.Log{}
		out.Receipt = &receipt
	}
	return json.Marshal(out)
}

// TransactionMap is the per-chain transaction record, stored as a JSON column
// keyed by decimal chain id.
type TransactionMap map[uint64]TransactionEntry

// Value implements driver.Valuer.
func (m TransactionMap) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

// Scan implements sql.Scanner.
func (m *TransactionMap) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*m = TransactionMap{}
		return nil
	case []byte:
		return json.Unmarshal(v, m)
	case string:
		return json.Unmarshal([]byte(v), m)
	default:
		return fmt.Errorf("cannot scan %T into TransactionMap", src)
	}
}

// Earmark reserves destination liquidity for one invoice.
type Earmark struct {
	ID                      uuid.UUID     `db:"id"`
	InvoiceID               string        `db:"invoice_id"`
	DesignatedPurchaseChain uint64        `db:"designated_purchase_chain"`
	TickerHash              string        `db:"ticker_hash"`
	MinAmount               string        `db:"min_amount"` // 18-decimal integer string
	Status                  EarmarkStatus `db:"status"`
	CreatedAt               time.Time     `db:"created_at"`
	UpdatedAt               time.Time     `db:"updated_at"`
}

// RebalanceOperation is one bridge transfer, earmark-bound or standalone.
type RebalanceOperation struct {
	ID                 uuid.UUID       `db:"id"`
	EarmarkID          *uuid.UUID      `db:"earmark_id"`
	OriginChainID      uint64          `db:"origin_chain_id"`
	DestinationChainID uint64          `db:"destination_chain_id"`
	TickerHash         string          `db:"ticker_hash"`
	Amount             string          `db:"amount"` // native-decimals integer string, as sent
	SlippageDbps       int64           `db:"slippage_dbps"`
	Bridge             string          `db:"bridge"`
	Status             OperationStatus `db:"status"`
	IsOrphaned         bool            `db:"is_orphaned"`
	Recipient          string          `db:"recipient"`
	Transactions       TransactionMap  `db:"transactions"`
	CreatedAt          time.Time       `db:"created_at"`
	UpdatedAt          time.Time       `db:"updated_at"`
}

// OriginTransaction returns the origin-chain entry, which post-insert always
// exists and carries a receipt.
func (op *RebalanceOperation) OriginTransaction() (TransactionEntry, bool) {
	entry, ok := op.Transactions[op.OriginChainID]
	return entry, ok
}

// EarmarkFilter selects earmarks; zero values mean "any". Results are always
// ordered by creation time, newest first.
type EarmarkFilter struct {
	Statuses   []EarmarkStatus
	ChainID    *uint64
	TickerHash string
	InvoiceID  string
	From, To   time.Time
	Limit      int
	Offset     int
}

// OperationFilter selects rebalance operations; zero values mean "any".
type OperationFilter struct {
	Statuses   []OperationStatus
	ChainID    *uint64 // matches origin or destination
	HasEarmark *bool
	EarmarkID  *uuid.UUID
	InvoiceID  string
	Limit      int
	Offset     int
}

// OperationUpdate is a partial update; nil fields are left untouched.
// Transactions entries are merged per chain, never replacing other chains'
// entries.
type OperationUpdate struct {
	Status       *OperationStatus
	Transactions TransactionMap
}

var (
	// ErrUniqueEarmarkConflict signals that another actor holds the active
	// earmark for the invoice; the caller should re-read.
	ErrUniqueEarmarkConflict = errors.New("active earmark already exists for invoice")
	// ErrNotFound signals an id that matches no row.
	ErrNotFound = errors.New("not found")
	// ErrInvalidTransition signals a status change the lifecycle forbids.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// EarmarkStore is the durable earmark contract.
type EarmarkStore interface {
	CreateEarmark(ctx context.Context, e *Earmark) error
	ActiveEarmarkForInvoice(ctx context.Context, invoiceID string) (*Earmark, error)
	GetEarmark(ctx context.Context, id uuid.UUID) (*Earmark, error)
	GetEarmarks(ctx context.Context, filter EarmarkFilter) ([]Earmark, error)
	UpdateEarmarkStatus(ctx context.Context, id uuid.UUID, status EarmarkStatus) error
	CancelEarmarkAndOrphan(ctx context.Context, id uuid.UUID) error
}

// OperationStore is the durable rebalance-operation contract.
type OperationStore interface {
	CreateOperation(ctx context.Context, op *RebalanceOperation) error
	GetOperation(ctx context.Context, id uuid.UUID) (*RebalanceOperation, error)
	GetOperations(ctx context.Context, filter OperationFilter) ([]RebalanceOperation, error)
	UpdateOperation(ctx context.Context, id uuid.UUID, update OperationUpdate) error
	CancelOperation(ctx context.Context, id uuid.UUID) error
	ExpireOperationsOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process implementation of EarmarkStore and
// OperationStore with the same contracts as the postgres store, including the
// unique-active-earmark constraint. It backs tests and local dry runs.
type MemoryStore struct {
	mu         sync.Mutex
	earmarks   map[uuid.UUID]*Earmark
	operations map[uuid.UUID]*RebalanceOperation
}

// NewMemoryStore builds an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		earmarks:   make(map[uuid.UUID]*Earmark),
		operations: make(map[uuid.UUID]*RebalanceOperation),
	}
}

// CreateEarmark implements EarmarkStore.
func (m *MemoryStore) CreateEarmark(_ context.Context, e *Earmark) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.Status.Active() {
		for _, existing := range m.earmarks {
			if existing.InvoiceID == e.InvoiceID && existing.Status.Active() {
				return fmt.Errorf("%w: %s", ErrUniqueEarmarkConflict, e.InvoiceID)
			}
		}
	}
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	now := time.Now().UTC()
	e.CreatedAt = now
	e.UpdatedAt = now
	clone := *e
	m.earmarks[e.ID] = &clone
	return nil
}

// ActiveEarmarkForInvoice implements EarmarkStore.
func (m *MemoryStore) ActiveEarmarkForInvoice(_ context.Context, invoiceID string) (*Earmark, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.earmarks {
		if e.InvoiceID == invoiceID && e.Status.Active() {
			clone := *e
			return &clone, nil
		}
	}
	return nil, nil
}

// GetEarmark implements EarmarkStore.
func (m *MemoryStore) GetEarmark(_ context.Context, id uuid.UUID) (*Earmark, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.earmarks[id]
	if !ok {
		return nil, fmt.Errorf("%w: earmark %s", ErrNotFound, id)
	}
	clone := *e
	return &clone, nil
}

// GetEarmarks implements EarmarkStore.
func (m *MemoryStore) GetEarmarks(_ context.Context, filter EarmarkFilter) ([]Earmark, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Earmark
	for _, e := range m.earmarks {
		if !matchEarmark(e, filter) {
			continue
		}
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return paginate(out, filter.Limit, filter.Offset), nil
}

func matchEarmark(e *Earmark, filter EarmarkFilter) bool {
	if len(filter.Statuses) > 0 && !containsEarmarkStatus(filter.Statuses, e.Status) {
		return false
	}
	if filter.ChainID != nil && e.DesignatedPurchaseChain != *filter.ChainID {
		return false
	}
	if filter.TickerHash != "" && e.TickerHash != filter.TickerHash {
		return false
	}
	if filter.InvoiceID != "" && e.InvoiceID != filter.InvoiceID {
		return false
	}
	if !filter.From.IsZero() && e.CreatedAt.Before(filter.From) {
		return false
	}
	if !filter.To.IsZero() && !e.CreatedAt.Before(filter.To) {
		return false
	}
	return true
}

// UpdateEarmarkStatus implements EarmarkStore.
func (m *MemoryStore) UpdateEarmarkStatus(_ context.Context, id uuid.UUID, status EarmarkStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.earmarks[id]
	if !ok {
		return fmt.Errorf("%w: earmark %s", ErrNotFound, id)
	}
	e.Status = status
	e.UpdatedAt = time.Now().UTC()
	return nil
}

// CancelEarmarkAndOrphan implements EarmarkStore.
func (m *MemoryStore) CancelEarmarkAndOrphan(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.earmarks[id]
	if !ok {
		return fmt.Errorf("%w: earmark %s", ErrNotFound, id)
	}
	if !e.Status.Active() {
		return fmt.Errorf("%w: cannot cancel earmark in %s", ErrInvalidTransition, e.Status)
	}
	for _, op := range m.operations {
		if op.EarmarkID != nil && *op.EarmarkID == id && op.Status.Cancellable() {
			op.IsOrphaned = true
			op.UpdatedAt = time.Now().UTC()
		}
	}
	e.Status = EarmarkCancelled
	e.UpdatedAt = time.Now().UTC()
	return nil
}

// CreateOperation implements OperationStore.
func (m *MemoryStore) CreateOperation(_ context.Context, op *RebalanceOperation) error {
	if _, ok := op.OriginTransaction(); !ok {
		return fmt.Errorf("operation for bridge %s lacks origin transaction", op.Bridge)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if op.ID == uuid.Nil {
		op.ID = uuid.New()
	}
	now := time.Now().UTC()
	op.CreatedAt = now
	op.UpdatedAt = now
	clone := *op
	clone.Transactions = cloneTransactions(op.Transactions)
	m.operations[op.ID] = &clone
	return nil
}

// GetOperation implements OperationStore.
func (m *MemoryStore) GetOperation(_ context.Context, id uuid.UUID) (*RebalanceOperation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	op, ok := m.operations[id]
	if !ok {
		return nil, fmt.Errorf("%w: operation %s", ErrNotFound, id)
	}
	clone := *op
	clone.Transactions = cloneTransactions(op.Transactions)
	return &clone, nil
}

// GetOperations implements OperationStore.
func (m *MemoryStore) GetOperations(_ context.Context, filter OperationFilter) ([]RebalanceOperation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []RebalanceOperation
	for _, op := range m.operations {
		if !m.matchOperation(op, filter) {
			continue
		}
		clone := *op
		clone.Transactions = cloneTransactions(op.Transactions)
		out = append(out, clone)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return paginate(out, filter.Limit, filter.Offset), nil
}

func (m *MemoryStore) matchOperation(op *RebalanceOperation, filter OperationFilter) bool {
	if len(filter.Statuses) > 0 && !containsOperationStatus(filter.Statuses, op.Status) {
		return false
	}
	if filter.ChainID != nil && op.OriginChainID != *filter.ChainID && op.DestinationChainID != *filter.ChainID {
		return false
	}
	if filter.HasEarmark != nil && *filter.HasEarmark != (op.EarmarkID != nil) {
		return false
	}
	if filter.EarmarkID != nil && (op.EarmarkID == nil || *op.EarmarkID != *filter.EarmarkID) {
		return false
	}
	if filter.InvoiceID != "" {
		if op.EarmarkID == nil {
			return false
		}
		e, ok := m.earmarks[*op.EarmarkID]
		if !ok || e.InvoiceID != filter.InvoiceID {
			return false
		}
	}
	return true
}

// UpdateOperation implements OperationStore.
func (m *MemoryStore) UpdateOperation(_ context.Context, id uuid.UUID, update OperationUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	op, ok := m.operations[id]
	if !ok {
		return fmt.Errorf("%w: operation %s", ErrNotFound, id)
	}
	if update.Status != nil {
		op.Status = *update.Status
	}
	if len(update.Transactions) > 0 {
		if op.Transactions == nil {
			op.Transactions = TransactionMap{}
		}
		for chainID, entry := range update.Transactions {
			op.Transactions[chainID] = entry
		}
	}
	op.UpdatedAt = time.Now().UTC()
	return nil
}

// CancelOperation implements OperationStore.
func (m *MemoryStore) CancelOperation(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	op, ok := m.operations[id]
	if !ok {
		return fmt.Errorf("%w: operation %s", ErrNotFound, id)
	}
	if !op.Status.Cancellable() {
		return fmt.Errorf("%w: cannot cancel operation in %s", ErrInvalidTransition, op.Status)
	}
	op.Status = OpCancelled
	if op.EarmarkID != nil {
		op.IsOrphaned = true
	}
	op.UpdatedAt = time.Now().UTC()
	return nil
}

// ExpireOperationsOlderThan implements OperationStore.
func (m *MemoryStore) ExpireOperationsOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, op := range m.operations {
		if op.Status.Cancellable() && op.CreatedAt.Before(cutoff) {
			op.Status = OpExpired
			op.UpdatedAt = time.Now().UTC()
			n++
		}
	}
	return n, nil
}

func cloneTransactions(in TransactionMap) TransactionMap {
	out := make(TransactionMap, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func containsEarmarkStatus(set []EarmarkStatus, s EarmarkStatus) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

func containsOperationStatus(set []OperationStatus, s OperationStatus) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

func paginate[T any](in []T, limit, offset int) []T {
	if offset > 0 {
		if offset >= len(in) {
			return nil
		}
		in = in[offset:]
	}
	if limit > 0 && limit < len(in) {
		in = in[:limit]
	}
	return in
}

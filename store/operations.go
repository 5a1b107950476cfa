package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// CreateOperation inserts a rebalance operation. Callers only reach this
// after the origin-chain send confirmed; the origin receipt must already be
// present in op.Transactions.
func (s *Store) CreateOperation(ctx context.Context, op *RebalanceOperation) error {
	if _, ok := op.OriginTransaction(); !ok {
		return fmt.Errorf("operation for bridge %s lacks origin transaction", op.Bridge)
	}
	if op.ID == uuid.Nil {
		op.ID = uuid.New()
	}
	now := time.Now().UTC()
	op.CreatedAt = now
	op.UpdatedAt = now
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rebalance_operations
			(id, earmark_id, origin_chain_id, destination_chain_id, ticker_hash, amount,
			 slippage_dbps, bridge, status, is_orphaned, recipient, transactions, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		op.ID, op.EarmarkID, op.OriginChainID, op.DestinationChainID, op.TickerHash, op.Amount,
		op.SlippageDbps, op.Bridge, op.Status, op.IsOrphaned, op.Recipient, op.Transactions,
		op.CreatedAt, op.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert operation: %w", err)
	}
	return nil
}

// GetOperation loads one operation by id.
func (s *Store) GetOperation(ctx context.Context, id uuid.UUID) (*RebalanceOperation, error) {
	var op RebalanceOperation
	err := s.db.GetContext(ctx, &op, `SELECT * FROM rebalance_operations WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: operation %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get operation %s: %w", id, err)
	}
	return &op, nil
}

// GetOperations returns operations matching the filter, newest first.
func (s *Store) GetOperations(ctx context.Context, filter OperationFilter) ([]RebalanceOperation, error) {
	query, args := buildOperationQuery(filter)
	var out []RebalanceOperation
	if err := s.db.SelectContext(ctx, &out, query, args...); err != nil {
		return nil, fmt.Errorf("select operations: %w", err)
	}
	return out, nil
}

func buildOperationQuery(filter OperationFilter) (string, []interface{}) {
	var (
		where []string
		args  []interface{}
	)
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if len(filter.Statuses) > 0 {
		placeholders := make([]string, len(filter.Statuses))
		for i, status := range filter.Statuses {
			placeholders[i] = arg(status)
		}
		where = append(where, "o.status IN ("+strings.Join(placeholders, ", ")+")")
	}
	if filter.ChainID != nil {
		p := arg(*filter.ChainID)
		where = append(where, "(o.origin_chain_id = "+p+" OR o.destination_chain_id = "+p+")")
	}
	if filter.HasEarmark != nil {
		if *filter.HasEarmark {
			where = append(where, "o.earmark_id IS NOT NULL")
		} else {
			where = append(where, "o.earmark_id IS NULL")
		}
	}
	if filter.EarmarkID != nil {
		where = append(where, "o.earmark_id = "+arg(*filter.EarmarkID))
	}
	query := "SELECT o.* FROM rebalance_operations o"
	if filter.InvoiceID != "" {
		query += " JOIN earmarks e ON e.id = o.earmark_id"
		where = append(where, "e.invoice_id = "+arg(filter.InvoiceID))
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY o.created_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT " + arg(filter.Limit)
	}
	if filter.Offset > 0 {
		query += " OFFSET " + arg(filter.Offset)
	}
	return query, args
}

// UpdateOperation applies a partial update. Transaction entries merge into
// the JSON column per chain id; entries for other chains are preserved.
func (s *Store) UpdateOperation(ctx context.Context, id uuid.UUID, update OperationUpdate) error {
	var (
		sets []string
		args []interface{}
	)
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if update.Status != nil {
		sets = append(sets, "status = "+arg(*update.Status))
	}
	if len(update.Transactions) > 0 {
		sets = append(sets, "transactions = transactions || "+arg(update.Transactions)+"::jsonb")
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = now()")
	query := "UPDATE rebalance_operations SET " + strings.Join(sets, ", ") + " WHERE id = " + arg(id)
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update operation %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: operation %s", ErrNotFound, id)
	}
	return nil
}

// CancelOperation cancels one operation. Only PENDING and AWAITING_CALLBACK
// may cancel; earmark-bound operations become orphaned at the same time,
// standalone ones stay non-orphaned.
func (s *Store) CancelOperation(ctx context.Context, id uuid.UUID) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin cancel: %w", err)
	}
	defer tx.Rollback()

	var op RebalanceOperation
	err = tx.GetContext(ctx, &op, `SELECT * FROM rebalance_operations WHERE id = $1 FOR UPDATE`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: operation %s", ErrNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("load operation %s: %w", id, err)
	}
	if !op.Status.Cancellable() {
		return fmt.Errorf("%w: cannot cancel operation in %s", ErrInvalidTransition, op.Status)
	}
	orphan := op.EarmarkID != nil
	_, err = tx.ExecContext(ctx, `
		UPDATE rebalance_operations
		SET status = $2, is_orphaned = is_orphaned OR $3, updated_at = now()
		WHERE id = $1`, id, OpCancelled, orphan)
	if err != nil {
		return fmt.Errorf("cancel operation %s: %w", id, err)
	}
	return tx.Commit()
}

// ExpireOperationsOlderThan marks non-terminal operations created before the
// cutoff as EXPIRED. This is an administrative sweep, never part of the hot
// loop.
func (s *Store) ExpireOperationsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE rebalance_operations
		SET status = $1, updated_at = now()
		WHERE status IN ('PENDING', 'AWAITING_CALLBACK') AND created_at < $2`, OpExpired, cutoff)
	if err != nil {
		return 0, fmt.Errorf("expire operations: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

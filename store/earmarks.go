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

// CreateEarmark inserts a new earmark. A collision with the partial unique
// index surfaces as ErrUniqueEarmarkConflict; the caller must treat that as
// "someone else earmarked this invoice" and read the winner back.
func (s *Store) CreateEarmark(ctx context.Context, e *Earmark) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	now := time.Now().UTC()
	e.CreatedAt = now
	e.UpdatedAt = now
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO earmarks (id, invoice_id, designated_purchase_chain, ticker_hash, min_amount, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.ID, e.InvoiceID, e.DesignatedPurchaseChain, e.TickerHash, e.MinAmount, e.Status, e.CreatedAt, e.UpdatedAt)
	if err != nil {
		if isUniqueEarmarkViolation(err) {
			return fmt.Errorf("%w: %s", ErrUniqueEarmarkConflict, e.InvoiceID)
		}
		return fmt.Errorf("insert earmark: %w", err)
	}
	return nil
}

// ActiveEarmarkForInvoice returns the invoice's earmark in an active status,
// or nil when none exists.
func (s *Store) ActiveEarmarkForInvoice(ctx context.Context, invoiceID string) (*Earmark, error) {
	var e Earmark
	err := s.db.GetContext(ctx, &e, `
		SELECT * FROM earmarks
		WHERE invoice_id = $1 AND status IN ('PENDING', 'READY')
		LIMIT 1`, invoiceID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("active earmark for %s: %w", invoiceID, err)
	}
	return &e, nil
}

// GetEarmark loads one earmark by id.
func (s *Store) GetEarmark(ctx context.Context, id uuid.UUID) (*Earmark, error) {
	var e Earmark
	err := s.db.GetContext(ctx, &e, `SELECT * FROM earmarks WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: earmark %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get earmark %s: %w", id, err)
	}
	return &e, nil
}

// GetEarmarks returns earmarks matching the filter, newest first.
func (s *Store) GetEarmarks(ctx context.Context, filter EarmarkFilter) ([]Earmark, error) {
	query, args := buildEarmarkQuery(filter)
	var out []Earmark
	if err := s.db.SelectContext(ctx, &out, query, args...); err != nil {
		return nil, fmt.Errorf("select earmarks: %w", err)
	}
	return out, nil
}

func buildEarmarkQuery(filter EarmarkFilter) (string, []interface{}) {
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
		where = append(where, "status IN ("+strings.Join(placeholders, ", ")+")")
	}
	if filter.ChainID != nil {
		where = append(where, "designated_purchase_chain = "+arg(*filter.ChainID))
	}
	if filter.TickerHash != "" {
		where = append(where, "ticker_hash = "+arg(filter.TickerHash))
	}
	if filter.InvoiceID != "" {
		where = append(where, "invoice_id = "+arg(filter.InvoiceID))
	}
	if !filter.From.IsZero() {
		where = append(where, "created_at >= "+arg(filter.From))
	}
	if !filter.To.IsZero() {
		where = append(where, "created_at < "+arg(filter.To))
	}
	query := "SELECT * FROM earmarks"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT " + arg(filter.Limit)
	}
	if filter.Offset > 0 {
		query += " OFFSET " + arg(filter.Offset)
	}
	return query, args
}

// UpdateEarmarkStatus atomically moves an earmark to a new status.
func (s *Store) UpdateEarmarkStatus(ctx context.Context, id uuid.UUID, status EarmarkStatus) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE earmarks SET status = $2, updated_at = now() WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("update earmark %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: earmark %s", ErrNotFound, id)
	}
	return nil
}

// CancelEarmarkAndOrphan marks an active earmark CANCELLED and flags its
// still in-flight operations as orphaned without touching their status, all
// in one transaction. A terminal earmark cannot be cancelled.
func (s *Store) CancelEarmarkAndOrphan(ctx context.Context, id uuid.UUID) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin cancel: %w", err)
	}
	defer tx.Rollback()

	var status EarmarkStatus
	err = tx.GetContext(ctx, &status, `SELECT status FROM earmarks WHERE id = $1 FOR UPDATE`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: earmark %s", ErrNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("load earmark %s: %w", id, err)
	}
	if !status.Active() {
		return fmt.Errorf("%w: cannot cancel earmark in %s", ErrInvalidTransition, status)
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE earmarks SET status = $2, updated_at = now() WHERE id = $1`, id, EarmarkCancelled)
	if err != nil {
		return fmt.Errorf("cancel earmark %s: %w", id, err)
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE rebalance_operations
		SET is_orphaned = TRUE, updated_at = now()
		WHERE earmark_id = $1 AND status IN ('PENDING', 'AWAITING_CALLBACK')`, id)
	if err != nil {
		return fmt.Errorf("orphan operations of %s: %w", id, err)
	}
	return tx.Commit()
}

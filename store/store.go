package store

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/everclear/mark/config"
)

//go:embed schema.sql
var schemaDDL string

const uniqueActiveEarmarkIndex = "unique_active_earmark_per_invoice"

// Store implements EarmarkStore and OperationStore over a postgres pool.
type Store struct {
	db *sqlx.DB
}

// Open connects to postgres, applies pool limits and ensures the schema.
func Open(ctx context.Context, cfg config.DatabaseConfig) (*Store, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	db.SetMaxIdleConns(cfg.MaxIdle)
	db.SetMaxOpenConns(cfg.MaxOpen)
	if cfg.MaxLifetime > 0 {
		db.SetConnMaxLifetime(time.Duration(cfg.MaxLifetime) * time.Second)
	}
	if _, err := db.ExecContext(ctx, schemaDDL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing pool; the schema is assumed present.
func NewWithDB(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Close releases the pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// isUniqueEarmarkViolation recognizes a collision on the partial unique index.
func isUniqueEarmarkViolation(err error) bool {
	if pqErr, ok := err.(*pq.Error); ok {
		return pqErr.Code.Name() == "unique_violation" && pqErr.Constraint == uniqueActiveEarmarkIndex
	}
	return false
}

package mint

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists spent token hashes in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed spent-token store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) MarkSpent(ctx context.Context, hash string, amountSats int64) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO spent_tokens (token_hash, amount_sats, spent_at)
		VALUES ($1, $2, $3)`, hash, amountSats, time.Now())
	if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" { // unique_violation
		return ErrDoubleSpend
	}
	return err
}

func (p *PostgresStore) IsSpent(ctx context.Context, hash string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM spent_tokens WHERE token_hash = $1)`, hash).Scan(&exists)
	return exists, err
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

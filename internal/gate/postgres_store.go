package gate

import (
	"context"
	"database/sql"
	"time"
)

// PostgresStore persists browsing sessions in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed session store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, s *Session) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO browsing_sessions (id, token_hash, balance_sats, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		s.ID, s.TokenHash, s.BalanceSats, s.ExpiresAt, s.CreatedAt)
	return err
}

func (p *PostgresStore) Update(ctx context.Context, s *Session) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE browsing_sessions
		SET token_hash = $1, balance_sats = $2, expires_at = $3
		WHERE id = $4`,
		s.TokenHash, s.BalanceSats, s.ExpiresAt, s.ID)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Session, error) {
	s := &Session{}
	err := p.db.QueryRowContext(ctx, `
		SELECT id, token_hash, balance_sats, expires_at, created_at
		FROM browsing_sessions WHERE id = $1`, id,
	).Scan(&s.ID, &s.TokenHash, &s.BalanceSats, &s.ExpiresAt, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (p *PostgresStore) DeleteExpired(ctx context.Context, before time.Time) (int, error) {
	result, err := p.db.ExecContext(ctx, `
		DELETE FROM browsing_sessions WHERE expires_at < $1`, before)
	if err != nil {
		return 0, err
	}
	rows, err := result.RowsAffected()
	return int(rows), err
}

func (p *PostgresStore) CountActive(ctx context.Context, now time.Time) (int, error) {
	var count int
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM browsing_sessions WHERE expires_at > $1`, now).Scan(&count)
	return count, err
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

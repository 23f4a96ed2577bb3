package bond

import (
	"context"
	"database/sql"
	"time"
)

// PostgresStore persists bonds in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed bond store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const bondColumns = `id, seller_npub, category, amount_sats, status, resolved_at, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, b *Bond) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO seller_bonds (`+bondColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		b.ID, b.SellerNpub, b.Category, b.AmountSats, string(b.Status),
		nullTime(b.ResolvedAt), b.CreatedAt, b.UpdatedAt)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Bond, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+bondColumns+` FROM seller_bonds WHERE id = $1`, id)

	b, err := scanBond(row)
	if err == sql.ErrNoRows {
		return nil, ErrBondNotFound
	}
	return b, err
}

func (p *PostgresStore) GetActive(ctx context.Context, sellerNpub, category string) (*Bond, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+bondColumns+`
		FROM seller_bonds
		WHERE seller_npub = $1 AND category = $2 AND status = 'active'
		LIMIT 1`, sellerNpub, category)

	b, err := scanBond(row)
	if err == sql.ErrNoRows {
		return nil, ErrBondNotFound
	}
	return b, err
}

func (p *PostgresStore) Update(ctx context.Context, b *Bond) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE seller_bonds SET status = $1, resolved_at = $2, updated_at = $3
		WHERE id = $4`,
		string(b.Status), nullTime(b.ResolvedAt), b.UpdatedAt, b.ID)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrBondNotFound
	}
	return nil
}

func (p *PostgresStore) ListBySeller(ctx context.Context, sellerNpub string, limit int) ([]*Bond, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+bondColumns+`
		FROM seller_bonds
		WHERE seller_npub = $1
		ORDER BY created_at DESC
		LIMIT $2`, sellerNpub, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Bond
	for rows.Next() {
		b, err := scanBond(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, b)
	}
	return result, rows.Err()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanBond(s scanner) (*Bond, error) {
	b := &Bond{}
	var status string
	var resolvedAt sql.NullTime

	err := s.Scan(&b.ID, &b.SellerNpub, &b.Category, &b.AmountSats, &status,
		&resolvedAt, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return nil, err
	}
	b.Status = Status(status)
	if resolvedAt.Valid {
		b.ResolvedAt = &resolvedAt.Time
	}
	return b, nil
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

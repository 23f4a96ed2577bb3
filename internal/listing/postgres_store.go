package listing

import (
	"context"
	"database/sql"
	"time"
)

// PostgresStore persists listings in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed listing store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const listingColumns = `id, seller_npub, title, description, category, price_sats, stock, status, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, l *Listing) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO listings (`+listingColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		l.ID, l.SellerNpub, l.Title, nullString(l.Description), l.Category,
		l.PriceSats, l.Stock, string(l.Status), l.CreatedAt, l.UpdatedAt)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Listing, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+listingColumns+` FROM listings WHERE id = $1`, id)

	l, err := scanListing(row)
	if err == sql.ErrNoRows {
		return nil, ErrListingNotFound
	}
	return l, err
}

func (p *PostgresStore) Update(ctx context.Context, l *Listing) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE listings SET
			title = $1, description = $2, price_sats = $3, stock = $4,
			status = $5, updated_at = $6
		WHERE id = $7`,
		l.Title, nullString(l.Description), l.PriceSats, l.Stock,
		string(l.Status), l.UpdatedAt, l.ID)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrListingNotFound
	}
	return nil
}

func (p *PostgresStore) ListActive(ctx context.Context, limit, offset int) ([]*Listing, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+listingColumns+`
		FROM listings
		WHERE status = 'active'
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanListings(rows)
}

func (p *PostgresStore) ListBySeller(ctx context.Context, sellerNpub string, limit int) ([]*Listing, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+listingColumns+`
		FROM listings
		WHERE seller_npub = $1
		ORDER BY created_at DESC
		LIMIT $2`, sellerNpub, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanListings(rows)
}

// ReserveStock decrements stock with a single conditional UPDATE so the
// check and the decrement cannot race.
func (p *PostgresStore) ReserveStock(ctx context.Context, id string, qty int) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE listings SET stock = stock - $1, updated_at = $2
		WHERE id = $3 AND status = 'active' AND stock >= $1`,
		qty, time.Now(), id)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 1 {
		return nil
	}

	// Distinguish why the conditional update matched nothing.
	l, err := p.Get(ctx, id)
	if err != nil {
		return err
	}
	if l.Status != StatusActive {
		return ErrItemUnavailable
	}
	return ErrOutOfStock
}

func (p *PostgresStore) RestoreStock(ctx context.Context, id string, qty int) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE listings SET stock = stock + $1, updated_at = $2
		WHERE id = $3`, qty, time.Now(), id)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrListingNotFound
	}
	return nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanListing(s scanner) (*Listing, error) {
	l := &Listing{}
	var description sql.NullString
	var status string

	err := s.Scan(&l.ID, &l.SellerNpub, &l.Title, &description, &l.Category,
		&l.PriceSats, &l.Stock, &status, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		return nil, err
	}
	l.Description = description.String
	l.Status = Status(status)
	return l, nil
}

func scanListings(rows *sql.Rows) ([]*Listing, error) {
	var result []*Listing
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, l)
	}
	return result, rows.Err()
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

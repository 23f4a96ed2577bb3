package escrow

import (
	"context"
	"database/sql"
	"time"
)

// PostgresStore persists escrow data in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const escrowColumns = `id, order_id, checkout_id, buyer_npub, seller_npub, amount_sats,
		       status, auto_release_at, dispute_until, resolution, resolved_by, resolved_at,
		       buyer_paid_sats, seller_paid_sats, burned_sats, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, e *Escrow) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO escrows (`+escrowColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		e.ID, nullString(e.OrderID), e.CheckoutID, e.BuyerNpub, e.SellerNpub, e.AmountSats,
		string(e.Status), e.AutoReleaseAt, e.DisputeUntil,
		nullString(e.Resolution), nullString(e.ResolvedBy), nullTime(e.ResolvedAt),
		e.BuyerPaidSats, e.SellerPaidSats, e.BurnedSats, e.CreatedAt, e.UpdatedAt)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Escrow, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE id = $1`, id)

	e, err := scanEscrow(row)
	if err == sql.ErrNoRows {
		return nil, ErrEscrowNotFound
	}
	return e, err
}

func (p *PostgresStore) Update(ctx context.Context, e *Escrow) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrows SET
			order_id = $1, status = $2, resolution = $3, resolved_by = $4,
			resolved_at = $5, buyer_paid_sats = $6, seller_paid_sats = $7,
			burned_sats = $8, updated_at = $9
		WHERE id = $10`,
		nullString(e.OrderID), string(e.Status), nullString(e.Resolution), nullString(e.ResolvedBy),
		nullTime(e.ResolvedAt), e.BuyerPaidSats, e.SellerPaidSats,
		e.BurnedSats, e.UpdatedAt, e.ID)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrEscrowNotFound
	}
	return nil
}

func (p *PostgresStore) ListByAccount(ctx context.Context, npub string, limit int) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE buyer_npub = $1 OR seller_npub = $1
		ORDER BY created_at DESC
		LIMIT $2`, npub, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEscrows(rows)
}

func (p *PostgresStore) ListReleasable(ctx context.Context, before time.Time, limit int) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE status = 'held'
		  AND auto_release_at < $1
		LIMIT $2`, before, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEscrows(rows)
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEscrow(s scanner) (*Escrow, error) {
	e := &Escrow{}
	var (
		orderID    sql.NullString
		status     string
		resolution sql.NullString
		resolvedBy sql.NullString
		resolvedAt sql.NullTime
	)

	err := s.Scan(
		&e.ID, &orderID, &e.CheckoutID, &e.BuyerNpub, &e.SellerNpub, &e.AmountSats,
		&status, &e.AutoReleaseAt, &e.DisputeUntil, &resolution, &resolvedBy, &resolvedAt,
		&e.BuyerPaidSats, &e.SellerPaidSats, &e.BurnedSats, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	e.OrderID = orderID.String
	e.Status = Status(status)
	e.Resolution = resolution.String
	e.ResolvedBy = resolvedBy.String
	if resolvedAt.Valid {
		e.ResolvedAt = &resolvedAt.Time
	}
	return e, nil
}

func scanEscrows(rows *sql.Rows) ([]*Escrow, error) {
	var result []*Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
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

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

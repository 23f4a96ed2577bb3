package order

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"
)

// PostgresStore persists orders in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed order store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const orderColumns = `id, checkout_id, escrow_id, buyer_npub, seller_npub, items,
		       subtotal_sats, status, tracking, shipped_at, resolved_at, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, o *Order) error {
	itemsJSON, _ := json.Marshal(o.Items)
	if o.Items == nil {
		itemsJSON = []byte("[]")
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO orders (`+orderColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		o.ID, o.CheckoutID, o.EscrowID, o.BuyerNpub, o.SellerNpub, itemsJSON,
		o.SubtotalSats, string(o.Status), nullString(o.Tracking),
		nullTime(o.ShippedAt), nullTime(o.ResolvedAt), o.CreatedAt, o.UpdatedAt)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Order, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)

	o, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, ErrOrderNotFound
	}
	return o, err
}

func (p *PostgresStore) Update(ctx context.Context, o *Order) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE orders SET
			status = $1, tracking = $2, shipped_at = $3, resolved_at = $4, updated_at = $5
		WHERE id = $6`,
		string(o.Status), nullString(o.Tracking), nullTime(o.ShippedAt),
		nullTime(o.ResolvedAt), o.UpdatedAt, o.ID)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrOrderNotFound
	}
	return nil
}

func (p *PostgresStore) ListByBuyer(ctx context.Context, buyerNpub string, limit int) ([]*Order, error) {
	return p.list(ctx, `buyer_npub = $1`, buyerNpub, limit)
}

func (p *PostgresStore) ListBySeller(ctx context.Context, sellerNpub string, limit int) ([]*Order, error) {
	return p.list(ctx, `seller_npub = $1`, sellerNpub, limit)
}

func (p *PostgresStore) list(ctx context.Context, where, arg string, limit int) ([]*Order, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE `+where+`
		ORDER BY created_at DESC
		LIMIT $2`, arg, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, o)
	}
	return result, rows.Err()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanOrder(s scanner) (*Order, error) {
	o := &Order{}
	var (
		itemsJSON  []byte
		status     string
		tracking   sql.NullString
		shippedAt  sql.NullTime
		resolvedAt sql.NullTime
	)

	err := s.Scan(&o.ID, &o.CheckoutID, &o.EscrowID, &o.BuyerNpub, &o.SellerNpub, &itemsJSON,
		&o.SubtotalSats, &status, &tracking, &shippedAt, &resolvedAt, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}

	o.Status = Status(status)
	o.Tracking = tracking.String
	if shippedAt.Valid {
		o.ShippedAt = &shippedAt.Time
	}
	if resolvedAt.Valid {
		o.ResolvedAt = &resolvedAt.Time
	}
	if len(itemsJSON) > 0 {
		_ = json.Unmarshal(itemsJSON, &o.Items)
	}
	return o, nil
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

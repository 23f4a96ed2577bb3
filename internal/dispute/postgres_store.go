package dispute

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists disputes in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed dispute store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const disputeColumns = `id, escrow_id, order_id, buyer_npub, seller_npub, amount_sats,
		       initiated_by, reason, evidence, status, resolution, resolved_by,
		       resolved_at, auto_resolve_at, warned_at, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, d *Dispute) error {
	evidenceJSON, _ := json.Marshal(d.Evidence)
	if d.Evidence == nil {
		evidenceJSON = []byte("[]")
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO disputes (`+disputeColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		d.ID, d.EscrowID, nullString(d.OrderID), d.BuyerNpub, d.SellerNpub, d.AmountSats,
		d.InitiatedBy, d.Reason, evidenceJSON, string(d.Status), nullString(d.Resolution),
		nullString(d.ResolvedBy), nullTime(d.ResolvedAt),
		d.AutoResolveAt, nullTime(d.WarnedAt), d.CreatedAt, d.UpdatedAt)
	if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" { // unique_violation on escrow_id
		return ErrDuplicateDispute
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Dispute, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, id)

	d, err := scanDispute(row)
	if err == sql.ErrNoRows {
		return nil, ErrDisputeNotFound
	}
	return d, err
}

func (p *PostgresStore) GetByEscrow(ctx context.Context, escrowID string) (*Dispute, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE escrow_id = $1`, escrowID)

	d, err := scanDispute(row)
	if err == sql.ErrNoRows {
		return nil, ErrDisputeNotFound
	}
	return d, err
}

func (p *PostgresStore) Update(ctx context.Context, d *Dispute) error {
	evidenceJSON, _ := json.Marshal(d.Evidence)
	if d.Evidence == nil {
		evidenceJSON = []byte("[]")
	}
	result, err := p.db.ExecContext(ctx, `
		UPDATE disputes SET
			evidence = $1, status = $2, resolution = $3, resolved_by = $4,
			resolved_at = $5, warned_at = $6, updated_at = $7
		WHERE id = $8`,
		evidenceJSON, string(d.Status), nullString(d.Resolution), nullString(d.ResolvedBy),
		nullTime(d.ResolvedAt), nullTime(d.WarnedAt), d.UpdatedAt, d.ID)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrDisputeNotFound
	}
	return nil
}

func (p *PostgresStore) ListByAccount(ctx context.Context, npub string, limit int) ([]*Dispute, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+disputeColumns+`
		FROM disputes
		WHERE buyer_npub = $1 OR seller_npub = $1
		ORDER BY created_at DESC
		LIMIT $2`, npub, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanDisputes(rows)
}

func (p *PostgresStore) ListAutoResolvable(ctx context.Context, before time.Time, limit int) ([]*Dispute, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+disputeColumns+`
		FROM disputes
		WHERE status = 'open'
		  AND auto_resolve_at < $1
		LIMIT $2`, before, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanDisputes(rows)
}

func (p *PostgresStore) ListUnwarned(ctx context.Context, warnBefore time.Time, limit int) ([]*Dispute, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+disputeColumns+`
		FROM disputes
		WHERE status = 'open'
		  AND warned_at IS NULL
		  AND auto_resolve_at < $1
		LIMIT $2`, warnBefore, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanDisputes(rows)
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanDispute(s scanner) (*Dispute, error) {
	d := &Dispute{}
	var (
		orderID      sql.NullString
		evidenceJSON []byte
		status       string
		resolution   sql.NullString
		resolvedBy   sql.NullString
		resolvedAt   sql.NullTime
		warnedAt     sql.NullTime
	)

	err := s.Scan(&d.ID, &d.EscrowID, &orderID, &d.BuyerNpub, &d.SellerNpub, &d.AmountSats,
		&d.InitiatedBy, &d.Reason, &evidenceJSON, &status, &resolution, &resolvedBy,
		&resolvedAt, &d.AutoResolveAt, &warnedAt, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}

	d.OrderID = orderID.String
	d.Status = Status(status)
	d.Resolution = resolution.String
	d.ResolvedBy = resolvedBy.String
	if resolvedAt.Valid {
		d.ResolvedAt = &resolvedAt.Time
	}
	if warnedAt.Valid {
		d.WarnedAt = &warnedAt.Time
	}
	if len(evidenceJSON) > 0 {
		_ = json.Unmarshal(evidenceJSON, &d.Evidence)
	}
	return d, nil
}

func scanDisputes(rows *sql.Rows) ([]*Dispute, error) {
	var result []*Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, d)
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

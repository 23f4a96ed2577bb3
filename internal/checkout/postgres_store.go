package checkout

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists checkout sessions in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed checkout store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const sessionColumns = `id, buyer_npub, items, total_sats, fee_sats, status,
		       expires_at, paid_at, order_ids, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, s *Session) error {
	itemsJSON, _ := json.Marshal(s.Items)
	if s.Items == nil {
		itemsJSON = []byte("[]")
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO checkout_sessions (`+sessionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		s.ID, s.BuyerNpub, itemsJSON, s.TotalSats, s.FeeSats, string(s.Status),
		s.ExpiresAt, nullTime(s.PaidAt), pq.Array(s.OrderIDs), s.CreatedAt, s.UpdatedAt)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Session, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM checkout_sessions WHERE id = $1`, id)

	s, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, ErrCheckoutNotFound
	}
	return s, err
}

func (p *PostgresStore) Update(ctx context.Context, s *Session) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE checkout_sessions SET
			status = $1, paid_at = $2, order_ids = $3, updated_at = $4
		WHERE id = $5`,
		string(s.Status), nullTime(s.PaidAt), pq.Array(s.OrderIDs), s.UpdatedAt, s.ID)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrCheckoutNotFound
	}
	return nil
}

func (p *PostgresStore) ListExpired(ctx context.Context, before time.Time, limit int) ([]*Session, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+sessionColumns+`
		FROM checkout_sessions
		WHERE status = 'pending'
		  AND expires_at < $1
		LIMIT $2`, before, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, s)
	}
	return result, rows.Err()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(sc scanner) (*Session, error) {
	s := &Session{}
	var (
		itemsJSON []byte
		status    string
		paidAt    sql.NullTime
		orderIDs  pq.StringArray
	)

	err := sc.Scan(&s.ID, &s.BuyerNpub, &itemsJSON, &s.TotalSats, &s.FeeSats, &status,
		&s.ExpiresAt, &paidAt, &orderIDs, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}

	s.Status = Status(status)
	if paidAt.Valid {
		s.PaidAt = &paidAt.Time
	}
	s.OrderIDs = []string(orderIDs)
	if len(itemsJSON) > 0 {
		_ = json.Unmarshal(itemsJSON, &s.Items)
	}
	return s, nil
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

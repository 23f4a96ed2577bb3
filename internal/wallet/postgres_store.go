package wallet

import (
	"context"
	"database/sql"
	"time"

	"github.com/veilmarket/veilmarket/internal/idgen"
)

// PostgresStore persists wallet data in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed wallet store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) GetAccount(ctx context.Context, npub string) (*Account, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT npub, balance_sats, frozen, frozen_reason, created_at, updated_at
		FROM accounts WHERE npub = $1`, npub)

	a, err := scanAccount(row)
	if err == sql.ErrNoRows {
		return nil, ErrAccountNotFound
	}
	return a, err
}

func (p *PostgresStore) CreateAccount(ctx context.Context, npub string) (*Account, error) {
	now := time.Now()
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO accounts (npub, balance_sats, frozen, created_at, updated_at)
		VALUES ($1, 0, FALSE, $2, $2)
		ON CONFLICT (npub) DO NOTHING`, npub, now)
	if err != nil {
		return nil, err
	}
	return p.GetAccount(ctx, npub)
}

// Apply updates the balance and inserts the ledger row in one transaction,
// holding a row lock on the account for the duration.
func (p *PostgresStore) Apply(ctx context.Context, npub, entryType string, amountSats int64, reference, description string) (*Transaction, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var balance int64
	var frozen bool
	err = tx.QueryRowContext(ctx, `
		SELECT balance_sats, frozen FROM accounts WHERE npub = $1 FOR UPDATE`, npub,
	).Scan(&balance, &frozen)
	if err == sql.ErrNoRows {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}

	if frozen && amountSats < 0 {
		return nil, ErrAccountFrozen
	}
	newBalance := balance + amountSats
	if newBalance < 0 {
		return nil, ErrInsufficientFunds
	}

	now := time.Now()
	if _, err := tx.ExecContext(ctx, `
		UPDATE accounts SET balance_sats = $1, updated_at = $2 WHERE npub = $3`,
		newBalance, now, npub); err != nil {
		return nil, err
	}

	txn := &Transaction{
		ID:           idgen.WithPrefix("txn_"),
		Npub:         npub,
		Type:         entryType,
		AmountSats:   amountSats,
		BalanceAfter: newBalance,
		Reference:    reference,
		Description:  description,
		CreatedAt:    now,
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO wallet_transactions (id, npub, type, amount_sats, balance_after, reference, description, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		txn.ID, txn.Npub, txn.Type, txn.AmountSats, txn.BalanceAfter,
		nullString(txn.Reference), nullString(txn.Description), txn.CreatedAt); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return txn, nil
}

func (p *PostgresStore) SetFrozen(ctx context.Context, npub string, frozen bool, reason string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE accounts SET frozen = $1, frozen_reason = $2, updated_at = $3 WHERE npub = $4`,
		frozen, nullString(reason), time.Now(), npub)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrAccountNotFound
	}
	return nil
}

const txnColumns = `id, npub, type, amount_sats, balance_after, reference, description, created_at`

func (p *PostgresStore) History(ctx context.Context, npub string, limit int) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+txnColumns+`
		FROM wallet_transactions
		WHERE npub = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`, npub, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanTransactions(rows)
}

func (p *PostgresStore) EntriesByAccount(ctx context.Context, npub string) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+txnColumns+`
		FROM wallet_transactions
		WHERE npub = $1
		ORDER BY created_at ASC, id ASC`, npub)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanTransactions(rows)
}

func (p *PostgresStore) ListAccounts(ctx context.Context) ([]*Account, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT npub, balance_sats, frozen, frozen_reason, created_at, updated_at
		FROM accounts
		ORDER BY npub`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanAccount(s scanner) (*Account, error) {
	a := &Account{}
	var frozenReason sql.NullString

	err := s.Scan(&a.Npub, &a.BalanceSats, &a.Frozen, &frozenReason, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	a.FrozenReason = frozenReason.String
	return a, nil
}

func scanTransaction(s scanner) (*Transaction, error) {
	t := &Transaction{}
	var reference, description sql.NullString

	err := s.Scan(&t.ID, &t.Npub, &t.Type, &t.AmountSats, &t.BalanceAfter,
		&reference, &description, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	t.Reference = reference.String
	t.Description = description.String
	return t, nil
}

func scanTransactions(rows *sql.Rows) ([]*Transaction, error) {
	var result []*Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, t)
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

package wallet

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veilmarket/veilmarket/internal/testutil"
)

func TestPostgresStore_AccountLifecycle(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	_, err := store.GetAccount(ctx, "npub1pgtest")
	assert.ErrorIs(t, err, ErrAccountNotFound)

	acct, err := store.CreateAccount(ctx, "npub1pgtest")
	require.NoError(t, err)
	assert.Equal(t, int64(0), acct.BalanceSats)
	assert.False(t, acct.Frozen)

	// Idempotent re-create
	again, err := store.CreateAccount(ctx, "npub1pgtest")
	require.NoError(t, err)
	assert.Equal(t, acct.CreatedAt.Unix(), again.CreatedAt.Unix())
}

func TestPostgresStore_ApplyAndHistory(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	_, err := store.CreateAccount(ctx, "npub1pgtest")
	require.NoError(t, err)

	txn, err := store.Apply(ctx, "npub1pgtest", EntryDeposit, 1000, "tok_1", "deposit")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), txn.BalanceAfter)

	txn, err = store.Apply(ctx, "npub1pgtest", EntryWithdrawal, -400, "wd_1", "withdrawal")
	require.NoError(t, err)
	assert.Equal(t, int64(600), txn.BalanceAfter)

	_, err = store.Apply(ctx, "npub1pgtest", EntryWithdrawal, -601, "wd_2", "")
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	_, err = store.Apply(ctx, "npub1missing", EntryDeposit, 100, "", "")
	assert.ErrorIs(t, err, ErrAccountNotFound)

	history, err := store.History(ctx, "npub1pgtest", 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	// Newest first
	assert.Equal(t, EntryWithdrawal, history[0].Type)
	assert.Equal(t, int64(600), history[0].BalanceAfter)

	entries, err := store.EntriesByAccount(ctx, "npub1pgtest")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, int64(600), Replay(entries))
}

func TestPostgresStore_Frozen(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	_, err := store.CreateAccount(ctx, "npub1pgtest")
	require.NoError(t, err)
	_, err = store.Apply(ctx, "npub1pgtest", EntryDeposit, 500, "", "")
	require.NoError(t, err)

	require.NoError(t, store.SetFrozen(ctx, "npub1pgtest", true, "manual review"))

	_, err = store.Apply(ctx, "npub1pgtest", EntryWithdrawal, -100, "", "")
	assert.ErrorIs(t, err, ErrAccountFrozen)

	// Credits still land while frozen.
	txn, err := store.Apply(ctx, "npub1pgtest", EntryDeposit, 100, "", "")
	require.NoError(t, err)
	assert.Equal(t, int64(600), txn.BalanceAfter)

	acct, err := store.GetAccount(ctx, "npub1pgtest")
	require.NoError(t, err)
	assert.Equal(t, "manual review", acct.FrozenReason)

	require.NoError(t, store.SetFrozen(ctx, "npub1pgtest", false, ""))
	_, err = store.Apply(ctx, "npub1pgtest", EntryWithdrawal, -100, "", "")
	require.NoError(t, err)

	assert.ErrorIs(t, store.SetFrozen(ctx, "npub1missing", true, ""), ErrAccountNotFound)
}

func TestPostgresStore_ListAccounts(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	for _, npub := range []string{"npub1ccc", "npub1aaa", "npub1bbb"} {
		_, err := store.CreateAccount(ctx, npub)
		require.NoError(t, err)
	}

	accounts, err := store.ListAccounts(ctx)
	require.NoError(t, err)
	require.Len(t, accounts, 3)
	assert.Equal(t, "npub1aaa", accounts[0].Npub)
	assert.Equal(t, "npub1ccc", accounts[2].Npub)
}

package wallet

import (
	"context"
	"errors"
	"sync"
	"testing"
)

const (
	testBuyer  = "npub1buyerqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqq"
	testSeller = "npub1sellerqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqq"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	svc := NewService(NewMemoryStore())
	if err := svc.Bootstrap(context.Background()); err != nil {
		t.Fatalf("Bootstrap failed: %v", err)
	}
	return svc
}

func balanceOf(t *testing.T, svc *Service, npub string) int64 {
	t.Helper()
	acct, err := svc.Balance(context.Background(), npub)
	if err != nil {
		t.Fatalf("Balance(%s) failed: %v", npub, err)
	}
	return acct.BalanceSats
}

func TestService_DepositAndBalance(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	txn, err := svc.Deposit(ctx, testBuyer, 1500, "tokenhash1")
	if err != nil {
		t.Fatalf("Deposit failed: %v", err)
	}
	if txn.AmountSats != 1500 {
		t.Errorf("expected amount 1500, got %d", txn.AmountSats)
	}
	if txn.BalanceAfter != 1500 {
		t.Errorf("expected balance after 1500, got %d", txn.BalanceAfter)
	}
	if txn.Type != EntryDeposit {
		t.Errorf("expected type %s, got %s", EntryDeposit, txn.Type)
	}
	if txn.Reference != "tokenhash1" {
		t.Errorf("expected reference tokenhash1, got %s", txn.Reference)
	}

	if got := balanceOf(t, svc, testBuyer); got != 1500 {
		t.Errorf("expected balance 1500, got %d", got)
	}
}

func TestService_DepositInvalidAmount(t *testing.T) {
	svc := newTestService(t)

	if _, err := svc.Deposit(context.Background(), testBuyer, 0, "h"); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("expected ErrInvalidAmount, got %v", err)
	}
	if _, err := svc.Deposit(context.Background(), testBuyer, -5, "h"); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("expected ErrInvalidAmount, got %v", err)
	}
}

func TestService_WithdrawInsufficientFunds(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Deposit(ctx, testBuyer, 100, "h"); err != nil {
		t.Fatalf("Deposit failed: %v", err)
	}

	if _, err := svc.Withdraw(ctx, testBuyer, 101, "wd_1"); !errors.Is(err, ErrInsufficientFunds) {
		t.Errorf("expected ErrInsufficientFunds, got %v", err)
	}
	if got := balanceOf(t, svc, testBuyer); got != 100 {
		t.Errorf("failed withdrawal should not change balance, got %d", got)
	}

	txn, err := svc.Withdraw(ctx, testBuyer, 100, "wd_2")
	if err != nil {
		t.Fatalf("Withdraw failed: %v", err)
	}
	if txn.AmountSats != -100 {
		t.Errorf("expected signed amount -100, got %d", txn.AmountSats)
	}
	if txn.BalanceAfter != 0 {
		t.Errorf("expected balance after 0, got %d", txn.BalanceAfter)
	}
}

func TestService_FrozenRejectsDebitsAcceptsCredits(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Deposit(ctx, testBuyer, 500, "h"); err != nil {
		t.Fatalf("Deposit failed: %v", err)
	}
	if err := svc.Freeze(ctx, testBuyer, "suspicious activity"); err != nil {
		t.Fatalf("Freeze failed: %v", err)
	}

	if _, err := svc.Withdraw(ctx, testBuyer, 100, "wd_1"); !errors.Is(err, ErrAccountFrozen) {
		t.Errorf("expected ErrAccountFrozen on debit, got %v", err)
	}

	// Credits still land so in-flight refunds can settle.
	if err := svc.Credit(ctx, testBuyer, EntryEscrowRefund, 200, "esc_1", "refund"); err != nil {
		t.Errorf("credit to frozen account should succeed, got %v", err)
	}
	if got := balanceOf(t, svc, testBuyer); got != 700 {
		t.Errorf("expected balance 700, got %d", got)
	}

	if _, err := svc.CanSpend(ctx, testBuyer, 1); !errors.Is(err, ErrAccountFrozen) {
		t.Errorf("expected ErrAccountFrozen from CanSpend, got %v", err)
	}

	if err := svc.Unfreeze(ctx, testBuyer); err != nil {
		t.Fatalf("Unfreeze failed: %v", err)
	}
	if _, err := svc.Withdraw(ctx, testBuyer, 100, "wd_2"); err != nil {
		t.Errorf("withdraw after unfreeze should succeed, got %v", err)
	}
}

func TestService_HoldPayment(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Deposit(ctx, testBuyer, 2000, "h"); err != nil {
		t.Fatalf("Deposit failed: %v", err)
	}

	// 1000 sat cart at a 1% fee debits the buyer 1010.
	if err := svc.HoldPayment(ctx, testBuyer, 1000, 10, "chk_1"); err != nil {
		t.Fatalf("HoldPayment failed: %v", err)
	}

	if got := balanceOf(t, svc, testBuyer); got != 990 {
		t.Errorf("expected buyer balance 990, got %d", got)
	}
	if got := balanceOf(t, svc, EscrowNpub); got != 1000 {
		t.Errorf("expected escrow pool 1000, got %d", got)
	}
	if got := balanceOf(t, svc, FeeNpub); got != 10 {
		t.Errorf("expected fee account 10, got %d", got)
	}
}

func TestService_HoldPaymentInsufficientFundsUnwinds(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	// Enough for the cart but not the fee on top.
	if _, err := svc.Deposit(ctx, testBuyer, 1000, "h"); err != nil {
		t.Fatalf("Deposit failed: %v", err)
	}

	err := svc.HoldPayment(ctx, testBuyer, 1000, 10, "chk_1")
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}

	// The escrow leg must have been unwound.
	if got := balanceOf(t, svc, testBuyer); got != 1000 {
		t.Errorf("expected buyer balance restored to 1000, got %d", got)
	}
	if got := balanceOf(t, svc, EscrowNpub); got != 0 {
		t.Errorf("expected escrow pool 0 after unwind, got %d", got)
	}
}

func TestService_EscrowSettlement(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Deposit(ctx, testBuyer, 2000, "h"); err != nil {
		t.Fatalf("Deposit failed: %v", err)
	}
	if err := svc.HoldPayment(ctx, testBuyer, 1000, 10, "chk_1"); err != nil {
		t.Fatalf("HoldPayment failed: %v", err)
	}

	if err := svc.ReleaseEscrow(ctx, testSeller, 600, "esc_1"); err != nil {
		t.Fatalf("ReleaseEscrow failed: %v", err)
	}
	if err := svc.RefundEscrow(ctx, testBuyer, 300, "esc_1"); err != nil {
		t.Fatalf("RefundEscrow failed: %v", err)
	}
	if err := svc.BurnEscrow(ctx, 100, "esc_1"); err != nil {
		t.Fatalf("BurnEscrow failed: %v", err)
	}

	if got := balanceOf(t, svc, EscrowNpub); got != 0 {
		t.Errorf("expected escrow pool drained, got %d", got)
	}
	if got := balanceOf(t, svc, testSeller); got != 600 {
		t.Errorf("expected seller balance 600, got %d", got)
	}
	if got := balanceOf(t, svc, testBuyer); got != 1290 {
		t.Errorf("expected buyer balance 1290, got %d", got)
	}
	if got := balanceOf(t, svc, BurnNpub); got != 100 {
		t.Errorf("expected burn account 100, got %d", got)
	}
}

func TestService_BondLifecycle(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Deposit(ctx, testSeller, 30_000, "h"); err != nil {
		t.Fatalf("Deposit failed: %v", err)
	}

	if err := svc.PostBond(ctx, testSeller, 10_000, "bond_1"); err != nil {
		t.Fatalf("PostBond failed: %v", err)
	}
	if got := balanceOf(t, svc, BondNpub); got != 10_000 {
		t.Errorf("expected bond pool 10000, got %d", got)
	}

	if err := svc.RefundBond(ctx, testSeller, 10_000, "bond_1"); err != nil {
		t.Fatalf("RefundBond failed: %v", err)
	}
	if got := balanceOf(t, svc, testSeller); got != 30_000 {
		t.Errorf("expected seller restored to 30000, got %d", got)
	}

	if err := svc.PostBond(ctx, testSeller, 10_000, "bond_2"); err != nil {
		t.Fatalf("PostBond failed: %v", err)
	}
	if err := svc.ForfeitBond(ctx, 10_000, "bond_2"); err != nil {
		t.Fatalf("ForfeitBond failed: %v", err)
	}
	if got := balanceOf(t, svc, BurnNpub); got != 10_000 {
		t.Errorf("expected burn account 10000, got %d", got)
	}
	if got := balanceOf(t, svc, BondNpub); got != 0 {
		t.Errorf("expected bond pool drained, got %d", got)
	}
}

func TestService_ReplayMatchesBalance(t *testing.T) {
	svc := newTestService(t)
	store := svc.store
	ctx := context.Background()

	if _, err := svc.Deposit(ctx, testBuyer, 5000, "h1"); err != nil {
		t.Fatalf("Deposit failed: %v", err)
	}
	if err := svc.HoldPayment(ctx, testBuyer, 1000, 10, "chk_1"); err != nil {
		t.Fatalf("HoldPayment failed: %v", err)
	}
	if _, err := svc.Withdraw(ctx, testBuyer, 500, "wd_1"); err != nil {
		t.Fatalf("Withdraw failed: %v", err)
	}
	if err := svc.RefundEscrow(ctx, testBuyer, 1000, "esc_1"); err != nil {
		t.Fatalf("RefundEscrow failed: %v", err)
	}

	for _, npub := range []string{testBuyer, EscrowNpub, FeeNpub} {
		entries, err := store.EntriesByAccount(ctx, npub)
		if err != nil {
			t.Fatalf("EntriesByAccount(%s) failed: %v", npub, err)
		}
		if replayed, stored := Replay(entries), balanceOf(t, svc, npub); replayed != stored {
			t.Errorf("%s: replayed %d != stored %d", npub, replayed, stored)
		}
	}
}

func TestService_History(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := svc.Deposit(ctx, testBuyer, 100, "h"); err != nil {
			t.Fatalf("Deposit failed: %v", err)
		}
	}

	history, err := svc.History(ctx, testBuyer, 3)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(history))
	}
	// Newest first.
	if history[0].BalanceAfter != 500 {
		t.Errorf("expected newest entry balance 500, got %d", history[0].BalanceAfter)
	}
}

func TestService_ConcurrentMoves(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Deposit(ctx, testBuyer, 10_000, "h"); err != nil {
		t.Fatalf("Deposit failed: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = svc.HoldPayment(ctx, testBuyer, 100, 1, "chk_c")
		}()
	}
	wg.Wait()

	buyer := balanceOf(t, svc, testBuyer)
	pool := balanceOf(t, svc, EscrowNpub)
	fees := balanceOf(t, svc, FeeNpub)
	if buyer+pool+fees != 10_000 {
		t.Errorf("funds not conserved: buyer=%d pool=%d fees=%d", buyer, pool, fees)
	}
	if pool%100 != 0 || fees != pool/100 {
		t.Errorf("inconsistent settlement: pool=%d fees=%d", pool, fees)
	}
}

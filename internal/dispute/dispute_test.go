package dispute

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/veilmarket/veilmarket/internal/escrow"
	"github.com/veilmarket/veilmarket/internal/wallet"
)

const (
	testBuyer  = "npub1buyerqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqq"
	testSeller = "npub1sellerqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqq"
	testAdmin  = "npub1adminqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqq"
)

type mockNotifier struct {
	opened   []string
	warned   []string
	resolved [][2]string // disputeID, resolution
}

func (m *mockNotifier) DisputeOpened(disputeID, escrowID string) {
	m.opened = append(m.opened, disputeID)
}

func (m *mockNotifier) DisputeWarning(disputeID string, autoResolveAt time.Time) {
	m.warned = append(m.warned, disputeID)
}

func (m *mockNotifier) DisputeResolved(disputeID, resolution string) {
	m.resolved = append(m.resolved, [2]string{disputeID, resolution})
}

type testEnv struct {
	disputes *Service
	escrows  *escrow.Service
	wallet   *wallet.Service
	notify   *mockNotifier
}

// newTestEnv funds the escrow pool and wires a dispute service with the
// given auto-resolve window.
func newTestEnv(t *testing.T, poolSats int64, window time.Duration) *testEnv {
	t.Helper()
	ctx := context.Background()

	walletSvc := wallet.NewService(wallet.NewMemoryStore())
	if err := walletSvc.Bootstrap(ctx); err != nil {
		t.Fatalf("Bootstrap failed: %v", err)
	}
	if _, err := walletSvc.Deposit(ctx, testBuyer, poolSats, "token"); err != nil {
		t.Fatalf("Deposit failed: %v", err)
	}
	if err := walletSvc.HoldPayment(ctx, testBuyer, poolSats, 0, "chk_1"); err != nil {
		t.Fatalf("HoldPayment failed: %v", err)
	}

	escrowSvc := escrow.NewService(escrow.NewMemoryStore(), walletSvc)
	notify := &mockNotifier{}
	disputeSvc := NewService(NewMemoryStore(), escrowSvc, window).WithNotifier(notify)

	return &testEnv{disputes: disputeSvc, escrows: escrowSvc, wallet: walletSvc, notify: notify}
}

func (env *testEnv) heldEscrow(t *testing.T, amount int64) *escrow.Escrow {
	t.Helper()
	e, err := env.escrows.Hold(context.Background(), escrow.HoldParams{
		CheckoutID:   "chk_1",
		BuyerNpub:    testBuyer,
		SellerNpub:   testSeller,
		AmountSats:   amount,
		HoldWindow:   10 * 24 * time.Hour,
		DisputeGrace: 12 * 24 * time.Hour,
	})
	if err != nil {
		t.Fatalf("Hold failed: %v", err)
	}
	return e
}

func (env *testEnv) balance(t *testing.T, npub string) int64 {
	t.Helper()
	acct, err := env.wallet.Balance(context.Background(), npub)
	if err != nil {
		t.Fatalf("Balance(%s) failed: %v", npub, err)
	}
	return acct.BalanceSats
}

func TestCalculateAmounts(t *testing.T) {
	tests := []struct {
		resolution string
		total      int64
		buyer      int64
		seller     int64
		burn       int64
		wantErr    bool
	}{
		{"buyer_full", 1000, 1000, 0, 0, false},
		{"seller_full", 1000, 0, 1000, 0, false},
		{"burn", 1000, 0, 0, 1000, false},
		{"split_40_60", 1000, 400, 600, 0, false},
		{"split_50_50", 1000, 500, 500, 0, false},
		{"split_50_50", 1001, 501, 500, 0, false}, // remainder to the buyer
		{"split_0_100", 1000, 0, 1000, 0, false},
		{"split_100_0", 1000, 1000, 0, 0, false},
		{"split_33_67", 100, 33, 67, 0, false},
		{"split_60_60", 1000, 0, 0, 0, true}, // does not sum to 100
		{"split_-10_110", 1000, 0, 0, 0, true},
		{"split_50", 1000, 0, 0, 0, true},
		{"split_a_b", 1000, 0, 0, 0, true},
		{"seller_partial", 1000, 0, 0, 0, true},
		{"", 1000, 0, 0, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.resolution, func(t *testing.T) {
			buyer, seller, burn, err := CalculateAmounts(tt.resolution, tt.total)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidResolution) {
					t.Errorf("expected ErrInvalidResolution, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("CalculateAmounts failed: %v", err)
			}
			if buyer != tt.buyer || seller != tt.seller || burn != tt.burn {
				t.Errorf("got buyer=%d seller=%d burn=%d, want %d/%d/%d",
					buyer, seller, burn, tt.buyer, tt.seller, tt.burn)
			}
			if buyer+seller+burn != tt.total {
				t.Errorf("shares do not sum to total: %d+%d+%d != %d", buyer, seller, burn, tt.total)
			}
		})
	}
}

func TestService_Open(t *testing.T) {
	env := newTestEnv(t, 1000, 10*24*time.Hour)
	ctx := context.Background()
	e := env.heldEscrow(t, 1000)

	if _, err := env.disputes.Open(ctx, e.ID, "npub1stranger", "not as described"); !errors.Is(err, ErrNotAuthorized) {
		t.Errorf("expected ErrNotAuthorized for a stranger, got %v", err)
	}

	d, err := env.disputes.Open(ctx, e.ID, testBuyer, "not as described")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if d.Status != StatusOpen {
		t.Errorf("expected status open, got %s", d.Status)
	}
	if d.AmountSats != 1000 {
		t.Errorf("expected amount 1000, got %d", d.AmountSats)
	}
	if d.InitiatedBy != "buyer" {
		t.Errorf("expected initiator buyer, got %s", d.InitiatedBy)
	}

	got, _ := env.escrows.Get(ctx, e.ID)
	if got.Status != escrow.StatusDisputed {
		t.Errorf("expected escrow disputed, got %s", got.Status)
	}
	if len(env.notify.opened) != 1 || env.notify.opened[0] != d.ID {
		t.Errorf("expected open notification for %s, got %v", d.ID, env.notify.opened)
	}

	if _, err := env.disputes.Open(ctx, e.ID, testBuyer, "again"); !errors.Is(err, ErrDuplicateDispute) {
		t.Errorf("expected ErrDuplicateDispute, got %v", err)
	}
}

func TestService_OpenBySeller(t *testing.T) {
	env := newTestEnv(t, 1000, 10*24*time.Hour)
	e := env.heldEscrow(t, 1000)

	d, err := env.disputes.Open(context.Background(), e.ID, testSeller, "buyer refuses to confirm")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if d.InitiatedBy != "seller" {
		t.Errorf("expected initiator seller, got %s", d.InitiatedBy)
	}
}

func TestService_OpenAfterWindow(t *testing.T) {
	env := newTestEnv(t, 1000, 10*24*time.Hour)
	ctx := context.Background()

	e, err := env.escrows.Hold(ctx, escrow.HoldParams{
		CheckoutID:   "chk_1",
		BuyerNpub:    testBuyer,
		SellerNpub:   testSeller,
		AmountSats:   1000,
		HoldWindow:   time.Hour,
		DisputeGrace: -time.Minute, // window already closed
	})
	if err != nil {
		t.Fatalf("Hold failed: %v", err)
	}

	if _, err := env.disputes.Open(ctx, e.ID, testBuyer, "too late"); !errors.Is(err, escrow.ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition past dispute window, got %v", err)
	}
}

func TestService_GetVisibility(t *testing.T) {
	env := newTestEnv(t, 1000, 10*24*time.Hour)
	ctx := context.Background()
	e := env.heldEscrow(t, 1000)

	d, err := env.disputes.Open(ctx, e.ID, testBuyer, "not as described")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	if _, err := env.disputes.Get(ctx, d.ID, testBuyer, false); err != nil {
		t.Errorf("buyer should see the dispute: %v", err)
	}
	if _, err := env.disputes.Get(ctx, d.ID, testSeller, false); err != nil {
		t.Errorf("seller should see the dispute: %v", err)
	}
	if _, err := env.disputes.Get(ctx, d.ID, testAdmin, true); err != nil {
		t.Errorf("admin should see the dispute: %v", err)
	}
	if _, err := env.disputes.Get(ctx, d.ID, "npub1stranger", false); !errors.Is(err, ErrDisputeNotFound) {
		t.Errorf("expected ErrDisputeNotFound for strangers, got %v", err)
	}
}

func TestService_AddEvidence(t *testing.T) {
	env := newTestEnv(t, 1000, 10*24*time.Hour)
	ctx := context.Background()
	e := env.heldEscrow(t, 1000)

	d, err := env.disputes.Open(ctx, e.ID, testBuyer, "not as described")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	if _, err := env.disputes.AddEvidence(ctx, d.ID, "npub1stranger", "irrelevant"); !errors.Is(err, ErrNotAuthorized) {
		t.Errorf("expected ErrNotAuthorized, got %v", err)
	}

	d, err = env.disputes.AddEvidence(ctx, d.ID, testBuyer, "photos of the damage")
	if err != nil {
		t.Fatalf("AddEvidence failed: %v", err)
	}
	d, err = env.disputes.AddEvidence(ctx, d.ID, testSeller, "shipping receipt")
	if err != nil {
		t.Fatalf("AddEvidence failed: %v", err)
	}
	if len(d.Evidence) != 2 {
		t.Fatalf("expected 2 evidence entries, got %d", len(d.Evidence))
	}
	if d.Evidence[0].By != "buyer" || d.Evidence[1].By != "seller" {
		t.Errorf("unexpected evidence attribution: %+v", d.Evidence)
	}

	if _, err := env.disputes.Resolve(ctx, d.ID, "seller_full", testAdmin); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if _, err := env.disputes.AddEvidence(ctx, d.ID, testBuyer, "too late"); !errors.Is(err, ErrAlreadyResolved) {
		t.Errorf("expected ErrAlreadyResolved, got %v", err)
	}
}

func TestService_Resolve(t *testing.T) {
	env := newTestEnv(t, 1000, 10*24*time.Hour)
	ctx := context.Background()
	e := env.heldEscrow(t, 1000)

	d, err := env.disputes.Open(ctx, e.ID, testBuyer, "not as described")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	if _, err := env.disputes.Resolve(ctx, d.ID, "seller_partial", testAdmin); !errors.Is(err, ErrInvalidResolution) {
		t.Errorf("expected ErrInvalidResolution, got %v", err)
	}

	resolved, err := env.disputes.Resolve(ctx, d.ID, "buyer_full", testAdmin)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if resolved.Status != StatusResolved {
		t.Errorf("expected status resolved, got %s", resolved.Status)
	}
	if resolved.ResolvedBy != testAdmin {
		t.Errorf("expected resolved by %s, got %s", testAdmin, resolved.ResolvedBy)
	}

	if bal := env.balance(t, testBuyer); bal != 1000 {
		t.Errorf("expected full refund to buyer, balance %d", bal)
	}
	got, _ := env.escrows.Get(ctx, e.ID)
	if got.Status != escrow.StatusRefunded {
		t.Errorf("expected escrow refunded, got %s", got.Status)
	}
	if len(env.notify.resolved) != 1 || env.notify.resolved[0][1] != "buyer_full" {
		t.Errorf("expected resolved notification, got %v", env.notify.resolved)
	}

	if _, err := env.disputes.Resolve(ctx, d.ID, "seller_full", testAdmin); !errors.Is(err, ErrAlreadyResolved) {
		t.Errorf("expected ErrAlreadyResolved, got %v", err)
	}
}

func TestService_ResolveAfterSellerRefund(t *testing.T) {
	env := newTestEnv(t, 1000, 10*24*time.Hour)
	ctx := context.Background()
	e := env.heldEscrow(t, 1000)

	d, err := env.disputes.Open(ctx, e.ID, testBuyer, "not as described")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	// The seller concedes and refunds while the dispute is open.
	if err := env.escrows.Refund(ctx, e.ID, "seller_refunded"); err != nil {
		t.Fatalf("Refund failed: %v", err)
	}

	got, err := env.disputes.Resolve(ctx, d.ID, "buyer_full", testAdmin)
	if err != nil {
		t.Fatalf("Resolve on a settled escrow should close the dispute, got %v", err)
	}
	if got.Status != StatusResolved || got.Resolution != "escrow_settled" {
		t.Errorf("expected dispute closed as escrow_settled, got %s/%s", got.Status, got.Resolution)
	}
	if bal := env.balance(t, testBuyer); bal != 1000 {
		t.Errorf("buyer must be refunded exactly once, got %d", bal)
	}
}

func TestService_AutoResolve(t *testing.T) {
	env := newTestEnv(t, 1001, -time.Hour) // deadline already passed
	ctx := context.Background()
	e := env.heldEscrow(t, 1001)

	d, err := env.disputes.Open(ctx, e.ID, testBuyer, "seller vanished")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	ids, err := env.disputes.ListAutoResolvableIDs(ctx, time.Now(), 10)
	if err != nil {
		t.Fatalf("ListAutoResolvableIDs failed: %v", err)
	}
	if len(ids) != 1 || ids[0] != d.ID {
		t.Fatalf("expected dispute %s auto-resolvable, got %v", d.ID, ids)
	}

	resolved, err := env.disputes.AutoResolve(ctx, d.ID)
	if err != nil {
		t.Fatalf("AutoResolve failed: %v", err)
	}
	if resolved.Resolution != "auto_split" {
		t.Errorf("expected resolution auto_split, got %s", resolved.Resolution)
	}
	if resolved.ResolvedBy != ResolvedBySystem {
		t.Errorf("expected resolved by %s, got %s", ResolvedBySystem, resolved.ResolvedBy)
	}

	// Even split of an odd amount: the extra sat goes to the buyer.
	if bal := env.balance(t, testBuyer); bal != 501 {
		t.Errorf("expected buyer balance 501, got %d", bal)
	}
	if bal := env.balance(t, testSeller); bal != 500 {
		t.Errorf("expected seller balance 500, got %d", bal)
	}
}

func TestService_AutoResolveBeforeDeadline(t *testing.T) {
	env := newTestEnv(t, 1000, 10*24*time.Hour)
	ctx := context.Background()
	e := env.heldEscrow(t, 1000)

	d, err := env.disputes.Open(ctx, e.ID, testBuyer, "not as described")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if _, err := env.disputes.AutoResolve(ctx, d.ID); !errors.Is(err, ErrInvalidResolution) {
		t.Errorf("expected ErrInvalidResolution before deadline, got %v", err)
	}
}

func TestService_WarnPending(t *testing.T) {
	// A 3 day window puts the dispute inside the 7 day warning lead at once.
	env := newTestEnv(t, 1000, 3*24*time.Hour)
	ctx := context.Background()
	e := env.heldEscrow(t, 1000)

	d, err := env.disputes.Open(ctx, e.ID, testBuyer, "not as described")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	warned, err := env.disputes.WarnPending(ctx, 100)
	if err != nil {
		t.Fatalf("WarnPending failed: %v", err)
	}
	if warned != 1 {
		t.Errorf("expected 1 warning, got %d", warned)
	}
	if len(env.notify.warned) != 1 || env.notify.warned[0] != d.ID {
		t.Errorf("expected warning notification for %s, got %v", d.ID, env.notify.warned)
	}

	// Warnings are issued once.
	warned, err = env.disputes.WarnPending(ctx, 100)
	if err != nil {
		t.Fatalf("WarnPending failed: %v", err)
	}
	if warned != 0 {
		t.Errorf("expected 0 warnings on second pass, got %d", warned)
	}
}

func TestService_WarnPendingOutsideLead(t *testing.T) {
	env := newTestEnv(t, 1000, 30*24*time.Hour) // deadline well past the lead
	ctx := context.Background()
	e := env.heldEscrow(t, 1000)

	if _, err := env.disputes.Open(ctx, e.ID, testBuyer, "not as described"); err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	warned, err := env.disputes.WarnPending(ctx, 100)
	if err != nil {
		t.Fatalf("WarnPending failed: %v", err)
	}
	if warned != 0 {
		t.Errorf("expected no warnings outside the lead, got %d", warned)
	}
}

package checkout

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/veilmarket/veilmarket/internal/escrow"
	"github.com/veilmarket/veilmarket/internal/listing"
	"github.com/veilmarket/veilmarket/internal/order"
	"github.com/veilmarket/veilmarket/internal/wallet"
)

const (
	testBuyer   = "npub1buyerqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqq"
	testSellerA = "npub1selleraqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqq"
	testSellerB = "npub1sellerbqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqq"
)

type testEnv struct {
	checkout     *Service
	wallet       *wallet.Service
	listings     *listing.Service
	listingStore *listing.MemoryStore
	escrows      *escrow.Service
	orders       *order.Service
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	ctx := context.Background()

	walletSvc := wallet.NewService(wallet.NewMemoryStore())
	if err := walletSvc.Bootstrap(ctx); err != nil {
		t.Fatalf("Bootstrap failed: %v", err)
	}
	listingStore := listing.NewMemoryStore()
	listingSvc := listing.NewService(listingStore, nil)
	escrowSvc := escrow.NewService(escrow.NewMemoryStore(), walletSvc)
	orderSvc := order.NewService(order.NewMemoryStore()).WithReleaser(escrowSvc)
	escrowSvc.WithOrderUpdater(orderSvc)

	return &testEnv{
		checkout:     NewService(NewMemoryStore(), listingSvc, walletSvc, escrowSvc, orderSvc, cfg),
		wallet:       walletSvc,
		listings:     listingSvc,
		listingStore: listingStore,
		escrows:      escrowSvc,
		orders:       orderSvc,
	}
}

func defaultConfig() Config {
	return Config{
		FeePercent:   1,
		TTL:          15 * time.Minute,
		HoldWindow:   10 * 24 * time.Hour,
		DisputeGrace: 12 * 24 * time.Hour,
	}
}

func (env *testEnv) addListing(t *testing.T, seller string, price int64, stock int) *listing.Listing {
	t.Helper()
	l, err := env.listings.Create(context.Background(), seller, listing.CreateRequest{
		Title:     "item",
		Category:  listing.CategoryDigital,
		PriceSats: price,
		Stock:     stock,
	})
	if err != nil {
		t.Fatalf("listing create failed: %v", err)
	}
	return l
}

func (env *testEnv) fund(t *testing.T, npub string, sats int64) {
	t.Helper()
	if _, err := env.wallet.Deposit(context.Background(), npub, sats, "token"); err != nil {
		t.Fatalf("Deposit failed: %v", err)
	}
}

func (env *testEnv) balance(t *testing.T, npub string) int64 {
	t.Helper()
	acct, err := env.wallet.Balance(context.Background(), npub)
	if err != nil {
		t.Fatalf("Balance(%s) failed: %v", npub, err)
	}
	return acct.BalanceSats
}

func TestService_PayTwoSellers(t *testing.T) {
	env := newTestEnv(t, defaultConfig())
	ctx := context.Background()

	la := env.addListing(t, testSellerA, 300, 5)
	lb := env.addListing(t, testSellerB, 700, 5)
	env.fund(t, testBuyer, 2000)

	session, err := env.checkout.Create(ctx, testBuyer, []ItemRequest{
		{ListingID: la.ID, Quantity: 1},
		{ListingID: lb.ID, Quantity: 1},
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if session.TotalSats != 1000 {
		t.Errorf("expected total 1000, got %d", session.TotalSats)
	}
	if session.FeeSats != 10 {
		t.Errorf("expected fee 10, got %d", session.FeeSats)
	}
	if session.GrandTotalSats() != 1010 {
		t.Errorf("expected grand total 1010, got %d", session.GrandTotalSats())
	}

	paid, err := env.checkout.Pay(ctx, session.ID, testBuyer)
	if err != nil {
		t.Fatalf("Pay failed: %v", err)
	}
	if paid.Status != StatusPaid {
		t.Errorf("expected status paid, got %s", paid.Status)
	}
	if len(paid.OrderIDs) != 2 {
		t.Fatalf("expected 2 orders, got %d", len(paid.OrderIDs))
	}

	// Buyer debited total plus the fee on top.
	if bal := env.balance(t, testBuyer); bal != 990 {
		t.Errorf("expected buyer balance 990, got %d", bal)
	}
	if bal := env.balance(t, wallet.EscrowNpub); bal != 1000 {
		t.Errorf("expected escrow pool 1000, got %d", bal)
	}
	if bal := env.balance(t, wallet.FeeNpub); bal != 10 {
		t.Errorf("expected fee account 10, got %d", bal)
	}

	// One escrow and order per seller, holding that seller's subtotal.
	wantSubtotals := map[string]int64{testSellerA: 300, testSellerB: 700}
	for _, orderID := range paid.OrderIDs {
		o, err := env.orders.Get(ctx, orderID)
		if err != nil {
			t.Fatalf("order get failed: %v", err)
		}
		want, ok := wantSubtotals[o.SellerNpub]
		if !ok {
			t.Fatalf("unexpected seller %s", o.SellerNpub)
		}
		if o.SubtotalSats != want {
			t.Errorf("seller %s: expected subtotal %d, got %d", o.SellerNpub, want, o.SubtotalSats)
		}
		delete(wantSubtotals, o.SellerNpub)

		e, err := env.escrows.Get(ctx, o.EscrowID)
		if err != nil {
			t.Fatalf("escrow get failed: %v", err)
		}
		if e.AmountSats != o.SubtotalSats {
			t.Errorf("escrow amount %d != order subtotal %d", e.AmountSats, o.SubtotalSats)
		}
		if e.OrderID != o.ID {
			t.Errorf("escrow %s not bound to order %s", e.ID, o.ID)
		}
	}

	// Stock reserved only at payment.
	gotA, _ := env.listings.Get(ctx, la.ID)
	if gotA.Stock != 4 {
		t.Errorf("expected stock 4, got %d", gotA.Stock)
	}
}

func TestService_PayIdempotent(t *testing.T) {
	env := newTestEnv(t, defaultConfig())
	ctx := context.Background()

	l := env.addListing(t, testSellerA, 500, 5)
	env.fund(t, testBuyer, 1000)

	session, err := env.checkout.Create(ctx, testBuyer, []ItemRequest{{ListingID: l.ID, Quantity: 1}})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := env.checkout.Pay(ctx, session.ID, testBuyer); err != nil {
		t.Fatalf("Pay failed: %v", err)
	}

	again, err := env.checkout.Pay(ctx, session.ID, testBuyer)
	if err != nil {
		t.Fatalf("second Pay failed: %v", err)
	}
	if again.Status != StatusPaid {
		t.Errorf("expected status paid, got %s", again.Status)
	}
	if bal := env.balance(t, testBuyer); bal != 495 {
		t.Errorf("retried Pay must not double-charge, balance %d", bal)
	}
	got, _ := env.listings.Get(ctx, l.ID)
	if got.Stock != 4 {
		t.Errorf("retried Pay must not re-reserve stock, got %d", got.Stock)
	}
}

func TestService_CreateValidation(t *testing.T) {
	env := newTestEnv(t, defaultConfig())
	ctx := context.Background()

	l := env.addListing(t, testSellerA, 500, 2)

	if _, err := env.checkout.Create(ctx, testBuyer, nil); !errors.Is(err, ErrEmptyCart) {
		t.Errorf("expected ErrEmptyCart, got %v", err)
	}
	if _, err := env.checkout.Create(ctx, testSellerA, []ItemRequest{{ListingID: l.ID, Quantity: 1}}); !errors.Is(err, ErrOwnListing) {
		t.Errorf("expected ErrOwnListing, got %v", err)
	}
	if _, err := env.checkout.Create(ctx, testBuyer, []ItemRequest{{ListingID: l.ID, Quantity: 3}}); !errors.Is(err, listing.ErrOutOfStock) {
		t.Errorf("expected ErrOutOfStock, got %v", err)
	}
	if _, err := env.checkout.Create(ctx, testBuyer, []ItemRequest{{ListingID: l.ID, Quantity: 0}}); err == nil {
		t.Error("expected error for zero quantity")
	}
	if _, err := env.checkout.Create(ctx, testBuyer, []ItemRequest{
		{ListingID: l.ID, Quantity: 1},
		{ListingID: l.ID, Quantity: 1},
	}); err == nil {
		t.Error("expected error for duplicate cart line")
	}
}

func TestService_PriceFrozenAtCreate(t *testing.T) {
	env := newTestEnv(t, defaultConfig())
	ctx := context.Background()

	l := env.addListing(t, testSellerA, 500, 5)
	env.fund(t, testBuyer, 1000)

	session, err := env.checkout.Create(ctx, testBuyer, []ItemRequest{{ListingID: l.ID, Quantity: 1}})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// Seller repricing mid-checkout must not change what the buyer pays.
	repriced, _ := env.listings.Get(ctx, l.ID)
	repriced.PriceSats = 900
	if err := env.listingStore.Update(ctx, repriced); err != nil {
		t.Fatalf("reprice failed: %v", err)
	}

	paid, err := env.checkout.Pay(ctx, session.ID, testBuyer)
	if err != nil {
		t.Fatalf("Pay failed: %v", err)
	}
	if paid.TotalSats != 500 {
		t.Errorf("expected frozen total 500, got %d", paid.TotalSats)
	}
	if bal := env.balance(t, testBuyer); bal != 495 {
		t.Errorf("expected buyer debited at the frozen price, balance %d", bal)
	}
}

func TestService_PayExpired(t *testing.T) {
	cfg := defaultConfig()
	cfg.TTL = -time.Minute
	env := newTestEnv(t, cfg)
	ctx := context.Background()

	l := env.addListing(t, testSellerA, 500, 5)
	env.fund(t, testBuyer, 1000)

	session, err := env.checkout.Create(ctx, testBuyer, []ItemRequest{{ListingID: l.ID, Quantity: 1}})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if _, err := env.checkout.Pay(ctx, session.ID, testBuyer); !errors.Is(err, ErrCheckoutExpired) {
		t.Fatalf("expected ErrCheckoutExpired, got %v", err)
	}

	got, err := env.checkout.Get(ctx, session.ID, testBuyer)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != StatusExpired {
		t.Errorf("expected status expired, got %s", got.Status)
	}
	if bal := env.balance(t, testBuyer); bal != 1000 {
		t.Errorf("expired session must not touch funds, balance %d", bal)
	}
	gotL, _ := env.listings.Get(ctx, l.ID)
	if gotL.Stock != 5 {
		t.Errorf("expired session must not touch stock, got %d", gotL.Stock)
	}
}

func TestService_PayReserveRollback(t *testing.T) {
	env := newTestEnv(t, defaultConfig())
	ctx := context.Background()

	la := env.addListing(t, testSellerA, 300, 5)
	lb := env.addListing(t, testSellerB, 700, 1)
	env.fund(t, testBuyer, 2000)

	session, err := env.checkout.Create(ctx, testBuyer, []ItemRequest{
		{ListingID: la.ID, Quantity: 1},
		{ListingID: lb.ID, Quantity: 1},
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// Another buyer takes the last unit between create and pay.
	if err := env.listings.ReserveStock(ctx, lb.ID, 1); err != nil {
		t.Fatalf("ReserveStock failed: %v", err)
	}

	if _, err := env.checkout.Pay(ctx, session.ID, testBuyer); !errors.Is(err, listing.ErrOutOfStock) {
		t.Fatalf("expected ErrOutOfStock, got %v", err)
	}

	// The half-reserved cart must have been rolled back.
	gotA, _ := env.listings.Get(ctx, la.ID)
	if gotA.Stock != 5 {
		t.Errorf("expected stock restored to 5, got %d", gotA.Stock)
	}
	if bal := env.balance(t, testBuyer); bal != 2000 {
		t.Errorf("failed Pay must not touch funds, balance %d", bal)
	}
}

func TestService_PayInsufficientFunds(t *testing.T) {
	env := newTestEnv(t, defaultConfig())
	ctx := context.Background()

	l := env.addListing(t, testSellerA, 1000, 5)
	env.fund(t, testBuyer, 1000) // short of the 1010 grand total

	session, err := env.checkout.Create(ctx, testBuyer, []ItemRequest{{ListingID: l.ID, Quantity: 1}})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := env.checkout.Pay(ctx, session.ID, testBuyer); !errors.Is(err, wallet.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}

	gotL, _ := env.listings.Get(ctx, l.ID)
	if gotL.Stock != 5 {
		t.Errorf("expected stock untouched, got %d", gotL.Stock)
	}
	if bal := env.balance(t, testBuyer); bal != 1000 {
		t.Errorf("expected buyer balance unchanged, got %d", bal)
	}
}

func TestService_PayFrozenBuyer(t *testing.T) {
	env := newTestEnv(t, defaultConfig())
	ctx := context.Background()

	l := env.addListing(t, testSellerA, 500, 5)
	env.fund(t, testBuyer, 2000)

	session, err := env.checkout.Create(ctx, testBuyer, []ItemRequest{{ListingID: l.ID, Quantity: 1}})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := env.wallet.Freeze(ctx, testBuyer, "manual review"); err != nil {
		t.Fatalf("Freeze failed: %v", err)
	}

	if _, err := env.checkout.Pay(ctx, session.ID, testBuyer); !errors.Is(err, wallet.ErrAccountFrozen) {
		t.Fatalf("expected ErrAccountFrozen, got %v", err)
	}
	gotL, _ := env.listings.Get(ctx, l.ID)
	if gotL.Stock != 5 {
		t.Errorf("expected stock untouched, got %d", gotL.Stock)
	}
}

func TestService_GetBuyerOnly(t *testing.T) {
	env := newTestEnv(t, defaultConfig())
	ctx := context.Background()

	l := env.addListing(t, testSellerA, 500, 5)
	session, err := env.checkout.Create(ctx, testBuyer, []ItemRequest{{ListingID: l.ID, Quantity: 1}})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if _, err := env.checkout.Get(ctx, session.ID, testSellerA); !errors.Is(err, ErrCheckoutNotFound) {
		t.Errorf("expected ErrCheckoutNotFound for non-buyer, got %v", err)
	}
}

func TestService_Cancel(t *testing.T) {
	env := newTestEnv(t, defaultConfig())
	ctx := context.Background()

	l := env.addListing(t, testSellerA, 500, 5)
	env.fund(t, testBuyer, 1000)

	session, err := env.checkout.Create(ctx, testBuyer, []ItemRequest{{ListingID: l.ID, Quantity: 1}})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	cancelled, err := env.checkout.Cancel(ctx, session.ID, testBuyer)
	if err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if cancelled.Status != StatusCancelled {
		t.Errorf("expected status cancelled, got %s", cancelled.Status)
	}

	if _, err := env.checkout.Pay(ctx, session.ID, testBuyer); !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected ErrInvalidState paying a cancelled session, got %v", err)
	}
	if _, err := env.checkout.Cancel(ctx, session.ID, testBuyer); !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected ErrInvalidState on double cancel, got %v", err)
	}
}

func TestService_SweepExpired(t *testing.T) {
	cfg := defaultConfig()
	cfg.TTL = -time.Minute
	env := newTestEnv(t, cfg)
	ctx := context.Background()

	l := env.addListing(t, testSellerA, 500, 5)
	for i := 0; i < 3; i++ {
		if _, err := env.checkout.Create(ctx, testBuyer, []ItemRequest{{ListingID: l.ID, Quantity: 1}}); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}

	expired, err := env.checkout.SweepExpired(ctx, 100)
	if err != nil {
		t.Fatalf("SweepExpired failed: %v", err)
	}
	if expired != 3 {
		t.Errorf("expected 3 expired, got %d", expired)
	}

	// A second sweep finds nothing pending.
	expired, err = env.checkout.SweepExpired(ctx, 100)
	if err != nil {
		t.Fatalf("SweepExpired failed: %v", err)
	}
	if expired != 0 {
		t.Errorf("expected 0 expired on second sweep, got %d", expired)
	}
}

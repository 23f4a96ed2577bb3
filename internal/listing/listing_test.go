package listing

import (
	"context"
	"errors"
	"testing"
)

const (
	testSeller = "npub1sellerqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqq"
	testOther  = "npub1otherqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqq"
)

type mockBondChecker struct {
	bonded map[string]bool // seller+category
}

func (m *mockBondChecker) HasActiveBond(ctx context.Context, sellerNpub, category string) (bool, error) {
	return m.bonded[sellerNpub+"/"+category], nil
}

func validRequest() CreateRequest {
	return CreateRequest{
		Title:     "VPN credentials",
		Category:  CategoryDigital,
		PriceSats: 500,
		Stock:     10,
	}
}

func TestService_CreateRequiresBond(t *testing.T) {
	bonds := &mockBondChecker{bonded: map[string]bool{}}
	svc := NewService(NewMemoryStore(), bonds)
	ctx := context.Background()

	if _, err := svc.Create(ctx, testSeller, validRequest()); !errors.Is(err, ErrBondRequired) {
		t.Errorf("expected ErrBondRequired, got %v", err)
	}

	bonds.bonded[testSeller+"/"+CategoryDigital] = true
	l, err := svc.Create(ctx, testSeller, validRequest())
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if l.Status != StatusActive {
		t.Errorf("expected new listing active, got %s", l.Status)
	}
	if l.SellerNpub != testSeller {
		t.Errorf("expected seller %s, got %s", testSeller, l.SellerNpub)
	}
}

func TestService_CreateValidation(t *testing.T) {
	svc := NewService(NewMemoryStore(), nil)
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(*CreateRequest)
	}{
		{"unknown category", func(r *CreateRequest) { r.Category = "weapons" }},
		{"zero price", func(r *CreateRequest) { r.PriceSats = 0 }},
		{"negative price", func(r *CreateRequest) { r.PriceSats = -1 }},
		{"zero stock", func(r *CreateRequest) { r.Stock = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validRequest()
			tt.mutate(&req)
			if _, err := svc.Create(ctx, testSeller, req); err == nil {
				t.Error("expected validation error, got nil")
			}
		})
	}
}

func TestService_ReserveAndRestoreStock(t *testing.T) {
	svc := NewService(NewMemoryStore(), nil)
	ctx := context.Background()

	l, err := svc.Create(ctx, testSeller, validRequest())
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if err := svc.ReserveStock(ctx, l.ID, 4); err != nil {
		t.Fatalf("ReserveStock failed: %v", err)
	}
	got, _ := svc.Get(ctx, l.ID)
	if got.Stock != 6 {
		t.Errorf("expected stock 6, got %d", got.Stock)
	}

	if err := svc.ReserveStock(ctx, l.ID, 7); !errors.Is(err, ErrOutOfStock) {
		t.Errorf("expected ErrOutOfStock, got %v", err)
	}

	if err := svc.RestoreStock(ctx, l.ID, 4); err != nil {
		t.Fatalf("RestoreStock failed: %v", err)
	}
	got, _ = svc.Get(ctx, l.ID)
	if got.Stock != 10 {
		t.Errorf("expected stock 10, got %d", got.Stock)
	}
}

func TestService_ReserveStockInactive(t *testing.T) {
	svc := NewService(NewMemoryStore(), nil)
	ctx := context.Background()

	l, err := svc.Create(ctx, testSeller, validRequest())
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := svc.SetStatus(ctx, l.ID, testSeller, StatusPaused); err != nil {
		t.Fatalf("SetStatus failed: %v", err)
	}

	if err := svc.ReserveStock(ctx, l.ID, 1); !errors.Is(err, ErrItemUnavailable) {
		t.Errorf("expected ErrItemUnavailable, got %v", err)
	}
}

func TestService_SetStatus(t *testing.T) {
	svc := NewService(NewMemoryStore(), nil)
	ctx := context.Background()

	l, err := svc.Create(ctx, testSeller, validRequest())
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if _, err := svc.SetStatus(ctx, l.ID, testOther, StatusPaused); !errors.Is(err, ErrNotSeller) {
		t.Errorf("expected ErrNotSeller, got %v", err)
	}

	if _, err := svc.SetStatus(ctx, l.ID, testSeller, StatusDelisted); err != nil {
		t.Fatalf("delist failed: %v", err)
	}
	// Delisted is terminal.
	if _, err := svc.SetStatus(ctx, l.ID, testSeller, StatusActive); !errors.Is(err, ErrItemUnavailable) {
		t.Errorf("expected ErrItemUnavailable on delisted listing, got %v", err)
	}
}

func TestService_HasActiveListings(t *testing.T) {
	svc := NewService(NewMemoryStore(), nil)
	ctx := context.Background()

	l, err := svc.Create(ctx, testSeller, validRequest())
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	active, err := svc.HasActiveListings(ctx, testSeller, CategoryDigital)
	if err != nil {
		t.Fatalf("HasActiveListings failed: %v", err)
	}
	if !active {
		t.Error("expected active listings in digital")
	}

	if active, _ := svc.HasActiveListings(ctx, testSeller, CategoryPhysical); active {
		t.Error("expected no active listings in physical")
	}
	if active, _ := svc.HasActiveListings(ctx, testOther, CategoryDigital); active {
		t.Error("expected no active listings for another seller")
	}

	if _, err := svc.SetStatus(ctx, l.ID, testSeller, StatusPaused); err != nil {
		t.Fatalf("SetStatus failed: %v", err)
	}
	if active, _ := svc.HasActiveListings(ctx, testSeller, CategoryDigital); active {
		t.Error("paused listing should not count as active")
	}
}

func TestService_ListActive(t *testing.T) {
	svc := NewService(NewMemoryStore(), nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := svc.Create(ctx, testSeller, validRequest()); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}
	paused, err := svc.Create(ctx, testSeller, validRequest())
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := svc.SetStatus(ctx, paused.ID, testSeller, StatusPaused); err != nil {
		t.Fatalf("SetStatus failed: %v", err)
	}

	listings, err := svc.ListActive(ctx, 10, 0)
	if err != nil {
		t.Fatalf("ListActive failed: %v", err)
	}
	if len(listings) != 3 {
		t.Errorf("expected 3 active listings, got %d", len(listings))
	}
}

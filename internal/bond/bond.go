// Package bond manages seller stakes.
//
// A seller posts a bond per listing category before publishing. The bond
// sits in the bond pool for the life of the seller's listings: refunded
// when the seller winds down, forfeited to the burn account when the admin
// pulls it for abuse. Losing money on exit is what makes a throwaway
// seller identity expensive.
package bond

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/veilmarket/veilmarket/internal/idgen"
	"github.com/veilmarket/veilmarket/internal/logging"
)

var (
	ErrBondNotFound        = errors.New("bond not found")
	ErrBondExists          = errors.New("active bond already posted for this category")
	ErrBondNotActive       = errors.New("bond is not active")
	ErrNotBondHolder       = errors.New("caller does not hold this bond")
	ErrListingsStillActive = errors.New("seller still has active listings in this category")
)

// Status represents the state of a bond.
type Status string

const (
	StatusActive    Status = "active"
	StatusRefunded  Status = "refunded"
	StatusForfeited Status = "forfeited"
)

// Bond represents a seller's stake for one category.
type Bond struct {
	ID         string     `json:"id"`
	SellerNpub string     `json:"sellerNpub"`
	Category   string     `json:"category"`
	AmountSats int64      `json:"amountSats"`
	Status     Status     `json:"status"`
	ResolvedAt *time.Time `json:"resolvedAt,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

// Store persists bonds.
type Store interface {
	Create(ctx context.Context, b *Bond) error
	Get(ctx context.Context, id string) (*Bond, error)
	GetActive(ctx context.Context, sellerNpub, category string) (*Bond, error)
	Update(ctx context.Context, b *Bond) error
	ListBySeller(ctx context.Context, sellerNpub string, limit int) ([]*Bond, error)
}

// Ledger is the wallet surface bonds move money through.
type Ledger interface {
	PostBond(ctx context.Context, sellerNpub string, amountSats int64, reference string) error
	RefundBond(ctx context.Context, sellerNpub string, amountSats int64, reference string) error
	ForfeitBond(ctx context.Context, amountSats int64, reference string) error
}

// ListingChecker reports whether a seller still has active listings.
type ListingChecker interface {
	HasActiveListings(ctx context.Context, sellerNpub, category string) (bool, error)
}

// Service implements bond business logic.
type Service struct {
	store    Store
	ledger   Ledger
	listings ListingChecker
	amounts  func(category string) int64
}

// NewService creates a new bond service. amounts maps a category to its
// required bond in sats.
func NewService(store Store, ledger Ledger, amounts func(category string) int64) *Service {
	return &Service{store: store, ledger: ledger, amounts: amounts}
}

// WithListingChecker wires the active-listing guard for refunds.
func (s *Service) WithListingChecker(c ListingChecker) *Service {
	s.listings = c
	return s
}

// Post stakes a bond for a category, debiting the seller's wallet.
func (s *Service) Post(ctx context.Context, sellerNpub, category string) (*Bond, error) {
	if existing, err := s.store.GetActive(ctx, sellerNpub, category); err == nil && existing != nil {
		return nil, ErrBondExists
	}

	amount := s.amounts(category)
	now := time.Now()
	b := &Bond{
		ID:         idgen.WithPrefix("bond_"),
		SellerNpub: sellerNpub,
		Category:   category,
		AmountSats: amount,
		Status:     StatusActive,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := s.ledger.PostBond(ctx, sellerNpub, amount, b.ID); err != nil {
		return nil, fmt.Errorf("failed to stake bond: %w", err)
	}

	if err := s.store.Create(ctx, b); err != nil {
		// Best-effort refund if the row fails after funds moved.
		if compErr := s.ledger.RefundBond(ctx, sellerNpub, amount, b.ID); compErr != nil {
			logging.L(ctx).Error("CRITICAL: bond staked but record and refund both failed",
				"bond_id", b.ID, "seller", sellerNpub, "error", compErr)
		}
		return nil, fmt.Errorf("failed to create bond record: %w", err)
	}

	return b, nil
}

// Get returns a bond by ID.
func (s *Service) Get(ctx context.Context, id string) (*Bond, error) {
	return s.store.Get(ctx, id)
}

// ListBySeller returns a seller's bonds.
func (s *Service) ListBySeller(ctx context.Context, sellerNpub string, limit int) ([]*Bond, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListBySeller(ctx, sellerNpub, limit)
}

// HasActiveBond reports whether a seller holds an active bond for a
// category. Satisfies the listing package's bond check.
func (s *Service) HasActiveBond(ctx context.Context, sellerNpub, category string) (bool, error) {
	_, err := s.store.GetActive(ctx, sellerNpub, category)
	if errors.Is(err, ErrBondNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Refund returns an active bond to its seller, provided no listings in the
// category are still live.
func (s *Service) Refund(ctx context.Context, id, callerNpub string) (*Bond, error) {
	b, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if b.SellerNpub != callerNpub {
		return nil, ErrNotBondHolder
	}
	if b.Status != StatusActive {
		return nil, ErrBondNotActive
	}

	if s.listings != nil {
		active, err := s.listings.HasActiveListings(ctx, b.SellerNpub, b.Category)
		if err != nil {
			return nil, err
		}
		if active {
			return nil, ErrListingsStillActive
		}
	}

	if err := s.ledger.RefundBond(ctx, b.SellerNpub, b.AmountSats, b.ID); err != nil {
		return nil, fmt.Errorf("failed to refund bond: %w", err)
	}

	now := time.Now()
	b.Status = StatusRefunded
	b.ResolvedAt = &now
	b.UpdatedAt = now
	if err := s.store.Update(ctx, b); err != nil {
		if retryErr := s.store.Update(ctx, b); retryErr != nil {
			logging.L(ctx).Error("CRITICAL: bond refunded but status update failed",
				"bond_id", b.ID, "error", retryErr)
			return nil, fmt.Errorf("failed to update bond after refund (requires manual resolution): %w", err)
		}
	}
	return b, nil
}

// Forfeit burns an active bond. Admin only; enforced by the route.
func (s *Service) Forfeit(ctx context.Context, id string) (*Bond, error) {
	b, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if b.Status != StatusActive {
		return nil, ErrBondNotActive
	}

	if err := s.ledger.ForfeitBond(ctx, b.AmountSats, b.ID); err != nil {
		return nil, fmt.Errorf("failed to forfeit bond: %w", err)
	}

	now := time.Now()
	b.Status = StatusForfeited
	b.ResolvedAt = &now
	b.UpdatedAt = now
	if err := s.store.Update(ctx, b); err != nil {
		if retryErr := s.store.Update(ctx, b); retryErr != nil {
			logging.L(ctx).Error("CRITICAL: bond forfeited but status update failed",
				"bond_id", b.ID, "error", retryErr)
			return nil, fmt.Errorf("failed to update bond after forfeit (requires manual resolution): %w", err)
		}
	}
	return b, nil
}

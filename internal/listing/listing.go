// Package listing manages marketplace catalog entries.
//
// A listing can only be created by a seller with an active bond for its
// category. Stock is reserved when a checkout session is paid and restored
// when the session expires unpaid, so two buyers can never settle against
// the same last unit.
package listing

import (
	"context"
	"errors"
	"time"

	"github.com/veilmarket/veilmarket/internal/idgen"
)

var (
	ErrListingNotFound = errors.New("listing not found")
	ErrItemUnavailable = errors.New("listing is not available")
	ErrOutOfStock      = errors.New("insufficient stock")
	ErrNotSeller       = errors.New("caller is not the seller of this listing")
	ErrBondRequired    = errors.New("seller bond required for this category")
)

// Status represents the lifecycle state of a listing.
type Status string

const (
	StatusActive   Status = "active"
	StatusPaused   Status = "paused"
	StatusDelisted Status = "delisted"
)

// Categories a listing may belong to. The category decides the bond the
// seller must hold.
const (
	CategoryDigital  = "digital"
	CategoryPhysical = "physical"
	CategoryService  = "service"
)

// Listing represents a catalog entry.
type Listing struct {
	ID          string    `json:"id"`
	SellerNpub  string    `json:"sellerNpub"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Category    string    `json:"category"`
	PriceSats   int64     `json:"priceSats"`
	Stock       int       `json:"stock"`
	Status      Status    `json:"status"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Store persists listings.
type Store interface {
	Create(ctx context.Context, l *Listing) error
	Get(ctx context.Context, id string) (*Listing, error)
	Update(ctx context.Context, l *Listing) error
	ListActive(ctx context.Context, limit, offset int) ([]*Listing, error)
	ListBySeller(ctx context.Context, sellerNpub string, limit int) ([]*Listing, error)
	// ReserveStock atomically decrements stock on an active listing.
	// Returns ErrOutOfStock if fewer than qty units remain, or
	// ErrItemUnavailable if the listing is not active.
	ReserveStock(ctx context.Context, id string, qty int) error
	// RestoreStock returns previously reserved units.
	RestoreStock(ctx context.Context, id string, qty int) error
}

// BondChecker verifies a seller holds an active bond for a category.
type BondChecker interface {
	HasActiveBond(ctx context.Context, sellerNpub, category string) (bool, error)
}

// CreateRequest contains the parameters for creating a listing.
type CreateRequest struct {
	Title       string `json:"title" binding:"required"`
	Description string `json:"description"`
	Category    string `json:"category" binding:"required"`
	PriceSats   int64  `json:"priceSats" binding:"required"`
	Stock       int    `json:"stock" binding:"required"`
}

// Service implements listing business logic.
type Service struct {
	store Store
	bonds BondChecker
}

// NewService creates a new listing service.
func NewService(store Store, bonds BondChecker) *Service {
	return &Service{store: store, bonds: bonds}
}

// Create publishes a new listing after checking the seller's bond.
func (s *Service) Create(ctx context.Context, sellerNpub string, req CreateRequest) (*Listing, error) {
	switch req.Category {
	case CategoryDigital, CategoryPhysical, CategoryService:
	default:
		return nil, errors.New("category must be digital, physical, or service")
	}
	if req.PriceSats <= 0 {
		return nil, errors.New("priceSats must be positive")
	}
	if req.Stock <= 0 {
		return nil, errors.New("stock must be positive")
	}

	if s.bonds != nil {
		bonded, err := s.bonds.HasActiveBond(ctx, sellerNpub, req.Category)
		if err != nil {
			return nil, err
		}
		if !bonded {
			return nil, ErrBondRequired
		}
	}

	now := time.Now()
	l := &Listing{
		ID:          idgen.WithPrefix("lst_"),
		SellerNpub:  sellerNpub,
		Title:       req.Title,
		Description: req.Description,
		Category:    req.Category,
		PriceSats:   req.PriceSats,
		Stock:       req.Stock,
		Status:      StatusActive,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.Create(ctx, l); err != nil {
		return nil, err
	}
	return l, nil
}

// Get returns a listing by ID.
func (s *Service) Get(ctx context.Context, id string) (*Listing, error) {
	return s.store.Get(ctx, id)
}

// ListActive returns browsable listings.
func (s *Service) ListActive(ctx context.Context, limit, offset int) ([]*Listing, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return s.store.ListActive(ctx, limit, offset)
}

// ListBySeller returns a seller's listings.
func (s *Service) ListBySeller(ctx context.Context, sellerNpub string, limit int) ([]*Listing, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListBySeller(ctx, sellerNpub, limit)
}

// HasActiveListings reports whether a seller still has active listings in a
// category. Used to block bond refunds while inventory is live.
func (s *Service) HasActiveListings(ctx context.Context, sellerNpub, category string) (bool, error) {
	listings, err := s.store.ListBySeller(ctx, sellerNpub, 500)
	if err != nil {
		return false, err
	}
	for _, l := range listings {
		if l.Category == category && l.Status == StatusActive {
			return true, nil
		}
	}
	return false, nil
}

// SetStatus pauses, reactivates, or delists a listing. Only the seller may
// change status, and a delisted listing is terminal.
func (s *Service) SetStatus(ctx context.Context, id, callerNpub string, status Status) (*Listing, error) {
	l, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if l.SellerNpub != callerNpub {
		return nil, ErrNotSeller
	}
	if l.Status == StatusDelisted {
		return nil, ErrItemUnavailable
	}

	l.Status = status
	l.UpdatedAt = time.Now()
	if err := s.store.Update(ctx, l); err != nil {
		return nil, err
	}
	return l, nil
}

// ReserveStock claims qty units of a listing for a paid checkout.
func (s *Service) ReserveStock(ctx context.Context, id string, qty int) error {
	if qty <= 0 {
		return errors.New("quantity must be positive")
	}
	return s.store.ReserveStock(ctx, id, qty)
}

// RestoreStock returns qty units, e.g. after an expired checkout session.
func (s *Service) RestoreStock(ctx context.Context, id string, qty int) error {
	if qty <= 0 {
		return errors.New("quantity must be positive")
	}
	return s.store.RestoreStock(ctx, id, qty)
}

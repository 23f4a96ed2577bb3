// Package order tracks fulfillment of paid checkouts.
//
// One order exists per seller per paid checkout session, paired one-to-one
// with an escrow holding that seller's share of the payment. The order
// carries the fulfillment lifecycle; the escrow carries the money.
package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/veilmarket/veilmarket/internal/idgen"
	"github.com/veilmarket/veilmarket/internal/traces"
)

var (
	ErrOrderNotFound     = errors.New("order not found")
	ErrUnauthorized      = errors.New("not authorized for this order operation")
	ErrInvalidTransition = errors.New("invalid order status transition")
)

// Status represents the fulfillment state of an order.
type Status string

const (
	StatusOrdered   Status = "ordered"   // Paid, awaiting shipment
	StatusShipped   Status = "shipped"   // Seller marked shipped
	StatusCompleted Status = "completed" // Escrow released to seller
	StatusDisputed  Status = "disputed"  // Buyer opened a dispute
	StatusRefunded  Status = "refunded"  // Escrow refunded to buyer
)

// Item is one purchased line of an order.
type Item struct {
	ListingID string `json:"listingId"`
	Title     string `json:"title"`
	Quantity  int    `json:"quantity"`
	PriceSats int64  `json:"priceSats"` // unit price at time of purchase
	// EncryptedShipping is carried over from the checkout line; only the
	// seller can decrypt it.
	EncryptedShipping string `json:"encryptedShipping,omitempty"`
}

// Order represents one seller's share of a paid checkout.
type Order struct {
	ID           string     `json:"id"`
	CheckoutID   string     `json:"checkoutId"`
	EscrowID     string     `json:"escrowId"`
	BuyerNpub    string     `json:"buyerNpub"`
	SellerNpub   string     `json:"sellerNpub"`
	Items        []Item     `json:"items"`
	SubtotalSats int64      `json:"subtotalSats"`
	Status       Status     `json:"status"`
	Tracking     string     `json:"tracking,omitempty"` // opaque carrier reference
	ShippedAt    *time.Time `json:"shippedAt,omitempty"`
	ResolvedAt   *time.Time `json:"resolvedAt,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

// IsTerminal returns true if the order is in a final state.
func (o *Order) IsTerminal() bool {
	switch o.Status {
	case StatusCompleted, StatusRefunded:
		return true
	}
	return false
}

// Store persists orders.
type Store interface {
	Create(ctx context.Context, o *Order) error
	Get(ctx context.Context, id string) (*Order, error)
	Update(ctx context.Context, o *Order) error
	ListByBuyer(ctx context.Context, buyerNpub string, limit int) ([]*Order, error)
	ListBySeller(ctx context.Context, sellerNpub string, limit int) ([]*Order, error)
}

// EscrowReleaser releases an order's escrow when the buyer confirms
// delivery. Implemented by the escrow service; declared here so order does
// not import escrow.
type EscrowReleaser interface {
	Release(ctx context.Context, escrowID string) error
}

// Service implements order business logic.
type Service struct {
	store    Store
	releaser EscrowReleaser
}

// NewService creates a new order service.
func NewService(store Store) *Service {
	return &Service{store: store}
}

// WithReleaser wires the escrow releaser. Set during server assembly.
func (s *Service) WithReleaser(r EscrowReleaser) *Service {
	s.releaser = r
	return s
}

// CreateParams describes a new order for one seller of a paid checkout.
type CreateParams struct {
	CheckoutID   string
	EscrowID     string
	BuyerNpub    string
	SellerNpub   string
	Items        []Item
	SubtotalSats int64
}

// Create records a new order in the ordered state.
func (s *Service) Create(ctx context.Context, params CreateParams) (*Order, error) {
	now := time.Now()
	o := &Order{
		ID:           idgen.WithPrefix("ord_"),
		CheckoutID:   params.CheckoutID,
		EscrowID:     params.EscrowID,
		BuyerNpub:    params.BuyerNpub,
		SellerNpub:   params.SellerNpub,
		Items:        params.Items,
		SubtotalSats: params.SubtotalSats,
		Status:       StatusOrdered,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.Create(ctx, o); err != nil {
		return nil, err
	}
	return o, nil
}

// Get returns an order by ID.
func (s *Service) Get(ctx context.Context, id string) (*Order, error) {
	return s.store.Get(ctx, id)
}

// ListByBuyer returns a buyer's orders.
func (s *Service) ListByBuyer(ctx context.Context, buyerNpub string, limit int) ([]*Order, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByBuyer(ctx, buyerNpub, limit)
}

// ListBySeller returns a seller's orders.
func (s *Service) ListBySeller(ctx context.Context, sellerNpub string, limit int) ([]*Order, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListBySeller(ctx, sellerNpub, limit)
}

// MarkShipped records that the seller shipped the order, with an optional
// tracking reference.
func (s *Service) MarkShipped(ctx context.Context, id, callerNpub, tracking string) (*Order, error) {
	o, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if o.SellerNpub != callerNpub {
		return nil, ErrUnauthorized
	}
	if o.Status != StatusOrdered {
		return nil, ErrInvalidTransition
	}

	now := time.Now()
	o.Status = StatusShipped
	o.Tracking = tracking
	o.ShippedAt = &now
	o.UpdatedAt = now
	if err := s.store.Update(ctx, o); err != nil {
		return nil, err
	}
	return o, nil
}

// ConfirmDelivery releases the order's escrow on the buyer's say-so. The
// escrow service moves the funds and flips this order to completed through
// the updater callback, so the re-read below observes the final state.
func (s *Service) ConfirmDelivery(ctx context.Context, id, callerNpub string) (*Order, error) {
	ctx, span := traces.StartSpan(ctx, "order.ConfirmDelivery", traces.OrderID(id))
	defer span.End()

	o, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if o.BuyerNpub != callerNpub {
		return nil, ErrUnauthorized
	}
	if o.Status != StatusOrdered && o.Status != StatusShipped {
		return nil, ErrInvalidTransition
	}

	if s.releaser == nil {
		return nil, errors.New("escrow releaser not configured")
	}
	if err := s.releaser.Release(ctx, o.EscrowID); err != nil {
		return nil, fmt.Errorf("failed to release escrow: %w", err)
	}

	return s.store.Get(ctx, id)
}

// SetStatus transitions an order on behalf of the escrow or dispute layer.
// Terminal orders reject further transitions.
func (s *Service) SetStatus(ctx context.Context, id string, status Status) error {
	o, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if o.IsTerminal() {
		return ErrInvalidTransition
	}

	now := time.Now()
	o.Status = status
	if status == StatusCompleted || status == StatusRefunded {
		o.ResolvedAt = &now
	}
	o.UpdatedAt = now
	return s.store.Update(ctx, o)
}

// MarkCompleted flips an order to completed after its escrow released.
func (s *Service) MarkCompleted(ctx context.Context, id string) error {
	return s.SetStatus(ctx, id, StatusCompleted)
}

// MarkRefunded flips an order to refunded after its escrow refunded.
func (s *Service) MarkRefunded(ctx context.Context, id string) error {
	return s.SetStatus(ctx, id, StatusRefunded)
}

// MarkDisputed flips an order to disputed when a dispute opens.
func (s *Service) MarkDisputed(ctx context.Context, id string) error {
	return s.SetStatus(ctx, id, StatusDisputed)
}

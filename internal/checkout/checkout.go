// Package checkout turns a cart of listings into held escrows and orders.
//
// Flow:
//  1. Buyer opens a session with a set of listing quantities
//  2. Session prices the cart at current listing prices and adds the fee
//  3. Buyer pays within the TTL → stock reserved, funds moved, one escrow
//     and one order created per seller
//  4. Unpaid sessions expire and never touch stock or funds
//
// The marketplace fee is charged on top of the cart total: a 1000 sat cart
// at a 1% fee debits the buyer 1010 sats. Prices are frozen when the
// session is created, so a seller repricing mid-checkout cannot change
// what the buyer pays.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/veilmarket/veilmarket/internal/escrow"
	"github.com/veilmarket/veilmarket/internal/idgen"
	"github.com/veilmarket/veilmarket/internal/listing"
	"github.com/veilmarket/veilmarket/internal/metrics"
	"github.com/veilmarket/veilmarket/internal/order"
	"github.com/veilmarket/veilmarket/internal/syncutil"
	"github.com/veilmarket/veilmarket/internal/traces"
	"github.com/veilmarket/veilmarket/internal/wallet"
)

var (
	ErrCheckoutNotFound = errors.New("checkout session not found")
	ErrCheckoutExpired  = errors.New("checkout session expired")
	ErrInvalidState     = errors.New("invalid checkout session state")
	ErrUnauthorized     = errors.New("not authorized for this checkout session")
	ErrEmptyCart        = errors.New("cart is empty")
	ErrOwnListing       = errors.New("cannot buy your own listing")
)

// Status represents the state of a checkout session.
type Status string

const (
	StatusPending   Status = "pending"
	StatusPaid      Status = "paid"
	StatusExpired   Status = "expired"
	StatusCancelled Status = "cancelled"
)

// Item is one priced cart line. Price and seller are captured at session
// creation time.
type Item struct {
	ListingID  string `json:"listingId"`
	SellerNpub string `json:"sellerNpub"`
	Title      string `json:"title"`
	Quantity   int    `json:"quantity"`
	PriceSats  int64  `json:"priceSats"` // unit price
	// EncryptedShipping is an opaque blob the buyer encrypted to the
	// seller's key. The core never reads it.
	EncryptedShipping string `json:"encryptedShipping,omitempty"`
}

// Session represents a checkout in progress.
type Session struct {
	ID        string     `json:"id"`
	BuyerNpub string     `json:"buyerNpub"`
	Items     []Item     `json:"items"`
	TotalSats int64      `json:"totalSats"`
	FeeSats   int64      `json:"feeSats"`
	Status    Status     `json:"status"`
	ExpiresAt time.Time  `json:"expiresAt"`
	PaidAt    *time.Time `json:"paidAt,omitempty"`
	OrderIDs  []string   `json:"orderIds,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

// GrandTotalSats is what the buyer is debited: cart total plus fee.
func (s *Session) GrandTotalSats() int64 {
	return s.TotalSats + s.FeeSats
}

// Store persists checkout sessions.
type Store interface {
	Create(ctx context.Context, s *Session) error
	Get(ctx context.Context, id string) (*Session, error)
	Update(ctx context.Context, s *Session) error
	// ListExpired returns pending sessions whose TTL passed.
	ListExpired(ctx context.Context, before time.Time, limit int) ([]*Session, error)
}

// Catalog is the listing surface checkout needs.
type Catalog interface {
	Get(ctx context.Context, id string) (*listing.Listing, error)
	ReserveStock(ctx context.Context, id string, qty int) error
	RestoreStock(ctx context.Context, id string, qty int) error
}

// Payments settles the buyer's debit into the fee and escrow pool.
type Payments interface {
	CanSpend(ctx context.Context, npub string, amountSats int64) (bool, error)
	HoldPayment(ctx context.Context, buyerNpub string, totalSats, feeSats int64, reference string) error
}

// EscrowOpener creates held escrows for paid sessions.
type EscrowOpener interface {
	Hold(ctx context.Context, params escrow.HoldParams) (*escrow.Escrow, error)
	BindOrder(ctx context.Context, escrowID, orderID string) error
}

// OrderCreator records the per-seller orders of a paid session.
type OrderCreator interface {
	Create(ctx context.Context, params order.CreateParams) (*order.Order, error)
}

// Config carries the settlement knobs the engine needs.
type Config struct {
	FeePercent   int64
	TTL          time.Duration
	HoldWindow   time.Duration
	DisputeGrace time.Duration
}

// ItemRequest is one requested cart line.
type ItemRequest struct {
	ListingID         string `json:"listingId" binding:"required"`
	Quantity          int    `json:"quantity" binding:"required"`
	EncryptedShipping string `json:"encryptedShipping"`
}

// Service implements the checkout engine.
type Service struct {
	store    Store
	catalog  Catalog
	payments Payments
	escrows  EscrowOpener
	orders   OrderCreator
	cfg      Config
	locks    syncutil.ShardedMutex // per-session ID, serializes pay/cancel/expire
}

// NewService creates a new checkout service.
func NewService(store Store, catalog Catalog, payments Payments, escrows EscrowOpener, orders OrderCreator, cfg Config) *Service {
	return &Service{
		store:    store,
		catalog:  catalog,
		payments: payments,
		escrows:  escrows,
		orders:   orders,
		cfg:      cfg,
	}
}

// Fee computes the marketplace fee for a cart total, charged on top.
func (s *Service) Fee(totalSats int64) int64 {
	return totalSats * s.cfg.FeePercent / 100
}

// Create opens a checkout session, pricing each line at the current
// listing price. Stock is checked but not reserved until payment.
func (s *Service) Create(ctx context.Context, buyerNpub string, items []ItemRequest) (*Session, error) {
	if len(items) == 0 {
		return nil, ErrEmptyCart
	}

	now := time.Now()
	session := &Session{
		ID:        idgen.WithPrefix("chk_"),
		BuyerNpub: buyerNpub,
		Status:    StatusPending,
		ExpiresAt: now.Add(s.cfg.TTL),
		CreatedAt: now,
		UpdatedAt: now,
	}

	seen := make(map[string]bool)
	for _, req := range items {
		if req.Quantity <= 0 {
			return nil, fmt.Errorf("quantity for %s must be positive", req.ListingID)
		}
		if seen[req.ListingID] {
			return nil, fmt.Errorf("duplicate listing %s in cart", req.ListingID)
		}
		seen[req.ListingID] = true

		l, err := s.catalog.Get(ctx, req.ListingID)
		if err != nil {
			return nil, err
		}
		if l.Status != listing.StatusActive {
			return nil, listing.ErrItemUnavailable
		}
		if l.Stock < req.Quantity {
			return nil, listing.ErrOutOfStock
		}
		if l.SellerNpub == buyerNpub {
			return nil, ErrOwnListing
		}

		session.Items = append(session.Items, Item{
			ListingID:         l.ID,
			SellerNpub:        l.SellerNpub,
			Title:             l.Title,
			Quantity:          req.Quantity,
			PriceSats:         l.PriceSats,
			EncryptedShipping: req.EncryptedShipping,
		})
		session.TotalSats += l.PriceSats * int64(req.Quantity)
	}
	session.FeeSats = s.Fee(session.TotalSats)

	if err := s.store.Create(ctx, session); err != nil {
		return nil, err
	}

	metrics.CheckoutsTotal.WithLabelValues("created").Inc()
	return session, nil
}

// Get returns a session, visible only to its buyer.
func (s *Service) Get(ctx context.Context, id, callerNpub string) (*Session, error) {
	session, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if session.BuyerNpub != callerNpub {
		return nil, ErrCheckoutNotFound
	}
	return session, nil
}

// Pay settles a pending session: reserves stock, moves the buyer's funds
// into the fee account and escrow pool, and creates one escrow and order
// per seller. Paying an already-paid session is a no-op returning the
// session, so a retried request cannot double-charge.
func (s *Service) Pay(ctx context.Context, id, callerNpub string) (*Session, error) {
	ctx, span := traces.StartSpan(ctx, "checkout.Pay",
		traces.CheckoutID(id), traces.Npub(callerNpub))
	defer span.End()

	unlock := s.locks.Lock(id)
	defer unlock()

	session, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if session.BuyerNpub != callerNpub {
		return nil, ErrCheckoutNotFound
	}

	if session.Status == StatusPaid {
		return session, nil // idempotent
	}
	if session.Status != StatusPending {
		return nil, ErrInvalidState
	}
	if time.Now().After(session.ExpiresAt) {
		s.markExpired(ctx, session)
		return nil, ErrCheckoutExpired
	}

	// Affordability check before touching stock, so an underfunded cart
	// never reserves units other buyers could have bought.
	ok, err := s.payments.CanSpend(ctx, session.BuyerNpub, session.GrandTotalSats())
	if err != nil {
		return nil, err
	}
	if !ok {
		metrics.CheckoutsTotal.WithLabelValues("payment_failed").Inc()
		return nil, wallet.ErrInsufficientFunds
	}

	// Reserve stock line by line, restoring on failure so a half-reserved
	// cart never blocks other buyers.
	reserved := make([]Item, 0, len(session.Items))
	for _, item := range session.Items {
		if err := s.catalog.ReserveStock(ctx, item.ListingID, item.Quantity); err != nil {
			s.restoreStock(ctx, reserved)
			return nil, err
		}
		reserved = append(reserved, item)
	}

	if err := s.payments.HoldPayment(ctx, session.BuyerNpub, session.TotalSats, session.FeeSats, session.ID); err != nil {
		s.restoreStock(ctx, reserved)
		metrics.CheckoutsTotal.WithLabelValues("payment_failed").Inc()
		return nil, err
	}

	// Funds are in the pool. From here failures are logged for manual
	// resolution rather than unwound: the buyer paid, so the escrows and
	// orders must come into existence.
	orderIDs, err := s.openSellerEscrows(ctx, session)
	session.OrderIDs = orderIDs
	if err != nil {
		log.Printf("CRITICAL: checkout %s paid %d sats but escrow/order creation failed: %v",
			session.ID, session.GrandTotalSats(), err)
		return nil, fmt.Errorf("payment settled but order creation failed (requires manual resolution): %w", err)
	}

	now := time.Now()
	session.Status = StatusPaid
	session.PaidAt = &now
	session.UpdatedAt = now
	if err := s.store.Update(ctx, session); err != nil {
		// Retry once — funds already moved, we must persist the state change.
		if retryErr := s.store.Update(ctx, session); retryErr != nil {
			log.Printf("CRITICAL: checkout %s settled but status update failed: %v", session.ID, retryErr)
			return nil, fmt.Errorf("failed to update checkout after payment (requires manual resolution): %w", err)
		}
	}

	metrics.CheckoutsTotal.WithLabelValues("paid").Inc()
	return session, nil
}

// openSellerEscrows groups the cart by seller and creates the escrow and
// order pair for each. Returns the order IDs created so far.
func (s *Service) openSellerEscrows(ctx context.Context, session *Session) ([]string, error) {
	type sellerShare struct {
		items    []order.Item
		subtotal int64
	}
	shares := make(map[string]*sellerShare)
	sellerOrder := make([]string, 0) // deterministic creation order
	for _, item := range session.Items {
		share, ok := shares[item.SellerNpub]
		if !ok {
			share = &sellerShare{}
			shares[item.SellerNpub] = share
			sellerOrder = append(sellerOrder, item.SellerNpub)
		}
		share.items = append(share.items, order.Item{
			ListingID:         item.ListingID,
			Title:             item.Title,
			Quantity:          item.Quantity,
			PriceSats:         item.PriceSats,
			EncryptedShipping: item.EncryptedShipping,
		})
		share.subtotal += item.PriceSats * int64(item.Quantity)
	}

	var orderIDs []string
	for _, sellerNpub := range sellerOrder {
		share := shares[sellerNpub]

		esc, err := s.escrows.Hold(ctx, escrow.HoldParams{
			CheckoutID:   session.ID,
			BuyerNpub:    session.BuyerNpub,
			SellerNpub:   sellerNpub,
			AmountSats:   share.subtotal,
			HoldWindow:   s.cfg.HoldWindow,
			DisputeGrace: s.cfg.DisputeGrace,
		})
		if err != nil {
			return orderIDs, fmt.Errorf("hold escrow for seller %s: %w", sellerNpub, err)
		}

		o, err := s.orders.Create(ctx, order.CreateParams{
			CheckoutID:   session.ID,
			EscrowID:     esc.ID,
			BuyerNpub:    session.BuyerNpub,
			SellerNpub:   sellerNpub,
			Items:        share.items,
			SubtotalSats: share.subtotal,
		})
		if err != nil {
			return orderIDs, fmt.Errorf("create order for seller %s: %w", sellerNpub, err)
		}
		orderIDs = append(orderIDs, o.ID)

		if err := s.escrows.BindOrder(ctx, esc.ID, o.ID); err != nil {
			// Escrow works without the back-reference; auto-release just
			// won't flip the order. Log and continue.
			log.Printf("checkout %s: escrow %s not bound to order %s: %v", session.ID, esc.ID, o.ID, err)
		}
	}
	return orderIDs, nil
}

// Cancel abandons a pending session.
func (s *Service) Cancel(ctx context.Context, id, callerNpub string) (*Session, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	session, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if session.BuyerNpub != callerNpub {
		return nil, ErrCheckoutNotFound
	}
	if session.Status != StatusPending {
		return nil, ErrInvalidState
	}

	session.Status = StatusCancelled
	session.UpdatedAt = time.Now()
	if err := s.store.Update(ctx, session); err != nil {
		return nil, err
	}

	metrics.CheckoutsTotal.WithLabelValues("cancelled").Inc()
	return session, nil
}

// SweepExpired marks pending sessions past their TTL as expired.
// Expired sessions hold no stock and no funds, so this is bookkeeping only.
func (s *Service) SweepExpired(ctx context.Context, limit int) (int, error) {
	sessions, err := s.store.ListExpired(ctx, time.Now(), limit)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, session := range sessions {
		unlock := s.locks.Lock(session.ID)
		fresh, err := s.store.Get(ctx, session.ID)
		if err == nil && fresh.Status == StatusPending {
			s.markExpired(ctx, fresh)
			expired++
		}
		unlock()
	}
	return expired, nil
}

func (s *Service) markExpired(ctx context.Context, session *Session) {
	session.Status = StatusExpired
	session.UpdatedAt = time.Now()
	if err := s.store.Update(ctx, session); err != nil {
		log.Printf("checkout %s not marked expired: %v", session.ID, err)
		return
	}
	metrics.CheckoutsTotal.WithLabelValues("expired").Inc()
}

// restoreStock returns reserved units after a failed payment.
func (s *Service) restoreStock(ctx context.Context, reserved []Item) {
	for _, item := range reserved {
		if err := s.catalog.RestoreStock(ctx, item.ListingID, item.Quantity); err != nil {
			log.Printf("CRITICAL: stock for listing %s not restored after failed payment: %v", item.ListingID, err)
		}
	}
}

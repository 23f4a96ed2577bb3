// Package escrow holds settled checkout funds until release.
//
// Flow:
//  1. Checkout paid → one escrow per seller, funds sit in the escrow pool
//  2. Buyer confirms delivery → funds released to the seller
//  3. Buyer disputes in time → escrow frozen until resolution
//  4. Resolution splits the held amount between buyer, seller, and burn
//  5. Hold window passes with no action → sweeper auto-releases to seller
//  6. Seller refunds before resolution → funds returned to the buyer
//
// An escrow only ever moves forward: held → disputed → terminal, or
// held → terminal. Terminal escrows reject every further transition.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/veilmarket/veilmarket/internal/idgen"
	"github.com/veilmarket/veilmarket/internal/metrics"
	"github.com/veilmarket/veilmarket/internal/syncutil"
	"github.com/veilmarket/veilmarket/internal/traces"
)

var (
	ErrEscrowNotFound    = errors.New("escrow not found")
	ErrInvalidTransition = errors.New("invalid escrow status transition")
	ErrAlreadyResolved   = errors.New("escrow already resolved")
	ErrInvalidAmount     = errors.New("invalid amount")
	ErrNotDisputed       = errors.New("escrow is not disputed")
)

// Status represents the state of an escrow.
type Status string

const (
	StatusHeld     Status = "held"     // Funds in the escrow pool
	StatusDisputed Status = "disputed" // Dispute open, auto-release suspended
	StatusReleased Status = "released" // Funds sent to seller
	StatusRefunded Status = "refunded" // Funds returned to buyer
	StatusResolved Status = "resolved" // Dispute closed with a split or burn
)

// Escrow represents held funds for one seller of a paid checkout.
type Escrow struct {
	ID             string     `json:"id"`
	OrderID        string     `json:"orderId"`
	CheckoutID     string     `json:"checkoutId"`
	BuyerNpub      string     `json:"buyerNpub"`
	SellerNpub     string     `json:"sellerNpub"`
	AmountSats     int64      `json:"amountSats"`
	Status         Status     `json:"status"`
	AutoReleaseAt  time.Time  `json:"autoReleaseAt"`
	DisputeUntil   time.Time  `json:"disputeUntil"`
	Resolution     string     `json:"resolution,omitempty"`
	ResolvedBy     string     `json:"resolvedBy,omitempty"`
	ResolvedAt     *time.Time `json:"resolvedAt,omitempty"`
	BuyerPaidSats  int64      `json:"buyerPaidSats,omitempty"`  // refunded share after resolution
	SellerPaidSats int64      `json:"sellerPaidSats,omitempty"` // released share after resolution
	BurnedSats     int64      `json:"burnedSats,omitempty"`     // burned share after resolution
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

// IsTerminal returns true if the escrow is in a final state.
func (e *Escrow) IsTerminal() bool {
	switch e.Status {
	case StatusReleased, StatusRefunded, StatusResolved:
		return true
	}
	return false
}

// Store persists escrow data.
type Store interface {
	Create(ctx context.Context, e *Escrow) error
	Get(ctx context.Context, id string) (*Escrow, error)
	Update(ctx context.Context, e *Escrow) error
	ListByAccount(ctx context.Context, npub string, limit int) ([]*Escrow, error)
	// ListReleasable returns held escrows whose auto-release time passed.
	ListReleasable(ctx context.Context, before time.Time, limit int) ([]*Escrow, error)
}

// LedgerService abstracts wallet moves so escrow doesn't import wallet.
type LedgerService interface {
	ReleaseEscrow(ctx context.Context, sellerNpub string, amountSats int64, reference string) error
	RefundEscrow(ctx context.Context, buyerNpub string, amountSats int64, reference string) error
	BurnEscrow(ctx context.Context, amountSats int64, reference string) error
}

// OrderUpdater reflects escrow outcomes onto the paired order.
type OrderUpdater interface {
	MarkCompleted(ctx context.Context, orderID string) error
	MarkRefunded(ctx context.Context, orderID string) error
	MarkDisputed(ctx context.Context, orderID string) error
}

// Notifier announces escrow transitions to connected clients.
type Notifier interface {
	EscrowResolved(escrowID string, status, resolution string)
}

// Service implements escrow business logic.
type Service struct {
	store  Store
	ledger LedgerService
	orders OrderUpdater
	notify Notifier
	locks  *syncutil.ContextShardedMutex // per-escrow ID, serializes state transitions
}

// NewService creates a new escrow service.
func NewService(store Store, ledger LedgerService) *Service {
	return &Service{store: store, ledger: ledger, locks: syncutil.NewContextShardedMutex()}
}

// WithOrderUpdater wires the order status callback.
func (s *Service) WithOrderUpdater(u OrderUpdater) *Service {
	s.orders = u
	return s
}

// WithNotifier wires the realtime notifier.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notify = n
	return s
}

// HoldParams describes a new escrow. The funds are already in the escrow
// pool (moved there by the checkout payment), so Hold only writes the row.
type HoldParams struct {
	CheckoutID   string
	BuyerNpub    string
	SellerNpub   string
	AmountSats   int64
	HoldWindow   time.Duration
	DisputeGrace time.Duration
}

// Hold creates a new held escrow.
func (s *Service) Hold(ctx context.Context, params HoldParams) (*Escrow, error) {
	if params.AmountSats <= 0 {
		return nil, ErrInvalidAmount
	}

	now := time.Now()
	e := &Escrow{
		ID:            idgen.WithPrefix("esc_"),
		CheckoutID:    params.CheckoutID,
		BuyerNpub:     params.BuyerNpub,
		SellerNpub:    params.SellerNpub,
		AmountSats:    params.AmountSats,
		Status:        StatusHeld,
		AutoReleaseAt: now.Add(params.HoldWindow),
		DisputeUntil:  now.Add(params.DisputeGrace),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.store.Create(ctx, e); err != nil {
		return nil, err
	}

	metrics.EscrowHeldTotal.Inc()
	metrics.EscrowsTotal.WithLabelValues(string(StatusHeld)).Inc()
	return e, nil
}

// BindOrder attaches the order created for this escrow. Called once by the
// checkout engine right after both rows exist.
func (s *Service) BindOrder(ctx context.Context, escrowID, orderID string) error {
	unlock, err := s.locks.LockContext(ctx, escrowID)
	if err != nil {
		return err
	}
	defer unlock()

	e, err := s.store.Get(ctx, escrowID)
	if err != nil {
		return err
	}
	e.OrderID = orderID
	e.UpdatedAt = time.Now()
	return s.store.Update(ctx, e)
}

// Get returns an escrow by ID.
func (s *Service) Get(ctx context.Context, id string) (*Escrow, error) {
	return s.store.Get(ctx, id)
}

// ListByAccount returns escrows involving an account (as buyer or seller).
func (s *Service) ListByAccount(ctx context.Context, npub string, limit int) ([]*Escrow, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByAccount(ctx, npub, limit)
}

// Release moves the full held amount to the seller.
func (s *Service) Release(ctx context.Context, id string) error {
	return s.release(ctx, id, "buyer_confirmed", false)
}

// AutoRelease releases a held escrow whose hold window passed. Called by
// the sweeper; disputed escrows are never auto-released.
func (s *Service) AutoRelease(ctx context.Context, id string) error {
	return s.release(ctx, id, "auto_released", true)
}

func (s *Service) release(ctx context.Context, id, resolution string, auto bool) error {
	ctx, span := traces.StartSpan(ctx, "escrow.release", traces.EscrowID(id))
	defer span.End()

	unlock, err := s.locks.LockContext(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()

	// Re-read from store under lock to prevent stale-state races.
	e, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}

	if e.IsTerminal() {
		return ErrAlreadyResolved
	}
	if e.Status != StatusHeld {
		return ErrInvalidTransition
	}
	if auto && time.Now().Before(e.AutoReleaseAt) {
		return ErrInvalidTransition
	}

	if err := s.ledger.ReleaseEscrow(ctx, e.SellerNpub, e.AmountSats, e.ID); err != nil {
		return fmt.Errorf("failed to release escrow funds: %w", err)
	}

	now := time.Now()
	e.Status = StatusReleased
	e.Resolution = resolution
	e.SellerPaidSats = e.AmountSats
	e.ResolvedAt = &now
	e.UpdatedAt = now

	if err := s.store.Update(ctx, e); err != nil {
		// Retry once — funds already moved, we must persist the state change.
		if retryErr := s.store.Update(ctx, e); retryErr != nil {
			// CRITICAL: funds went to the seller but the escrow row still
			// says held. No safe inverse exists; log for manual resolution.
			log.Printf("CRITICAL: escrow %s released %d sats to %s but status update failed: %v",
				e.ID, e.AmountSats, e.SellerNpub, retryErr)
			return fmt.Errorf("failed to update escrow after release (requires manual resolution): %w", err)
		}
	}

	s.finish(ctx, e)
	if auto {
		metrics.EscrowAutoReleasedTotal.Inc()
	}
	metrics.EscrowReleasedTotal.Inc()
	return nil
}

// MarkDisputed freezes a held escrow while its dispute is open. The buyer
// must act before the dispute window closes.
func (s *Service) MarkDisputed(ctx context.Context, id string) (*Escrow, error) {
	unlock, err := s.locks.LockContext(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if e.Status == StatusDisputed {
		return e, nil // already frozen, nothing to redo
	}
	if e.IsTerminal() {
		return nil, ErrAlreadyResolved
	}
	if e.Status != StatusHeld {
		return nil, ErrInvalidTransition
	}
	if time.Now().After(e.DisputeUntil) {
		return nil, ErrInvalidTransition
	}

	e.Status = StatusDisputed
	e.UpdatedAt = time.Now()
	if err := s.store.Update(ctx, e); err != nil {
		return nil, err
	}

	if s.orders != nil && e.OrderID != "" {
		if err := s.orders.MarkDisputed(ctx, e.OrderID); err != nil {
			log.Printf("escrow %s disputed but order %s not updated: %v", e.ID, e.OrderID, err)
		}
	}

	metrics.EscrowsTotal.WithLabelValues(string(StatusDisputed)).Inc()
	return e, nil
}

// Resolve closes a disputed escrow by splitting the held amount between
// buyer, seller, and burn. The three shares must sum to the held amount.
func (s *Service) Resolve(ctx context.Context, id string, buyerSats, sellerSats, burnSats int64, resolution, resolvedBy string) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Resolve", traces.EscrowID(id))
	defer span.End()

	unlock, err := s.locks.LockContext(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if e.IsTerminal() {
		return nil, ErrAlreadyResolved
	}
	if e.Status != StatusDisputed {
		return nil, ErrNotDisputed
	}
	if buyerSats < 0 || sellerSats < 0 || burnSats < 0 || buyerSats+sellerSats+burnSats != e.AmountSats {
		return nil, ErrInvalidAmount
	}

	// Move the three legs out of the pool in a fixed order. The seller leg
	// fails first or not at all, so an error there leaves the escrow
	// untouched and Resolve can simply be retried. Once any leg has moved,
	// the escrow must land on a terminal row even when a later leg fails:
	// otherwise a retry re-runs the completed legs and pays twice. The
	// persisted shares record what actually moved; the shortfall stays in
	// the pool for manual settlement.
	if sellerSats > 0 {
		if err := s.ledger.ReleaseEscrow(ctx, e.SellerNpub, sellerSats, e.ID); err != nil {
			return nil, fmt.Errorf("failed to release seller share: %w", err)
		}
	}
	if buyerSats > 0 {
		if err := s.ledger.RefundEscrow(ctx, e.BuyerNpub, buyerSats, e.ID); err != nil {
			log.Printf("CRITICAL: escrow %s moved %d of %d sats, buyer refund failed: %v",
				e.ID, sellerSats, e.AmountSats, err)
			s.sealPartial(ctx, e, 0, sellerSats, 0, resolution, resolvedBy)
			return nil, fmt.Errorf("failed to refund buyer share (requires manual resolution): %w", err)
		}
	}
	if burnSats > 0 {
		if err := s.ledger.BurnEscrow(ctx, burnSats, e.ID); err != nil {
			log.Printf("CRITICAL: escrow %s moved %d of %d sats, burn failed: %v",
				e.ID, sellerSats+buyerSats, e.AmountSats, err)
			s.sealPartial(ctx, e, buyerSats, sellerSats, 0, resolution, resolvedBy)
			return nil, fmt.Errorf("failed to burn share (requires manual resolution): %w", err)
		}
	}

	now := time.Now()
	switch {
	case sellerSats == e.AmountSats:
		e.Status = StatusReleased
	case buyerSats == e.AmountSats:
		e.Status = StatusRefunded
	default:
		e.Status = StatusResolved
	}
	e.Resolution = resolution
	e.ResolvedBy = resolvedBy
	e.BuyerPaidSats = buyerSats
	e.SellerPaidSats = sellerSats
	e.BurnedSats = burnSats
	e.ResolvedAt = &now
	e.UpdatedAt = now

	if err := s.store.Update(ctx, e); err != nil {
		if retryErr := s.store.Update(ctx, e); retryErr != nil {
			log.Printf("CRITICAL: escrow %s resolved (%s) but status update failed: %v",
				e.ID, resolution, retryErr)
			return nil, fmt.Errorf("failed to update escrow after resolution (requires manual resolution): %w", err)
		}
	}

	s.finishResolved(ctx, e)
	return e, nil
}

// sealPartial persists a terminal row after a resolution leg failed with
// earlier legs already moved. The shares record what actually reached each
// side. A later Resolve sees the terminal status and returns
// ErrAlreadyResolved instead of moving funds again.
func (s *Service) sealPartial(ctx context.Context, e *Escrow, buyerSats, sellerSats, burnSats int64, resolution, resolvedBy string) {
	now := time.Now()
	e.Status = StatusResolved
	e.Resolution = resolution
	e.ResolvedBy = resolvedBy
	e.BuyerPaidSats = buyerSats
	e.SellerPaidSats = sellerSats
	e.BurnedSats = burnSats
	e.ResolvedAt = &now
	e.UpdatedAt = now
	if err := s.store.Update(ctx, e); err != nil {
		if retryErr := s.store.Update(ctx, e); retryErr != nil {
			log.Printf("CRITICAL: escrow %s partial resolution (%s) not persisted: %v",
				e.ID, resolution, retryErr)
		}
	}
}

// Refund returns the full held amount to the buyer. Valid while the escrow
// is held or disputed, so a seller can back out of a sale without forcing
// the buyer through a dispute.
func (s *Service) Refund(ctx context.Context, id, reason string) error {
	ctx, span := traces.StartSpan(ctx, "escrow.Refund", traces.EscrowID(id))
	defer span.End()

	unlock, err := s.locks.LockContext(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if e.IsTerminal() {
		return ErrAlreadyResolved
	}

	if err := s.ledger.RefundEscrow(ctx, e.BuyerNpub, e.AmountSats, e.ID); err != nil {
		return fmt.Errorf("failed to refund escrow funds: %w", err)
	}

	now := time.Now()
	e.Status = StatusRefunded
	e.Resolution = reason
	e.BuyerPaidSats = e.AmountSats
	e.ResolvedAt = &now
	e.UpdatedAt = now

	if err := s.store.Update(ctx, e); err != nil {
		// Retry once — funds already moved, we must persist the state change.
		if retryErr := s.store.Update(ctx, e); retryErr != nil {
			log.Printf("CRITICAL: escrow %s refunded %d sats to %s but status update failed: %v",
				e.ID, e.AmountSats, e.BuyerNpub, retryErr)
			return fmt.Errorf("failed to update escrow after refund (requires manual resolution): %w", err)
		}
	}

	if s.orders != nil && e.OrderID != "" {
		if err := s.orders.MarkRefunded(ctx, e.OrderID); err != nil {
			log.Printf("escrow %s refunded but order %s not updated: %v", e.ID, e.OrderID, err)
		}
	}
	if s.notify != nil {
		s.notify.EscrowResolved(e.ID, string(e.Status), e.Resolution)
	}
	metrics.EscrowRefundedTotal.Inc()
	metrics.EscrowsTotal.WithLabelValues(string(StatusRefunded)).Inc()
	metrics.EscrowDuration.Observe(e.ResolvedAt.Sub(e.CreatedAt).Seconds())
	return nil
}

// ListReleasable returns held escrows eligible for auto-release.
func (s *Service) ListReleasable(ctx context.Context, before time.Time, limit int) ([]*Escrow, error) {
	return s.store.ListReleasable(ctx, before, limit)
}

// ListReleasableIDs returns just the IDs of escrows eligible for auto-release.
func (s *Service) ListReleasableIDs(ctx context.Context, before time.Time, limit int) ([]string, error) {
	escrows, err := s.store.ListReleasable(ctx, before, limit)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(escrows))
	for _, e := range escrows {
		ids = append(ids, e.ID)
	}
	return ids, nil
}

// finish handles the post-release bookkeeping shared by Release and
// AutoRelease: order status, notification, metrics.
func (s *Service) finish(ctx context.Context, e *Escrow) {
	if s.orders != nil && e.OrderID != "" {
		if err := s.orders.MarkCompleted(ctx, e.OrderID); err != nil {
			log.Printf("escrow %s released but order %s not updated: %v", e.ID, e.OrderID, err)
		}
	}
	if s.notify != nil {
		s.notify.EscrowResolved(e.ID, string(e.Status), e.Resolution)
	}
	metrics.EscrowsTotal.WithLabelValues(string(e.Status)).Inc()
	metrics.EscrowDuration.Observe(e.ResolvedAt.Sub(e.CreatedAt).Seconds())
}

func (s *Service) finishResolved(ctx context.Context, e *Escrow) {
	if s.orders != nil && e.OrderID != "" {
		var err error
		if e.Status == StatusRefunded {
			err = s.orders.MarkRefunded(ctx, e.OrderID)
		} else {
			err = s.orders.MarkCompleted(ctx, e.OrderID)
		}
		if err != nil {
			log.Printf("escrow %s resolved but order %s not updated: %v", e.ID, e.OrderID, err)
		}
	}
	if s.notify != nil {
		s.notify.EscrowResolved(e.ID, string(e.Status), e.Resolution)
	}
	if e.Status == StatusRefunded {
		metrics.EscrowRefundedTotal.Inc()
	}
	metrics.EscrowsTotal.WithLabelValues(string(e.Status)).Inc()
	metrics.EscrowDuration.Observe(e.ResolvedAt.Sub(e.CreatedAt).Seconds())
	metrics.DisputesTotal.WithLabelValues(e.Resolution).Inc()
}

// Package dispute arbitrates contested escrows.
//
// Flow:
//  1. A party opens a dispute on a held escrow within its dispute window
//  2. Both parties attach evidence while the dispute is open
//  3. The marketplace admin resolves: buyer_full, seller_full,
//     split_X_Y, or burn
//  4. Unresolved disputes are warned a week ahead, then auto-resolved
//     with an even split
//
// Resolution is final. The escrow layer enforces that the three shares
// always sum to the held amount, so no resolution can mint or lose sats.
package dispute

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/veilmarket/veilmarket/internal/escrow"
	"github.com/veilmarket/veilmarket/internal/idgen"
	"github.com/veilmarket/veilmarket/internal/logging"
	"github.com/veilmarket/veilmarket/internal/traces"
)

var (
	ErrDisputeNotFound   = errors.New("dispute not found")
	ErrDuplicateDispute  = errors.New("dispute already open for this escrow")
	ErrAlreadyResolved   = errors.New("dispute already resolved")
	ErrNotAuthorized     = errors.New("not authorized for this dispute operation")
	ErrInvalidResolution = errors.New("invalid resolution")
)

// Status represents the state of a dispute.
type Status string

const (
	StatusOpen     Status = "open"
	StatusResolved Status = "resolved"
)

// WarningLead is how far ahead of auto-resolution parties are warned.
const WarningLead = 7 * 24 * time.Hour

// ResolvedBySystem marks auto-resolved disputes.
const ResolvedBySystem = "system"

// EvidenceEntry is one piece of evidence attached by a party.
type EvidenceEntry struct {
	By      string    `json:"by"` // "buyer" or "seller"
	Content string    `json:"content"`
	At      time.Time `json:"at"`
}

// Dispute represents a contested escrow.
type Dispute struct {
	ID            string          `json:"id"`
	EscrowID      string          `json:"escrowId"`
	OrderID       string          `json:"orderId,omitempty"`
	BuyerNpub     string          `json:"buyerNpub"`
	SellerNpub    string          `json:"sellerNpub"`
	AmountSats    int64           `json:"amountSats"`
	InitiatedBy   string          `json:"initiatedBy"` // "buyer" or "seller"
	Reason        string          `json:"reason"`
	Evidence      []EvidenceEntry `json:"evidence,omitempty"`
	Status        Status          `json:"status"`
	Resolution    string          `json:"resolution,omitempty"`
	ResolvedBy    string          `json:"resolvedBy,omitempty"`
	ResolvedAt    *time.Time      `json:"resolvedAt,omitempty"`
	AutoResolveAt time.Time       `json:"autoResolveAt"`
	WarnedAt      *time.Time      `json:"warnedAt,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// Store persists disputes.
type Store interface {
	Create(ctx context.Context, d *Dispute) error
	Get(ctx context.Context, id string) (*Dispute, error)
	GetByEscrow(ctx context.Context, escrowID string) (*Dispute, error)
	Update(ctx context.Context, d *Dispute) error
	ListByAccount(ctx context.Context, npub string, limit int) ([]*Dispute, error)
	// ListAutoResolvable returns open disputes past their auto-resolve time.
	ListAutoResolvable(ctx context.Context, before time.Time, limit int) ([]*Dispute, error)
	// ListUnwarned returns open disputes entering the warning window.
	ListUnwarned(ctx context.Context, warnBefore time.Time, limit int) ([]*Dispute, error)
}

// EscrowResolver is the escrow surface disputes drive.
type EscrowResolver interface {
	Get(ctx context.Context, id string) (*escrow.Escrow, error)
	MarkDisputed(ctx context.Context, id string) (*escrow.Escrow, error)
	Resolve(ctx context.Context, id string, buyerSats, sellerSats, burnSats int64, resolution, resolvedBy string) (*escrow.Escrow, error)
}

// Notifier announces dispute lifecycle events.
type Notifier interface {
	DisputeOpened(disputeID, escrowID string)
	DisputeWarning(disputeID string, autoResolveAt time.Time)
	DisputeResolved(disputeID, resolution string)
}

// Service implements dispute business logic.
type Service struct {
	store   Store
	escrows EscrowResolver
	notify  Notifier
	window  time.Duration // open → auto-resolve
}

// NewService creates a new dispute service.
func NewService(store Store, escrows EscrowResolver, window time.Duration) *Service {
	return &Service{store: store, escrows: escrows, window: window}
}

// WithNotifier wires the realtime notifier.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notify = n
	return s
}

// Open starts a dispute on a held escrow. Either party may open, only
// within the dispute window, and only once per escrow.
func (s *Service) Open(ctx context.Context, escrowID, callerNpub, reason string) (*Dispute, error) {
	e, err := s.escrows.Get(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	var initiatedBy string
	switch callerNpub {
	case e.BuyerNpub:
		initiatedBy = "buyer"
	case e.SellerNpub:
		initiatedBy = "seller"
	default:
		return nil, ErrNotAuthorized
	}

	if existing, err := s.store.GetByEscrow(ctx, escrowID); err == nil && existing != nil {
		return nil, ErrDuplicateDispute
	}

	// MarkDisputed enforces held status and the dispute window, and
	// suspends auto-release.
	e, err = s.escrows.MarkDisputed(ctx, escrowID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	d := &Dispute{
		ID:            idgen.WithPrefix("dsp_"),
		EscrowID:      e.ID,
		OrderID:       e.OrderID,
		BuyerNpub:     e.BuyerNpub,
		SellerNpub:    e.SellerNpub,
		AmountSats:    e.AmountSats,
		InitiatedBy:   initiatedBy,
		Reason:        reason,
		Status:        StatusOpen,
		AutoResolveAt: now.Add(s.window),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.store.Create(ctx, d); err != nil {
		// The escrow is now disputed with no dispute row. The sweeper
		// cannot auto-resolve it, so flag for manual resolution.
		logging.L(ctx).Error("CRITICAL: escrow marked disputed but dispute row not created",
			"escrow_id", escrowID, "error", err)
		return nil, fmt.Errorf("failed to create dispute record (requires manual resolution): %w", err)
	}

	if s.notify != nil {
		s.notify.DisputeOpened(d.ID, d.EscrowID)
	}
	return d, nil
}

// Get returns a dispute, visible to its parties only.
func (s *Service) Get(ctx context.Context, id, callerNpub string, isAdmin bool) (*Dispute, error) {
	d, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !isAdmin && d.BuyerNpub != callerNpub && d.SellerNpub != callerNpub {
		return nil, ErrDisputeNotFound
	}
	return d, nil
}

// ListByAccount returns disputes involving an account.
func (s *Service) ListByAccount(ctx context.Context, npub string, limit int) ([]*Dispute, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByAccount(ctx, npub, limit)
}

// AddEvidence attaches evidence from either party to an open dispute.
func (s *Service) AddEvidence(ctx context.Context, id, callerNpub, content string) (*Dispute, error) {
	d, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	var by string
	switch callerNpub {
	case d.BuyerNpub:
		by = "buyer"
	case d.SellerNpub:
		by = "seller"
	default:
		return nil, ErrNotAuthorized
	}
	if d.Status != StatusOpen {
		return nil, ErrAlreadyResolved
	}

	now := time.Now()
	d.Evidence = append(d.Evidence, EvidenceEntry{By: by, Content: content, At: now})
	d.UpdatedAt = now
	if err := s.store.Update(ctx, d); err != nil {
		return nil, err
	}
	return d, nil
}

// Resolve closes a dispute with an admin verdict. The resolution string
// picks how the held amount splits between buyer, seller, and burn.
func (s *Service) Resolve(ctx context.Context, id, resolution, resolvedBy string) (*Dispute, error) {
	ctx, span := traces.StartSpan(ctx, "dispute.Resolve", traces.DisputeID(id))
	defer span.End()

	d, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.Status != StatusOpen {
		return nil, ErrAlreadyResolved
	}

	buyerSats, sellerSats, burnSats, err := CalculateAmounts(resolution, d.AmountSats)
	if err != nil {
		return nil, err
	}

	return s.applyResolution(ctx, d, buyerSats, sellerSats, burnSats, resolution, resolvedBy)
}

// AutoResolve closes an overdue dispute with an even split, remainder to
// the buyer. Called by the sweeper.
func (s *Service) AutoResolve(ctx context.Context, id string) (*Dispute, error) {
	d, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.Status != StatusOpen {
		return nil, ErrAlreadyResolved
	}
	if time.Now().Before(d.AutoResolveAt) {
		return nil, ErrInvalidResolution
	}

	buyerSats, sellerSats, burnSats, err := CalculateAmounts("split_50_50", d.AmountSats)
	if err != nil {
		return nil, err
	}

	return s.applyResolution(ctx, d, buyerSats, sellerSats, burnSats, "auto_split", ResolvedBySystem)
}

func (s *Service) applyResolution(ctx context.Context, d *Dispute, buyerSats, sellerSats, burnSats int64, resolution, resolvedBy string) (*Dispute, error) {
	if _, err := s.escrows.Resolve(ctx, d.EscrowID, buyerSats, sellerSats, burnSats, resolution, resolvedBy); err != nil {
		if errors.Is(err, escrow.ErrAlreadyResolved) {
			// The escrow was settled out-of-band, e.g. a seller refund while
			// the dispute was open. Close the dispute so the sweeper stops
			// retrying it.
			return s.closeSettled(ctx, d)
		}
		return nil, err
	}

	now := time.Now()
	d.Status = StatusResolved
	d.Resolution = resolution
	d.ResolvedBy = resolvedBy
	d.ResolvedAt = &now
	d.UpdatedAt = now
	if err := s.store.Update(ctx, d); err != nil {
		// Funds are already settled through the escrow. Retry once.
		if retryErr := s.store.Update(ctx, d); retryErr != nil {
			logging.L(ctx).Error("CRITICAL: escrow resolved but dispute row not updated",
				"dispute_id", d.ID, "escrow_id", d.EscrowID, "error", retryErr)
			return nil, fmt.Errorf("failed to update dispute after resolution (requires manual resolution): %w", err)
		}
	}

	if s.notify != nil {
		s.notify.DisputeResolved(d.ID, resolution)
	}
	return d, nil
}

// closeSettled records that a dispute's escrow no longer needs a verdict.
func (s *Service) closeSettled(ctx context.Context, d *Dispute) (*Dispute, error) {
	now := time.Now()
	d.Status = StatusResolved
	d.Resolution = "escrow_settled"
	d.ResolvedBy = ResolvedBySystem
	d.ResolvedAt = &now
	d.UpdatedAt = now
	if err := s.store.Update(ctx, d); err != nil {
		return nil, err
	}
	if s.notify != nil {
		s.notify.DisputeResolved(d.ID, d.Resolution)
	}
	return d, nil
}

// WarnPending notifies parties of disputes entering the warning window.
// Returns how many warnings were issued.
func (s *Service) WarnPending(ctx context.Context, limit int) (int, error) {
	due, err := s.store.ListUnwarned(ctx, time.Now().Add(WarningLead), limit)
	if err != nil {
		return 0, err
	}

	warned := 0
	for _, d := range due {
		now := time.Now()
		d.WarnedAt = &now
		d.UpdatedAt = now
		if err := s.store.Update(ctx, d); err != nil {
			logging.L(ctx).Warn("dispute warning not recorded", "dispute_id", d.ID, "error", err)
			continue
		}
		if s.notify != nil {
			s.notify.DisputeWarning(d.ID, d.AutoResolveAt)
		}
		warned++
	}
	return warned, nil
}

// ListAutoResolvable returns open disputes past their deadline.
func (s *Service) ListAutoResolvable(ctx context.Context, before time.Time, limit int) ([]*Dispute, error) {
	return s.store.ListAutoResolvable(ctx, before, limit)
}

// ListAutoResolvableIDs returns just the IDs of disputes past their deadline.
func (s *Service) ListAutoResolvableIDs(ctx context.Context, before time.Time, limit int) ([]string, error) {
	disputes, err := s.store.ListAutoResolvable(ctx, before, limit)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(disputes))
	for _, d := range disputes {
		ids = append(ids, d.ID)
	}
	return ids, nil
}

// CalculateAmounts maps a resolution string onto the three shares of the
// held amount. Supported: buyer_full, seller_full, burn, and split_X_Y
// where X and Y are percentages summing to 100 (X to the buyer). Integer
// remainders go to the buyer.
func CalculateAmounts(resolution string, totalSats int64) (buyerSats, sellerSats, burnSats int64, err error) {
	switch resolution {
	case "buyer_full":
		return totalSats, 0, 0, nil
	case "seller_full":
		return 0, totalSats, 0, nil
	case "burn":
		return 0, 0, totalSats, nil
	}

	if strings.HasPrefix(resolution, "split_") {
		parts := strings.Split(resolution, "_")
		if len(parts) != 3 {
			return 0, 0, 0, ErrInvalidResolution
		}
		x, errX := strconv.ParseInt(parts[1], 10, 64)
		y, errY := strconv.ParseInt(parts[2], 10, 64)
		if errX != nil || errY != nil || x < 0 || y < 0 || x+y != 100 {
			return 0, 0, 0, ErrInvalidResolution
		}
		sellerSats = totalSats * y / 100
		buyerSats = totalSats - sellerSats // buyer takes the remainder
		return buyerSats, sellerSats, 0, nil
	}

	return 0, 0, 0, ErrInvalidResolution
}

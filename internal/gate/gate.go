// Package gate charges a small token fee for browsing the marketplace.
//
// Flow:
//  1. Anonymous client requests a protected path with no session
//  2. Gate responds 402 with the price and accepted token scheme
//  3. Client retries with an X-Cashu header carrying a mint token
//  4. Gate redeems the token into a session balance, sets a cookie
//  5. Each page view debits the balance until it runs dry, then 402 again
//
// The per-view fee makes bulk scraping expensive while keeping buyers
// anonymous: a session is linked to a burned token hash, never to an
// identity. Balances live server-side only; nothing client-declared is
// trusted.
package gate

import (
	"context"
	"errors"
	"time"

	"github.com/veilmarket/veilmarket/internal/idgen"
	"github.com/veilmarket/veilmarket/internal/logging"
	"github.com/veilmarket/veilmarket/internal/metrics"
	"github.com/veilmarket/veilmarket/internal/mint"
	"github.com/veilmarket/veilmarket/internal/syncutil"
)

var (
	ErrSessionNotFound = errors.New("browsing session not found")
	ErrSessionExpired  = errors.New("browsing session expired")
	ErrTokenTooSmall   = errors.New("token value below browsing cost")
	ErrExhausted       = errors.New("browsing balance exhausted")
)

// Session represents a funded browsing window. BalanceSats is drained one
// page view at a time; ExpiresAt slides forward on activity.
type Session struct {
	ID          string    `json:"id"`
	TokenHash   string    `json:"tokenHash"` // hash of the last redeemed token
	BalanceSats int64     `json:"balanceSats"`
	ExpiresAt   time.Time `json:"expiresAt"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Store persists browsing sessions.
type Store interface {
	Create(ctx context.Context, session *Session) error
	Get(ctx context.Context, id string) (*Session, error)
	Update(ctx context.Context, session *Session) error
	DeleteExpired(ctx context.Context, before time.Time) (int, error)
	CountActive(ctx context.Context, now time.Time) (int, error)
}

// FeeRecorder keeps browsing revenue visible in the wallet ledger.
type FeeRecorder interface {
	RecordBrowseFee(ctx context.Context, amountSats int64, tokenHash string) error
}

// Service redeems tokens into browsing balances and meters page views.
type Service struct {
	store    Store
	mint     *mint.Service
	fees     FeeRecorder
	costSats int64
	ttl      time.Duration
	mintURL  string
	pubkey   string
	locks    syncutil.ShardedMutex // per-session ID
}

// NewService creates a new gate service.
func NewService(store Store, m *mint.Service, fees FeeRecorder, costSats int64, ttl time.Duration) *Service {
	return &Service{
		store:    store,
		mint:     m,
		fees:     fees,
		costSats: costSats,
		ttl:      ttl,
	}
}

// WithChallenge sets the mint URL and marketplace pubkey advertised in the
// 402 challenge so clients know where and how to buy a token.
func (s *Service) WithChallenge(mintURL, marketplacePubkey string) *Service {
	s.mintURL = mintURL
	s.pubkey = marketplacePubkey
	return s
}

// CostSats returns the per-page-view browsing fee.
func (s *Service) CostSats() int64 {
	return s.costSats
}

// RedeemForSession burns a token and credits its full value to a browsing
// session. When sessionID names a live session the balance is topped up and
// the expiry refreshed; otherwise a new session is opened. The mint call
// happens before any lock is taken.
func (s *Service) RedeemForSession(ctx context.Context, token, sessionID string) (*Session, error) {
	amount, err := mint.ParseAmount(token)
	if err != nil {
		metrics.TokensRedeemedTotal.WithLabelValues("invalid").Inc()
		return nil, err
	}
	if amount < s.costSats {
		// Too small to fund even one page view. Reject before burning so
		// the client keeps the token.
		metrics.TokensRedeemedTotal.WithLabelValues("too_small").Inc()
		return nil, ErrTokenTooSmall
	}

	amount, hash, err := s.mint.Redeem(ctx, token)
	if err != nil {
		if errors.Is(err, mint.ErrDoubleSpend) {
			metrics.TokensRedeemedTotal.WithLabelValues("double_spend").Inc()
		} else {
			metrics.TokensRedeemedTotal.WithLabelValues("invalid").Inc()
		}
		return nil, err
	}

	session, err := s.creditSession(ctx, sessionID, amount, hash)
	if err != nil {
		return nil, err
	}

	if s.fees != nil {
		if err := s.fees.RecordBrowseFee(ctx, amount, hash); err != nil {
			logging.L(ctx).Warn("browse fee not recorded in ledger", "token_hash", hash, "error", err)
		}
	}

	metrics.TokensRedeemedTotal.WithLabelValues("ok").Inc()
	return session, nil
}

func (s *Service) creditSession(ctx context.Context, sessionID string, amount int64, hash string) (*Session, error) {
	now := time.Now()

	if sessionID != "" {
		unlock := s.locks.Lock(sessionID)
		defer unlock()

		session, err := s.store.Get(ctx, sessionID)
		if err == nil && now.Before(session.ExpiresAt) {
			session.BalanceSats += amount
			session.TokenHash = hash
			session.ExpiresAt = now.Add(s.ttl)
			if err := s.store.Update(ctx, session); err != nil {
				logging.L(ctx).Error("session top-up failed after token redeem", "token_hash", hash, "error", err)
				return nil, err
			}
			return session, nil
		}
		// Unknown or expired session falls through to a fresh one.
	}

	session := &Session{
		ID:          idgen.WithPrefix("sess_"),
		TokenHash:   hash,
		BalanceSats: amount,
		ExpiresAt:   now.Add(s.ttl),
		CreatedAt:   now,
	}
	if err := s.store.Create(ctx, session); err != nil {
		// Token is already burned. The session is the cheap side, so log
		// and fail; the client can retry with a new token.
		logging.L(ctx).Error("session create failed after token redeem", "token_hash", hash, "error", err)
		return nil, err
	}
	return session, nil
}

// DebitPageView charges one page view against the session balance and
// returns the remaining balance. A balance that cannot cover the cost fails
// closed with ErrExhausted; the client must redeem another token.
func (s *Service) DebitPageView(ctx context.Context, sessionID string) (int64, error) {
	unlock := s.locks.Lock(sessionID)
	defer unlock()

	session, err := s.store.Get(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	now := time.Now()
	if now.After(session.ExpiresAt) {
		return 0, ErrSessionExpired
	}
	if session.BalanceSats < s.costSats {
		return session.BalanceSats, ErrExhausted
	}

	session.BalanceSats -= s.costSats
	session.ExpiresAt = now.Add(s.ttl) // inactivity window slides on use
	if err := s.store.Update(ctx, session); err != nil {
		return 0, err
	}

	metrics.PageViewsDebitedTotal.Inc()
	return session.BalanceSats, nil
}

// Validate checks that a session exists and has not expired. It does not
// charge the balance.
func (s *Service) Validate(ctx context.Context, sessionID string) (*Session, error) {
	session, err := s.store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if time.Now().After(session.ExpiresAt) {
		return nil, ErrSessionExpired
	}
	return session, nil
}

// SweepExpired removes expired sessions and refreshes the active gauge.
// Any unspent balance on an expired session is forfeited; the sats were
// already recognized as browse revenue at redemption.
func (s *Service) SweepExpired(ctx context.Context) (int, error) {
	now := time.Now()
	removed, err := s.store.DeleteExpired(ctx, now)
	if err != nil {
		return 0, err
	}
	if active, countErr := s.store.CountActive(ctx, now); countErr == nil {
		metrics.ActiveBrowsingSessions.Set(float64(active))
	}
	return removed, nil
}

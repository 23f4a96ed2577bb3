// Package reconciliation replays the ledger and checks it against stored balances.
//
// Every wallet entry carries the balance it left behind, so the ledger is
// replayable: summing an account's entries must land exactly on its stored
// balance. An account that diverges is frozen with a reason, never
// auto-corrected. A wrong balance is evidence of a bug or tampering, and
// the ledger trail is worth more than a quietly patched number.
package reconciliation

import (
	"context"
	"fmt"
	"time"

	"github.com/veilmarket/veilmarket/internal/logging"
	"github.com/veilmarket/veilmarket/internal/metrics"
	"github.com/veilmarket/veilmarket/internal/wallet"
)

// AccountSource exposes the ledger rows reconciliation replays.
type AccountSource interface {
	ListAccounts(ctx context.Context) ([]*wallet.Account, error)
	EntriesByAccount(ctx context.Context, npub string) ([]*wallet.Transaction, error)
}

// Freezer quarantines an account that failed replay.
type Freezer interface {
	Freeze(ctx context.Context, npub, reason string) error
}

// Mismatch records one account whose replayed balance diverged.
type Mismatch struct {
	Npub         string `json:"npub"`
	StoredSats   int64  `json:"storedSats"`
	ReplayedSats int64  `json:"replayedSats"`
	DiffSats     int64  `json:"diffSats"`
}

// Result holds the outcome of one reconciliation pass.
type Result struct {
	AccountsChecked int         `json:"accountsChecked"`
	Mismatches      []Mismatch  `json:"mismatches"`
	FrozenTotal     int         `json:"frozenTotal"`
	RanAt           time.Time   `json:"ranAt"`
	Duration        string      `json:"duration"`
}

// Service replays wallet ledgers against stored balances.
type Service struct {
	source  AccountSource
	freezer Freezer
}

// NewService creates a reconciliation service.
func NewService(source AccountSource, freezer Freezer) *Service {
	return &Service{source: source, freezer: freezer}
}

// Run replays every account's ledger and freezes any that diverge.
func (s *Service) Run(ctx context.Context) (*Result, error) {
	start := time.Now()
	defer func() { reconcileDuration.Observe(time.Since(start).Seconds()) }()

	accounts, err := s.source.ListAccounts(ctx)
	if err != nil {
		reconcileErrors.Inc()
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}

	result := &Result{RanAt: start}
	frozen := 0
	for _, acct := range accounts {
		if acct.Frozen {
			frozen++
		}

		entries, err := s.source.EntriesByAccount(ctx, acct.Npub)
		if err != nil {
			reconcileErrors.Inc()
			logging.L(ctx).Warn("failed to load ledger entries", "npub", acct.Npub, "error", err)
			continue
		}
		result.AccountsChecked++

		replayed := wallet.Replay(entries)
		if replayed == acct.BalanceSats {
			continue
		}

		m := Mismatch{
			Npub:         acct.Npub,
			StoredSats:   acct.BalanceSats,
			ReplayedSats: replayed,
			DiffSats:     acct.BalanceSats - replayed,
		}
		result.Mismatches = append(result.Mismatches, m)
		logging.L(ctx).Error("ledger replay mismatch",
			"npub", acct.Npub, "stored_sats", m.StoredSats, "replayed_sats", m.ReplayedSats)

		if acct.Frozen {
			continue // already quarantined
		}
		reason := fmt.Sprintf("ledger replay mismatch: stored=%d replayed=%d", m.StoredSats, m.ReplayedSats)
		if err := s.freezer.Freeze(ctx, acct.Npub, reason); err != nil {
			reconcileErrors.Inc()
			logging.L(ctx).Error("failed to freeze diverged account", "npub", acct.Npub, "error", err)
			continue
		}
		frozen++
	}

	result.FrozenTotal = frozen
	result.Duration = time.Since(start).String()
	reconcileMismatches.Set(float64(len(result.Mismatches)))
	metrics.FrozenAccounts.Set(float64(frozen))
	return result, nil
}

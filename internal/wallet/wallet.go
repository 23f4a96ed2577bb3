// Package wallet tracks account balances as an append-only signed ledger.
//
// Flow:
//  1. Buyer redeems a mint token → balance credited (deposit)
//  2. Buyer pays at checkout → balance debited, fee and escrow pool credited
//  3. Escrow resolves → escrow pool debited, seller/buyer/burn credited
//  4. Account withdraws → balance debited, mint token issued
//
// Every movement writes a wallet_transactions row with the signed amount and
// the resulting balance, so replaying an account's rows reproduces its
// balance exactly. Funds never appear or vanish inside the marketplace:
// internal moves are always a debit on one account and a credit on another,
// with the escrow pool, fee, bond, and burn system accounts absorbing the
// legs that have no user on the other side.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/veilmarket/veilmarket/internal/metrics"
	"github.com/veilmarket/veilmarket/internal/syncutil"
	"github.com/veilmarket/veilmarket/internal/traces"
)

var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrAccountNotFound   = errors.New("account not found")
	ErrAccountFrozen     = errors.New("account frozen")
	ErrInvalidAmount     = errors.New("invalid amount")
)

// Entry types recorded in the ledger.
const (
	EntryDeposit       = "deposit"
	EntryWithdrawal    = "withdrawal"
	EntryPayment       = "payment"
	EntryFee           = "fee"
	EntryBrowseFee     = "browse_fee"
	EntryEscrowHold    = "escrow_hold"
	EntryEscrowRelease = "escrow_release"
	EntryEscrowRefund  = "escrow_refund"
	EntryEscrowBurn    = "escrow_burn"
	EntryBondPost      = "bond_post"
	EntryBondRefund    = "bond_refund"
	EntryBondForfeit   = "bond_forfeit"
)

// System account identities. These hold the counter-leg of every internal
// move so that per-account replay stays conservative. They are not valid
// npubs on purpose: no user request can ever address them.
const (
	EscrowNpub = "sys:escrow"
	FeeNpub    = "sys:fee"
	BurnNpub   = "sys:burn"
	BondNpub   = "sys:bond"
)

// Account represents a balance keyed by npub identity.
type Account struct {
	Npub         string    `json:"npub"`
	BalanceSats  int64     `json:"balanceSats"`
	Frozen       bool      `json:"frozen"`
	FrozenReason string    `json:"frozenReason,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Transaction is a single signed ledger entry.
type Transaction struct {
	ID           string    `json:"id"`
	Npub         string    `json:"npub"`
	Type         string    `json:"type"`
	AmountSats   int64     `json:"amountSats"` // signed: credits positive, debits negative
	BalanceAfter int64     `json:"balanceAfter"`
	Reference    string    `json:"reference,omitempty"` // escrow ID, order ID, token hash, etc.
	Description  string    `json:"description,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Store persists accounts and ledger entries.
//
// Apply is the atomic unit of the ledger: it must load the account, check
// the frozen flag and resulting balance, update the balance, and insert the
// transaction row as one indivisible operation.
type Store interface {
	GetAccount(ctx context.Context, npub string) (*Account, error)
	CreateAccount(ctx context.Context, npub string) (*Account, error)
	Apply(ctx context.Context, npub, entryType string, amountSats int64, reference, description string) (*Transaction, error)
	SetFrozen(ctx context.Context, npub string, frozen bool, reason string) error
	History(ctx context.Context, npub string, limit int) ([]*Transaction, error)
	EntriesByAccount(ctx context.Context, npub string) ([]*Transaction, error)
	ListAccounts(ctx context.Context) ([]*Account, error)
}

// Service manages account balances and internal fund moves.
type Service struct {
	store Store
	locks syncutil.ShardedMutex // per-npub, serializes multi-leg moves
}

// NewService creates a new wallet service.
func NewService(store Store) *Service {
	return &Service{store: store}
}

// Bootstrap ensures the system accounts exist. Call once at startup.
func (s *Service) Bootstrap(ctx context.Context) error {
	for _, npub := range []string{EscrowNpub, FeeNpub, BurnNpub, BondNpub} {
		if _, err := s.EnsureAccount(ctx, npub); err != nil {
			return fmt.Errorf("bootstrap system account %s: %w", npub, err)
		}
	}
	return nil
}

// EnsureAccount returns the account for npub, creating it if missing.
func (s *Service) EnsureAccount(ctx context.Context, npub string) (*Account, error) {
	acct, err := s.store.GetAccount(ctx, npub)
	if errors.Is(err, ErrAccountNotFound) {
		return s.store.CreateAccount(ctx, npub)
	}
	return acct, err
}

// Balance returns the current account state.
func (s *Service) Balance(ctx context.Context, npub string) (*Account, error) {
	return s.store.GetAccount(ctx, npub)
}

// History returns the most recent ledger entries for an account.
func (s *Service) History(ctx context.Context, npub string, limit int) ([]*Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.History(ctx, npub, limit)
}

// Deposit credits an account after a mint token has been redeemed.
// The token hash is stored as the reference so the entry traces back to
// the redeemed token.
func (s *Service) Deposit(ctx context.Context, npub string, amountSats int64, tokenHash string) (*Transaction, error) {
	if amountSats <= 0 {
		return nil, ErrInvalidAmount
	}
	if _, err := s.EnsureAccount(ctx, npub); err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(npub)
	defer unlock()

	txn, err := s.store.Apply(ctx, npub, EntryDeposit, amountSats, tokenHash, "mint token deposit")
	if err != nil {
		return nil, err
	}
	metrics.LedgerEntriesTotal.WithLabelValues(EntryDeposit).Inc()
	return txn, nil
}

// Withdraw debits an account ahead of issuing a mint token for the amount.
// If token issuance later fails, the caller must compensate with Credit.
func (s *Service) Withdraw(ctx context.Context, npub string, amountSats int64, reference string) (*Transaction, error) {
	if amountSats <= 0 {
		return nil, ErrInvalidAmount
	}

	unlock := s.locks.Lock(npub)
	defer unlock()

	txn, err := s.store.Apply(ctx, npub, EntryWithdrawal, -amountSats, reference, "withdrawal")
	if err != nil {
		return nil, err
	}
	metrics.LedgerEntriesTotal.WithLabelValues(EntryWithdrawal).Inc()
	return txn, nil
}

// Credit applies a raw credit entry. Used for compensation when a
// multi-step operation fails after a debit already landed.
func (s *Service) Credit(ctx context.Context, npub, entryType string, amountSats int64, reference, description string) error {
	if amountSats <= 0 {
		return ErrInvalidAmount
	}

	unlock := s.locks.Lock(npub)
	defer unlock()

	if _, err := s.store.Apply(ctx, npub, entryType, amountSats, reference, description); err != nil {
		return err
	}
	metrics.LedgerEntriesTotal.WithLabelValues(entryType).Inc()
	return nil
}

// CanSpend reports whether an account can cover a debit of amountSats.
// Frozen accounts return ErrAccountFrozen so callers can tell a blocked
// account from a short one.
func (s *Service) CanSpend(ctx context.Context, npub string, amountSats int64) (bool, error) {
	acct, err := s.store.GetAccount(ctx, npub)
	if err != nil {
		return false, err
	}
	if acct.Frozen {
		return false, ErrAccountFrozen
	}
	return acct.BalanceSats >= amountSats, nil
}

// Freeze marks an account frozen so further debits are rejected.
// Credits still land, so in-flight refunds and releases can settle.
func (s *Service) Freeze(ctx context.Context, npub, reason string) error {
	return s.store.SetFrozen(ctx, npub, true, reason)
}

// Unfreeze clears the frozen flag.
func (s *Service) Unfreeze(ctx context.Context, npub string) error {
	return s.store.SetFrozen(ctx, npub, false, "")
}

// move debits one account and credits another as a pair of ledger entries.
// The debit lands first; if the credit then fails, the debit is compensated.
// Lock ordering is by npub string to avoid deadlock between concurrent
// moves on the same pair.
func (s *Service) move(ctx context.Context, fromNpub, debitType, toNpub, creditType string, amountSats int64, reference, description string) error {
	ctx, span := traces.StartSpan(ctx, "wallet.move",
		traces.Npub(fromNpub), traces.AmountSats(amountSats))
	defer span.End()

	if amountSats <= 0 {
		return ErrInvalidAmount
	}
	if fromNpub == toNpub {
		return fmt.Errorf("cannot move funds from %s to itself", fromNpub)
	}

	first, second := fromNpub, toNpub
	if second < first {
		first, second = second, first
	}
	unlockFirst := s.locks.Lock(first)
	defer unlockFirst()
	if first != second {
		unlockSecond := s.locks.Lock(second)
		defer unlockSecond()
	}

	if _, err := s.store.Apply(ctx, fromNpub, debitType, -amountSats, reference, description); err != nil {
		return err
	}
	if _, err := s.store.Apply(ctx, toNpub, creditType, amountSats, reference, description); err != nil {
		// Compensate the debit. If that also fails the ledger is short a
		// credit leg and needs manual resolution.
		if _, compErr := s.store.Apply(ctx, fromNpub, creditType, amountSats, reference, "compensation: "+description); compErr != nil {
			log.Printf("CRITICAL: move %s debited %d sats from %s but credit to %s and compensation both failed: %v / %v",
				reference, amountSats, fromNpub, toNpub, err, compErr)
			return fmt.Errorf("move failed after debit (requires manual resolution): %w", err)
		}
		return err
	}

	metrics.LedgerEntriesTotal.WithLabelValues(debitType).Inc()
	metrics.LedgerEntriesTotal.WithLabelValues(creditType).Inc()
	return nil
}

// HoldPayment settles a paid checkout: the buyer is debited the order total
// plus the marketplace fee, the fee account is credited the fee, and the
// escrow pool is credited the total. The fee is charged on top of the order
// total, not taken out of it.
func (s *Service) HoldPayment(ctx context.Context, buyerNpub string, totalSats, feeSats int64, reference string) error {
	if totalSats <= 0 || feeSats < 0 {
		return ErrInvalidAmount
	}

	if err := s.move(ctx, buyerNpub, EntryPayment, EscrowNpub, EntryEscrowHold, totalSats, reference, "checkout payment"); err != nil {
		return err
	}
	if feeSats > 0 {
		if err := s.move(ctx, buyerNpub, EntryPayment, FeeNpub, EntryFee, feeSats, reference, "marketplace fee"); err != nil {
			// Unwind the escrow leg so a fee failure leaves the buyer whole.
			if compErr := s.move(ctx, EscrowNpub, EntryEscrowRefund, buyerNpub, EntryEscrowRefund, totalSats, reference, "compensation: fee debit failed"); compErr != nil {
				log.Printf("CRITICAL: payment %s held %d sats in escrow but fee debit and unwind both failed: %v / %v",
					reference, totalSats, err, compErr)
			}
			return err
		}
	}
	return nil
}

// ReleaseEscrow moves held funds from the escrow pool to a seller.
func (s *Service) ReleaseEscrow(ctx context.Context, sellerNpub string, amountSats int64, reference string) error {
	if _, err := s.EnsureAccount(ctx, sellerNpub); err != nil {
		return err
	}
	return s.move(ctx, EscrowNpub, EntryEscrowRelease, sellerNpub, EntryEscrowRelease, amountSats, reference, "escrow release")
}

// RefundEscrow moves held funds from the escrow pool back to a buyer.
func (s *Service) RefundEscrow(ctx context.Context, buyerNpub string, amountSats int64, reference string) error {
	return s.move(ctx, EscrowNpub, EntryEscrowRefund, buyerNpub, EntryEscrowRefund, amountSats, reference, "escrow refund")
}

// BurnEscrow moves held funds from the escrow pool to the burn account,
// permanently removing them from circulation.
func (s *Service) BurnEscrow(ctx context.Context, amountSats int64, reference string) error {
	return s.move(ctx, EscrowNpub, EntryEscrowBurn, BurnNpub, EntryEscrowBurn, amountSats, reference, "escrow burn")
}

// PostBond moves a seller bond into the bond pool.
func (s *Service) PostBond(ctx context.Context, sellerNpub string, amountSats int64, reference string) error {
	return s.move(ctx, sellerNpub, EntryBondPost, BondNpub, EntryBondPost, amountSats, reference, "seller bond")
}

// RefundBond returns a posted bond to the seller.
func (s *Service) RefundBond(ctx context.Context, sellerNpub string, amountSats int64, reference string) error {
	return s.move(ctx, BondNpub, EntryBondRefund, sellerNpub, EntryBondRefund, amountSats, reference, "bond refund")
}

// ForfeitBond moves a posted bond from the bond pool to the burn account.
func (s *Service) ForfeitBond(ctx context.Context, amountSats int64, reference string) error {
	return s.move(ctx, BondNpub, EntryBondForfeit, BurnNpub, EntryBondForfeit, amountSats, reference, "bond forfeit")
}

// RecordBrowseFee credits the fee account for a burned browsing token.
// The token itself was settled at the gate; this keeps the fee revenue
// visible in the ledger.
func (s *Service) RecordBrowseFee(ctx context.Context, amountSats int64, tokenHash string) error {
	return s.Credit(ctx, FeeNpub, EntryBrowseFee, amountSats, tokenHash, "browsing fee")
}

// Replay recomputes an account balance from its ledger entries.
func Replay(entries []*Transaction) int64 {
	var balance int64
	for _, e := range entries {
		balance += e.AmountSats
	}
	return balance
}

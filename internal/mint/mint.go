// Package mint provides a mock Cashu mint for issuing and redeeming
// bearer tokens denominated in sats.
//
// Tokens are opaque strings of the form "cashuA{amount}_{nonce}". A real
// deployment would verify blind signatures against the mint's keyset; here
// the token encodes its own amount and the service only enforces
// single-spend by recording the SHA-256 hash of every redeemed token.
package mint

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/veilmarket/veilmarket/internal/idgen"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrDoubleSpend  = errors.New("token already spent")
)

const tokenPrefix = "cashuA"

// Store records spent token hashes.
type Store interface {
	// MarkSpent records a token hash as spent. Returns ErrDoubleSpend if
	// the hash was already recorded.
	MarkSpent(ctx context.Context, hash string, amountSats int64) error
	IsSpent(ctx context.Context, hash string) (bool, error)
}

// Service issues and redeems mint tokens.
type Service struct {
	store Store
}

// NewService creates a new mint service.
func NewService(store Store) *Service {
	return &Service{store: store}
}

// Issue creates a fresh token worth amountSats.
func (s *Service) Issue(ctx context.Context, amountSats int64) (string, error) {
	if amountSats <= 0 {
		return "", ErrInvalidToken
	}
	return fmt.Sprintf("%s%d_%s", tokenPrefix, amountSats, idgen.Hex(16)), nil
}

// Redeem validates a token, marks it spent, and returns its value and hash.
// A second redemption of the same token returns ErrDoubleSpend.
func (s *Service) Redeem(ctx context.Context, token string) (amountSats int64, hash string, err error) {
	amountSats, err = ParseAmount(token)
	if err != nil {
		return 0, "", err
	}

	hash = Hash(token)
	if err := s.store.MarkSpent(ctx, hash, amountSats); err != nil {
		return 0, "", err
	}
	return amountSats, hash, nil
}

// ParseAmount extracts the sat value encoded in a token without spending it.
func ParseAmount(token string) (int64, error) {
	if !strings.HasPrefix(token, tokenPrefix) {
		return 0, ErrInvalidToken
	}
	body := strings.TrimPrefix(token, tokenPrefix)
	idx := strings.IndexByte(body, '_')
	if idx <= 0 {
		return 0, ErrInvalidToken
	}
	amount, err := strconv.ParseInt(body[:idx], 10, 64)
	if err != nil || amount <= 0 {
		return 0, ErrInvalidToken
	}
	return amount, nil
}

// Hash returns the hex SHA-256 of a token. Only hashes are persisted, so
// the spent-token table never holds redeemable bearer strings.
func Hash(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

package gate

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/veilmarket/veilmarket/internal/mint"
)

const (
	// TokenHeader carries the mint token that pays the browsing fee.
	TokenHeader = "X-Cashu"
	// SessionCookie names the cookie holding the browsing session ID.
	SessionCookie = "browse_session"
	// BalanceHeader reports the remaining browsing balance after a debit.
	BalanceHeader = "X-Browsing-Balance"
)

// Middleware returns a gin middleware enforcing the per-page browsing fee.
// Paths matching any of freePrefixes pass through unpaid. Every other
// request must debit one page view from a funded session; a token in the
// X-Cashu header funds (or tops up) the session first.
func (s *Service) Middleware(freePrefixes []string) gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.Request.URL.Path
		for _, prefix := range freePrefixes {
			if strings.HasPrefix(path, prefix) {
				c.Next()
				return
			}
		}

		sessionID, _ := c.Cookie(SessionCookie)

		// A presented token is redeemed first so a drained session can be
		// topped up in the same request that uses it.
		if token := c.GetHeader(TokenHeader); token != "" {
			session, err := s.RedeemForSession(c.Request.Context(), token, sessionID)
			if err != nil {
				s.rejectToken(c, err)
				return
			}
			sessionID = session.ID
			maxAge := int(session.ExpiresAt.Sub(session.CreatedAt).Seconds())
			c.SetCookie(SessionCookie, session.ID, maxAge, "/", "", false, true)
		}

		if sessionID == "" {
			s.demandPayment(c, "payment_required", "browsing requires a mint token")
			return
		}

		remaining, err := s.DebitPageView(c.Request.Context(), sessionID)
		if err != nil {
			switch {
			case errors.Is(err, ErrExhausted):
				s.demandPayment(c, "balance_exhausted", "browsing balance is spent, redeem another token")
			case errors.Is(err, ErrSessionExpired), errors.Is(err, ErrSessionNotFound):
				s.demandPayment(c, "payment_required", "browsing session is no longer valid")
			default:
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"error": "internal_error", "message": err.Error(),
				})
			}
			return
		}

		c.Header(BalanceHeader, strconv.FormatInt(remaining, 10))
		c.Next()
	}
}

func (s *Service) rejectToken(c *gin.Context, err error) {
	switch {
	case errors.Is(err, mint.ErrDoubleSpend):
		s.demandPayment(c, "token_spent", "token has already been spent")
	case errors.Is(err, ErrTokenTooSmall):
		s.demandPayment(c, "token_too_small", "token value is below the browsing cost")
	case errors.Is(err, mint.ErrInvalidToken):
		s.demandPayment(c, "invalid_token", "token could not be parsed")
	default:
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error": "internal_error", "message": err.Error(),
		})
	}
}

// demandPayment writes the 402 challenge describing how to pay.
func (s *Service) demandPayment(c *gin.Context, code, message string) {
	c.Header("X-Browsing-Fee", strconv.FormatInt(s.costSats, 10))
	if s.mintURL != "" {
		c.Header("X-Mint-URL", s.mintURL)
	}
	if s.pubkey != "" {
		c.Header("X-Marketplace-Pubkey", s.pubkey)
	}
	c.AbortWithStatusJSON(http.StatusPaymentRequired, gin.H{
		"error":     code,
		"message":   message,
		"costSats":  s.costSats,
		"payVia":    TokenHeader + " header",
		"tokenHint": "cashuA<amount>_<nonce>",
	})
}

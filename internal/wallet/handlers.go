package wallet

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/veilmarket/veilmarket/internal/logging"
	"github.com/veilmarket/veilmarket/internal/mint"
)

// Handler provides HTTP endpoints for wallet operations.
type Handler struct {
	service *Service
	mint    *mint.Service
}

// NewHandler creates a new wallet handler.
func NewHandler(service *Service, m *mint.Service) *Handler {
	return &Handler{service: service, mint: m}
}

// RegisterRoutes sets up authenticated wallet routes. Callers may only act
// on their own wallet; the auth middleware puts the verified identity in
// authNpub and these handlers ignore any npub in the path or body.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/wallet", h.GetBalance)
	r.GET("/wallet/history", h.GetHistory)
	r.POST("/wallet/deposit", h.Deposit)
	r.POST("/wallet/withdraw", h.Withdraw)
}

// GetBalance handles GET /v1/wallet
func (h *Handler) GetBalance(c *gin.Context) {
	npub := c.GetString("authNpub")

	acct, err := h.service.Balance(c.Request.Context(), npub)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			// A wallet with no history is an empty wallet, not an error.
			c.JSON(http.StatusOK, gin.H{"npub": npub, "balanceSats": 0, "frozen": false})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, acct)
}

// GetHistory handles GET /v1/wallet/history
func (h *Handler) GetHistory(c *gin.Context) {
	npub := c.GetString("authNpub")
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	entries, err := h.service.History(c.Request.Context(), npub, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"transactions": entries,
		"count":        len(entries),
	})
}

// DepositRequest carries the mint token to redeem into the wallet.
type DepositRequest struct {
	Token string `json:"token" binding:"required"`
}

// Deposit handles POST /v1/wallet/deposit
func (h *Handler) Deposit(c *gin.Context) {
	npub := c.GetString("authNpub")

	var req DepositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "token is required",
		})
		return
	}

	amount, hash, err := h.mint.Redeem(c.Request.Context(), req.Token)
	if err != nil {
		status := http.StatusBadRequest
		code := "invalid_token"
		if errors.Is(err, mint.ErrDoubleSpend) {
			status = http.StatusConflict
			code = "token_spent"
		}
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}

	txn, err := h.service.Deposit(c.Request.Context(), npub, amount, hash)
	if err != nil {
		// Token is spent but the credit failed. The hash traces which
		// deposit needs manual settlement.
		logging.L(c.Request.Context()).Error("deposit credit failed after token redeem",
			"npub", npub, "token_hash", hash, "amount_sats", amount, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "deposit_failed", "message": "deposit could not be credited"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"transaction": txn})
}

// WithdrawRequest carries the amount to withdraw as a fresh mint token.
type WithdrawRequest struct {
	AmountSats int64 `json:"amountSats" binding:"required"`
}

// Withdraw handles POST /v1/wallet/withdraw
func (h *Handler) Withdraw(c *gin.Context) {
	npub := c.GetString("authNpub")

	var req WithdrawRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "amountSats is required",
		})
		return
	}

	txn, err := h.service.Withdraw(c.Request.Context(), npub, req.AmountSats, "")
	if err != nil {
		status := http.StatusInternalServerError
		code := "internal_error"
		switch {
		case errors.Is(err, ErrInsufficientFunds):
			status = http.StatusPaymentRequired
			code = "insufficient_funds"
		case errors.Is(err, ErrAccountFrozen):
			status = http.StatusForbidden
			code = "account_frozen"
		case errors.Is(err, ErrAccountNotFound):
			status = http.StatusNotFound
			code = "not_found"
		case errors.Is(err, ErrInvalidAmount):
			status = http.StatusBadRequest
			code = "invalid_amount"
		}
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}

	token, err := h.mint.Issue(c.Request.Context(), req.AmountSats)
	if err != nil {
		// Compensate the debit so the failed issuance doesn't strand funds.
		if compErr := h.service.Credit(c.Request.Context(), npub, EntryDeposit, req.AmountSats, txn.ID, "compensation: token issue failed"); compErr != nil {
			logging.L(c.Request.Context()).Error("CRITICAL: withdrawal debited but token issue and compensation failed",
				"npub", npub, "amount_sats", req.AmountSats, "txn", txn.ID, "error", compErr)
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "withdraw_failed", "message": "token issuance failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"token":       token,
		"transaction": txn,
	})
}

package checkout

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/veilmarket/veilmarket/internal/listing"
	"github.com/veilmarket/veilmarket/internal/wallet"
)

// Handler provides HTTP endpoints for checkout operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new checkout handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterProtectedRoutes sets up authenticated checkout routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/checkout", h.CreateSession)
	r.GET("/checkout/:id", h.GetSession)
	r.POST("/checkout/:id/pay", h.PaySession)
	r.POST("/checkout/:id/cancel", h.CancelSession)
}

// CreateSessionRequest carries the cart lines.
type CreateSessionRequest struct {
	Items []ItemRequest `json:"items" binding:"required"`
}

// CreateSession handles POST /v1/checkout
func (h *Handler) CreateSession(c *gin.Context) {
	var req CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "items are required",
		})
		return
	}

	buyerNpub := c.GetString("authNpub")
	session, err := h.service.Create(c.Request.Context(), buyerNpub, req.Items)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"checkout": session})
}

// GetSession handles GET /v1/checkout/:id
func (h *Handler) GetSession(c *gin.Context) {
	session, err := h.service.Get(c.Request.Context(), c.Param("id"), c.GetString("authNpub"))
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"checkout": session})
}

// PaySession handles POST /v1/checkout/:id/pay
func (h *Handler) PaySession(c *gin.Context) {
	session, err := h.service.Pay(c.Request.Context(), c.Param("id"), c.GetString("authNpub"))
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"checkout": session})
}

// CancelSession handles POST /v1/checkout/:id/cancel
func (h *Handler) CancelSession(c *gin.Context) {
	session, err := h.service.Cancel(c.Request.Context(), c.Param("id"), c.GetString("authNpub"))
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"checkout": session})
}

func (h *Handler) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, ErrCheckoutNotFound), errors.Is(err, listing.ErrListingNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, ErrCheckoutExpired):
		status = http.StatusGone
		code = "checkout_expired"
	case errors.Is(err, ErrInvalidState):
		status = http.StatusConflict
		code = "invalid_state"
	case errors.Is(err, ErrEmptyCart), errors.Is(err, ErrOwnListing):
		status = http.StatusBadRequest
		code = "invalid_request"
	case errors.Is(err, listing.ErrItemUnavailable):
		status = http.StatusConflict
		code = "item_unavailable"
	case errors.Is(err, listing.ErrOutOfStock):
		status = http.StatusConflict
		code = "out_of_stock"
	case errors.Is(err, wallet.ErrInsufficientFunds):
		status = http.StatusPaymentRequired
		code = "insufficient_funds"
	case errors.Is(err, wallet.ErrAccountFrozen):
		status = http.StatusForbidden
		code = "account_frozen"
	case errors.Is(err, wallet.ErrAccountNotFound):
		status = http.StatusPaymentRequired
		code = "insufficient_funds"
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}

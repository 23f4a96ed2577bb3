package escrow

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for escrow state. Most transitions happen
// through checkout, order, and dispute flows; the one direct transition is
// the seller-initiated refund.
type Handler struct {
	service *Service
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterProtectedRoutes sets up authenticated escrow routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/escrows/:id", h.GetEscrow)
	r.GET("/escrows", h.ListEscrows)
	r.POST("/escrows/:id/refund", h.RefundEscrow)
}

// GetEscrow handles GET /v1/escrows/:id
func (h *Handler) GetEscrow(c *gin.Context) {
	callerNpub := c.GetString("authNpub")

	e, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrEscrowNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Escrow not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}

	// Escrows are only visible to their buyer and seller.
	if e.BuyerNpub != callerNpub && e.SellerNpub != callerNpub {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Escrow not found"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

// ListEscrows handles GET /v1/escrows
func (h *Handler) ListEscrows(c *gin.Context) {
	callerNpub := c.GetString("authNpub")
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	escrows, err := h.service.ListByAccount(c.Request.Context(), callerNpub, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"escrows": escrows,
		"count":   len(escrows),
	})
}

// RefundEscrow handles POST /v1/escrows/:id/refund
// The seller gives the held amount back to the buyer, before or during a
// dispute.
func (h *Handler) RefundEscrow(c *gin.Context) {
	callerNpub := c.GetString("authNpub")

	e, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrEscrowNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Escrow not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	if e.BuyerNpub != callerNpub && e.SellerNpub != callerNpub {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Escrow not found"})
		return
	}
	if e.SellerNpub != callerNpub {
		c.JSON(http.StatusForbidden, gin.H{"error": "unauthorized", "message": "only the seller can refund an escrow"})
		return
	}

	if err := h.service.Refund(c.Request.Context(), e.ID, "seller_refunded"); err != nil {
		status := http.StatusInternalServerError
		code := "internal_error"
		if errors.Is(err, ErrAlreadyResolved) {
			status = http.StatusConflict
			code = "already_resolved"
		}
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}

	refunded, err := h.service.Get(c.Request.Context(), e.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": refunded})
}

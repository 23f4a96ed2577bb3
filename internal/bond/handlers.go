package bond

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/veilmarket/veilmarket/internal/wallet"
)

// Handler provides HTTP endpoints for bond operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new bond handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterProtectedRoutes sets up authenticated bond routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/bonds", h.PostBond)
	r.GET("/bonds", h.ListBonds)
	r.POST("/bonds/:id/refund", h.RefundBond)
}

// RegisterAdminRoutes sets up admin-only bond routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/bonds/:id/forfeit", h.ForfeitBond)
}

// PostRequest names the category to stake for.
type PostRequest struct {
	Category string `json:"category" binding:"required"`
}

// PostBond handles POST /v1/bonds
func (h *Handler) PostBond(c *gin.Context) {
	var req PostRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "category is required",
		})
		return
	}

	b, err := h.service.Post(c.Request.Context(), c.GetString("authNpub"), req.Category)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"bond": b})
}

// ListBonds handles GET /v1/bonds
func (h *Handler) ListBonds(c *gin.Context) {
	bonds, err := h.service.ListBySeller(c.Request.Context(), c.GetString("authNpub"), 100)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"bonds": bonds,
		"count": len(bonds),
	})
}

// RefundBond handles POST /v1/bonds/:id/refund
func (h *Handler) RefundBond(c *gin.Context) {
	b, err := h.service.Refund(c.Request.Context(), c.Param("id"), c.GetString("authNpub"))
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"bond": b})
}

// ForfeitBond handles POST /v1/admin/bonds/:id/forfeit
func (h *Handler) ForfeitBond(c *gin.Context) {
	b, err := h.service.Forfeit(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"bond": b})
}

func (h *Handler) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, ErrBondNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, ErrNotBondHolder):
		status = http.StatusForbidden
		code = "unauthorized"
	case errors.Is(err, ErrBondExists):
		status = http.StatusConflict
		code = "bond_exists"
	case errors.Is(err, ErrBondNotActive):
		status = http.StatusConflict
		code = "invalid_state"
	case errors.Is(err, ErrListingsStillActive):
		status = http.StatusConflict
		code = "listings_active"
	case errors.Is(err, wallet.ErrInsufficientFunds), errors.Is(err, wallet.ErrAccountNotFound):
		status = http.StatusPaymentRequired
		code = "insufficient_funds"
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}

package order

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for order operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new order handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterProtectedRoutes sets up authenticated order routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/orders/:id", h.GetOrder)
	r.GET("/orders", h.ListOrders)
	r.POST("/orders/:id/ship", h.MarkShipped)
	r.POST("/orders/:id/confirm", h.ConfirmDelivery)
}

// GetOrder handles GET /v1/orders/:id
func (h *Handler) GetOrder(c *gin.Context) {
	callerNpub := c.GetString("authNpub")

	o, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrOrderNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Order not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}

	// Orders are only visible to their buyer and seller.
	if o.BuyerNpub != callerNpub && o.SellerNpub != callerNpub {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Order not found"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"order": o})
}

// ListOrders handles GET /v1/orders?role=buyer|seller
func (h *Handler) ListOrders(c *gin.Context) {
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

	var orders []*Order
	var err error
	if c.DefaultQuery("role", "buyer") == "seller" {
		orders, err = h.service.ListBySeller(c.Request.Context(), callerNpub, limit)
	} else {
		orders, err = h.service.ListByBuyer(c.Request.Context(), callerNpub, limit)
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"orders": orders,
		"count":  len(orders),
	})
}

// MarkShipped handles POST /v1/orders/:id/ship
func (h *Handler) MarkShipped(c *gin.Context) {
	id := c.Param("id")
	callerNpub := c.GetString("authNpub")

	var req struct {
		Tracking string `json:"tracking"`
	}
	_ = c.ShouldBindJSON(&req) // body is optional

	o, err := h.service.MarkShipped(c.Request.Context(), id, callerNpub, req.Tracking)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"order": o})
}

// ConfirmDelivery handles POST /v1/orders/:id/confirm
func (h *Handler) ConfirmDelivery(c *gin.Context) {
	id := c.Param("id")
	callerNpub := c.GetString("authNpub")

	o, err := h.service.ConfirmDelivery(c.Request.Context(), id, callerNpub)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"order": o})
}

func (h *Handler) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, ErrOrderNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, ErrUnauthorized):
		status = http.StatusForbidden
		code = "unauthorized"
	case errors.Is(err, ErrInvalidTransition):
		status = http.StatusConflict
		code = "invalid_state"
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}

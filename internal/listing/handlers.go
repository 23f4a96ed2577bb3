package listing

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/veilmarket/veilmarket/internal/validation"
)

// Handler provides HTTP endpoints for listing operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new listing handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up public (browse) listing routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/listings", h.ListListings)
	r.GET("/listings/:id", h.GetListing)
}

// RegisterProtectedRoutes sets up seller listing routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/listings", h.CreateListing)
	r.GET("/seller/listings", h.ListOwnListings)
	r.POST("/listings/:id/pause", h.PauseListing)
	r.POST("/listings/:id/activate", h.ActivateListing)
	r.POST("/listings/:id/delist", h.DelistListing)
}

// CreateListing handles POST /v1/listings
func (h *Handler) CreateListing(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "title, category, priceSats, and stock are required",
		})
		return
	}

	if errs := validation.Validate(
		validation.Required("title", req.Title),
		validation.MaxLength("title", req.Title, 200),
		validation.MaxLength("description", req.Description, validation.MaxStringLength),
		validation.PositiveSats("priceSats", req.PriceSats),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	sellerNpub := c.GetString("authNpub")
	l, err := h.service.Create(c.Request.Context(), sellerNpub, req)
	if err != nil {
		if errors.Is(err, ErrBondRequired) {
			c.JSON(http.StatusForbidden, gin.H{"error": "bond_required", "message": err.Error()})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "listing_failed", "message": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"listing": l})
}

// GetListing handles GET /v1/listings/:id
func (h *Handler) GetListing(c *gin.Context) {
	l, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrListingNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Listing not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"listing": l})
}

// ListListings handles GET /v1/listings
func (h *Handler) ListListings(c *gin.Context) {
	limit := 50
	offset := 0
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}
	if o := c.Query("offset"); o != "" {
		if parsed, err := strconv.Atoi(o); err == nil && parsed > 0 {
			offset = parsed
		}
	}

	listings, err := h.service.ListActive(c.Request.Context(), limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"listings": listings,
		"count":    len(listings),
	})
}

// ListOwnListings handles GET /v1/seller/listings
func (h *Handler) ListOwnListings(c *gin.Context) {
	sellerNpub := c.GetString("authNpub")

	listings, err := h.service.ListBySeller(c.Request.Context(), sellerNpub, 200)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"listings": listings,
		"count":    len(listings),
	})
}

// PauseListing handles POST /v1/listings/:id/pause
func (h *Handler) PauseListing(c *gin.Context) {
	h.setStatus(c, StatusPaused)
}

// ActivateListing handles POST /v1/listings/:id/activate
func (h *Handler) ActivateListing(c *gin.Context) {
	h.setStatus(c, StatusActive)
}

// DelistListing handles POST /v1/listings/:id/delist
func (h *Handler) DelistListing(c *gin.Context) {
	h.setStatus(c, StatusDelisted)
}

func (h *Handler) setStatus(c *gin.Context, status Status) {
	id := c.Param("id")
	callerNpub := c.GetString("authNpub")

	l, err := h.service.SetStatus(c.Request.Context(), id, callerNpub, status)
	if err != nil {
		httpStatus := http.StatusInternalServerError
		code := "internal_error"
		switch {
		case errors.Is(err, ErrListingNotFound):
			httpStatus = http.StatusNotFound
			code = "not_found"
		case errors.Is(err, ErrNotSeller):
			httpStatus = http.StatusForbidden
			code = "unauthorized"
		case errors.Is(err, ErrItemUnavailable):
			httpStatus = http.StatusConflict
			code = "invalid_state"
		}
		c.JSON(httpStatus, gin.H{"error": code, "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"listing": l})
}

package dispute

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/veilmarket/veilmarket/internal/escrow"
	"github.com/veilmarket/veilmarket/internal/validation"
)

// Handler provides HTTP endpoints for dispute operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new dispute handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterProtectedRoutes sets up authenticated dispute routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/disputes", h.OpenDispute)
	r.GET("/disputes", h.ListDisputes)
	r.GET("/disputes/:id", h.GetDispute)
	r.POST("/disputes/:id/evidence", h.AddEvidence)
}

// RegisterAdminRoutes sets up admin-only dispute routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/disputes/:id/resolve", h.ResolveDispute)
}

// OpenRequest contains the parameters for opening a dispute.
type OpenRequest struct {
	EscrowID string `json:"escrowId" binding:"required"`
	Reason   string `json:"reason" binding:"required"`
}

// OpenDispute handles POST /v1/disputes
func (h *Handler) OpenDispute(c *gin.Context) {
	var req OpenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "escrowId and reason are required",
		})
		return
	}

	if errs := validation.Validate(
		validation.MaxLength("reason", req.Reason, validation.MaxStringLength),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
		})
		return
	}

	d, err := h.service.Open(c.Request.Context(), req.EscrowID, c.GetString("authNpub"), req.Reason)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"dispute": d})
}

// GetDispute handles GET /v1/disputes/:id
func (h *Handler) GetDispute(c *gin.Context) {
	d, err := h.service.Get(c.Request.Context(), c.Param("id"), c.GetString("authNpub"), c.GetBool("isAdmin"))
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// ListDisputes handles GET /v1/disputes
func (h *Handler) ListDisputes(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	disputes, err := h.service.ListByAccount(c.Request.Context(), c.GetString("authNpub"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"disputes": disputes,
		"count":    len(disputes),
	})
}

// EvidenceRequest contains one evidence submission.
type EvidenceRequest struct {
	Content string `json:"content" binding:"required"`
}

// AddEvidence handles POST /v1/disputes/:id/evidence
func (h *Handler) AddEvidence(c *gin.Context) {
	var req EvidenceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "content is required",
		})
		return
	}

	d, err := h.service.AddEvidence(c.Request.Context(), c.Param("id"), c.GetString("authNpub"),
		validation.SanitizeString(req.Content, validation.MaxStringLength))
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// ResolveRequest contains the admin verdict.
type ResolveRequest struct {
	Resolution string `json:"resolution" binding:"required"`
}

// ResolveDispute handles POST /v1/admin/disputes/:id/resolve
func (h *Handler) ResolveDispute(c *gin.Context) {
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "resolution is required (buyer_full, seller_full, split_X_Y, or burn)",
		})
		return
	}

	d, err := h.service.Resolve(c.Request.Context(), c.Param("id"), req.Resolution, c.GetString("authNpub"))
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

func (h *Handler) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, ErrDisputeNotFound), errors.Is(err, escrow.ErrEscrowNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, ErrNotAuthorized):
		status = http.StatusForbidden
		code = "unauthorized"
	case errors.Is(err, ErrDuplicateDispute):
		status = http.StatusConflict
		code = "duplicate_dispute"
	case errors.Is(err, ErrAlreadyResolved), errors.Is(err, escrow.ErrAlreadyResolved):
		status = http.StatusConflict
		code = "already_resolved"
	case errors.Is(err, escrow.ErrInvalidTransition):
		status = http.StatusConflict
		code = "invalid_state"
	case errors.Is(err, ErrInvalidResolution):
		status = http.StatusBadRequest
		code = "invalid_resolution"
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}

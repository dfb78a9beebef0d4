package reconcile

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler provides admin HTTP endpoints for reconciliation.
type Handler struct {
	service *Service
}

// NewHandler creates a new reconcile handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterAdminRoutes sets up admin-only reconciliation routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/reconcile/escrow/:id", h.ReconcilePayer)
}

// ReconcilePayer handles POST /v1/reconcile/escrow/:id — an on-demand
// escrow recomputation for one payer.
func (h *Handler) ReconcilePayer(c *gin.Context) {
	report, err := h.service.ReconcileEscrow(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"report": report})
}

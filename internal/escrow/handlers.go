package escrow

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/gigstack/paycore/internal/ledger"
	"github.com/gigstack/paycore/internal/metrics"
)

// Handler provides HTTP endpoints for milestone releases.
type Handler struct {
	service *Service
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up escrow routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/milestones/release", h.ReleaseMilestone)
	r.GET("/users/:id/releases", h.ListReleases)
}

// ReleaseMilestone handles POST /v1/milestones/release — the
// MilestoneApproved event endpoint.
func (h *Handler) ReleaseMilestone(c *gin.Context) {
	var req ReleaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "payerId, earnerId, projectRef and amount are required",
		})
		return
	}

	rel, err := h.service.ReleaseMilestone(c.Request.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrInvalidAmount):
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_amount",
				"message": "amount must be greater than zero",
			})
		case errors.Is(err, ErrSameUser):
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "payer and earner must differ",
			})
		case errors.Is(err, ledger.ErrEscrowShortfall):
			// Integrity fault: the caller approved more than is held.
			metrics.IntegrityFaultsTotal.WithLabelValues("escrow_shortfall").Inc()
			c.JSON(http.StatusConflict, gin.H{
				"error":   "escrow_shortfall",
				"message": "release amount exceeds funds held in escrow",
			})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "internal_error",
				"message": err.Error(),
			})
		}
		return
	}

	metrics.MilestoneReleasesTotal.WithLabelValues("released").Inc()
	c.JSON(http.StatusOK, gin.H{"release": rel})
}

// ListReleases handles GET /v1/users/:id/releases
func (h *Handler) ListReleases(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	releases, err := h.service.ListReleases(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"releases": releases, "count": len(releases)})
}

package payments

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/gigstack/paycore/internal/fees"
	"github.com/gigstack/paycore/internal/metrics"
	"github.com/gigstack/paycore/internal/validation"
)

// Handler provides HTTP endpoints for payment captures.
type Handler struct {
	service *Service
}

// NewHandler creates a new payments handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up payment routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/payments", h.CreateIntent)
	r.GET("/payments/:id", h.GetPayment)
	r.GET("/users/:id/payments", h.ListByPayer)
	r.POST("/payments/events", h.InboundEvent)
}

// CreateIntent handles POST /v1/payments
func (h *Handler) CreateIntent(c *gin.Context) {
	var req CreateIntentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "payerId, projectRef and amount are required",
		})
		return
	}

	if err := validation.ValidUserID(req.PayerID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_user_id",
			"message": err.Error(),
		})
		return
	}

	p, err := h.service.CreateIntent(c.Request.Context(), req)
	if err != nil {
		if errors.Is(err, fees.ErrInvalidAmount) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_amount",
				"message": "amount must be greater than zero",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to create payment",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"payment": p})
}

// GetPayment handles GET /v1/payments/:id
func (h *Handler) GetPayment(c *gin.Context) {
	p, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrPaymentNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "payment_not_found",
				"message": "Payment not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"payment": p})
}

// ListByPayer handles GET /v1/users/:id/payments
func (h *Handler) ListByPayer(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	list, err := h.service.ListByPayer(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"payments": list, "count": len(list)})
}

// InboundEvent handles POST /v1/payments/events — the processor's
// capture confirmation callback. Duplicate deliveries return 200 with
// the already-confirmed payment.
func (h *Handler) InboundEvent(c *gin.Context) {
	var ev InboundConfirmation
	if err := c.ShouldBindJSON(&ev); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "paymentId and status are required",
		})
		return
	}

	if ev.Status != "paid" && ev.Status != "failed" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_status",
			"message": "status must be paid or failed",
		})
		return
	}

	p, err := h.service.ConfirmInbound(c.Request.Context(), ev)
	if err != nil {
		switch {
		case errors.Is(err, ErrPaymentNotFound):
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "payment_not_found",
				"message": "Payment not found",
			})
		case errors.Is(err, ErrNotPending):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "payment_not_pending",
				"message": "Payment is not pending",
			})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "internal_error",
				"message": err.Error(),
			})
		}
		return
	}

	metrics.PaymentsTotal.WithLabelValues(ev.Status).Inc()
	c.JSON(http.StatusOK, gin.H{"payment": p})
}

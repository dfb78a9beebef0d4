package payouts

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/gigstack/paycore/internal/ledger"
	"github.com/gigstack/paycore/internal/metrics"
	"github.com/gigstack/paycore/internal/processor"
	"github.com/gigstack/paycore/internal/validation"
)

// maxWebhookBody bounds the processor callback payload size.
const maxWebhookBody = 64 * 1024

// Handler provides HTTP endpoints for transfers and the processor
// webhook.
type Handler struct {
	service       *Service
	webhookSecret string
}

// NewHandler creates a new payouts handler. An empty webhookSecret
// disables signature verification (development mode only).
func NewHandler(service *Service, webhookSecret string) *Handler {
	return &Handler{service: service, webhookSecret: webhookSecret}
}

// RegisterRoutes sets up transfer routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/users/:id/transfers", h.RequestTransfer)
	r.GET("/users/:id/transfers", h.ListTransfers)
	r.GET("/transfers/:id", h.GetTransfer)
}

// RegisterWebhookRoutes sets up the processor callback endpoint.
// Registered outside the versioned API group: the path is part of the
// processor configuration.
func (h *Handler) RegisterWebhookRoutes(r *gin.Engine) {
	r.POST("/webhooks/processor", h.ProcessorWebhook)
}

// transferRequest is the body of POST /v1/users/:id/transfers.
type transferRequest struct {
	Amount      string `json:"amount"` // optional, defaults to full available
	Destination string `json:"destination" binding:"required"`
}

// RequestTransfer handles POST /v1/users/:id/transfers
func (h *Handler) RequestTransfer(c *gin.Context) {
	userID := c.Param("id")
	if err := validation.ValidUserID(userID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_user_id",
			"message": err.Error(),
		})
		return
	}

	var req transferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "destination is required",
		})
		return
	}

	p, err := h.service.RequestTransfer(c.Request.Context(), TransferRequest{
		UserID:      userID,
		Amount:      req.Amount,
		Destination: req.Destination,
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrNoDestination), errors.Is(err, ErrInvalidAmount):
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": err.Error(),
			})
		case errors.Is(err, ErrNothingAvailable):
			c.JSON(http.StatusUnprocessableEntity, gin.H{
				"error":   "nothing_available",
				"message": "no matured balance available for payout",
			})
		case errors.Is(err, ledger.ErrInsufficientAvailable):
			c.JSON(http.StatusUnprocessableEntity, gin.H{
				"error":   "insufficient_available",
				"message": "requested amount exceeds the available balance",
			})
		case errors.Is(err, ErrCircuitOpen):
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"error":   "transfers_suspended",
				"message": "transfers are temporarily suspended, try again shortly",
			})
		case errors.Is(err, processor.ErrUnavailable):
			c.JSON(http.StatusBadGateway, gin.H{
				"error":   "processor_unavailable",
				"message": "payment processor is unavailable",
			})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "internal_error",
				"message": err.Error(),
			})
		}
		return
	}

	c.JSON(http.StatusCreated, gin.H{"payout": p})
}

// GetTransfer handles GET /v1/transfers/:id
func (h *Handler) GetTransfer(c *gin.Context) {
	p, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrPayoutNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "payout_not_found",
				"message": "Payout not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"payout": p})
}

// ListTransfers handles GET /v1/users/:id/transfers
func (h *Handler) ListTransfers(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	list, err := h.service.ListByUser(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"payouts": list, "count": len(list)})
}

// ProcessorWebhook handles POST /webhooks/processor — the processor's
// transfer lifecycle callback. The processor retries on non-2xx, so
// unknown-transfer faults return 200 after logging: retrying cannot fix
// them.
func (h *Handler) ProcessorWebhook(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "failed to read body",
		})
		return
	}

	var ev *processor.WebhookEvent
	if h.webhookSecret != "" {
		ev, err = processor.VerifyWebhook(body, c.GetHeader("Stripe-Signature"), h.webhookSecret)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error":   "invalid_signature",
				"message": "webhook signature verification failed",
			})
			return
		}
	} else {
		ev = &processor.WebhookEvent{}
		if err := json.Unmarshal(body, ev); err != nil || ev.TransferID == "" {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "malformed webhook payload",
			})
			return
		}
	}

	if err := h.service.HandleTransferEvent(c.Request.Context(), ev); err != nil {
		if errors.Is(err, ErrUnknownTransfer) {
			metrics.IntegrityFaultsTotal.WithLabelValues("unknown_transfer").Inc()
			metrics.TransferWebhooksTotal.WithLabelValues(string(ev.Status), "unknown_transfer").Inc()
			c.JSON(http.StatusOK, gin.H{"received": true, "note": "unknown transfer"})
			return
		}
		metrics.TransferWebhooksTotal.WithLabelValues(string(ev.Status), "error").Inc()
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	metrics.TransferWebhooksTotal.WithLabelValues(string(ev.Status), "ok").Inc()
	c.JSON(http.StatusOK, gin.H{"received": true})
}

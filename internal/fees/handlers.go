package fees

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/gigstack/paycore/internal/idgen"
)

// Handler provides HTTP endpoints for fee configuration and previews.
type Handler struct {
	engine *Engine
	store  Store
}

// NewHandler creates a new fees handler.
func NewHandler(engine *Engine, store Store) *Handler {
	return &Handler{engine: engine, store: store}
}

// RegisterRoutes sets up public fee routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/fees/preview", h.Preview)
}

// RegisterAdminRoutes sets up admin-only fee config routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/fees/configs", h.CreateConfig)
	r.GET("/fees/configs", h.ListConfigs)
}

// CreateConfigRequest contains the parameters for a new fee config row.
type CreateConfigRequest struct {
	BuyerFeeBPS  int64 `json:"buyerFeeBps" binding:"min=0,max=10000"`
	EarnerFeeBPS int64 `json:"earnerFeeBps" binding:"min=0,max=10000"`
}

// CreateConfig handles POST /v1/fees/configs. A rate change always
// creates a new row; existing rows are never mutated.
func (h *Handler) CreateConfig(c *gin.Context) {
	var req CreateConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "buyerFeeBps and earnerFeeBps must be between 0 and 10000",
		})
		return
	}

	cfg := &Config{
		ID:           idgen.WithPrefix("fee_"),
		BuyerFeeBPS:  req.BuyerFeeBPS,
		EarnerFeeBPS: req.EarnerFeeBPS,
		Active:       true,
		CreatedAt:    time.Now(),
	}

	if err := h.store.Create(c.Request.Context(), cfg); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to create fee config",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"config": cfg})
}

// ListConfigs handles GET /v1/fees/configs.
func (h *Handler) ListConfigs(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	configs, err := h.store.List(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"configs": configs, "count": len(configs)})
}

// Preview handles GET /v1/fees/preview?amount=100.00 — a speculative fee
// calculation against the currently active config.
func (h *Handler) Preview(c *gin.Context) {
	amount := c.Query("amount")

	breakdown, err := h.engine.Calculate(c.Request.Context(), amount)
	if err != nil {
		if errors.Is(err, ErrInvalidAmount) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_amount",
				"message": "amount must be greater than zero",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"breakdown": breakdown})
}

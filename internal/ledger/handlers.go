package ledger

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Handler provides read-only HTTP endpoints for balances and holds.
type Handler struct {
	ledger *Ledger
}

// NewHandler creates a new ledger handler.
func NewHandler(ledger *Ledger) *Handler {
	return &Handler{ledger: ledger}
}

// RegisterRoutes sets up public (read-only) ledger routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/users/:id/balance", h.GetBalance)
	r.GET("/users/:id/holds", h.ListHolds)
	r.GET("/ledger/totals", h.Totals)
}

// GetBalance handles GET /v1/users/:id/balance
func (h *Handler) GetBalance(c *gin.Context) {
	bal, err := h.ledger.GetBalance(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"balance": bal})
}

// ListHolds handles GET /v1/users/:id/holds — the payout hold schedule
// with days-until-release per hold.
func (h *Handler) ListHolds(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	entries, err := h.ledger.HoldSchedule(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"holds": entries, "count": len(entries)})
}

// Totals handles GET /v1/ledger/totals — the platform-wide sums used by
// conservation dashboards.
func (h *Handler) Totals(c *gin.Context) {
	totals, err := h.ledger.Store().SumAllBalances(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"totals": totals})
}

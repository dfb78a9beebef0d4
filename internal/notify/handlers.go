package notify

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/gigstack/paycore/internal/idgen"
	"github.com/gigstack/paycore/internal/security"
)

// Handler provides HTTP endpoints for notification subscriptions.
type Handler struct {
	store Store
}

// NewHandler creates a new notify handler.
func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

// RegisterRoutes sets up subscription routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/users/:id/subscriptions", h.CreateSubscription)
	r.GET("/users/:id/subscriptions", h.ListSubscriptions)
	r.DELETE("/subscriptions/:id", h.DeleteSubscription)
}

// createSubscriptionRequest is the body of POST subscriptions.
type createSubscriptionRequest struct {
	URL    string   `json:"url" binding:"required"`
	Secret string   `json:"secret"`
	Events []string `json:"events" binding:"required,min=1"`
}

var validEvents = map[EventType]bool{
	EventPaymentConfirmed:  true,
	EventMilestoneReleased: true,
	EventPayoutPaid:        true,
	EventPayoutFailed:      true,
}

// CreateSubscription handles POST /v1/users/:id/subscriptions
func (h *Handler) CreateSubscription(c *gin.Context) {
	var req createSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "url and at least one event are required",
		})
		return
	}

	if !strings.HasPrefix(req.URL, "https://") && !strings.HasPrefix(req.URL, "http://") {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_url",
			"message": "url must be an http(s) endpoint",
		})
		return
	}
	if err := security.ValidateEndpointURL(req.URL); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_url",
			"message": err.Error(),
		})
		return
	}

	events := make([]EventType, 0, len(req.Events))
	for _, e := range req.Events {
		et := EventType(e)
		if !validEvents[et] {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_event",
				"message": "unknown event type: " + e,
			})
			return
		}
		events = append(events, et)
	}

	sub := &Subscription{
		ID:        idgen.WithPrefix("sub_"),
		UserID:    c.Param("id"),
		URL:       req.URL,
		Secret:    req.Secret,
		Events:    events,
		Active:    true,
		CreatedAt: time.Now(),
	}

	if err := h.store.Create(c.Request.Context(), sub); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to create subscription",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"subscription": sub})
}

// ListSubscriptions handles GET /v1/users/:id/subscriptions
func (h *Handler) ListSubscriptions(c *gin.Context) {
	subs, err := h.store.GetByUser(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"subscriptions": subs, "count": len(subs)})
}

// DeleteSubscription handles DELETE /v1/subscriptions/:id
func (h *Handler) DeleteSubscription(c *gin.Context) {
	id := c.Param("id")

	if _, err := h.store.Get(c.Request.Context(), id); err != nil {
		if errors.Is(err, ErrSubscriptionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "subscription_not_found",
				"message": "Subscription not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	if err := h.store.Delete(c.Request.Context(), id); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

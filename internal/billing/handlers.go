package billing

import (
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/perchplatform/perch/internal/metrics"
)

// maxWebhookBody bounds the accepted webhook payload size.
const maxWebhookBody = 256 << 10

// Handler is the gateway webhook ingress.
type Handler struct {
	reconciler    *Reconciler
	webhookSecret string
	logger        *slog.Logger
}

// NewHandler creates a billing webhook handler.
func NewHandler(reconciler *Reconciler, webhookSecret string, logger *slog.Logger) *Handler {
	return &Handler{
		reconciler:    reconciler,
		webhookSecret: webhookSecret,
		logger:        logger,
	}
}

// RegisterRoutes registers billing endpoints on the router group.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/billing/webhook", h.handleWebhook)
}

// handleWebhook verifies and applies one gateway delivery. An invalid
// signature is rejected before anything is parsed or written.
func (h *Handler) handleWebhook(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_body",
			"message": "failed to read request body",
		})
		return
	}

	// Endpoints are often pinned to an older gateway API version than the
	// SDK; signature verification is what matters here, not the version tag.
	event, err := webhook.ConstructEventWithOptions(payload, c.GetHeader("Stripe-Signature"), h.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		metrics.WebhookEventsTotal.WithLabelValues("invalid_signature").Inc()
		h.logger.Warn("rejected webhook with invalid signature",
			"remoteAddr", c.ClientIP(),
			"error", err,
		)
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_signature",
			"message": "webhook signature verification failed",
		})
		return
	}

	if err := h.reconciler.HandleEvent(c.Request.Context(), event); err != nil {
		h.logger.Error("failed to process gateway event",
			"eventId", event.ID, "type", event.Type, "error", err)
		// Non-2xx makes the gateway redeliver; the event record dedups the retry.
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "processing_failed",
			"message": "event could not be processed",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"received": true})
}

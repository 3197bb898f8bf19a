package handlers

import (
	"context"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/checkout-orchestrator/internal/webhook"
)

type Reconciler interface {
	Handle(ctx context.Context, rawBody []byte, signatureHeader, provider string) (webhook.Outcome, error)
}

type WebhookHandler struct {
	reconciler Reconciler
	// signatureHeaders maps a provider to the header carrying its signature or token.
	signatureHeaders map[string]string
	logger           *zap.Logger
}

func NewWebhookHandler(reconciler Reconciler, signatureHeaders map[string]string, logger *zap.Logger) *WebhookHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebhookHandler{reconciler: reconciler, signatureHeaders: signatureHeaders, logger: logger}
}

// Receive handles POST /webhooks/:provider. It answers 200 only once the event is
// recorded as processed, so the provider keeps retrying everything else.
func (h *WebhookHandler) Receive(c *gin.Context) {
	provider := c.Param("provider")

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		h.logger.Warn("Failed to read webhook body", zap.String("provider", provider), zap.Error(err))
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "could not read request body"})
		return
	}

	header := h.signatureHeaders[provider]
	outcome, err := h.reconciler.Handle(c.Request.Context(), body, c.GetHeader(header), provider)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok", "outcome": outcome})
}

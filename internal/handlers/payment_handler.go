package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/checkout-orchestrator/internal/apperr"
	"github.com/akylbek/payment-system/checkout-orchestrator/internal/interfaces"
	"github.com/akylbek/payment-system/checkout-orchestrator/internal/models"
)

type Refunder interface {
	Refund(ctx context.Context, record *models.PaymentRecord, amountCents *int64, reason string) (*models.PaymentRecord, error)
}

// PaymentHandler is the operator surface: read a payment, refund it.
type PaymentHandler struct {
	store    interfaces.PaymentRecordStore
	refunder Refunder
	logger   *zap.Logger
}

func NewPaymentHandler(store interfaces.PaymentRecordStore, refunder Refunder, logger *zap.Logger) *PaymentHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PaymentHandler{store: store, refunder: refunder, logger: logger}
}

func (h *PaymentHandler) GetPayment(c *gin.Context) {
	record, err := h.store.GetByUUID(c.Request.Context(), c.Param("uuid"))
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, record)
}

type refundRequest struct {
	AmountCents *int64 `json:"amount_cents"`
	Reason      string `json:"reason"`
}

func (h *PaymentHandler) RefundPayment(c *gin.Context) {
	var req refundRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			writeError(c, h.logger, apperr.ValidationErr("invalid refund request", map[string]string{"body": err.Error()}))
			return
		}
	}

	ctx := c.Request.Context()
	record, err := h.store.GetByUUID(ctx, c.Param("uuid"))
	if err != nil {
		writeError(c, h.logger, err)
		return
	}

	refunded, err := h.refunder.Refund(ctx, record, req.AmountCents, req.Reason)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}

	h.logger.Info("Payment refunded",
		zap.String("payment_id", refunded.UUID),
		zap.Int64("refunded_cents", refunded.RefundedCents),
	)
	c.JSON(http.StatusOK, refunded)
}

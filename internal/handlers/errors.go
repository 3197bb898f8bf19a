package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/checkout-orchestrator/internal/apperr"
)

func writeError(c *gin.Context, logger *zap.Logger, err error) {
	status := apperr.HTTPStatus(err)
	_ = c.Error(err)

	ae, ok := apperr.As(err)
	if !ok || status >= http.StatusInternalServerError {
		logger.Error("Request failed", zap.String("path", c.Request.URL.Path), zap.Error(err))
	}
	if !ok || ae.Kind == apperr.Internal {
		c.JSON(status, gin.H{"error": "internal error"})
		return
	}

	body := gin.H{"error": ae.Message, "kind": ae.Kind}
	if ae.Code != "" {
		body["code"] = ae.Code
	}
	if len(ae.Fields) > 0 {
		body["fields"] = ae.Fields
	}
	if ae.Kind == apperr.InsufficientFunds {
		body["required"] = ae.Required
		body["available"] = ae.Available
	}
	c.JSON(status, body)
}

package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/checkout-orchestrator/internal/handlers"
	"github.com/akylbek/payment-system/checkout-orchestrator/internal/middleware"
	"github.com/akylbek/payment-system/checkout-orchestrator/internal/telemetry"
)

const serviceName = "checkout-orchestrator"

type Dependencies struct {
	Webhooks     *handlers.WebhookHandler
	Payments     *handlers.PaymentHandler
	Logger       *zap.Logger
	MaxBodyBytes int64
}

func NewRouter(deps Dependencies) *gin.Engine {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.MaxBodyBytes <= 0 {
		deps.MaxBodyBytes = 1 << 20
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(telemetry.TracingMiddleware())
	r.Use(middleware.RequestID())
	r.Use(middleware.RequestLogger(deps.Logger))

	// Prometheus metrics
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": serviceName})
	})

	webhooks := r.Group("/webhooks", middleware.BodyLimit(deps.MaxBodyBytes))
	{
		webhooks.POST("/:provider", deps.Webhooks.Receive)
	}

	payments := r.Group("/payments")
	{
		payments.GET("/:uuid", deps.Payments.GetPayment)
		payments.POST("/:uuid/refund", middleware.BodyLimit(deps.MaxBodyBytes), deps.Payments.RefundPayment)
	}

	return r
}

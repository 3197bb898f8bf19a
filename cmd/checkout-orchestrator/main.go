package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/checkout-orchestrator/internal/api"
	"github.com/akylbek/payment-system/checkout-orchestrator/internal/app"
	"github.com/akylbek/payment-system/checkout-orchestrator/internal/config"
	"github.com/akylbek/payment-system/checkout-orchestrator/internal/handlers"
	"github.com/akylbek/payment-system/checkout-orchestrator/internal/telemetry"
)

func main() {
	cfg := config.Load()

	// Initialize telemetry
	if err := telemetry.InitTelemetry("checkout-orchestrator"); err != nil {
		panic(fmt.Sprintf("Failed to initialize telemetry: %v", err))
	}
	defer telemetry.Shutdown(context.Background())

	telemetry.Logger.Info("Starting Checkout Orchestrator", zap.String("env", cfg.AppEnv))

	startCtx, cancelStart := context.WithTimeout(context.Background(), 30*time.Second)
	core, err := app.Build(startCtx, cfg, telemetry.Logger)
	cancelStart()
	if err != nil {
		telemetry.Logger.Fatal("Failed to initialize", zap.Error(err))
	}
	defer core.Close()

	if cfg.AppEnv == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := api.NewRouter(api.Dependencies{
		Webhooks:     handlers.NewWebhookHandler(core.Reconciler, core.SignatureHeaders, telemetry.Logger),
		Payments:     handlers.NewPaymentHandler(core.Store, core.Settlement, telemetry.Logger),
		Logger:       telemetry.Logger,
		MaxBodyBytes: cfg.MaxBodyBytes,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		telemetry.Logger.Info("Checkout Orchestrator starting", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			telemetry.Logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// Wait for interrupt signal for graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	telemetry.Logger.Info("Shutting down server...")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		telemetry.Logger.Error("Server forced to shutdown", zap.Error(err))
	}

	telemetry.Logger.Info("Server exited")
}

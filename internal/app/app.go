package app

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/checkout-orchestrator/internal/checkout"
	"github.com/akylbek/payment-system/checkout-orchestrator/internal/config"
	"github.com/akylbek/payment-system/checkout-orchestrator/internal/events"
	"github.com/akylbek/payment-system/checkout-orchestrator/internal/gateway"
	"github.com/akylbek/payment-system/checkout-orchestrator/internal/gateway/asaas"
	"github.com/akylbek/payment-system/checkout-orchestrator/internal/gateway/stripe"
	"github.com/akylbek/payment-system/checkout-orchestrator/internal/idempotency"
	"github.com/akylbek/payment-system/checkout-orchestrator/internal/interfaces"
	"github.com/akylbek/payment-system/checkout-orchestrator/internal/ledger"
	"github.com/akylbek/payment-system/checkout-orchestrator/internal/repository/memory"
	"github.com/akylbek/payment-system/checkout-orchestrator/internal/repository/postgres"
	"github.com/akylbek/payment-system/checkout-orchestrator/internal/settlement"
	"github.com/akylbek/payment-system/checkout-orchestrator/internal/webhook"
)

// App is the fully wired core. Without DATABASE_URL it runs on in-memory storage, without
// REDIS_URL on a process-local lock.
type App struct {
	Store      interfaces.PaymentRecordStore
	Events     interfaces.ProcessedEventStore
	Ledger     interfaces.Ledger
	Registry   *gateway.Registry
	Publisher  interfaces.EventPublisher
	Settlement *settlement.Service
	Reconciler *webhook.Reconciler
	Checkout   *checkout.Orchestrator

	// SignatureHeaders maps provider name to the header its webhooks are signed in.
	SignatureHeaders map[string]string

	closers []func() error
	logger  *zap.Logger
}

func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	a := &App{logger: logger, SignatureHeaders: map[string]string{}}

	if err := a.openStorage(ctx, cfg); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.openPublisher(ctx, cfg); err != nil {
		a.Close()
		return nil, err
	}
	a.buildRegistry(cfg)

	var (
		locker interfaces.KeyLocker = idempotency.NewMemoryLocker()
		cache  interfaces.RecordCache
	)
	if cfg.RedisURL != "" {
		rdb, err := redisClient(cfg.RedisURL)
		if err != nil {
			a.Close()
			return nil, err
		}
		if err := rdb.Ping(ctx).Err(); err != nil {
			a.Close()
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		a.closers = append(a.closers, rdb.Close)
		locker = idempotency.NewRedisLocker(rdb, idempotency.DefaultLockTTL)
		cache = idempotency.NewRedisCache(rdb, idempotency.DefaultCacheTTL, logger)
	} else {
		logger.Warn("REDIS_URL not set, checkout locks are process-local")
	}

	settleOpts := []settlement.Option{settlement.WithDrivers(a.Registry), settlement.WithLocker(locker)}
	if cache != nil {
		settleOpts = append(settleOpts, settlement.WithCache(cache))
	}
	a.Settlement = settlement.NewService(a.Store, a.Ledger, a.Publisher, logger, settleOpts...)
	a.Reconciler = webhook.NewReconciler(a.Registry, a.Events, a.Store, a.Settlement, logger)

	opts := []checkout.Option{checkout.WithLocker(locker)}
	if cache != nil {
		opts = append(opts, checkout.WithCache(cache))
	}
	a.Checkout = checkout.NewOrchestrator(a.Store, a.Ledger, a.Registry, a.Settlement, a.Publisher, logger,
		checkout.Config{DefaultCurrency: cfg.DefaultCurrency}, opts...)
	return a, nil
}

// Close releases connections in reverse order of opening.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("Error while closing resource", zap.Error(err))
		}
	}
	a.closers = nil
}

func (a *App) openStorage(ctx context.Context, cfg *config.Config) error {
	if cfg.DatabaseURL == "" {
		a.logger.Warn("DATABASE_URL not set, using in-memory storage")
		a.Store = memory.NewPaymentRepository()
		a.Events = memory.NewProcessedEventRepository()
		a.Ledger = ledger.NewMemoryLedger()
		return nil
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	a.closers = append(a.closers, db.Close)
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}

	store := postgres.NewPaymentRepository(db)
	processed := postgres.NewProcessedEventRepository(db, cfg.WebhookClaimTTL)
	wallet := ledger.NewPostgresLedger(db, a.logger)
	for _, initDB := range []func(context.Context) error{store.InitDB, processed.InitDB, wallet.InitDB} {
		if err := initDB(ctx); err != nil {
			return fmt.Errorf("initialize database: %w", err)
		}
	}

	a.Store, a.Events, a.Ledger = store, processed, wallet
	return nil
}

func (a *App) openPublisher(ctx context.Context, cfg *config.Config) error {
	switch cfg.EventBus {
	case "kafka":
		if cfg.KafkaBrokers == "" {
			return fmt.Errorf("EVENT_BUS=kafka requires KAFKA_BROKERS")
		}
		w := events.NewKafkaWriter(cfg.KafkaBrokers)
		a.closers = append(a.closers, w.Close)
		a.Publisher = events.NewKafkaPublisher(w)
	case "nats":
		nc, err := nats.Connect(cfg.NATSURL)
		if err != nil {
			return fmt.Errorf("connect to nats: %w", err)
		}
		a.closers = append(a.closers, func() error { return nc.Drain() })
		a.Publisher = events.NewNATSPublisher(nc, "checkout")
	case "sns":
		p, err := events.NewSNSPublisherFromEnv(ctx, cfg.SNSTopicARN)
		if err != nil {
			return err
		}
		a.Publisher = p
	case "log", "":
		a.Publisher = events.NewLogPublisher(a.logger)
	default:
		return fmt.Errorf("unknown EVENT_BUS %q", cfg.EventBus)
	}
	a.logger.Info("Event bus configured", zap.String("event_bus", cfg.EventBus))
	return nil
}

// buildRegistry registers every provider that has credentials. Providers not listed in
// ENABLED_GATEWAYS still receive webhooks and refunds for existing payments.
func (a *App) buildRegistry(cfg *config.Config) {
	a.Registry = gateway.NewRegistry(cfg.DefaultGateway)

	if cfg.AsaasAPIKey != "" || cfg.GatewayEnabled(asaas.Name) {
		a.Registry.Register(gateway.Provider{
			Driver:   asaas.NewDriver(asaas.Config{BaseURL: cfg.AsaasAPIURL, APIKey: cfg.AsaasAPIKey, Timeout: cfg.GatewayTimeout}, a.logger),
			Verifier: asaas.NewTokenVerifier(cfg.AsaasWebhookToken),
			Parser:   asaas.Parser{},
		}, cfg.GatewayEnabled(asaas.Name))
		a.SignatureHeaders[asaas.Name] = asaas.SignatureHeader
	}

	if cfg.StripeAPIKey != "" || cfg.GatewayEnabled(stripe.Name) {
		a.Registry.Register(gateway.Provider{
			Driver:   stripe.NewDriver(stripe.Config{APIKey: cfg.StripeAPIKey, BaseURL: cfg.StripeAPIURL, Timeout: cfg.GatewayTimeout}, a.logger),
			Verifier: stripe.NewSignatureVerifier(cfg.StripeWebhookSecret, cfg.WebhookTolerance),
			Parser:   stripe.Parser{},
		}, cfg.GatewayEnabled(stripe.Name))
		a.SignatureHeaders[stripe.Name] = stripe.SignatureHeader
	}

	a.logger.Info("Gateways registered", zap.Strings("enabled", a.Registry.Enabled()), zap.String("default", cfg.DefaultGateway))
}

// redisClient accepts either a redis:// URL or a bare host:port.
func redisClient(raw string) (*redis.Client, error) {
	if strings.Contains(raw, "://") {
		opts, err := redis.ParseURL(raw)
		if err != nil {
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		return redis.NewClient(opts), nil
	}
	return redis.NewClient(&redis.Options{Addr: raw}), nil
}

package checkout

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/checkout-orchestrator/internal/apperr"
	"github.com/akylbek/payment-system/checkout-orchestrator/internal/interfaces"
	"github.com/akylbek/payment-system/checkout-orchestrator/internal/metrics"
	"github.com/akylbek/payment-system/checkout-orchestrator/internal/models"
	"github.com/akylbek/payment-system/checkout-orchestrator/internal/money"
)

var tracer = otel.Tracer("checkout-orchestrator/checkout")

// GatewayResolver resolves the gateway a checkout is charged through.
type GatewayResolver interface {
	Driver(name string) (interfaces.GatewayDriver, error)
	Default() string
}

type Config struct {
	DefaultCurrency string
}

// Orchestrator holds the collaborators shared by every checkout. Use New to start a Builder.
type Orchestrator struct {
	store     interfaces.PaymentRecordStore
	ledger    interfaces.Ledger
	gateways  GatewayResolver
	settler   interfaces.Settler
	publisher interfaces.EventPublisher
	locker    interfaces.KeyLocker
	cache     interfaces.RecordCache
	logger    *zap.Logger
	cfg       Config

	lockRefresh time.Duration
}

type Option func(*Orchestrator)

// WithLocker serializes concurrent checkouts that share an idempotency key.
func WithLocker(l interfaces.KeyLocker) Option { return func(o *Orchestrator) { o.locker = l } }

func WithCache(c interfaces.RecordCache) Option { return func(o *Orchestrator) { o.cache = c } }

// WithLockRefresh sets how often a held checkout lock is extended. It defaults to a third
// of the locker's TTL when the locker reports one.
func WithLockRefresh(every time.Duration) Option {
	return func(o *Orchestrator) { o.lockRefresh = every }
}

type leasedLocker interface {
	TTL() time.Duration
}

var errLockLost = errors.New("checkout lock lost")

func NewOrchestrator(
	store interfaces.PaymentRecordStore,
	ledger interfaces.Ledger,
	gateways GatewayResolver,
	settler interfaces.Settler,
	publisher interfaces.EventPublisher,
	logger *zap.Logger,
	cfg Config,
	opts ...Option,
) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DefaultCurrency == "" {
		cfg.DefaultCurrency = "BRL"
	}
	o := &Orchestrator{
		store:     store,
		ledger:    ledger,
		gateways:  gateways,
		settler:   settler,
		publisher: publisher,
		logger:    logger,
		cfg:       cfg,
	}
	for _, opt := range opts {
		opt(o)
	}
	if l, ok := o.locker.(leasedLocker); ok && o.lockRefresh == 0 && l.TTL() > 0 {
		o.lockRefresh = l.TTL() / 3
	}
	return o
}

// New returns a Builder with the platform defaults: default currency and gateway, PIX,
// wallet applied first.
func (o *Orchestrator) New() Builder {
	return Builder{
		o:         o,
		currency:  o.cfg.DefaultCurrency,
		method:    models.MethodPix,
		gateway:   o.gateways.Default(),
		useWallet: true,
	}
}

// Create runs the checkout. A retry with the same idempotency key resumes the existing
// payment: steps already done are not repeated and a settled payment is returned as is.
func (b Builder) Create(ctx context.Context) (*Result, error) {
	ctx, span := tracer.Start(ctx, "checkout.Create")
	defer span.End()

	res, err := b.create(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		kind := apperr.Internal
		if ae, ok := apperr.As(err); ok {
			kind = ae.Kind
		}
		metrics.CheckoutErrorsTotal.WithLabelValues(string(kind)).Inc()
		return nil, err
	}
	span.SetAttributes(
		attribute.String("payment_id", res.Record.UUID),
		attribute.String("outcome", string(res.Outcome)),
	)
	gateway := res.Record.Gateway
	if gateway == "" {
		gateway = "wallet"
	}
	metrics.CheckoutsTotal.WithLabelValues(gateway, string(res.Outcome)).Inc()
	return res, nil
}

func (b Builder) create(ctx context.Context) (*Result, error) {
	o := b.o
	if o == nil {
		return nil, apperr.Wrap(errNoOrchestrator)
	}
	if err := b.validate(); err != nil {
		return nil, err
	}
	driver, err := o.gateways.Driver(b.gateway)
	if err != nil {
		return nil, err
	}

	key := b.idempotencyKey
	if key == "" {
		key = uuid.New().String()
	}
	logger := o.logger.With(zap.String("idempotency_key", key), zap.String("gateway", b.gateway))

	if o.cache != nil {
		if cached, ok := o.cache.Get(ctx, key); ok {
			logger.Debug("Checkout replayed from cache", zap.String("payment_id", cached.UUID))
			return resultFor(cached, nil), nil
		}
	}

	if o.locker != nil {
		token, ok, err := o.locker.Lock(ctx, key)
		if err != nil {
			return nil, apperr.Wrap(err)
		}
		if !ok {
			logger.Warn("Concurrent checkout with the same idempotency key")
			return nil, apperr.ConflictErr("a checkout with this idempotency key is already in progress")
		}
		var release func()
		ctx, release = o.holdLock(ctx, key, token, logger)
		defer release()
	}

	record, err := o.store.GetByIdempotencyKey(ctx, key)
	switch {
	case err == nil:
		logger.Info("Resuming checkout", zap.String("payment_id", record.UUID), zap.String("status", string(record.Status)))
		if record.Status != models.StatusPending {
			o.remember(ctx, record)
			return resultFor(record, nil), nil
		}
	case apperr.Is(err, apperr.NotFound):
		record, err = b.newRecord(ctx, key)
		if err != nil {
			return nil, err
		}
		logger.Info("Checkout started",
			zap.String("payment_id", record.UUID),
			zap.Int64("amount_cents", record.AmountCents),
			zap.Int64("wallet_applied_cents", record.WalletAppliedCents),
			zap.Int64("gateway_amount_cents", record.GatewayAmountCents),
		)
	default:
		return nil, err
	}
	logger = logger.With(zap.String("payment_id", record.UUID))

	if record.Gateway != "" && record.Gateway != b.gateway {
		if driver, err = o.gateways.Driver(record.Gateway); err != nil {
			return nil, err
		}
	}

	if err := b.holdWallet(ctx, record, logger); err != nil {
		return nil, err
	}

	ref, err := b.charge(ctx, driver, record, logger)
	if err != nil {
		return nil, err
	}

	switch {
	case record.GatewayAmountCents == 0:
		if _, err := o.settler.MarkPaid(ctx, record, models.SettlementContext{
			Trigger: models.TriggerCheckout,
			Reason:  ReasonWalletOnly,
		}); err != nil {
			return nil, err
		}
	case ref != nil && ref.Paid:
		reason := ReasonGatewayConfirmed
		if record.PaymentMethod == models.MethodCreditCard {
			reason = ReasonCardApproved
		}
		logger.Info("Gateway reports the charge paid", zap.String("gateway_status", ref.Status))
		if _, err := o.settler.MarkPaid(ctx, record, models.SettlementContext{
			Trigger: models.TriggerCheckout,
			Reason:  reason,
			Details: map[string]any{"gateway_status": ref.Status},
		}); err != nil {
			return nil, err
		}
	case record.PaymentMethod == models.MethodCreditCard && b.card != nil:
		if cardAnswered(record) {
			logger.Info("Card already answered by the gateway, awaiting confirmation")
			break
		}
		if err := b.chargeCard(ctx, driver, record, logger); err != nil {
			return nil, err
		}
	}

	record, err = o.store.GetByUUID(ctx, record.UUID)
	if err != nil {
		return nil, err
	}

	o.publishCreated(ctx, record, logger)
	o.remember(ctx, record)

	logger.Info("Checkout finished", zap.String("status", string(record.Status)))
	return resultFor(record, ref), nil
}

// newRecord splits the amount between wallet and gateway and persists the PENDING
// record. Nothing external happens before this.
func (b Builder) newRecord(ctx context.Context, key string) (*models.PaymentRecord, error) {
	var walletApplied int64
	if b.useWallet {
		balance, err := b.o.ledger.Balance(ctx, b.payer.ID)
		if err != nil {
			return nil, apperr.Wrap(err)
		}
		walletApplied = max(money.Min(balance, b.amountCents), 0)
	}

	record := &models.PaymentRecord{
		UUID:               uuid.New().String(),
		PayerID:            b.payer.ID,
		Billable:           b.billable,
		Currency:           b.currency,
		AmountCents:        b.amountCents,
		WalletAppliedCents: walletApplied,
		GatewayAmountCents: b.amountCents - walletApplied,
		Status:             models.StatusPending,
		PaymentMethod:      b.method,
		IdempotencyKey:     key,
		DueDate:            b.dueDate,
		Description:        b.description,
		Meta:               models.MergeAudit(nil, b.meta),
	}
	if record.GatewayAmountCents > 0 {
		record.Gateway = b.gateway
	}
	if !record.SplitBalanced() {
		return nil, apperr.Wrap(errUnbalanced)
	}

	if err := b.o.store.Create(ctx, record); err != nil {
		return nil, err
	}
	return record, nil
}

// holdWallet reserves the wallet portion, tagged with the record UUID so a resumed
// checkout finds the same hold. If the ledger definitively refuses, the record is removed.
func (b Builder) holdWallet(ctx context.Context, record *models.PaymentRecord, logger *zap.Logger) error {
	if record.WalletAppliedCents == 0 || record.HoldTransactionID != "" {
		return nil
	}

	holdID, err := b.o.ledger.Hold(ctx, record.PayerID, record.WalletAppliedCents, record.UUID)
	if err != nil {
		if apperr.Is(err, apperr.InsufficientFunds) || apperr.Is(err, apperr.Validation) {
			logger.Warn("Wallet hold refused, discarding payment record", zap.Error(err))
			if derr := b.o.store.Discard(ctx, record.ID); derr != nil {
				logger.Error("Failed to discard payment record", zap.Error(derr))
			}
			return err
		}
		logger.Error("Wallet hold failed", zap.Error(err))
		return apperr.Wrap(err)
	}

	if err := b.o.store.AttachHold(ctx, record.ID, holdID); err != nil {
		return apperr.Wrap(err)
	}
	record.HoldTransactionID = holdID
	logger.Info("Wallet hold placed", zap.String("hold_id", holdID), zap.Int64("amount_cents", record.WalletAppliedCents))
	return nil
}

// charge creates the gateway charge, or looks up the one a previous attempt created.
// A business rejection fails the payment and releases the hold; an unavailable gateway
// leaves it PENDING for a retry with the same idempotency key.
func (b Builder) charge(ctx context.Context, driver interfaces.GatewayDriver, record *models.PaymentRecord, logger *zap.Logger) (*interfaces.ChargeReference, error) {
	if record.GatewayAmountCents == 0 {
		return nil, nil
	}

	if record.GatewayReference != "" {
		existing, err := driver.FindCharge(ctx, record.UUID)
		if err != nil {
			logger.Warn("Could not reload existing charge", zap.String("reference", record.GatewayReference), zap.Error(err))
			return nil, nil
		}
		return existing, nil
	}

	ref, err := driver.CreateCharge(ctx, interfaces.ChargeRequest{
		CustomerID:        b.payer.CustomerRef(),
		AmountCents:       record.GatewayAmountCents,
		Currency:          record.Currency,
		Method:            record.PaymentMethod,
		DueDate:           record.DueDate,
		Description:       record.Description,
		ExternalReference: record.UUID,
		Splits:            b.splits,
		Installments:      b.installments,
	})
	if err != nil {
		if !apperr.Is(err, apperr.Gateway) {
			logger.Warn("Gateway unavailable, payment left pending", zap.Error(err))
			return nil, err
		}

		ae, _ := apperr.As(err)
		logger.Warn("Gateway rejected charge", zap.String("code", ae.Code), zap.String("message", ae.Message))
		if _, ferr := b.o.settler.MarkFailed(ctx, record, models.SettlementContext{
			Trigger: models.TriggerCheckout,
			Reason:  ReasonGatewayError,
			Details: map[string]any{"message": ae.Message, "code": ae.Code},
		}); ferr != nil {
			logger.Error("Failed to mark payment failed", zap.Error(ferr))
		}
		return nil, err
	}

	if err := b.o.store.AttachCharge(ctx, record.ID, ref.Reference, ref.Payload, ref.Response); err != nil {
		return nil, apperr.Wrap(err)
	}
	record.GatewayReference = ref.Reference
	logger.Info("Gateway charge created", zap.String("reference", ref.Reference), zap.String("gateway_status", ref.Status))
	return &ref, nil
}

// chargeCard pays the charge with the supplied card and settles on the answer. A decline
// is a FAILED payment, not an error.
//
// Every attempt is audited under its own key. The payload is stored before the call so
// an attempt whose answer was lost still shows.
func (b Builder) chargeCard(ctx context.Context, driver interfaces.GatewayDriver, record *models.PaymentRecord, logger *zap.Logger) error {
	key := models.AttemptKey(record.GatewayPayload, cardAuditKey)
	payload := map[string]any{key: cardAudit(*b.card, *b.holder)}
	if err := b.o.store.AttachCharge(ctx, record.ID, "", payload, nil); err != nil {
		return apperr.Wrap(err)
	}
	record.GatewayPayload = models.MergeAudit(record.GatewayPayload, payload)

	res, err := driver.ChargeStoredCard(ctx, record.GatewayReference, *b.card, *b.holder)
	if err != nil {
		logger.Warn("Card charge failed", zap.String("attempt", key), zap.Error(err))
		b.recordCardResponse(ctx, record, key, map[string]any{"error": err.Error()}, logger)
		return err
	}

	answer := res.Raw
	if answer == nil {
		answer = map[string]any{"status": res.Status}
	}
	b.recordCardResponse(ctx, record, key, answer, logger)

	switch {
	case res.Approved && res.Final:
		_, err = b.o.settler.MarkPaid(ctx, record, models.SettlementContext{
			Trigger: models.TriggerCheckout,
			Reason:  ReasonCardApproved,
			Details: map[string]any{"gateway_status": res.Status},
		})
	case res.Final:
		message := res.ErrorMessage
		if message == "" {
			message = defaultDeclineMessage
		}
		logger.Info("Card declined", zap.String("code", res.ErrorCode))
		_, err = b.o.settler.MarkFailed(ctx, record, models.SettlementContext{
			Trigger: models.TriggerCheckout,
			Reason:  ReasonCardDeclined,
			Details: map[string]any{"gateway_status": res.Status, "message": message, "code": res.ErrorCode},
		})
	default:
		logger.Info("Card charge awaiting confirmation", zap.String("gateway_status", res.Status))
	}
	return err
}

func (b Builder) recordCardResponse(ctx context.Context, record *models.PaymentRecord, key string, answer map[string]any, logger *zap.Logger) {
	response := map[string]any{key: answer}
	if err := b.o.store.AttachCharge(context.WithoutCancel(ctx), record.ID, "", nil, response); err != nil {
		logger.Error("Failed to store card charge response", zap.Error(err))
		return
	}
	record.GatewayResponse = models.MergeAudit(record.GatewayResponse, response)
}

// cardAnswered reports whether an earlier card attempt got an answer from the gateway.
// Failed calls are recorded with an error and do not count.
func cardAnswered(record *models.PaymentRecord) bool {
	attempts := len(models.Attempts(record.GatewayPayload, cardAuditKey))
	for n := 1; n <= attempts; n++ {
		answer, ok := record.GatewayResponse[models.AttemptKeyAt(cardAuditKey, n)].(map[string]any)
		if !ok {
			continue
		}
		if _, failed := answer["error"]; !failed {
			return true
		}
	}
	return false
}

// holdLock keeps the checkout lock alive while the checkout runs. If the lease is lost the
// returned context is cancelled so no further gateway call is made under a lock another
// caller may now hold. release stops the refresher and unlocks.
func (o *Orchestrator) holdLock(ctx context.Context, key, token string, logger *zap.Logger) (context.Context, func()) {
	ctx, cancel := context.WithCancelCause(ctx)
	unlock := func() {
		if err := o.locker.Unlock(context.WithoutCancel(ctx), key, token); err != nil {
			logger.Warn("Failed to release checkout lock", zap.Error(err))
		}
	}
	if o.lockRefresh <= 0 {
		return ctx, func() { unlock(); cancel(nil) }
	}

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(o.lockRefresh)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				ok, err := o.locker.Refresh(ctx, key, token)
				if err != nil {
					logger.Warn("Failed to extend checkout lock", zap.Error(err))
					continue
				}
				if !ok {
					logger.Error("Checkout lock lost, aborting checkout")
					cancel(errLockLost)
					return
				}
			}
		}
	}()

	return ctx, func() {
		close(done)
		wg.Wait()
		unlock()
		cancel(nil)
	}
}

func (o *Orchestrator) publishCreated(ctx context.Context, record *models.PaymentRecord, logger *zap.Logger) {
	if o.publisher == nil {
		return
	}
	err := o.publisher.Publish(ctx, models.DomainEvent{
		Name:       models.EventPaymentCreated,
		Record:     record,
		Context:    models.TriggerCheckout,
		OccurredAt: time.Now().UTC(),
	})
	if err != nil {
		logger.Warn("Failed to publish payment event", zap.String("event", models.EventPaymentCreated), zap.Error(err))
	}
}

func (o *Orchestrator) remember(ctx context.Context, record *models.PaymentRecord) {
	if o.cache != nil && record.Status != models.StatusPending {
		o.cache.Set(ctx, record)
	}
}

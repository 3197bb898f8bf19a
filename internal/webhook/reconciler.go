package webhook

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/checkout-orchestrator/internal/apperr"
	"github.com/akylbek/payment-system/checkout-orchestrator/internal/interfaces"
	"github.com/akylbek/payment-system/checkout-orchestrator/internal/metrics"
	"github.com/akylbek/payment-system/checkout-orchestrator/internal/models"
)

var tracer = otel.Tracer("checkout-orchestrator/webhook")

// Outcome says what happened to a delivery that was accepted.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeUnknown   Outcome = "unknown_payment"
	OutcomeIgnored   Outcome = "ignored"
	OutcomeRejected  Outcome = "rejected_transition"
)

// ProviderResolver finds the verifier and parser for a provider name.
type ProviderResolver interface {
	Webhook(name string) (interfaces.Verifier, interfaces.EventParser, error)
}

// Reconciler applies verified provider notifications to payments, at most once per
// (provider, event id).
type Reconciler struct {
	providers ProviderResolver
	events    interfaces.ProcessedEventStore
	store     interfaces.PaymentRecordStore
	settler   interfaces.Settler
	logger    *zap.Logger
}

func NewReconciler(providers ProviderResolver, events interfaces.ProcessedEventStore, store interfaces.PaymentRecordStore, settler interfaces.Settler, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		providers: providers,
		events:    events,
		store:     store,
		settler:   settler,
		logger:    logger,
	}
}

// Handle verifies, dedups and applies one delivery. A nil error means the event is durably
// recorded as processed and the provider can stop retrying. A retryable error releases the
// claim so the next delivery applies it again.
func (r *Reconciler) Handle(ctx context.Context, rawBody []byte, signatureHeader, provider string) (Outcome, error) {
	ctx, span := tracer.Start(ctx, "webhook.Handle")
	defer span.End()
	span.SetAttributes(attribute.String("provider", provider))

	outcome, err := r.handle(ctx, rawBody, signatureHeader, provider)
	label := string(outcome)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		label = "error"
		if ae, ok := apperr.As(err); ok {
			label = string(ae.Kind)
		}
	}
	metrics.WebhooksTotal.WithLabelValues(provider, label).Inc()
	return outcome, err
}

func (r *Reconciler) handle(ctx context.Context, rawBody []byte, signatureHeader, provider string) (Outcome, error) {
	verifier, parser, err := r.providers.Webhook(provider)
	if err != nil {
		return "", err
	}

	if res := verifier.Verify(rawBody, signatureHeader); !res.Valid {
		r.logger.Warn("Webhook verification failed", zap.String("provider", provider), zap.String("reason", res.Reason))
		return "", apperr.VerificationErr(res.Reason)
	}

	event, err := parser.ParseEvent(rawBody)
	if err != nil {
		r.logger.Warn("Webhook body could not be parsed", zap.String("provider", provider), zap.Error(err))
		return "", err
	}
	logger := r.logger.With(
		zap.String("provider", provider),
		zap.String("event_id", event.ProviderEventID),
		zap.String("event_type", event.Type),
		zap.String("reference", event.ChargeReference),
	)

	claim, err := r.events.Claim(ctx, provider, event.ProviderEventID, event.Type, rawBody)
	if err != nil {
		return "", apperr.Wrap(err)
	}
	switch claim {
	case interfaces.AlreadyProcessed:
		logger.Info("Duplicate webhook ignored")
		return OutcomeDuplicate, nil
	case interfaces.InFlight:
		logger.Info("Webhook already being processed")
		return "", apperr.ConflictErr("event is being processed")
	}

	outcome, processError, err := r.apply(ctx, event, logger)
	if err != nil {
		logger.Error("Webhook apply failed, releasing claim", zap.Error(err))
		if rerr := r.events.Release(context.WithoutCancel(ctx), provider, event.ProviderEventID); rerr != nil {
			logger.Error("Failed to release webhook claim", zap.Error(rerr))
		}
		return "", err
	}

	if err := r.events.MarkProcessed(ctx, provider, event.ProviderEventID, processError); err != nil {
		logger.Error("Failed to mark webhook processed", zap.Error(err))
		return "", apperr.Wrap(err)
	}
	logger.Info("Webhook processed", zap.String("outcome", string(outcome)))
	return outcome, nil
}

// apply returns a processError for outcomes that are final but worth recording, and an
// error only when a retry could succeed.
func (r *Reconciler) apply(ctx context.Context, event models.WebhookEvent, logger *zap.Logger) (Outcome, string, error) {
	if event.Kind == models.WebhookIgnored {
		return OutcomeIgnored, "", nil
	}

	record, err := r.lookup(ctx, event, logger)
	if apperr.Is(err, apperr.NotFound) {
		logger.Warn("Webhook for unknown payment")
		return OutcomeUnknown, "payment not found", nil
	}
	if err != nil {
		return "", "", err
	}
	logger = logger.With(zap.String("payment_id", record.UUID))

	sc := models.SettlementContext{
		Trigger: models.TriggerWebhook,
		Reason:  event.Type,
		Details: map[string]any{"event_id": event.ProviderEventID, "provider": event.Provider},
	}

	switch event.Kind {
	case models.WebhookConfirmed, models.WebhookReceived:
		if event.AmountCents > 0 {
			sc.ReceivedCents = record.WalletAppliedCents + event.AmountCents
		}
		_, err = r.settler.MarkPaid(ctx, record, sc)
	case models.WebhookFailed:
		_, err = r.settler.MarkFailed(ctx, record, sc)
	case models.WebhookRefunded:
		_, err = r.settler.MarkRefunded(ctx, record, 0, sc)
	case models.WebhookPartiallyRefunded:
		_, err = r.settler.MarkRefunded(ctx, record, event.AmountCents, sc)
	}

	if apperr.Is(err, apperr.InvalidStateTransition) || apperr.Is(err, apperr.InsufficientFunds) {
		logger.Warn("Webhook does not apply to payment", zap.String("status", string(record.Status)), zap.Error(err))
		return OutcomeRejected, err.Error(), nil
	}
	if err != nil {
		return "", "", err
	}
	return OutcomeApplied, "", nil
}

// lookup finds the payment by gateway reference, falling back to the record UUID the
// charge was created with. A notification can beat AttachCharge; the fallback also
// attaches the reference so later events resolve directly.
func (r *Reconciler) lookup(ctx context.Context, event models.WebhookEvent, logger *zap.Logger) (*models.PaymentRecord, error) {
	record, err := r.store.GetByGatewayReference(ctx, event.Provider, event.ChargeReference)
	if !apperr.Is(err, apperr.NotFound) || event.ExternalReference == "" {
		return record, err
	}

	record, err = r.store.GetByUUID(ctx, event.ExternalReference)
	if err != nil {
		return nil, err
	}
	if record.Gateway != event.Provider {
		return nil, apperr.NotFoundErr("payment not found")
	}
	if record.GatewayReference != "" && record.GatewayReference != event.ChargeReference {
		logger.Warn("Webhook charge does not match payment",
			zap.String("payment_id", record.UUID),
			zap.String("gateway_reference", record.GatewayReference),
		)
		return nil, apperr.NotFoundErr("payment not found")
	}
	if record.GatewayReference == "" {
		if err := r.store.AttachCharge(ctx, record.ID, event.ChargeReference, nil, nil); err != nil {
			return nil, apperr.Wrap(err)
		}
		record.GatewayReference = event.ChargeReference
		logger.Info("Payment resolved by external reference", zap.String("payment_id", record.UUID))
	}
	return record, nil
}

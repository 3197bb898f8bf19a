package settlement

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/checkout-orchestrator/internal/apperr"
	"github.com/akylbek/payment-system/checkout-orchestrator/internal/interfaces"
	"github.com/akylbek/payment-system/checkout-orchestrator/internal/metrics"
	"github.com/akylbek/payment-system/checkout-orchestrator/internal/models"
)

// maxAttempts bounds how often a transition is re-evaluated after losing a compare-and-set.
const maxAttempts = 3

var tracer = otel.Tracer("checkout-orchestrator/settlement")

// DriverLookup finds the gateway driver that created a payment.
type DriverLookup interface {
	Lookup(name string) (interfaces.GatewayDriver, bool)
}

// Service is the only writer of payment status. Every change is a compare-and-set on
// the stored status; a caller that loses the race reloads the record and, if the winner
// already moved it to the requested status, returns it unchanged.
type Service struct {
	store     interfaces.PaymentRecordStore
	ledger    interfaces.Ledger
	drivers   DriverLookup
	publisher interfaces.EventPublisher
	locker    interfaces.KeyLocker
	cache     interfaces.RecordCache
	logger    *zap.Logger
	now       func() time.Time
}

type Option func(*Service)

// WithDrivers enables Refund.
func WithDrivers(d DriverLookup) Option { return func(s *Service) { s.drivers = d } }

// WithLocker serializes refunds of the same payment.
func WithLocker(l interfaces.KeyLocker) Option { return func(s *Service) { s.locker = l } }

// WithCache overwrites the cached checkout result whenever a transition lands, so a
// replayed checkout never sees a status the payment has left.
func WithCache(c interfaces.RecordCache) Option { return func(s *Service) { s.cache = c } }

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func NewService(store interfaces.PaymentRecordStore, ledger interfaces.Ledger, publisher interfaces.EventPublisher, logger *zap.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		store:     store,
		ledger:    ledger,
		publisher: publisher,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ interfaces.Settler = (*Service)(nil)

// MarkPaid moves a PENDING record to PAID and captures its wallet hold. Calling it on a
// PAID record only retries a capture that has not happened yet.
func (s *Service) MarkPaid(ctx context.Context, record *models.PaymentRecord, sc models.SettlementContext) (*models.PaymentRecord, error) {
	ctx, span := tracer.Start(ctx, "settlement.MarkPaid")
	defer span.End()
	span.SetAttributes(attribute.String("payment_id", record.UUID), attribute.String("trigger", sc.Trigger))

	updated, err := s.transition(ctx, record, models.StatusPaid, sc, func(t *interfaces.StatusTransition, current *models.PaymentRecord) error {
		received := sc.ReceivedCents
		if received <= 0 {
			received = current.AmountCents
		}
		t.ReceivedCents = &received
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if updated.Status == models.StatusPaid && updated.HasPendingHold() {
		if err := s.captureHold(ctx, updated); err != nil {
			span.RecordError(err)
			return updated, err
		}
	}
	return updated, nil
}

// MarkFailed moves a PENDING record to FAILED and releases its wallet hold.
func (s *Service) MarkFailed(ctx context.Context, record *models.PaymentRecord, sc models.SettlementContext) (*models.PaymentRecord, error) {
	ctx, span := tracer.Start(ctx, "settlement.MarkFailed")
	defer span.End()
	span.SetAttributes(attribute.String("payment_id", record.UUID), attribute.String("trigger", sc.Trigger))

	updated, err := s.transition(ctx, record, models.StatusFailed, sc, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if updated.Status == models.StatusFailed && updated.HasPendingHold() {
		if err := s.ledger.Release(ctx, updated.HoldTransactionID); err != nil {
			s.logger.Error("Failed to release wallet hold",
				zap.String("payment_id", updated.UUID),
				zap.String("hold_id", updated.HoldTransactionID),
				zap.Error(err),
			)
			return updated, apperr.Wrap(fmt.Errorf("release wallet hold: %w", err))
		}
	}
	return updated, nil
}

// MarkRefunded moves a PAID record to REFUNDED, recording amountCents as refunded.
// amountCents <= 0 refunds whatever is left. Asking for more than was received minus
// already refunded fails with InsufficientFunds.
func (s *Service) MarkRefunded(ctx context.Context, record *models.PaymentRecord, amountCents int64, sc models.SettlementContext) (*models.PaymentRecord, error) {
	ctx, span := tracer.Start(ctx, "settlement.MarkRefunded")
	defer span.End()
	span.SetAttributes(attribute.String("payment_id", record.UUID), attribute.Int64("amount_cents", amountCents))

	updated, err := s.transition(ctx, record, models.StatusRefunded, sc, func(t *interfaces.StatusTransition, current *models.PaymentRecord) error {
		available := current.RefundableCents()
		amount := amountCents
		if amount <= 0 {
			amount = available
		}
		if amount > available {
			return apperr.InsufficientFundsErr(amount, available)
		}
		refunded := current.RefundedCents + amount
		t.RefundedCents = &refunded
		if t.Entry.Details == nil {
			t.Entry.Details = map[string]any{}
		}
		t.Entry.Details["refunded_cents"] = amount
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return updated, nil
}

// Refund returns money to the payer through the gateway that collected it and then
// marks the record REFUNDED. amountCents nil refunds everything refundable. The wallet
// portion is not credited back.
func (s *Service) Refund(ctx context.Context, record *models.PaymentRecord, amountCents *int64, reason string) (*models.PaymentRecord, error) {
	ctx, span := tracer.Start(ctx, "settlement.Refund")
	defer span.End()

	if s.locker != nil {
		token, ok, err := s.locker.Lock(ctx, "refund:"+record.UUID)
		if err != nil {
			return nil, apperr.Wrap(err)
		}
		if !ok {
			return nil, apperr.ConflictErr("a refund for this payment is already running")
		}
		defer s.locker.Unlock(context.WithoutCancel(ctx), "refund:"+record.UUID, token)
	}

	current, err := s.store.GetByUUID(ctx, record.UUID)
	if err != nil {
		return nil, err
	}
	if current.Status == models.StatusRefunded {
		return current, nil
	}
	if current.Status != models.StatusPaid {
		return nil, apperr.InvalidTransitionErr(string(current.Status), string(models.StatusRefunded))
	}

	available := current.RefundableCents()
	amount := available
	if amountCents != nil {
		amount = *amountCents
	}
	if amount <= 0 {
		return nil, apperr.ValidationErr("refund amount must be positive", map[string]string{"amount": "must be > 0"})
	}
	if amount > available {
		return nil, apperr.InsufficientFundsErr(amount, available)
	}

	details := map[string]any{}
	if gatewayPart := min(amount, current.GatewayAmountCents); gatewayPart > 0 && current.GatewayReference != "" {
		if s.drivers == nil {
			return nil, apperr.Wrap(fmt.Errorf("refund: no gateway drivers configured"))
		}
		driver, ok := s.drivers.Lookup(current.Gateway)
		if !ok {
			return nil, apperr.ValidationErr("gateway is not available", map[string]string{"gateway": current.Gateway})
		}

		result, err := driver.Refund(ctx, current.GatewayReference, &gatewayPart)
		if err != nil {
			s.logger.Warn("Gateway refund failed",
				zap.String("payment_id", current.UUID),
				zap.String("gateway", current.Gateway),
				zap.Error(err),
			)
			return nil, err
		}
		if err := s.store.AttachCharge(ctx, current.ID, "", nil, map[string]any{"refund": result.Raw}); err != nil {
			s.logger.Error("Failed to store refund response", zap.String("payment_id", current.UUID), zap.Error(err))
		}
		details["gateway_refund_reference"] = result.Reference
		details["gateway_refunded_cents"] = gatewayPart
	}

	return s.MarkRefunded(ctx, current, amount, models.SettlementContext{
		Trigger: models.TriggerRefund,
		Reason:  reason,
		Details: details,
	})
}

type amendFunc func(t *interfaces.StatusTransition, current *models.PaymentRecord) error

func (s *Service) transition(ctx context.Context, record *models.PaymentRecord, to models.PaymentStatus, sc models.SettlementContext, amend amendFunc) (*models.PaymentRecord, error) {
	current := record
	for attempt := 0; attempt < maxAttempts; attempt++ {
		changed, err := models.Transition(current.Status, to)
		if err != nil {
			s.logger.Info("Rejected payment transition",
				zap.String("payment_id", current.UUID),
				zap.String("from_state", string(current.Status)),
				zap.String("to_state", string(to)),
			)
			return nil, err
		}
		if !changed {
			return current, nil
		}

		t := interfaces.StatusTransition{
			RecordID: current.ID,
			From:     current.Status,
			To:       to,
			Entry: models.SettlementEntry{
				Status:  to,
				Trigger: sc.Trigger,
				Reason:  sc.Reason,
				At:      s.now(),
				Details: models.MergeAudit(nil, sc.Details),
			},
		}
		if amend != nil {
			if err := amend(&t, current); err != nil {
				return nil, err
			}
		}

		won, err := s.store.TransitionStatus(ctx, t)
		if err != nil {
			return nil, apperr.Wrap(err)
		}

		reloaded, err := s.store.GetByUUID(ctx, current.UUID)
		if err != nil {
			return nil, err
		}

		if won {
			s.logger.Info("Payment state transition",
				zap.String("payment_id", current.UUID),
				zap.String("from_state", string(t.From)),
				zap.String("to_state", string(to)),
				zap.String("trigger", sc.Trigger),
				zap.String("reason", sc.Reason),
			)
			metrics.SettlementTransitionsTotal.WithLabelValues(string(t.From), string(to), sc.Trigger).Inc()
			if s.cache != nil && reloaded.IdempotencyKey != "" {
				s.cache.Set(ctx, reloaded)
			}
			s.publish(ctx, reloaded, sc.Trigger)
			return reloaded, nil
		}

		s.logger.Debug("Lost payment transition race, re-evaluating",
			zap.String("payment_id", current.UUID),
			zap.String("to_state", string(to)),
			zap.String("current_state", string(reloaded.Status)),
		)
		current = reloaded
	}
	return nil, apperr.ConflictErr("payment is being updated concurrently")
}

func (s *Service) captureHold(ctx context.Context, record *models.PaymentRecord) error {
	if err := s.ledger.Capture(ctx, record.HoldTransactionID); err != nil {
		s.logger.Error("Failed to capture wallet hold",
			zap.String("payment_id", record.UUID),
			zap.String("hold_id", record.HoldTransactionID),
			zap.Error(err),
		)
		return apperr.Wrap(fmt.Errorf("capture wallet hold: %w", err))
	}

	at := s.now()
	if err := s.store.MarkHoldCaptured(ctx, record.ID, at); err != nil {
		return apperr.Wrap(err)
	}
	record.HoldCapturedAt = &at
	return nil
}

func (s *Service) publish(ctx context.Context, record *models.PaymentRecord, trigger string) {
	if s.publisher == nil {
		return
	}
	err := s.publisher.Publish(ctx, models.DomainEvent{
		Name:       models.EventPaymentSettled,
		Record:     record,
		Context:    trigger,
		OccurredAt: s.now(),
	})
	if err != nil {
		s.logger.Warn("Failed to publish payment event",
			zap.String("event", models.EventPaymentSettled),
			zap.String("payment_id", record.UUID),
			zap.Error(err),
		)
	}
}

package interfaces

import (
	"context"

	"github.com/akylbek/payment-system/checkout-orchestrator/internal/models"
)

type Settler interface {
	MarkPaid(ctx context.Context, record *models.PaymentRecord, sc models.SettlementContext) (*models.PaymentRecord, error)
	MarkFailed(ctx context.Context, record *models.PaymentRecord, sc models.SettlementContext) (*models.PaymentRecord, error)
	MarkRefunded(ctx context.Context, record *models.PaymentRecord, amountCents int64, sc models.SettlementContext) (*models.PaymentRecord, error)
}

type EventPublisher interface {
	Publish(ctx context.Context, event models.DomainEvent) error
}

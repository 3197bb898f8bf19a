package events

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/akylbek/payment-system/checkout-orchestrator/internal/interfaces"
	"github.com/akylbek/payment-system/checkout-orchestrator/internal/models"
)

// Encode is the wire form shared by every bus.
func Encode(event models.DomainEvent) ([]byte, error) {
	b, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("encode %s event: %w", event.Name, err)
	}
	return b, nil
}

// LogPublisher writes events to the structured log. It is the publisher used when no
// bus is configured.
type LogPublisher struct {
	logger *zap.Logger
}

func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogPublisher{logger: logger}
}

var _ interfaces.EventPublisher = (*LogPublisher)(nil)

func (p *LogPublisher) Publish(_ context.Context, event models.DomainEvent) error {
	fields := []zap.Field{
		zap.String("event", event.Name),
		zap.String("context", event.Context),
		zap.Time("occurred_at", event.OccurredAt),
	}
	if event.Record != nil {
		fields = append(fields,
			zap.String("payment_id", event.Record.UUID),
			zap.String("status", string(event.Record.Status)),
			zap.Int64("amount_cents", event.Record.AmountCents),
		)
	}
	p.logger.Info("Domain event", fields...)
	return nil
}

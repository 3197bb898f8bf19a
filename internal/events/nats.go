package events

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/akylbek/payment-system/checkout-orchestrator/internal/interfaces"
	"github.com/akylbek/payment-system/checkout-orchestrator/internal/models"
)

// NATSPublisher publishes on subject "<prefix>.<event name>", e.g. checkout.payment.settled.
type NATSPublisher struct {
	nc     *nats.Conn
	prefix string
}

func NewNATSPublisher(nc *nats.Conn, prefix string) *NATSPublisher {
	if prefix == "" {
		prefix = "checkout"
	}
	return &NATSPublisher{nc: nc, prefix: prefix}
}

var _ interfaces.EventPublisher = (*NATSPublisher)(nil)

func (p *NATSPublisher) Publish(_ context.Context, event models.DomainEvent) error {
	data, err := Encode(event)
	if err != nil {
		return err
	}

	msg := nats.NewMsg(p.prefix + "." + event.Name)
	msg.Data = data
	msg.Header.Set("Payment-Id", event.Key())
	if err := p.nc.PublishMsg(msg); err != nil {
		return fmt.Errorf("nats publish %s: %w", event.Name, err)
	}
	return nil
}

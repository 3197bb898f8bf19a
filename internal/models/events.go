package models

import "time"

const (
	EventPaymentCreated = "payment.created"
	EventPaymentSettled = "payment.settled"
)

// Settlement triggers recorded in the audit trail.
const (
	TriggerCheckout = "checkout_builder"
	TriggerWebhook  = "webhook"
	TriggerRefund   = "refund"
)

// DomainEvent is what the core emits for notification and audit collaborators.
type DomainEvent struct {
	Name       string         `json:"event"`
	Record     *PaymentRecord `json:"record"`
	Context    string         `json:"context"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// Key is used for partitioning on the event bus.
func (e DomainEvent) Key() string {
	if e.Record == nil {
		return ""
	}
	return e.Record.UUID
}

// SettlementContext describes who triggered a settlement transition and why.
type SettlementContext struct {
	Trigger string
	Reason  string
	// ReceivedCents overrides the received amount on MarkPaid; zero means "amount charged".
	ReceivedCents int64
	Details       map[string]any
}

type WebhookKind string

const (
	WebhookConfirmed         WebhookKind = "confirmed"
	WebhookReceived          WebhookKind = "received"
	WebhookRefunded          WebhookKind = "refunded"
	WebhookPartiallyRefunded WebhookKind = "partially_refunded"
	WebhookFailed            WebhookKind = "failed"
	WebhookIgnored           WebhookKind = ""
)

// WebhookEvent is a verified, parsed provider notification.
type WebhookEvent struct {
	Provider        string
	ProviderEventID string
	Type            string
	Kind            WebhookKind
	ChargeReference string
	AmountCents     int64
	Payload         []byte
	SignatureValid  bool

	// ExternalReference is the record UUID the charge was created with, when the provider echoes it.
	ExternalReference string
}

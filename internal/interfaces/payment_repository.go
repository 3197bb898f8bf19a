package interfaces

import (
	"context"
	"time"

	"github.com/akylbek/payment-system/checkout-orchestrator/internal/models"
)

// StatusTransition is a compare-and-set on a payment record's status.
type StatusTransition struct {
	RecordID      int64
	From          models.PaymentStatus
	To            models.PaymentStatus
	Entry         models.SettlementEntry
	ReceivedCents *int64
	RefundedCents *int64
}

// PaymentRecordStore defines the contract for payment record persistence.
type PaymentRecordStore interface {
	Create(ctx context.Context, record *models.PaymentRecord) error
	GetByUUID(ctx context.Context, uuid string) (*models.PaymentRecord, error)
	GetByIdempotencyKey(ctx context.Context, key string) (*models.PaymentRecord, error)
	GetByGatewayReference(ctx context.Context, gateway, reference string) (*models.PaymentRecord, error)

	AttachHold(ctx context.Context, recordID int64, holdID string) error
	// AttachCharge sets the gateway reference (when not empty) and merges the audit maps.
	AttachCharge(ctx context.Context, recordID int64, reference string, payload, response map[string]any) error
	MarkHoldCaptured(ctx context.Context, recordID int64, at time.Time) error

	// TransitionStatus applies the change only if the stored status still equals From.
	TransitionStatus(ctx context.Context, t StatusTransition) (bool, error)

	// Discard removes a PENDING record that never got a wallet hold (saga compensation).
	Discard(ctx context.Context, recordID int64) error
}

type ClaimResult int

const (
	Claimed ClaimResult = iota
	AlreadyProcessed
	InFlight
)

// ProcessedEventStore dedups webhook deliveries by (provider, event id).
type ProcessedEventStore interface {
	Claim(ctx context.Context, provider, eventID, eventType string, payload []byte) (ClaimResult, error)
	MarkProcessed(ctx context.Context, provider, eventID, processError string) error
	Release(ctx context.Context, provider, eventID string) error
}

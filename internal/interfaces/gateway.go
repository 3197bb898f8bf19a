package interfaces

import (
	"context"
	"encoding/json"
	"time"

	"github.com/akylbek/payment-system/checkout-orchestrator/internal/models"
)

type ChargeRequest struct {
	CustomerID        string
	AmountCents       int64
	Currency          string
	Method            models.PaymentMethod
	DueDate           *time.Time
	Description       string
	ExternalReference string
	Splits            json.RawMessage
	Installments      int
}

type ChargeReference struct {
	Reference   string
	Status      string
	PixPayload  string
	PixQRCode   string
	RedirectURL string
	Payload     map[string]any
	Response    map[string]any

	// Paid reports that the provider already holds the funds for this charge.
	Paid bool
}

type Card struct {
	Token       string
	HolderName  string
	Number      string
	ExpiryMonth string
	ExpiryYear  string
	CVV         string
}

type CardHolder struct {
	Name          string
	Email         string
	Document      string
	PostalCode    string
	AddressNumber string
	Phone         string
}

type ChargeResult struct {
	Status       string
	Approved     bool
	Final        bool
	ErrorCode    string
	ErrorMessage string
	Raw          map[string]any
}

type RefundResult struct {
	Reference   string
	Status      string
	AmountCents int64
	Raw         map[string]any
}

// GatewayDriver is implemented once per payment provider. Every method must be safe to
// repeat for the same external reference.
type GatewayDriver interface {
	Name() string
	CreateCharge(ctx context.Context, req ChargeRequest) (ChargeReference, error)
	ChargeStoredCard(ctx context.Context, reference string, card Card, holder CardHolder) (ChargeResult, error)
	Refund(ctx context.Context, reference string, amountCents *int64) (RefundResult, error)
	FindCharge(ctx context.Context, reference string) (*ChargeReference, error)
}

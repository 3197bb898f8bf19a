package interfaces

import "github.com/akylbek/payment-system/checkout-orchestrator/internal/models"

type VerifyResult struct {
	Valid  bool
	Reason string
}

type Verifier interface {
	Verify(rawBody []byte, signatureHeader string) VerifyResult
}

// EventParser turns a verified provider body into a WebhookEvent.
type EventParser interface {
	ParseEvent(rawBody []byte) (models.WebhookEvent, error)
}

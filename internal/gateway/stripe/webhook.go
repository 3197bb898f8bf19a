package stripe

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/stripe/stripe-go/v80"
	"github.com/stripe/stripe-go/v80/webhook"

	"github.com/akylbek/payment-system/checkout-orchestrator/internal/apperr"
	"github.com/akylbek/payment-system/checkout-orchestrator/internal/interfaces"
	"github.com/akylbek/payment-system/checkout-orchestrator/internal/models"
)

const SignatureHeader = "Stripe-Signature"

// SignatureVerifier checks the Stripe-Signature HMAC and its timestamp tolerance.
type SignatureVerifier struct {
	secret    string
	tolerance time.Duration
}

func NewSignatureVerifier(secret string, tolerance time.Duration) *SignatureVerifier {
	if tolerance <= 0 {
		tolerance = webhook.DefaultTolerance
	}
	return &SignatureVerifier{secret: secret, tolerance: tolerance}
}

var _ interfaces.Verifier = (*SignatureVerifier)(nil)

func (v *SignatureVerifier) Verify(rawBody []byte, signatureHeader string) interfaces.VerifyResult {
	if signatureHeader == "" {
		return interfaces.VerifyResult{Reason: apperr.ReasonMissingSignature}
	}

	err := webhook.ValidatePayloadWithTolerance(rawBody, signatureHeader, v.secret, v.tolerance)
	switch {
	case err == nil:
		return interfaces.VerifyResult{Valid: true}
	case errors.Is(err, webhook.ErrNotSigned):
		return interfaces.VerifyResult{Reason: apperr.ReasonMissingSignature}
	case errors.Is(err, webhook.ErrTooOld):
		return interfaces.VerifyResult{Reason: apperr.ReasonExpiredTimestamp}
	default:
		return interfaces.VerifyResult{Reason: apperr.ReasonInvalidSignature}
	}
}

type eventObject struct {
	ID             string `json:"id"`
	Object         string `json:"object"`
	Amount         int64  `json:"amount"`
	AmountReceived int64  `json:"amount_received"`
	AmountRefunded int64  `json:"amount_refunded"`
	Refunded       bool   `json:"refunded"`
	PaymentIntent  string `json:"payment_intent"`

	Metadata map[string]string `json:"metadata"`
}

type Parser struct{}

var _ interfaces.EventParser = Parser{}

// ParseEvent maps PaymentIntent and Charge events onto webhook kinds. Charges are
// reported against their PaymentIntent, which is the gateway reference on the record.
func (Parser) ParseEvent(rawBody []byte) (models.WebhookEvent, error) {
	var ev stripe.Event
	if err := json.Unmarshal(rawBody, &ev); err != nil || ev.ID == "" || ev.Data == nil {
		return models.WebhookEvent{}, apperr.ValidationErr("malformed webhook body", nil)
	}

	var obj eventObject
	if err := json.Unmarshal(ev.Data.Raw, &obj); err != nil {
		return models.WebhookEvent{}, apperr.ValidationErr("malformed webhook object", nil)
	}

	out := models.WebhookEvent{
		Provider:        Name,
		ProviderEventID: ev.ID,
		Type:            string(ev.Type),
		ChargeReference: obj.ID,
		Payload:         rawBody,
		SignatureValid:  true,

		ExternalReference: obj.Metadata[metadataReference],
	}

	switch ev.Type {
	case "payment_intent.succeeded":
		out.Kind = models.WebhookReceived
		out.AmountCents = obj.AmountReceived
	case "payment_intent.payment_failed", "payment_intent.canceled":
		out.Kind = models.WebhookFailed
	case "charge.refunded":
		out.ChargeReference = obj.PaymentIntent
		out.AmountCents = obj.AmountRefunded
		out.Kind = models.WebhookPartiallyRefunded
		if obj.Refunded {
			out.Kind = models.WebhookRefunded
		}
	}
	return out, nil
}

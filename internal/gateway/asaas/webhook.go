package asaas

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"

	"github.com/akylbek/payment-system/checkout-orchestrator/internal/apperr"
	"github.com/akylbek/payment-system/checkout-orchestrator/internal/interfaces"
	"github.com/akylbek/payment-system/checkout-orchestrator/internal/models"
)

// SignatureHeader carries the webhook token configured in the Asaas dashboard.
const SignatureHeader = "asaas-access-token"

var eventKinds = map[string]models.WebhookKind{
	"PAYMENT_CONFIRMED":                   models.WebhookConfirmed,
	"PAYMENT_RECEIVED":                    models.WebhookReceived,
	"PAYMENT_REFUNDED":                    models.WebhookRefunded,
	"PAYMENT_PARTIALLY_REFUNDED":          models.WebhookPartiallyRefunded,
	"PAYMENT_CREDIT_CARD_CAPTURE_REFUSED": models.WebhookFailed,
	"PAYMENT_REPROVED_BY_RISK_ANALYSIS":   models.WebhookFailed,
	"PAYMENT_DELETED":                     models.WebhookFailed,
}

// TokenVerifier compares the shared access token Asaas sends with every notification.
// Asaas does not sign or timestamp the body.
type TokenVerifier struct {
	token []byte
}

func NewTokenVerifier(token string) *TokenVerifier {
	return &TokenVerifier{token: []byte(token)}
}

var _ interfaces.Verifier = (*TokenVerifier)(nil)

func (v *TokenVerifier) Verify(_ []byte, signatureHeader string) interfaces.VerifyResult {
	if signatureHeader == "" {
		return interfaces.VerifyResult{Reason: apperr.ReasonMissingSignature}
	}
	if len(v.token) == 0 || subtle.ConstantTimeCompare(v.token, []byte(signatureHeader)) != 1 {
		return interfaces.VerifyResult{Reason: apperr.ReasonInvalidSignature}
	}
	return interfaces.VerifyResult{Valid: true}
}

type notification struct {
	ID      string `json:"id"`
	Event   string `json:"event"`
	Payment struct {
		ID                string      `json:"id"`
		Value             json.Number `json:"value"`
		Status            string      `json:"status"`
		ExternalReference string      `json:"externalReference"`
		Refunds           []struct {
			Value json.Number `json:"value"`
		} `json:"refunds"`
	} `json:"payment"`
}

type Parser struct{}

var _ interfaces.EventParser = Parser{}

func (Parser) ParseEvent(rawBody []byte) (models.WebhookEvent, error) {
	var n notification
	if err := json.Unmarshal(rawBody, &n); err != nil {
		return models.WebhookEvent{}, apperr.ValidationErr("malformed webhook body", nil)
	}
	if n.Event == "" || n.Payment.ID == "" {
		return models.WebhookEvent{}, apperr.ValidationErr("webhook body has no event or payment", nil)
	}

	eventID := n.ID
	if eventID == "" {
		eventID = fmt.Sprintf("%s:%s:%s", n.Event, n.Payment.ID, n.Payment.Status)
	}

	value := n.Payment.Value
	if kind := eventKinds[n.Event]; kind == models.WebhookPartiallyRefunded && len(n.Payment.Refunds) > 0 {
		value = n.Payment.Refunds[len(n.Payment.Refunds)-1].Value
	}
	amountCents, _ := toCents(value, "BRL")

	return models.WebhookEvent{
		Provider:        Name,
		ProviderEventID: eventID,
		Type:            n.Event,
		Kind:            eventKinds[n.Event],
		ChargeReference: n.Payment.ID,
		AmountCents:     amountCents,
		Payload:         rawBody,
		SignatureValid:  true,

		ExternalReference: n.Payment.ExternalReference,
	}, nil
}

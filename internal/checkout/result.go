package checkout

import (
	"github.com/akylbek/payment-system/checkout-orchestrator/internal/interfaces"
	"github.com/akylbek/payment-system/checkout-orchestrator/internal/models"
)

// Outcome mirrors the payment status a checkout ended in.
type Outcome string

const (
	OutcomePending  Outcome = "PENDING"
	OutcomePaid     Outcome = "PAID"
	OutcomeFailed   Outcome = "FAILED"
	OutcomeRefunded Outcome = "REFUNDED"
)

const (
	ReasonWalletOnly       = "wallet_only"
	ReasonCardApproved     = "card_approved"
	ReasonCardDeclined     = "card_declined"
	ReasonGatewayError     = "gateway_error"
	ReasonGatewayConfirmed = "gateway_confirmed"
)

const cardAuditKey = "charge_stored_card"

const defaultDeclineMessage = "Your card was declined. Please try another payment method."

// Result is what a checkout hands back. Callers branch on Outcome: a declined card is a
// FAILED result, not an error.
type Result struct {
	Outcome Outcome               `json:"outcome"`
	Record  *models.PaymentRecord `json:"payment"`
	Reason  string                `json:"reason,omitempty"`

	// PENDING
	PixPayload  string `json:"pix_payload,omitempty"`
	PixQRCode   string `json:"pix_qr_code,omitempty"`
	RedirectURL string `json:"redirect_url,omitempty"`

	// FAILED
	Message string `json:"message,omitempty"`
	Code    string `json:"code,omitempty"`
}

func (r *Result) Paid() bool { return r.Outcome == OutcomePaid }

func resultFor(record *models.PaymentRecord, ref *interfaces.ChargeReference) *Result {
	res := &Result{Outcome: Outcome(record.Status), Record: record}

	if n := len(record.Settlement); n > 0 {
		last := record.Settlement[n-1]
		res.Reason = last.Reason
		if record.Status == models.StatusFailed {
			res.Message, _ = last.Details["message"].(string)
			res.Code, _ = last.Details["code"].(string)
			if res.Message == "" {
				res.Message = defaultDeclineMessage
			}
		}
	}

	if record.Status == models.StatusPending && ref != nil {
		res.PixPayload = ref.PixPayload
		res.PixQRCode = ref.PixQRCode
		res.RedirectURL = ref.RedirectURL
	}
	return res
}

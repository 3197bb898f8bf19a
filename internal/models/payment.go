package models

import (
	"encoding/json"
	"strconv"
	"time"
)

type PaymentStatus string

const (
	StatusPending  PaymentStatus = "PENDING"
	StatusPaid     PaymentStatus = "PAID"
	StatusFailed   PaymentStatus = "FAILED"
	StatusRefunded PaymentStatus = "REFUNDED"
)

type PaymentMethod string

const (
	MethodPix        PaymentMethod = "PIX"
	MethodCreditCard PaymentMethod = "CREDIT_CARD"
	MethodBoleto     PaymentMethod = "BOLETO"
)

func (m PaymentMethod) Valid() bool {
	switch m {
	case MethodPix, MethodCreditCard, MethodBoleto:
		return true
	}
	return false
}

// Billable is an opaque reference to whatever is being purchased.
type Billable struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

func (b Billable) IsZero() bool { return b.Type == "" || b.ID == "" }

// Payer identifies the wallet owner and, optionally, the customer id known to the gateway.
type Payer struct {
	ID                string `json:"id"`
	GatewayCustomerID string `json:"gateway_customer_id,omitempty"`
	Name              string `json:"name,omitempty"`
	Email             string `json:"email,omitempty"`
}

// CustomerRef is the id sent to the gateway when creating a charge.
func (p Payer) CustomerRef() string {
	if p.GatewayCustomerID != "" {
		return p.GatewayCustomerID
	}
	return p.ID
}

// SettlementEntry is one line of a payment's settlement audit trail.
type SettlementEntry struct {
	Status  PaymentStatus  `json:"status"`
	Trigger string         `json:"trigger"`
	Reason  string         `json:"reason,omitempty"`
	At      time.Time      `json:"at"`
	Details map[string]any `json:"details,omitempty"`
}

// PaymentRecord is one checkout attempt and its lifecycle.
type PaymentRecord struct {
	ID       int64    `json:"-"`
	UUID     string   `json:"id"`
	PayerID  string   `json:"payer_id"`
	Billable Billable `json:"billable"`

	Currency           string `json:"currency"`
	AmountCents        int64  `json:"amount_cents"`
	WalletAppliedCents int64  `json:"wallet_applied_cents"`
	GatewayAmountCents int64  `json:"gateway_amount_cents"`
	ReceivedCents      int64  `json:"received_cents"`
	RefundedCents      int64  `json:"refunded_cents"`

	Status         PaymentStatus `json:"status"`
	Gateway        string        `json:"gateway,omitempty"`
	PaymentMethod  PaymentMethod `json:"payment_method"`
	IdempotencyKey string        `json:"idempotency_key"`

	HoldTransactionID string     `json:"hold_transaction_id,omitempty"`
	HoldCapturedAt    *time.Time `json:"hold_captured_at,omitempty"`

	GatewayReference string         `json:"gateway_reference,omitempty"`
	GatewayPayload   map[string]any `json:"gateway_payload,omitempty"`
	GatewayResponse  map[string]any `json:"gateway_response,omitempty"`

	Settlement  []SettlementEntry `json:"settlement,omitempty"`
	DueDate     *time.Time        `json:"due_date,omitempty"`
	Description string            `json:"description,omitempty"`
	Meta        map[string]any    `json:"meta,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SplitBalanced reports whether wallet + gateway portions add up to the total.
func (r *PaymentRecord) SplitBalanced() bool {
	return r.WalletAppliedCents >= 0 && r.GatewayAmountCents >= 0 &&
		r.WalletAppliedCents+r.GatewayAmountCents == r.AmountCents
}

// RefundableCents is what is left to refund out of what was actually received.
func (r *PaymentRecord) RefundableCents() int64 {
	return r.ReceivedCents - r.RefundedCents
}

func (r *PaymentRecord) HasPendingHold() bool {
	return r.HoldTransactionID != "" && r.HoldCapturedAt == nil
}

// Clone returns a deep copy; the JSON-shaped maps are copied through a round trip.
func (r *PaymentRecord) Clone() *PaymentRecord {
	if r == nil {
		return nil
	}
	c := *r
	c.GatewayPayload = cloneMap(r.GatewayPayload)
	c.GatewayResponse = cloneMap(r.GatewayResponse)
	c.Meta = cloneMap(r.Meta)
	if r.Settlement != nil {
		c.Settlement = make([]SettlementEntry, len(r.Settlement))
		copy(c.Settlement, r.Settlement)
	}
	if r.DueDate != nil {
		d := *r.DueDate
		c.DueDate = &d
	}
	if r.HoldCapturedAt != nil {
		h := *r.HoldCapturedAt
		c.HoldCapturedAt = &h
	}
	return &c
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		out := make(map[string]any, len(m))
		for k, v := range m {
			out[k] = v
		}
		return out
	}
	var out map[string]any
	_ = json.Unmarshal(b, &out)
	return out
}

// MergeAudit merges src into dst at the top level, the same way jsonb `||` does.
// Keys already in dst that src does not mention are kept.
func MergeAudit(dst, src map[string]any) map[string]any {
	if dst == nil && src == nil {
		return nil
	}
	out := make(map[string]any, len(dst)+len(src))
	for k, v := range dst {
		out[k] = v
	}
	for k, v := range src {
		out[k] = v
	}
	return out
}

// AttemptKey names the audit entry for the next run of a repeatable step: base for the
// first, then base_2, base_3 and so on, so a later attempt never replaces an earlier one
// under the top-level merge.
func AttemptKey(audit map[string]any, base string) string {
	return AttemptKeyAt(base, len(Attempts(audit, base))+1)
}

// Attempts returns the audit entries recorded for base, oldest first.
func Attempts(audit map[string]any, base string) []any {
	var out []any
	for n := 1; ; n++ {
		v, ok := audit[AttemptKeyAt(base, n)]
		if !ok {
			return out
		}
		out = append(out, v)
	}
}

// AttemptKeyAt is the key of the nth attempt, counting from 1.
func AttemptKeyAt(base string, n int) string {
	if n == 1 {
		return base
	}
	return base + "_" + strconv.Itoa(n)
}

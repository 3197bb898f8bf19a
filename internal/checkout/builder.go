package checkout

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/akylbek/payment-system/checkout-orchestrator/internal/interfaces"
	"github.com/akylbek/payment-system/checkout-orchestrator/internal/models"
)

// Builder describes one checkout. It is a value: every With* method returns a modified
// copy and leaves the receiver untouched, so a partially filled Builder can be kept as a
// template and reused for many checkouts.
type Builder struct {
	o *Orchestrator

	payer          models.Payer
	billable       models.Billable
	amountCents    int64
	currency       string
	method         models.PaymentMethod
	gateway        string
	useWallet      bool
	dueDate        *time.Time
	description    string
	idempotencyKey string
	meta           map[string]any
	splits         json.RawMessage
	installments   int
	card           *interfaces.Card
	holder         *interfaces.CardHolder
}

func (b Builder) WithPayer(p models.Payer) Builder {
	b.payer = p
	return b
}

func (b Builder) WithBillable(billableType, id string) Builder {
	b.billable = models.Billable{Type: billableType, ID: id}
	return b
}

func (b Builder) WithAmount(cents int64) Builder {
	b.amountCents = cents
	return b
}

func (b Builder) WithCurrency(currency string) Builder {
	b.currency = strings.ToUpper(currency)
	return b
}

func (b Builder) WithMethod(m models.PaymentMethod) Builder {
	b.method = m
	return b
}

func (b Builder) WithGateway(name string) Builder {
	b.gateway = name
	return b
}

// UseWallet controls whether the payer's wallet balance is applied first.
func (b Builder) UseWallet(use bool) Builder {
	b.useWallet = use
	return b
}

func (b Builder) WithDueDate(t time.Time) Builder {
	t = t.UTC()
	b.dueDate = &t
	return b
}

func (b Builder) WithDescription(d string) Builder {
	b.description = d
	return b
}

// WithIdempotencyKey makes retries of the same checkout resume the same payment.
func (b Builder) WithIdempotencyKey(key string) Builder {
	b.idempotencyKey = key
	return b
}

func (b Builder) WithMeta(meta map[string]any) Builder {
	b.meta = models.MergeAudit(nil, meta)
	return b
}

// WithSplits passes an opaque split instruction through to the gateway.
func (b Builder) WithSplits(splits json.RawMessage) Builder {
	b.splits = append(json.RawMessage(nil), splits...)
	return b
}

func (b Builder) WithInstallments(n int) Builder {
	b.installments = n
	return b
}

// WithCard charges the card right after the gateway charge is created. A card
// requires a cardholder and vice versa.
func (b Builder) WithCard(card interfaces.Card) Builder {
	b.card = &card
	return b
}

func (b Builder) WithCardHolder(holder interfaces.CardHolder) Builder {
	b.holder = &holder
	return b
}

func (b Builder) validate() error {
	fields := map[string]string{}
	if b.payer.ID == "" {
		fields["payer"] = "is required"
	}
	if b.billable.IsZero() {
		fields["billable"] = "type and id are required"
	}
	if b.amountCents <= 0 {
		fields["amount"] = "must be greater than zero"
	}
	if len(b.currency) != 3 {
		fields["currency"] = "must be an ISO 4217 code"
	}
	if !b.method.Valid() {
		fields["payment_method"] = "must be PIX, CREDIT_CARD or BOLETO"
	}
	if b.installments < 0 {
		fields["installments"] = "must not be negative"
	}
	if (b.card == nil) != (b.holder == nil) {
		fields["card"] = "card and cardholder must be supplied together"
	}
	if len(b.splits) > 0 && !json.Valid(b.splits) {
		fields["splits"] = "must be valid JSON"
	}
	if len(fields) > 0 {
		return validationError(fields)
	}
	return nil
}

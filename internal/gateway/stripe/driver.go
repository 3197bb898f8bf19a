package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v80"
	"github.com/stripe/stripe-go/v80/client"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/checkout-orchestrator/internal/apperr"
	"github.com/akylbek/payment-system/checkout-orchestrator/internal/interfaces"
	"github.com/akylbek/payment-system/checkout-orchestrator/internal/models"
)

const (
	Name = "stripe"

	metadataReference = "external_reference"
	defaultTimeout    = 15 * time.Second
)

var methodTypes = map[models.PaymentMethod]string{
	models.MethodPix:        "pix",
	models.MethodBoleto:     "boleto",
	models.MethodCreditCard: "card",
}

type Config struct {
	APIKey string
	// BaseURL overrides the Stripe API host; empty means api.stripe.com.
	BaseURL string
	Timeout time.Duration
}

// Driver creates Stripe PaymentIntents. The external reference is both the idempotency key
// of the create call and a metadata field used to search for the intent later.
type Driver struct {
	sc      *client.API
	timeout time.Duration
	logger  *zap.Logger
}

func NewDriver(cfg Config, logger *zap.Logger) *Driver {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	bc := &stripe.BackendConfig{
		HTTPClient:        &http.Client{Timeout: cfg.Timeout},
		MaxNetworkRetries: stripe.Int64(2),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelNull},
	}
	if cfg.BaseURL != "" {
		bc.URL = stripe.String(cfg.BaseURL)
	}

	sc := client.New(cfg.APIKey, &stripe.Backends{
		API:     stripe.GetBackendWithConfig(stripe.APIBackend, bc),
		Connect: stripe.GetBackendWithConfig(stripe.ConnectBackend, bc),
		Uploads: stripe.GetBackendWithConfig(stripe.UploadsBackend, bc),
	})
	return &Driver{sc: sc, timeout: cfg.Timeout, logger: logger.With(zap.String("gateway", Name))}
}

var _ interfaces.GatewayDriver = (*Driver)(nil)

func (d *Driver) Name() string { return Name }

func (d *Driver) CreateCharge(ctx context.Context, req interfaces.ChargeRequest) (interfaces.ChargeReference, error) {
	methodType, ok := methodTypes[req.Method]
	if !ok {
		return interfaces.ChargeReference{}, apperr.ValidationErr("unsupported payment method", map[string]string{"payment_method": string(req.Method)})
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	params := &stripe.PaymentIntentParams{
		Amount:             stripe.Int64(req.AmountCents),
		Currency:           stripe.String(strings.ToLower(req.Currency)),
		PaymentMethodTypes: stripe.StringSlice([]string{methodType}),
	}
	if req.Description != "" {
		params.Description = stripe.String(req.Description)
	}
	if strings.HasPrefix(req.CustomerID, "cus_") {
		params.Customer = stripe.String(req.CustomerID)
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.ExternalReference)
	params.AddMetadata(metadataReference, req.ExternalReference)
	if len(req.Splits) > 0 && len(req.Splits) <= 500 {
		params.AddMetadata("splits", string(req.Splits))
	}

	pi, err := d.sc.PaymentIntents.New(params)
	if err != nil {
		return interfaces.ChargeReference{}, classify(err)
	}

	ref := reference(pi)
	ref.Payload = map[string]any{"create_charge": map[string]any{
		"amount":               req.AmountCents,
		"currency":             strings.ToLower(req.Currency),
		"payment_method_types": []string{methodType},
		"external_reference":   req.ExternalReference,
	}}

	d.logger.Info("PaymentIntent created",
		zap.String("reference", pi.ID),
		zap.String("external_reference", req.ExternalReference),
		zap.String("status", string(pi.Status)),
	)
	return ref, nil
}

// ChargeStoredCard confirms the intent with a saved PaymentMethod. Raw card numbers are
// never sent to Stripe from the server.
func (d *Driver) ChargeStoredCard(ctx context.Context, reference string, card interfaces.Card, _ interfaces.CardHolder) (interfaces.ChargeResult, error) {
	if card.Token == "" {
		return interfaces.ChargeResult{}, apperr.ValidationErr("card must be tokenized", map[string]string{"card": "a payment method token is required"})
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	params := &stripe.PaymentIntentConfirmParams{PaymentMethod: stripe.String(card.Token)}
	params.Context = ctx
	params.SetIdempotencyKey(reference + "-confirm-" + card.Token)

	pi, err := d.sc.PaymentIntents.Confirm(reference, params)
	if err != nil {
		var se *stripe.Error
		if errors.As(err, &se) && se.Type == stripe.ErrorTypeCard {
			return interfaces.ChargeResult{
				Status:       "declined",
				Final:        true,
				ErrorCode:    string(se.DeclineCode),
				ErrorMessage: se.Msg,
				Raw:          errorMap(se),
			}, nil
		}
		return interfaces.ChargeResult{}, classify(err)
	}

	res := interfaces.ChargeResult{Status: string(pi.Status), Raw: rawJSON(pi.LastResponse)}
	switch pi.Status {
	case stripe.PaymentIntentStatusSucceeded:
		res.Approved, res.Final = true, true
	case stripe.PaymentIntentStatusRequiresPaymentMethod, stripe.PaymentIntentStatusCanceled:
		res.Final = true
		if pi.LastPaymentError != nil {
			res.ErrorCode = string(pi.LastPaymentError.Code)
			res.ErrorMessage = pi.LastPaymentError.Msg
		}
	}
	return res, nil
}

func (d *Driver) Refund(ctx context.Context, reference string, amountCents *int64) (interfaces.RefundResult, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	params := &stripe.RefundParams{PaymentIntent: stripe.String(reference)}
	if amountCents != nil {
		params.Amount = stripe.Int64(*amountCents)
	}
	params.Context = ctx

	r, err := d.sc.Refunds.New(params)
	if err != nil {
		return interfaces.RefundResult{}, classify(err)
	}
	return interfaces.RefundResult{
		Reference:   r.ID,
		Status:      string(r.Status),
		AmountCents: r.Amount,
		Raw:         rawJSON(r.LastResponse),
	}, nil
}

// FindCharge searches intents by the external_reference metadata. Search results are
// eventually consistent, so a nil result does not prove absence; CreateCharge relies on
// the idempotency key instead.
func (d *Driver) FindCharge(ctx context.Context, externalReference string) (*interfaces.ChargeReference, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	params := &stripe.PaymentIntentSearchParams{}
	params.Query = fmt.Sprintf("metadata['%s']:'%s'", metadataReference, strings.ReplaceAll(externalReference, "'", ""))
	params.Context = ctx

	iter := d.sc.PaymentIntents.Search(params)
	for iter.Next() {
		ref := reference(iter.PaymentIntent())
		return &ref, nil
	}
	if err := iter.Err(); err != nil {
		return nil, classify(err)
	}
	return nil, nil
}

func reference(pi *stripe.PaymentIntent) interfaces.ChargeReference {
	raw := rawJSON(pi.LastResponse)
	ref := interfaces.ChargeReference{
		Reference: pi.ID,
		Status:    string(pi.Status),
		Paid:      pi.Status == stripe.PaymentIntentStatusSucceeded,
		Response:  map[string]any{"create_charge": raw},
	}

	next, _ := raw["next_action"].(map[string]any)
	if boleto, ok := next["boleto_display_details"].(map[string]any); ok {
		ref.RedirectURL, _ = boleto["hosted_voucher_url"].(string)
	}
	if pix, ok := next["pix_display_qr_code"].(map[string]any); ok {
		ref.PixPayload, _ = pix["data"].(string)
		ref.PixQRCode, _ = pix["image_url_png"].(string)
		ref.RedirectURL, _ = pix["hosted_instructions_url"].(string)
	}
	return ref
}

// classify maps stripe-go errors onto the error taxonomy. Anything that is not an API
// error (DNS, reset connection, timeout) is treated as the provider being unavailable.
func classify(err error) error {
	var se *stripe.Error
	if !errors.As(err, &se) {
		return apperr.UnavailableErr(Name, err)
	}
	if se.HTTPStatusCode == http.StatusTooManyRequests || se.HTTPStatusCode >= 500 {
		return apperr.UnavailableErr(Name, err)
	}
	raw, _ := json.Marshal(se)
	return apperr.GatewayErr(Name, se.HTTPStatusCode, string(se.Code), se.Msg, raw)
}

func rawJSON(resp *stripe.APIResponse) map[string]any {
	if resp == nil || len(resp.RawJSON) == 0 {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(resp.RawJSON, &m); err != nil {
		return nil
	}
	return m
}

func errorMap(se *stripe.Error) map[string]any {
	b, err := json.Marshal(se)
	if err != nil {
		return nil
	}
	var m map[string]any
	_ = json.Unmarshal(b, &m)
	return m
}

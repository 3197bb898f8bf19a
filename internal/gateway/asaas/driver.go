package asaas

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/checkout-orchestrator/internal/apperr"
	"github.com/akylbek/payment-system/checkout-orchestrator/internal/interfaces"
	"github.com/akylbek/payment-system/checkout-orchestrator/internal/models"
	"github.com/akylbek/payment-system/checkout-orchestrator/internal/money"
	"github.com/akylbek/payment-system/checkout-orchestrator/internal/transport"
)

const (
	Name           = "asaas"
	DefaultBaseURL = "https://api.asaas.com"

	statusConfirmed = "CONFIRMED"
	statusReceived  = "RECEIVED"
)

var billingTypes = map[models.PaymentMethod]string{
	models.MethodPix:        "PIX",
	models.MethodBoleto:     "BOLETO",
	models.MethodCreditCard: "CREDIT_CARD",
}

type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Driver talks to the Asaas v3 payments API. Charges are created with the checkout's
// record UUID as externalReference, which is also used to find a charge created by a
// previous attempt.
type Driver struct {
	client *transport.Client
	logger *zap.Logger
}

func NewDriver(cfg Config, logger *zap.Logger) *Driver {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	client := transport.New(transport.Config{
		Provider:    Name,
		BaseURL:     cfg.BaseURL,
		Headers:     map[string]string{"access_token": cfg.APIKey, "User-Agent": "checkout-orchestrator"},
		Timeout:     cfg.Timeout,
		DecodeError: decodeError,
	}, logger)
	return &Driver{client: client, logger: logger.With(zap.String("gateway", Name))}
}

var _ interfaces.GatewayDriver = (*Driver)(nil)

func (d *Driver) Name() string { return Name }

type paymentRequest struct {
	Customer          string          `json:"customer"`
	BillingType       string          `json:"billingType"`
	Value             json.Number     `json:"value"`
	DueDate           string          `json:"dueDate"`
	Description       string          `json:"description,omitempty"`
	ExternalReference string          `json:"externalReference"`
	Split             json.RawMessage `json:"split,omitempty"`
	InstallmentCount  int             `json:"installmentCount,omitempty"`
	TotalValue        json.Number     `json:"totalValue,omitempty"`
}

type payment struct {
	ID                string      `json:"id"`
	Status            string      `json:"status"`
	Value             json.Number `json:"value"`
	BillingType       string      `json:"billingType"`
	ExternalReference string      `json:"externalReference"`
	InvoiceURL        string      `json:"invoiceUrl"`
	BankSlipURL       string      `json:"bankSlipUrl"`
}

type paymentList struct {
	Data       []json.RawMessage `json:"data"`
	TotalCount int               `json:"totalCount"`
}

type pixQRCode struct {
	EncodedImage   string `json:"encodedImage"`
	Payload        string `json:"payload"`
	ExpirationDate string `json:"expirationDate"`
}

// CreateCharge returns the charge already registered for req.ExternalReference when there is one.
func (d *Driver) CreateCharge(ctx context.Context, req interfaces.ChargeRequest) (interfaces.ChargeReference, error) {
	billingType, ok := billingTypes[req.Method]
	if !ok {
		return interfaces.ChargeReference{}, apperr.ValidationErr("unsupported payment method", map[string]string{"payment_method": string(req.Method)})
	}

	existing, err := d.FindCharge(ctx, req.ExternalReference)
	if err != nil {
		return interfaces.ChargeReference{}, err
	}
	if existing != nil {
		d.logger.Info("Reusing existing charge",
			zap.String("reference", existing.Reference),
			zap.String("external_reference", req.ExternalReference),
		)
		return *existing, nil
	}

	due := time.Now().UTC().AddDate(0, 0, 1)
	if req.DueDate != nil {
		due = *req.DueDate
	}
	body := paymentRequest{
		Customer:          req.CustomerID,
		BillingType:       billingType,
		Value:             amount(req.AmountCents, req.Currency),
		DueDate:           due.Format("2006-01-02"),
		Description:       req.Description,
		ExternalReference: req.ExternalReference,
		Split:             req.Splits,
	}
	if req.Method == models.MethodCreditCard && req.Installments > 1 {
		body.InstallmentCount = req.Installments
		body.TotalValue = body.Value
	}

	resp, err := d.client.Do(ctx, transport.Request{Method: http.MethodPost, Path: "/v3/payments", Body: body})
	if err != nil {
		return interfaces.ChargeReference{}, err
	}

	ref, err := d.reference(ctx, resp.Body)
	if err != nil {
		return interfaces.ChargeReference{}, err
	}
	ref.Payload = map[string]any{"create_charge": toMap(body)}

	d.logger.Info("Charge created",
		zap.String("reference", ref.Reference),
		zap.String("external_reference", req.ExternalReference),
		zap.String("billing_type", billingType),
	)
	return ref, nil
}

type creditCard struct {
	HolderName  string `json:"holderName"`
	Number      string `json:"number"`
	ExpiryMonth string `json:"expiryMonth"`
	ExpiryYear  string `json:"expiryYear"`
	CCV         string `json:"ccv"`
}

type creditCardHolderInfo struct {
	Name          string `json:"name"`
	Email         string `json:"email"`
	CpfCnpj       string `json:"cpfCnpj"`
	PostalCode    string `json:"postalCode"`
	AddressNumber string `json:"addressNumber"`
	Phone         string `json:"phone,omitempty"`
}

type payWithCardRequest struct {
	CreditCard           *creditCard          `json:"creditCard,omitempty"`
	CreditCardToken      string               `json:"creditCardToken,omitempty"`
	CreditCardHolderInfo creditCardHolderInfo `json:"creditCardHolderInfo"`
}

// ChargeStoredCard pays an existing charge with a card. A charge Asaas already reports as
// paid is returned as approved without submitting the card again. A rejection from Asaas
// is a declined result, not an error.
func (d *Driver) ChargeStoredCard(ctx context.Context, reference string, card interfaces.Card, holder interfaces.CardHolder) (interfaces.ChargeResult, error) {
	if current, raw, err := d.payment(ctx, reference); err != nil {
		return interfaces.ChargeResult{}, err
	} else if paid(current.Status) {
		d.logger.Info("Charge already paid, card not submitted", zap.String("reference", reference), zap.String("status", current.Status))
		return paidResult(current.Status, raw), nil
	}

	body := payWithCardRequest{
		CreditCardHolderInfo: creditCardHolderInfo{
			Name:          holder.Name,
			Email:         holder.Email,
			CpfCnpj:       holder.Document,
			PostalCode:    holder.PostalCode,
			AddressNumber: holder.AddressNumber,
			Phone:         holder.Phone,
		},
	}
	if card.Token != "" {
		body.CreditCardToken = card.Token
	} else {
		body.CreditCard = &creditCard{
			HolderName:  card.HolderName,
			Number:      card.Number,
			ExpiryMonth: card.ExpiryMonth,
			ExpiryYear:  card.ExpiryYear,
			CCV:         card.CVV,
		}
	}

	resp, err := d.client.Do(ctx, transport.Request{
		Method: http.MethodPost,
		Path:   "/v3/payments/" + url.PathEscape(reference) + "/payWithCreditCard",
		Body:   body,
	})
	if err != nil {
		ae, ok := apperr.As(err)
		if !ok || ae.Kind != apperr.Gateway || ae.StatusCode != http.StatusBadRequest {
			return interfaces.ChargeResult{}, err
		}
		// A 400 also answers a card paid by a concurrent attempt.
		if current, raw, lerr := d.payment(ctx, reference); lerr == nil && paid(current.Status) {
			return paidResult(current.Status, raw), nil
		}
		return interfaces.ChargeResult{
			Status:       "DECLINED",
			Approved:     false,
			Final:        true,
			ErrorCode:    ae.Code,
			ErrorMessage: ae.Message,
			Raw:          rawMap(ae.Raw),
		}, nil
	}

	var p payment
	if err := resp.Decode(&p); err != nil {
		return interfaces.ChargeResult{}, err
	}
	if paid(p.Status) {
		return paidResult(p.Status, resp.Body), nil
	}
	return interfaces.ChargeResult{Status: p.Status, Raw: rawMap(resp.Body)}, nil
}

// payment reads a charge by its Asaas id.
func (d *Driver) payment(ctx context.Context, id string) (payment, []byte, error) {
	var p payment
	resp, err := d.client.Do(ctx, transport.Request{
		Method:     http.MethodGet,
		Path:       "/v3/payments/" + url.PathEscape(id),
		Idempotent: true,
	})
	if err != nil {
		return p, nil, err
	}
	if err := resp.Decode(&p); err != nil {
		return p, nil, err
	}
	return p, resp.Body, nil
}

func paid(status string) bool {
	return status == statusConfirmed || status == statusReceived
}

func paidResult(status string, raw []byte) interfaces.ChargeResult {
	return interfaces.ChargeResult{Status: status, Approved: true, Final: true, Raw: rawMap(raw)}
}

type refundRequest struct {
	Value json.Number `json:"value,omitempty"`
}

// Refund refunds amountCents of the charge, or all of it when amountCents is nil.
func (d *Driver) Refund(ctx context.Context, reference string, amountCents *int64) (interfaces.RefundResult, error) {
	var body refundRequest
	if amountCents != nil {
		body.Value = amount(*amountCents, "BRL")
	}

	resp, err := d.client.Do(ctx, transport.Request{
		Method: http.MethodPost,
		Path:   "/v3/payments/" + url.PathEscape(reference) + "/refund",
		Body:   body,
	})
	if err != nil {
		return interfaces.RefundResult{}, err
	}

	var p payment
	if err := resp.Decode(&p); err != nil {
		return interfaces.RefundResult{}, err
	}
	result := interfaces.RefundResult{Reference: p.ID, Status: p.Status, Raw: rawMap(resp.Body)}
	if amountCents != nil {
		result.AmountCents = *amountCents
	} else if c, err := toCents(p.Value, "BRL"); err == nil {
		result.AmountCents = c
	}
	return result, nil
}

// FindCharge looks a charge up by the externalReference it was created with. It returns
// nil when no charge exists.
func (d *Driver) FindCharge(ctx context.Context, reference string) (*interfaces.ChargeReference, error) {
	resp, err := d.client.Do(ctx, transport.Request{
		Method:     http.MethodGet,
		Path:       "/v3/payments",
		Query:      url.Values{"externalReference": {reference}},
		Idempotent: true,
	})
	if err != nil {
		return nil, err
	}

	var list paymentList
	if err := resp.Decode(&list); err != nil {
		return nil, err
	}
	if len(list.Data) == 0 {
		return nil, nil
	}

	ref, err := d.reference(ctx, list.Data[0])
	if err != nil {
		return nil, err
	}
	return &ref, nil
}

// reference builds a ChargeReference from a payment object, attaching the PIX QR code
// for PIX charges.
func (d *Driver) reference(ctx context.Context, raw []byte) (interfaces.ChargeReference, error) {
	var p payment
	if err := json.Unmarshal(raw, &p); err != nil {
		return interfaces.ChargeReference{}, fmt.Errorf("decode asaas payment: %w", err)
	}
	if p.ID == "" {
		return interfaces.ChargeReference{}, apperr.GatewayErr(Name, http.StatusOK, "", "payment provider returned no charge id", raw)
	}

	ref := interfaces.ChargeReference{
		Reference: p.ID,
		Status:    p.Status,
		Paid:      paid(p.Status),
		Response:  map[string]any{"create_charge": rawMap(raw)},
	}
	switch p.BillingType {
	case "BOLETO":
		ref.RedirectURL = firstNonEmpty(p.BankSlipURL, p.InvoiceURL)
	case "PIX":
		qr, err := d.pixQRCode(ctx, p.ID)
		if err != nil {
			return interfaces.ChargeReference{}, err
		}
		ref.PixPayload = qr.Payload
		ref.PixQRCode = qr.EncodedImage
		ref.RedirectURL = p.InvoiceURL
	default:
		ref.RedirectURL = p.InvoiceURL
	}
	return ref, nil
}

func (d *Driver) pixQRCode(ctx context.Context, id string) (pixQRCode, error) {
	var qr pixQRCode
	resp, err := d.client.Do(ctx, transport.Request{
		Method:     http.MethodGet,
		Path:       "/v3/payments/" + url.PathEscape(id) + "/pixQrCode",
		Idempotent: true,
	})
	if err != nil {
		return qr, err
	}
	return qr, resp.Decode(&qr)
}

type errorBody struct {
	Errors []struct {
		Code        string `json:"code"`
		Description string `json:"description"`
	} `json:"errors"`
}

func decodeError(_ int, body []byte) (string, string) {
	var e errorBody
	if err := json.Unmarshal(body, &e); err != nil || len(e.Errors) == 0 {
		return "", ""
	}
	return e.Errors[0].Code, e.Errors[0].Description
}

func amount(cents int64, currency string) json.Number {
	m := money.New(cents, currency)
	return json.Number(m.Decimal().StringFixed(money.Exponent(m.Currency)))
}

func toCents(n json.Number, currency string) (int64, error) {
	if n == "" {
		return 0, errors.New("empty amount")
	}
	d, err := decimal.NewFromString(n.String())
	if err != nil {
		return 0, err
	}
	return money.FromDecimal(d, currency).Cents, nil
}

func rawMap(b []byte) map[string]any {
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return map[string]any{"raw": strings.TrimSpace(string(b))}
	}
	return m
}

func toMap(v any) map[string]any {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return rawMap(b)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

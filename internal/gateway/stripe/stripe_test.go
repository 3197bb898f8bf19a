package stripe_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v80/webhook"

	"github.com/akylbek/payment-system/checkout-orchestrator/internal/apperr"
	"github.com/akylbek/payment-system/checkout-orchestrator/internal/gateway/stripe"
	"github.com/akylbek/payment-system/checkout-orchestrator/internal/interfaces"
	"github.com/akylbek/payment-system/checkout-orchestrator/internal/models"
)

func fakeStripe(t *testing.T) *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/payment_intents", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "rec-1", r.Header.Get("Idempotency-Key"))
		assert.Equal(t, "7000", r.PostForm.Get("amount"))
		assert.Equal(t, "brl", r.PostForm.Get("currency"))
		assert.Equal(t, "rec-1", r.PostForm.Get("metadata[external_reference]"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"pi_1","object":"payment_intent","status":"requires_action","amount":7000,"currency":"brl",
			"next_action":{"type":"boleto_display_details","boleto_display_details":{"hosted_voucher_url":"https://stripe.test/v/1"}}}`))
	})
	mux.HandleFunc("/v1/payment_intents/pi_1/confirm", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		w.Header().Set("Content-Type", "application/json")
		if r.PostForm.Get("payment_method") == "pm_card_chargeDeclined" {
			w.WriteHeader(http.StatusPaymentRequired)
			w.Write([]byte(`{"error":{"type":"card_error","code":"card_declined","decline_code":"generic_decline","message":"Your card was declined."}}`))
			return
		}
		w.Write([]byte(`{"id":"pi_1","object":"payment_intent","status":"succeeded","amount":7000,"currency":"brl"}`))
	})
	mux.HandleFunc("/v1/refunds", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "pi_1", r.PostForm.Get("payment_intent"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"re_1","object":"refund","status":"succeeded","amount":1000}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newDriver(t *testing.T) *stripe.Driver {
	srv := fakeStripe(t)
	return stripe.NewDriver(stripe.Config{APIKey: "sk_test_123", BaseURL: srv.URL, Timeout: 2 * time.Second}, nil)
}

func TestDriver_CreateChargeUsesIdempotencyKey(t *testing.T) {
	d := newDriver(t)

	ref, err := d.CreateCharge(context.Background(), interfaces.ChargeRequest{
		CustomerID:        "user-1",
		AmountCents:       7000,
		Currency:          "BRL",
		Method:            models.MethodBoleto,
		ExternalReference: "rec-1",
	})
	require.NoError(t, err)

	assert.Equal(t, "pi_1", ref.Reference)
	assert.Equal(t, "requires_action", ref.Status)
	assert.Equal(t, "https://stripe.test/v/1", ref.RedirectURL)
}

func TestDriver_ChargeStoredCard(t *testing.T) {
	d := newDriver(t)

	res, err := d.ChargeStoredCard(context.Background(), "pi_1", interfaces.Card{Token: "pm_card_visa"}, interfaces.CardHolder{})
	require.NoError(t, err)
	assert.True(t, res.Approved)
	assert.True(t, res.Final)

	res, err = d.ChargeStoredCard(context.Background(), "pi_1", interfaces.Card{Token: "pm_card_chargeDeclined"}, interfaces.CardHolder{})
	require.NoError(t, err)
	assert.False(t, res.Approved)
	assert.True(t, res.Final)
	assert.Equal(t, "generic_decline", res.ErrorCode)

	_, err = d.ChargeStoredCard(context.Background(), "pi_1", interfaces.Card{Number: "4242424242424242"}, interfaces.CardHolder{})
	assert.True(t, apperr.Is(err, apperr.Validation))
}

func TestDriver_Refund(t *testing.T) {
	d := newDriver(t)
	amount := int64(1000)

	res, err := d.Refund(context.Background(), "pi_1", &amount)
	require.NoError(t, err)
	assert.Equal(t, "re_1", res.Reference)
	assert.Equal(t, int64(1000), res.AmountCents)
}

func TestSignatureVerifier(t *testing.T) {
	const secret = "whsec_test"
	body := []byte(`{"id":"evt_1","type":"payment_intent.succeeded","data":{"object":{"id":"pi_1","amount_received":7000}}}`)
	v := stripe.NewSignatureVerifier(secret, 5*time.Minute)

	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{Payload: body, Secret: secret, Timestamp: time.Now()})
	assert.True(t, v.Verify(body, signed.Header).Valid)

	wrong := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{Payload: body, Secret: "other", Timestamp: time.Now()})
	assert.Equal(t, apperr.ReasonInvalidSignature, v.Verify(body, wrong.Header).Reason)

	old := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{Payload: body, Secret: secret, Timestamp: time.Now().Add(-time.Hour)})
	assert.Equal(t, apperr.ReasonExpiredTimestamp, v.Verify(body, old.Header).Reason)

	assert.Equal(t, apperr.ReasonMissingSignature, v.Verify(body, "").Reason)
}

func TestParser_ParseEvent(t *testing.T) {
	ev, err := stripe.Parser{}.ParseEvent([]byte(`{"id":"evt_1","type":"payment_intent.succeeded","data":{"object":{"id":"pi_1","object":"payment_intent","amount_received":7000,"metadata":{"external_reference":"rec-1"}}}}`))
	require.NoError(t, err)
	assert.Equal(t, models.WebhookReceived, ev.Kind)
	assert.Equal(t, "pi_1", ev.ChargeReference)
	assert.Equal(t, "rec-1", ev.ExternalReference)
	assert.Equal(t, int64(7000), ev.AmountCents)

	ev, err = stripe.Parser{}.ParseEvent([]byte(`{"id":"evt_2","type":"charge.refunded","data":{"object":{"id":"ch_1","object":"charge","payment_intent":"pi_1","amount_refunded":1000,"refunded":false}}}`))
	require.NoError(t, err)
	assert.Equal(t, models.WebhookPartiallyRefunded, ev.Kind)
	assert.Equal(t, "pi_1", ev.ChargeReference)
	assert.Equal(t, int64(1000), ev.AmountCents)

	_, err = stripe.Parser{}.ParseEvent([]byte(`{}`))
	assert.True(t, apperr.Is(err, apperr.Validation))
}

package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akylbek/payment-system/checkout-orchestrator/internal/api"
	"github.com/akylbek/payment-system/checkout-orchestrator/internal/gateway"
	"github.com/akylbek/payment-system/checkout-orchestrator/internal/gateway/asaas"
	"github.com/akylbek/payment-system/checkout-orchestrator/internal/handlers"
	"github.com/akylbek/payment-system/checkout-orchestrator/internal/ledger"
	"github.com/akylbek/payment-system/checkout-orchestrator/internal/models"
	"github.com/akylbek/payment-system/checkout-orchestrator/internal/repository/memory"
	"github.com/akylbek/payment-system/checkout-orchestrator/internal/settlement"
	"github.com/akylbek/payment-system/checkout-orchestrator/internal/webhook"
)

func newServer(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := memory.NewPaymentRepository()
	require.NoError(t, store.Create(context.Background(), &models.PaymentRecord{
		UUID:               "p-1",
		PayerID:            "user-1",
		Billable:           models.Billable{Type: "course", ID: "c-1"},
		Currency:           "BRL",
		AmountCents:        7000,
		GatewayAmountCents: 7000,
		Status:             models.StatusPending,
		Gateway:            asaas.Name,
		PaymentMethod:      models.MethodPix,
		IdempotencyKey:     "k-1",
	}))
	rec, _ := store.GetByUUID(context.Background(), "p-1")
	require.NoError(t, store.AttachCharge(context.Background(), rec.ID, "pay_1", nil, nil))

	reg := gateway.NewRegistry(asaas.Name)
	reg.Register(gateway.Provider{
		Driver:   asaas.NewDriver(asaas.Config{}, nil),
		Verifier: asaas.NewTokenVerifier("tok"),
		Parser:   asaas.Parser{},
	}, true)

	svc := settlement.NewService(store, ledger.NewMemoryLedger(), nil, nil, settlement.WithDrivers(reg))
	reconciler := webhook.NewReconciler(reg, memory.NewProcessedEventRepository(), store, svc, nil)

	return api.NewRouter(api.Dependencies{
		Webhooks: handlers.NewWebhookHandler(reconciler, map[string]string{asaas.Name: asaas.SignatureHeader}, nil),
		Payments: handlers.NewPaymentHandler(store, svc, nil),
	})
}

func TestRouter_Health(t *testing.T) {
	r := newServer(t)

	for _, path := range []string{"/health", "/metrics"} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, w.Code, path)
	}
}

func TestRouter_WebhookSettlesPayment(t *testing.T) {
	r := newServer(t)
	body := `{"id":"evt_1","event":"PAYMENT_RECEIVED","payment":{"id":"pay_1","value":70.00,"status":"RECEIVED"}}`

	send := func(token string) int {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/asaas", strings.NewReader(body))
		if token != "" {
			req.Header.Set(asaas.SignatureHeader, token)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w.Code
	}

	assert.Equal(t, http.StatusUnauthorized, send(""))
	assert.Equal(t, http.StatusUnauthorized, send("wrong"))
	assert.Equal(t, http.StatusOK, send("tok"))
	assert.Equal(t, http.StatusOK, send("tok"))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/payments/p-1", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var got models.PaymentRecord
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, models.StatusPaid, got.Status)
	assert.Equal(t, int64(7000), got.ReceivedCents)
	assert.Len(t, got.Settlement, 1)
}

func TestRouter_UnknownProvider(t *testing.T) {
	r := newServer(t)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/webhooks/paypal", strings.NewReader(`{}`)))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

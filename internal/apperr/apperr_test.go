package apperr_test

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akylbek/payment-system/checkout-orchestrator/internal/apperr"
)

func TestAs_FindsWrappedError(t *testing.T) {
	err := fmt.Errorf("hold wallet funds: %w", apperr.InsufficientFundsErr(6000, 5000))

	ae, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.InsufficientFunds, ae.Kind)
	assert.Equal(t, int64(6000), ae.Required)
	assert.Equal(t, int64(5000), ae.Available)
	assert.True(t, apperr.Is(err, apperr.InsufficientFunds))
	assert.False(t, apperr.Is(err, apperr.Validation))
}

func TestHTTPStatus(t *testing.T) {
	cases := map[string]struct {
		err  error
		want int
	}{
		"validation":   {apperr.ValidationErr("payer is required", nil), http.StatusBadRequest},
		"funds":        {apperr.InsufficientFundsErr(1, 0), http.StatusPaymentRequired},
		"transition":   {apperr.InvalidTransitionErr("FAILED", "PAID"), http.StatusConflict},
		"gateway":      {apperr.GatewayErr("asaas", 400, "invalid_cpf", "CPF inválido", nil), http.StatusUnprocessableEntity},
		"unavailable":  {apperr.UnavailableErr("asaas", errors.New("timeout")), http.StatusServiceUnavailable},
		"verification": {apperr.VerificationErr(apperr.ReasonMissingSignature), http.StatusUnauthorized},
		"not found":    {apperr.NotFoundErr("payment not found"), http.StatusNotFound},
		"plain":        {errors.New("boom"), http.StatusInternalServerError},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.want, apperr.HTTPStatus(tc.err))
		})
	}
}

func TestRetryable(t *testing.T) {
	assert.True(t, apperr.UnavailableErr("asaas", nil).Retryable())
	assert.False(t, apperr.GatewayErr("asaas", 400, "", "", nil).Retryable())
}

func TestWrap_KeepsClassifiedErrors(t *testing.T) {
	orig := apperr.InvalidTransitionErr("REFUNDED", "PAID")
	assert.Same(t, orig, apperr.Wrap(fmt.Errorf("settle: %w", orig)))
	assert.Equal(t, apperr.Internal, apperr.Wrap(errors.New("db down")).Kind)
	assert.Nil(t, apperr.Wrap(nil))
}

func TestError_Message(t *testing.T) {
	err := apperr.InvalidTransitionErr("FAILED", "PAID")
	assert.Equal(t, "invalid_state_transition: cannot transition payment from FAILED to PAID", err.Error())
}

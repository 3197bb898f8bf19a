package checkout

import (
	"errors"

	"github.com/akylbek/payment-system/checkout-orchestrator/internal/apperr"
)

var (
	errNoOrchestrator = errors.New("checkout: builder was not created by an Orchestrator")
	errUnbalanced     = errors.New("checkout: wallet and gateway portions do not add up to the amount")
)

func validationError(fields map[string]string) error {
	return apperr.ValidationErr("invalid checkout", fields)
}

package models

import "github.com/akylbek/payment-system/checkout-orchestrator/internal/apperr"

var allowedTransitions = map[PaymentStatus][]PaymentStatus{
	StatusPending: {StatusPaid, StatusFailed},
	StatusPaid:    {StatusRefunded},
}

// Transition checks a status change against the payment state machine.
// Re-applying the current status is allowed and reported as unchanged so that
// replayed webhooks and racing settlement paths become no-ops.
func Transition(from, to PaymentStatus) (changed bool, err error) {
	if from == to {
		return false, nil
	}
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true, nil
		}
	}
	return false, apperr.InvalidTransitionErr(string(from), string(to))
}

func (s PaymentStatus) Valid() bool {
	switch s {
	case StatusPending, StatusPaid, StatusFailed, StatusRefunded:
		return true
	}
	return false
}

func (s PaymentStatus) Terminal() bool {
	return s == StatusFailed || s == StatusRefunded
}

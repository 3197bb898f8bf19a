package checkout

import (
	"strings"

	"github.com/akylbek/payment-system/checkout-orchestrator/internal/interfaces"
)

// maskPAN keeps only the last four digits.
func maskPAN(number string) string {
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, number)
	if len(digits) < 4 {
		return "****"
	}
	return "****" + digits[len(digits)-4:]
}

// cardAudit is the only form in which card data reaches the audit payload. The CVV is
// never included.
func cardAudit(card interfaces.Card, holder interfaces.CardHolder) map[string]any {
	out := map[string]any{
		"holder_name": card.HolderName,
		"expiry":      card.ExpiryMonth + "/" + card.ExpiryYear,
		"cardholder": map[string]any{
			"name":  holder.Name,
			"email": holder.Email,
		},
	}
	if card.Token != "" {
		out["token"] = true
	}
	if card.Number != "" {
		out["number"] = maskPAN(card.Number)
	}
	return out
}

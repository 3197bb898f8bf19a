package money

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Money is an amount in integer minor units of a currency.
type Money struct {
	Cents    int64  `json:"amount_cents"`
	Currency string `json:"currency"`
}

// zero-decimal currencies; everything else is treated as having two minor digits
var zeroDecimal = map[string]bool{
	"JPY": true,
	"KRW": true,
	"CLP": true,
	"PYG": true,
}

func New(cents int64, currency string) Money {
	return Money{Cents: cents, Currency: strings.ToUpper(currency)}
}

// Exponent returns the number of minor-unit digits for currency.
func Exponent(currency string) int32 {
	if zeroDecimal[strings.ToUpper(currency)] {
		return 0
	}
	return 2
}

// Decimal returns the amount in major units, e.g. 7000 BRL -> 70.00.
func (m Money) Decimal() decimal.Decimal {
	return decimal.New(m.Cents, -Exponent(m.Currency))
}

func (m Money) String() string {
	return fmt.Sprintf("%s %s", m.Decimal().StringFixed(Exponent(m.Currency)), m.Currency)
}

func (m Money) IsPositive() bool { return m.Cents > 0 }

// FromDecimal converts a major-unit amount into minor units, rounding half away from zero.
func FromDecimal(d decimal.Decimal, currency string) Money {
	exp := Exponent(currency)
	return New(d.Shift(exp).Round(0).IntPart(), currency)
}

// Min returns the smaller of two minor-unit amounts.
func Min(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

package domain

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
)

// Money is an amount in minor currency units, e.g. cents for USD.
// Arithmetic stays on int64 so pricing the same cart twice always
// lands on the same total.
type Money struct {
	Amount   int64
	Currency currency.Unit
}

func NewMoney(amount int64, code string) (Money, error) {
	unit, err := currency.ParseISO(code)
	if err != nil {
		return Money{}, fmt.Errorf("currency.ParseISO[%s]: %w", code, err)
	}

	return Money{Amount: amount, Currency: unit}, nil
}

func (m Money) Add(other Money) (Money, error) {
	if m.Currency != other.Currency {
		return Money{}, errors.New("currency mismatch")
	}

	return Money{Amount: m.Amount + other.Amount, Currency: m.Currency}, nil
}

func (m Money) MulQty(qty int64) Money {
	return Money{Amount: m.Amount * qty, Currency: m.Currency}
}

func (m Money) IsNegative() bool {
	return m.Amount < 0
}

// Decimal renders the amount in major units for feeds and logs,
// using the currency's standard rounding scale.
func (m Money) Decimal() decimal.Decimal {
	scale, _ := currency.Standard.Rounding(m.Currency)
	return decimal.New(m.Amount, -int32(scale))
}

func (m Money) String() string {
	return fmt.Sprintf("%s %s", m.Decimal().String(), m.Currency.String())
}

package domain

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// currencyMinorUnits lists supported ISO 4217 currencies and their decimal places.
var currencyMinorUnits = map[string]int32{
	"USD": 2,
	"EUR": 2,
	"GBP": 2,
	"CHF": 2,
	"CAD": 2,
	"AUD": 2,
	"SGD": 2,
	"JPY": 0,
	"VND": 0,
	"KWD": 3,
}

// MinorUnits returns the number of decimal places for a currency.
func MinorUnits(currency string) (int32, bool) {
	n, ok := currencyMinorUnits[strings.ToUpper(currency)]
	return n, ok
}

// Money is a fixed-point amount in a single currency.
type Money struct {
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
}

// NewMoney validates and normalizes an amount. The amount must be positive
// and must not carry more decimal places than the currency allows.
func NewMoney(amount decimal.Decimal, currency string) (Money, error) {
	currency = strings.ToUpper(strings.TrimSpace(currency))
	minor, ok := currencyMinorUnits[currency]
	if !ok {
		return Money{}, fmt.Errorf("%w: %q", ErrUnsupportedCurrency, currency)
	}
	if !amount.IsPositive() {
		return Money{}, ErrInvalidAmount
	}
	if !amount.Equal(amount.Truncate(minor)) {
		return Money{}, fmt.Errorf("%w: %s allows %d decimal places", ErrAmountPrecision, currency, minor)
	}
	return Money{Amount: amount, Currency: currency}, nil
}

// ParseMoney parses a decimal string such as "10.00".
func ParseMoney(amount, currency string) (Money, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(amount))
	if err != nil {
		return Money{}, fmt.Errorf("%w: %q", ErrInvalidAmount, amount)
	}
	return NewMoney(d, currency)
}

// MinorAmount returns the amount in minor units (cents for USD).
func (m Money) MinorAmount() int64 {
	minor, _ := MinorUnits(m.Currency)
	return m.Amount.Shift(minor).IntPart()
}

// WithAmount returns a Money in the same currency.
func (m Money) WithAmount(amount decimal.Decimal) Money {
	return Money{Amount: amount, Currency: m.Currency}
}

func (m Money) String() string {
	minor, _ := MinorUnits(m.Currency)
	return m.Amount.StringFixed(minor) + " " + m.Currency
}

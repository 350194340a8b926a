package money

import (
	"errors"
	"math"
	"strings"
)

var (
	ErrInvalidCurrency  = errors.New("money: invalid currency code")
	ErrCurrencyMismatch = errors.New("money: currency mismatch")
	ErrInvalidAmount    = errors.New("money: invalid amount")
)

// Money keeps amounts in integer cents so booking totals add up exactly.
type Money struct {
	Cents    int64
	Currency string
}

// New constructs a Money value validating minimal invariants.
func New(cents int64, currency string) (Money, error) {
	if len(currency) != 3 {
		return Money{}, ErrInvalidCurrency
	}
	return Money{Cents: cents, Currency: strings.ToUpper(currency)}, nil
}

// Must creates Money and panics if validation fails; useful in tests and fixtures.
func Must(cents int64, currency string) Money {
	m, err := New(cents, currency)
	if err != nil {
		panic(err)
	}
	return m
}

// FromFloat converts a decimal price as sent by collaborators (e.g. 130.5) into cents.
func FromFloat(amount float64, currency string) (Money, error) {
	if math.IsNaN(amount) || math.IsInf(amount, 0) || amount < 0 {
		return Money{}, ErrInvalidAmount
	}
	return New(int64(math.Round(amount*100)), currency)
}

// Add adds two money values ensuring currencies match.
func (m Money) Add(other Money) (Money, error) {
	if err := m.ensureSameCurrency(other); err != nil {
		return Money{}, err
	}
	return Money{Cents: m.Cents + other.Cents, Currency: m.Currency}, nil
}

// Float64 returns the decimal amount for wire formats that expect it.
func (m Money) Float64() float64 {
	return float64(m.Cents) / 100
}

func (m Money) IsZero() bool {
	return m.Cents == 0
}

func (m Money) ensureSameCurrency(other Money) error {
	if m.Currency == "" || other.Currency == "" {
		return ErrInvalidCurrency
	}
	if m.Currency != other.Currency {
		return ErrCurrencyMismatch
	}
	return nil
}

// Package money provides integer minor-unit monetary values. Floating point
// is forbidden anywhere a value settles: every amount in the platform is an
// int64 count of the smallest unit, paired with a currency or token code.
package money

import (
	"fmt"
)

// Money is an amount in integer minor units of a currency or token.
// For USD a minor unit is one cent; stablecoin amounts use the token's
// native minor denomination.
type Money struct {
	AmountMinor int64  `json:"amount_minor"`
	Currency    string `json:"currency"`
}

// New returns a Money value.
func New(amountMinor int64, currency string) Money {
	return Money{AmountMinor: amountMinor, Currency: currency}
}

// USD returns a US dollar amount from cents.
func USD(cents int64) Money { return New(cents, "USD") }

// Add returns m + other. Errors on currency mismatch.
func (m Money) Add(other Money) (Money, error) {
	if m.Currency != other.Currency {
		return Money{}, fmt.Errorf("currency mismatch: %s vs %s", m.Currency, other.Currency)
	}
	return Money{AmountMinor: m.AmountMinor + other.AmountMinor, Currency: m.Currency}, nil
}

// Sub returns m - other. Errors on currency mismatch.
func (m Money) Sub(other Money) (Money, error) {
	if m.Currency != other.Currency {
		return Money{}, fmt.Errorf("currency mismatch: %s vs %s", m.Currency, other.Currency)
	}
	return Money{AmountMinor: m.AmountMinor - other.AmountMinor, Currency: m.Currency}, nil
}

// IsZero reports whether the amount is exactly zero.
func (m Money) IsZero() bool { return m.AmountMinor == 0 }

// IsPositive reports whether the amount is greater than zero.
func (m Money) IsPositive() bool { return m.AmountMinor > 0 }

// IsNegative reports whether the amount is less than zero.
func (m Money) IsNegative() bool { return m.AmountMinor < 0 }

// Cmp compares two amounts of the same currency: -1 if m < other, 0 if
// equal, +1 if m > other. Errors on currency mismatch.
func (m Money) Cmp(other Money) (int, error) {
	if m.Currency != other.Currency {
		return 0, fmt.Errorf("currency mismatch: %s vs %s", m.Currency, other.Currency)
	}
	switch {
	case m.AmountMinor < other.AmountMinor:
		return -1, nil
	case m.AmountMinor > other.AmountMinor:
		return 1, nil
	default:
		return 0, nil
	}
}

// String renders the amount for logs, e.g. "12.34 USD". Display only; the
// formatted value must never be parsed back into an amount.
func (m Money) String() string {
	whole := m.AmountMinor / 100
	frac := m.AmountMinor % 100
	if frac < 0 {
		frac = -frac
	}
	return fmt.Sprintf("%d.%02d %s", whole, frac, m.Currency)
}

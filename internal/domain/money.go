package domain

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Money is a fixed-point decimal amount stored as integer minor units
// (e.g. cents) to avoid floating-point drift across retries and
// compensations. Currency is a 3-letter ISO code.
type Money struct {
	MinorUnits int64  `json:"minorUnits"`
	Currency   string `json:"currency"`
}

// NewMoney parses a decimal string amount (e.g. "99.99") and a 3-letter
// currency code into a Money value. The amount must be non-negative.
func NewMoney(amount string, currency string) (Money, error) {
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if len(currency) != 3 {
		return Money{}, fmt.Errorf("currency must be a 3-letter code, got %q", currency)
	}

	f, err := strconv.ParseFloat(strings.TrimSpace(amount), 64)
	if err != nil {
		return Money{}, fmt.Errorf("invalid amount %q: %w", amount, err)
	}
	if f < 0 {
		return Money{}, fmt.Errorf("amount must be non-negative, got %v", f)
	}

	minor := int64(math.Round(f * 100))
	return Money{MinorUnits: minor, Currency: currency}, nil
}

// String renders the amount back as a decimal string, e.g. "99.99".
func (m Money) String() string {
	return fmt.Sprintf("%d.%02d", m.MinorUnits/100, m.MinorUnits%100)
}

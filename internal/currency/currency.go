// Package currency converts canonical-currency amounts for display. Rates
// are fetched from an external provider, cached with a TTL in the blob store
// and replaced by a fixed approximate table when the provider is down.
package currency

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/shopspring/decimal"
)

// Base is the canonical currency every stored amount is expressed in.
const Base = "EUR"

// ErrUnsupportedCurrency is returned for a code outside Supported.
var ErrUnsupportedCurrency = errors.New("unsupported currency")

// Rates maps a currency code to its rate relative to Base.
type Rates map[string]decimal.Decimal

var symbols = map[string]string{
	"EUR": "€",
	"USD": "$",
	"GBP": "£",
	"KES": "KSh",
}

// FallbackRates returns the approximate table used when no fetched rates are
// available.
func FallbackRates() Rates {
	return Rates{
		"EUR": decimal.NewFromInt(1),
		"USD": decimal.RequireFromString("1.08"),
		"GBP": decimal.RequireFromString("0.85"),
		"KES": decimal.NewFromInt(140),
	}
}

// Supported lists the selectable display currencies.
func Supported() []string {
	codes := make([]string, 0, len(symbols))
	for code := range symbols {
		codes = append(codes, code)
	}
	slices.Sort(codes)
	return codes
}

// IsSupported reports whether code can be selected for display.
func IsSupported(code string) bool {
	_, ok := symbols[code]
	return ok
}

// Normalize upper-cases code and checks it is supported.
func Normalize(code string) (string, error) {
	c := strings.ToUpper(strings.TrimSpace(code))
	if !IsSupported(c) {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedCurrency, code)
	}
	return c, nil
}

// Symbol returns the display symbol for code, or the code itself if unknown.
func Symbol(code string) string {
	if s, ok := symbols[code]; ok {
		return s
	}
	return code
}

// Format renders the absolute amount with the currency symbol and two
// decimals, e.g. "€100.00". The sign is conveyed by the caller.
func Format(amount decimal.Decimal, code string) string {
	return Symbol(code) + amount.Abs().StringFixed(2)
}

// Rate returns the rate for code, 1 for Base or when the rate is missing.
func (r Rates) Rate(code string) decimal.Decimal {
	if code == Base {
		return decimal.NewFromInt(1)
	}
	if rate, ok := r[code]; ok && rate.IsPositive() {
		return rate
	}
	return decimal.NewFromInt(1)
}

// Convert turns a Base amount into code. A missing or unusable rate leaves
// the amount unchanged.
func Convert(amount decimal.Decimal, code string, rates Rates) decimal.Decimal {
	if code == Base {
		return amount
	}
	return amount.Mul(rates.Rate(code))
}

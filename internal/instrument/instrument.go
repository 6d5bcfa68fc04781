// Package instrument validates the identifiers and quantities accepted by
// the trade path.
package instrument

import (
	"fmt"
	"regexp"

	"github.com/shopspring/decimal"

	"github.com/investquest/portfolio-engine/internal/apperr"
	"github.com/investquest/portfolio-engine/internal/model"
)

// symbolRegex matches an uppercased ticker: a leading letter, then up to 14
// letters, digits, dots or dashes. Examples: ABC, BRK.B, RDS-A, BTC-USD.
var symbolRegex = regexp.MustCompile(`^[A-Z][A-Z0-9.\-]{0,14}$`)

var (
	ErrInvalidSymbol   = fmt.Errorf("%w: invalid symbol", apperr.ErrValidation)
	ErrInvalidQuantity = fmt.Errorf("%w: invalid quantity", apperr.ErrValidation)
)

// ParseSymbol normalizes symbol and checks its format.
func ParseSymbol(symbol string) (string, error) {
	s := model.NormalizeSymbol(symbol)
	if !symbolRegex.MatchString(s) {
		return "", fmt.Errorf("%w: %q (expected a ticker such as ABC or BRK.B)", ErrInvalidSymbol, symbol)
	}
	return s, nil
}

// Policy is the quantity rule for traded instruments.
type Policy struct {
	// Fractional allows non-integer quantities.
	Fractional bool
	// MaxScale caps the decimal places of a fractional quantity.
	MaxScale int32
}

// DefaultPolicy allows fractional shares to six decimal places.
var DefaultPolicy = Policy{Fractional: true, MaxScale: 6}

// CheckQuantity rejects zero, negative, and (per policy) fractional or
// over-precise quantities.
func (p Policy) CheckQuantity(qty decimal.Decimal) error {
	if !qty.IsPositive() {
		return fmt.Errorf("%w: %s must be positive", ErrInvalidQuantity, qty)
	}
	if !p.Fractional {
		if !qty.Equal(qty.Truncate(0)) {
			return fmt.Errorf("%w: %s is fractional, whole units only", ErrInvalidQuantity, qty)
		}
		return nil
	}
	if p.MaxScale > 0 && !qty.Equal(qty.Truncate(p.MaxScale)) {
		return fmt.Errorf("%w: %s has more than %d decimal places", ErrInvalidQuantity, qty, p.MaxScale)
	}
	return nil
}

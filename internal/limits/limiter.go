// Package limits enforces the trading rules a portfolio's competition sets
// on its holdings: which instruments may be bought, how many distinct
// positions may be open at once, and how large one position may grow.
//
// Limits apply to buys only. A sell always reduces exposure and is never
// blocked by a limit.
package limits

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/investquest/portfolio-engine/internal/apperr"
	"github.com/investquest/portfolio-engine/internal/model"
)

var (
	// ErrAssetNotAllowed is returned when the symbol is outside the allowed list.
	ErrAssetNotAllowed = errors.New("limits: asset not allowed")

	// ErrMaxPositionsExceeded is returned when a buy would open one
	// position more than MaxPositions.
	ErrMaxPositionsExceeded = errors.New("limits: maximum open positions exceeded")

	// ErrPositionLimitExceeded is returned when a buy would push one
	// symbol's quantity beyond MaxQuantity.
	ErrPositionLimitExceeded = errors.New("limits: per-symbol position limit exceeded")
)

// PositionLimiter holds the rules. Zero values disable a rule.
type PositionLimiter struct {
	// Allowed lists the symbols that may be bought. Empty allows all.
	Allowed map[string]bool

	// MaxPositions caps the number of distinct open positions.
	MaxPositions int

	// MaxQuantity caps the held quantity of any one symbol.
	MaxQuantity decimal.Decimal
}

// NewPositionLimiter creates a limiter. allowed symbols are normalized.
func NewPositionLimiter(allowed []string, maxPositions int, maxQuantity decimal.Decimal) *PositionLimiter {
	l := &PositionLimiter{MaxPositions: maxPositions, MaxQuantity: maxQuantity}
	if len(allowed) > 0 {
		l.Allowed = make(map[string]bool, len(allowed))
		for _, s := range allowed {
			l.Allowed[model.NormalizeSymbol(s)] = true
		}
	}
	return l
}

// CheckBuy validates buying qty of symbol against the currently held
// positions. A nil limiter allows everything.
func (l *PositionLimiter) CheckBuy(symbol string, qty decimal.Decimal, held []model.Position) error {
	if l == nil {
		return nil
	}
	symbol = model.NormalizeSymbol(symbol)

	// 1. Allowed assets.
	if len(l.Allowed) > 0 && !l.Allowed[symbol] {
		return fmt.Errorf("%w: %w: %s", apperr.ErrValidation, ErrAssetNotAllowed, symbol)
	}

	current := decimal.Zero
	open := false
	for _, p := range held {
		if p.Symbol == symbol {
			current = p.Quantity
			open = true
			break
		}
	}

	// 2. Distinct positions; adding to an open position never counts.
	if l.MaxPositions > 0 && !open && len(held) >= l.MaxPositions {
		return fmt.Errorf("%w: %w: %d open, limit %d",
			apperr.ErrValidation, ErrMaxPositionsExceeded, len(held), l.MaxPositions)
	}

	// 3. Per-symbol quantity.
	if l.MaxQuantity.IsPositive() && current.Add(qty).GreaterThan(l.MaxQuantity) {
		return fmt.Errorf("%w: %w: %s would hold %s, limit %s",
			apperr.ErrValidation, ErrPositionLimitExceeded, symbol, current.Add(qty), l.MaxQuantity)
	}

	return nil
}

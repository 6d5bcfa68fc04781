// Package aggregate derives a portfolio's performance summary from its
// positions. The summary is never edited by hand: every position mutation is
// followed by Recompute in the same commit.
package aggregate

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/investquest/portfolio-engine/internal/apperr"
	"github.com/investquest/portfolio-engine/internal/model"
)

var (
	// PercentScale is the number of decimal places on return and weight
	// percentages.
	PercentScale int32 = 8

	hundred = decimal.NewFromInt(100)
)

// Recompute returns the summary for positions given the capital invested to
// date, and the positions with their portfolio weight filled in.
//
//	totalValue       = sum(quantity * currentPrice)
//	totalReturn      = totalValue - invested
//	returnPercentage = totalReturn / invested * 100   (0, undefined, when invested is 0)
//
// Fields owned outside the trade path (realized gain, day change) are carried
// over from prior.
func Recompute(positions []model.Position, invested decimal.Decimal, prior model.Performance) (model.Performance, []model.Position) {
	total := decimal.Zero
	for _, p := range positions {
		total = total.Add(p.Quantity.Mul(p.CurrentPrice))
	}

	weighted := make([]model.Position, len(positions))
	for i, p := range positions {
		if total.IsPositive() {
			p.Percentage = p.MarketValue.Div(total).Mul(hundred).Round(PercentScale)
		} else {
			p.Percentage = decimal.Zero
		}
		weighted[i] = p
	}

	perf := prior
	perf.TotalValue = total
	perf.TotalInvested = invested
	perf.TotalReturn = total.Sub(invested)
	perf.ReturnPercentage, perf.ReturnDefined = ReturnPercentage(perf.TotalReturn, invested)
	return perf, weighted
}

// ReturnPercentage is the guarded division ret / invested * 100. It reports
// (0, false) instead of failing when invested is zero.
func ReturnPercentage(ret, invested decimal.Decimal) (decimal.Decimal, bool) {
	if invested.IsZero() {
		return decimal.Zero, false
	}
	return ret.Div(invested).Mul(hundred).Round(PercentScale), true
}

// DayChange sets the day-change figures against the previous valuation of
// the portfolio.
func DayChange(perf model.Performance, previousValue decimal.Decimal) model.Performance {
	perf.DayChange = perf.TotalValue.Sub(previousValue)
	if previousValue.IsZero() {
		perf.DayChangePercentage = decimal.Zero
	} else {
		perf.DayChangePercentage = perf.DayChange.Div(previousValue).Mul(hundred).Round(PercentScale)
	}
	return perf
}

// Verify checks that perf agrees with the positions it was derived from.
// A failure means the engine itself is wrong; callers must not commit.
func Verify(positions []model.Position, perf model.Performance) error {
	seen := make(map[string]bool, len(positions))
	total := decimal.Zero
	for _, p := range positions {
		if seen[p.Symbol] {
			return fmt.Errorf("%w: duplicate position %s", apperr.ErrConsistency, p.Symbol)
		}
		seen[p.Symbol] = true
		if !p.Quantity.IsPositive() {
			return fmt.Errorf("%w: position %s has quantity %s", apperr.ErrConsistency, p.Symbol, p.Quantity)
		}
		value := p.Quantity.Mul(p.CurrentPrice)
		if !p.MarketValue.Equal(value) {
			return fmt.Errorf("%w: position %s market value %s, want %s",
				apperr.ErrConsistency, p.Symbol, p.MarketValue, value)
		}
		total = total.Add(value)
	}
	if !perf.TotalValue.Equal(total) {
		return fmt.Errorf("%w: total value %s, positions sum to %s", apperr.ErrConsistency, perf.TotalValue, total)
	}
	if !perf.TotalReturn.Equal(perf.TotalValue.Sub(perf.TotalInvested)) {
		return fmt.Errorf("%w: total return %s does not equal value %s - invested %s",
			apperr.ErrConsistency, perf.TotalReturn, perf.TotalValue, perf.TotalInvested)
	}
	return nil
}

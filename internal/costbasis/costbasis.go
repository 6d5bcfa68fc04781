// Package costbasis implements the weighted-average cost-basis rule for a
// single position.
//
// The functions are pure: positions are passed in and returned by value,
// nothing is stored. A position keeps its total CostBasis alongside the
// AverageCost so repeated buys accumulate exactly; the average is derived
// from the total rather than from the previous (rounded) average.
package costbasis

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/investquest/portfolio-engine/internal/apperr"
	"github.com/investquest/portfolio-engine/internal/model"
)

var (
	// ErrInvalidQuantity is returned for a zero or negative trade quantity.
	ErrInvalidQuantity = fmt.Errorf("%w: quantity must be positive", apperr.ErrValidation)

	// ErrNegativePrice is returned for a unit or market price below zero.
	ErrNegativePrice = fmt.Errorf("%w: price must not be negative", apperr.ErrValidation)

	// ErrInsufficientQuantity is returned when a sell exceeds the held quantity.
	ErrInsufficientQuantity = fmt.Errorf("costbasis: %w", apperr.ErrInsufficientQuantity)

	// ErrNoPosition is returned when selling a symbol that is not held. It
	// matches both ErrInsufficientQuantity and apperr.ErrNotFound.
	ErrNoPosition = fmt.Errorf("costbasis: no position held: %w, %w",
		apperr.ErrInsufficientQuantity, apperr.ErrNotFound)
)

var (
	// CostScale is the number of decimal places kept on the average cost.
	CostScale int32 = 12

	// PercentScale is the number of decimal places on derived percentages.
	PercentScale int32 = 8

	hundred = decimal.NewFromInt(100)
)

// Fill is one executed trade against a position.
type Fill struct {
	Quantity decimal.Decimal
	Price    decimal.Decimal // unit price at execution
}

func (f Fill) validate() error {
	if !f.Quantity.IsPositive() {
		return ErrInvalidQuantity
	}
	if f.Price.IsNegative() {
		return ErrNegativePrice
	}
	return nil
}

// SellResult is the outcome of ApplySell.
type SellResult struct {
	Position model.Position
	// Realized is quantity * (price - average cost).
	Realized decimal.Decimal
	// Closed is true when the sell liquidated the position; the caller must
	// remove it rather than keep a zero-quantity entry.
	Closed bool
}

// ApplyBuy adds fill to existing (nil when the symbol is not yet held) and
// revalues the result at mark, the latest observed market price.
//
//	newQty  = oldQty + qty
//	newAvg  = (oldAvg*oldQty + price*qty) / newQty
func ApplyBuy(existing *model.Position, symbol string, fill Fill, mark decimal.Decimal) (model.Position, error) {
	if err := fill.validate(); err != nil {
		return model.Position{}, err
	}
	if mark.IsNegative() {
		return model.Position{}, ErrNegativePrice
	}

	var pos model.Position
	if existing != nil {
		pos = *existing
	} else {
		pos = model.Position{Symbol: model.NormalizeSymbol(symbol)}
	}

	pos.Quantity = pos.Quantity.Add(fill.Quantity)
	pos.CostBasis = pos.CostBasis.Add(fill.Quantity.Mul(fill.Price))
	// newQty > 0 because fill.Quantity > 0 and held quantity is never negative.
	pos.AverageCost = pos.CostBasis.DivRound(pos.Quantity, CostScale)

	return Revalue(pos, mark), nil
}

// ApplySell removes fill.Quantity from pos at fill.Price. Average cost is
// unchanged by a sell.
func ApplySell(pos model.Position, fill Fill, mark decimal.Decimal) (SellResult, error) {
	if err := fill.validate(); err != nil {
		return SellResult{}, err
	}
	if mark.IsNegative() {
		return SellResult{}, ErrNegativePrice
	}
	if fill.Quantity.GreaterThan(pos.Quantity) {
		return SellResult{}, fmt.Errorf("%w: selling %s of %s, holding %s",
			ErrInsufficientQuantity, fill.Quantity, pos.Symbol, pos.Quantity)
	}

	realized := fill.Quantity.Mul(fill.Price.Sub(pos.AverageCost))

	pos.Quantity = pos.Quantity.Sub(fill.Quantity)
	if pos.Quantity.IsZero() {
		pos.CostBasis = decimal.Zero
		pos = Revalue(pos, mark)
		return SellResult{Position: pos, Realized: realized, Closed: true}, nil
	}
	pos.CostBasis = pos.AverageCost.Mul(pos.Quantity)

	return SellResult{Position: Revalue(pos, mark), Realized: realized}, nil
}

// Revalue recomputes the market figures of pos at mark.
//
//	marketValue = qty * mark
//	gainLoss    = marketValue - avgCost*qty
func Revalue(pos model.Position, mark decimal.Decimal) model.Position {
	pos.CurrentPrice = mark
	pos.MarketValue = pos.Quantity.Mul(mark)
	cost := pos.AverageCost.Mul(pos.Quantity)
	pos.GainLoss = pos.MarketValue.Sub(cost)
	if cost.IsPositive() {
		pos.GainLossPercentage = pos.GainLoss.Div(cost).Mul(hundred).Round(PercentScale)
	} else {
		pos.GainLossPercentage = decimal.Zero
	}
	return pos
}

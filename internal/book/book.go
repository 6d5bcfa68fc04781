// Package book is the keyed set of open positions for one portfolio.
//
// A Book is a view over a portfolio's position list; it is not persisted on
// its own. Symbols are uppercased before every lookup and no two entries share
// a symbol. Zero-quantity positions are never retained.
package book

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/investquest/portfolio-engine/internal/apperr"
	"github.com/investquest/portfolio-engine/internal/costbasis"
	"github.com/investquest/portfolio-engine/internal/model"
)

// Book is not safe for concurrent use; the trade executor serialises access
// per portfolio.
type Book struct {
	positions map[string]model.Position
	order     []string // insertion order, kept for stable output
}

// New builds a book from a stored position list. Later duplicates of a
// symbol replace earlier ones.
func New(positions []model.Position) *Book {
	b := &Book{positions: make(map[string]model.Position, len(positions))}
	for _, p := range positions {
		if p.Quantity.IsZero() {
			continue
		}
		b.Upsert(p.Symbol, p)
	}
	return b
}

// Get returns the position for symbol.
func (b *Book) Get(symbol string) (model.Position, bool) {
	p, ok := b.positions[model.NormalizeSymbol(symbol)]
	return p, ok
}

// Upsert stores pos under symbol. A zero quantity removes the entry; a
// negative quantity is rejected.
func (b *Book) Upsert(symbol string, pos model.Position) error {
	key := model.NormalizeSymbol(symbol)
	if key == "" {
		return fmt.Errorf("%w: empty symbol", apperr.ErrValidation)
	}
	if pos.Quantity.IsNegative() {
		return fmt.Errorf("%w: position %s cannot go negative (%s)",
			apperr.ErrConsistency, key, pos.Quantity)
	}
	if pos.Quantity.IsZero() {
		b.Remove(key)
		return nil
	}
	pos.Symbol = key
	if _, exists := b.positions[key]; !exists {
		b.order = append(b.order, key)
	}
	b.positions[key] = pos
	return nil
}

// Remove deletes the position for symbol, if any.
func (b *Book) Remove(symbol string) {
	key := model.NormalizeSymbol(symbol)
	if _, ok := b.positions[key]; !ok {
		return
	}
	delete(b.positions, key)
	for i, s := range b.order {
		if s == key {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
}

// All returns the positions in insertion order.
func (b *Book) All() []model.Position {
	out := make([]model.Position, 0, len(b.order))
	for _, s := range b.order {
		out = append(out, b.positions[s])
	}
	return out
}

// Len returns the number of open positions.
func (b *Book) Len() int { return len(b.positions) }

// Symbols returns held symbols sorted alphabetically.
func (b *Book) Symbols() []string {
	out := append([]string(nil), b.order...)
	sort.Strings(out)
	return out
}

// Buy applies a buy fill through the cost-basis calculator.
func (b *Book) Buy(symbol, name string, fill costbasis.Fill, mark decimal.Decimal) (model.Position, error) {
	var existing *model.Position
	if p, ok := b.Get(symbol); ok {
		existing = &p
	}
	pos, err := costbasis.ApplyBuy(existing, symbol, fill, mark)
	if err != nil {
		return model.Position{}, err
	}
	if name != "" {
		pos.Name = name
	}
	if err := b.Upsert(symbol, pos); err != nil {
		return model.Position{}, err
	}
	return pos, nil
}

// Sell applies a sell fill; a liquidated position is removed from the book.
// The book is left untouched when the sell is rejected.
func (b *Book) Sell(symbol string, fill costbasis.Fill, mark decimal.Decimal) (costbasis.SellResult, error) {
	p, ok := b.Get(symbol)
	if !ok {
		return costbasis.SellResult{}, fmt.Errorf("%w: %s", costbasis.ErrNoPosition, model.NormalizeSymbol(symbol))
	}
	res, err := costbasis.ApplySell(p, fill, mark)
	if err != nil {
		return costbasis.SellResult{}, err
	}
	if res.Closed {
		b.Remove(symbol)
		return res, nil
	}
	if err := b.Upsert(symbol, res.Position); err != nil {
		return costbasis.SellResult{}, err
	}
	return res, nil
}

// Revalue marks the position for symbol at price, if held.
func (b *Book) Revalue(symbol string, price decimal.Decimal) {
	if p, ok := b.Get(symbol); ok {
		b.positions[p.Symbol] = costbasis.Revalue(p, price)
	}
}

// CostBasis returns the invested capital still held: sum of avgCost*qty.
func (b *Book) CostBasis() decimal.Decimal {
	total := decimal.Zero
	for _, p := range b.positions {
		total = total.Add(p.AverageCost.Mul(p.Quantity))
	}
	return total
}

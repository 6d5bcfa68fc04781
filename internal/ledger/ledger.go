// Package ledger builds and reads the append-only transaction record.
//
// Entries are created here and appended by the store inside the trade commit.
// Nothing in the engine rewrites an entry's side, symbol, quantity, price or
// total; a correction is a new compensating entry that references the
// original through RelatedTransactionID.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/Rhymond/go-money"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/investquest/portfolio-engine/internal/apperr"
	"github.com/investquest/portfolio-engine/internal/model"
)

// DefaultCurrency is used for descriptions when none is configured.
const DefaultCurrency = money.USD

// Params describes a trade to record.
type Params struct {
	UserID               string
	PortfolioID          string
	Side                 model.Side
	Symbol               string
	Quantity             decimal.Decimal
	Price                decimal.Decimal
	Fees                 decimal.Decimal
	RealizedGain         decimal.Decimal
	RelatedTransactionID string
	IdempotencyKey       string
	Currency             string
}

// NewEntry returns the immutable transaction for p, stamped at now.
//
//	amount = quantity * price
//	total  = amount + fees (buy), amount - fees (sell), amount (dividend)
func NewEntry(p Params, now time.Time) (model.Transaction, error) {
	if !p.Side.Valid() {
		return model.Transaction{}, fmt.Errorf("%w: unknown side %q", apperr.ErrValidation, p.Side)
	}
	symbol := model.NormalizeSymbol(p.Symbol)
	if symbol == "" {
		return model.Transaction{}, fmt.Errorf("%w: symbol is required", apperr.ErrValidation)
	}
	if !p.Quantity.IsPositive() {
		return model.Transaction{}, fmt.Errorf("%w: quantity must be positive", apperr.ErrValidation)
	}
	if p.Fees.IsNegative() {
		return model.Transaction{}, fmt.Errorf("%w: fees must not be negative", apperr.ErrValidation)
	}

	amount := p.Quantity.Mul(p.Price)
	total := amount
	switch p.Side {
	case model.SideBuy:
		total = amount.Add(p.Fees)
	case model.SideSell:
		total = amount.Sub(p.Fees)
	}

	return model.Transaction{
		ID:                   uuid.New().String(),
		UserID:               p.UserID,
		PortfolioID:          p.PortfolioID,
		Side:                 p.Side,
		Symbol:               symbol,
		Quantity:             p.Quantity,
		Price:                p.Price,
		Amount:               amount,
		Fees:                 p.Fees,
		Total:                total,
		RealizedGain:         p.RealizedGain,
		Description:          Describe(p.Side, p.Quantity, symbol, p.Price, p.Currency),
		RelatedTransactionID: p.RelatedTransactionID,
		IdempotencyKey:       p.IdempotencyKey,
		Timestamp:            now.UTC(),
	}, nil
}

// Compensating returns the parameters of the entry that undoes original.
// Price is left zero: the compensating trade fills at the market price
// resolved when it executes. Only buys and sells can be compensated.
func Compensating(original model.Transaction) (Params, error) {
	if original.Side != model.SideBuy && original.Side != model.SideSell {
		return Params{}, fmt.Errorf("%w: %s entries cannot be reversed", apperr.ErrValidation, original.Side)
	}
	return Params{
		UserID:               original.UserID,
		PortfolioID:          original.PortfolioID,
		Side:                 original.Side.Opposite(),
		Symbol:               original.Symbol,
		Quantity:             original.Quantity,
		Fees:                 decimal.Zero,
		RelatedTransactionID: original.ID,
	}, nil
}

// Matches reports whether tx records the same request as side/symbol/qty.
// Used to tell an idempotent replay from a reused key.
func Matches(tx model.Transaction, side model.Side, symbol string, qty decimal.Decimal) bool {
	return tx.Side == side &&
		tx.Symbol == model.NormalizeSymbol(symbol) &&
		tx.Quantity.Equal(qty)
}

// Describe renders the human-readable line stored on an entry, for example
// "Bought 10 shares of ABC at $100.00".
func Describe(side model.Side, qty decimal.Decimal, symbol string, price decimal.Decimal, currency string) string {
	verb := "Bought"
	switch side {
	case model.SideSell:
		verb = "Sold"
	case model.SideDividend:
		return fmt.Sprintf("Dividend on %s shares of %s at %s", qty, symbol, formatPrice(price, currency))
	}
	return fmt.Sprintf("%s %s shares of %s at %s", verb, qty, symbol, formatPrice(price, currency))
}

func formatPrice(price decimal.Decimal, currency string) string {
	if currency == "" {
		currency = DefaultCurrency
	}
	fraction := 2
	if c := money.GetCurrency(currency); c != nil {
		fraction = c.Fraction
	}
	minor := price.Shift(int32(fraction)).Round(0).IntPart()
	return money.New(minor, currency).Display()
}

// Reader is the read side of the ledger store.
type Reader interface {
	GetTransaction(ctx context.Context, id string) (*model.Transaction, error)
	ListByPortfolio(ctx context.Context, portfolioID string) ([]model.Transaction, error)
	ListByUser(ctx context.Context, userID string) ([]model.Transaction, error)
}

// Ledger exposes caller-scoped reads over the transaction record.
type Ledger struct {
	r Reader
}

// New creates a ledger over r.
func New(r Reader) *Ledger {
	return &Ledger{r: r}
}

// ByID returns one entry, enforcing that callerID owns it.
func (l *Ledger) ByID(ctx context.Context, callerID, id string) (*model.Transaction, error) {
	tx, err := l.r.GetTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	if tx.UserID != callerID {
		return nil, fmt.Errorf("transaction %s: %w", id, apperr.ErrUnauthorized)
	}
	return tx, nil
}

// ByPortfolio returns a portfolio's entries in commit order.
func (l *Ledger) ByPortfolio(ctx context.Context, portfolioID string) ([]model.Transaction, error) {
	return l.r.ListByPortfolio(ctx, portfolioID)
}

// ByUser returns all entries of a user in commit order.
func (l *Ledger) ByUser(ctx context.Context, userID string) ([]model.Transaction, error) {
	return l.r.ListByUser(ctx, userID)
}

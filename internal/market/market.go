// Package market resolves the current price of an instrument. The engine
// never fetches or normalizes market data itself; it asks a PriceSource for
// an already-resolved quote.
package market

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/investquest/portfolio-engine/internal/apperr"
	"github.com/investquest/portfolio-engine/internal/model"
)

// PriceSource returns the latest price for a symbol, or an error wrapping
// apperr.ErrPriceUnavailable.
type PriceSource interface {
	CurrentPrice(ctx context.Context, symbol string) (model.Quote, error)
}

// QuoteReader is the store surface StoreSource reads from.
type QuoteReader interface {
	GetQuote(ctx context.Context, symbol string) (*model.Quote, error)
}

// StaticSource serves prices from an in-memory table. Safe for concurrent use.
type StaticSource struct {
	mu     sync.RWMutex
	quotes map[string]model.Quote
}

// NewStaticSource creates an empty StaticSource.
func NewStaticSource() *StaticSource {
	return &StaticSource{quotes: make(map[string]model.Quote)}
}

// Set records price for symbol.
func (s *StaticSource) Set(symbol, name string, price decimal.Decimal) {
	symbol = model.NormalizeSymbol(symbol)
	s.mu.Lock()
	s.quotes[symbol] = model.Quote{Symbol: symbol, Name: name, Price: price, AsOf: time.Now().UTC()}
	s.mu.Unlock()
}

// Delete forgets symbol.
func (s *StaticSource) Delete(symbol string) {
	s.mu.Lock()
	delete(s.quotes, model.NormalizeSymbol(symbol))
	s.mu.Unlock()
}

func (s *StaticSource) CurrentPrice(_ context.Context, symbol string) (model.Quote, error) {
	s.mu.RLock()
	q, ok := s.quotes[model.NormalizeSymbol(symbol)]
	s.mu.RUnlock()
	if !ok {
		return model.Quote{}, fmt.Errorf("%w: no price for %s", apperr.ErrPriceUnavailable, symbol)
	}
	return q, nil
}

// StoreSource reads the quote table kept by the store.
type StoreSource struct {
	r QuoteReader
}

// NewStoreSource creates a PriceSource over r.
func NewStoreSource(r QuoteReader) *StoreSource {
	return &StoreSource{r: r}
}

func (s *StoreSource) CurrentPrice(ctx context.Context, symbol string) (model.Quote, error) {
	q, err := s.r.GetQuote(ctx, symbol)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return model.Quote{}, fmt.Errorf("%w: no price for %s", apperr.ErrPriceUnavailable, symbol)
		}
		return model.Quote{}, fmt.Errorf("%w: lookup %s: %v", apperr.ErrPriceUnavailable, symbol, err)
	}
	if q.Price.IsNegative() {
		return model.Quote{}, fmt.Errorf("%w: negative price %s for %s", apperr.ErrPriceUnavailable, q.Price, symbol)
	}
	return *q, nil
}

type timeoutSource struct {
	src PriceSource
	d   time.Duration
}

// WithTimeout bounds every lookup on src by d. A lookup that runs out of
// time fails with apperr.ErrPriceUnavailable. A non-positive d returns src.
func WithTimeout(src PriceSource, d time.Duration) PriceSource {
	if d <= 0 {
		return src
	}
	return &timeoutSource{src: src, d: d}
}

func (t *timeoutSource) CurrentPrice(ctx context.Context, symbol string) (model.Quote, error) {
	ctx, cancel := context.WithTimeout(ctx, t.d)
	defer cancel()

	q, err := t.src.CurrentPrice(ctx, symbol)
	if err != nil && errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, apperr.ErrPriceUnavailable) {
		return model.Quote{}, fmt.Errorf("%w: lookup %s timed out after %s", apperr.ErrPriceUnavailable, symbol, t.d)
	}
	return q, err
}

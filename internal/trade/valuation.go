package trade

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/investquest/portfolio-engine/internal/aggregate"
	"github.com/investquest/portfolio-engine/internal/apperr"
	"github.com/investquest/portfolio-engine/internal/book"
	"github.com/investquest/portfolio-engine/internal/events"
	"github.com/investquest/portfolio-engine/internal/metrics"
	"github.com/investquest/portfolio-engine/internal/model"
	"github.com/investquest/portfolio-engine/internal/store"
	"github.com/investquest/portfolio-engine/internal/util"
)

// Revalue re-marks every position at the current market price and
// recomputes the summary, including day change. It writes no ledger entry.
// A symbol without a price keeps its last mark.
//
// Day change is the market movement picked up by re-marks since the start
// of the current UTC day. Trades move TotalValue too but are not counted.
func (e *Executor) Revalue(ctx context.Context, portfolioID string) (*model.Portfolio, error) {
	if portfolioID == "" {
		return nil, fmt.Errorf("%w: portfolio id is required", apperr.ErrValidation)
	}

	release, err := e.locks.acquire(ctx, portfolioID)
	if err != nil {
		return nil, fmt.Errorf("%w: waiting for portfolio %s: %v", apperr.ErrTransient, portfolioID, err)
	}
	defer release()

	var (
		out     *model.Portfolio
		changed bool
	)
	err = util.RetryIf(ctx, e.opts.MaxConflictRetries+1, e.opts.RetryBaseDelay, isConflict, func(attempt int) error {
		if attempt > 0 {
			metrics.ConflictRetries.Inc()
		}
		p, ch, err := e.revalueOnce(ctx, portfolioID)
		out, changed = p, ch
		return err
	})
	if err != nil {
		metrics.Valuations.WithLabelValues("failed").Inc()
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, storeErr(err)
		}
		return nil, err
	}
	if !changed {
		metrics.Valuations.WithLabelValues("unchanged").Inc()
		return out, nil
	}

	metrics.Valuations.WithLabelValues("committed").Inc()
	e.log.Debug("portfolio revalued",
		"portfolio", out.ID,
		"total_value", out.Performance.TotalValue.String(),
		"day_change", out.Performance.DayChange.String(),
		"version", out.Version,
	)
	e.publish(ctx, events.Event{
		Type:        events.PortfolioUpdated,
		PortfolioID: out.ID,
		UserID:      out.UserID,
		Payload:     out,
		At:          out.Performance.ValuedAt,
	})
	return out, nil
}

// revalueOnce is one read-mark-commit pass. It reports changed=false, and
// commits nothing, when no mark moved and the day change needs no reset.
func (e *Executor) revalueOnce(ctx context.Context, portfolioID string) (*model.Portfolio, bool, error) {
	p, err := e.store.GetPortfolioForUpdate(ctx, portfolioID)
	if err != nil {
		return nil, false, lookupErr(err)
	}
	now := e.opts.Now().UTC()

	b := book.New(p.Positions)
	moved := false
	for _, symbol := range b.Symbols() {
		quote, err := e.prices.CurrentPrice(ctx, symbol)
		if err != nil {
			if ctx.Err() != nil {
				return nil, false, ctx.Err()
			}
			e.log.Warn("no price for revaluation, keeping last mark",
				"portfolio", p.ID, "symbol", symbol, "err", err)
			continue
		}
		if pos, _ := b.Get(symbol); pos.CurrentPrice.Equal(quote.Price) {
			continue
		}
		b.Revalue(symbol, quote.Price)
		moved = true
	}

	prior := p.Performance
	newDay := !sameDay(prior.ValuedAt, now)
	if !moved && !(newDay && !prior.DayChange.IsZero()) {
		return p, false, nil
	}

	carried := decimal.Zero
	if !newDay {
		carried = prior.DayChange
	}
	perf, positions := aggregate.Recompute(b.All(), b.CostBasis(), prior)
	moveToday := carried.Add(perf.TotalValue.Sub(prior.TotalValue))
	perf = aggregate.DayChange(perf, perf.TotalValue.Sub(moveToday))
	perf.ValuedAt = now
	perf.UpdatedAt = now

	next := p.Clone()
	next.Positions = positions
	next.Performance = perf
	next.UpdatedAt = now

	if err := aggregate.Verify(positions, perf); err != nil {
		metrics.ConsistencyViolations.Inc()
		e.log.Error("consistency violation, valuation not committed",
			"portfolio", p.ID, "before", p, "after", next, "err", err)
		return nil, false, fmt.Errorf("valuation of portfolio %s: %w", p.ID, err)
	}

	if err := e.store.SaveValuation(ctx, store.ValuationCommit{
		Portfolio:       next,
		ExpectedVersion: p.Version,
	}); err != nil {
		return nil, false, storeErr(err)
	}
	next.Version = p.Version + 1
	return next, true, nil
}

func sameDay(a, b time.Time) bool {
	if a.IsZero() {
		return false
	}
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}

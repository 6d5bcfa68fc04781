// Package trade executes buy and sell orders against a portfolio and serves
// the portfolio HTTP API.
//
// Every order runs Validate, Price-Resolve, Compute, Append, Aggregate and
// Commit while holding the portfolio's lock. Nothing is written before
// Commit, and Commit writes positions, summary and ledger entry as one unit,
// so a rejected order leaves no trace.
package trade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/investquest/portfolio-engine/internal/aggregate"
	"github.com/investquest/portfolio-engine/internal/apperr"
	"github.com/investquest/portfolio-engine/internal/book"
	"github.com/investquest/portfolio-engine/internal/costbasis"
	"github.com/investquest/portfolio-engine/internal/events"
	"github.com/investquest/portfolio-engine/internal/instrument"
	"github.com/investquest/portfolio-engine/internal/ledger"
	"github.com/investquest/portfolio-engine/internal/limits"
	"github.com/investquest/portfolio-engine/internal/market"
	"github.com/investquest/portfolio-engine/internal/metrics"
	"github.com/investquest/portfolio-engine/internal/model"
	"github.com/investquest/portfolio-engine/internal/store"
	"github.com/investquest/portfolio-engine/internal/util"
)

// Store is the persistence the executor needs.
type Store interface {
	store.PortfolioStore
	store.LedgerStore
}

// Options tunes an Executor. The zero value is usable and trades whole
// units only.
type Options struct {
	Policy   instrument.Policy
	Currency string
	// Fee is a flat charge per trade, folded into the transaction total.
	// It never changes the average cost of a position.
	Fee decimal.Decimal
	// PriceTimeout bounds each market-data lookup.
	PriceTimeout time.Duration
	// MaxConflictRetries is how often a commit that lost an optimistic
	// version race is re-run from Validate.
	MaxConflictRetries int
	RetryBaseDelay     time.Duration
	Limiter            *limits.PositionLimiter
	Logger             *slog.Logger
	Now                func() time.Time
}

// Executor is the trade orchestrator. Safe for concurrent use; orders on
// the same portfolio are serialized, orders on different portfolios are not.
type Executor struct {
	store  Store
	prices market.PriceSource
	sink   events.Sink
	locks  *portfolioLocks
	opts   Options
	log    *slog.Logger
}

// NewExecutor wires an executor. sink may be nil.
func NewExecutor(st Store, prices market.PriceSource, sink events.Sink, opts Options) *Executor {
	if sink == nil {
		sink = events.Nop{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Currency == "" {
		opts.Currency = ledger.DefaultCurrency
	}
	return &Executor{
		store:  st,
		prices: market.WithTimeout(prices, opts.PriceTimeout),
		sink:   sink,
		locks:  newPortfolioLocks(),
		opts:   opts,
		log:    opts.Logger,
	}
}

// Order is a request to buy or sell.
type Order struct {
	PortfolioID string
	CallerID    string
	Side        model.Side
	Symbol      string
	Quantity    decimal.Decimal
	// IdempotencyKey makes retries safe: a replayed key returns the
	// original result instead of trading again.
	IdempotencyKey string

	related string // set for compensating orders
}

// Result is a committed trade.
type Result struct {
	Portfolio   *model.Portfolio  `json:"portfolio"`
	Transaction model.Transaction `json:"transaction"`
	// Replayed is true when the result was answered from an earlier
	// commit under the same idempotency key.
	Replayed bool `json:"replayed"`
}

// ExecuteTrade runs one order to completion or returns an error with no
// effect on stored state.
func (e *Executor) ExecuteTrade(ctx context.Context, o Order) (*Result, error) {
	start := time.Now()

	res, err := e.execute(ctx, o)
	if err != nil {
		metrics.TradeRejections.WithLabelValues(metrics.Kind(err)).Inc()
		e.log.Info("trade rejected",
			"portfolio", o.PortfolioID,
			"user", o.CallerID,
			"side", string(o.Side),
			"symbol", o.Symbol,
			"qty", o.Quantity.String(),
			"err", err,
		)
		return nil, err
	}
	if res.Replayed {
		e.log.Info("trade replayed", "trade_id", res.Transaction.ID, "portfolio", o.PortfolioID)
		return res, nil
	}

	metrics.TradesTotal.WithLabelValues(string(res.Transaction.Side)).Inc()
	metrics.TradeLatency.WithLabelValues(string(res.Transaction.Side)).Observe(time.Since(start).Seconds())

	tx := res.Transaction
	e.log.Info("trade executed",
		"trade_id", tx.ID,
		"portfolio", tx.PortfolioID,
		"user", tx.UserID,
		"side", string(tx.Side),
		"symbol", tx.Symbol,
		"qty", tx.Quantity.String(),
		"price", tx.Price.String(),
		"total", tx.Total.String(),
		"total_value", res.Portfolio.Performance.TotalValue.String(),
		"version", res.Portfolio.Version,
	)

	e.publish(ctx, events.Event{
		Type:        events.PortfolioUpdated,
		PortfolioID: tx.PortfolioID,
		UserID:      tx.UserID,
		Payload:     res,
		At:          tx.Timestamp,
	})
	return res, nil
}

// Reverse undoes a committed buy or sell with a compensating trade at the
// current market price. The original entry is never touched; the new entry
// references it. An entry can be reversed once.
func (e *Executor) Reverse(ctx context.Context, portfolioID, callerID, transactionID, idempotencyKey string) (*Result, error) {
	orig, err := e.store.GetTransaction(ctx, transactionID)
	if err != nil {
		return nil, lookupErr(err)
	}
	if orig.UserID != callerID {
		return nil, fmt.Errorf("transaction %s: %w", transactionID, apperr.ErrUnauthorized)
	}
	if orig.PortfolioID != portfolioID {
		return nil, fmt.Errorf("transaction %s in portfolio %s: %w", transactionID, portfolioID, apperr.ErrNotFound)
	}
	if orig.RelatedTransactionID != "" {
		return nil, fmt.Errorf("%w: transaction %s is itself a reversal", apperr.ErrValidation, transactionID)
	}
	params, err := ledger.Compensating(*orig)
	if err != nil {
		return nil, err
	}

	return e.ExecuteTrade(ctx, Order{
		PortfolioID:    portfolioID,
		CallerID:       callerID,
		Side:           params.Side,
		Symbol:         params.Symbol,
		Quantity:       params.Quantity,
		IdempotencyKey: idempotencyKey,
		related:        params.RelatedTransactionID,
	})
}

// GetPortfolio returns the stored portfolio document.
func (e *Executor) GetPortfolio(ctx context.Context, portfolioID string) (*model.Portfolio, error) {
	p, err := e.store.GetPortfolio(ctx, portfolioID)
	if err != nil {
		return nil, lookupErr(err)
	}
	return p, nil
}

// GetPortfolioSummary returns the performance summary as last committed.
func (e *Executor) GetPortfolioSummary(ctx context.Context, portfolioID string) (model.Performance, error) {
	p, err := e.GetPortfolio(ctx, portfolioID)
	if err != nil {
		return model.Performance{}, err
	}
	return p.Performance, nil
}

// CreatePortfolio opens an empty, active portfolio owned by callerID.
func (e *Executor) CreatePortfolio(ctx context.Context, callerID, name string, typ model.PortfolioType) (*model.Portfolio, error) {
	if callerID == "" {
		return nil, fmt.Errorf("%w: caller identity required", apperr.ErrUnauthorized)
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: portfolio name is required", apperr.ErrValidation)
	}
	switch typ {
	case "":
		typ = model.TypeSimulation
	case model.TypeReal, model.TypeSimulation, model.TypeChallenge:
	default:
		return nil, fmt.Errorf("%w: unknown portfolio type %q", apperr.ErrValidation, typ)
	}

	now := e.opts.Now().UTC()
	p := &model.Portfolio{
		ID:        uuid.New().String(),
		UserID:    callerID,
		Name:      name,
		Type:      typ,
		Status:    model.StatusActive,
		Positions: []model.Position{},
		Performance: model.Performance{
			UpdatedAt: now,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.store.CreatePortfolio(ctx, p); err != nil {
		return nil, storeErr(err)
	}
	e.log.Info("portfolio created", "portfolio", p.ID, "user", callerID, "type", string(typ))
	return p, nil
}

func (e *Executor) execute(ctx context.Context, o Order) (*Result, error) {
	symbol, err := e.validateOrder(o)
	if err != nil {
		return nil, err
	}

	waitStart := time.Now()
	release, err := e.locks.acquire(ctx, o.PortfolioID)
	metrics.LockWait.Observe(time.Since(waitStart).Seconds())
	if err != nil {
		return nil, fmt.Errorf("%w: waiting for portfolio %s: %v", apperr.ErrTransient, o.PortfolioID, err)
	}
	defer release()

	if res, err := e.replay(ctx, o, symbol); res != nil || err != nil {
		return res, err
	}
	if o.related != "" {
		if err := e.checkNotReversed(ctx, o.PortfolioID, o.related); err != nil {
			return nil, err
		}
	}

	var res *Result
	err = util.RetryIf(ctx, e.opts.MaxConflictRetries+1, e.opts.RetryBaseDelay, isConflict, func(attempt int) error {
		if attempt > 0 {
			metrics.ConflictRetries.Inc()
			e.log.Debug("retrying trade after version conflict", "portfolio", o.PortfolioID, "attempt", attempt)
		}
		r, err := e.attempt(ctx, o, symbol)
		res = r
		return err
	})
	if errors.Is(err, apperr.ErrDuplicateRequest) && o.IdempotencyKey != "" {
		// Another instance committed the same key between our replay check
		// and our commit.
		if r, rerr := e.replay(ctx, o, symbol); r != nil || rerr != nil {
			return r, rerr
		}
	}
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, storeErr(err)
		}
		return nil, err
	}
	return res, nil
}

// validateOrder checks the order's shape before anything is read.
func (e *Executor) validateOrder(o Order) (string, error) {
	if o.CallerID == "" {
		return "", fmt.Errorf("%w: caller identity required", apperr.ErrUnauthorized)
	}
	if o.PortfolioID == "" {
		return "", fmt.Errorf("%w: portfolio id is required", apperr.ErrValidation)
	}
	if o.Side != model.SideBuy && o.Side != model.SideSell {
		return "", fmt.Errorf("%w: side must be buy or sell, got %q", apperr.ErrValidation, o.Side)
	}
	symbol, err := instrument.ParseSymbol(o.Symbol)
	if err != nil {
		return "", err
	}
	if err := e.opts.Policy.CheckQuantity(o.Quantity); err != nil {
		return "", err
	}
	return symbol, nil
}

// attempt is one pass of the state machine against the stored version.
func (e *Executor) attempt(ctx context.Context, o Order, symbol string) (*Result, error) {
	// Validate.
	p, err := e.store.GetPortfolioForUpdate(ctx, o.PortfolioID)
	if err != nil {
		return nil, lookupErr(err)
	}
	if p.UserID != o.CallerID {
		return nil, fmt.Errorf("portfolio %s: %w", p.ID, apperr.ErrUnauthorized)
	}
	if p.Status != model.StatusActive {
		return nil, fmt.Errorf("%w: portfolio %s is %s, not open for trading", apperr.ErrValidation, p.ID, p.Status)
	}

	// Price-Resolve.
	quote, err := e.prices.CurrentPrice(ctx, symbol)
	if err != nil {
		if !errors.Is(err, apperr.ErrPriceUnavailable) {
			err = fmt.Errorf("%w: %s: %v", apperr.ErrPriceUnavailable, symbol, err)
		}
		return nil, err
	}
	price := quote.Price

	// Compute.
	b := book.New(p.Positions)
	fill := costbasis.Fill{Quantity: o.Quantity, Price: price}
	realized := decimal.Zero
	switch o.Side {
	case model.SideBuy:
		if err := e.opts.Limiter.CheckBuy(symbol, o.Quantity, b.All()); err != nil {
			return nil, err
		}
		if _, err := b.Buy(symbol, quote.Name, fill, price); err != nil {
			return nil, err
		}
	case model.SideSell:
		res, err := b.Sell(symbol, fill, price)
		if err != nil {
			return nil, err
		}
		realized = res.Realized
	}

	// Append.
	tx, err := ledger.NewEntry(ledger.Params{
		UserID:               o.CallerID,
		PortfolioID:          p.ID,
		Side:                 o.Side,
		Symbol:               symbol,
		Quantity:             o.Quantity,
		Price:                price,
		Fees:                 e.opts.Fee,
		RealizedGain:         realized,
		RelatedTransactionID: o.related,
		IdempotencyKey:       o.IdempotencyKey,
		Currency:             e.opts.Currency,
	}, e.opts.Now())
	if err != nil {
		return nil, err
	}

	// Aggregate.
	prior := p.Performance
	prior.RealizedGain = prior.RealizedGain.Add(realized)
	perf, positions := aggregate.Recompute(b.All(), b.CostBasis(), prior)
	perf.UpdatedAt = tx.Timestamp

	next := p.Clone()
	next.Positions = positions
	next.Performance = perf
	next.TransactionCount++
	next.UpdatedAt = tx.Timestamp

	if err := aggregate.Verify(positions, perf); err != nil {
		metrics.ConsistencyViolations.Inc()
		e.log.Error("consistency violation, trade not committed",
			"portfolio", p.ID,
			"symbol", symbol,
			"side", string(o.Side),
			"qty", o.Quantity.String(),
			"before", p,
			"after", next,
			"err", err,
		)
		return nil, fmt.Errorf("trade on portfolio %s: %w", p.ID, err)
	}

	// Commit.
	if err := e.store.CommitTrade(ctx, store.TradeCommit{
		Portfolio:       next,
		ExpectedVersion: p.Version,
		Transaction:     tx,
	}); err != nil {
		return nil, storeErr(err)
	}
	next.Version = p.Version + 1

	return &Result{Portfolio: next, Transaction: tx}, nil
}

// replay answers an order whose idempotency key was already committed.
// It returns (nil, nil) when the key is new.
func (e *Executor) replay(ctx context.Context, o Order, symbol string) (*Result, error) {
	if o.IdempotencyKey == "" {
		return nil, nil
	}
	tx, err := e.store.LookupIdempotency(ctx, o.CallerID, o.IdempotencyKey)
	if errors.Is(err, apperr.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr(err)
	}
	if tx.PortfolioID != o.PortfolioID || !ledger.Matches(*tx, o.Side, symbol, o.Quantity) {
		return nil, fmt.Errorf("%w: key %q was used for %s %s %s",
			apperr.ErrDuplicateRequest, o.IdempotencyKey, tx.Side, tx.Quantity, tx.Symbol)
	}
	p, err := e.store.GetPortfolioForUpdate(ctx, o.PortfolioID)
	if err != nil {
		return nil, lookupErr(err)
	}
	return &Result{Portfolio: p, Transaction: *tx, Replayed: true}, nil
}

func (e *Executor) checkNotReversed(ctx context.Context, portfolioID, txID string) error {
	entries, err := e.store.ListByPortfolio(ctx, portfolioID)
	if err != nil {
		return storeErr(err)
	}
	for _, tx := range entries {
		if tx.RelatedTransactionID == txID {
			return fmt.Errorf("%w: transaction %s already reversed by %s", apperr.ErrDuplicateRequest, txID, tx.ID)
		}
	}
	return nil
}

// publish is fire-and-forget: the trade is already durable.
func (e *Executor) publish(ctx context.Context, ev events.Event) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := e.sink.Publish(ctx, ev); err != nil {
		metrics.EventPublishFailures.WithLabelValues(string(ev.Type)).Inc()
		e.log.Warn("event publish failed", "type", string(ev.Type), "portfolio", ev.PortfolioID, "err", err)
	}
}

func isConflict(err error) bool {
	return errors.Is(err, apperr.ErrConflict)
}

// lookupErr keeps not-found as is and turns anything else into a
// retryable failure.
func lookupErr(err error) error {
	if errors.Is(err, apperr.ErrNotFound) {
		return err
	}
	return storeErr(err)
}

// storeErr passes typed store errors through and marks the rest transient.
func storeErr(err error) error {
	switch {
	case errors.Is(err, apperr.ErrNotFound),
		errors.Is(err, apperr.ErrConflict),
		errors.Is(err, apperr.ErrDuplicateRequest),
		errors.Is(err, apperr.ErrTransient),
		errors.Is(err, apperr.ErrValidation):
		return err
	}
	return fmt.Errorf("%w: %v", apperr.ErrTransient, err)
}

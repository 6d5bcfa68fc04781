package trade

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/investquest/portfolio-engine/internal/apperr"
	"github.com/investquest/portfolio-engine/internal/ledger"
	"github.com/investquest/portfolio-engine/internal/model"
	"github.com/investquest/portfolio-engine/internal/store"
)

// CallerHeader carries the authenticated user ID set by the gateway.
const CallerHeader = "X-User-ID"

// IdempotencyHeader carries the client-chosen key that makes a trade
// request safe to retry.
const IdempotencyHeader = "Idempotency-Key"

// Service serves the portfolio HTTP API over an Executor.
type Service struct {
	exec   *Executor
	ledger *ledger.Ledger
	quotes store.QuoteStore
}

// NewService creates the HTTP service. quotes may be nil, which disables
// the quote feed endpoint.
func NewService(exec *Executor, l *ledger.Ledger, quotes store.QuoteStore) *Service {
	return &Service{exec: exec, ledger: l, quotes: quotes}
}

// Routes mounts the handlers on r.
func (s *Service) Routes(r chi.Router) {
	r.Post("/portfolios", s.CreatePortfolio)
	r.Get("/portfolios/{portfolioID}", s.GetPortfolio)
	r.Get("/portfolios/{portfolioID}/summary", s.GetSummary)
	r.Post("/portfolios/{portfolioID}/trades", s.ExecuteTrade)
	r.Post("/portfolios/{portfolioID}/trades/{txID}/reverse", s.ReverseTrade)
	r.Post("/portfolios/{portfolioID}/revalue", s.Revalue)
	r.Get("/portfolios/{portfolioID}/transactions", s.ListTransactions)
	r.Get("/users/{userID}/transactions", s.ListUserTransactions)
	r.Get("/transactions/{txID}", s.GetTransaction)
	if s.quotes != nil {
		r.Put("/quotes/{symbol}", s.PutQuote)
	}
}

// --- Request/Response types ---

// CreatePortfolioRequest is the JSON body for portfolio creation.
type CreatePortfolioRequest struct {
	Name string              `json:"name"`
	Type model.PortfolioType `json:"type"` // real, simulation or challenge; default simulation
}

// TradeRequest is the JSON body for POST /portfolios/{id}/trades.
type TradeRequest struct {
	Side     model.Side      `json:"side"` // "buy" or "sell"
	Symbol   string          `json:"symbol"`
	Quantity decimal.Decimal `json:"quantity"` // always positive
}

// QuoteRequest is the JSON body for PUT /quotes/{symbol}.
type QuoteRequest struct {
	Name  string          `json:"name"`
	Price decimal.Decimal `json:"price"`
}

// --- HTTP Handlers ---

// CreatePortfolio handles POST /api/v1/portfolios
func (s *Service) CreatePortfolio(w http.ResponseWriter, r *http.Request) {
	var req CreatePortfolioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	p, err := s.exec.CreatePortfolio(r.Context(), r.Header.Get(CallerHeader), req.Name, req.Type)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// GetPortfolio handles GET /api/v1/portfolios/{portfolioID}
func (s *Service) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	p, err := s.exec.GetPortfolio(r.Context(), chi.URLParam(r, "portfolioID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// GetSummary handles GET /api/v1/portfolios/{portfolioID}/summary
func (s *Service) GetSummary(w http.ResponseWriter, r *http.Request) {
	perf, err := s.exec.GetPortfolioSummary(r.Context(), chi.URLParam(r, "portfolioID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, perf)
}

// ExecuteTrade handles POST /api/v1/portfolios/{portfolioID}/trades
// Returns the updated portfolio and the new ledger entry.
func (s *Service) ExecuteTrade(w http.ResponseWriter, r *http.Request) {
	var req TradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	res, err := s.exec.ExecuteTrade(r.Context(), Order{
		PortfolioID:    chi.URLParam(r, "portfolioID"),
		CallerID:       r.Header.Get(CallerHeader),
		Side:           req.Side,
		Symbol:         req.Symbol,
		Quantity:       req.Quantity,
		IdempotencyKey: r.Header.Get(IdempotencyHeader),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ReverseTrade handles POST /api/v1/portfolios/{portfolioID}/trades/{txID}/reverse
func (s *Service) ReverseTrade(w http.ResponseWriter, r *http.Request) {
	res, err := s.exec.Reverse(r.Context(),
		chi.URLParam(r, "portfolioID"),
		r.Header.Get(CallerHeader),
		chi.URLParam(r, "txID"),
		r.Header.Get(IdempotencyHeader),
	)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Revalue handles POST /api/v1/portfolios/{portfolioID}/revalue
// Re-marks the owner's positions at current quotes.
func (s *Service) Revalue(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	portfolioID := chi.URLParam(r, "portfolioID")

	p, err := s.exec.GetPortfolio(ctx, portfolioID)
	if err != nil {
		writeError(w, err)
		return
	}
	if p.UserID != r.Header.Get(CallerHeader) {
		writeError(w, apperr.ErrUnauthorized)
		return
	}

	p, err = s.exec.Revalue(ctx, portfolioID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// ListTransactions handles GET /api/v1/portfolios/{portfolioID}/transactions
// Only the owner may read a portfolio's ledger.
func (s *Service) ListTransactions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	portfolioID := chi.URLParam(r, "portfolioID")

	p, err := s.exec.GetPortfolio(ctx, portfolioID)
	if err != nil {
		writeError(w, err)
		return
	}
	if p.UserID != r.Header.Get(CallerHeader) {
		writeError(w, apperr.ErrUnauthorized)
		return
	}

	entries, err := s.ledger.ByPortfolio(ctx, portfolioID)
	if err != nil {
		writeError(w, err)
		return
	}
	if entries == nil {
		entries = []model.Transaction{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// ListUserTransactions handles GET /api/v1/users/{userID}/transactions
// Callers may only read their own entries.
func (s *Service) ListUserTransactions(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if userID == "" || userID != r.Header.Get(CallerHeader) {
		writeError(w, apperr.ErrUnauthorized)
		return
	}

	entries, err := s.ledger.ByUser(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	if entries == nil {
		entries = []model.Transaction{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// GetTransaction handles GET /api/v1/transactions/{txID}
func (s *Service) GetTransaction(w http.ResponseWriter, r *http.Request) {
	tx, err := s.ledger.ByID(r.Context(), r.Header.Get(CallerHeader), chi.URLParam(r, "txID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

// PutQuote handles PUT /api/v1/quotes/{symbol}
// This is the market-data collaborator's feed into the quote table.
func (s *Service) PutQuote(w http.ResponseWriter, r *http.Request) {
	var req QuoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	symbol := model.NormalizeSymbol(chi.URLParam(r, "symbol"))
	if symbol == "" || req.Price.IsNegative() {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "symbol and a non-negative price are required"})
		return
	}

	q := model.Quote{Symbol: symbol, Name: req.Name, Price: req.Price, AsOf: time.Now().UTC()}
	if err := s.quotes.PutQuote(r.Context(), q); err != nil {
		writeError(w, err)
		return
	}
	slog.Debug("quote updated", "symbol", symbol, "price", req.Price.String())
	writeJSON(w, http.StatusOK, q)
}

// writeError maps an engine error onto a status code. Internal details are
// not leaked on 500s.
func writeError(w http.ResponseWriter, err error) {
	status := apperr.HTTPStatus(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "err", err)
		msg = "internal error"
	}
	body := map[string]any{"error": msg}
	if apperr.Retryable(err) {
		body["retryable"] = true
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

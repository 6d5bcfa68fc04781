// Package model defines the core domain types shared across the ledger engine.
// All monetary values and quantities use shopspring/decimal, never float64.
package model

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of a ledger entry.
type Side string

const (
	SideBuy      Side = "buy"
	SideSell     Side = "sell"
	SideDividend Side = "dividend"
)

// Valid reports whether s is a known side.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell || s == SideDividend
}

// Opposite returns the compensating side for a buy or sell.
func (s Side) Opposite() Side {
	switch s {
	case SideBuy:
		return SideSell
	case SideSell:
		return SideBuy
	}
	return s
}

// PortfolioStatus gates trading on a portfolio.
type PortfolioStatus string

const (
	StatusActive PortfolioStatus = "active"
	StatusPaused PortfolioStatus = "paused"
	StatusClosed PortfolioStatus = "closed"
)

// PortfolioType mirrors the product's portfolio flavours.
type PortfolioType string

const (
	TypeReal       PortfolioType = "real"
	TypeSimulation PortfolioType = "simulation"
	TypeChallenge  PortfolioType = "challenge"
)

// NormalizeSymbol is the canonical form used as a position key.
func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// Position is a portfolio's current holding of one instrument.
// A position with zero quantity never exists; it is removed instead.
type Position struct {
	Symbol             string          `json:"symbol" db:"symbol"`
	Name               string          `json:"name" db:"name"`
	Quantity           decimal.Decimal `json:"quantity" db:"quantity"`
	AverageCost        decimal.Decimal `json:"average_cost" db:"average_cost"`
	CostBasis          decimal.Decimal `json:"cost_basis" db:"cost_basis"` // total cost of held units
	CurrentPrice       decimal.Decimal `json:"current_price" db:"current_price"`
	MarketValue        decimal.Decimal `json:"market_value" db:"market_value"`
	GainLoss           decimal.Decimal `json:"gain_loss" db:"gain_loss"`
	GainLossPercentage decimal.Decimal `json:"gain_loss_percentage" db:"gain_loss_percentage"`
	Percentage         decimal.Decimal `json:"percentage" db:"percentage"` // weight in portfolio, 0-100
}

// Performance is a portfolio's aggregate valuation. Owned by the aggregator;
// never hand-edited.
type Performance struct {
	TotalValue          decimal.Decimal `json:"total_value"`
	TotalInvested       decimal.Decimal `json:"total_invested"`
	TotalReturn         decimal.Decimal `json:"total_return"`
	ReturnPercentage    decimal.Decimal `json:"return_percentage"`
	ReturnDefined       bool            `json:"return_defined"` // false while nothing is invested
	RealizedGain        decimal.Decimal `json:"realized_gain"`
	DayChange           decimal.Decimal `json:"day_change"`
	DayChangePercentage decimal.Decimal `json:"day_change_percentage"`
	// ValuedAt is the last market re-mark; day change restarts when it
	// falls on an earlier UTC day.
	ValuedAt  time.Time `json:"valued_at,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Portfolio is one consistent document: positions and performance are always
// written together, guarded by Version.
type Portfolio struct {
	ID               string          `json:"id" db:"id"`
	UserID           string          `json:"user_id" db:"user_id"`
	Name             string          `json:"name" db:"name"`
	Type             PortfolioType   `json:"type" db:"type"`
	Status           PortfolioStatus `json:"status" db:"status"`
	Positions        []Position      `json:"positions"`
	Performance      Performance     `json:"performance"`
	TransactionCount int64           `json:"transaction_count" db:"transaction_count"`
	Version          int64           `json:"version" db:"version"`
	CreatedAt        time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at" db:"updated_at"`
}

// Clone returns a deep copy so callers can mutate without aliasing stored state.
func (p *Portfolio) Clone() *Portfolio {
	c := *p
	c.Positions = append([]Position(nil), p.Positions...)
	return &c
}

// Transaction is an immutable record of one executed trade.
// Once appended, these are never modified or deleted.
type Transaction struct {
	ID                   string          `json:"id" db:"id"`
	UserID               string          `json:"user_id" db:"user_id"`
	PortfolioID          string          `json:"portfolio_id" db:"portfolio_id"`
	Side                 Side            `json:"side" db:"side"`
	Symbol               string          `json:"symbol" db:"symbol"`
	Quantity             decimal.Decimal `json:"quantity" db:"quantity"`
	Price                decimal.Decimal `json:"price" db:"price"`   // unit price at execution
	Amount               decimal.Decimal `json:"amount" db:"amount"` // quantity * price
	Fees                 decimal.Decimal `json:"fees" db:"fees"`
	Total                decimal.Decimal `json:"total" db:"total"`                 // amount +/- fees
	RealizedGain         decimal.Decimal `json:"realized_gain" db:"realized_gain"` // sells only
	Description          string          `json:"description" db:"description"`
	RelatedTransactionID string          `json:"related_transaction_id,omitempty" db:"related_transaction_id"`
	IdempotencyKey       string          `json:"-" db:"idempotency_key"`
	Timestamp            time.Time       `json:"timestamp" db:"timestamp"`
}

// ChallengeStatus is the lifecycle of a timed competition.
type ChallengeStatus string

const (
	ChallengeUpcoming  ChallengeStatus = "upcoming"
	ChallengeActive    ChallengeStatus = "active"
	ChallengeCompleted ChallengeStatus = "completed"
	ChallengeCancelled ChallengeStatus = "cancelled"
)

// FinalPerformance is frozen once a challenge completes.
type FinalPerformance struct {
	Rank             int             `json:"rank"`
	Return           decimal.Decimal `json:"return"`
	ReturnPercentage decimal.Decimal `json:"return_percentage"`
}

// Participant is one user's entry in a challenge.
type Participant struct {
	UserID           string            `json:"user_id"`
	Username         string            `json:"username"`
	PortfolioID      string            `json:"portfolio_id"`
	JoinedAt         time.Time         `json:"joined_at"`
	FinalPerformance *FinalPerformance `json:"final_performance,omitempty"`
}

// LeaderboardRow is derived, not authoritative. Superseded every ranking pass.
type LeaderboardRow struct {
	UserID           string          `json:"user_id"`
	Username         string          `json:"username"`
	PortfolioID      string          `json:"portfolio_id"`
	Return           decimal.Decimal `json:"return"`
	ReturnPercentage decimal.Decimal `json:"return_percentage"`
	JoinedAt         time.Time       `json:"joined_at"`
	Rank             int             `json:"rank"`
}

// LeaderboardSnapshot is an immutable, timestamped copy of a leaderboard.
type LeaderboardSnapshot struct {
	ID          string           `json:"id"`
	ChallengeID string           `json:"challenge_id"`
	Date        time.Time        `json:"date"`
	Rows        []LeaderboardRow `json:"leaderboard_snapshot"`
}

// Challenge holds participants, the live leaderboard, and the append-only
// snapshot history.
type Challenge struct {
	ID           string                `json:"id"`
	Title        string                `json:"title"`
	Status       ChallengeStatus       `json:"status"`
	StartDate    time.Time             `json:"start_date"`
	EndDate      time.Time             `json:"end_date"`
	Participants []Participant         `json:"participants"`
	Leaderboard  []LeaderboardRow      `json:"leaderboard"`
	History      []LeaderboardSnapshot `json:"history"`
	CreatedAt    time.Time             `json:"created_at"`
	UpdatedAt    time.Time             `json:"updated_at"`
}

// Clone returns a deep copy of the challenge.
func (c *Challenge) Clone() *Challenge {
	out := *c
	out.Participants = make([]Participant, len(c.Participants))
	for i, p := range c.Participants {
		if p.FinalPerformance != nil {
			fp := *p.FinalPerformance
			p.FinalPerformance = &fp
		}
		out.Participants[i] = p
	}
	out.Leaderboard = append([]LeaderboardRow(nil), c.Leaderboard...)
	out.History = make([]LeaderboardSnapshot, len(c.History))
	for i, h := range c.History {
		h.Rows = append([]LeaderboardRow(nil), h.Rows...)
		out.History[i] = h
	}
	return &out
}

// ParticipantSummary pairs a participant with a consistent read of their
// portfolio's performance.
type ParticipantSummary struct {
	Participant Participant
	Performance Performance
}

// Quote is a resolved market price for one instrument.
type Quote struct {
	Symbol string          `json:"symbol"`
	Name   string          `json:"name"`
	Price  decimal.Decimal `json:"price"`
	AsOf   time.Time       `json:"as_of"`
}

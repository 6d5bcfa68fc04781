// Package store defines the persistence interface for the ledger engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing and development).
package store

import (
	"context"

	"github.com/investquest/portfolio-engine/internal/model"
)

// TradeCommit is the single atomic unit written for an accepted trade:
// the portfolio document (positions + performance) and the new ledger entry.
type TradeCommit struct {
	// Portfolio is the new state. Its Version is ignored; the store sets it
	// to ExpectedVersion+1.
	Portfolio *model.Portfolio

	// ExpectedVersion must equal the stored version or the commit fails
	// with apperr.ErrConflict and nothing is written.
	ExpectedVersion int64

	// Transaction is appended to the ledger. A non-empty IdempotencyKey must
	// be unique per user; a duplicate fails with apperr.ErrDuplicateRequest.
	Transaction model.Transaction
}

// ValuationCommit re-marks a portfolio at new prices. It writes positions
// and summary only; no ledger entry is appended.
type ValuationCommit struct {
	// Portfolio is the re-marked state. Its Version is ignored.
	Portfolio *model.Portfolio

	// ExpectedVersion must equal the stored version or the write fails
	// with apperr.ErrConflict.
	ExpectedVersion int64
}

// PortfolioStore persists portfolio documents.
type PortfolioStore interface {
	// CreatePortfolio persists a new, empty portfolio.
	CreatePortfolio(ctx context.Context, p *model.Portfolio) error

	// GetPortfolio retrieves a portfolio by ID. A caching layer may
	// answer it.
	GetPortfolio(ctx context.Context, id string) (*model.Portfolio, error)

	// GetPortfolioForUpdate reads the authoritative document for a
	// read-modify-write. A caching layer never answers it.
	GetPortfolioForUpdate(ctx context.Context, id string) (*model.Portfolio, error)

	// CommitTrade writes positions, summary and ledger entry all-or-nothing.
	CommitTrade(ctx context.Context, c TradeCommit) error

	// SaveValuation writes a re-marked document under the same version
	// check as CommitTrade.
	SaveValuation(ctx context.Context, c ValuationCommit) error
}

// LedgerStore reads the append-only ledger. There is deliberately no update
// or delete.
type LedgerStore interface {
	// GetTransaction retrieves one entry by ID.
	GetTransaction(ctx context.Context, id string) (*model.Transaction, error)

	// ListByPortfolio returns a portfolio's entries in commit order.
	ListByPortfolio(ctx context.Context, portfolioID string) ([]model.Transaction, error)

	// ListByUser returns a user's entries in commit order.
	ListByUser(ctx context.Context, userID string) ([]model.Transaction, error)

	// LookupIdempotency returns the entry committed under (userID, key).
	LookupIdempotency(ctx context.Context, userID, key string) (*model.Transaction, error)
}

// ChallengeStore persists challenges, their live leaderboard and history.
type ChallengeStore interface {
	// CreateChallenge persists a new challenge.
	CreateChallenge(ctx context.Context, c *model.Challenge) error

	// GetChallenge retrieves a challenge with participants, leaderboard
	// and history.
	GetChallenge(ctx context.Context, id string) (*model.Challenge, error)

	// JoinChallenge adds a participant; a user may join a challenge once.
	JoinChallenge(ctx context.Context, challengeID string, p model.Participant) error

	// ParticipantSummaries reads every participant with a consistent read
	// of their portfolio's performance.
	ParticipantSummaries(ctx context.Context, challengeID string) ([]model.ParticipantSummary, error)

	// SaveLeaderboard overwrites the live leaderboard.
	SaveLeaderboard(ctx context.Context, challengeID string, rows []model.LeaderboardRow) error

	// AppendSnapshot appends an immutable history entry.
	AppendSnapshot(ctx context.Context, snap model.LeaderboardSnapshot) error

	// CompleteChallenge marks the challenge completed and records final
	// performance for participants that do not have one yet. Existing
	// final performance is never overwritten.
	CompleteChallenge(ctx context.Context, challengeID string, finals map[string]model.FinalPerformance) error
}

// QuoteStore holds the latest resolved market price per symbol.
type QuoteStore interface {
	PutQuote(ctx context.Context, q model.Quote) error
	GetQuote(ctx context.Context, symbol string) (*model.Quote, error)
}

// Store is the full persistence surface.
type Store interface {
	PortfolioStore
	LedgerStore
	ChallengeStore
	QuoteStore
}

package store

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/investquest/portfolio-engine/internal/apperr"
	"github.com/investquest/portfolio-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func seedPortfolio(t *testing.T, s Store) *model.Portfolio {
	t.Helper()
	p := &model.Portfolio{
		ID: "p1", UserID: "u1", Name: "Growth",
		Type: model.TypeChallenge, Status: model.StatusActive,
		CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.CreatePortfolio(context.Background(), p))
	return p
}

func commit(p *model.Portfolio, expected int64, txID, key string) TradeCommit {
	next := p.Clone()
	next.Positions = []model.Position{{Symbol: "ABC", Quantity: d(10), AverageCost: d(100)}}
	next.TransactionCount++
	return TradeCommit{
		Portfolio:       next,
		ExpectedVersion: expected,
		Transaction: model.Transaction{
			ID: txID, UserID: p.UserID, PortfolioID: p.ID,
			Side: model.SideBuy, Symbol: "ABC", Quantity: d(10), Price: d(100),
			IdempotencyKey: key,
		},
	}
}

func TestMemoryStore_CommitTrade(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	p := seedPortfolio(t, s)

	require.NoError(t, s.CommitTrade(ctx, commit(p, 0, "t1", "k1")))

	got, err := s.GetPortfolio(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Version)
	assert.Len(t, got.Positions, 1)

	txs, err := s.ListByPortfolio(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, "t1", txs[0].ID)

	replay, err := s.LookupIdempotency(ctx, "u1", "k1")
	require.NoError(t, err)
	assert.Equal(t, "t1", replay.ID)
}

func TestMemoryStore_StaleVersionWritesNothing(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	p := seedPortfolio(t, s)
	require.NoError(t, s.CommitTrade(ctx, commit(p, 0, "t1", "")))

	err := s.CommitTrade(ctx, commit(p, 0, "t2", ""))
	assert.ErrorIs(t, err, apperr.ErrConflict)

	txs, _ := s.ListByUser(ctx, "u1")
	assert.Len(t, txs, 1)
	_, err = s.GetTransaction(ctx, "t2")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestMemoryStore_DuplicateIdempotencyKey(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	p := seedPortfolio(t, s)
	require.NoError(t, s.CommitTrade(ctx, commit(p, 0, "t1", "k1")))

	err := s.CommitTrade(ctx, commit(p, 1, "t2", "k1"))
	assert.ErrorIs(t, err, apperr.ErrDuplicateRequest)

	got, _ := s.GetPortfolio(ctx, "p1")
	assert.Equal(t, int64(1), got.Version)
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedPortfolio(t, s)

	got, _ := s.GetPortfolio(ctx, "p1")
	got.Positions = append(got.Positions, model.Position{Symbol: "XYZ"})
	got.Name = "mutated"

	again, _ := s.GetPortfolio(ctx, "p1")
	assert.Empty(t, again.Positions)
	assert.Equal(t, "Growth", again.Name)
}

func TestMemoryStore_NotFound(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_, err := s.GetPortfolio(ctx, "nope")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	_, err = s.GetChallenge(ctx, "nope")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	_, err = s.LookupIdempotency(ctx, "u1", "k")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	_, err = s.GetQuote(ctx, "ABC")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	err = s.CommitTrade(ctx, TradeCommit{Portfolio: &model.Portfolio{ID: "nope"}})
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestMemoryStore_ChallengeLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	p := seedPortfolio(t, s)
	p.Performance.ReturnPercentage = d(5)
	require.NoError(t, s.CommitTrade(ctx, TradeCommit{Portfolio: p, ExpectedVersion: 0, Transaction: model.Transaction{ID: "t1", UserID: "u1", PortfolioID: "p1"}}))

	require.NoError(t, s.CreateChallenge(ctx, &model.Challenge{ID: "c1", Title: "Spring", Status: model.ChallengeActive}))
	joined := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.JoinChallenge(ctx, "c1", model.Participant{UserID: "u1", PortfolioID: "p1", JoinedAt: joined}))
	assert.ErrorIs(t, s.JoinChallenge(ctx, "c1", model.Participant{UserID: "u1", PortfolioID: "p1"}), apperr.ErrConflict)

	// A participant whose portfolio is gone is left out of the ranking.
	require.NoError(t, s.JoinChallenge(ctx, "c1", model.Participant{UserID: "u2", PortfolioID: "gone", JoinedAt: joined}))

	sums, err := s.ParticipantSummaries(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, sums, 1)
	assert.Equal(t, "u1", sums[0].Participant.UserID)
	assert.True(t, sums[0].Performance.ReturnPercentage.Equal(d(5)))

	rows := []model.LeaderboardRow{{UserID: "u1", Rank: 1, ReturnPercentage: d(5)}}
	require.NoError(t, s.SaveLeaderboard(ctx, "c1", rows))
	require.NoError(t, s.AppendSnapshot(ctx, model.LeaderboardSnapshot{ID: "s1", ChallengeID: "c1", Date: joined, Rows: rows}))
	rows[0].Rank = 99

	c, err := s.GetChallenge(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 1, c.Leaderboard[0].Rank)
	require.Len(t, c.History, 1)
	assert.Equal(t, 1, c.History[0].Rows[0].Rank)

	first := map[string]model.FinalPerformance{"u1": {Rank: 1, ReturnPercentage: d(5)}}
	require.NoError(t, s.CompleteChallenge(ctx, "c1", first))
	second := map[string]model.FinalPerformance{"u1": {Rank: 7, ReturnPercentage: d(-3)}}
	require.NoError(t, s.CompleteChallenge(ctx, "c1", second))

	c, _ = s.GetChallenge(ctx, "c1")
	assert.Equal(t, model.ChallengeCompleted, c.Status)
	require.NotNil(t, c.Participants[0].FinalPerformance)
	assert.Equal(t, 1, c.Participants[0].FinalPerformance.Rank)
}

func TestMemoryStore_SaveValuation(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	p := seedPortfolio(t, s)

	next := p.Clone()
	next.Performance.TotalValue = d(1234)
	require.NoError(t, s.SaveValuation(ctx, ValuationCommit{Portfolio: next, ExpectedVersion: 0}))

	got, err := s.GetPortfolioForUpdate(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Version)
	assert.True(t, got.Performance.TotalValue.Equal(d(1234)))

	err = s.SaveValuation(ctx, ValuationCommit{Portfolio: next, ExpectedVersion: 0})
	assert.ErrorIs(t, err, apperr.ErrConflict)

	entries, err := s.ListByPortfolio(ctx, "p1")
	require.NoError(t, err)
	assert.Empty(t, entries, "a valuation appends nothing to the ledger")

	err = s.SaveValuation(ctx, ValuationCommit{Portfolio: &model.Portfolio{ID: "nope"}})
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestMemoryStore_Quotes(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.PutQuote(ctx, model.Quote{Symbol: " abc ", Price: d(12.5)}))

	q, err := s.GetQuote(ctx, "ABC")
	require.NoError(t, err)
	assert.Equal(t, "ABC", q.Symbol)
	assert.True(t, q.Price.Equal(d(12.5)))
}

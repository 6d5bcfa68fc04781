package leaderboard_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/investquest/portfolio-engine/internal/apperr"
	"github.com/investquest/portfolio-engine/internal/events"
	"github.com/investquest/portfolio-engine/internal/leaderboard"
	"github.com/investquest/portfolio-engine/internal/model"
	"github.com/investquest/portfolio-engine/internal/store"
)

var (
	quietLog = slog.New(slog.NewTextHandler(io.Discard, nil))
	epoch    = time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
)

type recordingSink struct {
	mu     sync.Mutex
	events []events.Event
	err    error
}

func (s *recordingSink) Publish(_ context.Context, e events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return s.err
}

func (s *recordingSink) types() []events.Type {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]events.Type, len(s.events))
	for i, e := range s.events {
		out[i] = e.Type
	}
	return out
}

// clock hands out strictly increasing times so join order is deterministic.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Minute)
	return c.now
}

type env struct {
	svc  *leaderboard.Service
	ms   *store.MemoryStore
	sink *recordingSink
}

func newEnv(t *testing.T, log *slog.Logger) *env {
	t.Helper()
	if log == nil {
		log = quietLog
	}
	ms := store.NewMemoryStore()
	sink := &recordingSink{}
	clk := &clock{now: epoch}
	svc := leaderboard.NewService(ms, sink, leaderboard.Options{Logger: log, Now: clk.Now})
	return &env{svc: svc, ms: ms, sink: sink}
}

// portfolio stores a portfolio for user whose current return is pct percent.
func (e *env) portfolio(t *testing.T, user, pct string) string {
	t.Helper()
	p := &model.Portfolio{
		ID:     "pf-" + user,
		UserID: user,
		Name:   user,
		Type:   model.TypeChallenge,
		Status: model.StatusActive,
		Performance: model.Performance{
			TotalReturn:      decimal.RequireFromString(pct).Mul(decimal.NewFromInt(10)),
			ReturnPercentage: decimal.RequireFromString(pct),
			ReturnDefined:    true,
		},
	}
	require.NoError(t, e.ms.CreatePortfolio(context.Background(), p))
	return p.ID
}

func (e *env) challenge(t *testing.T) *model.Challenge {
	t.Helper()
	c, err := e.svc.CreateChallenge(context.Background(), "March Madness", epoch, epoch.Add(30*24*time.Hour))
	require.NoError(t, err)
	return c
}

func (e *env) join(t *testing.T, challengeID, user, pct string) {
	t.Helper()
	pf := e.portfolio(t, user, pct)
	_, err := e.svc.JoinChallenge(context.Background(), challengeID, user, user, pf)
	require.NoError(t, err)
}

func TestCreateChallenge(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()

	c := e.challenge(t)
	assert.Equal(t, model.ChallengeActive, c.Status)

	future, err := e.svc.CreateChallenge(ctx, "Summer", epoch.Add(90*24*time.Hour), epoch.Add(120*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, model.ChallengeUpcoming, future.Status)

	_, err = e.svc.CreateChallenge(ctx, "  ", epoch, epoch.Add(time.Hour))
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = e.svc.CreateChallenge(ctx, "Backwards", epoch, epoch.Add(-time.Hour))
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestRankChallenge_TieBreakOnJoinTime(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	c := e.challenge(t)

	// Joined in this order, so "early" has the earlier timestamp.
	e.join(t, c.ID, "early", "5.0")
	e.join(t, c.ID, "late", "5.0")
	e.join(t, c.ID, "third", "3.0")

	rows, err := e.svc.RankChallenge(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "early", rows[0].UserID)
	assert.Equal(t, "late", rows[1].UserID)
	assert.Equal(t, "third", rows[2].UserID)
	assert.Equal(t, []int{1, 2, 3}, []int{rows[0].Rank, rows[1].Rank, rows[2].Rank})

	stored, err := e.svc.GetChallenge(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, rows, stored.Leaderboard)
	assert.Equal(t, []events.Type{events.LeaderboardUpdated}, e.sink.types())
}

func TestRankChallenge_UnknownChallenge(t *testing.T) {
	e := newEnv(t, nil)
	_, err := e.svc.RankChallenge(context.Background(), "nope")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestSnapshot_EmptyLeaderboardIsSkipped(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}))
	e := newEnv(t, log)
	ctx := context.Background()
	c := e.challenge(t)

	snap, err := e.svc.SnapshotChallengeLeaderboard(ctx, c.ID)
	require.NoError(t, err)
	assert.Nil(t, snap)
	assert.Contains(t, buf.String(), "skipping snapshot")
	assert.Contains(t, buf.String(), `"level":"WARN"`)

	hist, err := e.svc.History(ctx, c.ID)
	require.NoError(t, err)
	assert.Empty(t, hist)
	assert.Empty(t, e.sink.types())
}

func TestSnapshot_FrozenAgainstLaterPasses(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	c := e.challenge(t)
	e.join(t, c.ID, "alice", "2")
	e.join(t, c.ID, "bob", "4")

	_, first, err := e.svc.UpdateLeaderboard(ctx, c.ID)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, "bob", first.Rows[0].UserID)

	// Alice overtakes bob; the earlier snapshot must not move.
	p, err := e.ms.GetPortfolio(ctx, "pf-alice")
	require.NoError(t, err)
	p.Performance.ReturnPercentage = decimal.NewFromInt(9)
	require.NoError(t, e.ms.CommitTrade(ctx, store.TradeCommit{
		Portfolio:       p,
		ExpectedVersion: p.Version,
		Transaction:     model.Transaction{ID: "tx-1", PortfolioID: p.ID, UserID: "alice"},
	}))

	_, second, err := e.svc.UpdateLeaderboard(ctx, c.ID)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, "alice", second.Rows[0].UserID)

	hist, err := e.svc.History(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, first.ID, hist[0].ID)
	assert.Equal(t, "bob", hist[0].Rows[0].UserID)
	assert.Equal(t, "alice", hist[1].Rows[0].UserID)
	assert.True(t, hist[0].Date.Before(hist[1].Date))
}

func TestUpdateLeaderboard_EventFailureDoesNotFail(t *testing.T) {
	e := newEnv(t, nil)
	e.sink.err = errors.New("broker down")
	c := e.challenge(t)
	e.join(t, c.ID, "alice", "1")

	rows, snap, err := e.svc.UpdateLeaderboard(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
	assert.NotNil(t, snap)
	assert.Equal(t, []events.Type{events.LeaderboardUpdated, events.LeaderboardSnapshot}, e.sink.types())
}

func TestJoinChallenge(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	c := e.challenge(t)
	pf := e.portfolio(t, "alice", "0")

	_, err := e.svc.JoinChallenge(ctx, c.ID, "mallory", "mallory", pf)
	assert.ErrorIs(t, err, apperr.ErrUnauthorized)

	_, err = e.svc.JoinChallenge(ctx, c.ID, "", "anon", pf)
	assert.ErrorIs(t, err, apperr.ErrUnauthorized)

	_, err = e.svc.JoinChallenge(ctx, c.ID, "alice", "alice", "missing")
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	part, err := e.svc.JoinChallenge(ctx, c.ID, "alice", "Alice", pf)
	require.NoError(t, err)
	assert.Equal(t, pf, part.PortfolioID)
	assert.False(t, part.JoinedAt.IsZero())

	_, err = e.svc.JoinChallenge(ctx, c.ID, "alice", "Alice", pf)
	assert.ErrorIs(t, err, apperr.ErrConflict)
}

func TestCompleteChallenge_FreezesResults(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	c := e.challenge(t)
	e.join(t, c.ID, "alice", "7")
	e.join(t, c.ID, "bob", "3")

	done, err := e.svc.CompleteChallenge(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ChallengeCompleted, done.Status)
	require.Len(t, done.Participants, 2)
	for _, p := range done.Participants {
		require.NotNil(t, p.FinalPerformance, "participant %s", p.UserID)
	}
	assert.Equal(t, 1, done.Participants[0].FinalPerformance.Rank)
	assert.Equal(t, 2, done.Participants[1].FinalPerformance.Rank)
	require.Len(t, done.History, 1)

	// Later market moves must not change a completed challenge.
	p, err := e.ms.GetPortfolio(ctx, "pf-bob")
	require.NoError(t, err)
	p.Performance.ReturnPercentage = decimal.NewFromInt(50)
	require.NoError(t, e.ms.CommitTrade(ctx, store.TradeCommit{
		Portfolio:       p,
		ExpectedVersion: p.Version,
		Transaction:     model.Transaction{ID: "tx-bob", PortfolioID: p.ID, UserID: "bob"},
	}))

	rows, err := e.svc.RankChallenge(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", rows[0].UserID)

	again, err := e.svc.CompleteChallenge(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, done.Participants, again.Participants)
	assert.Len(t, again.History, 1)

	_, err = e.svc.JoinChallenge(ctx, c.ID, "bob", "bob", "pf-bob")
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestScheduler_RunOnce(t *testing.T) {
	e := newEnv(t, nil)
	c := e.challenge(t)
	e.join(t, c.ID, "alice", "1")

	s := leaderboard.NewScheduler(e.svc, time.Minute, []string{c.ID, "missing"}, quietLog)
	assert.Equal(t, 1, s.RunOnce(context.Background()))

	hist, err := e.svc.History(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Len(t, hist, 1)
}

func TestScheduler_RunStopsOnCancel(t *testing.T) {
	e := newEnv(t, nil)
	c := e.challenge(t)
	e.join(t, c.ID, "alice", "1")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s := leaderboard.NewScheduler(e.svc, 10*time.Millisecond, []string{c.ID}, quietLog)
	go func() {
		s.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		hist, _ := e.svc.History(context.Background(), c.ID)
		return len(hist) >= 2
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestUpdateLeaderboard_ClosedChallengeIsLeftAlone(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	c := e.challenge(t)
	e.join(t, c.ID, "alice", "2")

	done, err := e.svc.CompleteChallenge(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, done.History, 1)
	eventsBefore := len(e.sink.types())

	rows, snap, err := e.svc.UpdateLeaderboard(ctx, c.ID)
	require.NoError(t, err)
	assert.Nil(t, snap)
	assert.Equal(t, done.Leaderboard, rows)

	s := leaderboard.NewScheduler(e.svc, time.Minute, []string{c.ID}, quietLog)
	for i := 0; i < 3; i++ {
		assert.Equal(t, 0, s.RunOnce(ctx))
	}
	snap, err = e.svc.SnapshotChallengeLeaderboard(ctx, c.ID)
	require.NoError(t, err)
	assert.Nil(t, snap)

	hist, err := e.svc.History(ctx, c.ID)
	require.NoError(t, err)
	assert.Len(t, hist, 1, "only the final snapshot")
	assert.Len(t, e.sink.types(), eventsBefore)
}

func TestRankChallenge_MissingPortfolioIsSkippedWithWarning(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}))
	e := newEnv(t, log)
	ctx := context.Background()
	c := e.challenge(t)
	e.join(t, c.ID, "alice", "2")
	require.NoError(t, e.ms.JoinChallenge(ctx, c.ID, model.Participant{UserID: "ghost", PortfolioID: "pf-ghost", JoinedAt: epoch}))

	rows, err := e.svc.RankChallenge(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "alice", rows[0].UserID)
	assert.Contains(t, buf.String(), "left out of ranking")
	assert.Contains(t, buf.String(), "ghost")
}

// valuerFunc adapts a function to leaderboard.Valuer.
type valuerFunc func(ctx context.Context, portfolioID string) (*model.Portfolio, error)

func (f valuerFunc) Revalue(ctx context.Context, portfolioID string) (*model.Portfolio, error) {
	return f(ctx, portfolioID)
}

func TestRankChallenge_RevaluesBeforeRanking(t *testing.T) {
	var buf bytes.Buffer
	ms := store.NewMemoryStore()
	var mu sync.Mutex
	var seen []string
	valuer := valuerFunc(func(ctx context.Context, id string) (*model.Portfolio, error) {
		mu.Lock()
		seen = append(seen, id)
		mu.Unlock()
		if id == "pf-bob" {
			return nil, errors.New("quote feed down")
		}
		p, err := ms.GetPortfolioForUpdate(ctx, id)
		if err != nil {
			return nil, err
		}
		next := p.Clone()
		next.Performance.ReturnPercentage = decimal.NewFromInt(9)
		return next, ms.SaveValuation(ctx, store.ValuationCommit{Portfolio: next, ExpectedVersion: p.Version})
	})
	clk := &clock{now: epoch}
	svc := leaderboard.NewService(ms, nil, leaderboard.Options{
		Valuer: valuer,
		Logger: slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn})),
		Now:    clk.Now,
	})
	e := &env{svc: svc, ms: ms, sink: &recordingSink{}}
	ctx := context.Background()
	c := e.challenge(t)
	e.join(t, c.ID, "alice", "2")
	e.join(t, c.ID, "bob", "4")

	rows, err := svc.RankChallenge(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "alice", rows[0].UserID, "alice is ranked on the re-marked return")
	assert.True(t, rows[1].ReturnPercentage.Equal(decimal.NewFromInt(4)), "bob keeps his last summary")
	assert.ElementsMatch(t, []string{"pf-alice", "pf-bob"}, seen)
	assert.Contains(t, buf.String(), "revaluation before ranking failed")
}

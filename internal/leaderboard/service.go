package leaderboard

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/investquest/portfolio-engine/internal/apperr"
	"github.com/investquest/portfolio-engine/internal/events"
	"github.com/investquest/portfolio-engine/internal/metrics"
	"github.com/investquest/portfolio-engine/internal/model"
	"github.com/investquest/portfolio-engine/internal/store"
)

// Store is the persistence the leaderboard service needs.
type Store interface {
	store.ChallengeStore
	GetPortfolio(ctx context.Context, id string) (*model.Portfolio, error)
}

// Valuer re-marks a portfolio at current market prices.
type Valuer interface {
	Revalue(ctx context.Context, portfolioID string) (*model.Portfolio, error)
}

// maxConcurrentValuations bounds the re-marks run for one ranking pass.
const maxConcurrentValuations = 8

// Options tunes a Service.
type Options struct {
	// Epsilon is the tie tolerance on return percentage. Zero means
	// DefaultEpsilon.
	Epsilon float64
	// Valuer, when set, re-marks every participant's portfolio before a
	// ranking pass reads the summaries.
	Valuer Valuer
	Logger *slog.Logger
	Now    func() time.Time
}

// Service runs ranking passes and snapshots for challenges.
type Service struct {
	store   Store
	sink    events.Sink
	valuer  Valuer
	epsilon float64
	log     *slog.Logger
	now     func() time.Time
}

// NewService creates a leaderboard service. sink may be nil.
func NewService(st Store, sink events.Sink, opts Options) *Service {
	if sink == nil {
		sink = events.Nop{}
	}
	if opts.Epsilon <= 0 {
		opts.Epsilon = DefaultEpsilon
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		store:   st,
		sink:    sink,
		valuer:  opts.Valuer,
		epsilon: opts.Epsilon,
		log:     opts.Logger,
		now:     opts.Now,
	}
}

// CreateChallenge opens a challenge running from start to end. A challenge
// that has already started is created active.
func (s *Service) CreateChallenge(ctx context.Context, title string, start, end time.Time) (*model.Challenge, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, fmt.Errorf("%w: challenge title is required", apperr.ErrValidation)
	}
	if !end.After(start) {
		return nil, fmt.Errorf("%w: challenge must end after it starts", apperr.ErrValidation)
	}

	now := s.now().UTC()
	status := model.ChallengeUpcoming
	if !start.After(now) {
		status = model.ChallengeActive
	}
	c := &model.Challenge{
		ID:           uuid.New().String(),
		Title:        title,
		Status:       status,
		StartDate:    start.UTC(),
		EndDate:      end.UTC(),
		Participants: []model.Participant{},
		Leaderboard:  []model.LeaderboardRow{},
		History:      []model.LeaderboardSnapshot{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.CreateChallenge(ctx, c); err != nil {
		return nil, err
	}
	s.log.Info("challenge created", "challenge", c.ID, "status", string(status))
	return c, nil
}

// GetChallenge returns the challenge with its live leaderboard and history.
func (s *Service) GetChallenge(ctx context.Context, challengeID string) (*model.Challenge, error) {
	return s.store.GetChallenge(ctx, challengeID)
}

// JoinChallenge enters callerID's portfolio into a challenge that has not
// finished yet.
func (s *Service) JoinChallenge(ctx context.Context, challengeID, callerID, username, portfolioID string) (*model.Participant, error) {
	if callerID == "" {
		return nil, fmt.Errorf("%w: caller identity required", apperr.ErrUnauthorized)
	}
	c, err := s.store.GetChallenge(ctx, challengeID)
	if err != nil {
		return nil, err
	}
	if c.Status != model.ChallengeUpcoming && c.Status != model.ChallengeActive {
		return nil, fmt.Errorf("%w: challenge %s is %s", apperr.ErrValidation, challengeID, c.Status)
	}
	p, err := s.store.GetPortfolio(ctx, portfolioID)
	if err != nil {
		return nil, err
	}
	if p.UserID != callerID {
		return nil, fmt.Errorf("portfolio %s: %w", portfolioID, apperr.ErrUnauthorized)
	}

	part := model.Participant{
		UserID:      callerID,
		Username:    username,
		PortfolioID: portfolioID,
		JoinedAt:    s.now().UTC(),
	}
	if err := s.store.JoinChallenge(ctx, challengeID, part); err != nil {
		return nil, err
	}
	s.log.Info("challenge joined", "challenge", challengeID, "user", callerID, "portfolio", portfolioID)
	return &part, nil
}

// RankChallenge recomputes the live leaderboard from every participant's
// current performance and stores it. A completed or cancelled challenge is
// not re-ranked; its stored leaderboard is returned.
func (s *Service) RankChallenge(ctx context.Context, challengeID string) ([]model.LeaderboardRow, error) {
	c, err := s.store.GetChallenge(ctx, challengeID)
	if err != nil {
		metrics.RankingPasses.WithLabelValues("error").Inc()
		return nil, err
	}
	if frozen(c) {
		metrics.RankingPasses.WithLabelValues("frozen").Inc()
		return c.Leaderboard, nil
	}
	return s.rank(ctx, c)
}

func (s *Service) rank(ctx context.Context, c *model.Challenge) ([]model.LeaderboardRow, error) {
	s.revalue(ctx, c)

	summaries, err := s.store.ParticipantSummaries(ctx, c.ID)
	if err != nil {
		metrics.RankingPasses.WithLabelValues("error").Inc()
		return nil, err
	}
	if len(summaries) < len(c.Participants) {
		ranked := make(map[string]bool, len(summaries))
		for _, sum := range summaries {
			ranked[sum.Participant.UserID] = true
		}
		var skipped []string
		for _, p := range c.Participants {
			if !ranked[p.UserID] {
				skipped = append(skipped, p.UserID)
			}
		}
		s.log.Warn("participants without a portfolio left out of ranking",
			"challenge", c.ID, "users", skipped)
	}

	rows := Rank(summaries, s.epsilon)
	if err := s.store.SaveLeaderboard(ctx, c.ID, rows); err != nil {
		metrics.RankingPasses.WithLabelValues("error").Inc()
		return nil, err
	}
	metrics.RankingPasses.WithLabelValues("ok").Inc()

	s.log.Info("leaderboard ranked", "challenge", c.ID, "participants", len(rows))
	s.publish(ctx, events.Event{
		Type:        events.LeaderboardUpdated,
		ChallengeID: c.ID,
		Payload:     rows,
		At:          s.now().UTC(),
	})
	return rows, nil
}

// revalue re-marks the participants' portfolios. A failed re-mark is
// logged; that participant is ranked on its last committed summary.
func (s *Service) revalue(ctx context.Context, c *model.Challenge) {
	if s.valuer == nil || len(c.Participants) == 0 {
		return
	}
	var g errgroup.Group
	g.SetLimit(maxConcurrentValuations)
	for _, p := range c.Participants {
		p := p
		g.Go(func() error {
			if _, err := s.valuer.Revalue(ctx, p.PortfolioID); err != nil {
				s.log.Warn("revaluation before ranking failed",
					"challenge", c.ID, "user", p.UserID, "portfolio", p.PortfolioID, "err", err)
			}
			return nil
		})
	}
	g.Wait()
}

// SnapshotChallengeLeaderboard appends a copy of the live leaderboard to the
// challenge history. An empty leaderboard is skipped with a warning, and a
// completed or cancelled challenge is skipped with an info line; both return
// (nil, nil).
func (s *Service) SnapshotChallengeLeaderboard(ctx context.Context, challengeID string) (*model.LeaderboardSnapshot, error) {
	c, err := s.store.GetChallenge(ctx, challengeID)
	if err != nil {
		return nil, err
	}
	if frozen(c) {
		metrics.Snapshots.WithLabelValues("skipped").Inc()
		s.log.Info("challenge is closed, skipping snapshot", "challenge", challengeID, "status", string(c.Status))
		return nil, nil
	}
	return s.snapshot(ctx, challengeID, c.Leaderboard)
}

func (s *Service) snapshot(ctx context.Context, challengeID string, rows []model.LeaderboardRow) (*model.LeaderboardSnapshot, error) {
	if len(rows) == 0 {
		metrics.Snapshots.WithLabelValues("skipped").Inc()
		s.log.Warn("leaderboard is empty, skipping snapshot", "challenge", challengeID)
		return nil, nil
	}

	snap := Snapshot(challengeID, rows, s.now())
	if err := s.store.AppendSnapshot(ctx, snap); err != nil {
		return nil, err
	}
	metrics.Snapshots.WithLabelValues("written").Inc()

	s.log.Info("leaderboard snapshot recorded", "challenge", challengeID, "snapshot", snap.ID, "rows", len(snap.Rows))
	s.publish(ctx, events.Event{
		Type:        events.LeaderboardSnapshot,
		ChallengeID: challengeID,
		Payload:     snap,
		At:          snap.Date,
	})
	return &snap, nil
}

// UpdateLeaderboard is one full pass: rank, then snapshot. A completed or
// cancelled challenge gets neither; its stored leaderboard and a nil
// snapshot are returned.
func (s *Service) UpdateLeaderboard(ctx context.Context, challengeID string) ([]model.LeaderboardRow, *model.LeaderboardSnapshot, error) {
	c, err := s.store.GetChallenge(ctx, challengeID)
	if err != nil {
		metrics.RankingPasses.WithLabelValues("error").Inc()
		return nil, nil, err
	}
	if frozen(c) {
		metrics.RankingPasses.WithLabelValues("frozen").Inc()
		s.log.Info("challenge is closed, skipping leaderboard update", "challenge", challengeID, "status", string(c.Status))
		return c.Leaderboard, nil, nil
	}

	rows, err := s.rank(ctx, c)
	if err != nil {
		return nil, nil, err
	}
	snap, err := s.snapshot(ctx, challengeID, rows)
	if err != nil {
		return rows, nil, err
	}
	return rows, snap, nil
}

// History returns the challenge's snapshots, oldest first.
func (s *Service) History(ctx context.Context, challengeID string) ([]model.LeaderboardSnapshot, error) {
	c, err := s.store.GetChallenge(ctx, challengeID)
	if err != nil {
		return nil, err
	}
	return c.History, nil
}

// CompleteChallenge ranks a final time and freezes every participant's
// rank and return. Completing twice never changes a frozen result.
func (s *Service) CompleteChallenge(ctx context.Context, challengeID string) (*model.Challenge, error) {
	c, err := s.store.GetChallenge(ctx, challengeID)
	if err != nil {
		return nil, err
	}
	switch c.Status {
	case model.ChallengeCompleted:
		return c, nil
	case model.ChallengeCancelled:
		return nil, fmt.Errorf("%w: challenge %s was cancelled", apperr.ErrValidation, challengeID)
	}

	rows, err := s.rank(ctx, c)
	if err != nil {
		return nil, err
	}
	if err := s.store.CompleteChallenge(ctx, challengeID, Finals(rows)); err != nil {
		return nil, err
	}
	if _, err := s.snapshot(ctx, challengeID, rows); err != nil {
		s.log.Warn("final snapshot failed", "challenge", challengeID, "err", err)
	}

	s.log.Info("challenge completed", "challenge", challengeID, "participants", len(rows))
	return s.store.GetChallenge(ctx, challengeID)
}

// frozen reports whether c no longer takes ranking passes or snapshots.
func frozen(c *model.Challenge) bool {
	return c.Status != model.ChallengeUpcoming && c.Status != model.ChallengeActive
}

// publish is fire-and-forget; the ranking is already stored.
func (s *Service) publish(ctx context.Context, ev events.Event) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := s.sink.Publish(ctx, ev); err != nil {
		metrics.EventPublishFailures.WithLabelValues(string(ev.Type)).Inc()
		s.log.Warn("event publish failed", "type", string(ev.Type), "challenge", ev.ChallengeID, "err", err)
	}
}

package leaderboard

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// maxConcurrentPasses bounds how many challenges are ranked at once.
const maxConcurrentPasses = 8

// Scheduler runs UpdateLeaderboard for a fixed set of challenges on an
// interval.
type Scheduler struct {
	svc        *Service
	interval   time.Duration
	challenges []string
	log        *slog.Logger
}

// NewScheduler creates a scheduler. A nil logger uses slog.Default.
func NewScheduler(svc *Service, interval time.Duration, challenges []string, log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{svc: svc, interval: interval, challenges: challenges, log: log}
}

// Run blocks until ctx is done, running one pass per tick. The first pass
// runs immediately.
func (s *Scheduler) Run(ctx context.Context) {
	if s.interval <= 0 || len(s.challenges) == 0 {
		s.log.Info("leaderboard scheduler disabled")
		return
	}
	s.log.Info("leaderboard scheduler started", "interval", s.interval.String(), "challenges", len(s.challenges))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.RunOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			s.log.Info("leaderboard scheduler stopped")
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce updates every configured challenge. One challenge failing does
// not stop the others; the number of failures is returned.
func (s *Scheduler) RunOnce(ctx context.Context) int {
	failures := make([]bool, len(s.challenges))

	var g errgroup.Group
	g.SetLimit(maxConcurrentPasses)
	for i, id := range s.challenges {
		i, id := i, id
		g.Go(func() error {
			if _, _, err := s.svc.UpdateLeaderboard(ctx, id); err != nil {
				failures[i] = true
				s.log.Error("leaderboard update failed", "challenge", id, "err", err)
			}
			return nil
		})
	}
	g.Wait()

	n := 0
	for _, f := range failures {
		if f {
			n++
		}
	}
	return n
}

// Package leaderboard ranks challenge participants by return percentage and
// records point-in-time snapshots of the result.
package leaderboard

import (
	"cmp"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/investquest/portfolio-engine/internal/model"
)

// DefaultEpsilon is the return-percentage difference below which two
// participants are considered tied.
const DefaultEpsilon = 1e-9

// Rank orders participants by return percentage, highest first, and assigns
// ranks 1..N.
//
// Participants are sorted strictly by return, then cut into runs: a run
// holds every following participant within epsilon of the run's first
// (highest) member. Each run is ordered by join time, then user ID. Nobody
// ranks above a participant whose return is more than epsilon higher. The
// result depends only on the set of inputs, never on their order. Tied
// participants still get distinct sequential ranks; there are no shared
// ranks.
func Rank(entries []model.ParticipantSummary, epsilon float64) []model.LeaderboardRow {
	eps := decimal.NewFromFloat(epsilon)

	sorted := slices.Clone(entries)
	// Fix the order among equal returns first so the stable sort below
	// never depends on how the caller ordered its input.
	slices.SortFunc(sorted, compareJoin)
	slices.SortStableFunc(sorted, func(a, b model.ParticipantSummary) int {
		return b.Performance.ReturnPercentage.Cmp(a.Performance.ReturnPercentage)
	})

	for start := 0; start < len(sorted); {
		top := sorted[start].Performance.ReturnPercentage
		end := start + 1
		for end < len(sorted) && top.Sub(sorted[end].Performance.ReturnPercentage).LessThanOrEqual(eps) {
			end++
		}
		slices.SortFunc(sorted[start:end], compareJoin)
		start = end
	}

	rows := make([]model.LeaderboardRow, len(sorted))
	for i, e := range sorted {
		rows[i] = model.LeaderboardRow{
			UserID:           e.Participant.UserID,
			Username:         e.Participant.Username,
			PortfolioID:      e.Participant.PortfolioID,
			Return:           e.Performance.TotalReturn,
			ReturnPercentage: e.Performance.ReturnPercentage,
			JoinedAt:         e.Participant.JoinedAt,
			Rank:             i + 1,
		}
	}
	return rows
}

func compareJoin(a, b model.ParticipantSummary) int {
	if c := a.Participant.JoinedAt.Compare(b.Participant.JoinedAt); c != 0 {
		return c
	}
	return cmp.Compare(a.Participant.UserID, b.Participant.UserID)
}

// Snapshot returns an immutable history entry holding a copy of rows.
// Later changes to rows do not affect it.
func Snapshot(challengeID string, rows []model.LeaderboardRow, at time.Time) model.LeaderboardSnapshot {
	return model.LeaderboardSnapshot{
		ID:          uuid.New().String(),
		ChallengeID: challengeID,
		Date:        at.UTC(),
		Rows:        slices.Clone(rows),
	}
}

// Finals turns a final ranking into the frozen per-user results.
func Finals(rows []model.LeaderboardRow) map[string]model.FinalPerformance {
	out := make(map[string]model.FinalPerformance, len(rows))
	for _, r := range rows {
		out[r.UserID] = model.FinalPerformance{
			Rank:             r.Rank,
			Return:           r.Return,
			ReturnPercentage: r.ReturnPercentage,
		}
	}
	return out
}

package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/investquest/portfolio-engine/internal/apperr"
	"github.com/investquest/portfolio-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// A single RWMutex makes every CommitTrade atomic with respect to readers,
// so ParticipantSummaries never observes a half-applied trade.
type MemoryStore struct {
	mu          sync.RWMutex
	portfolios  map[string]*model.Portfolio
	ledger      []model.Transaction
	txIndex     map[string]int
	idempotency map[string]int // userID + "\x00" + key -> ledger index
	challenges  map[string]*model.Challenge
	quotes      map[string]model.Quote
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		portfolios:  make(map[string]*model.Portfolio),
		txIndex:     make(map[string]int),
		idempotency: make(map[string]int),
		challenges:  make(map[string]*model.Challenge),
		quotes:      make(map[string]model.Quote),
	}
}

func idemKey(userID, key string) string { return userID + "\x00" + key }

func (s *MemoryStore) CreatePortfolio(_ context.Context, p *model.Portfolio) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.portfolios[p.ID]; ok {
		return fmt.Errorf("%w: portfolio %s already exists", apperr.ErrConflict, p.ID)
	}
	s.portfolios[p.ID] = p.Clone()
	return nil
}

func (s *MemoryStore) GetPortfolio(_ context.Context, id string) (*model.Portfolio, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.portfolios[id]
	if !ok {
		return nil, fmt.Errorf("portfolio %s: %w", id, apperr.ErrNotFound)
	}
	return p.Clone(), nil
}

func (s *MemoryStore) GetPortfolioForUpdate(ctx context.Context, id string) (*model.Portfolio, error) {
	return s.GetPortfolio(ctx, id)
}

func (s *MemoryStore) SaveValuation(_ context.Context, c ValuationCommit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkVersion(c.Portfolio.ID, c.ExpectedVersion); err != nil {
		return err
	}
	next := c.Portfolio.Clone()
	next.Version = c.ExpectedVersion + 1
	s.portfolios[next.ID] = next
	return nil
}

// checkVersion must be called with mu held.
func (s *MemoryStore) checkVersion(id string, expected int64) error {
	current, ok := s.portfolios[id]
	if !ok {
		return fmt.Errorf("portfolio %s: %w", id, apperr.ErrNotFound)
	}
	if current.Version != expected {
		return fmt.Errorf("%w: portfolio %s at version %d, expected %d",
			apperr.ErrConflict, current.ID, current.Version, expected)
	}
	return nil
}

func (s *MemoryStore) CommitTrade(_ context.Context, c TradeCommit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkVersion(c.Portfolio.ID, c.ExpectedVersion); err != nil {
		return err
	}
	if _, dup := s.txIndex[c.Transaction.ID]; dup {
		return fmt.Errorf("%w: transaction %s already recorded", apperr.ErrConflict, c.Transaction.ID)
	}
	if k := c.Transaction.IdempotencyKey; k != "" {
		if _, dup := s.idempotency[idemKey(c.Transaction.UserID, k)]; dup {
			return fmt.Errorf("%w: idempotency key %q", apperr.ErrDuplicateRequest, k)
		}
	}

	// All checks passed; nothing below can fail.
	next := c.Portfolio.Clone()
	next.Version = c.ExpectedVersion + 1
	s.portfolios[next.ID] = next

	s.ledger = append(s.ledger, c.Transaction)
	idx := len(s.ledger) - 1
	s.txIndex[c.Transaction.ID] = idx
	if k := c.Transaction.IdempotencyKey; k != "" {
		s.idempotency[idemKey(c.Transaction.UserID, k)] = idx
	}
	return nil
}

func (s *MemoryStore) GetTransaction(_ context.Context, id string) (*model.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idx, ok := s.txIndex[id]
	if !ok {
		return nil, fmt.Errorf("transaction %s: %w", id, apperr.ErrNotFound)
	}
	tx := s.ledger[idx]
	return &tx, nil
}

func (s *MemoryStore) ListByPortfolio(_ context.Context, portfolioID string) ([]model.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Transaction
	for _, tx := range s.ledger {
		if tx.PortfolioID == portfolioID {
			result = append(result, tx)
		}
	}
	return result, nil
}

func (s *MemoryStore) ListByUser(_ context.Context, userID string) ([]model.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Transaction
	for _, tx := range s.ledger {
		if tx.UserID == userID {
			result = append(result, tx)
		}
	}
	return result, nil
}

func (s *MemoryStore) LookupIdempotency(_ context.Context, userID, key string) (*model.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idx, ok := s.idempotency[idemKey(userID, key)]
	if !ok {
		return nil, fmt.Errorf("idempotency key %q: %w", key, apperr.ErrNotFound)
	}
	tx := s.ledger[idx]
	return &tx, nil
}

func (s *MemoryStore) CreateChallenge(_ context.Context, c *model.Challenge) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.challenges[c.ID]; ok {
		return fmt.Errorf("%w: challenge %s already exists", apperr.ErrConflict, c.ID)
	}
	s.challenges[c.ID] = c.Clone()
	return nil
}

func (s *MemoryStore) GetChallenge(_ context.Context, id string) (*model.Challenge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.challenges[id]
	if !ok {
		return nil, fmt.Errorf("challenge %s: %w", id, apperr.ErrNotFound)
	}
	return c.Clone(), nil
}

func (s *MemoryStore) JoinChallenge(_ context.Context, challengeID string, p model.Participant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.challenges[challengeID]
	if !ok {
		return fmt.Errorf("challenge %s: %w", challengeID, apperr.ErrNotFound)
	}
	for _, existing := range c.Participants {
		if existing.UserID == p.UserID {
			return fmt.Errorf("%w: user %s already joined challenge %s", apperr.ErrConflict, p.UserID, challengeID)
		}
	}
	c.Participants = append(c.Participants, p)
	c.UpdatedAt = p.JoinedAt
	return nil
}

func (s *MemoryStore) ParticipantSummaries(_ context.Context, challengeID string) ([]model.ParticipantSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.challenges[challengeID]
	if !ok {
		return nil, fmt.Errorf("challenge %s: %w", challengeID, apperr.ErrNotFound)
	}
	out := make([]model.ParticipantSummary, 0, len(c.Participants))
	for _, p := range c.Participants {
		pf, ok := s.portfolios[p.PortfolioID]
		if !ok {
			continue
		}
		out = append(out, model.ParticipantSummary{Participant: p, Performance: pf.Performance})
	}
	return out, nil
}

func (s *MemoryStore) SaveLeaderboard(_ context.Context, challengeID string, rows []model.LeaderboardRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.challenges[challengeID]
	if !ok {
		return fmt.Errorf("challenge %s: %w", challengeID, apperr.ErrNotFound)
	}
	c.Leaderboard = append([]model.LeaderboardRow(nil), rows...)
	return nil
}

func (s *MemoryStore) AppendSnapshot(_ context.Context, snap model.LeaderboardSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.challenges[snap.ChallengeID]
	if !ok {
		return fmt.Errorf("challenge %s: %w", snap.ChallengeID, apperr.ErrNotFound)
	}
	snap.Rows = append([]model.LeaderboardRow(nil), snap.Rows...)
	c.History = append(c.History, snap)
	return nil
}

func (s *MemoryStore) CompleteChallenge(_ context.Context, challengeID string, finals map[string]model.FinalPerformance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.challenges[challengeID]
	if !ok {
		return fmt.Errorf("challenge %s: %w", challengeID, apperr.ErrNotFound)
	}
	for i, p := range c.Participants {
		if p.FinalPerformance != nil {
			continue
		}
		if fp, ok := finals[p.UserID]; ok {
			fp := fp
			c.Participants[i].FinalPerformance = &fp
		}
	}
	c.Status = model.ChallengeCompleted
	return nil
}

func (s *MemoryStore) PutQuote(_ context.Context, q model.Quote) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	q.Symbol = model.NormalizeSymbol(q.Symbol)
	s.quotes[q.Symbol] = q
	return nil
}

func (s *MemoryStore) GetQuote(_ context.Context, symbol string) (*model.Quote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	q, ok := s.quotes[model.NormalizeSymbol(symbol)]
	if !ok {
		return nil, fmt.Errorf("quote %s: %w", symbol, apperr.ErrNotFound)
	}
	return &q, nil
}

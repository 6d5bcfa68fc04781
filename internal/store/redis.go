package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/investquest/portfolio-engine/internal/model"
)

// genTTL outlives any in-flight fill. An expired generation only makes
// pending fills miss.
const genTTL = 24 * time.Hour

// fillScript stores ARGV[2] under KEYS[1] only while the generation in
// KEYS[2] still equals ARGV[1], the value the reader saw before it went to
// the primary store.
var fillScript = redis.NewScript(`
local gen = redis.call('GET', KEYS[2]) or ''
if gen ~= ARGV[1] then
	return 0
end
redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
return 1
`)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and then invalidate the cache;
// reads check Redis first then fall back to the primary.
//
// Every cached key has a generation counter. A write bumps it before
// deleting the key, and a fill is refused if the counter moved since the
// reader looked, so a read that raced a write cannot re-cache the old
// document. Read-modify-write paths use GetPortfolioForUpdate, which is
// never served from Redis.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
	log     *slog.Logger
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
		log:     slog.Default().With("component", "cache"),
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreatePortfolio(ctx context.Context, p *model.Portfolio) error {
	gen := s.generation(ctx, portfolioKey(p.ID))
	if err := s.primary.CreatePortfolio(ctx, p); err != nil {
		return err
	}
	s.fill(ctx, portfolioKey(p.ID), gen, p)
	return nil
}

func (s *CachedStore) CommitTrade(ctx context.Context, c TradeCommit) error {
	if err := s.primary.CommitTrade(ctx, c); err != nil {
		return err
	}
	s.invalidate(ctx, portfolioKey(c.Portfolio.ID))
	return nil
}

func (s *CachedStore) SaveValuation(ctx context.Context, c ValuationCommit) error {
	if err := s.primary.SaveValuation(ctx, c); err != nil {
		return err
	}
	s.invalidate(ctx, portfolioKey(c.Portfolio.ID))
	return nil
}

func (s *CachedStore) CreateChallenge(ctx context.Context, c *model.Challenge) error {
	return s.primary.CreateChallenge(ctx, c)
}

func (s *CachedStore) JoinChallenge(ctx context.Context, challengeID string, p model.Participant) error {
	if err := s.primary.JoinChallenge(ctx, challengeID, p); err != nil {
		return err
	}
	s.invalidate(ctx, challengeKey(challengeID))
	return nil
}

func (s *CachedStore) SaveLeaderboard(ctx context.Context, challengeID string, rows []model.LeaderboardRow) error {
	if err := s.primary.SaveLeaderboard(ctx, challengeID, rows); err != nil {
		return err
	}
	s.invalidate(ctx, challengeKey(challengeID))
	return nil
}

func (s *CachedStore) AppendSnapshot(ctx context.Context, snap model.LeaderboardSnapshot) error {
	if err := s.primary.AppendSnapshot(ctx, snap); err != nil {
		return err
	}
	s.invalidate(ctx, challengeKey(snap.ChallengeID))
	return nil
}

func (s *CachedStore) CompleteChallenge(ctx context.Context, challengeID string, finals map[string]model.FinalPerformance) error {
	if err := s.primary.CompleteChallenge(ctx, challengeID, finals); err != nil {
		return err
	}
	s.invalidate(ctx, challengeKey(challengeID))
	return nil
}

func (s *CachedStore) PutQuote(ctx context.Context, q model.Quote) error {
	if err := s.primary.PutQuote(ctx, q); err != nil {
		return err
	}
	s.invalidate(ctx, quoteKey(q.Symbol))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetPortfolio(ctx context.Context, id string) (*model.Portfolio, error) {
	key := portfolioKey(id)
	var p model.Portfolio
	if s.get(ctx, key, &p) {
		return &p, nil
	}

	gen := s.generation(ctx, key)
	fresh, err := s.primary.GetPortfolio(ctx, id)
	if err != nil {
		return nil, err
	}
	s.fill(ctx, key, gen, fresh)
	return fresh, nil
}

// GetPortfolioForUpdate always reads the primary store.
func (s *CachedStore) GetPortfolioForUpdate(ctx context.Context, id string) (*model.Portfolio, error) {
	return s.primary.GetPortfolioForUpdate(ctx, id)
}

func (s *CachedStore) GetChallenge(ctx context.Context, id string) (*model.Challenge, error) {
	key := challengeKey(id)
	var c model.Challenge
	if s.get(ctx, key, &c) {
		return &c, nil
	}

	gen := s.generation(ctx, key)
	fresh, err := s.primary.GetChallenge(ctx, id)
	if err != nil {
		return nil, err
	}
	s.fill(ctx, key, gen, fresh)
	return fresh, nil
}

func (s *CachedStore) GetQuote(ctx context.Context, symbol string) (*model.Quote, error) {
	key := quoteKey(symbol)
	var q model.Quote
	if s.get(ctx, key, &q) {
		return &q, nil
	}

	gen := s.generation(ctx, key)
	fresh, err := s.primary.GetQuote(ctx, symbol)
	if err != nil {
		return nil, err
	}
	s.fill(ctx, key, gen, fresh)
	return fresh, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) GetTransaction(ctx context.Context, id string) (*model.Transaction, error) {
	return s.primary.GetTransaction(ctx, id)
}

func (s *CachedStore) ListByPortfolio(ctx context.Context, portfolioID string) ([]model.Transaction, error) {
	return s.primary.ListByPortfolio(ctx, portfolioID)
}

func (s *CachedStore) ListByUser(ctx context.Context, userID string) ([]model.Transaction, error) {
	return s.primary.ListByUser(ctx, userID)
}

func (s *CachedStore) LookupIdempotency(ctx context.Context, userID, key string) (*model.Transaction, error) {
	return s.primary.LookupIdempotency(ctx, userID, key)
}

// ParticipantSummaries must be one consistent read, so it never mixes
// cached and primary documents.
func (s *CachedStore) ParticipantSummaries(ctx context.Context, challengeID string) ([]model.ParticipantSummary, error) {
	return s.primary.ParticipantSummaries(ctx, challengeID)
}

// --- Cache helpers ---

func (s *CachedStore) get(ctx context.Context, key string, v any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, v) == nil
}

// generation returns the key's current generation, "" when none was ever
// written. On a Redis error it returns "-", which no counter ever holds, so
// the later fill is refused.
func (s *CachedStore) generation(ctx context.Context, key string) string {
	gen, err := s.rdb.Get(ctx, genKey(key)).Result()
	switch {
	case errors.Is(err, redis.Nil):
		return ""
	case err != nil:
		return "-"
	}
	return gen
}

func (s *CachedStore) fill(ctx context.Context, key, gen string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	err = fillScript.Run(ctx, s.rdb, []string{key, genKey(key)}, gen, data, s.ttl.Milliseconds()).Err()
	if err != nil {
		s.log.Debug("cache fill failed", "key", key, "err", err)
	}
}

// invalidate bumps the generation and drops the cached value in one
// MULTI/EXEC. The primary write already succeeded, so a failure here is
// logged and not returned; the entry then lives until its TTL.
func (s *CachedStore) invalidate(ctx context.Context, key string) {
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, genKey(key))
		pipe.PExpire(ctx, genKey(key), genTTL)
		pipe.Del(ctx, key)
		return nil
	})
	if err != nil {
		s.log.Warn("cache invalidation failed", "key", key, "err", err)
	}
}

func portfolioKey(id string) string { return fmt.Sprintf("portfolio:%s", id) }
func challengeKey(id string) string { return fmt.Sprintf("challenge:%s", id) }
func quoteKey(sym string) string    { return fmt.Sprintf("quote:%s", model.NormalizeSymbol(sym)) }
func genKey(key string) string      { return "gen:" + key }

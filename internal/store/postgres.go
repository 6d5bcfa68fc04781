package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/investquest/portfolio-engine/internal/apperr"
	"github.com/investquest/portfolio-engine/internal/model"
)

//go:embed schema.sql
var schema string

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Ledger amounts are stored as NUMERIC for exact decimal precision. The
// portfolio document (positions + performance) is one JSONB row guarded by
// a version column.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate applies the embedded schema. It is idempotent.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreatePortfolio(ctx context.Context, p *model.Portfolio) error {
	positions, perf, err := encodeDocument(p)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO portfolios (id, user_id, name, type, status, positions, performance,
		                         transaction_count, version, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6::JSONB, $7::JSONB, $8, $9, $10, $11)`,
		p.ID, p.UserID, p.Name, p.Type, p.Status, positions, perf,
		p.TransactionCount, p.Version, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return classify(fmt.Errorf("create portfolio %s: %w", p.ID, err))
	}
	return nil
}

func (s *PostgresStore) GetPortfolio(ctx context.Context, id string) (*model.Portfolio, error) {
	var p model.Portfolio
	var positions, perf string

	err := s.pool.QueryRow(ctx,
		`SELECT id, user_id, name, type, status, positions::TEXT, performance::TEXT,
		        transaction_count, version, created_at, updated_at
		 FROM portfolios WHERE id = $1`, id).
		Scan(&p.ID, &p.UserID, &p.Name, &p.Type, &p.Status, &positions, &perf,
			&p.TransactionCount, &p.Version, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, notFound(fmt.Sprintf("portfolio %s", id), err)
	}
	if err := json.Unmarshal([]byte(positions), &p.Positions); err != nil {
		return nil, fmt.Errorf("decode positions of %s: %w", id, err)
	}
	if err := json.Unmarshal([]byte(perf), &p.Performance); err != nil {
		return nil, fmt.Errorf("decode performance of %s: %w", id, err)
	}
	return &p, nil
}

// CommitTrade runs the document update and ledger insert in one serializable
// transaction. A stale version, serialization failure or key collision rolls
// back both writes.
func (s *PostgresStore) CommitTrade(ctx context.Context, c TradeCommit) error {
	positions, perf, err := encodeDocument(c.Portfolio)
	if err != nil {
		return err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("%w: begin: %v", apperr.ErrTransient, err)
	}
	defer tx.Rollback(ctx)

	if err := updateDocument(ctx, tx, c.Portfolio, positions, perf, c.ExpectedVersion); err != nil {
		return err
	}

	e := c.Transaction
	_, err = tx.Exec(ctx,
		`INSERT INTO transactions (id, user_id, portfolio_id, side, symbol, quantity, price, amount,
		                           fees, total, realized_gain, description, related_transaction_id,
		                           idempotency_key, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC,
		         $9::NUMERIC, $10::NUMERIC, $11::NUMERIC, $12, $13, $14, $15)`,
		e.ID, e.UserID, e.PortfolioID, e.Side, e.Symbol,
		e.Quantity.String(), e.Price.String(), e.Amount.String(),
		e.Fees.String(), e.Total.String(), e.RealizedGain.String(),
		e.Description, e.RelatedTransactionID, e.IdempotencyKey, e.Timestamp,
	)
	if err != nil {
		return classify(fmt.Errorf("insert transaction %s: %w", e.ID, err))
	}

	if err := tx.Commit(ctx); err != nil {
		return classify(fmt.Errorf("commit trade on %s: %w", c.Portfolio.ID, err))
	}
	return nil
}

// GetPortfolioForUpdate is GetPortfolio; PostgreSQL is the source of truth.
func (s *PostgresStore) GetPortfolioForUpdate(ctx context.Context, id string) (*model.Portfolio, error) {
	return s.GetPortfolio(ctx, id)
}

// SaveValuation is the version-checked document update of CommitTrade
// without the ledger insert.
func (s *PostgresStore) SaveValuation(ctx context.Context, c ValuationCommit) error {
	positions, perf, err := encodeDocument(c.Portfolio)
	if err != nil {
		return err
	}
	return updateDocument(ctx, s.pool, c.Portfolio, positions, perf, c.ExpectedVersion)
}

// docWriter is satisfied by both *pgxpool.Pool and pgx.Tx.
type docWriter interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func updateDocument(ctx context.Context, db docWriter, p *model.Portfolio, positions, perf string, expected int64) error {
	tag, err := db.Exec(ctx,
		`UPDATE portfolios
		 SET name = $3, status = $4, positions = $5::JSONB, performance = $6::JSONB,
		     transaction_count = $7, version = version + 1, updated_at = $8
		 WHERE id = $1 AND version = $2`,
		p.ID, expected, p.Name, p.Status, positions, perf,
		p.TransactionCount, p.UpdatedAt,
	)
	if err != nil {
		return classify(fmt.Errorf("update portfolio %s: %w", p.ID, err))
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	var exists bool
	if err := db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM portfolios WHERE id = $1)`, p.ID).Scan(&exists); err != nil {
		return classify(err)
	}
	if !exists {
		return fmt.Errorf("portfolio %s: %w", p.ID, apperr.ErrNotFound)
	}
	return fmt.Errorf("%w: portfolio %s moved past version %d", apperr.ErrConflict, p.ID, expected)
}

const transactionColumns = `id, user_id, portfolio_id, side, symbol,
	quantity::TEXT, price::TEXT, amount::TEXT, fees::TEXT, total::TEXT, realized_gain::TEXT,
	description, related_transaction_id, idempotency_key, timestamp`

func (s *PostgresStore) GetTransaction(ctx context.Context, id string) (*model.Transaction, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, id)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	txs, err := scanTransactions(rows)
	if err != nil {
		return nil, err
	}
	if len(txs) == 0 {
		return nil, fmt.Errorf("transaction %s: %w", id, apperr.ErrNotFound)
	}
	return &txs[0], nil
}

func (s *PostgresStore) ListByPortfolio(ctx context.Context, portfolioID string) ([]model.Transaction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE portfolio_id = $1 ORDER BY seq`, portfolioID)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	return scanTransactions(rows)
}

func (s *PostgresStore) ListByUser(ctx context.Context, userID string) ([]model.Transaction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE user_id = $1 ORDER BY seq`, userID)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	return scanTransactions(rows)
}

func (s *PostgresStore) LookupIdempotency(ctx context.Context, userID, key string) (*model.Transaction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+transactionColumns+` FROM transactions
		 WHERE user_id = $1 AND idempotency_key = $2 AND idempotency_key <> ''`, userID, key)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	txs, err := scanTransactions(rows)
	if err != nil {
		return nil, err
	}
	if len(txs) == 0 {
		return nil, fmt.Errorf("idempotency key %q: %w", key, apperr.ErrNotFound)
	}
	return &txs[0], nil
}

func (s *PostgresStore) CreateChallenge(ctx context.Context, c *model.Challenge) error {
	board, err := json.Marshal(nonNilRows(c.Leaderboard))
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO challenges (id, title, status, start_date, end_date, leaderboard, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6::JSONB, $7, $8)`,
		c.ID, c.Title, c.Status, c.StartDate, c.EndDate, string(board), c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return classify(fmt.Errorf("create challenge %s: %w", c.ID, err))
	}
	return nil
}

func (s *PostgresStore) GetChallenge(ctx context.Context, id string) (*model.Challenge, error) {
	var c model.Challenge
	var board string
	err := s.pool.QueryRow(ctx,
		`SELECT id, title, status, start_date, end_date, leaderboard::TEXT, created_at, updated_at
		 FROM challenges WHERE id = $1`, id).
		Scan(&c.ID, &c.Title, &c.Status, &c.StartDate, &c.EndDate, &board, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, notFound(fmt.Sprintf("challenge %s", id), err)
	}
	if err := json.Unmarshal([]byte(board), &c.Leaderboard); err != nil {
		return nil, fmt.Errorf("decode leaderboard of %s: %w", id, err)
	}

	participants, err := s.participants(ctx, id)
	if err != nil {
		return nil, err
	}
	c.Participants = participants

	rows, err := s.pool.Query(ctx,
		`SELECT id, challenge_id, date, rows::TEXT FROM leaderboard_snapshots
		 WHERE challenge_id = $1 ORDER BY seq`, id)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	for rows.Next() {
		var snap model.LeaderboardSnapshot
		var data string
		if err := rows.Scan(&snap.ID, &snap.ChallengeID, &snap.Date, &data); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(data), &snap.Rows); err != nil {
			return nil, fmt.Errorf("decode snapshot %s: %w", snap.ID, err)
		}
		c.History = append(c.History, snap)
	}
	return &c, rows.Err()
}

func (s *PostgresStore) participants(ctx context.Context, challengeID string) ([]model.Participant, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id, username, portfolio_id, joined_at, final_performance::TEXT
		 FROM challenge_participants WHERE challenge_id = $1 ORDER BY joined_at, user_id`, challengeID)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []model.Participant
	for rows.Next() {
		var p model.Participant
		var final *string
		if err := rows.Scan(&p.UserID, &p.Username, &p.PortfolioID, &p.JoinedAt, &final); err != nil {
			return nil, err
		}
		if p.FinalPerformance, err = decodeFinal(final); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) JoinChallenge(ctx context.Context, challengeID string, p model.Participant) error {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO challenge_participants (challenge_id, user_id, username, portfolio_id, joined_at)
		 SELECT $1, $2, $3, $4, $5 WHERE EXISTS (SELECT 1 FROM challenges WHERE id = $1)
		 ON CONFLICT (challenge_id, user_id) DO NOTHING`,
		challengeID, p.UserID, p.Username, p.PortfolioID, p.JoinedAt,
	)
	if err != nil {
		return classify(fmt.Errorf("join challenge %s: %w", challengeID, err))
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.challengeExists(ctx, challengeID); err != nil {
			return err
		}
		return fmt.Errorf("%w: user %s already joined challenge %s", apperr.ErrConflict, p.UserID, challengeID)
	}
	return nil
}

// ParticipantSummaries joins participants to their portfolios in a single
// statement; PostgreSQL gives the statement one snapshot. Participants whose
// portfolio no longer exists are left out.
func (s *PostgresStore) ParticipantSummaries(ctx context.Context, challengeID string) ([]model.ParticipantSummary, error) {
	if _, err := s.challengeExists(ctx, challengeID); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx,
		`SELECT cp.user_id, cp.username, cp.portfolio_id, cp.joined_at, cp.final_performance::TEXT,
		        p.performance::TEXT
		 FROM challenge_participants cp
		 JOIN portfolios p ON p.id = cp.portfolio_id
		 WHERE cp.challenge_id = $1
		 ORDER BY cp.joined_at, cp.user_id`, challengeID)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []model.ParticipantSummary
	for rows.Next() {
		var sum model.ParticipantSummary
		var final *string
		var perf string
		p := &sum.Participant
		if err := rows.Scan(&p.UserID, &p.Username, &p.PortfolioID, &p.JoinedAt, &final, &perf); err != nil {
			return nil, err
		}
		if p.FinalPerformance, err = decodeFinal(final); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(perf), &sum.Performance); err != nil {
			return nil, fmt.Errorf("decode performance of %s: %w", p.PortfolioID, err)
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SaveLeaderboard(ctx context.Context, challengeID string, rows []model.LeaderboardRow) error {
	board, err := json.Marshal(nonNilRows(rows))
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE challenges SET leaderboard = $2::JSONB, updated_at = now() WHERE id = $1`,
		challengeID, string(board))
	if err != nil {
		return classify(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("challenge %s: %w", challengeID, apperr.ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) AppendSnapshot(ctx context.Context, snap model.LeaderboardSnapshot) error {
	data, err := json.Marshal(nonNilRows(snap.Rows))
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO leaderboard_snapshots (id, challenge_id, date, rows) VALUES ($1, $2, $3, $4::JSONB)`,
		snap.ID, snap.ChallengeID, snap.Date, string(data))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return fmt.Errorf("challenge %s: %w", snap.ChallengeID, apperr.ErrNotFound)
		}
		return classify(err)
	}
	return nil
}

func (s *PostgresStore) CompleteChallenge(ctx context.Context, challengeID string, finals map[string]model.FinalPerformance) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("%w: begin: %v", apperr.ErrTransient, err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE challenges SET status = $2, updated_at = now() WHERE id = $1`,
		challengeID, model.ChallengeCompleted)
	if err != nil {
		return classify(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("challenge %s: %w", challengeID, apperr.ErrNotFound)
	}

	for userID, fp := range finals {
		data, err := json.Marshal(fp)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`UPDATE challenge_participants SET final_performance = $3::JSONB
			 WHERE challenge_id = $1 AND user_id = $2 AND final_performance IS NULL`,
			challengeID, userID, string(data)); err != nil {
			return classify(err)
		}
	}
	return classify(tx.Commit(ctx))
}

func (s *PostgresStore) PutQuote(ctx context.Context, q model.Quote) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO market_data (symbol, name, price, as_of) VALUES ($1, $2, $3::NUMERIC, $4)
		 ON CONFLICT (symbol) DO UPDATE SET name = EXCLUDED.name, price = EXCLUDED.price, as_of = EXCLUDED.as_of`,
		model.NormalizeSymbol(q.Symbol), q.Name, q.Price.String(), q.AsOf)
	return classify(err)
}

func (s *PostgresStore) GetQuote(ctx context.Context, symbol string) (*model.Quote, error) {
	var q model.Quote
	var price string
	err := s.pool.QueryRow(ctx,
		`SELECT symbol, name, price::TEXT, as_of FROM market_data WHERE symbol = $1`,
		model.NormalizeSymbol(symbol)).Scan(&q.Symbol, &q.Name, &price, &q.AsOf)
	if err != nil {
		return nil, notFound(fmt.Sprintf("quote %s", symbol), err)
	}
	q.Price, _ = decimal.NewFromString(price)
	return &q, nil
}

func (s *PostgresStore) challengeExists(ctx context.Context, id string) (bool, error) {
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM challenges WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, classify(err)
	}
	if !exists {
		return false, fmt.Errorf("challenge %s: %w", id, apperr.ErrNotFound)
	}
	return true, nil
}

// pgxRows is the subset of pgx.Rows used by the scanners.
type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanTransactions(rows pgxRows) ([]model.Transaction, error) {
	var entries []model.Transaction
	for rows.Next() {
		var e model.Transaction
		var qtyS, priceS, amountS, feesS, totalS, realizedS string

		if err := rows.Scan(&e.ID, &e.UserID, &e.PortfolioID, &e.Side, &e.Symbol,
			&qtyS, &priceS, &amountS, &feesS, &totalS, &realizedS,
			&e.Description, &e.RelatedTransactionID, &e.IdempotencyKey, &e.Timestamp); err != nil {
			return nil, err
		}

		e.Quantity, _ = decimal.NewFromString(qtyS)
		e.Price, _ = decimal.NewFromString(priceS)
		e.Amount, _ = decimal.NewFromString(amountS)
		e.Fees, _ = decimal.NewFromString(feesS)
		e.Total, _ = decimal.NewFromString(totalS)
		e.RealizedGain, _ = decimal.NewFromString(realizedS)
		e.Timestamp = e.Timestamp.UTC()

		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func encodeDocument(p *model.Portfolio) (string, string, error) {
	positions := p.Positions
	if positions == nil {
		positions = []model.Position{}
	}
	posJSON, err := json.Marshal(positions)
	if err != nil {
		return "", "", fmt.Errorf("encode positions of %s: %w", p.ID, err)
	}
	perfJSON, err := json.Marshal(p.Performance)
	if err != nil {
		return "", "", fmt.Errorf("encode performance of %s: %w", p.ID, err)
	}
	return string(posJSON), string(perfJSON), nil
}

func decodeFinal(raw *string) (*model.FinalPerformance, error) {
	if raw == nil {
		return nil, nil
	}
	var fp model.FinalPerformance
	if err := json.Unmarshal([]byte(*raw), &fp); err != nil {
		return nil, fmt.Errorf("decode final performance: %w", err)
	}
	return &fp, nil
}

func nonNilRows(rows []model.LeaderboardRow) []model.LeaderboardRow {
	if rows == nil {
		return []model.LeaderboardRow{}
	}
	return rows
}

func notFound(what string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, apperr.ErrNotFound)
	}
	return classify(fmt.Errorf("%s: %w", what, err))
}

// classify maps PostgreSQL failures onto the engine's error kinds.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "40001" || pgErr.Code == "40P01":
			return fmt.Errorf("%w: %v", apperr.ErrConflict, err)
		case pgErr.Code == "23505" && pgErr.ConstraintName == "transactions_idempotency_idx":
			return fmt.Errorf("%w: %v", apperr.ErrDuplicateRequest, err)
		case pgErr.Code == "23505":
			return fmt.Errorf("%w: %v", apperr.ErrConflict, err)
		}
		return err
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return fmt.Errorf("%w: %v", apperr.ErrTransient, err)
	}
	return err
}

package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrResultNotFound = errors.New("match result not found")

// MatchResult is one finished match. Winner is nil when nobody captured a
// passphrase.
type MatchResult struct {
	MatchID    string    `json:"matchId"`
	Winner     *int      `json:"winnerIdx"`
	Reason     string    `json:"reason"`
	Prompts    [2]int    `json:"prompts"`
	FinishedAt time.Time `json:"finishedAt"`
}

// Summary aggregates all stored results.
type Summary struct {
	Matches  int `json:"matches"`
	Captured int `json:"captured"`
	TimedOut int `json:"timedOut"`
}

type ResultStore struct {
	db *pgxpool.Pool
}

func NewResultStore(db *pgxpool.Pool) *ResultStore {
	return &ResultStore{db: db}
}

// Save stores r. A result for the same match is written only once.
func (s *ResultStore) Save(ctx context.Context, r MatchResult) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO match_results (match_id, winner_idx, reason, prompts_0, prompts_1, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (match_id) DO NOTHING
	`, r.MatchID, r.Winner, r.Reason, r.Prompts[0], r.Prompts[1], r.FinishedAt)
	return err
}

func (s *ResultStore) Get(ctx context.Context, matchID string) (MatchResult, error) {
	r, err := scanResult(s.db.QueryRow(ctx, `
		SELECT match_id, winner_idx, reason, prompts_0, prompts_1, finished_at
		FROM match_results
		WHERE match_id = $1
	`, matchID))
	if errors.Is(err, pgx.ErrNoRows) {
		return MatchResult{}, ErrResultNotFound
	}
	return r, err
}

// Recent returns up to limit results, newest first.
func (s *ResultStore) Recent(ctx context.Context, limit int) ([]MatchResult, error) {
	rows, err := s.db.Query(ctx, `
		SELECT match_id, winner_idx, reason, prompts_0, prompts_1, finished_at
		FROM match_results
		ORDER BY finished_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]MatchResult, 0, limit)
	for rows.Next() {
		r, err := scanResult(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *ResultStore) Summary(ctx context.Context) (Summary, error) {
	var sum Summary
	err := s.db.QueryRow(ctx, `
		SELECT count(*),
		       count(*) FILTER (WHERE reason = 'captured'),
		       count(*) FILTER (WHERE reason = 'timeout')
		FROM match_results
	`).Scan(&sum.Matches, &sum.Captured, &sum.TimedOut)
	return sum, err
}

func scanResult(row pgx.Row) (MatchResult, error) {
	var (
		r      MatchResult
		winner *int32
	)
	if err := row.Scan(&r.MatchID, &winner, &r.Reason, &r.Prompts[0], &r.Prompts[1], &r.FinishedAt); err != nil {
		return MatchResult{}, err
	}
	if winner != nil {
		w := int(*winner)
		r.Winner = &w
	}
	return r, nil
}

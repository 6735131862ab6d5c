package storage

import (
	"context"
	"database/sql"
)

// Session mirrors one row of llm_sessions.
type Session struct {
	ID                   string
	StartTime            int64
	EndTime              *int64
	Model                string
	PromptTokens         int64
	CompletionTokens     int64
	TotalTokens          int64
	TokensPerSecond      *float64
	TimeToFirstTokenMs   *float64
	TimePerOutputTokenMs *float64
}

// InsertSession records a new session at request start, before any tokens
// have streamed back.
func (s *Store) InsertSession(ctx context.Context, sess Session) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO llm_sessions
		(id, start_time, model, prompt_tokens, completion_tokens, total_tokens)
		VALUES (?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.StartTime, sess.Model, sess.PromptTokens, sess.CompletionTokens, sess.TotalTokens)
	if err != nil {
		return &WriteFailedError{Cause: err}
	}
	return nil
}

// CompleteSession fills in the metrics only known once the stream ends or
// aborts: end time, final token counts, and the derived rates. It upserts on
// the session id, so a session whose start row was never written is still
// recorded, and repeating the call leaves the same row.
func (s *Store) CompleteSession(ctx context.Context, sess Session) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO llm_sessions
		(id, start_time, end_time, model, prompt_tokens, completion_tokens, total_tokens,
		 tokens_per_second, time_to_first_token_ms, time_per_output_token_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
		end_time = excluded.end_time, prompt_tokens = excluded.prompt_tokens,
		completion_tokens = excluded.completion_tokens, total_tokens = excluded.total_tokens,
		tokens_per_second = excluded.tokens_per_second,
		time_to_first_token_ms = excluded.time_to_first_token_ms,
		time_per_output_token_ms = excluded.time_per_output_token_ms`,
		sess.ID, sess.StartTime, sess.EndTime, sess.Model,
		sess.PromptTokens, sess.CompletionTokens, sess.TotalTokens,
		sess.TokensPerSecond, sess.TimeToFirstTokenMs, sess.TimePerOutputTokenMs)
	if err != nil {
		return &WriteFailedError{Cause: err}
	}
	return nil
}

// GetSession fetches one session by id, mainly for tests.
func (s *Store) GetSession(ctx context.Context, id string) (Session, error) {
	var sess Session
	var endTime sql.NullInt64
	var tps, ttft, tpot sql.NullFloat64

	row := s.db.QueryRowContext(ctx, `SELECT id, start_time, end_time, model,
		prompt_tokens, completion_tokens, total_tokens,
		tokens_per_second, time_to_first_token_ms, time_per_output_token_ms
		FROM llm_sessions WHERE id = ?`, id)

	if err := row.Scan(&sess.ID, &sess.StartTime, &endTime, &sess.Model,
		&sess.PromptTokens, &sess.CompletionTokens, &sess.TotalTokens,
		&tps, &ttft, &tpot); err != nil {
		return Session{}, err
	}

	if endTime.Valid {
		v := endTime.Int64
		sess.EndTime = &v
	}
	if tps.Valid {
		v := tps.Float64
		sess.TokensPerSecond = &v
	}
	if ttft.Valid {
		v := ttft.Float64
		sess.TimeToFirstTokenMs = &v
	}
	if tpot.Valid {
		v := tpot.Float64
		sess.TimePerOutputTokenMs = &v
	}

	return sess, nil
}

package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
)

var ErrNotFound = errors.New("not found")

func (s *Store) RecordUsage(ctx context.Context, e UsageEntry) (uuid.UUID, error) {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	q := s.sql.Insert("usage_entries").
		Columns("id", "session_id", "provider", "model", "kind", "prompt_chars", "response_chars", "fragments", "duration_ms", "failed", "created_at").
		Values(e.ID.String(), e.SessionID.String(), e.Provider, e.Model, e.Kind, e.PromptChars, e.ResponseChars, e.Fragments, e.DurationMS, e.Failed, e.CreatedAt.UTC())

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return uuid.Nil, fmt.Errorf("build usage insert query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return uuid.Nil, fmt.Errorf("insert usage entry: %w", err)
	}
	return e.ID, nil
}

func (s *Store) ListSessionUsage(ctx context.Context, sessionID uuid.UUID, limit uint64) ([]UsageEntry, error) {
	if limit == 0 {
		limit = 50
	}
	q := s.sql.Select("id", "session_id", "provider", "model", "kind", "prompt_chars", "response_chars", "fragments", "duration_ms", "failed", "created_at").
		From("usage_entries").
		Where(sq.Eq{"session_id": sessionID.String()}).
		OrderBy("created_at ASC").
		Limit(limit)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list usage query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list usage: %w", err)
	}
	defer rows.Close()

	out := make([]UsageEntry, 0)
	for rows.Next() {
		var e UsageEntry
		var id, session string
		if err := rows.Scan(&id, &session, &e.Provider, &e.Model, &e.Kind, &e.PromptChars, &e.ResponseChars, &e.Fragments, &e.DurationMS, &e.Failed, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan usage row: %w", err)
		}
		if e.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("parse usage id: %w", err)
		}
		if e.SessionID, err = uuid.Parse(session); err != nil {
			return nil, fmt.Errorf("parse session id: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate usage rows: %w", err)
	}
	return out, nil
}

// UsageStats aggregates the ledger per provider for entries created at or
// after since.
func (s *Store) UsageStats(ctx context.Context, since time.Time) ([]ProviderStats, error) {
	q := s.sql.Select(
		"provider",
		"COUNT(*)",
		"COALESCE(SUM(CASE WHEN failed THEN 1 ELSE 0 END), 0)",
		"COALESCE(SUM(response_chars), 0)",
		"COALESCE(AVG(duration_ms), 0)",
	).
		From("usage_entries").
		Where(sq.GtOrEq{"created_at": since.UTC()}).
		GroupBy("provider").
		OrderBy("provider ASC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build usage stats query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("usage stats: %w", err)
	}
	defer rows.Close()

	out := make([]ProviderStats, 0)
	for rows.Next() {
		var st ProviderStats
		if err := rows.Scan(&st.Provider, &st.Requests, &st.Failures, &st.ResponseChars, &st.AvgDurationMS); err != nil {
			return nil, fmt.Errorf("scan usage stats row: %w", err)
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate usage stats rows: %w", err)
	}
	return out, nil
}

func (s *Store) DeleteUsageBefore(ctx context.Context, before time.Time) (int64, error) {
	q := s.sql.Delete("usage_entries").Where(sq.Lt{"created_at": before.UTC()})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build usage delete query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return 0, fmt.Errorf("delete usage: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("usage rows affected: %w", err)
	}
	if n == 0 {
		return 0, ErrNotFound
	}
	return n, nil
}

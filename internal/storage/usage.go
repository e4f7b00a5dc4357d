package storage

import (
	"context"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"voiceslot/internal/voice"
)

func (s *Store) InsertUsage(ctx context.Context, u voice.UsageRecord) error {
	createdAt := u.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	q := s.sql.Insert("tts_usage").
		Columns("user_id", "agent_id", "endpoint", "cost_chars", "cost_calls", "duration_ms", "slot_id", "created_at").
		Values(u.UserID, nullString(u.AgentID), u.Endpoint, u.CostChars, u.CostCalls, u.DurationMs, nullString(u.SlotID), createdAt.UTC())
	_, err := exec(ctx, s.db, q, "insert usage")
	return err
}

func usageWhere(f UsageFilter) sq.And {
	where := sq.And{}
	if f.UserID != nil {
		where = append(where, sq.Eq{"user_id": *f.UserID})
	}
	if f.Endpoint != "" {
		where = append(where, sq.Eq{"endpoint": f.Endpoint})
	}
	if f.Start != nil {
		where = append(where, sq.GtOrEq{"created_at": f.Start.UTC()})
	}
	if f.End != nil {
		where = append(where, sq.LtOrEq{"created_at": f.End.UTC()})
	}
	return where
}

// ListUsage returns ledger rows newest first.
func (s *Store) ListUsage(ctx context.Context, f UsageFilter) ([]voice.UsageRecord, error) {
	q := s.sql.Select(usageColumns...).
		From("tts_usage").
		OrderBy("created_at DESC", "id DESC")
	if where := usageWhere(f); len(where) > 0 {
		q = q.Where(where)
	}
	if f.Limit > 0 {
		q = q.Limit(uint64(f.Limit))
	}
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list usage query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list usage: %w", err)
	}
	defer rows.Close()

	out := make([]voice.UsageRecord, 0)
	for rows.Next() {
		u, err := scanUsage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan usage row: %w", err)
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate usage rows: %w", err)
	}
	return out, nil
}

// AggregateUsage groups the ledger by user and endpoint. Limit is ignored.
func (s *Store) AggregateUsage(ctx context.Context, f UsageFilter) ([]UsageGroup, error) {
	q := s.sql.Select(
		"user_id",
		"endpoint",
		"COALESCE(SUM(cost_chars), 0)",
		"COALESCE(SUM(cost_calls), 0)",
		"COALESCE(SUM(duration_ms), 0)",
		"COUNT(*)",
	).From("tts_usage").
		GroupBy("user_id", "endpoint").
		OrderBy("user_id ASC", "endpoint ASC")
	if where := usageWhere(f); len(where) > 0 {
		q = q.Where(where)
	}
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build aggregate usage query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("aggregate usage: %w", err)
	}
	defer rows.Close()

	out := make([]UsageGroup, 0)
	for rows.Next() {
		var g UsageGroup
		if err := rows.Scan(&g.UserID, &g.Endpoint, &g.Chars, &g.Calls, &g.DurationMs, &g.Records); err != nil {
			return nil, fmt.Errorf("scan usage group row: %w", err)
		}
		out = append(out, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate usage group rows: %w", err)
	}
	return out, nil
}

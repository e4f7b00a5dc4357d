package storage

import (
	"context"
	"database/sql"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"voiceslot/internal/voice"
)

func (s *Store) insertCloneRecord(ctx context.Context, r runner, rec voice.CloneRecord) error {
	if rec.Source == "" {
		rec.Source = "uploaded"
	}
	q := s.sql.Insert("tts_voice_clones").
		Columns("user_id", "slot_id", "voice_id", "name", "status", "preview_url", "source", "created_at", "updated_at").
		Values(rec.UserID, rec.SlotID, rec.VoiceID, rec.Name, rec.Status, nullString(rec.PreviewURL), rec.Source, rec.CreatedAt.UTC(), rec.UpdatedAt.UTC())
	_, err := exec(ctx, r, q, "insert clone record")
	return err
}

// ListCloneRecords returns the clone history of a slot, newest first.
func (s *Store) ListCloneRecords(ctx context.Context, slotID string) ([]voice.CloneRecord, error) {
	q := s.sql.Select("id", "user_id", "slot_id", "voice_id", "name", "status", "preview_url", "source", "created_at", "updated_at").
		From("tts_voice_clones").
		Where(sq.Eq{"slot_id": slotID}).
		OrderBy("created_at DESC", "id DESC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list clone records query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list clone records: %w", err)
	}
	defer rows.Close()

	out := make([]voice.CloneRecord, 0)
	for rows.Next() {
		var rec voice.CloneRecord
		var previewURL sql.NullString
		if err := rows.Scan(&rec.ID, &rec.UserID, &rec.SlotID, &rec.VoiceID, &rec.Name, &rec.Status, &previewURL, &rec.Source, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan clone record row: %w", err)
		}
		rec.PreviewURL = previewURL.String
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate clone record rows: %w", err)
	}
	return out, nil
}

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"voiceslot/internal/voice"
)

// InsertQuotaIfMissing creates the user's quota row unless one already exists.
func (s *Store) InsertQuotaIfMissing(ctx context.Context, userID int64, defaultSlots int) error {
	return s.insertQuotaIfMissing(ctx, s.db, userID, defaultSlots)
}

func (s *Store) insertQuotaIfMissing(ctx context.Context, r runner, userID int64, defaultSlots int) error {
	q := s.sql.Insert("tts_quota").
		Columns("user_id", "char_limit", "call_limit", "char_used", "call_used", "slots", "updated_at").
		Values(userID, 0, 0, 0, 0, defaultSlots, s.now()).
		Suffix("ON CONFLICT(user_id) DO NOTHING")
	_, err := exec(ctx, r, q, "insert quota")
	return err
}

func (s *Store) GetQuota(ctx context.Context, userID int64) (voice.Quota, error) {
	q := s.sql.Select("user_id", "char_limit", "call_limit", "char_used", "call_used", "slots", "updated_at").
		From("tts_quota").
		Where(sq.Eq{"user_id": userID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return voice.Quota{}, fmt.Errorf("build get quota query: %w", err)
	}
	var out voice.Quota
	var slots sql.NullInt64
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(
		&out.UserID,
		&out.CharLimit,
		&out.CallLimit,
		&out.CharUsed,
		&out.CallUsed,
		&slots,
		&out.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return voice.Quota{}, ErrNotFound
		}
		return voice.Quota{}, fmt.Errorf("get quota: %w", err)
	}
	if slots.Valid {
		n := int(slots.Int64)
		out.Slots = &n
	}
	return out, nil
}

// UpdateQuota creates the row if needed and applies the patch.
func (s *Store) UpdateQuota(ctx context.Context, userID int64, defaultSlots int, p QuotaPatch) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := s.insertQuotaIfMissing(ctx, tx, userID, defaultSlots); err != nil {
			return err
		}
		q := s.sql.Update("tts_quota").Set("updated_at", s.now()).Where(sq.Eq{"user_id": userID})
		if p.CharLimit != nil {
			q = q.Set("char_limit", *p.CharLimit)
		}
		if p.CallLimit != nil {
			q = q.Set("call_limit", *p.CallLimit)
		}
		if p.SlotsSet {
			if p.Slots == nil {
				q = q.Set("slots", nil)
			} else {
				q = q.Set("slots", *p.Slots)
			}
		}
		_, err := exec(ctx, tx, q, "update quota")
		return err
	})
}

func (s *Store) SetQuotaAPIKey(ctx context.Context, userID int64, defaultSlots int, encKey *string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := s.insertQuotaIfMissing(ctx, tx, userID, defaultSlots); err != nil {
			return err
		}
		q := s.sql.Update("tts_quota").
			Set("enc_api_key", encKey).
			Set("updated_at", s.now()).
			Where(sq.Eq{"user_id": userID})
		_, err := exec(ctx, tx, q, "set quota api key")
		return err
	})
}

// GetQuotaAPIKey returns ErrNotFound when the user has no stored key.
func (s *Store) GetQuotaAPIKey(ctx context.Context, userID int64) (string, error) {
	q := s.sql.Select("enc_api_key").From("tts_quota").Where(sq.Eq{"user_id": userID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return "", fmt.Errorf("build get api key query: %w", err)
	}
	var raw sql.NullString
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("get api key: %w", err)
	}
	if !raw.Valid || raw.String == "" {
		return "", ErrNotFound
	}
	return raw.String, nil
}

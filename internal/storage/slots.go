package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"voiceslot/internal/voice"
)

func (s *Store) InsertSlots(ctx context.Context, slots []voice.Slot) error {
	if len(slots) == 0 {
		return nil
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, slot := range slots {
			if err := s.insertSlot(ctx, tx, slot); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) insertSlot(ctx context.Context, r runner, slot voice.Slot) error {
	var lastCloned any
	if slot.LastClonedAt != nil {
		lastCloned = slot.LastClonedAt.UTC()
	}
	q := s.sql.Insert("tts_slots").
		Columns(slotColumns...).
		Values(
			slot.SlotID,
			slot.UserID,
			nullString(slot.ModelID),
			nullString(slot.VoiceID),
			nullString(slot.PreviewURL),
			slot.QuotaMode.String(),
			slot.CloneLimit,
			slot.CloneUsed,
			slot.CallLimit,
			slot.CallUsed,
			slot.TokenLimit,
			slot.TokenUsed,
			string(slot.Status),
			lastCloned,
			slot.CreatedAt.UTC(),
			slot.UpdatedAt.UTC(),
		)
	_, err := exec(ctx, r, q, "insert slot")
	return err
}

func (s *Store) GetSlot(ctx context.Context, slotID string) (voice.Slot, error) {
	return s.getSlot(ctx, s.db, sq.Eq{"slot_id": slotID})
}

// GetSlotForUser returns ErrNotFound for both missing and foreign slots.
func (s *Store) GetSlotForUser(ctx context.Context, userID int64, slotID string) (voice.Slot, error) {
	return s.getSlot(ctx, s.db, sq.Eq{"slot_id": slotID, "user_id": userID})
}

func (s *Store) getSlot(ctx context.Context, r runner, where sq.Sqlizer) (voice.Slot, error) {
	q := s.sql.Select(slotColumns...).From("tts_slots").Where(where)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return voice.Slot{}, fmt.Errorf("build get slot query: %w", err)
	}
	slot, err := scanSlot(r.QueryRowContext(ctx, sqlStr, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return voice.Slot{}, ErrNotFound
		}
		return voice.Slot{}, fmt.Errorf("get slot: %w", err)
	}
	return slot, nil
}

// ListSlots returns the user's slots, most recently updated first. An empty
// status matches every slot.
func (s *Store) ListSlots(ctx context.Context, userID int64, status voice.Status) ([]voice.Slot, error) {
	where := sq.Eq{"user_id": userID}
	if status != "" {
		where["status"] = string(status)
	}
	q := s.sql.Select(slotColumns...).
		From("tts_slots").
		Where(where).
		OrderBy("updated_at DESC", "id DESC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list slots query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list slots: %w", err)
	}
	defer rows.Close()

	out := make([]voice.Slot, 0)
	for rows.Next() {
		slot, err := scanSlot(rows)
		if err != nil {
			return nil, fmt.Errorf("scan slot row: %w", err)
		}
		out = append(out, slot)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate slot rows: %w", err)
	}
	return out, nil
}

func (s *Store) CountSlots(ctx context.Context, userID int64) (int, error) {
	return s.countSlots(ctx, s.db, userID)
}

func (s *Store) countSlots(ctx context.Context, r runner, userID int64) (int, error) {
	q := s.sql.Select("COUNT(*)").From("tts_slots").Where(sq.Eq{"user_id": userID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build count slots query: %w", err)
	}
	var n int
	if err := r.QueryRowContext(ctx, sqlStr, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count slots: %w", err)
	}
	return n, nil
}

// UpdateSlot applies the patch and returns the stored slot.
func (s *Store) UpdateSlot(ctx context.Context, slotID string, p SlotPatch) (voice.Slot, error) {
	if p.empty() {
		return s.GetSlot(ctx, slotID)
	}
	q := s.sql.Update("tts_slots").Set("updated_at", s.now()).Where(sq.Eq{"slot_id": slotID})
	if p.ModelID != nil {
		q = q.Set("model_id", nullString(*p.ModelID))
	}
	if p.VoiceID != nil {
		q = q.Set("voice_id", nullString(*p.VoiceID))
	}
	if p.PreviewURL != nil {
		q = q.Set("preview_url", nullString(*p.PreviewURL))
	}
	if p.QuotaMode != nil {
		q = q.Set("quota_mode", p.QuotaMode.String())
	}
	if p.CloneLimit != nil {
		q = q.Set("clone_limit", *p.CloneLimit)
	}
	if p.CallLimit != nil {
		q = q.Set("call_limit", *p.CallLimit)
	}
	if p.TokenLimit != nil {
		q = q.Set("token_limit", *p.TokenLimit)
	}
	if p.Status != nil {
		q = q.Set("status", string(*p.Status))
	}
	res, err := exec(ctx, s.db, q, "update slot")
	if err != nil {
		return voice.Slot{}, err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return voice.Slot{}, ErrNotFound
	}
	return s.GetSlot(ctx, slotID)
}

// CreateClonedSlot inserts a freshly cloned slot together with its clone
// record. When maxSlots > 0 the owner's slot count is re-checked inside the
// transaction and ErrLimitReached is returned if the cap is already met.
// Concurrent calls for one owner are serialized by lockOwner.
func (s *Store) CreateClonedSlot(ctx context.Context, slot voice.Slot, rec voice.CloneRecord, maxSlots int) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if maxSlots > 0 {
			if err := s.lockOwner(ctx, tx, slot.UserID); err != nil {
				return err
			}
			n, err := s.countSlots(ctx, tx, slot.UserID)
			if err != nil {
				return err
			}
			if n >= maxSlots {
				return ErrLimitReached
			}
		}
		if err := s.insertSlot(ctx, tx, slot); err != nil {
			return err
		}
		return s.insertCloneRecord(ctx, tx, rec)
	})
}

// CommitReclone binds a new upstream voice to an existing slot, counts the
// attempt and appends the clone record, all in one transaction. The slot
// becomes active, which also takes a public slot out of the shared catalog.
func (s *Store) CommitReclone(ctx context.Context, c RecloneCommit) (voice.Slot, error) {
	var out voice.Slot
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		where := sq.And{
			sq.Eq{"slot_id": c.SlotID},
			sq.NotEq{"status": string(voice.StatusDisabled)},
		}
		if c.EnforceLimit {
			where = append(where, sq.Or{
				sq.LtOrEq{"clone_limit": 0},
				sq.Expr("clone_used < clone_limit"),
			})
		}
		q := s.sql.Update("tts_slots").
			Set("voice_id", c.VoiceID).
			Set("preview_url", nullString(c.PreviewURL)).
			Set("last_cloned_at", c.At.UTC()).
			Set("clone_used", sq.Expr("clone_used + 1")).
			Set("status", string(voice.StatusActive)).
			Set("updated_at", c.At.UTC()).
			Where(where)
		res, err := exec(ctx, tx, q, "commit reclone")
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("reclone rows affected: %w", err)
		}
		if n == 0 {
			cur, err := s.getSlot(ctx, tx, sq.Eq{"slot_id": c.SlotID})
			if err != nil {
				return err
			}
			if cur.Status == voice.StatusDisabled {
				return ErrDisabled
			}
			return ErrLimitReached
		}
		if err := s.insertCloneRecord(ctx, tx, c.Record); err != nil {
			return err
		}
		out, err = s.getSlot(ctx, tx, sq.Eq{"slot_id": c.SlotID})
		return err
	})
	if err != nil {
		return voice.Slot{}, err
	}
	return out, nil
}

// lockOwner takes a row lock on the owner's quota row so that the slot count
// read after it stays valid until commit. The row is created first when
// missing. sqlite runs one writer at a time and needs no lock.
func (s *Store) lockOwner(ctx context.Context, tx *sql.Tx, userID int64) error {
	if s.driver != "postgres" {
		return nil
	}
	ins := s.sql.Insert("tts_quota").
		Columns("user_id", "char_limit", "call_limit", "char_used", "call_used", "slots", "updated_at").
		Values(userID, 0, 0, 0, 0, nil, s.now()).
		Suffix("ON CONFLICT(user_id) DO NOTHING")
	if _, err := exec(ctx, tx, ins, "ensure quota row"); err != nil {
		return err
	}
	sqlStr, args, err := s.lockOwnerQuery(userID).ToSql()
	if err != nil {
		return fmt.Errorf("build lock owner query: %w", err)
	}
	var locked int64
	if err := tx.QueryRowContext(ctx, sqlStr, args...).Scan(&locked); err != nil {
		return fmt.Errorf("lock owner %d: %w", userID, err)
	}
	return nil
}

func (s *Store) lockOwnerQuery(userID int64) sq.SelectBuilder {
	return s.sql.Select("user_id").
		From("tts_quota").
		Where(sq.Eq{"user_id": userID}).
		Suffix("FOR UPDATE")
}

// IncrementSlotUsage adds to the per-slot synthesize counters atomically.
func (s *Store) IncrementSlotUsage(ctx context.Context, slotID string, calls int, tokens int64) error {
	q := s.sql.Update("tts_slots").
		Set("call_used", sq.Expr("call_used + ?", calls)).
		Set("token_used", sq.Expr("token_used + ?", tokens)).
		Set("updated_at", s.now()).
		Where(sq.Eq{"slot_id": slotID})
	res, err := exec(ctx, s.db, q, "increment slot usage")
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteSlot removes the slot, its catalog mirror and its clone history. A
// non-nil ownerID restricts the delete to slots owned by that user. It
// reports whether a slot row was removed.
func (s *Store) DeleteSlot(ctx context.Context, slotID string, ownerID *int64) (bool, error) {
	var removed bool
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if ownerID != nil {
			_, err := s.getSlot(ctx, tx, sq.Eq{"slot_id": slotID, "user_id": *ownerID})
			if errors.Is(err, ErrNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
		}
		if _, err := exec(ctx, tx, s.sql.Delete("voice_catalog").Where(sq.Eq{"id": slotID}), "delete slot mirror"); err != nil {
			return err
		}
		if _, err := exec(ctx, tx, s.sql.Delete("tts_voice_clones").Where(sq.Eq{"slot_id": slotID}), "delete clone history"); err != nil {
			return err
		}
		res, err := exec(ctx, tx, s.sql.Delete("tts_slots").Where(sq.Eq{"slot_id": slotID}), "delete slot")
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		removed = err == nil && n > 0
		return nil
	})
	return removed, err
}

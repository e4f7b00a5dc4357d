package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"voiceslot/internal/voice"
)

// UpsertCatalogEntry inserts or replaces a catalog row, keeping its created_at.
func (s *Store) UpsertCatalogEntry(ctx context.Context, e voice.CatalogEntry) error {
	now := s.now()
	var owner any
	if e.OwnerUserID != nil {
		owner = *e.OwnerUserID
	}
	q := s.sql.Insert("voice_catalog").
		Columns(catalogColumns...).
		Values(e.ID, e.ModelID, e.VoiceID, e.Name, e.Languages, nullString(e.PreviewURL), owner, e.Public, now, now).
		Suffix("ON CONFLICT(id) DO UPDATE SET model_id=excluded.model_id, voice_id=excluded.voice_id, name=excluded.name, languages=excluded.languages, preview_url=excluded.preview_url, owner_user_id=excluded.owner_user_id, is_public=excluded.is_public, updated_at=excluded.updated_at")
	_, err := exec(ctx, s.db, q, "upsert catalog entry")
	return err
}

func (s *Store) GetCatalogEntry(ctx context.Context, id string) (voice.CatalogEntry, error) {
	q := s.sql.Select(catalogColumns...).From("voice_catalog").Where(sq.Eq{"id": id})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return voice.CatalogEntry{}, fmt.Errorf("build get catalog entry query: %w", err)
	}
	e, err := scanCatalog(s.db.QueryRowContext(ctx, sqlStr, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return voice.CatalogEntry{}, ErrNotFound
		}
		return voice.CatalogEntry{}, fmt.Errorf("get catalog entry: %w", err)
	}
	return e, nil
}

// DeleteCatalogEntry is a no-op for missing rows.
func (s *Store) DeleteCatalogEntry(ctx context.Context, id string) error {
	_, err := exec(ctx, s.db, s.sql.Delete("voice_catalog").Where(sq.Eq{"id": id}), "delete catalog entry")
	return err
}

func (s *Store) ListCatalog(ctx context.Context, f CatalogFilter) ([]voice.CatalogEntry, error) {
	q := s.sql.Select(catalogColumns...).From("voice_catalog").OrderBy("name ASC", "id ASC")
	if f.VisibleTo != nil {
		q = q.Where(sq.Or{sq.Eq{"is_public": true}, sq.Eq{"owner_user_id": *f.VisibleTo}})
	}
	if f.OwnerID != nil {
		q = q.Where(sq.Eq{"owner_user_id": *f.OwnerID})
	}
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list catalog query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list catalog: %w", err)
	}
	defer rows.Close()

	out := make([]voice.CatalogEntry, 0)
	for rows.Next() {
		e, err := scanCatalog(rows)
		if err != nil {
			return nil, fmt.Errorf("scan catalog row: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate catalog rows: %w", err)
	}
	return out, nil
}

func (s *Store) UpsertModel(ctx context.Context, m voice.Model) error {
	q := s.sql.Insert("tts_models").
		Columns("id", "name", "is_enabled", "is_default", "sort").
		Values(m.ID, m.Name, m.IsEnabled, m.IsDefault, m.Sort).
		Suffix("ON CONFLICT(id) DO UPDATE SET name=excluded.name, is_enabled=excluded.is_enabled, is_default=excluded.is_default, sort=excluded.sort")
	_, err := exec(ctx, s.db, q, "upsert model")
	return err
}

// ListEnabledModels returns enabled models by ascending sort order.
func (s *Store) ListEnabledModels(ctx context.Context) ([]voice.Model, error) {
	q := s.sql.Select("id", "name", "is_enabled", "is_default", "sort").
		From("tts_models").
		Where(sq.Eq{"is_enabled": true}).
		OrderBy("sort ASC", "id ASC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list models query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	defer rows.Close()

	out := make([]voice.Model, 0)
	for rows.Next() {
		var m voice.Model
		if err := rows.Scan(&m.ID, &m.Name, &m.IsEnabled, &m.IsDefault, &m.Sort); err != nil {
			return nil, fmt.Errorf("scan model row: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate model rows: %w", err)
	}
	return out, nil
}

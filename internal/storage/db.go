package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrations embed.FS

var (
	ErrNotFound = errors.New("not found")
	// ErrLimitReached is returned when a guarded write lost to a concurrent writer.
	ErrLimitReached = errors.New("limit reached")
	ErrDisabled     = errors.New("slot disabled")
)

type Store struct {
	db     *sql.DB
	driver string
	sql    sq.StatementBuilderType
	now    func() time.Time
}

func Open(ctx context.Context, driver, dsn string, autoMigrate bool) (*Store, error) {
	driver = normalizeDriver(driver)
	if dsn == "" {
		return nil, fmt.Errorf("dsn is empty")
	}

	sqlDriver := driver
	if driver == "postgres" {
		sqlDriver = "pgx"
	}
	db, err := sql.Open(sqlDriver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	if driver == "sqlite" {
		// A single connection serializes writers, which sqlite needs anyway.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(20)
		db.SetMaxIdleConns(5)
	}
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	if autoMigrate {
		switch driver {
		case "postgres":
			goose.SetBaseFS(migrations)
			if err := goose.SetDialect("postgres"); err != nil {
				_ = db.Close()
				return nil, fmt.Errorf("set goose dialect: %w", err)
			}
			if err := goose.UpContext(ctx, db, "migrations"); err != nil {
				_ = db.Close()
				return nil, fmt.Errorf("run migrations: %w", err)
			}
		case "sqlite":
			if err := initSQLiteSchema(ctx, db); err != nil {
				_ = db.Close()
				return nil, fmt.Errorf("init sqlite schema: %w", err)
			}
		default:
			_ = db.Close()
			return nil, fmt.Errorf("unsupported driver %q", driver)
		}
	}

	var placeholder sq.PlaceholderFormat = sq.Question
	if driver == "postgres" {
		placeholder = sq.Dollar
	}

	return &Store{
		db:     db,
		driver: driver,
		sql:    sq.StatementBuilder.PlaceholderFormat(placeholder),
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

func normalizeDriver(driver string) string {
	d := strings.ToLower(strings.TrimSpace(driver))
	switch d {
	case "postgres", "pgx":
		return "postgres"
	case "sqlite", "sqlite3":
		return "sqlite"
	default:
		return d
	}
}

// WithClock replaces the time source used for updated_at stamps.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = func() time.Time { return now().UTC() }
	return s
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type runner interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func exec(ctx context.Context, r runner, b sq.Sqlizer, what string) (sql.Result, error) {
	sqlStr, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build %s query: %w", what, err)
	}
	res, err := r.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", what, err)
	}
	return res, nil
}

func initSQLiteSchema(ctx context.Context, db *sql.DB) error {
	const schema = `
CREATE TABLE IF NOT EXISTS tts_slots (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    slot_id TEXT NOT NULL UNIQUE,
    user_id INTEGER NOT NULL,
    model_id TEXT,
    voice_id TEXT,
    preview_url TEXT,
    quota_mode TEXT NOT NULL DEFAULT 'off',
    clone_limit INTEGER NOT NULL DEFAULT 0,
    clone_used INTEGER NOT NULL DEFAULT 0,
    call_limit INTEGER NOT NULL DEFAULT 0,
    call_used INTEGER NOT NULL DEFAULT 0,
    token_limit INTEGER NOT NULL DEFAULT 0,
    token_used INTEGER NOT NULL DEFAULT 0,
    status TEXT NOT NULL DEFAULT 'empty',
    last_cloned_at DATETIME,
    created_at DATETIME NOT NULL,
    updated_at DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS tts_quota (
    user_id INTEGER PRIMARY KEY,
    char_limit INTEGER NOT NULL DEFAULT 0,
    call_limit INTEGER NOT NULL DEFAULT 0,
    char_used INTEGER NOT NULL DEFAULT 0,
    call_used INTEGER NOT NULL DEFAULT 0,
    slots INTEGER,
    enc_api_key TEXT,
    updated_at DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS tts_usage (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id INTEGER NOT NULL,
    agent_id TEXT,
    endpoint TEXT NOT NULL,
    cost_chars INTEGER NOT NULL DEFAULT 0,
    cost_calls INTEGER NOT NULL DEFAULT 1,
    duration_ms INTEGER NOT NULL DEFAULT 0,
    slot_id TEXT,
    created_at DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS tts_voice_clones (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id INTEGER NOT NULL,
    slot_id TEXT NOT NULL,
    voice_id TEXT NOT NULL,
    name TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL,
    preview_url TEXT,
    source TEXT NOT NULL DEFAULT 'uploaded',
    created_at DATETIME NOT NULL,
    updated_at DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS voice_catalog (
    id TEXT PRIMARY KEY,
    model_id TEXT NOT NULL,
    voice_id TEXT NOT NULL,
    name TEXT NOT NULL,
    languages TEXT NOT NULL DEFAULT '',
    preview_url TEXT,
    owner_user_id INTEGER,
    is_public INTEGER NOT NULL DEFAULT 0,
    created_at DATETIME NOT NULL,
    updated_at DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS tts_models (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    is_enabled INTEGER NOT NULL DEFAULT 1,
    is_default INTEGER NOT NULL DEFAULT 0,
    sort INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_tts_slots_user_id ON tts_slots(user_id);
CREATE INDEX IF NOT EXISTS idx_tts_usage_user_created ON tts_usage(user_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_tts_usage_created ON tts_usage(created_at);
CREATE INDEX IF NOT EXISTS idx_tts_voice_clones_slot_id ON tts_voice_clones(slot_id);
CREATE INDEX IF NOT EXISTS idx_voice_catalog_owner ON voice_catalog(owner_user_id);
`
	_, err := db.ExecContext(ctx, schema)
	return err
}

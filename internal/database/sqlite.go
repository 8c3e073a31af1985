// internal/database/sqlite.go
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	_ "github.com/mattn/go-sqlite3"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrIntegrity is returned by Open when stored portions reference
	// missing activities or sections, or fall outside their track.
	ErrIntegrity = errors.New("storage integrity violation")
)

type SQLiteDB struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (creating if needed) the store at dbPath and verifies the
// portion invariants. A violation is returned as ErrIntegrity; it is never
// repaired silently.
func Open(ctx context.Context, dbPath string, logger *slog.Logger) (*SQLiteDB, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// a single writer connection keeps transactions serialized
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}

	s := &SQLiteDB{db: db, logger: logger}
	if err := s.createTables(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	if err := s.CheckIntegrity(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteDB) createTables(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS activities (
		id TEXT PRIMARY KEY,
		start_time INTEGER NOT NULL,
		sport TEXT NOT NULL,
		duration REAL NOT NULL DEFAULT 0,
		distance REAL NOT NULL DEFAULT 0,
		point_count INTEGER NOT NULL,
		track BLOB NOT NULL,
		min_lat REAL NOT NULL,
		min_lng REAL NOT NULL,
		max_lat REAL NOT NULL,
		max_lng REAL NOT NULL,
		updated_at INTEGER NOT NULL,
		revision INTEGER NOT NULL DEFAULT 1
	);

	CREATE INDEX IF NOT EXISTS idx_activities_start_time ON activities(start_time);
	CREATE INDEX IF NOT EXISTS idx_activities_sport_start_time ON activities(sport, start_time);

	CREATE TABLE IF NOT EXISTS activity_metrics (
		activity_id TEXT PRIMARY KEY,
		name TEXT,
		avg_heart_rate REAL,
		avg_power REAL,
		skyline BLOB
	);

	CREATE TABLE IF NOT EXISTS sections (
		id TEXT PRIMARY KEY,
		origin TEXT NOT NULL CHECK (origin IN ('auto', 'custom')),
		sport TEXT NOT NULL,
		distance REAL NOT NULL,
		name TEXT,
		reference BLOB NOT NULL,
		representative_activity_id TEXT,
		scale TEXT,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_sections_origin_sport ON sections(origin, sport);

	CREATE TABLE IF NOT EXISTS section_portions (
		section_id TEXT NOT NULL REFERENCES sections(id) ON DELETE CASCADE,
		activity_id TEXT NOT NULL REFERENCES activities(id) ON DELETE CASCADE,
		direction TEXT NOT NULL CHECK (direction IN ('same', 'reverse')),
		start_index INTEGER NOT NULL,
		end_index INTEGER NOT NULL,
		distance REAL NOT NULL,
		PRIMARY KEY (section_id, activity_id, start_index),
		CHECK (start_index >= 0 AND start_index < end_index)
	);

	CREATE INDEX IF NOT EXISTS idx_section_portions_activity ON section_portions(activity_id);
	`

	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return err
	}

	// stores created before activity revisions were tracked
	var hasRevision int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pragma_table_info('activities') WHERE name = 'revision'`).Scan(&hasRevision); err != nil {
		return err
	}
	if hasRevision == 0 {
		if _, err := s.db.ExecContext(ctx,
			`ALTER TABLE activities ADD COLUMN revision INTEGER NOT NULL DEFAULT 1`); err != nil {
			return err
		}
	}
	return nil
}

// CheckIntegrity fails when any portion is dangling or out of its track's
// bounds.
func (s *SQLiteDB) CheckIntegrity(ctx context.Context) error {
	var dangling, outOfRange int
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN a.id IS NULL OR sec.id IS NULL THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN a.id IS NOT NULL AND p.end_index >= a.point_count THEN 1 ELSE 0 END), 0)
		FROM section_portions p
		LEFT JOIN activities a ON a.id = p.activity_id
		LEFT JOIN sections sec ON sec.id = p.section_id`).Scan(&dangling, &outOfRange)
	if err != nil {
		return fmt.Errorf("failed to check integrity: %w", err)
	}
	if dangling > 0 || outOfRange > 0 {
		return fmt.Errorf("%w: %d dangling portions, %d out-of-range portions", ErrIntegrity, dangling, outOfRange)
	}
	return nil
}

// Clear deletes every activity, metric row, section and portion in one
// transaction. Calling it on an empty store is a no-op.
func (s *SQLiteDB) Clear(ctx context.Context) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		// portions first so no statement ever observes a dangling row
		for _, stmt := range []string{
			`DELETE FROM section_portions`,
			`DELETE FROM sections`,
			`DELETE FROM activity_metrics`,
			`DELETE FROM activities`,
		} {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("failed to clear store: %w", err)
			}
		}
		return nil
	})
}

func (s *SQLiteDB) Close() error {
	return s.db.Close()
}

// withTx runs fn in a transaction, rolling back on error or panic.
func (s *SQLiteDB) withTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
		if err != nil {
			tx.Rollback()
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

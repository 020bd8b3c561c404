package repository

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

type migration struct {
	version  int
	name     string
	postgres []string
	sqlite   []string
}

var migrations = []migration{
	{
		version: 1,
		name:    "core tables",
		postgres: []string{
			`CREATE TABLE IF NOT EXISTS jobs (
				key          TEXT PRIMARY KEY,
				payload      BYTEA NOT NULL,
				task_name    TEXT NOT NULL,
				claimed      BOOLEAN NOT NULL DEFAULT FALSE,
				completed    BOOLEAN NOT NULL DEFAULT FALSE,
				cleared      BOOLEAN NOT NULL DEFAULT FALSE,
				return_value TEXT,
				traceback    TEXT,
				created      BIGINT NOT NULL,
				updated      BIGINT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS tasks (
				id               BIGSERIAL PRIMARY KEY,
				slug             TEXT NOT NULL UNIQUE,
				name             TEXT NOT NULL,
				description      TEXT NOT NULL DEFAULT '',
				project          TEXT NOT NULL,
				reviewer_quota   INTEGER NOT NULL CHECK (reviewer_quota > 0),
				lease_seconds    INTEGER NOT NULL DEFAULT 60,
				hierarchy_filter TEXT,
				split_image      BOOLEAN NOT NULL DEFAULT FALSE,
				status           TEXT NOT NULL DEFAULT 'active',
				created_at       BIGINT NOT NULL,
				updated_at       BIGINT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS task_fields (
				task_id    BIGINT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
				slug       TEXT NOT NULL,
				name       TEXT NOT NULL,
				data_type  TEXT NOT NULL,
				sort_order INTEGER NOT NULL,
				PRIMARY KEY (task_id, slug)
			)`,
			`CREATE TABLE IF NOT EXISTS images (
				id           BIGSERIAL PRIMARY KEY,
				project      TEXT NOT NULL,
				fetch_url    TEXT NOT NULL,
				hierarchy    TEXT,
				is_page_url  BOOLEAN NOT NULL DEFAULT FALSE,
				page         INTEGER,
				content_hash TEXT,
				created_at   BIGINT NOT NULL,
				UNIQUE (project, fetch_url)
			)`,
			`CREATE TABLE IF NOT EXISTS assignments (
				id              BIGSERIAL PRIMARY KEY,
				image_id        BIGINT NOT NULL REFERENCES images(id),
				task_id         BIGINT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
				view_count      INTEGER NOT NULL DEFAULT 0,
				checkout_expire BIGINT,
				checkout_by     TEXT,
				is_complete     BOOLEAN NOT NULL DEFAULT FALSE,
				UNIQUE (image_id, task_id)
			)`,
			`CREATE TABLE IF NOT EXISTS submissions (
				id          BIGSERIAL PRIMARY KEY,
				task_id     BIGINT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
				image_id    BIGINT NOT NULL REFERENCES images(id),
				transcriber TEXT NOT NULL,
				date_added  BIGINT NOT NULL,
				status      TEXT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS submission_values (
				submission_id BIGINT NOT NULL REFERENCES submissions(id) ON DELETE CASCADE,
				field_slug    TEXT NOT NULL,
				value         TEXT,
				blank         BOOLEAN NOT NULL DEFAULT FALSE,
				not_legible   BOOLEAN NOT NULL DEFAULT FALSE,
				altered       BOOLEAN NOT NULL DEFAULT FALSE,
				PRIMARY KEY (submission_id, field_slug)
			)`,
		},
		sqlite: []string{
			`CREATE TABLE IF NOT EXISTS jobs (
				key          TEXT PRIMARY KEY,
				payload      BLOB NOT NULL,
				task_name    TEXT NOT NULL,
				claimed      BOOLEAN NOT NULL DEFAULT 0,
				completed    BOOLEAN NOT NULL DEFAULT 0,
				cleared      BOOLEAN NOT NULL DEFAULT 0,
				return_value TEXT,
				traceback    TEXT,
				created      INTEGER NOT NULL,
				updated      INTEGER NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS tasks (
				id               INTEGER PRIMARY KEY AUTOINCREMENT,
				slug             TEXT NOT NULL UNIQUE,
				name             TEXT NOT NULL,
				description      TEXT NOT NULL DEFAULT '',
				project          TEXT NOT NULL,
				reviewer_quota   INTEGER NOT NULL CHECK (reviewer_quota > 0),
				lease_seconds    INTEGER NOT NULL DEFAULT 60,
				hierarchy_filter TEXT,
				split_image      BOOLEAN NOT NULL DEFAULT 0,
				status           TEXT NOT NULL DEFAULT 'active',
				created_at       INTEGER NOT NULL,
				updated_at       INTEGER NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS task_fields (
				task_id    INTEGER NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
				slug       TEXT NOT NULL,
				name       TEXT NOT NULL,
				data_type  TEXT NOT NULL,
				sort_order INTEGER NOT NULL,
				PRIMARY KEY (task_id, slug)
			)`,
			`CREATE TABLE IF NOT EXISTS images (
				id           INTEGER PRIMARY KEY AUTOINCREMENT,
				project      TEXT NOT NULL,
				fetch_url    TEXT NOT NULL,
				hierarchy    TEXT,
				is_page_url  BOOLEAN NOT NULL DEFAULT 0,
				page         INTEGER,
				content_hash TEXT,
				created_at   INTEGER NOT NULL,
				UNIQUE (project, fetch_url)
			)`,
			`CREATE TABLE IF NOT EXISTS assignments (
				id              INTEGER PRIMARY KEY AUTOINCREMENT,
				image_id        INTEGER NOT NULL REFERENCES images(id),
				task_id         INTEGER NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
				view_count      INTEGER NOT NULL DEFAULT 0,
				checkout_expire INTEGER,
				checkout_by     TEXT,
				is_complete     BOOLEAN NOT NULL DEFAULT 0,
				UNIQUE (image_id, task_id)
			)`,
			`CREATE TABLE IF NOT EXISTS submissions (
				id          INTEGER PRIMARY KEY AUTOINCREMENT,
				task_id     INTEGER NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
				image_id    INTEGER NOT NULL REFERENCES images(id),
				transcriber TEXT NOT NULL,
				date_added  INTEGER NOT NULL,
				status      TEXT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS submission_values (
				submission_id INTEGER NOT NULL REFERENCES submissions(id) ON DELETE CASCADE,
				field_slug    TEXT NOT NULL,
				value         TEXT,
				blank         BOOLEAN NOT NULL DEFAULT 0,
				not_legible   BOOLEAN NOT NULL DEFAULT 0,
				altered       BOOLEAN NOT NULL DEFAULT 0,
				PRIMARY KEY (submission_id, field_slug)
			)`,
		},
	},
	{
		version:  2,
		name:     "lookup indexes",
		postgres: indexStatements,
		sqlite:   indexStatements,
	},
}

// Both dialects accept these verbatim, partial index included.
var indexStatements = []string{
	`CREATE INDEX IF NOT EXISTS idx_jobs_unclaimed ON jobs (claimed, created)`,
	`CREATE INDEX IF NOT EXISTS idx_images_project_hash ON images (project, content_hash)`,
	`CREATE INDEX IF NOT EXISTS idx_assignments_task ON assignments (task_id, is_complete, id)`,
	`CREATE INDEX IF NOT EXISTS idx_assignments_checkout ON assignments (checkout_expire)`,
	`CREATE INDEX IF NOT EXISTS idx_submissions_image ON submissions (task_id, image_id, status)`,
	`CREATE INDEX IF NOT EXISTS idx_submissions_transcriber ON submissions (task_id, transcriber)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS uq_submissions_final ON submissions (task_id, image_id) WHERE status = 'final'`,
}

// Migrate applies every migration that has not been recorded yet. Each
// version runs in its own transaction.
func Migrate(ctx context.Context, db *DB, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	sqlDB := db.SQL()
	if _, err := sqlDB.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		name       TEXT NOT NULL,
		applied_at BIGINT NOT NULL
	)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	applied := map[int]bool{}
	rows, err := sqlDB.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return fmt.Errorf("read schema_migrations: %w", err)
	}
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			_ = rows.Close()
			return fmt.Errorf("scan schema_migrations: %w", err)
		}
		applied[v] = true
	}
	if err := rows.Close(); err != nil {
		return err
	}

	b := newBase(db, logger)
	for _, m := range migrations {
		if applied[m.version] {
			continue
		}
		stmts := m.sqlite
		if db.Postgres() {
			stmts = m.postgres
		}
		err := db.InTx(ctx, func(tx *sql.Tx) error {
			for _, stmt := range stmts {
				if _, err := tx.ExecContext(ctx, stmt); err != nil {
					return fmt.Errorf("migration %d (%s): %w", m.version, m.name, err)
				}
			}
			ins := b.sb().Insert("schema_migrations").
				Columns("version", "name", "applied_at").
				Values(m.version, m.name, toMillis(time.Now()))
			query, args := ins.Query()
			_, err := tx.ExecContext(ctx, query, args...)
			return err
		})
		if err != nil {
			return err
		}
		logger.Info("applied migration", "version", m.version, "name", m.name)
	}
	return nil
}

// SchemaVersion returns the highest applied migration version, or 0.
func SchemaVersion(ctx context.Context, db *DB) (int, error) {
	var v sql.NullInt64
	err := db.SQL().QueryRowContext(ctx, `SELECT MAX(version) FROM schema_migrations`).Scan(&v)
	if err != nil {
		return 0, err
	}
	return int(v.Int64), nil
}

// LatestSchemaVersion is the version Migrate brings a database to.
func LatestSchemaVersion() int {
	return migrations[len(migrations)-1].version
}

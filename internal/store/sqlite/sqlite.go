// Package sqlite implements store.EntityStore on an embedded SQLite file
// (modernc.org/sqlite, pure Go). The store is single-writer: the connection
// pool is capped at one, so every call may block briefly behind another
// writer. A process opens exactly one store for its lifetime.
package sqlite

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id            TEXT NOT NULL,
	user_id       TEXT NOT NULL,
	name          TEXT NOT NULL DEFAULT '',
	job_id        TEXT,
	resume_id     TEXT,
	data          TEXT NOT NULL,
	version       INTEGER NOT NULL DEFAULT 1,
	last_modified INTEGER NOT NULL,
	created_at    INTEGER NOT NULL,
	deleted       INTEGER NOT NULL DEFAULT 0,
	deleted_at    INTEGER,
	PRIMARY KEY (user_id, id)
);
CREATE INDEX IF NOT EXISTS idx_jobs_modified ON jobs (user_id, last_modified);

CREATE TABLE IF NOT EXISTS resumes (
	id            TEXT NOT NULL,
	user_id       TEXT NOT NULL,
	name          TEXT NOT NULL DEFAULT '',
	job_id        TEXT,
	resume_id     TEXT,
	data          TEXT NOT NULL,
	version       INTEGER NOT NULL DEFAULT 1,
	last_modified INTEGER NOT NULL,
	created_at    INTEGER NOT NULL,
	deleted       INTEGER NOT NULL DEFAULT 0,
	deleted_at    INTEGER,
	PRIMARY KEY (user_id, id)
);
CREATE INDEX IF NOT EXISTS idx_resumes_modified ON resumes (user_id, last_modified);

CREATE TABLE IF NOT EXISTS cover_letters (
	id            TEXT NOT NULL,
	user_id       TEXT NOT NULL,
	name          TEXT NOT NULL DEFAULT '',
	job_id        TEXT,
	resume_id     TEXT,
	data          TEXT NOT NULL,
	version       INTEGER NOT NULL DEFAULT 1,
	last_modified INTEGER NOT NULL,
	created_at    INTEGER NOT NULL,
	deleted       INTEGER NOT NULL DEFAULT 0,
	deleted_at    INTEGER,
	PRIMARY KEY (user_id, id)
);
CREATE INDEX IF NOT EXISTS idx_cover_letters_modified ON cover_letters (user_id, last_modified);

CREATE TABLE IF NOT EXISTS settings (
	user_id       TEXT NOT NULL PRIMARY KEY,
	data          TEXT NOT NULL,
	last_modified INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS sync_sessions (
	user_id     TEXT NOT NULL,
	device_id   TEXT NOT NULL,
	device_name TEXT,
	last_sync   INTEGER NOT NULL,
	sync_count  INTEGER NOT NULL DEFAULT 1,
	PRIMARY KEY (user_id, device_id)
);
`

// Open opens (and if needed creates) the database at path and applies the
// schema. Timestamps are stored as unix nanoseconds so the strict
// greater-than cursor comparison in delta queries is exact.
func Open(path string) (*sql.DB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite has a single writer; funnel everything through one connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return db, nil
}

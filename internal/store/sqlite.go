package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS host_sessions (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	broker_instance TEXT NOT NULL,
	owner TEXT NOT NULL,
	session_id TEXT NOT NULL,
	interpreter_path TEXT NOT NULL,
	architecture TEXT,
	arguments TEXT,
	interactive INTEGER NOT NULL DEFAULT 0,
	host_pid INTEGER NOT NULL DEFAULT 0,
	state TEXT NOT NULL,
	started_at TEXT NOT NULL,
	ended_at TEXT
);

CREATE INDEX IF NOT EXISTS host_sessions_live ON host_sessions (state, broker_instance);
`

// OpenDB opens a SQLite database at the given path, creating it if necessary.
// It also creates the schema if the database is new.
func OpenDB(dbPath string) (*sql.DB, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000")
	if err != nil {
		return nil, err
	}
	// One writer; observers fire from many goroutines.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	if err := migrateDB(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return db, nil
}

// migrateDB adds columns introduced after the first schema (SQLite doesn't
// support IF NOT EXISTS for columns).
func migrateDB(db *sql.DB) error {
	migrations := []struct {
		check string
		alter string
	}{
		{"SELECT exit_code FROM host_sessions LIMIT 1", "ALTER TABLE host_sessions ADD COLUMN exit_code INTEGER"},
		{"SELECT broker_name FROM host_sessions LIMIT 1", "ALTER TABLE host_sessions ADD COLUMN broker_name TEXT"},
	}

	for _, m := range migrations {
		if _, err := db.Exec(m.check); err != nil {
			if _, err := db.Exec(m.alter); err != nil {
				return err
			}
		}
	}
	return nil
}

package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/loykin/craftvisor/internal/store"
)

// Dialect is the SQLite schema. Booleans are stored as integers.
var Dialect = store.Dialect{
	Name: "sqlite",
	Schema: []string{
		`CREATE TABLE IF NOT EXISTS servers(
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			path TEXT NOT NULL,
			executable TEXT NOT NULL,
			execution_command TEXT NOT NULL DEFAULT '',
			stop_command TEXT NOT NULL DEFAULT '',
			crash_detection BOOLEAN NOT NULL DEFAULT 0,
			auto_start BOOLEAN NOT NULL DEFAULT 0,
			auto_start_delay INTEGER NOT NULL DEFAULT 0,
			backup_path TEXT NOT NULL DEFAULT '',
			max_backups INTEGER NOT NULL DEFAULT 0,
			backup_excludes TEXT NOT NULL DEFAULT '',
			update_url TEXT NOT NULL DEFAULT '',
			encoding TEXT NOT NULL DEFAULT '',
			highlights TEXT NOT NULL DEFAULT '',
			first_run BOOLEAN NOT NULL DEFAULT 1,
			crashed BOOLEAN NOT NULL DEFAULT 0,
			updating BOOLEAN NOT NULL DEFAULT 0,
			waiting_start BOOLEAN NOT NULL DEFAULT 0
		);`,
		`CREATE TABLE IF NOT EXISTS commands(
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			server_id INTEGER NOT NULL,
			user_id INTEGER NOT NULL DEFAULT 0,
			remote_ip TEXT NOT NULL DEFAULT '',
			command TEXT NOT NULL,
			executed BOOLEAN NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_commands_executed ON commands(executed);`,
		`CREATE TABLE IF NOT EXISTS schedules(
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			server_id INTEGER NOT NULL,
			user_id INTEGER NOT NULL DEFAULT 0,
			name TEXT NOT NULL DEFAULT '',
			action TEXT NOT NULL DEFAULT '',
			command TEXT NOT NULL DEFAULT '',
			interval_value INTEGER NOT NULL DEFAULT 0,
			interval_type TEXT NOT NULL,
			cron_expression TEXT NOT NULL DEFAULT '',
			start_time TIMESTAMP NULL,
			enabled BOOLEAN NOT NULL DEFAULT 1,
			one_time BOOLEAN NOT NULL DEFAULT 0,
			parent_schedule_id INTEGER NULL,
			delay_seconds INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS idx_schedules_parent ON schedules(parent_schedule_id);`,
	},
}

// DB implements store.Repository for SQLite (modernc.org/sqlite driver, CGO-free).
type DB struct {
	*store.SQLRepository
}

// New opens a SQLite database at path and ensures the schema.
// Use ":memory:" for an in-memory database.
func New(path string) (*DB, error) {
	p := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(path), "sqlite://"))
	if p == "" {
		return nil, errors.New("empty sqlite path")
	}
	d, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	// a single connection keeps ":memory:" databases shared and serializes writers
	d.SetMaxOpenConns(1)
	// busy timeout helps with short concurrent locks
	_, _ = d.Exec("PRAGMA busy_timeout=3000;")

	db := &DB{SQLRepository: store.NewSQLRepository(d, Dialect)}
	if err := db.EnsureSchema(context.Background()); err != nil {
		_ = d.Close()
		return nil, err
	}
	return db, nil
}

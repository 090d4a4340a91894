package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/loykin/craftvisor/internal/history"
)

// Sink writes history events to SQLite database.
type Sink struct {
	db *sql.DB
}

// New creates a new SQLite history sink.
// DSN format:
//   - "sqlite:///path/to/file.db"
//   - "sqlite://:memory:"
//   - "/path/to/file.db" (without prefix)
//   - ":memory:" (in-memory database)
func New(dsn string) (*Sink, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("empty SQLite DSN")
	}

	if strings.HasPrefix(strings.ToLower(dsn), "sqlite://") {
		dsn = dsn[len("sqlite://"):]
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// one connection keeps ":memory:" databases coherent
	db.SetMaxOpenConns(1)

	sink := &Sink{db: db}
	if err := sink.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}

	return sink, nil
}

func (s *Sink) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS server_history(
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			occurred_at TIMESTAMP NOT NULL,
			event TEXT NOT NULL,
			server_id INTEGER NOT NULL,
			pid INTEGER NOT NULL DEFAULT 0,
			schedule_id INTEGER NOT NULL DEFAULT 0,
			detail TEXT NOT NULL DEFAULT '',
			error TEXT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_server_history_server ON server_history(server_id);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	var errStr sql.NullString
	if e.Error != "" {
		errStr = sql.NullString{String: e.Error, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO server_history(occurred_at, event, server_id, pid, schedule_id, detail, error)
		VALUES(?, ?, ?, ?, ?, ?, ?);`,
		e.OccurredAt.UTC(), string(e.Type), e.ServerID, e.PID, e.ScheduleID, e.Detail, errStr)
	return err
}

// Recent returns the latest events for a server, newest first.
func (s *Sink) Recent(ctx context.Context, serverID int64, limit int) ([]history.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT occurred_at, event, server_id, pid, schedule_id, detail, error
		FROM server_history
		WHERE server_id=?
		ORDER BY id DESC
		LIMIT ?;`, serverID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := make([]history.Event, 0)
	for rows.Next() {
		var (
			e      history.Event
			typ    string
			errStr sql.NullString
		)
		if err := rows.Scan(&e.OccurredAt, &typ, &e.ServerID, &e.PID, &e.ScheduleID, &e.Detail, &errStr); err != nil {
			return nil, err
		}
		e.Type = history.EventType(typ)
		e.Error = errStr.String
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Sink) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

package clickhouse

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/loykin/craftvisor/internal/history"
)

// Sink sends events to ClickHouse using the official ClickHouse Go client.
type Sink struct {
	conn  driver.Conn
	table string
}

// Options selects the ClickHouse endpoint and credentials.
type Options struct {
	Addr     string
	Database string
	Username string
	Password string
	Table    string
}

func (o Options) withDefaults() Options {
	if o.Database == "" {
		o.Database = "default"
	}
	if o.Username == "" {
		o.Username = "default"
	}
	if o.Table == "" {
		o.Table = "server_history"
	}
	return o
}

func New(opts Options) (*Sink, error) {
	opts = opts.withDefaults()
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{opts.Addr},
		Auth: clickhouse.Auth{
			Database: opts.Database,
			Username: opts.Username,
			Password: opts.Password,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	if err := conn.Ping(context.Background()); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	return &Sink{conn: conn, table: opts.Table}, nil
}

// EnsureTable creates the events table with a MergeTree engine if missing.
func (s *Sink) EnsureTable(ctx context.Context) error {
	return s.conn.Exec(ctx, createTableQuery(s.table))
}

func (s *Sink) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	err := s.conn.Exec(ctx, insertQuery(s.table),
		string(e.Type),
		e.OccurredAt,
		e.ServerID,
		int64(e.PID),
		e.ScheduleID,
		e.Detail,
		e.Error,
	)
	if err != nil {
		return fmt.Errorf("failed to insert event into ClickHouse: %w", err)
	}
	return nil
}

func insertQuery(table string) string {
	return fmt.Sprintf(`INSERT INTO %s (type, occurred_at, server_id, pid, schedule_id, detail, error) VALUES (?, ?, ?, ?, ?, ?, ?)`, table)
}

func createTableQuery(table string) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		type String,
		occurred_at DateTime64(3),
		server_id Int64,
		pid Int64,
		schedule_id Int64,
		detail String,
		error String
	) ENGINE = MergeTree() ORDER BY (server_id, occurred_at)`, table)
}

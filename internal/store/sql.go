package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Dialect captures the differences between the SQL backends.
type Dialect struct {
	Name string
	// Dollar placeholders ($1, $2, ...) instead of '?'.
	Dollar bool
	Schema []string
}

// SQLRepository implements Repository on database/sql. Queries are written
// with '?' placeholders and rebound for the dialect.
type SQLRepository struct {
	db      *sql.DB
	dialect Dialect
}

func NewSQLRepository(db *sql.DB, d Dialect) *SQLRepository {
	return &SQLRepository{db: db, dialect: d}
}

func (r *SQLRepository) DB() *sql.DB { return r.db }

func (r *SQLRepository) EnsureSchema(ctx context.Context) error {
	for _, q := range r.dialect.Schema {
		if _, err := r.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("%s schema: %w", r.dialect.Name, err)
		}
	}
	return nil
}

func (r *SQLRepository) Close() error { return r.db.Close() }

// Rebind converts '?' placeholders to the dialect form.
func Rebind(dollar bool, q string) string {
	if !dollar {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}

func (r *SQLRepository) q(query string) string { return Rebind(r.dialect.Dollar, query) }

const serverColumns = `id, name, path, executable, execution_command, stop_command, crash_detection,
	auto_start, auto_start_delay, backup_path, max_backups, backup_excludes, update_url, encoding,
	highlights, first_run, crashed, updating, waiting_start`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanServer(row rowScanner) (Server, error) {
	var s Server
	var delay int64
	var excludes, highlights string
	err := row.Scan(&s.ID, &s.Name, &s.Path, &s.Executable, &s.ExecutionCommand, &s.StopCommand,
		&s.CrashDetection, &s.AutoStart, &delay, &s.BackupPath, &s.MaxBackups, &excludes,
		&s.UpdateURL, &s.Encoding, &highlights, &s.FirstRun, &s.Crashed, &s.Updating, &s.WaitingStart)
	if err != nil {
		return Server{}, err
	}
	s.AutoStartDelay = time.Duration(delay) * time.Second
	if excludes != "" {
		if err := json.Unmarshal([]byte(excludes), &s.BackupExcludes); err != nil {
			return Server{}, fmt.Errorf("server %d backup_excludes: %w", s.ID, err)
		}
	}
	if highlights != "" {
		if err := json.Unmarshal([]byte(highlights), &s.Highlights); err != nil {
			return Server{}, fmt.Errorf("server %d highlights: %w", s.ID, err)
		}
	}
	return s, nil
}

func (r *SQLRepository) GetServer(ctx context.Context, id int64) (Server, error) {
	row := r.db.QueryRowContext(ctx, r.q(`SELECT `+serverColumns+` FROM servers WHERE id = ?`), id)
	s, err := scanServer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Server{}, fmt.Errorf("server %d: %w", id, ErrNotFound)
	}
	return s, err
}

func (r *SQLRepository) ListServers(ctx context.Context) ([]Server, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+serverColumns+` FROM servers ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := make([]Server, 0)
	for rows.Next() {
		s, err := scanServer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func marshalText(v any, empty bool) (string, error) {
	if empty {
		return "", nil
	}
	b, err := json.Marshal(v)
	return string(b), err
}

// UpsertServer inserts s, or updates the configuration columns when s.ID
// already exists. Runtime flags are left untouched on update.
func (r *SQLRepository) UpsertServer(ctx context.Context, s Server) (int64, error) {
	excludes, err := marshalText(s.BackupExcludes, len(s.BackupExcludes) == 0)
	if err != nil {
		return 0, err
	}
	highlights, err := marshalText(s.Highlights, len(s.Highlights) == 0)
	if err != nil {
		return 0, err
	}
	args := []any{s.Name, s.Path, s.Executable, s.ExecutionCommand, s.StopCommand, s.CrashDetection,
		s.AutoStart, int64(s.AutoStartDelay / time.Second), s.BackupPath, s.MaxBackups, excludes,
		s.UpdateURL, s.Encoding, highlights}
	if s.ID == 0 {
		var id int64
		err := r.db.QueryRowContext(ctx, r.q(`
			INSERT INTO servers(name, path, executable, execution_command, stop_command, crash_detection,
				auto_start, auto_start_delay, backup_path, max_backups, backup_excludes, update_url, encoding,
				highlights, first_run, crashed, updating, waiting_start)
			VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, TRUE, FALSE, FALSE, FALSE)
			RETURNING id`), args...).Scan(&id)
		return id, err
	}
	args = append([]any{s.ID}, args...)
	_, err = r.db.ExecContext(ctx, r.q(`
		INSERT INTO servers(id, name, path, executable, execution_command, stop_command, crash_detection,
			auto_start, auto_start_delay, backup_path, max_backups, backup_excludes, update_url, encoding,
			highlights, first_run, crashed, updating, waiting_start)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, TRUE, FALSE, FALSE, FALSE)
		ON CONFLICT(id) DO UPDATE SET
			name=excluded.name,
			path=excluded.path,
			executable=excluded.executable,
			execution_command=excluded.execution_command,
			stop_command=excluded.stop_command,
			crash_detection=excluded.crash_detection,
			auto_start=excluded.auto_start,
			auto_start_delay=excluded.auto_start_delay,
			backup_path=excluded.backup_path,
			max_backups=excluded.max_backups,
			backup_excludes=excluded.backup_excludes,
			update_url=excluded.update_url,
			encoding=excluded.encoding,
			highlights=excluded.highlights`), args...)
	return s.ID, err
}

func (r *SQLRepository) DeleteServer(ctx context.Context, id int64) error {
	for _, q := range []string{
		`DELETE FROM commands WHERE server_id = ?`,
		`DELETE FROM schedules WHERE server_id = ?`,
		`DELETE FROM servers WHERE id = ?`,
	} {
		if _, err := r.db.ExecContext(ctx, r.q(q), id); err != nil {
			return err
		}
	}
	return nil
}

func (r *SQLRepository) SetServerFlag(ctx context.Context, id int64, flag Flag, value bool) error {
	if !flag.valid() {
		return fmt.Errorf("unknown server flag %q", flag)
	}
	// flag is one of a closed set of column names
	return r.execOne(ctx, `UPDATE servers SET `+string(flag)+` = ? WHERE id = ?`, value, id)
}

func (r *SQLRepository) GetFirstRun(ctx context.Context, id int64) (bool, error) {
	var first bool
	err := r.db.QueryRowContext(ctx, r.q(`SELECT first_run FROM servers WHERE id = ?`), id).Scan(&first)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("server %d: %w", id, ErrNotFound)
	}
	return first, err
}

func (r *SQLRepository) SetFirstRun(ctx context.Context, id int64) error {
	return r.execOne(ctx, `UPDATE servers SET first_run = FALSE WHERE id = ?`, id)
}

func (r *SQLRepository) execOne(ctx context.Context, query string, args ...any) error {
	res, err := r.db.ExecContext(ctx, r.q(query), args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *SQLRepository) EnqueueCommand(ctx context.Context, c Command) (int64, error) {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	var id int64
	err := r.db.QueryRowContext(ctx, r.q(`
		INSERT INTO commands(server_id, user_id, remote_ip, command, executed, created_at)
		VALUES(?, ?, ?, ?, FALSE, ?)
		RETURNING id`),
		c.ServerID, c.UserID, c.RemoteIP, c.Command, c.CreatedAt.UTC()).Scan(&id)
	return id, err
}

func (r *SQLRepository) GetUnexecutedCommands(ctx context.Context) ([]Command, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, server_id, user_id, remote_ip, command, executed, created_at
		FROM commands
		WHERE executed = FALSE
		ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := make([]Command, 0)
	for rows.Next() {
		var c Command
		if err := rows.Scan(&c.ID, &c.ServerID, &c.UserID, &c.RemoteIP, &c.Command, &c.Executed, &c.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *SQLRepository) MarkCommandComplete(ctx context.Context, id int64) error {
	return r.execOne(ctx, `UPDATE commands SET executed = TRUE WHERE id = ?`, id)
}

const scheduleColumns = `id, server_id, user_id, name, action, command, interval_value, interval_type,
	cron_expression, start_time, enabled, one_time, parent_schedule_id, delay_seconds`

func scanSchedule(row rowScanner) (Schedule, error) {
	var s Schedule
	var start sql.NullTime
	var parent sql.NullInt64
	err := row.Scan(&s.ID, &s.ServerID, &s.UserID, &s.Name, &s.Action, &s.Command, &s.Interval,
		&s.IntervalType, &s.CronExpression, &start, &s.Enabled, &s.OneTime, &parent, &s.DelaySeconds)
	if err != nil {
		return Schedule{}, err
	}
	if start.Valid {
		s.StartTime = start.Time
	}
	if parent.Valid {
		p := parent.Int64
		s.ParentID = &p
	}
	return s, nil
}

func (r *SQLRepository) querySchedules(ctx context.Context, where string, args ...any) ([]Schedule, error) {
	rows, err := r.db.QueryContext(ctx, r.q(`SELECT `+scheduleColumns+` FROM schedules `+where+` ORDER BY id`), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := make([]Schedule, 0)
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *SQLRepository) GetEnabledSchedules(ctx context.Context) ([]Schedule, error) {
	return r.querySchedules(ctx, `WHERE enabled = TRUE`)
}

func (r *SQLRepository) ListSchedules(ctx context.Context) ([]Schedule, error) {
	return r.querySchedules(ctx, ``)
}

func (r *SQLRepository) GetChildSchedules(ctx context.Context, parentID int64) ([]Schedule, error) {
	return r.querySchedules(ctx, `WHERE parent_schedule_id = ?`, parentID)
}

func (r *SQLRepository) GetSchedule(ctx context.Context, id int64) (Schedule, error) {
	row := r.db.QueryRowContext(ctx, r.q(`SELECT `+scheduleColumns+` FROM schedules WHERE id = ?`), id)
	s, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Schedule{}, fmt.Errorf("schedule %d: %w", id, ErrNotFound)
	}
	return s, err
}

func scheduleArgs(s Schedule) []any {
	var start sql.NullTime
	if !s.StartTime.IsZero() {
		start = sql.NullTime{Time: s.StartTime.UTC(), Valid: true}
	}
	var parent sql.NullInt64
	if s.ParentID != nil && *s.ParentID != s.ID {
		parent = sql.NullInt64{Int64: *s.ParentID, Valid: true}
	}
	return []any{s.ServerID, s.UserID, s.Name, s.Action, s.Command, s.Interval, s.IntervalType,
		s.CronExpression, start, s.Enabled, s.OneTime, parent, s.DelaySeconds}
}

func (r *SQLRepository) CreateSchedule(ctx context.Context, s Schedule) (int64, error) {
	var id int64
	err := r.db.QueryRowContext(ctx, r.q(`
		INSERT INTO schedules(server_id, user_id, name, action, command, interval_value, interval_type,
			cron_expression, start_time, enabled, one_time, parent_schedule_id, delay_seconds)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`), scheduleArgs(s)...).Scan(&id)
	return id, err
}

func (r *SQLRepository) UpdateSchedule(ctx context.Context, s Schedule) error {
	args := append(scheduleArgs(s), s.ID)
	err := r.execOne(ctx, `
		UPDATE schedules SET server_id = ?, user_id = ?, name = ?, action = ?, command = ?,
			interval_value = ?, interval_type = ?, cron_expression = ?, start_time = ?, enabled = ?,
			one_time = ?, parent_schedule_id = ?, delay_seconds = ?
		WHERE id = ?`, args...)
	if errors.Is(err, ErrNotFound) {
		return fmt.Errorf("schedule %d: %w", s.ID, ErrNotFound)
	}
	return err
}

func (r *SQLRepository) DeleteSchedule(ctx context.Context, id int64) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, r.q(`UPDATE schedules SET parent_schedule_id = NULL WHERE parent_schedule_id = ?`), id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, r.q(`DELETE FROM schedules WHERE id = ?`), id); err != nil {
		return err
	}
	return tx.Commit()
}

var _ Repository = (*SQLRepository)(nil)

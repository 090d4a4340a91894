package client

import "time"

// ServerStatus mirrors GET /servers.
// NewServer is the body of a server registration.
type NewServer struct {
	Name                  string            `json:"name"`
	Path                  string            `json:"path"`
	Executable            string            `json:"executable,omitempty"`
	ExecutionCommand      string            `json:"execution_command"`
	StopCommand           string            `json:"stop_command,omitempty"`
	CrashDetection        bool              `json:"crash_detection"`
	AutoStart             bool              `json:"auto_start"`
	AutoStartDelaySeconds int               `json:"auto_start_delay_seconds,omitempty"`
	BackupPath            string            `json:"backup_path,omitempty"`
	MaxBackups            int               `json:"max_backups,omitempty"`
	BackupExcludes        []string          `json:"backup_excludes,omitempty"`
	UpdateURL             string            `json:"update_url,omitempty"`
	Encoding              string            `json:"encoding,omitempty"`
	Highlights            map[string]string `json:"highlights,omitempty"`
}

type ServerStatus struct {
	ServerID       int64     `json:"server_id"`
	Name           string    `json:"name"`
	State          string    `json:"state"`
	PID            int       `json:"pid"`
	StartedAt      time.Time `json:"started_at"`
	RestartCount   int       `json:"restart_count"`
	CrashDetection bool      `json:"crash_detection"`
	BackingUp      bool      `json:"backing_up"`
	Updating       bool      `json:"updating"`
	Alive          bool      `json:"alive"`
}

// Schedule is a persisted scheduled task.
type Schedule struct {
	ID             int64     `json:"id,omitempty"`
	ServerID       int64     `json:"server_id"`
	UserID         int64     `json:"user_id"`
	Name           string    `json:"name"`
	Action         string    `json:"action"`
	Command        string    `json:"command,omitempty"`
	Interval       int       `json:"interval,omitempty"`
	IntervalType   string    `json:"interval_type"`
	CronExpression string    `json:"cron_expression,omitempty"`
	StartTime      time.Time `json:"start_time,omitempty"`
	Enabled        bool      `json:"enabled"`
	OneTime        bool      `json:"one_time"`
	ParentID       *int64    `json:"parent_schedule_id,omitempty"`
	DelaySeconds   int       `json:"delay_seconds,omitempty"`
}

// Entry is a live scheduler job.
type Entry struct {
	ScheduleID int64     `json:"schedule_id"`
	Next       time.Time `json:"next"`
	Chained    bool      `json:"chained"`
}

// CommandRequest queues a command for a server.
type CommandRequest struct {
	Command string `json:"command"`
	UserID  int64  `json:"user_id"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}

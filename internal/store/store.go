package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// Flag names a persisted boolean marker on a server row.
type Flag string

const (
	FlagCrashed      Flag = "crashed"
	FlagUpdating     Flag = "updating"
	FlagWaitingStart Flag = "waiting_start"
)

func (f Flag) valid() bool {
	switch f {
	case FlagCrashed, FlagUpdating, FlagWaitingStart:
		return true
	}
	return false
}

// Server is the persisted configuration of one game server instance.
// Path is the working directory; Executable may be relative to Path.
type Server struct {
	ID               int64
	Name             string
	Path             string
	Executable       string
	ExecutionCommand string
	StopCommand      string
	CrashDetection   bool
	AutoStart        bool
	AutoStartDelay   time.Duration
	BackupPath       string
	MaxBackups       int
	BackupExcludes   []string
	UpdateURL        string
	Encoding         string
	Highlights       map[string]string
	FirstRun         bool
	Crashed          bool
	Updating         bool
	WaitingStart     bool
}

// Command is a queued action for a server. Command holds either one of the
// dispatcher literals (start_server, stop_server, ...) or raw console input.
type Command struct {
	ID        int64
	ServerID  int64
	UserID    int64
	RemoteIP  string
	Command   string
	Executed  bool
	CreatedAt time.Time
}

// Interval types stored on a schedule row.
const (
	IntervalHours    = "hours"
	IntervalMinutes  = "minutes"
	IntervalDays     = "days"
	IntervalCron     = "cron"
	IntervalReaction = "reaction"
)

// ActionCommand marks a schedule whose Command is sent raw to the console.
const ActionCommand = "command"

type Schedule struct {
	ID             int64
	ServerID       int64
	UserID         int64
	Name           string
	Action         string
	Command        string
	Interval       int
	IntervalType   string
	CronExpression string
	StartTime      time.Time
	Enabled        bool
	OneTime        bool
	ParentID       *int64
	DelaySeconds   int
}

// DispatchCommand returns the literal handed to the dispatcher when the schedule fires.
func (s Schedule) DispatchCommand() string {
	if s.Action == ActionCommand || s.Action == "" {
		return s.Command
	}
	return s.Action
}

// Repository is the persistence surface used by the supervisor, dispatcher and scheduler.
type Repository interface {
	GetServer(ctx context.Context, id int64) (Server, error)
	ListServers(ctx context.Context) ([]Server, error)
	UpsertServer(ctx context.Context, s Server) (int64, error)
	DeleteServer(ctx context.Context, id int64) error
	SetServerFlag(ctx context.Context, id int64, flag Flag, value bool) error
	// GetFirstRun reports whether the server has never been started.
	GetFirstRun(ctx context.Context, id int64) (bool, error)
	SetFirstRun(ctx context.Context, id int64) error

	EnqueueCommand(ctx context.Context, c Command) (int64, error)
	GetUnexecutedCommands(ctx context.Context) ([]Command, error)
	MarkCommandComplete(ctx context.Context, id int64) error

	GetEnabledSchedules(ctx context.Context) ([]Schedule, error)
	ListSchedules(ctx context.Context) ([]Schedule, error)
	GetSchedule(ctx context.Context, id int64) (Schedule, error)
	GetChildSchedules(ctx context.Context, parentID int64) ([]Schedule, error)
	CreateSchedule(ctx context.Context, s Schedule) (int64, error)
	UpdateSchedule(ctx context.Context, s Schedule) error
	// DeleteSchedule removes the row and clears parent_schedule_id on its children.
	DeleteSchedule(ctx context.Context, id int64) error

	Close() error
}

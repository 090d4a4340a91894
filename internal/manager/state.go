package manager

import (
	"log/slog"
	"time"

	"github.com/loykin/craftvisor/internal/backup"
	"github.com/loykin/craftvisor/internal/history"
)

// State is the lifecycle state of one server.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
	StateCrashed
	StateUpdating
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateCrashed:
		return "crashed"
	case StateUpdating:
		return "updating"
	default:
		return "unknown"
	}
}

// SystemUser is the caller id of scheduled, automatic and dispatcher-internal actions.
const SystemUser int64 = 0

// Options tune supervisor timing and wiring. Zero values take the defaults below.
type Options struct {
	StopGrace          time.Duration `mapstructure:"stop_grace"`
	StopPollInterval   time.Duration `mapstructure:"stop_poll_interval"`
	CrashCheckInterval time.Duration `mapstructure:"crash_check_interval"`
	RestartPause       time.Duration `mapstructure:"restart_pause"`
	MaxAutoRestarts    int           `mapstructure:"max_auto_restarts"`
	// BackupWait bounds how long an update waits for a running backup.
	BackupWait time.Duration `mapstructure:"backup_wait"`
	// BackupRoot is used when a server has no backup_path: <BackupRoot>/<server id>.
	BackupRoot string `mapstructure:"backup_root"`
	// Env holds extra "K=V" entries for every server process; values may
	// reference ${VAR}.
	Env []string `mapstructure:"env"`

	ConsoleMaxLines  int               `mapstructure:"console_max_lines"`
	ConsoleSeparator string            `mapstructure:"-"`
	Highlights       map[string]string `mapstructure:"-"`

	Logger  *slog.Logger    `mapstructure:"-"`
	History history.Sink    `mapstructure:"-"`
	Backups *backup.Manager `mapstructure:"-"`
	Fetcher Fetcher         `mapstructure:"-"`
}

func (o Options) withDefaults() Options {
	if o.StopGrace <= 0 {
		o.StopGrace = 60 * time.Second
	}
	if o.StopPollInterval <= 0 {
		o.StopPollInterval = 2 * time.Second
	}
	if o.CrashCheckInterval <= 0 {
		o.CrashCheckInterval = 30 * time.Second
	}
	if o.RestartPause <= 0 {
		o.RestartPause = 2 * time.Second
	}
	if o.MaxAutoRestarts <= 0 {
		o.MaxAutoRestarts = 3
	}
	if o.BackupWait <= 0 {
		o.BackupWait = 30 * time.Minute
	}
	if o.BackupRoot == "" {
		o.BackupRoot = "backups"
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.History == nil {
		o.History = history.Multi{}
	}
	if o.Backups == nil {
		o.Backups = backup.NewManager(backup.WithLogger(o.Logger))
	}
	if o.Fetcher == nil {
		o.Fetcher = NewHTTPFetcher(nil)
	}
	return o
}

// Status is a point-in-time view of one supervisor.
type Status struct {
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

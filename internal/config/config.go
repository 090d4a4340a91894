package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/loykin/craftvisor/internal/logger"
	"github.com/loykin/craftvisor/internal/manager"
	"github.com/loykin/craftvisor/internal/store"
	itls "github.com/loykin/craftvisor/internal/tls"
)

// EnvPrefix prefixes environment overrides, e.g. CRAFTVISOR_STORE_DSN.
const EnvPrefix = "CRAFTVISOR"

// Config is the daemon configuration file.
type Config struct {
	// EnvFiles are loaded into the process environment before overrides apply.
	EnvFiles   []string         `mapstructure:"env_files"`
	Store      StoreConfig      `mapstructure:"store"`
	History    HistoryConfig    `mapstructure:"history"`
	Log        logger.Config    `mapstructure:"log"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Console    ConsoleConfig    `mapstructure:"console"`
	Supervisor manager.Options  `mapstructure:"supervisor"`
	Backup     BackupConfig     `mapstructure:"backup"`
	Dispatcher DispatcherConfig `mapstructure:"dispatcher"`
	// Servers are upserted into the store on startup.
	Servers []ServerConfig `mapstructure:"servers"`
}

type StoreConfig struct {
	DSN string `mapstructure:"dsn"`
}

// HistoryConfig lists audit sink DSNs (sqlite, postgres, clickhouse, opensearch).
type HistoryConfig struct {
	Sinks []string `mapstructure:"sinks"`
}

// HTTPConfig configures the API listener. RatePerSec and Burst pace pushes
// to each websocket client.
type HTTPConfig struct {
	Enabled    bool        `mapstructure:"enabled"`
	Listen     string      `mapstructure:"listen"`
	BasePath   string      `mapstructure:"base_path"`
	RatePerSec int         `mapstructure:"rate_per_sec"`
	Burst      int         `mapstructure:"burst"`
	TLS        itls.Config `mapstructure:"tls"`
}

type ConsoleConfig struct {
	MaxLines   int         `mapstructure:"max_lines"`
	Encoding   string      `mapstructure:"encoding"`
	Highlights []Highlight `mapstructure:"highlights"`
}

// Highlight wraps Keyword in a span with Class in console output.
// A list keeps keyword case intact, which map keys would not.
type Highlight struct {
	Keyword string `mapstructure:"keyword"`
	Class   string `mapstructure:"class"`
}

type BackupConfig struct {
	StagingDir string `mapstructure:"staging_dir"`
}

type DispatcherConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

// ServerConfig seeds one server row.
type ServerConfig struct {
	ID               int64         `mapstructure:"id"`
	Name             string        `mapstructure:"name"`
	Path             string        `mapstructure:"path"`
	Executable       string        `mapstructure:"executable"`
	ExecutionCommand string        `mapstructure:"execution_command"`
	StopCommand      string        `mapstructure:"stop_command"`
	CrashDetection   bool          `mapstructure:"crash_detection"`
	AutoStart        bool          `mapstructure:"auto_start"`
	AutoStartDelay   time.Duration `mapstructure:"auto_start_delay"`
	BackupPath       string        `mapstructure:"backup_path"`
	MaxBackups       int           `mapstructure:"max_backups"`
	BackupExcludes   []string      `mapstructure:"backup_excludes"`
	UpdateURL        string        `mapstructure:"update_url"`
	Encoding         string        `mapstructure:"encoding"`
	Highlights       []Highlight   `mapstructure:"highlights"`
}

func (s ServerConfig) ToServer(defaultEncoding string) store.Server {
	enc := s.Encoding
	if enc == "" {
		enc = defaultEncoding
	}
	return store.Server{
		ID:               s.ID,
		Name:             s.Name,
		Path:             s.Path,
		Executable:       s.Executable,
		ExecutionCommand: s.ExecutionCommand,
		StopCommand:      s.StopCommand,
		CrashDetection:   s.CrashDetection,
		AutoStart:        s.AutoStart,
		AutoStartDelay:   s.AutoStartDelay,
		BackupPath:       s.BackupPath,
		MaxBackups:       s.MaxBackups,
		BackupExcludes:   s.BackupExcludes,
		UpdateURL:        s.UpdateURL,
		Encoding:         enc,
		Highlights:       HighlightMap(s.Highlights),
	}
}

// HighlightMap converts a highlight list to keyword -> class. Later entries win.
func HighlightMap(hs []Highlight) map[string]string {
	if len(hs) == 0 {
		return nil
	}
	out := make(map[string]string, len(hs))
	for _, h := range hs {
		if h.Keyword != "" {
			out[h.Keyword] = h.Class
		}
	}
	return out
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store.dsn", "sqlite://craftvisor.db")
	v.SetDefault("history.sinks", []string{})

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.color", false)
	v.SetDefault("log.file.path", "")
	v.SetDefault("log.file.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("log.file.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("log.file.max_age_days", logger.DefaultMaxAgeDays)
	v.SetDefault("log.file.compress", false)

	v.SetDefault("http.enabled", true)
	v.SetDefault("http.listen", "127.0.0.1:8520")
	v.SetDefault("http.base_path", "/api")
	v.SetDefault("http.rate_per_sec", 50)
	v.SetDefault("http.burst", 100)

	v.SetDefault("console.max_lines", 100)
	v.SetDefault("console.encoding", "utf-8")

	v.SetDefault("supervisor.stop_grace", 60*time.Second)
	v.SetDefault("supervisor.stop_poll_interval", 2*time.Second)
	v.SetDefault("supervisor.crash_check_interval", 30*time.Second)
	v.SetDefault("supervisor.restart_pause", 2*time.Second)
	v.SetDefault("supervisor.max_auto_restarts", 3)
	v.SetDefault("supervisor.backup_wait", 30*time.Minute)
	v.SetDefault("supervisor.backup_root", "backups")

	v.SetDefault("backup.staging_dir", "")
	v.SetDefault("dispatcher.interval", time.Second)
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml":
			v.SetConfigType("yaml")
		case ".json":
			v.SetConfigType("json")
		default:
			v.SetConfigType("toml")
		}
	}
	return v
}

// Load reads path (empty means defaults and environment only).
func Load(path string) (*Config, error) {
	v := newViper(path)
	return read(v, path)
}

func read(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	if err := loadEnvFiles(path, v.GetStringSlice("env_files")); err != nil {
		return nil, err
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// loadEnvFiles loads .env next to the config file, if present, then files.
// Variables already set in the environment are kept.
func loadEnvFiles(path string, files []string) error {
	var list []string
	if path != "" {
		def := filepath.Join(filepath.Dir(path), ".env")
		if _, err := os.Stat(def); err == nil {
			list = append(list, def)
		}
	}
	for _, f := range files {
		if path != "" && !filepath.IsAbs(f) {
			f = filepath.Join(filepath.Dir(path), f)
		}
		list = append(list, filepath.Clean(f))
	}
	if len(list) == 0 {
		return nil
	}
	if err := godotenv.Load(list...); err != nil {
		return fmt.Errorf("load env files: %w", err)
	}
	return nil
}

func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Store.DSN) == "" {
		errs = append(errs, errors.New("store.dsn is required"))
	}
	if c.Dispatcher.Interval <= 0 {
		errs = append(errs, errors.New("dispatcher.interval must be > 0"))
	}
	if c.Supervisor.StopPollInterval > 0 && c.Supervisor.StopGrace > 0 &&
		c.Supervisor.StopPollInterval > c.Supervisor.StopGrace {
		errs = append(errs, errors.New("supervisor.stop_poll_interval exceeds stop_grace"))
	}
	if err := c.HTTP.TLS.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("http.%w", err))
	}
	seen := make(map[string]bool)
	for i, s := range c.Servers {
		if s.Name == "" {
			errs = append(errs, fmt.Errorf("servers[%d]: name is required", i))
		}
		if s.Path == "" {
			errs = append(errs, fmt.Errorf("servers[%d]: path is required", i))
		}
		if s.ExecutionCommand == "" {
			errs = append(errs, fmt.Errorf("servers[%d]: execution_command is required", i))
		}
		if s.Name != "" && seen[s.Name] {
			errs = append(errs, fmt.Errorf("servers[%d]: duplicate name %q", i, s.Name))
		}
		seen[s.Name] = true
	}
	return errors.Join(errs...)
}

// ManagerOptions returns the supervisor options with console settings applied.
func (c *Config) ManagerOptions() manager.Options {
	o := c.Supervisor
	o.ConsoleMaxLines = c.Console.MaxLines
	o.Highlights = HighlightMap(c.Console.Highlights)
	return o
}

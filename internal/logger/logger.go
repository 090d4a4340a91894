package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default logging configuration constants
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

// Config describes where daemon logs go.
// Rotation parameters follow lumberjack semantics.
type Config struct {
	Level  string     `mapstructure:"level"`  // debug, info, warn, error (default info)
	Format string     `mapstructure:"format"` // text or json (default text)
	Color  bool       `mapstructure:"color"`  // colored level names for text output on a terminal
	File   FileConfig `mapstructure:"file"`
}

// FileConfig enables a rotating log file next to (not instead of) stderr output.
type FileConfig struct {
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// Writer returns the rotating file writer, or nil when no path is configured.
func (c FileConfig) Writer() io.WriteCloser {
	if strings.TrimSpace(c.Path) == "" {
		return nil
	}
	return &lj.Logger{
		Filename:   c.Path,
		MaxSize:    valOr(c.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(c.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(c.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   c.Compress,
	}
}

// Logger bundles the slog logger with its dynamic level and file sink.
type Logger struct {
	*slog.Logger
	level *slog.LevelVar
	file  io.WriteCloser
}

// New builds a logger writing to stderr and, when configured, to a rotating file.
func New(cfg Config) *Logger {
	return newWithWriter(cfg, os.Stderr)
}

func newWithWriter(cfg Config, console io.Writer) *Logger {
	lv := new(slog.LevelVar)
	lv.Set(ParseLevel(cfg.Level))
	opts := &slog.HandlerOptions{Level: lv}

	var out io.Writer = console
	file := cfg.File.Writer()
	if file != nil {
		out = io.MultiWriter(console, file)
	}

	var h slog.Handler
	switch {
	case strings.EqualFold(cfg.Format, "json"):
		h = slog.NewJSONHandler(out, opts)
	case cfg.Color && file == nil:
		h = NewColorTextHandler(out, opts, true)
	default:
		h = slog.NewTextHandler(out, opts)
	}
	return &Logger{Logger: slog.New(h), level: lv, file: file}
}

// SetLevel changes the level at runtime (used on config reload).
func (l *Logger) SetLevel(level string) { l.level.Set(ParseLevel(level)) }

// Level reports the current level.
func (l *Logger) Level() slog.Level { return l.level.Level() }

// Close flushes and closes the rotating file, if any.
func (l *Logger) Close() error {
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// ParseLevel maps a level name to slog.Level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

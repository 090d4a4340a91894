package config

import (
	"log/slog"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Loader keeps the current configuration and reloads it when the file changes.
// Only settings that are safe to change at runtime are meant to be consumed
// from reloads: log level and console highlights.
type Loader struct {
	path   string
	v      *viper.Viper
	logger *slog.Logger

	mu  sync.RWMutex
	cur *Config
}

func NewLoader(path string, logger *slog.Logger) (*Loader, error) {
	if logger == nil {
		logger = slog.Default()
	}
	v := newViper(path)
	c, err := read(v, path)
	if err != nil {
		return nil, err
	}
	return &Loader{path: path, v: v, logger: logger.With("component", "config"), cur: c}, nil
}

func (l *Loader) Config() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cur
}

// Watch calls onChange with every successfully reloaded configuration.
// An invalid edit is logged and the previous configuration kept.
func (l *Loader) Watch(onChange func(*Config)) {
	if l.path == "" {
		return
	}
	l.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		c, err := read(l.v, l.path)
		if err != nil {
			l.logger.Warn("config reload rejected", "file", e.Name, "error", err)
			return
		}
		l.mu.Lock()
		l.cur = c
		l.mu.Unlock()
		l.logger.Info("config reloaded", "file", e.Name)
		if onChange != nil {
			onChange(c)
		}
	})
	l.v.WatchConfig()
}

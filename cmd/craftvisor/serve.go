package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/cobra"

	"github.com/loykin/craftvisor"
	"github.com/loykin/craftvisor/internal/config"
	"github.com/loykin/craftvisor/internal/logger"
)

func createServeCommand(flags *GlobalFlags) *cobra.Command {
	var pidFile string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the supervisor daemon",
		Long: `Run the supervisor daemon in the foreground. Under systemd (Type=notify) the
daemon reports readiness once the API listener is up.

Examples:
  craftvisor serve --config=craftvisor.toml
  craftvisor serve --config=craftvisor.yaml --pidfile=/run/craftvisor.pid`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, flags.ConfigPath, pidFile)
		},
	}
	cmd.Flags().StringVar(&pidFile, "pidfile", "", "write the daemon PID to this file")
	return cmd
}

func runServe(ctx context.Context, configPath, pidFile string) error {
	loader, err := config.NewLoader(configPath, nil)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg := loader.Config()

	log := logger.New(cfg.Log)
	defer func() { _ = log.Close() }()

	d, err := craftvisor.New(cfg, log.Logger)
	if err != nil {
		return err
	}
	if pidFile != "" {
		if err := writePidFile(pidFile, os.Getpid()); err != nil {
			_ = d.Shutdown()
			return err
		}
		defer func() { _ = removePidFile(pidFile) }()
	}

	loader.Watch(func(c *config.Config) {
		log.SetLevel(c.Log.Level)
		d.ApplyReload(c)
	})

	return d.Run(ctx, func() {
		if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
			log.Warn("sd_notify failed", "error", err)
		}
	})
}

func writePidFile(pidFile string, pid int) error {
	if dir := filepath.Dir(pidFile); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("create pidfile dir: %w", err)
		}
	}
	return os.WriteFile(pidFile, []byte(strconv.Itoa(pid)+"\n"), 0o600)
}

func removePidFile(pidFile string) error {
	if err := os.Remove(pidFile); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

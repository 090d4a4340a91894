package craftvisor

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/craftvisor/internal/backup"
	"github.com/loykin/craftvisor/internal/config"
	"github.com/loykin/craftvisor/internal/dispatcher"
	"github.com/loykin/craftvisor/internal/history"
	hfactory "github.com/loykin/craftvisor/internal/history/factory"
	"github.com/loykin/craftvisor/internal/manager"
	"github.com/loykin/craftvisor/internal/metrics"
	"github.com/loykin/craftvisor/internal/notify"
	"github.com/loykin/craftvisor/internal/schedule"
	iapi "github.com/loykin/craftvisor/internal/server"
	"github.com/loykin/craftvisor/internal/store"
	sfactory "github.com/loykin/craftvisor/internal/store/factory"
	itls "github.com/loykin/craftvisor/internal/tls"
)

// Re-export core types for external consumers.

type Config = config.Config

type Status = manager.Status

type Server = store.Server

type Schedule = store.Schedule

type Entry = schedule.Entry

// LoadConfig reads a configuration file; an empty path yields defaults.
func LoadConfig(path string) (*Config, error) { return config.Load(path) }

// Daemon wires the store, supervisors, dispatcher, scheduler and HTTP API.
type Daemon struct {
	cfg    *config.Config
	logger *slog.Logger

	repo       store.Repository
	sinks      history.Multi
	hub        *notify.Hub
	mgr        *manager.Manager
	dispatcher *dispatcher.Dispatcher
	scheduler  *schedule.Scheduler
	router     *iapi.Router

	closeOnce sync.Once
}

// New opens the store and history sinks described by cfg.
func New(cfg *Config, logger *slog.Logger) (*Daemon, error) {
	if cfg == nil {
		return nil, errors.New("nil config")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}
	repo, err := sfactory.NewFromDSN(cfg.Store.DSN)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	sinks, err := hfactory.NewSinks(cfg.History.Sinks)
	if err != nil {
		_ = repo.Close()
		return nil, fmt.Errorf("open history sinks: %w", err)
	}

	hub := notify.NewHub(notify.HubConfig{RatePerSec: cfg.HTTP.RatePerSec, Burst: cfg.HTTP.Burst}, logger)
	notifier := notify.Multi{hub, notify.NewLog(logger)}

	opts := cfg.ManagerOptions()
	opts.Logger = logger.With("component", "supervisor")
	opts.History = sinks
	opts.Backups = backup.NewManager(
		backup.WithStagingDir(cfg.Backup.StagingDir),
		backup.WithLogger(logger.With("component", "backup")),
	)
	mgr := manager.NewManager(repo, notifier, opts)

	disp := dispatcher.New(repo, mgr, dispatcher.Options{Interval: cfg.Dispatcher.Interval, Logger: logger})
	sched := schedule.New(repo, disp, schedule.Options{Logger: logger, History: sinks})

	d := &Daemon{
		cfg:        cfg,
		logger:     logger,
		repo:       repo,
		sinks:      sinks,
		hub:        hub,
		mgr:        mgr,
		dispatcher: disp,
		scheduler:  sched,
	}
	d.router = iapi.NewRouter(iapi.Deps{Servers: mgr, Repo: repo, Hub: hub, Schedules: sched, Logger: logger}, cfg.HTTP.BasePath)
	return d, nil
}

// Seed upserts the configured servers, matching existing rows by name.
func (d *Daemon) Seed(ctx context.Context) error {
	if len(d.cfg.Servers) == 0 {
		return nil
	}
	existing, err := d.repo.ListServers(ctx)
	if err != nil {
		return err
	}
	byName := make(map[string]int64, len(existing))
	for _, s := range existing {
		byName[s.Name] = s.ID
	}
	for _, sc := range d.cfg.Servers {
		srv := sc.ToServer(d.cfg.Console.Encoding)
		if srv.ID == 0 {
			srv.ID = byName[srv.Name]
		}
		id, err := d.repo.UpsertServer(ctx, srv)
		if err != nil {
			return fmt.Errorf("seed server %q: %w", srv.Name, err)
		}
		d.logger.Debug("server seeded", "server_id", id, "name", srv.Name)
	}
	return nil
}

// Start seeds and loads the servers, schedules auto starts, and starts the
// scheduler and the dispatcher loop. Background work stops with ctx.
func (d *Daemon) Start(ctx context.Context) error {
	if err := d.Seed(ctx); err != nil {
		return err
	}
	if err := d.mgr.Load(ctx); err != nil {
		return err
	}
	d.mgr.AutoStart(ctx)
	if err := d.scheduler.Load(ctx); err != nil {
		return err
	}
	d.scheduler.Start()
	go d.dispatcher.Run(ctx)
	return nil
}

// Run starts the daemon, calls ready once it is serving and blocks until ctx
// is cancelled. Servers are stopped before it returns.
func (d *Daemon) Run(ctx context.Context, ready func()) error {
	var tlsCfg *tls.Config
	if d.cfg.HTTP.Enabled {
		c, err := itls.Setup(d.cfg.HTTP.TLS)
		if err != nil {
			return errors.Join(err, d.Shutdown())
		}
		tlsCfg = c
	}
	if err := d.Start(ctx); err != nil {
		return err
	}
	var runErr error
	if d.cfg.HTTP.Enabled {
		srv := iapi.NewServer(d.cfg.HTTP.Listen, d.Handler())
		srv.TLSConfig = tlsCfg
		errCh := make(chan error, 1)
		go func() { errCh <- iapi.Serve(ctx, srv, d.logger) }()
		if ready != nil {
			ready()
		}
		runErr = <-errCh
	} else {
		if ready != nil {
			ready()
		}
		<-ctx.Done()
	}
	return errors.Join(runErr, d.Shutdown())
}

// Handler exposes the HTTP API for embedding into another server.
func (d *Daemon) Handler() http.Handler { return d.router.Handler() }

// Shutdown stops the scheduler and every server, then closes the store and sinks.
func (d *Daemon) Shutdown() error {
	var err error
	d.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		d.scheduler.Stop(ctx)
		cancel()

		grace := d.cfg.Supervisor.StopGrace
		if grace <= 0 {
			grace = 60 * time.Second
		}
		sctx, scancel := context.WithTimeout(context.Background(), grace+10*time.Second)
		defer scancel()
		err = d.mgr.Shutdown(sctx)
		d.dispatcher.Wait()
		d.hub.Close()
		hfactory.CloseAll(d.sinks)
		err = errors.Join(err, d.repo.Close())
		d.logger.Info("daemon stopped")
	})
	return err
}

// ApplyReload applies the runtime-safe parts of a reloaded configuration:
// console highlights and servers whose name is not registered yet. Edits to
// existing servers take effect on the next daemon start.
func (d *Daemon) ApplyReload(c *Config) {
	d.mgr.SetHighlights(config.HighlightMap(c.Console.Highlights))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := d.addConfigured(ctx, c.Servers, c.Console.Encoding); err != nil {
		d.logger.Warn("reload servers", "error", err)
	}
}

func (d *Daemon) addConfigured(ctx context.Context, servers []config.ServerConfig, encoding string) error {
	existing, err := d.repo.ListServers(ctx)
	if err != nil {
		return err
	}
	known := make(map[string]bool, len(existing))
	for _, s := range existing {
		known[s.Name] = true
	}
	var errs []error
	for _, sc := range servers {
		if known[sc.Name] {
			continue
		}
		if _, ok := d.mgr.Get(sc.ID); ok && sc.ID != 0 {
			continue
		}
		st, err := d.AddServer(ctx, sc.ToServer(encoding))
		if err != nil {
			errs = append(errs, fmt.Errorf("add server %q: %w", sc.Name, err))
			continue
		}
		known[sc.Name] = true
		d.logger.Info("server added from config", "server_id", st.ServerID, "name", sc.Name)
	}
	return errors.Join(errs...)
}

// AddServer persists srv and registers its supervisor. The server is left stopped.
func (d *Daemon) AddServer(ctx context.Context, srv Server) (Status, error) {
	if srv.Encoding == "" {
		srv.Encoding = d.cfg.Console.Encoding
	}
	sup, err := d.mgr.Create(ctx, srv)
	if err != nil {
		return Status{}, err
	}
	return sup.Status(), nil
}

// RemoveServer stops the server and deletes it with its queued commands and schedules.
func (d *Daemon) RemoveServer(ctx context.Context, id int64) error {
	return d.mgr.Delete(ctx, id)
}

func (d *Daemon) Statuses() []Status { return d.mgr.Statuses() }

// Console returns the recent console lines of a server.
func (d *Daemon) Console(serverID int64) ([]string, error) {
	sup, ok := d.mgr.Get(serverID)
	if !ok {
		return nil, fmt.Errorf("%w: %d", manager.ErrUnknownServer, serverID)
	}
	return sup.Console(), nil
}

// Enqueue queues a command for the dispatcher.
func (d *Daemon) Enqueue(ctx context.Context, serverID, userID int64, command string) (int64, error) {
	return d.repo.EnqueueCommand(ctx, store.Command{ServerID: serverID, UserID: userID, Command: command})
}

// Dispatch runs a command immediately, bypassing the queue.
func (d *Daemon) Dispatch(ctx context.Context, serverID, userID int64, command string) error {
	return d.dispatcher.Dispatch(ctx, serverID, userID, command)
}

func (d *Daemon) CreateSchedule(ctx context.Context, s Schedule) (int64, error) {
	return d.scheduler.Create(ctx, s)
}

func (d *Daemon) UpdateSchedule(ctx context.Context, s Schedule) error {
	return d.scheduler.Update(ctx, s)
}

func (d *Daemon) DeleteSchedule(ctx context.Context, id int64) error {
	return d.scheduler.Delete(ctx, id)
}

func (d *Daemon) Schedules(ctx context.Context) ([]Schedule, error) { return d.repo.ListSchedules(ctx) }

func (d *Daemon) Entries() []Entry { return d.scheduler.Entries() }

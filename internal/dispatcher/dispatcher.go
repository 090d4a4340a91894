package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/craftvisor/internal/manager"
	"github.com/loykin/craftvisor/internal/metrics"
	"github.com/loykin/craftvisor/internal/store"
)

// Command literals understood by the dispatcher. Anything else is written to
// the server console as is.
const (
	CmdStart   = manager.StartToken
	CmdStop    = "stop_server"
	CmdRestart = "restart_server"
	CmdKill    = "kill_server"
	CmdBackup  = "backup_server"
	CmdUpdate  = "update_executable"
)

// Registry resolves a supervisor by server id.
type Registry interface {
	Get(id int64) (*manager.Supervisor, bool)
}

type Options struct {
	// Interval between queue polls. Defaults to one second.
	Interval time.Duration
	Logger   *slog.Logger
}

// Dispatcher drains the persisted command queue into supervisor actions.
type Dispatcher struct {
	repo     store.Repository
	servers  Registry
	interval time.Duration
	logger   *slog.Logger

	inflight sync.WaitGroup

	mu    sync.Mutex
	lanes map[int64]*lane
}

type job struct {
	sup     *manager.Supervisor
	userID  int64
	command string
}

// lane runs the actions of one server in queue order. It is drained by at
// most one goroutine, which exits when the lane empties.
type lane struct {
	pending []job
}

func New(repo store.Repository, servers Registry, opts Options) *Dispatcher {
	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Dispatcher{
		repo:     repo,
		servers:  servers,
		interval: opts.Interval,
		logger:   opts.Logger.With("component", "dispatcher"),
		lanes:    make(map[int64]*lane),
	}
}

// Run polls the queue until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	t := time.NewTicker(d.interval)
	defer t.Stop()
	d.logger.Info("dispatcher started", "interval", d.interval)
	for {
		select {
		case <-ctx.Done():
			d.logger.Info("dispatcher stopped")
			return
		case <-t.C:
			if err := d.Poll(ctx); err != nil && ctx.Err() == nil {
				d.logger.Error("poll command queue", "error", err)
			}
		}
	}
}

// Poll dispatches every unexecuted command once and marks each complete,
// whatever the outcome of the action itself.
func (d *Dispatcher) Poll(ctx context.Context) error {
	cmds, err := d.repo.GetUnexecutedCommands(ctx)
	if err != nil {
		return err
	}
	for _, c := range cmds {
		if err := d.Dispatch(ctx, c.ServerID, c.UserID, c.Command); err != nil {
			d.logger.Warn("discarding command", "command_id", c.ID, "server_id", c.ServerID, "error", err)
		}
		if err := d.repo.MarkCommandComplete(ctx, c.ID); err != nil {
			d.logger.Error("mark command complete", "command_id", c.ID, "error", err)
		}
	}
	return nil
}

// Dispatch resolves the server and queues the action on that server's lane.
// Actions for one server run in dispatch order; different servers run
// concurrently. Only an unknown server is reported; action failures are logged.
func (d *Dispatcher) Dispatch(_ context.Context, serverID, userID int64, command string) error {
	sup, ok := d.servers.Get(serverID)
	if !ok {
		return fmt.Errorf("%w: %d", manager.ErrUnknownServer, serverID)
	}
	metrics.IncCommand(kind(command))
	d.inflight.Add(1)

	d.mu.Lock()
	l, busy := d.lanes[serverID]
	if !busy {
		l = &lane{}
		d.lanes[serverID] = l
	}
	l.pending = append(l.pending, job{sup: sup, userID: userID, command: command})
	d.mu.Unlock()

	if !busy {
		go d.drain(serverID, l)
	}
	return nil
}

func (d *Dispatcher) drain(serverID int64, l *lane) {
	for {
		d.mu.Lock()
		if len(l.pending) == 0 {
			delete(d.lanes, serverID)
			d.mu.Unlock()
			return
		}
		j := l.pending[0]
		l.pending = l.pending[1:]
		d.mu.Unlock()

		if err := execute(j.sup, j.userID, j.command); err != nil {
			d.report(serverID, j.userID, j.command, err)
		}
		d.inflight.Done()
	}
}

// Wait blocks until every dispatched action has returned.
func (d *Dispatcher) Wait() { d.inflight.Wait() }

func execute(sup *manager.Supervisor, userID int64, command string) error {
	switch command {
	case CmdStart:
		return sup.Start(userID)
	case CmdStop:
		return sup.Stop(userID)
	case CmdRestart:
		return sup.Restart(userID)
	case CmdKill:
		return sup.Kill()
	case CmdBackup:
		return sup.Backup(userID)
	case CmdUpdate:
		return sup.UpdateExecutable(userID)
	default:
		return sup.SendCommand(command, userID)
	}
}

func (d *Dispatcher) report(serverID, userID int64, command string, err error) {
	log := d.logger.With("server_id", serverID, "user_id", userID, "command", kind(command))
	switch {
	case errors.Is(err, manager.ErrAlreadyRunning),
		errors.Is(err, manager.ErrBackupInProgress),
		errors.Is(err, manager.ErrUpdating),
		errors.Is(err, manager.ErrEULANotAccepted):
		log.Info("command rejected", "reason", err)
	default:
		log.Warn("command failed", "error", err)
	}
}

// kind keeps raw console input out of metric labels.
func kind(command string) string {
	switch command {
	case CmdStart, CmdStop, CmdRestart, CmdKill, CmdBackup, CmdUpdate:
		return command
	}
	return "console"
}

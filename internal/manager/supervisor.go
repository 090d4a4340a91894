package manager

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/craftvisor/internal/backup"
	"github.com/loykin/craftvisor/internal/console"
	"github.com/loykin/craftvisor/internal/env"
	"github.com/loykin/craftvisor/internal/history"
	"github.com/loykin/craftvisor/internal/metrics"
	"github.com/loykin/craftvisor/internal/notify"
	"github.com/loykin/craftvisor/internal/process"
	"github.com/loykin/craftvisor/internal/store"
)

// StartToken sent as console input starts a stopped server.
const StartToken = "start_server"

// DashboardPage receives reload notifications for every server.
const DashboardPage = "/panel/dashboard"

// Supervisor owns one server process. Every lifecycle action is queued on
// cmdChan and executed by a single goroutine, so actions for one server never
// overlap. Readers take a snapshot under mu.
//
// State Machine:
// Stopped -> Starting -> Running -> Stopping -> Stopped
// Running -> (crash, retries left) -> Starting
// Running -> (crash, retries exhausted) -> Crashed
// Stopped/Running -> Updating -> Stopped/Running
type Supervisor struct {
	id       int64
	repo     store.Repository
	notifier notify.Notifier
	opts     Options
	logger   *slog.Logger
	ring     *console.RingBuffer

	mu             sync.RWMutex
	cfg            store.Server
	state          State
	proc           *process.Process
	capture        *console.Capture
	restarts       int
	crashDetection bool
	highlights     map[string]string

	// owned by the loop goroutine
	watcher *time.Ticker

	updating atomic.Bool
	cmdChan  chan command
	doneChan chan struct{}
}

type commandAction int

const (
	actionStart commandAction = iota
	actionStop
	actionRestart
	actionKill
	actionSend
	actionSetUpdating
	actionShutdown
)

type command struct {
	action commandAction
	userID int64
	text   string
	flag   bool
	reply  chan error
}

func newSupervisor(cfg store.Server, repo store.Repository, n notify.Notifier, opts Options) *Supervisor {
	logger := opts.Logger.With("server_id", cfg.ID, "server", cfg.Name)
	s := &Supervisor{
		id:         cfg.ID,
		repo:       repo,
		notifier:   n,
		opts:       opts,
		logger:     logger,
		ring:       console.NewRingBuffer(opts.ConsoleMaxLines),
		cfg:        cfg,
		state:      StateStopped,
		highlights: opts.Highlights,
		cmdChan:    make(chan command, 16),
		doneChan:   make(chan struct{}),
	}
	metrics.SetCurrentState(s.metricName(), StateStopped.String(), true)
	go s.run()
	return s
}

func (s *Supervisor) ID() int64 { return s.id }

func (s *Supervisor) metricName() string { return strconv.FormatInt(s.id, 10) }

func (s *Supervisor) do(cmd command) error {
	cmd.reply = make(chan error, 1)
	select {
	case s.cmdChan <- cmd:
	case <-s.doneChan:
		return ErrShuttingDown
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-s.doneChan:
		return ErrShuttingDown
	}
}

// Start launches the server. userID identifies a human caller; SystemUser
// marks automatic starts, which never prompt for the EULA.
func (s *Supervisor) Start(userID int64) error {
	return s.do(command{action: actionStart, userID: userID})
}

// Stop stops the server gracefully, force-killing it after the grace window.
func (s *Supervisor) Stop(userID int64) error {
	return s.do(command{action: actionStop, userID: userID})
}

func (s *Supervisor) Restart(userID int64) error {
	return s.do(command{action: actionRestart, userID: userID})
}

// Kill terminates the whole process tree immediately.
func (s *Supervisor) Kill() error {
	return s.do(command{action: actionKill})
}

// SendCommand writes text to the server console.
func (s *Supervisor) SendCommand(text string, userID int64) error {
	return s.do(command{action: actionSend, text: text, userID: userID})
}

// Shutdown stops the server and ends the supervisor loop.
func (s *Supervisor) Shutdown() error {
	err := s.do(command{action: actionShutdown})
	if errors.Is(err, ErrShuttingDown) {
		return nil
	}
	return err
}

func (s *Supervisor) Console() []string { return s.ring.Lines() }

// SetHighlights replaces the console keyword set, also for the running capture.
func (s *Supervisor) SetHighlights(h map[string]string) {
	s.mu.Lock()
	s.highlights = h
	c := s.capture
	merged := mergeHighlights(h, s.cfg.Highlights)
	s.mu.Unlock()
	if c != nil {
		c.SetHighlights(merged)
	}
}

func mergeHighlights(global, server map[string]string) map[string]string {
	out := make(map[string]string, len(global)+len(server))
	for k, v := range global {
		out[k] = v
	}
	for k, v := range server {
		out[k] = v
	}
	return out
}

func (s *Supervisor) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Status{
		ServerID:       s.id,
		Name:           s.cfg.Name,
		State:          s.state.String(),
		RestartCount:   s.restarts,
		CrashDetection: s.crashDetection,
		BackingUp:      s.opts.Backups.InProgress(s.id),
		Updating:       s.updating.Load(),
	}
	if s.proc != nil {
		st.PID = s.proc.PID()
		st.StartedAt = s.proc.StartedAt()
		st.Alive = s.proc.Alive()
	}
	return st
}

func (s *Supervisor) run() {
	defer close(s.doneChan)
	defer s.disarm()

	for {
		var crashTick <-chan time.Time
		if s.watcher != nil {
			crashTick = s.watcher.C
		}
		// without the crash watcher an exit is observed directly
		var exited <-chan struct{}
		if s.watcher == nil {
			if p := s.currentProc(); p != nil && s.State() == StateRunning {
				exited = p.Done()
			}
		}

		select {
		case cmd := <-s.cmdChan:
			if cmd.action == actionShutdown {
				cmd.reply <- s.handleStop(SystemUser)
				return
			}
			cmd.reply <- s.handle(cmd)
		case <-crashTick:
			s.checkCrash()
		case <-exited:
			s.handleUnwatchedExit()
		}
	}
}

func (s *Supervisor) handle(cmd command) error {
	switch cmd.action {
	case actionStart:
		return s.handleStart(cmd.userID, true)
	case actionStop:
		return s.handleStop(cmd.userID)
	case actionRestart:
		return s.handleRestart(cmd.userID)
	case actionKill:
		return s.handleKill()
	case actionSend:
		return s.handleSend(cmd.text, cmd.userID)
	case actionSetUpdating:
		if cmd.flag {
			s.setState(StateUpdating)
		} else if s.State() == StateUpdating {
			s.setState(StateStopped)
		}
		return nil
	}
	return fmt.Errorf("unknown action %d", cmd.action)
}

func (s *Supervisor) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Supervisor) currentProc() *process.Process {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.proc
}

func (s *Supervisor) running() bool {
	p := s.currentProc()
	return p != nil && p.Alive()
}

func (s *Supervisor) setState(next State) {
	s.mu.Lock()
	prev := s.state
	s.state = next
	s.mu.Unlock()
	if prev == next {
		return
	}
	name := s.metricName()
	metrics.RecordStateTransition(name, prev.String(), next.String())
	metrics.SetCurrentState(name, prev.String(), false)
	metrics.SetCurrentState(name, next.String(), true)
}

func (s *Supervisor) arm() {
	if s.watcher == nil {
		s.watcher = time.NewTicker(s.opts.CrashCheckInterval)
	}
	s.mu.Lock()
	s.crashDetection = true
	s.mu.Unlock()
}

func (s *Supervisor) disarm() {
	if s.watcher != nil {
		s.watcher.Stop()
		s.watcher = nil
	}
	s.mu.Lock()
	s.crashDetection = false
	s.mu.Unlock()
}

// ctx bounds repository calls made from the loop.
func (s *Supervisor) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 10*time.Second)
}

func (s *Supervisor) loadConfig() (store.Server, error) {
	ctx, cancel := s.ctx()
	defer cancel()
	cfg, err := s.repo.GetServer(ctx, s.id)
	if err != nil {
		return store.Server{}, fmt.Errorf("load server %d: %w", s.id, err)
	}
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	return cfg, nil
}

func (s *Supervisor) config() store.Server {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// executablePath resolves cfg.Executable against the server directory.
func executablePath(cfg store.Server) string {
	if cfg.Executable == "" || filepath.IsAbs(cfg.Executable) {
		return cfg.Executable
	}
	return filepath.Join(cfg.Path, cfg.Executable)
}

// eulaAccepted reports whether <dir>/eula.txt contains eula=true.
func eulaAccepted(dir string) bool {
	f, err := os.Open(filepath.Join(dir, "eula.txt"))
	if err != nil {
		return false
	}
	defer func() { _ = f.Close() }()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.ToLower(strings.ReplaceAll(sc.Text(), " ", ""))
		if line == "eula=true" {
			return true
		}
	}
	return false
}

func (s *Supervisor) checkPreconditions(cfg store.Server, userID int64) error {
	if fi, err := os.Stat(cfg.Path); err != nil || !fi.IsDir() {
		return fmt.Errorf("%w: %s", ErrServerPathMissing, cfg.Path)
	}
	exe := executablePath(cfg)
	fi, err := os.Stat(exe)
	if err != nil || fi.IsDir() {
		return fmt.Errorf("%w: %s", ErrExecutableMissing, exe)
	}
	if fi.Mode().Perm()&0o200 == 0 {
		s.logger.Warn("server executable is not writable", "path", exe)
	}
	if !eulaAccepted(cfg.Path) {
		if userID != SystemUser {
			s.notifier.BroadcastToUser(userID, notify.EventEULAPrompt, map[string]any{"server_id": s.id})
		}
		return ErrEULANotAccepted
	}
	return nil
}

func (s *Supervisor) handleStart(userID int64, manual bool) error {
	if s.updating.Load() {
		return ErrUpdating
	}
	if s.running() {
		return ErrAlreadyRunning
	}
	cfg, err := s.loadConfig()
	if err != nil {
		return err
	}
	if err := s.checkPreconditions(cfg, userID); err != nil {
		if userID == SystemUser {
			s.logger.Warn("start aborted", "error", err)
		} else {
			s.logger.Info("start rejected", "user_id", userID, "error", err)
		}
		return err
	}

	s.setState(StateStarting)
	proc, err := process.Start(process.Spec{
		Name:    cfg.Name,
		Command: cfg.ExecutionCommand,
		WorkDir: cfg.Path,
		Env:     env.New(s.opts.Env).Merge(env.ServerVars(s.id, cfg.Name, cfg.Path)),
	})
	if err != nil {
		s.setState(StateStopped)
		err = fmt.Errorf("%w: %v", ErrSpawn, err)
		s.logger.Error("start failed", "error", err)
		if userID != SystemUser {
			s.notifier.BroadcastToUser(userID, notify.EventNotification, map[string]any{
				"server_id": s.id, "message": err.Error(),
			})
		}
		return err
	}

	s.mu.Lock()
	capture := console.NewCapture(s.id, s.ring, s.notifier, console.Options{
		Encoding:   cfg.Encoding,
		Separator:  s.opts.ConsoleSeparator,
		Highlights: mergeHighlights(s.highlights, cfg.Highlights),
	}, s.logger)
	s.proc = proc
	s.capture = capture
	if manual {
		s.restarts = 0
	}
	s.mu.Unlock()

	go func() {
		out := proc.Output()
		capture.Run(out)
		_ = out.Close()
	}()

	if cfg.CrashDetection {
		s.arm()
	} else {
		s.disarm()
	}
	s.setState(StateRunning)

	ctx, cancel := s.ctx()
	defer cancel()
	for _, f := range []store.Flag{store.FlagCrashed, store.FlagWaitingStart} {
		if err := s.repo.SetServerFlag(ctx, s.id, f, false); err != nil {
			s.logger.Warn("clear server flag", "flag", f, "error", err)
		}
	}
	if first, err := s.repo.GetFirstRun(ctx, s.id); err == nil && first {
		if err := s.repo.SetFirstRun(ctx, s.id); err != nil {
			s.logger.Warn("mark first run", "error", err)
		}
	}

	s.logger.Info("server started", "pid", proc.PID(), "user_id", userID)
	metrics.IncStart(s.metricName())
	s.record(history.Event{Type: history.EventStart, PID: proc.PID()})
	s.reload()
	return nil
}

func (s *Supervisor) handleStop(userID int64) error {
	s.disarm()
	proc := s.currentProc()
	if proc == nil || !proc.Alive() {
		if proc == nil {
			s.logger.Warn("stop requested but server is not running", "user_id", userID)
		}
		s.finishStop(proc, false)
		return nil
	}

	s.setState(StateStopping)
	cfg := s.config()
	var err error
	if cfg.StopCommand != "" {
		err = proc.WriteLine(cfg.StopCommand)
	} else {
		err = proc.Terminate()
	}
	if err != nil {
		s.logger.Warn("graceful stop request failed", "error", err)
	}

	polls := int(s.opts.StopGrace / s.opts.StopPollInterval)
	if polls < 1 {
		polls = 1
	}
	for i := 0; i < polls && proc.Alive(); i++ {
		if proc.WaitExit(s.opts.StopPollInterval) {
			break
		}
		s.logger.Info("waiting for server to stop", "attempt", i+1, "of", polls)
	}

	forced := false
	if proc.Alive() {
		forced = true
		s.logger.Warn("server did not stop in time, killing process tree", "grace", s.opts.StopGrace)
		if err := proc.Kill(); err != nil {
			s.logger.Error("kill process tree", "error", err)
		}
		proc.WaitExit(5 * time.Second)
	}
	s.finishStop(proc, forced)
	return nil
}

// finishStop resets the runtime after an intentional stop or kill.
func (s *Supervisor) finishStop(proc *process.Process, forced bool) {
	s.mu.Lock()
	s.proc = nil
	s.restarts = 0
	prev := s.state
	s.mu.Unlock()
	if prev == StateCrashed && proc == nil {
		return
	}
	s.setState(StateStopped)
	if proc == nil {
		return
	}
	metrics.IncStop(s.metricName(), forced)
	evt := history.Event{Type: history.EventStop, PID: proc.PID()}
	if err := proc.ExitErr(); err != nil {
		evt.Error = err.Error()
	}
	if forced {
		evt.Detail = "forced"
	}
	s.record(evt)
	s.logger.Info("server stopped", "forced", forced)
	s.reload()
}

func (s *Supervisor) handleRestart(userID int64) error {
	if !s.running() {
		return s.handleStart(userID, true)
	}
	if err := s.handleStop(userID); err != nil {
		return err
	}
	time.Sleep(s.opts.RestartPause)
	return s.handleStart(userID, true)
}

func (s *Supervisor) handleKill() error {
	s.disarm()
	proc := s.currentProc()
	if proc != nil && proc.Alive() {
		if err := proc.Kill(); err != nil {
			s.logger.Error("kill process tree", "error", err)
		}
		proc.WaitExit(5 * time.Second)
	}
	s.finishStop(proc, true)
	return nil
}

func (s *Supervisor) handleSend(text string, userID int64) error {
	if text == StartToken {
		return s.handleStart(userID, true)
	}
	proc := s.currentProc()
	if proc == nil || !proc.Alive() {
		s.logger.Warn("command ignored, server is not running", "command", text)
		return nil
	}
	if err := proc.WriteLine(text); err != nil {
		s.logger.Warn("write console command", "error", err)
		return err
	}
	return nil
}

// handleUnwatchedExit handles a process exit while crash detection is off.
func (s *Supervisor) handleUnwatchedExit() {
	proc := s.currentProc()
	if proc == nil {
		return
	}
	code, _ := proc.ExitCode()
	s.logger.Info("server exited", "exit_code", code)
	s.mu.Lock()
	s.proc = nil
	s.mu.Unlock()
	s.setState(StateStopped)
	evt := history.Event{Type: history.EventStop, PID: proc.PID(), Detail: "exit code " + strconv.Itoa(code)}
	if err := proc.ExitErr(); err != nil {
		evt.Error = err.Error()
	}
	metrics.IncStop(s.metricName(), false)
	s.record(evt)
	s.reload()
}

// checkCrash runs on every crash-watcher tick.
func (s *Supervisor) checkCrash() {
	proc := s.currentProc()
	if proc != nil && proc.Alive() {
		return
	}

	pid, code := 0, -1
	var exitErr string
	if proc != nil {
		pid = proc.PID()
		code, _ = proc.ExitCode()
		if err := proc.ExitErr(); err != nil {
			exitErr = err.Error()
		}
	}
	s.mu.Lock()
	s.proc = nil
	if proc != nil && code == 0 {
		s.restarts = 0
	}
	s.mu.Unlock()

	if proc != nil && code == 0 {
		s.logger.Info("server exited cleanly, not restarting")
		s.disarm()
		s.setState(StateStopped)
		metrics.IncStop(s.metricName(), false)
		s.record(history.Event{Type: history.EventStop, PID: pid, Detail: "exit code 0"})
		s.reload()
		return
	}

	metrics.IncCrash(s.metricName())
	s.record(history.Event{Type: history.EventCrash, PID: pid, Detail: "exit code " + strconv.Itoa(code), Error: exitErr})

	s.mu.Lock()
	attempt := s.restarts
	if attempt < s.opts.MaxAutoRestarts {
		s.restarts++
	}
	s.mu.Unlock()

	if attempt >= s.opts.MaxAutoRestarts {
		s.logger.Error("server crashed, restart limit reached", "restarts", attempt)
		s.disarm()
		s.setState(StateCrashed)
		ctx, cancel := s.ctx()
		defer cancel()
		if err := s.repo.SetServerFlag(ctx, s.id, store.FlagCrashed, true); err != nil {
			s.logger.Warn("persist crashed flag", "error", err)
		}
		payload := map[string]any{"server_id": s.id, "name": s.config().Name}
		s.notifier.BroadcastToPage(DashboardPage, notify.EventCrashed, payload)
		s.notifier.BroadcastToPage(notify.ConsolePage(s.id), notify.EventCrashed, payload)
		return
	}

	s.logger.Warn("server crashed, restarting", "attempt", attempt+1, "max", s.opts.MaxAutoRestarts, "exit_code", code)
	metrics.IncAutoRestart(s.metricName())
	s.record(history.Event{Type: history.EventRestart, PID: pid, Detail: fmt.Sprintf("auto restart %d/%d", attempt+1, s.opts.MaxAutoRestarts)})
	s.setState(StateStarting)
	if err := s.handleStart(SystemUser, false); err != nil {
		// still armed: the next tick counts this as another crash
		s.logger.Error("auto restart failed", "error", err)
		s.setState(StateStopped)
	}
}

func (s *Supervisor) record(evt history.Event) {
	evt.ServerID = s.id
	if evt.OccurredAt.IsZero() {
		evt.OccurredAt = time.Now().UTC()
	}
	if err := s.opts.History.Send(context.Background(), evt); err != nil {
		s.logger.Warn("history sink", "event", evt.Type, "error", err)
	}
}

func (s *Supervisor) reload() {
	payload := map[string]any{"server_id": s.id, "state": s.State().String()}
	s.notifier.BroadcastToPage(DashboardPage, notify.EventReload, payload)
	s.notifier.BroadcastToPage(notify.ConsolePage(s.id), notify.EventReload, payload)
}

// Backup starts a backup in the background. A second request while one is
// running returns ErrBackupInProgress.
func (s *Supervisor) Backup(userID int64) error {
	release, err := s.opts.Backups.Begin(s.id)
	if err != nil {
		return ErrBackupInProgress
	}
	go func() {
		defer release()
		_ = s.backup(userID)
	}()
	return nil
}

// RunBackup performs a backup synchronously.
func (s *Supervisor) RunBackup(userID int64) error {
	release, err := s.opts.Backups.Begin(s.id)
	if err != nil {
		return ErrBackupInProgress
	}
	defer release()
	return s.backup(userID)
}

// backup runs with the server's backup claim held.
func (s *Supervisor) backup(userID int64) error {
	cfg := s.config()
	dest := cfg.BackupPath
	if dest == "" {
		dest = filepath.Join(s.opts.BackupRoot, strconv.FormatInt(s.id, 10))
	}
	res, err := s.opts.Backups.RunClaimed(backup.Job{
		ServerID:   s.id,
		Source:     cfg.Path,
		Dest:       dest,
		Excludes:   cfg.BackupExcludes,
		MaxBackups: cfg.MaxBackups,
	})
	metrics.ObserveBackup(s.metricName(), res.Duration.Seconds(), err)
	evt := history.Event{Type: history.EventBackup, Detail: res.Archive}
	payload := map[string]any{"server_id": s.id, "archive": filepath.Base(res.Archive), "success": err == nil}
	if err != nil {
		evt.Error = err.Error()
		payload["error"] = err.Error()
	}
	s.record(evt)
	s.notifier.BroadcastToPage(notify.ConsolePage(s.id), notify.EventBackupStatus, payload)
	if userID != SystemUser {
		s.notifier.BroadcastToUser(userID, notify.EventBackupStatus, payload)
	}
	return err
}

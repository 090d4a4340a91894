package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/loykin/craftvisor/internal/history"
	"github.com/loykin/craftvisor/internal/metrics"
	"github.com/loykin/craftvisor/internal/store"
)

// ErrRegistration marks a task the engine could not accept. The row is
// deleted when this happens during Load or Create.
var ErrRegistration = errors.New("schedule registration failed")

// Dispatcher runs a command against a server.
type Dispatcher interface {
	Dispatch(ctx context.Context, serverID, userID int64, command string) error
}

type Options struct {
	Location *time.Location
	Logger   *slog.Logger
	History  history.Sink
}

// Entry is a live engine job.
type Entry struct {
	ScheduleID int64     `json:"schedule_id"`
	Next       time.Time `json:"next"`
	// Chained is set for a one-shot child run queued by its parent.
	Chained bool `json:"chained"`
}

type liveEntry struct {
	scheduleID int64
	chained    bool
}

// Scheduler mirrors persisted tasks into a cron engine and fires them
// through a Dispatcher.
type Scheduler struct {
	repo       store.Repository
	dispatcher Dispatcher
	history    history.Sink
	logger     *slog.Logger
	engine     *cron.Cron

	mu      sync.Mutex
	byTask  map[int64]cron.EntryID
	entries map[cron.EntryID]liveEntry
}

func New(repo store.Repository, d Dispatcher, opts Options) *Scheduler {
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.History == nil {
		opts.History = history.Multi{}
	}
	logger := opts.Logger.With("component", "scheduler")
	recoverLog := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelError))
	return &Scheduler{
		repo:       repo,
		dispatcher: d,
		history:    opts.History,
		logger:     logger,
		engine: cron.New(
			cron.WithParser(Parser),
			cron.WithLocation(opts.Location),
			cron.WithChain(cron.Recover(recoverLog)),
		),
		byTask:  make(map[int64]cron.EntryID),
		entries: make(map[cron.EntryID]liveEntry),
	}
}

// Start runs the engine in the background.
func (s *Scheduler) Start() { s.engine.Start() }

// Stop halts the engine and waits for running jobs or ctx.
func (s *Scheduler) Stop(ctx context.Context) {
	select {
	case <-s.engine.Stop().Done():
	case <-ctx.Done():
	}
}

// Load registers every enabled time-based task. Malformed rows are deleted.
func (s *Scheduler) Load(ctx context.Context) error {
	tasks, err := s.repo.GetEnabledSchedules(ctx)
	if err != nil {
		return fmt.Errorf("load schedules: %w", err)
	}
	n := 0
	for _, t := range tasks {
		if t.IntervalType == store.IntervalReaction {
			continue
		}
		if err := s.register(t); err != nil {
			s.discard(ctx, t, err)
			continue
		}
		n++
	}
	s.logger.Info("schedules loaded", "registered", n, "enabled", len(tasks))
	return nil
}

// Create persists t and registers it. A task the engine rejects is deleted
// again and ErrRegistration is returned.
func (s *Scheduler) Create(ctx context.Context, t store.Schedule) (int64, error) {
	t.ParentID = normalizeParent(t.ID, t.ParentID)
	id, err := s.repo.CreateSchedule(ctx, t)
	if err != nil {
		return 0, err
	}
	t.ID = id
	if !live(t) {
		return id, nil
	}
	if err := s.register(t); err != nil {
		s.discard(ctx, t, err)
		return 0, fmt.Errorf("%w: %v", ErrRegistration, err)
	}
	return id, nil
}

// Update persists t and replaces its live job.
func (s *Scheduler) Update(ctx context.Context, t store.Schedule) error {
	t.ParentID = normalizeParent(t.ID, t.ParentID)
	if err := s.repo.UpdateSchedule(ctx, t); err != nil {
		return err
	}
	s.unregister(t.ID)
	if !live(t) {
		return nil
	}
	if err := s.register(t); err != nil {
		return fmt.Errorf("%w: %v", ErrRegistration, err)
	}
	return nil
}

// Delete removes the live job and the row. Children lose their parent.
func (s *Scheduler) Delete(ctx context.Context, id int64) error {
	s.unregister(id)
	return s.repo.DeleteSchedule(ctx, id)
}

// Entries lists live jobs ordered by next run.
func (s *Scheduler) Entries() []Entry {
	s.mu.Lock()
	out := make([]Entry, 0, len(s.entries))
	for eid, le := range s.entries {
		out = append(out, Entry{ScheduleID: le.scheduleID, Next: s.engine.Entry(eid).Next, Chained: le.chained})
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Next.Equal(out[j].Next) {
			return out[i].ScheduleID < out[j].ScheduleID
		}
		return out[i].Next.Before(out[j].Next)
	})
	return out
}

func live(t store.Schedule) bool {
	return t.Enabled && t.IntervalType != store.IntervalReaction
}

func normalizeParent(id int64, parent *int64) *int64 {
	if parent == nil || (id != 0 && *parent == id) {
		return nil
	}
	return parent
}

func (s *Scheduler) register(t store.Schedule) error {
	trig, err := TriggerOf(t)
	if err != nil {
		return err
	}
	sched, err := engineSchedule(trig, time.Now())
	if err != nil {
		return err
	}
	id := t.ID
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.byTask[id]; ok {
		s.engine.Remove(old)
		delete(s.entries, old)
	}
	eid := s.engine.Schedule(sched, cron.FuncJob(func() { s.fire(id) }))
	s.byTask[id] = eid
	s.entries[eid] = liveEntry{scheduleID: id}
	metrics.SetScheduleActive(len(s.entries))
	s.logger.Debug("schedule registered", "schedule_id", id, "trigger", trig.Kind())
	return nil
}

func (s *Scheduler) unregister(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if eid, ok := s.byTask[id]; ok {
		s.engine.Remove(eid)
		delete(s.entries, eid)
		delete(s.byTask, id)
		metrics.SetScheduleActive(len(s.entries))
	}
}

func (s *Scheduler) discard(ctx context.Context, t store.Schedule, cause error) {
	s.logger.Error("deleting schedule the engine rejected", "schedule_id", t.ID, "name", t.Name,
		"interval_type", t.IntervalType, "cron", t.CronExpression, "error", cause)
	if err := s.repo.DeleteSchedule(ctx, t.ID); err != nil {
		s.logger.Error("delete rejected schedule", "schedule_id", t.ID, "error", err)
	}
}

// chain queues a single run of the child task after its delay.
func (s *Scheduler) chain(child store.Schedule) {
	delay := time.Duration(child.DelaySeconds) * time.Second
	id := child.ID
	s.mu.Lock()
	defer s.mu.Unlock()
	var eid cron.EntryID
	eid = s.engine.Schedule(&onceAt{at: time.Now().Add(delay)}, cron.FuncJob(func() {
		s.mu.Lock()
		s.engine.Remove(eid)
		delete(s.entries, eid)
		metrics.SetScheduleActive(len(s.entries))
		s.mu.Unlock()
		s.fire(id)
	}))
	s.entries[eid] = liveEntry{scheduleID: id, chained: true}
	metrics.SetScheduleActive(len(s.entries))
	s.logger.Debug("child schedule queued", "schedule_id", id, "delay", delay)
}

// fire runs one firing of task id: dispatch, audit, one-time removal and
// chaining of enabled children.
func (s *Scheduler) fire(id int64) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	log := s.logger.With("schedule_id", id)

	t, err := s.repo.GetSchedule(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.unregister(id)
		}
		log.Warn("schedule fired but could not be loaded", "error", err)
		return
	}
	if !t.Enabled {
		log.Debug("disabled schedule skipped")
		return
	}

	command := t.DispatchCommand()
	err = s.dispatcher.Dispatch(ctx, t.ServerID, t.UserID, command)
	metrics.IncScheduleFire(t.IntervalType)
	evt := history.Event{
		Type:       history.EventSchedule,
		OccurredAt: time.Now().UTC(),
		ServerID:   t.ServerID,
		ScheduleID: t.ID,
		Detail:     command,
	}
	if err != nil {
		evt.Error = err.Error()
	}
	if herr := s.history.Send(ctx, evt); herr != nil {
		log.Warn("history sink", "error", herr)
	}
	if err != nil {
		log.Warn("scheduled command not dispatched", "server_id", t.ServerID, "error", err)
		return
	}
	log.Info("schedule fired", "server_id", t.ServerID, "name", t.Name, "command", command)

	// children are read before a one-time parent is deleted, which would clear their link
	children, err := s.repo.GetChildSchedules(ctx, t.ID)
	if err != nil {
		log.Error("load child schedules", "error", err)
	}
	if t.OneTime {
		s.unregister(t.ID)
		if err := s.repo.DeleteSchedule(ctx, t.ID); err != nil {
			log.Error("delete one-time schedule", "error", err)
		}
	}
	for _, c := range children {
		if c.Enabled && c.ID != t.ID {
			s.chain(c)
		}
	}
}

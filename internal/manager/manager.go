package manager

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/loykin/craftvisor/internal/notify"
	"github.com/loykin/craftvisor/internal/store"
)

// Manager is the registry of supervisors keyed by server id.
type Manager struct {
	mu       sync.RWMutex
	repo     store.Repository
	notifier notify.Notifier
	opts     Options
	entries  map[int64]*Supervisor
	timers   map[int64]*time.Timer
}

func NewManager(repo store.Repository, n notify.Notifier, opts Options) *Manager {
	if n == nil {
		n = notify.Nop{}
	}
	return &Manager{
		repo:     repo,
		notifier: n,
		opts:     opts.withDefaults(),
		entries:  make(map[int64]*Supervisor),
		timers:   make(map[int64]*time.Timer),
	}
}

// Load creates a supervisor for every persisted server not yet registered.
func (m *Manager) Load(ctx context.Context) error {
	servers, err := m.repo.ListServers(ctx)
	if err != nil {
		return fmt.Errorf("list servers: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cfg := range servers {
		if _, ok := m.entries[cfg.ID]; ok {
			continue
		}
		m.entries[cfg.ID] = newSupervisor(cfg, m.repo, m.notifier, m.opts)
	}
	m.opts.Logger.Info("servers loaded", "count", len(m.entries))
	return nil
}

// AutoStart starts every auto_start server after its configured delay.
// Starts run as SystemUser, so a missing EULA aborts silently.
func (m *Manager) AutoStart(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, s := range m.entries {
		cfg := s.config()
		if !cfg.AutoStart {
			continue
		}
		sup := s
		delay := cfg.AutoStartDelay
		m.opts.Logger.Info("scheduling auto start", "server_id", id, "delay", delay)
		m.timers[id] = time.AfterFunc(delay, func() {
			if ctx.Err() != nil {
				return
			}
			if err := sup.Start(SystemUser); err != nil && !errors.Is(err, ErrAlreadyRunning) {
				m.opts.Logger.Warn("auto start failed", "server_id", sup.ID(), "error", err)
			}
		})
	}
}

func (m *Manager) Get(id int64) (*Supervisor, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.entries[id]
	return s, ok
}

// Add registers a supervisor for a newly created server.
func (m *Manager) Add(ctx context.Context, id int64) (*Supervisor, error) {
	cfg, err := m.repo.GetServer(ctx, id)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.entries[id]; ok {
		return s, nil
	}
	s := newSupervisor(cfg, m.repo, m.notifier, m.opts)
	m.entries[id] = s
	return s, nil
}

// Remove stops the server and drops its supervisor.
func (m *Manager) Remove(id int64) error {
	m.mu.Lock()
	s, ok := m.entries[id]
	delete(m.entries, id)
	if t, ok := m.timers[id]; ok {
		t.Stop()
		delete(m.timers, id)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownServer, id)
	}
	return s.Shutdown()
}

// Create persists a new server and registers its supervisor.
func (m *Manager) Create(ctx context.Context, srv store.Server) (*Supervisor, error) {
	id, err := m.repo.UpsertServer(ctx, srv)
	if err != nil {
		return nil, err
	}
	return m.Add(ctx, id)
}

// Delete stops and drops the server, then removes its row together with its
// queued commands and schedules.
func (m *Manager) Delete(ctx context.Context, id int64) error {
	err := m.Remove(id)
	if errors.Is(err, ErrUnknownServer) {
		return err
	}
	return errors.Join(err, m.repo.DeleteServer(ctx, id))
}

// SetHighlights pushes a new global console keyword set to every supervisor.
func (m *Manager) SetHighlights(h map[string]string) {
	m.mu.Lock()
	m.opts.Highlights = h
	list := make([]*Supervisor, 0, len(m.entries))
	for _, s := range m.entries {
		list = append(list, s)
	}
	m.mu.Unlock()
	for _, s := range list {
		s.SetHighlights(h)
	}
}

// Statuses returns one status per server ordered by id.
func (m *Manager) Statuses() []Status {
	m.mu.RLock()
	out := make([]Status, 0, len(m.entries))
	for _, s := range m.entries {
		out = append(out, s.Status())
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ServerID < out[j].ServerID })
	return out
}

// Shutdown stops every server concurrently and waits until they are down or ctx ends.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	for id, t := range m.timers {
		t.Stop()
		delete(m.timers, id)
	}
	list := make([]*Supervisor, 0, len(m.entries))
	for id, s := range m.entries {
		list = append(list, s)
		delete(m.entries, id)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	errs := make(chan error, len(list))
	for _, s := range list {
		wg.Add(1)
		go func(s *Supervisor) {
			defer wg.Done()
			if err := s.Shutdown(); err != nil {
				errs <- fmt.Errorf("server %d: %w", s.ID(), err)
			}
		}(s)
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	close(errs)
	var all []error
	for err := range errs {
		all = append(all, err)
	}
	return errors.Join(all...)
}

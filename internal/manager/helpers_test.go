//go:build !windows

package manager

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/loykin/craftvisor/internal/history"
	"github.com/loykin/craftvisor/internal/store"
	"github.com/loykin/craftvisor/internal/store/sqlite"
)

// consoleServer echoes console input and exits cleanly on "stop".
const consoleServer = `#!/bin/sh
echo "Done (0.1s)! For help, type help"
while read line; do
  echo "cmd:$line"
  if [ "$line" = "stop" ]; then
    echo "Stopping the server"
    exit 0
  fi
done
`

// stubbornServer ignores SIGTERM and console input.
const stubbornServer = `#!/bin/sh
trap '' TERM
while true; do sleep 0.1; done
`

const crashingServer = `#!/bin/sh
echo "Exception in server tick loop"
exit 1
`

const cleanExitServer = `#!/bin/sh
echo "bye"
exit 0
`

type sent struct {
	userID int64
	page   string
	event  string
}

type recorder struct {
	mu     sync.Mutex
	events []sent
}

func (r *recorder) BroadcastToUser(userID int64, event string, _ any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, sent{userID: userID, event: event})
}

func (r *recorder) BroadcastToPage(page string, event string, _ any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, sent{page: page, event: event})
}

func (r *recorder) count(event string, userID int64) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.event == event && e.userID == userID && e.page == "" {
			n++
		}
	}
	return n
}

func (r *recorder) pageCount(event string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.event == event && e.page != "" {
			n++
		}
	}
	return n
}

type testEnv struct {
	dir      string
	repo     store.Repository
	hist     *history.Memory
	notifier *recorder
	mgr      *Manager
	sup      *Supervisor
	id       int64
}

func fastOptions() Options {
	return Options{
		StopGrace:          2 * time.Second,
		StopPollInterval:   50 * time.Millisecond,
		CrashCheckInterval: 50 * time.Millisecond,
		RestartPause:       10 * time.Millisecond,
		BackupWait:         5 * time.Second,
	}
}

func writeScript(t *testing.T, dir, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "server.sh"), []byte(body), 0o755))
}

func acceptEULA(t *testing.T, dir string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "eula.txt"), []byte("#By changing the setting below to TRUE\neula=true\n"), 0o644))
}

func newEnv(t *testing.T, script string, mutate func(*store.Server, *Options)) *testEnv {
	t.Helper()
	dir := t.TempDir()
	writeScript(t, dir, script)
	acceptEULA(t, dir)

	repo, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	cfg := store.Server{
		Name:             "Survival",
		Path:             dir,
		Executable:       "server.sh",
		ExecutionCommand: "sh server.sh",
		StopCommand:      "stop",
		BackupPath:       filepath.Join(t.TempDir(), "backups"),
	}
	opts := fastOptions()
	if mutate != nil {
		mutate(&cfg, &opts)
	}
	id, err := repo.UpsertServer(context.Background(), cfg)
	require.NoError(t, err)

	hist := history.NewMemory()
	opts.History = hist
	rec := &recorder{}
	mgr := NewManager(repo, rec, opts)
	require.NoError(t, mgr.Load(context.Background()))
	sup, ok := mgr.Get(id)
	require.True(t, ok)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = mgr.Shutdown(ctx)
	})
	return &testEnv{dir: dir, repo: repo, hist: hist, notifier: rec, mgr: mgr, sup: sup, id: id}
}

func (e *testEnv) server(t *testing.T) store.Server {
	t.Helper()
	s, err := e.repo.GetServer(context.Background(), e.id)
	require.NoError(t, err)
	return s
}

func waitState(t *testing.T, s *Supervisor, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return s.State() == want }, 10*time.Second, 10*time.Millisecond,
		"state %s, want %s", s.State(), want)
}

//go:build !windows

package dispatcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/craftvisor/internal/history"
	"github.com/loykin/craftvisor/internal/manager"
	"github.com/loykin/craftvisor/internal/store"
	"github.com/loykin/craftvisor/internal/store/sqlite"
)

const echoServer = `#!/bin/sh
while read line; do
  echo "cmd:$line"
  if [ "$line" = "stop" ]; then exit 0; fi
done
`

type fixture struct {
	repo store.Repository
	mgr  *manager.Manager
	hist *history.Memory
	d    *Dispatcher
	id   int64
}

func newFixture(t *testing.T, interval time.Duration) *fixture {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "server.sh"), []byte(echoServer), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "eula.txt"), []byte("eula=true\n"), 0o644))

	repo, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	ctx := context.Background()
	id, err := repo.UpsertServer(ctx, store.Server{
		Name:             "Survival",
		Path:             dir,
		Executable:       "server.sh",
		ExecutionCommand: "sh server.sh",
		StopCommand:      "stop",
		BackupPath:       filepath.Join(t.TempDir(), "backups"),
	})
	require.NoError(t, err)

	hist := history.NewMemory()
	mgr := manager.NewManager(repo, nil, manager.Options{
		StopGrace:        2 * time.Second,
		StopPollInterval: 50 * time.Millisecond,
		RestartPause:     10 * time.Millisecond,
		History:          hist,
	})
	require.NoError(t, mgr.Load(ctx))
	t.Cleanup(func() {
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = mgr.Shutdown(sctx)
	})
	return &fixture{repo: repo, mgr: mgr, hist: hist, d: New(repo, mgr, Options{Interval: interval}), id: id}
}

func (f *fixture) enqueue(t *testing.T, serverID int64, command string) int64 {
	t.Helper()
	id, err := f.repo.EnqueueCommand(context.Background(), store.Command{ServerID: serverID, UserID: 1, Command: command})
	require.NoError(t, err)
	return id
}

func (f *fixture) poll(t *testing.T) {
	t.Helper()
	require.NoError(t, f.d.Poll(context.Background()))
	f.d.Wait()
}

func (f *fixture) pending(t *testing.T) []store.Command {
	t.Helper()
	cmds, err := f.repo.GetUnexecutedCommands(context.Background())
	require.NoError(t, err)
	return cmds
}

func (f *fixture) sup(t *testing.T) *manager.Supervisor {
	t.Helper()
	s, ok := f.mgr.Get(f.id)
	require.True(t, ok)
	return s
}

func TestStopOnStoppedServerIsCompleted(t *testing.T) {
	f := newFixture(t, time.Second)
	f.enqueue(t, f.id, CmdStop)

	f.poll(t)

	assert.Empty(t, f.pending(t))
	assert.Equal(t, manager.StateStopped, f.sup(t).State())
	assert.Empty(t, f.hist.OfType(history.EventStop))
}

func TestDispatchLifecycleAndRawCommand(t *testing.T) {
	f := newFixture(t, time.Second)
	sup := f.sup(t)

	f.enqueue(t, f.id, CmdStart)
	f.poll(t)
	assert.Equal(t, manager.StateRunning, sup.State())

	f.enqueue(t, f.id, "say hello")
	f.poll(t)
	require.Eventually(t, func() bool {
		for _, l := range sup.Console() {
			if strings.Contains(l, "cmd:say hello") {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)

	// duplicate start is rejected by the supervisor, the row still completes
	f.enqueue(t, f.id, CmdStart)
	f.poll(t)
	assert.Len(t, f.hist.OfType(history.EventStart), 1)

	f.enqueue(t, f.id, CmdRestart)
	f.poll(t)
	assert.Len(t, f.hist.OfType(history.EventStart), 2)

	f.enqueue(t, f.id, CmdKill)
	f.poll(t)
	assert.Equal(t, manager.StateStopped, sup.State())
	stops := f.hist.OfType(history.EventStop)
	require.Len(t, stops, 2)
	assert.Equal(t, "forced", stops[1].Detail)
	assert.Empty(t, f.pending(t))
}

func TestConsoleCommandsKeepQueueOrder(t *testing.T) {
	f := newFixture(t, time.Second)
	sup := f.sup(t)
	f.enqueue(t, f.id, CmdStart)
	f.poll(t)
	require.Equal(t, manager.StateRunning, sup.State())

	var want []string
	for i := 0; i < 40; i++ {
		cmd := fmt.Sprintf("say %02d", i)
		f.enqueue(t, f.id, cmd)
		want = append(want, "cmd:"+cmd)
	}
	f.poll(t)
	assert.Empty(t, f.pending(t))

	var got []string
	require.Eventually(t, func() bool {
		got = got[:0]
		for _, l := range sup.Console() {
			if strings.Contains(l, "cmd:say ") {
				got = append(got, l[strings.Index(l, "cmd:say "):])
			}
		}
		return len(got) == len(want)
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, want, got)
}

func TestDispatchBackup(t *testing.T) {
	f := newFixture(t, time.Second)
	f.enqueue(t, f.id, CmdBackup)
	f.poll(t)
	require.Eventually(t, func() bool { return len(f.hist.OfType(history.EventBackup)) == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Empty(t, f.hist.OfType(history.EventBackup)[0].Error)
}

func TestDispatchUpdateWithoutURL(t *testing.T) {
	f := newFixture(t, time.Second)
	f.enqueue(t, f.id, CmdUpdate)
	f.poll(t)
	assert.Empty(t, f.pending(t))
	assert.Empty(t, f.hist.OfType(history.EventUpdate))
}

func TestUnknownServerIsDiscarded(t *testing.T) {
	f := newFixture(t, time.Second)
	f.enqueue(t, 4242, CmdStart)
	f.poll(t)
	assert.Empty(t, f.pending(t))

	err := f.d.Dispatch(context.Background(), 4242, 1, CmdStart)
	assert.ErrorIs(t, err, manager.ErrUnknownServer)
}

func TestRunPollsUntilCancelled(t *testing.T) {
	f := newFixture(t, 20*time.Millisecond)
	sup := f.sup(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.d.Run(ctx)
		close(done)
	}()

	f.enqueue(t, f.id, CmdStart)
	require.Eventually(t, func() bool { return sup.State() == manager.StateRunning }, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return len(f.pending(t)) == 0 }, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not stop")
	}
	f.d.Wait()
}

func TestKind(t *testing.T) {
	assert.Equal(t, CmdBackup, kind(CmdBackup))
	assert.Equal(t, "start_server", kind(CmdStart))
	assert.Equal(t, "console", kind("op Steve"))
}

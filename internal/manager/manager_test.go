//go:build !windows

package manager

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/craftvisor/internal/store"
)

func TestManagerRegistry(t *testing.T) {
	e := newEnv(t, consoleServer, nil)
	ctx := context.Background()

	// Load is idempotent
	require.NoError(t, e.mgr.Load(ctx))
	require.Len(t, e.mgr.Statuses(), 1)

	cfg := e.server(t)
	cfg.ID = 0
	cfg.Name = "Creative"
	id, err := e.repo.UpsertServer(ctx, cfg)
	require.NoError(t, err)

	_, ok := e.mgr.Get(id)
	assert.False(t, ok)
	sup, err := e.mgr.Add(ctx, id)
	require.NoError(t, err)
	again, err := e.mgr.Add(ctx, id)
	require.NoError(t, err)
	assert.Same(t, sup, again)

	statuses := e.mgr.Statuses()
	require.Len(t, statuses, 2)
	assert.Equal(t, e.id, statuses[0].ServerID)
	assert.Equal(t, "Creative", statuses[1].Name)
	assert.Equal(t, "stopped", statuses[1].State)

	require.NoError(t, sup.Start(1))
	require.NoError(t, e.mgr.Remove(id))
	assert.False(t, sup.Status().Alive)
	_, ok = e.mgr.Get(id)
	assert.False(t, ok)
	assert.ErrorIs(t, e.mgr.Remove(id), ErrUnknownServer)

	_, err = e.mgr.Add(ctx, 9999)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestManagerCreateAndDelete(t *testing.T) {
	e := newEnv(t, consoleServer, nil)
	ctx := context.Background()

	cfg := e.server(t)
	cfg.ID = 0
	cfg.Name = "Skyblock"
	sup, err := e.mgr.Create(ctx, cfg)
	require.NoError(t, err)
	got, ok := e.mgr.Get(sup.ID())
	require.True(t, ok)
	assert.Same(t, sup, got)
	assert.Equal(t, "Skyblock", sup.Status().Name)

	_, err = e.repo.EnqueueCommand(ctx, store.Command{ServerID: sup.ID(), Command: "say hi"})
	require.NoError(t, err)
	require.NoError(t, sup.Start(1))

	require.NoError(t, e.mgr.Delete(ctx, sup.ID()))
	assert.False(t, sup.Status().Alive)
	_, ok = e.mgr.Get(sup.ID())
	assert.False(t, ok)
	_, err = e.repo.GetServer(ctx, sup.ID())
	assert.ErrorIs(t, err, store.ErrNotFound)
	pending, err := e.repo.GetUnexecutedCommands(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	assert.ErrorIs(t, e.mgr.Delete(ctx, sup.ID()), ErrUnknownServer)
	require.Len(t, e.mgr.Statuses(), 1)
}

func TestManagerAutoStart(t *testing.T) {
	e := newEnv(t, consoleServer, func(s *store.Server, _ *Options) {
		s.AutoStart = true
		s.AutoStartDelay = 0
	})
	e.mgr.AutoStart(context.Background())
	waitState(t, e.sup, StateRunning)
}

func TestManagerAutoStartWithoutEULA(t *testing.T) {
	e := newEnv(t, consoleServer, func(s *store.Server, _ *Options) {
		s.AutoStart = true
	})
	require.NoError(t, os.Remove(filepath.Join(e.dir, "eula.txt")))
	e.mgr.AutoStart(context.Background())
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, StateStopped, e.sup.State())
	assert.Equal(t, 0, e.notifier.count("eula_prompt", SystemUser))
}

func TestManagerShutdown(t *testing.T) {
	e := newEnv(t, consoleServer, nil)
	require.NoError(t, e.sup.Start(1))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, e.mgr.Shutdown(ctx))
	assert.False(t, e.sup.Status().Alive)
	assert.Empty(t, e.mgr.Statuses())
}

func TestManagerSetHighlights(t *testing.T) {
	e := newEnv(t, consoleServer, nil)
	e.mgr.SetHighlights(map[string]string{"Done": "ok"})
	require.NoError(t, e.sup.Start(1))
	require.Eventually(t, func() bool {
		return consoleHas(e.sup, `<span class="ok">Done</span>`)
	}, 5*time.Second, 10*time.Millisecond)
}

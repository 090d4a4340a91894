//go:build !windows

package manager

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/craftvisor/internal/history"
	"github.com/loykin/craftvisor/internal/store"
)

const updatedServer = `#!/bin/sh
echo "v2 ready"
while read line; do
  if [ "$line" = "stop" ]; then exit 0; fi
done
`

func updateEnv(t *testing.T, handler http.HandlerFunc) *testEnv {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return newEnv(t, consoleServer, func(s *store.Server, _ *Options) {
		s.UpdateURL = srv.URL + "/server.sh"
	})
}

func waitUpdate(t *testing.T, e *testEnv) history.Event {
	t.Helper()
	require.Eventually(t, func() bool { return len(e.hist.OfType(history.EventUpdate)) == 1 }, 15*time.Second, 10*time.Millisecond)
	return e.hist.OfType(history.EventUpdate)[0]
}

func TestUpdateExecutable(t *testing.T) {
	e := updateEnv(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(updatedServer))
	})
	require.NoError(t, e.sup.Start(1))

	require.NoError(t, e.sup.UpdateExecutable(1))
	assert.ErrorIs(t, e.sup.UpdateExecutable(1), ErrUpdating)

	evt := waitUpdate(t, e)
	assert.Empty(t, evt.Error)

	got, err := os.ReadFile(filepath.Join(e.dir, "server.sh"))
	require.NoError(t, err)
	assert.Equal(t, updatedServer, string(got))
	prev, err := os.ReadFile(filepath.Join(e.dir, ExecutableBackupDir, "server.sh"))
	require.NoError(t, err)
	assert.Equal(t, consoleServer, string(prev))
	assert.NoFileExists(t, filepath.Join(e.dir, "server.sh.download"))

	// it was running, so it comes back on the new executable
	require.Eventually(t, func() bool { return consoleHas(e.sup, "v2 ready") }, 10*time.Second, 10*time.Millisecond)
	assert.Equal(t, StateRunning, e.sup.State())
	srv := e.server(t)
	assert.False(t, srv.Updating)
	assert.False(t, srv.WaitingStart)
	assert.Len(t, e.hist.OfType(history.EventBackup), 1)
	assert.False(t, e.sup.Status().Updating)
}

func TestUpdateExecutableRollingBackup(t *testing.T) {
	e := updateEnv(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(updatedServer))
	})
	stale := filepath.Join(e.dir, ExecutableBackupDir, "old-server.sh")
	require.NoError(t, os.MkdirAll(filepath.Dir(stale), 0o755))
	require.NoError(t, os.WriteFile(stale, []byte("old"), 0o644))

	require.NoError(t, e.sup.UpdateExecutable(SystemUser))
	waitUpdate(t, e)

	entries, err := os.ReadDir(filepath.Join(e.dir, ExecutableBackupDir))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "server.sh", entries[0].Name())
	// it was stopped, so it stays stopped
	assert.Equal(t, StateStopped, e.sup.State())
}

func TestUpdateExecutableFailureKeepsOld(t *testing.T) {
	e := updateEnv(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusInternalServerError)
	})

	require.NoError(t, e.sup.UpdateExecutable(4))
	evt := waitUpdate(t, e)
	assert.Contains(t, evt.Error, "500")

	got, err := os.ReadFile(filepath.Join(e.dir, "server.sh"))
	require.NoError(t, err)
	assert.Equal(t, consoleServer, string(got))
	assert.NoFileExists(t, filepath.Join(e.dir, "server.sh.download"))
	assert.False(t, e.server(t).Updating)
	require.Eventually(t, func() bool { return !e.sup.Status().Updating }, 5*time.Second, 10*time.Millisecond)

	// start works again once the update is over
	require.NoError(t, e.sup.Start(4))
}

func TestUpdateExecutableNoURL(t *testing.T) {
	e := newEnv(t, consoleServer, nil)
	assert.ErrorIs(t, e.sup.UpdateExecutable(1), ErrNoUpdateURL)
}

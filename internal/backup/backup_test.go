package backup

import (
	"bytes"
	"io"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stepClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

func seedServer(t *testing.T, fs afero.Fs) {
	t.Helper()
	files := map[string]string{
		"/srv/survival/server.properties":      "motd=hello",
		"/srv/survival/world/level.dat":        "level",
		"/srv/survival/world/region/r.0.0.mca": "region",
		"/srv/survival/logs/latest.log":        "log line",
		"/srv/survival/cache/blob":             "cached",
	}
	for p, content := range files {
		require.NoError(t, afero.WriteFile(fs, p, []byte(content), 0o644))
	}
}

func zipNames(t *testing.T, fs afero.Fs, archive string) []string {
	t.Helper()
	b, err := afero.ReadFile(fs, archive)
	require.NoError(t, err)
	zr, err := zip.NewReader(bytes.NewReader(b), int64(len(b)))
	require.NoError(t, err)
	var names []string
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		names = append(names, f.Name)
		if f.Name == "server.properties" {
			rc, err := f.Open()
			require.NoError(t, err)
			content, _ := io.ReadAll(rc)
			_ = rc.Close()
			assert.Equal(t, "motd=hello", string(content))
		}
	}
	sort.Strings(names)
	return names
}

func newTestManager(fs afero.Fs) *Manager {
	clock := &stepClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	return NewManager(WithFs(fs), WithStagingDir("/tmp"), WithClock(clock.Now))
}

func TestRunArchivesWithExcludes(t *testing.T) {
	fs := afero.NewMemMapFs()
	seedServer(t, fs)
	m := newTestManager(fs)

	res, err := m.Run(Job{
		ServerID: 1,
		Source:   "/srv/survival",
		Dest:     "/backups/survival",
		Excludes: []string{"logs", "cache/", "../etc", "/abs"},
	})
	require.NoError(t, err)
	assert.Regexp(t, `^/backups/survival/\d{4}-\d{2}-\d{2}_\d{2}-\d{2}-\d{2}\.zip$`, filepath.ToSlash(res.Archive))

	assert.Equal(t, []string{"server.properties", "world/level.dat", "world/region/r.0.0.mca"}, zipNames(t, fs, res.Archive))

	// the source is untouched and staging is gone
	ok, _ := afero.Exists(fs, "/srv/survival/logs/latest.log")
	assert.True(t, ok)
	entries, _ := afero.ReadDir(fs, "/tmp")
	assert.Empty(t, entries)
	assert.False(t, m.InProgress(1))
}

func TestRunSkipsNestedBackupDir(t *testing.T) {
	fs := afero.NewMemMapFs()
	seedServer(t, fs)
	m := newTestManager(fs)

	_, err := m.Run(Job{ServerID: 1, Source: "/srv/survival", Dest: "/srv/survival/backups"})
	require.NoError(t, err)
	res, err := m.Run(Job{ServerID: 1, Source: "/srv/survival", Dest: "/srv/survival/backups"})
	require.NoError(t, err)
	for _, n := range zipNames(t, fs, res.Archive) {
		assert.NotContains(t, n, "backups/")
	}
}

func TestRetentionKeepsNewest(t *testing.T) {
	fs := afero.NewMemMapFs()
	seedServer(t, fs)
	m := newTestManager(fs)
	job := Job{ServerID: 1, Source: "/srv/survival", Dest: "/backups", MaxBackups: 2}

	var archives []string
	for i := 0; i < 3; i++ {
		res, err := m.Run(job)
		require.NoError(t, err)
		archives = append(archives, res.Archive)
		// distinct modification times, oldest first
		mt := time.Date(2024, 1, 1, 0, 0, i, 0, time.UTC)
		require.NoError(t, fs.Chtimes(res.Archive, mt, mt))
	}

	left, err := m.Archives("/backups")
	require.NoError(t, err)
	require.Len(t, left, 2)
	names := []string{left[0].Name(), left[1].Name()}
	assert.Equal(t, []string{filepath.Base(archives[1]), filepath.Base(archives[2])}, names)
	ok, _ := afero.Exists(fs, archives[0])
	assert.False(t, ok)
}

func TestSameSecondRunsGetDistinctArchives(t *testing.T) {
	fs := afero.NewMemMapFs()
	seedServer(t, fs)
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	m := NewManager(WithFs(fs), WithStagingDir("/tmp"), WithClock(func() time.Time { return fixed }))
	job := Job{ServerID: 1, Source: "/srv/survival", Dest: "/backups", MaxBackups: 2}

	var archives []string
	for i := 0; i < 3; i++ {
		res, err := m.Run(job)
		require.NoError(t, err)
		archives = append(archives, res.Archive)
	}
	assert.Equal(t, []string{
		filepath.Join("/backups", "2024-05-01_12-00-00.zip"),
		filepath.Join("/backups", "2024-05-01_12-00-00-1.zip"),
		filepath.Join("/backups", "2024-05-01_12-00-00-2.zip"),
	}, archives)

	left, err := m.Archives("/backups")
	require.NoError(t, err)
	require.Len(t, left, 2)
	assert.Equal(t, "2024-05-01_12-00-00-1.zip", left[0].Name())
	assert.Equal(t, "2024-05-01_12-00-00-2.zip", left[1].Name())
	assert.Contains(t, zipNames(t, fs, archives[2]), "server.properties")
}

func TestArchiveOrder(t *testing.T) {
	base, n := archiveOrder("2024-05-01_12-00-00-3.zip")
	assert.Equal(t, "2024-05-01_12-00-00", base)
	assert.Equal(t, 3, n)
	base, n = archiveOrder("2024-05-01_12-00-00.zip")
	assert.Equal(t, "2024-05-01_12-00-00", base)
	assert.Equal(t, 0, n)
	base, n = archiveOrder("world-2.zip")
	assert.Equal(t, "world-2", base)
	assert.Equal(t, 0, n)
}

func TestBeginClaimsServer(t *testing.T) {
	m := newTestManager(afero.NewMemMapFs())
	release, err := m.Begin(9)
	require.NoError(t, err)
	assert.True(t, m.InProgress(9))

	_, err = m.Begin(9)
	assert.ErrorIs(t, err, ErrInProgress)
	_, err = m.Run(Job{ServerID: 9, Source: "/x", Dest: "/y"})
	assert.ErrorIs(t, err, ErrInProgress)

	release()
	assert.False(t, m.InProgress(9))
}

func TestPruneDisabledAndIgnoresOtherFiles(t *testing.T) {
	fs := afero.NewMemMapFs()
	m := newTestManager(fs)
	for i, n := range []string{"a.zip", "b.zip", "c.zip", "notes.txt"} {
		require.NoError(t, afero.WriteFile(fs, "/b/"+n, []byte("x"), 0o644))
		mt := time.Date(2024, 1, 1, 0, 0, i, 0, time.UTC)
		require.NoError(t, fs.Chtimes("/b/"+n, mt, mt))
	}

	removed, err := m.Prune("/b", 0)
	require.NoError(t, err)
	assert.Empty(t, removed)

	removed, err = m.Prune("/b", 1)
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join("/b", "a.zip"), filepath.Join("/b", "b.zip")}, removed)
	ok, _ := afero.Exists(fs, "/b/notes.txt")
	assert.True(t, ok)
}

func TestRunRejectsConcurrent(t *testing.T) {
	m := newTestManager(afero.NewMemMapFs())
	m.flag(5).Store(true)
	_, err := m.Run(Job{ServerID: 5, Source: "/x", Dest: "/y"})
	assert.ErrorIs(t, err, ErrInProgress)
	assert.False(t, m.WaitIdle(5, time.Millisecond, 20*time.Millisecond))

	m.flag(5).Store(false)
	assert.True(t, m.WaitIdle(5, time.Millisecond, time.Second))
}

func TestRunFailureClearsFlag(t *testing.T) {
	m := newTestManager(afero.NewMemMapFs())
	_, err := m.Run(Job{ServerID: 2, Source: "/missing", Dest: "/backups"})
	assert.Error(t, err)
	assert.False(t, m.InProgress(2))

	_, err = m.Run(Job{ServerID: 2})
	assert.Error(t, err)
	assert.False(t, m.InProgress(2))
}

func TestCleanRel(t *testing.T) {
	for in, want := range map[string]string{"logs": "logs", "a/../b": "b", "cache/": "cache"} {
		got, ok := cleanRel(in)
		assert.True(t, ok, in)
		assert.Equal(t, filepath.FromSlash(want), got)
	}
	for _, bad := range []string{"", ".", "..", "../x", "/etc"} {
		_, ok := cleanRel(bad)
		assert.False(t, ok, bad)
	}
}

package backup

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/spf13/afero"
)

// TimeLayout names archives: YYYY-MM-DD_HH-MM-SS.zip
const TimeLayout = "2006-01-02_15-04-05"

// ErrInProgress is returned when a backup for the same server is already running.
var ErrInProgress = errors.New("backup already in progress")

// Job describes one server backup.
type Job struct {
	ServerID   int64
	Source     string   // server directory
	Dest       string   // backup_path
	Excludes   []string // paths relative to Source, removed from the staged copy only
	MaxBackups int      // <= 0 keeps every archive
}

// Result describes a finished run.
type Result struct {
	Archive  string
	Removed  []string
	Duration time.Duration
}

// Manager runs backups. At most one backup per server runs at a time.
type Manager struct {
	fs         afero.Fs
	stagingDir string
	now        func() time.Time
	logger     *slog.Logger

	mu      sync.Mutex
	running map[int64]*atomic.Bool
}

type Option func(*Manager)

// WithFs replaces the OS filesystem, mainly for tests.
func WithFs(fs afero.Fs) Option { return func(m *Manager) { m.fs = fs } }

// WithStagingDir sets where temporary copies are made (default os.TempDir()).
func WithStagingDir(dir string) Option { return func(m *Manager) { m.stagingDir = dir } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

func WithLogger(l *slog.Logger) Option { return func(m *Manager) { m.logger = l } }

func NewManager(opts ...Option) *Manager {
	m := &Manager{
		fs:      afero.NewOsFs(),
		now:     time.Now,
		logger:  slog.Default(),
		running: make(map[int64]*atomic.Bool),
	}
	for _, o := range opts {
		o(m)
	}
	if m.stagingDir == "" {
		m.stagingDir = os.TempDir()
	}
	m.logger = m.logger.With("component", "backup")
	return m
}

func (m *Manager) flag(serverID int64) *atomic.Bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.running[serverID]
	if !ok {
		f = &atomic.Bool{}
		m.running[serverID] = f
	}
	return f
}

// InProgress reports whether a backup for serverID is running.
func (m *Manager) InProgress(serverID int64) bool {
	return m.flag(serverID).Load()
}

// WaitIdle blocks until no backup for serverID is running or timeout elapses.
func (m *Manager) WaitIdle(serverID int64, poll, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	f := m.flag(serverID)
	for f.Load() {
		if !time.Now().Before(deadline) {
			return false
		}
		time.Sleep(poll)
	}
	return true
}

// Begin claims serverID for a backup. The returned release must be called
// once the backup has finished.
func (m *Manager) Begin(serverID int64) (func(), error) {
	f := m.flag(serverID)
	if !f.CompareAndSwap(false, true) {
		return nil, ErrInProgress
	}
	return func() { f.Store(false) }, nil
}

// Run performs a backup synchronously. The in-progress flag is always cleared.
func (m *Manager) Run(job Job) (Result, error) {
	release, err := m.Begin(job.ServerID)
	if err != nil {
		return Result{}, err
	}
	defer release()
	return m.RunClaimed(job)
}

// RunClaimed performs a backup for a server already claimed with Begin.
func (m *Manager) RunClaimed(job Job) (Result, error) {
	logger := m.logger.With("server_id", job.ServerID)
	start := m.now()
	res, err := m.run(job)
	res.Duration = m.now().Sub(start)
	if err != nil {
		logger.Error("backup failed", "source", job.Source, "dest", job.Dest, "error", err)
		return res, err
	}
	logger.Info("backup complete", "archive", res.Archive, "removed", len(res.Removed), "duration", res.Duration)
	return res, nil
}

func (m *Manager) run(job Job) (Result, error) {
	var res Result
	if job.Source == "" || job.Dest == "" {
		return res, errors.New("backup source and destination are required")
	}
	if err := m.fs.MkdirAll(job.Dest, 0o750); err != nil {
		return res, fmt.Errorf("create backup dir: %w", err)
	}

	stamp := m.now().Format(TimeLayout)
	staging := filepath.Join(m.stagingDir, fmt.Sprintf("craftvisor-backup-%d-%s", job.ServerID, stamp))
	defer func() { _ = m.fs.RemoveAll(staging) }()

	if err := m.copyTree(job.Source, staging, job.Dest); err != nil {
		return res, fmt.Errorf("stage %s: %w", job.Source, err)
	}
	for _, ex := range job.Excludes {
		rel, ok := cleanRel(ex)
		if !ok {
			continue
		}
		if err := m.fs.RemoveAll(filepath.Join(staging, rel)); err != nil {
			return res, fmt.Errorf("exclude %s: %w", ex, err)
		}
	}

	f, archive, err := m.createArchive(job.Dest, stamp)
	if err != nil {
		return res, fmt.Errorf("archive: %w", err)
	}
	if err := m.zipDir(staging, f); err != nil {
		_ = m.fs.Remove(archive)
		return res, fmt.Errorf("archive: %w", err)
	}
	res.Archive = archive

	removed, err := m.Prune(job.Dest, job.MaxBackups)
	res.Removed = removed
	if err != nil {
		return res, fmt.Errorf("retention: %w", err)
	}
	return res, nil
}

// cleanRel rejects absolute paths and anything escaping the server directory.
func cleanRel(p string) (string, bool) {
	p = strings.TrimSpace(p)
	if p == "" || filepath.IsAbs(p) {
		return "", false
	}
	c := filepath.Clean(p)
	if c == "." || c == ".." || strings.HasPrefix(c, ".."+string(filepath.Separator)) {
		return "", false
	}
	return c, true
}

// copyTree copies src into dst. skip is not descended into, so a backup
// directory nested under the server directory is not copied into itself.
func (m *Manager) copyTree(src, dst, skip string) error {
	skip = filepath.Clean(skip)
	return afero.Walk(m.fs, src, func(p string, info fs.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() && filepath.Clean(p) == skip {
			return filepath.SkipDir
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		switch {
		case info.IsDir():
			return m.fs.MkdirAll(target, 0o750)
		case info.Mode().IsRegular():
			return m.copyFile(p, target, info.Mode().Perm())
		default:
			// sockets, devices and symlinks are not archived
			return nil
		}
	})
}

func (m *Manager) copyFile(src, dst string, perm fs.FileMode) error {
	in, err := m.fs.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()
	out, err := m.fs.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm|0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

// createArchive opens a new archive named after stamp. Runs within the same
// second get a -N suffix instead of replacing an earlier archive.
func (m *Manager) createArchive(dir, stamp string) (afero.File, string, error) {
	name := stamp
	for n := 1; ; n++ {
		p := filepath.Join(dir, name+".zip")
		f, err := m.fs.OpenFile(p, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
		if err == nil {
			return f, p, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, "", err
		}
		name = fmt.Sprintf("%s-%d", stamp, n)
	}
}

// archiveOrder splits "<stamp>-N.zip" into its stamp and suffix number.
func archiveOrder(name string) (string, int) {
	base := strings.TrimSuffix(name, filepath.Ext(name))
	if i := strings.LastIndexByte(base, '-'); i >= 0 {
		if n, err := strconv.Atoi(base[i+1:]); err == nil && len(base[:i]) == len(TimeLayout) {
			return base[:i], n
		}
	}
	return base, 0
}

func (m *Manager) zipDir(dir string, f afero.File) error {
	zw := zip.NewWriter(f)
	walkErr := afero.Walk(m.fs, dir, func(p string, info fs.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil || rel == "." {
			return err
		}
		hdr, err := zip.FileInfoHeader(info)
		if err != nil {
			return err
		}
		hdr.Name = path.Clean(filepath.ToSlash(rel))
		if info.IsDir() {
			hdr.Name += "/"
			_, err = zw.CreateHeader(hdr)
			return err
		}
		hdr.Method = zip.Deflate
		w, err := zw.CreateHeader(hdr)
		if err != nil {
			return err
		}
		src, err := m.fs.Open(p)
		if err != nil {
			return err
		}
		_, err = io.Copy(w, src)
		_ = src.Close()
		return err
	})
	if err := zw.Close(); err != nil && walkErr == nil {
		walkErr = err
	}
	if err := f.Close(); err != nil && walkErr == nil {
		walkErr = err
	}
	return walkErr
}

// Archives lists zip archives in dir, oldest first by modification time.
func (m *Manager) Archives(dir string) ([]fs.FileInfo, error) {
	entries, err := afero.ReadDir(m.fs, dir)
	if err != nil {
		return nil, err
	}
	out := make([]fs.FileInfo, 0, len(entries))
	for _, e := range entries {
		if e.Mode().IsRegular() && strings.EqualFold(filepath.Ext(e.Name()), ".zip") {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].ModTime().Equal(out[j].ModTime()) {
			bi, ni := archiveOrder(out[i].Name())
			bj, nj := archiveOrder(out[j].Name())
			if bi != bj {
				return bi < bj
			}
			return ni < nj
		}
		return out[i].ModTime().Before(out[j].ModTime())
	})
	return out, nil
}

// Prune deletes the oldest archives while more than max remain. max <= 0 disables it.
func (m *Manager) Prune(dir string, max int) ([]string, error) {
	if max <= 0 {
		return nil, nil
	}
	archives, err := m.Archives(dir)
	if err != nil {
		return nil, err
	}
	var removed []string
	for len(archives) > max {
		p := filepath.Join(dir, archives[0].Name())
		if err := m.fs.Remove(p); err != nil {
			return removed, err
		}
		removed = append(removed, p)
		archives = archives[1:]
	}
	return removed, nil
}

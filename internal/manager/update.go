package manager

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/loykin/craftvisor/internal/history"
	"github.com/loykin/craftvisor/internal/notify"
	"github.com/loykin/craftvisor/internal/store"
)

// Fetcher downloads url into w.
type Fetcher interface {
	Fetch(ctx context.Context, url string, w io.Writer) error
}

// HTTPFetcher downloads over HTTP(S).
type HTTPFetcher struct {
	client *http.Client
}

func NewHTTPFetcher(c *http.Client) *HTTPFetcher {
	if c == nil {
		c = &http.Client{Timeout: 30 * time.Minute}
	}
	return &HTTPFetcher{client: c}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, url string, w io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download %s: unexpected status %d", url, resp.StatusCode)
	}
	_, err = io.Copy(w, resp.Body)
	return err
}

// ExecutableBackupDir holds the single previous executable.
const ExecutableBackupDir = "executable_backups"

// UpdateExecutable replaces the server executable with a fresh download in
// the background. The server is stopped and backed up first and restarted
// afterwards if it was running.
func (s *Supervisor) UpdateExecutable(userID int64) error {
	if s.config().UpdateURL == "" {
		if _, err := s.loadConfig(); err != nil {
			return err
		}
		if s.config().UpdateURL == "" {
			return ErrNoUpdateURL
		}
	}
	if !s.updating.CompareAndSwap(false, true) {
		return ErrUpdating
	}
	go s.runUpdate(userID)
	return nil
}

// runUpdate expects s.updating to be set and always clears it.
func (s *Supervisor) runUpdate(userID int64) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Hour)
	defer cancel()

	s.setFlag(ctx, store.FlagUpdating, true)
	wasRunning := s.running()
	if wasRunning {
		if err := s.Stop(SystemUser); err != nil {
			s.logger.Error("stop before update", "error", err)
		}
	}
	_ = s.do(command{action: actionSetUpdating, flag: true})

	err := s.update(ctx)

	s.updating.Store(false)
	s.setFlag(ctx, store.FlagUpdating, false)
	_ = s.do(command{action: actionSetUpdating, flag: false})

	evt := history.Event{Type: history.EventUpdate, Detail: s.config().UpdateURL}
	payload := map[string]any{"server_id": s.id, "success": err == nil}
	if err != nil {
		s.logger.Error("executable update failed", "error", err)
		evt.Error = err.Error()
		payload["error"] = err.Error()
	} else {
		s.logger.Info("executable updated")
	}
	s.record(evt)
	s.notifier.BroadcastToPage(notify.ConsolePage(s.id), notify.EventUpdateStatus, payload)
	s.notifier.BroadcastToPage(DashboardPage, notify.EventUpdateStatus, payload)
	if userID != SystemUser {
		s.notifier.BroadcastToUser(userID, notify.EventNotification, payload)
	}

	// the previous executable is intact on failure, so a running server comes back either way
	if wasRunning {
		s.setFlag(ctx, store.FlagWaitingStart, true)
		if err := s.Start(SystemUser); err != nil {
			s.logger.Error("restart after update", "error", err)
		}
	}
}

func (s *Supervisor) setFlag(ctx context.Context, f store.Flag, v bool) {
	if err := s.repo.SetServerFlag(ctx, s.id, f, v); err != nil {
		s.logger.Warn("set server flag", "flag", f, "value", v, "error", err)
	}
}

func (s *Supervisor) update(ctx context.Context) error {
	if !s.opts.Backups.WaitIdle(s.id, time.Second, s.opts.BackupWait) {
		return fmt.Errorf("backup still running after %s", s.opts.BackupWait)
	}
	if err := s.RunBackup(SystemUser); err != nil {
		return fmt.Errorf("backup before update: %w", err)
	}

	cfg := s.config()
	exe := executablePath(cfg)
	if exe == "" {
		return ErrExecutableMissing
	}
	staging := exe + ".download"
	defer func() { _ = os.Remove(staging) }()

	if err := s.download(ctx, cfg.UpdateURL, staging); err != nil {
		return err
	}

	mode := os.FileMode(0o755)
	if fi, err := os.Stat(exe); err == nil {
		mode = fi.Mode().Perm()
		if err := keepPrevious(cfg.Path, exe); err != nil {
			return fmt.Errorf("keep previous executable: %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return err
	}
	if err := os.Chmod(staging, mode); err != nil {
		return err
	}
	if err := os.Rename(staging, exe); err != nil {
		return fmt.Errorf("swap executable: %w", err)
	}
	return nil
}

func (s *Supervisor) download(ctx context.Context, url, dst string) error {
	f, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if err := s.opts.Fetcher.Fetch(ctx, url, f); err != nil {
		_ = f.Close()
		return fmt.Errorf("download: %w", err)
	}
	return f.Close()
}

// keepPrevious copies exe into <dir>/executable_backups, replacing any older copy.
func keepPrevious(dir, exe string) error {
	bdir := filepath.Join(dir, ExecutableBackupDir)
	if err := os.MkdirAll(bdir, 0o750); err != nil {
		return err
	}
	entries, err := os.ReadDir(bdir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(bdir, e.Name())); err != nil {
			return err
		}
	}
	in, err := os.Open(exe)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()
	out, err := os.OpenFile(filepath.Join(bdir, filepath.Base(exe)), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

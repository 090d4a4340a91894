//go:build !windows

package process

import (
	"errors"
	"syscall"
)

// terminate asks the process to exit (SIGTERM).
func terminate(pid int) error {
	return ignoreGone(syscall.Kill(pid, syscall.SIGTERM))
}

// forceKill sends SIGKILL.
func forceKill(pid int) error {
	return ignoreGone(syscall.Kill(pid, syscall.SIGKILL))
}

func ignoreGone(err error) error {
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}

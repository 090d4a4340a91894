//go:build !windows

package process

import (
	"os/exec"
	"syscall"
)

// configureSysProcAttr places the server in its own process group so signals
// sent to the daemon's terminal do not reach it.
func configureSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

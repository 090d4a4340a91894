package process

import (
	"os/exec"
	"strings"
)

// Spec describes how to launch one server process.
type Spec struct {
	Name    string   `json:"name"`
	Command string   `json:"command"`  // execution command, e.g. "java -Xmx2G -jar server.jar nogui"
	WorkDir string   `json:"work_dir"` // server directory
	Env     []string `json:"env"`      // full environment; nil inherits the parent's
}

// BuildCommand constructs an *exec.Cmd for spec.Command.
// It avoids invoking a shell when not necessary, and it also respects
// an explicit shell invocation already present in the command string
// (e.g., "sh -c 'java -jar server.jar'"), avoiding double-wrapping.
func (s Spec) BuildCommand() *exec.Cmd {
	cmdStr := strings.TrimSpace(s.Command)
	if cmdStr == "" {
		// #nosec G204
		return exec.Command(idle[0], idle[1:]...)
	}
	if afterC, ok := parseExplicitShell(cmdStr); ok {
		return shellCommand(afterC)
	}
	// metacharacters need a shell
	if strings.ContainsAny(cmdStr, "|&;<>*?`$\"'(){}[]~") {
		return shellCommand(cmdStr)
	}
	parts := strings.Fields(cmdStr)
	// #nosec G204
	return exec.Command(parts[0], parts[1:]...)
}

// shellCommand runs a server command line through the platform shell.
func shellCommand(line string) *exec.Cmd {
	args := append(append([]string{}, shell[1:]...), line)
	// #nosec G204
	return exec.Command(shell[0], args...)
}

// parseExplicitShell detects "sh -c <ARG>" style prefixes and returns ARG.
// One pair of wrapping quotes around ARG is stripped.
func parseExplicitShell(cmdStr string) (string, bool) {
	trim := strings.TrimLeft(cmdStr, " \t")
	for _, p := range []string{"sh -c ", "/bin/sh -c ", "/usr/bin/sh -c ", "bash -c ", "/bin/bash -c "} {
		if !strings.HasPrefix(trim, p) {
			continue
		}
		after := trim[len(p):]
		if n := len(after); n >= 2 {
			if (after[0] == '\'' && after[n-1] == '\'') || (after[0] == '"' && after[n-1] == '"') {
				after = after[1 : n-1]
			}
		}
		return after, true
	}
	return "", false
}

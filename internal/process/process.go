package process

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"
)

// ErrExited is returned when writing to a process that already exited.
var ErrExited = errors.New("process exited")

// Process is a running server process. Stdout and stderr share one pipe,
// readable through Output until every writer (including descendants) exits.
type Process struct {
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	output    *os.File
	startedAt time.Time
	done      chan struct{}

	mu       sync.Mutex
	exited   bool
	exitCode int
	exitErr  error
}

// Start launches spec and returns once the OS process exists.
func Start(spec Spec) (*Process, error) {
	cmd := spec.BuildCommand()
	cmd.Dir = spec.WorkDir
	if spec.Env != nil {
		cmd.Env = spec.Env
	}
	configureSysProcAttr(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	// A plain os.Pipe instead of StdoutPipe: cmd.Wait must not close the
	// reader while the console is still draining it.
	pr, pw, err := os.Pipe()
	if err != nil {
		_ = stdin.Close()
		return nil, fmt.Errorf("output pipe: %w", err)
	}
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		_ = pr.Close()
		_ = pw.Close()
		return nil, fmt.Errorf("start %q: %w", spec.Command, err)
	}
	// the child holds its own copy of the write end
	_ = pw.Close()

	p := &Process{
		cmd:       cmd,
		stdin:     stdin,
		output:    pr,
		startedAt: time.Now(),
		done:      make(chan struct{}),
	}
	go p.wait()
	return p, nil
}

func (p *Process) wait() {
	err := p.cmd.Wait()
	code := -1
	if p.cmd.ProcessState != nil {
		code = p.cmd.ProcessState.ExitCode()
	}
	p.mu.Lock()
	p.exited = true
	p.exitCode = code
	p.exitErr = err
	p.mu.Unlock()
	close(p.done)
}

func (p *Process) PID() int { return p.cmd.Process.Pid }

func (p *Process) StartedAt() time.Time { return p.startedAt }

// Output is the combined stdout/stderr stream. The caller owns closing it.
func (p *Process) Output() io.ReadCloser { return p.output }

// Done is closed once the process has been reaped.
func (p *Process) Done() <-chan struct{} { return p.done }

func (p *Process) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// ExitCode returns the exit status once the process exited. A process
// terminated by a signal reports -1.
func (p *Process) ExitCode() (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode, p.exited
}

func (p *Process) ExitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

// WriteLine writes line followed by a newline to stdin.
func (p *Process) WriteLine(line string) error {
	if !p.Alive() {
		return ErrExited
	}
	_, err := io.WriteString(p.stdin, line+"\n")
	return err
}

// Terminate sends SIGTERM (TerminateProcess on Windows).
func (p *Process) Terminate() error {
	if !p.Alive() {
		return nil
	}
	return terminate(p.PID())
}

// Kill force-kills every descendant and then the process itself.
func (p *Process) Kill() error {
	if !p.Alive() {
		return nil
	}
	return KillTree(p.PID())
}

// WaitExit blocks until the process exits or timeout elapses.
func (p *Process) WaitExit(timeout time.Duration) bool {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-p.done:
		return true
	case <-t.C:
		return false
	}
}

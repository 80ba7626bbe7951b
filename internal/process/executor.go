// Package process provides supervision of external measurement processes:
// spawning with assigned ports, output-to-log redirection, graceful
// termination, and periodic guard-drop restarts.
package process

import (
	"context"
	"io"
	"os/exec"
	"syscall"
	"time"
)

// Process represents a running external process.
type Process interface {
	// Start starts the process but does not wait for it to complete.
	Start() error
	// Wait waits for the process to exit and returns the error.
	Wait() error
	// Terminate sends SIGTERM to the process group.
	Terminate() error
	// Kill sends SIGKILL to the process group.
	Kill() error
	// Stdout returns a reader from the process's stdout.
	Stdout() io.ReadCloser
	// Stderr returns a reader from the process's stderr.
	Stderr() io.ReadCloser
}

// Executor creates processes for execution.
type Executor interface {
	// CreateProcess creates a new process with the given command, arguments
	// and working directory.
	CreateProcess(ctx context.Context, dir, name string, args ...string) (Process, error)
}

// RealExecutor implements Executor using os/exec.
type RealExecutor struct{}

// NewRealExecutor creates a new RealExecutor.
func NewRealExecutor() *RealExecutor {
	return &RealExecutor{}
}

// cancelWaitDelay is how long a context-cancelled process gets to exit
// after SIGTERM before it is killed outright.
const cancelWaitDelay = 10 * time.Second

// CreateProcess creates a real process using exec.CommandContext.
// The process is started in its own process group so that signals reach
// any children it forks.
func (e *RealExecutor) CreateProcess(ctx context.Context, dir, name string, args ...string) (Process, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
	p := &realProcess{cmd: cmd}
	// Context cancellation terminates the group gracefully, matching the
	// supervised stop path; WaitDelay escalates if the group lingers.
	cmd.Cancel = func() error {
		return p.signalGroup(syscall.SIGTERM)
	}
	cmd.WaitDelay = cancelWaitDelay

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}

	p.stdout = stdout
	p.stderr = stderr
	return p, nil
}

// realProcess wraps exec.Cmd to implement the Process interface.
type realProcess struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr io.ReadCloser
}

func (p *realProcess) Start() error {
	return p.cmd.Start()
}

func (p *realProcess) Wait() error {
	return p.cmd.Wait()
}

// Terminate signals the whole process group. The process is started with
// Setpgid, so its PGID equals its PID and a negative PID addresses the group.
func (p *realProcess) Terminate() error {
	return p.signalGroup(syscall.SIGTERM)
}

func (p *realProcess) Kill() error {
	return p.signalGroup(syscall.SIGKILL)
}

func (p *realProcess) signalGroup(sig syscall.Signal) error {
	if p.cmd.Process == nil {
		return nil
	}
	err := syscall.Kill(-p.cmd.Process.Pid, sig)
	if err == syscall.ESRCH {
		// Already gone.
		return nil
	}
	return err
}

func (p *realProcess) Stdout() io.ReadCloser {
	return p.stdout
}

func (p *realProcess) Stderr() io.ReadCloser {
	return p.stderr
}

package process

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"
)

// StartupError reports a binary that could not be found or spawned. It is
// fatal to the enclosing session: there is no retry.
type StartupError struct {
	Binary string
	Err    error
}

func (e *StartupError) Error() string {
	return fmt.Sprintf("failed to start %s: %v", e.Binary, e.Err)
}

func (e *StartupError) Unwrap() error {
	return e.Err
}

// AllocatePort returns an unused ephemeral TCP port on the loopback
// interface. The port is released before returning, so a small race with
// other port consumers exists; tor and tgen both fail fast on a bind
// conflict and the session aborts cleanly.
func AllocatePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("allocate port: %w", err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	if err := l.Close(); err != nil {
		return 0, fmt.Errorf("release allocated port %d: %w", port, err)
	}
	return port, nil
}

// Spec describes a process to spawn.
type Spec struct {
	// Name labels the process in logs, e.g. "tor-client".
	Name string
	// Path is the binary path or name resolved via PATH.
	Path string
	Args []string
	// Dir is the working directory; empty means inherit.
	Dir string
	// LogPath receives the process's combined stdout/stderr, one line at a
	// time. Empty discards output.
	LogPath string
}

// Handle exposes the lifecycle of a spawned process.
type Handle struct {
	spec Spec
	proc Process

	copiers sync.WaitGroup
	logFile *os.File

	done    chan struct{}
	mu      sync.Mutex
	exitErr error
}

// Name returns the label the process was spawned with.
func (h *Handle) Name() string {
	return h.spec.Name
}

// Alive reports whether the process has not yet exited.
func (h *Handle) Alive() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// Wait blocks until the process exits and returns its exit error.
func (h *Handle) Wait() error {
	<-h.done
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitErr
}

// Done returns a channel closed when the process exits.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Stop terminates the process: SIGTERM first, then SIGKILL after the grace
// period. It returns once the process has exited.
func (h *Handle) Stop(grace time.Duration) error {
	if !h.Alive() {
		return nil
	}
	if err := h.proc.Terminate(); err != nil {
		return fmt.Errorf("terminate %s: %w", h.spec.Name, err)
	}

	select {
	case <-h.done:
		return nil
	case <-time.After(grace):
	}

	slog.Warn("Process did not exit within grace period, killing", "name", h.spec.Name, "grace", grace)
	if err := h.proc.Kill(); err != nil {
		return fmt.Errorf("kill %s: %w", h.spec.Name, err)
	}
	<-h.done
	return nil
}

// Supervisor spawns and tracks external processes for one session.
type Supervisor struct {
	executor Executor

	mu      sync.Mutex
	handles []*Handle
}

// NewSupervisor creates a supervisor using the real os/exec executor.
func NewSupervisor() *Supervisor {
	return NewSupervisorWithExecutor(NewRealExecutor())
}

// NewSupervisorWithExecutor creates a supervisor with a custom executor.
// This is primarily used for testing.
func NewSupervisorWithExecutor(executor Executor) *Supervisor {
	return &Supervisor{executor: executor}
}

// Spawn launches the described process. A missing or unspawnable binary
// yields a *StartupError.
func (s *Supervisor) Spawn(ctx context.Context, spec Spec) (*Handle, error) {
	path := spec.Path
	if resolved, err := exec.LookPath(path); err == nil {
		path = resolved
	} else {
		return nil, &StartupError{Binary: spec.Path, Err: err}
	}

	proc, err := s.executor.CreateProcess(ctx, spec.Dir, path, spec.Args...)
	if err != nil {
		return nil, &StartupError{Binary: spec.Path, Err: err}
	}

	h := &Handle{
		spec: spec,
		proc: proc,
		done: make(chan struct{}),
	}

	var logW io.Writer = io.Discard
	if spec.LogPath != "" {
		f, err := os.OpenFile(spec.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600) // #nosec G304 -- session-owned log path
		if err != nil {
			return nil, &StartupError{Binary: spec.Path, Err: err}
		}
		h.logFile = f
		logW = f
	}

	if err := proc.Start(); err != nil {
		if h.logFile != nil {
			_ = h.logFile.Close()
		}
		return nil, &StartupError{Binary: spec.Path, Err: err}
	}

	slog.Info("Process started", "name", spec.Name, "path", path, "args", strconv.Itoa(len(spec.Args)))

	h.copiers.Add(2)
	go h.copyOutput(proc.Stdout(), logW)
	go h.copyOutput(proc.Stderr(), logW)

	go func() {
		h.copiers.Wait()
		err := proc.Wait()
		if h.logFile != nil {
			_ = h.logFile.Close()
		}
		h.mu.Lock()
		h.exitErr = err
		h.mu.Unlock()
		close(h.done)
		slog.Info("Process exited", "name", spec.Name, "error", err)
	}()

	s.mu.Lock()
	s.handles = append(s.handles, h)
	s.mu.Unlock()

	return h, nil
}

// copyOutput writes process output to the log writer line by line, so lines
// from stdout and stderr interleave whole.
func (h *Handle) copyOutput(r io.Reader, w io.Writer) {
	defer h.copiers.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		h.mu.Lock()
		_, _ = fmt.Fprintln(w, scanner.Text())
		h.mu.Unlock()
	}
	// Pipe-close errors on process exit are expected.
}

// StopAll stops every tracked process in reverse spawn order.
func (s *Supervisor) StopAll(grace time.Duration) {
	s.mu.Lock()
	handles := make([]*Handle, len(s.handles))
	copy(handles, s.handles)
	s.handles = nil
	s.mu.Unlock()

	for i := len(handles) - 1; i >= 0; i-- {
		if err := handles[i].Stop(grace); err != nil {
			slog.Warn("Failed to stop process", "name", handles[i].Name(), "error", err)
		}
	}
}

package process

import (
	"bytes"
	"context"
	"io"
	"sync"
)

// MockProcess implements Process for testing.
type MockProcess struct {
	mu sync.Mutex

	startErr error
	waitErr  error

	stdout *mockReadCloser
	stderr *mockReadCloser

	started    bool
	terminated bool
	killed     bool

	// WaitCh controls when Wait() returns.
	WaitCh chan struct{}
}

// NewMockProcess creates a new mock process with default buffers.
func NewMockProcess() *MockProcess {
	return &MockProcess{
		stdout: &mockReadCloser{buf: &bytes.Buffer{}},
		stderr: &mockReadCloser{buf: &bytes.Buffer{}},
		WaitCh: make(chan struct{}),
	}
}

func (p *MockProcess) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.startErr != nil {
		return p.startErr
	}
	p.started = true
	return nil
}

func (p *MockProcess) Wait() error {
	<-p.WaitCh
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waitErr
}

func (p *MockProcess) Terminate() error {
	p.mu.Lock()
	p.terminated = true
	p.mu.Unlock()
	p.exit()
	return nil
}

func (p *MockProcess) Kill() error {
	p.mu.Lock()
	p.killed = true
	p.mu.Unlock()
	p.exit()
	return nil
}

// exit unblocks Wait.
func (p *MockProcess) exit() {
	select {
	case <-p.WaitCh:
	default:
		close(p.WaitCh)
	}
}

func (p *MockProcess) Stdout() io.ReadCloser {
	return p.stdout
}

func (p *MockProcess) Stderr() io.ReadCloser {
	return p.stderr
}

// SetStdout sets the content returned from the process's stdout.
func (p *MockProcess) SetStdout(s string) {
	p.stdout.buf.WriteString(s)
}

// Terminated reports whether Terminate was called.
func (p *MockProcess) Terminated() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.terminated
}

// Killed reports whether Kill was called.
func (p *MockProcess) Killed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.killed
}

type mockReadCloser struct {
	buf *bytes.Buffer
}

func (r *mockReadCloser) Read(p []byte) (int, error) {
	return r.buf.Read(p)
}

func (r *mockReadCloser) Close() error {
	return nil
}

// MockExecutor implements Executor, handing out scripted processes.
type MockExecutor struct {
	mu        sync.Mutex
	processes []*MockProcess
	createErr error

	// Commands records every spawned command for assertions.
	Commands [][]string
}

// NewMockExecutor creates an executor producing fresh MockProcesses.
func NewMockExecutor() *MockExecutor {
	return &MockExecutor{}
}

// SetCreateError makes CreateProcess fail.
func (e *MockExecutor) SetCreateError(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.createErr = err
}

// Processes returns the processes created so far.
func (e *MockExecutor) Processes() []*MockProcess {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*MockProcess, len(e.processes))
	copy(out, e.processes)
	return out
}

func (e *MockExecutor) CreateProcess(ctx context.Context, dir, name string, args ...string) (Process, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.createErr != nil {
		return nil, e.createErr
	}
	p := NewMockProcess()
	e.processes = append(e.processes, p)
	e.Commands = append(e.Commands, append([]string{name}, args...))
	return p, nil
}

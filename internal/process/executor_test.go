package process

import (
	"context"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRealExecutor_CancelTerminatesGracefully(t *testing.T) {
	sh := shPath(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	exe := NewRealExecutor()
	// The script traps TERM and exits cleanly; an outright kill would
	// report a signal death instead of exit status zero.
	p, err := exe.CreateProcess(ctx, t.TempDir(), sh, "-c",
		"trap 'exit 0' TERM; while :; do sleep 0.1; done")
	require.NoError(t, err)
	require.NoError(t, p.Start())

	time.Sleep(200 * time.Millisecond)
	cancel()
	_ = p.Wait()

	state := p.(*realProcess).cmd.ProcessState
	require.NotNil(t, state)
	assert.Equal(t, 0, state.ExitCode())
}

func TestRealProcess_SignalGoneGroup(t *testing.T) {
	sh := shPath(t)

	exe := NewRealExecutor()
	p, err := exe.CreateProcess(context.Background(), t.TempDir(), sh, "-c", "exit 0")
	require.NoError(t, err)
	require.NoError(t, p.Start())
	require.NoError(t, p.Wait())

	// The group is gone; signalling it reports success, not ESRCH.
	assert.NoError(t, p.(*realProcess).signalGroup(syscall.SIGTERM))
}

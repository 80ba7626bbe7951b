package process

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// shPath resolves a shell to use as a spawnable binary, skipping if none is
// available.
func shPath(t *testing.T) string {
	t.Helper()
	path, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}
	return path
}

func TestAllocatePort(t *testing.T) {
	p1, err := AllocatePort()
	require.NoError(t, err)
	assert.Greater(t, p1, 0)
	assert.Less(t, p1, 65536)

	p2, err := AllocatePort()
	require.NoError(t, err)
	assert.Greater(t, p2, 0)
}

func TestSpawn_MissingBinary(t *testing.T) {
	s := NewSupervisor()

	_, err := s.Spawn(context.Background(), Spec{
		Name: "ghost",
		Path: "definitely-not-a-real-binary-name",
	})
	require.Error(t, err)

	var startupErr *StartupError
	require.ErrorAs(t, err, &startupErr)
	assert.Equal(t, "definitely-not-a-real-binary-name", startupErr.Binary)
}

func TestSpawn_CreateProcessError(t *testing.T) {
	executor := NewMockExecutor()
	executor.SetCreateError(errors.New("fork failed"))
	s := NewSupervisorWithExecutor(executor)

	_, err := s.Spawn(context.Background(), Spec{Name: "tor", Path: shPath(t)})
	require.Error(t, err)

	var startupErr *StartupError
	require.ErrorAs(t, err, &startupErr)
}

func TestSpawn_RedirectsOutputToLog(t *testing.T) {
	executor := NewMockExecutor()
	s := NewSupervisorWithExecutor(executor)
	logPath := filepath.Join(t.TempDir(), "tor.log")

	h, err := s.Spawn(context.Background(), Spec{
		Name:    "tor",
		Path:    shPath(t),
		LogPath: logPath,
	})
	require.NoError(t, err)

	proc := executor.Processes()[0]
	proc.SetStdout("bootstrap 10%\nbootstrap 100%\n")
	proc.exit()

	require.NoError(t, h.Wait())
	assert.False(t, h.Alive())

	content, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Equal(t, "bootstrap 10%\nbootstrap 100%\n", string(content))
}

func TestHandle_StopTerminatesGracefully(t *testing.T) {
	executor := NewMockExecutor()
	s := NewSupervisorWithExecutor(executor)

	h, err := s.Spawn(context.Background(), Spec{Name: "tgen", Path: shPath(t)})
	require.NoError(t, err)
	require.True(t, h.Alive())

	require.NoError(t, h.Stop(time.Second))

	proc := executor.Processes()[0]
	assert.True(t, proc.Terminated())
	assert.False(t, proc.Killed(), "graceful exit must not escalate to SIGKILL")
	assert.False(t, h.Alive())
}

func TestHandle_StopOnDeadProcessIsNoop(t *testing.T) {
	executor := NewMockExecutor()
	s := NewSupervisorWithExecutor(executor)

	h, err := s.Spawn(context.Background(), Spec{Name: "tgen", Path: shPath(t)})
	require.NoError(t, err)

	executor.Processes()[0].exit()
	require.NoError(t, h.Wait())

	require.NoError(t, h.Stop(time.Second))
	assert.False(t, executor.Processes()[0].Terminated())
}

func TestStopAll_ReverseOrder(t *testing.T) {
	executor := NewMockExecutor()
	s := NewSupervisorWithExecutor(executor)

	names := []string{"tor-server", "tor-client", "tgen-server", "tgen-client"}
	for _, name := range names {
		_, err := s.Spawn(context.Background(), Spec{Name: name, Path: shPath(t)})
		require.NoError(t, err)
	}

	s.StopAll(time.Second)

	for _, proc := range executor.Processes() {
		assert.True(t, proc.Terminated())
	}
}

func TestSpawn_RealProcess(t *testing.T) {
	sh := shPath(t)
	s := NewSupervisor()
	logPath := filepath.Join(t.TempDir(), "out.log")

	h, err := s.Spawn(context.Background(), Spec{
		Name:    "echo",
		Path:    sh,
		Args:    []string{"-c", "echo hello"},
		LogPath: logPath,
	})
	require.NoError(t, err)
	require.NoError(t, h.Wait())

	content, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(content))
}

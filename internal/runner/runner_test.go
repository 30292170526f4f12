package runner

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRunner(t *testing.T) *Runner {
	t.Helper()
	return &Runner{
		Workspace: t.TempDir(),
		Timeout:   10 * time.Second,
		MaxOutput: 1 << 20,
	}
}

func TestRun_Success(t *testing.T) {
	r := newTestRunner(t)
	res, err := r.Run(context.Background(), []string{"echo", "hello"}, "")
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.False(t, res.Failed())
	assert.Contains(t, string(res.Stdout), "hello")
	assert.Contains(t, string(res.Output), "hello")
	assert.NotEmpty(t, res.RunID)
	assert.GreaterOrEqual(t, res.Duration, time.Duration(0))
	assert.False(t, res.StartedAt.IsZero())
}

func TestRun_NonZeroExit(t *testing.T) {
	r := newTestRunner(t)
	res, err := r.Run(context.Background(), []string{"/usr/bin/false"}, "")
	require.NoError(t, err, "a non-zero exit is not a runner error")
	assert.NotEqual(t, 0, res.ExitCode)
	assert.True(t, res.Failed())
}

func TestRun_CombinedOutput(t *testing.T) {
	r := newTestRunner(t)
	res, err := r.Run(context.Background(), []string{"sh", "-c", "echo out; echo err >&2; exit 3"}, "")
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, "out\n", string(res.Stdout))
	assert.Equal(t, "err\n", string(res.Stderr))
	assert.Contains(t, string(res.Output), "out")
	assert.Contains(t, string(res.Output), "err")
}

func TestRun_BinaryNotFound(t *testing.T) {
	r := newTestRunner(t)
	_, err := r.Run(context.Background(), []string{"nonexistent-binary-xyz-123"}, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nonexistent-binary-xyz-123")

	var spawnErr *SpawnError
	require.True(t, errors.As(err, &spawnErr), "want *SpawnError, got %T", err)
	assert.Equal(t, "nonexistent-binary-xyz-123", spawnErr.Name)
}

func TestRun_EmptyArgv(t *testing.T) {
	r := newTestRunner(t)
	_, err := r.Run(context.Background(), nil, "")
	require.Error(t, err)
}

func TestRun_CWDWithinWorkspace(t *testing.T) {
	r := newTestRunner(t)
	sub := filepath.Join(r.Workspace, "subdir")
	require.NoError(t, os.Mkdir(sub, 0o755))

	res, err := r.Run(context.Background(), []string{"pwd"}, "subdir")
	require.NoError(t, err)
	assert.Contains(t, string(res.Stdout), "subdir")
}

func TestRun_CWDOutsideWorkspace(t *testing.T) {
	for _, cwd := range []string{"../", "/tmp"} {
		t.Run(cwd, func(t *testing.T) {
			r := newTestRunner(t)
			_, err := r.Run(context.Background(), []string{"echo"}, cwd)
			require.Error(t, err)
			assert.Contains(t, err.Error(), "outside workspace")
		})
	}
}

func TestRun_Timeout(t *testing.T) {
	r := newTestRunner(t)
	r.Timeout = 100 * time.Millisecond

	res, err := r.Run(context.Background(), []string{"sleep", "10"}, "")
	require.NoError(t, err, "a timeout is a command failure, not a spawn failure")
	assert.True(t, res.TimedOut)
	assert.True(t, res.Failed())
	assert.Less(t, res.Duration, 5*time.Second)
}

func TestRun_Env(t *testing.T) {
	r := newTestRunner(t)
	r.Env = []string{"RERUN_TEST_VALUE=42"}
	res, err := r.Run(context.Background(), []string{"sh", "-c", "echo $RERUN_TEST_VALUE"}, "")
	require.NoError(t, err)
	assert.Equal(t, "42", strings.TrimSpace(string(res.Stdout)))
}

func TestRun_OutputTruncation(t *testing.T) {
	r := newTestRunner(t)
	r.MaxOutput = 100 // very small cap

	// Generate output larger than cap.
	res, err := r.Run(context.Background(), []string{"sh", "-c", "dd if=/dev/zero bs=200 count=1 2>/dev/null"}, "")
	require.NoError(t, err)
	assert.True(t, res.Truncated)
	assert.LessOrEqual(t, len(res.Stdout), r.MaxOutput)
	assert.LessOrEqual(t, len(res.Output), r.MaxOutput)
}

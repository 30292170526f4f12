package workflow

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deixis/rerun/internal/config"
	"github.com/deixis/rerun/internal/filelock"
	"github.com/deixis/rerun/internal/multirun"
	"github.com/deixis/rerun/internal/report"
	"github.com/deixis/rerun/internal/runner"
)

func newMultitestEngine(t *testing.T, fr *fakeRunner, cfg *config.Config) *Engine {
	t.Helper()
	root := t.TempDir()
	return &Engine{Config: cfg, Runner: fr, Workspace: root, RepoRoot: root}
}

func TestMultitest_ConfiguredCommandAndCount(t *testing.T) {
	three := 3
	cfg := &config.Config{Multitest: config.MultitestConfig{
		Count:        &three,
		Command:      []string{"make", "check"},
		RawHeartbeat: "1h",
	}}
	fr := &fakeRunner{}
	e := newMultitestEngine(t, fr, cfg)
	var out bytes.Buffer

	res, err := e.Multitest(context.Background(), MultitestRequest{Out: &out})
	require.NoError(t, err)
	assert.Equal(t, []string{"make", "check"}, res.Command)
	assert.Len(t, fr.Calls, 3)
	assert.True(t, res.Summary.OK())

	rr := res.RunResult
	assert.Equal(t, report.Multitest, rr.Kind)
	assert.Equal(t, []string{"make", "check"}, rr.Command)
	assert.Equal(t, 3, rr.Passed)
	assert.Contains(t, out.String(), "3 runs: 3 passed, 0 failed, 0 spawn errors")
}

func TestMultitest_RequestOverridesConfig(t *testing.T) {
	zero := 0
	fr := &fakeRunner{Results: map[string]*runner.Result{"flaky": {ExitCode: 1, Output: []byte("ERR123")}}}
	e := newMultitestEngine(t, fr, &config.Config{Multitest: config.MultitestConfig{Count: &zero}})
	two := 2

	res, err := e.Multitest(context.Background(), MultitestRequest{Command: []string{"flaky"}, Count: &two, Heartbeat: -1})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Summary.Failed)
	assert.Equal(t, []int{0, 1}, res.Summary.FailedIndices())
	assert.Equal(t, "ERR123", res.RunResult.Iterations[1].Output)
}

func TestMultitest_SpawnErrorPolicy(t *testing.T) {
	spawn := &runner.SpawnError{Name: "gone", Err: assert.AnError}
	two := 2

	t.Run("abort", func(t *testing.T) {
		fr := &fakeRunner{Err: map[string]error{"gone": spawn}}
		res, err := newMultitestEngine(t, fr, &config.Config{}).
			Multitest(context.Background(), MultitestRequest{Command: []string{"gone"}, Count: &two})
		require.Error(t, err)
		require.NotNil(t, res, "an aborted session still reports what ran")
		assert.True(t, res.RunResult.Aborted)
		assert.Len(t, fr.Calls, 1)
	})

	t.Run("keep going from config", func(t *testing.T) {
		fr := &fakeRunner{Err: map[string]error{"gone": spawn}}
		cfg := &config.Config{Multitest: config.MultitestConfig{KeepGoing: true}}
		res, err := newMultitestEngine(t, fr, cfg).
			Multitest(context.Background(), MultitestRequest{Command: []string{"gone"}, Count: &two})
		require.NoError(t, err)
		assert.Equal(t, 2, res.Summary.SpawnErrors)
		assert.Len(t, fr.Calls, 2)
	})
}

func TestMultitest_OneSessionPerWorkspace(t *testing.T) {
	fr := &fakeRunner{}
	e := newMultitestEngine(t, fr, &config.Config{})

	held := filelock.New(config.MultitestLockPath(e.RepoRoot))
	require.NoError(t, held.TryAcquire())

	one := 1
	_, err := e.Multitest(context.Background(), MultitestRequest{Command: []string{"x"}, Count: &one})
	require.ErrorIs(t, err, ErrMultitestRunning)
	assert.Empty(t, fr.Calls)

	require.NoError(t, held.Release())
	_, err = e.Multitest(context.Background(), MultitestRequest{Command: []string{"x"}, Count: &one})
	require.NoError(t, err)
}

func TestMultitest_NegativeCount(t *testing.T) {
	neg := -1
	_, err := newMultitestEngine(t, &fakeRunner{}, &config.Config{}).
		Multitest(context.Background(), MultitestRequest{Command: []string{"x"}, Count: &neg})
	require.Error(t, err)
}

func TestMultitest_DefaultCommandForwardsConfig(t *testing.T) {
	exe, err := os.Executable()
	require.NoError(t, err)
	one := 1

	t.Run("implicit config", func(t *testing.T) {
		fr := &fakeRunner{}
		res, err := newMultitestEngine(t, fr, &config.Config{}).
			Multitest(context.Background(), MultitestRequest{Count: &one})
		require.NoError(t, err)
		assert.Equal(t, []string{exe, "test", "--color=always"}, res.Command)
		require.Len(t, fr.Calls, 1)
		assert.Equal(t, res.Command, fr.Calls[0])
	})

	t.Run("explicit config", func(t *testing.T) {
		fr := &fakeRunner{}
		e := newMultitestEngine(t, fr, &config.Config{})
		e.ConfigPath = filepath.Join(e.RepoRoot, "ci.yml")

		res, err := e.Multitest(context.Background(), MultitestRequest{Count: &one})
		require.NoError(t, err)
		assert.Equal(t, []string{exe, "test", "--color=always", "--config", e.ConfigPath}, res.Command)
		require.Len(t, fr.Calls, 1)
		assert.Equal(t, res.Command, fr.Calls[0])
	})

	t.Run("configured command wins", func(t *testing.T) {
		fr := &fakeRunner{}
		e := newMultitestEngine(t, fr, &config.Config{Multitest: config.MultitestConfig{Command: []string{"make", "check"}}})
		e.ConfigPath = "ci.yml"

		res, err := e.Multitest(context.Background(), MultitestRequest{Count: &one})
		require.NoError(t, err)
		assert.Equal(t, []string{"make", "check"}, res.Command)
	})
}

func TestMultitest_WaitForRunningSession(t *testing.T) {
	fr := &fakeRunner{}
	e := newMultitestEngine(t, fr, &config.Config{})

	held := filelock.New(config.MultitestLockPath(e.RepoRoot))
	require.NoError(t, held.TryAcquire())
	timer := time.AfterFunc(150*time.Millisecond, func() { _ = held.Release() })
	defer timer.Stop()

	one := 1
	res, err := e.Multitest(context.Background(), MultitestRequest{Command: []string{"x"}, Count: &one, Wait: true})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Summary.Passed)
}

func TestMultitest_WaitHonoursContext(t *testing.T) {
	e := newMultitestEngine(t, &fakeRunner{}, &config.Config{})
	held := filelock.New(config.MultitestLockPath(e.RepoRoot))
	require.NoError(t, held.TryAcquire())
	defer held.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	one := 1
	_, err := e.Multitest(ctx, MultitestRequest{Command: []string{"x"}, Count: &one, Wait: true})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestStartMultitest_ReleasesLockWhenDone(t *testing.T) {
	fr := &fakeRunner{Results: map[string]*runner.Result{"flaky": {ExitCode: 1, Output: []byte("ERR123")}}}
	e := newMultitestEngine(t, fr, &config.Config{})
	var indices []int
	three := 3

	s, err := e.StartMultitest(context.Background(), MultitestRequest{
		Command:     []string{"flaky"},
		Count:       &three,
		Heartbeat:   -1,
		OnIteration: func(it multirun.Iteration) { indices = append(indices, it.Index) },
	})
	require.NoError(t, err)

	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session did not finish")
	}
	res, err := s.Wait()
	require.NoError(t, err)
	assert.Equal(t, 3, res.Summary.Failed)
	assert.Equal(t, []int{0, 1, 2}, indices)

	lock := filelock.New(config.MultitestLockPath(e.RepoRoot))
	require.NoError(t, lock.TryAcquire(), "lock is free once the session is done")
	require.NoError(t, lock.Release())
}

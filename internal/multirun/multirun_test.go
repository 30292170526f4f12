package multirun

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/deixis/rerun/internal/runner"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// step scripts one invocation of scriptedInvoker.
type step struct {
	exit   int
	output string
	err    error
	delay  time.Duration
	panics bool
}

// scriptedInvoker replays steps in order, repeating the last one.
type scriptedInvoker struct {
	steps []step
	calls int
}

func (s *scriptedInvoker) Invoke(ctx context.Context) (*runner.Result, error) {
	st := s.steps[min(s.calls, len(s.steps)-1)]
	s.calls++
	if st.delay > 0 {
		time.Sleep(st.delay)
	}
	if st.panics {
		panic("invoker exploded")
	}
	if st.err != nil {
		return nil, st.err
	}
	return &runner.Result{ExitCode: st.exit, Output: []byte(st.output)}, nil
}

// durationLine matches the marker, heartbeat dots and duration of one iteration.
var durationLine = regexp.MustCompile(`(?m)^Run (\d+) \.* (\S+)$`)

func TestRun_ReportsOnlyFailingOutput(t *testing.T) {
	inv := &scriptedInvoker{steps: []step{
		{exit: 0, output: "ok-0"},
		{exit: 0, output: "ok-1"},
		{exit: 1, output: "ERR123"},
	}}
	var out bytes.Buffer

	sum, err := Run(context.Background(), inv, Options{Count: 3, Out: &out})
	require.NoError(t, err)

	text := out.String()
	matches := durationLine.FindAllStringSubmatch(text, -1)
	require.Len(t, matches, 3, "want one duration line per iteration:\n%s", text)
	for i, m := range matches {
		assert.Equal(t, fmt.Sprint(i), m[1])
		d, err := time.ParseDuration(m[2])
		require.NoError(t, err)
		assert.GreaterOrEqual(t, d, time.Duration(0))
	}

	assert.NotContains(t, text, "ok-0")
	assert.NotContains(t, text, "ok-1")
	assert.Equal(t, 1, strings.Count(text, "ERR123"))
	assert.Greater(t, strings.Index(text, "ERR123"), strings.Index(text, "Run 2 "),
		"failure output must belong to the third iteration")
	assert.Contains(t, text, "FAIL run 2 (exit 1)")

	assert.Equal(t, 3, sum.Completed)
	assert.Equal(t, 2, sum.Passed)
	assert.Equal(t, 1, sum.Failed)
	assert.False(t, sum.OK())
	assert.Equal(t, []int{2}, sum.FailedIndices())
	assert.Nil(t, sum.Iterations[0].Output, "passing output is discarded")
	assert.Equal(t, "ERR123", string(sum.Iterations[2].Output))
}

func TestRun_IterationsInOrder(t *testing.T) {
	for _, n := range []int{0, 1, 7} {
		t.Run(fmt.Sprint(n), func(t *testing.T) {
			inv := &scriptedInvoker{steps: []step{{exit: 0}}}
			var out bytes.Buffer

			sum, err := Run(context.Background(), inv, Options{Count: n, Out: &out})
			require.NoError(t, err)
			assert.Equal(t, n, inv.calls)
			assert.Equal(t, n, sum.Completed)
			require.Len(t, sum.Iterations, n)
			for i, it := range sum.Iterations {
				assert.Equal(t, i, it.Index)
			}
			assert.Len(t, durationLine.FindAllString(out.String(), -1), n)
			assert.True(t, sum.OK())
		})
	}
}

func TestRun_ZeroCountCompletes(t *testing.T) {
	inv := &scriptedInvoker{steps: []step{{exit: 1}}}
	s := Start(context.Background(), inv, Options{Count: 0})

	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("session with no iterations did not complete")
	}
	sum, err := s.Wait()
	require.NoError(t, err)
	assert.Zero(t, sum.Completed)
	assert.Zero(t, inv.calls)
	assert.True(t, sum.OK())
}

func TestRun_NegativeCount(t *testing.T) {
	_, err := Run(context.Background(), &scriptedInvoker{steps: []step{{}}}, Options{Count: -1})
	require.Error(t, err)
}

func TestRun_HeartbeatStopsBeforeReport(t *testing.T) {
	inv := &scriptedInvoker{steps: []step{{exit: 0, delay: 30 * time.Millisecond}}}
	var out bytes.Buffer

	_, err := Run(context.Background(), inv, Options{
		Count:     3,
		Heartbeat: 2 * time.Millisecond,
		Out:       &out,
	})
	require.NoError(t, err)

	text := out.String()
	matches := durationLine.FindAllStringSubmatch(text, -1)
	require.Len(t, matches, 3, text)
	for _, m := range matches {
		assert.Contains(t, m[0], ".", "expected heartbeat marks while the command ran")
	}

	// Every line is either an iteration line or the summary; a leaked
	// tick would land after a duration or inside the next marker.
	for _, line := range strings.Split(strings.TrimSpace(text), "\n") {
		if line == "" || strings.Contains(line, " runs: ") {
			continue
		}
		assert.Regexp(t, `^Run \d+ \.* \S+$`, line)
	}

	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, text, out.String(), "heartbeat wrote after Run returned")
}

func TestRun_PanickingInvokerReleasesHeartbeat(t *testing.T) {
	defer goleak.VerifyNone(t)

	inv := &scriptedInvoker{steps: []step{{panics: true, delay: 5 * time.Millisecond}}}
	assert.Panics(t, func() {
		_, _ = Run(context.Background(), inv, Options{Count: 1, Heartbeat: time.Millisecond, Out: &bytes.Buffer{}})
	})
}

func TestRun_SpawnFailureAborts(t *testing.T) {
	spawnErr := &runner.SpawnError{Name: "grunt", Err: errors.New("executable file not found in $PATH")}
	inv := &scriptedInvoker{steps: []step{{exit: 0}, {err: spawnErr}}}
	var out bytes.Buffer

	sum, err := Run(context.Background(), inv, Options{Count: 5, AbortOnSpawnError: true, Out: &out})
	require.Error(t, err)

	var sf *SpawnFailure
	require.True(t, errors.As(err, &sf), "want *SpawnFailure, got %T", err)
	assert.Equal(t, 1, sf.Index)
	assert.True(t, errors.Is(err, spawnErr))

	assert.True(t, sum.Aborted)
	assert.Equal(t, 2, sum.Completed)
	assert.Equal(t, 1, sum.SpawnErrors)
	assert.Zero(t, sum.Failed, "a spawn failure is not a verification failure")
	assert.Contains(t, out.String(), "ERROR run 1:")
	assert.Contains(t, out.String(), "aborted after 2 of 5")
}

func TestRun_SpawnFailureKeepGoing(t *testing.T) {
	inv := &scriptedInvoker{steps: []step{{err: errors.New("fork: resource temporarily unavailable")}}}

	sum, err := Run(context.Background(), inv, Options{Count: 3})
	require.NoError(t, err)
	assert.Equal(t, 3, sum.Completed)
	assert.Equal(t, 3, sum.SpawnErrors)
	assert.False(t, sum.OK())
}

func TestRun_ContextCancelledBetweenIterations(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	inv := &cancellingInvoker{cancel: cancel}

	sum, err := Run(ctx, inv, Options{Count: 10})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, sum.Completed, "the in-flight iteration is still reported")
	assert.True(t, sum.Aborted)
}

func TestRun_HugeCountDoesNotPreallocate(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sum, err := Run(ctx, &scriptedInvoker{steps: []step{{exit: 0}}}, Options{Count: math.MaxInt})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, math.MaxInt, sum.Count)
	assert.Zero(t, sum.Completed)
	assert.True(t, sum.Aborted)
}

func TestRun_OnIteration(t *testing.T) {
	inv := &scriptedInvoker{steps: []step{{exit: 0}, {exit: 1, output: "ERR123"}, {exit: 0}}}
	var seen []int
	var failed []bool

	_, err := Run(context.Background(), inv, Options{
		Count: 3,
		OnIteration: func(it Iteration) {
			seen = append(seen, it.Index)
			failed = append(failed, it.Failed())
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2}, seen)
	assert.Equal(t, []bool{false, true, false}, failed)
}

type cancellingInvoker struct {
	cancel context.CancelFunc
}

func (c *cancellingInvoker) Invoke(context.Context) (*runner.Result, error) {
	c.cancel()
	return &runner.Result{}, nil
}

func TestRun_TimedOutIterationIsFailure(t *testing.T) {
	inv := invokerFunc(func(context.Context) (*runner.Result, error) {
		return &runner.Result{ExitCode: -1, TimedOut: true, Output: []byte("hung")}, nil
	})
	var out bytes.Buffer

	sum, err := Run(context.Background(), inv, Options{Count: 1, Out: &out})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Failed)
	assert.Contains(t, out.String(), "FAIL run 0 (timed out)")
	assert.Contains(t, out.String(), "hung")
}

type invokerFunc func(context.Context) (*runner.Result, error)

func (f invokerFunc) Invoke(ctx context.Context) (*runner.Result, error) { return f(ctx) }

func TestSummary_RunResult(t *testing.T) {
	inv := &scriptedInvoker{steps: []step{{exit: 0}, {exit: 2, output: "boom"}}}
	sum, err := Run(context.Background(), inv, Options{Count: 2})
	require.NoError(t, err)

	rr := sum.RunResult([]string{"rerun", "test"})
	assert.Equal(t, sum.ID, rr.ID)
	assert.Equal(t, []string{"rerun", "test"}, rr.Command)
	require.Len(t, rr.Iterations, 2)
	assert.False(t, rr.Iterations[0].Failed)
	assert.Empty(t, rr.Iterations[0].Output)
	assert.True(t, rr.Iterations[1].Failed)
	assert.Equal(t, 2, rr.Iterations[1].ExitCode)
	assert.Equal(t, "boom", rr.Iterations[1].Output)
}

// Child-process tests below exercise the real runner.

func newRunner(t *testing.T) *runner.Runner {
	t.Helper()
	return &runner.Runner{Workspace: t.TempDir(), Timeout: 10 * time.Second, MaxOutput: 1 << 20}
}

func TestCommand_FlakyChild(t *testing.T) {
	r := newRunner(t)
	counter := filepath.Join(r.Workspace, "count")
	require.NoError(t, os.WriteFile(counter, nil, 0o644))

	// Fails with combined stdout/stderr on the third invocation only.
	script := `echo x >> count; n=$(wc -l < count); if [ "$n" -eq 3 ]; then echo ERR123; echo stderr-detail >&2; exit 1; fi; echo fine`
	cmd := &Command{Runner: r, Argv: []string{"sh", "-c", script}}
	var out bytes.Buffer

	sum, err := Run(context.Background(), cmd, Options{Count: 4, Heartbeat: 50 * time.Millisecond, Out: &out})
	require.NoError(t, err)

	assert.Equal(t, 3, sum.Passed)
	assert.Equal(t, 1, sum.Failed)
	assert.Equal(t, []int{2}, sum.FailedIndices())
	text := out.String()
	assert.NotContains(t, text, "fine")
	assert.Contains(t, text, "ERR123")
	assert.Contains(t, text, "stderr-detail")
	assert.Equal(t, "sh -c "+script, cmd.String())
}

func TestCommand_CancelledDuringFinalIteration(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	timer := time.AfterFunc(100*time.Millisecond, cancel)
	defer timer.Stop()

	cmd := &Command{Runner: newRunner(t), Argv: []string{"sh", "-c", "exec sleep 5"}}
	var out bytes.Buffer
	var reported int

	sum, err := Run(ctx, cmd, Options{Count: 1, Out: &out, OnIteration: func(Iteration) { reported++ }})
	require.ErrorIs(t, err, context.Canceled)
	assert.True(t, sum.Aborted)
	assert.Zero(t, sum.Failed, "a cancelled child is not a test failure")
	assert.Zero(t, sum.Completed)
	assert.Empty(t, sum.Iterations)
	assert.Zero(t, reported)
	assert.False(t, sum.OK())

	text := out.String()
	assert.Contains(t, text, "INTERRUPTED run 0")
	assert.NotContains(t, text, "FAIL run 0")
	assert.Contains(t, text, "(aborted after 0 of 1)")
}

func TestSelfCommand(t *testing.T) {
	exe, err := os.Executable()
	require.NoError(t, err)

	argv, err := SelfCommand("")
	require.NoError(t, err)
	assert.Equal(t, []string{exe, "test", "--color=always"}, argv)

	argv, err = SelfCommand("/repo/ci.yml")
	require.NoError(t, err)
	assert.Equal(t, []string{exe, "test", "--color=always", "--config", "/repo/ci.yml"}, argv)
}

func TestCommand_MissingExecutable(t *testing.T) {
	cmd := &Command{Runner: newRunner(t), Argv: []string{"rerun-no-such-binary-123"}}
	var out bytes.Buffer

	sum, err := Run(context.Background(), cmd, Options{Count: 3, AbortOnSpawnError: true, Out: &out})

	var sf *SpawnFailure
	require.True(t, errors.As(err, &sf), "want *SpawnFailure, got %v", err)
	var spawnErr *runner.SpawnError
	assert.True(t, errors.As(err, &spawnErr))
	assert.Equal(t, 1, sum.Completed)
	assert.Zero(t, sum.Failed)
	assert.Contains(t, out.String(), "rerun-no-such-binary-123")
}

// Package multirun runs a verification command many times in series to
// surface failures that only happen occasionally.
//
// Each iteration prints a "Run <i> " marker, a heartbeat while the command
// runs, and the elapsed time. Output is printed only for iterations that
// fail, so a clean session stays quiet and a sporadic failure stands out.
// Iterations never overlap: iteration i+1 starts only after iteration i
// has been reported.
package multirun

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/deixis/rerun/internal/console"
	"github.com/deixis/rerun/internal/heartbeat"
	"github.com/deixis/rerun/internal/runner"
)

// Invoker runs the command under test once. A returned error means the
// command could not be run at all (environment failure); a command that
// ran and failed is reported through the Result.
type Invoker interface {
	Invoke(ctx context.Context) (*runner.Result, error)
}

// CommandRunner executes commands within a workspace.
// Implemented by runner.Runner.
type CommandRunner interface {
	Run(ctx context.Context, argv []string, cwd string) (*runner.Result, error)
}

// Command is an Invoker that runs a fixed argv as a child process.
type Command struct {
	Runner CommandRunner
	Argv   []string
	Dir    string // relative to the runner workspace; empty for the workspace root
}

// Invoke runs the command once.
func (c *Command) Invoke(ctx context.Context) (*runner.Result, error) {
	return c.Runner.Run(ctx, c.Argv, c.Dir)
}

func (c *Command) String() string {
	return strings.Join(c.Argv, " ")
}

// SelfCommand returns the default command under test: the running binary's
// test subcommand with colour forced, so failure output keeps its markers
// when captured through a pipe. A non-empty configPath is passed on so the
// child verifies with the same configuration as the parent.
func SelfCommand(configPath string) ([]string, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locating rerun binary: %w", err)
	}
	argv := []string{exe, "test", "--color=always"}
	if configPath != "" {
		argv = append(argv, "--config", configPath)
	}
	return argv, nil
}

// maxPrealloc bounds the iteration slice reserved up front; Count comes
// from callers and may be arbitrarily large.
const maxPrealloc = 1024

// Options configures a session.
type Options struct {
	Count             int           // number of iterations; 0 runs none
	Heartbeat         time.Duration // interval between heartbeat marks; <= 0 disables them
	Mark              string        // heartbeat mark, "." by default
	AbortOnSpawnError bool          // stop the session when the command cannot be started
	Out               io.Writer     // progress and failure output; nil discards
	Colors            *console.Scheme
	Logger            *zap.Logger

	// OnIteration, when set, is called after each iteration has been
	// reported, on the goroutine running the session.
	OnIteration func(Iteration)
}

// Run executes the session and blocks until every iteration has been
// reported, the context is cancelled, or a spawn failure aborts it.
//
// The returned Summary is nil only for invalid options. The error is nil
// when the loop ran to completion, even if iterations failed; inspect
// Summary.OK for that.
// A spawn failure with AbortOnSpawnError yields a *SpawnFailure, and
// cancellation yields ctx.Err(). An iteration cut short by cancellation is
// reported as interrupted and left out of the summary.
func Run(ctx context.Context, inv Invoker, opts Options) (*Summary, error) {
	if opts.Count < 0 {
		return nil, fmt.Errorf("count must not be negative, got %d", opts.Count)
	}
	out := opts.Out
	if out == nil {
		out = io.Discard
	}
	colors := opts.Colors
	if colors == nil {
		colors = console.NewScheme(false)
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	sum := &Summary{
		ID:         uuid.New().String(),
		Count:      opts.Count,
		StartedAt:  time.Now(),
		Iterations: make([]Iteration, 0, min(opts.Count, maxPrealloc)),
	}
	log = log.With(zap.String("session", sum.ID))
	log.Debug("multitest started", zap.Int("count", opts.Count))

	for i := 0; i < opts.Count; i++ {
		if err := ctx.Err(); err != nil {
			sum.Aborted = true
			return sum.finish(out, colors), err
		}

		it := runOnce(ctx, inv, i, out, opts)
		if err := ctx.Err(); err != nil && !it.Passed() {
			// The child was killed by the cancellation, not by its own failure.
			it.Interrupted = true
			printIteration(out, colors, it)
			log.Debug("iteration interrupted", zap.Int("index", it.Index))
			sum.Aborted = true
			return sum.finish(out, colors), err
		}
		printIteration(out, colors, it)
		sum.record(it)
		if opts.OnIteration != nil {
			opts.OnIteration(it)
		}

		log.Debug("iteration finished",
			zap.Int("index", it.Index),
			zap.Int("exit_code", it.ExitCode),
			zap.Duration("duration", it.Duration),
			zap.Bool("failed", it.Failed()))

		if it.Err != nil {
			log.Warn("command could not be started", zap.Int("index", it.Index), zap.Error(it.Err))
			if opts.AbortOnSpawnError {
				sum.Aborted = true
				return sum.finish(out, colors), &SpawnFailure{Index: it.Index, Err: it.Err}
			}
		}
	}

	return sum.finish(out, colors), nil
}

// runOnce executes iteration i. The heartbeat is released on every exit
// path, including a panicking Invoker.
func runOnce(ctx context.Context, inv Invoker, i int, out io.Writer, opts Options) Iteration {
	fmt.Fprintf(out, "Run %d ", i)

	beat := heartbeat.Start(out, opts.Heartbeat, opts.Mark)
	defer beat.Stop()

	start := time.Now()
	res, err := inv.Invoke(ctx)
	elapsed := time.Since(start)
	beat.Stop()

	it := Iteration{Index: i, Duration: elapsed}
	if err != nil {
		it.Err = err
		it.ExitCode = -1
		return it
	}
	it.ExitCode = res.ExitCode
	it.TimedOut = res.TimedOut
	it.Truncated = res.Truncated
	if res.Failed() {
		it.Output = res.Output
	}
	return it
}

// printIteration writes the per-iteration result. It runs only after the
// heartbeat has stopped, so it owns the writer.
func printIteration(out io.Writer, colors *console.Scheme, it Iteration) {
	fmt.Fprintf(out, " %s\n", formatDuration(it.Duration))

	switch {
	case it.Interrupted:
		fmt.Fprintln(out, colors.Warn("INTERRUPTED run %d", it.Index))
	case it.Err != nil:
		fmt.Fprintf(out, "%s %v\n", colors.Warn("ERROR run %d:", it.Index), it.Err)
	case it.Failed():
		reason := fmt.Sprintf("exit %d", it.ExitCode)
		if it.TimedOut {
			reason = "timed out"
		}
		fmt.Fprintln(out, colors.Fail("FAIL run %d (%s)", it.Index, reason))
		if len(it.Output) > 0 {
			_, _ = out.Write(it.Output)
			if it.Output[len(it.Output)-1] != '\n' {
				fmt.Fprintln(out)
			}
		}
		if it.Truncated {
			fmt.Fprintln(out, colors.Faint("(output truncated)"))
		}
	}
}

func formatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	return d.Round(time.Millisecond).String()
}

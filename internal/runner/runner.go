// Package runner provides safe command execution with workspace bounds,
// timeouts, and output size limits.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultMaxOutput = 1 << 20
	// waitDelay bounds how long Wait keeps copying output after the process
	// exits or is killed, for grandchildren that inherited the pipes.
	waitDelay = 5 * time.Second
)

// Runner executes commands safely within a workspace boundary.
type Runner struct {
	Workspace string
	Timeout   time.Duration
	MaxOutput int      // bytes
	Env       []string // extra KEY=VALUE pairs appended to the inherited environment
	Logger    *zap.Logger
}

// SpawnError reports that a command could not be started at all, as
// opposed to starting and exiting with a non-zero status.
type SpawnError struct {
	Name string
	Err  error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("executing %s: %v", e.Name, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// Run executes a command with the given argv. The first element is the
// binary name (resolved via PATH), and the rest are arguments.
// cwd is resolved relative to the workspace root and must remain within it.
//
// A non-zero exit is reported through Result.ExitCode, not as an error.
// A command that cannot be started yields a *SpawnError.
func (r *Runner) Run(ctx context.Context, argv []string, cwd string) (*Result, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty argv")
	}

	// Resolve and validate cwd.
	dir, err := r.resolveDir(cwd)
	if err != nil {
		return nil, err
	}

	log := r.logger()
	maxOutput := r.MaxOutput
	if maxOutput <= 0 {
		maxOutput = defaultMaxOutput
	}

	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	runID := uuid.New().String()

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.WaitDelay = waitDelay
	if len(r.Env) > 0 {
		cmd.Env = append(os.Environ(), r.Env...)
	}

	var stdout, stderr, combined bytes.Buffer
	out := &limitWriter{buf: &combined, limit: maxOutput}
	// Both streams share one combined writer; exec may copy them from
	// separate goroutines.
	shared := &syncWriter{w: out}
	cmd.Stdout = io.MultiWriter(&limitWriter{buf: &stdout, limit: maxOutput}, shared)
	cmd.Stderr = io.MultiWriter(&limitWriter{buf: &stderr, limit: maxOutput}, shared)

	log.Debug("starting command",
		zap.String("run_id", runID),
		zap.Strings("argv", argv),
		zap.String("dir", dir))

	startedAt := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, &SpawnError{Name: argv[0], Err: err}
	}
	runErr := cmd.Wait()
	duration := time.Since(startedAt)

	truncated := stdout.Len() >= maxOutput || stderr.Len() >= maxOutput || combined.Len() >= maxOutput
	timedOut := errors.Is(ctx.Err(), context.DeadlineExceeded)

	exitCode := 0
	if runErr != nil {
		var exitErr *exec.ExitError
		switch {
		case errors.As(runErr, &exitErr):
			exitCode = exitErr.ExitCode()
		case errors.Is(runErr, exec.ErrWaitDelay) && cmd.ProcessState != nil:
			exitCode = cmd.ProcessState.ExitCode()
		default:
			// I/O failure copying output after a successful start.
			return nil, fmt.Errorf("waiting for %s: %w", argv[0], runErr)
		}
	}

	log.Debug("command finished",
		zap.String("run_id", runID),
		zap.Int("exit_code", exitCode),
		zap.Bool("timed_out", timedOut),
		zap.Duration("duration", duration))

	return &Result{
		RunID:     runID,
		ExitCode:  exitCode,
		Stdout:    stdout.Bytes(),
		Stderr:    stderr.Bytes(),
		Output:    combined.Bytes(),
		Truncated: truncated,
		TimedOut:  timedOut,
		StartedAt: startedAt,
		Duration:  duration,
	}, nil
}

func (r *Runner) logger() *zap.Logger {
	if r.Logger == nil {
		return zap.NewNop()
	}
	return r.Logger
}

// resolveDir resolves cwd relative to the workspace and validates it
// is within the workspace boundary.
func (r *Runner) resolveDir(cwd string) (string, error) {
	if cwd == "" {
		return r.Workspace, nil
	}

	var dir string
	if filepath.IsAbs(cwd) {
		dir = filepath.Clean(cwd)
	} else {
		dir = filepath.Clean(filepath.Join(r.Workspace, cwd))
	}

	// Ensure dir is within workspace.
	rel, err := filepath.Rel(r.Workspace, dir)
	if err != nil {
		return "", fmt.Errorf("resolving cwd: %w", err)
	}
	if strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("cwd %q is outside workspace %q", cwd, r.Workspace)
	}
	return dir, nil
}

// limitWriter writes up to limit bytes to buf, then silently discards the rest.
type limitWriter struct {
	buf   *bytes.Buffer
	limit int
}

func (w *limitWriter) Write(p []byte) (int, error) {
	remaining := w.limit - w.buf.Len()
	if remaining <= 0 {
		return len(p), nil // discard
	}
	if len(p) > remaining {
		// Write only what fits, but report all bytes as consumed
		// to avoid short write errors from io.Copy.
		w.buf.Write(p[:remaining])
		return len(p), nil
	}
	return w.buf.Write(p)
}

type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (w *syncWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.w.Write(p)
}

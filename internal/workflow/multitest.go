package workflow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/deixis/rerun/internal/config"
	"github.com/deixis/rerun/internal/console"
	"github.com/deixis/rerun/internal/filelock"
	"github.com/deixis/rerun/internal/multirun"
	"github.com/deixis/rerun/internal/report"
)

// ErrMultitestRunning is returned when another multitest session holds
// the workspace lock.
var ErrMultitestRunning = errors.New("another multitest session is running in this workspace")

// MultitestRequest describes one multitest session. Zero values fall back
// to the configuration.
type MultitestRequest struct {
	Command   []string      // default: Config.Multitest.Command, then multirun.SelfCommand
	Count     *int          // default: Config.MultitestCount
	Heartbeat time.Duration // default: Config.HeartbeatInterval; negative disables
	KeepGoing bool          // continue past spawn failures (also Config.Multitest.KeepGoing)
	Wait      bool          // wait for a running session instead of failing with ErrMultitestRunning
	Out       io.Writer
	Colors    *console.Scheme

	// OnIteration is called after each reported iteration.
	OnIteration func(multirun.Iteration)
}

// MultitestResult is the outcome of a multitest session.
type MultitestResult struct {
	Command   []string
	Summary   *multirun.Summary
	RunResult *report.RunResult
}

// MultitestSession is a multitest running in the background. It holds the
// workspace lock until the session completes.
type MultitestSession struct {
	command []string
	session *multirun.Session
	done    chan struct{}
}

// Done is closed when the session has finished and the lock is released.
func (s *MultitestSession) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until the session finishes. The result is non-nil whenever
// the session produced a summary, including when it was aborted by a
// spawn failure or cancellation; the error then carries the reason.
func (s *MultitestSession) Wait() (*MultitestResult, error) {
	<-s.done
	sum, err := s.session.Wait()
	if sum == nil {
		return nil, err
	}
	return &MultitestResult{
		Command:   s.command,
		Summary:   sum,
		RunResult: sum.RunResult(s.command),
	}, err
}

// Multitest runs the verification command repeatedly under the workspace
// lock and blocks until the session completes.
func (e *Engine) Multitest(ctx context.Context, req MultitestRequest) (*MultitestResult, error) {
	s, err := e.StartMultitest(ctx, req)
	if err != nil {
		return nil, err
	}
	return s.Wait()
}

// StartMultitest validates the request, takes the workspace lock and starts
// the session in the background.
func (e *Engine) StartMultitest(ctx context.Context, req MultitestRequest) (*MultitestSession, error) {
	argv, err := e.multitestCommand(req.Command)
	if err != nil {
		return nil, err
	}

	count := e.Config.MultitestCount()
	if req.Count != nil {
		count = *req.Count
	}
	if count < 0 {
		return nil, fmt.Errorf("count must not be negative, got %d", count)
	}

	hb := req.Heartbeat
	if hb == 0 {
		hb = e.Config.HeartbeatInterval()
	}

	lock := filelock.New(config.MultitestLockPath(e.root()))
	if req.Wait {
		e.logger().Debug("waiting for multitest lock", zap.String("lock", lock.Path()))
		err = lock.Acquire(ctx)
	} else {
		err = lock.TryAcquire()
	}
	if err != nil {
		if errors.Is(err, filelock.ErrLocked) {
			return nil, fmt.Errorf("%w (lock %s)", ErrMultitestRunning, lock.Path())
		}
		return nil, err
	}

	e.logger().Debug("multitest starting",
		zap.Strings("command", argv),
		zap.Int("count", count),
		zap.Duration("heartbeat", hb))

	s := &MultitestSession{
		command: argv,
		done:    make(chan struct{}),
		session: multirun.Start(ctx, &multirun.Command{Runner: e.Runner, Argv: argv}, multirun.Options{
			Count:             count,
			Heartbeat:         hb,
			AbortOnSpawnError: !(req.KeepGoing || e.Config.Multitest.KeepGoing),
			Out:               req.Out,
			Colors:            req.Colors,
			Logger:            e.Logger,
			OnIteration:       req.OnIteration,
		}),
	}
	go func() {
		defer close(s.done)
		<-s.session.Done()
		if err := lock.Release(); err != nil {
			e.logger().Warn("releasing multitest lock", zap.Error(err))
		}
	}()
	return s, nil
}

func (e *Engine) multitestCommand(argv []string) ([]string, error) {
	switch {
	case len(argv) > 0:
		return argv, nil
	case len(e.Config.Multitest.Command) > 0:
		return e.Config.Multitest.Command, nil
	default:
		return multirun.SelfCommand(e.ConfigPath)
	}
}

func (e *Engine) root() string {
	if e.RepoRoot != "" {
		return e.RepoRoot
	}
	return e.Workspace
}

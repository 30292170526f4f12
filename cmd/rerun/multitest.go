package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/deixis/rerun/internal/config"
	"github.com/deixis/rerun/internal/console"
	"github.com/deixis/rerun/internal/history"
	"github.com/deixis/rerun/internal/multirun"
	"github.com/deixis/rerun/internal/report"
	"github.com/deixis/rerun/internal/workflow"
)

type multitestOptions struct {
	count         int
	heartbeat     time.Duration
	timeout       time.Duration
	allowFailures bool
	keepGoing     bool
	noHistory     bool
	wait          bool
	color         string
}

func (a *app) newMultitestCommand() *cobra.Command {
	opts := &multitestOptions{}
	cmd := &cobra.Command{
		Use:   "multitest [flags] [-- command args...]",
		Short: "Run the verification repeatedly to surface intermittent failures",
		Long: `Run a verification command many times in series. Each iteration prints
"Run <i> ", a dot every heartbeat while the command runs, and the elapsed time.
Output is printed only for iterations that fail.

The default command is "rerun test --color=always", with --config passed on
when given. Only one multitest session may run per workspace at a time; use
--wait to queue behind a running one.`,
		Example: `  rerun multitest
  rerun multitest -n 20
  rerun multitest -n 50 -- go test -run TestFlaky ./internal/cache`,
		Args: cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runMultitest(cmd, args, opts)
		},
	}

	f := cmd.Flags()
	f.IntVarP(&opts.count, "count", "n", config.DefaultCount, "number of iterations (default from config)")
	f.DurationVar(&opts.heartbeat, "heartbeat", config.DefaultHeartbeat, "interval between progress marks; 0 disables them")
	f.DurationVar(&opts.timeout, "timeout", 0, "override the configured per-iteration timeout (e.g. 5m)")
	f.BoolVar(&opts.allowFailures, "allow-failures", false, "exit 0 even when iterations fail")
	f.BoolVar(&opts.keepGoing, "keep-going", false, "continue when the command cannot be started instead of aborting")
	f.BoolVar(&opts.noHistory, "no-history", false, "do not record the session in the history database")
	f.BoolVar(&opts.wait, "wait", false, "wait for a running session in this workspace instead of failing")
	f.StringVar(&opts.color, "color", "", "colour mode: auto, always or never (default from config)")
	return cmd
}

func (a *app) runMultitest(cmd *cobra.Command, command []string, opts *multitestOptions) error {
	ctx, stop := signal.NotifyContext(cmdContext(cmd), interruptSignals...)
	defer stop()

	eng, loaded, err := a.newEngine(opts.timeout)
	if err != nil {
		return err
	}
	cfg := eng.Config

	req := workflow.MultitestRequest{
		Command:   command,
		KeepGoing: opts.keepGoing,
		Wait:      opts.wait,
		Out:       cmd.OutOrStdout(),
	}
	if cmd.Flags().Changed("count") {
		if opts.count < 0 {
			return usageError{err: fmt.Errorf("--count: must not be negative, got %d", opts.count)}
		}
		req.Count = &opts.count
	}
	if cmd.Flags().Changed("heartbeat") {
		req.Heartbeat = opts.heartbeat
		if req.Heartbeat <= 0 {
			req.Heartbeat = -1
		}
	}

	mode := cfg.ColorMode()
	if opts.color != "" {
		mode = opts.color
	}
	if err := config.ValidateColor(mode); err != nil {
		return usageError{err: fmt.Errorf("--color: %w", err)}
	}
	req.Colors = console.NewScheme(console.Enabled(mode, req.Out))

	res, runErr := eng.Multitest(ctx, req)
	if res == nil {
		return runErr
	}

	a.persist(res.RunResult, loaded, opts.noHistory)
	fmt.Fprintln(req.Out, req.Colors.Faint("session %s", res.Summary.ID))

	var sf *multirun.SpawnFailure
	switch {
	case errors.As(runErr, &sf):
		return runErr
	case runErr != nil:
		return fmt.Errorf("multitest interrupted: %w", runErr)
	case !res.Summary.OK() && !(opts.allowFailures || cfg.Multitest.AllowFailures):
		return exitError{code: 1}
	}
	return nil
}

// persist stores the session for inspection and records it in the history
// database. Failures are logged; the session outcome stands regardless.
func (a *app) persist(rr *report.RunResult, loaded *config.LoadResult, noHistory bool) {
	store := report.NewDiskStore(config.RunsDir(loaded.RepoRoot))
	if err := store.Save(rr); err != nil {
		a.logger.Warn("storing multitest run", zap.String("run", rr.ID), zap.Error(err))
	}

	path := loaded.Config.HistoryPath(loaded.RepoRoot)
	if noHistory || path == "" {
		return
	}
	db, err := history.Open(path)
	if err != nil {
		a.logger.Warn("opening history", zap.String("path", path), zap.Error(err))
		return
	}
	defer db.Close()
	if err := db.Record(context.Background(), rr); err != nil {
		a.logger.Warn("recording history", zap.String("run", rr.ID), zap.Error(err))
	}
}

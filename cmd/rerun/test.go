package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/deixis/rerun/internal/config"
	"github.com/deixis/rerun/internal/console"
	"github.com/deixis/rerun/internal/workflow"
)

type testOptions struct {
	json     bool
	timeout  time.Duration
	reporter string
	color    string
}

func bindTestFlags(cmd *cobra.Command, opts *testOptions) {
	cmd.Flags().BoolVar(&opts.json, "json", false, "output results as JSON")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 0, "override the configured per-command timeout (e.g. 5m)")
	cmd.Flags().StringVar(&opts.reporter, "reporter", "", "test output style: summary or raw (default from config)")
	cmd.Flags().StringVar(&opts.color, "color", "", "colour mode: auto, always or never (default from config)")
}

func (a *app) newTestCommand() *cobra.Command {
	opts := &testOptions{}
	cmd := &cobra.Command{
		Use:   "test [packages]",
		Short: "Run the verification steps (lint, then test)",
		Long: `Run the configured verification steps in sequence, stopping at the first
failure. The default steps are lint (golangci-lint) followed by test (go test).
Exits with status 1 when any step fails.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runTest(cmd, args, opts)
		},
	}
	bindTestFlags(cmd, opts)
	return cmd
}

func (a *app) newLintCommand() *cobra.Command {
	opts := &testOptions{}
	cmd := &cobra.Command{
		Use:   "lint [packages]",
		Short: "Run golangci-lint alone",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runSteps(cmd, args, opts, []string{"lint"})
		},
	}
	bindTestFlags(cmd, opts)
	return cmd
}

func (a *app) runTest(cmd *cobra.Command, packages []string, opts *testOptions) error {
	return a.runSteps(cmd, packages, opts, nil)
}

// runSteps runs the verification engine. A nil steps list uses the
// configured steps.
func (a *app) runSteps(cmd *cobra.Command, packages []string, opts *testOptions, steps []string) error {
	ctx, stop := signal.NotifyContext(cmdContext(cmd), interruptSignals...)
	defer stop()

	eng, _, err := a.newEngine(opts.timeout)
	if err != nil {
		return err
	}
	if steps != nil {
		eng.Config.Steps = steps
	}

	reporter := eng.Config.Reporter()
	if opts.reporter != "" {
		reporter = opts.reporter
	}
	if reporter != config.ReporterSummary && reporter != config.ReporterRaw {
		return usageError{err: fmt.Errorf("--reporter: unknown reporter %q (want %s or %s)", reporter, config.ReporterSummary, config.ReporterRaw)}
	}
	mode := eng.Config.ColorMode()
	if opts.color != "" {
		mode = opts.color
	}
	if err := config.ValidateColor(mode); err != nil {
		return usageError{err: fmt.Errorf("--color: %w", err)}
	}

	result, err := eng.Verify(ctx, packages)
	if err != nil {
		return fmt.Errorf("verify: %w", err)
	}

	out := cmd.OutOrStdout()
	if opts.json {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(result.RunResult); err != nil {
			return err
		}
	} else {
		workflow.WriteVerify(out, result, workflow.RenderOptions{
			Reporter: reporter,
			Verbose:  a.verbose,
			Colors:   console.NewScheme(console.Enabled(mode, out)),
		})
	}

	if !result.OK() {
		return exitError{code: 1}
	}
	return nil
}

func cmdContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

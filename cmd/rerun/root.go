package main

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/deixis/rerun"
	"github.com/deixis/rerun/internal/config"
	"github.com/deixis/rerun/internal/runner"
	"github.com/deixis/rerun/internal/workflow"
)

// app holds state shared by every subcommand.
type app struct {
	verbose    bool
	configPath string
	logger     *zap.Logger
}

// NewRootCommand creates the rerun command tree. Running rerun without a
// subcommand is the same as rerun test.
func NewRootCommand() *cobra.Command {
	a := &app{logger: zap.NewNop()}
	opts := &testOptions{}

	cmd := &cobra.Command{
		Use:   "rerun [packages]",
		Short: "Verify Go code and hunt for flaky failures",
		Long: `rerun runs the project's verification (lint, then test) and can repeat it
many times in series to surface failures that only happen occasionally.

Running rerun without a subcommand is the same as "rerun test".`,
		Version:       rerun.Version,
		Args:          cobra.ArbitraryArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger(a.verbose)
			if err != nil {
				return fmt.Errorf("initializing logger: %w", err)
			}
			a.logger = logger
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			_ = a.logger.Sync()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runTest(cmd, args, opts)
		},
	}

	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usageError{err: err}
	})

	cmd.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "verbose output and debug logging")
	cmd.PersistentFlags().StringVar(&a.configPath, "config", "", "path to the config file (default: <module root>/.rerun)")
	bindTestFlags(cmd, opts)

	cmd.AddCommand(a.newTestCommand())
	cmd.AddCommand(a.newLintCommand())
	cmd.AddCommand(a.newMultitestCommand())
	cmd.AddCommand(a.newHistoryCommand())
	cmd.AddCommand(a.newMCPCommand())
	cmd.AddCommand(newVersionCommand())

	return cmd
}

// newLogger builds the process logger: console-encoded on stderr at warn
// level, or debug when verbose.
func newLogger(verbose bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	cfg.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	return cfg.Build()
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  usageArgs(cobra.NoArgs),
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), rerun.Version)
		},
	}
}

// loadConfig reads the configuration for the current directory.
func (a *app) loadConfig() (*config.LoadResult, string, error) {
	workspace, err := os.Getwd()
	if err != nil {
		return nil, "", fmt.Errorf("determining workspace: %w", err)
	}
	loaded, err := config.LoadPath(workspace, a.configPath)
	if err != nil {
		return nil, "", fmt.Errorf("loading config: %w", err)
	}
	if loaded.Path != "" {
		a.logger.Debug("config loaded", zap.String("path", loaded.Path))
	}
	return loaded, workspace, nil
}

// newEngine wires the verification engine for the current directory.
// A positive timeoutOverride replaces the configured per-command timeout.
func (a *app) newEngine(timeoutOverride time.Duration) (*workflow.Engine, *config.LoadResult, error) {
	loaded, workspace, err := a.loadConfig()
	if err != nil {
		return nil, nil, err
	}
	cfg := loaded.Config

	timeout := cfg.Timeout()
	if timeoutOverride > 0 {
		timeout = timeoutOverride
	}

	configPath, err := a.explicitConfigPath()
	if err != nil {
		return nil, nil, err
	}

	r := &runner.Runner{
		Workspace: loaded.RepoRoot,
		Timeout:   timeout,
		MaxOutput: cfg.MaxOutputBytes(),
		Logger:    a.logger,
	}

	return &workflow.Engine{
		Config:     cfg,
		Runner:     r,
		Workspace:  workspace,
		RepoRoot:   loaded.RepoRoot,
		Logger:     a.logger,
		ConfigPath: configPath,
	}, loaded, nil
}

// explicitConfigPath returns the absolute --config path, or "" when the
// flag was not given. Child processes run from the module root, so a
// relative path would not resolve for them.
func (a *app) explicitConfigPath() (string, error) {
	if a.configPath == "" {
		return "", nil
	}
	path, err := filepath.Abs(a.configPath)
	if err != nil {
		return "", fmt.Errorf("resolving --config: %w", err)
	}
	return path, nil
}

// interruptSignals cancel a running command so partial results are still
// reported and recorded.
var interruptSignals = []os.Signal{os.Interrupt, syscall.SIGTERM}

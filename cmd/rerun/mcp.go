package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/deixis/rerun/internal/config"
	"github.com/deixis/rerun/internal/history"
	rerunmcp "github.com/deixis/rerun/internal/mcp"
	"github.com/deixis/rerun/internal/report"
	"github.com/deixis/rerun/internal/runner"
)

func (a *app) newMCPCommand() *cobra.Command {
	var (
		instructions bool
		httpAddr     string
	)
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Start the MCP server on stdio or streamable HTTP",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			if instructions {
				fmt.Fprint(cmd.OutOrStdout(), rerunmcp.Instructions)
				return nil
			}
			ctx, stop := signal.NotifyContext(cmdContext(cmd), interruptSignals...)
			defer stop()
			return a.serve(ctx, httpAddr)
		},
	}
	cmd.Flags().BoolVar(&instructions, "instructions", false, "print model instructions and exit")
	cmd.Flags().StringVar(&httpAddr, "http", "", "serve streamable HTTP on address (e.g. :9090)")
	return cmd
}

func (a *app) serve(ctx context.Context, httpAddr string) error {
	loaded, workspace, err := a.loadConfig()
	if err != nil {
		return err
	}
	cfg := loaded.Config

	store := report.NewLRUStore(5, report.NewDiskStore(config.RunsDir(loaded.RepoRoot)))

	r := &runner.Runner{
		Workspace: workspace,
		Timeout:   cfg.Timeout(),
		MaxOutput: cfg.MaxOutputBytes(),
		Logger:    a.logger,
	}

	configPath, err := a.explicitConfigPath()
	if err != nil {
		return err
	}
	opts := []rerunmcp.ServerOption{
		rerunmcp.WithLogger(a.logger),
		rerunmcp.WithConfigPath(configPath),
	}
	if path := cfg.HistoryPath(loaded.RepoRoot); path != "" {
		db, err := history.Open(path)
		if err != nil {
			a.logger.Warn("history unavailable", zap.String("path", path), zap.Error(err))
		} else {
			defer db.Close()
			opts = append(opts, rerunmcp.WithHistory(db))
		}
	}

	server := rerunmcp.NewServer(cfg, r, store, workspace, loaded.RepoRoot, opts...)

	if httpAddr != "" {
		return a.serveHTTP(ctx, server, httpAddr)
	}
	return server.Run(ctx, &mcpsdk.StdioTransport{})
}

func (a *app) serveHTTP(ctx context.Context, server *mcpsdk.Server, addr string) error {
	handler := mcpsdk.NewStreamableHTTPHandler(
		func(_ *http.Request) *mcpsdk.Server { return server },
		nil,
	)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("listening", zap.String("addr", addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

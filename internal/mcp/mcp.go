// Package mcp provides the rerun MCP server, registering the verification,
// multitest and inspection tools and publishing model instructions.
package mcp

import (
	"context"
	_ "embed"
	"net/url"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/deixis/rerun"
	"github.com/deixis/rerun/internal/config"
	"github.com/deixis/rerun/internal/history"
	"github.com/deixis/rerun/internal/report"
	"github.com/deixis/rerun/internal/runner"
	"github.com/deixis/rerun/internal/workflow"
)

//go:embed instructions.md
var Instructions string

// handler holds shared dependencies for all tool handlers.
type handler struct {
	engine  *workflow.Engine
	runner  *runner.Runner // retained for updateWorkspaceFromRoots
	store   report.Store
	history *history.DB // nil when history is disabled
	logger  *zap.Logger
}

// NewServer creates an MCP server with all rerun tools registered.
// repoRoot is the module root holding the multitest lock and run state;
// an empty repoRoot falls back to workspace.
func NewServer(cfg *config.Config, r *runner.Runner, store report.Store, workspace, repoRoot string, opts ...ServerOption) *mcp.Server {
	so := serverOptions{logger: zap.NewNop()}
	for _, o := range opts {
		o(&so)
	}

	if repoRoot == "" {
		repoRoot = workspace
	}
	h := &handler{
		engine: &workflow.Engine{
			Config:     cfg,
			Runner:     r,
			Workspace:  workspace,
			RepoRoot:   repoRoot, // updated via roots
			Logger:     so.logger,
			ConfigPath: so.configPath,
		},
		runner:  r,
		store:   store,
		history: so.history,
		logger:  so.logger,
	}

	mcpOpts := &mcp.ServerOptions{
		Instructions: Instructions,
		Capabilities: &mcp.ServerCapabilities{
			Tools: &mcp.ToolCapabilities{ListChanged: false},
		},
		InitializedHandler: func(ctx context.Context, req *mcp.InitializedRequest) {
			h.updateWorkspaceFromRoots(ctx, req.Session)
		},
	}
	s := mcp.NewServer(&mcp.Implementation{Name: "rerun", Version: rerun.Version}, mcpOpts)

	mcp.AddTool(s, &mcp.Tool{
		Name: "rerun_verify",
		Description: `Run the verification pipeline (lint, then test) and stop on the first failure.

Use this after making code changes. Results are stored for drill-down via rerun_inspect.`,
	}, h.verifyHandler)

	mcp.AddTool(s, &mcp.Tool{
		Name: "rerun_multitest",
		Description: `Run the verification command repeatedly, in series, to surface intermittent failures.

Only failing iterations keep their output. The session is stored for drill-down via
rerun_inspect(run_id, iteration) and recorded in the project history.`,
	}, h.multitestHandler)

	mcp.AddTool(s, &mcp.Tool{
		Name: "rerun_inspect",
		Description: `Drill into a stored run.

For verify runs pass a Go-qualified symbol: an import path (e.g. example.com/foo) for all
diagnostics in a package, or importpath.Symbol (e.g. example.com/foo.TestAdd).
For multitest runs pass the iteration index to see that iteration's output.`,
	}, h.inspectHandler)

	if h.history != nil {
		mcp.AddTool(s, &mcp.Tool{
			Name:        "rerun_history",
			Description: "List recent multitest sessions with their failure rates, newest first.",
		}, h.historyHandler)
	}

	return s
}

// ServerOption configures the rerun MCP server.
type ServerOption func(*serverOptions)

type serverOptions struct {
	history    *history.DB
	logger     *zap.Logger
	configPath string
}

// WithHistory records multitest sessions in db and enables rerun_history.
func WithHistory(db *history.DB) ServerOption {
	return func(o *serverOptions) {
		o.history = db
	}
}

// WithConfigPath loads configuration from path instead of the .rerun file
// of the client's root, and passes it on to the default multitest command.
func WithConfigPath(path string) ServerOption {
	return func(o *serverOptions) {
		o.configPath = path
	}
}

// WithLogger sets the server's logger.
func WithLogger(l *zap.Logger) ServerOption {
	return func(o *serverOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

// updateWorkspaceFromRoots queries the client for MCP roots and updates the
// handler's engine, runner, and config if a valid root is returned.
// This is called during session initialization, before any tool calls.
func (h *handler) updateWorkspaceFromRoots(ctx context.Context, session *mcp.ServerSession) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	roots, err := session.ListRoots(ctx, &mcp.ListRootsParams{})
	if err != nil || len(roots.Roots) == 0 {
		return
	}

	u, err := url.Parse(roots.Roots[0].URI)
	if err != nil || u.Scheme != "file" {
		return
	}
	workspace := u.Path

	loaded, err := config.LoadPath(workspace, h.engine.ConfigPath)
	if err != nil {
		h.logger.Warn("ignoring client root", zap.String("root", workspace), zap.Error(err))
		return
	}

	h.runner.Workspace = workspace
	h.runner.Timeout = loaded.Config.Timeout()
	h.runner.MaxOutput = loaded.Config.MaxOutputBytes()

	h.engine.Config = loaded.Config
	h.engine.Workspace = workspace
	h.engine.RepoRoot = loaded.RepoRoot
	h.logger.Debug("workspace from client roots", zap.String("workspace", workspace))
}

// textResult is a helper to build a text-only tool result.
func textResult(text string) (*mcp.CallToolResult, any, error) {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
	}, nil, nil
}

// errorResult is a helper to build an error tool result.
func errorResult(text string) (*mcp.CallToolResult, any, error) {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
		IsError: true,
	}, nil, nil
}

// Package workflow runs the verification pipeline: lint, vet and test
// steps invoked as external tools, composed into a single pass/fail
// command. It is consumed by both the CLI and the MCP server.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/deixis/rerun/internal/config"
	"github.com/deixis/rerun/internal/runner"
)

// CommandRunner executes commands within a workspace.
// Implemented by runner.Runner.
type CommandRunner interface {
	Run(ctx context.Context, argv []string, cwd string) (*runner.Result, error)
}

// Engine holds shared dependencies for all workflow operations.
type Engine struct {
	Config    *config.Config
	Runner    CommandRunner
	Workspace string // cwd; commands run from here, ./... scopes to here
	RepoRoot  string // module root; used for absolute-path resolution
	Logger    *zap.Logger

	// ConfigPath is the explicit config file, if any. It is passed on to
	// the default multitest command.
	ConfigPath string

	// LookupTool resolves an external tool to an argv prefix.
	// Defaults to ResolveTool.
	LookupTool func(name string) []string
}

func (e *Engine) lookupTool(name string) []string {
	if e.LookupTool != nil {
		return e.LookupTool(name)
	}
	return ResolveTool(name)
}

func (e *Engine) logger() *zap.Logger {
	if e.Logger == nil {
		return zap.NewNop()
	}
	return e.Logger
}

// ResolvePackages normalises package arguments so that tools work
// identically regardless of how packages are specified. It accepts
// three input styles:
//
//   - Go import paths (e.g. "example.com/foo/bar/...") are passed through.
//   - Absolute directory paths (e.g. "/home/user/proj/bar") are converted
//     to a "./…" pattern relative to the repo root.
//   - Relative patterns (e.g. "./bar/...") are passed through unchanged.
//
// When the list is empty it falls back to the configured test packages,
// which default to "./...".
func (e *Engine) ResolvePackages(packages []string) []string {
	fallback := []string{"./..."}
	if e.Config != nil {
		fallback = e.Config.TestPackages()
	}
	if len(packages) == 0 {
		return fallback
	}

	resolved := make([]string, 0, len(packages))
	for _, p := range packages {
		if !filepath.IsAbs(p) {
			resolved = append(resolved, p)
			continue
		}
		base := e.RepoRoot
		if base == "" {
			base = e.Workspace
		}
		rel, err := filepath.Rel(base, p)
		if err != nil || strings.HasPrefix(rel, "..") {
			// Outside repo root; skip silently.
			continue
		}
		pattern := "./" + rel
		if !strings.HasSuffix(pattern, "...") {
			pattern += "/..."
		}
		resolved = append(resolved, pattern)
	}

	if len(resolved) == 0 {
		return fallback
	}
	return resolved
}

// ResolveTool returns the argv prefix for invoking a named tool.
// It checks "go tool <name>" first (Go 1.24+ tool directive in go.mod),
// then falls back to exec.LookPath on the system PATH.
// Returns nil if the tool is not available.
func ResolveTool(name string) []string {
	if goPath, err := exec.LookPath("go"); err == nil {
		// "go tool -n" prints the tool path and fails for undeclared tools.
		err := exec.Command(goPath, "tool", "-n", name).Run()
		if err == nil {
			return []string{goPath, "tool", name}
		}
	}

	if toolPath, err := exec.LookPath(name); err == nil {
		return []string{toolPath}
	}
	return nil
}

// knownTools maps tool binary names to install hints.
var knownTools = map[string]string{
	"golangci-lint": "https://golangci-lint.run/welcome/install/",
}

// ErrToolUnavailable is returned when a required tool is not installed.
type ErrToolUnavailable struct {
	Name string
}

func (e ErrToolUnavailable) Error() string {
	msg := fmt.Sprintf("%s is required but not installed.", e.Name)
	if hint, ok := knownTools[e.Name]; ok {
		msg += "\nInstall: " + hint
	}
	return msg
}

// isUnavailable reports whether err is an ErrToolUnavailable.
func isUnavailable(err error) bool {
	var unavail ErrToolUnavailable
	return errors.As(err, &unavail)
}

// derivePackageFromFile extracts a package-like path from a file path.
// This is best-effort; the caller may refine it with module info.
func derivePackageFromFile(file string) string {
	if file == "" {
		return ""
	}
	idx := strings.LastIndex(file, "/")
	if idx < 0 {
		return "."
	}
	return file[:idx]
}

package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// LintSummary holds parsed lint results.
type LintSummary struct {
	Issues []LintIssue
}

// LintIssue holds a single lint finding.
type LintIssue struct {
	File    string
	Line    int
	Column  int
	Linter  string
	Message string
}

func (s *LintSummary) String() string {
	var b strings.Builder

	if len(s.Issues) == 0 {
		fmt.Fprintln(&b, "Status: OK")
		fmt.Fprintln(&b)
		fmt.Fprintln(&b, "No lint issues found.")
		return b.String()
	}

	fmt.Fprintf(&b, "Status: %d issues found\n", len(s.Issues))
	fmt.Fprintln(&b)
	for _, issue := range s.Issues {
		fmt.Fprintf(&b, "%s:%d:%d (%s): %s\n", issue.File, issue.Line, issue.Column, issue.Linter, issue.Message)
	}
	return b.String()
}

// Lint runs golangci-lint over packages.
func (e *Engine) Lint(ctx context.Context, packages []string) (*LintSummary, error) {
	argv := e.lookupTool("golangci-lint")
	if argv == nil {
		return nil, ErrToolUnavailable{Name: "golangci-lint"}
	}

	argv = append(argv, "run", "--out-format", "json")
	if e.Config.Lint.Config != "" {
		argv = append(argv, "--config", e.Config.Lint.Config)
	}
	argv = append(argv, e.Config.Lint.Args...)
	argv = append(argv, e.ResolvePackages(packages)...)

	result, err := e.Runner.Run(ctx, argv, "")
	if err != nil {
		return nil, fmt.Errorf("executing golangci-lint: %w", err)
	}

	summary, ok := parseLintOutput(result.Stdout)
	if !ok && result.ExitCode != 0 {
		// golangci-lint failed before producing a report (bad config,
		// typecheck crash); surface its stderr instead of passing.
		return nil, fmt.Errorf("golangci-lint exited %d: %s", result.ExitCode, strings.TrimSpace(string(result.Stderr)))
	}
	e.logger().Debug("lint finished", zap.Int("issues", len(summary.Issues)))
	return summary, nil
}

// golangciLintOutput is the top-level JSON output from golangci-lint.
type golangciLintOutput struct {
	Issues []golangciLintIssue `json:"Issues"`
}

type golangciLintIssue struct {
	FromLinter string          `json:"FromLinter"`
	Text       string          `json:"Text"`
	Pos        golangciLintPos `json:"Pos"`
}

type golangciLintPos struct {
	Filename string `json:"Filename"`
	Line     int    `json:"Line"`
	Column   int    `json:"Column"`
}

// parseLintOutput decodes the JSON report. The bool is false when stdout
// holds no JSON report at all.
func parseLintOutput(stdout []byte) (*LintSummary, bool) {
	s := &LintSummary{}

	var out golangciLintOutput
	if err := json.Unmarshal(stdout, &out); err != nil {
		return s, false
	}

	for _, issue := range out.Issues {
		s.Issues = append(s.Issues, LintIssue{
			File:    issue.Pos.Filename,
			Line:    issue.Pos.Line,
			Column:  issue.Pos.Column,
			Linter:  issue.FromLinter,
			Message: issue.Text,
		})
	}
	return s, true
}

package workflow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/deixis/rerun/internal/report"
)

// Step statuses.
const (
	StatusPass        = "pass"
	StatusFail        = "fail"
	StatusSkipped     = "skipped"
	StatusUnavailable = "unavailable"
)

// VerifyResult holds the full outcome of a verification run.
type VerifyResult struct {
	RunResult *report.RunResult
	Steps     []StepResult
	FailedIdx int // -1 if all passed

	// Test is the parsed test step, nil when the step did not run.
	Test *TestSummary
}

// OK reports whether every step passed.
func (r *VerifyResult) OK() bool {
	return r.FailedIdx < 0
}

// StepResult holds the outcome of a single verification step.
type StepResult struct {
	Name   string
	Status string // pass, fail, skipped, unavailable
	Detail string // extra info (e.g. "golangci-lint not found")
	Output string // summary from the underlying tool (only on failure)
}

// Verify runs the configured steps (lint then test by default) in
// sequence, stopping on the first failure. A step failure is reported in
// the result; the error is reserved for the context being cancelled.
func (e *Engine) Verify(ctx context.Context, packages []string) (*VerifyResult, error) {
	rr := &report.RunResult{ID: uuid.New().String(), Kind: report.Verify, StartedAt: time.Now()}
	res := &VerifyResult{RunResult: rr, FailedIdx: -1}

	steps := e.Config.VerifySteps()
	res.Steps = make([]StepResult, len(steps))
	for i, step := range steps {
		res.Steps[i] = StepResult{Name: step, Status: StatusSkipped}
	}

	for i, step := range steps {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res.Steps[i] = e.runStep(ctx, step, packages, res)
		e.logger().Debug("step finished", zap.String("step", step), zap.String("status", res.Steps[i].Status))
		if res.Steps[i].Status != StatusPass {
			res.FailedIdx = i
			break
		}
	}

	for _, s := range res.Steps {
		rr.Steps = append(rr.Steps, report.Step{Name: s.Name, Status: s.Status, Detail: s.Detail})
	}
	return res, nil
}

func (e *Engine) runStep(ctx context.Context, step string, packages []string, res *VerifyResult) StepResult {
	rr := res.RunResult
	switch step {
	case "lint":
		summary, err := e.Lint(ctx, packages)
		if err != nil {
			return errorStep(step, err)
		}
		if len(summary.Issues) == 0 {
			return StepResult{Name: step, Status: StatusPass}
		}
		for _, issue := range summary.Issues {
			rr.LintIssues = append(rr.LintIssues, report.LintIssue{
				Package: derivePackageFromFile(issue.File),
				File:    issue.File,
				Line:    issue.Line,
				Col:     issue.Column,
				Linter:  issue.Linter,
				Message: issue.Message,
			})
		}
		return StepResult{Name: step, Status: StatusFail, Output: summary.String()}

	case "vet":
		summary, err := e.Vet(ctx, packages)
		if err != nil {
			return errorStep(step, err)
		}
		if len(summary.Issues) == 0 && len(summary.Other) == 0 {
			return StepResult{Name: step, Status: StatusPass}
		}
		for _, issue := range summary.Issues {
			rr.VetIssues = append(rr.VetIssues, report.VetIssue{
				Package: issue.Package,
				File:    issue.File,
				Line:    issue.Line,
				Col:     issue.Column,
				Message: issue.Message,
			})
		}
		return StepResult{Name: step, Status: StatusFail, Output: summary.String()}

	case "test":
		summary, err := e.Test(ctx, packages)
		if err != nil {
			return errorStep(step, err)
		}
		res.Test = summary
		if summary.Status != "FAIL" {
			return StepResult{Name: step, Status: StatusPass}
		}
		for _, f := range summary.Errors {
			rr.TestFailures = append(rr.TestFailures, report.TestFailure{
				Package: f.Package,
				Test:    f.Test,
				Message: FirstLine(f.Output),
				Output:  f.Output,
			})
		}
		for _, be := range summary.BuildErrors {
			rr.BuildErrors = append(rr.BuildErrors, report.BuildError{
				Package: be.ImportPath,
				Message: be.Output,
			})
		}
		return StepResult{Name: step, Status: StatusFail, Output: summary.String()}

	default:
		return StepResult{Name: step, Status: StatusFail, Output: fmt.Sprintf("unknown step: %s", step)}
	}
}

func errorStep(step string, err error) StepResult {
	if isUnavailable(err) {
		return StepResult{Name: step, Status: StatusUnavailable, Detail: err.Error()}
	}
	return StepResult{Name: step, Status: StatusFail, Output: err.Error()}
}

// FirstLine returns the first non-empty line of s, trimmed,
// skipping test framework boilerplate lines.
func FirstLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line != "" && !strings.HasPrefix(line, "=== RUN") && !strings.HasPrefix(line, "--- FAIL") {
			return line
		}
	}
	return ""
}

// FormatFailureSymbols builds Go-qualified symbol references for failures,
// one line per failing test and one per package with build, lint or vet
// findings.
func FormatFailureSymbols(rr *report.RunResult) []string {
	var out []string

	for _, f := range rr.TestFailures {
		msg := f.Message
		if msg == "" {
			msg = "test failed"
		}
		out = append(out, fmt.Sprintf("%s.%s: %s", f.Package, f.Test, msg))
	}

	count := func(kind string, pkgs []string) {
		var order []string
		n := make(map[string]int)
		for _, p := range pkgs {
			if n[p] == 0 {
				order = append(order, p)
			}
			n[p]++
		}
		for _, p := range order {
			out = append(out, fmt.Sprintf("%s: %d %s", p, n[p], kind))
		}
	}

	var pkgs []string
	for _, be := range rr.BuildErrors {
		pkgs = append(pkgs, be.Package)
	}
	count("build errors", pkgs)

	pkgs = pkgs[:0]
	for _, li := range rr.LintIssues {
		pkgs = append(pkgs, li.Package)
	}
	count("lint issues", pkgs)

	pkgs = pkgs[:0]
	for _, vi := range rr.VetIssues {
		pkgs = append(pkgs, vi.Package)
	}
	count("vet issues", pkgs)

	return out
}

// Package report provides structured persistence and retrieval of
// verification and multitest results. Results are stored as typed structs
// and can be queried by package, symbol or iteration.
package report

import (
	"fmt"
	"strings"
	"time"
)

// Kind identifies the type of a run.
type Kind string

const (
	// Verify is a single lint+test verification run.
	Verify Kind = "verify"
	// Multitest is a repeated verification session.
	Multitest Kind = "multitest"
)

// Store persists and retrieves run results.
type Store interface {
	Save(result *RunResult) error
	Load(runID string) (*RunResult, error)
}

// RunResult holds the structured output from a run.
type RunResult struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	StartedAt time.Time `json:"started_at"`

	// Verify fields.
	Steps        []Step        `json:"steps,omitempty"`
	BuildErrors  []BuildError  `json:"build_errors,omitempty"`
	TestFailures []TestFailure `json:"test_failures,omitempty"`
	LintIssues   []LintIssue   `json:"lint_issues,omitempty"`
	VetIssues    []VetIssue    `json:"vet_issues,omitempty"`

	// Multitest fields.
	Command     []string    `json:"command,omitempty"`
	Count       int         `json:"count,omitempty"`
	Passed      int         `json:"passed,omitempty"`
	Failed      int         `json:"failed,omitempty"`
	SpawnErrors int         `json:"spawn_errors,omitempty"`
	DurationMS  int64       `json:"duration_ms,omitempty"`
	Aborted     bool        `json:"aborted,omitempty"`
	Iterations  []Iteration `json:"iterations,omitempty"`
}

// Expect returns an error if the run's Kind does not match want.
func (r *RunResult) Expect(want Kind) error {
	if r.Kind != want {
		return fmt.Errorf("run %s is a %s run, not a %s run", r.ID, r.Kind, want)
	}
	return nil
}

// Step records the outcome of one verification step.
type Step struct {
	Name   string `json:"name"`
	Status string `json:"status"` // pass, fail, skipped, unavailable
	Detail string `json:"detail,omitempty"`
}

// BuildError represents a compilation error.
type BuildError struct {
	Package string `json:"package"`
	Message string `json:"message"`
}

// TestFailure represents a failed test.
type TestFailure struct {
	Package string `json:"package"`
	Test    string `json:"test"`
	Message string `json:"message"`
	Output  string `json:"output,omitempty"`
}

// LintIssue represents a golangci-lint finding.
type LintIssue struct {
	Package string `json:"package"`
	File    string `json:"file"`
	Line    int    `json:"line"`
	Col     int    `json:"col"`
	Linter  string `json:"linter"`
	Message string `json:"message"`
}

// VetIssue represents a go vet finding.
type VetIssue struct {
	Package string `json:"package"`
	File    string `json:"file"`
	Line    int    `json:"line"`
	Col     int    `json:"col"`
	Message string `json:"message"`
}

// Iteration is one run of a multitest session. Output is kept only for
// iterations that did not pass.
type Iteration struct {
	Index      int    `json:"index"`
	ExitCode   int    `json:"exit_code"`
	DurationMS int64  `json:"duration_ms"`
	Failed     bool   `json:"failed"`
	TimedOut   bool   `json:"timed_out,omitempty"`
	SpawnError string `json:"spawn_error,omitempty"`
	Output     string `json:"output,omitempty"`
}

// ByIteration returns the iteration with the given index from a multitest run.
func ByIteration(result *RunResult, index int) (*Iteration, error) {
	if err := result.Expect(Multitest); err != nil {
		return nil, err
	}
	for i := range result.Iterations {
		if result.Iterations[i].Index == index {
			return &result.Iterations[i], nil
		}
	}
	return nil, fmt.Errorf("run %s has no iteration %d", result.ID, index)
}

// Diagnostic is a uniform view over verify findings.
type Diagnostic struct {
	Source  string // "build", "test", "lint", "vet"
	Package string
	File    string
	Line    int
	Col     int
	Symbol  string // e.g. "TestAdd" for test failures
	Detail  string // linter name
	Message string
	Output  string // full test output (test failures only)
}

// ByPackage returns all diagnostics for a given package import path.
func ByPackage(result *RunResult, pkg string) []Diagnostic {
	var out []Diagnostic
	for _, d := range toDiagnostics(result) {
		if d.Package == pkg {
			out = append(out, d)
		}
	}
	return out
}

// BySymbol returns diagnostics matching a Go-qualified symbol.
// "example.com/foo.TestAdd" selects one test; a bare import path
// selects every diagnostic in that package.
func BySymbol(result *RunResult, sym string) []Diagnostic {
	pkg, name := splitSymbol(sym)
	if name == "" {
		return ByPackage(result, pkg)
	}

	var out []Diagnostic
	for _, d := range toDiagnostics(result) {
		if d.Package == pkg && d.Symbol == name {
			out = append(out, d)
		}
	}
	return out
}

// splitSymbol splits a Go-qualified symbol into package path and symbol name.
// "example.com/foo.TestAdd" → ("example.com/foo", "TestAdd")
// "example.com/foo" → ("example.com/foo", "")
func splitSymbol(sym string) (string, string) {
	lastSlash := strings.LastIndex(sym, "/")
	afterSlash := sym[lastSlash+1:]
	dotIdx := strings.Index(afterSlash, ".")
	if dotIdx < 0 {
		return sym, ""
	}
	return sym[:lastSlash+1+dotIdx], afterSlash[dotIdx+1:]
}

func toDiagnostics(r *RunResult) []Diagnostic {
	var out []Diagnostic
	for _, b := range r.BuildErrors {
		out = append(out, Diagnostic{Source: "build", Package: b.Package, Message: b.Message})
	}
	for _, t := range r.TestFailures {
		out = append(out, Diagnostic{
			Source:  "test",
			Package: t.Package,
			Symbol:  t.Test,
			Message: t.Message,
			Output:  t.Output,
		})
	}
	for _, l := range r.LintIssues {
		out = append(out, Diagnostic{
			Source:  "lint",
			Package: l.Package,
			File:    l.File,
			Line:    l.Line,
			Col:     l.Col,
			Detail:  l.Linter,
			Message: l.Message,
		})
	}
	for _, v := range r.VetIssues {
		out = append(out, Diagnostic{
			Source:  "vet",
			Package: v.Package,
			File:    v.File,
			Line:    v.Line,
			Col:     v.Col,
			Message: v.Message,
		})
	}
	return out
}

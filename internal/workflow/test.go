package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"

	"github.com/deixis/rerun/internal/console"
)

// TestSummary holds parsed test results.
type TestSummary struct {
	Status      string // PASS or FAIL
	Total       int
	Passed      int
	Failed      int
	Skipped     int
	BuildErrors []BuildError
	Errors      []TestFailure
	Raw         string // test output lines in arrival order
}

// BuildError holds a build failure from go test -json.
type BuildError struct {
	ImportPath string
	Output     string
}

// TestFailure holds a single test failure from go test -json.
type TestFailure struct {
	Test    string
	Package string
	Output  string
}

// maxFailureLines is the maximum number of output lines shown per test failure.
const maxFailureLines = 20

func (s *TestSummary) String() string {
	var b strings.Builder
	s.Render(&b, console.NewScheme(false))
	return b.String()
}

// Render writes the summary block: the status line, build errors, then
// failures grouped by package in first-seen order.
func (s *TestSummary) Render(w io.Writer, colors *console.Scheme) {
	fmt.Fprintf(w, "Status: %s\n", colors.Status(s.Status))
	fmt.Fprintln(w)

	if s.Status == "PASS" {
		fmt.Fprintf(w, "All %d tests passed", s.Total)
		if s.Skipped > 0 {
			fmt.Fprintf(w, " (%d skipped)", s.Skipped)
		}
		fmt.Fprintln(w, ".")
		return
	}

	if len(s.BuildErrors) > 0 {
		fmt.Fprintln(w, "Build errors:")
		for _, be := range s.BuildErrors {
			fmt.Fprintf(w, "  %s:\n", colors.Label("%s", be.ImportPath))
			writeIndented(w, truncateLines(be.Output, maxFailureLines), "    ")
		}
		fmt.Fprintln(w)
	}

	if s.Failed == 0 {
		if len(s.BuildErrors) == 0 {
			fmt.Fprintf(w, "Failed %d of %d tests.\n", s.Failed, s.Total)
			fmt.Fprintln(w)
		}
		return
	}

	fmt.Fprintf(w, "Failed %d of %d tests.\n", s.Failed, s.Total)
	fmt.Fprintln(w)

	var order []string
	byPkg := make(map[string][]TestFailure)
	for _, f := range s.Errors {
		if _, ok := byPkg[f.Package]; !ok {
			order = append(order, f.Package)
		}
		byPkg[f.Package] = append(byPkg[f.Package], f)
	}
	for _, pkg := range order {
		failures := byPkg[pkg]
		fmt.Fprintf(w, "%s %s (%d failures):\n", colors.Fail("FAIL"), pkg, len(failures))
		for _, f := range failures {
			fmt.Fprintf(w, "  - %s\n", f.Test)
			if output := truncateLines(f.Output, maxFailureLines); output != "" {
				writeIndented(w, output, "      ")
			}
		}
		fmt.Fprintln(w)
	}
}

// RenderRaw replays the test output lines in arrival order followed by a
// one-line status.
func (s *TestSummary) RenderRaw(w io.Writer, colors *console.Scheme) {
	io.WriteString(w, s.Raw)
	if s.Raw != "" && !strings.HasSuffix(s.Raw, "\n") {
		fmt.Fprintln(w)
	}
	for _, be := range s.BuildErrors {
		fmt.Fprintln(w, be.Output)
	}
	fmt.Fprintf(w, "%s %d passed, %d failed, %d skipped\n", colors.Status(s.Status), s.Passed, s.Failed, s.Skipped)
}

func writeIndented(w io.Writer, text, indent string) {
	for _, line := range strings.Split(text, "\n") {
		fmt.Fprintf(w, "%s%s\n", indent, line)
	}
}

// Test runs go test -json over packages and parses the event stream.
func (e *Engine) Test(ctx context.Context, packages []string) (*TestSummary, error) {
	argv := []string{"go", "test", "-json"}
	argv = append(argv, e.ResolvePackages(packages)...)
	argv = append(argv, e.Config.Test.Args...)

	result, err := e.Runner.Run(ctx, argv, "")
	if err != nil {
		return nil, fmt.Errorf("executing go test: %w", err)
	}

	summary := parseTestOutput(result.Stdout)
	switch {
	case result.TimedOut:
		summary.Status = "FAIL"
		summary.BuildErrors = append(summary.BuildErrors, BuildError{
			ImportPath: "go test",
			Output:     "timed out before completing",
		})
	case result.ExitCode != 0 && summary.Status == "PASS":
		// go test failed without reporting a failing event, e.g. a
		// package pattern that matched nothing.
		summary.Status = "FAIL"
		summary.BuildErrors = append(summary.BuildErrors, BuildError{
			ImportPath: "go test",
			Output:     strings.TrimSpace(string(result.Stderr)),
		})
	}
	e.logger().Debug("test finished",
		zap.String("status", summary.Status),
		zap.Int("total", summary.Total),
		zap.Int("failed", summary.Failed))
	return summary, nil
}

// test2jsonEvent represents a single event from `go test -json`.
type test2jsonEvent struct {
	Action     string  `json:"Action"`
	Package    string  `json:"Package"`
	Test       string  `json:"Test"`
	Output     string  `json:"Output"`
	Elapsed    float64 `json:"Elapsed"`
	ImportPath string  `json:"ImportPath"`
}

func parseTestOutput(data []byte) *TestSummary {
	s := &TestSummary{Status: "PASS"}

	type testKey struct{ pkg, test string }
	outputs := make(map[testKey]*strings.Builder)
	failedTests := make(map[testKey]bool)
	var failOrder []testKey
	var raw strings.Builder

	buildOutputs := make(map[string]*strings.Builder)
	failedBuilds := make(map[string]bool)
	var buildOrder []string

	lines := strings.Split(string(data), "\n")
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var ev test2jsonEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			continue
		}

		key := testKey{ev.Package, ev.Test}

		switch ev.Action {
		case "output":
			raw.WriteString(ev.Output)
			if ev.Test != "" {
				if _, ok := outputs[key]; !ok {
					outputs[key] = &strings.Builder{}
				}
				outputs[key].WriteString(ev.Output)
			}
		case "pass":
			if ev.Test != "" {
				s.Total++
				s.Passed++
			}
		case "fail":
			if ev.Test != "" {
				s.Total++
				s.Failed++
				s.Status = "FAIL"
				if !failedTests[key] {
					failOrder = append(failOrder, key)
				}
				failedTests[key] = true
			} else if ev.Package != "" && ev.Test == "" {
				s.Status = "FAIL"
			}
		case "skip":
			if ev.Test != "" {
				s.Total++
				s.Skipped++
			}
		case "build-output":
			ip := ev.ImportPath
			if ip == "" {
				ip = ev.Package
			}
			if ip != "" {
				if _, ok := buildOutputs[ip]; !ok {
					buildOutputs[ip] = &strings.Builder{}
				}
				buildOutputs[ip].WriteString(ev.Output)
			}
		case "build-fail":
			ip := ev.ImportPath
			if ip == "" {
				ip = ev.Package
			}
			if ip != "" && !failedBuilds[ip] {
				failedBuilds[ip] = true
				buildOrder = append(buildOrder, ip)
			}
			s.Status = "FAIL"
		}
	}

	s.Raw = raw.String()
	for _, key := range failOrder {
		output := ""
		if b, ok := outputs[key]; ok {
			output = b.String()
		}
		s.Errors = append(s.Errors, TestFailure{
			Test:    key.test,
			Package: key.pkg,
			Output:  output,
		})
	}

	for _, ip := range buildOrder {
		output := ""
		if b, ok := buildOutputs[ip]; ok {
			output = strings.TrimRight(b.String(), "\n")
		}
		s.BuildErrors = append(s.BuildErrors, BuildError{
			ImportPath: ip,
			Output:     output,
		})
	}

	return s
}

func truncateLines(s string, maxLines int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) <= maxLines {
		return strings.Join(lines, "\n")
	}
	result := strings.Join(lines[:maxLines], "\n")
	result += fmt.Sprintf("\n... (%d more lines)", len(lines)-maxLines)
	return result
}

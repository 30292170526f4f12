package workflow

import (
	"fmt"
	"io"

	"github.com/deixis/rerun/internal/config"
	"github.com/deixis/rerun/internal/console"
)

// RenderOptions controls how a verification result is written.
type RenderOptions struct {
	Reporter string // config.ReporterSummary or config.ReporterRaw
	Verbose  bool   // include the failing step's full tool output
	Colors   *console.Scheme
}

// WriteVerify writes a verification result: overall status, the step
// table, failing symbols and, depending on the reporter, the test output.
func WriteVerify(w io.Writer, result *VerifyResult, opts RenderOptions) {
	colors := opts.Colors
	if colors == nil {
		colors = console.NewScheme(false)
	}

	if opts.Reporter == config.ReporterRaw && result.Test != nil {
		result.Test.RenderRaw(w, colors)
		fmt.Fprintln(w)
	}

	if result.OK() {
		fmt.Fprintln(w, colors.Pass("ok"))
	} else {
		fmt.Fprintln(w, colors.Fail("FAIL"))
	}
	fmt.Fprintln(w)

	for _, s := range result.Steps {
		switch s.Status {
		case StatusPass:
			fmt.Fprintf(w, "  %-15s %s\n", s.Name, colors.Pass("ok"))
		case StatusFail:
			fmt.Fprintf(w, "  %-15s %s\n", s.Name, colors.Fail("FAIL"))
		case StatusUnavailable:
			fmt.Fprintf(w, "  %-15s %s\n", s.Name, colors.Warn("unavailable"))
		case StatusSkipped:
			fmt.Fprintf(w, "  %-15s %s\n", s.Name, colors.Faint("-"))
		}
	}
	fmt.Fprintln(w)

	if result.OK() {
		return
	}
	failed := result.Steps[result.FailedIdx]

	if failed.Detail != "" {
		fmt.Fprintf(w, "%s\n\n", failed.Detail)
	}

	failures := FormatFailureSymbols(result.RunResult)
	for _, f := range failures {
		fmt.Fprintf(w, "  %s\n", f)
	}
	if len(failures) > 0 {
		fmt.Fprintln(w)
	}

	switch {
	case failed.Name == "test" && result.Test != nil:
		if opts.Reporter != config.ReporterRaw {
			result.Test.Render(w, colors)
		}
	case failed.Output != "" && (opts.Verbose || len(failures) == 0):
		// Tool errors and unknown steps carry no symbols.
		fmt.Fprintf(w, "%s\n", failed.Output)
	}
}

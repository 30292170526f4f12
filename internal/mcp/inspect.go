package mcp

import (
	"context"
	"fmt"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/deixis/rerun/internal/report"
)

type inspectParams struct {
	RunID     string `json:"run_id" jsonschema:"the run ID from a rerun_verify or rerun_multitest result"`
	Symbol    string `json:"symbol,omitempty" jsonschema:"verify runs: import path for package scope (e.g. example.com/foo), or importpath.Symbol for a specific function (e.g. example.com/foo.TestAdd)"`
	Iteration *int   `json:"iteration,omitempty" jsonschema:"multitest runs: zero-based iteration index"`
}

func (h *handler) inspectHandler(ctx context.Context, req *mcp.CallToolRequest, params inspectParams) (*mcp.CallToolResult, any, error) {
	if params.RunID == "" {
		return errorResult("run_id is required")
	}

	result, err := h.store.Load(params.RunID)
	if err != nil {
		return errorResult(fmt.Sprintf("Failed to load run %s: %v", params.RunID, err))
	}

	switch result.Kind {
	case report.Multitest:
		if params.Iteration == nil {
			return errorResult("iteration is required for multitest runs")
		}
		it, err := report.ByIteration(result, *params.Iteration)
		if err != nil {
			return errorResult(err.Error())
		}
		return textResult(formatIteration(result, it))

	default:
		if params.Symbol == "" {
			return errorResult("symbol is required for verify runs")
		}
		diagnostics := report.BySymbol(result, params.Symbol)
		if len(diagnostics) == 0 {
			return textResult(fmt.Sprintf("No diagnostics found for %s in run %s (%s).", params.Symbol, params.RunID, result.Kind))
		}
		return textResult(formatInspectOutput(params.RunID, result.Kind, params.Symbol, diagnostics))
	}
}

func formatIteration(rr *report.RunResult, it *report.Iteration) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Run: %s (%s)\n", rr.ID, rr.Kind)
	fmt.Fprintf(&b, "Command: %s\n", strings.Join(rr.Command, " "))

	status := "PASS"
	switch {
	case it.SpawnError != "":
		status = "ERROR (" + it.SpawnError + ")"
	case it.TimedOut:
		status = "FAIL (timed out)"
	case it.Failed:
		status = fmt.Sprintf("FAIL (exit %d)", it.ExitCode)
	}
	fmt.Fprintf(&b, "Iteration %d: %s in %dms\n", it.Index, status, it.DurationMS)

	if it.Output != "" {
		fmt.Fprintln(&b)
		fmt.Fprintln(&b, "Output:")
		for _, line := range strings.Split(strings.TrimRight(it.Output, "\n"), "\n") {
			fmt.Fprintf(&b, "    %s\n", line)
		}
	} else if !it.Failed {
		fmt.Fprintln(&b, "Output of passing iterations is not kept.")
	}
	return b.String()
}

func formatInspectOutput(runID string, kind report.Kind, symbol string, diagnostics []report.Diagnostic) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Run: %s (%s)\n", runID, kind)

	if len(diagnostics) == 1 && diagnostics[0].Source == "test" {
		fmt.Fprintf(&b, "%s: FAIL\n", symbol)
	} else {
		var order []string
		sources := make(map[string]int)
		for _, d := range diagnostics {
			if sources[d.Source] == 0 {
				order = append(order, d.Source)
			}
			sources[d.Source]++
		}
		parts := make([]string, len(order))
		for i, source := range order {
			parts[i] = fmt.Sprintf("%d %s", sources[source], source)
		}
		fmt.Fprintf(&b, "%s: %s\n", symbol, strings.Join(parts, ", "))
	}
	fmt.Fprintln(&b)

	for _, d := range diagnostics {
		switch {
		case d.Line > 0 && d.Col > 0:
			fmt.Fprintf(&b, "%s:%d:%d: ", d.File, d.Line, d.Col)
		case d.Line > 0:
			fmt.Fprintf(&b, "%s:%d: ", d.File, d.Line)
		case d.File != "":
			fmt.Fprintf(&b, "%s: ", d.File)
		}

		tag := d.Source
		if d.Detail != "" {
			tag = d.Source + "/" + d.Detail
		}
		fmt.Fprintf(&b, "[%s] %s\n", tag, d.Message)
	}

	for _, d := range diagnostics {
		if d.Source == "test" && d.Output != "" {
			fmt.Fprintln(&b)
			fmt.Fprintln(&b, "Output:")
			for _, line := range strings.Split(strings.TrimRight(d.Output, "\n"), "\n") {
				fmt.Fprintf(&b, "    %s\n", line)
			}
		}
	}

	return b.String()
}

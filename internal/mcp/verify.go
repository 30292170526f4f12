package mcp

import (
	"context"
	"fmt"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/deixis/rerun/internal/workflow"
)

type verifyParams struct {
	Packages []string `json:"packages,omitempty" jsonschema:"Go import paths of packages to verify (e.g. example.com/foo/bar/...) or absolute directory paths. Defaults to the configured test packages."`
}

func (h *handler) verifyHandler(ctx context.Context, req *mcp.CallToolRequest, params verifyParams) (*mcp.CallToolResult, any, error) {
	result, err := h.engine.Verify(ctx, params.Packages)
	if err != nil {
		return errorResult(fmt.Sprintf("verify failed: %v", err))
	}

	if err := h.store.Save(result.RunResult); err != nil {
		h.logger.Warn("storing verify run", zap.String("run", result.RunResult.ID), zap.Error(err))
	}
	return textResult(formatVerify(result))
}

func formatVerify(result *workflow.VerifyResult) string {
	var b strings.Builder
	rr := result.RunResult

	if result.OK() {
		fmt.Fprintln(&b, "Status: PASS")
	} else {
		fmt.Fprintln(&b, "Status: FAIL")
	}
	fmt.Fprintf(&b, "Run: %s\n", rr.ID)
	fmt.Fprintln(&b)

	fmt.Fprintln(&b, "Steps:")
	for _, r := range result.Steps {
		if r.Status == workflow.StatusUnavailable {
			fmt.Fprintf(&b, "  %s: unavailable (%s)\n", r.Name, r.Detail)
		} else {
			fmt.Fprintf(&b, "  %s: %s\n", r.Name, r.Status)
		}
	}
	fmt.Fprintln(&b)

	if result.OK() {
		fmt.Fprintln(&b, "All verification steps passed.")
		return b.String()
	}

	failed := result.Steps[result.FailedIdx]
	if failures := workflow.FormatFailureSymbols(rr); len(failures) > 0 {
		fmt.Fprintln(&b, "Failures:")
		for _, f := range failures {
			fmt.Fprintf(&b, "  %s\n", f)
		}
		fmt.Fprintln(&b)
	} else if failed.Output != "" {
		fmt.Fprintf(&b, "Failed step: %s\n", failed.Name)
		fmt.Fprintln(&b)
		fmt.Fprintln(&b, failed.Output)
		fmt.Fprintln(&b)
	}

	if failed.Status == workflow.StatusUnavailable {
		fmt.Fprintf(&b, "Action: %s is required but not installed. Install it and re-run rerun_verify.\n", failed.Name)
	} else {
		fmt.Fprintf(&b, "Inspect with rerun_inspect(run_id=%q, symbol=\"<package or package.Symbol>\").\n", rr.ID)
	}
	return b.String()
}

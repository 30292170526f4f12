package mcp

import (
	"context"
	"fmt"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

type historyParams struct {
	Limit int `json:"limit,omitempty" jsonschema:"maximum number of sessions to list; default 10"`
}

func (h *handler) historyHandler(ctx context.Context, req *mcp.CallToolRequest, params historyParams) (*mcp.CallToolResult, any, error) {
	sessions, err := h.history.Recent(ctx, params.Limit)
	if err != nil {
		return errorResult(fmt.Sprintf("reading history: %v", err))
	}
	if len(sessions) == 0 {
		return textResult("No multitest sessions recorded yet.")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Sessions (%d, newest first):\n", len(sessions))
	for _, s := range sessions {
		fmt.Fprintf(&b, "  %s  %s  %d/%d runs  %.1f%% failing  %s",
			s.ID, s.StartedAt.Format("2006-01-02 15:04:05"), s.Completed, s.Count, 100*s.FailureRate(), s.Command)
		if s.Aborted {
			fmt.Fprint(&b, "  (aborted)")
		}
		fmt.Fprintln(&b)
	}
	return textResult(b.String())
}

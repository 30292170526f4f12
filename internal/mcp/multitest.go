package mcp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/deixis/rerun/internal/console"
	"github.com/deixis/rerun/internal/multirun"
	"github.com/deixis/rerun/internal/workflow"
)

type multitestParams struct {
	Count       *int     `json:"count,omitempty" jsonschema:"number of iterations; defaults to the configured count (100)"`
	Command     []string `json:"command,omitempty" jsonschema:"command and arguments to run each iteration; defaults to the configured command or 'rerun test'"`
	HeartbeatMS *int     `json:"heartbeat_ms,omitempty" jsonschema:"heartbeat interval in milliseconds while a command runs; 0 disables it"`
	KeepGoing   bool     `json:"keep_going,omitempty" jsonschema:"continue when the command cannot be started instead of aborting"`
}

func (h *handler) multitestHandler(ctx context.Context, req *mcp.CallToolRequest, params multitestParams) (*mcp.CallToolResult, any, error) {
	if params.Count != nil && *params.Count < 0 {
		return errorResult("count must not be negative")
	}

	var hb time.Duration
	if params.HeartbeatMS != nil {
		hb = time.Duration(*params.HeartbeatMS) * time.Millisecond
		if hb <= 0 {
			hb = -1
		}
	}

	total := h.engine.Config.MultitestCount()
	if params.Count != nil {
		total = *params.Count
	}

	var out bytes.Buffer
	session, err := h.engine.StartMultitest(ctx, workflow.MultitestRequest{
		Command:     params.Command,
		Count:       params.Count,
		Heartbeat:   hb,
		KeepGoing:   params.KeepGoing,
		Out:         &out,
		Colors:      console.NewScheme(false),
		OnIteration: h.progressNotifier(ctx, req, total),
	})
	if err != nil {
		return errorResult(fmt.Sprintf("multitest failed: %v", err))
	}

	select {
	case <-session.Done():
	case <-ctx.Done():
		h.logger.Info("multitest cancelled by client, stopping after the current iteration")
	}
	res, err := session.Wait()
	if res == nil {
		return errorResult(fmt.Sprintf("multitest failed: %v", err))
	}

	rr := res.RunResult
	if serr := h.store.Save(rr); serr != nil {
		h.logger.Warn("storing multitest run", zap.String("run", rr.ID), zap.Error(serr))
	}
	if h.history != nil {
		if herr := h.history.Record(context.WithoutCancel(ctx), rr); herr != nil {
			h.logger.Warn("recording multitest history", zap.String("run", rr.ID), zap.Error(herr))
		}
	}

	return textResult(formatMultitest(res, out.String(), err))
}

// progressNotifier reports each finished iteration as MCP progress when
// the client asked for it with a progress token.
func (h *handler) progressNotifier(ctx context.Context, req *mcp.CallToolRequest, total int) func(multirun.Iteration) {
	if req == nil || req.Session == nil || req.Params == nil {
		return nil
	}
	token := req.Params.GetProgressToken()
	if token == nil {
		return nil
	}

	var completed, failed int
	return func(it multirun.Iteration) {
		completed++
		if !it.Passed() {
			failed++
		}
		err := req.Session.NotifyProgress(ctx, &mcp.ProgressNotificationParams{
			ProgressToken: token,
			Progress:      float64(completed),
			Total:         float64(total),
			Message:       fmt.Sprintf("run %d finished, %d failing so far", it.Index, failed),
		})
		if err != nil {
			h.logger.Debug("sending progress", zap.Error(err))
		}
	}
}

func formatMultitest(res *workflow.MultitestResult, transcript string, runErr error) string {
	var b strings.Builder
	sum := res.Summary

	if sum.OK() {
		fmt.Fprintln(&b, "Status: PASS")
	} else {
		fmt.Fprintln(&b, "Status: FAIL")
	}
	fmt.Fprintf(&b, "Run: %s\n", sum.ID)
	fmt.Fprintf(&b, "Command: %s\n", strings.Join(res.Command, " "))
	fmt.Fprintf(&b, "Iterations: %d of %d (%d passed, %d failed, %d spawn errors)\n",
		sum.Completed, sum.Count, sum.Passed, sum.Failed, sum.SpawnErrors)
	fmt.Fprintln(&b)

	var sf *multirun.SpawnFailure
	switch {
	case errors.As(runErr, &sf):
		fmt.Fprintf(&b, "Aborted: %v\n", sf)
		fmt.Fprintln(&b, "The command could not be started; this is an environment problem, not a test failure.")
		fmt.Fprintln(&b)
	case runErr != nil:
		fmt.Fprintf(&b, "Aborted: %v\n", runErr)
		fmt.Fprintln(&b)
	}

	failed := sum.FailedIndices()
	if len(failed) == 0 {
		fmt.Fprintln(&b, "Every iteration passed.")
		return b.String()
	}

	idx := make([]string, len(failed))
	for i, n := range failed {
		idx[i] = fmt.Sprint(n)
	}
	fmt.Fprintf(&b, "Failed iterations: %s\n", strings.Join(idx, ", "))
	fmt.Fprintln(&b)
	fmt.Fprintln(&b, "Transcript:")
	fmt.Fprintln(&b, strings.TrimRight(transcript, "\n"))
	fmt.Fprintln(&b)
	fmt.Fprintf(&b, "Inspect with rerun_inspect(run_id=%q, iteration=%d).\n", sum.ID, failed[0])
	return b.String()
}

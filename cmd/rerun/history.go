package main

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/deixis/rerun/internal/console"
	"github.com/deixis/rerun/internal/history"
)

func (a *app) newHistoryCommand() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history [session-id]",
		Short: "List recent multitest sessions, or the failures of one session",
		Args:  usageArgs(cobra.MaximumNArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			loaded, _, err := a.loadConfig()
			if err != nil {
				return err
			}
			path := loaded.Config.HistoryPath(loaded.RepoRoot)
			if path == "" {
				return errors.New("history is disabled in the configuration")
			}
			db, err := history.Open(path)
			if err != nil {
				return err
			}
			defer db.Close()

			colors := console.NewScheme(console.Enabled(loaded.Config.ColorMode(), cmd.OutOrStdout()))
			if len(args) == 1 {
				return showFailures(cmd, db, args[0], colors)
			}
			return listSessions(cmd, db, limit, colors)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 10, "maximum number of sessions to list")
	return cmd
}

func listSessions(cmd *cobra.Command, db *history.DB, limit int, colors *console.Scheme) error {
	sessions, err := db.Recent(cmd.Context(), limit)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(sessions) == 0 {
		fmt.Fprintln(out, "No multitest sessions recorded yet.")
		return nil
	}

	// Align plain text first; escape codes would count toward cell widths.
	var table bytes.Buffer
	tw := tabwriter.NewWriter(&table, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SESSION\tSTARTED\tRUNS\tFAILING\tDURATION\tCOMMAND")
	rates := make([]string, len(sessions))
	for i, s := range sessions {
		rates[i] = fmt.Sprintf("%.1f%%", 100*s.FailureRate())
		runs := fmt.Sprintf("%d/%d", s.Completed, s.Count)
		if s.Aborted {
			runs += " aborted"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			s.ID, s.StartedAt.Format("2006-01-02 15:04"), runs, rates[i], s.Duration, s.Command)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	lines := strings.Split(strings.TrimSuffix(table.String(), "\n"), "\n")
	fmt.Fprintln(out, lines[0])
	for i, s := range sessions {
		rate := colors.Pass("%s", rates[i])
		if s.Failed+s.SpawnErrors > 0 {
			rate = colors.Fail("%s", rates[i])
		}
		line := strings.Replace(lines[i+1], s.ID, colors.Label("%s", s.ID), 1)
		line = strings.Replace(line, rates[i], rate, 1)
		fmt.Fprintln(out, line)
	}
	return nil
}

func showFailures(cmd *cobra.Command, db *history.DB, id string, colors *console.Scheme) error {
	failures, err := db.Failures(cmd.Context(), id)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(failures) == 0 {
		fmt.Fprintln(out, colors.Pass("Every iteration of %s passed.", id))
		return nil
	}
	for _, it := range failures {
		switch {
		case it.SpawnError != "":
			fmt.Fprintln(out, colors.Warn("ERROR run %d: %s", it.Index, it.SpawnError))
		case it.TimedOut:
			fmt.Fprintln(out, colors.Fail("FAIL run %d (timed out)", it.Index))
		default:
			fmt.Fprintln(out, colors.Fail("FAIL run %d (exit %d)", it.Index, it.ExitCode))
		}
		if it.Output != "" {
			fmt.Fprintln(out, strings.TrimRight(it.Output, "\n"))
		}
	}
	return nil
}

package cmd

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/gridsweep/pkg/ledger"
)

var historyCmd = &cobra.Command{
	Use:   "history [RUN_ID]",
	Short: "Show recorded check and archive runs",
	Long: `List recent runs from the ledger, newest first. With a run ID, list the
outcome recorded for each job or cluster of that run.

Examples:
  gridsweep history
  gridsweep history --limit 5
  gridsweep history 1f0c4a52-8d0e-4c47-9d8b-3a6f3b0d9e21`,
	Args: cobra.MaximumNArgs(1),
	RunE: runHistory,
}

var historyLimit int

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "Maximum number of runs to list")
}

func runHistory(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg, err := currentConfig(ctx)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	if !cfg.Ledger.Enabled {
		return exitError(foundry.ExitInvalidArgument, "Ledger is disabled", errors.New("set ledger.enabled to record runs"))
	}
	led, err := openLedger(ctx, cfg.Ledger)
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to open ledger", err)
	}
	defer closeQuietly("ledger", led)

	if len(args) == 1 {
		run, err := led.GetRun(ctx, args[0])
		if err != nil {
			if errors.Is(err, ledger.ErrRunNotFound) {
				return exitError(foundry.ExitFileNotFound, "Unknown run", err)
			}
			return exitError(foundry.ExitFileReadError, "Failed to read run", err)
		}
		outcomes, err := led.Outcomes(ctx, run.RunID)
		if err != nil {
			return exitError(foundry.ExitFileReadError, "Failed to read outcomes", err)
		}
		return writeOutcomes(cmd.OutOrStdout(), run, outcomes)
	}

	runs, err := led.Runs(ctx, historyLimit)
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to list runs", err)
	}
	return writeRuns(cmd.OutOrStdout(), runs)
}

func writeRuns(w io.Writer, runs []ledger.Run) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "RUN\tCOMMAND\tSTARTED\tDURATION\tSTATUS\tCOUNTS")
	for _, r := range runs {
		duration := "-"
		if r.EndedAt != nil {
			duration = r.EndedAt.Sub(r.StartedAt).Round(time.Millisecond).String()
		}
		status := string(r.Status)
		if r.DryRun {
			status += " (dry-run)"
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.RunID, r.Command, r.StartedAt.Format(time.RFC3339), duration, status, formatCounts(r.Counts))
	}
	return tw.Flush()
}

func writeOutcomes(w io.Writer, run *ledger.Run, outcomes []ledger.Outcome) error {
	_, _ = fmt.Fprintf(w, "run %s (%s, %s)\n", run.RunID, run.Command, run.Status)
	if run.Error != "" {
		_, _ = fmt.Fprintf(w, "error: %s\n", run.Error)
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "JOB\tREASON\tDESTINATION")
	for _, o := range outcomes {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\n", o.Job, o.Reason, o.Destination)
	}
	return tw.Flush()
}

// formatCounts renders counts as "bad_size=2 good=10", sorted by label.
func formatCounts(counts map[string]int64) string {
	if len(counts) == 0 {
		return "-"
	}
	labels := make([]string, 0, len(counts))
	for l := range counts {
		labels = append(labels, l)
	}
	sort.Strings(labels)
	parts := make([]string, 0, len(labels))
	for _, l := range labels {
		parts = append(parts, fmt.Sprintf("%s=%d", l, counts[l]))
	}
	return strings.Join(parts, " ")
}

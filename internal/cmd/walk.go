package cmd

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/3leaps/gridsweep/pkg/filename"
	"github.com/3leaps/gridsweep/pkg/walker"
)

var walkCmd = &cobra.Command{
	Use:   "walk CLUSTER_DIR...",
	Short: "List the job directories below cluster directories",
	Long: `List every job directory found below the given cluster directories,
in the order check would visit them. Nothing is validated or moved.

Examples:
  gridsweep walk /data/grid/cluster01
  gridsweep walk /data/grid/cluster01 /data/grid/cluster02`,
	Args: cobra.MinimumNArgs(1),
	RunE: runWalk,
}

func init() {
	rootCmd.AddCommand(walkCmd)
}

func runWalk(cmd *cobra.Command, args []string) error {
	n, err := writeJobTable(cmd.OutOrStdout(), args, time.Now())
	if err != nil {
		return exitError(exitCodeFor(err), "Walk failed", err)
	}
	_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "%d job directories\n", n)
	return nil
}

// writeJobTable lists the jobs of each cluster as a table.
func writeJobTable(w io.Writer, clusters []string, now time.Time) (int, error) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "CLUSTER\tSHARD\tJOB\tNORMALIZED\tAGE")

	n := 0
	for _, cluster := range clusters {
		for job, err := range walker.Jobs(cluster) {
			if err != nil {
				_ = tw.Flush()
				return n, err
			}
			normalized, err := filename.NormalizeJobName(job.Name)
			if err != nil {
				normalized = "!" + err.Error()
			}
			age := now.Sub(job.ModTime).Round(time.Second)
			_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", job.Cluster, job.Shard, job.Name, normalized, age)
			n++
		}
	}
	return n, tw.Flush()
}

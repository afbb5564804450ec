package cmd

import (
	"fmt"
	"runtime"

	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		_, _ = fmt.Fprintf(out, "gridsweep %s\n", versionInfo.Version)
		_, _ = fmt.Fprintf(out, "  commit:     %s\n", versionInfo.Commit)
		_, _ = fmt.Fprintf(out, "  built:      %s\n", versionInfo.BuildDate)
		_, _ = fmt.Fprintf(out, "  go:         %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
		v := crucible.GetVersion()
		if v.Gofulmen != "" {
			_, _ = fmt.Fprintf(out, "  gofulmen:   %s\n", v.Gofulmen)
		}
		if v.Crucible != "" {
			_, _ = fmt.Fprintf(out, "  crucible:   %s\n", v.Crucible)
		}
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

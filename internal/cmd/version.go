package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jmgilman/examparse/internal/config"
	"github.com/jmgilman/examparse/internal/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Display version information",
	Long:  `Display the version, commit, build date and default sidecar mode of ExamParse.`,
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "examparse %s\n", version.Version)
		fmt.Fprintf(out, "  commit: %s\n", version.Commit)
		fmt.Fprintf(out, "  built:  %s\n", version.Date)
		fmt.Fprintf(out, "  mode:   %s\n", config.DefaultMode())
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

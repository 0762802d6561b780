package cmd

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmgilman/examparse/internal/logging"
)

// Default poll interval for following logs.
const defaultLogPollInterval = 100 * time.Millisecond

// latestRun selects the most recent run log.
const latestRun = "latest"

var logsCmd = &cobra.Command{
	Use:   "logs [run-id]",
	Short: "View a worker's diagnostic output",
	Long: `View the standard error captured from a worker run.

With no argument, lists the runs that have logs, oldest first. Use "latest"
for the most recent run.`,
	Example: `  # List runs with logs
  examparse logs

  # Show the last 100 lines of the most recent run
  examparse logs latest

  # Follow a run's output in real-time
  examparse logs 3f6c1a2e-8a54-4c1e-9d7b-0a1e2f3c4d5e -f

  # Show the entire log
  examparse logs latest --full`,
	Args: cobra.MaximumNArgs(1),
	RunE: runLogsCmd,
}

func runLogsCmd(cmd *cobra.Command, args []string) error {
	follow, err := cmd.Flags().GetBool("follow")
	if err != nil {
		return fmt.Errorf("get follow flag: %w", err)
	}

	lines, err := cmd.Flags().GetInt("lines")
	if err != nil {
		return fmt.Errorf("get lines flag: %w", err)
	}

	full, err := cmd.Flags().GetBool("full")
	if err != nil {
		return fmt.Errorf("get full flag: %w", err)
	}

	cfg, err := requireConfig(cmd.Context())
	if err != nil {
		return err
	}
	pathMgr := logging.NewPathManager(cfg.Storage.Logs)

	out := cmd.OutOrStdout()

	if len(args) == 0 {
		return listRuns(out, pathMgr)
	}

	runID, err := resolveRunID(pathMgr, args[0])
	if err != nil {
		return err
	}

	if !pathMgr.LogExists(runID) {
		return fmt.Errorf("no log file found for run %s", runID)
	}

	return outputLogs(cmd.Context(), out, logging.NewReader(pathMgr), runID, follow, lines, full)
}

func listRuns(out io.Writer, pathMgr *logging.PathManager) error {
	ids, err := pathMgr.ListRunLogs()
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		fmt.Fprintln(out, "no run logs found")
		return nil
	}
	for _, id := range ids {
		fmt.Fprintln(out, id)
	}
	return nil
}

// resolveRunID expands "latest" to the newest run ID.
func resolveRunID(pathMgr *logging.PathManager, arg string) (string, error) {
	if arg != latestRun {
		return arg, nil
	}

	ids, err := pathMgr.ListRunLogs()
	if err != nil {
		return "", err
	}
	if len(ids) == 0 {
		return "", fmt.Errorf("no run logs found in %s", pathMgr.BaseDir())
	}
	return ids[len(ids)-1], nil
}

func outputLogs(ctx context.Context, out io.Writer, reader *logging.Reader, runID string, follow bool, lines int, full bool) error {
	if follow {
		// Follow mode: show last N lines then stream new output
		return reader.FollowWithHistory(ctx, runID, out, lines, defaultLogPollInterval)
	}

	// Read mode: show lines and exit
	var logLines []string
	var err error

	if full {
		logLines, err = reader.ReadAll(runID)
	} else {
		logLines, err = reader.ReadLastN(runID, lines)
	}

	if err != nil {
		return fmt.Errorf("read log: %w", err)
	}

	for _, line := range logLines {
		fmt.Fprintln(out, line)
	}

	return nil
}

func init() {
	rootCmd.AddCommand(logsCmd)

	logsCmd.Flags().BoolP("follow", "f", false, "follow log output in real-time")
	logsCmd.Flags().IntP("lines", "n", logging.DefaultTailLines, "number of lines to show")
	logsCmd.Flags().Bool("full", false, "show entire log from run start")
}

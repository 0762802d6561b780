package cmd

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmgilman/examparse/internal/catalog"
	"github.com/jmgilman/examparse/internal/logging"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List recorded worker runs",
	Long: `List worker runs recorded by 'examparse run' and 'examparse serve',
oldest first.

A run is "running" until its output ends. Runs interrupted by a crash of
examparse itself stay "running" until pruned or removed by hand.`,
	Example: `  # List every recorded run
  examparse runs

  # Only the ten most recent
  examparse runs -n 10

  # Only runs still producing output
  examparse runs --status running`,
	Args: cobra.NoArgs,
	RunE: runRunsCmd,
}

var runsPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Forget old finished runs and their logs",
	Example: `  # Keep the 20 most recent finished runs
  examparse runs prune --keep 20`,
	Args: cobra.NoArgs,
	RunE: runRunsPruneCmd,
}

var runsRmCmd = &cobra.Command{
	Use:   "rm <run-id>...",
	Short: "Forget runs and delete their logs",
	Example: `  # Forget a single run
  examparse runs rm 3f6c1a2e-8a54-4c1e-9d7b-0a1e2f3c4d5e`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRunsRmCmd,
}

func init() {
	rootCmd.AddCommand(runsCmd)
	runsCmd.AddCommand(runsPruneCmd, runsRmCmd)

	runsCmd.Flags().IntP("limit", "n", 0, "show only the newest N runs")
	runsCmd.Flags().String("status", "", "filter by status (running, finished)")
	runsPruneCmd.Flags().Int("keep", 50, "number of finished runs to keep")
}

func runRunsCmd(cmd *cobra.Command, _ []string) error {
	limit, err := cmd.Flags().GetInt("limit")
	if err != nil {
		return fmt.Errorf("get limit flag: %w", err)
	}
	status, err := cmd.Flags().GetString("status")
	if err != nil {
		return fmt.Errorf("get status flag: %w", err)
	}

	switch catalog.Status(status) {
	case "", catalog.StatusRunning, catalog.StatusFinished:
	default:
		return fmt.Errorf("unknown status %q", status)
	}

	cfg, err := requireConfig(cmd.Context())
	if err != nil {
		return err
	}

	entries, err := historyStore(cfg).List(cmd.Context(), catalog.ListFilter{
		Status: catalog.Status(status),
		Limit:  limit,
	})
	if err != nil {
		return fmt.Errorf("list runs: %w", err)
	}

	return printRuns(cmd.OutOrStdout(), entries)
}

func printRuns(out io.Writer, entries []catalog.Entry) error {
	if len(entries) == 0 {
		fmt.Fprintln(out, "No runs recorded")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	if _, err := fmt.Fprintln(w, "ID\tSTATUS\tSTARTED\tDURATION\tLINES\tINPUTS"); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for _, e := range entries {
		duration := "-"
		if e.FinishedAt != nil {
			duration = e.FinishedAt.Sub(e.StartedAt).Round(time.Second).String()
		}
		inputs := strings.Join(e.Inputs, ",")
		if e.Mock {
			inputs += " (mock)"
		}
		if _, err := fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
			e.ID, e.Status, e.StartedAt.Local().Format(time.DateTime), duration, e.Lines, inputs); err != nil {
			return fmt.Errorf("write run: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("flush output: %w", err)
	}
	return nil
}

func runRunsPruneCmd(cmd *cobra.Command, _ []string) error {
	keep, err := cmd.Flags().GetInt("keep")
	if err != nil {
		return fmt.Errorf("get keep flag: %w", err)
	}
	if keep < 0 {
		return fmt.Errorf("--keep must not be negative")
	}

	cfg, err := requireConfig(cmd.Context())
	if err != nil {
		return err
	}

	removed, err := historyStore(cfg).Prune(cmd.Context(), keep)
	if err != nil {
		return fmt.Errorf("prune runs: %w", err)
	}

	logs := logging.NewPathManager(cfg.Storage.Logs)
	for _, e := range removed {
		if err := logs.RemoveRunLog(e.ID); err != nil {
			return err
		}
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Removed %d run(s)\n", len(removed))
	return nil
}

func runRunsRmCmd(cmd *cobra.Command, args []string) error {
	cfg, err := requireConfig(cmd.Context())
	if err != nil {
		return err
	}

	history := historyStore(cfg)
	logs := logging.NewPathManager(cfg.Storage.Logs)
	for _, id := range args {
		if err := history.Remove(cmd.Context(), id); err != nil {
			return fmt.Errorf("remove run %s: %w", id, err)
		}
		if err := logs.RemoveRunLog(id); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", id)
	}
	return nil
}

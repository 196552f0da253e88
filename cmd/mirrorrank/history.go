package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/BadgerOps/mirrorrank/internal/store"
	"github.com/spf13/cobra"
)

var (
	historyLimit int
	historyKeep  int
)

func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recorded ranking runs",
		Long: `Show the ranking runs recorded in the history database, newest first.
Use "history show ID" to see every mirror measured in one run.`,
		Example: `  mirrorrank history
  mirrorrank history --limit 5
  mirrorrank history show 12
  mirrorrank history prune --keep 50`,
		Args: cobra.NoArgs,
		RunE: historyRun,
	}
	cmd.Flags().IntVar(&historyLimit, "limit", 20, "show at most this many runs")

	cmd.AddCommand(&cobra.Command{
		Use:   "show ID",
		Short: "Show one run with its per-mirror scores",
		Args:  cobra.ExactArgs(1),
		RunE:  historyShowRun,
	})

	prune := &cobra.Command{
		Use:   "prune",
		Short: "Delete all but the most recent runs",
		Args:  cobra.NoArgs,
		RunE:  historyPruneRun,
	}
	prune.Flags().IntVar(&historyKeep, "keep", 100, "runs to keep")
	cmd.AddCommand(prune)

	return cmd
}

func historyRun(cmd *cobra.Command, args []string) error {
	if globalStore == nil {
		return fmt.Errorf("run history is not available (set store.path or --db)")
	}

	runs, err := globalStore.ListRuns(historyLimit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("No runs recorded")
		return nil
	}

	fmt.Printf("%5s  %-8s %-16s %8s %8s %8s %8s %7s\n", "ID", "Status", "Started", "Duration", "Probed", "Ranked", "Excluded", "Applied")
	fmt.Println(strings.Repeat("-", 80))
	for _, r := range runs {
		fmt.Printf("%5d  %-8s %-16s %8s %8d %8d %8d %7s\n",
			r.ID,
			r.Status,
			formatWhen(r.StartedAt),
			r.Duration().Round(time.Second),
			r.Candidates,
			r.Ranked,
			r.Excluded,
			yesNo(r.Applied),
		)
	}
	return nil
}

func historyShowRun(cmd *cobra.Command, args []string) error {
	if globalStore == nil {
		return fmt.Errorf("run history is not available (set store.path or --db)")
	}

	var (
		run *store.Run
		err error
	)
	if id, convErr := strconv.ParseInt(args[0], 10, 64); convErr == nil {
		run, err = globalStore.GetRun(id)
	} else {
		run, err = globalStore.GetRunByUUID(args[0])
	}
	if err != nil {
		return err
	}

	scores, err := globalStore.ListScores(run.ID)
	if err != nil {
		return err
	}

	fmt.Printf("Run %d (%s)\n", run.ID, run.UUID)
	fmt.Printf("  Status:   %s\n", run.Status)
	fmt.Printf("  Started:  %s (%s)\n", run.StartedAt.Format(time.RFC3339), formatWhen(run.StartedAt))
	fmt.Printf("  Source:   %s\n", run.SourceURL)
	fmt.Printf("  Target:   %s (applied: %s)\n", run.TargetPath, yesNo(run.Applied))
	if run.BackupPath != "" {
		fmt.Printf("  Backup:   %s\n", run.BackupPath)
	}
	if run.ErrorMessage != "" {
		fmt.Printf("  Error:    %s\n", run.ErrorMessage)
	}
	fmt.Printf("  Mirrors:  %d fetched, %d probed, %d ranked, %d excluded\n\n",
		run.Fetched, run.Candidates, run.Ranked, run.Excluded)

	if len(scores) == 0 {
		return nil
	}
	fmt.Printf("%4s  %-56s %-4s %10s %12s %6s  %s\n", "Rank", "URL", "CC", "Latency", "Throughput", "Score", "Status")
	fmt.Println(strings.Repeat("-", 110))
	for _, s := range scores {
		rank := "-"
		if s.Rank > 0 {
			rank = strconv.Itoa(s.Rank)
		}
		fmt.Printf("%4s  %-56s %-4s %10s %12s %6.3f  %s\n",
			rank,
			s.URL,
			s.Country,
			formatLatency(time.Duration(s.LatencyMS*float64(time.Millisecond))),
			formatThroughput(s.ThroughputBps),
			s.Score,
			s.Status,
		)
	}
	return nil
}

func historyPruneRun(cmd *cobra.Command, args []string) error {
	if globalStore == nil {
		return fmt.Errorf("run history is not available (set store.path or --db)")
	}
	if historyKeep < 0 {
		return fmt.Errorf("--keep must not be negative")
	}

	removed, err := globalStore.PruneRuns(historyKeep)
	if err != nil {
		return err
	}
	fmt.Printf("%d runs removed\n", removed)
	return nil
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

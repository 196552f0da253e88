package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/BadgerOps/mirrorrank/internal/engine"
	"github.com/BadgerOps/mirrorrank/internal/mirrorlist"
	"github.com/BadgerOps/mirrorrank/internal/rank"
	"github.com/spf13/cobra"
)

var (
	rankApply       bool
	rankCountry     []string
	rankProtocol    []string
	rankMode        string
	rankNumber      int
	rankTopN        int
	rankConcurrency int
	rankTimeout     time.Duration
	rankSamples     int
	rankNoBackup    bool
	rankGeoIP       bool
	rankJSON        bool
	rankPrint       bool
)

func newRankCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rank",
		Short: "Probe mirrors and rank them",
		Long: `Fetch the mirror catalog, filter it, probe every candidate concurrently
and rank the mirrors that answered. By default the result is only shown;
--apply replaces the mirrorlist atomically after backing up the current one.

Modes:
  score  weighs latency and throughput equally (default)
  rate   ranks by download throughput only
  delay  ranks by latency only

Mirrors that time out or fail are excluded and counted by reason.`,
		Example: `  mirrorrank rank --country DE,NL
  mirrorrank rank --mode rate --number 5 --print
  mirrorrank rank --top-n 20 --timeout 2s
  sudo mirrorrank rank --apply`,
		RunE: rankRun,
	}

	cmd.Flags().BoolVar(&rankApply, "apply", false, "write the ranked mirrors to the mirrorlist")
	cmd.Flags().StringSliceVar(&rankCountry, "country", nil, "country codes or names to include")
	cmd.Flags().StringSliceVar(&rankProtocol, "protocol", nil, "protocols to include (http, https, rsync, ftp)")
	cmd.Flags().StringVar(&rankMode, "mode", "", "ranking mode (score, rate, delay)")
	cmd.Flags().IntVarP(&rankNumber, "number", "n", 0, "number of mirrors to keep (0 keeps all)")
	cmd.Flags().IntVar(&rankTopN, "top-n", 0, "probe only this many candidates, previously best first")
	cmd.Flags().IntVar(&rankConcurrency, "concurrency", 0, "maximum probes in flight")
	cmd.Flags().DurationVar(&rankTimeout, "timeout", 0, "per-mirror probe timeout")
	cmd.Flags().IntVar(&rankSamples, "samples", 0, "samples per mirror (median is used)")
	cmd.Flags().BoolVar(&rankNoBackup, "no-backup", false, "do not back up the current mirrorlist")
	cmd.Flags().BoolVar(&rankGeoIP, "geoip", false, "narrow to this host's country when no country is given")
	cmd.Flags().BoolVar(&rankJSON, "json", false, "print the full report as JSON")
	cmd.Flags().BoolVar(&rankPrint, "print", false, "print the resulting mirrorlist to stdout")

	return cmd
}

// rankOptions overlays the flags that were set on the configured options.
func rankOptions(cmd *cobra.Command) (engine.RunOptions, error) {
	opts, err := engine.RunOptionsFromConfig(globalCfg)
	if err != nil {
		return opts, err
	}
	flags := cmd.Flags()

	opts.Apply = rankApply
	if len(rankCountry) > 0 {
		opts.Predicate.Countries = rankCountry
	}
	if len(rankProtocol) > 0 {
		if opts.Predicate.Protocols, err = parseProtocols(rankProtocol); err != nil {
			return opts, err
		}
	}
	if flags.Changed("mode") {
		if opts.Weights, err = rank.WeightsForMode(rankMode); err != nil {
			return opts, err
		}
	}
	if flags.Changed("number") {
		if rankNumber < 0 {
			return opts, fmt.Errorf("--number must not be negative")
		}
		opts.MaxMirrors = rankNumber
	}
	if flags.Changed("top-n") {
		if rankTopN < 0 {
			return opts, fmt.Errorf("--top-n must not be negative")
		}
		opts.TopN = rankTopN
	}
	if flags.Changed("concurrency") {
		if rankConcurrency < 1 {
			return opts, fmt.Errorf("--concurrency must be at least 1")
		}
		opts.Probe.Concurrency = rankConcurrency
	}
	if flags.Changed("timeout") {
		if rankTimeout <= 0 {
			return opts, fmt.Errorf("--timeout must be positive")
		}
		opts.Probe.Timeout = rankTimeout
	}
	if flags.Changed("samples") {
		if rankSamples < 1 {
			return opts, fmt.Errorf("--samples must be at least 1")
		}
		opts.Probe.Samples = rankSamples
	}
	if rankNoBackup {
		opts.Backup = false
	}
	if rankGeoIP {
		opts.UseGeoIP = true
	}
	return opts, nil
}

func rankRun(cmd *cobra.Command, args []string) error {
	log := slog.Default()

	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}
	if globalPipeline == nil {
		return fmt.Errorf("ranking pipeline not initialized")
	}

	opts, err := rankOptions(cmd)
	if err != nil {
		return err
	}

	log.Info("ranking mirrors",
		"countries", opts.Predicate.Countries,
		"protocols", opts.Predicate.Protocols,
		"apply", opts.Apply,
		"target", opts.Target)

	report, err := globalPipeline.Run(commandContext(cmd), opts)
	if err != nil {
		return withHint(err)
	}

	switch {
	case rankJSON:
		return printJSON(report)
	case rankPrint:
		notes := []string{"Source: " + report.SourceURL}
		_, err := os.Stdout.Write(mirrorlist.Render(report.Selected, report.FinishedAt, notes...))
		return err
	}

	printReport(report)

	if quiet {
		return nil
	}
	if report.Applied {
		fmt.Printf("\nWrote %d mirrors to %s\n", len(report.Selected), report.Target)
		if report.BackupPath != "" {
			fmt.Printf("Previous mirrorlist saved as %s\n", report.BackupPath)
		}
	} else {
		fmt.Printf("\n%s was not modified; re-run with --apply to write it.\n", report.Target)
	}
	return nil
}

func printReport(report *engine.Report) {
	fmt.Printf("Fetched %d mirrors, %d matched filters, probed %d in %s\n",
		report.Fetched, report.Filtered, report.Candidates,
		report.FinishedAt.Sub(report.StartedAt).Round(time.Millisecond))
	if report.CountryHint != "" {
		fmt.Printf("Country hint: %s\n", report.CountryHint)
	}
	fmt.Println("")

	fmt.Printf("%4s  %-56s %-4s %10s %12s %6s\n", "Rank", "URL", "CC", "Latency", "Throughput", "Score")
	fmt.Println(strings.Repeat("-", 98))
	for _, r := range report.Selected {
		cc := ""
		if r.Mirror != nil {
			cc = r.Mirror.CountryCode
		}
		fmt.Printf("%4d  %-56s %-4s %10s %12s %6.3f\n",
			r.Rank,
			r.URL(),
			cc,
			formatLatency(r.Latency),
			formatThroughput(r.ThroughputBps),
			r.Score,
		)
	}

	if report.Unusable > 0 {
		fmt.Printf("\n%d rsync mirrors ranked but left out (pacman cannot download over rsync)\n", report.Unusable)
	}
	if n := len(report.Summary.Ranked) - report.Unusable - len(report.Selected); n > 0 {
		fmt.Printf("\n%d more ranked mirrors not kept (see --number)\n", n)
	}
	if report.Summary.ExcludedCount > 0 {
		reasons := make([]string, 0, len(report.Summary.ExcludedReasons))
		for status, n := range report.Summary.ExcludedReasons {
			reasons = append(reasons, fmt.Sprintf("%s: %d", status, n))
		}
		sort.Strings(reasons)
		fmt.Printf("\nExcluded %d mirrors (%s)\n", report.Summary.ExcludedCount, strings.Join(reasons, ", "))
	}
}

// commandContext returns the command's context, which carries the
// interrupt signal when run from main.
func commandContext(cmd *cobra.Command) context.Context {
	if cmd != nil && cmd.Context() != nil {
		return cmd.Context()
	}
	return context.Background()
}

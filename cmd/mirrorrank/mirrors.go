package main

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/BadgerOps/mirrorrank/internal/mirror"
	"github.com/spf13/cobra"
)

var (
	mirrorsCountry  []string
	mirrorsProtocol []string
	mirrorsAll      bool
	mirrorsJSON     bool
)

func newMirrorsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mirrors",
		Short: "List mirrors from the catalog",
		Long: `Fetch the mirror catalog and list the mirrors that pass the configured
filters. Flags override the filter section of the config file. Nothing
is probed.`,
		Example: `  mirrorrank mirrors
  mirrorrank mirrors --country DE,NL --protocol https,http
  mirrorrank mirrors --all --json`,
		RunE: mirrorsRun,
	}

	cmd.Flags().StringSliceVar(&mirrorsCountry, "country", nil, "country codes or names to include")
	cmd.Flags().StringSliceVar(&mirrorsProtocol, "protocol", nil, "protocols to include (http, https, rsync, ftp)")
	cmd.Flags().BoolVar(&mirrorsAll, "all", false, "include inactive mirrors")
	cmd.Flags().BoolVar(&mirrorsJSON, "json", false, "print JSON instead of a table")

	return cmd
}

func mirrorsRun(cmd *cobra.Command, args []string) error {
	log := slog.Default()

	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}
	if globalFetcher == nil {
		return fmt.Errorf("catalog fetcher not initialized")
	}

	pred, err := globalCfg.Predicate()
	if err != nil {
		return err
	}
	if len(mirrorsCountry) > 0 {
		pred.Countries = mirrorsCountry
	}
	if len(mirrorsProtocol) > 0 {
		if pred.Protocols, err = parseProtocols(mirrorsProtocol); err != nil {
			return err
		}
	}
	if mirrorsAll {
		pred.ActiveOnly = false
	}

	records, err := globalFetcher.Fetch(commandContext(cmd), globalCfg.Catalog.URL, globalCfg.Catalog.Timeout)
	if err != nil {
		return withHint(err)
	}
	filtered := mirror.Filter(records, pred)
	log.Info("catalog filtered", "fetched", len(records), "matched", len(filtered))

	if mirrorsJSON {
		return printJSON(filtered)
	}

	fmt.Printf("%-56s %-4s %-6s %8s  %s\n", "URL", "CC", "Proto", "Complete", "Last Sync")
	fmt.Println(strings.Repeat("-", 96))
	for _, r := range filtered {
		fmt.Printf("%-56s %-4s %-6s %8s  %s\n",
			r.URL,
			r.CountryCode,
			r.Protocol,
			formatPct(r.CompletionPct),
			formatAge(r.LastSyncAge),
		)
	}
	fmt.Printf("\n%d of %d mirrors\n", len(filtered), len(records))

	return nil
}

func parseProtocols(values []string) ([]mirror.Protocol, error) {
	protos := make([]mirror.Protocol, 0, len(values))
	for _, v := range values {
		p, err := mirror.ParseProtocol(v)
		if err != nil {
			return nil, err
		}
		protos = append(protos, p)
	}
	return protos, nil
}

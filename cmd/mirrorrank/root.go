package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/BadgerOps/mirrorrank/internal/catalog"
	"github.com/BadgerOps/mirrorrank/internal/config"
	"github.com/BadgerOps/mirrorrank/internal/engine"
	"github.com/BadgerOps/mirrorrank/internal/geoip"
	"github.com/BadgerOps/mirrorrank/internal/mirrorlist"
	"github.com/BadgerOps/mirrorrank/internal/probe"
	"github.com/BadgerOps/mirrorrank/internal/store"
	"github.com/spf13/cobra"
)

var (
	// Global flags
	cfgPath    string
	dbPath     string
	targetPath string
	logLevel   string
	logFormat  string
	quiet      bool
	globalCfg  *config.Config
	logger     *slog.Logger

	// Global components
	globalStore    *store.Store
	globalFetcher  *catalog.Fetcher
	globalWriter   *mirrorlist.Writer
	globalPipeline *engine.Pipeline
	globalGeoDB    *geoip.DB
)

// initializeComponents builds the fetcher, probe engine, writer and
// pipeline from the loaded config. History and GeoIP are optional: when
// they cannot be opened the pipeline runs without them.
func initializeComponents() error {
	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}

	globalFetcher = catalog.NewFetcher(logger, catalog.WithCacheTTL(globalCfg.Catalog.CacheTTL))

	httpProber := probe.NewHTTPProber(nil)
	httpProber.SetTarget(globalCfg.Probe.Repo, globalCfg.Probe.Arch, globalCfg.Probe.MaxBytes)
	prober := probe.NewEngine(probe.NewProtocolProber(httpProber), logger)

	globalWriter = mirrorlist.NewWriter(logger)

	var opts []engine.Option
	if globalCfg.Store.Path != "" {
		st, err := store.New(globalCfg.Store.Path, logger)
		if err != nil {
			logger.Warn("run history disabled", "path", globalCfg.Store.Path, "error", err)
		} else {
			globalStore = st
			opts = append(opts, engine.WithHistory(st))
		}
	}

	if globalCfg.GeoIP.Enabled {
		db, err := geoip.OpenDB(globalCfg.GeoIP.Database)
		if err != nil {
			logger.Warn("country hint disabled", "database", globalCfg.GeoIP.Database, "error", err)
		} else {
			globalGeoDB = db
			opts = append(opts, engine.WithLocator(geoip.NewEchoLocator(db, globalCfg.GeoIP.EchoURL, nil, logger)))
		}
	}

	globalPipeline = engine.NewPipeline(globalFetcher, prober, globalWriter, logger, opts...)

	logger.Debug("components initialized", "history", globalStore != nil, "geoip", globalGeoDB != nil)
	return nil
}

// shouldSkipComponentInit checks if a command, or the group it belongs
// to, can run without components.
func shouldSkipComponentInit(cmd *cobra.Command) bool {
	skipInitCmds := map[string]bool{
		"help":    true,
		"version": true,
		"config":  true,
	}
	for c := cmd; c != nil && c.HasParent(); c = c.Parent() {
		if skipInitCmds[c.Name()] {
			return true
		}
	}
	return false
}

// closeComponents releases the store and GeoIP database
func closeComponents() {
	if globalStore != nil {
		if err := globalStore.Close(); err != nil {
			logger.Error("failed to close store", "error", err)
		}
		globalStore = nil
	}
	if globalGeoDB != nil {
		if err := globalGeoDB.Close(); err != nil {
			logger.Error("failed to close GeoIP database", "error", err)
		}
		globalGeoDB = nil
	}
}

// NewRootCmd creates and returns the root command
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mirrorrank",
		Short: "Rank Arch Linux mirrors and write a pacman mirrorlist",
		Long: `mirrorrank fetches the Arch Linux mirror catalog, filters it, measures
every candidate mirror concurrently and writes the fastest ones to the
pacman mirrorlist. The previous mirrorlist is backed up before it is
replaced, and every run is recorded for later inspection.`,
		Example: `  mirrorrank mirrors --country DE
  mirrorrank rank --country DE,NL --number 10
  sudo mirrorrank rank --apply
  mirrorrank backup list
  mirrorrank history
  mirrorrank serve --listen 127.0.0.1:8080`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Initialize logging
			setupLogging()

			// Skip config loading for commands that don't need it
			if shouldSkipConfig(cmd.Name()) {
				return nil
			}

			// Load config
			if cfgPath == "" {
				var err error
				cfgPath, err = config.FindConfigFile()
				if err != nil {
					logger.Debug("config file not found, using defaults", "error", err)
				}
			}

			if cfgPath != "" {
				var err error
				globalCfg, err = config.Load(cfgPath)
				if err != nil {
					return fmt.Errorf("failed to load config: %w", err)
				}
			} else {
				globalCfg = config.DefaultConfig()
			}

			// Override with command-line flags if provided
			if dbPath != "" {
				globalCfg.Store.Path = dbPath
			}
			if targetPath != "" {
				globalCfg.Output.Target = targetPath
			}

			logger.Debug("config loaded", "path", cfgPath, "target", globalCfg.Output.Target)

			// Initialize components after config is loaded
			if !shouldSkipComponentInit(cmd) {
				if err := initializeComponents(); err != nil {
					return fmt.Errorf("failed to initialize components: %w", err)
				}
			}

			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			closeComponents()
		},
	}

	// Add persistent flags
	cmd.PersistentFlags().StringVar(&cfgPath, "config", "", "path to config file (auto-discovered if not specified)")
	cmd.PersistentFlags().StringVar(&dbPath, "db", "", "override run history database path")
	cmd.PersistentFlags().StringVar(&targetPath, "target", "", "override mirrorlist path")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text or json)")
	cmd.PersistentFlags().BoolVar(&quiet, "quiet", false, "suppress non-error output")

	// Add subcommands
	cmd.AddCommand(
		newMirrorsCmd(),
		newRankCmd(),
		newBackupCmd(),
		newHistoryCmd(),
		newServeCmd(),
		newConfigCmd(),
		newVersionCmd(),
	)

	return cmd
}

// setupLogging initializes the slog logger based on flags
func setupLogging() {
	var level slog.Level
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	if quiet {
		level = slog.LevelError
	}

	var handler slog.Handler
	if strings.ToLower(logFormat) == "json" {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}

	logger = slog.New(handler)
	slog.SetDefault(logger)
}

// shouldSkipConfig checks if a command should skip config loading
func shouldSkipConfig(cmdName string) bool {
	skipConfigCmds := map[string]bool{
		"help":    true,
		"version": true,
	}
	return skipConfigCmds[cmdName]
}

package main

import (
	"fmt"
	"log/slog"

	"github.com/BadgerOps/mirrorrank/internal/config"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// defaultConfigFile is written by "config set" when no config file exists.
const defaultConfigFile = "mirrorrank.yaml"

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
		Long: `Manage mirrorrank configuration. Subcommands allow viewing and modifying
configuration settings.`,
		Example: `  mirrorrank config show
  mirrorrank config set probe.concurrency 16`,
	}

	cmd.AddCommand(
		newConfigShowCmd(),
		newConfigSetCmd(),
	)

	return cmd
}

func newConfigShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Display current configuration",
		Long: `Display the current configuration in YAML format. If a config file
is loaded, shows the loaded configuration with any command-line overrides
applied.`,
		Example: `  mirrorrank config show
  mirrorrank config show --config /etc/mirrorrank/mirrorrank.yaml`,
		RunE: configShowRun,
	}

	return cmd
}

func configShowRun(cmd *cobra.Command, args []string) error {
	log := slog.Default()

	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}

	log.Debug("showing configuration", "path", cfgPath)

	data, err := yaml.Marshal(globalCfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	source := cfgPath
	if source == "" {
		source = "built-in defaults"
	}
	fmt.Printf("# Configuration from %s\n", source)
	fmt.Print(string(data))

	return nil
}

func newConfigSetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "set KEY VALUE",
		Short: "Set a configuration value",
		Long: `Set a configuration value using dot-notation for nested keys.
Changes are validated and written back to the config file; when no
config file was found, mirrorrank.yaml is created in the current directory.

Examples:
  probe.concurrency 16
  probe.timeout 3s
  filter.countries [DE,NL]
  rank.mode rate
  output.target /etc/pacman.d/mirrorlist`,
		Example: `  mirrorrank config set probe.timeout 3s
  mirrorrank config set filter.countries "[DE, NL]"`,
		Args: cobra.ExactArgs(2),
		RunE: configSetRun,
	}

	return cmd
}

func configSetRun(cmd *cobra.Command, args []string) error {
	log := slog.Default()

	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}

	key := args[0]
	value := args[1]

	if err := config.Set(globalCfg, key, value); err != nil {
		return err
	}

	path := cfgPath
	if path == "" {
		path = defaultConfigFile
	}
	if err := config.Save(globalCfg, path); err != nil {
		return err
	}

	log.Info("set configuration", "key", key, "value", value, "path", path)
	fmt.Printf("Set %s = %s in %s\n", key, value, path)

	return nil
}

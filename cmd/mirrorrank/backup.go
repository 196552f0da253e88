package main

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/BadgerOps/mirrorrank/internal/mirrorlist"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var (
	backupLimit int
	backupKeep  int
)

func newBackupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Manage mirrorlist backups",
		Long: `List, create, restore and prune backups of the mirrorlist. Backups are
written next to the mirrorlist as <mirrorlist>.backup.YYYYmmdd_HHMMSS.`,
		Example: `  mirrorrank backup list
  sudo mirrorrank backup create
  sudo mirrorrank backup restore
  sudo mirrorrank backup restore mirrorlist.backup.20260314_092653
  sudo mirrorrank backup prune --keep 3`,
	}

	cmd.AddCommand(
		newBackupListCmd(),
		newBackupCreateCmd(),
		newBackupRestoreCmd(),
		newBackupPruneCmd(),
	)

	return cmd
}

func newBackupListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List backups, newest first",
		Args:  cobra.NoArgs,
		RunE:  backupListRun,
	}
	cmd.Flags().IntVar(&backupLimit, "limit", 0, "show at most this many backups (0 shows all)")
	return cmd
}

func backupListRun(cmd *cobra.Command, args []string) error {
	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}

	target := globalCfg.Output.Target
	backups, err := mirrorlist.ListBackups(target, mirrorlist.OSFS{}, backupLimit)
	if err != nil {
		return err
	}
	if len(backups) == 0 {
		fmt.Printf("No backups of %s\n", target)
		return nil
	}

	fmt.Printf("Backups of %s\n\n", target)
	fmt.Printf("%-64s %10s  %s\n", "Path", "Size", "Created")
	fmt.Println(strings.Repeat("-", 92))
	for _, b := range backups {
		fmt.Printf("%-64s %10s  %s\n", b.Path, humanize.IBytes(uint64(b.Size)), formatWhen(b.Created))
	}
	return nil
}

func newBackupCreateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create",
		Short: "Back up the current mirrorlist",
		Args:  cobra.NoArgs,
		RunE:  backupCreateRun,
	}
}

func backupCreateRun(cmd *cobra.Command, args []string) error {
	if globalCfg == nil || globalWriter == nil {
		return fmt.Errorf("mirrorlist writer not initialized")
	}

	target := globalCfg.Output.Target
	fsys, err := mirrorlist.LocalEscalator{}.Acquire(target)
	if err != nil {
		return withHint(err)
	}
	path, err := globalWriter.Backup(target, fsys)
	if err != nil {
		return withHint(err)
	}
	if path == "" {
		fmt.Printf("%s does not exist; nothing to back up\n", target)
		return nil
	}
	fmt.Printf("Saved %s\n", path)
	return nil
}

func newBackupRestoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restore [BACKUP]",
		Short: "Restore a backup over the mirrorlist",
		Long: `Restore a backup over the mirrorlist. BACKUP may be a full path or a file
name in the mirrorlist directory; without it the newest backup is used.`,
		Args: cobra.MaximumNArgs(1),
		RunE: backupRestoreRun,
	}
}

func backupRestoreRun(cmd *cobra.Command, args []string) error {
	log := slog.Default()

	if globalCfg == nil || globalWriter == nil {
		return fmt.Errorf("mirrorlist writer not initialized")
	}

	target := globalCfg.Output.Target
	var backup string
	if len(args) == 1 {
		backup = args[0]
	} else {
		latest, err := mirrorlist.ListBackups(target, mirrorlist.OSFS{}, 1)
		if err != nil {
			return err
		}
		if len(latest) == 0 {
			return fmt.Errorf("no backups of %s to restore", target)
		}
		backup = latest[0].Path
	}

	fsys, err := mirrorlist.LocalEscalator{}.Acquire(target)
	if err != nil {
		return withHint(err)
	}
	if err := globalWriter.Restore(backup, target, fsys); err != nil {
		return withHint(err)
	}
	log.Info("mirrorlist restored", "backup", backup, "target", target)
	fmt.Printf("Restored %s from %s\n", target, backup)
	return nil
}

func newBackupPruneCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete all but the newest backups",
		Args:  cobra.NoArgs,
		RunE:  backupPruneRun,
	}
	cmd.Flags().IntVar(&backupKeep, "keep", 0, "backups to keep (defaults to output.keep_backups)")
	return cmd
}

func backupPruneRun(cmd *cobra.Command, args []string) error {
	if globalCfg == nil || globalWriter == nil {
		return fmt.Errorf("mirrorlist writer not initialized")
	}

	keep := backupKeep
	if keep <= 0 {
		keep = globalCfg.Output.KeepBackups
	}
	if keep <= 0 {
		return fmt.Errorf("--keep must be positive")
	}

	target := globalCfg.Output.Target
	fsys, err := mirrorlist.LocalEscalator{}.Acquire(target)
	if err != nil {
		return withHint(err)
	}
	removed, err := globalWriter.Prune(target, fsys, keep)
	if err != nil {
		return withHint(err)
	}
	for _, p := range removed {
		fmt.Printf("Removed %s\n", p)
	}
	fmt.Printf("%d backups removed\n", len(removed))
	return nil
}

// withHint appends the remedy for err, if there is one.
func withHint(err error) error {
	if hint := errorHint(err); hint != "" {
		return fmt.Errorf("%w (%s)", err, hint)
	}
	return err
}

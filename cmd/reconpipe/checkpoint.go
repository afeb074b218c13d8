package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"reconpipe/pkg/checkpoint"
	errs "reconpipe/pkg/errors"
	"reconpipe/pkg/logger"
	"reconpipe/pkg/pipeline"
	"reconpipe/pkg/ui"
)

var (
	checkpointPath string
	keepBackups    int
)

// checkpointCmd groups maintenance operations on a scan's checkpoint
var checkpointCmd = &cobra.Command{
	Use:   "checkpoint",
	Short: "Inspect and maintain scan checkpoints",
	Long: `Inspect and maintain the checkpoint of a scan.

Every subcommand takes the checkpoint lock, so it is safe to run while a
scan is active; it waits up to the configured lock timeout.`,
}

var verifyCmd = &cobra.Command{
	Use:   "verify <domain>",
	Short: "Validate the checkpoint without modifying it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store := checkpointStore(args[0])
		issues, err := store.Verify()
		if err != nil {
			return storeError(err)
		}
		if len(issues) == 0 {
			ui.PrintSuccess("Checkpoint is valid: " + store.Path())
			return nil
		}
		lines := make([]string, len(issues))
		for i, issue := range issues {
			lines[i] = issue.String()
		}
		fmt.Fprint(ui.Output, ui.RenderIssues(fmt.Sprintf("%d issue(s) in %s", len(issues), store.Path()), lines))
		return exitWith(pipeline.CorruptUnrepairable.ExitCode(), nil)
	},
}

var repairCmd = &cobra.Command{
	Use:   "repair <domain>",
	Short: "Back up the checkpoint and fill in missing or invalid fields",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store := checkpointStore(args[0])
		report, err := store.Repair()
		if err != nil {
			if errors.Is(err, errs.ErrUnrepairable) {
				return exitWith(pipeline.CorruptUnrepairable.ExitCode(), err)
			}
			return storeError(err)
		}
		if !report.Repaired() {
			ui.PrintSuccess("Checkpoint is valid; nothing to repair")
			return nil
		}
		fmt.Fprint(ui.Output, ui.RenderIssues("Repaired "+store.Path(), report.Actions))
		ui.PrintInfo("Backup", report.Backup)
		return nil
	},
}

var backupCmd = &cobra.Command{
	Use:   "backup <domain>",
	Short: "Copy the checkpoint to a timestamped backup",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store := checkpointStore(args[0])
		path, err := store.Backup()
		if err != nil {
			return storeError(err)
		}
		if path == "" {
			return exitWith(pipeline.NoCheckpointFound.ExitCode(), fmt.Errorf("no checkpoint at %s", store.Path()))
		}
		ui.PrintInfo("Backup", path)
		return nil
	},
}

var optimizeCmd = &cobra.Command{
	Use:   "optimize <domain>",
	Short: "Drop batch history and finished cursors from the checkpoint",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store := checkpointStore(args[0])
		report, err := store.Optimize()
		if err != nil {
			return storeError(err)
		}
		if !report.Changed() {
			ui.PrintSuccess("Checkpoint already compact")
			return nil
		}
		ui.PrintSuccess(fmt.Sprintf("Dropped %d history entries and %d cursors (%d -> %d bytes)",
			report.HistoryDropped, report.CursorsDropped, report.BytesBefore, report.BytesAfter))
		return nil
	},
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup <domain>",
	Short: "Delete old checkpoint backups",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store := checkpointStore(args[0])
		keep := keepBackups
		if !cmd.Flags().Changed("keep") {
			keep = cfg.Checkpoint.MaxBackups
		}
		removed, err := store.CleanupBackups(keep)
		for _, path := range removed {
			fmt.Fprintln(ui.Output, ui.Dim("removed "+path))
		}
		if err != nil {
			return storeError(err)
		}
		ui.PrintSuccess(fmt.Sprintf("Removed %d backup(s), kept up to %d", len(removed), keep))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(checkpointCmd)
	checkpointCmd.AddCommand(verifyCmd, repairCmd, backupCmd, optimizeCmd, cleanupCmd)

	checkpointCmd.PersistentFlags().StringVar(&checkpointPath, "path", "", "checkpoint file instead of the default location")
	cleanupCmd.Flags().IntVar(&keepBackups, "keep", checkpoint.DefaultMaxBackups, "number of newest backups to keep")
}

func checkpointStore(domain string) *checkpoint.Store {
	domain = strings.ToLower(strings.TrimSpace(domain))
	p := pipeline.New(cfg, pipeline.WithLogger(logger.GetLogger()))
	return p.Store(domain, checkpointPath)
}

func storeError(err error) error {
	switch {
	case errors.Is(err, errs.ErrNotFound):
		return exitWith(pipeline.NoCheckpointFound.ExitCode(), err)
	case errors.Is(err, errs.ErrLockTimeout):
		return exitWith(pipeline.LockTimeout.ExitCode(), err)
	case errors.Is(err, errs.ErrCorrupt):
		return exitWith(pipeline.CorruptUnrepairable.ExitCode(), err)
	}
	return exitWith(1, err)
}

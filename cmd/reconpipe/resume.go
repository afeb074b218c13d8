package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"reconpipe/pkg/checkpoint"
	"reconpipe/pkg/pipeline"
	"reconpipe/pkg/ui"
)

var (
	fromCheckpoint   string
	forcePhase       string
	skipVerification bool
	noConfirm        bool
)

// resumeCmd continues a scan from its checkpoint
var resumeCmd = &cobra.Command{
	Use:   "resume <domain>",
	Short: "Resume an interrupted or failed scan",
	Long: `Resume a scan from its checkpoint. Completed phases are skipped and the
phase in progress continues after its last completed batch.

Before resuming, the checkpoint is validated (and repaired on confirmation),
the tool versions and templates are compared with the ones the scan started
with, a backup is taken and the checkpoint is compacted.

Exit status: 0 success, 1 failed, 2 no checkpoint, 3 corrupt checkpoint,
4 environment mismatch, 5 lock timeout, 6 aborted, 130 interrupted.`,
	Example: `  reconpipe resume example.com
  reconpipe resume example.com --no-confirm
  reconpipe resume example.com --force-phase alive
  reconpipe resume example.com --from-checkpoint ./saved/scan_state.json --skip-verification`,
	Args: cobra.ExactArgs(1),
	RunE: runResume,
}

func init() {
	rootCmd.AddCommand(resumeCmd)
	addScanFlags(resumeCmd)

	resumeCmd.Flags().StringVar(&fromCheckpoint, "from-checkpoint", "", "checkpoint file to resume from instead of the default location")
	resumeCmd.Flags().StringVar(&forcePhase, "force-phase", "", "restart this phase and every later one (enumeration, alive, vulnerability)")
	resumeCmd.Flags().BoolVar(&skipVerification, "skip-verification", false, "resume even if tool versions or templates changed")
	resumeCmd.Flags().BoolVarP(&noConfirm, "no-confirm", "y", false, "do not prompt for confirmation")
}

func runResume(cmd *cobra.Command, args []string) error {
	req := pipeline.ResumeRequest{
		Domain:           strings.ToLower(strings.TrimSpace(args[0])),
		CheckpointPath:   fromCheckpoint,
		SkipVerification: skipVerification,
		NonInteractive:   noConfirm,
	}
	if forcePhase != "" {
		phase, err := checkpoint.ParsePhase(forcePhase)
		if err != nil {
			return exitWith(1, err)
		}
		req.ForcePhase = &phase
	}

	ctx, stop := signalContext()
	defer stop()

	p, stopMetrics := newPipeline(ctx)
	defer stopMetrics()

	out := p.Resume(ctx, req)
	reportOutcome(out)
	return exitWith(out.Code.ExitCode(), out.Err)
}

func reportOutcome(out pipeline.ResumeOutcome) {
	switch out.Code {
	case pipeline.Success:
		ui.PrintSuccess("Scan completed")
	case pipeline.NoCheckpointFound:
		ui.PrintWarning("No checkpoint found", out.Path)
	case pipeline.CorruptUnrepairable:
		ui.PrintError("Checkpoint cannot be repaired", out.Path)
	case pipeline.EnvironmentMismatchAborted:
		ui.PrintWarning("Environment changed since the scan started; pass --skip-verification to resume anyway")
	case pipeline.Aborted:
		ui.PrintWarning("Resume aborted")
	case pipeline.Interrupted:
		ui.PrintWarning(fmt.Sprintf("Scan paused; run 'reconpipe resume %s' to continue", domainOf(out)))
	case pipeline.LockTimeout:
		ui.PrintError("Checkpoint is locked by another process", out.Path)
	}
}

func domainOf(out pipeline.ResumeOutcome) string {
	if out.Summary != nil {
		return out.Summary.Domain
	}
	return "<domain>"
}

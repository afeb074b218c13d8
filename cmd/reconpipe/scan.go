package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	errs "reconpipe/pkg/errors"
	"reconpipe/pkg/logger"
	"reconpipe/pkg/pipeline"
	"reconpipe/pkg/ui"
)

// scanCmd starts a new scan
var scanCmd = &cobra.Command{
	Use:   "scan <domain>",
	Short: "Start a new scan of a domain",
	Long: `Start a new scan: enumerate subdomains, probe which are alive, then run
vulnerability templates against the live hosts.

A domain with an existing checkpoint is refused unless --resume is given,
which continues it the way 'reconpipe resume' does. Use
'reconpipe resume --force-phase' to redo phases.`,
	Example: `  reconpipe scan example.com
  reconpipe scan example.com --resume --no-confirm
  reconpipe scan example.com --batch-size 50 --workers 8
  reconpipe scan example.com --templates ~/nuclei-templates --severities critical,high`,
	Args: cobra.ExactArgs(1),
	RunE: runScan,
}

// resumeExisting lets scan continue a domain that already has a checkpoint
var resumeExisting bool

func init() {
	rootCmd.AddCommand(scanCmd)
	addScanFlags(scanCmd)

	scanCmd.Flags().BoolVar(&resumeExisting, "resume", false, "resume the existing checkpoint instead of refusing")
	scanCmd.Flags().BoolVarP(&noConfirm, "no-confirm", "y", false, "do not prompt for confirmation when resuming")
}

func runScan(cmd *cobra.Command, args []string) error {
	domain := strings.ToLower(strings.TrimSpace(args[0]))

	ctx, stop := signalContext()
	defer stop()

	if !quiet {
		ui.PrintBanner()
	}
	ui.PrintInfo("Target", domain)

	p, stopMetrics := newPipeline(ctx)
	defer stopMetrics()

	if resumeExisting {
		out := p.ScanOrResume(ctx, pipeline.ResumeRequest{Domain: domain, NonInteractive: noConfirm})
		reportOutcome(out)
		return exitWith(out.Code.ExitCode(), out.Err)
	}

	result, err := p.StartScan(ctx, domain)
	switch {
	case err == nil:
		logger.WithField("domain", domain).Info("Scan completed")
		ui.PrintSuccess(fmt.Sprintf("Scan of %s completed", domain))
		printStatus(p, domain)
		return nil
	case errors.Is(err, errs.ErrAlreadyExists):
		return exitWith(1, fmt.Errorf("%w\nrun 'reconpipe resume %s' or 'reconpipe scan %s --resume' to continue it", err, domain, domain))
	case errors.Is(err, errs.ErrInterrupted):
		ui.PrintWarning(fmt.Sprintf("Scan %s; run 'reconpipe resume %s' to continue", result.Status, domain))
		return exitWith(pipeline.Interrupted.ExitCode(), nil)
	case errors.Is(err, errs.ErrLockTimeout):
		return exitWith(pipeline.LockTimeout.ExitCode(), err)
	default:
		return exitWith(pipeline.Failed.ExitCode(), err)
	}
}

func printStatus(p *pipeline.Pipeline, domain string) {
	sum, err := p.LoadSummary(domain)
	if err != nil {
		return
	}
	fmt.Fprintln(ui.Output, ui.RenderSummary(sum))
}

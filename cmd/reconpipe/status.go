package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	errs "reconpipe/pkg/errors"
	"reconpipe/pkg/pipeline"
	"reconpipe/pkg/ui"
)

var statusJSON bool

// statusCmd prints the progress of a scan without touching it
var statusCmd = &cobra.Command{
	Use:   "status <domain>",
	Short: "Show the progress of a scan",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		domain := strings.ToLower(strings.TrimSpace(args[0]))
		p := pipeline.New(cfg)

		sum, err := p.LoadSummary(domain)
		if err != nil {
			switch {
			case errors.Is(err, errs.ErrNotFound):
				return exitWith(pipeline.NoCheckpointFound.ExitCode(), err)
			case errors.Is(err, errs.ErrCorrupt):
				ui.PrintWarning("Checkpoint failed validation; run 'reconpipe checkpoint verify " + domain + "'")
				return exitWith(pipeline.CorruptUnrepairable.ExitCode(), err)
			case errors.Is(err, errs.ErrLockTimeout):
				return exitWith(pipeline.LockTimeout.ExitCode(), err)
			}
			return exitWith(1, err)
		}

		if statusJSON {
			data, err := json.MarshalIndent(sum, "", "  ")
			if err != nil {
				return exitWith(1, err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		}
		fmt.Fprintln(cmd.OutOrStdout(), ui.RenderSummary(sum))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "print the summary as JSON")
}

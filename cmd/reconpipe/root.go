package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"reconpipe/pkg/config"
	"reconpipe/pkg/logger"
	"reconpipe/pkg/ui"
)

var (
	// Version information
	version   = "0.3.0"
	gitCommit = "unknown"
	buildDate = "unknown"

	// Global flags
	configFile string
	logLevel   string
	logFile    string
	outputDir  string
	quiet      bool

	// cfg is loaded before any subcommand runs
	cfg *config.Config
)

// exitError carries the process exit status for a failed command
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

func exitWith(code int, err error) error {
	if code == 0 {
		return nil
	}
	return &exitError{code: code, err: err}
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "reconpipe",
	Short: "Resumable subdomain, liveness and vulnerability scanning",
	Long: `reconpipe runs subfinder, httpx and nuclei against a domain as three
ordered phases. Work is split into batches and every completed batch is
checkpointed, so an interrupted or failed scan resumes where it stopped
instead of starting over.

Results land in <output>/<domain>/ and the checkpoint in
<output>/<domain>/checkpoints/scan_state.json.`,
	Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildDate),
	SilenceErrors: true,
	SilenceUsage:  true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if quiet {
			ui.Output = io.Discard
		}
		if cmd.Name() == "help" || cmd.Name() == "version" || isConfigCommand(cmd) {
			return nil
		}
		return loadConfig(cmd)
	},
}

// Execute runs the root command and exits with the command's status
func Execute() {
	err := rootCmd.Execute()
	if err == nil {
		return
	}

	var exit *exitError
	if errors.As(err, &exit) {
		if exit.err != nil {
			fmt.Fprintln(os.Stderr, ui.Red(exit.err.Error()))
		}
		os.Exit(exit.code)
	}
	fmt.Fprintln(os.Stderr, ui.Red(err.Error()))
	os.Exit(1)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file (default is .reconpipe.yaml or ~/.config/reconpipe/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "write logs to this file instead of stderr")
	rootCmd.PersistentFlags().StringVarP(&outputDir, "output", "o", "", "base output directory")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "suppress everything but errors")

	rootCmd.SetVersionTemplate(`reconpipe {{.Version}}
Go Version: ` + runtime.Version() + `
OS/Arch: ` + runtime.GOOS + `/` + runtime.GOARCH + `
`)

	rootCmd.CompletionOptions.DisableDefaultCmd = true
}

// loadConfig merges the config file, environment and the flags that were
// set on cmd, then initializes the global logger
func loadConfig(cmd *cobra.Command) error {
	flags := make(map[string]interface{})
	if outputDir != "" {
		flags["output"] = outputDir
	}
	if logLevel != "" {
		flags["log-level"] = logLevel
	}
	if logFile != "" {
		flags["log-file"] = logFile
	}
	collectFlags(cmd, flags)

	loaded, err := config.Load(configFile, flags)
	if err != nil {
		return exitWith(1, fmt.Errorf("failed to load configuration: %w", err))
	}
	cfg = loaded

	if err := logger.Initialize(&cfg.Logging); err != nil {
		return exitWith(1, fmt.Errorf("failed to initialize logger: %w", err))
	}
	logger.WithField("version", version).Debug("reconpipe starting")
	return nil
}

// collectFlags copies the scan tuning flags that the user changed
func collectFlags(cmd *cobra.Command, flags map[string]interface{}) {
	fs := cmd.Flags()
	for _, name := range []string{"batch-size", "workers"} {
		if fs.Changed(name) {
			if v, err := fs.GetInt(name); err == nil {
				flags[name] = v
			}
		}
	}
	for _, name := range []string{"tool-timeout", "lock-timeout", "checkpoint-interval"} {
		if fs.Changed(name) {
			if v, err := fs.GetDuration(name); err == nil {
				flags[name] = v
			}
		}
	}
	for _, name := range []string{"templates", "severities", "metrics-addr"} {
		if fs.Changed(name) {
			if v, err := fs.GetString(name); err == nil {
				flags[name] = v
			}
		}
	}
}

func isConfigCommand(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c == configCmd {
			return true
		}
	}
	return false
}

package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"reconpipe/internal/runner"
	"reconpipe/pkg/checkpoint"
	"reconpipe/pkg/config"
	"reconpipe/pkg/ui"
)

// configCmd represents the config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration files",
	Long: `Manage reconpipe configuration.

Configuration is merged from, lowest priority first:
  - Default values
  - Configuration file
  - .env files and RECONPIPE_* environment variables
  - Command line flags`,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a configuration file with the default values",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := configFile
		if path == "" {
			path = ".reconpipe.yaml"
		}
		if _, err := os.Stat(path); err == nil {
			return exitWith(1, fmt.Errorf("configuration file already exists: %s", path))
		}
		if err := config.DefaultConfig().Save(path); err != nil {
			return exitWith(1, err)
		}
		ui.PrintSuccess("Configuration file created: " + path)
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(configFile, nil)
		if err != nil {
			return exitWith(1, fmt.Errorf("failed to load configuration: %w", err))
		}
		data, err := yaml.Marshal(loaded)
		if err != nil {
			return exitWith(1, err)
		}
		ui.PrintHighlight("Current configuration")
		fmt.Fprint(cmd.OutOrStdout(), string(data))
		return nil
	},
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration and check the external tools",
	Long: `Validate the configuration and report the version of each external tool
and the templates fingerprint a new scan would record.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(configFile, nil)
		if err != nil {
			return exitWith(1, fmt.Errorf("configuration is invalid: %w", err))
		}

		var problems []string
		if err := os.MkdirAll(loaded.Output.BaseDirectory, 0755); err != nil {
			problems = append(problems, fmt.Sprintf("cannot create output directory: %v", err))
		}
		if loaded.Logging.File != "" {
			if err := os.MkdirAll(filepath.Dir(loaded.Logging.File), 0755); err != nil {
				problems = append(problems, fmt.Sprintf("cannot create log directory: %v", err))
			}
		}

		tools := runner.PhaseTools(loaded.Tools)
		list := make([]runner.Tool, 0, len(tools))
		for _, phase := range checkpoint.Phases {
			list = append(list, tools[phase])
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		env, err := runner.Fingerprint(ctx, list, loaded.Tools.TemplatesPath)
		if err != nil {
			problems = append(problems, fmt.Sprintf("cannot fingerprint environment: %v", err))
		} else {
			names := make([]string, 0, len(env.ToolVersions))
			for name := range env.ToolVersions {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				v := env.ToolVersions[name]
				if v == "unknown" {
					problems = append(problems, fmt.Sprintf("%s: version could not be determined", name))
				}
				ui.PrintInfo(name, v)
			}
			ui.PrintInfo("templates", env.TemplatesHash)
		}

		if len(problems) > 0 {
			fmt.Fprint(ui.Output, ui.RenderIssues("Problems", problems))
			return exitWith(1, nil)
		}
		ui.PrintSuccess("Configuration is valid")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configInitCmd, configShowCmd, configValidateCmd)
}

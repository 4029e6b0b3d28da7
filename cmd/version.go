package cmd

import (
	"fmt"
	"strings"

	"backup-orchestrator/internal/config"

	"github.com/spf13/cobra"
)

// Version information (set by main from build flags)
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
	goVersion = "unknown"
)

// SetVersionInfo sets the version information from build flags
func SetVersionInfo(v, bt, gc, gv string) {
	version = v
	buildTime = bt
	gitCommit = gc
	goVersion = gv
}

func createVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "backup-orchestrator version %s\n", version)
			fmt.Fprintf(out, "Built: %s\n", buildTime)
			fmt.Fprintf(out, "Commit: %s\n", gitCommit)
			fmt.Fprintf(out, "Go version: %s\n", goVersion)
		},
	}
}

var configOutput string

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Generate a sample configuration file",
	Long: `Generate a sample configuration file that can be used with the --config flag.

Examples:
  # Print the template
  backup-orchestrator config > backup-orchestrator.yaml

  # Write it to a file (existing files are never overwritten)
  backup-orchestrator config --output /etc/backup-orchestrator/config.yaml`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if configOutput == "" {
			fmt.Fprint(cmd.OutOrStdout(), config.Template())
			return nil
		}
		if err := config.WriteTemplate(configOutput); err != nil {
			return err
		}
		newPrinter().Success("Configuration template written to %s", configOutput)
		return nil
	},
}

var configEnvCmd = &cobra.Command{
	Use:   "env",
	Short: "List the environment variables that override configuration keys",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), strings.Join(config.EnvironmentVariables(), "\n"))
	},
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Load and validate the configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		newPrinter().Success("Configuration is valid: %d sources, %d environments", len(cfg.Sources), len(cfg.Environments))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configEnvCmd)
	configCmd.AddCommand(configValidateCmd)
	configCmd.Flags().StringVar(&configOutput, "output", "", "write the template to this path instead of stdout")
}

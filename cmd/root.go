package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"os/user"
	"syscall"

	"backup-orchestrator/internal/application"
	"backup-orchestrator/internal/config"
	"backup-orchestrator/internal/display"
	"backup-orchestrator/internal/logging"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

// Global flag variables
var (
	verbose bool
	quiet   bool
	actor   string

	// Display flags
	noColor       bool
	noIcons       bool
	theme         string
	outputFormat  string
	tableStyle    string
	maxTableWidth int
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "backup-orchestrator",
	Short: "Back up, verify, restore and recover data sources",
	Long: `Backup Orchestrator captures snapshots of relational databases, document
stores, caches and filesystems, ships them compressed and encrypted to object
storage, verifies them, restores them under governance control, and drives
disaster recovery runbooks.

Examples:
  # Generate a configuration file
  backup-orchestrator config --output backup-orchestrator.yaml

  # Back up a source and list its backups
  backup-orchestrator backup create --source orders-db --destination s3 --encrypt
  backup-orchestrator backup list --source orders-db

  # Restore into staging
  backup-orchestrator restore backup-1a2b3c4d --environment staging

  # Run scheduled backups and notifications until interrupted
  backup-orchestrator serve`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if verbose && quiet {
			return fmt.Errorf("--verbose and --quiet flags are mutually exclusive")
		}
		_, err := display.ParseFormat(outputFormat)
		return err
	},
}

// Execute adds all child commands to the root command and exits with a code
// derived from the error kind. This is called by main.main().
func Execute() {
	err := rootCmd.Execute()
	if err == nil {
		return
	}
	newPrinter().Failure(err, application.Hints(err))
	os.Exit(application.ExitCode(err))
}

func init() {
	cobra.OnInitialize(initConfig)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default is ./.backup-orchestrator.yaml or $HOME/.backup-orchestrator.yaml)")
	flags.BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")
	flags.BoolVarP(&quiet, "quiet", "q", false, "suppress non-error output")
	flags.StringVar(&actor, "actor", "", "name recorded as the operator (default is the current user)")
	flags.String("log-format", "", "log format (text, json)")
	flags.String("log-file", "", "also write logs to this file")

	flags.BoolVar(&noColor, "no-color", false, "disable color output")
	flags.BoolVar(&noIcons, "no-icons", false, "disable Unicode icons")
	flags.StringVar(&theme, "theme", "dark", "color theme (dark, light, high-contrast)")
	flags.StringVarP(&outputFormat, "format", "o", "table", "output format (table, json, yaml)")
	flags.StringVar(&tableStyle, "table-style", "default", "table style (default, rounded, minimal)")
	flags.IntVar(&maxTableWidth, "max-table-width", 0, "maximum table width (default is the terminal width)")

	viper.BindPFlag("logging.format", flags.Lookup("log-format"))
	viper.BindPFlag("logging.file", flags.Lookup("log-file"))

	rootCmd.AddCommand(createVersionCommand())
}

// initConfig points viper at the config file and the environment.
func initConfig() {
	config.ConfigureViper(viper.GetViper(), cfgFile)
}

// loadConfig decodes and validates the configuration, applying the verbosity flags.
func loadConfig() (*config.Config, error) {
	cfg, err := config.FromViper(viper.GetViper())
	if err != nil {
		return nil, err
	}
	switch {
	case verbose:
		cfg.Logging.Level = string(logging.LogLevelVerbose)
	case quiet:
		cfg.Logging.Level = string(logging.LogLevelQuiet)
	}
	if verbose && viper.ConfigFileUsed() != "" {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
	return cfg, nil
}

func newPrinter() *display.Printer {
	format, err := display.ParseFormat(outputFormat)
	if err != nil {
		format = display.FormatTable
	}
	return display.NewPrinter(&display.DisplayConfig{
		Format:        format,
		ColorEnabled:  !noColor,
		Theme:         theme,
		TableStyle:    tableStyle,
		MaxTableWidth: maxTableWidth,
		UseIcons:      !noIcons,
		QuietMode:     quiet,
		Writer:        rootCmd.OutOrStdout(),
		ErrWriter:     rootCmd.ErrOrStderr(),
	})
}

// withApplication builds the engine from the configuration, runs fn with a
// context canceled on SIGINT or SIGTERM, and closes the engine afterwards.
func withApplication(cmd *cobra.Command, fn func(ctx context.Context, app *application.Application, p *display.Printer) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := application.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer app.Close()

	return fn(ctx, app, newPrinter())
}

// actorName returns the --actor flag, the login name, or the host name.
func actorName() string {
	if actor != "" {
		return actor
	}
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return application.Hostname()
}

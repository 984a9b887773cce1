// Package cmd implements the orgbackup command line.
package cmd

import (
	"fmt"
	"io"
	"os"

	"org-backup-engine/internal/config"
	"org-backup-engine/internal/confirmation"
	"org-backup-engine/internal/display"
	"org-backup-engine/internal/logging"

	"github.com/spf13/cobra"
)

// rootOptions holds the flags shared by every command
type rootOptions struct {
	configFile string
	logLevel   string
	output     string
	noColor    bool

	in     io.Reader
	out    io.Writer
	errOut io.Writer
}

// NewRootCommand builds the orgbackup command tree
func NewRootCommand() *cobra.Command {
	return newRootCommand(os.Stdin, os.Stdout, os.Stderr)
}

func newRootCommand(in io.Reader, out, errOut io.Writer) *cobra.Command {
	opts := &rootOptions{in: in, out: out, errOut: errOut}

	rootCmd := &cobra.Command{
		Use:   "orgbackup",
		Short: "Per-organization backup and restore for multi-tenant databases",
		Long: `orgbackup backs up and restores the rows and files of a single organization
in a shared multi-tenant database.

Backups are discovered from the schema, extracted with a tenant filter, packaged
into a compressed archive, optionally encrypted and moved to a storage disk.
Restores replay an archive in dependency order inside one transaction after
taking a safety backup.

Examples:
  # Create the engine tables
  orgbackup migrate --config orgbackup.yaml

  # Run the queue consumers, scheduler and cleanup
  orgbackup worker

  # Back up the billing category of one organization and wait for it
  orgbackup backup create --org 42 --categories billing --sync

  # Restore it with merge semantics
  orgbackup restore create --backup <backup-id> --strategy merge`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&opts.configFile, "config", "", "config file (default searches ./orgbackup.yaml, $HOME/.config/orgbackup, /etc/orgbackup)")
	flags.StringVar(&opts.logLevel, "log-level", "", "log level (quiet, normal, verbose, debug)")
	flags.StringVarP(&opts.output, "output", "o", "", "output format (table, json, yaml)")
	flags.BoolVar(&opts.noColor, "no-color", false, "disable color output")

	rootCmd.AddCommand(
		newMigrateCommand(opts),
		newWorkerCommand(opts),
		newBackupCommand(opts),
		newRestoreCommand(opts),
		newScheduleCommand(opts),
		newCleanupCommand(opts),
		newKeysCommand(opts),
		newConfigCommand(opts),
		newVersionCommand(opts),
	)
	return rootCmd
}

// Execute runs the root command and exits non-zero on failure
func Execute() {
	rootCmd := NewRootCommand()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", userMessage(err))
		os.Exit(1)
	}
}

// loadConfig reads the configuration and applies the command line overrides
func (o *rootOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.LoadFile(o.configFile)
	if err != nil {
		return nil, fmt.Errorf("configuration error: %w", err)
	}

	if o.logLevel != "" {
		cfg.Logging.Level = logging.LogLevel(o.logLevel)
	}
	if o.output != "" {
		cfg.Display.OutputFormat = o.output
	}
	if o.noColor {
		cfg.Display.ColorEnabled = false
	}
	cfg.Display.Writer = o.out
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration error: %w", err)
	}
	return cfg, nil
}

// newLogger logs to stderr so stdout stays clean for command output
func (o *rootOptions) newLogger(cfg *config.Config) (*logging.Logger, error) {
	logConfig := cfg.Logging
	if logConfig.Output == nil {
		logConfig.Output = o.errOut
	}
	logger, err := logging.NewLogger(logConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	return logger, nil
}

func (o *rootOptions) printer(cfg *config.Config) *display.Printer {
	return display.NewPrinter(cfg.Display)
}

// prompter asks on stderr so a declined prompt never pollutes structured
// output on stdout
func (o *rootOptions) prompter(cfg *config.Config) *confirmation.Prompter {
	displayConfig := cfg.Display
	displayConfig.Writer = o.errOut
	return confirmation.NewPrompter(display.NewPrinter(displayConfig), o.in, o.errOut)
}

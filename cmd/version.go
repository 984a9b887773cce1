package cmd

import (
	"fmt"
	"runtime"

	"org-backup-engine/internal/config"

	"github.com/spf13/cobra"
)

// Version information (set by main package)
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// SetVersionInfo sets the version information from build flags
func SetVersionInfo(v, bt, gc string) {
	version = v
	buildTime = bt
	gitCommit = gc
}

func newVersionCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintf(opts.out, "orgbackup version %s\nBuilt: %s\nCommit: %s\nGo version: %s\n",
				version, buildTime, gitCommit, runtime.Version())
			return err
		},
	}
}

func newConfigCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Write or check the configuration file",
	}

	var overwrite bool
	initCmd := &cobra.Command{
		Use:   "init <path>",
		Short: "Write a configuration file with every default",
		Long: `Write a YAML configuration file holding every setting with its default value.

Secrets such as database passwords and storage credentials are better passed
through the environment (ORGBACKUP_DB_PASSWORD, ORGBACKUP_DISK_<NAME>_SECRET_KEY)
than stored in the file.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.WriteDefault(args[0], overwrite); err != nil {
				return err
			}
			_, err := fmt.Fprintf(opts.out, "Configuration written to %s\n", args[0])
			return err
		},
	}
	initCmd.Flags().BoolVar(&overwrite, "force", false, "replace an existing file")

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Load the configuration and report every problem",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			p := opts.printer(cfg)
			if p.Structured() {
				return p.Value(map[string]interface{}{
					"valid":    true,
					"database": cfg.Database.Target(),
					"disks":    cfg.Storage.DiskNames(),
					"queue":    cfg.Queue.Driver,
				})
			}
			return p.Success("Configuration is valid (database %s, %d storage disks, queue %s)",
				cfg.Database.Target(), len(cfg.Storage.DiskNames()), cfg.Queue.Driver)
		},
	}

	cmd.AddCommand(initCmd, validateCmd)
	return cmd
}

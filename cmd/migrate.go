package cmd

import (
	"fmt"

	"org-backup-engine/internal/database"

	"github.com/spf13/cobra"
)

func newMigrateCommand(opts *rootOptions) *cobra.Command {
	var statusOnly bool

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the engine tables",
		Long: `Apply pending migrations for org_backups, org_restores, backup_schedules
and backup_audit_logs in the configured database.

Examples:
  # Apply all pending migrations
  orgbackup migrate

  # Show the current schema version without changing anything
  orgbackup migrate --status`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			logger, err := opts.newLogger(cfg)
			if err != nil {
				return err
			}
			p := opts.printer(cfg)

			svc := database.NewServiceWithLogger(logger)
			db, err := svc.Connect(ctx, cfg.Database)
			if err != nil {
				return fmt.Errorf("failed to connect to %s: %w", cfg.Database.Target(), err)
			}
			defer svc.Close(db)

			dialect := database.DialectFor(cfg.Database.Driver)
			if !statusOnly {
				if err := database.RunMigrations(ctx, db, dialect); err != nil {
					return err
				}
			}
			version, err := database.MigrationVersion(ctx, db, dialect)
			if err != nil {
				return fmt.Errorf("failed to read migration version: %w", err)
			}

			if p.Structured() {
				return p.Value(map[string]interface{}{
					"database": cfg.Database.Target(),
					"version":  version,
				})
			}
			if statusOnly {
				return p.Info("%s is at migration version %d", cfg.Database.Target(), version)
			}
			return p.Success("%s migrated to version %d", cfg.Database.Target(), version)
		},
	}

	cmd.Flags().BoolVar(&statusOnly, "status", false, "print the current version without migrating")
	return cmd
}

package cmd

import (
	"fmt"

	"org-backup-engine/internal/backup"
	"org-backup-engine/internal/jobs"
	"org-backup-engine/internal/store"

	"github.com/spf13/cobra"
)

func newBackupCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Create, inspect and delete organization backups",
		Long: `Create, list, verify and delete the backups of an organization.

Examples:
  # Queue a backup of every category
  orgbackup backup create --org 42

  # Back up two categories into an encrypted archive and wait for it
  orgbackup backup create --org 42 --categories billing,crm --encrypt --sync

  # List the completed backups of an organization
  orgbackup backup list --org 42 --status completed

  # Check a stored archive against its manifest
  orgbackup backup verify <backup-id>`,
	}

	cmd.AddCommand(
		newBackupCreateCommand(opts),
		newBackupListCommand(opts),
		newBackupShowCommand(opts),
		newBackupVerifyCommand(opts),
		newBackupDeleteCommand(opts),
		newBackupUndeleteCommand(opts),
	)
	return cmd
}

func newBackupCreateCommand(opts *rootOptions) *cobra.Command {
	var (
		req  jobs.CreateBackupRequest
		sync bool
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a manual backup",
		Long: `Record a pending manual backup and hand it to the worker queue.

With --sync, or when the queue uses the in-memory transport, the backup runs in
this process and the command returns once it has completed or failed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			mode, err := opts.dispatchMode(sync)
			if err != nil {
				return err
			}
			env, err := opts.openEnvironment(ctx, mode)
			if err != nil {
				return err
			}
			defer env.Close()

			if req.CreatedBy == "" {
				req.CreatedBy = currentUser()
			}
			b, err := env.runner.CreateBackup(ctx, req)
			if b != nil && env.printer.Structured() {
				if perr := env.printer.Value(b); perr != nil {
					return perr
				}
				return err
			}
			if err != nil {
				if b != nil {
					_ = env.printer.Error("Backup %s failed", b.Code)
				}
				return err
			}

			switch b.Status {
			case backup.BackupStatusCompleted:
				_ = env.printer.Success("Backup %s completed (%s)", b.Code, formatBytes(b.FileSize))
			case backup.BackupStatusPending:
				_ = env.printer.Success("Backup %s queued", b.Code)
			default:
				_ = env.printer.Info("Backup %s is %s", b.Code, b.Status)
			}
			return env.printer.Details("", backupFields(env.printer, b))
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&req.OrgID, "org", "", "organization id (required)")
	flags.StringVar(&req.Name, "name", "", "backup name")
	flags.StringVar(&req.Description, "description", "", "backup description")
	flags.StringSliceVar(&req.Categories, "categories", nil, "categories to include (default all)")
	flags.StringVar(&req.Disk, "disk", "", "storage disk (default from config)")
	flags.BoolVar(&req.Encrypt, "encrypt", false, "encrypt the archive")
	flags.StringVar(&req.KeyID, "key-id", "", "encryption key id (default from config)")
	flags.StringVar(&req.CreatedBy, "created-by", "", "actor recorded in the audit log (default $USER)")
	flags.BoolVar(&sync, "sync", false, "run the backup in this process and wait for it")
	_ = cmd.MarkFlagRequired("org")
	return cmd
}

func newBackupListCommand(opts *rootOptions) *cobra.Command {
	var (
		filter store.BackupFilter
		status string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the backups of an organization",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if status != "" {
				switch parsed := backup.BackupStatus(status); parsed {
				case backup.BackupStatusPending, backup.BackupStatusProcessing, backup.BackupStatusCompleted,
					backup.BackupStatusFailed, backup.BackupStatusExpired:
					filter.Status = parsed
				default:
					return fmt.Errorf("invalid status %q", status)
				}
			}

			env, err := opts.openEnvironment(ctx, envOptions{})
			if err != nil {
				return err
			}
			defer env.Close()

			backups, err := env.store.Backups.List(ctx, filter)
			if err != nil {
				return err
			}
			if env.printer.Structured() {
				return env.printer.Value(backups)
			}
			return env.printer.Table(backupTable(env.printer, backups), "No backups found")
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&filter.OrgID, "org", "", "organization id (required)")
	flags.StringVar(&status, "status", "", "filter by status (pending, processing, completed, failed, expired)")
	flags.BoolVar(&filter.IncludeDeleted, "include-deleted", false, "include soft-deleted backups")
	flags.IntVar(&filter.Limit, "limit", 50, "maximum number of backups to list")
	_ = cmd.MarkFlagRequired("org")
	return cmd
}

func newBackupShowCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <backup-id>",
		Short: "Show one backup",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			env, err := opts.openEnvironment(ctx, envOptions{})
			if err != nil {
				return err
			}
			defer env.Close()

			b, err := env.store.Backups.Get(ctx, args[0])
			if err != nil {
				return err
			}
			p := env.printer
			if p.Structured() {
				return p.Value(b)
			}
			if err := p.Details("Backup "+b.Code, backupFields(p, b)); err != nil {
				return err
			}
			trail, err := env.store.Audit.ListForEntity(ctx, backup.EntityBackup, b.ID)
			if err != nil {
				return err
			}
			return p.Table(auditTable(p, trail), "No audit entries")
		},
	}
}

func newBackupVerifyCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "verify <backup-id>",
		Short: "Verify a stored archive against its manifest",
		Long: `Download, decrypt and unpack a completed backup into a scratch directory and
check the archive checksum and every manifest entry. Nothing is restored.

The command exits non-zero when the archive does not verify.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			env, err := opts.openEnvironment(ctx, envOptions{})
			if err != nil {
				return err
			}
			defer env.Close()

			result, err := env.runner.VerifyBackup(ctx, args[0])
			if err != nil {
				return err
			}

			p := env.printer
			if p.Structured() {
				if err := p.Value(result); err != nil {
					return err
				}
			} else if result.Valid {
				_ = p.Success("Backup %s verified: %d tables in %d categories, %d files",
					result.BackupID, result.Tables, len(result.Categories), result.Files)
			} else {
				_ = p.Error("Backup %s failed verification", result.BackupID)
				t := p.NewTable("FILE", "PROBLEM")
				for _, ve := range result.VerificationErrors {
					t.AddRow(orDash(ve.File), ve.Message)
				}
				if err := p.Table(t, ""); err != nil {
					return err
				}
			}
			if !result.Valid {
				return fmt.Errorf("backup %s failed verification with %d problems", result.BackupID, len(result.VerificationErrors))
			}
			return nil
		},
	}
}

func newBackupDeleteCommand(opts *rootOptions) *cobra.Command {
	var actor string

	cmd := &cobra.Command{
		Use:   "delete <backup-id>",
		Short: "Soft-delete a backup",
		Long: `Mark a backup soft-deleted. Its archive stays on the storage disk until the
grace period (jobs.soft_delete_grace) is over, when the cleanup job removes the
file and the record. Use "backup undelete" to cancel within the grace period.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			env, err := opts.openEnvironment(ctx, envOptions{})
			if err != nil {
				return err
			}
			defer env.Close()

			if actor == "" {
				actor = currentUser()
			}
			b, err := env.runner.SoftDeleteBackup(ctx, args[0], actor)
			if err != nil {
				return err
			}
			if env.printer.Structured() {
				return env.printer.Value(b)
			}
			return env.printer.Success("Backup %s soft-deleted; files are removed after %s", b.Code, formatTime(b.HardDeleteAfter))
		},
	}

	cmd.Flags().StringVar(&actor, "actor", "", "actor recorded in the audit log (default $USER)")
	return cmd
}

func newBackupUndeleteCommand(opts *rootOptions) *cobra.Command {
	var actor string

	cmd := &cobra.Command{
		Use:   "undelete <backup-id>",
		Short: "Cancel the pending deletion of a backup",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			env, err := opts.openEnvironment(ctx, envOptions{})
			if err != nil {
				return err
			}
			defer env.Close()

			if actor == "" {
				actor = currentUser()
			}
			b, err := env.runner.UndeleteBackup(ctx, args[0], actor)
			if err != nil {
				return err
			}
			if env.printer.Structured() {
				return env.printer.Value(b)
			}
			return env.printer.Success("Backup %s restored to active", b.Code)
		},
	}

	cmd.Flags().StringVar(&actor, "actor", "", "actor recorded in the audit log (default $USER)")
	return cmd
}

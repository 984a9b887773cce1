package cmd

import (
	"fmt"
	"sort"
	"strings"

	"org-backup-engine/internal/backup"
	"org-backup-engine/internal/confirmation"
	"org-backup-engine/internal/display"
	"org-backup-engine/internal/jobs"

	"github.com/spf13/cobra"
)

func newRestoreCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Restore an organization from a backup",
		Long: `Replay a completed backup into the live database.

Tables are written parents first inside a single transaction. Existing rows are
handled by the conflict strategy: skip leaves them untouched, replace overwrites
them and merge overwrites them only when the backed-up row is newer. A safety
backup of the affected categories is taken first unless --no-safety-backup is
given.

Examples:
  # Restore everything, keeping rows that already exist
  orgbackup restore create --backup <backup-id>

  # Restore the billing category, newest row wins, and wait for it
  orgbackup restore create --backup <backup-id> --categories billing --strategy merge --sync

  # Preview which rows a restore would add or overwrite
  orgbackup restore analyze --backup <backup-id>

  # Undo a restore from its safety backup within the rollback window
  orgbackup restore rollback <restore-id>`,
	}

	cmd.AddCommand(
		newRestoreCreateCommand(opts),
		newRestoreAnalyzeCommand(opts),
		newRestoreRollbackCommand(opts),
		newRestoreShowCommand(opts),
	)
	return cmd
}

func newRestoreCreateCommand(opts *rootOptions) *cobra.Command {
	var (
		req      jobs.CreateRestoreRequest
		noSafety bool
		sync     bool
		yes      bool
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Restore a completed backup",
		Args:  cobra.NoArgs,
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

			req.CreateSafetyBackup = !noSafety
			if req.CreatedBy == "" {
				req.CreatedBy = currentUser()
			}

			source, err := env.store.Backups.Get(ctx, req.BackupID)
			if err != nil {
				return err
			}
			approved, err := opts.prompter(env.config).Confirm(ctx, restorePlan(source, req, env.config.Jobs.DefaultStrategy), yes)
			if err != nil {
				return err
			}
			if !approved {
				return fmt.Errorf("restore of backup %s cancelled", source.Code)
			}

			rs, err := env.runner.CreateRestore(ctx, req)
			p := env.printer
			if rs != nil && p.Structured() {
				if perr := p.Value(rs); perr != nil {
					return perr
				}
				return err
			}
			if err != nil {
				if rs != nil {
					_ = p.Error("Restore %s failed", rs.Code)
				}
				return err
			}

			switch rs.Status {
			case backup.RestoreStatusCompleted:
				_ = p.Success("Restore %s completed", rs.Code)
			case backup.RestoreStatusPending:
				_ = p.Success("Restore %s queued", rs.Code)
			default:
				_ = p.Info("Restore %s is %s", rs.Code, rs.Status)
			}
			if err := p.Details("", restoreFields(p, rs)); err != nil {
				return err
			}
			if rs.Report != nil {
				return p.Table(restoreReportTable(p, rs.Report), "")
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&req.BackupID, "backup", "", "id of the backup to restore (required)")
	flags.StringVar(&req.OrgID, "org", "", "organization to restore into (default the backup's organization)")
	flags.StringSliceVar(&req.Categories, "categories", nil, "categories to restore (default all in the backup)")
	flags.StringVar(&req.Strategy, "strategy", "", "conflict strategy: skip, replace or merge (default from config)")
	flags.BoolVar(&noSafety, "no-safety-backup", false, "skip the safety backup taken before writing")
	flags.StringVar(&req.CreatedBy, "created-by", "", "actor recorded in the audit log (default $USER)")
	flags.BoolVar(&sync, "sync", false, "run the restore in this process and wait for it")
	flags.BoolVarP(&yes, "yes", "y", false, "restore without asking for confirmation")
	_ = cmd.MarkFlagRequired("backup")
	return cmd
}

// restorePlan describes a restore for the confirmation prompt
func restorePlan(source *backup.Backup, req jobs.CreateRestoreRequest, defaultStrategy backup.ConflictStrategy) confirmation.Plan {
	orgID := req.OrgID
	if orgID == "" {
		orgID = source.OrgID
	}
	strategy := req.Strategy
	if strategy == "" {
		strategy = string(defaultStrategy)
	}
	categories := req.Categories
	if len(categories) == 0 {
		categories = source.Categories
	}

	plan := confirmation.Plan{
		Title: fmt.Sprintf("Restore backup %s into organization %s", source.Code, orgID),
		Fields: []display.Field{
			{Label: "Backup:", Value: source.ID},
			{Label: "Created:", Value: formatTime(&source.CreatedAt)},
			{Label: "Categories:", Value: categoriesLabel(categories)},
			{Label: "Strategy:", Value: strategy},
			{Label: "Safety backup:", Value: fmt.Sprintf("%t", req.CreateSafetyBackup)},
		},
	}
	if !req.CreateSafetyBackup {
		plan.Warnings = append(plan.Warnings, "No safety backup will be taken before writing")
	}
	if strategy == string(backup.ConflictReplace) {
		plan.Warnings = append(plan.Warnings, "Existing rows will be overwritten by the backed-up rows")
	}
	if source.Summary != nil {
		for _, category := range categories {
			cs, ok := source.Summary.Categories[category]
			if !ok {
				continue
			}
			tables := make([]string, 0, len(cs.Tables))
			for table, records := range cs.Tables {
				tables = append(tables, fmt.Sprintf("%s (%d)", table, records))
			}
			sort.Strings(tables)
			plan.Details = append(plan.Details, fmt.Sprintf("%s: %s", category, strings.Join(tables, ", ")))
		}
	}
	return plan
}

func newRestoreAnalyzeCommand(opts *rootOptions) *cobra.Command {
	var req jobs.AnalyzeRestoreRequest

	cmd := &cobra.Command{
		Use:   "analyze",
		Short: "Preview a restore without writing anything",
		Long: `Open a backup and compare its records with the live rows of the organization.

Each record is counted as new (no live row with its key), existing (a live row
with the same timestamp) or conflicting (a live row with a different timestamp).
A schema that lost tables or columns since the backup is reported instead.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			env, err := opts.openEnvironment(ctx, envOptions{})
			if err != nil {
				return err
			}
			defer env.Close()

			result, err := env.runner.AnalyzeRestore(ctx, req)
			if err != nil {
				return err
			}
			p := env.printer
			if p.Structured() {
				return p.Value(result)
			}

			a := result.Analysis
			if result.InFlightRestoreID != "" {
				_ = p.Warning("Restore %s of this backup has not finished yet", result.InFlightRestoreID)
			}
			if !a.Compatible {
				_ = p.Error("Backup %s no longer matches the schema", result.BackupCode)
				t := p.NewTable("TABLE", "DRIFT")
				for _, d := range a.Drift {
					drift := "missing columns " + strings.Join(d.MissingColumns, ",")
					if d.MissingTable {
						drift = "table missing"
					}
					t.AddRow(d.Table, drift)
				}
				return p.Table(t, "")
			}

			_ = p.Info("Backup %s into organization %s: %d new, %d existing, %d conflicting",
				result.BackupCode, result.OrgID, a.New, a.Existing, a.Conflicts)
			return p.Table(analysisTable(p, a), "Nothing to restore")
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&req.BackupID, "backup", "", "id of the backup to analyze (required)")
	flags.StringVar(&req.OrgID, "org", "", "organization to compare with (default the backup's organization)")
	flags.StringSliceVar(&req.Categories, "categories", nil, "categories to analyze (default all in the backup)")
	_ = cmd.MarkFlagRequired("backup")
	return cmd
}

func newRestoreRollbackCommand(opts *rootOptions) *cobra.Command {
	var (
		req  jobs.RollbackRestoreRequest
		sync bool
		yes  bool
	)

	cmd := &cobra.Command{
		Use:   "rollback <restore-id>",
		Short: "Undo a restore from its safety backup",
		Long: `Restore the safety backup of a completed restore with the replace strategy.
Only available while the rollback window (jobs.rollback_window) is open and
only once per restore. Rows the restore added that did not exist before are
kept.`,
		Args: cobra.ExactArgs(1),
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

			req.RestoreID = args[0]
			if req.CreatedBy == "" {
				req.CreatedBy = currentUser()
			}

			rs, err := env.store.Restores.Get(ctx, req.RestoreID)
			if err != nil {
				return err
			}
			approved, err := opts.prompter(env.config).Confirm(ctx, rollbackPlan(rs), yes)
			if err != nil {
				return err
			}
			if !approved {
				return fmt.Errorf("rollback of restore %s cancelled", rs.Code)
			}

			rollback, err := env.runner.RollbackRestore(ctx, req)
			p := env.printer
			if rollback != nil && p.Structured() {
				if perr := p.Value(rollback); perr != nil {
					return perr
				}
				return err
			}
			if err != nil {
				return err
			}

			switch rollback.Status {
			case backup.RestoreStatusCompleted:
				_ = p.Success("Restore %s rolled back by %s", rs.Code, rollback.Code)
			default:
				_ = p.Success("Rollback %s of restore %s is %s", rollback.Code, rs.Code, rollback.Status)
			}
			return p.Details("", restoreFields(p, rollback))
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&req.CreatedBy, "created-by", "", "actor recorded in the audit log (default $USER)")
	flags.BoolVar(&sync, "sync", false, "run the rollback in this process and wait for it")
	flags.BoolVarP(&yes, "yes", "y", false, "roll back without asking for confirmation")
	return cmd
}

// rollbackPlan describes a rollback for the confirmation prompt
func rollbackPlan(rs *backup.Restore) confirmation.Plan {
	return confirmation.Plan{
		Title: fmt.Sprintf("Roll back restore %s of organization %s", rs.Code, rs.OrgID),
		Fields: []display.Field{
			{Label: "Restore:", Value: rs.ID},
			{Label: "Safety backup:", Value: orDash(rs.SafetyBackupID)},
			{Label: "Categories:", Value: categoriesLabel(rs.Categories)},
			{Label: "Window ends:", Value: formatTime(rs.RollbackExpiresAt)},
		},
		Warnings: []string{"Rows covered by the safety backup will be overwritten with their pre-restore values"},
	}
}

func newRestoreShowCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <restore-id>",
		Short: "Show one restore and its report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			env, err := opts.openEnvironment(ctx, envOptions{})
			if err != nil {
				return err
			}
			defer env.Close()

			rs, err := env.store.Restores.Get(ctx, args[0])
			if err != nil {
				return err
			}
			p := env.printer
			if p.Structured() {
				return p.Value(rs)
			}
			if err := p.Details("Restore "+rs.Code, restoreFields(p, rs)); err != nil {
				return err
			}
			if rs.Report != nil {
				if err := p.Table(restoreReportTable(p, rs.Report), ""); err != nil {
					return err
				}
				if len(rs.Report.Errors) > 0 {
					t := p.NewTable("TABLE", "RECORD", "ERROR")
					for _, re := range rs.Report.Errors {
						t.AddRow(re.Table, orDash(re.RecordID), re.Error)
					}
					if err := p.Table(t, ""); err != nil {
						return err
					}
				}
			}
			trail, err := env.store.Audit.ListForEntity(ctx, backup.EntityRestore, rs.ID)
			if err != nil {
				return err
			}
			return p.Table(auditTable(p, trail), "No audit entries")
		},
	}
}

package cmd

import (
	"fmt"
	"time"

	"org-backup-engine/internal/jobs"

	"github.com/spf13/cobra"
)

func newScheduleCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Manage recurring backups",
		Long: `Create and inspect backup schedules. The worker's scheduler triggers due
schedules every scheduler.interval; "schedule run" triggers one pass by hand.

Examples:
  # Daily at 02:30 Istanbul time, keeping 14 days of backups
  orgbackup schedule create --org 42 --frequency daily --time 02:30 --timezone Europe/Istanbul --retention-days 14

  # Weekly on Sundays
  orgbackup schedule create --org 42 --frequency weekly --weekday 0

  # Monthly on the last possible day
  orgbackup schedule create --org 42 --frequency monthly --day 31`,
	}

	cmd.AddCommand(
		newScheduleCreateCommand(opts),
		newScheduleListCommand(opts),
		newScheduleRunCommand(opts),
		newScheduleSetActiveCommand(opts, "pause", "Stop a schedule from triggering", false),
		newScheduleSetActiveCommand(opts, "resume", "Let a paused schedule trigger again", true),
	)
	return cmd
}

func newScheduleCreateCommand(opts *rootOptions) *cobra.Command {
	var req jobs.CreateScheduleRequest
	var weekday, day, retentionDays, maxKept int

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an active backup schedule",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			flags := cmd.Flags()
			if flags.Changed("weekday") {
				req.DayOfWeek = &weekday
			}
			if flags.Changed("day") {
				req.DayOfMonth = &day
			}
			if flags.Changed("retention-days") {
				req.RetentionDays = &retentionDays
			}
			if flags.Changed("max-backups") {
				req.MaxBackups = &maxKept
			}

			env, err := opts.openEnvironment(ctx, envOptions{})
			if err != nil {
				return err
			}
			defer env.Close()

			s, err := env.runner.CreateSchedule(ctx, req)
			if err != nil {
				return err
			}
			if env.printer.Structured() {
				return env.printer.Value(s)
			}
			return env.printer.Success("Schedule %s created; next run at %s", s.ID, formatTime(s.NextRunAt))
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&req.OrgID, "org", "", "organization id (required)")
	flags.StringVar(&req.Name, "name", "", "schedule name")
	flags.StringVar(&req.Frequency, "frequency", "", "hourly, daily, weekly or monthly (required)")
	flags.StringVar(&req.TimeOfDay, "time", "", "time of day as HH:MM (default 02:00)")
	flags.StringVar(&req.Timezone, "timezone", "", "IANA timezone of the time of day (default UTC)")
	flags.IntVar(&weekday, "weekday", 0, "day of week for weekly schedules, 0 is Sunday")
	flags.IntVar(&day, "day", 1, "day of month for monthly schedules, clamped to the month length")
	flags.StringSliceVar(&req.Categories, "categories", nil, "categories to include (default all)")
	flags.StringVar(&req.Disk, "disk", "", "storage disk (default from config)")
	flags.IntVar(&retentionDays, "retention-days", 0, "days a scheduled backup is kept, 0 keeps it forever")
	flags.IntVar(&maxKept, "max-backups", 0, "number of scheduled backups kept, 0 keeps all")
	flags.BoolVar(&req.Encrypt, "encrypt", false, "encrypt the archives")
	flags.StringVar(&req.KeyID, "key-id", "", "encryption key id (default from config)")
	_ = cmd.MarkFlagRequired("org")
	_ = cmd.MarkFlagRequired("frequency")
	return cmd
}

func newScheduleListCommand(opts *rootOptions) *cobra.Command {
	var orgID string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the schedules of an organization",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			env, err := opts.openEnvironment(ctx, envOptions{})
			if err != nil {
				return err
			}
			defer env.Close()

			schedules, err := env.store.Schedules.ListForOrg(ctx, orgID)
			if err != nil {
				return err
			}
			if env.printer.Structured() {
				return env.printer.Value(schedules)
			}
			return env.printer.Table(scheduleTable(env.printer, schedules), "No schedules found")
		},
	}

	cmd.Flags().StringVar(&orgID, "org", "", "organization id (required)")
	_ = cmd.MarkFlagRequired("org")
	return cmd
}

func newScheduleRunCommand(opts *rootOptions) *cobra.Command {
	var sync bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Trigger every due schedule once",
		Long: `Run one scheduler pass: every active schedule whose next run is due gets a
pending scheduled backup and moves to its next slot. The backups are queued for
the worker unless --sync is given or the queue is in-memory.`,
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

			result, err := env.runner.RunScheduledBackups(ctx)
			if err != nil {
				return err
			}
			if env.printer.Structured() {
				return env.printer.Value(result)
			}
			if result.Failed > 0 {
				_ = env.printer.Warning("%d schedules could not be triggered", result.Failed)
			}
			return env.printer.Success("%d due, %d triggered, %d skipped, %d old backups pruned",
				result.Due, len(result.Triggered), result.Skipped, result.Pruned)
		},
	}

	cmd.Flags().BoolVar(&sync, "sync", false, "run the triggered backups in this process")
	return cmd
}

func newScheduleSetActiveCommand(opts *rootOptions, use, short string, active bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <schedule-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			env, err := opts.openEnvironment(ctx, envOptions{})
			if err != nil {
				return err
			}
			defer env.Close()

			changed, err := env.store.Schedules.SetActive(ctx, args[0], active, time.Now().UTC())
			if err != nil {
				return err
			}
			if !changed {
				return fmt.Errorf("schedule %s not found", args[0])
			}
			return env.printer.Success("Schedule %s %sd", args[0], use)
		},
	}
}

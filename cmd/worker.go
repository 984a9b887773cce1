package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"org-backup-engine/internal/queue"
	"org-backup-engine/internal/supervisor"

	"github.com/spf13/cobra"
)

func newWorkerCommand(opts *rootOptions) *cobra.Command {
	var migrate bool

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run the job consumers, scheduler and cleanup",
		Long: `Run the long-lived worker under a supervisor tree:

  - the job queue consumer for backups, restores and maintenance jobs
  - the scheduler ticker, enqueueing a scheduler pass every scheduler.interval
  - the cleanup ticker, enqueueing a retention sweep every cleanup.interval
  - the admin HTTP server with /healthz, /readyz and /metrics

A crashing service is restarted with backoff. SIGINT or SIGTERM stops the
worker; running jobs get supervisor.shutdown_timeout to finish.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			env, err := opts.openEnvironment(ctx, envOptions{queue: true, migrate: migrate})
			if err != nil {
				return err
			}
			defer env.Close()

			cfg := env.config
			q := env.queue
			env.runner.Register(q)

			tree := supervisor.NewTree(env.logger, cfg.Supervisor)
			tree.AddJobService(q)
			if cfg.Scheduler.Enabled {
				tree.AddJobService(supervisor.NewTicker("scheduler", queue.KindScheduledBackup, cfg.Scheduler.Interval,
					q, env.logger, supervisor.WaitFor(q.Running()), supervisor.RunOnStart()))
			}
			if cfg.Cleanup.Enabled {
				tree.AddJobService(supervisor.NewTicker("cleanup", queue.KindCleanupExpired, cfg.Cleanup.Interval,
					q, env.logger, supervisor.WaitFor(q.Running())))
			}
			if cfg.Admin.Enabled {
				router := supervisor.NewAdminRouter(env.metrics, env.logger,
					supervisor.ChannelCheck("queue", q.Running()),
					supervisor.ReadinessCheck{Name: "database", Check: env.db.PingContext},
				)
				tree.AddAdminService(supervisor.NewAdminService(cfg.Admin, router))
			}

			env.logger.WithFields(map[string]interface{}{
				"queue":     cfg.Queue.Driver,
				"database":  cfg.Database.Target(),
				"disks":     cfg.Storage.DiskNames(),
				"scheduler": cfg.Scheduler.Enabled,
				"cleanup":   cfg.Cleanup.Enabled,
				"admin":     cfg.Admin.Enabled,
			}).Info("Worker starting")

			err = tree.Serve(ctx)

			if report, reportErr := tree.UnstoppedServiceReport(); reportErr == nil {
				for _, unstopped := range report {
					env.logger.WithField("service", unstopped.Name).Warn("Service did not stop before the shutdown timeout")
				}
			}
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			env.logger.Info("Worker stopped")
			return nil
		},
	}

	cmd.Flags().BoolVar(&migrate, "migrate", false, "apply pending engine table migrations before starting")
	return cmd
}

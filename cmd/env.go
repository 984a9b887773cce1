package cmd

import (
	"context"
	"database/sql"
	"fmt"

	"org-backup-engine/internal/backup"
	"org-backup-engine/internal/config"
	"org-backup-engine/internal/database"
	"org-backup-engine/internal/display"
	"org-backup-engine/internal/jobs"
	"org-backup-engine/internal/logging"
	"org-backup-engine/internal/metrics"
	"org-backup-engine/internal/notify"
	"org-backup-engine/internal/queue"
	"org-backup-engine/internal/store"
)

// environment is everything a command needs to talk to the engine
type environment struct {
	config  *config.Config
	logger  *logging.Logger
	printer *display.Printer
	db      *sql.DB
	dialect database.Dialect
	store   *store.Store
	disks   *backup.DiskManager
	metrics *metrics.Recorder
	queue   *queue.Queue
	runner  *jobs.Runner

	dbService *database.Service
}

// envOptions selects the optional parts of an environment
type envOptions struct {
	// queue connects the job queue; jobs run inline without it
	queue bool
	// migrate brings the engine tables up to date first
	migrate bool
}

// openEnvironment loads the configuration and connects the database,
// storage, notifications and, when asked, the queue
func (o *rootOptions) openEnvironment(ctx context.Context, eo envOptions) (*environment, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}
	logger, err := o.newLogger(cfg)
	if err != nil {
		return nil, err
	}

	env := &environment{
		config:    cfg,
		logger:    logger,
		printer:   o.printer(cfg),
		dialect:   database.DialectFor(cfg.Database.Driver),
		metrics:   metrics.NewRecorder(),
		dbService: database.NewServiceWithLogger(logger),
	}

	env.db, err = env.dbService.Connect(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", cfg.Database.Target(), err)
	}
	if eo.migrate {
		if err := database.RunMigrations(ctx, env.db, env.dialect); err != nil {
			env.Close()
			return nil, err
		}
	}
	env.store = store.New(env.db, env.dialect)

	env.disks, err = backup.NewDiskManager(cfg.Storage, logger)
	if err != nil {
		env.Close()
		return nil, err
	}

	deferred, err := cfg.DeferredEdges()
	if err != nil {
		env.Close()
		return nil, err
	}

	if eo.queue {
		env.queue, err = queue.New(cfg.Queue, logger, env.metrics)
		if err != nil {
			env.Close()
			return nil, fmt.Errorf("failed to create job queue: %w", err)
		}
	}

	notifier := notify.NewDispatcher(logger, cfg.Notifications)
	if q := cfg.Notifications.Queue; q != nil && q.Enabled && env.queue != nil {
		notifier.AddChannel(notify.NewQueueChannel(env.queue.Publisher(), q.Topic))
	}
	if cfg.Notifications.Enabled {
		logger.WithField("channels", notifier.Channels()).Debug("Notification channels registered")
	}

	deps := jobs.Dependencies{
		DB:                  env.db,
		Dialect:             env.dialect,
		Store:               env.store,
		Disks:               env.disks,
		Keys:                backup.NewConfigKeyResolver(cfg.Encryption),
		Rules:               cfg.Discovery.Rules,
		Deferred:            deferred,
		Extraction:          cfg.Extraction,
		Files:               cfg.Files,
		Compression:         cfg.Packaging.Compression,
		EncryptionChunkSize: cfg.Encryption.ChunkSize,
		DefaultKeyID:        cfg.Encryption.DefaultKeyID,
		Notifier:            notifier,
		Metrics:             env.metrics,
		Logger:              logger,
	}
	if env.queue != nil {
		deps.Dispatcher = env.queue
	}

	env.runner, err = jobs.NewRunner(deps, cfg.Jobs)
	if err != nil {
		env.Close()
		return nil, err
	}
	return env, nil
}

// dispatchMode decides whether a command hands its job to the queue. The
// in-memory transport only reaches consumers in this process, so jobs
// created from the command line run inline with it.
func (o *rootOptions) dispatchMode(sync bool) (envOptions, error) {
	if sync {
		return envOptions{}, nil
	}
	cfg, err := o.loadConfig()
	if err != nil {
		return envOptions{}, err
	}
	return envOptions{queue: cfg.Queue.Driver == queue.DriverNATS}, nil
}

// Close releases the queue and the database
func (e *environment) Close() {
	if e.queue != nil {
		if err := e.queue.Close(); err != nil {
			e.logger.WithField("error", err.Error()).Warn("Failed to close job queue")
		}
	}
	if e.db != nil {
		if err := e.dbService.Close(e.db); err != nil {
			e.logger.WithField("error", err.Error()).Warn("Failed to close database")
		}
	}
}

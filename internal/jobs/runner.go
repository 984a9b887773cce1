// Package jobs implements the background jobs of the backup engine: backup
// and restore processing, the schedule pass, the retention sweep and the
// two-phase delete. Every job starts with a compare-and-set transition of its
// record and returns without doing anything when the record is no longer in
// the expected state.
package jobs

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"time"

	"org-backup-engine/internal/backup"
	"org-backup-engine/internal/database"
	"org-backup-engine/internal/logging"
	"org-backup-engine/internal/metrics"
	"org-backup-engine/internal/notify"
	"org-backup-engine/internal/queue"
	"org-backup-engine/internal/schema"
	"org-backup-engine/internal/store"
)

// Dispatcher enqueues follow-up jobs
type Dispatcher interface {
	Dispatch(ctx context.Context, kind queue.Kind, recordID string) error
}

// Disks resolves storage disks and lists the configured ones
type Disks interface {
	backup.DiskResolver
	Names() []string
	DefaultDisk() string
}

// Config holds the job settings
type Config struct {
	StagingDir           string                  `mapstructure:"staging_dir" yaml:"staging_dir"`
	TimestampColumn      string                  `mapstructure:"timestamp_column" yaml:"timestamp_column"`
	DefaultRetentionDays int                     `mapstructure:"default_retention_days" yaml:"default_retention_days"`
	SoftDeleteGrace      time.Duration           `mapstructure:"soft_delete_grace" yaml:"soft_delete_grace"`
	StagingMaxAge        time.Duration           `mapstructure:"staging_max_age" yaml:"staging_max_age"`
	OrphanMinAge         time.Duration           `mapstructure:"orphan_min_age" yaml:"orphan_min_age"`
	CleanupBatchSize     int                     `mapstructure:"cleanup_batch_size" yaml:"cleanup_batch_size"`
	RollbackWindow       time.Duration           `mapstructure:"rollback_window" yaml:"rollback_window"`
	DefaultStrategy      backup.ConflictStrategy `mapstructure:"default_strategy" yaml:"default_strategy"`
	// StoragePrefix is the directory archives are written under on every disk
	StoragePrefix string `mapstructure:"storage_prefix" yaml:"storage_prefix"`
}

// SetDefaults sets default values for the job configuration
func (c *Config) SetDefaults() {
	if c.StagingDir == "" {
		c.StagingDir = filepath.Join(".", "storage", "backup-staging")
	}
	if c.TimestampColumn == "" {
		c.TimestampColumn = "updated_at"
	}
	if c.DefaultRetentionDays == 0 {
		c.DefaultRetentionDays = backup.DefaultRetentionDays
	}
	if c.SoftDeleteGrace == 0 {
		c.SoftDeleteGrace = 7 * 24 * time.Hour
	}
	if c.StagingMaxAge == 0 {
		c.StagingMaxAge = 24 * time.Hour
	}
	if c.OrphanMinAge == 0 {
		c.OrphanMinAge = 48 * time.Hour
	}
	if c.CleanupBatchSize == 0 {
		c.CleanupBatchSize = 100
	}
	if c.RollbackWindow == 0 {
		c.RollbackWindow = 24 * time.Hour
	}
	if c.DefaultStrategy == "" {
		c.DefaultStrategy = backup.ConflictSkip
	}
	if c.StoragePrefix == "" {
		c.StoragePrefix = "backups"
	}
}

// Validate validates the job configuration
func (c *Config) Validate() error {
	var errors backup.ValidationErrors

	if c.StagingDir == "" {
		errors.Add("jobs.staging_dir", "staging directory is required", c.StagingDir)
	}
	if c.TimestampColumn == "" {
		errors.Add("jobs.timestamp_column", "timestamp column is required", c.TimestampColumn)
	}
	if c.SoftDeleteGrace < 0 {
		errors.Add("jobs.soft_delete_grace", "grace period cannot be negative", c.SoftDeleteGrace)
	}
	if c.StagingMaxAge <= 0 {
		errors.Add("jobs.staging_max_age", "must be positive", c.StagingMaxAge)
	}
	if c.OrphanMinAge <= 0 {
		errors.Add("jobs.orphan_min_age", "must be positive", c.OrphanMinAge)
	}
	if c.CleanupBatchSize < 1 {
		errors.Add("jobs.cleanup_batch_size", "must be at least 1", c.CleanupBatchSize)
	}
	if _, err := backup.ParseConflictStrategy(string(c.DefaultStrategy)); err != nil {
		errors.Add("jobs.default_strategy", "must be skip, replace or merge", c.DefaultStrategy)
	}

	if errors.HasErrors() {
		return errors
	}
	return nil
}

// Dependencies are the collaborators of the runner
type Dependencies struct {
	DB                  *sql.DB
	Dialect             database.Dialect
	Store               *store.Store
	Disks               Disks
	Keys                backup.KeyResolver
	Rules               schema.Rules
	Deferred            *schema.DeferredEdges
	Extraction          backup.ExtractionConfig
	Files               backup.FilesConfig
	Compression         backup.CompressionConfig
	EncryptionChunkSize int
	DefaultKeyID        string
	Notifier            notify.Notifier
	Metrics             *metrics.Recorder
	// Dispatcher enqueues follow-up jobs; nil runs them inline
	Dispatcher Dispatcher
	Logger     *logging.Logger
	Now        func() time.Time
}

// Runner executes jobs
type Runner struct {
	config     Config
	keyID      string
	files      backup.FilesConfig
	db         *sql.DB
	dialect    database.Dialect
	store      *store.Store
	disks      Disks
	notifier   notify.Notifier
	metrics    *metrics.Recorder
	dispatcher Dispatcher
	logger     *logging.Logger
	now        func() time.Time

	discoverer *schema.Discoverer
	resolver   *schema.Resolver
	extractor  *backup.Extractor
	collector  *backup.FileCollector
	packager   *backup.Packager
	encryption *backup.EncryptionService
	restorer   *backup.RestoreExecutor
}

// NewRunner wires the services every job uses
func NewRunner(deps Dependencies, config Config) (*Runner, error) {
	config.SetDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if deps.DB == nil || deps.Store == nil || deps.Disks == nil {
		return nil, backup.NewConfigurationError("database, store and disks are required", nil)
	}
	if deps.Logger == nil {
		deps.Logger = logging.NewNopLogger()
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.NopNotifier{}
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Rules.TenantColumn == "" {
		deps.Rules = schema.DefaultRules()
	}

	return &Runner{
		config:     config,
		keyID:      deps.DefaultKeyID,
		files:      deps.Files,
		db:         deps.DB,
		dialect:    deps.Dialect,
		store:      deps.Store,
		disks:      deps.Disks,
		notifier:   deps.Notifier,
		metrics:    deps.Metrics,
		dispatcher: deps.Dispatcher,
		logger:     deps.Logger,
		now:        deps.Now,
		discoverer: schema.NewDiscoverer(deps.DB, deps.Dialect, deps.Rules, deps.Logger),
		resolver:   schema.NewResolver(deps.Deferred),
		extractor:  backup.NewExtractor(deps.DB, deps.Dialect, deps.Extraction, deps.Logger),
		collector:  backup.NewFileCollector(deps.Files, config.StagingDir, deps.Logger),
		packager:   backup.NewPackager(deps.Compression, deps.Logger),
		encryption: backup.NewEncryptionService(deps.Keys, deps.EncryptionChunkSize),
		restorer:   backup.NewRestoreExecutor(deps.DB, deps.Dialect, deps.Logger),
	}, nil
}

// Config returns the effective job configuration
func (r *Runner) Config() Config {
	return r.config
}

// Register installs every job handler on q
func (r *Runner) Register(q *queue.Queue) {
	q.Register(queue.KindProcessBackup, func(ctx context.Context, env queue.Envelope) error {
		err := r.ProcessBackup(ctx, env.RecordID, env.Attempt)
		if backup.IsPermanent(err) {
			return queue.Permanent(err)
		}
		return err
	})
	q.Register(queue.KindProcessRestore, func(ctx context.Context, env queue.Envelope) error {
		return r.ProcessRestore(ctx, env.RecordID)
	})
	q.Register(queue.KindScheduledBackup, func(ctx context.Context, env queue.Envelope) error {
		_, err := r.RunScheduledBackups(ctx)
		return err
	})
	q.Register(queue.KindCleanupExpired, func(ctx context.Context, env queue.Envelope) error {
		_, err := r.CleanupExpired(ctx)
		return err
	})
	q.Register(queue.KindDeleteFiles, func(ctx context.Context, env queue.Envelope) error {
		return r.DeleteFiles(ctx, env.RecordID)
	})
}

// dispatch enqueues a job, or runs it inline when no dispatcher is set
func (r *Runner) dispatch(ctx context.Context, kind queue.Kind, recordID string) error {
	if r.dispatcher != nil {
		return r.dispatcher.Dispatch(ctx, kind, recordID)
	}
	switch kind {
	case queue.KindProcessBackup:
		return r.ProcessBackup(ctx, recordID, 1)
	case queue.KindProcessRestore:
		return r.ProcessRestore(ctx, recordID)
	case queue.KindDeleteFiles:
		return r.DeleteFiles(ctx, recordID)
	}
	return fmt.Errorf("job kind %s cannot run inline", kind)
}

func (r *Runner) audit(ctx context.Context, orgID, action, entityType, entityID string, details map[string]interface{}) {
	entry := backup.NewAuditEntry(orgID, action, entityType, entityID, details, r.now())
	if err := r.store.Audit.Record(ctx, entry); err != nil {
		r.logger.WithContext(ctx).WithFields(map[string]interface{}{
			"action":    action,
			"entity_id": entityID,
			"error":     err.Error(),
		}).Error("Failed to write audit entry")
	}
}

// recordBreakerStates publishes the circuit breaker state of every remote disk
func (r *Runner) recordBreakerStates() {
	if r.metrics == nil {
		return
	}
	for _, name := range r.disks.Names() {
		disk, err := r.disks.Disk(name)
		if err != nil {
			continue
		}
		if breaker, ok := disk.(*backup.BreakerDisk); ok {
			r.metrics.SetBreakerState(name, int(breaker.State()))
		}
	}
}

func (r *Runner) storagePath(b *backup.Backup, fileName string) string {
	return fmt.Sprintf("%s/%s/%s", r.config.StoragePrefix, b.OrgID, fileName)
}

func (r *Runner) scratchDir(prefix, id string) string {
	return filepath.Join(r.config.StagingDir, prefix+"-"+id)
}

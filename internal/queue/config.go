package queue

import (
	"os"
	"time"

	"org-backup-engine/internal/backup"
)

// Drivers
const (
	DriverMemory = "memory"
	DriverNATS   = "nats"
)

// Config selects the queue transport and the per-job policy
type Config struct {
	Driver       string        `mapstructure:"driver" yaml:"driver"`
	BufferSize   int64         `mapstructure:"buffer_size" yaml:"buffer_size"`
	CloseTimeout time.Duration `mapstructure:"close_timeout" yaml:"close_timeout"`
	NATS         NATSConfig    `mapstructure:"nats" yaml:"nats"`

	BackupTimeout    time.Duration   `mapstructure:"backup_timeout" yaml:"backup_timeout"`
	RestoreTimeout   time.Duration   `mapstructure:"restore_timeout" yaml:"restore_timeout"`
	SchedulerTimeout time.Duration   `mapstructure:"scheduler_timeout" yaml:"scheduler_timeout"`
	CleanupTimeout   time.Duration   `mapstructure:"cleanup_timeout" yaml:"cleanup_timeout"`
	MaxAttempts      int             `mapstructure:"max_attempts" yaml:"max_attempts"`
	Backoff          []time.Duration `mapstructure:"backoff" yaml:"backoff"`
}

// NATSConfig configures the JetStream transport
type NATSConfig struct {
	URL           string        `mapstructure:"url" yaml:"url"`
	QueueGroup    string        `mapstructure:"queue_group" yaml:"queue_group"`
	DurablePrefix string        `mapstructure:"durable_prefix" yaml:"durable_prefix"`
	AckWait       time.Duration `mapstructure:"ack_wait" yaml:"ack_wait"`
	MaxReconnects int           `mapstructure:"max_reconnects" yaml:"max_reconnects"`
	ReconnectWait time.Duration `mapstructure:"reconnect_wait" yaml:"reconnect_wait"`
}

// SetDefaults sets default values for the queue configuration
func (c *Config) SetDefaults() {
	if c.Driver == "" {
		c.Driver = DriverMemory
	}
	if c.BufferSize == 0 {
		c.BufferSize = 256
	}
	if c.CloseTimeout == 0 {
		c.CloseTimeout = 30 * time.Second
	}
	if c.BackupTimeout == 0 {
		c.BackupTimeout = 30 * time.Minute
	}
	if c.RestoreTimeout == 0 {
		c.RestoreTimeout = 60 * time.Minute
	}
	if c.SchedulerTimeout == 0 {
		c.SchedulerTimeout = 5 * time.Minute
	}
	if c.CleanupTimeout == 0 {
		c.CleanupTimeout = 10 * time.Minute
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 3
	}
	if len(c.Backoff) == 0 {
		c.Backoff = []time.Duration{60 * time.Second, 300 * time.Second, 900 * time.Second}
	}
	if c.NATS.URL == "" {
		c.NATS.URL = "nats://127.0.0.1:4222"
	}
	if c.NATS.QueueGroup == "" {
		c.NATS.QueueGroup = "orgbackup"
	}
	if c.NATS.DurablePrefix == "" {
		c.NATS.DurablePrefix = "orgbackup"
	}
	if c.NATS.AckWait == 0 {
		// longer than the longest job so JetStream does not redeliver a running job
		c.NATS.AckWait = c.RestoreTimeout + 5*time.Minute
	}
	if c.NATS.MaxReconnects == 0 {
		c.NATS.MaxReconnects = -1
	}
	if c.NATS.ReconnectWait == 0 {
		c.NATS.ReconnectWait = 2 * time.Second
	}
}

// LoadFromEnvironment loads queue settings from environment variables
func (c *Config) LoadFromEnvironment() {
	if val := os.Getenv("ORGBACKUP_QUEUE_DRIVER"); val != "" {
		c.Driver = val
	}
	if val := os.Getenv("ORGBACKUP_NATS_URL"); val != "" {
		c.NATS.URL = val
	}
}

// Validate validates the queue configuration
func (c *Config) Validate() error {
	var errors backup.ValidationErrors

	if c.Driver != DriverMemory && c.Driver != DriverNATS {
		errors.Add("queue.driver", "driver must be memory or nats", c.Driver)
	}
	if c.Driver == DriverNATS && c.NATS.URL == "" {
		errors.Add("queue.nats.url", "url is required for the nats driver", c.NATS.URL)
	}
	if c.MaxAttempts < 1 {
		errors.Add("queue.max_attempts", "at least one attempt is required", c.MaxAttempts)
	}
	for _, d := range c.Backoff {
		if d < 0 {
			errors.Add("queue.backoff", "backoff durations cannot be negative", d)
			break
		}
	}
	for field, d := range map[string]time.Duration{
		"queue.backup_timeout":    c.BackupTimeout,
		"queue.restore_timeout":   c.RestoreTimeout,
		"queue.scheduler_timeout": c.SchedulerTimeout,
		"queue.cleanup_timeout":   c.CleanupTimeout,
	} {
		if d <= 0 {
			errors.Add(field, "timeout must be positive", d)
		}
	}

	if errors.HasErrors() {
		return errors
	}
	return nil
}

// Policy is how one job kind is queued and retried
type Policy struct {
	Topic       string
	Timeout     time.Duration
	MaxAttempts int
	Backoff     []time.Duration
}

// Delay returns the wait before the attempt following attempt
func (p Policy) Delay(attempt int) time.Duration {
	if len(p.Backoff) == 0 || attempt < 1 {
		return 0
	}
	if attempt > len(p.Backoff) {
		return p.Backoff[len(p.Backoff)-1]
	}
	return p.Backoff[attempt-1]
}

// Policies returns the policy of every job kind. Restores, scheduler passes
// and cleanup sweeps run once; backups and file deletes are retried.
func (c Config) Policies() map[Kind]Policy {
	return map[Kind]Policy{
		KindProcessBackup:   {Topic: TopicBackups, Timeout: c.BackupTimeout, MaxAttempts: c.MaxAttempts, Backoff: c.Backoff},
		KindProcessRestore:  {Topic: TopicBackups, Timeout: c.RestoreTimeout, MaxAttempts: 1},
		KindScheduledBackup: {Topic: TopicDefault, Timeout: c.SchedulerTimeout, MaxAttempts: 1},
		KindCleanupExpired:  {Topic: TopicDefault, Timeout: c.CleanupTimeout, MaxAttempts: 1},
		KindDeleteFiles:     {Topic: TopicDefault, Timeout: c.CleanupTimeout, MaxAttempts: c.MaxAttempts, Backoff: c.Backoff},
	}
}

// Package config assembles the engine configuration from a YAML file,
// ORGBACKUP_* environment variables and built-in defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"org-backup-engine/internal/backup"
	"org-backup-engine/internal/database"
	"org-backup-engine/internal/display"
	"org-backup-engine/internal/jobs"
	"org-backup-engine/internal/logging"
	"org-backup-engine/internal/notify"
	"org-backup-engine/internal/queue"
	"org-backup-engine/internal/schema"
	"org-backup-engine/internal/supervisor"
)

// Config is the complete engine configuration
type Config struct {
	Database      database.DatabaseConfig `mapstructure:"database" yaml:"database"`
	Logging       logging.Config          `mapstructure:"logging" yaml:"logging"`
	Discovery     DiscoveryConfig         `mapstructure:"discovery" yaml:"discovery"`
	Extraction    backup.ExtractionConfig `mapstructure:"extraction" yaml:"extraction"`
	Files         backup.FilesConfig      `mapstructure:"files" yaml:"files"`
	Packaging     PackagingConfig         `mapstructure:"packaging" yaml:"packaging"`
	Encryption    backup.EncryptionConfig `mapstructure:"encryption" yaml:"encryption"`
	Storage       backup.StorageConfig    `mapstructure:"storage" yaml:"storage"`
	Jobs          jobs.Config             `mapstructure:"jobs" yaml:"jobs"`
	Scheduler     TickerConfig            `mapstructure:"scheduler" yaml:"scheduler"`
	Cleanup       TickerConfig            `mapstructure:"cleanup" yaml:"cleanup"`
	Queue         queue.Config            `mapstructure:"queue" yaml:"queue"`
	Notifications notify.Config           `mapstructure:"notifications" yaml:"notifications"`
	Supervisor    supervisor.TreeConfig   `mapstructure:"supervisor" yaml:"supervisor"`
	Admin         supervisor.AdminConfig  `mapstructure:"admin" yaml:"admin"`
	Display       display.DisplayConfig   `mapstructure:"display" yaml:"display"`
}

// DiscoveryConfig decides which tables are backed up and how they are grouped
type DiscoveryConfig struct {
	schema.Rules `mapstructure:",squash" yaml:",inline"`
	// DeferredEdgesFile lists foreign keys written after every table is restored
	DeferredEdgesFile string `mapstructure:"deferred_edges_file" yaml:"deferred_edges_file,omitempty"`
}

// PackagingConfig controls how archives are built
type PackagingConfig struct {
	Compression backup.CompressionConfig `mapstructure:"compression" yaml:"compression"`
}

// TickerConfig controls a periodic worker job
type TickerConfig struct {
	Enabled  bool          `mapstructure:"enabled" yaml:"enabled"`
	Interval time.Duration `mapstructure:"interval" yaml:"interval"`
}

// Default returns a configuration with every default applied
func Default() *Config {
	c := base()
	c.SetDefaults()
	return c
}

// base holds the defaults decoded over by the config file, including the
// booleans SetDefaults cannot tell apart from an explicit false
func base() *Config {
	return &Config{
		Database: database.DatabaseConfig{
			Driver:   database.DriverMySQL,
			Host:     "127.0.0.1",
			Username: "orgbackup",
			Database: "app",
		},
		Scheduler:     TickerConfig{Enabled: true},
		Cleanup:       TickerConfig{Enabled: true},
		Admin:         supervisor.AdminConfig{Enabled: true},
		Notifications: notify.Config{Enabled: true, Log: true},
		Display:       *display.DefaultDisplayConfig(),
	}
}

// SetDefaults fills unset values in every section
func (c *Config) SetDefaults() {
	c.Database.SetDefaults()
	if c.Logging.Level == "" {
		c.Logging.Level = logging.LogLevelNormal
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	c.Discovery.SetDefaults()
	c.Extraction.SetDefaults()
	c.Files.SetDefaults()
	c.Packaging.Compression.SetDefaults()
	c.Encryption.SetDefaults()
	c.Storage.SetDefaults()
	c.Jobs.SetDefaults()
	if c.Scheduler.Interval == 0 {
		c.Scheduler.Interval = time.Minute
	}
	if c.Cleanup.Interval == 0 {
		c.Cleanup.Interval = time.Hour
	}
	c.Queue.SetDefaults()
	c.Notifications.SetDefaults()
	c.Supervisor.SetDefaults()
	c.Admin.SetDefaults()
	c.Display.SetDefaults()
}

// SetDefaults keeps the engine tables excluded whatever the file lists
func (d *DiscoveryConfig) SetDefaults() {
	defaults := schema.DefaultRules()
	if d.TenantColumn == "" {
		d.TenantColumn = defaults.TenantColumn
	}
	seen := make(map[string]bool, len(d.ExcludedTables))
	for _, table := range d.ExcludedTables {
		seen[table] = true
	}
	for _, table := range defaults.ExcludedTables {
		if !seen[table] {
			d.ExcludedTables = append(d.ExcludedTables, table)
		}
	}
	if len(d.CategoryMapping) == 0 && len(d.CategoryPatterns) == 0 {
		d.CategoryPatterns = defaults.CategoryPatterns
	}
}

// LoadFromEnvironment applies ORGBACKUP_* overrides to every section
func (c *Config) LoadFromEnvironment() {
	if val := os.Getenv("ORGBACKUP_DB_DRIVER"); val != "" {
		c.Database.Driver = val
	}
	if val := os.Getenv("ORGBACKUP_DB_HOST"); val != "" {
		c.Database.Host = val
	}
	if val := os.Getenv("ORGBACKUP_DB_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			c.Database.Port = port
		}
	}
	if val := os.Getenv("ORGBACKUP_DB_USERNAME"); val != "" {
		c.Database.Username = val
	}
	if val := os.Getenv("ORGBACKUP_DB_PASSWORD"); val != "" {
		c.Database.Password = val
	}
	if val := os.Getenv("ORGBACKUP_DB_DATABASE"); val != "" {
		c.Database.Database = val
	}
	if val := os.Getenv("ORGBACKUP_DB_PATH"); val != "" {
		c.Database.Path = val
	}
	if val := os.Getenv("ORGBACKUP_LOG_LEVEL"); val != "" {
		c.Logging.Level = logging.LogLevel(val)
	}
	if val := os.Getenv("ORGBACKUP_STAGING_DIR"); val != "" {
		c.Jobs.StagingDir = val
	}
	if val := os.Getenv("ORGBACKUP_ADMIN_ADDR"); val != "" {
		c.Admin.Addr = val
	}

	c.Extraction.LoadFromEnvironment()
	c.Files.LoadFromEnvironment()
	c.Packaging.Compression.LoadFromEnvironment()
	c.Encryption.LoadFromEnvironment()
	c.Storage.LoadFromEnvironment()
	c.Queue.LoadFromEnvironment()
	c.Notifications.LoadFromEnvironment()
}

// Validate checks every section and collects all problems
func (c *Config) Validate() error {
	var errors backup.ValidationErrors

	if err := c.Database.Validate(); err != nil {
		errors.Add("database", err.Error(), c.Database.Target())
	}
	switch c.Logging.Level {
	case logging.LogLevelQuiet, logging.LogLevelNormal, logging.LogLevelVerbose, logging.LogLevelDebug:
	default:
		errors.Add("logging.level", "level must be quiet, normal, verbose or debug", c.Logging.Level)
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		errors.Add("logging.format", "format must be text or json", c.Logging.Format)
	}
	if c.Discovery.TenantColumn == "" {
		errors.Add("discovery.tenant_column", "tenant column is required", c.Discovery.TenantColumn)
	}
	if c.Scheduler.Interval <= 0 {
		errors.Add("scheduler.interval", "interval must be positive", c.Scheduler.Interval)
	}
	if c.Cleanup.Interval <= 0 {
		errors.Add("cleanup.interval", "interval must be positive", c.Cleanup.Interval)
	}
	if c.Admin.Enabled && c.Admin.Addr == "" {
		errors.Add("admin.addr", "address is required when the admin server is enabled", c.Admin.Addr)
	}
	if err := c.Display.Validate(); err != nil {
		errors.Add("display", err.Error(), nil)
	}

	for _, v := range []interface{ Validate() error }{
		&c.Extraction,
		&c.Files,
		&c.Packaging.Compression,
		&c.Encryption,
		&c.Storage,
		&c.Jobs,
		&c.Queue,
		&c.Notifications,
	} {
		collect(&errors, v.Validate())
	}

	if errors.HasErrors() {
		return errors
	}
	return nil
}

func collect(into *backup.ValidationErrors, err error) {
	if err == nil {
		return
	}
	if validationErrs, ok := err.(backup.ValidationErrors); ok {
		*into = append(*into, validationErrs...)
		return
	}
	into.Add("config", err.Error(), nil)
}

// DeferredEdges loads the deferred foreign key list, if one is configured
func (c *Config) DeferredEdges() (*schema.DeferredEdges, error) {
	if c.Discovery.DeferredEdgesFile == "" {
		return nil, nil
	}
	edges, err := schema.LoadDeferredEdges(c.Discovery.DeferredEdgesFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load deferred edges: %w", err)
	}
	return edges, nil
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"org-backup-engine/internal/backup"
	"org-backup-engine/internal/database"
	"org-backup-engine/internal/logging"
	"org-backup-engine/internal/queue"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "orgbackup.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func validationFields(t *testing.T, err error) []string {
	t.Helper()
	var validationErrs backup.ValidationErrors
	require.ErrorAs(t, err, &validationErrs)
	fields := make([]string, 0, len(validationErrs))
	for _, ve := range validationErrs {
		fields = append(fields, ve.Field)
	}
	return fields
}

func TestDefault(t *testing.T) {
	c := Default()
	require.NoError(t, c.Validate())

	assert.Equal(t, database.DriverMySQL, c.Database.Driver)
	assert.Equal(t, 3306, c.Database.Port)
	assert.Equal(t, logging.LogLevelNormal, c.Logging.Level)
	assert.Equal(t, "org_id", c.Discovery.TenantColumn)
	assert.Contains(t, c.Discovery.ExcludedTables, "org_backups")
	assert.Equal(t, 1000, c.Extraction.ChunkSize)
	assert.Equal(t, backup.CompressionTypeZstd, c.Packaging.Compression.Algorithm)
	assert.Equal(t, "local", c.Storage.DefaultDisk)
	assert.Equal(t, backup.ConflictSkip, c.Jobs.DefaultStrategy)
	assert.Equal(t, 7*24*time.Hour, c.Jobs.SoftDeleteGrace)
	assert.Equal(t, time.Minute, c.Scheduler.Interval)
	assert.Equal(t, time.Hour, c.Cleanup.Interval)
	assert.True(t, c.Scheduler.Enabled)
	assert.Equal(t, queue.DriverMemory, c.Queue.Driver)
	assert.Equal(t, []time.Duration{time.Minute, 5 * time.Minute, 15 * time.Minute}, c.Queue.Backoff)
	assert.Equal(t, ":9090", c.Admin.Addr)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
database:
  driver: sqlite
  path: /var/lib/orgbackup/app.db
logging:
  level: verbose
  format: json
discovery:
  excluded_tables: [legacy_imports]
  category_mapping:
    billing: [invoices, invoice_items]
storage:
  default_disk: archive
  disks:
    archive:
      driver: s3
      s3:
        bucket: org-backups
        region: eu-west-1
    local:
      driver: local
      local:
        root: /srv/backups
jobs:
  soft_delete_grace: 48h
  default_strategy: merge
scheduler:
  enabled: false
queue:
  driver: nats
  backoff: [30s, 2m]
  nats:
    url: nats://queue:4222
`)

	c, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, database.DriverSQLite, c.Database.Driver)
	assert.Equal(t, "/var/lib/orgbackup/app.db", c.Database.Path)
	assert.Equal(t, logging.LogLevelVerbose, c.Logging.Level)
	assert.Equal(t, "json", c.Logging.Format)

	assert.Contains(t, c.Discovery.ExcludedTables, "legacy_imports")
	assert.Contains(t, c.Discovery.ExcludedTables, "backup_schedules", "engine tables stay excluded")
	assert.Equal(t, []string{"invoices", "invoice_items"}, c.Discovery.CategoryMapping["billing"])
	assert.Empty(t, c.Discovery.CategoryPatterns, "an explicit mapping replaces the stock patterns")

	assert.Equal(t, "archive", c.Storage.DefaultDisk)
	assert.Equal(t, []string{"archive", "local"}, c.Storage.DiskNames())
	assert.Equal(t, "org-backups", c.Storage.Disks["archive"].S3.Bucket)
	assert.Equal(t, "/srv/backups", c.Storage.Disks["local"].Local.Root)

	assert.Equal(t, 48*time.Hour, c.Jobs.SoftDeleteGrace)
	assert.Equal(t, backup.ConflictMerge, c.Jobs.DefaultStrategy)
	assert.False(t, c.Scheduler.Enabled)
	assert.True(t, c.Cleanup.Enabled)

	assert.Equal(t, queue.DriverNATS, c.Queue.Driver)
	assert.Equal(t, "nats://queue:4222", c.Queue.NATS.URL)
	assert.Equal(t, []time.Duration{30 * time.Second, 2 * time.Minute}, c.Queue.Backoff)
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	path := writeConfig(t, `
database:
  driver: postgres
  host: db.internal
  username: backup
  database: app
storage:
  default_disk: archive
  disks:
    archive:
      driver: s3
      s3:
        bucket: org-backups
`)
	t.Setenv("ORGBACKUP_DB_PASSWORD", "from-env")
	t.Setenv("ORGBACKUP_DISK_ARCHIVE_SECRET_KEY", "s3-secret")
	t.Setenv("ORGBACKUP_QUEUE_DRIVER", "nats")
	t.Setenv("ORGBACKUP_EXTRACTION_WORKERS", "8")

	c, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, "from-env", c.Database.Password)
	assert.Equal(t, 5432, c.Database.Port)
	assert.Equal(t, "s3-secret", c.Storage.Disks["archive"].S3.SecretKey)
	assert.Equal(t, "us-east-1", c.Storage.Disks["archive"].S3.Region)
	assert.Equal(t, queue.DriverNATS, c.Queue.Driver)
	assert.Equal(t, 8, c.Extraction.Workers)
}

func TestLoad_CollectsValidationErrors(t *testing.T) {
	path := writeConfig(t, `
logging:
  level: chatty
packaging:
  compression:
    algorithm: brotli
queue:
  driver: kafka
jobs:
  default_strategy: overwrite
cleanup:
  interval: -1m
`)

	_, err := LoadFile(path)
	require.Error(t, err)

	fields := validationFields(t, err)
	assert.Contains(t, fields, "logging.level")
	assert.Contains(t, fields, "packaging.compression.algorithm")
	assert.Contains(t, fields, "queue.driver")
	assert.Contains(t, fields, "jobs.default_strategy")
	assert.Contains(t, fields, "cleanup.interval")
}

func TestLoadFile_MissingExplicitPath(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestWriteDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "orgbackup.yaml")

	require.NoError(t, WriteDefault(path, false))
	assert.Error(t, WriteDefault(path, false), "an existing file is not replaced")
	require.NoError(t, WriteDefault(path, true))

	loaded, err := LoadFile(path)
	require.NoError(t, err)

	defaults := Default()
	assert.Equal(t, defaults.Database, loaded.Database)
	assert.Equal(t, defaults.Jobs, loaded.Jobs)
	assert.Equal(t, defaults.Queue.Backoff, loaded.Queue.Backoff)
	assert.Equal(t, defaults.Storage.DefaultDisk, loaded.Storage.DefaultDisk)
	assert.Equal(t, defaults.Storage.Disks["local"].Local.Root, loaded.Storage.Disks["local"].Local.Root)
	assert.Equal(t, defaults.Discovery.TenantColumn, loaded.Discovery.TenantColumn)
	assert.ElementsMatch(t, defaults.Discovery.ExcludedTables, loaded.Discovery.ExcludedTables)
}

func TestDeferredEdges(t *testing.T) {
	c := Default()
	edges, err := c.DeferredEdges()
	require.NoError(t, err)
	assert.Nil(t, edges)

	c.Discovery.DeferredEdgesFile = filepath.Join(t.TempDir(), "missing.yaml")
	_, err = c.DeferredEdges()
	assert.Error(t, err)
}

package schema

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"org-backup-engine/internal/database"
	"org-backup-engine/internal/logging"
)

// DefaultCategory receives tables no mapping or pattern claims
const DefaultCategory = "other"

// Rules decide which tables are tenant-scoped and how they are grouped
type Rules struct {
	TenantColumn     string              `mapstructure:"tenant_column" yaml:"tenant_column"`
	ExcludedTables   []string            `mapstructure:"excluded_tables" yaml:"excluded_tables"`
	CategoryMapping  map[string][]string `mapstructure:"category_mapping" yaml:"category_mapping"`
	CategoryPatterns map[string][]string `mapstructure:"category_patterns" yaml:"category_patterns"`
}

// DefaultRules returns the stock discovery rules
func DefaultRules() Rules {
	return Rules{
		TenantColumn: "org_id",
		ExcludedTables: []string{
			"org_backups", "backup_restores", "backup_schedules", "backup_audit_logs",
			"backup_encryption_keys", "backup_settings", "goose_db_version",
			"migrations", "failed_jobs", "jobs", "sessions", "cache", "password_reset_tokens",
		},
		CategoryPatterns: map[string][]string{
			"campaigns":    {"campaign", "ad_set", "ad_group", "ad_"},
			"social_posts": {"social_post", "post_media", "post_comment"},
			"analytics":    {"metric", "analytics", "report", "performance"},
			"audiences":    {"audience", "segment", "targeting"},
			"integrations": {"integration", "connection", "credential", "platform_"},
			"automations":  {"automation", "trigger", "action", "rule"},
		},
	}
}

// Categorize returns the category of a table: explicit mapping first, then
// the first matching pattern (categories checked in name order), then "other".
func (r Rules) Categorize(table string) string {
	for _, category := range sortedKeys(r.CategoryMapping) {
		for _, t := range r.CategoryMapping[category] {
			if t == table {
				return category
			}
		}
	}

	for _, category := range sortedKeys(r.CategoryPatterns) {
		for _, pattern := range r.CategoryPatterns[category] {
			if pattern != "" && strings.Contains(table, pattern) {
				return category
			}
		}
	}

	return DefaultCategory
}

func (r Rules) excluded(table string) bool {
	for _, t := range r.ExcludedTables {
		if t == table {
			return true
		}
	}
	return false
}

func sortedKeys(m map[string][]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Discoverer produces schema snapshots of the tenant-scoped tables
type Discoverer struct {
	db           *sql.DB
	dialect      database.Dialect
	introspector introspector
	rules        Rules
	queryTimeout time.Duration
	logger       *logging.Logger
	now          func() time.Time
}

// NewDiscoverer creates a discoverer for the given connection and dialect
func NewDiscoverer(db *sql.DB, dialect database.Dialect, rules Rules, logger *logging.Logger) *Discoverer {
	if rules.TenantColumn == "" {
		rules.TenantColumn = "org_id"
	}
	return &Discoverer{
		db:           db,
		dialect:      dialect,
		introspector: introspectorFor(dialect),
		rules:        rules,
		queryTimeout: 30 * time.Second,
		logger:       logger,
		now:          time.Now,
	}
}

// Rules returns the discovery rules in effect
func (d *Discoverer) Rules() Rules {
	return d.rules
}

// Discover introspects the database and returns a snapshot of every table
// carrying the tenant column, minus excluded tables.
func (d *Discoverer) Discover(ctx context.Context) (*Snapshot, error) {
	if d.db == nil {
		return nil, fmt.Errorf("database connection is nil")
	}

	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, d.queryTimeout)
	defer cancel()

	names, err := d.introspector.listTables(ctx, d.db)
	if err != nil {
		return nil, err
	}

	snapshot := NewSnapshot(string(d.dialect), d.rules.TenantColumn, d.now())
	for _, name := range names {
		if d.rules.excluded(name) {
			continue
		}

		columns, pk, err := d.introspector.columns(ctx, d.db, name)
		if err != nil {
			return nil, err
		}

		table := &Table{Name: name, Columns: columns, PrimaryKey: pk}
		if !table.HasColumn(d.rules.TenantColumn) {
			continue
		}

		table.ForeignKeys, err = d.introspector.foreignKeys(ctx, d.db, name)
		if err != nil {
			return nil, err
		}
		table.Category = d.rules.Categorize(name)
		snapshot.Tables[name] = table
	}

	if err := snapshot.Validate(); err != nil {
		return nil, fmt.Errorf("discovered schema is invalid: %w", err)
	}

	d.logger.WithFields(map[string]interface{}{
		"operation":   "schema_discovery",
		"table_count": len(snapshot.Tables),
		"duration":    time.Since(start).String(),
	}).Debug("Schema discovery completed")

	return snapshot, nil
}

package backup

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"org-backup-engine/internal/database"
	"org-backup-engine/internal/logging"
	"org-backup-engine/internal/schema"

	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

var tenantSchema = []string{
	`CREATE TABLE campaigns (id INTEGER PRIMARY KEY, org_id TEXT NOT NULL, name TEXT, image_url TEXT, updated_at TEXT)`,
	`CREATE TABLE ad_sets (id INTEGER PRIMARY KEY, org_id TEXT NOT NULL, campaign_id INTEGER REFERENCES campaigns(id), name TEXT, updated_at TEXT)`,
	`CREATE TABLE audience_segments (id INTEGER PRIMARY KEY, org_id TEXT NOT NULL, name TEXT, payload BLOB)`,
	`CREATE TABLE activity_notes (org_id TEXT NOT NULL, body TEXT)`,
}

var tenantSeed = []string{
	`INSERT INTO campaigns VALUES (1, 'org-1', 'Spring launch', 'campaigns/1.png', '2024-03-01 10:00:00')`,
	`INSERT INTO campaigns VALUES (2, 'org-1', 'Summer sale', 'https://cdn.example.com/2.png', '2024-03-02 10:00:00')`,
	`INSERT INTO campaigns VALUES (3, 'org-2', 'Other tenant', NULL, '2024-03-03 10:00:00')`,
	`INSERT INTO ad_sets VALUES (10, 'org-1', 1, 'Prospecting', '2024-03-01 11:00:00')`,
	`INSERT INTO ad_sets VALUES (11, 'org-2', 3, 'Retargeting', '2024-03-03 11:00:00')`,
	`INSERT INTO audience_segments VALUES (20, 'org-1', 'Lookalikes', X'00FF10')`,
	`INSERT INTO activity_notes VALUES ('org-1', 'imported')`,
}

func openTenantDB(t *testing.T) *sql.DB {
	t.Helper()
	return openDBWithSchema(t, tenantSchema)
}

func openDBWithSchema(t *testing.T, statements []string) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", "file:"+filepath.Join(t.TempDir(), "tenant.db")+"?_pragma=foreign_keys(1)")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	for _, stmt := range statements {
		_, err := db.Exec(stmt)
		require.NoError(t, err)
	}
	return db
}

func seedTenantDB(t *testing.T, db *sql.DB) {
	t.Helper()
	for _, stmt := range tenantSeed {
		_, err := db.Exec(stmt)
		require.NoError(t, err)
	}
}

func discoverTenantDB(t *testing.T, db *sql.DB) *schema.Snapshot {
	t.Helper()
	discoverer := schema.NewDiscoverer(db, sqliteDialect, schema.DefaultRules(), logging.NewNopLogger())
	snapshot, err := discoverer.Discover(context.Background())
	require.NoError(t, err)
	return snapshot
}

func mustOrg(t *testing.T, id string) OrgID {
	t.Helper()
	org, err := NewOrgID(id)
	require.NoError(t, err)
	return org
}

func countRows(t *testing.T, db *sql.DB, query string, args ...interface{}) int {
	t.Helper()
	var n int
	require.NoError(t, db.QueryRow(query, args...).Scan(&n))
	return n
}

var sqliteDialect = database.DialectFor(database.DriverSQLite)

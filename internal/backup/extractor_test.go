package backup

import (
	"context"
	"sync"
	"testing"

	"org-backup-engine/internal/database"
	"org-backup-engine/internal/logging"
	"org-backup-engine/internal/schema"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestExtractor(t *testing.T, chunkSize int) (*Extractor, *schema.Snapshot) {
	t.Helper()
	db := openTenantDB(t)
	seedTenantDB(t, db)
	snapshot := discoverTenantDB(t, db)
	extractor := NewExtractor(db, sqliteDialect, ExtractionConfig{ChunkSize: chunkSize, Workers: 2}, logging.NewNopLogger())
	return extractor, snapshot
}

func TestExtractor_ScopesToOrganization(t *testing.T) {
	extractor, snapshot := newTestExtractor(t, 0)

	var mu sync.Mutex
	reported := map[string]int{}
	result, err := extractor.Extract(context.Background(), mustOrg(t, "org-1"), snapshot, nil, func(category, table string, rows int) {
		mu.Lock()
		defer mu.Unlock()
		reported[table] = rows
	})
	require.NoError(t, err)

	assert.Equal(t, map[string]int{"campaigns": 2, "ad_sets": 1, "audience_segments": 1, "activity_notes": 1}, reported)
	assert.Equal(t, int64(5), result.TotalRecords)
	assert.Empty(t, result.Skipped)

	campaigns := result.Categories["campaigns"]["campaigns"]
	require.Len(t, campaigns, 2)
	for _, row := range campaigns {
		assert.Equal(t, "org-1", row["org_id"])
		assert.Equal(t, "campaigns", row[MetaSourceTable])
		assert.NotEmpty(t, row[MetaExportedAt])
	}
	assert.Equal(t, int64(1), campaigns[0]["id"], "rows are ordered by primary key")
	assert.Equal(t, int64(2), result.Counts["campaigns"]["campaigns"])
}

func TestExtractor_ChunksLargeTables(t *testing.T) {
	extractor, snapshot := newTestExtractor(t, 1)

	result, err := extractor.Extract(context.Background(), mustOrg(t, "org-1"), snapshot, []string{"campaigns"}, nil)
	require.NoError(t, err)

	assert.Len(t, result.Categories["campaigns"]["campaigns"], 2)
	assert.Len(t, result.Categories["campaigns"]["ad_sets"], 1)
	assert.NotContains(t, result.Categories, "audiences")
}

func TestExtractor_EncodesBinaryValues(t *testing.T) {
	extractor, snapshot := newTestExtractor(t, 0)

	result, err := extractor.Extract(context.Background(), mustOrg(t, "org-1"), snapshot, []string{"audiences"}, nil)
	require.NoError(t, err)

	rows := result.Categories["audiences"]["audience_segments"]
	require.Len(t, rows, 1)
	assert.Equal(t, map[string]interface{}{"$binary": "AP8Q"}, rows[0]["payload"])

	decoded, err := denormalizeValue(rows[0]["payload"])
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0xFF, 0x10}, decoded)
}

func TestExtractor_SkipsFailingTable(t *testing.T) {
	extractor, snapshot := newTestExtractor(t, 0)
	snapshot.Tables["ghost_campaigns"] = &schema.Table{
		Name:       "ghost_campaigns",
		Category:   "campaigns",
		Columns:    []*schema.Column{{Name: "id"}, {Name: "org_id"}},
		PrimaryKey: []string{"id"},
	}

	result, err := extractor.Extract(context.Background(), mustOrg(t, "org-1"), snapshot, []string{"campaigns"}, nil)
	require.NoError(t, err)

	require.Len(t, result.Skipped, 1)
	assert.Equal(t, "ghost_campaigns", result.Skipped[0].Table)
	assert.Len(t, result.Categories["campaigns"]["campaigns"], 2)
}

func TestExtractor_RejectsMissingTenant(t *testing.T) {
	extractor, snapshot := newTestExtractor(t, 0)

	_, err := extractor.Extract(context.Background(), OrgID{}, snapshot, nil, nil)
	assert.Equal(t, ErrMissingTenant, err)
}

func TestExtractor_AbortsOnCancelledContext(t *testing.T) {
	extractor, snapshot := newTestExtractor(t, 0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := extractor.Extract(ctx, mustOrg(t, "org-1"), snapshot, nil, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestTenantQuery(t *testing.T) {
	org := mustOrg(t, "org-9")

	_, err := NewTenantQuery(sqliteDialect, "campaigns", "org_id", OrgID{})
	assert.Equal(t, ErrMissingTenant, err)

	q, err := NewTenantQuery(database.DialectFor(database.DriverPostgres), "campaigns", "org_id", org)
	require.NoError(t, err)

	query, args := q.Select([]string{"id", "name"}, []string{"id"}, 100, 200)
	assert.Equal(t, `SELECT "id", "name" FROM "campaigns" WHERE "org_id" = $1 ORDER BY "id" LIMIT $2 OFFSET $3`, query)
	assert.Equal(t, []interface{}{"org-9", 100, 200}, args)

	query, args = q.Insert([]string{"id", "org_id", "name"}, []interface{}{1, "org-other", "x"})
	assert.Equal(t, `INSERT INTO "campaigns" ("id", "name", "org_id") VALUES ($1, $2, $3)`, query)
	assert.Equal(t, []interface{}{1, "x", "org-9"}, args, "tenant column is forced")

	mysql, err := NewTenantQuery(database.DialectFor(database.DriverMySQL), "campaigns", "org_id", org)
	require.NoError(t, err)
	query, args = mysql.Update([]string{"name"}, []interface{}{"y"}, []string{"id"}, []interface{}{1})
	assert.Equal(t, "UPDATE `campaigns` SET `name` = ? WHERE `id` = ? AND `org_id` = ?", query)
	assert.Equal(t, []interface{}{"y", 1, "org-9"}, args)
}

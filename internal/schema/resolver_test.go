package schema

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testTable(name string, fks ...*ForeignKey) *Table {
	return &Table{
		Name:        name,
		Category:    "other",
		Columns:     []*Column{{Name: "id"}, {Name: "org_id"}},
		PrimaryKey:  []string{"id"},
		ForeignKeys: fks,
	}
}

func fk(column, references string) *ForeignKey {
	return &ForeignKey{Column: column, ReferencedTable: references, ReferencedColumn: "id"}
}

func testSnapshot(tables ...*Table) *Snapshot {
	s := NewSnapshot("sqlite", "org_id", time.Unix(0, 0))
	for _, t := range tables {
		s.Tables[t.Name] = t
	}
	return s
}

func TestResolver_ResolveOrdersParentsFirst(t *testing.T) {
	snapshot := testSnapshot(
		testTable("ads", fk("ad_set_id", "ad_sets")),
		testTable("ad_sets", fk("campaign_id", "campaigns")),
		testTable("campaigns"),
		testTable("audiences"),
		testTable("ad_audiences", fk("ad_id", "ads"), fk("audience_id", "audiences")),
	)

	plan, err := NewResolver(nil).Resolve(snapshot, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"audiences", "campaigns", "ad_sets", "ads", "ad_audiences"}, plan.Order)
}

func TestResolver_TiesBrokenByName(t *testing.T) {
	snapshot := testSnapshot(testTable("zeta"), testTable("alpha"), testTable("mid"))

	plan, err := NewResolver(nil).Resolve(snapshot, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "mid", "zeta"}, plan.Order)
}

func TestResolver_IgnoresTablesOutsideSelection(t *testing.T) {
	snapshot := testSnapshot(
		testTable("posts", fk("author_id", "users")),
		testTable("comments", fk("post_id", "posts")),
		testTable("users"),
	)

	plan, err := NewResolver(nil).Resolve(snapshot, []string{"comments", "posts"})
	require.NoError(t, err)
	assert.Equal(t, []string{"posts", "comments"}, plan.Order)
}

func TestResolver_CycleNamesTables(t *testing.T) {
	snapshot := testSnapshot(
		testTable("a", fk("b_id", "b")),
		testTable("b", fk("a_id", "a")),
		testTable("c", fk("a_id", "a")),
		testTable("root"),
	)

	_, err := NewResolver(nil).Resolve(snapshot, nil)
	require.Error(t, err)

	var cycleErr *DependencyCycleError
	require.True(t, errors.As(err, &cycleErr))
	assert.Equal(t, []string{"a", "b"}, cycleErr.Tables)
	assert.Equal(t, [][]string{{"a", "b"}}, cycleErr.Cycles)
	assert.Contains(t, err.Error(), "a -> b")
}

func TestResolver_SelfReferenceIsCycleUnlessDeferred(t *testing.T) {
	snapshot := testSnapshot(testTable("folders", fk("parent_id", "folders")))

	_, err := NewResolver(nil).Resolve(snapshot, nil)
	var cycleErr *DependencyCycleError
	require.True(t, errors.As(err, &cycleErr))
	assert.Equal(t, []string{"folders"}, cycleErr.Tables)

	deferred := &DeferredEdges{Version: 1, Edges: []DeferredEdge{{Table: "folders", Column: "parent_id"}}}
	plan, err := NewResolver(deferred).Resolve(snapshot, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"folders"}, plan.Order)
	assert.Equal(t, []string{"parent_id"}, plan.Deferred["folders"])
}

func TestResolver_DeferredEdgeBreaksCycle(t *testing.T) {
	snapshot := testSnapshot(
		testTable("campaigns", fk("default_creative_id", "creatives")),
		testTable("creatives", fk("campaign_id", "campaigns")),
	)
	deferred := &DeferredEdges{Edges: []DeferredEdge{{Table: "campaigns", Column: "default_creative_id"}}}

	plan, err := NewResolver(deferred).Resolve(snapshot, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"campaigns", "creatives"}, plan.Order)
	assert.Equal(t, map[string][]string{"campaigns": {"default_creative_id"}}, plan.Deferred)
}

func TestResolver_UnknownTable(t *testing.T) {
	_, err := NewResolver(nil).Resolve(testSnapshot(testTable("a")), []string{"missing"})
	assert.Error(t, err)
}

func TestParseDeferredEdges(t *testing.T) {
	doc := []byte(`
version: 2
deferred:
  - table: campaigns
    column: default_creative_id
    reason: campaigns and creatives reference each other
  - table: folders
    column: parent_id
`)
	edges, err := ParseDeferredEdges(doc)
	require.NoError(t, err)
	assert.Equal(t, 2, edges.Version)
	assert.True(t, edges.IsDeferred("folders", "parent_id"))
	assert.False(t, edges.IsDeferred("folders", "owner_id"))
	assert.Equal(t, []string{"default_creative_id"}, edges.Columns("campaigns"))

	_, err = ParseDeferredEdges([]byte("deferred:\n  - table: x\n"))
	assert.Error(t, err)

	empty, err := LoadDeferredEdges("")
	require.NoError(t, err)
	assert.Empty(t, empty.Edges)
}

package schema

import (
	"fmt"
	"sort"
	"time"
)

// Snapshot is the immutable description of every tenant-scoped table at a
// point in time. It is embedded in backup manifests and compared against the
// live schema before a restore writes anything.
type Snapshot struct {
	CapturedAt   time.Time         `json:"captured_at"`
	Driver       string            `json:"driver"`
	TenantColumn string            `json:"tenant_column"`
	Tables       map[string]*Table `json:"tables"`
}

// Table represents a tenant-scoped table
type Table struct {
	Name        string        `json:"name"`
	Category    string        `json:"category"`
	Columns     []*Column     `json:"columns"`
	PrimaryKey  []string      `json:"primary_key"`
	ForeignKeys []*ForeignKey `json:"foreign_keys,omitempty"`
}

// Column represents a table column
type Column struct {
	Name       string `json:"name"`
	DataType   string `json:"data_type"`
	IsNullable bool   `json:"is_nullable"`
	Position   int    `json:"position"`
}

// ForeignKey is a single-column reference from one table to another
type ForeignKey struct {
	Name             string `json:"name,omitempty"`
	Column           string `json:"column"`
	ReferencedTable  string `json:"referenced_table"`
	ReferencedColumn string `json:"referenced_column"`
}

// NewSnapshot creates an empty snapshot
func NewSnapshot(driver, tenantColumn string, capturedAt time.Time) *Snapshot {
	return &Snapshot{
		CapturedAt:   capturedAt.UTC(),
		Driver:       driver,
		TenantColumn: tenantColumn,
		Tables:       make(map[string]*Table),
	}
}

// Table returns the named table, or nil
func (s *Snapshot) Table(name string) *Table {
	if s == nil {
		return nil
	}
	return s.Tables[name]
}

// TableNames returns all table names in lexical order
func (s *Snapshot) TableNames() []string {
	names := make([]string, 0, len(s.Tables))
	for name := range s.Tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// TablesIn returns the sorted tables belonging to the given categories.
// An empty filter selects every table.
func (s *Snapshot) TablesIn(categories []string) []string {
	if len(categories) == 0 {
		return s.TableNames()
	}

	wanted := make(map[string]bool, len(categories))
	for _, c := range categories {
		wanted[c] = true
	}

	var names []string
	for _, name := range s.TableNames() {
		if wanted[s.Tables[name].Category] {
			names = append(names, name)
		}
	}
	return names
}

// Validate checks the structural integrity of the snapshot
func (s *Snapshot) Validate() error {
	if s.TenantColumn == "" {
		return fmt.Errorf("snapshot has no tenant column")
	}
	for name, table := range s.Tables {
		if table.Name != name {
			return fmt.Errorf("table key %s does not match table name %s", name, table.Name)
		}
		if !table.HasColumn(s.TenantColumn) {
			return fmt.Errorf("table %s is missing tenant column %s", name, s.TenantColumn)
		}
		for _, pk := range table.PrimaryKey {
			if !table.HasColumn(pk) {
				return fmt.Errorf("table %s primary key column %s does not exist", name, pk)
			}
		}
	}
	return nil
}

// Column returns the named column, or nil
func (t *Table) Column(name string) *Column {
	for _, c := range t.Columns {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// HasColumn reports whether the table has the named column
func (t *Table) HasColumn(name string) bool {
	return t.Column(name) != nil
}

// ColumnNames returns the column names in ordinal order
func (t *Table) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

// HasPrimaryKey reports whether rows of the table can be addressed individually
func (t *Table) HasPrimaryKey() bool {
	return len(t.PrimaryKey) > 0
}

// Drift describes how a backed-up table differs from the live schema
type Drift struct {
	Table          string   `json:"table"`
	MissingTable   bool     `json:"missing_table,omitempty"`
	MissingColumns []string `json:"missing_columns,omitempty"`
}

// CompareForRestore reports, for each of the given tables in the backup
// snapshot, what the current snapshot lacks. Extra columns or tables in the
// current schema are not drift.
func CompareForRestore(backup, current *Snapshot, tables []string) []Drift {
	var drift []Drift
	for _, name := range tables {
		backedUp := backup.Table(name)
		if backedUp == nil {
			continue
		}
		live := current.Table(name)
		if live == nil {
			drift = append(drift, Drift{Table: name, MissingTable: true})
			continue
		}

		var missing []string
		for _, col := range backedUp.Columns {
			if !live.HasColumn(col.Name) {
				missing = append(missing, col.Name)
			}
		}
		if len(missing) > 0 {
			drift = append(drift, Drift{Table: name, MissingColumns: missing})
		}
	}
	return drift
}

package schema

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// DeferredEdge names a foreign key column that is left out of dependency
// ordering. Restore inserts the row with the column unset and fills it in a
// second pass once every row of the batch exists.
type DeferredEdge struct {
	Table  string `yaml:"table" json:"table"`
	Column string `yaml:"column" json:"column"`
	Reason string `yaml:"reason,omitempty" json:"reason,omitempty"`
}

// DeferredEdges is the versioned list of deferred foreign keys
type DeferredEdges struct {
	Version int            `yaml:"version" json:"version"`
	Edges   []DeferredEdge `yaml:"deferred" json:"deferred"`
}

// LoadDeferredEdges reads a deferred edge document from disk. A missing path
// yields an empty list.
func LoadDeferredEdges(path string) (*DeferredEdges, error) {
	if path == "" {
		return &DeferredEdges{Version: 1}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read deferred edges %s: %w", path, err)
	}
	return ParseDeferredEdges(data)
}

// ParseDeferredEdges parses a YAML deferred edge document
func ParseDeferredEdges(data []byte) (*DeferredEdges, error) {
	var edges DeferredEdges
	if err := yaml.Unmarshal(data, &edges); err != nil {
		return nil, fmt.Errorf("failed to parse deferred edges: %w", err)
	}
	if edges.Version == 0 {
		edges.Version = 1
	}
	for i, e := range edges.Edges {
		if e.Table == "" || e.Column == "" {
			return nil, fmt.Errorf("deferred edge %d: table and column are required", i)
		}
	}
	return &edges, nil
}

// IsDeferred reports whether table.column is deferred
func (d *DeferredEdges) IsDeferred(table, column string) bool {
	if d == nil {
		return false
	}
	for _, e := range d.Edges {
		if e.Table == table && e.Column == column {
			return true
		}
	}
	return false
}

// Columns returns the sorted deferred columns of a table
func (d *DeferredEdges) Columns(table string) []string {
	if d == nil {
		return nil
	}
	var cols []string
	for _, e := range d.Edges {
		if e.Table == table {
			cols = append(cols, e.Column)
		}
	}
	sort.Strings(cols)
	return cols
}

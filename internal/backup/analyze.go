package backup

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"org-backup-engine/internal/schema"
)

const maxConflictSamples = 5

// RestoreAnalysis previews a restore: how many backed-up records are new to
// the organization, how many already exist unchanged and how many exist with
// a different timestamp
type RestoreAnalysis struct {
	Compatible bool                         `json:"compatible"`
	Drift      []schema.Drift               `json:"drift,omitempty"`
	New        int                          `json:"new"`
	Existing   int                          `json:"existing"`
	Conflicts  int                          `json:"conflicts"`
	Categories map[string]*CategoryAnalysis `json:"categories"`
}

// CategoryAnalysis holds the counts of one category
type CategoryAnalysis struct {
	New       int                       `json:"new"`
	Existing  int                       `json:"existing"`
	Conflicts int                       `json:"conflicts"`
	Tables    map[string]*TableAnalysis `json:"tables"`
}

// TableAnalysis holds the counts of one table
type TableAnalysis struct {
	New          int  `json:"new"`
	Existing     int  `json:"existing"`
	Conflicts    int  `json:"conflicts"`
	Invalid      int  `json:"invalid,omitempty"`
	NoPrimaryKey bool `json:"no_primary_key,omitempty"`
	// ConflictSamples are the ids of the first conflicting records
	ConflictSamples []string `json:"conflict_samples,omitempty"`
}

func (a *RestoreAnalysis) table(category, table string) *TableAnalysis {
	c, ok := a.Categories[category]
	if !ok {
		c = &CategoryAnalysis{Tables: make(map[string]*TableAnalysis)}
		a.Categories[category] = c
	}
	t, ok := c.Tables[table]
	if !ok {
		t = &TableAnalysis{}
		c.Tables[table] = t
	}
	return t
}

func (a *RestoreAnalysis) count(category string, t *TableAnalysis, state recordState, recordID string) {
	c := a.Categories[category]
	switch state {
	case recordNew:
		a.New++
		c.New++
		t.New++
	case recordExisting:
		a.Existing++
		c.Existing++
		t.Existing++
	case recordConflict:
		a.Conflicts++
		c.Conflicts++
		t.Conflicts++
		if len(t.ConflictSamples) < maxConflictSamples {
			t.ConflictSamples = append(t.ConflictSamples, recordID)
		}
	default:
		t.Invalid++
	}
}

type recordState int

const (
	recordNew recordState = iota
	recordExisting
	recordConflict
	recordInvalid
)

// Analyze compares the selected categories of an extracted archive with the
// live rows of the organization. Nothing is written: the lookups run in a
// transaction that is always rolled back. A schema that drifted from the
// backup is reported with Compatible false and no counts.
func (e *RestoreExecutor) Analyze(ctx context.Context, dir string, manifest *Manifest, current *schema.Snapshot, opts RestoreOptions) (*RestoreAnalysis, error) {
	if err := prepareRestore(manifest, current, &opts); err != nil {
		return nil, err
	}

	tables := manifest.TablesIn(opts.Categories)
	analysis := &RestoreAnalysis{Categories: make(map[string]*CategoryAnalysis)}
	analysis.Drift = schema.CompareForRestore(manifest.Schema, current, tables)
	analysis.Compatible = len(analysis.Drift) == 0
	if !analysis.Compatible {
		return analysis, nil
	}

	data, err := loadTableData(dir, manifest, tables)
	if err != nil {
		return nil, err
	}

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, NewDatabaseError("failed to begin analysis transaction", err)
	}
	defer tx.Rollback()

	for _, name := range tables {
		category := manifest.CategoryOf(name)
		t := analysis.table(category, name)
		table := current.Table(name)
		if !table.HasPrimaryKey() {
			t.NoPrimaryKey = true
			continue
		}

		q, err := NewTenantQuery(e.dialect, name, current.TenantColumn, opts.Org)
		if err != nil {
			return nil, err
		}
		w := &tableWriter{
			tx:              tx,
			dialect:         e.dialect,
			query:           q,
			table:           table,
			tenantColumn:    current.TenantColumn,
			timestampColumn: opts.TimestampColumn,
		}

		for _, row := range data[category][name] {
			state, err := w.classify(ctx, row)
			if err != nil {
				return nil, NewDatabaseError(fmt.Sprintf("analysis of %s failed", name), err).WithContext("table", name)
			}
			analysis.count(category, t, state, w.recordID(row))
		}
	}
	return analysis, nil
}

// classify looks up the live row of a backed-up record. Rows are compared by
// the timestamp column when the table has one; otherwise a matching key
// counts as existing.
func (w *tableWriter) classify(ctx context.Context, row Row) (recordState, error) {
	keyValues, err := w.keyValues(row)
	if err != nil {
		return recordInvalid, nil
	}

	lookupColumn := w.table.PrimaryKey[0]
	compareTimestamps := w.timestampColumn != "" && w.table.HasColumn(w.timestampColumn)
	if compareTimestamps {
		lookupColumn = w.timestampColumn
	}

	query, args := w.query.Lookup([]string{lookupColumn}, w.table.PrimaryKey, keyValues)
	var live interface{}
	err = w.tx.QueryRowContext(ctx, query, args...).Scan(&live)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return recordNew, nil
	case err != nil:
		return recordInvalid, err
	}
	if !compareTimestamps {
		return recordExisting, nil
	}

	backupTime, backupOK := parseTimestamp(row[w.timestampColumn])
	liveTime, liveOK := parseTimestamp(live)
	if backupOK != liveOK || (backupOK && !backupTime.Equal(liveTime)) {
		return recordConflict, nil
	}
	return recordExisting, nil
}

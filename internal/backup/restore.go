package backup

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"org-backup-engine/internal/database"
	appErrors "org-backup-engine/internal/errors"
	"org-backup-engine/internal/logging"
	"org-backup-engine/internal/schema"

	"github.com/goccy/go-json"
)

const (
	// MaxReportedErrors caps the record errors kept in a restore report
	MaxReportedErrors = 100

	recordSavepoint = "orgbackup_record"
)

// RestoreReport summarizes what a restore wrote
type RestoreReport struct {
	Restored   int                               `json:"restored"`
	Updated    int                               `json:"updated"`
	Skipped    int                               `json:"skipped"`
	Categories map[string]*CategoryRestoreReport `json:"categories"`
	Errors     []RecordError                     `json:"errors,omitempty"`
	ErrorCount int                               `json:"error_count"`
	DurationMS int64                             `json:"duration_ms"`
}

// CategoryRestoreReport holds the counts of one category
type CategoryRestoreReport struct {
	Restored int `json:"restored"`
	Updated  int `json:"updated"`
	Skipped  int `json:"skipped"`
}

// RecordError is a record that could not be restored
type RecordError struct {
	Table    string `json:"table"`
	RecordID string `json:"record_id,omitempty"`
	Error    string `json:"error"`
}

func newRestoreReport() *RestoreReport {
	return &RestoreReport{Categories: make(map[string]*CategoryRestoreReport)}
}

func (r *RestoreReport) category(name string) *CategoryRestoreReport {
	c, ok := r.Categories[name]
	if !ok {
		c = &CategoryRestoreReport{}
		r.Categories[name] = c
	}
	return c
}

func (r *RestoreReport) addError(table, recordID string, err error) {
	r.ErrorCount++
	if len(r.Errors) < MaxReportedErrors {
		r.Errors = append(r.Errors, RecordError{Table: table, RecordID: recordID, Error: err.Error()})
	}
}

// RestoreOptions selects what is restored and how conflicts are resolved
type RestoreOptions struct {
	Org             OrgID
	Categories      []string
	Strategy        ConflictStrategy
	TimestampColumn string
}

type recordOutcome int

const (
	outcomeInserted recordOutcome = iota
	outcomeUpdated
	outcomeSkipped
)

// RestoreExecutor writes backup rows back into the tenant database
type RestoreExecutor struct {
	db      *sql.DB
	dialect database.Dialect
	logger  *logging.Logger
}

// NewRestoreExecutor creates a restore executor over db
func NewRestoreExecutor(db *sql.DB, dialect database.Dialect, logger *logging.Logger) *RestoreExecutor {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &RestoreExecutor{db: db, dialect: dialect, logger: logger}
}

// CheckCompatibility fails when a table selected for restore is missing from
// the current schema or lacks a backed-up column
func CheckCompatibility(backup, current *schema.Snapshot, tables []string) error {
	drift := schema.CompareForRestore(backup, current, tables)
	if len(drift) == 0 {
		return nil
	}

	parts := make([]string, 0, len(drift))
	for _, d := range drift {
		if d.MissingTable {
			parts = append(parts, fmt.Sprintf("table %s is missing", d.Table))
			continue
		}
		parts = append(parts, fmt.Sprintf("table %s is missing columns %s", d.Table, strings.Join(d.MissingColumns, ", ")))
	}
	return NewCompatibilityError("backup does not match the current schema: "+strings.Join(parts, "; "), nil).
		WithContext("drift", drift)
}

// Execute restores the selected categories of an extracted archive inside a
// single transaction. Tables are written in dependency order. A failing
// record is rolled back to its savepoint and counted as skipped; a fatal
// database error rolls the whole transaction back.
func (e *RestoreExecutor) Execute(ctx context.Context, dir string, manifest *Manifest, current *schema.Snapshot, opts RestoreOptions) (*RestoreReport, error) {
	if err := prepareRestore(manifest, current, &opts); err != nil {
		return nil, err
	}

	start := time.Now()
	tables := manifest.TablesIn(opts.Categories)
	if err := CheckCompatibility(manifest.Schema, current, tables); err != nil {
		return nil, err
	}
	data, err := loadTableData(dir, manifest, tables)
	if err != nil {
		return nil, err
	}

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, NewDatabaseError("failed to begin restore transaction", err)
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()

	report := newRestoreReport()
	written := make(map[string][]Row)

	for _, name := range tables {
		category := manifest.CategoryOf(name)
		rows := data[category][name]
		table := current.Table(name)
		q, err := NewTenantQuery(e.dialect, name, current.TenantColumn, opts.Org)
		if err != nil {
			return nil, err
		}

		if !table.HasPrimaryKey() {
			report.category(category).Skipped += len(rows)
			report.Skipped += len(rows)
			report.addError(name, "", fmt.Errorf("table has no primary key, %d records skipped", len(rows)))
			continue
		}

		w := &tableWriter{
			tx:              tx,
			dialect:         e.dialect,
			query:           q,
			table:           table,
			tenantColumn:    current.TenantColumn,
			timestampColumn: opts.TimestampColumn,
			deferred:        manifest.Deferred[name],
		}

		for _, row := range rows {
			outcome, err := e.inSavepoint(ctx, tx, func() (recordOutcome, error) {
				return w.restoreRecord(ctx, row, opts.Strategy)
			})
			if err != nil {
				if e.isFatal(ctx, err) {
					return nil, NewDatabaseError(fmt.Sprintf("restore of %s aborted", name), err).WithContext("table", name)
				}
				recordID := w.recordID(row)
				e.logger.WithFields(map[string]interface{}{
					"operation": "restore_record",
					"table":     name,
					"record_id": recordID,
					"error":     err.Error(),
				}).Warn("Record restore failed")
				report.addError(name, recordID, err)
				outcome = outcomeSkipped
			}

			switch outcome {
			case outcomeInserted:
				report.Restored++
				report.category(category).Restored++
				written[name] = append(written[name], row)
			case outcomeUpdated:
				report.Updated++
				report.category(category).Updated++
				written[name] = append(written[name], row)
			default:
				report.Skipped++
				report.category(category).Skipped++
			}
		}
	}

	if err := e.writeDeferred(ctx, tx, manifest, current, opts, tables, written, report); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, NewDatabaseError("failed to commit restore transaction", err)
	}
	committed = true

	report.DurationMS = time.Since(start).Milliseconds()
	return report, nil
}

// prepareRestore validates opts against the manifest and fills in defaults
func prepareRestore(manifest *Manifest, current *schema.Snapshot, opts *RestoreOptions) error {
	if opts.Org.IsZero() {
		return ErrMissingTenant
	}
	if manifest == nil || current == nil {
		return NewValidationError("manifest and current schema are required", nil)
	}
	if opts.Strategy == "" {
		opts.Strategy = ConflictSkip
	}
	if _, err := ParseConflictStrategy(string(opts.Strategy)); err != nil {
		return err
	}
	if opts.TimestampColumn == "" {
		opts.TimestampColumn = manifest.TimestampColumn
	}
	for _, c := range opts.Categories {
		if _, ok := manifest.Categories[c]; !ok {
			return NewNotFoundError(fmt.Sprintf("category %s is not in the backup", c), nil)
		}
	}
	return nil
}

// loadTableData reads the data files of every category holding one of tables
func loadTableData(dir string, manifest *Manifest, tables []string) (map[string]map[string][]Row, error) {
	data := make(map[string]map[string][]Row)
	for _, table := range tables {
		category := manifest.CategoryOf(table)
		if _, loaded := data[category]; loaded {
			continue
		}
		rows, err := LoadCategoryData(dir, manifest, category)
		if err != nil {
			return nil, err
		}
		data[category] = rows
	}
	return data, nil
}

// writeDeferred sets deferred foreign key columns once every table has been
// written
func (e *RestoreExecutor) writeDeferred(ctx context.Context, tx *sql.Tx, manifest *Manifest, current *schema.Snapshot, opts RestoreOptions, tables []string, written map[string][]Row, report *RestoreReport) error {
	for _, name := range tables {
		columns := manifest.Deferred[name]
		if len(columns) == 0 || len(written[name]) == 0 {
			continue
		}
		q, err := NewTenantQuery(e.dialect, name, current.TenantColumn, opts.Org)
		if err != nil {
			return err
		}
		w := &tableWriter{tx: tx, dialect: e.dialect, query: q, table: current.Table(name), tenantColumn: current.TenantColumn}

		for _, row := range written[name] {
			_, err := e.inSavepoint(ctx, tx, func() (recordOutcome, error) {
				return outcomeUpdated, w.writeDeferredColumns(ctx, row, columns)
			})
			if err != nil {
				if e.isFatal(ctx, err) {
					return NewDatabaseError(fmt.Sprintf("deferred restore of %s aborted", name), err).WithContext("table", name)
				}
				report.addError(name, w.recordID(row), err)
			}
		}
	}
	return nil
}

func (e *RestoreExecutor) inSavepoint(ctx context.Context, tx *sql.Tx, fn func() (recordOutcome, error)) (recordOutcome, error) {
	if _, err := tx.ExecContext(ctx, e.dialect.Savepoint(recordSavepoint)); err != nil {
		return outcomeSkipped, err
	}

	outcome, err := fn()
	if err != nil {
		if _, rbErr := tx.ExecContext(ctx, e.dialect.RollbackToSavepoint(recordSavepoint)); rbErr != nil {
			return outcomeSkipped, rbErr
		}
		if _, relErr := tx.ExecContext(ctx, e.dialect.ReleaseSavepoint(recordSavepoint)); relErr != nil {
			return outcomeSkipped, relErr
		}
		return outcomeSkipped, err
	}

	if _, err := tx.ExecContext(ctx, e.dialect.ReleaseSavepoint(recordSavepoint)); err != nil {
		return outcomeSkipped, err
	}
	return outcome, nil
}

func (e *RestoreExecutor) isFatal(ctx context.Context, err error) bool {
	return ctx.Err() != nil || appErrors.IsFatalDatabaseError(err)
}

// tableWriter restores the rows of one table
type tableWriter struct {
	tx              *sql.Tx
	dialect         database.Dialect
	query           *TenantQuery
	table           *schema.Table
	tenantColumn    string
	timestampColumn string
	deferred        []string
}

func (w *tableWriter) restoreRecord(ctx context.Context, row Row, strategy ConflictStrategy) (recordOutcome, error) {
	keyValues, err := w.keyValues(row)
	if err != nil {
		return outcomeSkipped, err
	}

	lookupColumn := w.table.PrimaryKey[0]
	compareTimestamps := strategy == ConflictMerge && w.timestampColumn != "" && w.table.HasColumn(w.timestampColumn)
	if compareTimestamps {
		lookupColumn = w.timestampColumn
	}

	query, args := w.query.Lookup([]string{lookupColumn}, w.table.PrimaryKey, keyValues)
	var existing interface{}
	err = w.tx.QueryRowContext(ctx, query, args...).Scan(&existing)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return outcomeInserted, w.insert(ctx, row)
	case err != nil:
		return outcomeSkipped, err
	}

	switch strategy {
	case ConflictReplace:
		return w.update(ctx, row, keyValues)
	case ConflictMerge:
		if !compareTimestamps {
			return outcomeSkipped, nil
		}
		backupTime, ok := parseTimestamp(row[w.timestampColumn])
		if !ok {
			return outcomeSkipped, nil
		}
		if existingTime, ok := parseTimestamp(existing); ok && !backupTime.After(existingTime) {
			return outcomeSkipped, nil
		}
		return w.update(ctx, row, keyValues)
	default:
		return outcomeSkipped, nil
	}
}

func (w *tableWriter) insert(ctx context.Context, row Row) error {
	columns, values, err := w.columnValues(row, true)
	if err != nil {
		return err
	}
	for i, c := range columns {
		if contains(w.deferred, c) {
			values[i] = nil
		}
	}
	query, args := w.query.Insert(columns, values)
	_, err = w.tx.ExecContext(ctx, query, args...)
	return err
}

func (w *tableWriter) update(ctx context.Context, row Row, keyValues []interface{}) (recordOutcome, error) {
	columns, values, err := w.columnValues(row, false)
	if err != nil {
		return outcomeSkipped, err
	}

	var setCols []string
	var setVals []interface{}
	for i, c := range columns {
		if contains(w.deferred, c) {
			continue
		}
		setCols = append(setCols, c)
		setVals = append(setVals, values[i])
	}
	if len(setCols) == 0 {
		return outcomeSkipped, nil
	}

	query, args := w.query.Update(setCols, setVals, w.table.PrimaryKey, keyValues)
	if _, err := w.tx.ExecContext(ctx, query, args...); err != nil {
		return outcomeSkipped, err
	}
	return outcomeUpdated, nil
}

func (w *tableWriter) writeDeferredColumns(ctx context.Context, row Row, columns []string) error {
	keyValues, err := w.keyValues(row)
	if err != nil {
		return err
	}

	var setCols []string
	var setVals []interface{}
	for _, c := range columns {
		value, ok := row[c]
		if !ok || value == nil {
			continue
		}
		converted, err := restoreValue(value)
		if err != nil {
			return err
		}
		setCols = append(setCols, c)
		setVals = append(setVals, converted)
	}
	if len(setCols) == 0 {
		return nil
	}

	query, args := w.query.Update(setCols, setVals, w.table.PrimaryKey, keyValues)
	_, err = w.tx.ExecContext(ctx, query, args...)
	return err
}

// columnValues returns the restorable columns of row in table order. Metadata
// keys and the tenant column are dropped; primary key columns are kept only
// when includeKey is set.
func (w *tableWriter) columnValues(row Row, includeKey bool) ([]string, []interface{}, error) {
	var columns []string
	var values []interface{}
	for _, c := range w.table.ColumnNames() {
		if c == w.tenantColumn {
			continue
		}
		if !includeKey && contains(w.table.PrimaryKey, c) {
			continue
		}
		value, ok := row[c]
		if !ok {
			continue
		}
		converted, err := restoreValue(value)
		if err != nil {
			return nil, nil, fmt.Errorf("column %s: %w", c, err)
		}
		columns = append(columns, c)
		values = append(values, converted)
	}
	return columns, values, nil
}

func (w *tableWriter) keyValues(row Row) ([]interface{}, error) {
	values := make([]interface{}, len(w.table.PrimaryKey))
	for i, c := range w.table.PrimaryKey {
		if c == w.tenantColumn {
			continue
		}
		value, ok := row[c]
		if !ok || value == nil {
			return nil, fmt.Errorf("record has no value for primary key column %s", c)
		}
		converted, err := restoreValue(value)
		if err != nil {
			return nil, err
		}
		values[i] = converted
	}
	return values, nil
}

func (w *tableWriter) recordID(row Row) string {
	parts := make([]string, 0, len(w.table.PrimaryKey))
	for _, c := range w.table.PrimaryKey {
		if c == w.tenantColumn {
			continue
		}
		parts = append(parts, fmt.Sprint(row[c]))
	}
	return strings.Join(parts, ",")
}

// restoreValue converts a decoded JSON value into a driver argument
func restoreValue(v interface{}) (interface{}, error) {
	switch val := v.(type) {
	case json.Number:
		if n, err := val.Int64(); err == nil {
			return n, nil
		}
		return val.Float64()
	case map[string]interface{}:
		return denormalizeValue(val)
	case []interface{}:
		encoded, err := json.Marshal(val)
		if err != nil {
			return nil, err
		}
		return string(encoded), nil
	default:
		return val, nil
	}
}

var timestampLayouts = []string{
	TimestampFormat,
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// parseTimestamp reads a timestamp from a driver or data file value
func parseTimestamp(v interface{}) (time.Time, bool) {
	switch val := v.(type) {
	case time.Time:
		return val.UTC(), true
	case []byte:
		return parseTimestamp(string(val))
	case string:
		for _, layout := range timestampLayouts {
			if t, err := time.Parse(layout, val); err == nil {
				return t.UTC(), true
			}
		}
	case int64:
		return time.Unix(val, 0).UTC(), true
	case json.Number:
		if n, err := val.Int64(); err == nil {
			return time.Unix(n, 0).UTC(), true
		}
	}
	return time.Time{}, false
}

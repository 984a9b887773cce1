package backup

import (
	"context"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
	"unicode/utf8"

	"org-backup-engine/internal/database"
	appErrors "org-backup-engine/internal/errors"
	"org-backup-engine/internal/logging"
	"org-backup-engine/internal/schema"

	"golang.org/x/sync/errgroup"
)

// Row metadata keys added to every extracted row
const (
	MetaSourceTable = "_source_table"
	MetaExportedAt  = "_exported_at"
	binaryKey       = "$binary"

	// TimestampFormat is how time values are written into data files
	TimestampFormat = "2006-01-02 15:04:05.999999"
)

// Row is one extracted record keyed by column name
type Row map[string]interface{}

// ExtractionResult holds the extracted rows of one organization
type ExtractionResult struct {
	Categories   map[string]map[string][]Row
	Counts       map[string]map[string]int64
	Skipped      []TableError
	ExportedAt   time.Time
	TotalRecords int64
}

// Tables returns the names of every extracted table, sorted
func (r *ExtractionResult) Tables() []string {
	var names []string
	for _, tables := range r.Categories {
		for name := range tables {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Extractor reads tenant rows table by table
type Extractor struct {
	db      *sql.DB
	dialect database.Dialect
	config  ExtractionConfig
	logger  *logging.Logger
	now     func() time.Time
}

// NewExtractor creates an extractor over db
func NewExtractor(db *sql.DB, dialect database.Dialect, config ExtractionConfig, logger *logging.Logger) *Extractor {
	config.SetDefaults()
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Extractor{
		db:      db,
		dialect: dialect,
		config:  config,
		logger:  logger,
		now:     time.Now,
	}
}

// Extract reads every table of the selected categories for org. Failing
// tables are skipped and reported; a fatal database error aborts.
func (e *Extractor) Extract(ctx context.Context, org OrgID, snapshot *schema.Snapshot, categories []string, progress ProgressFunc) (*ExtractionResult, error) {
	if org.IsZero() {
		return nil, ErrMissingTenant
	}
	if snapshot == nil {
		return nil, NewValidationError("schema snapshot is required", nil)
	}

	exportedAt := e.now().UTC()
	result := &ExtractionResult{
		Categories: make(map[string]map[string][]Row),
		Counts:     make(map[string]map[string]int64),
		ExportedAt: exportedAt,
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.config.Workers)

	for _, name := range snapshot.TablesIn(categories) {
		table := snapshot.Table(name)
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}

			start := time.Now()
			tableCtx, cancel := context.WithTimeout(gctx, e.config.TableTimeout)
			rows, err := e.extractTable(tableCtx, org, snapshot.TenantColumn, table, exportedAt)
			cancel()
			e.logger.LogTableExtraction(ctx, table.Name, len(rows), time.Since(start), err)

			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				timedOut := errors.Is(err, context.DeadlineExceeded)
				if !timedOut && appErrors.IsFatalDatabaseError(err) {
					return NewDatabaseError(fmt.Sprintf("extraction of %s aborted", table.Name), err).
						WithContext("table", table.Name)
				}

				mu.Lock()
				result.Skipped = append(result.Skipped, TableError{Table: table.Name, Error: err.Error()})
				mu.Unlock()
				return nil
			}

			mu.Lock()
			defer mu.Unlock()
			if result.Categories[table.Category] == nil {
				result.Categories[table.Category] = make(map[string][]Row)
				result.Counts[table.Category] = make(map[string]int64)
			}
			result.Categories[table.Category][table.Name] = rows
			result.Counts[table.Category][table.Name] = int64(len(rows))
			result.TotalRecords += int64(len(rows))
			if progress != nil {
				progress(table.Category, table.Name, len(rows))
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(result.Skipped, func(i, j int) bool {
		return result.Skipped[i].Table < result.Skipped[j].Table
	})
	return result, nil
}

func (e *Extractor) extractTable(ctx context.Context, org OrgID, tenantColumn string, table *schema.Table, exportedAt time.Time) ([]Row, error) {
	q, err := NewTenantQuery(e.dialect, table.Name, tenantColumn, org)
	if err != nil {
		return nil, err
	}

	columns := table.ColumnNames()
	orderBy := table.PrimaryKey
	if !table.HasPrimaryKey() {
		orderBy = columns
	}

	stamp := exportedAt.Format(TimestampFormat)
	var out []Row
	for offset := 0; ; offset += e.config.ChunkSize {
		query, args := q.Select(columns, orderBy, e.config.ChunkSize, offset)
		chunk, err := e.queryChunk(ctx, query, args, columns)
		if err != nil {
			return nil, err
		}
		for _, row := range chunk {
			row[MetaSourceTable] = table.Name
			row[MetaExportedAt] = stamp
		}
		out = append(out, chunk...)
		if len(chunk) < e.config.ChunkSize {
			return out, nil
		}
	}
}

func (e *Extractor) queryChunk(ctx context.Context, query string, args []interface{}, columns []string) ([]Row, error) {
	rows, err := e.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Row
	values := make([]interface{}, len(columns))
	dest := make([]interface{}, len(columns))
	for i := range values {
		dest[i] = &values[i]
	}

	for rows.Next() {
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}
		row := make(Row, len(columns)+2)
		for i, c := range columns {
			row[c] = normalizeValue(values[i])
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// normalizeValue turns driver values into JSON friendly values. Byte slices
// that are not valid UTF-8 are wrapped as {"$binary": base64}.
func normalizeValue(v interface{}) interface{} {
	switch val := v.(type) {
	case []byte:
		if utf8.Valid(val) {
			return string(val)
		}
		return map[string]interface{}{binaryKey: base64.StdEncoding.EncodeToString(val)}
	case time.Time:
		return val.UTC().Format(TimestampFormat)
	default:
		return val
	}
}

// denormalizeValue reverses normalizeValue for values read from data files
func denormalizeValue(v interface{}) (interface{}, error) {
	m, ok := v.(map[string]interface{})
	if !ok {
		return v, nil
	}
	encoded, ok := m[binaryKey].(string)
	if !ok || len(m) != 1 {
		return nil, NewValidationError("unsupported structured value in backup data", nil)
	}
	return base64.StdEncoding.DecodeString(encoded)
}

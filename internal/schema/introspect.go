package schema

import (
	"context"
	"database/sql"
	"fmt"

	"org-backup-engine/internal/database"
)

// introspector reads catalog metadata for one dialect
type introspector interface {
	listTables(ctx context.Context, db *sql.DB) ([]string, error)
	columns(ctx context.Context, db *sql.DB, table string) ([]*Column, []string, error)
	foreignKeys(ctx context.Context, db *sql.DB, table string) ([]*ForeignKey, error)
}

func introspectorFor(dialect database.Dialect) introspector {
	switch dialect {
	case database.DriverPostgres:
		return postgresIntrospector{}
	case database.DriverSQLite:
		return sqliteIntrospector{}
	default:
		return mysqlIntrospector{}
	}
}

func scanStrings(rows *sql.Rows) ([]string, error) {
	defer rows.Close()

	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

type mysqlIntrospector struct{}

func (mysqlIntrospector) listTables(ctx context.Context, db *sql.DB) ([]string, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT TABLE_NAME
		FROM INFORMATION_SCHEMA.TABLES
		WHERE TABLE_SCHEMA = DATABASE() AND TABLE_TYPE = 'BASE TABLE'
		ORDER BY TABLE_NAME`)
	if err != nil {
		return nil, fmt.Errorf("failed to query tables: %w", err)
	}
	return scanStrings(rows)
}

func (mysqlIntrospector) columns(ctx context.Context, db *sql.DB, table string) ([]*Column, []string, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT COLUMN_NAME, COLUMN_TYPE, IS_NULLABLE, ORDINAL_POSITION
		FROM INFORMATION_SCHEMA.COLUMNS
		WHERE TABLE_SCHEMA = DATABASE() AND TABLE_NAME = ?
		ORDER BY ORDINAL_POSITION`, table)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to query columns for table %s: %w", table, err)
	}
	columns, err := scanColumns(rows)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to scan columns for table %s: %w", table, err)
	}

	pkRows, err := db.QueryContext(ctx, `
		SELECT COLUMN_NAME
		FROM INFORMATION_SCHEMA.KEY_COLUMN_USAGE
		WHERE TABLE_SCHEMA = DATABASE() AND TABLE_NAME = ? AND CONSTRAINT_NAME = 'PRIMARY'
		ORDER BY ORDINAL_POSITION`, table)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to query primary key for table %s: %w", table, err)
	}
	pk, err := scanStrings(pkRows)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to scan primary key for table %s: %w", table, err)
	}
	return columns, pk, nil
}

func (mysqlIntrospector) foreignKeys(ctx context.Context, db *sql.DB, table string) ([]*ForeignKey, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT CONSTRAINT_NAME, COLUMN_NAME, REFERENCED_TABLE_NAME, REFERENCED_COLUMN_NAME
		FROM INFORMATION_SCHEMA.KEY_COLUMN_USAGE
		WHERE TABLE_SCHEMA = DATABASE() AND TABLE_NAME = ? AND REFERENCED_TABLE_NAME IS NOT NULL
		ORDER BY CONSTRAINT_NAME, ORDINAL_POSITION`, table)
	if err != nil {
		return nil, fmt.Errorf("failed to query foreign keys for table %s: %w", table, err)
	}
	return scanForeignKeys(rows)
}

type postgresIntrospector struct{}

func (postgresIntrospector) listTables(ctx context.Context, db *sql.DB) ([]string, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT table_name
		FROM information_schema.tables
		WHERE table_schema = current_schema() AND table_type = 'BASE TABLE'
		ORDER BY table_name`)
	if err != nil {
		return nil, fmt.Errorf("failed to query tables: %w", err)
	}
	return scanStrings(rows)
}

func (postgresIntrospector) columns(ctx context.Context, db *sql.DB, table string) ([]*Column, []string, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT column_name, data_type, is_nullable, ordinal_position
		FROM information_schema.columns
		WHERE table_schema = current_schema() AND table_name = $1
		ORDER BY ordinal_position`, table)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to query columns for table %s: %w", table, err)
	}
	columns, err := scanColumns(rows)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to scan columns for table %s: %w", table, err)
	}

	pkRows, err := db.QueryContext(ctx, `
		SELECT kcu.column_name
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
		  ON tc.constraint_name = kcu.constraint_name AND tc.table_schema = kcu.table_schema
		WHERE tc.table_schema = current_schema() AND tc.table_name = $1 AND tc.constraint_type = 'PRIMARY KEY'
		ORDER BY kcu.ordinal_position`, table)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to query primary key for table %s: %w", table, err)
	}
	pk, err := scanStrings(pkRows)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to scan primary key for table %s: %w", table, err)
	}
	return columns, pk, nil
}

func (postgresIntrospector) foreignKeys(ctx context.Context, db *sql.DB, table string) ([]*ForeignKey, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT tc.constraint_name, kcu.column_name, ccu.table_name, ccu.column_name
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
		  ON tc.constraint_name = kcu.constraint_name AND tc.table_schema = kcu.table_schema
		JOIN information_schema.constraint_column_usage ccu
		  ON tc.constraint_name = ccu.constraint_name AND tc.table_schema = ccu.table_schema
		WHERE tc.table_schema = current_schema() AND tc.table_name = $1 AND tc.constraint_type = 'FOREIGN KEY'
		ORDER BY tc.constraint_name, kcu.ordinal_position`, table)
	if err != nil {
		return nil, fmt.Errorf("failed to query foreign keys for table %s: %w", table, err)
	}
	return scanForeignKeys(rows)
}

type sqliteIntrospector struct{}

func (sqliteIntrospector) listTables(ctx context.Context, db *sql.DB) ([]string, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT name FROM sqlite_master
		WHERE type = 'table' AND name NOT LIKE 'sqlite_%'
		ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to query tables: %w", err)
	}
	return scanStrings(rows)
}

func (sqliteIntrospector) columns(ctx context.Context, db *sql.DB, table string) ([]*Column, []string, error) {
	quoted := database.DialectFor(database.DriverSQLite).Quote(table)
	rows, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", quoted))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to query columns for table %s: %w", table, err)
	}
	defer rows.Close()

	var columns []*Column
	pkByOrdinal := map[int]string{}
	for rows.Next() {
		var (
			cid      int
			name     string
			dataType string
			notNull  int
			dflt     sql.NullString
			pk       int
		)
		if err := rows.Scan(&cid, &name, &dataType, &notNull, &dflt, &pk); err != nil {
			return nil, nil, fmt.Errorf("failed to scan columns for table %s: %w", table, err)
		}
		columns = append(columns, &Column{Name: name, DataType: dataType, IsNullable: notNull == 0, Position: cid + 1})
		if pk > 0 {
			pkByOrdinal[pk] = name
		}
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	pk := make([]string, 0, len(pkByOrdinal))
	for i := 1; i <= len(pkByOrdinal); i++ {
		pk = append(pk, pkByOrdinal[i])
	}
	return columns, pk, nil
}

func (sqliteIntrospector) foreignKeys(ctx context.Context, db *sql.DB, table string) ([]*ForeignKey, error) {
	quoted := database.DialectFor(database.DriverSQLite).Quote(table)
	rows, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA foreign_key_list(%s)", quoted))
	if err != nil {
		return nil, fmt.Errorf("failed to query foreign keys for table %s: %w", table, err)
	}
	defer rows.Close()

	var fks []*ForeignKey
	for rows.Next() {
		var (
			id, seq                     int
			refTable, from              string
			to                          sql.NullString
			onUpdate, onDelete, matchBy string
		)
		if err := rows.Scan(&id, &seq, &refTable, &from, &to, &onUpdate, &onDelete, &matchBy); err != nil {
			return nil, fmt.Errorf("failed to scan foreign keys for table %s: %w", table, err)
		}
		fks = append(fks, &ForeignKey{
			Name:             fmt.Sprintf("fk_%s_%d", table, id),
			Column:           from,
			ReferencedTable:  refTable,
			ReferencedColumn: to.String,
		})
	}
	return fks, rows.Err()
}

func scanColumns(rows *sql.Rows) ([]*Column, error) {
	defer rows.Close()

	var columns []*Column
	for rows.Next() {
		var name, dataType, nullable string
		var position int
		if err := rows.Scan(&name, &dataType, &nullable, &position); err != nil {
			return nil, err
		}
		columns = append(columns, &Column{Name: name, DataType: dataType, IsNullable: nullable == "YES", Position: position})
	}
	return columns, rows.Err()
}

func scanForeignKeys(rows *sql.Rows) ([]*ForeignKey, error) {
	defer rows.Close()

	var fks []*ForeignKey
	for rows.Next() {
		fk := &ForeignKey{}
		if err := rows.Scan(&fk.Name, &fk.Column, &fk.ReferencedTable, &fk.ReferencedColumn); err != nil {
			return nil, fmt.Errorf("failed to scan foreign key: %w", err)
		}
		fks = append(fks, fk)
	}
	return fks, rows.Err()
}

package backup

import (
	"fmt"
	"strings"

	"org-backup-engine/internal/database"
)

// TenantQuery builds statements that are always scoped to one organization.
// There is no way to build an unscoped statement through it.
type TenantQuery struct {
	dialect      database.Dialect
	table        string
	tenantColumn string
	org          OrgID
}

// NewTenantQuery creates a query builder for table scoped to org. A zero
// org is rejected with ErrMissingTenant.
func NewTenantQuery(dialect database.Dialect, table, tenantColumn string, org OrgID) (*TenantQuery, error) {
	if org.IsZero() {
		return nil, ErrMissingTenant
	}
	if table == "" || tenantColumn == "" {
		return nil, NewValidationError("table and tenant column are required", nil)
	}
	return &TenantQuery{dialect: dialect, table: table, tenantColumn: tenantColumn, org: org}, nil
}

// Select returns a page of rows ordered by orderBy
func (q *TenantQuery) Select(columns, orderBy []string, limit, offset int) (string, []interface{}) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s = ?",
		q.columnList(columns), q.dialect.Quote(q.table), q.dialect.Quote(q.tenantColumn))
	if len(orderBy) > 0 {
		query += " ORDER BY " + q.columnList(orderBy)
	}
	query += " LIMIT ? OFFSET ?"
	return q.dialect.Rebind(query), []interface{}{q.org.String(), limit, offset}
}

// Lookup selects columns of the row identified by the primary key values
func (q *TenantQuery) Lookup(columns, primaryKey []string, keyValues []interface{}) (string, []interface{}) {
	where, args := q.keyPredicate(primaryKey, keyValues)
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s", q.columnList(columns), q.dialect.Quote(q.table), where)
	return q.dialect.Rebind(query), args
}

// Insert writes one row. The tenant column is forced to the organization.
func (q *TenantQuery) Insert(columns []string, values []interface{}) (string, []interface{}) {
	columns, values = q.withTenant(columns, values)
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		q.dialect.Quote(q.table), q.columnList(columns), q.dialect.Placeholders(len(columns)))
	return q.dialect.Rebind(query), values
}

// Update overwrites columns of the row identified by the primary key values
func (q *TenantQuery) Update(columns []string, values []interface{}, primaryKey []string, keyValues []interface{}) (string, []interface{}) {
	sets := make([]string, len(columns))
	for i, c := range columns {
		sets[i] = q.dialect.Quote(c) + " = ?"
	}
	where, keyArgs := q.keyPredicate(primaryKey, keyValues)
	query := fmt.Sprintf("UPDATE %s SET %s WHERE %s", q.dialect.Quote(q.table), strings.Join(sets, ", "), where)

	args := make([]interface{}, 0, len(values)+len(keyArgs))
	args = append(args, values...)
	args = append(args, keyArgs...)
	return q.dialect.Rebind(query), args
}

func (q *TenantQuery) keyPredicate(primaryKey []string, keyValues []interface{}) (string, []interface{}) {
	parts := make([]string, 0, len(primaryKey)+1)
	args := make([]interface{}, 0, len(primaryKey)+1)
	for i, c := range primaryKey {
		if c == q.tenantColumn {
			continue
		}
		parts = append(parts, q.dialect.Quote(c)+" = ?")
		args = append(args, keyValues[i])
	}
	parts = append(parts, q.dialect.Quote(q.tenantColumn)+" = ?")
	args = append(args, q.org.String())
	return strings.Join(parts, " AND "), args
}

func (q *TenantQuery) withTenant(columns []string, values []interface{}) ([]string, []interface{}) {
	outCols := make([]string, 0, len(columns)+1)
	outVals := make([]interface{}, 0, len(values)+1)
	for i, c := range columns {
		if c == q.tenantColumn {
			continue
		}
		outCols = append(outCols, c)
		outVals = append(outVals, values[i])
	}
	outCols = append(outCols, q.tenantColumn)
	outVals = append(outVals, q.org.String())
	return outCols, outVals
}

func (q *TenantQuery) columnList(columns []string) string {
	quoted := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = q.dialect.Quote(c)
	}
	return strings.Join(quoted, ", ")
}

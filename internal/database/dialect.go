package database

import (
	"fmt"
	"strconv"
	"strings"
)

// Dialect captures the SQL differences between the supported drivers.
// Queries are written with '?' placeholders and rebound per dialect.
type Dialect string

// DialectFor returns the dialect of a configured driver
func DialectFor(driver string) Dialect {
	switch driver {
	case DriverPostgres:
		return Dialect(DriverPostgres)
	case DriverSQLite:
		return Dialect(DriverSQLite)
	default:
		return Dialect(DriverMySQL)
	}
}

// Quote quotes an identifier
func (d Dialect) Quote(ident string) string {
	if d == DriverMySQL {
		return "`" + strings.ReplaceAll(ident, "`", "``") + "`"
	}
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

// Rebind rewrites '?' placeholders into the dialect's placeholder style
func (d Dialect) Rebind(query string) string {
	if d != DriverPostgres {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	inQuote := false
	for i := 0; i < len(query); i++ {
		c := query[i]
		if c == '\'' {
			inQuote = !inQuote
		}
		if c == '?' && !inQuote {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}

// Placeholders returns n comma separated placeholders in '?' form
func (d Dialect) Placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// Savepoint returns the statement creating a savepoint
func (d Dialect) Savepoint(name string) string {
	return fmt.Sprintf("SAVEPOINT %s", name)
}

// RollbackToSavepoint returns the statement rolling back to a savepoint
func (d Dialect) RollbackToSavepoint(name string) string {
	return fmt.Sprintf("ROLLBACK TO SAVEPOINT %s", name)
}

// ReleaseSavepoint returns the statement releasing a savepoint
func (d Dialect) ReleaseSavepoint(name string) string {
	return fmt.Sprintf("RELEASE SAVEPOINT %s", name)
}

// GooseDialect returns the goose dialect name
func (d Dialect) GooseDialect() string {
	if d == DriverSQLite {
		return "sqlite3"
	}
	return string(d)
}

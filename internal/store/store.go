// Package store persists backups, restores, schedules and audit entries in
// the engine tables. State transitions are compare-and-set updates: a
// transition that finds the row outside the expected state affects no rows
// and reports false.
package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"org-backup-engine/internal/backup"
	"org-backup-engine/internal/database"

	"github.com/goccy/go-json"
)

// Store groups the engine table repositories
type Store struct {
	Backups   *BackupRepository
	Restores  *RestoreRepository
	Schedules *ScheduleRepository
	Audit     *AuditRepository
}

// New creates repositories for db in the given dialect
func New(db *sql.DB, dialect database.Dialect) *Store {
	base := repo{db: db, dialect: dialect}
	return &Store{
		Backups:   &BackupRepository{repo: base},
		Restores:  &RestoreRepository{repo: base},
		Schedules: &ScheduleRepository{repo: base},
		Audit:     &AuditRepository{repo: base},
	}
}

type repo struct {
	db      *sql.DB
	dialect database.Dialect
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (r repo) exec(ctx context.Context, query string, args ...interface{}) (int64, error) {
	res, err := r.db.ExecContext(ctx, r.dialect.Rebind(query), args...)
	if err != nil {
		return 0, backup.NewDatabaseError("engine table update failed", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, backup.NewDatabaseError("failed to read affected rows", err)
	}
	return n, nil
}

func (r repo) queryRow(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return r.db.QueryRowContext(ctx, r.dialect.Rebind(query), args...)
}

func (r repo) query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	rows, err := r.db.QueryContext(ctx, r.dialect.Rebind(query), args...)
	if err != nil {
		return nil, backup.NewDatabaseError("engine table query failed", err)
	}
	return rows, nil
}

func notFound(entity, id string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return backup.NewNotFoundError(entity+" not found", nil).WithContext("id", id)
	}
	return backup.NewDatabaseError("failed to load "+entity, err).WithContext("id", id)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func nullInt(i *int) sql.NullInt64 {
	if i == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*i), Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

func intPtr(ni sql.NullInt64) *int {
	if !ni.Valid {
		return nil
	}
	i := int(ni.Int64)
	return &i
}

func encodeJSON(v interface{}, present bool) (sql.NullString, error) {
	if !present {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, backup.NewDatabaseError("failed to encode column", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func decodeJSON(ns sql.NullString, v interface{}) error {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(ns.String), v); err != nil {
		return backup.NewDatabaseError("failed to decode column", err)
	}
	return nil
}

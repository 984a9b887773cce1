package database

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"sync"

	"github.com/pressly/goose/v3"
)

//go:embed migrations
var migrationsFS embed.FS

// goose keeps its dialect and base FS in package state.
var gooseMu sync.Mutex

// RunMigrations applies all pending engine table migrations for the given dialect.
func RunMigrations(ctx context.Context, db *sql.DB, dialect Dialect) error {
	gooseMu.Lock()
	defer gooseMu.Unlock()

	goose.SetBaseFS(migrationsFS)
	defer goose.SetBaseFS(nil)

	if err := goose.SetDialect(dialect.GooseDialect()); err != nil {
		return fmt.Errorf("set migration dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations/"+string(dialect)); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// MigrationVersion returns the current engine schema version.
func MigrationVersion(ctx context.Context, db *sql.DB, dialect Dialect) (int64, error) {
	gooseMu.Lock()
	defer gooseMu.Unlock()

	if err := goose.SetDialect(dialect.GooseDialect()); err != nil {
		return 0, fmt.Errorf("set migration dialect: %w", err)
	}
	return goose.GetDBVersionContext(ctx, db)
}

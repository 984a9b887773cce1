package database

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"org-backup-engine/internal/errors"
	"org-backup-engine/internal/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDatabaseConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  DatabaseConfig
		wantErr string
	}{
		{
			name:   "valid mysql",
			config: DatabaseConfig{Driver: DriverMySQL, Host: "localhost", Port: 3306, Username: "root", Database: "app"},
		},
		{
			name:    "mysql missing host",
			config:  DatabaseConfig{Driver: DriverMySQL, Port: 3306, Username: "root", Database: "app"},
			wantErr: "host is required",
		},
		{
			name:   "valid sqlite",
			config: DatabaseConfig{Driver: DriverSQLite, Path: "/tmp/app.db"},
		},
		{
			name:    "sqlite missing path",
			config:  DatabaseConfig{Driver: DriverSQLite},
			wantErr: "path is required",
		},
		{
			name:    "unknown driver",
			config:  DatabaseConfig{Driver: "oracle"},
			wantErr: "unsupported driver",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestDatabaseConfig_DSN(t *testing.T) {
	mysqlCfg := DatabaseConfig{Driver: DriverMySQL, Host: "db", Username: "u", Password: "p", Database: "app"}
	mysqlCfg.SetDefaults()
	assert.Equal(t, "mysql", mysqlCfg.DriverName())
	assert.Equal(t, "u:p@tcp(db:3306)/app?timeout=30s&parseTime=true&loc=UTC", mysqlCfg.DSN())

	pgCfg := DatabaseConfig{Driver: DriverPostgres, Host: "db", Username: "u", Password: "p", Database: "app"}
	pgCfg.SetDefaults()
	assert.Equal(t, "pgx", pgCfg.DriverName())
	assert.True(t, strings.HasPrefix(pgCfg.DSN(), "postgres://u:p@db:5432/app?"))
	assert.Contains(t, pgCfg.DSN(), "sslmode=disable")

	liteCfg := DatabaseConfig{Driver: DriverSQLite, Path: "/data/app.db"}
	assert.Equal(t, "sqlite", liteCfg.DriverName())
	assert.Contains(t, liteCfg.DSN(), "foreign_keys(1)")
	assert.Equal(t, "/data/app.db", liteCfg.Target())
}

func TestDialect_Rebind(t *testing.T) {
	pg := DialectFor(DriverPostgres)
	assert.Equal(t, "SELECT * FROM t WHERE a = $1 AND b = $2", pg.Rebind("SELECT * FROM t WHERE a = ? AND b = ?"))
	assert.Equal(t, "SELECT '?' FROM t WHERE a = $1", pg.Rebind("SELECT '?' FROM t WHERE a = ?"))

	my := DialectFor(DriverMySQL)
	assert.Equal(t, "a = ?", my.Rebind("a = ?"))
}

func TestDialect_Quote(t *testing.T) {
	assert.Equal(t, "`campaigns`", DialectFor(DriverMySQL).Quote("campaigns"))
	assert.Equal(t, `"campaigns"`, DialectFor(DriverPostgres).Quote("campaigns"))
	assert.Equal(t, `"we""ird"`, DialectFor(DriverSQLite).Quote(`we"ird`))
	assert.Equal(t, "?, ?, ?", DialectFor(DriverSQLite).Placeholders(3))
	assert.Equal(t, "sqlite3", DialectFor(DriverSQLite).GooseDialect())
}

func TestService_ConnectAndMigrateSQLite(t *testing.T) {
	ctx := context.Background()
	service := NewServiceWithOptions(logging.NewNopLogger(), 5*time.Second, errors.RetryConfig{MaxAttempts: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1})

	db, err := service.Connect(ctx, DatabaseConfig{Driver: DriverSQLite, Path: filepath.Join(t.TempDir(), "app.db")})
	require.NoError(t, err)
	defer service.Close(db)

	dialect := DialectFor(DriverSQLite)
	require.NoError(t, RunMigrations(ctx, db, dialect))
	// second run is a no-op
	require.NoError(t, RunMigrations(ctx, db, dialect))

	version, err := MigrationVersion(ctx, db, dialect)
	require.NoError(t, err)
	assert.Equal(t, int64(2), version)

	var count int
	require.NoError(t, db.QueryRowContext(ctx, "SELECT COUNT(*) FROM org_backups").Scan(&count))
	assert.Equal(t, 0, count)
}

func TestService_ConnectRejectsInvalidConfig(t *testing.T) {
	service := NewServiceWithLogger(logging.NewNopLogger())
	_, err := service.Connect(context.Background(), DatabaseConfig{Driver: DriverSQLite})
	require.Error(t, err)
	assert.Equal(t, errors.ErrorTypeValidation, errors.GetErrorType(err))
}

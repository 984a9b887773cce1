package database

import (
	"context"
	"database/sql"
	"time"

	"org-backup-engine/internal/errors"
	"org-backup-engine/internal/logging"

	_ "github.com/go-sql-driver/mysql" // MySQL driver
	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver ("pgx")
	_ "modernc.org/sqlite"             // SQLite driver ("sqlite")
)

// Service opens and checks database connections
type Service struct {
	connectionTimeout time.Duration
	logger            *logging.Logger
	retryHandler      *errors.RetryHandler
}

// NewServiceWithLogger creates a new database service with a custom logger
func NewServiceWithLogger(logger *logging.Logger) *Service {
	return &Service{
		connectionTimeout: 30 * time.Second,
		logger:            logger,
		retryHandler:      errors.NewDefaultRetryHandler(),
	}
}

// NewServiceWithOptions creates a new database service with custom retry settings
func NewServiceWithOptions(logger *logging.Logger, timeout time.Duration, retry errors.RetryConfig) *Service {
	return &Service{
		connectionTimeout: timeout,
		logger:            logger,
		retryHandler:      errors.NewRetryHandler(retry),
	}
}

// Connect opens a pool for the configured driver and verifies it with a ping
func (s *Service) Connect(ctx context.Context, config DatabaseConfig) (*sql.DB, error) {
	config.SetDefaults()
	if err := config.Validate(); err != nil {
		return nil, errors.NewAppError(errors.ErrorTypeValidation, "invalid database configuration", err)
	}

	startTime := time.Now()
	s.logger.WithFields(map[string]interface{}{
		"driver": config.Driver,
		"target": config.Target(),
	}).Info("Attempting database connection")

	ctx, cancel := context.WithTimeout(ctx, s.connectionTimeout)
	defer cancel()

	var db *sql.DB
	err := s.retryHandler.Retry(ctx, func() error {
		var openErr error
		db, openErr = sql.Open(config.DriverName(), config.DSN())
		if openErr != nil {
			return errors.WrapError(openErr, "failed to open database connection")
		}

		if config.Driver == DriverSQLite {
			// SQLite serializes writers; a single connection keeps
			// per-connection pragmas and transactions consistent.
			db.SetMaxOpenConns(1)
		} else {
			db.SetMaxOpenConns(config.MaxOpenConns)
			db.SetMaxIdleConns(config.MaxIdleConns)
			db.SetConnMaxLifetime(config.ConnMaxLifetime)
		}

		if pingErr := s.TestConnection(ctx, db); pingErr != nil {
			db.Close()
			return pingErr
		}
		return nil
	})

	s.logger.LogDatabaseConnection(config.Driver, config.Target(), err == nil, time.Since(startTime), err)
	if err != nil {
		return nil, err
	}
	return db, nil
}

// TestConnection verifies that the database connection is working
func (s *Service) TestConnection(ctx context.Context, db *sql.DB) error {
	if db == nil {
		return errors.NewAppError(errors.ErrorTypeValidation, "database connection is nil", nil)
	}

	if err := db.PingContext(ctx); err != nil {
		return errors.WrapError(err, "failed to ping database")
	}

	s.logger.Debug("Database connection test successful")
	return nil
}

// Close gracefully closes the database connection
func (s *Service) Close(db *sql.DB) error {
	if db == nil {
		return nil
	}

	if err := db.Close(); err != nil {
		s.logger.WithField("error", err.Error()).Error("Failed to close database connection")
		return errors.WrapError(err, "failed to close database connection")
	}
	return nil
}

package errors

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"modernc.org/sqlite"
)

// ErrorType represents different categories of errors
type ErrorType string

const (
	// ErrorTypeConnection represents database connection errors
	ErrorTypeConnection ErrorType = "connection"
	// ErrorTypeSQL represents SQL execution errors
	ErrorTypeSQL ErrorType = "sql"
	// ErrorTypeConcurrency represents deadlocks, serialization and lock timeouts
	ErrorTypeConcurrency ErrorType = "concurrency"
	// ErrorTypeSchema represents schema-related errors
	ErrorTypeSchema ErrorType = "schema"
	// ErrorTypeConstraint represents integrity constraint violations
	ErrorTypeConstraint ErrorType = "constraint"
	// ErrorTypeValidation represents validation errors
	ErrorTypeValidation ErrorType = "validation"
	// ErrorTypePermission represents permission/access errors
	ErrorTypePermission ErrorType = "permission"
	// ErrorTypeTimeout represents timeout errors
	ErrorTypeTimeout ErrorType = "timeout"
	// ErrorTypeInterruption represents cancellation
	ErrorTypeInterruption ErrorType = "interruption"
	// ErrorTypeUnknown represents unknown errors
	ErrorTypeUnknown ErrorType = "unknown"
)

// AppError represents an application-specific error with context
type AppError struct {
	Type        ErrorType
	Message     string
	Cause       error
	Context     map[string]interface{}
	Recoverable bool
	// Fatal marks errors that invalidate the current connection or
	// transaction. A fatal error aborts extraction and rolls back a restore.
	Fatal       bool
	UserMessage string
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Cause
}

// GetUserMessage returns a user-friendly error message
func (e *AppError) GetUserMessage() string {
	if e.UserMessage != "" {
		return e.UserMessage
	}
	return e.Message
}

// IsRecoverable returns whether the error is worth retrying
func (e *AppError) IsRecoverable() bool {
	return e.Recoverable
}

// WithContext adds context information to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

func (e *AppError) fatal() *AppError {
	e.Fatal = true
	return e
}

// NewAppError creates a new application error
func NewAppError(errorType ErrorType, message string, cause error) *AppError {
	return &AppError{
		Type:    errorType,
		Message: message,
		Cause:   cause,
		Context: make(map[string]interface{}),
	}
}

// NewRecoverableError creates a new recoverable error
func NewRecoverableError(errorType ErrorType, message string, cause error) *AppError {
	e := NewAppError(errorType, message, cause)
	e.Recoverable = true
	return e
}

// ErrorClassifier classifies driver, network and filesystem errors
type ErrorClassifier struct{}

// NewErrorClassifier creates a new error classifier
func NewErrorClassifier() *ErrorClassifier {
	return &ErrorClassifier{}
}

// ClassifyError analyzes an error and returns an AppError with appropriate classification
func (ec *ErrorClassifier) ClassifyError(err error) *AppError {
	if err == nil {
		return nil
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}

	for _, classify := range []func(error) *AppError{
		ec.classifyMySQLError,
		ec.classifyPostgresError,
		ec.classifySQLiteError,
		ec.classifyDriverError,
		ec.classifyContextError,
		ec.classifyNetworkError,
		ec.classifyFileSystemError,
	} {
		if classified := classify(err); classified != nil {
			return classified
		}
	}

	return NewAppError(ErrorTypeUnknown, "An unexpected error occurred", err)
}

func (ec *ErrorClassifier) classifyMySQLError(err error) *AppError {
	if errors.Is(err, mysql.ErrInvalidConn) {
		return NewRecoverableError(ErrorTypeConnection, "MySQL connection is no longer valid", err).fatal()
	}

	var mysqlErr *mysql.MySQLError
	if !errors.As(err, &mysqlErr) {
		return nil
	}

	var classified *AppError
	switch mysqlErr.Number {
	case 1045:
		classified = NewAppError(ErrorTypePermission, "Database access denied - check username and password", err)
	case 1049:
		classified = NewAppError(ErrorTypeValidation, "Database does not exist", err)
	case 1146:
		classified = NewAppError(ErrorTypeSchema, "Table does not exist", err)
	case 1054:
		classified = NewAppError(ErrorTypeSchema, "Column does not exist", err)
	case 1062:
		classified = NewAppError(ErrorTypeConstraint, "Duplicate entry - record already exists", err)
	case 1451, 1452:
		classified = NewAppError(ErrorTypeConstraint, "Foreign key constraint failed", err)
	case 1064:
		classified = NewAppError(ErrorTypeSQL, "SQL syntax error", err)
	case 1205:
		classified = NewRecoverableError(ErrorTypeConcurrency, "Lock wait timeout exceeded", err).fatal()
	case 1213:
		classified = NewRecoverableError(ErrorTypeConcurrency, "Deadlock detected", err).fatal()
	case 2003:
		classified = NewRecoverableError(ErrorTypeConnection, "Cannot connect to MySQL server", err).fatal()
	case 2006, 2013:
		classified = NewRecoverableError(ErrorTypeConnection, "MySQL server connection lost", err).fatal()
	default:
		classified = NewAppError(ErrorTypeSQL, fmt.Sprintf("MySQL error: %s", mysqlErr.Message), err)
	}
	return classified.WithContext("mysql_error_code", mysqlErr.Number)
}

func (ec *ErrorClassifier) classifyPostgresError(err error) *AppError {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return nil
	}

	var classified *AppError
	switch {
	case strings.HasPrefix(pgErr.Code, "08"), pgErr.Code == "57P01", pgErr.Code == "57P02", pgErr.Code == "57P03":
		classified = NewRecoverableError(ErrorTypeConnection, "PostgreSQL connection lost", err).fatal()
	case pgErr.Code == "40P01":
		classified = NewRecoverableError(ErrorTypeConcurrency, "Deadlock detected", err).fatal()
	case pgErr.Code == "40001":
		classified = NewRecoverableError(ErrorTypeConcurrency, "Serialization failure", err).fatal()
	case pgErr.Code == "25P02":
		classified = NewAppError(ErrorTypeSQL, "Transaction is aborted", err).fatal()
	case pgErr.Code == "42P01":
		classified = NewAppError(ErrorTypeSchema, "Table does not exist", err)
	case pgErr.Code == "42703":
		classified = NewAppError(ErrorTypeSchema, "Column does not exist", err)
	case pgErr.Code == "28P01", pgErr.Code == "42501":
		classified = NewAppError(ErrorTypePermission, "Database access denied", err)
	case strings.HasPrefix(pgErr.Code, "23"):
		classified = NewAppError(ErrorTypeConstraint, pgErr.Message, err)
	default:
		classified = NewAppError(ErrorTypeSQL, fmt.Sprintf("PostgreSQL error: %s", pgErr.Message), err)
	}
	return classified.WithContext("sqlstate", pgErr.Code)
}

func (ec *ErrorClassifier) classifySQLiteError(err error) *AppError {
	var liteErr *sqlite.Error
	if !errors.As(err, &liteErr) {
		return nil
	}

	// Primary result code lives in the low byte of extended codes.
	switch liteErr.Code() & 0xff {
	case 5, 6: // SQLITE_BUSY, SQLITE_LOCKED
		return NewRecoverableError(ErrorTypeConcurrency, "Database is locked", err).fatal().
			WithContext("sqlite_code", liteErr.Code())
	case 19: // SQLITE_CONSTRAINT
		return NewAppError(ErrorTypeConstraint, "Constraint failed", err).
			WithContext("sqlite_code", liteErr.Code())
	case 10, 11, 13, 26: // IOERR, CORRUPT, FULL, NOTADB
		return NewAppError(ErrorTypeConnection, "Database file unusable", err).fatal().
			WithContext("sqlite_code", liteErr.Code())
	}
	return NewAppError(ErrorTypeSQL, "SQLite error", err).WithContext("sqlite_code", liteErr.Code())
}

func (ec *ErrorClassifier) classifyDriverError(err error) *AppError {
	switch {
	case errors.Is(err, driver.ErrBadConn):
		return NewRecoverableError(ErrorTypeConnection, "Database connection is broken", err).fatal()
	case errors.Is(err, sql.ErrConnDone):
		return NewRecoverableError(ErrorTypeConnection, "Database connection is closed", err).fatal()
	case errors.Is(err, sql.ErrTxDone):
		return NewAppError(ErrorTypeSQL, "Transaction has already been committed or rolled back", err).fatal()
	case errors.Is(err, sql.ErrNoRows):
		return NewAppError(ErrorTypeValidation, "No rows found", err)
	}
	return nil
}

func (ec *ErrorClassifier) classifyNetworkError(err error) *AppError {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return NewRecoverableError(ErrorTypeConnection,
			fmt.Sprintf("Network %s error", opErr.Op), err).fatal()
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return NewRecoverableError(ErrorTypeTimeout, "Network operation timed out", err).fatal()
	}

	return nil
}

func (ec *ErrorClassifier) classifyContextError(err error) *AppError {
	if errors.Is(err, context.DeadlineExceeded) {
		return NewRecoverableError(ErrorTypeTimeout, "Operation timed out", err).fatal()
	}
	if errors.Is(err, context.Canceled) {
		return NewAppError(ErrorTypeInterruption, "Operation was canceled", err).fatal()
	}
	return nil
}

func (ec *ErrorClassifier) classifyFileSystemError(err error) *AppError {
	var pathErr *os.PathError
	if !errors.As(err, &pathErr) {
		return nil
	}

	switch {
	case errors.Is(pathErr.Err, syscall.ENOENT):
		return NewAppError(ErrorTypeValidation, fmt.Sprintf("File or directory not found: %s", pathErr.Path), err)
	case errors.Is(pathErr.Err, syscall.EACCES):
		return NewAppError(ErrorTypePermission, fmt.Sprintf("Permission denied: %s", pathErr.Path), err)
	case errors.Is(pathErr.Err, syscall.ENOSPC):
		return NewAppError(ErrorTypeValidation, "No space left on device", err)
	}
	return nil
}

// RetryConfig holds configuration for retry operations
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
}

// DefaultRetryConfig returns a default retry configuration
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   1 * time.Second,
		MaxDelay:    30 * time.Second,
		Multiplier:  2.0,
	}
}

// RetryHandler provides retry functionality for operations
type RetryHandler struct {
	config     RetryConfig
	classifier *ErrorClassifier
}

// NewRetryHandler creates a new retry handler
func NewRetryHandler(config RetryConfig) *RetryHandler {
	return &RetryHandler{
		config:     config,
		classifier: NewErrorClassifier(),
	}
}

// NewDefaultRetryHandler creates a retry handler with default configuration
func NewDefaultRetryHandler() *RetryHandler {
	return NewRetryHandler(DefaultRetryConfig())
}

// Retry executes a function with retry logic for recoverable errors
func (rh *RetryHandler) Retry(ctx context.Context, operation func() error) error {
	var lastErr error

	for attempt := 1; attempt <= rh.config.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return NewAppError(ErrorTypeInterruption, "Operation canceled", ctx.Err())
		}

		err := operation()
		if err == nil {
			return nil
		}

		lastErr = err
		if !rh.classifier.ClassifyError(err).IsRecoverable() {
			return err
		}
		if attempt == rh.config.MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return NewAppError(ErrorTypeInterruption, "Operation canceled during retry", ctx.Err())
		case <-time.After(rh.Delay(attempt)):
		}
	}

	return rh.classifier.ClassifyError(lastErr).
		WithContext("attempts", rh.config.MaxAttempts)
}

// Delay returns the backoff delay after the given (1-based) attempt
func (rh *RetryHandler) Delay(attempt int) time.Duration {
	multiplier := 1.0
	for i := 1; i < attempt; i++ {
		multiplier *= rh.config.Multiplier
	}

	delay := time.Duration(float64(rh.config.BaseDelay) * multiplier)
	if delay > rh.config.MaxDelay {
		delay = rh.config.MaxDelay
	}
	return delay
}

// IsRecoverableError checks if an error is recoverable
func IsRecoverableError(err error) bool {
	if err == nil {
		return false
	}
	return NewErrorClassifier().ClassifyError(err).IsRecoverable()
}

// IsFatalDatabaseError reports whether err means the connection or the
// surrounding transaction can no longer be used.
func IsFatalDatabaseError(err error) bool {
	if err == nil {
		return false
	}
	return NewErrorClassifier().ClassifyError(err).Fatal
}

// GetErrorType returns the error type of an error
func GetErrorType(err error) ErrorType {
	if err == nil {
		return ErrorTypeUnknown
	}
	return NewErrorClassifier().ClassifyError(err).Type
}

// WrapError wraps an existing error with additional context
func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}

	classified := NewErrorClassifier().ClassifyError(err)
	wrapped := NewAppError(classified.Type, message, err)
	wrapped.Recoverable = classified.Recoverable
	wrapped.Fatal = classified.Fatal
	return wrapped
}

package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/sirupsen/logrus"
)

// LogLevel represents the logging level
type LogLevel string

const (
	// LogLevelQuiet suppresses all output except errors
	LogLevelQuiet LogLevel = "quiet"
	// LogLevelNormal shows job transitions and summaries
	LogLevelNormal LogLevel = "normal"
	// LogLevelVerbose adds per-table and per-file progress
	LogLevelVerbose LogLevel = "verbose"
	// LogLevelDebug shows everything, including queue internals
	LogLevelDebug LogLevel = "debug"
)

type correlationKey struct{}

// Logger provides structured logging for jobs and services
type Logger struct {
	logger *logrus.Logger
	level  LogLevel
}

// Config holds logger configuration
type Config struct {
	Level      LogLevel  `mapstructure:"level" yaml:"level"`
	Output     io.Writer `mapstructure:"-" yaml:"-"`
	Format     string    `mapstructure:"format" yaml:"format"` // "text" or "json"
	ShowCaller bool      `mapstructure:"show_caller" yaml:"show_caller"`
	LogFile    string    `mapstructure:"log_file" yaml:"log_file"`
}

// NewLogger creates a new logger with the specified configuration
func NewLogger(config Config) (*Logger, error) {
	logger := logrus.New()

	out := config.Output
	if out == nil {
		out = os.Stderr
	}
	logger.SetOutput(out)

	switch config.Format {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
		})
	default:
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05",
		})
	}

	logger.SetLevel(toLogrusLevel(config.Level))

	if config.ShowCaller {
		logger.SetReportCaller(true)
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05",
			CallerPrettyfier: func(f *runtime.Frame) (string, string) {
				return fmt.Sprintf("%s()", f.Function), fmt.Sprintf("%s:%d", filepath.Base(f.File), f.Line)
			},
		})
	}

	if config.LogFile != "" {
		file, err := os.OpenFile(config.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file %s: %w", config.LogFile, err)
		}
		logger.SetOutput(io.MultiWriter(out, file))
	}

	level := config.Level
	if level == "" {
		level = LogLevelNormal
	}

	return &Logger{logger: logger, level: level}, nil
}

// NewNopLogger returns a logger that discards everything. Used by tests.
func NewNopLogger() *Logger {
	logger, _ := NewLogger(Config{Level: LogLevelQuiet, Output: io.Discard})
	return logger
}

func toLogrusLevel(level LogLevel) logrus.Level {
	switch level {
	case LogLevelQuiet:
		return logrus.ErrorLevel
	case LogLevelVerbose:
		return logrus.DebugLevel
	case LogLevelDebug:
		return logrus.TraceLevel
	default:
		return logrus.InfoLevel
	}
}

// Logrus exposes the underlying logger for adapters (queue, supervisor).
func (l *Logger) Logrus() *logrus.Logger {
	return l.logger
}

// WithCorrelationID stores a correlation id used to tie together the log
// lines of a single job run.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// CorrelationID extracts the correlation id from ctx, if any.
func CorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(correlationKey{}).(string); ok {
		return id
	}
	return ""
}

// WithContext returns an entry carrying the context's correlation id
func (l *Logger) WithContext(ctx context.Context) *logrus.Entry {
	entry := l.logger.WithContext(ctx)
	if id := CorrelationID(ctx); id != "" {
		entry = entry.WithField("correlation_id", id)
	}
	return entry
}

// WithFields returns a logger with additional fields
func (l *Logger) WithFields(fields map[string]interface{}) *logrus.Entry {
	return l.logger.WithFields(fields)
}

// WithField returns a logger with a single additional field
func (l *Logger) WithField(key string, value interface{}) *logrus.Entry {
	return l.logger.WithField(key, value)
}

// LogDatabaseConnection logs database connection attempts
func (l *Logger) LogDatabaseConnection(driver, target string, success bool, duration time.Duration, err error) {
	fields := logrus.Fields{
		"operation": "database_connection",
		"driver":    driver,
		"target":    target,
		"duration":  duration.String(),
		"success":   success,
	}

	if success {
		l.logger.WithFields(fields).Info("Database connection established")
		return
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	l.logger.WithFields(fields).Error("Database connection failed")
}

// LogTableExtraction logs the outcome of extracting one tenant table
func (l *Logger) LogTableExtraction(ctx context.Context, table string, rows int, duration time.Duration, err error) {
	entry := l.WithContext(ctx).WithFields(logrus.Fields{
		"operation": "table_extraction",
		"table":     table,
		"rows":      rows,
		"duration":  duration.String(),
	})

	if err != nil {
		entry.WithField("error", err.Error()).Warn("Table extraction skipped")
		return
	}
	entry.Debug("Table extracted")
}

// LogJobTransition logs a status change of a backup or restore record
func (l *Logger) LogJobTransition(ctx context.Context, kind, id, from, to string, err error) {
	entry := l.WithContext(ctx).WithFields(logrus.Fields{
		"operation": "job_transition",
		"kind":      kind,
		"id":        id,
		"from":      from,
		"to":        to,
	})

	if err != nil {
		entry.WithField("error", err.Error()).Error("Job failed")
		return
	}
	entry.Info("Job status changed")
}

// Info logs an info message
func (l *Logger) Info(msg string) {
	l.logger.Info(msg)
}

// Debug logs a debug message
func (l *Logger) Debug(msg string) {
	l.logger.Debug(msg)
}

// Warn logs a warning message
func (l *Logger) Warn(msg string) {
	l.logger.Warn(msg)
}

// Warnf logs a formatted warning message
func (l *Logger) Warnf(format string, args ...interface{}) {
	l.logger.Warnf(format, args...)
}

// Error logs an error message
func (l *Logger) Error(msg string) {
	l.logger.Error(msg)
}

// Errorf logs a formatted error message
func (l *Logger) Errorf(format string, args ...interface{}) {
	l.logger.Errorf(format, args...)
}

// LogOperationStart logs the start of an operation and returns a function
// that logs its outcome
func (l *Logger) LogOperationStart(ctx context.Context, operation string, fields map[string]interface{}) func(error) {
	startTime := time.Now()

	logFields := logrus.Fields{"operation": operation}
	for k, v := range fields {
		logFields[k] = v
	}
	entry := l.WithContext(ctx).WithFields(logFields)
	entry.Debug("Operation started")

	return func(err error) {
		done := entry.WithField("duration", time.Since(startTime).String())
		if err != nil {
			done.WithError(err).Error("Operation failed")
			return
		}
		done.Info("Operation completed")
	}
}

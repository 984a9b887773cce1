package database

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

// Supported drivers
const (
	DriverMySQL    = "mysql"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// DatabaseConfig holds the connection parameters of the application database.
// The engine tables and the tenant tables live in the same database.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver" yaml:"driver"`
	Host            string        `mapstructure:"host" yaml:"host"`
	Port            int           `mapstructure:"port" yaml:"port"`
	Username        string        `mapstructure:"username" yaml:"username"`
	Password        string        `mapstructure:"password" yaml:"password"`
	Database        string        `mapstructure:"database" yaml:"database"`
	Path            string        `mapstructure:"path" yaml:"path"`
	SSLMode         string        `mapstructure:"ssl_mode" yaml:"ssl_mode"`
	Timeout         time.Duration `mapstructure:"timeout" yaml:"timeout"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" yaml:"conn_max_lifetime"`
}

// SetDefaults fills unset values
func (dc *DatabaseConfig) SetDefaults() {
	if dc.Driver == "" {
		dc.Driver = DriverMySQL
	}
	if dc.Port == 0 {
		switch dc.Driver {
		case DriverMySQL:
			dc.Port = 3306
		case DriverPostgres:
			dc.Port = 5432
		}
	}
	if dc.SSLMode == "" && dc.Driver == DriverPostgres {
		dc.SSLMode = "disable"
	}
	if dc.Timeout == 0 {
		dc.Timeout = 30 * time.Second
	}
	if dc.MaxOpenConns == 0 {
		dc.MaxOpenConns = 10
	}
	if dc.MaxIdleConns == 0 {
		dc.MaxIdleConns = 5
	}
	if dc.ConnMaxLifetime == 0 {
		dc.ConnMaxLifetime = 5 * time.Minute
	}
}

// Validate checks if the database configuration has all required parameters
func (dc *DatabaseConfig) Validate() error {
	var errs []error

	switch dc.Driver {
	case DriverMySQL, DriverPostgres:
		if dc.Host == "" {
			errs = append(errs, errors.New("host is required"))
		}
		if dc.Port <= 0 || dc.Port > 65535 {
			errs = append(errs, errors.New("port must be between 1 and 65535"))
		}
		if dc.Username == "" {
			errs = append(errs, errors.New("username is required"))
		}
		if dc.Database == "" {
			errs = append(errs, errors.New("database name is required"))
		}
	case DriverSQLite:
		if dc.Path == "" {
			errs = append(errs, errors.New("path is required for sqlite"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported driver %q", dc.Driver))
	}

	if len(errs) > 0 {
		return fmt.Errorf("database configuration validation failed: %w", errors.Join(errs...))
	}
	return nil
}

// DriverName returns the database/sql driver name registered for the configured driver
func (dc *DatabaseConfig) DriverName() string {
	switch dc.Driver {
	case DriverPostgres:
		return "pgx"
	case DriverSQLite:
		return "sqlite"
	default:
		return "mysql"
	}
}

// DSN returns the data source name for the configured driver
func (dc *DatabaseConfig) DSN() string {
	switch dc.Driver {
	case DriverPostgres:
		u := url.URL{
			Scheme:   "postgres",
			User:     url.UserPassword(dc.Username, dc.Password),
			Host:     fmt.Sprintf("%s:%d", dc.Host, dc.Port),
			Path:     "/" + dc.Database,
			RawQuery: url.Values{"sslmode": {dc.SSLMode}, "connect_timeout": {fmt.Sprintf("%d", int(dc.Timeout.Seconds()))}}.Encode(),
		}
		return u.String()
	case DriverSQLite:
		return fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", dc.Path)
	default:
		return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?timeout=%s&parseTime=true&loc=UTC",
			dc.Username, dc.Password, dc.Host, dc.Port, dc.Database, dc.Timeout)
	}
}

// Target returns a printable description of the database without credentials
func (dc *DatabaseConfig) Target() string {
	if dc.Driver == DriverSQLite {
		return dc.Path
	}
	return fmt.Sprintf("%s:%d/%s", dc.Host, dc.Port, dc.Database)
}

package supervisor

import (
	"context"
	"errors"
	"net/http"
	"time"

	"org-backup-engine/internal/logging"
	"org-backup-engine/internal/metrics"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	json "github.com/goccy/go-json"
)

// AdminConfig configures the worker's health and metrics listener
type AdminConfig struct {
	Enabled         bool          `mapstructure:"enabled" yaml:"enabled"`
	Addr            string        `mapstructure:"addr" yaml:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// SetDefaults sets default values for the admin listener
func (c *AdminConfig) SetDefaults() {
	if c.Addr == "" {
		c.Addr = ":9090"
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 5 * time.Second
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
}

// ReadinessCheck reports whether one dependency is usable
type ReadinessCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// ChannelCheck is ready once ch is closed
func ChannelCheck(name string, ch <-chan struct{}) ReadinessCheck {
	return ReadinessCheck{
		Name: name,
		Check: func(context.Context) error {
			select {
			case <-ch:
				return nil
			default:
				return errNotRunning
			}
		},
	}
}

var errNotRunning = errors.New("not running")

// NewAdminRouter serves /healthz, /readyz and /metrics
func NewAdminRouter(recorder *metrics.Recorder, logger *logging.Logger, checks ...ReadinessCheck) http.Handler {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	if recorder != nil {
		r.Handle("/metrics", recorder.Handler())
	}
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"}, logger)
	})
	r.Get("/readyz", func(w http.ResponseWriter, req *http.Request) {
		ctx, cancel := context.WithTimeout(req.Context(), 3*time.Second)
		defer cancel()

		status := http.StatusOK
		results := make(map[string]string, len(checks))
		for _, c := range checks {
			if err := c.Check(ctx); err != nil {
				results[c.Name] = err.Error()
				status = http.StatusServiceUnavailable
				continue
			}
			results[c.Name] = "ok"
		}
		writeJSON(w, status, map[string]interface{}{
			"status": http.StatusText(status),
			"checks": results,
		}, logger)
	})
	return r
}

// NewAdminService wraps the admin router in a supervised HTTP server
func NewAdminService(config AdminConfig, handler http.Handler) *HTTPServerService {
	config.SetDefaults()
	server := &http.Server{
		Addr:              config.Addr,
		Handler:           handler,
		ReadHeaderTimeout: config.ReadTimeout,
	}
	return NewHTTPServerService("admin-http", server, config.ShutdownTimeout)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}, logger *logging.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.WithField("error", err.Error()).Debug("Failed to write admin response")
	}
}

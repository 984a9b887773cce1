// Package supervisor runs the long-lived worker services under a suture
// tree: the job queue consumer, the schedule and cleanup tickers and the
// admin HTTP server.
package supervisor

import (
	"context"
	"time"

	"org-backup-engine/internal/logging"

	"github.com/thejerf/suture/v4"
)

// TreeConfig holds supervisor tree configuration
type TreeConfig struct {
	// FailureThreshold is the number of failures before entering backoff
	FailureThreshold float64 `mapstructure:"failure_threshold" yaml:"failure_threshold"`
	// FailureDecay is the rate at which failures decay, in seconds
	FailureDecay float64 `mapstructure:"failure_decay" yaml:"failure_decay"`
	// FailureBackoff is how long a supervisor waits once the threshold is exceeded
	FailureBackoff time.Duration `mapstructure:"failure_backoff" yaml:"failure_backoff"`
	// ShutdownTimeout bounds how long each service gets to stop
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// SetDefaults fills zero values with suture's defaults
func (c *TreeConfig) SetDefaults() {
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 5
	}
	if c.FailureDecay == 0 {
		c.FailureDecay = 30
	}
	if c.FailureBackoff == 0 {
		c.FailureBackoff = 15 * time.Second
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
}

// Tree is the worker's supervisor hierarchy.
//
// Jobs and admin run under separate child supervisors so a crashing queue
// consumer does not take the health and metrics endpoints down with it.
type Tree struct {
	root   *suture.Supervisor
	jobs   *suture.Supervisor
	admin  *suture.Supervisor
	logger *logging.Logger
	config TreeConfig
}

// NewTree creates the supervisor tree
func NewTree(logger *logging.Logger, config TreeConfig) *Tree {
	config.SetDefaults()
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	rootSpec := suture.Spec{
		EventHook:        EventHook(logger),
		FailureThreshold: config.FailureThreshold,
		FailureDecay:     config.FailureDecay,
		FailureBackoff:   config.FailureBackoff,
		Timeout:          config.ShutdownTimeout,
	}
	// children inherit the root's EventHook when added
	childSpec := suture.Spec{
		FailureThreshold: config.FailureThreshold,
		FailureDecay:     config.FailureDecay,
		FailureBackoff:   config.FailureBackoff,
		Timeout:          config.ShutdownTimeout,
	}

	root := suture.New("orgbackup", rootSpec)
	jobs := suture.New("jobs", childSpec)
	admin := suture.New("admin", childSpec)
	root.Add(jobs)
	root.Add(admin)

	return &Tree{
		root:   root,
		jobs:   jobs,
		admin:  admin,
		logger: logger,
		config: config,
	}
}

// EventHook logs suture events through logrus
func EventHook(logger *logging.Logger) suture.EventHook {
	return func(ev suture.Event) {
		entry := logger.WithFields(ev.Map())
		switch ev.Type() {
		case suture.EventTypeServicePanic, suture.EventTypeStopTimeout:
			entry.Error(ev.String())
		case suture.EventTypeServiceTerminate, suture.EventTypeBackoff:
			entry.Warn(ev.String())
		default:
			entry.Info(ev.String())
		}
	}
}

// Root returns the root supervisor
func (t *Tree) Root() *suture.Supervisor {
	return t.root
}

// AddJobService adds a service to the jobs layer
func (t *Tree) AddJobService(svc suture.Service) suture.ServiceToken {
	return t.jobs.Add(svc)
}

// AddAdminService adds a service to the admin layer
func (t *Tree) AddAdminService(svc suture.Service) suture.ServiceToken {
	return t.admin.Add(svc)
}

// Serve runs the tree until ctx is canceled
func (t *Tree) Serve(ctx context.Context) error {
	t.logger.WithFields(map[string]interface{}{
		"failure_threshold": t.config.FailureThreshold,
		"failure_backoff":   t.config.FailureBackoff.String(),
		"shutdown_timeout":  t.config.ShutdownTimeout.String(),
	}).Info("Starting supervisor tree")
	return t.root.Serve(ctx)
}

// ServeBackground runs the tree in a goroutine
func (t *Tree) ServeBackground(ctx context.Context) <-chan error {
	return t.root.ServeBackground(ctx)
}

// UnstoppedServiceReport lists services that did not stop within the timeout
func (t *Tree) UnstoppedServiceReport() (suture.UnstoppedServiceReport, error) {
	return t.root.UnstoppedServiceReport()
}

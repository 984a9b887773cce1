package supervisor

import (
	"context"
	"time"

	"org-backup-engine/internal/logging"
	"org-backup-engine/internal/queue"

	"github.com/google/uuid"
)

// Dispatcher enqueues a job
type Dispatcher interface {
	Dispatch(ctx context.Context, kind queue.Kind, recordID string) error
}

// Ticker enqueues one job kind on a fixed interval. The scheduler pass and
// the retention sweep are both driven by a Ticker; the job itself runs on
// whichever worker consumes it.
type Ticker struct {
	name       string
	kind       queue.Kind
	interval   time.Duration
	dispatcher Dispatcher
	ready      <-chan struct{}
	runOnStart bool
	logger     *logging.Logger
}

// TickerOption configures a Ticker
type TickerOption func(*Ticker)

// WaitFor delays the first tick until ready is closed. The in-memory
// transport drops messages published before the consumer subscribes.
func WaitFor(ready <-chan struct{}) TickerOption {
	return func(t *Ticker) {
		t.ready = ready
	}
}

// RunOnStart enqueues a job as soon as the ticker starts
func RunOnStart() TickerOption {
	return func(t *Ticker) {
		t.runOnStart = true
	}
}

// NewTicker creates a ticker for kind
func NewTicker(name string, kind queue.Kind, interval time.Duration, dispatcher Dispatcher, logger *logging.Logger, opts ...TickerOption) *Ticker {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	t := &Ticker{
		name:       name,
		kind:       kind,
		interval:   interval,
		dispatcher: dispatcher,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Serve implements suture.Service
func (t *Ticker) Serve(ctx context.Context) error {
	if t.ready != nil {
		select {
		case <-t.ready:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	t.logger.WithFields(map[string]interface{}{
		"service":  t.name,
		"job":      string(t.kind),
		"interval": t.interval.String(),
	}).Info("Ticker started")

	if t.runOnStart {
		t.fire(ctx)
	}

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			t.fire(ctx)
		}
	}
}

func (t *Ticker) fire(ctx context.Context) {
	ctx = logging.WithCorrelationID(ctx, uuid.NewString())
	if err := t.dispatcher.Dispatch(ctx, t.kind, ""); err != nil {
		t.logger.WithContext(ctx).WithFields(map[string]interface{}{
			"service": t.name,
			"job":     string(t.kind),
			"error":   err.Error(),
		}).Error("Failed to enqueue periodic job")
	}
}

// String names the service in supervisor events
func (t *Ticker) String() string {
	return t.name
}

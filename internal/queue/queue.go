// Package queue runs jobs over watermill topics. Every job kind has a
// policy naming its topic, timeout and retry schedule; a failed attempt is
// republished after its backoff until the attempts are used up.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"org-backup-engine/internal/logging"
	"org-backup-engine/internal/metrics"

	"github.com/ThreeDotsLabs/watermill"
	wmNats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	natsgo "github.com/nats-io/nats.go"
)

// Message outcomes recorded in metrics
const (
	OutcomeCompleted = "completed"
	OutcomeRetried   = "retried"
	OutcomeFailed    = "failed"
	OutcomeDropped   = "dropped"
)

// Handler runs one job attempt
type Handler func(ctx context.Context, env Envelope) error

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent marks err as a failure another attempt cannot fix; the queue
// fails the job without scheduling a retry
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent
func IsPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}

// Queue publishes jobs and consumes them through a watermill router
type Queue struct {
	publisher    message.Publisher
	subscriber   message.Subscriber
	policies     map[Kind]Policy
	closeTimeout time.Duration
	logger       *logging.Logger
	wmLogger     watermill.LoggerAdapter
	metrics      *metrics.Recorder
	now          func() time.Time

	mu       sync.RWMutex
	handlers map[Kind]Handler

	sharedPubSub bool
	running      chan struct{}
	once         sync.Once
	retries      sync.WaitGroup
}

// New creates a queue on the configured transport
func New(config Config, logger *logging.Logger, recorder *metrics.Recorder) (*Queue, error) {
	config.SetDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	wmLogger := NewLoggerAdapter(logger)

	var pub message.Publisher
	var sub message.Subscriber
	switch config.Driver {
	case DriverNATS:
		var err error
		pub, sub, err = newNATSPubSub(config.NATS, config.CloseTimeout, wmLogger)
		if err != nil {
			return nil, err
		}
	default:
		pubSub := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: config.BufferSize}, wmLogger)
		pub, sub = pubSub, pubSub
	}

	q := NewWithPubSub(pub, sub, config.Policies(), logger, recorder)
	q.closeTimeout = config.CloseTimeout
	q.sharedPubSub = config.Driver != DriverNATS
	return q, nil
}

// NewWithPubSub creates a queue on an existing publisher and subscriber
func NewWithPubSub(pub message.Publisher, sub message.Subscriber, policies map[Kind]Policy, logger *logging.Logger, recorder *metrics.Recorder) *Queue {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Queue{
		publisher:    pub,
		subscriber:   sub,
		policies:     policies,
		closeTimeout: 30 * time.Second,
		logger:       logger,
		wmLogger:     NewLoggerAdapter(logger),
		metrics:      recorder,
		now:          time.Now,
		handlers:     make(map[Kind]Handler),
		running:      make(chan struct{}),
	}
}

func newNATSPubSub(config NATSConfig, closeTimeout time.Duration, logger watermill.LoggerAdapter) (message.Publisher, message.Subscriber, error) {
	natsOpts := []natsgo.Option{
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(config.MaxReconnects),
		natsgo.ReconnectWait(config.ReconnectWait),
		natsgo.DisconnectErrHandler(func(nc *natsgo.Conn, err error) {
			if err != nil {
				logger.Error("NATS disconnected", err, nil)
			}
		}),
		natsgo.ReconnectHandler(func(nc *natsgo.Conn) {
			logger.Info("NATS reconnected", watermill.LogFields{"url": nc.ConnectedUrl()})
		}),
	}

	pub, err := wmNats.NewPublisher(wmNats.PublisherConfig{
		URL:         config.URL,
		NatsOptions: natsOpts,
		Marshaler:   &wmNats.NATSMarshaler{},
		JetStream: wmNats.JetStreamConfig{
			AutoProvision: true,
			TrackMsgId:    true,
		},
	}, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("create NATS publisher: %w", err)
	}

	sub, err := wmNats.NewSubscriber(wmNats.SubscriberConfig{
		URL:              config.URL,
		QueueGroupPrefix: config.QueueGroup,
		SubscribersCount: 1,
		AckWaitTimeout:   config.AckWait,
		CloseTimeout:     closeTimeout,
		NatsOptions:      natsOpts,
		Unmarshaler:      &wmNats.NATSMarshaler{},
		JetStream: wmNats.JetStreamConfig{
			AutoProvision: true,
			DurablePrefix: config.DurablePrefix,
			SubscribeOptions: []natsgo.SubOpt{
				natsgo.AckWait(config.AckWait),
				natsgo.MaxDeliver(-1),
			},
		},
	}, logger)
	if err != nil {
		pub.Close()
		return nil, nil, fmt.Errorf("create NATS subscriber: %w", err)
	}
	return pub, sub, nil
}

// Register installs the handler of a job kind
func (q *Queue) Register(kind Kind, handler Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[kind] = handler
}

// Publisher returns the underlying publisher
func (q *Queue) Publisher() message.Publisher {
	return q.publisher
}

// Policy returns the policy of a job kind
func (q *Queue) Policy(kind Kind) (Policy, bool) {
	p, ok := q.policies[kind]
	return p, ok
}

// Dispatch enqueues the first attempt of a job
func (q *Queue) Dispatch(ctx context.Context, kind Kind, recordID string) error {
	return q.publish(NewEnvelope(kind, recordID, logging.CorrelationID(ctx), q.now()))
}

func (q *Queue) publish(env Envelope) error {
	policy, ok := q.policies[env.Kind]
	if !ok {
		return fmt.Errorf("no queue policy for job kind %q", env.Kind)
	}
	msg, err := env.Message()
	if err != nil {
		return err
	}
	if err := q.publisher.Publish(policy.Topic, msg); err != nil {
		return fmt.Errorf("failed to publish %s job: %w", env.Kind, err)
	}
	q.logger.WithFields(map[string]interface{}{
		"job":       string(env.Kind),
		"record_id": env.RecordID,
		"attempt":   env.Attempt,
		"topic":     policy.Topic,
	}).Debug("Job enqueued")
	return nil
}

// Running is closed once the router consumes every topic
func (q *Queue) Running() <-chan struct{} {
	return q.running
}

// Serve consumes both topics until ctx is done
func (q *Queue) Serve(ctx context.Context) error {
	router, err := message.NewRouter(message.RouterConfig{CloseTimeout: q.closeTimeout}, q.wmLogger)
	if err != nil {
		return fmt.Errorf("create watermill router: %w", err)
	}
	router.AddMiddleware(middleware.Recoverer)

	for _, topic := range []string{TopicBackups, TopicDefault} {
		router.AddConsumerHandler("orgbackup-"+topic, topic, q.subscriber, q.consume(ctx, topic))
	}

	go func() {
		select {
		case <-router.Running():
			q.once.Do(func() { close(q.running) })
		case <-ctx.Done():
		}
	}()

	err = router.Run(ctx)
	q.retries.Wait()
	if err != nil {
		return err
	}
	return ctx.Err()
}

// String names the service for the supervisor
func (q *Queue) String() string {
	return "job-queue"
}

// Close releases the transport
func (q *Queue) Close() error {
	q.retries.Wait()
	if err := q.publisher.Close(); err != nil {
		return err
	}
	if q.sharedPubSub {
		return nil
	}
	return q.subscriber.Close()
}

func (q *Queue) consume(serveCtx context.Context, topic string) message.NoPublishHandlerFunc {
	return func(msg *message.Message) error {
		env, err := DecodeEnvelope(msg)
		if err != nil {
			q.logger.WithFields(map[string]interface{}{
				"topic":      topic,
				"message_id": msg.UUID,
				"error":      err.Error(),
			}).Error("Dropping undecodable job message")
			q.metrics.QueueMessage(topic, OutcomeDropped)
			return nil
		}

		q.mu.RLock()
		handler, ok := q.handlers[env.Kind]
		q.mu.RUnlock()
		policy, hasPolicy := q.policies[env.Kind]
		if !ok || !hasPolicy {
			q.logger.WithFields(map[string]interface{}{
				"topic": topic,
				"job":   string(env.Kind),
			}).Error("Dropping job without a registered handler")
			q.metrics.QueueMessage(topic, OutcomeDropped)
			return nil
		}

		ctx := logging.WithCorrelationID(msg.Context(), env.CorrelationID)
		err = q.run(ctx, handler, policy, env)
		if err == nil {
			q.metrics.QueueMessage(topic, OutcomeCompleted)
			return nil
		}

		entry := q.logger.WithContext(ctx).WithFields(map[string]interface{}{
			"job":       string(env.Kind),
			"record_id": env.RecordID,
			"attempt":   env.Attempt,
			"error":     err.Error(),
		})
		if IsPermanent(err) {
			entry.Error("Job failed permanently, not retried")
			q.metrics.QueueMessage(topic, OutcomeFailed)
			return nil
		}
		if env.Attempt >= policy.MaxAttempts {
			entry.Error("Job failed, no attempts left")
			q.metrics.QueueMessage(topic, OutcomeFailed)
			return nil
		}

		delay := policy.Delay(env.Attempt)
		entry.WithField("retry_in", delay.String()).Warn("Job failed, retry scheduled")
		q.metrics.QueueMessage(topic, OutcomeRetried)
		q.scheduleRetry(serveCtx, env.Retry(q.now()), delay)
		return nil
	}
}

// run executes one attempt under the policy timeout. A panic fails the
// attempt like an error so it is retried under the same policy.
func (q *Queue) run(ctx context.Context, handler Handler, policy Policy, env Envelope) (err error) {
	if policy.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, policy.Timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return handler(ctx, env)
}

func (q *Queue) scheduleRetry(ctx context.Context, env Envelope, delay time.Duration) {
	q.retries.Add(1)
	go func() {
		defer q.retries.Done()

		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			q.logger.WithFields(map[string]interface{}{
				"job":       string(env.Kind),
				"record_id": env.RecordID,
				"attempt":   env.Attempt,
			}).Warn("Queue stopped before a scheduled retry")
			return
		}

		if err := q.publish(env); err != nil {
			q.logger.WithFields(map[string]interface{}{
				"job":   string(env.Kind),
				"error": err.Error(),
			}).Error("Failed to publish job retry")
		}
	}()
}

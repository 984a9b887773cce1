package notify

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"org-backup-engine/internal/logging"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// LogChannel writes notifications to the structured log
type LogChannel struct {
	logger *logging.Logger
}

// NewLogChannel creates a log notification channel
func NewLogChannel(logger *logging.Logger) *LogChannel {
	return &LogChannel{logger: logger}
}

// Send logs the notification
func (lc *LogChannel) Send(ctx context.Context, n Notification) error {
	entry := lc.logger.WithContext(ctx).WithFields(map[string]interface{}{
		"kind":      string(n.Kind),
		"org_id":    n.OrgID,
		"record_id": n.RecordID,
	})
	if n.Kind.IsFailure() {
		entry.WithField("error", n.Error).Warn(n.Title())
		return nil
	}
	entry.Info(n.Title())
	return nil
}

// GetType returns the channel type
func (lc *LogChannel) GetType() string {
	return "log"
}

// IsEnabled checks if the channel is enabled
func (lc *LogChannel) IsEnabled() bool {
	return lc.logger != nil
}

// FileChannel appends notifications to a file
type FileChannel struct {
	config FileConfig
	mu     sync.Mutex
}

// NewFileChannel creates a new file notification channel
func NewFileChannel(config FileConfig) *FileChannel {
	return &FileChannel{config: config}
}

// Send writes a notification to the file
func (fc *FileChannel) Send(ctx context.Context, n Notification) error {
	if fc.config.Path == "" {
		return fmt.Errorf("file path not configured")
	}

	var content []byte
	switch fc.config.Format {
	case "text":
		line := fmt.Sprintf("[%s] %s: %s", n.Timestamp.Format(time.RFC3339), n.Kind, n.Title())
		if n.Error != "" {
			line += " - " + n.Error
		}
		content = []byte(line + "\n")
	default:
		data, err := json.Marshal(n)
		if err != nil {
			return fmt.Errorf("failed to marshal notification to JSON: %w", err)
		}
		content = append(data, '\n')
	}

	fc.mu.Lock()
	defer fc.mu.Unlock()

	file, err := os.OpenFile(fc.config.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open notification file: %w", err)
	}
	defer file.Close()

	if _, err := file.Write(content); err != nil {
		return fmt.Errorf("failed to write notification to file: %w", err)
	}
	return nil
}

// GetType returns the channel type
func (fc *FileChannel) GetType() string {
	return "file"
}

// IsEnabled checks if the channel is enabled
func (fc *FileChannel) IsEnabled() bool {
	return fc.config.Path != ""
}

// WebhookChannel posts notifications as JSON
type WebhookChannel struct {
	config  WebhookConfig
	client  *http.Client
	limiter *rate.Limiter
}

// NewWebhookChannel creates a new webhook notification channel
func NewWebhookChannel(config WebhookConfig) *WebhookChannel {
	timeout := config.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	var limiter *rate.Limiter
	if config.RatePerMinute > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(config.RatePerMinute)), config.RatePerMinute)
	}

	return &WebhookChannel{
		config:  config,
		client:  &http.Client{Timeout: timeout},
		limiter: limiter,
	}
}

// Send posts the notification
func (wc *WebhookChannel) Send(ctx context.Context, n Notification) error {
	if wc.config.URL == "" {
		return fmt.Errorf("webhook URL not configured")
	}
	if wc.limiter != nil && !wc.limiter.Allow() {
		return fmt.Errorf("webhook rate limit exceeded, notification dropped")
	}

	payload, err := json.Marshal(struct {
		Notification
		Title string `json:"title"`
	}{Notification: n, Title: n.Title()})
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	method := wc.config.Method
	if method == "" {
		method = http.MethodPost
	}

	req, err := http.NewRequestWithContext(ctx, method, wc.config.URL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range wc.config.Headers {
		req.Header.Set(key, value)
	}

	resp, err := wc.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned error status: %d", resp.StatusCode)
	}
	return nil
}

// GetType returns the channel type
func (wc *WebhookChannel) GetType() string {
	return "webhook"
}

// IsEnabled checks if the channel is enabled
func (wc *WebhookChannel) IsEnabled() bool {
	return wc.config.URL != ""
}

// QueueChannel publishes notifications to a message topic for an external
// renderer
type QueueChannel struct {
	publisher message.Publisher
	topic     string
}

// NewQueueChannel creates a queue notification channel
func NewQueueChannel(publisher message.Publisher, topic string) *QueueChannel {
	if topic == "" {
		topic = DefaultQueueTopic
	}
	return &QueueChannel{publisher: publisher, topic: topic}
}

// Send publishes the notification
func (qc *QueueChannel) Send(ctx context.Context, n Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	msg := message.NewMessage(uuid.New().String(), payload)
	msg.Metadata.Set("kind", string(n.Kind))
	msg.Metadata.Set("org_id", n.OrgID)
	if id := logging.CorrelationID(ctx); id != "" {
		msg.Metadata.Set("correlation_id", id)
	}

	if err := qc.publisher.Publish(qc.topic, msg); err != nil {
		return fmt.Errorf("failed to publish notification: %w", err)
	}
	return nil
}

// GetType returns the channel type
func (qc *QueueChannel) GetType() string {
	return "queue"
}

// IsEnabled checks if the channel is enabled
func (qc *QueueChannel) IsEnabled() bool {
	return qc.publisher != nil
}

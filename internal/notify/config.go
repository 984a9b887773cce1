package notify

import (
	"net/url"
	"os"
	"strconv"
	"time"

	"org-backup-engine/internal/backup"
)

// DefaultQueueTopic is the topic queue notifications are published to
const DefaultQueueTopic = "notifications"

// Config selects which notifications are sent and where
type Config struct {
	Enabled bool           `mapstructure:"enabled" yaml:"enabled"`
	Kinds   []Kind         `mapstructure:"kinds" yaml:"kinds"`
	Log     bool           `mapstructure:"log" yaml:"log"`
	File    *FileConfig    `mapstructure:"file" yaml:"file,omitempty"`
	Webhook *WebhookConfig `mapstructure:"webhook" yaml:"webhook,omitempty"`
	Queue   *QueueConfig   `mapstructure:"queue" yaml:"queue,omitempty"`
}

// FileConfig for file-based notifications
type FileConfig struct {
	Path   string `mapstructure:"path" yaml:"path"`
	Format string `mapstructure:"format" yaml:"format"` // json, text
}

// WebhookConfig for webhook notifications
type WebhookConfig struct {
	URL     string            `mapstructure:"url" yaml:"url"`
	Method  string            `mapstructure:"method" yaml:"method"`
	Headers map[string]string `mapstructure:"headers" yaml:"headers"`
	Timeout time.Duration     `mapstructure:"timeout" yaml:"timeout"`
	// RatePerMinute limits webhook calls; zero disables the limit.
	RatePerMinute int `mapstructure:"rate_per_minute" yaml:"rate_per_minute"`
}

// QueueConfig publishes notifications for an external renderer
type QueueConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Topic   string `mapstructure:"topic" yaml:"topic"`
}

// SetDefaults sets default values for the notification configuration
func (c *Config) SetDefaults() {
	if c.File != nil && c.File.Format == "" {
		c.File.Format = "json"
	}
	if c.Webhook != nil {
		if c.Webhook.Method == "" {
			c.Webhook.Method = "POST"
		}
		if c.Webhook.Timeout == 0 {
			c.Webhook.Timeout = 30 * time.Second
		}
	}
	if c.Queue != nil && c.Queue.Topic == "" {
		c.Queue.Topic = DefaultQueueTopic
	}
}

// LoadFromEnvironment loads notification settings from environment variables
func (c *Config) LoadFromEnvironment() {
	if val := os.Getenv("ORGBACKUP_NOTIFICATIONS_ENABLED"); val != "" {
		if enabled, err := strconv.ParseBool(val); err == nil {
			c.Enabled = enabled
		}
	}
	if val := os.Getenv("ORGBACKUP_NOTIFICATIONS_WEBHOOK_URL"); val != "" {
		if c.Webhook == nil {
			c.Webhook = &WebhookConfig{}
		}
		c.Webhook.URL = val
	}
	if val := os.Getenv("ORGBACKUP_NOTIFICATIONS_FILE"); val != "" {
		if c.File == nil {
			c.File = &FileConfig{}
		}
		c.File.Path = val
	}
}

// Validate validates the notification configuration
func (c *Config) Validate() error {
	var errors backup.ValidationErrors

	for _, k := range c.Kinds {
		known := false
		for _, valid := range Kinds {
			if k == valid {
				known = true
				break
			}
		}
		if !known {
			errors.Add("notifications.kinds", "unknown notification kind", k)
		}
	}
	if c.File != nil {
		if c.File.Path == "" {
			errors.Add("notifications.file.path", "path is required", c.File.Path)
		}
		if c.File.Format != "" && c.File.Format != "json" && c.File.Format != "text" {
			errors.Add("notifications.file.format", "format must be json or text", c.File.Format)
		}
	}
	if c.Webhook != nil {
		if u, err := url.Parse(c.Webhook.URL); err != nil || u.Scheme == "" || u.Host == "" {
			errors.Add("notifications.webhook.url", "a valid absolute URL is required", c.Webhook.URL)
		}
		if c.Webhook.RatePerMinute < 0 {
			errors.Add("notifications.webhook.rate_per_minute", "cannot be negative", c.Webhook.RatePerMinute)
		}
	}

	if errors.HasErrors() {
		return errors
	}
	return nil
}

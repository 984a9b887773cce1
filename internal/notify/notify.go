// Package notify delivers backup and restore outcome notifications. Delivery
// is best effort: channel failures are logged and never reach the job that
// triggered the notification.
package notify

import (
	"context"
	"fmt"
	"time"

	"org-backup-engine/internal/backup"
	"org-backup-engine/internal/logging"
)

// Kind is the closed set of notifications the engine emits
type Kind string

const (
	KindBackupCompleted  Kind = "backup_completed"
	KindBackupFailed     Kind = "backup_failed"
	KindRestoreCompleted Kind = "restore_completed"
	KindRestoreFailed    Kind = "restore_failed"
)

// Kinds lists every notification kind
var Kinds = []Kind{KindBackupCompleted, KindBackupFailed, KindRestoreCompleted, KindRestoreFailed}

// IsFailure reports whether the kind reports a failed job
func (k Kind) IsFailure() bool {
	return k == KindBackupFailed || k == KindRestoreFailed
}

// Notification is one outcome message
type Notification struct {
	Kind      Kind                   `json:"kind"`
	OrgID     string                 `json:"org_id"`
	RecordID  string                 `json:"record_id"`
	Code      string                 `json:"code,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Title returns a one line description of the notification
func (n Notification) Title() string {
	switch n.Kind {
	case KindBackupCompleted:
		return fmt.Sprintf("Backup %s completed", n.label())
	case KindBackupFailed:
		return fmt.Sprintf("Backup %s failed", n.label())
	case KindRestoreCompleted:
		return fmt.Sprintf("Restore %s completed", n.label())
	case KindRestoreFailed:
		return fmt.Sprintf("Restore %s failed", n.label())
	}
	return fmt.Sprintf("%s %s", n.Kind, n.label())
}

func (n Notification) label() string {
	if n.Code != "" {
		return n.Code
	}
	return n.RecordID
}

// BackupCompleted builds the notification for a completed backup
func BackupCompleted(b *backup.Backup, now time.Time) Notification {
	details := map[string]interface{}{"file_size": b.FileSize, "encrypted": b.Encrypted}
	if b.Summary != nil {
		details["total_records"] = b.Summary.TotalRecords
		details["total_files"] = b.Summary.TotalFiles
	}
	return Notification{
		Kind:      KindBackupCompleted,
		OrgID:     b.OrgID,
		RecordID:  b.ID,
		Code:      b.Code,
		Details:   details,
		Timestamp: now.UTC(),
	}
}

// BackupFailed builds the notification for a failed backup
func BackupFailed(b *backup.Backup, err error, now time.Time) Notification {
	return Notification{
		Kind:      KindBackupFailed,
		OrgID:     b.OrgID,
		RecordID:  b.ID,
		Code:      b.Code,
		Error:     errorMessage(err),
		Timestamp: now.UTC(),
	}
}

// RestoreCompleted builds the notification for a completed restore
func RestoreCompleted(r *backup.Restore, now time.Time) Notification {
	details := map[string]interface{}{"backup_id": r.BackupID}
	if r.Report != nil {
		details["restored"] = r.Report.Restored
		details["updated"] = r.Report.Updated
		details["skipped"] = r.Report.Skipped
	}
	return Notification{
		Kind:      KindRestoreCompleted,
		OrgID:     r.OrgID,
		RecordID:  r.ID,
		Code:      r.Code,
		Details:   details,
		Timestamp: now.UTC(),
	}
}

// RestoreFailed builds the notification for a failed restore
func RestoreFailed(r *backup.Restore, err error, now time.Time) Notification {
	return Notification{
		Kind:      KindRestoreFailed,
		OrgID:     r.OrgID,
		RecordID:  r.ID,
		Code:      r.Code,
		Error:     errorMessage(err),
		Details:   map[string]interface{}{"backup_id": r.BackupID},
		Timestamp: now.UTC(),
	}
}

func errorMessage(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// Notifier is the fire-and-forget contract jobs depend on
type Notifier interface {
	Notify(ctx context.Context, n Notification)
}

// Channel is one delivery method
type Channel interface {
	Send(ctx context.Context, n Notification) error
	GetType() string
	IsEnabled() bool
}

// Dispatcher fans a notification out to every enabled channel
type Dispatcher struct {
	logger   *logging.Logger
	config   Config
	channels []Channel
}

// NewDispatcher creates a dispatcher with the channels enabled in config
func NewDispatcher(logger *logging.Logger, config Config) *Dispatcher {
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	d := &Dispatcher{logger: logger, config: config}
	if config.Log {
		d.channels = append(d.channels, NewLogChannel(logger))
	}
	if config.File != nil {
		d.channels = append(d.channels, NewFileChannel(*config.File))
	}
	if config.Webhook != nil {
		d.channels = append(d.channels, NewWebhookChannel(*config.Webhook))
	}
	return d
}

// AddChannel registers an additional channel
func (d *Dispatcher) AddChannel(channel Channel) {
	d.channels = append(d.channels, channel)
}

// Channels returns the registered channel types
func (d *Dispatcher) Channels() []string {
	types := make([]string, 0, len(d.channels))
	for _, c := range d.channels {
		types = append(types, c.GetType())
	}
	return types
}

// Notify delivers n to every enabled channel. Errors are logged only.
func (d *Dispatcher) Notify(ctx context.Context, n Notification) {
	if !d.config.Enabled || !d.wants(n.Kind) {
		return
	}
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now().UTC()
	}

	for _, channel := range d.channels {
		if !channel.IsEnabled() {
			continue
		}
		if err := channel.Send(ctx, n); err != nil {
			d.logger.WithContext(ctx).WithFields(map[string]interface{}{
				"channel":   channel.GetType(),
				"kind":      string(n.Kind),
				"record_id": n.RecordID,
				"error":     err.Error(),
			}).Warn("Notification delivery failed")
		}
	}
}

func (d *Dispatcher) wants(kind Kind) bool {
	if len(d.config.Kinds) == 0 {
		return true
	}
	for _, k := range d.config.Kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// NopNotifier drops every notification
type NopNotifier struct{}

// Notify does nothing
func (NopNotifier) Notify(context.Context, Notification) {}
